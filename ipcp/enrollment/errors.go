package enrollment

import (
	"errors"
	"fmt"

	"github.com/rflandau/rina/ipcp"
)

var (
	ErrAlreadyEnrolled  = errors.New("already enrolled to the neighbor")
	ErrInProgress       = errors.New("an enrollment with the neighbor is already in progress")
	ErrNoMachine        = errors.New("no enrollment state machine on port")
	ErrBadState         = errors.New("message received in a wrong state")
	ErrTimeout          = errors.New("timed out")
	ErrRejected         = errors.New("peer rejected the enrollment")
	ErrNoAddress        = errors.New("could not assign a valid address")
	ErrNotAuthenticated = errors.New("authentication failed")
	ErrFlowLost         = errors.New("the underlying flow was deallocated")
	ErrReleased         = errors.New("the peer released the connection")
	ErrNeighborDead     = errors.New("the neighbor stopped answering the watchdog")
)

func errNoMachine(port ipcp.PortID) error {
	return fmt.Errorf("%w %d", ErrNoMachine, port)
}

func errBadState(what string, s State) error {
	return fmt.Errorf("%w: %s in state %v", ErrBadState, what, s)
}

func errTimeout(awaited string) error {
	return fmt.Errorf("%w waiting for %s", ErrTimeout, awaited)
}

func errRejected(step string, result int32, reason string) error {
	return fmt.Errorf("%w: %s returned %d (%s)", ErrRejected, step, result, reason)
}
