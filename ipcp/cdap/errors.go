package cdap

import (
	"errors"
	"fmt"

	"github.com/rflandau/rina/ipcp"
)

var (
	// ErrInvalidMessage is wrapped by every schema violation.
	ErrInvalidMessage = errors.New("invalid CDAP message")
	// ErrMalformed is wrapped by every decode failure.
	ErrMalformed = errors.New("malformed CDAP message")
	// ErrNoSession is returned when a non-CONNECT message is sent or received on a connection without a session.
	ErrNoSession = errors.New("no open session for this connection")
	// ErrAlreadyOpen is returned when a CONNECT arrives on a session that is already open.
	ErrAlreadyOpen = errors.New("session already open")
	// ErrBadState is returned when a message is not valid in the session's current sequencing state.
	ErrBadState = errors.New("message not valid in the current session state")
	// ErrInvokeIDInUse is returned when a request reuses an invoke id whose response is still outstanding.
	ErrInvokeIDInUse = errors.New("invoke id already in use")
	// ErrNoPendingRequest is returned when a response (or CANCELREAD) matches no outstanding request.
	ErrNoPendingRequest = errors.New("no pending request matches this message")
)

// errNoSession returns ErrNoSession annotated with the port id.
func errNoSession(port ipcp.PortID) error {
	return fmt.Errorf("%w (port %d)", ErrNoSession, port)
}

// errBadState returns ErrBadState annotated with the offending opcode and state.
func errBadState(op Opcode, s State) error {
	return fmt.Errorf("%w: cannot handle %v while %v", ErrBadState, op, s)
}

func errInvokeIDInUse(op Opcode, id int32) error {
	return fmt.Errorf("%w: %v with invoke id %d", ErrInvokeIDInUse, op, id)
}

func errNoPendingRequest(op Opcode, id int32) error {
	return fmt.Errorf("%w: %v with invoke id %d", ErrNoPendingRequest, op, id)
}
