package flowalloc

import (
	"errors"
	"fmt"

	"github.com/rflandau/rina/ipcp"
)

var (
	ErrNoDirectoryEntry = errors.New("no directory entry")
	ErrLocalFlow        = errors.New("allocation of flows between applications of this process is not supported")
	ErrUnreachable      = errors.New("no next hop to destination")
	ErrUnknownPort      = errors.New("no flow allocator instance on port")
	ErrBadState         = errors.New("flow allocator instance is in the wrong state")
	ErrKernel           = errors.New("kernel refused the connection")
	ErrRejected         = errors.New("flow rejected")
	ErrNoAddress        = errors.New("this process has no address yet")
)

func errNoDirectoryEntry(app ipcp.NamingInfo) error {
	return fmt.Errorf("%w for %v", ErrNoDirectoryEntry, app)
}

func errUnknownPort(port ipcp.PortID) error {
	return fmt.Errorf("%w %d", ErrUnknownPort, port)
}

func errBadState(s State, op string) error {
	return fmt.Errorf("%w: cannot %s in state %v", ErrBadState, op, s)
}

func errKernel(what string, code int32) error {
	return fmt.Errorf("%w: %s returned %d", ErrKernel, what, code)
}
