package mgmt

import (
	"errors"
	"fmt"
	"net/netip"

	"github.com/rflandau/rina/ipcp"
)

var (
	ErrNotRunning = errors.New("transport is not running")
	ErrNoPeer     = errors.New("no peer on port")
)

// ErrBadAddr returns an error to indicate that the given netip.AddrPort was invalid.
func ErrBadAddr(ap netip.AddrPort) error {
	return fmt.Errorf("address %v is not a valid ip:port", ap)
}

// ErrSDUTooLarge returns an error to indicate that an SDU does not fit in one datagram.
func ErrSDUTooLarge(size, max int) error {
	return fmt.Errorf("management SDU of %d bytes exceeds the maximum of %d", size, max)
}

func errNoPeer(port ipcp.PortID) error {
	return fmt.Errorf("%w %d", ErrNoPeer, port)
}
