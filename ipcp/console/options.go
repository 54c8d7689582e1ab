package console

import (
	"net/netip"

	"github.com/rs/zerolog"
)

// File options.go provides options that can be passed to the console constructor to configure it.

// ConsoleOption function to set various options on the console.
// Uses defaults if an option is not set.
type ConsoleOption func(*Console)

// WithLogger replaces the console's default logger with the given logger.
func WithLogger(l *zerolog.Logger) ConsoleOption {
	return func(c *Console) {
		c.log = l
	}
}

// WithAddress sets the address Start listens on.
// Without it, the console can only be served through its http.Handler.
func WithAddress(ap netip.AddrPort) ConsoleOption {
	return func(c *Console) {
		c.addr = ap
	}
}
