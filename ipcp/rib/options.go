package rib

import "github.com/rs/zerolog"

// File options.go provides options that can be passed to the daemon constructor to configure it.

// DaemonOption function to set various options on the RIB daemon.
// Uses defaults if an option is not set.
type DaemonOption func(*Daemon)

// WithLogger replaces the daemon's default logger with the given logger.
func WithLogger(l *zerolog.Logger) DaemonOption {
	return func(d *Daemon) {
		d.log = l
	}
}

// WithEncoder replaces the default CBOR encoder used for object values.
func WithEncoder(e Encoder) DaemonOption {
	return func(d *Daemon) {
		if e != nil {
			d.encoder = e
		}
	}
}

// WithConnectionHandler sets the handler of the connect/release family.
// It can also be set after construction with SetConnectionHandler.
func WithConnectionHandler(h ConnectionHandler) DaemonOption {
	return func(d *Daemon) {
		d.connections = h
	}
}
