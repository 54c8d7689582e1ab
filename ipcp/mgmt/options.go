package mgmt

import "github.com/rs/zerolog"

// File options.go provides options that can be passed to the transport constructor to configure it.

// DefaultMaxSDUSize is the largest management SDU a transport sends or receives.
const DefaultMaxSDUSize = 8192

// TransportOption function to set various options on the transport.
// Uses defaults if an option is not set.
type TransportOption func(*Transport)

// WithLogger replaces the transport's default logger with the given logger.
func WithLogger(l *zerolog.Logger) TransportOption {
	return func(t *Transport) {
		t.log = l
	}
}

// WithMaxSDUSize overwrites DefaultMaxSDUSize.
// Values below 1 are ignored.
func WithMaxSDUSize(size int) TransportOption {
	return func(t *Transport) {
		if size > 0 {
			t.maxSDU = size
		}
	}
}
