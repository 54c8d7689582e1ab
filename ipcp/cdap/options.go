package cdap

import (
	"time"

	"github.com/rs/zerolog"
)

// File options.go provides options that can be passed to the session manager constructor to configure it.

// DefaultTimeout is how long a session waits for CONNECT_R or RELEASE_R before resetting itself.
const DefaultTimeout = 10 * time.Second

// ManagerOption function to set various options on the session manager.
// Uses defaults if an option is not set.
type ManagerOption func(*Manager)

// WithLogger replaces the manager's default logger with the given logger.
func WithLogger(l *zerolog.Logger) ManagerOption {
	return func(m *Manager) {
		m.log = l
	}
}

// WithCodec replaces the default WireCodec.
func WithCodec(c Codec) ManagerOption {
	return func(m *Manager) {
		if c != nil {
			m.codec = c
		}
	}
}

// WithTimeout overwrites DefaultTimeout.
func WithTimeout(d time.Duration) ManagerOption {
	return func(m *Manager) { m.timeout = d }
}
