package enrollment

import (
	"time"

	"github.com/rflandau/rina/ipcp"
	"github.com/rflandau/rina/ipcp/cdap"
	"github.com/rs/zerolog"
)

// File options.go provides options that can be passed to the enrollment task constructor to configure it.

const (
	// DefaultTimeout bounds every wait step of an enrollment.
	DefaultTimeout        = 10 * time.Second
	DefaultWatchdogPeriod = 60 * time.Second
	// DefaultDeadInterval is how long a neighbor may stay silent before it is declared dead.
	DefaultDeadInterval          = 120 * time.Second
	DefaultMaxAddressesPerPrefix = 16
)

// AddressPrefix assigns a block of addresses to an organization.
// Processes whose name contains Organization get addresses in [Prefix, Prefix+max addresses per prefix).
type AddressPrefix struct {
	Organization string       `json:"organization"`
	Prefix       ipcp.Address `json:"prefix"`
}

// KnownAddress pins the address of a specific process.
type KnownAddress struct {
	ProcessName     string       `json:"process_name"`
	ProcessInstance string       `json:"process_instance,omitempty"`
	Address         ipcp.Address `json:"address"`
}

// Authenticator decides whether a CONNECT may proceed. A non-nil error rejects it.
type Authenticator func(peer ipcp.NamingInfo, auth cdap.Auth) error

// TaskOption function to set various options on the enrollment task.
// Uses defaults if an option is not set.
type TaskOption func(*Task)

// WithLogger replaces the task's default logger with the given logger.
// State machines and the watchdog derive their loggers from it.
func WithLogger(l *zerolog.Logger) TaskOption {
	return func(t *Task) {
		t.log = l
	}
}

// WithTimeout sets how long each step waits for the peer. Non-positive values are ignored.
func WithTimeout(d time.Duration) TaskOption {
	return func(t *Task) {
		if d > 0 {
			t.timeout = d
		}
	}
}

// WithWatchdog sets the keepalive period and the silence after which a neighbor is declared dead.
// Non-positive values are ignored.
func WithWatchdog(period, deadInterval time.Duration) TaskOption {
	return func(t *Task) {
		if period > 0 {
			t.watchdogPeriod = period
		}
		if deadInterval > 0 {
			t.deadInterval = deadInterval
		}
	}
}

// WithAddressPrefixes sets the organization prefix table the enroller assigns addresses from.
func WithAddressPrefixes(p ...AddressPrefix) TaskOption {
	return func(t *Task) {
		t.prefixes = append(t.prefixes, p...)
	}
}

// WithKnownAddresses pins the addresses of specific processes.
func WithKnownAddresses(k ...KnownAddress) TaskOption {
	return func(t *Task) {
		t.known = append(t.known, k...)
	}
}

// WithMaxAddressesPerPrefix sets the size of each organization's address block. 0 is ignored.
func WithMaxAddressesPerPrefix(n uint64) TaskOption {
	return func(t *Task) {
		if n > 0 {
			t.maxPerPrefix = n
		}
	}
}

// WithStartEarly sets whether enrollees this process enrolls may start as soon as they hold every object they
// need (the STOP they receive carries true), instead of waiting for START(operational status).
// Defaults to true.
func WithStartEarly(allowed bool) TaskOption {
	return func(t *Task) {
		t.startEarly = allowed
	}
}

// WithAuthenticator sets the hook that accepts or rejects inbound CONNECTs. By default every CONNECT is accepted.
func WithAuthenticator(a Authenticator) TaskOption {
	return func(t *Task) {
		if a != nil {
			t.authenticate = a
		}
	}
}

// WithCredentials sets the authentication this process proposes on the CONNECTs it sends.
func WithCredentials(a cdap.Auth) TaskOption {
	return func(t *Task) {
		t.credentials = a
	}
}

// WithIPCManager sets who is told about the outcome of enrollments started with Task.Enroll.
func WithIPCManager(m IPCManager) TaskOption {
	return func(t *Task) {
		t.manager = m
	}
}

// WithDIFName sets the name of the DIF this process belongs (or will belong) to.
func WithDIFName(name string) TaskOption {
	return func(t *Task) {
		t.difName = name
	}
}
