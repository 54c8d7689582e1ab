package flowalloc

import (
	"time"

	"github.com/rs/zerolog"
	"github.com/sethvargo/go-retry"
)

// File options.go provides options that can be passed to the allocator constructor to configure it.

const (
	// DefaultMaximumPacketLifetime bounds how long PDUs of a flow may linger; teardown waits twice as long.
	DefaultMaximumPacketLifetime = 1000 * time.Millisecond
	DefaultMaxCreateFlowRetries  = 1
	DefaultHopCount              = 3
)

// AllocatorOption function to set various options on the flow allocator.
// Uses defaults if an option is not set.
type AllocatorOption func(*Allocator)

// WithLogger replaces the allocator's default logger with the given logger.
// Instances derive their loggers from it.
func WithLogger(l *zerolog.Logger) AllocatorOption {
	return func(a *Allocator) {
		a.log = l
	}
}

// WithMaximumPacketLifetime sets the MPL of the DIF.
// Non-positive values are ignored.
func WithMaximumPacketLifetime(mpl time.Duration) AllocatorOption {
	return func(a *Allocator) {
		if mpl > 0 {
			a.mpl = mpl
		}
	}
}

// WithNewFlowPolicy replaces DefaultNewFlowPolicy.
func WithNewFlowPolicy(p NewFlowPolicy) AllocatorOption {
	return func(a *Allocator) {
		if p != nil {
			a.newFlow = p
		}
	}
}

// WithCreateRetry enables re-sending CREATE(Flow) after a negative response.
// f is called once per requesting instance; each negative response consults the backoff it returned.
// A CREATE is retried after the backoff's delay unless the backoff stops or the flow's retries are exhausted.
//
// By default negative responses are final.
func WithCreateRetry(f func() retry.Backoff) AllocatorOption {
	return func(a *Allocator) {
		a.createRetry = f
	}
}
