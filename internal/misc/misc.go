// Package misc is a placeholder package for internal utilities that are shared across packages, but do not have any shared characteristics.
package misc

import (
	"math"
	"math/rand/v2"
	"time"
)

// RandomPort returns a random port number from 1024 - 65535
func RandomPort() uint16 {
	return uint16(1024 + rand.Uint32N((math.MaxUint16 - 1024)))
}

// Jitter returns a random duration in [0, max).
// Returns 0 if max is not positive.
func Jitter(max time.Duration) time.Duration {
	if max <= 0 {
		return 0
	}
	return time.Duration(rand.Int64N(int64(max)))
}
