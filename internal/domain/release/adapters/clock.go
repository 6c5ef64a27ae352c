// Package adapters provides infrastructure implementations for the release orchestration domain.
package adapters

import (
	"time"

	"github.com/relicta-tech/shipyard/internal/domain/release/ports"
)

// RealClock implements ports.Clock using the system time.
type RealClock struct{}

// Ensure RealClock implements the interface.
var _ ports.Clock = (*RealClock)(nil)

// Now returns the current system time.
func (RealClock) Now() time.Time {
	return time.Now()
}

// NewRealClock creates a new RealClock instance.
func NewRealClock() *RealClock {
	return &RealClock{}
}

// FixedClock returns the same instant on every call. It is used by tests and
// by the retention sweep when pruning "as of" a given time.
type FixedClock struct {
	T time.Time
}

// Now returns the fixed instant.
func (c FixedClock) Now() time.Time {
	return c.T
}
