package ports

import (
	"context"
	"time"

	"github.com/relicta-tech/shipyard/internal/domain/release/domain"
)

// ChannelLock serializes runs that share a channel.
type ChannelLock interface {
	// Acquire waits until the channel is free or ctx is done.
	// The returned function releases the lock.
	Acquire(ctx context.Context, channel domain.Channel, runID domain.RunID) (release func(), err error)

	// TryAcquire attempts to take the lock without waiting.
	// Returns (release, true, nil) if acquired, (nil, false, nil) if held elsewhere.
	TryAcquire(ctx context.Context, channel domain.Channel, runID domain.RunID) (release func(), acquired bool, err error)

	// Holder describes the current holder, or nil if the channel is free.
	Holder(ctx context.Context, channel domain.Channel) (*LockInfo, error)
}

// LockInfo contains information about a held lock.
type LockInfo struct {
	Channel    string
	RunID      domain.RunID
	HolderPID  int
	Hostname   string
	AcquiredAt time.Time
}
