package adapters

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/relicta-tech/shipyard/internal/domain/release/domain"
	"github.com/relicta-tech/shipyard/internal/domain/release/ports"
	rperrors "github.com/relicta-tech/shipyard/internal/errors"
	"github.com/relicta-tech/shipyard/internal/fileutil"
)

const (
	locksDirName        = "locks"
	lockFileSuffix      = ".lock"
	reclaimSuffix       = ".reclaim"
	lockStaleDuration   = 6 * time.Hour
	defaultPollInterval = 2 * time.Second

	reclaimGuardStaleAfter = time.Minute
)

// FileLockManager implements ChannelLock with one O_EXCL lock file per channel.
type FileLockManager struct {
	dir          string
	staleAfter   time.Duration
	pollInterval time.Duration
	clock        ports.Clock
	alive        func(pid int) bool
	probe        bool
	hostname     string
}

// LockOption configures a FileLockManager.
type LockOption func(*FileLockManager)

// WithStaleAfter overrides how old a lock held by an owner that cannot be
// probed must be before it is reclaimed.
func WithStaleAfter(d time.Duration) LockOption {
	return func(m *FileLockManager) { m.staleAfter = d }
}

// WithPollInterval overrides how often Acquire retries while queued.
func WithPollInterval(d time.Duration) LockOption {
	return func(m *FileLockManager) { m.pollInterval = d }
}

// WithLockClock sets the clock used for lock ages.
func WithLockClock(c ports.Clock) LockOption {
	return func(m *FileLockManager) { m.clock = c }
}

// NewFileLockManager creates a lock manager storing locks under <stateDir>/locks.
func NewFileLockManager(stateDir string, opts ...LockOption) *FileLockManager {
	hostname, _ := os.Hostname()
	m := &FileLockManager{
		dir:          filepath.Join(stateDir, locksDirName),
		staleAfter:   lockStaleDuration,
		pollInterval: defaultPollInterval,
		clock:        RealClock{},
		alive:        processAlive,
		probe:        canProbeProcesses,
		hostname:     hostname,
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// Ensure FileLockManager implements the interface.
var _ ports.ChannelLock = (*FileLockManager)(nil)

// LockFileContents represents the contents of the lock file.
type LockFileContents struct {
	Channel    string    `json:"channel"`
	RunID      string    `json:"run_id"`
	PID        int       `json:"pid"`
	Hostname   string    `json:"hostname"`
	AcquiredAt time.Time `json:"acquired_at"`
}

func (m *FileLockManager) lockPath(channel domain.Channel) string {
	return filepath.Join(m.dir, channel.Key()+lockFileSuffix)
}

// Acquire waits for the channel lock, polling until it is free or ctx ends.
// In-flight holders are never preempted.
func (m *FileLockManager) Acquire(ctx context.Context, channel domain.Channel, runID domain.RunID) (func(), error) {
	ticker := time.NewTicker(m.pollInterval)
	defer ticker.Stop()

	gaveUp := func() error {
		return rperrors.CanceledWrap(ctx.Err(), "lock.Acquire",
			fmt.Sprintf("gave up waiting for channel %s", channel))
	}
	for {
		release, ok, err := m.TryAcquire(ctx, channel, runID)
		if err != nil {
			if ctx.Err() != nil {
				return nil, gaveUp()
			}
			return nil, err
		}
		if ok {
			return release, nil
		}
		select {
		case <-ctx.Done():
			return nil, gaveUp()
		case <-ticker.C:
		}
	}
}

// TryAcquire attempts to acquire the lock without waiting.
func (m *FileLockManager) TryAcquire(ctx context.Context, channel domain.Channel, runID domain.RunID) (func(), bool, error) {
	if err := ctx.Err(); err != nil {
		return nil, false, err
	}
	if err := os.MkdirAll(m.dir, 0o755); err != nil {
		return nil, false, fmt.Errorf("failed to create locks directory: %w", err)
	}

	path := m.lockPath(channel)
	if existing, err := m.readLock(path); err == nil {
		if !m.isStale(existing) {
			return nil, false, nil
		}
		if err := m.reclaim(ctx, path, existing); err != nil {
			return nil, false, err
		}
	}

	data, err := json.MarshalIndent(LockFileContents{
		Channel:    channel.String(),
		RunID:      string(runID),
		PID:        os.Getpid(),
		Hostname:   m.hostname,
		AcquiredAt: m.clock.Now(),
	}, "", "  ")
	if err != nil {
		return nil, false, fmt.Errorf("failed to marshal lock: %w", err)
	}

	f, err := os.OpenFile(path, os.O_CREATE|os.O_EXCL|os.O_WRONLY, 0o644)
	if err != nil {
		if errors.Is(err, os.ErrExist) {
			return nil, false, nil
		}
		return nil, false, fmt.Errorf("failed to create lock file: %w", err)
	}
	if _, err := f.Write(data); err != nil {
		_ = f.Close()
		_ = os.Remove(path)
		return nil, false, fmt.Errorf("failed to write lock file: %w", err)
	}
	if err := f.Close(); err != nil {
		_ = os.Remove(path)
		return nil, false, fmt.Errorf("failed to close lock file: %w", err)
	}

	release := func() {
		if cur, err := m.readLock(path); err == nil && cur.RunID == string(runID) {
			_ = os.Remove(path)
		}
	}
	return release, true, nil
}

// Holder returns the current live holder of the channel, or nil.
func (m *FileLockManager) Holder(ctx context.Context, channel domain.Channel) (*ports.LockInfo, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	existing, err := m.readLock(m.lockPath(channel))
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, nil
		}
		return nil, err
	}
	if m.isStale(existing) {
		return nil, nil
	}
	return &ports.LockInfo{
		Channel:    existing.Channel,
		RunID:      domain.RunID(existing.RunID),
		HolderPID:  existing.PID,
		Hostname:   existing.Hostname,
		AcquiredAt: existing.AcquiredAt,
	}, nil
}

// isStale reports whether a lock may be reclaimed. An owner on this host is
// probed directly and keeps the lock for as long as it runs. Owners that
// cannot be probed lose it once it is older than the stale window.
func (m *FileLockManager) isStale(l *LockFileContents) bool {
	if m.probe && l.Hostname == m.hostname && l.PID > 0 {
		if l.PID == os.Getpid() {
			return false
		}
		return !m.alive(l.PID)
	}
	return m.clock.Now().Sub(l.AcquiredAt) > m.staleAfter
}

// reclaim removes the stale lock at path. Removal happens under a reclaim
// guard and only if the file still holds the lock judged stale, so a
// contender that lost the race cannot delete the winner's fresh lock.
func (m *FileLockManager) reclaim(ctx context.Context, path string, stale *LockFileContents) error {
	unlock, err := fileutil.LockFile(ctx, path+reclaimSuffix, reclaimGuardStaleAfter)
	if err != nil {
		return rperrors.IOWrap(err, "lock.reclaim", "failed to guard stale lock removal")
	}
	defer unlock()

	current, err := m.readLock(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil
		}
		return err
	}
	if current.RunID != stale.RunID || !current.AcquiredAt.Equal(stale.AcquiredAt) {
		return nil
	}
	if err := os.Remove(path); err != nil && !errors.Is(err, os.ErrNotExist) {
		return fmt.Errorf("failed to remove stale lock: %w", err)
	}
	return nil
}

func (m *FileLockManager) readLock(path string) (*LockFileContents, error) {
	data, err := os.ReadFile(path) // #nosec G304 -- path built from the state dir
	if err != nil {
		return nil, err
	}
	var lock LockFileContents
	if err := json.Unmarshal(data, &lock); err != nil {
		return nil, fmt.Errorf("corrupt lock file %s: %w", path, err)
	}
	return &lock, nil
}
