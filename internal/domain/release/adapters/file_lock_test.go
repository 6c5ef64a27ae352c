package adapters

import (
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/relicta-tech/shipyard/internal/domain/release/domain"
	rperrors "github.com/relicta-tech/shipyard/internal/errors"
)

func TestFileLockManager_TryAcquireAndRelease(t *testing.T) {
	m := NewFileLockManager(t.TempDir())
	ctx := context.Background()

	release, ok, err := m.TryAcquire(ctx, betaDev, "run-1")
	require.NoError(t, err)
	require.True(t, ok)

	holder, err := m.Holder(ctx, betaDev)
	require.NoError(t, err)
	require.NotNil(t, holder)
	assert.Equal(t, domain.RunID("run-1"), holder.RunID)
	assert.Equal(t, os.Getpid(), holder.HolderPID)
	assert.Equal(t, "beta/dev", holder.Channel)

	_, ok, err = m.TryAcquire(ctx, betaDev, "run-2")
	require.NoError(t, err)
	assert.False(t, ok, "second run on the same channel must not get the lock")

	release()

	holder, err = m.Holder(ctx, betaDev)
	require.NoError(t, err)
	assert.Nil(t, holder)

	release2, ok, err := m.TryAcquire(ctx, betaDev, "run-2")
	require.NoError(t, err)
	require.True(t, ok)
	release2()
}

func TestFileLockManager_ChannelsAreIndependent(t *testing.T) {
	m := NewFileLockManager(t.TempDir())
	ctx := context.Background()

	r1, ok, err := m.TryAcquire(ctx, betaDev, "run-1")
	require.NoError(t, err)
	require.True(t, ok)
	defer r1()

	r2, ok, err := m.TryAcquire(ctx, internalDev, "run-2")
	require.NoError(t, err)
	require.True(t, ok)
	defer r2()
}

func TestFileLockManager_AcquireQueuesUntilReleased(t *testing.T) {
	m := NewFileLockManager(t.TempDir(), WithPollInterval(10*time.Millisecond))
	ctx := context.Background()

	first, ok, err := m.TryAcquire(ctx, betaDev, "run-1")
	require.NoError(t, err)
	require.True(t, ok)

	go func() {
		time.Sleep(50 * time.Millisecond)
		first()
	}()

	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	second, err := m.Acquire(ctx, betaDev, "run-2")
	require.NoError(t, err)
	defer second()

	holder, err := m.Holder(ctx, betaDev)
	require.NoError(t, err)
	assert.Equal(t, domain.RunID("run-2"), holder.RunID)
}

func TestFileLockManager_AcquireGivesUpOnCancel(t *testing.T) {
	m := NewFileLockManager(t.TempDir(), WithPollInterval(10*time.Millisecond))

	held, ok, err := m.TryAcquire(context.Background(), betaDev, "run-1")
	require.NoError(t, err)
	require.True(t, ok)
	defer held()

	ctx, cancel := context.WithTimeout(context.Background(), 40*time.Millisecond)
	defer cancel()
	_, err = m.Acquire(ctx, betaDev, "run-2")
	require.Error(t, err)
	assert.True(t, rperrors.IsKind(err, rperrors.KindCanceled))
}

func writeLockFile(t *testing.T, m *FileLockManager, contents LockFileContents) {
	t.Helper()
	require.NoError(t, os.MkdirAll(m.dir, 0o755))
	data, err := json.Marshal(contents)
	require.NoError(t, err)
	require.NoError(t, os.WriteFile(m.lockPath(betaDev), data, 0o644))
}

func TestFileLockManager_LiveOwnerKeepsLockPastStaleWindow(t *testing.T) {
	dir := t.TempDir()
	ctx := context.Background()

	owner := NewFileLockManager(dir, WithLockClock(FixedClock{T: baseTime}))
	release, ok, err := owner.TryAcquire(ctx, betaDev, "run-a")
	require.NoError(t, err)
	require.True(t, ok)
	defer release()

	later := NewFileLockManager(dir, WithLockClock(FixedClock{T: baseTime.Add(7 * time.Hour)}))
	_, ok, err = later.TryAcquire(ctx, betaDev, "run-b")
	require.NoError(t, err)
	assert.False(t, ok, "a running owner on this host is never preempted")

	holder, err := later.Holder(ctx, betaDev)
	require.NoError(t, err)
	require.NotNil(t, holder)
	assert.Equal(t, domain.RunID("run-a"), holder.RunID)
}

func TestFileLockManager_OtherHostStaleByAge(t *testing.T) {
	dir := t.TempDir()
	ctx := context.Background()

	later := NewFileLockManager(dir, WithLockClock(FixedClock{T: baseTime.Add(5 * time.Hour)}))
	writeLockFile(t, later, LockFileContents{
		Channel:    betaDev.String(),
		RunID:      "remote",
		PID:        1234,
		Hostname:   later.hostname + "-elsewhere",
		AcquiredAt: baseTime,
	})

	_, ok, err := later.TryAcquire(ctx, betaDev, "run-new")
	require.NoError(t, err)
	assert.False(t, ok, "a five hour old lock is still live")

	muchLater := NewFileLockManager(dir, WithLockClock(FixedClock{T: baseTime.Add(7 * time.Hour)}))
	release, ok, err := muchLater.TryAcquire(ctx, betaDev, "run-new")
	require.NoError(t, err)
	require.True(t, ok, "a seven hour old lock from another host is reclaimed")
	release()

	_, err = os.Stat(muchLater.lockPath(betaDev) + reclaimSuffix)
	assert.True(t, os.IsNotExist(err), "reclaim guard is released")
}

func TestFileLockManager_ReclaimKeepsReplacedLock(t *testing.T) {
	dir := t.TempDir()
	ctx := context.Background()
	m := NewFileLockManager(dir, WithLockClock(FixedClock{T: baseTime.Add(7 * time.Hour)}))

	stale := LockFileContents{RunID: "remote", PID: 1234, Hostname: "elsewhere", AcquiredAt: baseTime}
	fresh := LockFileContents{RunID: "winner", PID: os.Getpid(), Hostname: m.hostname, AcquiredAt: baseTime.Add(7 * time.Hour)}
	writeLockFile(t, m, fresh)

	// Another contender already replaced the stale lock this caller saw.
	require.NoError(t, m.reclaim(ctx, m.lockPath(betaDev), &stale))

	holder, err := m.Holder(ctx, betaDev)
	require.NoError(t, err)
	require.NotNil(t, holder)
	assert.Equal(t, domain.RunID("winner"), holder.RunID)
}

func TestFileLockManager_StaleWhenOwnerGone(t *testing.T) {
	dir := t.TempDir()
	m := NewFileLockManager(dir)
	m.probe = true
	m.alive = func(int) bool { return false }

	require.NoError(t, os.MkdirAll(filepath.Join(dir, locksDirName), 0o755))
	data, err := json.Marshal(LockFileContents{
		Channel:    betaDev.String(),
		RunID:      "crashed",
		PID:        os.Getpid() + 100000,
		Hostname:   m.hostname,
		AcquiredAt: time.Now(),
	})
	require.NoError(t, err)
	require.NoError(t, os.WriteFile(m.lockPath(betaDev), data, 0o644))

	release, ok, err := m.TryAcquire(context.Background(), betaDev, "run-new")
	require.NoError(t, err)
	require.True(t, ok)
	release()
}

func TestFileLockManager_OtherHostNotProbed(t *testing.T) {
	dir := t.TempDir()
	m := NewFileLockManager(dir)
	m.alive = func(int) bool { return false }

	require.NoError(t, os.MkdirAll(filepath.Join(dir, locksDirName), 0o755))
	data, err := json.Marshal(LockFileContents{
		RunID:      "remote",
		PID:        1234,
		Hostname:   m.hostname + "-elsewhere",
		AcquiredAt: time.Now(),
	})
	require.NoError(t, err)
	require.NoError(t, os.WriteFile(m.lockPath(betaDev), data, 0o644))

	_, ok, err := m.TryAcquire(context.Background(), betaDev, "run-new")
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestFileLockManager_ReleaseOnlyRemovesOwnLock(t *testing.T) {
	dir := t.TempDir()
	ctx := context.Background()

	old := NewFileLockManager(dir, WithLockClock(FixedClock{T: baseTime}))
	old.hostname = "build-agent-7"
	staleRelease, ok, err := old.TryAcquire(ctx, betaDev, "run-old")
	require.NoError(t, err)
	require.True(t, ok)

	m := NewFileLockManager(dir, WithLockClock(FixedClock{T: baseTime.Add(7 * time.Hour)}))
	release, ok, err := m.TryAcquire(ctx, betaDev, "run-new")
	require.NoError(t, err)
	require.True(t, ok)
	defer release()

	staleRelease()

	holder, err := m.Holder(ctx, betaDev)
	require.NoError(t, err)
	require.NotNil(t, holder)
	assert.Equal(t, domain.RunID("run-new"), holder.RunID)
}
