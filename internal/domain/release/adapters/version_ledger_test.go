package adapters

import (
	"context"
	"os"
	"sort"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	rperrors "github.com/relicta-tech/shipyard/internal/errors"
)

func TestFileVersionCodeLedger(t *testing.T) {
	dir := t.TempDir()
	ledger := NewFileVersionCodeLedger(dir)
	ctx := context.Background()

	last, err := ledger.Last(ctx, "dev")
	require.NoError(t, err)
	assert.Equal(t, 0, last)

	code, err := ledger.Reserve(ctx, "dev", 120)
	require.NoError(t, err)
	assert.Equal(t, 120, code)
	code, err = ledger.Reserve(ctx, "main", 80)
	require.NoError(t, err)
	assert.Equal(t, 80, code)

	// A derived code at or below the last one continues the sequence.
	code, err = ledger.Reserve(ctx, "dev", 100)
	require.NoError(t, err)
	assert.Equal(t, 122, code)

	reopened := NewFileVersionCodeLedger(dir)
	last, err = reopened.Last(ctx, "dev")
	require.NoError(t, err)
	assert.Equal(t, 122, last)

	last, err = reopened.Last(ctx, "main")
	require.NoError(t, err)
	assert.Equal(t, 80, last)

	_, err = os.Stat(ledger.path + lockFileSuffix)
	assert.True(t, os.IsNotExist(err), "ledger lock is released")
}

func TestFileVersionCodeLedger_ConcurrentReservationsAreUnique(t *testing.T) {
	dir := t.TempDir()
	ctx := context.Background()

	const runs = 8
	var (
		wg    sync.WaitGroup
		mu    sync.Mutex
		codes []int
	)
	start := make(chan struct{})
	for i := 0; i < runs; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			// Separate instances share only the file, like separate processes.
			ledger := NewFileVersionCodeLedger(dir)
			<-start
			code, err := ledger.Reserve(ctx, "dev", 20)
			assert.NoError(t, err)
			mu.Lock()
			codes = append(codes, code)
			mu.Unlock()
		}()
	}
	close(start)
	wg.Wait()

	sort.Ints(codes)
	want := make([]int, 0, runs)
	for i := 0; i < runs; i++ {
		want = append(want, 20+2*i)
	}
	assert.Equal(t, want, codes)
}

func TestFileVersionCodeLedger_ReserveWaitsForLock(t *testing.T) {
	dir := t.TempDir()
	ledger := NewFileVersionCodeLedger(dir)
	require.NoError(t, os.WriteFile(ledger.path+lockFileSuffix, []byte("1"), 0o644))

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	_, err := ledger.Reserve(ctx, "dev", 20)
	require.Error(t, err)
	assert.True(t, rperrors.IsKind(err, rperrors.KindIO))

	last, err := ledger.Last(context.Background(), "dev")
	require.NoError(t, err)
	assert.Zero(t, last)
}
