package fileutil

import (
	"context"
	"errors"
	"fmt"
	"os"
	"strconv"
	"time"
)

const lockRetryInterval = 10 * time.Millisecond

// LockFile takes an exclusive lock by creating path with O_EXCL, retrying
// until it succeeds or ctx ends. A lock file older than staleAfter is left
// over from a process that died while holding it and is taken over.
//
// LockFile guards short read-modify-write sections on shared state files;
// it is not meant to be held across long operations.
func LockFile(ctx context.Context, path string, staleAfter time.Duration) (unlock func(), err error) {
	timer := time.NewTimer(0)
	defer timer.Stop()
	<-timer.C

	for {
		f, err := os.OpenFile(path, os.O_CREATE|os.O_EXCL|os.O_WRONLY, 0o644) // #nosec G304 -- path built from the state dir
		if err == nil {
			_, werr := f.WriteString(strconv.Itoa(os.Getpid()))
			cerr := f.Close()
			if werr != nil || cerr != nil {
				_ = os.Remove(path)
				return nil, fmt.Errorf("failed to write lock file %s: %w", path, errors.Join(werr, cerr))
			}
			return func() { _ = os.Remove(path) }, nil
		}
		if !errors.Is(err, os.ErrExist) {
			return nil, fmt.Errorf("failed to create lock file %s: %w", path, err)
		}

		if info, serr := os.Stat(path); serr == nil && staleAfter > 0 && time.Since(info.ModTime()) > staleAfter {
			_ = os.Remove(path)
			continue
		}

		timer.Reset(lockRetryInterval)
		select {
		case <-ctx.Done():
			return nil, fmt.Errorf("waiting for lock %s: %w", path, ctx.Err())
		case <-timer.C:
		}
	}
}
