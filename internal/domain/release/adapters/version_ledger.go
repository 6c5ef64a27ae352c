package adapters

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/relicta-tech/shipyard/internal/domain/release/domain"
	"github.com/relicta-tech/shipyard/internal/domain/release/ports"
	rperrors "github.com/relicta-tech/shipyard/internal/errors"
	"github.com/relicta-tech/shipyard/internal/fileutil"
)

const (
	ledgerFileName       = "version_codes.json"
	ledgerLockStaleAfter = time.Minute
)

// FileVersionCodeLedger keeps the last issued version code per branch in a
// single JSON file.
type FileVersionCodeLedger struct {
	mu   sync.Mutex
	path string
}

// NewFileVersionCodeLedger creates a ledger stored under stateDir.
func NewFileVersionCodeLedger(stateDir string) *FileVersionCodeLedger {
	return &FileVersionCodeLedger{path: filepath.Join(stateDir, ledgerFileName)}
}

var _ ports.VersionCodeLedger = (*FileVersionCodeLedger)(nil)

// Last returns the last issued code for branch, or 0.
func (l *FileVersionCodeLedger) Last(ctx context.Context, branch string) (int, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}
	l.mu.Lock()
	defer l.mu.Unlock()

	codes, err := l.read()
	if err != nil {
		return 0, err
	}
	return codes[branch], nil
}

// Reserve issues and records the code for a new release on branch. The
// ledger file is locked for the read and the write, so concurrent runs on
// the same branch, even from separate processes, never get the same code.
func (l *FileVersionCodeLedger) Reserve(ctx context.Context, branch string, derived int) (int, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}
	l.mu.Lock()
	defer l.mu.Unlock()

	if err := os.MkdirAll(filepath.Dir(l.path), 0o755); err != nil {
		return 0, fmt.Errorf("failed to create state directory: %w", err)
	}
	unlock, err := fileutil.LockFile(ctx, l.path+lockFileSuffix, ledgerLockStaleAfter)
	if err != nil {
		return 0, rperrors.IOWrap(err, "ledger.Reserve", "failed to lock version ledger")
	}
	defer unlock()

	codes, err := l.read()
	if err != nil {
		return 0, err
	}
	code := domain.NextVersionCode(derived, codes[branch])
	codes[branch] = code

	data, err := json.MarshalIndent(codes, "", "  ")
	if err != nil {
		return 0, fmt.Errorf("failed to marshal version ledger: %w", err)
	}
	if err := fileutil.AtomicWriteFile(l.path, data, 0o644); err != nil {
		return 0, err
	}
	return code, nil
}

func (l *FileVersionCodeLedger) read() (map[string]int, error) {
	codes := map[string]int{}
	data, err := fileutil.ReadFileLimited(l.path, 1<<20)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return codes, nil
		}
		return nil, fmt.Errorf("failed to read version ledger: %w", err)
	}
	if err := json.Unmarshal(data, &codes); err != nil {
		return nil, fmt.Errorf("failed to parse version ledger: %w", err)
	}
	return codes, nil
}
