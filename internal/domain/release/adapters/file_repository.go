package adapters

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/relicta-tech/shipyard/internal/domain/release/domain"
	"github.com/relicta-tech/shipyard/internal/domain/release/ports"
	"github.com/relicta-tech/shipyard/internal/fileutil"
)

const (
	runsDirName    = "runs"
	latestDirName  = "latest"
	runFileSuffix  = ".json"
	maxRunFileSize = 8 << 20
)

// FileRunRepository implements RunRepository using one JSON file per run
// under <stateDir>/runs, plus a per-channel pointer to the latest run.
type FileRunRepository struct {
	mu  sync.RWMutex
	dir string
}

// NewFileRunRepository creates a new file-based repository rooted at stateDir.
func NewFileRunRepository(stateDir string) *FileRunRepository {
	return &FileRunRepository{dir: filepath.Join(stateDir, runsDirName)}
}

// Ensure FileRunRepository implements the interface.
var _ ports.RunRepository = (*FileRunRepository)(nil)

func (r *FileRunRepository) runPath(id domain.RunID) string {
	return filepath.Join(r.dir, filepath.Base(string(id))+runFileSuffix)
}

func (r *FileRunRepository) latestPath(channel domain.Channel) string {
	return filepath.Join(r.dir, latestDirName, channel.Key())
}

// Save persists a run atomically and moves the channel's latest pointer to it.
func (r *FileRunRepository) Save(ctx context.Context, run *domain.Run) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	r.mu.Lock()
	defer r.mu.Unlock()

	if err := os.MkdirAll(filepath.Join(r.dir, latestDirName), 0o755); err != nil {
		return fmt.Errorf("failed to create runs directory: %w", err)
	}

	data, err := json.MarshalIndent(run, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to marshal run: %w", err)
	}
	if err := fileutil.AtomicWriteFile(r.runPath(run.ID), data, 0o644); err != nil {
		return fmt.Errorf("failed to write run: %w", err)
	}
	if err := fileutil.AtomicWriteFile(r.latestPath(run.Channel), []byte(run.ID.String()+"\n"), 0o644); err != nil {
		return fmt.Errorf("failed to update latest pointer: %w", err)
	}
	return nil
}

// Load retrieves a run by its ID.
func (r *FileRunRepository) Load(ctx context.Context, id domain.RunID) (*domain.Run, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.load(id)
}

func (r *FileRunRepository) load(id domain.RunID) (*domain.Run, error) {
	data, err := fileutil.ReadFileLimited(r.runPath(id), maxRunFileSize)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, fmt.Errorf("%w: %s", domain.ErrRunNotFound, id)
		}
		return nil, fmt.Errorf("failed to read run file: %w", err)
	}

	var run domain.Run
	if err := json.Unmarshal(data, &run); err != nil {
		return nil, fmt.Errorf("failed to unmarshal run: %w", err)
	}
	if run.Stages == nil {
		run.Stages = map[string]*domain.StageResult{}
	}
	return &run, nil
}

// LoadLatest retrieves the most recent run for a channel.
func (r *FileRunRepository) LoadLatest(ctx context.Context, channel domain.Channel) (*domain.Run, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	r.mu.RLock()
	defer r.mu.RUnlock()

	data, err := os.ReadFile(r.latestPath(channel))
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, fmt.Errorf("%w: no run recorded for channel %s", domain.ErrRunNotFound, channel)
		}
		return nil, fmt.Errorf("failed to read latest pointer: %w", err)
	}
	return r.load(domain.RunID(strings.TrimSpace(string(data))))
}

// runHeader is the subset of a run file needed for listing.
type runHeader struct {
	ID        domain.RunID   `json:"id"`
	Channel   domain.Channel `json:"channel"`
	StartedAt time.Time      `json:"started_at"`
}

// List returns run IDs for a channel, newest first.
func (r *FileRunRepository) List(ctx context.Context, channel domain.Channel) ([]domain.RunID, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	entries, err := os.ReadDir(r.dir)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to list runs: %w", err)
	}

	var headers []runHeader
	for _, e := range entries {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		if e.IsDir() || !strings.HasSuffix(e.Name(), runFileSuffix) {
			continue
		}
		data, err := fileutil.ReadFileLimited(filepath.Join(r.dir, e.Name()), maxRunFileSize)
		if err != nil {
			continue
		}
		var h runHeader
		if err := json.Unmarshal(data, &h); err != nil {
			continue
		}
		if h.Channel == channel {
			headers = append(headers, h)
		}
	}

	sort.Slice(headers, func(i, j int) bool {
		return headers[i].StartedAt.After(headers[j].StartedAt)
	})
	ids := make([]domain.RunID, len(headers))
	for i, h := range headers {
		ids[i] = h.ID
	}
	return ids, nil
}
