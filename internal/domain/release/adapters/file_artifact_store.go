package adapters

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"sync"
	"time"

	"github.com/spf13/afero"

	"github.com/relicta-tech/shipyard/internal/domain/release/domain"
	"github.com/relicta-tech/shipyard/internal/domain/release/ports"
)

const (
	manifestFileName = "manifest.json"
	filesDirName     = "files"
)

// FileArtifactStore is a write-once artifact store laid out as
// <root>/<run-id>/<artifact-name>/{manifest.json,files/...}.
// The manifest is written last and marks the artifact as complete.
type FileArtifactStore struct {
	mu    sync.Mutex
	fs    afero.Fs
	root  string
	clock ports.Clock
}

// NewFileArtifactStore creates a store on fs rooted at root.
func NewFileArtifactStore(fs afero.Fs, root string, clock ports.Clock) *FileArtifactStore {
	if clock == nil {
		clock = RealClock{}
	}
	return &FileArtifactStore{fs: fs, root: root, clock: clock}
}

// NewOSArtifactStore creates a store on the real filesystem.
func NewOSArtifactStore(root string) *FileArtifactStore {
	return NewFileArtifactStore(afero.NewOsFs(), root, RealClock{})
}

var _ ports.ArtifactStore = (*FileArtifactStore)(nil)

// Root returns the store root directory.
func (s *FileArtifactStore) Root() string {
	return s.root
}

func (s *FileArtifactStore) artifactDir(runID domain.RunID, name string) string {
	return filepath.Join(s.root, filepath.Base(string(runID)), name)
}

func validName(name string) error {
	if name == "" || name == "." || name == ".." || filepath.Base(name) != name {
		return fmt.Errorf("invalid artifact name %q", name)
	}
	return nil
}

// Put copies a.Files into the store.
func (s *FileArtifactStore) Put(ctx context.Context, runID domain.RunID, a domain.BuildArtifact) (domain.BuildArtifact, error) {
	return s.put(ctx, runID, a, func(dst string) ([]string, error) {
		names := uniqueNames(a.Files)
		stored := make([]string, 0, len(a.Files))
		for i, src := range a.Files {
			if err := ctx.Err(); err != nil {
				return nil, err
			}
			target := filepath.Join(dst, names[i])
			if err := s.copyFile(src, target); err != nil {
				return nil, err
			}
			stored = append(stored, target)
		}
		return stored, nil
	})
}

// PutContent stores in-memory files as one artifact.
func (s *FileArtifactStore) PutContent(ctx context.Context, runID domain.RunID, a domain.BuildArtifact, files map[string][]byte) (domain.BuildArtifact, error) {
	return s.put(ctx, runID, a, func(dst string) ([]string, error) {
		keys := make([]string, 0, len(files))
		for k := range files {
			keys = append(keys, k)
		}
		sort.Strings(keys)

		stored := make([]string, 0, len(keys))
		for _, k := range keys {
			if err := validName(k); err != nil {
				return nil, err
			}
			target := filepath.Join(dst, k)
			if err := afero.WriteFile(s.fs, target, files[k], 0o644); err != nil {
				return nil, fmt.Errorf("failed to write %s: %w", k, err)
			}
			stored = append(stored, target)
		}
		return stored, nil
	})
}

// PutTree copies every regular file under dir into the store, keeping
// paths relative to dir. The artifact's Root is the stored copy of dir.
func (s *FileArtifactStore) PutTree(ctx context.Context, runID domain.RunID, a domain.BuildArtifact, dir string) (domain.BuildArtifact, error) {
	return s.put(ctx, runID, a, func(dst string) ([]string, error) {
		var stored []string
		err := afero.Walk(s.fs, dir, func(path string, info os.FileInfo, err error) error {
			if err != nil {
				return err
			}
			if err := ctx.Err(); err != nil {
				return err
			}
			if !info.Mode().IsRegular() {
				return nil
			}
			rel, err := filepath.Rel(dir, path)
			if err != nil {
				return err
			}
			target := filepath.Join(dst, rel)
			if err := s.fs.MkdirAll(filepath.Dir(target), 0o755); err != nil {
				return fmt.Errorf("failed to create %s: %w", filepath.Dir(target), err)
			}
			if err := s.copyFile(path, target); err != nil {
				return err
			}
			stored = append(stored, target)
			return nil
		})
		if err != nil {
			return nil, err
		}
		if len(stored) == 0 {
			return nil, fmt.Errorf("%s contains no files", dir)
		}
		return stored, nil
	})
}

func (s *FileArtifactStore) put(ctx context.Context, runID domain.RunID, a domain.BuildArtifact, write func(dst string) ([]string, error)) (domain.BuildArtifact, error) {
	if err := ctx.Err(); err != nil {
		return domain.BuildArtifact{}, err
	}
	if err := validName(a.Name); err != nil {
		return domain.BuildArtifact{}, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	dir := s.artifactDir(runID, a.Name)
	manifest := filepath.Join(dir, manifestFileName)
	if exists, err := afero.Exists(s.fs, manifest); err != nil {
		return domain.BuildArtifact{}, err
	} else if exists {
		return domain.BuildArtifact{}, fmt.Errorf("%w: %s/%s", domain.ErrArtifactExists, runID, a.Name)
	}

	// Leftovers from an interrupted put have no manifest and are discarded.
	if err := s.fs.RemoveAll(dir); err != nil {
		return domain.BuildArtifact{}, fmt.Errorf("failed to reset artifact directory: %w", err)
	}
	filesDir := filepath.Join(dir, filesDirName)
	if err := s.fs.MkdirAll(filesDir, 0o755); err != nil {
		return domain.BuildArtifact{}, fmt.Errorf("failed to create artifact directory: %w", err)
	}

	stored, err := write(filesDir)
	if err != nil {
		_ = s.fs.RemoveAll(dir)
		return domain.BuildArtifact{}, err
	}

	out := a
	out.Files = stored
	out.Root = filesDir
	if out.CreatedAt.IsZero() {
		out.CreatedAt = s.clock.Now()
	}
	data, err := json.MarshalIndent(out, "", "  ")
	if err != nil {
		_ = s.fs.RemoveAll(dir)
		return domain.BuildArtifact{}, fmt.Errorf("failed to marshal manifest: %w", err)
	}
	if err := afero.WriteFile(s.fs, manifest, data, 0o644); err != nil {
		_ = s.fs.RemoveAll(dir)
		return domain.BuildArtifact{}, fmt.Errorf("failed to write manifest: %w", err)
	}
	return out, nil
}

// Get returns a stored artifact.
func (s *FileArtifactStore) Get(ctx context.Context, runID domain.RunID, name string) (domain.BuildArtifact, error) {
	if err := ctx.Err(); err != nil {
		return domain.BuildArtifact{}, err
	}
	if err := validName(name); err != nil {
		return domain.BuildArtifact{}, err
	}
	return s.readManifest(filepath.Join(s.artifactDir(runID, name), manifestFileName), runID, name)
}

func (s *FileArtifactStore) readManifest(path string, runID domain.RunID, name string) (domain.BuildArtifact, error) {
	data, err := afero.ReadFile(s.fs, path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return domain.BuildArtifact{}, fmt.Errorf("%w: %s/%s", domain.ErrArtifactNotFound, runID, name)
		}
		return domain.BuildArtifact{}, fmt.Errorf("failed to read manifest: %w", err)
	}
	var a domain.BuildArtifact
	if err := json.Unmarshal(data, &a); err != nil {
		return domain.BuildArtifact{}, fmt.Errorf("corrupt manifest %s: %w", path, err)
	}
	return a, nil
}

// List returns every complete artifact stored for runID.
func (s *FileArtifactStore) List(ctx context.Context, runID domain.RunID) ([]domain.BuildArtifact, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	runDir := filepath.Join(s.root, filepath.Base(string(runID)))
	entries, err := afero.ReadDir(s.fs, runDir)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to list artifacts: %w", err)
	}

	var out []domain.BuildArtifact
	for _, e := range entries {
		if !e.IsDir() {
			continue
		}
		a, err := s.readManifest(filepath.Join(runDir, e.Name(), manifestFileName), runID, e.Name())
		if errors.Is(err, domain.ErrArtifactNotFound) {
			continue
		}
		if err != nil {
			return nil, err
		}
		out = append(out, a)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out, nil
}

// Prune removes every artifact whose retention expired at now. Run
// directories left empty are removed too.
func (s *FileArtifactStore) Prune(ctx context.Context, now time.Time) ([]domain.BuildArtifact, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	runs, err := afero.ReadDir(s.fs, s.root)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to read artifact root: %w", err)
	}

	var pruned []domain.BuildArtifact
	for _, run := range runs {
		if !run.IsDir() {
			continue
		}
		runDir := filepath.Join(s.root, run.Name())
		arts, err := afero.ReadDir(s.fs, runDir)
		if err != nil {
			return pruned, fmt.Errorf("failed to read %s: %w", runDir, err)
		}
		remaining := 0
		for _, art := range arts {
			if err := ctx.Err(); err != nil {
				return pruned, err
			}
			if !art.IsDir() {
				remaining++
				continue
			}
			dir := filepath.Join(runDir, art.Name())
			a, err := s.readManifest(filepath.Join(dir, manifestFileName), domain.RunID(run.Name()), art.Name())
			if err != nil || !a.Expired(now) {
				remaining++
				continue
			}
			if err := s.fs.RemoveAll(dir); err != nil {
				return pruned, fmt.Errorf("failed to remove %s: %w", dir, err)
			}
			pruned = append(pruned, a)
		}
		if remaining == 0 {
			_ = s.fs.RemoveAll(runDir)
		}
	}
	return pruned, nil
}

func (s *FileArtifactStore) copyFile(src, dst string) error {
	in, err := s.fs.Open(src)
	if err != nil {
		return fmt.Errorf("failed to open %s: %w", src, err)
	}
	defer in.Close()

	out, err := s.fs.OpenFile(dst, os.O_CREATE|os.O_EXCL|os.O_WRONLY, 0o644)
	if err != nil {
		return fmt.Errorf("failed to create %s: %w", dst, err)
	}
	if _, err := io.Copy(out, in); err != nil {
		_ = out.Close()
		return fmt.Errorf("failed to copy %s: %w", src, err)
	}
	return out.Close()
}

// uniqueNames maps each source path to a base name, suffixing collisions
// so two outputs named app.apk in different folders both survive.
func uniqueNames(paths []string) []string {
	seen := make(map[string]int, len(paths))
	out := make([]string, len(paths))
	for i, p := range paths {
		base := filepath.Base(p)
		n := seen[base]
		seen[base] = n + 1
		if n == 0 {
			out[i] = base
			continue
		}
		ext := filepath.Ext(base)
		out[i] = base[:len(base)-len(ext)] + "-" + strconv.Itoa(n+1) + ext
	}
	return out
}
