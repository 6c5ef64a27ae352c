package ports

import (
	"context"
	"time"

	"github.com/relicta-tech/shipyard/internal/domain/release/domain"
)

// ArtifactStore is the write-once store through which build outputs reach
// downstream stages.
type ArtifactStore interface {
	// Put copies the files listed in a into the store under runID and a.Name.
	// The returned artifact lists the stored paths. Putting an existing name
	// fails with domain.ErrArtifactExists.
	Put(ctx context.Context, runID domain.RunID, a domain.BuildArtifact) (domain.BuildArtifact, error)

	// PutContent stores in-memory files, keyed by file name, as one artifact.
	PutContent(ctx context.Context, runID domain.RunID, a domain.BuildArtifact, files map[string][]byte) (domain.BuildArtifact, error)

	// PutTree copies the directory tree at dir into the store as one
	// artifact, keeping relative paths. The returned artifact's Root points
	// at the stored tree.
	PutTree(ctx context.Context, runID domain.RunID, a domain.BuildArtifact, dir string) (domain.BuildArtifact, error)

	// Get returns a stored artifact, or domain.ErrArtifactNotFound.
	Get(ctx context.Context, runID domain.RunID, name string) (domain.BuildArtifact, error)

	// List returns every artifact stored for runID, sorted by name.
	List(ctx context.Context, runID domain.RunID) ([]domain.BuildArtifact, error)

	// Prune removes artifacts whose retention expired at now and returns them.
	Prune(ctx context.Context, now time.Time) ([]domain.BuildArtifact, error)
}
