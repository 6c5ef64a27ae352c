package ports

import (
	"context"
	"time"

	"github.com/relicta-tech/shipyard/internal/domain/release/domain"
)

// Clock provides time-related functionality.
// This abstraction enables testing with controlled time.
type Clock interface {
	// Now returns the current time.
	Now() time.Time
}

// History provides read-only access to the repository history.
type History interface {
	// IsShallow reports whether the clone has truncated history.
	IsShallow(ctx context.Context) (bool, error)

	// CommitCount counts commits reachable from HEAD.
	CommitCount(ctx context.Context) (int, error)

	// Tags returns every tag name in the repository.
	Tags(ctx context.Context) ([]string, error)

	// LatestTag returns the highest semantic version tag, or "" if none.
	LatestTag(ctx context.Context) (string, error)

	// HeadSubject returns the subject line of the HEAD commit.
	HeadSubject(ctx context.Context) (string, error)

	// SubjectsSince returns commit subjects after ref up to HEAD, newest first.
	// An empty ref means the whole history.
	SubjectsSince(ctx context.Context, ref string) ([]string, error)

	// CurrentBranch returns the checked out branch name.
	CurrentBranch(ctx context.Context) (string, error)
}

// NotesRequest describes a release-notes generation call.
type NotesRequest struct {
	TagName     string
	PreviousTag string
	Target      string
}

// NotesGenerator produces the host changelog for a release.
type NotesGenerator interface {
	GenerateNotes(ctx context.Context, req NotesRequest) (string, error)
}

// VersionReader reads the committed application version.
type VersionReader interface {
	// ReadVersion returns the raw version string and the file it came from.
	ReadVersion(ctx context.Context) (version string, source string, err error)
}

// ReleasePublisher creates the pre-release record on the code host.
type ReleasePublisher interface {
	// Publish creates rec and uploads every asset path, returning the final record.
	Publish(ctx context.Context, rec domain.ReleaseRecord, assets []string) (domain.ReleaseRecord, error)
}

// EventPublisher publishes domain events.
type EventPublisher interface {
	// Publish publishes one or more domain events.
	Publish(ctx context.Context, events ...domain.DomainEvent) error
}

// Notifier delivers a finished run summary.
type Notifier interface {
	Notify(ctx context.Context, run *domain.Run) error
}
