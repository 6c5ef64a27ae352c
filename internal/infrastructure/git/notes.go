package git

import (
	"context"
	"strings"

	"github.com/relicta-tech/shipyard/internal/domain/release/ports"
)

// LocalNotes generates release notes from commit subjects when no code
// host is configured.
type LocalNotes struct {
	history ports.History
}

var _ ports.NotesGenerator = (*LocalNotes)(nil)

// NewLocalNotes creates a notes generator backed by history.
func NewLocalNotes(history ports.History) *LocalNotes {
	return &LocalNotes{history: history}
}

// GenerateNotes lists commit subjects since req.PreviousTag, or since the
// latest version tag when no previous tag is given.
func (n *LocalNotes) GenerateNotes(ctx context.Context, req ports.NotesRequest) (string, error) {
	since := req.PreviousTag
	if since == "" {
		latest, err := n.history.LatestTag(ctx)
		if err != nil {
			return "", err
		}
		since = latest
	}

	subjects, err := n.history.SubjectsSince(ctx, since)
	if err != nil {
		return "", err
	}

	var b strings.Builder
	b.WriteString("## What's Changed\n")
	for _, s := range subjects {
		if s == "" {
			continue
		}
		b.WriteString("* ")
		b.WriteString(s)
		b.WriteByte('\n')
	}
	return b.String(), nil
}
