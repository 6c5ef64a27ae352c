// Package git reads repository history with go-git.
package git

import (
	"context"
	"fmt"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/Masterminds/semver/v3"
	"github.com/go-git/go-git/v5"
	"github.com/go-git/go-git/v5/plumbing"
	"github.com/go-git/go-git/v5/plumbing/object"

	"github.com/relicta-tech/shipyard/internal/domain/release/ports"
	rperrors "github.com/relicta-tech/shipyard/internal/errors"
)

// DefaultLocalTimeout bounds local history walks.
const DefaultLocalTimeout = 30 * time.Second

// withLocalTimeout applies a timeout unless ctx already has a shorter deadline.
func withLocalTimeout(ctx context.Context) (context.Context, context.CancelFunc) {
	if deadline, ok := ctx.Deadline(); ok {
		if time.Until(deadline) < DefaultLocalTimeout {
			return ctx, func() {}
		}
	}
	return context.WithTimeout(ctx, DefaultLocalTimeout)
}

// History implements ports.History over a go-git repository.
type History struct {
	repo *git.Repository
}

var _ ports.History = (*History)(nil)

// Open opens the repository containing path.
func Open(path string) (*History, error) {
	const op = "git.Open"

	absPath, err := filepath.Abs(path)
	if err != nil {
		return nil, rperrors.GitWrap(err, op, "failed to get absolute path")
	}
	repo, err := git.PlainOpenWithOptions(absPath, &git.PlainOpenOptions{DetectDotGit: true})
	if err != nil {
		return nil, rperrors.GitWrap(err, op, "failed to open repository")
	}
	return &History{repo: repo}, nil
}

// New wraps an already opened repository.
func New(repo *git.Repository) *History {
	return &History{repo: repo}
}

// IsShallow reports whether the clone has truncated history.
func (h *History) IsShallow(_ context.Context) (bool, error) {
	shallow, err := h.repo.Storer.Shallow()
	if err != nil {
		return false, rperrors.GitWrap(err, "git.IsShallow", "failed to read shallow commits")
	}
	return len(shallow) > 0, nil
}

// CommitCount counts commits reachable from HEAD.
func (h *History) CommitCount(ctx context.Context) (int, error) {
	const op = "git.CommitCount"
	ctx, cancel := withLocalTimeout(ctx)
	defer cancel()

	head, err := h.repo.Head()
	if err != nil {
		return 0, rperrors.GitWrap(err, op, "failed to get HEAD")
	}
	iter, err := h.repo.Log(&git.LogOptions{From: head.Hash()})
	if err != nil {
		return 0, rperrors.GitWrap(err, op, "failed to get log iterator")
	}
	defer iter.Close()

	count := 0
	err = iter.ForEach(func(*object.Commit) error {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return ctxErr
		}
		count++
		return nil
	})
	if err != nil {
		if ctx.Err() != nil {
			return 0, rperrors.GitWrap(ctx.Err(), op, "operation canceled")
		}
		return 0, rperrors.GitWrap(err, op, "failed to iterate commits")
	}
	return count, nil
}

// Tags returns every tag name, sorted.
func (h *History) Tags(ctx context.Context) ([]string, error) {
	const op = "git.Tags"

	iter, err := h.repo.Tags()
	if err != nil {
		return nil, rperrors.GitWrap(err, op, "failed to get tags iterator")
	}
	defer iter.Close()

	var tags []string
	err = iter.ForEach(func(ref *plumbing.Reference) error {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return ctxErr
		}
		tags = append(tags, ref.Name().Short())
		return nil
	})
	if err != nil {
		if ctx.Err() != nil {
			return nil, rperrors.GitWrap(ctx.Err(), op, "operation canceled")
		}
		return nil, rperrors.GitWrap(err, op, "failed to iterate tags")
	}
	sort.Strings(tags)
	return tags, nil
}

// LatestTag returns the tag with the highest semantic version, or "".
// Tags that do not parse as versions are ignored.
func (h *History) LatestTag(ctx context.Context) (string, error) {
	tags, err := h.Tags(ctx)
	if err != nil {
		return "", err
	}

	var (
		best    string
		bestVer *semver.Version
	)
	for _, name := range tags {
		v, err := semver.NewVersion(name)
		if err != nil {
			continue
		}
		if bestVer == nil || v.GreaterThan(bestVer) {
			best, bestVer = name, v
		}
	}
	return best, nil
}

// HeadSubject returns the subject line of the HEAD commit.
func (h *History) HeadSubject(_ context.Context) (string, error) {
	const op = "git.HeadSubject"

	head, err := h.repo.Head()
	if err != nil {
		return "", rperrors.GitWrap(err, op, "failed to get HEAD")
	}
	commit, err := h.repo.CommitObject(head.Hash())
	if err != nil {
		return "", rperrors.GitWrap(err, op, "failed to get HEAD commit")
	}
	return subject(commit.Message), nil
}

// SubjectsSince returns the subjects of commits reachable from HEAD but not
// from ref, newest first. An empty ref returns the whole history.
func (h *History) SubjectsSince(ctx context.Context, ref string) ([]string, error) {
	const op = "git.SubjectsSince"
	ctx, cancel := withLocalTimeout(ctx)
	defer cancel()

	exclude := map[plumbing.Hash]bool{}
	if ref != "" {
		hash, err := h.repo.ResolveRevision(plumbing.Revision(ref))
		if err != nil {
			return nil, rperrors.GitWrap(err, op, fmt.Sprintf("failed to resolve reference %s", ref))
		}
		if err := h.walk(ctx, *hash, func(c *object.Commit) error {
			exclude[c.Hash] = true
			return nil
		}); err != nil {
			return nil, rperrors.GitWrap(err, op, "failed to walk base history")
		}
	}

	head, err := h.repo.Head()
	if err != nil {
		return nil, rperrors.GitWrap(err, op, "failed to get HEAD")
	}

	type entry struct {
		when    time.Time
		subject string
	}
	var entries []entry
	err = h.walk(ctx, head.Hash(), func(c *object.Commit) error {
		if !exclude[c.Hash] {
			entries = append(entries, entry{when: c.Committer.When, subject: subject(c.Message)})
		}
		return nil
	})
	if err != nil {
		return nil, rperrors.GitWrap(err, op, "failed to walk history")
	}

	sort.SliceStable(entries, func(i, j int) bool { return entries[i].when.After(entries[j].when) })
	out := make([]string, len(entries))
	for i, e := range entries {
		out[i] = e.subject
	}
	return out, nil
}

// CurrentBranch returns the checked out branch name.
func (h *History) CurrentBranch(_ context.Context) (string, error) {
	const op = "git.CurrentBranch"

	head, err := h.repo.Head()
	if err != nil {
		return "", rperrors.GitWrap(err, op, "failed to get HEAD")
	}
	if !head.Name().IsBranch() {
		return "", rperrors.Git(op, "HEAD is not on a branch (detached HEAD)")
	}
	return head.Name().Short(), nil
}

func (h *History) walk(ctx context.Context, from plumbing.Hash, fn func(*object.Commit) error) error {
	iter, err := h.repo.Log(&git.LogOptions{From: from, Order: git.LogOrderCommitterTime})
	if err != nil {
		return err
	}
	defer iter.Close()

	return iter.ForEach(func(c *object.Commit) error {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return ctxErr
		}
		return fn(c)
	})
}

func subject(message string) string {
	line, _, _ := strings.Cut(strings.TrimSpace(message), "\n")
	return strings.TrimSpace(line)
}
