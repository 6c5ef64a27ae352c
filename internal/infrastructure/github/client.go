// Package github talks to the GitHub REST API for release notes and
// pre-release records.
package github

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"os"
	"path/filepath"
	"strings"

	"github.com/google/go-github/v60/github"
	"golang.org/x/oauth2"

	"github.com/relicta-tech/shipyard/internal/domain/release/domain"
	"github.com/relicta-tech/shipyard/internal/domain/release/ports"
	rperrors "github.com/relicta-tech/shipyard/internal/errors"
)

// Client implements ports.NotesGenerator and ports.ReleasePublisher for
// one repository.
type Client struct {
	gh    *github.Client
	owner string
	repo  string
}

var (
	_ ports.NotesGenerator   = (*Client)(nil)
	_ ports.ReleasePublisher = (*Client)(nil)
)

// Option configures a Client.
type Option func(*github.Client) error

// WithBaseURL points the client at another API root, such as a GitHub
// Enterprise host or a test server. Uploads go to the same root.
func WithBaseURL(baseURL string) Option {
	return func(c *github.Client) error {
		if !strings.HasSuffix(baseURL, "/") {
			baseURL += "/"
		}
		u, err := url.Parse(baseURL)
		if err != nil {
			return err
		}
		c.BaseURL = u
		c.UploadURL = u
		return nil
	}
}

// TokenFromEnv returns GITHUB_TOKEN or GH_TOKEN.
func TokenFromEnv() string {
	if t := os.Getenv("GITHUB_TOKEN"); t != "" {
		return t
	}
	return os.Getenv("GH_TOKEN")
}

// NewClient creates a client authenticated with token.
func NewClient(ctx context.Context, owner, repo, token string, opts ...Option) (*Client, error) {
	const op = "github.NewClient"
	if owner == "" || repo == "" {
		return nil, rperrors.Config(op, "repository owner and name are required")
	}
	if token == "" {
		return nil, rperrors.Config(op, "GitHub token is required (set GITHUB_TOKEN or changelog.github.token)")
	}

	ts := oauth2.StaticTokenSource(&oauth2.Token{AccessToken: token})
	gh := github.NewClient(oauth2.NewClient(ctx, ts))
	for _, opt := range opts {
		if err := opt(gh); err != nil {
			return nil, rperrors.ConfigWrap(err, op, "invalid GitHub client option")
		}
	}
	return &Client{gh: gh, owner: owner, repo: repo}, nil
}

// GenerateNotes asks GitHub to generate release notes for req.TagName.
func (c *Client) GenerateNotes(ctx context.Context, req ports.NotesRequest) (string, error) {
	const op = "github.GenerateNotes"

	opts := &github.GenerateNotesOptions{TagName: req.TagName}
	if req.PreviousTag != "" {
		opts.PreviousTagName = github.String(req.PreviousTag)
	}
	if req.Target != "" {
		opts.TargetCommitish = github.String(req.Target)
	}

	notes, _, err := c.gh.Repositories.GenerateReleaseNotes(ctx, c.owner, c.repo, opts)
	if err != nil {
		return "", classify(err, op, "failed to generate release notes")
	}
	return notes.Body, nil
}

// Publish creates a pre-release for rec.Tag, or reuses the existing
// pre-release with that tag, and uploads every asset not already attached.
// A full release with the tag is left untouched.
func (c *Client) Publish(ctx context.Context, rec domain.ReleaseRecord, assets []string) (domain.ReleaseRecord, error) {
	release, err := c.findOrCreate(ctx, rec)
	if err != nil {
		return domain.ReleaseRecord{}, err
	}

	attached := make(map[string]bool, len(release.Assets))
	for _, a := range release.Assets {
		attached[a.GetName()] = true
	}

	out := rec
	out.URL = release.GetHTMLURL()
	out.Prerelease = release.GetPrerelease()
	out.Assets = nil
	for _, path := range assets {
		name := filepath.Base(path)
		if !attached[name] {
			if err := c.upload(ctx, release.GetID(), path); err != nil {
				return domain.ReleaseRecord{}, err
			}
			attached[name] = true
		}
		out.Assets = append(out.Assets, name)
	}
	return out, nil
}

func (c *Client) findOrCreate(ctx context.Context, rec domain.ReleaseRecord) (*github.RepositoryRelease, error) {
	const op = "github.findOrCreate"

	existing, resp, err := c.gh.Repositories.GetReleaseByTag(ctx, c.owner, c.repo, rec.Tag)
	if err == nil {
		if rec.Prerelease && !existing.GetPrerelease() {
			return nil, rperrors.Conflict(op, fmt.Sprintf("release %s already exists and is not a pre-release", rec.Tag))
		}
		return existing, nil
	}
	if resp == nil || resp.StatusCode != http.StatusNotFound {
		return nil, classify(err, op, fmt.Sprintf("failed to look up release %s", rec.Tag))
	}

	created, _, err := c.gh.Repositories.CreateRelease(ctx, c.owner, c.repo, &github.RepositoryRelease{
		TagName:    github.String(rec.Tag),
		Name:       github.String(rec.Name),
		Body:       github.String(rec.Body),
		Prerelease: github.Bool(rec.Prerelease),
	})
	if err != nil {
		return nil, classify(err, op, fmt.Sprintf("failed to create release %s", rec.Tag))
	}
	return created, nil
}

func (c *Client) upload(ctx context.Context, releaseID int64, path string) error {
	const op = "github.upload"

	info, err := os.Lstat(path)
	if err != nil {
		return rperrors.ArtifactWrap(err, op, "asset file not accessible")
	}
	if !info.Mode().IsRegular() {
		return rperrors.Artifact(op, fmt.Sprintf("asset %s is not a regular file", path))
	}

	f, err := os.Open(path) // #nosec G304 -- asset paths come from the artifact store
	if err != nil {
		return rperrors.ArtifactWrap(err, op, "failed to open asset")
	}
	defer f.Close()

	_, _, err = c.gh.Repositories.UploadReleaseAsset(ctx, c.owner, c.repo, releaseID,
		&github.UploadOptions{Name: info.Name()}, f)
	if err != nil {
		return classify(err, op, fmt.Sprintf("failed to upload %s", info.Name()))
	}
	return nil
}

// classify maps API failures onto error kinds: server errors and rate
// limits are retryable network errors, everything else is permanent.
func classify(err error, op, message string) error {
	var rateErr *github.RateLimitError
	var abuseErr *github.AbuseRateLimitError
	if errors.As(err, &rateErr) || errors.As(err, &abuseErr) {
		return rperrors.NetworkWrap(err, op, message+" (rate limited)")
	}

	var respErr *github.ErrorResponse
	if errors.As(err, &respErr) && respErr.Response != nil {
		code := respErr.Response.StatusCode
		switch {
		case code >= 500:
			return rperrors.NetworkWrap(err, op, message)
		case code == http.StatusUnauthorized || code == http.StatusForbidden:
			return rperrors.WrapSafe(err, rperrors.KindPermission, op, message)
		case code == http.StatusNotFound:
			return rperrors.WrapSafe(err, rperrors.KindNotFound, op, message)
		}
		return rperrors.WrapSafe(err, rperrors.KindValidation, op, strings.TrimSpace(message))
	}
	return rperrors.NetworkWrap(err, op, message)
}
