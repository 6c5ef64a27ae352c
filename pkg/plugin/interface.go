// Package plugin provides the public interface for shipyard tool plugins.
// A tool plugin is a separate binary that performs the work of a build or
// publish stage: signing, uploading to a store, deploying a bundle.
package plugin

import (
	"context"
)

// Kind names the stage kinds a tool can serve.
type Kind string

const (
	KindBuild   Kind = "build"
	KindPublish Kind = "publish"
)

// Tool is the interface that all tool plugins must implement.
type Tool interface {
	// Describe returns metadata about the tool.
	Describe(ctx context.Context) (Info, error)

	// Invoke performs the stage's work. A failed invocation should return a
	// response with Success false; a returned error means the call itself
	// could not be made.
	Invoke(ctx context.Context, req InvokeRequest) (*InvokeResponse, error)
}

// Info contains metadata about a tool.
type Info struct {
	Name        string `json:"name"`
	Version     string `json:"version"`
	Description string `json:"description,omitempty"`
	Kinds       []Kind `json:"kinds,omitempty"`
}

// Supports reports whether the tool declares kind. A tool that declares
// no kinds serves every kind.
func (i Info) Supports(kind Kind) bool {
	if len(i.Kinds) == 0 {
		return true
	}
	for _, k := range i.Kinds {
		if k == kind {
			return true
		}
	}
	return false
}

// InvokeRequest is one stage invocation.
type InvokeRequest struct {
	RunID string `json:"run_id"`
	// Stage is the stage name, e.g. "publish_android_on_playstore".
	Stage string `json:"stage"`
	Kind  Kind   `json:"kind"`
	// Config is the stage's "with" block.
	Config  map[string]any `json:"config,omitempty"`
	Release ReleaseContext `json:"release"`
	// Files lists the consumed artifact's files for publish stages.
	Files []string `json:"files,omitempty"`
	// Root is the consumed artifact's tree root, for bundle artifacts.
	Root string `json:"root,omitempty"`
	// OutputDir is where build tools should place their outputs.
	OutputDir string `json:"output_dir,omitempty"`
	// Env holds the stage environment including its scoped secrets.
	Env map[string]string `json:"env,omitempty"`
}

// ReleaseContext describes the release being shipped.
type ReleaseContext struct {
	Version           string `json:"version"`
	VersionCode       int    `json:"version_code"`
	Channel           string `json:"channel"`
	ReleaseType       string `json:"release_type"`
	TargetBranch      string `json:"target_branch"`
	Module            string `json:"module,omitempty"`
	Variant           string `json:"variant,omitempty"`
	OS                string `json:"os,omitempty"`
	ChangelogFile     string `json:"changelog_file,omitempty"`
	ChangelogBetaFile string `json:"changelog_beta_file,omitempty"`
}

// InvokeResponse contains the result of an invocation.
type InvokeResponse struct {
	Success bool   `json:"success"`
	Message string `json:"message,omitempty"`
	Error   string `json:"error,omitempty"`
	// Retryable marks a failure as transient, such as a store returning 503.
	Retryable bool           `json:"retryable,omitempty"`
	Outputs   map[string]any `json:"outputs,omitempty"`
	Artifacts []Artifact     `json:"artifacts,omitempty"`
}

// Artifact is a file produced by a build tool.
type Artifact struct {
	Name     string `json:"name"`
	Path     string `json:"path"`
	Size     int64  `json:"size,omitempty"`
	Checksum string `json:"checksum,omitempty"`
}
