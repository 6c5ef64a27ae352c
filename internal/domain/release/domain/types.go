// Package domain provides the core domain model for release orchestration.
// This is the bounded context for a single multi-platform release run:
// its metadata, gates, stages, artifacts and phase.
package domain

import (
	"fmt"
	"strings"
	"time"

	"github.com/Masterminds/semver/v3"
	"github.com/google/uuid"
)

// RunID uniquely identifies a release run.
type RunID string

// NewRunID returns a fresh random run identifier.
func NewRunID() RunID {
	return RunID(uuid.NewString())
}

// String returns the string representation of the RunID.
func (id RunID) String() string {
	return string(id)
}

// Short returns the first 8 characters of the RunID for display.
func (id RunID) Short() string {
	if len(id) > 8 {
		return string(id[:8])
	}
	return string(id)
}

// Platform is a release target platform.
type Platform string

const (
	PlatformAndroid Platform = "android"
	PlatformIOS     Platform = "ios"
	PlatformDesktop Platform = "desktop"
	PlatformWeb     Platform = "web"
)

// AllPlatforms lists every platform in canonical order.
var AllPlatforms = []Platform{PlatformAndroid, PlatformIOS, PlatformDesktop, PlatformWeb}

// IsValid reports whether p is a known platform.
func (p Platform) IsValid() bool {
	switch p {
	case PlatformAndroid, PlatformIOS, PlatformDesktop, PlatformWeb:
		return true
	}
	return false
}

// DesktopOS is a build_desktop matrix cell.
type DesktopOS string

const (
	DesktopLinux   DesktopOS = "linux"
	DesktopWindows DesktopOS = "windows"
	DesktopMacOS   DesktopOS = "macos"
)

// AllDesktopOS lists the desktop matrix in canonical order.
var AllDesktopOS = []DesktopOS{DesktopLinux, DesktopWindows, DesktopMacOS}

// ReleaseType selects the distribution channel.
type ReleaseType string

const (
	ReleaseInternal ReleaseType = "internal"
	ReleaseBeta     ReleaseType = "beta"
)

// ParseReleaseType parses a release type, accepting any case.
func ParseReleaseType(s string) (ReleaseType, error) {
	switch ReleaseType(strings.ToLower(strings.TrimSpace(s))) {
	case ReleaseInternal:
		return ReleaseInternal, nil
	case ReleaseBeta:
		return ReleaseBeta, nil
	}
	return "", fmt.Errorf("%w: %q (want internal or beta)", ErrInvalidReleaseType, s)
}

// StageKind classifies a stage by its role in the run.
type StageKind string

const (
	KindMetadata  StageKind = "metadata"
	KindBuild     StageKind = "build"
	KindPublish   StageKind = "publish"
	KindAggregate StageKind = "aggregate"
)

// Phase maps a stage kind to the run phase entered when a stage of that kind starts.
func (k StageKind) Phase() Phase {
	switch k {
	case KindBuild:
		return PhaseBuilding
	case KindPublish:
		return PhasePublishing
	case KindAggregate:
		return PhaseAggregating
	}
	return PhaseInit
}

// StageStatus is the outcome of a stage.
type StageStatus string

const (
	StatusPending   StageStatus = "pending"
	StatusRunning   StageStatus = "running"
	StatusSucceeded StageStatus = "succeeded"
	StatusFailed    StageStatus = "failed"
	StatusSkipped   StageStatus = "skipped"
	StatusBlocked   StageStatus = "blocked"
)

// IsTerminal reports whether the status is final for this run.
func (s StageStatus) IsTerminal() bool {
	switch s {
	case StatusSucceeded, StatusFailed, StatusSkipped, StatusBlocked:
		return true
	}
	return false
}

// Channel identifies the serialization domain of runs: one release type on one branch.
type Channel struct {
	ReleaseType  ReleaseType `json:"release_type"`
	TargetBranch string      `json:"target_branch"`
}

// String renders the channel as "<release_type>/<target_branch>".
func (c Channel) String() string {
	return string(c.ReleaseType) + "/" + c.TargetBranch
}

// Key returns a filesystem-safe form of the channel.
func (c Channel) Key() string {
	r := strings.NewReplacer("/", "_", "\\", "_", ":", "_", " ", "_")
	return r.Replace(string(c.ReleaseType)) + "__" + r.Replace(c.TargetBranch)
}

// PublishGate holds the boolean switches that decide whether publish stages
// act. It is supplied once at invocation and never changes during a run.
type PublishGate struct {
	PublishAndroid bool        `json:"publish_android"`
	PublishIOS     bool        `json:"publish_ios"`
	PublishDesktop bool        `json:"publish_desktop"`
	PublishWeb     bool        `json:"publish_web"`
	BuildIOS       bool        `json:"build_ios"`
	ReleaseType    ReleaseType `json:"release_type"`
}

// ReleaseMetadata is the shared, immutable description of a release.
type ReleaseMetadata struct {
	Version       string `json:"version"`
	VersionCode   int    `json:"version_code"`
	Changelog     string `json:"changelog"`
	ChangelogBeta string `json:"changelog_beta"`
}

// Validate checks the metadata invariants.
func (m ReleaseMetadata) Validate() error {
	if _, err := semver.StrictNewVersion(m.Version); err != nil {
		return fmt.Errorf("%w: version %q: %v", ErrInvalidMetadata, m.Version, err)
	}
	if m.VersionCode <= 0 {
		return fmt.Errorf("%w: version code must be positive, got %d", ErrInvalidMetadata, m.VersionCode)
	}
	if m.VersionCode%2 != 0 {
		return fmt.Errorf("%w: version code must be even, got %d", ErrInvalidMetadata, m.VersionCode)
	}
	return nil
}

// NextVersionCode returns derived unless it is not greater than last, the
// last code issued on the branch, in which case it continues from last
// keeping parity.
func NextVersionCode(derived, last int) int {
	if derived > last {
		return derived
	}
	return last + 2
}

// TagName returns the git tag used for the release record.
func (m ReleaseMetadata) TagName() string {
	return m.Version
}

// BuildArtifact is the output of one build stage for one variant.
type BuildArtifact struct {
	Name          string    `json:"name"`
	Stage         string    `json:"stage"`
	Platform      Platform  `json:"platform"`
	Variant       string    `json:"variant,omitempty"`
	Files         []string  `json:"files"`
	Root          string    `json:"root,omitempty"`
	RetentionDays int       `json:"retention_days"`
	CreatedAt     time.Time `json:"created_at"`
}

// ExpiresAt returns when the artifact becomes eligible for the retention sweep.
// Zero retention means the artifact never expires.
func (a BuildArtifact) ExpiresAt() time.Time {
	if a.RetentionDays <= 0 {
		return time.Time{}
	}
	return a.CreatedAt.Add(time.Duration(a.RetentionDays) * 24 * time.Hour)
}

// Expired reports whether the artifact is past its retention window at now.
func (a BuildArtifact) Expired(now time.Time) bool {
	exp := a.ExpiresAt()
	return !exp.IsZero() && !now.Before(exp)
}

// ArtifactName builds the conventional artifact name for a platform and variant.
func ArtifactName(p Platform, variant string) string {
	if variant == "" {
		return string(p)
	}
	return string(p) + "-" + variant
}

// ReleaseRecord is the published pre-release on the code host.
type ReleaseRecord struct {
	Tag        string   `json:"tag"`
	Name       string   `json:"name"`
	Body       string   `json:"body"`
	Prerelease bool     `json:"prerelease"`
	Assets     []string `json:"assets"`
	URL        string   `json:"url,omitempty"`
}
