package app

import (
	"context"
	"fmt"
	"io"
	"strings"

	"github.com/charmbracelet/log"

	"github.com/relicta-tech/shipyard/internal/domain/release/domain"
	"github.com/relicta-tech/shipyard/internal/domain/release/ports"
	rperrors "github.com/relicta-tech/shipyard/internal/errors"
	"github.com/relicta-tech/shipyard/internal/infrastructure/versionfile"
)

// Changelog artifact file names.
const (
	ChangelogFileName     = "changelog.txt"
	ChangelogBetaFileName = "changelog_beta.txt"
)

// DefaultBetaTagMarker excludes beta tags from the version code.
const DefaultBetaTagMarker = "beta"

// GenerateMetadataInput contains the input for generating release metadata.
type GenerateMetadataInput struct {
	RunID        domain.RunID
	TargetBranch string
	// DryRun computes the metadata without recording the version code or
	// storing changelog artifacts.
	DryRun bool
}

// GenerateMetadataOutput contains the generated metadata.
type GenerateMetadataOutput struct {
	Metadata      domain.ReleaseMetadata
	RawVersion    string
	VersionSource string
	// DerivedCode is the code computed from history before the ledger
	// bumped it, if it did.
	DerivedCode int
	CommitCount int
	NonBetaTags int
	PreviousTag string
	Artifacts   []domain.BuildArtifact
}

// GenerateMetadataUseCase derives the shared release metadata from the
// repository history and the committed version file.
type GenerateMetadataUseCase struct {
	history       ports.History
	versions      ports.VersionReader
	notes         ports.NotesGenerator
	ledger        ports.VersionCodeLedger
	store         ports.ArtifactStore
	betaMarker    string
	retentionDays int
	logger        *log.Logger
}

// MetadataOption configures a GenerateMetadataUseCase.
type MetadataOption func(*GenerateMetadataUseCase)

// WithBetaTagMarker sets the substring that marks beta tags.
func WithBetaTagMarker(marker string) MetadataOption {
	return func(uc *GenerateMetadataUseCase) {
		if marker != "" {
			uc.betaMarker = marker
		}
	}
}

// WithRetentionDays sets the retention of the changelog artifacts.
func WithRetentionDays(days int) MetadataOption {
	return func(uc *GenerateMetadataUseCase) { uc.retentionDays = days }
}

// WithMetadataLogger sets the logger.
func WithMetadataLogger(l *log.Logger) MetadataOption {
	return func(uc *GenerateMetadataUseCase) {
		if l != nil {
			uc.logger = l
		}
	}
}

// NewGenerateMetadataUseCase creates a new GenerateMetadataUseCase.
func NewGenerateMetadataUseCase(
	history ports.History,
	versions ports.VersionReader,
	notes ports.NotesGenerator,
	ledger ports.VersionCodeLedger,
	store ports.ArtifactStore,
	opts ...MetadataOption,
) *GenerateMetadataUseCase {
	uc := &GenerateMetadataUseCase{
		history:    history,
		versions:   versions,
		notes:      notes,
		ledger:     ledger,
		store:      store,
		betaMarker: DefaultBetaTagMarker,
		logger:     log.New(io.Discard),
	}
	for _, opt := range opts {
		opt(uc)
	}
	return uc
}

// Execute generates the metadata. Nothing here is retried: every failure
// is fatal for the run.
func (uc *GenerateMetadataUseCase) Execute(ctx context.Context, input GenerateMetadataInput) (*GenerateMetadataOutput, error) {
	const op = "app.GenerateMetadata"

	shallow, err := uc.history.IsShallow(ctx)
	if err != nil {
		return nil, err
	}
	if shallow {
		return nil, rperrors.Git(op, "repository is a shallow clone; fetch the full history (git fetch --unshallow)")
	}

	raw, source, err := uc.versions.ReadVersion(ctx)
	if err != nil {
		return nil, err
	}
	version, err := versionfile.Core(raw)
	if err != nil {
		return nil, rperrors.VersionWrap(err, op, fmt.Sprintf("invalid version %q in %s", raw, source))
	}

	commits, err := uc.history.CommitCount(ctx)
	if err != nil {
		return nil, err
	}
	tags, err := uc.history.Tags(ctx)
	if err != nil {
		return nil, err
	}
	nonBeta := countNonBeta(tags, uc.betaMarker)

	derived := VersionCode(commits, nonBeta)
	code, err := uc.versionCode(ctx, input, derived)
	if err != nil {
		return nil, err
	}

	previous, err := uc.history.LatestTag(ctx)
	if err != nil {
		return nil, err
	}
	notes, err := uc.notes.GenerateNotes(ctx, ports.NotesRequest{
		TagName:     version,
		PreviousTag: previous,
		Target:      input.TargetBranch,
	})
	if err != nil {
		return nil, err
	}
	subject, err := uc.history.HeadSubject(ctx)
	if err != nil {
		return nil, err
	}

	md := domain.ReleaseMetadata{
		Version:       version,
		VersionCode:   code,
		Changelog:     SanitizeChangelog(notes),
		ChangelogBeta: SanitizeChangelog(subject),
	}
	if err := md.Validate(); err != nil {
		return nil, rperrors.VersionWrap(err, op, "generated metadata is invalid")
	}

	out := &GenerateMetadataOutput{
		Metadata:      md,
		RawVersion:    raw,
		VersionSource: source,
		DerivedCode:   derived,
		CommitCount:   commits,
		NonBetaTags:   nonBeta,
		PreviousTag:   previous,
	}
	if input.DryRun {
		return out, nil
	}

	if uc.store != nil {
		arts, err := uc.storeChangelogs(ctx, input.RunID, md)
		if err != nil {
			return nil, err
		}
		out.Artifacts = arts
	}

	uc.logger.Info("release metadata ready", "version", md.Version, "version_code", md.VersionCode, "source", source)
	return out, nil
}

// versionCode issues the code for this release. Outside dry runs the code
// is reserved in the ledger before anything else can fail, so a code is
// spent even when the run fails later and is never handed out again.
func (uc *GenerateMetadataUseCase) versionCode(ctx context.Context, input GenerateMetadataInput, derived int) (int, error) {
	if uc.ledger == nil || input.TargetBranch == "" {
		return derived, nil
	}

	var (
		code int
		err  error
	)
	if input.DryRun {
		var last int
		last, err = uc.ledger.Last(ctx, input.TargetBranch)
		code = domain.NextVersionCode(derived, last)
	} else {
		code, err = uc.ledger.Reserve(ctx, input.TargetBranch, derived)
	}
	if err != nil {
		return 0, err
	}
	if code != derived {
		uc.logger.Warn("derived version code already issued; bumping",
			"derived", derived, "code", code, "branch", input.TargetBranch)
	}
	return code, nil
}

func (uc *GenerateMetadataUseCase) storeChangelogs(ctx context.Context, runID domain.RunID, md domain.ReleaseMetadata) ([]domain.BuildArtifact, error) {
	const op = "app.GenerateMetadata"

	entries := []struct {
		name, file, content string
	}{
		{ArtifactChangelog, ChangelogFileName, md.Changelog},
		{ArtifactChangelogBeta, ChangelogBetaFileName, md.ChangelogBeta},
	}
	arts := make([]domain.BuildArtifact, 0, len(entries))
	for _, e := range entries {
		a, err := uc.store.PutContent(ctx, runID, domain.BuildArtifact{
			Name:          e.name,
			Stage:         StageGenerateReleaseInfo,
			RetentionDays: uc.retentionDays,
		}, map[string][]byte{e.file: []byte(e.content)})
		if err != nil {
			return nil, rperrors.ArtifactWrap(err, op, fmt.Sprintf("failed to store %s", e.file))
		}
		arts = append(arts, a)
	}
	return arts, nil
}

// VersionCode derives the platform version code from history. The shift
// keeps codes even so a hotfix build can take the odd code in between.
func VersionCode(commits, nonBetaTags int) int {
	return (commits + nonBetaTags) << 1
}

// SanitizeChangelog makes notes safe to pass through shell arguments:
// double quotes become single quotes, carriage returns are dropped and
// surrounding whitespace is trimmed.
func SanitizeChangelog(s string) string {
	s = strings.ReplaceAll(s, `"`, "'")
	s = strings.ReplaceAll(s, "\r", "")
	return strings.TrimSpace(s)
}

func countNonBeta(tags []string, marker string) int {
	n := 0
	for _, t := range tags {
		if !strings.Contains(t, marker) {
			n++
		}
	}
	return n
}
