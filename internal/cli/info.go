package cli

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/relicta-tech/shipyard/internal/domain/release/app"
	"github.com/relicta-tech/shipyard/internal/domain/release/domain"
)

var infoFlags releaseFlags

var infoCmd = &cobra.Command{
	Use:   "info",
	Short: "Show the release metadata the next run would produce",
	Long: `Derive the version, version code and changelogs from the repository
without recording anything.

The version code shown is the one derived from history; a run bumps it
if it does not exceed the last code issued on the branch.

Examples:
  shipyard info -b main
  shipyard info -b main --json`,
	RunE: runInfo,
}

func init() {
	rootCmd.AddCommand(infoCmd)
	infoFlags.addChannelFlags(infoCmd)
}

// InfoOutput is the JSON output of the info command.
type InfoOutput struct {
	Metadata      domain.ReleaseMetadata `json:"metadata"`
	RawVersion    string                 `json:"raw_version"`
	VersionSource string                 `json:"version_source"`
	PreviousTag   string                 `json:"previous_tag,omitempty"`
	CommitCount   int                    `json:"commit_count"`
	NonBetaTags   int                    `json:"non_beta_tags"`
}

func runInfo(cmd *cobra.Command, args []string) error {
	ctx := cmd.Context()

	ch, err := infoFlags.channel()
	if err != nil {
		return err
	}

	c, err := newContainer(ctx, true)
	if err != nil {
		return err
	}
	defer func() { _ = c.Close() }()

	out, err := c.Metadata().Execute(ctx, app.GenerateMetadataInput{
		RunID:        domain.NewRunID(),
		TargetBranch: ch.TargetBranch,
		DryRun:       true,
	})
	if err != nil {
		return err
	}

	if outputJSON {
		return writeJSON(InfoOutput{
			Metadata:      out.Metadata,
			RawVersion:    out.RawVersion,
			VersionSource: out.VersionSource,
			PreviousTag:   out.PreviousTag,
			CommitCount:   out.CommitCount,
			NonBetaTags:   out.NonBetaTags,
		})
	}

	md := out.Metadata
	printTitle(fmt.Sprintf("Release %s", md.Version))
	fmt.Fprintf(stdout, "  %s %s %s\n", styles.Subtle.Render("version:     "), styles.Bold.Render(md.Version),
		styles.Subtle.Render("(from "+out.RawVersion+" in "+out.VersionSource+")"))
	fmt.Fprintf(stdout, "  %s %d %s\n", styles.Subtle.Render("version code:"), md.VersionCode,
		styles.Subtle.Render(fmt.Sprintf("(%d commits, %d release tags)", out.CommitCount, out.NonBetaTags)))
	if out.PreviousTag != "" {
		fmt.Fprintf(stdout, "  %s %s\n", styles.Subtle.Render("previous tag:"), out.PreviousTag)
	}
	fmt.Fprintln(stdout)
	printTitle("Changelog")
	fmt.Fprintln(stdout, md.Changelog)
	return nil
}
