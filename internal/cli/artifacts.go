package cli

import (
	"fmt"

	"github.com/spf13/cobra"
)

var artifactsCmd = &cobra.Command{
	Use:   "artifacts",
	Short: "Manage stored build artifacts",
}

var artifactsPruneCmd = &cobra.Command{
	Use:   "prune",
	Short: "Delete artifacts past their retention",
	Long: `Delete stored build artifacts whose retention period has elapsed.

Each artifact keeps the retention it was stored with (artifacts.retention_days
at the time of the run).`,
	RunE: runArtifactsPrune,
}

func init() {
	rootCmd.AddCommand(artifactsCmd)
	artifactsCmd.AddCommand(artifactsPruneCmd)
}

// PruneOutput is the JSON output of artifacts prune.
type PruneOutput struct {
	Removed []string `json:"removed"`
}

func runArtifactsPrune(cmd *cobra.Command, args []string) error {
	ctx := cmd.Context()

	c, err := newContainer(ctx, false)
	if err != nil {
		return err
	}
	defer func() { _ = c.Close() }()

	out, err := c.PruneArtifacts().Execute(ctx)
	if err != nil {
		return err
	}

	names := make([]string, 0, len(out.Removed))
	for _, a := range out.Removed {
		names = append(names, a.Name)
	}

	if outputJSON {
		return writeJSON(PruneOutput{Removed: names})
	}
	if len(names) == 0 {
		printInfo("No expired artifacts")
		return nil
	}
	for _, a := range out.Removed {
		printSubtle(fmt.Sprintf("  %s (%s, stored %s)", a.Name, a.Stage, a.CreatedAt.Format("2006-01-02")))
	}
	printSuccess(fmt.Sprintf("Removed %d expired artifact(s)", len(names)))
	return nil
}
