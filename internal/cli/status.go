package cli

import (
	"errors"
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/relicta-tech/shipyard/internal/domain/release/app"
	"github.com/relicta-tech/shipyard/internal/domain/release/domain"
	"github.com/relicta-tech/shipyard/internal/domain/release/ports"
	"github.com/relicta-tech/shipyard/internal/ui"
)

var (
	statusFlags releaseFlags
	statusRunID string
)

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show the latest run of a channel",
	Long: `Display the state of the latest run on a channel, or of one run by ID,
and which run currently holds the channel lock.

Examples:
  # Latest beta run on main
  shipyard status -t beta -b main

  # A specific run
  shipyard status --run 6f1c2a9e-...

  # Output as JSON
  shipyard status -t beta -b main --json`,
	RunE: runStatus,
}

func init() {
	rootCmd.AddCommand(statusCmd)

	statusFlags.addChannelFlags(statusCmd)
	statusCmd.Flags().StringVar(&statusRunID, "run", "", "show this run instead of the latest")
}

// StatusOutput represents the status command output.
type StatusOutput struct {
	Run     *domain.Run     `json:"run,omitempty"`
	Holder  *ports.LockInfo `json:"holder,omitempty"`
	Message string          `json:"message,omitempty"`
}

func runStatus(cmd *cobra.Command, args []string) error {
	ctx := cmd.Context()

	ch, err := statusFlags.channel()
	if err != nil {
		return err
	}

	c, err := newContainer(ctx, false)
	if err != nil {
		return err
	}
	defer func() { _ = c.Close() }()

	out, err := c.Status().Execute(ctx, app.GetStatusInput{
		Channel: ch,
		RunID:   domain.RunID(statusRunID),
	})
	if errors.Is(err, domain.ErrRunNotFound) {
		msg := fmt.Sprintf("No runs recorded for %s", ch)
		if statusRunID != "" {
			msg = fmt.Sprintf("Run %s not found", statusRunID)
		}
		if outputJSON {
			return writeJSON(StatusOutput{Message: msg})
		}
		printInfo(msg)
		return nil
	}
	if err != nil {
		return err
	}

	if outputJSON {
		return writeJSON(StatusOutput{Run: out.Run, Holder: out.Holder})
	}

	fmt.Fprintln(stdout, ui.RenderRunSummary(out.Run))
	if h := out.Holder; h != nil {
		printWarning(fmt.Sprintf("%s is locked by run %s (pid %d on %s, %s ago)",
			ch, h.RunID.Short(), h.HolderPID, h.Hostname, time.Since(h.AcquiredAt).Round(time.Second)))
	}
	return nil
}
