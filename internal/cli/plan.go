package cli

import (
	"context"
	"fmt"
	"path/filepath"
	"strings"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/spf13/cobra"

	"github.com/relicta-tech/shipyard/internal/config"
	"github.com/relicta-tech/shipyard/internal/domain/release/app"
)

var (
	planFlags releaseFlags
	planWatch bool
)

// planDebounce collapses the burst of events an editor save produces.
const planDebounce = 200 * time.Millisecond

var planCmd = &cobra.Command{
	Use:   "plan",
	Short: "Show which stages a release would run",
	Long: `Show the release graph for a gate without running anything.

Every stage is listed in execution order with its dependencies and
whether it would run or be skipped, assuming every stage that runs
succeeds.

Examples:
  # Plan a beta release publishing Android
  shipyard plan -t beta -b main --publish-android

  # Re-plan whenever the config file changes
  shipyard plan -t beta -b main --watch`,
	RunE: runPlan,
}

func init() {
	rootCmd.AddCommand(planCmd)

	planFlags.addChannelFlags(planCmd)
	planFlags.addGateFlags(planCmd)
	planCmd.Flags().BoolVarP(&planWatch, "watch", "w", false, "re-plan when the config file changes")
}

func runPlan(cmd *cobra.Command, args []string) error {
	if err := printPlan(cmd); err != nil {
		return err
	}
	if !planWatch {
		return nil
	}
	return watchConfig(cmd.Context(), func() {
		if err := loadAndValidateConfig(); err != nil {
			printError(err.Error())
			return
		}
		fmt.Fprintln(stdout)
		if err := printPlan(cmd); err != nil {
			printError(err.Error())
		}
	})
}

func printPlan(cmd *cobra.Command) error {
	ch, err := planFlags.channel()
	if err != nil {
		return err
	}
	out, err := app.NewPlanUseCase().Execute(cmd.Context(), app.PlanInput{
		Gate: planFlags.gate(cmd, ch),
		Only: planFlags.only,
	})
	if err != nil {
		return err
	}

	if outputJSON {
		return writeJSON(out)
	}

	printTitle(fmt.Sprintf("Release plan for %s", ch))
	fmt.Fprintln(stdout)
	for _, s := range out.Stages {
		indent := strings.Repeat("  ", s.Depth)
		if s.WillRun {
			fmt.Fprintf(stdout, "  %s%s %s\n", indent, styles.Success.Render("●"), s.Name)
			continue
		}
		fmt.Fprintf(stdout, "  %s%s %s %s\n", indent, styles.Subtle.Render("○"), styles.Subtle.Render(s.Name),
			styles.Subtle.Render("("+s.Reason+")"))
	}
	fmt.Fprintln(stdout)
	printSubtle(fmt.Sprintf("%d to run, %d skipped", out.Run, out.Skip))
	return nil
}

// watchConfig calls onChange after the config file is written, until ctx
// is done. The directory is watched so editors that replace the file on
// save keep triggering.
func watchConfig(ctx context.Context, onChange func()) error {
	path := cfgFile
	if path == "" {
		found, err := config.FindConfigFile(".")
		if err != nil {
			return fmt.Errorf("no config file to watch: %w", err)
		}
		path = found
	}
	path, err := filepath.Abs(path)
	if err != nil {
		return err
	}

	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("failed to create watcher: %w", err)
	}
	defer func() { _ = watcher.Close() }()

	if err := watcher.Add(filepath.Dir(path)); err != nil {
		return fmt.Errorf("failed to watch %s: %w", path, err)
	}
	printSubtle(fmt.Sprintf("Watching %s (Ctrl+C to stop)", path))

	var debounce <-chan time.Time
	for {
		select {
		case <-ctx.Done():
			return nil
		case ev, ok := <-watcher.Events:
			if !ok {
				return nil
			}
			if filepath.Clean(ev.Name) != path || ev.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Rename) == 0 {
				continue
			}
			debounce = time.After(planDebounce)
		case err, ok := <-watcher.Errors:
			if !ok {
				return nil
			}
			logger.Warn("config watcher error", "error", err)
		case <-debounce:
			debounce = nil
			onChange()
		}
	}
}
