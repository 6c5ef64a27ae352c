package cli

import (
	"context"
	"fmt"
	"os"
	"time"

	"github.com/spf13/cobra"

	"github.com/relicta-tech/shipyard/internal/domain/release/app"
	"github.com/relicta-tech/shipyard/internal/domain/release/domain"
	"github.com/relicta-tech/shipyard/internal/domain/release/ports"
	"github.com/relicta-tech/shipyard/internal/httpserver"
	"github.com/relicta-tech/shipyard/internal/observability"
	"github.com/relicta-tech/shipyard/internal/pipeline"
	"github.com/relicta-tech/shipyard/internal/security"
	"github.com/relicta-tech/shipyard/internal/ui"
)

var (
	runFlags       releaseFlags
	runQueue       bool
	runTUI         bool
	runMonitorAddr string
	runMetricsOut  string
)

var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Run a release",
	Long: `Run the release graph for one channel.

The metadata stage derives the version, version code and changelogs.
Build stages then run in parallel, each publish stage starts as soon as
its build is done, and the GitHub pre-release is created last.

Only one run per channel (release type + branch) may be active. A second
run waits for the first to finish while concurrency.queue is true (the
default); with --queue=false it fails immediately instead.

Examples:
  # Internal release of dev, nothing published
  shipyard run --release-type internal --target-branch dev

  # Beta release publishing Android and web
  shipyard run -t beta -b main --publish-android --publish-web

  # Rebuild and republish web only
  shipyard run -t beta -b main --publish-web --only publish_web

  # Watch progress in the terminal and over HTTP
  shipyard run -t beta -b main --tui --monitor-addr 127.0.0.1:8080`,
	RunE: runRelease,
}

func init() {
	rootCmd.AddCommand(runCmd)

	runFlags.addChannelFlags(runCmd)
	runFlags.addGateFlags(runCmd)
	addQueueFlag(runCmd)
	runCmd.Flags().BoolVar(&runTUI, "tui", false, "show live progress")
	runCmd.Flags().StringVar(&runMonitorAddr, "monitor-addr", "", "serve the run monitor on this address while the run lasts")
	runCmd.Flags().StringVar(&runMetricsOut, "metrics-out", "", "write run metrics in Prometheus text format to this file")
}

// RunOutput is the JSON output of the run command.
type RunOutput struct {
	Run      *domain.Run `json:"run"`
	Failed   bool        `json:"failed"`
	Canceled bool        `json:"canceled"`
}

func addQueueFlag(cmd *cobra.Command) {
	cmd.Flags().BoolVar(&runQueue, "queue", false, "wait for a busy channel instead of failing (default from concurrency.queue)")
}

// queueEnabled resolves --queue against concurrency.queue.
func queueEnabled(cmd *cobra.Command) bool {
	if cmd.Flags().Changed("queue") {
		return runQueue
	}
	return cfg.Concurrency.Queue
}

func runRelease(cmd *cobra.Command, args []string) error {
	ctx := cmd.Context()

	ch, err := runFlags.channel()
	if err != nil {
		return err
	}
	gate := runFlags.gate(cmd, ch)
	queue := queueEnabled(cmd)

	c, err := newContainer(ctx, true)
	if err != nil {
		return err
	}
	defer func() { _ = c.Close() }()

	metrics := c.Metrics()
	subscribers := []pipeline.Subscriber{metrics.Observe}

	var events ports.EventPublisher
	if addr := monitorAddress(); addr != "" {
		srv, stop, err := startMonitor(ctx, addr, c.Runs(), ch, metrics)
		if err != nil {
			return err
		}
		defer stop()
		events = srv.EventBroadcaster()
		if !outputJSON {
			printInfo(fmt.Sprintf("Run monitor at http://%s", srv.Address()))
		}
	}

	uc, err := c.RunRelease(events)
	if err != nil {
		return err
	}

	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	var progress *ui.Progress
	if runTUI && !outputJSON && !security.InCI() {
		// Planned specs seed the view; the run publishes the same graph.
		g, err := app.BuildGraph(gate, runFlags.only, nil)
		if err != nil {
			return err
		}
		progress = ui.StartProgress(fmt.Sprintf("shipyard %s", ch), g.Specs(), cancel)
		subscribers = append(subscribers, progress.Subscriber())
	}

	metrics.RunStarted()
	start := time.Now()
	out, err := uc.Execute(runCtx, app.RunReleaseInput{
		Channel:     ch,
		Gate:        gate,
		Only:        runFlags.only,
		Queue:       queue,
		Subscribers: subscribers,
	})
	if progress != nil {
		msg := ""
		if err != nil {
			msg = err.Error()
		} else if out.Run.Error != "" {
			msg = out.Run.Error
		}
		if perr := progress.Finish(err != nil || out.Failed, msg); perr != nil {
			logger.Warn("progress view failed", "error", perr)
		}
	}
	if err != nil {
		return err
	}
	metrics.RecordRun(out.Failed, time.Since(start))

	if runMetricsOut != "" {
		if err := writeMetricsFile(runMetricsOut, metrics); err != nil {
			logger.Warn("failed to write metrics", "path", runMetricsOut, "error", err)
		}
	}

	if outputJSON {
		if err := writeJSON(RunOutput{Run: out.Run, Failed: out.Failed, Canceled: out.Canceled}); err != nil {
			return err
		}
	} else {
		fmt.Fprintln(stdout, ui.RenderRunSummary(out.Run))
		switch {
		case out.Canceled:
			printWarning("Run canceled")
		case out.Failed:
			printError(out.Run.Error)
		default:
			printSuccess(fmt.Sprintf("Released %s", releaseLabel(out.Run)))
		}
	}

	if out.Canceled {
		return context.Canceled
	}
	if out.Failed {
		return errRunFailed
	}
	return nil
}

func monitorAddress() string {
	if runMonitorAddr != "" {
		return runMonitorAddr
	}
	return cfg.Monitor.Address
}

// startMonitor serves the run monitor in the background. stop shuts it
// down and waits for it to exit.
func startMonitor(ctx context.Context, addr string, runs ports.RunRepository, ch domain.Channel, metrics *observability.Metrics) (*httpserver.Server, func(), error) {
	monitorCfg := cfg.Monitor
	monitorCfg.Address = addr

	srv := httpserver.NewServer(httpserver.ServerDeps{
		Config:  monitorCfg,
		Runs:    runs,
		Channel: ch,
		Metrics: metrics,
		Logger:  logger,
		Version: versionInfo.Version,
	})
	if err := srv.Listen(); err != nil {
		return nil, nil, err
	}

	monCtx, cancel := context.WithCancel(ctx)
	done := make(chan struct{})
	go func() {
		defer close(done)
		if err := srv.Start(monCtx); err != nil {
			logger.Warn("run monitor stopped", "error", err)
		}
	}()
	return srv, func() {
		cancel()
		<-done
	}, nil
}

func writeMetricsFile(path string, metrics *observability.Metrics) error {
	f, err := os.Create(path) // #nosec G304 -- path comes from a CLI flag
	if err != nil {
		return err
	}
	if _, err := metrics.WriteTo(f); err != nil {
		_ = f.Close()
		return err
	}
	return f.Close()
}

func releaseLabel(run *domain.Run) string {
	if md, ok := run.ReleaseMetadata(); ok {
		return fmt.Sprintf("%s (%d) on %s", md.Version, md.VersionCode, run.Channel)
	}
	return run.Channel.String()
}
