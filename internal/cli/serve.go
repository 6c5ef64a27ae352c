package cli

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/relicta-tech/shipyard/internal/httpserver"
)

var (
	serveFlags   releaseFlags
	serveAddress string
)

// defaultMonitorAddress is used when neither --address nor monitor.address is set.
const defaultMonitorAddress = "127.0.0.1:8080"

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Start the run monitor",
	Long: `Start the run monitor for a channel without running a release.

The monitor reads run records from the state directory, so it can watch
runs started by other shipyard processes on the same machine:

  GET /healthz            liveness
  GET /api/v1/runs        recent runs on the channel
  GET /api/v1/runs/latest latest run on the channel
  GET /api/v1/runs/{id}   one run
  GET /api/v1/ws          live events (during shipyard run --monitor-addr)

Examples:
  shipyard serve -t beta -b main
  shipyard serve -t beta -b main --address 0.0.0.0:9000`,
	RunE: runServe,
}

func init() {
	rootCmd.AddCommand(serveCmd)

	serveFlags.addChannelFlags(serveCmd)
	serveCmd.Flags().StringVar(&serveAddress, "address", "", "address to listen on (default: monitor.address or "+defaultMonitorAddress+")")
}

func runServe(cmd *cobra.Command, args []string) error {
	ctx := cmd.Context()

	ch, err := serveFlags.channel()
	if err != nil {
		return err
	}

	c, err := newContainer(ctx, false)
	if err != nil {
		return err
	}
	defer func() { _ = c.Close() }()

	monitorCfg := cfg.Monitor
	switch {
	case serveAddress != "":
		monitorCfg.Address = serveAddress
	case monitorCfg.Address == "":
		monitorCfg.Address = defaultMonitorAddress
	}

	srv := httpserver.NewServer(httpserver.ServerDeps{
		Config:  monitorCfg,
		Runs:    c.Runs(),
		Channel: ch,
		Logger:  logger,
		Version: versionInfo.Version,
	})
	if err := srv.Listen(); err != nil {
		return err
	}

	printSuccess(fmt.Sprintf("Run monitor for %s at http://%s", ch, srv.Address()))
	printSubtle("Press Ctrl+C to stop")

	if err := srv.Start(ctx); err != nil {
		return fmt.Errorf("server error: %w", err)
	}
	return nil
}
