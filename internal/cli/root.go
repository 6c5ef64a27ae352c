// Package cli provides the command-line interface for shipyard.
package cli

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"

	"github.com/charmbracelet/lipgloss"
	"github.com/charmbracelet/log"
	"github.com/muesli/termenv"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/relicta-tech/shipyard/internal/config"
	"github.com/relicta-tech/shipyard/internal/domain/release/app"
	rperrors "github.com/relicta-tech/shipyard/internal/errors"
	"github.com/relicta-tech/shipyard/internal/security"
)

var (
	// Version information set by main.
	versionInfo struct {
		Version string
		Commit  string
		Date    string
	}

	// Global flags
	cfgFile    string
	verbose    bool
	outputJSON bool
	noColor    bool
	logLevel   string

	// Global config
	cfg *config.Config

	// Logger
	logger *log.Logger

	// logOutput masks secrets in everything the logger writes.
	logOutput = security.NewMaskedWriter(os.Stderr)

	// logFile holds the log file handle for cleanup
	logFile *os.File

	// stdout is where command results go; tests replace it.
	stdout io.Writer = os.Stdout

	// Styles
	styles = struct {
		Title   lipgloss.Style
		Success lipgloss.Style
		Error   lipgloss.Style
		Warning lipgloss.Style
		Info    lipgloss.Style
		Subtle  lipgloss.Style
		Bold    lipgloss.Style
	}{
		Title:   lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("99")),
		Success: lipgloss.NewStyle().Foreground(lipgloss.Color("42")),
		Error:   lipgloss.NewStyle().Foreground(lipgloss.Color("196")),
		Warning: lipgloss.NewStyle().Foreground(lipgloss.Color("214")),
		Info:    lipgloss.NewStyle().Foreground(lipgloss.Color("33")),
		Subtle:  lipgloss.NewStyle().Foreground(lipgloss.Color("241")),
		Bold:    lipgloss.NewStyle().Bold(true),
	}
)

// errRunFailed is returned when a run finished with failed or blocked stages.
// The summary has already been printed.
var errRunFailed = errors.New("release run failed")

// SetVersionInfo sets the version information from main.
func SetVersionInfo(version, commit, date string) {
	versionInfo.Version = version
	versionInfo.Commit = commit
	versionInfo.Date = date
}

// rootCmd represents the base command when called without any subcommands.
var rootCmd = &cobra.Command{
	Use:   "shipyard",
	Short: "Multi-platform release orchestrator",
	Long: `shipyard runs a release as a graph of stages: it derives the version and
changelog, builds Android, iOS, desktop and web artifacts in parallel,
publishes them to their stores and records a GitHub pre-release.

Runs on the same release type and branch are serialized; runs on
different channels proceed concurrently.

Get started with 'shipyard plan' to see which stages a release would run.`,
	SilenceUsage:  true,
	SilenceErrors: true,
}

// Execute runs the root command.
func Execute() error {
	return rootCmd.Execute()
}

// ExecuteContext runs the root command with a context for graceful shutdown.
func ExecuteContext(ctx context.Context) error {
	return rootCmd.ExecuteContext(ctx)
}

// ExitCode reports err on stderr and maps it to a process exit code:
// 0 on success, 130 when interrupted, 1 otherwise.
func ExitCode(ctx context.Context, err error) int {
	if err == nil {
		return 0
	}
	if ctx.Err() != nil || rperrors.IsKind(err, rperrors.KindCanceled) || errors.Is(err, context.Canceled) {
		fmt.Fprintln(os.Stderr, "Operation canceled")
		return 130
	}
	if !errors.Is(err, errRunFailed) {
		// Print the error since SilenceErrors is enabled in cobra
		fmt.Fprintf(os.Stderr, "Error: %v\n", rperrors.RedactError(err))
	}
	return 1
}

func init() {
	// Assigned here rather than in the rootCmd literal to avoid an
	// initialization cycle (initConfig -> applyGlobalFlags -> rootCmd).
	rootCmd.PersistentPreRunE = func(cmd *cobra.Command, args []string) error {
		// Skip config loading for version and help commands
		if cmd.Name() == "version" || cmd.Name() == "help" {
			return nil
		}
		return initConfig()
	}

	// JSON format and log level are configured in initConfig based on flags
	logger = log.NewWithOptions(logOutput, log.Options{
		ReportTimestamp: true,
		ReportCaller:    false,
	})

	// Global flags
	rootCmd.PersistentFlags().StringVarP(&cfgFile, "config", "c", "", "config file (default: shipyard.yaml)")
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "enable verbose output")
	rootCmd.PersistentFlags().BoolVar(&outputJSON, "json", false, "output results as JSON")
	rootCmd.PersistentFlags().BoolVar(&noColor, "no-color", false, "disable colored output")
	rootCmd.PersistentFlags().StringVar(&logLevel, "log-level", "info", "log level (debug, info, warn, error)")

	// Bind flags to viper
	_ = viper.BindPFlag("output.verbose", rootCmd.PersistentFlags().Lookup("verbose"))
	_ = viper.BindPFlag("output.log_level", rootCmd.PersistentFlags().Lookup("log-level"))

	rootCmd.AddCommand(versionCmd)
}

// loadAndValidateConfig loads and validates the configuration.
func loadAndValidateConfig() error {
	loader := config.NewLoader()

	if cfgFile != "" {
		loader.WithConfigPath(cfgFile)
	}

	loaded, err := loader.Load()
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}

	validator := config.NewValidator().WithKnownStages(app.StageNames()...)
	if err := validator.Validate(loaded); err != nil {
		return fmt.Errorf("invalid configuration: %w", err)
	}
	for _, w := range validator.Warnings() {
		logger.Warn("config", "warning", w)
	}

	cfg = loaded
	return nil
}

// applyGlobalFlags applies global CLI flags to the configuration.
func applyGlobalFlags() {
	if verbose {
		cfg.Output.Verbose = true
	}

	if logLevel != "" && rootCmd.PersistentFlags().Changed("log-level") {
		cfg.Output.LogLevel = logLevel
	}

	if noColor {
		cfg.Output.Color = false
		lipgloss.SetColorProfile(termenv.Ascii)
	}
}

// configureLoggerFormat configures the logger format based on settings.
func configureLoggerFormat() {
	if outputJSON || cfg.Output.Format == "json" {
		logger.SetFormatter(log.JSONFormatter)
		logger.SetReportTimestamp(true)
	} else if !cfg.Output.Color || noColor {
		logger.SetFormatter(log.TextFormatter)
	}
}

// configureLogLevel sets the logger level based on configuration.
func configureLogLevel() {
	switch cfg.Output.LogLevel {
	case "debug":
		logger.SetLevel(log.DebugLevel)
	case "warn":
		logger.SetLevel(log.WarnLevel)
	case "error":
		logger.SetLevel(log.ErrorLevel)
	default:
		logger.SetLevel(log.InfoLevel)
	}

	if cfg.Output.Verbose {
		logger.SetLevel(log.DebugLevel)
	}
}

// configureLogFile sets up log file output if specified.
func configureLogFile() error {
	if cfg.Output.LogFile == "" {
		return nil
	}

	var err error
	logFile, err = os.OpenFile(cfg.Output.LogFile, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o600)
	if err != nil {
		return fmt.Errorf("failed to open log file: %w", err)
	}
	logOutput.SetOutput(logFile)
	return nil
}

// initConfig reads in config file and ENV variables if set.
func initConfig() error {
	if err := loadAndValidateConfig(); err != nil {
		return err
	}

	applyGlobalFlags()

	configureLoggerFormat()
	configureLogLevel()

	return configureLogFile()
}

// Cleanup closes any open resources. Should be called before program exit.
func Cleanup() {
	if logFile != nil {
		_ = logFile.Close()
		logFile = nil
	}
}

// versionCmd prints version information.
var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print version information",
	Run: func(cmd *cobra.Command, args []string) {
		fmt.Fprintf(stdout, "shipyard %s\n", versionInfo.Version)
		if verbose {
			fmt.Fprintf(stdout, "  commit: %s\n", versionInfo.Commit)
			fmt.Fprintf(stdout, "  built:  %s\n", versionInfo.Date)
		}
	},
}

// Helper functions for output

func printSuccess(msg string) {
	fmt.Fprintln(stdout, styles.Success.Render("✓ "+msg))
}

func printError(msg string) {
	fmt.Fprintln(stdout, styles.Error.Render("✗ "+msg))
}

func printWarning(msg string) {
	fmt.Fprintln(stdout, styles.Warning.Render("⚠ "+msg))
}

func printInfo(msg string) {
	fmt.Fprintln(stdout, styles.Info.Render("ℹ "+msg))
}

func printTitle(msg string) {
	fmt.Fprintln(stdout, styles.Title.Render(msg))
}

func printSubtle(msg string) {
	fmt.Fprintln(stdout, styles.Subtle.Render(msg))
}

// IsJSONOutput returns true if JSON output is enabled.
func IsJSONOutput() bool {
	return outputJSON
}
