// Package container wires the release orchestrator's services from configuration.
package container

import (
	"context"
	"io"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/charmbracelet/log"
	"github.com/hashicorp/go-hclog"

	"github.com/relicta-tech/shipyard/internal/config"
	"github.com/relicta-tech/shipyard/internal/domain/release/adapters"
	"github.com/relicta-tech/shipyard/internal/domain/release/app"
	"github.com/relicta-tech/shipyard/internal/domain/release/ports"
	"github.com/relicta-tech/shipyard/internal/errors"
	"github.com/relicta-tech/shipyard/internal/infrastructure/git"
	"github.com/relicta-tech/shipyard/internal/infrastructure/github"
	"github.com/relicta-tech/shipyard/internal/infrastructure/template"
	"github.com/relicta-tech/shipyard/internal/infrastructure/tool"
	"github.com/relicta-tech/shipyard/internal/infrastructure/versionfile"
	"github.com/relicta-tech/shipyard/internal/infrastructure/webhook"
	"github.com/relicta-tech/shipyard/internal/observability"
	"github.com/relicta-tech/shipyard/internal/plugin"
	"github.com/relicta-tech/shipyard/internal/plugin/audit"
	"github.com/relicta-tech/shipyard/internal/secrets"
)

// defaultShutdownTimeout is the default timeout for graceful shutdown of components.
const defaultShutdownTimeout = 10 * time.Second

// auditLogPath is the plugin audit log, relative to the state directory.
var auditLogPath = filepath.Join("audit", "plugins.jsonl")

// Closeable represents a component that can be closed/shutdown.
type Closeable interface {
	Close() error
}

// Options carries what the container cannot read from configuration.
type Options struct {
	// Root is the project root. Defaults to the working directory.
	Root    string
	Logger  *log.Logger
	Version string
}

// Container builds and owns the orchestrator's services.
type Container struct {
	config *config.Config
	opts   Options
	logger *log.Logger
	mu     sync.RWMutex
	closed bool

	stateDir string

	// State layer: enough for status, plan and prune.
	repo   *adapters.FileRunRepository
	lock   *adapters.FileLockManager
	store  *adapters.FileArtifactStore
	clock  ports.Clock
	ledger *adapters.FileVersionCodeLedger

	// Pipeline layer.
	history   *git.History
	notes     ports.NotesGenerator
	publisher ports.ReleasePublisher
	versions  *versionfile.Reader
	renderer  *template.Renderer
	vault     *secrets.Vault
	plugins   *plugin.Manager
	notifier  *webhook.Notifier
	metrics   *observability.Metrics

	metadataUC *app.GenerateMetadataUseCase
	stages     *app.StageFactory

	initialized bool

	// Cleanup tracking
	closeables []Closeable
}

// New creates a container with the given configuration.
func New(cfg *config.Config, opts Options) (*Container, error) {
	if cfg == nil {
		return nil, errors.Config("container.New", "configuration is required")
	}
	if opts.Root == "" {
		wd, err := os.Getwd()
		if err != nil {
			return nil, errors.IOWrap(err, "container.New", "failed to resolve working directory")
		}
		opts.Root = wd
	}
	logger := opts.Logger
	if logger == nil {
		logger = log.New(io.Discard)
	}

	stateDir := cfg.Orchestrator.StateDir
	if stateDir == "" {
		stateDir = ".shipyard"
	}
	if !filepath.IsAbs(stateDir) {
		stateDir = filepath.Join(opts.Root, stateDir)
	}

	c := &Container{
		config:     cfg,
		opts:       opts,
		logger:     logger,
		stateDir:   stateDir,
		clock:      adapters.NewRealClock(),
		closeables: make([]Closeable, 0),
	}
	c.initState()
	return c, nil
}

// initState creates the file-backed state adapters. They touch the disk
// lazily, so this never fails.
func (c *Container) initState() {
	artifactsDir := c.config.Artifacts.Dir
	if artifactsDir == "" {
		artifactsDir = filepath.Join(c.stateDir, "artifacts")
	} else if !filepath.IsAbs(artifactsDir) {
		artifactsDir = filepath.Join(c.opts.Root, artifactsDir)
	}

	c.repo = adapters.NewFileRunRepository(c.stateDir)
	c.ledger = adapters.NewFileVersionCodeLedger(c.stateDir)
	c.store = adapters.NewOSArtifactStore(artifactsDir)

	var lockOpts []adapters.LockOption
	if c.config.Concurrency.StaleAfter > 0 {
		lockOpts = append(lockOpts, adapters.WithStaleAfter(c.config.Concurrency.StaleAfter))
	}
	c.lock = adapters.NewFileLockManager(c.stateDir, lockOpts...)
}

// registerCloseable registers a component for cleanup during shutdown.
func (c *Container) registerCloseable(closeable Closeable) {
	if closeable != nil {
		c.closeables = append(c.closeables, closeable)
	}
}

// RegisterCloseable allows external components to register for cleanup during shutdown.
// Components are closed in reverse order of registration (LIFO).
func (c *Container) RegisterCloseable(closeable Closeable) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.registerCloseable(closeable)
}

// Initialize builds the pipeline layer: history, tools, plugins and the
// stage factory. Commands that only read state skip it.
func (c *Container) Initialize(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.closed {
		return errors.State("Initialize", "container is closed")
	}
	if c.initialized {
		return nil
	}

	if err := c.initInfrastructure(ctx); err != nil {
		return err
	}
	if err := c.initPluginSystem(); err != nil {
		return err
	}
	c.initApplicationLayer()
	c.initialized = true
	return nil
}

// initInfrastructure initializes infrastructure layer components.
func (c *Container) initInfrastructure(ctx context.Context) error {
	var err error

	c.history, err = git.Open(c.opts.Root)
	if err != nil {
		return err
	}
	c.versions = versionfile.NewReader(c.opts.Root, c.config.Versioning.VersionFile)

	c.renderer, err = template.NewRenderer()
	if err != nil {
		return errors.TemplateWrap(err, "initInfrastructure", "failed to create template renderer")
	}

	c.vault, err = secrets.NewVault(secretDefinitions(c.config.Secrets),
		secrets.WithTempDir(filepath.Join(c.stateDir, "secrets")))
	if err != nil {
		return err
	}

	// GitHub release notes and the pre-release need credentials; without
	// them notes come from local history and github_release fails.
	gh := c.config.Changelog.GitHub
	token := gh.Token
	if token == "" {
		token = github.TokenFromEnv()
	}
	if gh.Owner != "" && gh.Repo != "" && token != "" {
		var opts []github.Option
		if gh.BaseURL != "" {
			opts = append(opts, github.WithBaseURL(gh.BaseURL))
		}
		client, err := github.NewClient(ctx, gh.Owner, gh.Repo, token, opts...)
		if err != nil {
			return err
		}
		c.notes = client
		c.publisher = client
	} else {
		c.logger.Debug("github not configured; release notes come from local history")
		c.notes = git.NewLocalNotes(c.history)
	}

	c.notifier = webhook.NewNotifier(c.config.Webhooks, c.renderer, webhook.WithLogger(c.logger))
	c.metrics = observability.NewMetrics(c.opts.Version)
	return nil
}

// initPluginSystem starts the plugin host when plugins are declared.
func (c *Container) initPluginSystem() error {
	if c.plugins != nil || len(c.config.Plugins) == 0 {
		return nil
	}

	auditLog, err := audit.NewLogger(filepath.Join(c.stateDir, auditLogPath))
	if err != nil {
		return errors.IOWrap(err, "initPluginSystem", "failed to open plugin audit log")
	}
	c.registerCloseable(auditLog)

	level := hclog.Warn
	if c.config.Output.Verbose || c.config.Output.LogLevel == "debug" {
		level = hclog.Debug
	}
	c.plugins = plugin.NewManager(c.config.Plugins,
		plugin.WithLogger(hclog.New(&hclog.LoggerOptions{
			Name:   "plugin",
			Level:  level,
			Output: os.Stderr,
		})),
		plugin.WithAuditLog(auditLog),
	)
	c.registerCloseable(c.plugins)
	return nil
}

// initApplicationLayer initializes application layer use cases.
func (c *Container) initApplicationLayer() {
	c.metadataUC = app.NewGenerateMetadataUseCase(c.history, c.versions, c.notes, c.ledger, c.store,
		app.WithBetaTagMarker(c.config.Versioning.BetaTagMarker),
		app.WithRetentionDays(c.config.Artifacts.RetentionDays),
		app.WithMetadataLogger(c.logger),
	)

	deps := app.StageFactoryDeps{
		Config:    c.config,
		Root:      c.opts.Root,
		WorkDir:   filepath.Join(c.stateDir, "work"),
		Store:     c.store,
		Runner:    tool.NewExecRunner(c.renderer, tool.WithLogger(c.logger)),
		Vault:     c.vault,
		Renderer:  c.renderer,
		Metadata:  c.metadataUC,
		Publisher: c.publisher,
		Logger:    c.logger,
	}
	if c.plugins != nil {
		deps.Plugins = c.plugins
	}
	c.stages = app.NewStageFactory(deps)
}

func secretDefinitions(cfg map[string]config.SecretConfig) []secrets.Definition {
	defs := make([]secrets.Definition, 0, len(cfg))
	for name, s := range cfg {
		defs = append(defs, secrets.Definition{
			Name:     name,
			Type:     secrets.Type(s.Type),
			Value:    s.Value,
			Env:      s.Env,
			File:     s.File,
			ExposeAs: s.ExposeAs,
		})
	}
	return defs
}

// RunRelease returns the run use case. events, when set, receives the
// run's domain events after every save.
func (c *Container) RunRelease(events ports.EventPublisher) (*app.RunReleaseUseCase, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if !c.initialized {
		return nil, errors.State("RunRelease", "container is not initialized")
	}

	var repo ports.RunRepository = c.repo
	if events != nil {
		repo = adapters.NewEventPublishingRepository(c.repo, events)
	}
	opts := []app.RunOption{
		app.WithMaxParallel(c.config.Orchestrator.MaxParallel),
		app.WithRunLogger(c.logger),
		app.WithRunClock(c.clock),
	}
	if c.notifier.Enabled() {
		opts = append(opts, app.WithNotifier(c.notifier))
	}
	return app.NewRunReleaseUseCase(c.stages, repo, c.lock, opts...), nil
}

// Metadata returns the metadata use case.
func (c *Container) Metadata() *app.GenerateMetadataUseCase {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.metadataUC
}

// Plan returns the plan use case.
func (c *Container) Plan() *app.PlanUseCase {
	return app.NewPlanUseCase()
}

// Status returns the status use case.
func (c *Container) Status() *app.GetStatusUseCase {
	return app.NewGetStatusUseCase(c.repo, c.lock)
}

// PruneArtifacts returns the retention sweep use case.
func (c *Container) PruneArtifacts() *app.PruneArtifactsUseCase {
	return app.NewPruneArtifactsUseCase(c.store, c.clock, c.logger)
}

// Runs returns the run repository.
func (c *Container) Runs() ports.RunRepository {
	return c.repo
}

// Metrics returns the run metrics, or nil before Initialize.
func (c *Container) Metrics() *observability.Metrics {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.metrics
}

// Plugins returns the plugin host, or nil when no plugins are declared.
func (c *Container) Plugins() *plugin.Manager {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.plugins
}

// LoadPlugins starts the plugin host without the rest of the pipeline.
// It returns nil when no plugins are declared.
func (c *Container) LoadPlugins() (*plugin.Manager, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return nil, errors.State("LoadPlugins", "container is closed")
	}
	if err := c.initPluginSystem(); err != nil {
		return nil, err
	}
	return c.plugins, nil
}

// Redact masks every secret value resolved by the pipeline so far.
func (c *Container) Redact(s string) string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.vault.Redact(s)
}

// StateDir returns the resolved state directory.
func (c *Container) StateDir() string {
	return c.stateDir
}

// Config returns the configuration.
func (c *Container) Config() *config.Config {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.config
}

// Close gracefully shuts down the container and all its components.
func (c *Container) Close() error {
	return c.CloseWithTimeout(defaultShutdownTimeout)
}

// CloseWithTimeout gracefully shuts down the container with a custom timeout.
func (c *Container) CloseWithTimeout(timeout time.Duration) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.closed {
		return nil
	}

	c.closed = true
	c.logger.Debug("initiating container shutdown", "timeout", timeout)

	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()

	// Close all registered closeables in reverse order (LIFO)
	var errs []error
	for i := len(c.closeables) - 1; i >= 0; i-- {
		if err := c.closeWithContext(ctx, c.closeables[i]); err != nil {
			errs = append(errs, err)
		}
	}

	if len(errs) > 0 {
		c.logger.Warn("some components failed to close cleanly", "error_count", len(errs))
		return errs[0]
	}
	return nil
}

// closeWithContext closes a component with context cancellation support.
func (c *Container) closeWithContext(ctx context.Context, closeable Closeable) error {
	done := make(chan error, 1)
	go func() {
		done <- closeable.Close()
	}()

	select {
	case err := <-done:
		return err
	case <-ctx.Done():
		c.logger.Warn("component close timed out", "error", ctx.Err())
		return ctx.Err()
	}
}

// NewInitialized creates and initializes a new container.
func NewInitialized(ctx context.Context, cfg *config.Config, opts Options) (*Container, error) {
	c, err := New(cfg, opts)
	if err != nil {
		return nil, err
	}

	if err := c.Initialize(ctx); err != nil {
		return nil, err
	}

	return c, nil
}
