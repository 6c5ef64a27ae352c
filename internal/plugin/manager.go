// Package plugin hosts tool plugins: separate binaries, started through
// hashicorp/go-plugin, that perform the work of build and publish stages.
package plugin

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"sort"
	"sync"
	"time"

	"github.com/hashicorp/go-hclog"
	goplugin "github.com/hashicorp/go-plugin"
	"golang.org/x/sync/semaphore"

	"github.com/relicta-tech/shipyard/internal/config"
	rperrors "github.com/relicta-tech/shipyard/internal/errors"
	"github.com/relicta-tech/shipyard/internal/plugin/audit"
	"github.com/relicta-tech/shipyard/internal/plugin/sandbox"
	"github.com/relicta-tech/shipyard/pkg/plugin"
)

// DefaultInvokeTimeout bounds one Invoke call when the plugin sets none.
// Store uploads of large bundles are slow, so the default is generous.
const DefaultInvokeTimeout = 30 * time.Minute

// DefaultMaxConcurrent limits how many plugin calls run at once.
const DefaultMaxConcurrent = 8

// describeTimeout bounds the Describe call made when a plugin starts.
const describeTimeout = 10 * time.Second

// Manager starts declared plugins on first use and routes stage
// invocations to them.
type Manager struct {
	mu         sync.RWMutex
	configs    map[string]config.PluginConfig
	plugins    map[string]*loadedPlugin
	loadOnce   map[string]*sync.Once
	loadErrors map[string]error
	logger     hclog.Logger
	audit      *audit.Logger
	limiter    *semaphore.Weighted
}

// loadedPlugin represents a started plugin.
type loadedPlugin struct {
	name    string
	client  *goplugin.Client
	tool    plugin.Tool
	info    plugin.Info
	timeout time.Duration
}

// Option configures a Manager.
type Option func(*Manager)

// WithLogger sets the hclog logger handed to go-plugin.
func WithLogger(l hclog.Logger) Option {
	return func(m *Manager) {
		if l != nil {
			m.logger = l
		}
	}
}

// WithAuditLog records loads and invocations to a.
func WithAuditLog(a *audit.Logger) Option {
	return func(m *Manager) { m.audit = a }
}

// WithMaxConcurrent limits concurrent plugin calls.
func WithMaxConcurrent(n int) Option {
	return func(m *Manager) {
		if n > 0 {
			m.limiter = semaphore.NewWeighted(int64(n))
		}
	}
}

// NewManager registers plugins for lazy loading. Nothing is started until
// a stage invokes a plugin.
func NewManager(plugins []config.PluginConfig, opts ...Option) *Manager {
	m := &Manager{
		configs:    make(map[string]config.PluginConfig, len(plugins)),
		plugins:    make(map[string]*loadedPlugin, len(plugins)),
		loadOnce:   make(map[string]*sync.Once, len(plugins)),
		loadErrors: make(map[string]error),
		logger: hclog.New(&hclog.LoggerOptions{
			Name:   "plugin",
			Level:  hclog.Warn,
			Output: os.Stderr,
		}),
		limiter: semaphore.NewWeighted(DefaultMaxConcurrent),
	}
	for _, opt := range opts {
		opt(m)
	}
	for _, p := range plugins {
		m.configs[p.Name] = p
		m.loadOnce[p.Name] = &sync.Once{}
	}
	return m
}

// Names returns the declared plugin names, sorted.
func (m *Manager) Names() []string {
	m.mu.RLock()
	defer m.mu.RUnlock()
	names := make([]string, 0, len(m.configs))
	for name := range m.configs {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Describe starts the named plugin if needed and returns its metadata.
func (m *Manager) Describe(ctx context.Context, name string) (plugin.Info, error) {
	lp, err := m.ensureLoaded(ctx, name)
	if err != nil {
		return plugin.Info{}, err
	}
	return lp.info, nil
}

// Invoke runs one stage through the named plugin. A response with
// Success false becomes a KindPlugin error, recoverable when the plugin
// marks it retryable.
func (m *Manager) Invoke(ctx context.Context, name string, req plugin.InvokeRequest) (*plugin.InvokeResponse, error) {
	const op = "plugin.Invoke"

	lp, err := m.ensureLoaded(ctx, name)
	if err != nil {
		return nil, err
	}
	if req.Kind != "" && !lp.info.Supports(req.Kind) {
		return nil, rperrors.Plugin(op, fmt.Sprintf("plugin %s does not support %s stages", name, req.Kind))
	}

	if err := m.limiter.Acquire(ctx, 1); err != nil {
		return nil, rperrors.CanceledWrap(err, op, fmt.Sprintf("stage %s canceled before plugin %s ran", req.Stage, name))
	}
	defer m.limiter.Release(1)

	callCtx, cancel := context.WithTimeout(ctx, lp.timeout)
	defer cancel()

	start := time.Now()
	resp, err := lp.tool.Invoke(callCtx, req)
	elapsed := time.Since(start)

	switch {
	case err != nil && ctx.Err() != nil:
		_ = m.audit.Invoke(name, req.RunID, req.Stage, elapsed, "canceled")
		return nil, rperrors.CanceledWrap(ctx.Err(), op, fmt.Sprintf("stage %s canceled", req.Stage))
	case err != nil && errors.Is(callCtx.Err(), context.DeadlineExceeded):
		_ = m.audit.Timeout(name, req.RunID, req.Stage, elapsed)
		return nil, rperrors.TimeoutWrap(err, op, fmt.Sprintf("plugin %s timed out after %s", name, lp.timeout))
	case err != nil:
		_ = m.audit.Invoke(name, req.RunID, req.Stage, elapsed, err.Error())
		return nil, rperrors.PluginWrap(err, op, fmt.Sprintf("plugin %s call failed", name))
	case resp == nil:
		resp = &plugin.InvokeResponse{Success: true}
	}

	if !resp.Success {
		msg := resp.Error
		if msg == "" {
			msg = "reported failure"
		}
		_ = m.audit.Invoke(name, req.RunID, req.Stage, elapsed, msg)
		e := rperrors.Plugin(op, fmt.Sprintf("plugin %s: %s", name, msg))
		e.Recoverable = resp.Retryable
		return resp, e
	}

	_ = m.audit.Invoke(name, req.RunID, req.Stage, elapsed, "")
	m.logger.Debug("plugin invoked", "plugin", name, "stage", req.Stage, "duration", elapsed)
	return resp, nil
}

// ensureLoaded starts a plugin once; later calls reuse it or its error.
func (m *Manager) ensureLoaded(ctx context.Context, name string) (*loadedPlugin, error) {
	m.mu.RLock()
	if lp, ok := m.plugins[name]; ok {
		m.mu.RUnlock()
		return lp, nil
	}
	if err, ok := m.loadErrors[name]; ok {
		m.mu.RUnlock()
		return nil, err
	}
	cfg, hasCfg := m.configs[name]
	once := m.loadOnce[name]
	m.mu.RUnlock()

	if !hasCfg {
		return nil, rperrors.Plugin("plugin.Load", fmt.Sprintf("plugin not declared: %s", name))
	}

	once.Do(func() {
		lp, err := m.load(ctx, cfg)
		m.mu.Lock()
		defer m.mu.Unlock()
		if err != nil {
			m.loadErrors[name] = err
			return
		}
		m.plugins[name] = lp
	})

	m.mu.RLock()
	defer m.mu.RUnlock()
	if err, ok := m.loadErrors[name]; ok {
		return nil, err
	}
	return m.plugins[name], nil
}

func (m *Manager) load(ctx context.Context, cfg config.PluginConfig) (*loadedPlugin, error) {
	const op = "plugin.Load"

	path, err := resolveBinary(cfg)
	if err != nil {
		_ = m.audit.Rejected(cfg.Name, err.Error())
		return nil, rperrors.PluginWrap(err, op, fmt.Sprintf("plugin %s rejected", cfg.Name))
	}

	cmd := exec.Command(path) // #nosec G204 -- path is declared in the project configuration and validated
	sb := sandbox.New(cfg.Name, sandbox.Policy{AllowedEnv: cfg.AllowedEnv})
	if err := sb.PrepareCommand(cmd); err != nil {
		return nil, rperrors.PluginWrap(err, op, "failed to prepare plugin command")
	}

	client := goplugin.NewClient(&goplugin.ClientConfig{
		HandshakeConfig:  plugin.Handshake,
		Plugins:          plugin.PluginMap,
		Cmd:              cmd,
		SkipHostEnv:      true,
		AllowedProtocols: []goplugin.Protocol{goplugin.ProtocolGRPC},
		Logger:           m.logger.Named(cfg.Name),
	})

	lp, err := m.dispense(ctx, cfg, client)
	if err != nil {
		client.Kill()
		_ = m.audit.Load(cfg.Name, err.Error())
		return nil, err
	}
	_ = m.audit.Load(cfg.Name, "")
	m.logger.Info("plugin loaded", "name", cfg.Name, "version", lp.info.Version)
	return lp, nil
}

func (m *Manager) dispense(ctx context.Context, cfg config.PluginConfig, client *goplugin.Client) (*loadedPlugin, error) {
	const op = "plugin.Load"

	rpcClient, err := client.Client()
	if err != nil {
		return nil, rperrors.PluginWrap(err, op, fmt.Sprintf("failed to start plugin %s", cfg.Name))
	}
	raw, err := rpcClient.Dispense(plugin.PluginName)
	if err != nil {
		return nil, rperrors.PluginWrap(err, op, fmt.Sprintf("failed to dispense plugin %s", cfg.Name))
	}
	tool, ok := raw.(plugin.Tool)
	if !ok {
		return nil, rperrors.Plugin(op, fmt.Sprintf("plugin %s does not implement the tool interface", cfg.Name))
	}

	dctx, cancel := context.WithTimeout(ctx, describeTimeout)
	defer cancel()
	info, err := tool.Describe(dctx)
	if err != nil {
		return nil, rperrors.PluginWrap(err, op, fmt.Sprintf("plugin %s did not describe itself", cfg.Name))
	}

	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = DefaultInvokeTimeout
	}
	return &loadedPlugin{name: cfg.Name, client: client, tool: tool, info: info, timeout: timeout}, nil
}

// Close stops every started plugin.
func (m *Manager) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for name, lp := range m.plugins {
		if lp.client != nil {
			lp.client.Kill()
		}
		_ = m.audit.Unload(name)
		delete(m.plugins, name)
	}
	return nil
}

// validatePluginName checks if the plugin name contains only allowed characters.
func validatePluginName(name string) error {
	if name == "" {
		return fmt.Errorf("plugin name cannot be empty")
	}
	if len(name) > 64 {
		return fmt.Errorf("plugin name too long (max 64 characters)")
	}
	for _, r := range name {
		if (r < 'a' || r > 'z') && (r < 'A' || r > 'Z') && (r < '0' || r > '9') && r != '-' && r != '_' {
			return fmt.Errorf("plugin name contains invalid character: %q", r)
		}
	}
	return nil
}

// resolveBinary returns the real path of the plugin executable.
func resolveBinary(cfg config.PluginConfig) (string, error) {
	if err := validatePluginName(cfg.Name); err != nil {
		return "", err
	}
	if cfg.Path == "" {
		return "", fmt.Errorf("no path configured")
	}

	absPath, err := filepath.Abs(cfg.Path)
	if err != nil {
		return "", fmt.Errorf("failed to resolve plugin path: %w", err)
	}
	realPath, err := filepath.EvalSymlinks(absPath)
	if err != nil {
		return "", fmt.Errorf("plugin binary not accessible: %w", err)
	}

	info, err := os.Stat(realPath)
	if err != nil {
		return "", fmt.Errorf("plugin binary not accessible: %w", err)
	}
	if !info.Mode().IsRegular() {
		return "", fmt.Errorf("plugin path is not a regular file")
	}
	if info.Mode()&0o111 == 0 {
		return "", fmt.Errorf("plugin binary is not executable")
	}
	return realPath, nil
}
