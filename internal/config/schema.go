// Package config provides configuration management for Shipyard.
package config

import (
	"time"
)

// Config is the root configuration for Shipyard.
type Config struct {
	// Release selects the channel a run targets.
	Release ReleaseConfig `mapstructure:"release" json:"release"`
	// Modules names the project module of each platform.
	Modules ModulesConfig `mapstructure:"modules" json:"modules"`
	// Gates are the default publish and build switches.
	Gates GatesConfig `mapstructure:"gates" json:"gates"`
	// Versioning configures version and version code derivation.
	Versioning VersioningConfig `mapstructure:"versioning" json:"versioning"`
	// Changelog configures host release notes.
	Changelog ChangelogConfig `mapstructure:"changelog" json:"changelog"`
	// Stages configures the tool each stage delegates to, keyed by stage
	// name. build_desktop applies to every desktop cell; a cell key such as
	// build_desktop[macos] overrides it.
	Stages map[string]StageConfig `mapstructure:"stages" json:"stages"`
	// Publish configures publish behavior.
	Publish PublishConfig `mapstructure:"publish" json:"publish"`
	// Artifacts configures the artifact store.
	Artifacts ArtifactsConfig `mapstructure:"artifacts" json:"artifacts"`
	// Concurrency configures channel serialization.
	Concurrency ConcurrencyConfig `mapstructure:"concurrency" json:"concurrency"`
	// Orchestrator configures the scheduler.
	Orchestrator OrchestratorConfig `mapstructure:"orchestrator" json:"orchestrator"`
	// Secrets defines credentials, keyed by secret name.
	Secrets map[string]SecretConfig `mapstructure:"secrets" json:"-"`
	// Plugins lists tool plugin binaries.
	Plugins []PluginConfig `mapstructure:"plugins" json:"plugins,omitempty"`
	// Webhooks configures run summary notifications.
	Webhooks []WebhookConfig `mapstructure:"webhooks" json:"webhooks,omitempty"`
	// Monitor configures the optional HTTP run monitor.
	Monitor MonitorConfig `mapstructure:"monitor" json:"monitor"`
	// Output configures output settings.
	Output OutputConfig `mapstructure:"output" json:"output"`
}

// ReleaseConfig selects the release channel.
type ReleaseConfig struct {
	// Type is internal or beta.
	Type string `mapstructure:"type" json:"type"`
	// TargetBranch is the branch being released (default: dev).
	TargetBranch string `mapstructure:"target_branch" json:"target_branch"`
}

// ModulesConfig names the module of each platform. The name is passed to
// command templates as .Module and is the default working directory.
type ModulesConfig struct {
	Android string `mapstructure:"android" json:"android"`
	IOS     string `mapstructure:"ios" json:"ios"`
	Desktop string `mapstructure:"desktop" json:"desktop"`
	Web     string `mapstructure:"web" json:"web"`
}

// GatesConfig holds the default gate values. Command line flags override them.
type GatesConfig struct {
	PublishAndroid bool `mapstructure:"publish_android" json:"publish_android"`
	PublishIOS     bool `mapstructure:"publish_ios" json:"publish_ios"`
	PublishDesktop bool `mapstructure:"publish_desktop" json:"publish_desktop"`
	PublishWeb     bool `mapstructure:"publish_web" json:"publish_web"`
	BuildIOS       bool `mapstructure:"build_ios" json:"build_ios"`
}

// VersioningConfig configures version derivation.
type VersioningConfig struct {
	// VersionFile is the committed file holding the version. Empty means
	// auto-detect pubspec.yaml, Cargo.toml, pyproject.toml, package.json, VERSION.
	VersionFile string `mapstructure:"version_file" json:"version_file,omitempty"`
	// BetaTagMarker excludes tags containing it from the version code (default: beta).
	BetaTagMarker string `mapstructure:"beta_tag_marker" json:"beta_tag_marker"`
}

// ChangelogConfig configures release notes generation.
type ChangelogConfig struct {
	GitHub GitHubConfig `mapstructure:"github" json:"github"`
}

// GitHubConfig identifies the repository on GitHub. Without a token the
// changelog is built from local commit subjects and no release record is created.
type GitHubConfig struct {
	Owner   string `mapstructure:"owner" json:"owner"`
	Repo    string `mapstructure:"repo" json:"repo"`
	Token   string `mapstructure:"token" json:"-"`
	BaseURL string `mapstructure:"base_url" json:"base_url,omitempty"`
}

// StageConfig configures the tool one stage delegates to. Exactly one of
// Command and Plugin is set for a stage that runs.
type StageConfig struct {
	// Command is a text/template rendered shell command.
	Command string `mapstructure:"command" json:"command,omitempty"`
	// Plugin names a tool plugin from the plugins list.
	Plugin string `mapstructure:"plugin" json:"plugin,omitempty"`
	// With is passed to the plugin as its arguments.
	With map[string]any `mapstructure:"with" json:"with,omitempty"`
	// Dir is the working directory, relative to the project root.
	// Defaults to the platform module.
	Dir string `mapstructure:"dir" json:"dir,omitempty"`
	// Outputs maps each variant to the globs that collect its files.
	// Globs are templates and may use .OS and .Variant.
	Outputs map[string][]string `mapstructure:"outputs" json:"outputs,omitempty"`
	// BundleDir stores a whole directory tree as the stage's artifact.
	BundleDir string `mapstructure:"bundle_dir" json:"bundle_dir,omitempty"`
	// Consumes names the artifacts a publish stage reads.
	Consumes []string `mapstructure:"consumes" json:"consumes,omitempty"`
	// Secrets lists the secret names the stage may see.
	Secrets []string `mapstructure:"secrets" json:"secrets,omitempty"`
	// Env adds environment variables. Values are templates; names are upper-cased.
	Env map[string]string `mapstructure:"env" json:"env,omitempty"`
	// AllowedEnv passes parent variables that look like credentials.
	AllowedEnv []string `mapstructure:"allowed_env" json:"allowed_env,omitempty"`
	// InheritEnv passes the parent environment (default: true).
	InheritEnv *bool `mapstructure:"inherit_env" json:"inherit_env,omitempty"`
	// Timeout bounds the tool call (0 = none).
	Timeout time.Duration `mapstructure:"timeout" json:"timeout,omitempty"`
}

// InheritsEnv reports whether the parent environment is passed through.
func (s StageConfig) InheritsEnv() bool {
	return s.InheritEnv == nil || *s.InheritEnv
}

// PublishConfig configures publishing.
type PublishConfig struct {
	// StoreUploadAttempts bounds the Play Store upload, counting the first call (default: 5).
	StoreUploadAttempts int `mapstructure:"store_upload_attempts" json:"store_upload_attempts"`
	// StoreUploadInitialDelay is the first backoff delay (default: 2s).
	StoreUploadInitialDelay time.Duration `mapstructure:"store_upload_initial_delay" json:"store_upload_initial_delay"`
}

// ArtifactsConfig configures the artifact store.
type ArtifactsConfig struct {
	// Dir is the store root (default: .shipyard/artifacts).
	Dir string `mapstructure:"dir" json:"dir"`
	// RetentionDays is how long artifacts are kept (default: 7; 0 keeps forever).
	RetentionDays int `mapstructure:"retention_days" json:"retention_days"`
}

// ConcurrencyConfig configures channel serialization.
type ConcurrencyConfig struct {
	// Queue waits for a busy channel instead of failing (default: true).
	Queue bool `mapstructure:"queue" json:"queue"`
	// StaleAfter reclaims locks older than this when their owner cannot be
	// probed, such as a run on another host (default: 6h).
	StaleAfter time.Duration `mapstructure:"stale_after" json:"stale_after"`
}

// OrchestratorConfig configures the scheduler.
type OrchestratorConfig struct {
	// MaxParallel bounds concurrently running stages (0 = unbounded).
	MaxParallel int `mapstructure:"max_parallel" json:"max_parallel"`
	// StateDir holds locks, run records and the version code ledger (default: .shipyard).
	StateDir string `mapstructure:"state_dir" json:"state_dir"`
}

// SecretConfig defines one secret. Exactly one of Value, Env and File is set.
type SecretConfig struct {
	// Type is text, file or base64file (default: text).
	Type     string `mapstructure:"type" json:"type"`
	Value    string `mapstructure:"value" json:"-"`
	Env      string `mapstructure:"env" json:"env,omitempty"`
	File     string `mapstructure:"file" json:"file,omitempty"`
	ExposeAs string `mapstructure:"expose_as" json:"expose_as,omitempty"`
}

// PluginConfig declares a tool plugin binary.
type PluginConfig struct {
	Name string `mapstructure:"name" json:"name"`
	// Path is the plugin executable.
	Path string `mapstructure:"path" json:"path"`
	// Timeout bounds one Invoke call (default: 30m).
	Timeout time.Duration `mapstructure:"timeout" json:"timeout,omitempty"`
	// AllowedEnv passes parent variables that look like credentials.
	AllowedEnv []string `mapstructure:"allowed_env" json:"allowed_env,omitempty"`
}

// WebhookConfig configures a webhook endpoint for run summaries.
type WebhookConfig struct {
	// Name is a friendly name for this webhook.
	Name string `mapstructure:"name" json:"name"`
	// URL is the webhook endpoint URL.
	URL string `mapstructure:"url" json:"-"`
	// Secret is an optional HMAC secret for signing payloads.
	// When set, payloads are signed with the X-Shipyard-Signature header.
	Secret string `mapstructure:"secret" json:"-"`
	// Events is a list of event names to send (empty = all events).
	// Event names: run.succeeded, run.failed. Supports "run.*".
	Events []string `mapstructure:"events" json:"events,omitempty"`
	// Headers are custom headers to include in the request.
	Headers map[string]string `mapstructure:"headers" json:"-"`
	// Timeout is the HTTP request timeout (default: 10s).
	Timeout time.Duration `mapstructure:"timeout" json:"timeout,omitempty"`
	// Enabled indicates whether this webhook is active (default: true).
	Enabled *bool `mapstructure:"enabled" json:"enabled,omitempty"`
}

// IsWebhookEnabled returns whether the webhook is enabled.
func (w *WebhookConfig) IsWebhookEnabled() bool {
	if w.Enabled == nil {
		return true
	}
	return *w.Enabled
}

// MonitorConfig configures the HTTP run monitor.
type MonitorConfig struct {
	// Address to listen on, such as 127.0.0.1:8787. Empty disables the monitor.
	Address string `mapstructure:"address" json:"address,omitempty"`
	// CORSOrigins lists browser origins allowed to call the API.
	CORSOrigins []string `mapstructure:"cors_origins" json:"cors_origins,omitempty"`
}

// OutputConfig configures output settings.
type OutputConfig struct {
	// Format is text or json.
	Format string `mapstructure:"format" json:"format"`
	// Color enables colored output.
	Color bool `mapstructure:"color" json:"color"`
	// Verbose enables debug logging and tool output.
	Verbose bool `mapstructure:"verbose" json:"verbose"`
	// LogLevel is debug, info, warn or error.
	LogLevel string `mapstructure:"log_level" json:"log_level"`
	// LogFile additionally writes logs to a file.
	LogFile string `mapstructure:"log_file" json:"log_file,omitempty"`
}

// ConfigFileNames to search for, in order.
var ConfigFileNames = []string{
	"shipyard",
	".shipyard",
}

// ConfigFileExtensions supported by Viper.
var ConfigFileExtensions = []string{
	"yaml",
	"yml",
	"json",
	"toml",
}
