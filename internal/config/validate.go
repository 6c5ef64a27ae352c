package config

import (
	"fmt"
	"net"
	"net/url"
	"slices"
	"strings"

	rperrors "github.com/relicta-tech/shipyard/internal/errors"
)

// ValidationError contains all validation errors and warnings.
type ValidationError struct {
	Errors   []string
	Warnings []string
}

// Error implements the error interface.
func (e *ValidationError) Error() string {
	var parts []string

	if len(e.Errors) > 0 {
		parts = append(parts, fmt.Sprintf("Errors:\n  - %s", strings.Join(e.Errors, "\n  - ")))
	}

	if len(e.Warnings) > 0 {
		parts = append(parts, fmt.Sprintf("Warnings:\n  - %s", strings.Join(e.Warnings, "\n  - ")))
	}

	return fmt.Sprintf("configuration validation failed:\n%s", strings.Join(parts, "\n"))
}

// HasErrors returns true if there are validation errors.
func (e *ValidationError) HasErrors() bool {
	return len(e.Errors) > 0
}

// HasWarnings returns true if there are validation warnings.
func (e *ValidationError) HasWarnings() bool {
	return len(e.Warnings) > 0
}

// Addf adds a formatted error to the validation error.
func (e *ValidationError) Addf(format string, args ...any) {
	e.Errors = append(e.Errors, fmt.Sprintf(format, args...))
}

// Warnf adds a formatted warning to the validation error.
func (e *ValidationError) Warnf(format string, args ...any) {
	e.Warnings = append(e.Warnings, fmt.Sprintf(format, args...))
}

// Validator validates configuration.
type Validator struct {
	errors      *ValidationError
	knownStages []string
}

// NewValidator creates a new configuration validator.
func NewValidator() *Validator {
	return &Validator{
		errors: &ValidationError{},
	}
}

// WithKnownStages makes stage keys that name no pipeline stage a warning.
func (v *Validator) WithKnownStages(names ...string) *Validator {
	v.knownStages = append(v.knownStages, names...)
	return v
}

// Warnings returns the warnings collected by the last Validate call.
func (v *Validator) Warnings() []string {
	return v.errors.Warnings
}

// Validate validates the configuration.
func (v *Validator) Validate(cfg *Config) error {
	v.validateRelease(cfg.Release)
	v.validateVersioning(cfg.Versioning)
	v.validateChangelog(cfg.Changelog)
	v.validateStages(cfg)
	v.validateSecrets(cfg.Secrets)
	v.validatePlugins(cfg.Plugins)
	v.validateWebhooks(cfg.Webhooks)
	v.validateLimits(cfg)
	v.validateMonitor(cfg.Monitor)
	v.validateOutput(cfg.Output)

	if v.errors.HasErrors() {
		return rperrors.Validation("config.Validate", v.errors.Error())
	}
	return nil
}

func (v *Validator) validateRelease(cfg ReleaseConfig) {
	validTypes := []string{"internal", "beta"}
	if !slices.Contains(validTypes, cfg.Type) {
		v.errors.Addf("release.type: must be one of %v, got %q", validTypes, cfg.Type)
	}
	if strings.TrimSpace(cfg.TargetBranch) == "" {
		v.errors.Addf("release.target_branch: must not be empty")
	}
}

func (v *Validator) validateVersioning(cfg VersioningConfig) {
	if cfg.BetaTagMarker == "" {
		v.errors.Warnf("versioning.beta_tag_marker: empty marker counts every tag toward the version code")
	}
}

func (v *Validator) validateChangelog(cfg ChangelogConfig) {
	gh := cfg.GitHub
	if (gh.Owner == "") != (gh.Repo == "") {
		v.errors.Addf("changelog.github: owner and repo must be set together")
	}
	if gh.BaseURL != "" {
		if _, err := url.ParseRequestURI(gh.BaseURL); err != nil {
			v.errors.Addf("changelog.github.base_url: invalid URL %q", gh.BaseURL)
		}
	}
}

func (v *Validator) validateStages(cfg *Config) {
	for name, sc := range cfg.Stages {
		prefix := "stages." + name

		if len(v.knownStages) > 0 && !slices.Contains(v.knownStages, name) && !slices.Contains(v.knownStages, BaseStageName(name)) {
			v.errors.Warnf("%s: no pipeline stage has this name", prefix)
		}
		if sc.Command != "" && sc.Plugin != "" {
			v.errors.Addf("%s: command and plugin are mutually exclusive", prefix)
		}
		if sc.Plugin != "" {
			if _, ok := cfg.PluginByName(sc.Plugin); !ok {
				v.errors.Addf("%s.plugin: no plugin named %q is declared", prefix, sc.Plugin)
			}
		}
		if sc.Timeout < 0 {
			v.errors.Addf("%s.timeout: must not be negative", prefix)
		}
		if len(sc.Outputs) > 0 && sc.BundleDir != "" {
			v.errors.Addf("%s: outputs and bundle_dir are mutually exclusive", prefix)
		}
		for variant, globs := range sc.Outputs {
			if len(globs) == 0 {
				v.errors.Addf("%s.outputs.%s: at least one glob is required", prefix, variant)
			}
		}
		for _, s := range sc.Secrets {
			if _, ok := cfg.Secrets[s]; !ok {
				v.errors.Addf("%s.secrets: secret %q is not defined", prefix, s)
			}
		}
	}
}

func (v *Validator) validateSecrets(secrets map[string]SecretConfig) {
	validTypes := []string{"", "text", "file", "base64file"}
	for name, s := range secrets {
		prefix := "secrets." + name
		if !slices.Contains(validTypes, s.Type) {
			v.errors.Addf("%s.type: must be one of text, file, base64file, got %q", prefix, s.Type)
		}
		sources := 0
		for _, src := range []string{s.Value, s.Env, s.File} {
			if src != "" {
				sources++
			}
		}
		if sources != 1 {
			v.errors.Addf("%s: exactly one of value, env and file must be set", prefix)
		}
	}
}

func (v *Validator) validatePlugins(plugins []PluginConfig) {
	seen := make(map[string]bool, len(plugins))
	for i, p := range plugins {
		if p.Name == "" {
			v.errors.Addf("plugins[%d].name: required", i)
			continue
		}
		if seen[p.Name] {
			v.errors.Addf("plugins[%d].name: duplicate plugin %q", i, p.Name)
		}
		seen[p.Name] = true
		if p.Path == "" {
			v.errors.Addf("plugins[%d].path: required for plugin %q", i, p.Name)
		}
		if p.Timeout < 0 {
			v.errors.Addf("plugins[%d].timeout: must not be negative", i)
		}
	}
}

func (v *Validator) validateWebhooks(webhooks []WebhookConfig) {
	validEvents := []string{"*", "run.*", "run.succeeded", "run.failed"}
	for i, w := range webhooks {
		if !w.IsWebhookEnabled() {
			continue
		}
		u, err := url.Parse(w.URL)
		switch {
		case w.URL == "":
			v.errors.Addf("webhooks[%d].url: required", i)
		case err != nil || u.Host == "" || (u.Scheme != "http" && u.Scheme != "https"):
			v.errors.Addf("webhooks[%d].url: must be an http or https URL", i)
		case u.Scheme == "http":
			v.errors.Warnf("webhooks[%d].url: payloads are sent unencrypted", i)
		}
		for _, e := range w.Events {
			if !slices.Contains(validEvents, e) {
				v.errors.Addf("webhooks[%d].events: unknown event %q", i, e)
			}
		}
		if w.Timeout < 0 {
			v.errors.Addf("webhooks[%d].timeout: must not be negative", i)
		}
	}
}

func (v *Validator) validateLimits(cfg *Config) {
	if cfg.Publish.StoreUploadAttempts < 1 {
		v.errors.Addf("publish.store_upload_attempts: must be at least 1, got %d", cfg.Publish.StoreUploadAttempts)
	}
	if cfg.Artifacts.Dir == "" {
		v.errors.Addf("artifacts.dir: must not be empty")
	}
	if cfg.Artifacts.RetentionDays < 0 {
		v.errors.Addf("artifacts.retention_days: must not be negative")
	}
	if cfg.Orchestrator.MaxParallel < 0 {
		v.errors.Addf("orchestrator.max_parallel: must not be negative")
	}
	if cfg.Orchestrator.StateDir == "" {
		v.errors.Addf("orchestrator.state_dir: must not be empty")
	}
	if cfg.Concurrency.StaleAfter < 0 {
		v.errors.Addf("concurrency.stale_after: must not be negative")
	}
}

func (v *Validator) validateMonitor(cfg MonitorConfig) {
	if cfg.Address == "" {
		return
	}
	if _, _, err := net.SplitHostPort(cfg.Address); err != nil {
		v.errors.Addf("monitor.address: must be host:port, got %q", cfg.Address)
	}
}

func (v *Validator) validateOutput(cfg OutputConfig) {
	validFormats := []string{"text", "json"}
	if !slices.Contains(validFormats, cfg.Format) {
		v.errors.Addf("output.format: must be one of %v, got %q", validFormats, cfg.Format)
	}

	validLevels := []string{"debug", "info", "warn", "error"}
	if !slices.Contains(validLevels, cfg.LogLevel) {
		v.errors.Addf("output.log_level: must be one of %v, got %q", validLevels, cfg.LogLevel)
	}
}

// Validate validates cfg with a fresh validator.
func Validate(cfg *Config) error {
	return NewValidator().Validate(cfg)
}
