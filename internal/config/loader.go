package config

import (
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"strings"

	"github.com/spf13/viper"

	rperrors "github.com/relicta-tech/shipyard/internal/errors"
)

var (
	// envVarPattern matches ${VAR} or ${VAR:-default}.
	envVarPattern = regexp.MustCompile(`\$\{([^}:]+)(?::-([^}]*))?\}`)
	// simpleEnvVarPattern matches $VAR.
	simpleEnvVarPattern = regexp.MustCompile(`\$([A-Za-z_][A-Za-z0-9_]*)`)
)

// Loader handles configuration loading and merging.
type Loader struct {
	v           *viper.Viper
	configPath  string
	searchPaths []string
}

// NewLoader creates a new configuration loader. Environment variables
// prefixed with SHIPYARD_ override file values (SHIPYARD_RELEASE_TYPE=beta).
func NewLoader() *Loader {
	v := viper.New()
	v.SetEnvPrefix("SHIPYARD")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_", "-", "_"))
	v.AutomaticEnv()

	return &Loader{
		v:           v,
		searchPaths: []string{"."},
	}
}

// WithConfigPath sets an explicit config file path.
func (l *Loader) WithConfigPath(path string) *Loader {
	l.configPath = path
	return l
}

// WithSearchPaths adds directories to search for config files.
func (l *Loader) WithSearchPaths(paths ...string) *Loader {
	l.searchPaths = append(l.searchPaths, paths...)
	return l
}

// Load loads the configuration.
func (l *Loader) Load() (*Config, error) {
	const op = "config.Load"

	l.setDefaults()

	if err := l.loadConfigFile(); err != nil {
		return nil, rperrors.ConfigWrap(err, op, "failed to load config file")
	}

	cfg := &Config{}
	if err := l.v.Unmarshal(cfg); err != nil {
		return nil, rperrors.ConfigWrap(err, op, "failed to unmarshal config")
	}

	applyStageDefaults(cfg)
	l.expandEnvVars(cfg)

	return cfg, nil
}

// setDefaults registers scalar defaults so that AutomaticEnv can see every
// key. Stage defaults are merged after unmarshaling, field by field.
func (l *Loader) setDefaults() {
	defaults := DefaultConfig()

	l.v.SetDefault("release.type", defaults.Release.Type)
	l.v.SetDefault("release.target_branch", defaults.Release.TargetBranch)

	l.v.SetDefault("modules.android", defaults.Modules.Android)
	l.v.SetDefault("modules.ios", defaults.Modules.IOS)
	l.v.SetDefault("modules.desktop", defaults.Modules.Desktop)
	l.v.SetDefault("modules.web", defaults.Modules.Web)

	l.v.SetDefault("gates.publish_android", defaults.Gates.PublishAndroid)
	l.v.SetDefault("gates.publish_ios", defaults.Gates.PublishIOS)
	l.v.SetDefault("gates.publish_desktop", defaults.Gates.PublishDesktop)
	l.v.SetDefault("gates.publish_web", defaults.Gates.PublishWeb)
	l.v.SetDefault("gates.build_ios", defaults.Gates.BuildIOS)

	l.v.SetDefault("versioning.version_file", defaults.Versioning.VersionFile)
	l.v.SetDefault("versioning.beta_tag_marker", defaults.Versioning.BetaTagMarker)

	l.v.SetDefault("changelog.github.owner", "")
	l.v.SetDefault("changelog.github.repo", "")
	l.v.SetDefault("changelog.github.token", "")
	l.v.SetDefault("changelog.github.base_url", "")

	l.v.SetDefault("publish.store_upload_attempts", defaults.Publish.StoreUploadAttempts)
	l.v.SetDefault("publish.store_upload_initial_delay", defaults.Publish.StoreUploadInitialDelay)

	l.v.SetDefault("artifacts.dir", defaults.Artifacts.Dir)
	l.v.SetDefault("artifacts.retention_days", defaults.Artifacts.RetentionDays)

	l.v.SetDefault("concurrency.queue", defaults.Concurrency.Queue)
	l.v.SetDefault("concurrency.stale_after", defaults.Concurrency.StaleAfter)

	l.v.SetDefault("orchestrator.max_parallel", defaults.Orchestrator.MaxParallel)
	l.v.SetDefault("orchestrator.state_dir", defaults.Orchestrator.StateDir)

	l.v.SetDefault("monitor.address", "")

	l.v.SetDefault("output.format", defaults.Output.Format)
	l.v.SetDefault("output.color", defaults.Output.Color)
	l.v.SetDefault("output.verbose", defaults.Output.Verbose)
	l.v.SetDefault("output.log_level", defaults.Output.LogLevel)
	l.v.SetDefault("output.log_file", "")
}

// loadConfigFile loads the explicit config file or the first one found
// in the search paths. No file at all is fine: defaults apply.
func (l *Loader) loadConfigFile() error {
	if l.configPath != "" {
		l.v.SetConfigFile(l.configPath)
		if err := l.v.ReadInConfig(); err != nil {
			return fmt.Errorf("reading config file %s: %w", l.configPath, err)
		}
		return nil
	}

	configFile, err := FindConfigFile(l.searchPaths...)
	if err != nil {
		return nil
	}
	l.v.SetConfigFile(configFile)
	if err := l.v.ReadInConfig(); err != nil {
		return fmt.Errorf("reading config file %s: %w", configFile, err)
	}
	return nil
}

// expandEnvVars expands environment variables in credential, URL and
// path fields. Stage commands are left alone: the shell expands them.
// Viper lowercases map keys, so stage env names are upper-cased again.
func (l *Loader) expandEnvVars(cfg *Config) {
	cfg.Changelog.GitHub.Token = expandEnvVar(cfg.Changelog.GitHub.Token)
	cfg.Changelog.GitHub.BaseURL = expandEnvVar(cfg.Changelog.GitHub.BaseURL)

	for name, s := range cfg.Secrets {
		s.Value = expandEnvVar(s.Value)
		s.File = expandEnvVar(s.File)
		cfg.Secrets[name] = s
	}

	for name, sc := range cfg.Stages {
		if len(sc.Env) > 0 {
			env := make(map[string]string, len(sc.Env))
			for k, v := range sc.Env {
				env[strings.ToUpper(k)] = expandEnvVar(v)
			}
			sc.Env = env
		}
		expandMap(sc.With)
		cfg.Stages[name] = sc
	}

	for i := range cfg.Plugins {
		cfg.Plugins[i].Path = expandEnvVar(cfg.Plugins[i].Path)
	}

	for i := range cfg.Webhooks {
		w := &cfg.Webhooks[i]
		w.URL = expandEnvVar(w.URL)
		w.Secret = expandEnvVar(w.Secret)
		for k, v := range w.Headers {
			w.Headers[k] = expandEnvVar(v)
		}
	}

	cfg.Artifacts.Dir = expandEnvVar(cfg.Artifacts.Dir)
	cfg.Orchestrator.StateDir = expandEnvVar(cfg.Orchestrator.StateDir)
	cfg.Output.LogFile = expandEnvVar(cfg.Output.LogFile)
}

// expandEnvVar expands environment variables in a string.
// Supports both ${VAR} and $VAR syntax.
func expandEnvVar(s string) string {
	if s == "" {
		return s
	}

	result := envVarPattern.ReplaceAllStringFunc(s, func(match string) string {
		submatch := envVarPattern.FindStringSubmatch(match)
		if len(submatch) < 2 {
			return match
		}

		varName := submatch[1]
		defaultValue := ""
		if len(submatch) > 2 {
			defaultValue = submatch[2]
		}

		if value := os.Getenv(varName); value != "" {
			return value
		}
		return defaultValue
	})

	// Unset $VAR references are kept verbatim.
	result = simpleEnvVarPattern.ReplaceAllStringFunc(result, func(match string) string {
		if value := os.Getenv(match[1:]); value != "" {
			return value
		}
		return match
	})

	return result
}

// expandMap expands environment variables in plugin arguments.
func expandMap(m map[string]any) {
	for key, value := range m {
		switch v := value.(type) {
		case string:
			m[key] = expandEnvVar(v)
		case map[string]any:
			expandMap(v)
		}
	}
}

// GetConfigPath returns the path to the loaded config file, if any.
func (l *Loader) GetConfigPath() string {
	return l.v.ConfigFileUsed()
}

// LoadFromFile loads configuration from a specific file.
func LoadFromFile(path string) (*Config, error) {
	return NewLoader().WithConfigPath(path).Load()
}

// LoadFromDirectory loads configuration from a directory.
func LoadFromDirectory(dir string) (*Config, error) {
	return NewLoader().WithSearchPaths(dir).Load()
}

// FindConfigFile searches for a config file and returns its path.
func FindConfigFile(searchPaths ...string) (string, error) {
	if len(searchPaths) == 0 {
		searchPaths = []string{"."}
	}

	for _, searchPath := range searchPaths {
		for _, name := range ConfigFileNames {
			for _, ext := range ConfigFileExtensions {
				configFile := filepath.Join(searchPath, name+"."+ext)
				if _, err := os.Stat(configFile); err == nil {
					return configFile, nil
				}
			}
		}
	}

	return "", rperrors.NotFound("config.FindConfigFile", "no config file found")
}
