package config

import (
	"strings"
	"time"
)

// DefaultConfig returns the default configuration.
func DefaultConfig() *Config {
	return &Config{
		Release: ReleaseConfig{
			Type:         "internal",
			TargetBranch: "dev",
		},
		Modules: ModulesConfig{
			Android: "android",
			IOS:     "ios",
			Desktop: "desktop",
			Web:     "web",
		},
		Versioning: VersioningConfig{
			BetaTagMarker: "beta",
		},
		Stages: DefaultStages(),
		Publish: PublishConfig{
			StoreUploadAttempts:     5,
			StoreUploadInitialDelay: 2 * time.Second,
		},
		Artifacts: ArtifactsConfig{
			Dir:           ".shipyard/artifacts",
			RetentionDays: 7,
		},
		Concurrency: ConcurrencyConfig{
			Queue:      true,
			StaleAfter: 6 * time.Hour,
		},
		Orchestrator: OrchestratorConfig{
			StateDir: ".shipyard",
		},
		Output: OutputConfig{
			Format:   "text",
			Color:    true,
			LogLevel: "info",
		},
	}
}

// DefaultStages returns the tool configuration used for stages the
// configuration file does not mention. The commands follow the usual
// Gradle, Fastlane and Firebase CLI conventions of a Flutter-style project.
func DefaultStages() map[string]StageConfig {
	return map[string]StageConfig{
		"build_android": {
			Command: "./gradlew bundleRelease assembleRelease -PversionName={{.Version}} -PversionCode={{.VersionCode}}",
			Outputs: map[string][]string{
				"aab": {"app/build/outputs/bundle/release/*.aab"},
				"apk": {"app/build/outputs/apk/release/*.apk"},
			},
		},
		"build_ios": {
			Command: "bundle exec fastlane ios build version:{{.Version}} build_number:{{.VersionCode}}",
			Outputs: map[string][]string{
				"ipa": {"build/*.ipa"},
			},
		},
		"build_desktop": {
			Command: "make package OS={{.OS}} VERSION={{.Version}} BUILD={{.VersionCode}}",
			Outputs: map[string][]string{
				"installer": {"dist/{{.OS}}/*"},
			},
		},
		"build_web": {
			Command:   "npm ci && npm run build",
			Env:       map[string]string{"APP_VERSION": "{{.Version}}"},
			BundleDir: "dist",
		},
		"publish_android_on_firebase": {
			Command:  "bundle exec fastlane android firebase apk:{{shellquote .File}} notes:{{shellquote .ChangelogBetaFile}}",
			Consumes: []string{"android-apk"},
		},
		"publish_android_on_playstore": {
			Command:  "bundle exec fastlane android playstore aab:{{shellquote .File}} track:internal",
			Consumes: []string{"android-aab"},
		},
		"publish_ios_app_to_firebase": {
			Command:  "bundle exec fastlane ios firebase ipa:{{shellquote .File}} notes:{{shellquote .ChangelogBetaFile}}",
			Consumes: []string{"ios-ipa"},
		},
		"publish_ios_app_to_app_center": {
			Command:  "appcenter distribute release --file {{shellquote .File}} --build-version {{.Version}} --build-number {{.VersionCode}}",
			Consumes: []string{"ios-ipa"},
		},
		"publish_web": {
			Command:  "firebase deploy --only hosting --public {{shellquote .Root}} --message {{shellquote .Version}}",
			Consumes: []string{"web"},
		},
	}
}

// BaseStageName strips a matrix suffix: build_desktop[linux] -> build_desktop.
func BaseStageName(name string) string {
	if i := strings.IndexByte(name, '['); i > 0 {
		return name[:i]
	}
	return name
}

// StageFor returns the configuration of a stage. A matrix cell falls back
// to its base stage for every field it leaves empty.
func (c *Config) StageFor(name string) StageConfig {
	sc, ok := c.Stages[name]
	base := BaseStageName(name)
	if base == name {
		return sc
	}
	parent, hasParent := c.Stages[base]
	if !ok {
		return parent
	}
	if hasParent {
		sc = mergeStage(sc, parent)
	}
	return sc
}

// applyStageDefaults fills stages the user did not configure, and fields
// the user left empty, from DefaultStages.
func applyStageDefaults(cfg *Config) {
	if cfg.Stages == nil {
		cfg.Stages = make(map[string]StageConfig)
	}
	for name, def := range DefaultStages() {
		sc, ok := cfg.Stages[name]
		if !ok {
			cfg.Stages[name] = def
			continue
		}
		cfg.Stages[name] = mergeStage(sc, def)
	}
}

// mergeStage fills empty fields of sc from fallback. A stage that names a
// plugin keeps no fallback command.
func mergeStage(sc, fallback StageConfig) StageConfig {
	if sc.Command == "" && sc.Plugin == "" {
		sc.Command = fallback.Command
		sc.Plugin = fallback.Plugin
		if sc.With == nil {
			sc.With = fallback.With
		}
	}
	if sc.Dir == "" {
		sc.Dir = fallback.Dir
	}
	if len(sc.Outputs) == 0 && sc.BundleDir == "" {
		sc.Outputs = fallback.Outputs
		sc.BundleDir = fallback.BundleDir
	}
	if len(sc.Consumes) == 0 {
		sc.Consumes = fallback.Consumes
	}
	if sc.Secrets == nil {
		sc.Secrets = fallback.Secrets
	}
	if sc.Env == nil {
		sc.Env = fallback.Env
	}
	if sc.AllowedEnv == nil {
		sc.AllowedEnv = fallback.AllowedEnv
	}
	if sc.InheritEnv == nil {
		sc.InheritEnv = fallback.InheritEnv
	}
	if sc.Timeout == 0 {
		sc.Timeout = fallback.Timeout
	}
	return sc
}

// PluginByName looks up a declared tool plugin.
func (c *Config) PluginByName(name string) (PluginConfig, bool) {
	for _, p := range c.Plugins {
		if p.Name == name {
			return p, true
		}
	}
	return PluginConfig{}, false
}
