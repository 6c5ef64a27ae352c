package config

import (
	"strings"
	"testing"

	rperrors "github.com/relicta-tech/shipyard/internal/errors"
)

func TestStageFor(t *testing.T) {
	inherit := false
	cfg := &Config{Stages: map[string]StageConfig{
		"build_desktop": {
			Command: "make package OS={{.OS}}",
			Outputs: map[string][]string{"installer": {"dist/*"}},
			Secrets: []string{"signing"},
		},
		"build_desktop[macos]": {
			Command:    "./macos.sh",
			InheritEnv: &inherit,
		},
		"build_web": {Command: "npm run build"},
	}}

	linux := cfg.StageFor("build_desktop[linux]")
	if linux.Command != "make package OS={{.OS}}" {
		t.Errorf("linux command = %q, want base command", linux.Command)
	}

	macos := cfg.StageFor("build_desktop[macos]")
	if macos.Command != "./macos.sh" {
		t.Errorf("macos command = %q", macos.Command)
	}
	if len(macos.Outputs["installer"]) != 1 || len(macos.Secrets) != 1 {
		t.Errorf("macos should inherit outputs and secrets, got %+v", macos)
	}
	if macos.InheritsEnv() {
		t.Error("macos cell disables env inheritance")
	}
	if !linux.InheritsEnv() {
		t.Error("inherit_env defaults to true")
	}

	if got := cfg.StageFor("build_web").Command; got != "npm run build" {
		t.Errorf("build_web command = %q", got)
	}
	if got := cfg.StageFor("publish_web"); got.Command != "" {
		t.Errorf("unconfigured stage = %+v, want zero value", got)
	}
}

func TestMergeStagePluginKeepsNoCommand(t *testing.T) {
	got := mergeStage(StageConfig{Plugin: "appcenter"}, StageConfig{Command: "appcenter distribute"})
	if got.Command != "" || got.Plugin != "appcenter" {
		t.Errorf("mergeStage() = %+v", got)
	}
}

func TestBaseStageName(t *testing.T) {
	tests := map[string]string{
		"build_desktop[linux]": "build_desktop",
		"publish_web":          "publish_web",
		"[odd]":                "[odd]",
	}
	for in, want := range tests {
		if got := BaseStageName(in); got != want {
			t.Errorf("BaseStageName(%q) = %q, want %q", in, got, want)
		}
	}
}

func TestValidateDefaults(t *testing.T) {
	cfg := DefaultConfig()
	if err := Validate(cfg); err != nil {
		t.Fatalf("default config should be valid: %v", err)
	}
}

func TestValidateErrors(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*Config)
		want   string
	}{
		{"release type", func(c *Config) { c.Release.Type = "stable" }, "release.type"},
		{"empty branch", func(c *Config) { c.Release.TargetBranch = " " }, "release.target_branch"},
		{"half github", func(c *Config) { c.Changelog.GitHub.Owner = "acme" }, "owner and repo"},
		{"command and plugin", func(c *Config) {
			c.Plugins = []PluginConfig{{Name: "fastlane", Path: "/bin/fl"}}
			c.Stages["build_ios"] = StageConfig{Command: "x", Plugin: "fastlane"}
		}, "mutually exclusive"},
		{"undeclared plugin", func(c *Config) {
			c.Stages["publish_web"] = StageConfig{Plugin: "firebase"}
		}, `no plugin named "firebase"`},
		{"undefined secret", func(c *Config) {
			c.Stages["build_android"] = StageConfig{Command: "x", Secrets: []string{"keystore"}}
		}, `secret "keystore" is not defined`},
		{"secret sources", func(c *Config) {
			c.Secrets = map[string]SecretConfig{"k": {Value: "a", Env: "B"}}
		}, "exactly one of value, env and file"},
		{"secret type", func(c *Config) {
			c.Secrets = map[string]SecretConfig{"k": {Type: "binary", Value: "a"}}
		}, "secrets.k.type"},
		{"duplicate plugin", func(c *Config) {
			c.Plugins = []PluginConfig{{Name: "p", Path: "a"}, {Name: "p", Path: "b"}}
		}, "duplicate plugin"},
		{"webhook url", func(c *Config) {
			c.Webhooks = []WebhookConfig{{Name: "x", URL: "ftp://host/x"}}
		}, "webhooks[0].url"},
		{"webhook event", func(c *Config) {
			c.Webhooks = []WebhookConfig{{Name: "x", URL: "https://host/x", Events: []string{"release.published"}}}
		}, "unknown event"},
		{"store attempts", func(c *Config) { c.Publish.StoreUploadAttempts = 0 }, "store_upload_attempts"},
		{"max parallel", func(c *Config) { c.Orchestrator.MaxParallel = -1 }, "max_parallel"},
		{"monitor address", func(c *Config) { c.Monitor.Address = "8787" }, "monitor.address"},
		{"log level", func(c *Config) { c.Output.LogLevel = "trace" }, "output.log_level"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := DefaultConfig()
			tt.mutate(cfg)

			err := Validate(cfg)
			if !rperrors.IsKind(err, rperrors.KindValidation) {
				t.Fatalf("Validate() = %v, want validation error", err)
			}
			if !strings.Contains(err.Error(), tt.want) {
				t.Errorf("error %q does not mention %q", err.Error(), tt.want)
			}
		})
	}
}

func TestValidateWarnings(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Stages["build_windows"] = StageConfig{Command: "x"}
	cfg.Webhooks = []WebhookConfig{{Name: "x", URL: "http://host/x"}}

	v := NewValidator().WithKnownStages("build_android", "build_desktop", "build_ios", "build_web",
		"publish_android_on_firebase", "publish_android_on_playstore", "publish_ios_app_to_firebase",
		"publish_ios_app_to_app_center", "publish_web")
	if err := v.Validate(cfg); err != nil {
		t.Fatalf("warnings must not fail validation: %v", err)
	}

	warnings := strings.Join(v.Warnings(), "\n")
	if !strings.Contains(warnings, "stages.build_windows") {
		t.Errorf("missing unknown stage warning in %q", warnings)
	}
	if !strings.Contains(warnings, "unencrypted") {
		t.Errorf("missing plain http warning in %q", warnings)
	}
}

func TestWebhookEnabled(t *testing.T) {
	off := false
	if !(&WebhookConfig{}).IsWebhookEnabled() {
		t.Error("webhooks are enabled by default")
	}
	if (&WebhookConfig{Enabled: &off}).IsWebhookEnabled() {
		t.Error("enabled: false disables the webhook")
	}
}
