package config

import (
	"os"
	"path/filepath"
	"slices"
	"testing"
	"time"

	rperrors "github.com/relicta-tech/shipyard/internal/errors"
)

func writeConfig(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "shipyard.yaml")
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatalf("write config: %v", err)
	}
	return path
}

func TestLoadDefaultsWithoutFile(t *testing.T) {
	cfg, err := NewLoader().Load()
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}

	if cfg.Release.Type != "internal" || cfg.Release.TargetBranch != "dev" {
		t.Errorf("release = %+v, want internal/dev", cfg.Release)
	}
	if cfg.Publish.StoreUploadAttempts != 5 {
		t.Errorf("store_upload_attempts = %d, want 5", cfg.Publish.StoreUploadAttempts)
	}
	if !cfg.Concurrency.Queue {
		t.Error("concurrency.queue should default to true")
	}
	if cfg.Stages["build_android"].Command == "" {
		t.Error("build_android should have a default command")
	}
	if cfg.Stages["build_web"].BundleDir != "dist" {
		t.Errorf("build_web bundle_dir = %q, want dist", cfg.Stages["build_web"].BundleDir)
	}
}

func TestLoadFromFile(t *testing.T) {
	t.Setenv("SHIPYARD_TEST_GH_TOKEN", "ghp_test")
	t.Setenv("SHIPYARD_TEST_KEYSTORE", "a2V5c3RvcmU=")

	path := writeConfig(t, `
release:
  type: beta
  target_branch: main
changelog:
  github:
    owner: acme
    repo: app
    token: ${SHIPYARD_TEST_GH_TOKEN}
secrets:
  android_keystore:
    type: base64file
    value: ${SHIPYARD_TEST_KEYSTORE}
    expose_as: ANDROID_KEYSTORE_PATH
stages:
  build_android:
    secrets: [android_keystore]
    timeout: 45m
  "build_desktop[macos]":
    command: ./scripts/macos.sh {{.Version}}
webhooks:
  - name: slack
    url: https://hooks.example.test/${MISSING_HOOK:-abc}
    events: [run.failed]
`)

	cfg, err := LoadFromFile(path)
	if err != nil {
		t.Fatalf("LoadFromFile() error = %v", err)
	}

	if cfg.Release.Type != "beta" || cfg.Release.TargetBranch != "main" {
		t.Errorf("release = %+v", cfg.Release)
	}
	if cfg.Changelog.GitHub.Token != "ghp_test" {
		t.Errorf("token = %q, want expanded value", cfg.Changelog.GitHub.Token)
	}
	if got := cfg.Secrets["android_keystore"]; got.Value != "a2V5c3RvcmU=" || got.Type != "base64file" {
		t.Errorf("secret = %+v", got)
	}

	android := cfg.Stages["build_android"]
	if android.Command != DefaultStages()["build_android"].Command {
		t.Errorf("build_android command = %q, want default kept", android.Command)
	}
	if !slices.Equal(android.Secrets, []string{"android_keystore"}) {
		t.Errorf("build_android secrets = %v", android.Secrets)
	}
	if android.Timeout != 45*time.Minute {
		t.Errorf("build_android timeout = %v, want 45m", android.Timeout)
	}

	macos := cfg.StageFor("build_desktop[macos]")
	if macos.Command != "./scripts/macos.sh {{.Version}}" {
		t.Errorf("macos command = %q", macos.Command)
	}
	if len(macos.Outputs) == 0 {
		t.Error("macos cell should inherit outputs from build_desktop")
	}

	if len(cfg.Webhooks) != 1 || cfg.Webhooks[0].URL != "https://hooks.example.test/abc" {
		t.Errorf("webhooks = %+v", cfg.Webhooks)
	}
}

func TestLoadEnvOverride(t *testing.T) {
	t.Setenv("SHIPYARD_RELEASE_TYPE", "beta")
	t.Setenv("SHIPYARD_GATES_PUBLISH_WEB", "true")

	cfg, err := LoadFromFile(writeConfig(t, "release:\n  target_branch: dev\n"))
	if err != nil {
		t.Fatalf("LoadFromFile() error = %v", err)
	}
	if cfg.Release.Type != "beta" {
		t.Errorf("release.type = %q, want beta from env", cfg.Release.Type)
	}
	if !cfg.Gates.PublishWeb {
		t.Error("gates.publish_web should be true from env")
	}
}

func TestLoadMissingExplicitFile(t *testing.T) {
	_, err := LoadFromFile(filepath.Join(t.TempDir(), "nope.yaml"))
	if !rperrors.IsKind(err, rperrors.KindConfig) {
		t.Fatalf("error = %v, want config error", err)
	}
}

func TestFindConfigFile(t *testing.T) {
	dir := t.TempDir()
	if _, err := FindConfigFile(dir); !rperrors.IsKind(err, rperrors.KindNotFound) {
		t.Fatalf("empty dir error = %v, want not found", err)
	}

	want := filepath.Join(dir, ".shipyard.yml")
	if err := os.WriteFile(want, []byte("release: {}\n"), 0o644); err != nil {
		t.Fatal(err)
	}
	got, err := FindConfigFile(dir)
	if err != nil || got != want {
		t.Fatalf("FindConfigFile() = %q, %v; want %q", got, err, want)
	}
}

func TestExpandEnvVar(t *testing.T) {
	t.Setenv("TOKEN_VALUE", "abc123")

	tests := []struct {
		in   string
		want string
	}{
		{"", ""},
		{"${TOKEN_VALUE}", "abc123"},
		{"pre-$TOKEN_VALUE-post", "pre-abc123-post"},
		{"${SHIPYARD_UNSET_VAR:-fallback}", "fallback"},
		{"${SHIPYARD_UNSET_VAR}", ""},
		{"$SHIPYARD_UNSET_VAR", "$SHIPYARD_UNSET_VAR"},
	}

	for _, tt := range tests {
		if got := expandEnvVar(tt.in); got != tt.want {
			t.Errorf("expandEnvVar(%q) = %q, want %q", tt.in, got, tt.want)
		}
	}
}

func TestExpandMap(t *testing.T) {
	t.Setenv("PLUGIN_TOKEN", "secret")

	m := map[string]any{
		"token":  "${PLUGIN_TOKEN}",
		"nested": map[string]any{"url": "$PLUGIN_TOKEN"},
		"count":  3,
	}
	expandMap(m)

	if m["token"] != "secret" {
		t.Errorf("token = %v", m["token"])
	}
	if nested := m["nested"].(map[string]any); nested["url"] != "secret" {
		t.Errorf("nested url = %v", nested["url"])
	}
	if m["count"] != 3 {
		t.Errorf("count = %v", m["count"])
	}
}

func TestLoadUppercasesStageEnv(t *testing.T) {
	cfg, err := LoadFromFile(writeConfig(t, "stages:\n  build_web:\n    env:\n      NODE_ENV: production\n"))
	if err != nil {
		t.Fatalf("LoadFromFile() error = %v", err)
	}
	if got := cfg.Stages["build_web"].Env["NODE_ENV"]; got != "production" {
		t.Errorf("NODE_ENV = %q, env = %v", got, cfg.Stages["build_web"].Env)
	}
}
