package sandbox

import (
	"os/exec"
	"strings"
	"testing"
)

func envKeys(env []string) map[string]bool {
	keys := make(map[string]bool, len(env))
	for _, e := range env {
		k, _, _ := strings.Cut(e, "=")
		keys[k] = true
	}
	return keys
}

func TestSandbox_filterEnv(t *testing.T) {
	environ := []string{
		"PATH=/usr/bin",
		"HOME=/home/ci",
		"JAVA_HOME=/opt/jdk",
		"GITHUB_TOKEN=ghp_x",
		"KEYSTORE_PASSWORD=pw",
		"FIREBASE_CLI_TOKEN=t",
		"CI=true",
	}

	tests := []struct {
		name     string
		policy   Policy
		wantKeys []string
		denyKeys []string
	}{
		{
			name:     "inherit drops credentials",
			policy:   DefaultPolicy(),
			wantKeys: []string{"PATH", "HOME", "JAVA_HOME", "CI"},
			denyKeys: []string{"GITHUB_TOKEN", "KEYSTORE_PASSWORD", "FIREBASE_CLI_TOKEN"},
		},
		{
			name:     "allow list re-admits a credential",
			policy:   Policy{InheritEnv: true, AllowedEnv: []string{"FIREBASE_CLI_TOKEN"}},
			wantKeys: []string{"PATH", "JAVA_HOME", "FIREBASE_CLI_TOKEN"},
			denyKeys: []string{"GITHUB_TOKEN"},
		},
		{
			name:     "no inherit keeps essentials only",
			policy:   Policy{AllowedEnv: []string{"CI"}},
			wantKeys: []string{"PATH", "HOME", "CI"},
			denyKeys: []string{"JAVA_HOME", "GITHUB_TOKEN"},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := envKeys(New("build_android", tt.policy).filterEnv(environ))
			for _, k := range tt.wantKeys {
				if !got[k] {
					t.Errorf("expected %s to be passed", k)
				}
			}
			for _, k := range tt.denyKeys {
				if got[k] {
					t.Errorf("expected %s to be filtered out", k)
				}
			}
		})
	}
}

func TestSandbox_PrepareCommand(t *testing.T) {
	sb := New("build_web", DefaultPolicy())
	if sb.Name() != "build_web" {
		t.Errorf("Name() = %q", sb.Name())
	}

	if err := sb.PrepareCommand(nil); err == nil {
		t.Error("expected error for nil command")
	}

	cmd := exec.Command("true")
	if err := sb.PrepareCommand(cmd, "VERSION=1.0.0"); err != nil {
		t.Fatalf("PrepareCommand() error: %v", err)
	}
	if last := cmd.Env[len(cmd.Env)-1]; last != "VERSION=1.0.0" {
		t.Errorf("extra env should come last, got %q", last)
	}
	if err := sb.Kill(cmd); err != nil {
		t.Errorf("Kill() on unstarted command: %v", err)
	}
}
