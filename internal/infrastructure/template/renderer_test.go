package template

import (
	"context"
	"strings"
	"testing"
	"time"

	rperrors "github.com/relicta-tech/shipyard/internal/errors"
)

type commandData struct {
	Version     string
	VersionCode int
	Module      string
	Variant     string
}

func TestRenderer_RenderString(t *testing.T) {
	r, err := NewRenderer()
	if err != nil {
		t.Fatalf("NewRenderer failed: %v", err)
	}

	data := commandData{Version: "1.4.2", VersionCode: 42, Module: "app", Variant: "release"}

	tests := []struct {
		name     string
		template string
		data     any
		want     string
		wantKind rperrors.Kind
	}{
		{
			name:     "command",
			template: "./gradlew :{{.Module}}:assemble{{title .Variant}} -PversionName={{.Version}} -PversionCode={{.VersionCode}}",
			data:     data,
			want:     "./gradlew :app:assembleRelease -PversionName=1.4.2 -PversionCode=42",
		},
		{
			name:     "shell quoting",
			template: "echo {{shellquote .}}",
			data:     "it's",
			want:     `echo 'it'\''s'`,
		},
		{
			name:     "default",
			template: `{{default "dev" .}}`,
			data:     "",
			want:     "dev",
		},
		{
			name:     "unknown field",
			template: "{{.Flavor}}",
			data:     data,
			wantKind: rperrors.KindTemplate,
		},
		{
			name:     "missing map key",
			template: "{{.os}}",
			data:     map[string]string{"arch": "x64"},
			wantKind: rperrors.KindTemplate,
		},
		{
			name:     "parse error",
			template: "{{.Version",
			data:     data,
			wantKind: rperrors.KindTemplate,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := r.RenderString(context.Background(), tt.name, tt.template, tt.data)
			if tt.wantKind != rperrors.KindUnknown {
				if !rperrors.IsKind(err, tt.wantKind) {
					t.Fatalf("RenderString() error = %v, want kind %s", err, tt.wantKind)
				}
				return
			}
			if err != nil {
				t.Fatalf("RenderString() unexpected error: %v", err)
			}
			if got != tt.want {
				t.Errorf("RenderString() = %q, want %q", got, tt.want)
			}
		})
	}
}

func TestRenderer_InlineCache(t *testing.T) {
	r, err := NewRenderer()
	if err != nil {
		t.Fatalf("NewRenderer failed: %v", err)
	}

	for i := 0; i < 3; i++ {
		if _, err := r.RenderString(context.Background(), "c", "{{.}}", "x"); err != nil {
			t.Fatalf("RenderString() error: %v", err)
		}
	}
	if len(r.inline) != 1 {
		t.Errorf("inline cache size = %d, want 1", len(r.inline))
	}
}

func TestRenderer_RunSummary(t *testing.T) {
	r, err := NewRenderer()
	if err != nil {
		t.Fatalf("NewRenderer failed: %v", err)
	}

	data := map[string]any{
		"Failed":      true,
		"Title":       "Release",
		"Channel":     "beta/dev",
		"Version":     "1.4.2",
		"VersionCode": 42,
		"Outcome":     "failed",
		"ReleaseURL":  "",
		"Stages": []struct{ Name, Status, Detail string }{
			{"build_android", "failed", "exit status 1"},
			{"publish_web", "skipped", "gated off"},
		},
	}

	got, err := r.Render(context.Background(), "run_summary", data)
	if err != nil {
		t.Fatalf("Render() error: %v", err)
	}
	for _, want := range []string{":x:", "*Release* beta/dev 1.4.2 (42) failed", "• build_android: failed (exit status 1)", "• publish_web: skipped (gated off)"} {
		if !strings.Contains(got, want) {
			t.Errorf("summary missing %q:\n%s", want, got)
		}
	}
	if strings.Contains(got, "Release:") {
		t.Errorf("summary should omit empty release URL:\n%s", got)
	}
}

func TestRenderer_NotFound(t *testing.T) {
	r, err := NewRenderer()
	if err != nil {
		t.Fatalf("NewRenderer failed: %v", err)
	}
	if _, err := r.Render(context.Background(), "nope", nil); !rperrors.IsKind(err, rperrors.KindNotFound) {
		t.Errorf("Render() error = %v, want not found", err)
	}
}

func TestRenderer_Register(t *testing.T) {
	r, err := NewRenderer(WithExecutionTimeout(time.Second))
	if err != nil {
		t.Fatalf("NewRenderer failed: %v", err)
	}
	if r.executionTimeout != time.Second {
		t.Errorf("executionTimeout = %v, want 1s", r.executionTimeout)
	}
	if err := r.Register("bad", "{{"); !rperrors.IsKind(err, rperrors.KindTemplate) {
		t.Errorf("Register() error = %v, want template error", err)
	}
	if err := r.Register("greet", "hi {{upper .}}"); err != nil {
		t.Fatalf("Register() error: %v", err)
	}
	got, err := r.Render(context.Background(), "greet", "ci")
	if err != nil || got != "hi CI" {
		t.Errorf("Render() = %q, %v", got, err)
	}
}
