package tool

import (
	"reflect"
	"testing"

	"github.com/spf13/afero"

	rperrors "github.com/relicta-tech/shipyard/internal/errors"
)

func TestCollectOutputs(t *testing.T) {
	fs := afero.NewMemMapFs()
	for _, f := range []string{
		"/src/app/build/outputs/apk/release/app-release.apk",
		"/src/app/build/outputs/bundle/release/app-release.aab",
		"/src/app/build/outputs/mapping.txt",
	} {
		if err := afero.WriteFile(fs, f, []byte("x"), 0o644); err != nil {
			t.Fatal(err)
		}
	}
	if err := fs.MkdirAll("/src/app/build/outputs/apk/release/empty.apk", 0o755); err != nil {
		t.Fatal(err)
	}

	tests := []struct {
		name     string
		patterns []string
		want     []string
		wantKind rperrors.Kind
	}{
		{
			name:     "relative globs",
			patterns: []string{"app/build/outputs/apk/release/*.apk", "app/build/outputs/bundle/*/*.aab"},
			want: []string{
				"/src/app/build/outputs/apk/release/app-release.apk",
				"/src/app/build/outputs/bundle/release/app-release.aab",
			},
		},
		{
			name:     "overlapping patterns deduplicate",
			patterns: []string{"app/build/outputs/apk/release/*", "/src/app/build/outputs/apk/release/app-*.apk"},
			want:     []string{"/src/app/build/outputs/apk/release/app-release.apk"},
		},
		{
			name:     "nothing matched",
			patterns: []string{"app/build/*.ipa"},
			wantKind: rperrors.KindArtifact,
		},
		{
			name:     "bad pattern",
			patterns: []string{"app/["},
			wantKind: rperrors.KindValidation,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := CollectOutputs(fs, "/src", tt.patterns)
			if tt.wantKind != rperrors.KindUnknown {
				if !rperrors.IsKind(err, tt.wantKind) {
					t.Errorf("CollectOutputs() error = %v, want kind %v", err, tt.wantKind)
				}
				return
			}
			if err != nil {
				t.Fatalf("CollectOutputs() error = %v", err)
			}
			if !reflect.DeepEqual(got, tt.want) {
				t.Errorf("CollectOutputs() = %v, want %v", got, tt.want)
			}
		})
	}
}
