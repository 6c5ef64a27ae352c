package pipeline

import (
	"reflect"
	"strings"
	"testing"

	"github.com/relicta-tech/shipyard/internal/domain/release/domain"
	rperrors "github.com/relicta-tech/shipyard/internal/errors"
)

func stage(name string, needs ...string) Stage {
	return Stage{Name: name, Kind: domain.KindBuild, Needs: needs, Enabled: true}
}

func mustGraph(t *testing.T, stages []Stage) *Graph {
	t.Helper()
	g, err := NewGraph(stages)
	if err != nil {
		t.Fatalf("NewGraph() error = %v", err)
	}
	return g
}

func TestNewGraph_Validation(t *testing.T) {
	tests := []struct {
		name   string
		stages []Stage
		errMsg string
	}{
		{"empty", nil, "no stages"},
		{"unnamed", []Stage{stage("")}, "name is required"},
		{"duplicate", []Stage{stage("a"), stage("a")}, "duplicate stage name"},
		{"unknown need", []Stage{stage("a", "ghost")}, "unknown stage"},
		{"self loop", []Stage{stage("a", "a")}, "self-loop"},
		{"duplicate need", []Stage{stage("a"), stage("b", "a", "a")}, "twice"},
		{"cycle", []Stage{stage("a", "c"), stage("b", "a"), stage("c", "b")}, "cycle"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := NewGraph(tt.stages)
			if err == nil {
				t.Fatal("NewGraph() expected error")
			}
			if !strings.Contains(err.Error(), tt.errMsg) {
				t.Errorf("NewGraph() error = %q, want it to contain %q", err, tt.errMsg)
			}
			if !rperrors.IsKind(err, rperrors.KindValidation) {
				t.Errorf("NewGraph() error kind = %v, want validation", rperrors.GetKind(err))
			}
		})
	}
}

func TestGraph_OrderByDepthThenName(t *testing.T) {
	g := mustGraph(t, []Stage{
		stage("publish", "build_b"),
		stage("build_b", "info"),
		stage("build_a", "info"),
		stage("info"),
		stage("release", "build_a", "build_b"),
	})

	want := []string{"info", "build_a", "build_b", "publish", "release"}
	if got := g.Order(); !reflect.DeepEqual(got, want) {
		t.Errorf("Order() = %v, want %v", got, want)
	}

	if d, ok := g.Depth("release"); !ok || d != 2 {
		t.Errorf("Depth(release) = %d, %v; want 2", d, ok)
	}
	if got := g.Dependents("info"); !reflect.DeepEqual(got, []string{"build_a", "build_b"}) {
		t.Errorf("Dependents(info) = %v", got)
	}
}

func TestGraph_Subset(t *testing.T) {
	g := mustGraph(t, []Stage{
		stage("info"),
		stage("build_android", "info"),
		stage("build_web", "info"),
		stage("publish_web", "build_web"),
	})

	sub, err := g.Subset([]string{"publish_web"})
	if err != nil {
		t.Fatalf("Subset() error = %v", err)
	}
	want := []string{"info", "build_web", "publish_web"}
	if got := sub.Order(); !reflect.DeepEqual(got, want) {
		t.Errorf("Subset().Order() = %v, want %v", got, want)
	}

	_, err = g.Subset([]string{"publish_wbe"})
	if !rperrors.IsKind(err, rperrors.KindNotFound) {
		t.Fatalf("Subset(typo) error = %v, want not found", err)
	}
	if !strings.Contains(err.Error(), "unknown stage") {
		t.Errorf("Subset(typo) error = %q", err)
	}
}

func TestSuggest(t *testing.T) {
	candidates := []string{"build_android", "build_web", "publish_web"}
	if got := Suggest("bld_web", candidates); got != "build_web" {
		t.Errorf("Suggest(bld_web) = %q, want build_web", got)
	}
	if got := Suggest("zzz", candidates); got != "" {
		t.Errorf("Suggest(zzz) = %q, want no suggestion", got)
	}
}

func TestGraph_Specs(t *testing.T) {
	g := mustGraph(t, []Stage{
		{Name: "info", Kind: domain.KindMetadata},
		{Name: "web", Kind: domain.KindBuild, Needs: []string{"info"}},
	})
	want := []domain.StageSpec{
		{Name: "info", Kind: domain.KindMetadata},
		{Name: "web", Kind: domain.KindBuild},
	}
	if got := g.Specs(); !reflect.DeepEqual(got, want) {
		t.Errorf("Specs() = %+v, want %+v", got, want)
	}
}
