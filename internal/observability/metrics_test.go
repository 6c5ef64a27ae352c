package observability

import (
	"bytes"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/relicta-tech/shipyard/internal/domain/release/domain"
	"github.com/relicta-tech/shipyard/internal/pipeline"
)

var t0 = time.Date(2026, 3, 2, 10, 0, 0, 0, time.UTC)

func TestMetrics_RecordRun(t *testing.T) {
	m := NewMetrics("1.0.0")

	m.RunStarted()
	if got := m.Snapshot().ActiveRuns; got != 1 {
		t.Errorf("ActiveRuns = %d, want 1", got)
	}
	m.RecordRun(false, time.Second)
	m.RunStarted()
	m.RecordRun(true, 2*time.Second)

	s := m.Snapshot()
	if s.RunsTotal != 2 || s.RunsSucceeded != 1 || s.RunsFailed != 1 {
		t.Errorf("runs = %d/%d/%d, want 2/1/1", s.RunsTotal, s.RunsSucceeded, s.RunsFailed)
	}
	if s.ActiveRuns != 0 {
		t.Errorf("ActiveRuns = %d, want 0", s.ActiveRuns)
	}
}

func TestMetrics_ObserveStages(t *testing.T) {
	m := NewMetrics("1.0.0")
	bus := pipeline.NewBus()
	bus.Subscribe(m.Observe)

	bus.Publish(pipeline.Event{Type: pipeline.EventStageStarted, Stage: "build_web", At: t0})
	if got := m.Snapshot().RunningStages; got != 1 {
		t.Errorf("RunningStages = %d, want 1", got)
	}
	bus.Publish(pipeline.Event{Type: pipeline.EventStageFinished, Stage: "build_web",
		Status: domain.StatusSucceeded, Attempts: 1, At: t0.Add(1500 * time.Millisecond)})
	bus.Publish(pipeline.Event{Type: pipeline.EventStageFinished, Stage: "publish_web",
		Status: domain.StatusSkipped, At: t0})
	bus.Publish(pipeline.Event{Type: pipeline.EventPhaseChanged, Phase: domain.PhaseBuilding, At: t0})

	s := m.Snapshot()
	if s.RunningStages != 0 {
		t.Errorf("RunningStages = %d, want 0", s.RunningStages)
	}
	if s.Stages[domain.StatusSucceeded] != 1 || s.Stages[domain.StatusSkipped] != 1 {
		t.Errorf("Stages = %v", s.Stages)
	}
	if s.StageAttempts != 1 {
		t.Errorf("StageAttempts = %d, want 1", s.StageAttempts)
	}
	if s.Phase != domain.PhaseBuilding {
		t.Errorf("Phase = %q, want building", s.Phase)
	}

	out := m.Render()
	for _, want := range []string{
		`shipyard_stage_duration_milliseconds_count{stage="build_web"} 1`,
		`shipyard_stage_duration_milliseconds_sum{stage="build_web"} 1500`,
		`shipyard_stages_total{status="skipped"} 1`,
		`shipyard_run_phase{phase="building"} 1`,
	} {
		if !strings.Contains(out, want) {
			t.Errorf("output missing %q:\n%s", want, out)
		}
	}
	if strings.Contains(out, `stage="publish_web"`) {
		t.Error("skipped stages never ran and have no duration")
	}
}

func TestMetrics_Handler(t *testing.T) {
	m := NewMetrics("2.3.4")

	req := httptest.NewRequest(http.MethodGet, "/metrics", nil)
	rec := httptest.NewRecorder()
	m.Handler().ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d", rec.Code)
	}
	if ct := rec.Header().Get("Content-Type"); !strings.HasPrefix(ct, "text/plain") {
		t.Errorf("Content-Type = %q", ct)
	}
	body := rec.Body.String()
	for _, want := range []string{
		`shipyard_info{version="2.3.4"} 1`,
		`shipyard_runs_total{outcome="failed"} 0`,
		`shipyard_stages_total{status="blocked"} 0`,
	} {
		if !strings.Contains(body, want) {
			t.Errorf("body missing %q", want)
		}
	}
}

func TestMetrics_WriteTo(t *testing.T) {
	m := NewMetrics("1.0.0")
	var buf bytes.Buffer
	n, err := m.WriteTo(&buf)
	if err != nil {
		t.Fatalf("WriteTo() error = %v", err)
	}
	if n != int64(buf.Len()) || n == 0 {
		t.Errorf("WriteTo() = %d bytes, buffer has %d", n, buf.Len())
	}
}
