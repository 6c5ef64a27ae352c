// Package observability provides run metrics in the Prometheus text format.
package observability

import (
	"fmt"
	"io"
	"net/http"
	"sort"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/relicta-tech/shipyard/internal/domain/release/domain"
	"github.com/relicta-tech/shipyard/internal/pipeline"
)

// Metrics collects orchestrator metrics. Observe is a pipeline.Subscriber,
// so a Metrics value is fed directly from the scheduler's bus.
type Metrics struct {
	mu sync.RWMutex

	// Counters
	runsTotal     atomic.Int64
	runsSucceeded atomic.Int64
	runsFailed    atomic.Int64
	stageAttempts atomic.Int64
	stagesByState map[domain.StageStatus]*atomic.Int64

	// Gauges
	activeRuns   atomic.Int64
	runningStage atomic.Int64
	phase        domain.Phase

	// Summaries (count and sum only)
	runLatencyCount atomic.Int64
	runLatencySum   atomic.Int64
	stageLatency    map[string]*latency
	stageStarted    map[string]time.Time

	version   string
	startTime time.Time
	now       func() time.Time
}

type latency struct {
	count atomic.Int64
	sum   atomic.Int64
}

var knownStatuses = []domain.StageStatus{
	domain.StatusSucceeded, domain.StatusFailed, domain.StatusSkipped, domain.StatusBlocked,
}

// NewMetrics creates a new Metrics instance.
func NewMetrics(version string) *Metrics {
	byState := make(map[domain.StageStatus]*atomic.Int64, len(knownStatuses))
	for _, s := range knownStatuses {
		byState[s] = &atomic.Int64{}
	}
	return &Metrics{
		stagesByState: byState,
		stageLatency:  make(map[string]*latency),
		stageStarted:  make(map[string]time.Time),
		phase:         domain.PhaseInit,
		version:       version,
		startTime:     time.Now(),
		now:           time.Now,
	}
}

// RunStarted marks a run as in progress.
func (m *Metrics) RunStarted() {
	m.activeRuns.Add(1)
}

// RecordRun records a finished run.
func (m *Metrics) RecordRun(failed bool, duration time.Duration) {
	m.activeRuns.Add(-1)
	m.runsTotal.Add(1)
	if failed {
		m.runsFailed.Add(1)
	} else {
		m.runsSucceeded.Add(1)
	}
	m.runLatencyCount.Add(1)
	m.runLatencySum.Add(duration.Milliseconds())
}

// Observe updates stage and phase metrics from a scheduler event.
func (m *Metrics) Observe(e pipeline.Event) {
	at := e.At
	if at.IsZero() {
		at = m.now()
	}

	switch e.Type {
	case pipeline.EventStageStarted:
		m.runningStage.Add(1)
		m.mu.Lock()
		m.stageStarted[e.Stage] = at
		m.mu.Unlock()

	case pipeline.EventStageFinished:
		m.counter(e.Status).Add(1)
		m.stageAttempts.Add(int64(e.Attempts))

		m.mu.Lock()
		started, ran := m.stageStarted[e.Stage]
		delete(m.stageStarted, e.Stage)
		var l *latency
		if ran {
			l = m.stageLatency[e.Stage]
			if l == nil {
				l = &latency{}
				m.stageLatency[e.Stage] = l
			}
		}
		m.mu.Unlock()

		if ran {
			m.runningStage.Add(-1)
			l.count.Add(1)
			l.sum.Add(at.Sub(started).Milliseconds())
		}

	case pipeline.EventPhaseChanged:
		m.mu.Lock()
		m.phase = e.Phase
		m.mu.Unlock()
	}
}

func (m *Metrics) counter(status domain.StageStatus) *atomic.Int64 {
	m.mu.RLock()
	c := m.stagesByState[status]
	m.mu.RUnlock()
	if c != nil {
		return c
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if m.stagesByState[status] == nil {
		m.stagesByState[status] = &atomic.Int64{}
	}
	return m.stagesByState[status]
}

// Handler returns an HTTP handler for the /metrics endpoint.
func (m *Metrics) Handler() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "text/plain; version=0.0.4; charset=utf-8")
		_, _ = io.WriteString(w, m.Render())
	})
}

// WriteTo writes the metrics in Prometheus text format.
func (m *Metrics) WriteTo(w io.Writer) (int64, error) {
	n, err := io.WriteString(w, m.Render())
	return int64(n), err
}

// Render formats the metrics in Prometheus text format.
func (m *Metrics) Render() string {
	var sb strings.Builder

	sb.WriteString("# HELP shipyard_info Build information\n")
	sb.WriteString("# TYPE shipyard_info gauge\n")
	sb.WriteString(fmt.Sprintf("shipyard_info{version=%q} 1\n\n", m.version))

	sb.WriteString("# HELP shipyard_uptime_seconds Uptime in seconds\n")
	sb.WriteString("# TYPE shipyard_uptime_seconds gauge\n")
	sb.WriteString(fmt.Sprintf("shipyard_uptime_seconds %.2f\n\n", time.Since(m.startTime).Seconds()))

	sb.WriteString("# HELP shipyard_runs_total Total number of runs by outcome\n")
	sb.WriteString("# TYPE shipyard_runs_total counter\n")
	sb.WriteString(fmt.Sprintf("shipyard_runs_total{outcome=\"succeeded\"} %d\n", m.runsSucceeded.Load()))
	sb.WriteString(fmt.Sprintf("shipyard_runs_total{outcome=\"failed\"} %d\n\n", m.runsFailed.Load()))

	sb.WriteString("# HELP shipyard_active_runs Number of runs currently in progress\n")
	sb.WriteString("# TYPE shipyard_active_runs gauge\n")
	sb.WriteString(fmt.Sprintf("shipyard_active_runs %d\n\n", m.activeRuns.Load()))

	sb.WriteString("# HELP shipyard_run_duration_milliseconds Run duration\n")
	sb.WriteString("# TYPE shipyard_run_duration_milliseconds summary\n")
	sb.WriteString(fmt.Sprintf("shipyard_run_duration_milliseconds_count %d\n", m.runLatencyCount.Load()))
	sb.WriteString(fmt.Sprintf("shipyard_run_duration_milliseconds_sum %d\n\n", m.runLatencySum.Load()))

	sb.WriteString("# HELP shipyard_running_stages Number of stages currently running\n")
	sb.WriteString("# TYPE shipyard_running_stages gauge\n")
	sb.WriteString(fmt.Sprintf("shipyard_running_stages %d\n\n", m.runningStage.Load()))

	sb.WriteString("# HELP shipyard_stage_attempts_total Total tool calls made by stages\n")
	sb.WriteString("# TYPE shipyard_stage_attempts_total counter\n")
	sb.WriteString(fmt.Sprintf("shipyard_stage_attempts_total %d\n\n", m.stageAttempts.Load()))

	m.mu.RLock()
	defer m.mu.RUnlock()

	sb.WriteString("# HELP shipyard_stages_total Stages finished by status\n")
	sb.WriteString("# TYPE shipyard_stages_total counter\n")
	statuses := make([]string, 0, len(m.stagesByState))
	for s := range m.stagesByState {
		statuses = append(statuses, string(s))
	}
	sort.Strings(statuses)
	for _, s := range statuses {
		sb.WriteString(fmt.Sprintf("shipyard_stages_total{status=%q} %d\n", s, m.stagesByState[domain.StageStatus(s)].Load()))
	}
	sb.WriteString("\n")

	sb.WriteString("# HELP shipyard_run_phase Current run phase\n")
	sb.WriteString("# TYPE shipyard_run_phase gauge\n")
	sb.WriteString(fmt.Sprintf("shipyard_run_phase{phase=%q} 1\n", m.phase))

	if len(m.stageLatency) > 0 {
		sb.WriteString("\n# HELP shipyard_stage_duration_milliseconds Stage duration\n")
		sb.WriteString("# TYPE shipyard_stage_duration_milliseconds summary\n")
		names := make([]string, 0, len(m.stageLatency))
		for name := range m.stageLatency {
			names = append(names, name)
		}
		sort.Strings(names)
		for _, name := range names {
			l := m.stageLatency[name]
			sb.WriteString(fmt.Sprintf("shipyard_stage_duration_milliseconds_count{stage=%q} %d\n", name, l.count.Load()))
			sb.WriteString(fmt.Sprintf("shipyard_stage_duration_milliseconds_sum{stage=%q} %d\n", name, l.sum.Load()))
		}
	}

	return sb.String()
}

// Snapshot is a point-in-time copy of the metrics.
type Snapshot struct {
	RunsTotal     int64
	RunsSucceeded int64
	RunsFailed    int64
	ActiveRuns    int64
	RunningStages int64
	StageAttempts int64
	Stages        map[domain.StageStatus]int64
	Phase         domain.Phase
}

// Snapshot returns a copy of the current values.
func (m *Metrics) Snapshot() Snapshot {
	s := Snapshot{
		RunsTotal:     m.runsTotal.Load(),
		RunsSucceeded: m.runsSucceeded.Load(),
		RunsFailed:    m.runsFailed.Load(),
		ActiveRuns:    m.activeRuns.Load(),
		RunningStages: m.runningStage.Load(),
		StageAttempts: m.stageAttempts.Load(),
		Stages:        make(map[domain.StageStatus]int64),
	}
	m.mu.RLock()
	defer m.mu.RUnlock()
	for st, c := range m.stagesByState {
		s.Stages[st] = c.Load()
	}
	s.Phase = m.phase
	return s
}
