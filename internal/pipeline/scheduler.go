package pipeline

import (
	"context"
	"fmt"
	"io"
	"sort"
	"time"

	"github.com/charmbracelet/log"
	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/semaphore"

	"github.com/relicta-tech/shipyard/internal/domain/release/domain"
	"github.com/relicta-tech/shipyard/internal/domain/release/ports"
	rperrors "github.com/relicta-tech/shipyard/internal/errors"
)

// Reasons recorded on stages that did not run.
const (
	ReasonGatedOff = "gated off"
	ReasonCanceled = "run canceled"
)

// Outcome is the terminal state of one stage after Execute.
type Outcome struct {
	Name      string
	Kind      domain.StageKind
	Status    domain.StageStatus
	Attempts  int
	Err       error
	Reason    string
	Artifacts []string
}

// Report collects every stage outcome of one Execute call.
type Report struct {
	Order    []string
	Outcomes map[string]Outcome
	Canceled bool
}

// Status returns the final status of the named stage.
func (r *Report) Status(name string) domain.StageStatus {
	return r.Outcomes[name].Status
}

// Failed reports whether any stage failed or was blocked.
func (r *Report) Failed() bool {
	for _, o := range r.Outcomes {
		if o.Status == domain.StatusFailed || o.Status == domain.StatusBlocked {
			return true
		}
	}
	return false
}

// Scheduler runs a Graph with bounded parallelism. A stage starts only when
// every need succeeded. Failures never cancel siblings; they block only the
// stages downstream of them.
type Scheduler struct {
	maxParallel int
	bus         *Bus
	clock       ports.Clock
	logger      *log.Logger
}

// Option configures a Scheduler.
type Option func(*Scheduler)

// WithMaxParallel caps how many stages run at once. Zero or less means no cap.
func WithMaxParallel(n int) Option {
	return func(s *Scheduler) { s.maxParallel = n }
}

// WithBus sets the bus that receives stage events.
func WithBus(b *Bus) Option {
	return func(s *Scheduler) { s.bus = b }
}

// WithClock sets the clock used to timestamp events.
func WithClock(c ports.Clock) Option {
	return func(s *Scheduler) { s.clock = c }
}

// WithLogger sets the scheduler logger.
func WithLogger(l *log.Logger) Option {
	return func(s *Scheduler) { s.logger = l }
}

// NewScheduler creates a scheduler.
func NewScheduler(opts ...Option) *Scheduler {
	s := &Scheduler{}
	for _, opt := range opts {
		opt(s)
	}
	if s.clock == nil {
		s.clock = systemClock{}
	}
	if s.logger == nil {
		s.logger = log.New(io.Discard)
	}
	return s
}

type decision int

const (
	waiting decision = iota
	ready
	blockedByNeed
	skippedByNeed
)

// decide inspects the needs of a pending stage.
func decide(st *Stage, status map[string]domain.StageStatus) (decision, string) {
	var skippedNeed string
	for _, need := range st.Needs {
		switch status[need] {
		case domain.StatusFailed, domain.StatusBlocked:
			return blockedByNeed, fmt.Sprintf("need %s %s", need, status[need])
		case domain.StatusSkipped:
			if skippedNeed == "" {
				skippedNeed = need
			}
		case domain.StatusSucceeded:
		default:
			return waiting, ""
		}
	}
	if skippedNeed != "" {
		return skippedByNeed, fmt.Sprintf("need %s skipped", skippedNeed)
	}
	return ready, ""
}

// Execute runs every stage of g and returns their outcomes. Canceling ctx
// stops new stages from starting; stages already running see the canceled
// context and stages never started finish as skipped.
func (s *Scheduler) Execute(ctx context.Context, g *Graph) *Report {
	limit := s.maxParallel
	if limit <= 0 || limit > g.Len() {
		limit = g.Len()
	}
	sem := semaphore.NewWeighted(int64(limit))
	eg, egCtx := errgroup.WithContext(ctx)

	report := &Report{Order: g.Order(), Outcomes: make(map[string]Outcome, g.Len())}
	status := make(map[string]domain.StageStatus, g.Len())
	for _, name := range g.order {
		status[name] = domain.StatusPending
	}

	done := make(chan Outcome, g.Len())
	inflight := 0

	finish := func(o Outcome) {
		status[o.Name] = o.Status
		report.Outcomes[o.Name] = o
		s.logFinished(o)
		s.bus.Publish(Event{
			Type:      EventStageFinished,
			Stage:     o.Name,
			Kind:      o.Kind,
			Status:    o.Status,
			Attempts:  o.Attempts,
			Err:       o.Err,
			Reason:    o.Reason,
			Artifacts: o.Artifacts,
			At:        s.clock.Now(),
		})
	}

	for {
		for progressed := true; progressed; {
			progressed = false
			for _, name := range g.order {
				if status[name] != domain.StatusPending {
					continue
				}
				st := g.stages[name]
				d, reason := decide(st, status)
				switch d {
				case waiting:
					continue
				case blockedByNeed:
					finish(Outcome{Name: name, Kind: st.Kind, Status: domain.StatusBlocked, Reason: reason})
					progressed = true
				case skippedByNeed:
					finish(Outcome{Name: name, Kind: st.Kind, Status: domain.StatusSkipped, Reason: reason})
					progressed = true
				case ready:
					if !st.Enabled {
						reason := st.SkipReason
						if reason == "" {
							reason = ReasonGatedOff
						}
						finish(Outcome{Name: name, Kind: st.Kind, Status: domain.StatusSkipped, Reason: reason})
						progressed = true
						continue
					}
					if ctx.Err() != nil {
						continue
					}
					status[name] = domain.StatusRunning
					inflight++
					eg.Go(func() error {
						done <- s.runStage(egCtx, sem, st)
						return nil
					})
				}
			}
		}

		if inflight == 0 {
			break
		}
		o := <-done
		inflight--
		finish(o)
	}
	_ = eg.Wait()

	if ctx.Err() != nil {
		report.Canceled = true
		for _, name := range g.order {
			if status[name] == domain.StatusPending {
				finish(Outcome{Name: name, Kind: g.stages[name].Kind, Status: domain.StatusSkipped, Reason: ReasonCanceled})
			}
		}
	}
	return report
}

func (s *Scheduler) runStage(ctx context.Context, sem *semaphore.Weighted, st *Stage) (out Outcome) {
	out = Outcome{Name: st.Name, Kind: st.Kind}

	if err := sem.Acquire(ctx, 1); err != nil {
		out.Status = domain.StatusSkipped
		out.Reason = ReasonCanceled
		return out
	}
	defer sem.Release(1)

	s.logger.Info("stage started", "stage", st.Name, "kind", st.Kind)
	s.bus.Publish(Event{Type: EventStageStarted, Stage: st.Name, Kind: st.Kind, Status: domain.StatusRunning, At: s.clock.Now()})

	defer func() {
		if r := recover(); r != nil {
			out.Status = domain.StatusFailed
			out.Err = rperrors.Internal("pipeline.runStage", fmt.Sprintf("stage %s panicked: %v", st.Name, r))
		}
	}()

	var res Result
	if st.Run != nil {
		res = st.Run(ctx)
	}
	out.Attempts = res.Attempts
	if out.Attempts == 0 {
		out.Attempts = 1
	}
	out.Artifacts = res.Artifacts
	out.Err = res.Err
	if res.Err != nil {
		out.Status = domain.StatusFailed
	} else {
		out.Status = domain.StatusSucceeded
	}
	return out
}

func (s *Scheduler) logFinished(o Outcome) {
	switch o.Status {
	case domain.StatusFailed:
		s.logger.Error("stage failed", "stage", o.Name, "attempts", o.Attempts, "error", rperrors.RedactError(o.Err))
	case domain.StatusBlocked:
		s.logger.Warn("stage blocked", "stage", o.Name, "reason", o.Reason)
	case domain.StatusSkipped:
		s.logger.Info("stage skipped", "stage", o.Name, "reason", o.Reason)
	default:
		s.logger.Info("stage succeeded", "stage", o.Name, "artifacts", len(o.Artifacts))
	}
}

// Ordered returns the outcomes in topological order.
func (r *Report) Ordered() []Outcome {
	out := make([]Outcome, 0, len(r.Order))
	for _, name := range r.Order {
		if o, ok := r.Outcomes[name]; ok {
			out = append(out, o)
		}
	}
	return out
}

// Counts tallies outcomes by status, sorted by status name.
func (r *Report) Counts() []StatusCount {
	m := make(map[domain.StageStatus]int)
	for _, o := range r.Outcomes {
		m[o.Status]++
	}
	out := make([]StatusCount, 0, len(m))
	for st, n := range m {
		out = append(out, StatusCount{Status: st, Count: n})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Status < out[j].Status })
	return out
}

// StatusCount pairs a status with how many stages ended in it.
type StatusCount struct {
	Status domain.StageStatus
	Count  int
}

type systemClock struct{}

func (systemClock) Now() time.Time { return time.Now() }
