package app

import (
	"context"
	"fmt"
	"io"
	"strings"
	"sync"

	"github.com/charmbracelet/log"

	"github.com/relicta-tech/shipyard/internal/domain/release/domain"
	"github.com/relicta-tech/shipyard/internal/domain/release/ports"
	rperrors "github.com/relicta-tech/shipyard/internal/errors"
	"github.com/relicta-tech/shipyard/internal/pipeline"
)

// RunReleaseInput contains the input for a release run.
type RunReleaseInput struct {
	Channel domain.Channel
	Gate    domain.PublishGate
	// Only restricts the run to these stages and their transitive needs.
	Only []string
	// Queue waits for a busy channel instead of failing.
	Queue bool
	// Subscribers receive every scheduler event after the run record is updated.
	Subscribers []pipeline.Subscriber
}

// RunReleaseOutput contains the result of a release run.
type RunReleaseOutput struct {
	Run      *domain.Run
	Report   *pipeline.Report
	Failed   bool
	Canceled bool
}

// RunReleaseUseCase executes the release graph for one channel.
type RunReleaseUseCase struct {
	stages      *StageFactory
	repo        ports.RunRepository
	lock        ports.ChannelLock
	notifier    ports.Notifier
	clock       ports.Clock
	logger      *log.Logger
	maxParallel int
}

// RunOption configures a RunReleaseUseCase.
type RunOption func(*RunReleaseUseCase)

// WithNotifier sends a run summary when the run ends.
func WithNotifier(n ports.Notifier) RunOption {
	return func(uc *RunReleaseUseCase) { uc.notifier = n }
}

// WithMaxParallel caps concurrently running stages.
func WithMaxParallel(n int) RunOption {
	return func(uc *RunReleaseUseCase) { uc.maxParallel = n }
}

// WithRunLogger sets the logger.
func WithRunLogger(l *log.Logger) RunOption {
	return func(uc *RunReleaseUseCase) {
		if l != nil {
			uc.logger = l
		}
	}
}

// WithRunClock sets the clock.
func WithRunClock(c ports.Clock) RunOption {
	return func(uc *RunReleaseUseCase) {
		if c != nil {
			uc.clock = c
		}
	}
}

// NewRunReleaseUseCase creates a new RunReleaseUseCase.
func NewRunReleaseUseCase(stages *StageFactory, repo ports.RunRepository, lock ports.ChannelLock, opts ...RunOption) *RunReleaseUseCase {
	uc := &RunReleaseUseCase{
		stages: stages,
		repo:   repo,
		lock:   lock,
		clock:  systemClock{},
		logger: log.New(io.Discard),
	}
	for _, opt := range opts {
		opt(uc)
	}
	return uc
}

// Execute runs the release. Stage failures are reported in the output,
// not as an error; an error means the run could not start.
func (uc *RunReleaseUseCase) Execute(ctx context.Context, input RunReleaseInput) (*RunReleaseOutput, error) {
	if err := validateChannel(input.Channel, input.Gate); err != nil {
		return nil, err
	}

	exec := &execution{id: domain.NewRunID(), channel: input.Channel}
	g, err := BuildGraph(input.Gate, input.Only, uc.stages.bind(exec))
	if err != nil {
		return nil, err
	}

	release, err := uc.acquire(ctx, input, exec.id)
	if err != nil {
		return nil, err
	}
	defer release()

	run := domain.NewRun(exec.id, input.Channel, input.Gate, g.Specs(), uc.clock.Now())
	exec.run = run

	machine, err := domain.NewPhaseMachine()
	if err != nil {
		return nil, rperrors.InternalWrap(err, "app.RunRelease", "failed to create phase machine")
	}
	machine.Start()

	bus := pipeline.NewBus()
	rec := &runRecorder{
		ctx:     context.WithoutCancel(ctx),
		run:     run,
		machine: machine,
		repo:    uc.repo,
		bus:     bus,
		clock:   uc.clock,
		logger:  uc.logger,
	}
	bus.Subscribe(rec.observe)
	for _, s := range input.Subscribers {
		bus.Subscribe(s)
	}

	rec.save()
	uc.logger.Info("run started", "run", exec.id.Short(), "channel", input.Channel.String(), "stages", g.Len())

	sched := pipeline.NewScheduler(
		pipeline.WithMaxParallel(uc.maxParallel),
		pipeline.WithBus(bus),
		pipeline.WithClock(uc.clock),
		pipeline.WithLogger(uc.logger),
	)
	report := sched.Execute(ctx, g)

	var errMsg string
	switch {
	case report.Canceled:
		errMsg = "run canceled"
		rec.fail(errMsg)
	case report.Failed():
		if failed := run.FailedStages(); len(failed) > 0 {
			errMsg = "failed stages: " + strings.Join(failed, ", ")
		} else {
			errMsg = "stages blocked"
		}
		rec.fail(errMsg)
	default:
		rec.advance(domain.PhaseDone)
	}
	run.Finish(errMsg, uc.clock.Now())
	rec.save()

	if errMsg != "" {
		uc.logger.Error("run finished", "run", exec.id.Short(), "error", errMsg)
	} else {
		uc.logger.Info("run finished", "run", exec.id.Short(), "phase", run.Phase)
	}

	if uc.notifier != nil {
		if err := uc.notifier.Notify(rec.ctx, run); err != nil {
			uc.logger.Warn("run notification failed", "error", rperrors.RedactError(err))
		}
	}

	return &RunReleaseOutput{
		Run:      run,
		Report:   report,
		Failed:   report.Failed() || report.Canceled,
		Canceled: report.Canceled,
	}, nil
}

func (uc *RunReleaseUseCase) acquire(ctx context.Context, input RunReleaseInput, id domain.RunID) (func(), error) {
	const op = "app.RunRelease"
	ch := input.Channel

	if input.Queue {
		if holder, err := uc.lock.Holder(ctx, ch); err == nil && holder != nil {
			uc.logger.Info("channel busy; waiting", "channel", ch.String(), "holder", holder.RunID.Short())
		}
		return uc.lock.Acquire(ctx, ch, id)
	}

	release, ok, err := uc.lock.TryAcquire(ctx, ch, id)
	if err != nil {
		return nil, err
	}
	if !ok {
		msg := fmt.Sprintf("channel %s already has a run in flight", ch)
		if holder, herr := uc.lock.Holder(ctx, ch); herr == nil && holder != nil {
			msg = fmt.Sprintf("channel %s is busy with run %s (pid %d on %s)", ch, holder.RunID.Short(), holder.HolderPID, holder.Hostname)
		}
		return nil, rperrors.Conflict(op, msg)
	}
	return release, nil
}

func validateChannel(ch domain.Channel, gate domain.PublishGate) error {
	if ch.ReleaseType == "" {
		return ErrReleaseTypeRequired
	}
	if ch.TargetBranch == "" {
		return ErrTargetBranchRequired
	}
	if gate.ReleaseType != ch.ReleaseType {
		return ErrGateMismatch
	}
	return nil
}

// runRecorder keeps the run record and the phase machine in step with
// scheduler events and persists the run after each change.
type runRecorder struct {
	ctx     context.Context
	mu      sync.Mutex
	saveMu  sync.Mutex
	run     *domain.Run
	machine *domain.PhaseMachine
	repo    ports.RunRepository
	bus     *pipeline.Bus
	clock   ports.Clock
	logger  *log.Logger
}

func (r *runRecorder) observe(e pipeline.Event) {
	switch e.Type {
	case pipeline.EventStageStarted:
		if err := r.run.StageStarted(e.Stage, e.At); err != nil {
			r.logger.Warn("cannot record stage start", "stage", e.Stage, "error", err)
		}
		r.advance(e.Kind.Phase())
	case pipeline.EventStageFinished:
		err := r.run.StageFinished(e.Stage, domain.StageOutcome{
			Status:    e.Status,
			Attempts:  e.Attempts,
			Err:       e.Err,
			Reason:    e.Reason,
			Artifacts: e.Artifacts,
		}, e.At)
		if err != nil {
			r.logger.Warn("cannot record stage result", "stage", e.Stage, "error", err)
		}
		if e.Kind == domain.KindMetadata && e.Status == domain.StatusSucceeded {
			r.advance(domain.PhaseMetadataReady)
		}
	default:
		return
	}
	r.save()
}

// advance moves the phase forward. Stages of an earlier phase may still
// start after a later one began; those never move the phase back.
func (r *runRecorder) advance(to domain.Phase) {
	r.mu.Lock()
	cur := r.machine.Current()
	if cur.IsFinal() || to.Rank() <= cur.Rank() {
		r.mu.Unlock()
		return
	}
	changed, err := r.machine.Advance(to)
	if err != nil || !changed {
		r.mu.Unlock()
		if err != nil {
			r.logger.Warn("phase change rejected", "from", cur, "to", to, "error", err)
		}
		return
	}
	now := r.clock.Now()
	r.run.SetPhase(to, now)
	r.mu.Unlock()

	r.logger.Debug("phase changed", "from", cur, "to", to)
	r.bus.Publish(pipeline.Event{Type: pipeline.EventPhaseChanged, Phase: to, At: now})
}

func (r *runRecorder) fail(reason string) {
	r.mu.Lock()
	if err := r.machine.Fail(reason); err != nil {
		r.mu.Unlock()
		r.logger.Warn("cannot fail run", "error", err)
		return
	}
	now := r.clock.Now()
	r.run.SetPhase(domain.PhaseFailed, now)
	r.mu.Unlock()

	r.bus.Publish(pipeline.Event{Type: pipeline.EventPhaseChanged, Phase: domain.PhaseFailed, At: now})
}

func (r *runRecorder) save() {
	r.saveMu.Lock()
	defer r.saveMu.Unlock()
	if err := r.repo.Save(r.ctx, r.run); err != nil {
		r.logger.Warn("failed to save run", "run", r.run.ID.Short(), "error", err)
	}
}
