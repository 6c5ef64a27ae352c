package domain

import (
	"fmt"
	"sync"

	"github.com/felixgeelhaar/statekit"
)

// Phase is the coarse state of a release run.
type Phase string

const (
	PhaseInit          Phase = "init"
	PhaseMetadataReady Phase = "metadata_ready"
	PhaseBuilding      Phase = "building"
	PhasePublishing    Phase = "publishing"
	PhaseAggregating   Phase = "aggregating"
	PhaseDone          Phase = "done"
	PhaseFailed        Phase = "failed"
)

var phaseOrder = map[Phase]int{
	PhaseInit:          0,
	PhaseMetadataReady: 1,
	PhaseBuilding:      2,
	PhasePublishing:    3,
	PhaseAggregating:   4,
	PhaseDone:          5,
	PhaseFailed:        5,
}

// IsFinal reports whether no further transitions are possible.
func (p Phase) IsFinal() bool {
	return p == PhaseDone || p == PhaseFailed
}

// Rank orders phases along the happy path. Unknown phases rank -1.
func (p Phase) Rank() int {
	if r, ok := phaseOrder[p]; ok {
		return r
	}
	return -1
}

// Events for the phase machine. Each event names the phase it moves to.
const (
	EventMetadataReady statekit.EventType = "METADATA_READY"
	EventStartBuilds   statekit.EventType = "START_BUILDS"
	EventStartPublish  statekit.EventType = "START_PUBLISHING"
	EventAggregate     statekit.EventType = "START_AGGREGATION"
	EventComplete      statekit.EventType = "COMPLETE"
	EventFail          statekit.EventType = "FAIL"
)

var phaseEvents = map[Phase]statekit.EventType{
	PhaseMetadataReady: EventMetadataReady,
	PhaseBuilding:      EventStartBuilds,
	PhasePublishing:    EventStartPublish,
	PhaseAggregating:   EventAggregate,
	PhaseDone:          EventComplete,
	PhaseFailed:        EventFail,
}

// State IDs for the state machine.
var (
	StateIDInit          = statekit.StateID(PhaseInit)
	StateIDMetadataReady = statekit.StateID(PhaseMetadataReady)
	StateIDBuilding      = statekit.StateID(PhaseBuilding)
	StateIDPublishing    = statekit.StateID(PhasePublishing)
	StateIDAggregating   = statekit.StateID(PhaseAggregating)
	StateIDDone          = statekit.StateID(PhaseDone)
	StateIDFailed        = statekit.StateID(PhaseFailed)
)

// PhaseContext is the statekit context. Transitions carry no guards, so the
// context only records the last failure reason for inspection.
type PhaseContext struct {
	Reason string
}

// PhaseMachine drives a run through its phases. Every non-final phase may
// jump forward to any later phase, so a run whose publishes are all gated
// off can go straight from building to done. Backward moves are rejected.
type PhaseMachine struct {
	mu          sync.Mutex
	interpreter *statekit.Interpreter[PhaseContext]
	started     bool
	reason      string
}

// NewPhaseMachine builds the phase machine.
func NewPhaseMachine() (*PhaseMachine, error) {
	machine, err := statekit.NewMachine[PhaseContext]("release-run-phase").
		WithInitial(StateIDInit).
		State(StateIDInit).
		On(EventMetadataReady).Target(StateIDMetadataReady).
		On(EventFail).Target(StateIDFailed).
		Done().
		State(StateIDMetadataReady).
		On(EventStartBuilds).Target(StateIDBuilding).
		On(EventStartPublish).Target(StateIDPublishing).
		On(EventAggregate).Target(StateIDAggregating).
		On(EventComplete).Target(StateIDDone).
		On(EventFail).Target(StateIDFailed).
		Done().
		State(StateIDBuilding).
		On(EventStartPublish).Target(StateIDPublishing).
		On(EventAggregate).Target(StateIDAggregating).
		On(EventComplete).Target(StateIDDone).
		On(EventFail).Target(StateIDFailed).
		Done().
		State(StateIDPublishing).
		On(EventAggregate).Target(StateIDAggregating).
		On(EventComplete).Target(StateIDDone).
		On(EventFail).Target(StateIDFailed).
		Done().
		State(StateIDAggregating).
		On(EventComplete).Target(StateIDDone).
		On(EventFail).Target(StateIDFailed).
		Done().
		State(StateIDDone).
		Final().
		Done().
		State(StateIDFailed).
		Final().
		Done().
		Build()
	if err != nil {
		return nil, fmt.Errorf("failed to build phase machine: %w", err)
	}

	return &PhaseMachine{interpreter: statekit.NewInterpreter(machine)}, nil
}

// Start enters the initial phase.
func (m *PhaseMachine) Start() {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.started {
		return
	}
	m.interpreter.Start()
	m.started = true
}

// Current returns the current phase, or "" before Start.
func (m *PhaseMachine) Current() Phase {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.current()
}

func (m *PhaseMachine) current() Phase {
	if !m.started {
		return ""
	}
	return Phase(m.interpreter.State().Value)
}

// Advance moves the run to phase to. Advancing to the current phase is a
// no-op; moving backwards or out of a final phase returns a PhaseTransitionError.
// It reports whether the phase changed.
func (m *PhaseMachine) Advance(to Phase) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if !m.started {
		return false, ErrMachineNotStarted
	}
	from := m.current()
	if from == to {
		return false, nil
	}
	evt, ok := phaseEvents[to]
	if !ok {
		return false, fmt.Errorf("%w: unknown phase %q", ErrInvalidPhase, to)
	}
	if from.IsFinal() || (to != PhaseFailed && to.Rank() < from.Rank()) {
		return false, &PhaseTransitionError{From: from, To: to}
	}

	m.interpreter.Send(statekit.Event{Type: evt})
	if got := m.current(); got != to {
		return false, &PhaseTransitionError{From: from, To: to}
	}
	return true, nil
}

// Fail moves the run to the failed phase and records why. Failing an
// already failed run keeps the first reason.
func (m *PhaseMachine) Fail(reason string) error {
	changed, err := m.Advance(PhaseFailed)
	if err != nil {
		return err
	}
	if changed {
		m.mu.Lock()
		m.reason = reason
		m.mu.Unlock()
	}
	return nil
}

// Reason returns the recorded failure reason, if any.
func (m *PhaseMachine) Reason() string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.reason
}

// IsDone returns true if the machine is in a final phase.
func (m *PhaseMachine) IsDone() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	if !m.started {
		return false
	}
	return m.interpreter.Done()
}
