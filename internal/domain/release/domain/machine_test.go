package domain

import (
	"errors"
	"testing"
)

func newStartedMachine(t *testing.T) *PhaseMachine {
	t.Helper()
	m, err := NewPhaseMachine()
	if err != nil {
		t.Fatalf("NewPhaseMachine() error = %v", err)
	}
	m.Start()
	return m
}

func mustAdvance(t *testing.T, m *PhaseMachine, phases ...Phase) {
	t.Helper()
	for _, p := range phases {
		if _, err := m.Advance(p); err != nil {
			t.Fatalf("Advance(%s) error = %v", p, err)
		}
	}
}

func TestPhaseMachine_StartsInInit(t *testing.T) {
	m, err := NewPhaseMachine()
	if err != nil {
		t.Fatalf("NewPhaseMachine() error = %v", err)
	}

	if m.Current() != "" {
		t.Errorf("Current() before Start = %q, want empty", m.Current())
	}
	if m.IsDone() {
		t.Error("IsDone() before Start")
	}

	m.Start()
	if m.Current() != PhaseInit {
		t.Errorf("Current() = %q, want %q", m.Current(), PhaseInit)
	}
	if m.IsDone() {
		t.Error("IsDone() right after Start")
	}
}

func TestPhaseMachine_AdvanceBeforeStart(t *testing.T) {
	m, err := NewPhaseMachine()
	if err != nil {
		t.Fatalf("NewPhaseMachine() error = %v", err)
	}

	if _, err := m.Advance(PhaseMetadataReady); !errors.Is(err, ErrMachineNotStarted) {
		t.Errorf("Advance() error = %v, want ErrMachineNotStarted", err)
	}
}

func TestPhaseMachine_HappyPath(t *testing.T) {
	m := newStartedMachine(t)

	for _, p := range []Phase{PhaseMetadataReady, PhaseBuilding, PhasePublishing, PhaseAggregating, PhaseDone} {
		changed, err := m.Advance(p)
		if err != nil {
			t.Fatalf("Advance(%s) error = %v", p, err)
		}
		if !changed {
			t.Errorf("Advance(%s) reported no change", p)
		}
		if m.Current() != p {
			t.Errorf("Current() = %q, want %q", m.Current(), p)
		}
	}
	if !m.IsDone() {
		t.Error("IsDone() = false after done")
	}
}

func TestPhaseMachine_SkipsForward(t *testing.T) {
	m := newStartedMachine(t)
	mustAdvance(t, m, PhaseMetadataReady, PhaseBuilding)

	// Every publish gated off and no aggregation: straight to done.
	changed, err := m.Advance(PhaseDone)
	if err != nil {
		t.Fatalf("Advance(done) error = %v", err)
	}
	if !changed || m.Current() != PhaseDone {
		t.Errorf("Advance(done) changed=%v current=%q", changed, m.Current())
	}
}

func TestPhaseMachine_SamePhaseIsNoop(t *testing.T) {
	m := newStartedMachine(t)
	mustAdvance(t, m, PhaseMetadataReady, PhaseBuilding)

	changed, err := m.Advance(PhaseBuilding)
	if err != nil {
		t.Fatalf("Advance(building) error = %v", err)
	}
	if changed {
		t.Error("advancing to the current phase reported a change")
	}
}

func TestPhaseMachine_RejectsBackwards(t *testing.T) {
	m := newStartedMachine(t)
	mustAdvance(t, m, PhaseMetadataReady, PhasePublishing)

	_, err := m.Advance(PhaseBuilding)
	if !errors.Is(err, ErrInvalidPhase) {
		t.Fatalf("Advance(building) error = %v, want ErrInvalidPhase", err)
	}

	var te *PhaseTransitionError
	if !errors.As(err, &te) {
		t.Fatalf("error %T is not a *PhaseTransitionError", err)
	}
	if te.From != PhasePublishing || te.To != PhaseBuilding {
		t.Errorf("transition = %s -> %s, want publishing -> building", te.From, te.To)
	}
	if m.Current() != PhasePublishing {
		t.Errorf("Current() = %q after rejected transition", m.Current())
	}
}

func TestPhaseMachine_FailIsFinal(t *testing.T) {
	m := newStartedMachine(t)
	mustAdvance(t, m, PhaseMetadataReady)

	if err := m.Fail("shallow clone"); err != nil {
		t.Fatalf("Fail() error = %v", err)
	}
	if m.Current() != PhaseFailed {
		t.Errorf("Current() = %q, want failed", m.Current())
	}
	if m.Reason() != "shallow clone" {
		t.Errorf("Reason() = %q", m.Reason())
	}
	if !m.IsDone() {
		t.Error("IsDone() = false after failure")
	}

	// A second failure keeps the original reason.
	if err := m.Fail("other"); err != nil {
		t.Fatalf("second Fail() error = %v", err)
	}
	if m.Reason() != "shallow clone" {
		t.Errorf("Reason() = %q after second failure", m.Reason())
	}

	for _, p := range []Phase{PhaseBuilding, PhaseDone} {
		if _, err := m.Advance(p); !errors.Is(err, ErrInvalidPhase) {
			t.Errorf("Advance(%s) from failed error = %v, want ErrInvalidPhase", p, err)
		}
	}
}

func TestPhaseMachine_FailFromInit(t *testing.T) {
	m := newStartedMachine(t)
	if err := m.Fail("no version file"); err != nil {
		t.Fatalf("Fail() error = %v", err)
	}
	if m.Current() != PhaseFailed {
		t.Errorf("Current() = %q, want failed", m.Current())
	}
}

func TestPhaseMachine_CannotFailAfterDone(t *testing.T) {
	m := newStartedMachine(t)
	mustAdvance(t, m, PhaseDone)

	if err := m.Fail("late"); !errors.Is(err, ErrInvalidPhase) {
		t.Errorf("Fail() after done error = %v, want ErrInvalidPhase", err)
	}
	if m.Current() != PhaseDone {
		t.Errorf("Current() = %q, want done", m.Current())
	}
}

func TestPhaseMachine_UnknownPhase(t *testing.T) {
	m := newStartedMachine(t)
	if _, err := m.Advance(Phase("shipping")); !errors.Is(err, ErrInvalidPhase) {
		t.Errorf("Advance(shipping) error = %v, want ErrInvalidPhase", err)
	}
}

func TestStageKindPhase(t *testing.T) {
	tests := map[StageKind]Phase{
		KindMetadata:  PhaseInit,
		KindBuild:     PhaseBuilding,
		KindPublish:   PhasePublishing,
		KindAggregate: PhaseAggregating,
	}
	for kind, want := range tests {
		if got := kind.Phase(); got != want {
			t.Errorf("%s.Phase() = %q, want %q", kind, got, want)
		}
	}
}
