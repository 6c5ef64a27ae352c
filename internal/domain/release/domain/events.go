package domain

import (
	"time"
)

// DomainEvent is the interface for all domain events.
type DomainEvent interface {
	EventName() string
	OccurredAt() time.Time
	AggregateID() RunID
}

// RunStartedEvent is emitted when a new run is created.
type RunStartedEvent struct {
	RunID   RunID
	Channel Channel
	Stages  int
	At      time.Time
}

func (e *RunStartedEvent) EventName() string     { return "run.started" }
func (e *RunStartedEvent) OccurredAt() time.Time { return e.At }

// StageStartedEvent is emitted when a stage begins executing.
type StageStartedEvent struct {
	RunID RunID
	Stage string
	Kind  StageKind
	At    time.Time
}

func (e *StageStartedEvent) EventName() string     { return "stage.started" }
func (e *StageStartedEvent) OccurredAt() time.Time { return e.At }

// StageFinishedEvent is emitted when a stage reaches a terminal status.
type StageFinishedEvent struct {
	RunID  RunID
	Stage  string
	Kind   StageKind
	Status StageStatus
	Error  string
	At     time.Time
}

func (e *StageFinishedEvent) EventName() string     { return "stage.finished" }
func (e *StageFinishedEvent) OccurredAt() time.Time { return e.At }

// PhaseChangedEvent is emitted on every phase transition.
type PhaseChangedEvent struct {
	RunID RunID
	From  Phase
	To    Phase
	At    time.Time
}

func (e *PhaseChangedEvent) EventName() string     { return "run.phase_changed" }
func (e *PhaseChangedEvent) OccurredAt() time.Time { return e.At }

// RunFinishedEvent is emitted when a run closes.
type RunFinishedEvent struct {
	RunID  RunID
	Phase  Phase
	Failed bool
	At     time.Time
}

func (e *RunFinishedEvent) EventName() string     { return "run.finished" }
func (e *RunFinishedEvent) OccurredAt() time.Time { return e.At }

// AggregateID returns the aggregate ID for events that need it.
func (e *RunStartedEvent) AggregateID() RunID    { return e.RunID }
func (e *StageStartedEvent) AggregateID() RunID  { return e.RunID }
func (e *StageFinishedEvent) AggregateID() RunID { return e.RunID }
func (e *PhaseChangedEvent) AggregateID() RunID  { return e.RunID }
func (e *RunFinishedEvent) AggregateID() RunID   { return e.RunID }
