package domain

import (
	"encoding/json"
	"fmt"
	"sort"
	"sync"
	"time"
)

// StageResult records what happened to one stage in a run.
type StageResult struct {
	Name       string      `json:"name"`
	Kind       StageKind   `json:"kind"`
	Status     StageStatus `json:"status"`
	Attempts   int         `json:"attempts"`
	Error      string      `json:"error,omitempty"`
	Reason     string      `json:"reason,omitempty"`
	Artifacts  []string    `json:"artifacts,omitempty"`
	StartedAt  *time.Time  `json:"started_at,omitempty"`
	FinishedAt *time.Time  `json:"finished_at,omitempty"`
}

// Duration returns how long the stage ran, or zero if it never started or finished.
func (s *StageResult) Duration() time.Duration {
	if s.StartedAt == nil || s.FinishedAt == nil {
		return 0
	}
	return s.FinishedAt.Sub(*s.StartedAt)
}

// Run is the aggregate root for one invocation of the orchestrator.
// Stage updates arrive concurrently from the scheduler, so all mutation
// goes through methods that hold the run's lock.
type Run struct {
	mu sync.RWMutex

	ID         RunID                   `json:"id"`
	Channel    Channel                 `json:"channel"`
	Gate       PublishGate             `json:"gate"`
	Metadata   *ReleaseMetadata        `json:"metadata,omitempty"`
	Phase      Phase                   `json:"phase"`
	Stages     map[string]*StageResult `json:"stages"`
	Order      []string                `json:"order"`
	Record     *ReleaseRecord          `json:"record,omitempty"`
	Error      string                  `json:"error,omitempty"`
	StartedAt  time.Time               `json:"started_at"`
	FinishedAt *time.Time              `json:"finished_at,omitempty"`

	events []DomainEvent
}

// StageSpec names a stage and its kind when creating a run.
type StageSpec struct {
	Name string
	Kind StageKind
}

// NewRun creates a run with every listed stage pending.
func NewRun(id RunID, channel Channel, gate PublishGate, stages []StageSpec, now time.Time) *Run {
	r := &Run{
		ID:        id,
		Channel:   channel,
		Gate:      gate,
		Phase:     PhaseInit,
		Stages:    make(map[string]*StageResult, len(stages)),
		Order:     make([]string, 0, len(stages)),
		StartedAt: now,
	}
	for _, s := range stages {
		r.Stages[s.Name] = &StageResult{Name: s.Name, Kind: s.Kind, Status: StatusPending}
		r.Order = append(r.Order, s.Name)
	}
	r.addEvent(&RunStartedEvent{RunID: id, Channel: channel, Stages: len(stages), At: now})
	return r
}

// SetMetadata records the release metadata. It can be set exactly once.
func (r *Run) SetMetadata(m ReleaseMetadata) error {
	if err := m.Validate(); err != nil {
		return err
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.Metadata != nil {
		return ErrMetadataAlreadySet
	}
	r.Metadata = &m
	return nil
}

// ReleaseMetadata returns a copy of the metadata and whether it is set.
func (r *Run) ReleaseMetadata() (ReleaseMetadata, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if r.Metadata == nil {
		return ReleaseMetadata{}, false
	}
	return *r.Metadata, true
}

// StageStarted marks a stage as running.
func (r *Run) StageStarted(name string, now time.Time) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	s, ok := r.Stages[name]
	if !ok {
		return fmt.Errorf("%w: %s", ErrStageNotFound, name)
	}
	if s.Status.IsTerminal() {
		return fmt.Errorf("%w: %s is %s", ErrStageAlreadyFinished, name, s.Status)
	}
	t := now
	s.Status = StatusRunning
	s.StartedAt = &t
	r.addEvent(&StageStartedEvent{RunID: r.ID, Stage: name, Kind: s.Kind, At: now})
	return nil
}

// StageOutcome is the terminal report for one stage.
type StageOutcome struct {
	Status    StageStatus
	Attempts  int
	Err       error
	Reason    string
	Artifacts []string
}

// StageFinished records a terminal outcome for a stage.
func (r *Run) StageFinished(name string, out StageOutcome, now time.Time) error {
	if !out.Status.IsTerminal() {
		return fmt.Errorf("stage %s: %s is not a terminal status", name, out.Status)
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	s, ok := r.Stages[name]
	if !ok {
		return fmt.Errorf("%w: %s", ErrStageNotFound, name)
	}
	if s.Status.IsTerminal() {
		return fmt.Errorf("%w: %s is %s", ErrStageAlreadyFinished, name, s.Status)
	}
	t := now
	s.Status = out.Status
	s.Attempts = out.Attempts
	s.Reason = out.Reason
	s.Artifacts = append([]string(nil), out.Artifacts...)
	s.FinishedAt = &t
	if out.Err != nil {
		s.Error = out.Err.Error()
	}
	r.addEvent(&StageFinishedEvent{
		RunID:  r.ID,
		Stage:  name,
		Kind:   s.Kind,
		Status: out.Status,
		Error:  s.Error,
		At:     now,
	})
	return nil
}

// SetPhase records the phase reached by the run.
func (r *Run) SetPhase(p Phase, now time.Time) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.Phase == p {
		return
	}
	r.addEvent(&PhaseChangedEvent{RunID: r.ID, From: r.Phase, To: p, At: now})
	r.Phase = p
}

// SetRecord records the published release record.
func (r *Run) SetRecord(rec ReleaseRecord) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.Record = &rec
}

// Finish closes the run. errMsg is empty on success.
func (r *Run) Finish(errMsg string, now time.Time) {
	r.mu.Lock()
	defer r.mu.Unlock()
	t := now
	r.FinishedAt = &t
	r.Error = errMsg
	r.addEvent(&RunFinishedEvent{RunID: r.ID, Phase: r.Phase, Failed: r.failedLocked(), At: now})
}

// Stage returns a copy of the named stage result.
func (r *Run) Stage(name string) (StageResult, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	s, ok := r.Stages[name]
	if !ok {
		return StageResult{}, false
	}
	return *s, true
}

// StageResults returns copies of all stage results in creation order.
func (r *Run) StageResults() []StageResult {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]StageResult, 0, len(r.Order))
	for _, name := range r.Order {
		out = append(out, *r.Stages[name])
	}
	return out
}

// Failed reports whether any stage failed or was blocked.
func (r *Run) Failed() bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.failedLocked()
}

func (r *Run) failedLocked() bool {
	for _, s := range r.Stages {
		if s.Status == StatusFailed || s.Status == StatusBlocked {
			return true
		}
	}
	return false
}

// Counts tallies stages by status.
func (r *Run) Counts() map[StageStatus]int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make(map[StageStatus]int)
	for _, s := range r.Stages {
		out[s.Status]++
	}
	return out
}

// FailedStages returns the sorted names of failed stages.
func (r *Run) FailedStages() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	var out []string
	for name, s := range r.Stages {
		if s.Status == StatusFailed {
			out = append(out, name)
		}
	}
	sort.Strings(out)
	return out
}

func (r *Run) addEvent(e DomainEvent) {
	r.events = append(r.events, e)
}

// DomainEvents returns and clears the collected domain events.
func (r *Run) DomainEvents() []DomainEvent {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := r.events
	r.events = nil
	return out
}

type runJSON Run

// MarshalJSON encodes the run under its read lock.
func (r *Run) MarshalJSON() ([]byte, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return json.Marshal((*runJSON)(r))
}
