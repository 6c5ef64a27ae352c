package domain

import (
	"errors"
	"fmt"
)

// Domain errors for release run operations.
var (
	// ErrInvalidPhase indicates a phase transition that would move backwards or leave a final phase.
	ErrInvalidPhase = errors.New("invalid phase transition")

	// ErrMachineNotStarted indicates the phase machine was used before Start.
	ErrMachineNotStarted = errors.New("phase machine not started")

	// ErrInvalidReleaseType indicates an unknown release type.
	ErrInvalidReleaseType = errors.New("invalid release type")

	// ErrInvalidMetadata indicates release metadata that breaks its invariants.
	ErrInvalidMetadata = errors.New("invalid release metadata")

	// ErrMetadataAlreadySet indicates a second attempt to set the immutable metadata.
	ErrMetadataAlreadySet = errors.New("release metadata already set for this run")

	// ErrStageNotFound indicates a stage name that is not part of the run.
	ErrStageNotFound = errors.New("stage not found in run")

	// ErrStageAlreadyFinished indicates an attempt to change a terminal stage.
	ErrStageAlreadyFinished = errors.New("stage already finished")

	// ErrRunNotFound indicates no run is recorded for the channel.
	ErrRunNotFound = errors.New("release run not found")

	// ErrArtifactNotFound indicates an artifact is not in the store.
	ErrArtifactNotFound = errors.New("artifact not found")

	// ErrArtifactExists indicates an attempt to overwrite a write-once artifact.
	ErrArtifactExists = errors.New("artifact already exists")
)

// PhaseTransitionError describes a rejected phase change.
type PhaseTransitionError struct {
	From Phase
	To   Phase
}

// Error implements the error interface.
func (e *PhaseTransitionError) Error() string {
	if e.From.IsFinal() {
		return fmt.Sprintf("cannot move to %s: run already %s", e.To, e.From)
	}
	return fmt.Sprintf("cannot move from %s back to %s", e.From, e.To)
}

// Unwrap returns the underlying error for errors.Is compatibility.
func (e *PhaseTransitionError) Unwrap() error {
	return ErrInvalidPhase
}

// StageError provides detailed information about a stage failure.
type StageError struct {
	Stage     string
	Kind      StageKind
	Attempts  int
	LastError string
}

// Error implements the error interface.
func (e *StageError) Error() string {
	return fmt.Sprintf("stage '%s' (%s) failed after %d attempt(s): %s",
		e.Stage, e.Kind, e.Attempts, e.LastError)
}

// NewStageError creates a new StageError.
func NewStageError(stage string, kind StageKind, attempts int, lastError string) *StageError {
	return &StageError{
		Stage:     stage,
		Kind:      kind,
		Attempts:  attempts,
		LastError: lastError,
	}
}
