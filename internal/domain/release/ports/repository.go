// Package ports defines the interfaces (ports) for the release orchestration bounded context.
// These are the abstractions that the domain and application layers depend on.
package ports

import (
	"context"

	"github.com/relicta-tech/shipyard/internal/domain/release/domain"
)

// RunRepository persists release runs for the status command.
type RunRepository interface {
	// Save persists a run and marks it as the latest run for its channel.
	Save(ctx context.Context, run *domain.Run) error

	// Load retrieves a run by its ID.
	Load(ctx context.Context, id domain.RunID) (*domain.Run, error)

	// LoadLatest retrieves the most recent run for a channel.
	LoadLatest(ctx context.Context, channel domain.Channel) (*domain.Run, error)

	// List returns run IDs for a channel, newest first.
	List(ctx context.Context, channel domain.Channel) ([]domain.RunID, error)
}

// VersionCodeLedger records the last version code issued per branch so a
// code is never handed out twice.
type VersionCodeLedger interface {
	// Last returns the last issued code for branch, or 0 if none.
	Last(ctx context.Context, branch string) (int, error)

	// Reserve issues the code for a new release on branch: derived, or the
	// next code after the last issued one when derived was already used.
	// Reading the last code and recording the result is atomic across
	// processes sharing the ledger.
	Reserve(ctx context.Context, branch string, derived int) (int, error)
}
