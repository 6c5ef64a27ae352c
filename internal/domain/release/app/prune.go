package app

import (
	"context"
	"io"
	"time"

	"github.com/charmbracelet/log"

	"github.com/relicta-tech/shipyard/internal/domain/release/domain"
	"github.com/relicta-tech/shipyard/internal/domain/release/ports"
)

// PruneArtifactsOutput lists what the retention sweep removed.
type PruneArtifactsOutput struct {
	Removed []domain.BuildArtifact
}

// PruneArtifactsUseCase deletes artifacts past their retention.
type PruneArtifactsUseCase struct {
	store  ports.ArtifactStore
	clock  ports.Clock
	logger *log.Logger
}

// NewPruneArtifactsUseCase creates a new PruneArtifactsUseCase.
func NewPruneArtifactsUseCase(store ports.ArtifactStore, clock ports.Clock, logger *log.Logger) *PruneArtifactsUseCase {
	if clock == nil {
		clock = systemClock{}
	}
	if logger == nil {
		logger = log.New(io.Discard)
	}
	return &PruneArtifactsUseCase{store: store, clock: clock, logger: logger}
}

// Execute runs the sweep.
func (uc *PruneArtifactsUseCase) Execute(ctx context.Context) (*PruneArtifactsOutput, error) {
	removed, err := uc.store.Prune(ctx, uc.clock.Now())
	if err != nil {
		return nil, err
	}
	for _, a := range removed {
		uc.logger.Debug("artifact pruned", "artifact", a.Name, "created", a.CreatedAt.Format(time.RFC3339))
	}
	uc.logger.Info("retention sweep finished", "removed", len(removed))
	return &PruneArtifactsOutput{Removed: removed}, nil
}

type systemClock struct{}

func (systemClock) Now() time.Time { return time.Now() }
