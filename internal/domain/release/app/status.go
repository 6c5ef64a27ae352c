package app

import (
	"context"

	"github.com/relicta-tech/shipyard/internal/domain/release/domain"
	"github.com/relicta-tech/shipyard/internal/domain/release/ports"
)

// GetStatusInput contains the input for getting run status.
type GetStatusInput struct {
	Channel domain.Channel
	RunID   domain.RunID // If empty, uses latest
}

// GetStatusOutput contains the status of a release run.
type GetStatusOutput struct {
	Run *domain.Run
	// Holder describes the run currently holding the channel, if any.
	Holder *ports.LockInfo
}

// GetStatusUseCase handles the get status use case.
type GetStatusUseCase struct {
	repo ports.RunRepository
	lock ports.ChannelLock
}

// NewGetStatusUseCase creates a new GetStatusUseCase.
func NewGetStatusUseCase(repo ports.RunRepository, lock ports.ChannelLock) *GetStatusUseCase {
	return &GetStatusUseCase{repo: repo, lock: lock}
}

// Execute loads the requested run, or the latest for the channel.
func (uc *GetStatusUseCase) Execute(ctx context.Context, input GetStatusInput) (*GetStatusOutput, error) {
	var (
		run *domain.Run
		err error
	)
	if input.RunID != "" {
		run, err = uc.repo.Load(ctx, input.RunID)
	} else {
		run, err = uc.repo.LoadLatest(ctx, input.Channel)
	}
	if err != nil {
		return nil, err
	}

	out := &GetStatusOutput{Run: run}
	if uc.lock != nil {
		if holder, err := uc.lock.Holder(ctx, input.Channel); err == nil {
			out.Holder = holder
		}
	}
	return out, nil
}
