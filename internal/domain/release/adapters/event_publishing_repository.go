package adapters

import (
	"context"

	"github.com/relicta-tech/shipyard/internal/domain/release/domain"
	"github.com/relicta-tech/shipyard/internal/domain/release/ports"
)

// EventPublishingRepository wraps a repository and publishes domain events after save.
type EventPublishingRepository struct {
	repo      ports.RunRepository
	publisher ports.EventPublisher
}

// NewEventPublishingRepository creates a new event-publishing repository wrapper.
func NewEventPublishingRepository(repo ports.RunRepository, publisher ports.EventPublisher) *EventPublishingRepository {
	return &EventPublishingRepository{repo: repo, publisher: publisher}
}

// Ensure EventPublishingRepository implements the interface.
var _ ports.RunRepository = (*EventPublishingRepository)(nil)

// Save persists a run, then publishes the events it collected since the last save.
// Publishing is best-effort and never fails the save.
func (r *EventPublishingRepository) Save(ctx context.Context, run *domain.Run) error {
	if err := r.repo.Save(ctx, run); err != nil {
		return err
	}
	events := run.DomainEvents()
	if r.publisher != nil && len(events) > 0 {
		_ = r.publisher.Publish(ctx, events...)
	}
	return nil
}

// Load retrieves a run by its ID.
func (r *EventPublishingRepository) Load(ctx context.Context, id domain.RunID) (*domain.Run, error) {
	return r.repo.Load(ctx, id)
}

// LoadLatest retrieves the most recent run for a channel.
func (r *EventPublishingRepository) LoadLatest(ctx context.Context, channel domain.Channel) (*domain.Run, error) {
	return r.repo.LoadLatest(ctx, channel)
}

// List returns run IDs for a channel.
func (r *EventPublishingRepository) List(ctx context.Context, channel domain.Channel) ([]domain.RunID, error) {
	return r.repo.List(ctx, channel)
}
