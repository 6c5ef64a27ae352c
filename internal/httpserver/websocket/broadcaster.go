package websocket

import (
	"context"
	"time"

	"github.com/relicta-tech/shipyard/internal/domain/release/domain"
	"github.com/relicta-tech/shipyard/internal/domain/release/ports"
)

// EventBroadcaster implements ports.EventPublisher and broadcasts run
// domain events to connected WebSocket clients.
type EventBroadcaster struct {
	hub *Hub
}

var _ ports.EventPublisher = (*EventBroadcaster)(nil)

// NewEventBroadcaster creates a new event broadcaster.
func NewEventBroadcaster(hub *Hub) *EventBroadcaster {
	return &EventBroadcaster{hub: hub}
}

// Publish broadcasts domain events to all connected WebSocket clients.
func (b *EventBroadcaster) Publish(_ context.Context, events ...domain.DomainEvent) error {
	for _, event := range events {
		b.hub.Broadcast(eventToMessage(event))
	}
	return nil
}

// eventToMessage converts a domain event to a WebSocket message.
func eventToMessage(event domain.DomainEvent) Message {
	payload := map[string]any{
		"run_id": event.AggregateID().String(),
		"at":     event.OccurredAt().UTC().Format(time.RFC3339),
	}

	switch e := event.(type) {
	case *domain.RunStartedEvent:
		payload["channel"] = e.Channel.String()
		payload["stages"] = e.Stages

	case *domain.StageStartedEvent:
		payload["stage"] = e.Stage
		payload["kind"] = string(e.Kind)

	case *domain.StageFinishedEvent:
		payload["stage"] = e.Stage
		payload["kind"] = string(e.Kind)
		payload["status"] = string(e.Status)
		if e.Error != "" {
			payload["error"] = e.Error
		}

	case *domain.PhaseChangedEvent:
		payload["from"] = string(e.From)
		payload["to"] = string(e.To)

	case *domain.RunFinishedEvent:
		payload["phase"] = string(e.Phase)
		payload["failed"] = e.Failed
	}

	return Message{Type: event.EventName(), Payload: payload}
}
