package pipeline

import (
	"sync"
	"time"

	"github.com/relicta-tech/shipyard/internal/domain/release/domain"
)

// EventType identifies a scheduler event.
type EventType string

const (
	EventStageStarted  EventType = "stage.started"
	EventStageFinished EventType = "stage.finished"
	EventPhaseChanged  EventType = "run.phase_changed"
)

// Event is delivered to every subscriber of a Bus.
type Event struct {
	Type      EventType
	Stage     string
	Kind      domain.StageKind
	Status    domain.StageStatus
	Attempts  int
	Err       error
	Reason    string
	Artifacts []string
	Phase     domain.Phase
	At        time.Time
}

// Subscriber receives events. Stages finish concurrently, so subscribers
// must be safe for concurrent use.
type Subscriber func(Event)

// Bus fans events out to subscribers in subscription order.
type Bus struct {
	mu   sync.Mutex
	subs []Subscriber
}

// NewBus creates an empty bus.
func NewBus() *Bus {
	return &Bus{}
}

// Subscribe registers fn for all future events.
func (b *Bus) Subscribe(fn Subscriber) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.subs = append(b.subs, fn)
}

// Publish delivers e to every subscriber.
func (b *Bus) Publish(e Event) {
	if b == nil {
		return
	}
	b.mu.Lock()
	subs := append([]Subscriber(nil), b.subs...)
	b.mu.Unlock()
	for _, fn := range subs {
		fn(e)
	}
}
