package history

import (
	"context"
	"time"

	"github.com/nkVas1/nkVasi-Flux2-LoRA-Manager/internal/store"
)

// EventType defines the kind of run lifecycle event.
type EventType string

const (
	EventStart EventType = "start"
	EventExit  EventType = "exit"
)

// Event represents a run lifecycle event to be exported to external
// systems for analytics.
type Event struct {
	Type       EventType    `json:"type"`
	OccurredAt time.Time    `json:"occurred_at"`
	Record     store.Record `json:"record"`
}

// Sink is a destination for history events. Implementations must be safe
// for concurrent use.
type Sink interface {
	Send(ctx context.Context, e Event) error
}

// Multi fans one event out to several sinks. Send returns the first error
// but still delivers to the remaining sinks.
type Multi []Sink

func (m Multi) Send(ctx context.Context, e Event) error {
	var first error
	for _, s := range m {
		if err := s.Send(ctx, e); err != nil && first == nil {
			first = err
		}
	}
	return first
}
