// Package events carries domain events out of the engine: to Kafka for
// downstream services and to the realtime hub for the dashboard.
package events

import (
	"context"
	"time"

	"github.com/google/uuid"
	"go.uber.org/multierr"
	"go.uber.org/zap"
)

// Type names a domain event.
type Type string

const (
	DemandeCreated  Type = "demande.created"
	DemandeUpdated  Type = "demande.updated"
	DemandeWorkflow Type = "demande.workflow"
	DemandeArchived Type = "demande.archived"
	CycleVieCreated Type = "cycle_vie.created"
	CycleVieUpdated Type = "cycle_vie.updated"
	StageTransition Type = "cycle_vie.transition"
	AnomalyDetected Type = "cycle_vie.anomaly"
	AlertCreated    Type = "alert.created"
	AlertUpdated    Type = "alert.updated"
	CaseCreated     Type = "case.created"
	CaseUpdated     Type = "case.updated"
	CaseWorkflow    Type = "case.workflow"
)

// Source is stamped on every event produced by this service.
const Source = "lifecycle-engine"

// Event is the envelope published for every state change.
type Event struct {
	ID        string    `json:"id"`
	Type      Type      `json:"type"`
	Source    string    `json:"source"`
	Key       string    `json:"key"`
	Timestamp time.Time `json:"timestamp"`
	Actor     string    `json:"actor,omitempty"`
	Data      any       `json:"data"`
}

// New builds an event keyed by the id of the record it concerns.
func New(t Type, key, actor string, data any) Event {
	return Event{
		ID:        uuid.NewString(),
		Type:      t,
		Source:    Source,
		Key:       key,
		Timestamp: time.Now().UTC(),
		Actor:     actor,
		Data:      data,
	}
}

// Publisher delivers events. Implementations must be safe for concurrent use.
type Publisher interface {
	Publish(ctx context.Context, evt Event) error
}

// Nop discards events.
type Nop struct{}

// Publish implements Publisher.
func (Nop) Publish(context.Context, Event) error { return nil }

// Multi fans an event out to several publishers. Every publisher is tried;
// their errors are combined.
type Multi []Publisher

// Publish implements Publisher.
func (m Multi) Publish(ctx context.Context, evt Event) error {
	var err error
	for _, p := range m {
		if p == nil {
			continue
		}
		err = multierr.Append(err, p.Publish(ctx, evt))
	}
	return err
}

// PublisherFunc adapts a function to Publisher.
type PublisherFunc func(ctx context.Context, evt Event) error

// Publish implements Publisher.
func (f PublisherFunc) Publish(ctx context.Context, evt Event) error { return f(ctx, evt) }

// Bus emits events on behalf of the engine components. Publishing is best
// effort: the state change has already been committed, so failures are
// logged and reported to observe but never returned. A nil *Bus drops events.
type Bus struct {
	publisher Publisher
	logger    *zap.Logger
	observe   func(t Type, err error)
}

// NewBus wraps p. observe may be nil.
func NewBus(p Publisher, logger *zap.Logger, observe func(t Type, err error)) *Bus {
	if p == nil {
		p = Nop{}
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Bus{publisher: p, logger: logger.Named("events"), observe: observe}
}

// Emit builds and publishes one event.
func (b *Bus) Emit(ctx context.Context, t Type, key, actor string, data any) {
	if b == nil {
		return
	}
	err := b.publisher.Publish(ctx, New(t, key, actor, data))
	if err != nil {
		b.logger.Warn("Failed to publish event",
			zap.String("event_type", string(t)),
			zap.String("key", key),
			zap.Error(err))
	}
	if b.observe != nil {
		b.observe(t, err)
	}
}
