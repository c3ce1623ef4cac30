// Package registry maps client-chosen correlation ids to live push channels.
//
// Delivery is fire-and-forget: an event for an id with no registered channel is
// dropped without error. Events are not queued, so a credential issued before
// the client announced its id is lost.
package registry

import (
	"context"
	"sync"

	"github.com/rs/zerolog/log"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

// Channel is a connected push transport.
type Channel interface {
	Emit(ctx context.Context, event Event) error
}

// Registry owns the correlation id to channel map. A zero Registry is not
// usable; construct with New.
type Registry struct {
	mu       sync.RWMutex
	channels map[string]Channel

	deliveries metric.Int64Counter
}

func New() *Registry {
	meter := otel.Meter("github.com/klpq/chat-auth-bridge/internal/registry")

	deliveries, err := meter.Int64Counter(
		"registry.deliveries",
		metric.WithDescription("Push channel deliveries by outcome"),
	)
	if err != nil {
		otel.Handle(err)
	}

	return &Registry{
		channels:   make(map[string]Channel),
		deliveries: deliveries,
	}
}

// Register binds id to ch. A previous binding for the same id is replaced.
func (r *Registry) Register(id string, ch Channel) {
	r.mu.Lock()
	r.channels[id] = ch
	r.mu.Unlock()

	log.Debug().Str("request_id", id).Msg("registry: channel registered")
}

// Deliver pushes event to the channel registered for id. It reports whether a
// channel was found and accepted the event; callers are not expected to act on
// the result.
func (r *Registry) Deliver(ctx context.Context, id string, event Event) bool {
	r.mu.RLock()
	ch, ok := r.channels[id]
	r.mu.RUnlock()

	if !ok {
		log.Ctx(ctx).Info().
			Str("request_id", id).
			Str("event", string(event.Kind)).
			Msg("registry: no channel for request id, delivery dropped")
		r.record(ctx, event.Kind, "dropped")
		return false
	}

	if err := ch.Emit(ctx, event); err != nil {
		log.Ctx(ctx).Info().Err(err).
			Str("request_id", id).
			Str("event", string(event.Kind)).
			Msg("registry: emit failed, delivery dropped")
		r.record(ctx, event.Kind, "failed")
		return false
	}

	r.record(ctx, event.Kind, "delivered")
	return true
}

// Unregister removes every id bound to ch. Channels are compared by identity,
// so a reconnected client's new channel is unaffected.
func (r *Registry) Unregister(ch Channel) int {
	r.mu.Lock()
	defer r.mu.Unlock()

	removed := 0
	for id, registered := range r.channels {
		if registered == ch {
			delete(r.channels, id)
			removed++
		}
	}

	return removed
}

// Len returns the number of registered ids.
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.channels)
}

func (r *Registry) record(ctx context.Context, kind EventKind, status string) {
	if r.deliveries == nil {
		return
	}
	r.deliveries.Add(ctx, 1,
		metric.WithAttributes(
			attribute.String("registry.event", string(kind)),
			attribute.String("registry.status", status),
		),
	)
}
