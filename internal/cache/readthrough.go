package cache

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/klpq/chat-auth-bridge/internal/apperr"
	"github.com/rs/zerolog/log"
)

// Policy controls how one upstream endpoint is cached.
type Policy struct {
	Endpoint string

	// TTL is how long a successful fetch is served without refreshing.
	TTL time.Duration

	// RetryTTL is how long to wait before trying upstream again after a failed
	// fetch. The previous payload is served in the meantime.
	RetryTTL time.Duration

	// SurfaceErrors returns fetch failures to the caller after the retry
	// window has been recorded. Otherwise failures are only logged.
	SurfaceErrors bool
}

// FetchFunc retrieves a fresh payload from upstream.
type FetchFunc func(ctx context.Context) (json.RawMessage, error)

// ReadThrough serves upstream responses from a Store, refreshing them when
// they expire and falling back to the previous payload when upstream fails.
//
// Concurrent misses for the same key are not coalesced: each caller fetches
// and the last upsert wins.
type ReadThrough struct {
	store Store
	now   func() time.Time
}

type ReadThroughOption func(*ReadThrough)

func WithClock(now func() time.Time) ReadThroughOption {
	return func(r *ReadThrough) {
		r.now = now
	}
}

func NewReadThrough(store Store, options ...ReadThroughOption) *ReadThrough {
	initMetrics()

	r := &ReadThrough{
		store: store,
		now:   time.Now,
	}
	for _, opt := range options {
		opt(r)
	}

	return r
}

// Get returns the payload cached for key under the policy's endpoint, calling
// fetch when there is no fresh record. The returned payload may be nil (never
// fetched successfully) or stale (last fetch failed).
func (r *ReadThrough) Get(ctx context.Context, policy Policy, key, ip string, fetch FetchFunc) (json.RawMessage, error) {
	logger := log.Ctx(ctx).With().
		Str("endpoint", policy.Endpoint).
		Str("key", key).
		Logger()

	record, err := r.store.Find(ctx, policy.Endpoint, key)
	if err != nil {
		return nil, err
	}

	now := r.now()

	if record != nil && record.Fresh(now) {
		recordLookup(ctx, policy.Endpoint, "hit")
		return record.Payload, nil
	}

	update := Record{
		Endpoint:  policy.Endpoint,
		Key:       key,
		IP:        ip,
		CreatedAt: now,
	}

	payload, fetchErr := fetch(ctx)
	if fetchErr != nil {
		logger.Warn().Err(fetchErr).Dur("retryIn", policy.RetryTTL).Msg("upstream fetch failed, serving previous payload")
		recordLookup(ctx, policy.Endpoint, "stale")

		if record != nil {
			update.Payload = record.Payload
		}
		update.ExpireAt = now.Add(policy.RetryTTL)
	} else {
		recordLookup(ctx, policy.Endpoint, "refreshed")

		update.Payload = payload
		update.ExpireAt = now.Add(policy.TTL)
	}

	if err := r.store.Upsert(ctx, update); err != nil {
		// the caller still gets the payload; the next request refetches
		logger.Error().Err(err).Msg("cache record could not be written")
	}

	if fetchErr != nil && policy.SurfaceErrors {
		return update.Payload, apperr.Upstream(fmt.Errorf("%s fetch failed: %w", policy.Endpoint, fetchErr))
	}

	return update.Payload, nil
}
