package cache

import (
	"context"
	"sync"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"
)

var (
	metricsOnce     sync.Once
	cacheOperations metric.Int64Counter
	cacheDuration   metric.Float64Histogram
	cacheLookups    metric.Int64Counter
)

func initMetrics() {
	metricsOnce.Do(func() {
		meter := otel.Meter("github.com/klpq/chat-auth-bridge/internal/cache")

		var err error
		cacheOperations, err = meter.Int64Counter(
			"cache.operations",
			metric.WithDescription("Total cache store operations"),
		)
		if err != nil {
			otel.Handle(err)
		}

		cacheDuration, err = meter.Float64Histogram(
			"cache.operation.duration",
			metric.WithDescription("Cache store operation duration"),
			metric.WithUnit("s"),
		)
		if err != nil {
			otel.Handle(err)
		}

		cacheLookups, err = meter.Int64Counter(
			"cache.lookups",
			metric.WithDescription("Read-through lookups by outcome"),
		)
		if err != nil {
			otel.Handle(err)
		}
	})
}

// Instrumented wraps a Store with metrics instrumentation.
type Instrumented struct {
	wrapped   Store
	storeType string
}

// NewInstrumented creates an instrumented store wrapper.
func NewInstrumented(store Store, storeType string) *Instrumented {
	initMetrics()
	return &Instrumented{
		wrapped:   store,
		storeType: storeType,
	}
}

func (i *Instrumented) Find(ctx context.Context, endpoint, key string) (*Record, error) {
	start := time.Now()

	record, err := i.wrapped.Find(ctx, endpoint, key)

	duration := time.Since(start)
	i.recordDuration(ctx, "find", endpoint, duration)

	status := "miss"
	if err != nil {
		status = "error"
	} else if record != nil {
		status = "found"
	}
	i.recordOperation(ctx, "find", endpoint, status)
	i.setSpanAttributes(ctx, "find", status, duration)

	return record, err
}

func (i *Instrumented) Upsert(ctx context.Context, record Record) error {
	start := time.Now()

	err := i.wrapped.Upsert(ctx, record)

	duration := time.Since(start)
	i.recordDuration(ctx, "upsert", record.Endpoint, duration)

	status := "success"
	if err != nil {
		status = "error"
	}
	i.recordOperation(ctx, "upsert", record.Endpoint, status)
	i.setSpanAttributes(ctx, "upsert", status, duration)

	return err
}

func (i *Instrumented) recordOperation(ctx context.Context, operation, endpoint, status string) {
	if cacheOperations == nil {
		return
	}
	cacheOperations.Add(ctx, 1,
		metric.WithAttributes(
			attribute.String("cache.type", i.storeType),
			attribute.String("cache.operation", operation),
			attribute.String("cache.endpoint", endpoint),
			attribute.String("cache.status", status),
		),
	)
}

func (i *Instrumented) recordDuration(ctx context.Context, operation, endpoint string, duration time.Duration) {
	if cacheDuration == nil {
		return
	}
	cacheDuration.Record(ctx, duration.Seconds(),
		metric.WithAttributes(
			attribute.String("cache.type", i.storeType),
			attribute.String("cache.operation", operation),
			attribute.String("cache.endpoint", endpoint),
		),
	)
}

func (i *Instrumented) setSpanAttributes(ctx context.Context, operation, status string, duration time.Duration) {
	span := trace.SpanFromContext(ctx)
	span.SetAttributes(
		attribute.String("cache.type", i.storeType),
		attribute.String("cache."+operation+".status", status),
		attribute.Float64("cache."+operation+".duration", duration.Seconds()),
	)
}

// recordLookup counts the outcome of a read-through lookup: hit, refreshed or
// stale.
func recordLookup(ctx context.Context, endpoint, outcome string) {
	if cacheLookups == nil {
		return
	}
	cacheLookups.Add(ctx, 1,
		metric.WithAttributes(
			attribute.String("cache.endpoint", endpoint),
			attribute.String("cache.outcome", outcome),
		),
	)
	trace.SpanFromContext(ctx).SetAttributes(attribute.String("cache.outcome", outcome))
}
