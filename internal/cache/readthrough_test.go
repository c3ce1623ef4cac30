package cache_test

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/klpq/chat-auth-bridge/internal/apperr"
	"github.com/klpq/chat-auth-bridge/internal/cache"
	"github.com/klpq/chat-auth-bridge/internal/testhelpers"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var (
	start = time.Date(2024, time.June, 1, 12, 0, 0, 0, time.UTC)

	streamsPolicy = cache.Policy{
		Endpoint: "search",
		TTL:      15 * time.Minute,
		RetryTTL: time.Minute,
	}

	channelsPolicy = cache.Policy{
		Endpoint:      "channels",
		TTL:           14 * 24 * time.Hour,
		RetryTTL:      time.Minute,
		SurfaceErrors: true,
	}
)

type fetcher struct {
	calls   int
	payload json.RawMessage
	err     error
}

func (f *fetcher) fetch(context.Context) (json.RawMessage, error) {
	f.calls++
	return f.payload, f.err
}

func newReadThrough(t *testing.T, store cache.Store) (*cache.ReadThrough, *time.Time) {
	t.Helper()
	testhelpers.SetupLogger(t)

	now := start
	return cache.NewReadThrough(store, cache.WithClock(func() time.Time { return now })), &now
}

func TestGet_FreshRecordServedWithoutFetch(t *testing.T) {
	ctx := context.Background()
	store := cache.NewMemory(10)
	rt, _ := newReadThrough(t, store)

	err := store.Upsert(ctx, cache.Record{
		Endpoint: "search",
		Key:      "UC1",
		Payload:  json.RawMessage(`{"items":["cached"]}`),
		ExpireAt: start.Add(time.Minute),
	})
	require.NoError(t, err)

	f := &fetcher{payload: json.RawMessage(`{"items":["fresh"]}`)}

	payload, err := rt.Get(ctx, streamsPolicy, "UC1", "10.0.0.1", f.fetch)

	require.NoError(t, err)
	assert.JSONEq(t, `{"items":["cached"]}`, string(payload))
	assert.Equal(t, 0, f.calls)
}

func TestGet_ExpiredRecordFetchedOnceThenServed(t *testing.T) {
	ctx := context.Background()
	store := cache.NewMemory(10)
	rt, now := newReadThrough(t, store)

	err := store.Upsert(ctx, cache.Record{
		Endpoint:  "search",
		Key:       "UC1",
		Payload:   json.RawMessage(`{"items":["old"]}`),
		CreatedAt: start.Add(-time.Hour),
		ExpireAt:  start.Add(-time.Second),
	})
	require.NoError(t, err)

	f := &fetcher{payload: json.RawMessage(`{"items":["new"]}`)}

	payload, err := rt.Get(ctx, streamsPolicy, "UC1", "10.0.0.1", f.fetch)
	require.NoError(t, err)
	assert.JSONEq(t, `{"items":["new"]}`, string(payload))

	*now = start.Add(10 * time.Minute)
	payload, err = rt.Get(ctx, streamsPolicy, "UC1", "10.0.0.2", f.fetch)
	require.NoError(t, err)
	assert.JSONEq(t, `{"items":["new"]}`, string(payload))

	assert.Equal(t, 1, f.calls)

	record, err := store.Find(ctx, "search", "UC1")
	require.NoError(t, err)
	assert.Equal(t, start.Add(-time.Hour), record.CreatedAt)
	assert.Equal(t, start.Add(15*time.Minute), record.ExpireAt)
	assert.Equal(t, "10.0.0.1", record.IP)
}

func TestGet_FailureServesStaleAndWaitsForRetryWindow(t *testing.T) {
	ctx := context.Background()
	store := cache.NewMemory(10)
	rt, now := newReadThrough(t, store)

	err := store.Upsert(ctx, cache.Record{
		Endpoint: "search",
		Key:      "UC1",
		Payload:  json.RawMessage(`{"items":["old"]}`),
		ExpireAt: start.Add(-time.Second),
	})
	require.NoError(t, err)

	f := &fetcher{err: errors.New("quota exceeded")}

	payload, err := rt.Get(ctx, streamsPolicy, "UC1", "10.0.0.1", f.fetch)
	require.NoError(t, err)
	assert.JSONEq(t, `{"items":["old"]}`, string(payload))
	assert.Equal(t, 1, f.calls)

	record, err := store.Find(ctx, "search", "UC1")
	require.NoError(t, err)
	assert.Equal(t, start.Add(time.Minute), record.ExpireAt)

	// inside the retry window the stale payload is served without upstream
	*now = start.Add(30 * time.Second)
	_, err = rt.Get(ctx, streamsPolicy, "UC1", "10.0.0.1", f.fetch)
	require.NoError(t, err)
	assert.Equal(t, 1, f.calls)

	// after the window upstream is tried again
	*now = start.Add(61 * time.Second)
	f.err = nil
	f.payload = json.RawMessage(`{"items":["new"]}`)

	payload, err = rt.Get(ctx, streamsPolicy, "UC1", "10.0.0.1", f.fetch)
	require.NoError(t, err)
	assert.JSONEq(t, `{"items":["new"]}`, string(payload))
	assert.Equal(t, 2, f.calls)
}

func TestGet_FailureWithNoRecordServesNull(t *testing.T) {
	ctx := context.Background()
	store := cache.NewMemory(10)
	rt, _ := newReadThrough(t, store)

	f := &fetcher{err: errors.New("upstream down")}

	payload, err := rt.Get(ctx, streamsPolicy, "UC1", "10.0.0.1", f.fetch)

	require.NoError(t, err)
	assert.Nil(t, payload)

	record, err := store.Find(ctx, "search", "UC1")
	require.NoError(t, err)
	require.NotNil(t, record)
	assert.Nil(t, record.Payload)
	assert.Equal(t, start.Add(time.Minute), record.ExpireAt)
}

func TestGet_SurfacedFailureStillRecordsRetryWindow(t *testing.T) {
	ctx := context.Background()
	store := cache.NewMemory(10)
	rt, _ := newReadThrough(t, store)

	f := &fetcher{err: errors.New("upstream down")}

	payload, err := rt.Get(ctx, channelsPolicy, "someuser", "10.0.0.1", f.fetch)

	assert.ErrorIs(t, err, apperr.ErrUpstreamFailure)
	assert.Nil(t, payload)

	record, err := store.Find(ctx, "channels", "someuser")
	require.NoError(t, err)
	require.NotNil(t, record)
	assert.Equal(t, start.Add(time.Minute), record.ExpireAt)

	// the retry window applies to surfaced failures too
	_, err = rt.Get(ctx, channelsPolicy, "someuser", "10.0.0.1", f.fetch)
	assert.NoError(t, err)
	assert.Equal(t, 1, f.calls)
}

func TestGet_ChannelsCachedForFourteenDays(t *testing.T) {
	ctx := context.Background()
	store := cache.NewMemory(10)
	rt, now := newReadThrough(t, store)

	f := &fetcher{payload: json.RawMessage(`{"items":[{"id":"UC1"}]}`)}

	payload, err := rt.Get(ctx, channelsPolicy, "someuser", "10.0.0.1", f.fetch)
	require.NoError(t, err)
	assert.JSONEq(t, `{"items":[{"id":"UC1"}]}`, string(payload))

	*now = start.Add(13 * 24 * time.Hour)
	_, err = rt.Get(ctx, channelsPolicy, "someuser", "10.0.0.1", f.fetch)
	require.NoError(t, err)
	assert.Equal(t, 1, f.calls)

	*now = start.Add(14*24*time.Hour + time.Second)
	_, err = rt.Get(ctx, channelsPolicy, "someuser", "10.0.0.1", f.fetch)
	require.NoError(t, err)
	assert.Equal(t, 2, f.calls)
}

func TestGet_StoreLookupErrorIsReturned(t *testing.T) {
	rt, _ := newReadThrough(t, &brokenStore{findErr: errors.New("connection refused")})

	f := &fetcher{payload: json.RawMessage(`{}`)}

	_, err := rt.Get(context.Background(), streamsPolicy, "UC1", "10.0.0.1", f.fetch)

	assert.ErrorContains(t, err, "connection refused")
	assert.Equal(t, 0, f.calls)
}

func TestGet_StoreWriteErrorStillServesPayload(t *testing.T) {
	rt, _ := newReadThrough(t, &brokenStore{upsertErr: errors.New("not primary")})

	f := &fetcher{payload: json.RawMessage(`{"items":[]}`)}

	payload, err := rt.Get(context.Background(), streamsPolicy, "UC1", "10.0.0.1", f.fetch)

	require.NoError(t, err)
	assert.JSONEq(t, `{"items":[]}`, string(payload))
}

type brokenStore struct {
	findErr   error
	upsertErr error
}

func (b *brokenStore) Find(context.Context, string, string) (*cache.Record, error) {
	return nil, b.findErr
}

func (b *brokenStore) Upsert(context.Context, cache.Record) error {
	return b.upsertErr
}
