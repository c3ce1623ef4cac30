package cache

import (
	"context"
	"encoding/json"
	"time"
)

// Record is a single cached upstream response. Records are unique on
// (Endpoint, Key) and are only ever upserted.
type Record struct {
	Endpoint string
	Key      string

	// Payload is the upstream response. A nil payload is a negative result:
	// nothing has ever been fetched successfully for this key.
	Payload json.RawMessage

	// IP is the address of the client whose request last refreshed the record.
	IP string

	CreatedAt time.Time
	ExpireAt  time.Time
}

// Fresh reports whether the record can be served without refreshing.
func (r *Record) Fresh(now time.Time) bool {
	return now.Before(r.ExpireAt)
}

// Store persists cache records.
type Store interface {
	// Find returns the record for (endpoint, key), or nil if there is none.
	Find(ctx context.Context, endpoint, key string) (*Record, error)

	// Upsert writes the payload, IP and expiry of the record. CreatedAt is
	// only written when the record is first inserted.
	Upsert(ctx context.Context, record Record) error
}
