// Package syncdoc keeps the channel lists clients synchronise between devices.
// The channel list is opaque to the service; it is stored and returned as
// given.
package syncdoc

import (
	"context"
	"encoding/json"
	"time"

	"github.com/google/uuid"
	"github.com/klpq/chat-auth-bridge/internal/apperr"
	"github.com/rs/zerolog/log"
)

type Document struct {
	ID        string          `json:"id"`
	Owner     string          `json:"owner,omitempty"`
	Channels  json.RawMessage `json:"channels"`
	CreatedAt time.Time       `json:"createdAt"`
	UpdatedAt time.Time       `json:"updatedAt"`

	// client addresses are stored but never rendered
	CreatedIP string `json:"-"`
	UpdatedIP string `json:"-"`
}

// Store persists documents. Update and Get return an apperr NotFound error
// for unknown ids.
type Store interface {
	Insert(ctx context.Context, doc Document) error
	Update(ctx context.Context, id string, channels json.RawMessage, ip string, at time.Time) error
	Get(ctx context.Context, id string) (*Document, error)
}

var errNotFound = apperr.NotFound("sync")

type Service struct {
	store Store
	now   func() time.Time
	newID func() string
}

type Option func(*Service)

func WithClock(now func() time.Time) Option {
	return func(s *Service) {
		s.now = now
	}
}

func WithIDGenerator(newID func() string) Option {
	return func(s *Service) {
		s.newID = newID
	}
}

func NewService(store Store, options ...Option) *Service {
	s := &Service{
		store: store,
		now:   time.Now,
		newID: uuid.NewString,
	}
	for _, opt := range options {
		opt(s)
	}
	return s
}

// Save creates a document when id is empty and replaces the channels of an
// existing one otherwise. The owner is only recorded on creation.
func (s *Service) Save(ctx context.Context, id string, channels json.RawMessage, owner, ip string) (string, error) {
	now := s.now()

	if id != "" {
		if err := s.store.Update(ctx, id, channels, ip, now); err != nil {
			return "", err
		}
		log.Ctx(ctx).Debug().Str("sync_id", id).Msg("sync: document updated")
		return id, nil
	}

	doc := Document{
		ID:        s.newID(),
		Owner:     owner,
		Channels:  channels,
		CreatedAt: now,
		UpdatedAt: now,
		CreatedIP: ip,
		UpdatedIP: ip,
	}
	if err := s.store.Insert(ctx, doc); err != nil {
		return "", err
	}

	log.Ctx(ctx).Info().Str("sync_id", doc.ID).Str("owner", owner).Msg("sync: document created")

	return doc.ID, nil
}

func (s *Service) Get(ctx context.Context, id string) (*Document, error) {
	if id == "" {
		return nil, errNotFound
	}
	return s.store.Get(ctx, id)
}
