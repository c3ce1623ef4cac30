// Package handoff drives redirect-based sign-in flows and hands the resulting
// credential to the client's push channel.
//
// A flow starts with a client-chosen correlation id, which is carried through
// the provider redirect in a cookie. When the provider calls back, the
// credential is delivered to whichever push channel registered that id.
package handoff

import (
	"context"
	"errors"
	"net/http"
	"net/url"
	"time"

	"github.com/klpq/chat-auth-bridge/internal/apperr"
	"github.com/klpq/chat-auth-bridge/internal/audit"
	"github.com/klpq/chat-auth-bridge/internal/credential"
	"github.com/klpq/chat-auth-bridge/internal/registry"
	"github.com/rs/zerolog/log"
)

// CallbackBody is the browser response to every handled callback.
const CallbackBody = "sign_in_successful"

// Deliverer pushes events to registered channels.
type Deliverer interface {
	Deliver(ctx context.Context, id string, event registry.Event) bool
}

type Service struct {
	providers     map[string]Provider
	deliverer     Deliverer
	cookieMaxAge  time.Duration
	secureCookies bool
	now           func() time.Time
}

type ServiceOption func(*Service)

// WithCookieMaxAge bounds the time a user has to complete the provider's
// sign-in.
func WithCookieMaxAge(maxAge time.Duration) ServiceOption {
	return func(s *Service) {
		s.cookieMaxAge = maxAge
	}
}

// WithSecureCookies marks the handoff cookie as HTTPS-only.
func WithSecureCookies(secure bool) ServiceOption {
	return func(s *Service) {
		s.secureCookies = secure
	}
}

func WithClock(now func() time.Time) ServiceOption {
	return func(s *Service) {
		s.now = now
	}
}

func NewService(deliverer Deliverer, providers []Provider, options ...ServiceOption) *Service {
	s := &Service{
		providers:    make(map[string]Provider, len(providers)),
		deliverer:    deliverer,
		cookieMaxAge: 10 * time.Minute,
		now:          time.Now,
	}
	for _, p := range providers {
		s.providers[p.ID()] = p
	}
	for _, opt := range options {
		opt(s)
	}

	return s
}

func (s *Service) provider(id string) (Provider, error) {
	p, ok := s.providers[id]
	if !ok {
		return nil, apperr.NotFound("provider")
	}
	return p, nil
}

// Initiate starts a flow for correlationID. It returns the provider URL to
// redirect to and the cookie that carries the flow to the callback.
func (s *Service) Initiate(ctx context.Context, providerID, correlationID string) (string, *http.Cookie, error) {
	p, err := s.provider(providerID)
	if err != nil {
		return "", nil, err
	}

	f := newFlow(ctx, providerID, correlationID, Initiated)

	if correlationID == "" {
		return "", nil, f.fail(ctx, apperr.ErrMissingCorrelationID)
	}

	hc := Context{
		CorrelationID: correlationID,
		Provider:      providerID,
		CreatedAt:     s.now().UTC(),
	}

	redirect, err := p.Begin(ctx, &hc)
	if err != nil {
		return "", nil, f.fail(ctx, err)
	}

	cookie, err := hc.cookie(s.cookieMaxAge, s.secureCookies)
	if err != nil {
		return "", nil, f.fail(ctx, err)
	}

	if err := f.advance(ctx, ProviderRedirected); err != nil {
		return "", nil, f.fail(ctx, err)
	}

	return redirect, cookie, nil
}

// HandleCallback completes the flow and delivers the provider's event. The
// correlation id comes from the handoff cookie only. A flow whose id has no
// live channel still completes: the event is dropped.
//
// The returned cookie clears the handoff cookie and is set on success and
// failure alike.
func (s *Service) HandleCallback(ctx context.Context, providerID string, params url.Values, cookie *http.Cookie) (*http.Cookie, error) {
	p, err := s.provider(providerID)
	if err != nil {
		return nil, err
	}

	expired := expiredCookie(providerID, s.secureCookies)

	hc, err := contextFromCookie(cookie, providerID)
	if err != nil {
		// the exchange still proceeds; only delivery needs the id
		log.Ctx(ctx).Info().Err(err).Str("provider", providerID).Msg("handoff cookie unusable")
		hc = Context{Provider: providerID}
	}

	f := newFlow(ctx, providerID, hc.CorrelationID, ProviderRedirected)

	if err := f.advance(ctx, CallbackReceived); err != nil {
		return expired, f.fail(ctx, err)
	}

	event, err := p.Complete(ctx, params, hc)
	if err != nil {
		return expired, f.fail(ctx, err)
	}

	if err := f.advance(ctx, CredentialIssued); err != nil {
		return expired, f.fail(ctx, err)
	}

	delivered := false
	if hc.CorrelationID != "" {
		delivered = s.deliverer.Deliver(ctx, hc.CorrelationID, event)
	}
	audit.Log(ctx).Delivered = delivered

	if err := f.advance(ctx, Delivered); err != nil {
		return expired, f.fail(ctx, err)
	}

	return expired, nil
}

// Refresh exchanges refreshToken at the provider's token endpoint.
func (s *Service) Refresh(ctx context.Context, providerID, refreshToken string) (credential.Credential, error) {
	p, err := s.provider(providerID)
	if err != nil {
		return credential.Credential{}, err
	}

	audit.Log(ctx).Provider = providerID

	if refreshToken == "" {
		return credential.Credential{}, apperr.ErrMissingRefreshToken
	}

	cred, err := p.Refresh(ctx, refreshToken)
	if err != nil {
		if !errors.Is(err, apperr.ErrNotFound) {
			log.Ctx(ctx).Info().Err(err).Str("provider", providerID).Msg("token refresh failed")
		}
		return credential.Credential{}, err
	}

	return cred, nil
}
