package handoff

import (
	"context"
	"crypto/subtle"
	"errors"
	"fmt"
	"net/url"
	"time"

	"github.com/google/uuid"
	"github.com/klpq/chat-auth-bridge/internal/apperr"
	"github.com/klpq/chat-auth-bridge/internal/credential"
	"github.com/klpq/chat-auth-bridge/internal/registry"
	"github.com/klpq/chat-auth-bridge/internal/token"
	"github.com/maypok86/otter/v2"
)

const klpqRequestIDClaim = "requestId"

// KlpqProvider delegates sign-in to the klpq identity authority. The browser
// is sent to the authority with a short-lived state token that is also kept
// server-side; the authority sends the browser back with that token and its
// own token for the user, which is wrapped in a token signed by this service.
type KlpqProvider struct {
	loginURL     string
	callbackURL  string
	tokens       *token.Service
	stateTTL     time.Duration
	delegatedTTL time.Duration

	// sessions maps the handoff session id to the state token issued for it.
	sessions *otter.Cache[string, string]
}

type KlpqOptions struct {
	// LoginURL is the identity authority's login page.
	LoginURL string

	// CallbackURL is where the authority returns the browser.
	CallbackURL string

	StateTTL     time.Duration
	DelegatedTTL time.Duration
	MaxSessions  int
}

func NewKlpq(tokens *token.Service, opts KlpqOptions) *KlpqProvider {
	if opts.StateTTL <= 0 {
		opts.StateTTL = 5 * time.Minute
	}
	if opts.MaxSessions <= 0 {
		opts.MaxSessions = 10_000
	}

	return &KlpqProvider{
		loginURL:     opts.LoginURL,
		callbackURL:  opts.CallbackURL,
		tokens:       tokens,
		stateTTL:     opts.StateTTL,
		delegatedTTL: opts.DelegatedTTL,
		sessions: otter.Must(&otter.Options[string, string]{
			MaximumSize:      opts.MaxSessions,
			ExpiryCalculator: otter.ExpiryCreating[string, string](opts.StateTTL),
		}),
	}
}

func (p *KlpqProvider) ID() string {
	return "klpq"
}

func (p *KlpqProvider) Begin(_ context.Context, hc *Context) (string, error) {
	state, err := p.tokens.Issue(token.Claims{klpqRequestIDClaim: hc.CorrelationID}, p.stateTTL)
	if err != nil {
		return "", fmt.Errorf("klpq state token creation failed: %w", err)
	}

	login, err := url.Parse(p.loginURL)
	if err != nil {
		return "", fmt.Errorf("klpq login URL is invalid: %w", err)
	}

	hc.Session = uuid.NewString()
	p.sessions.Set(hc.Session, state)

	query := login.Query()
	query.Set("callbackUrl", p.callbackURL)
	query.Set("token", state)
	login.RawQuery = query.Encode()

	return login.String(), nil
}

// Complete checks the presented state token against the session before
// trusting the authority's token. A session is usable once.
func (p *KlpqProvider) Complete(_ context.Context, params url.Values, hc Context) (registry.Event, error) {
	stored, ok := p.sessions.GetIfPresent(hc.Session)
	if !ok || hc.Session == "" {
		return registry.Event{}, apperr.BadToken(errors.New("no klpq session for callback"))
	}
	p.sessions.Invalidate(hc.Session)

	presented := params.Get("token")
	if subtle.ConstantTimeCompare([]byte(stored), []byte(presented)) != 1 {
		return registry.Event{}, apperr.BadToken(errors.New("presented state token does not match session"))
	}

	claims, err := p.tokens.Verify(stored)
	if err != nil {
		return registry.Event{}, err
	}
	if claims[klpqRequestIDClaim] != hc.CorrelationID {
		return registry.Event{}, apperr.BadToken(errors.New("state token was issued for another request"))
	}

	nested := params.Get("jwt")
	userID, err := token.NestedUserID(nested)
	if err != nil {
		return registry.Event{}, err
	}

	signed, err := p.tokens.IssueDelegated(userID, nested, p.delegatedTTL)
	if err != nil {
		return registry.Event{}, err
	}

	return registry.DelegatedTokenEvent(signed), nil
}

// Refresh is not supported: delegated tokens are reissued by signing in again.
func (p *KlpqProvider) Refresh(context.Context, string) (credential.Credential, error) {
	return credential.Credential{}, apperr.NotFound("refresh")
}
