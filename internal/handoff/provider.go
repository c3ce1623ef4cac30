package handoff

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"slices"

	"github.com/google/uuid"
	"github.com/klpq/chat-auth-bridge/internal/apperr"
	"github.com/klpq/chat-auth-bridge/internal/config"
	"github.com/klpq/chat-auth-bridge/internal/credential"
	"github.com/klpq/chat-auth-bridge/internal/registry"
	"golang.org/x/oauth2"
)

// Provider drives the provider-specific half of a handoff.
type Provider interface {
	// ID is the provider's path segment, e.g. "twitch".
	ID() string

	// Begin returns the URL to redirect the browser to. It may record values
	// in hc that are needed again at the callback.
	Begin(ctx context.Context, hc *Context) (string, error)

	// Complete turns the callback parameters into the event for the client.
	Complete(ctx context.Context, params url.Values, hc Context) (registry.Event, error)

	// Refresh exchanges a refresh token for a new credential.
	Refresh(ctx context.Context, refreshToken string) (credential.Credential, error)
}

// OAuth2Provider is an authorization code flow against a standard OAuth2
// provider.
type OAuth2Provider struct {
	id         string
	event      registry.EventKind
	config     *oauth2.Config
	authParams []oauth2.AuthCodeOption
	pkce       bool
	client     *http.Client
}

type OAuth2Option func(*OAuth2Provider)

// WithHTTPClient sets the client used for token endpoint requests.
func WithHTTPClient(client *http.Client) OAuth2Option {
	return func(p *OAuth2Provider) {
		p.client = client
	}
}

// WithPKCE adds an S256 code challenge to the authorization request. The
// verifier travels in the handoff cookie.
func WithPKCE() OAuth2Option {
	return func(p *OAuth2Provider) {
		p.pkce = true
	}
}

// WithAuthParams adds fixed parameters to the authorization request.
func WithAuthParams(params ...oauth2.AuthCodeOption) OAuth2Option {
	return func(p *OAuth2Provider) {
		p.authParams = append(p.authParams, params...)
	}
}

// NewOAuth2Provider creates a provider. The endpoint in cfg overrides the
// default endpoint when set.
func NewOAuth2Provider(id string, event registry.EventKind, cfg config.ProviderConfig, defaults oauth2.Endpoint, scopes []string, options ...OAuth2Option) *OAuth2Provider {
	endpoint := defaults
	if cfg.AuthURL != "" {
		endpoint.AuthURL = cfg.AuthURL
	}
	if cfg.TokenURL != "" {
		endpoint.TokenURL = cfg.TokenURL
	}

	p := &OAuth2Provider{
		id:    id,
		event: event,
		config: &oauth2.Config{
			ClientID:     cfg.ClientID,
			ClientSecret: cfg.ClientSecret,
			RedirectURL:  cfg.CallbackURL,
			Endpoint:     endpoint,
			Scopes:       scopes,
		},
	}
	for _, opt := range options {
		opt(p)
	}

	return p
}

func (p *OAuth2Provider) ID() string {
	return p.id
}

func (p *OAuth2Provider) Begin(_ context.Context, hc *Context) (string, error) {
	options := slices.Clone(p.authParams)

	if p.pkce {
		hc.Verifier = oauth2.GenerateVerifier()
		options = append(options, oauth2.S256ChallengeOption(hc.Verifier))
	}

	// The state is not checked on return: the correlation id in the handoff
	// cookie binds the callback to its initiation.
	return p.config.AuthCodeURL(uuid.NewString(), options...), nil
}

func (p *OAuth2Provider) Complete(ctx context.Context, params url.Values, hc Context) (registry.Event, error) {
	if reason := params.Get("error"); reason != "" {
		return registry.Event{}, apperr.Upstream(fmt.Errorf("%s denied authorization: %s %s", p.id, reason, params.Get("error_description")))
	}

	code := params.Get("code")
	if code == "" {
		return registry.Event{}, apperr.Upstream(errors.New("callback has no authorization code"))
	}

	var options []oauth2.AuthCodeOption
	if p.pkce {
		options = append(options, oauth2.VerifierOption(hc.Verifier))
	}

	tok, err := p.config.Exchange(p.clientContext(ctx), code, options...)
	if err != nil {
		return registry.Event{}, apperr.Upstream(fmt.Errorf("%s code exchange failed: %w", p.id, err))
	}

	return registry.CredentialEvent(p.event, credential.Credential{
		AccessToken:  tok.AccessToken,
		RefreshToken: tok.RefreshToken,
	}), nil
}

// Refresh returns the provider's new token pair. Providers that do not rotate
// refresh tokens get the presented one back.
func (p *OAuth2Provider) Refresh(ctx context.Context, refreshToken string) (credential.Credential, error) {
	if refreshToken == "" {
		return credential.Credential{}, apperr.ErrMissingRefreshToken
	}

	tok, err := p.config.TokenSource(p.clientContext(ctx), &oauth2.Token{RefreshToken: refreshToken}).Token()
	if err != nil {
		return credential.Credential{}, apperr.Upstream(fmt.Errorf("%s token refresh failed: %w", p.id, err))
	}

	return credential.Credential{
		AccessToken:  tok.AccessToken,
		RefreshToken: tok.RefreshToken,
	}, nil
}

func (p *OAuth2Provider) clientContext(ctx context.Context) context.Context {
	if p.client == nil {
		return ctx
	}
	return context.WithValue(ctx, oauth2.HTTPClient, p.client)
}

// Endpoints and scopes of the supported providers.
var (
	TwitchEndpoint = oauth2.Endpoint{
		AuthURL:   "https://id.twitch.tv/oauth2/authorize",
		TokenURL:  "https://id.twitch.tv/oauth2/token",
		AuthStyle: oauth2.AuthStyleInParams,
	}
	GoogleEndpoint = oauth2.Endpoint{
		AuthURL:   "https://accounts.google.com/o/oauth2/v2/auth",
		TokenURL:  "https://oauth2.googleapis.com/token",
		AuthStyle: oauth2.AuthStyleInParams,
	}
	KickEndpoint = oauth2.Endpoint{
		AuthURL:   "https://id.kick.com/oauth/authorize",
		TokenURL:  "https://id.kick.com/oauth/token",
		AuthStyle: oauth2.AuthStyleInParams,
	}

	TwitchScopes = []string{"user_read"}
	GoogleScopes = []string{"https://www.googleapis.com/auth/youtube.readonly"}
	KickScopes   = []string{"user:read"}
)

// NewTwitch creates the twitch provider.
func NewTwitch(cfg config.ProviderConfig, options ...OAuth2Option) *OAuth2Provider {
	return NewOAuth2Provider("twitch", registry.TwitchUser, cfg, TwitchEndpoint, TwitchScopes, options...)
}

// NewGoogle creates the google provider. Consent is always requested so that
// every sign-in yields a refresh token.
func NewGoogle(cfg config.ProviderConfig, options ...OAuth2Option) *OAuth2Provider {
	options = append([]OAuth2Option{
		WithAuthParams(oauth2.AccessTypeOffline, oauth2.ApprovalForce),
	}, options...)
	return NewOAuth2Provider("google", registry.YoutubeUser, cfg, GoogleEndpoint, GoogleScopes, options...)
}

// NewKick creates the kick provider, which requires PKCE.
func NewKick(cfg config.ProviderConfig, options ...OAuth2Option) *OAuth2Provider {
	options = append([]OAuth2Option{WithPKCE()}, options...)
	return NewOAuth2Provider("kick", registry.KickUser, cfg, KickEndpoint, KickScopes, options...)
}
