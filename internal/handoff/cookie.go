package handoff

import (
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"time"
)

// CookieName is the cookie carrying the Context across the provider redirect.
const CookieName = "handoff"

// Context is what survives the provider redirect. It is held by the browser,
// never by the server.
type Context struct {
	CorrelationID string    `json:"requestId"`
	Provider      string    `json:"provider"`
	CreatedAt     time.Time `json:"createdAt"`

	// Verifier is the PKCE code verifier for providers that require one.
	Verifier string `json:"verifier,omitempty"`

	// Session keys the server-side state of the klpq delegation flow.
	Session string `json:"session,omitempty"`
}

var errNoHandoffCookie = errors.New("no handoff cookie")

// cookie encodes the context. The path is the root so the cookie reaches the
// callback whatever prefix a proxy mounts the service under.
func (c Context) cookie(maxAge time.Duration, secure bool) (*http.Cookie, error) {
	data, err := json.Marshal(c)
	if err != nil {
		return nil, fmt.Errorf("handoff context encoding failed: %w", err)
	}

	return &http.Cookie{
		Name:     CookieName,
		Value:    base64.RawURLEncoding.EncodeToString(data),
		Path:     "/",
		MaxAge:   int(maxAge.Seconds()),
		HttpOnly: true,
		Secure:   secure,
		// the callback is a top-level cross-site navigation
		SameSite: http.SameSiteLaxMode,
	}, nil
}

// contextFromCookie decodes the handoff cookie. The provider recorded in the
// cookie must match the callback being handled.
func contextFromCookie(cookie *http.Cookie, provider string) (Context, error) {
	if cookie == nil || cookie.Value == "" {
		return Context{}, errNoHandoffCookie
	}

	data, err := base64.RawURLEncoding.DecodeString(cookie.Value)
	if err != nil {
		return Context{}, fmt.Errorf("handoff cookie is not valid base64: %w", err)
	}

	var c Context
	if err := json.Unmarshal(data, &c); err != nil {
		return Context{}, fmt.Errorf("handoff cookie is not valid: %w", err)
	}

	if c.Provider != provider {
		return Context{}, fmt.Errorf("handoff cookie was issued for %q, not %q", c.Provider, provider)
	}

	return c, nil
}

// expiredCookie clears the handoff cookie for the provider.
func expiredCookie(provider string, secure bool) *http.Cookie {
	return &http.Cookie{
		Name:     CookieName,
		Value:    "",
		Path:     "/",
		MaxAge:   -1,
		HttpOnly: true,
		Secure:   secure,
		SameSite: http.SameSiteLaxMode,
	}
}
