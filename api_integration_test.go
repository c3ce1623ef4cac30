package main

import (
	"context"
	"encoding/json"
	"net/http"
	"net/url"
	"testing"
	"time"

	"github.com/klpq/chat-auth-bridge/internal/handoff"
	"github.com/klpq/chat-auth-bridge/internal/token"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func (h *APITestHarness) waitForRegistrations(n int) {
	h.t.Helper()
	require.Eventually(h.t, func() bool { return h.Deps.registry.Len() == n }, 2*time.Second, 10*time.Millisecond)
}

func handoffCookie(t *testing.T, resp *Response) *http.Cookie {
	t.Helper()
	for _, c := range resp.Cookies {
		if c.Name == handoff.CookieName {
			return c
		}
	}
	t.Fatalf("no %s cookie in response", handoff.CookieName)
	return nil
}

func TestTwitchSignInDeliversToPushChannel(t *testing.T) {
	h := NewAPITestHarness(t)
	client := h.Client()

	listener := h.Listen("r1")
	h.waitForRegistrations(1)

	h.OAuthMock.SetTokens("A", "R")

	start, err := client.Request(http.MethodGet, "/auth/twitch?requestId=r1", "", nil)
	require.NoError(t, err)
	require.Equal(t, http.StatusFound, start.StatusCode)

	location, err := url.Parse(start.Headers.Get("Location"))
	require.NoError(t, err)
	assert.Equal(t, h.OAuthMock.AuthURL(), location.Scheme+"://"+location.Host+location.Path)
	assert.Equal(t, "twitch-client", location.Query().Get("client_id"))
	assert.Equal(t, "http://localhost:8080/auth/twitch/callback", location.Query().Get("redirect_uri"))

	cookie := handoffCookie(t, start)

	// a requestId on the callback is ignored: only the cookie is trusted
	callback, err := client.Request(http.MethodGet, "/auth/twitch/callback?code=abc&requestId=other", "", nil, cookie)
	require.NoError(t, err)
	assert.Equal(t, http.StatusOK, callback.StatusCode)
	assert.Equal(t, handoff.CallbackBody, string(callback.Body))
	assert.Equal(t, "abc", h.OAuthMock.LastForm().Get("code"))

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	msg, err := listener.Next(ctx)
	require.NoError(t, err)
	assert.Equal(t, "twitch_user", msg.Event)
	assert.JSONEq(t, `{"accessToken":"A","refreshToken":"R"}`, string(msg.Data))
}

func TestSignInWithoutRequestIDIsRejected(t *testing.T) {
	h := NewAPITestHarness(t)

	resp, err := h.Client().Request(http.MethodGet, "/auth/twitch", "", nil)
	require.NoError(t, err)

	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
	assert.Empty(t, resp.Headers.Get("Location"))
	assert.JSONEq(t, `{"error":"no_request_id"}`, string(resp.Body))
}

func TestUnknownProviderIsNotFound(t *testing.T) {
	h := NewAPITestHarness(t)

	resp, err := h.Client().Request(http.MethodGet, "/auth/myspace?requestId=r1", "", nil)
	require.NoError(t, err)

	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
	assert.JSONEq(t, `{"error":"provider_not_found"}`, string(resp.Body))
}

func TestKickSignInUsesPKCE(t *testing.T) {
	h := NewAPITestHarness(t)
	client := h.Client()

	listener := h.Listen("r1")
	h.waitForRegistrations(1)

	start, err := client.Request(http.MethodGet, "/auth/kick?requestId=r1", "", nil)
	require.NoError(t, err)
	require.Equal(t, http.StatusFound, start.StatusCode)

	location, err := url.Parse(start.Headers.Get("Location"))
	require.NoError(t, err)
	assert.Equal(t, "S256", location.Query().Get("code_challenge_method"))

	callback, err := client.Request(http.MethodGet, "/auth/kick/callback?code=abc", "", nil, handoffCookie(t, start))
	require.NoError(t, err)
	require.Equal(t, http.StatusOK, callback.StatusCode)
	assert.NotEmpty(t, h.OAuthMock.LastForm().Get("code_verifier"))

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	msg, err := listener.Next(ctx)
	require.NoError(t, err)
	assert.Equal(t, "kick_user", msg.Event)
}

func TestKlpqSignInDeliversDelegatedToken(t *testing.T) {
	h := NewAPITestHarness(t, WithKlpqLogin("https://login.klpq.example/login"))
	client := h.Client()

	listener := h.Listen("r1")
	h.waitForRegistrations(1)

	start, err := client.Request(http.MethodGet, "/auth/klpq?requestId=r1", "", nil)
	require.NoError(t, err)
	require.Equal(t, http.StatusFound, start.StatusCode)

	location, err := url.Parse(start.Headers.Get("Location"))
	require.NoError(t, err)
	assert.Equal(t, "http://localhost:8080/auth/klpq/callback", location.Query().Get("callbackUrl"))
	state := location.Query().Get("token")
	require.NotEmpty(t, state)

	authority, err := token.New("authority-secret")
	require.NoError(t, err)
	nested, err := authority.Issue(token.Claims{token.UserIDClaim: "user-42"}, time.Hour)
	require.NoError(t, err)

	query := url.Values{"token": {state}, "jwt": {nested}}
	callback, err := client.Request(http.MethodGet, "/auth/klpq/callback?"+query.Encode(), "", nil, handoffCookie(t, start))
	require.NoError(t, err)
	require.Equal(t, http.StatusOK, callback.StatusCode)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	msg, err := listener.Next(ctx)
	require.NoError(t, err)
	assert.Equal(t, "klpq_user", msg.Event)

	var signed string
	require.NoError(t, json.Unmarshal(msg.Data, &signed))

	delegation, err := h.Deps.tokens.VerifyDelegated(signed)
	require.NoError(t, err)
	assert.Equal(t, "user-42", delegation.UserID)
	assert.Equal(t, nested, delegation.Nested)

	// the delegated token names the sync owner
	id, err := client.SaveSync("/sync", signed, map[string]any{"channels": []string{"twitch:klpq"}})
	require.NoError(t, err)

	doc, err := h.Deps.sync.Get(context.Background(), id)
	require.NoError(t, err)
	assert.Equal(t, "user-42", doc.Owner)
}

func TestRefresh(t *testing.T) {
	h := NewAPITestHarness(t)
	client := h.Client()

	h.OAuthMock.SetTokens("A2", "")

	resp, err := client.Request(http.MethodGet, "/auth/google/refresh?refreshToken=R1", "", nil)
	require.NoError(t, err)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.JSONEq(t, `{"accessToken":"A2","refreshToken":"R1"}`, string(resp.Body))
	assert.Equal(t, "refresh_token", h.OAuthMock.LastForm().Get("grant_type"))

	resp, err = client.Request(http.MethodGet, "/auth/google/refresh", "", nil)
	require.NoError(t, err)
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
	assert.JSONEq(t, `{"error":"no_refresh_token"}`, string(resp.Body))
}

func TestYoutubeLookupsRequireSessionToken(t *testing.T) {
	h := NewAPITestHarness(t)
	client := h.Client()

	resp, err := client.Request(http.MethodGet, "/youtube/channels?channelName=someone", "", nil)
	require.NoError(t, err)
	assert.Equal(t, http.StatusNoContent, resp.StatusCode)
	assert.Empty(t, resp.Body)
	assert.Equal(t, 0, h.YouTubeMock.RequestCount("channels"))

	session, err := client.SessionToken()
	require.NoError(t, err)

	claims, err := h.Deps.tokens.Verify(session)
	require.NoError(t, err)
	assert.Equal(t, true, claims["isLoggedIn"])

	resp, err = client.Request(http.MethodGet, "/youtube/channels?channelName=someone", session, nil)
	require.NoError(t, err)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Contains(t, string(resp.Body), "UC-test-channel")

	resp, err = client.Request(http.MethodGet, "/youtube/streams?channelId=UC-test-channel", session, nil)
	require.NoError(t, err)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "live", h.YouTubeMock.LastQuery().Get("eventType"))
}

func TestYoutubeFailures(t *testing.T) {
	h := NewAPITestHarness(t)
	client := h.Client()

	session, err := client.SessionToken()
	require.NoError(t, err)

	h.YouTubeMock.SetStatusCode(http.StatusForbidden)

	// channels failures are surfaced
	resp, err := client.Request(http.MethodGet, "/youtube/channels?channelName=someone", session, nil)
	require.NoError(t, err)
	assert.Equal(t, http.StatusBadGateway, resp.StatusCode)
	assert.JSONEq(t, `{"error":"upstream_failure"}`, string(resp.Body))

	// streams failures with nothing cached are empty
	resp, err = client.Request(http.MethodGet, "/youtube/streams?channelId=UC1", session, nil)
	require.NoError(t, err)
	assert.Equal(t, http.StatusNoContent, resp.StatusCode)
}

func TestSyncDocuments(t *testing.T) {
	h := NewAPITestHarness(t)
	client := h.Client()

	id, err := client.SaveSync("/sync", "", map[string]any{"channels": []string{"a"}})
	require.NoError(t, err)
	require.NotEmpty(t, id)

	sameID, err := client.SaveSync("/sync", "", map[string]any{"id": id, "channels": []string{"b"}})
	require.NoError(t, err)
	assert.Equal(t, id, sameID)

	_, err = client.SaveSync("/sync/"+id, "", map[string]any{"channels": []string{"c"}})
	require.NoError(t, err)

	resp, err := client.Request(http.MethodGet, "/sync/"+id, "", nil)
	require.NoError(t, err)
	require.Equal(t, http.StatusOK, resp.StatusCode)

	var doc struct {
		ID       string          `json:"id"`
		Channels json.RawMessage `json:"channels"`
	}
	require.NoError(t, json.Unmarshal(resp.Body, &doc))
	assert.Equal(t, id, doc.ID)
	assert.JSONEq(t, `["c"]`, string(doc.Channels))

	resp, err = client.Request(http.MethodGet, "/sync/missing", "", nil)
	require.NoError(t, err)
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
	assert.JSONEq(t, `{"error":"sync_not_found"}`, string(resp.Body))

	_, err = client.SaveSync("/sync/missing", "", map[string]any{"channels": []string{}})
	var apiErr *APIError
	require.ErrorAs(t, err, &apiErr)
	assert.Equal(t, http.StatusNotFound, apiErr.StatusCode)
}

func TestHealthCheck(t *testing.T) {
	h := NewAPITestHarness(t)

	resp, err := h.Client().Request(http.MethodGet, "/healthcheck", "", nil)
	require.NoError(t, err)

	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "OK", string(resp.Body))
}
