package main

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/klpq/chat-auth-bridge/internal/config"
	"github.com/klpq/chat-auth-bridge/internal/push"
	"github.com/klpq/chat-auth-bridge/internal/server"
	"github.com/klpq/chat-auth-bridge/internal/testhelpers"
	"github.com/stretchr/testify/require"
)

const harnessSecret = "harness-secret"

// APITestHarness runs the full route configuration against mock providers.
type APITestHarness struct {
	t           *testing.T
	Server      *httptest.Server
	OAuthMock   *testhelpers.MockOAuthServer
	YouTubeMock *testhelpers.MockYouTubeServer
	Deps        dependencies
}

// APITestHarnessOption configures the API test harness.
type APITestHarnessOption func(*config.Config)

// WithKlpqLogin enables the klpq provider with the given login page.
func WithKlpqLogin(loginURL string) APITestHarnessOption {
	return func(cfg *config.Config) {
		cfg.Klpq.LoginURL = loginURL
	}
}

// NewAPITestHarness creates the mocks and the API server. Cleanup is handled
// via t.Cleanup().
func NewAPITestHarness(t *testing.T, options ...APITestHarnessOption) *APITestHarness {
	t.Helper()
	testhelpers.SetupLogger(t)
	hooks := server.ShutdownHooks{}

	t.Cleanup(func() {
		_ = hooks.Execute(context.Background())
	})

	harness := &APITestHarness{
		t:           t,
		OAuthMock:   testhelpers.SetupMockOAuthServer(t),
		YouTubeMock: testhelpers.SetupMockYouTubeServer(t),
	}

	provider := func(name string) config.ProviderConfig {
		return config.ProviderConfig{
			ClientID:     name + "-client",
			ClientSecret: name + "-secret",
			AuthURL:      harness.OAuthMock.AuthURL(),
			TokenURL:     harness.OAuthMock.TokenURL(),
		}
	}

	cfg := config.Config{
		Authorization: config.AuthorizationConfig{
			JWTSecret:       harnessSecret,
			SessionTokenTTL: 24 * time.Hour,
		},
		Cache: config.CacheConfig{
			Type:          "memory",
			RetryTTL:      time.Minute,
			MemoryMaxSize: 100,
		},
		Google: provider("google"),
		Kick:   provider("kick"),
		Klpq: config.KlpqConfig{
			StateTTL:           5 * time.Minute,
			MaxPendingSessions: 100,
		},
		Observe: config.ObserveConfig{
			Enabled: false,
		},
		Server: config.ServerConfig{
			LoginCallbackURL: "http://localhost:8080",
			MaxRequestBytes:  20 << 10,
		},
		Twitch: provider("twitch"),
		Youtube: config.YoutubeConfig{
			APIKey:  "harness-key",
			BaseURL: harness.YouTubeMock.Server.URL,
		},
	}

	for _, opt := range options {
		opt(&cfg)
	}

	deps, err := configureDependencies(context.Background(), cfg, nil)
	require.NoError(t, err)
	harness.Deps = deps

	harness.Server = httptest.NewServer(configureServerRoutes(cfg, deps))

	hooks.AddCloser("push", deps.push)
	hooks.Add("api-server", func(context.Context) error { harness.Server.Close(); return nil })

	return harness
}

// Listen opens a push connection announcing requestID.
func (h *APITestHarness) Listen(requestID string) *push.Client {
	h.t.Helper()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	client, err := push.Dial(ctx, "ws"+strings.TrimPrefix(h.Server.URL, "http")+"/socket", requestID)
	require.NoError(h.t, err)
	h.t.Cleanup(func() { _ = client.Close() })

	return client
}

func (h *APITestHarness) Client() *TestClient {
	return &TestClient{
		baseURL: h.Server.URL,
		client: &http.Client{
			// redirects are asserted, not followed
			CheckRedirect: func(*http.Request, []*http.Request) error {
				return http.ErrUseLastResponse
			},
		},
	}
}

// APIError represents a non-2xx response from the API.
type APIError struct {
	StatusCode int
	Body       []byte
	Message    string // parsed from JSON error response if available
}

func (e *APIError) Error() string {
	if e.Message != "" {
		return fmt.Sprintf("API error %d: %s", e.StatusCode, e.Message)
	}
	return fmt.Sprintf("API error %d", e.StatusCode)
}

// TestClient provides access to the API endpoints for testing.
type TestClient struct {
	baseURL string
	client  *http.Client
}

// Response wraps raw HTTP response for low-level assertions.
type Response struct {
	StatusCode int
	Body       []byte
	Headers    http.Header
	Cookies    []*http.Cookie
}

// Request performs a low-level HTTP request and returns the raw response.
func (c *TestClient) Request(method, path, token string, body io.Reader, cookies ...*http.Cookie) (*Response, error) {
	req, err := http.NewRequest(method, c.baseURL+path, body)
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}

	if token != "" {
		req.Header.Set(tokenHeader, token)
	}
	for _, cookie := range cookies {
		req.AddCookie(cookie)
	}

	resp, err := c.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("do request: %w", err)
	}
	defer resp.Body.Close()

	bodyBytes, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("read response body: %w", err)
	}

	return &Response{
		StatusCode: resp.StatusCode,
		Body:       bodyBytes,
		Headers:    resp.Header,
		Cookies:    resp.Cookies(),
	}, nil
}

// SessionToken fetches a session token from GET /auth.
func (c *TestClient) SessionToken() (string, error) {
	resp, err := c.Request(http.MethodGet, "/auth", "", nil)
	if err != nil {
		return "", err
	}
	if resp.StatusCode != http.StatusOK {
		return "", c.parseError(resp)
	}

	var body SessionTokenResponse
	if err := json.Unmarshal(resp.Body, &body); err != nil {
		return "", fmt.Errorf("parse session token: %w", err)
	}

	return body.JWT, nil
}

// SaveSync posts a sync document, returning its id.
func (c *TestClient) SaveSync(path, token string, body any) (string, error) {
	payload, err := json.Marshal(body)
	if err != nil {
		return "", err
	}

	resp, err := c.Request(http.MethodPost, path, token, bytes.NewReader(payload))
	if err != nil {
		return "", err
	}
	if resp.StatusCode != http.StatusOK {
		return "", c.parseError(resp)
	}

	var result syncResponse
	if err := json.Unmarshal(resp.Body, &result); err != nil {
		return "", fmt.Errorf("parse sync response: %w", err)
	}

	return result.ID, nil
}

// parseError attempts to parse an error response from the API.
func (c *TestClient) parseError(resp *Response) error {
	apiErr := &APIError{
		StatusCode: resp.StatusCode,
		Body:       resp.Body,
	}

	// Try to parse JSON error message
	var errResp ErrorResponse
	if err := json.Unmarshal(resp.Body, &errResp); err == nil && errResp.Error != "" {
		apiErr.Message = errResp.Error
	}

	return apiErr
}
