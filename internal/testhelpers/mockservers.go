package testhelpers

import (
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"net/url"
	"sync"
	"testing"
)

// MockOAuthServer provides a configurable mock OAuth2 token endpoint for testing.
type MockOAuthServer struct {
	Server *httptest.Server

	mu           sync.Mutex
	accessToken  string
	refreshToken string
	statusCode   int
	requestCount int
	lastForm     url.Values
}

// SetupMockOAuthServer creates a mock authorization server. The token endpoint
// is served at /token and answers both authorization_code and refresh_token
// grants with the configured token pair. The server is closed when the test
// completes.
func SetupMockOAuthServer(t *testing.T) *MockOAuthServer {
	t.Helper()

	mock := &MockOAuthServer{
		accessToken:  "test-access-token",
		refreshToken: "test-refresh-token",
		statusCode:   http.StatusOK,
	}

	router := http.NewServeMux()

	router.HandleFunc("POST /token", func(w http.ResponseWriter, r *http.Request) {
		if err := r.ParseForm(); err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}

		mock.mu.Lock()
		mock.requestCount++
		mock.lastForm = r.PostForm
		status, access, refresh := mock.statusCode, mock.accessToken, mock.refreshToken
		mock.mu.Unlock()

		if status != http.StatusOK {
			w.Header().Set("Content-Type", "application/json")
			w.WriteHeader(status)
			_, _ = w.Write([]byte(`{"error":"invalid_grant"}`))
			return
		}

		WriteJSON(w, map[string]any{
			"access_token":  access,
			"refresh_token": refresh,
			"token_type":    "bearer",
			"expires_in":    3600,
		})
	})

	mock.Server = httptest.NewServer(router)
	t.Cleanup(mock.Server.Close)

	return mock
}

// AuthURL is an authorization endpoint on the mock server. Nothing is served
// there: flows under test stop at the redirect.
func (m *MockOAuthServer) AuthURL() string {
	return m.Server.URL + "/authorize"
}

// TokenURL is the token endpoint of the mock server.
func (m *MockOAuthServer) TokenURL() string {
	return m.Server.URL + "/token"
}

// SetTokens changes the token pair returned by subsequent requests.
func (m *MockOAuthServer) SetTokens(access, refresh string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.accessToken, m.refreshToken = access, refresh
}

// SetStatusCode makes subsequent requests fail with the given status.
func (m *MockOAuthServer) SetStatusCode(status int) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.statusCode = status
}

func (m *MockOAuthServer) RequestCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.requestCount
}

// LastForm returns the form of the most recent token request.
func (m *MockOAuthServer) LastForm() url.Values {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.lastForm
}

// MockYouTubeServer provides a configurable mock YouTube Data API server.
type MockYouTubeServer struct {
	Server *httptest.Server

	mu           sync.Mutex
	responses    map[string]any
	statusCode   int
	requestCount map[string]int
	lastQuery    url.Values
}

// SetupMockYouTubeServer creates a mock YouTube Data API server answering the
// channels and search resources under /youtube/v3/. The server is closed when
// the test completes.
func SetupMockYouTubeServer(t *testing.T) *MockYouTubeServer {
	t.Helper()

	mock := &MockYouTubeServer{
		responses: map[string]any{
			"channels": map[string]any{
				"kind":  "youtube#channelListResponse",
				"items": []any{map[string]any{"kind": "youtube#channel", "id": "UC-test-channel"}},
			},
			"search": map[string]any{
				"kind":  "youtube#searchListResponse",
				"items": []any{},
			},
		},
		statusCode:   http.StatusOK,
		requestCount: map[string]int{},
	}

	router := http.NewServeMux()

	router.HandleFunc("GET /youtube/v3/{resource}", func(w http.ResponseWriter, r *http.Request) {
		resource := r.PathValue("resource")

		mock.mu.Lock()
		mock.requestCount[resource]++
		mock.lastQuery = r.URL.Query()
		status := mock.statusCode
		response, ok := mock.responses[resource]
		mock.mu.Unlock()

		if !ok {
			http.NotFound(w, r)
			return
		}

		if status != http.StatusOK {
			w.Header().Set("Content-Type", "application/json")
			w.WriteHeader(status)
			_, _ = fmt.Fprintf(w, `{"error":{"code":%d,"message":"mock failure"}}`, status)
			return
		}

		WriteJSON(w, response)
	})

	mock.Server = httptest.NewServer(router)
	t.Cleanup(mock.Server.Close)

	return mock
}

// SetResponse replaces the body returned for a resource ("channels" or
// "search").
func (m *MockYouTubeServer) SetResponse(resource string, response any) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.responses[resource] = response
}

// SetStatusCode makes subsequent requests fail with the given status.
func (m *MockYouTubeServer) SetStatusCode(status int) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.statusCode = status
}

func (m *MockYouTubeServer) RequestCount(resource string) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.requestCount[resource]
}

// LastQuery returns the query of the most recent request.
func (m *MockYouTubeServer) LastQuery() url.Values {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.lastQuery
}

// WriteJSON is a helper function that writes a JSON response.
// It sets the Content-Type header and marshals the payload to JSON.
func WriteJSON(w http.ResponseWriter, payload any) {
	w.Header().Set("Content-Type", "application/json")
	data, err := json.Marshal(payload)
	if err != nil {
		// In test context, this should never happen with valid test data
		http.Error(w, fmt.Sprintf("failed to marshal JSON: %v", err), http.StatusInternalServerError)
		return
	}
	_, _ = w.Write(data)
}
