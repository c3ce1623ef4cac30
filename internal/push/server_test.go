package push_test

import (
	"context"
	"encoding/json"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/klpq/chat-auth-bridge/internal/credential"
	"github.com/klpq/chat-auth-bridge/internal/push"
	"github.com/klpq/chat-auth-bridge/internal/registry"
	"github.com/klpq/chat-auth-bridge/internal/testhelpers"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func setup(t *testing.T) (*registry.Registry, string) {
	t.Helper()
	testhelpers.SetupLogger(t)

	reg := registry.New()
	svr := httptest.NewServer(push.NewServer(reg))
	t.Cleanup(svr.Close)

	return reg, "ws" + strings.TrimPrefix(svr.URL, "http")
}

func waitForRegistrations(t *testing.T, reg *registry.Registry, n int) {
	t.Helper()
	require.Eventually(t, func() bool { return reg.Len() == n }, 2*time.Second, 10*time.Millisecond)
}

func TestServer_DeliversEventToAnnouncedID(t *testing.T) {
	reg, url := setup(t)
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	client, err := push.Dial(ctx, url, "r1")
	require.NoError(t, err)
	defer client.Close()

	waitForRegistrations(t, reg, 1)

	delivered := reg.Deliver(ctx, "r1", registry.CredentialEvent(registry.TwitchUser, credential.Credential{
		AccessToken:  "A",
		RefreshToken: "R",
	}))
	assert.True(t, delivered)

	msg, err := client.Next(ctx)
	require.NoError(t, err)
	assert.Equal(t, "twitch_user", msg.Event)
	assert.JSONEq(t, `{"accessToken":"A","refreshToken":"R"}`, string(msg.Data))
}

func TestServer_DelegatedTokenIsAString(t *testing.T) {
	reg, url := setup(t)
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	client, err := push.Dial(ctx, url, "r1")
	require.NoError(t, err)
	defer client.Close()
	waitForRegistrations(t, reg, 1)

	reg.Deliver(ctx, "r1", registry.DelegatedTokenEvent("signed.token.value"))

	msg, err := client.Next(ctx)
	require.NoError(t, err)
	assert.Equal(t, "klpq_user", msg.Event)
	assert.JSONEq(t, `"signed.token.value"`, string(msg.Data))
}

func TestServer_MultipleIDsOnOneConnection(t *testing.T) {
	reg, url := setup(t)
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	client, err := push.Dial(ctx, url, "r1")
	require.NoError(t, err)
	defer client.Close()
	require.NoError(t, client.Announce("r2"))

	waitForRegistrations(t, reg, 2)

	assert.True(t, reg.Deliver(ctx, "r2", registry.DelegatedTokenEvent("t2")))
	msg, err := client.Next(ctx)
	require.NoError(t, err)
	assert.JSONEq(t, `"t2"`, string(msg.Data))
}

func TestServer_DisconnectUnregisters(t *testing.T) {
	reg, url := setup(t)
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	client, err := push.Dial(ctx, url, "r1")
	require.NoError(t, err)
	require.NoError(t, client.Announce("r2"))
	waitForRegistrations(t, reg, 2)

	require.NoError(t, client.Close())

	waitForRegistrations(t, reg, 0)
	assert.False(t, reg.Deliver(ctx, "r1", registry.DelegatedTokenEvent("late")))
}

func TestServer_IgnoresInvalidFrames(t *testing.T) {
	reg, url := setup(t)
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	ws, _, err := websocket.DefaultDialer.DialContext(ctx, url, nil)
	require.NoError(t, err)
	defer ws.Close()

	frames := []string{
		`not json`,
		`{"event":"request_id"}`,
		`{"event":"request_id","data":""}`,
		`{"event":"request_id","data":42}`,
		`{"event":"something_else","data":"r0"}`,
		`{"event":"request_id","data":"r1"}`,
	}
	for _, f := range frames {
		require.NoError(t, ws.WriteMessage(websocket.TextMessage, []byte(f)))
	}

	// only the final frame registers; the connection survives the others
	waitForRegistrations(t, reg, 1)
	assert.True(t, reg.Deliver(ctx, "r1", registry.DelegatedTokenEvent("t")))

	var msg push.Message
	_ = ws.SetReadDeadline(time.Now().Add(2 * time.Second))
	require.NoError(t, ws.ReadJSON(&msg))
	assert.Equal(t, "klpq_user", msg.Event)

	var token string
	require.NoError(t, json.Unmarshal(msg.Data, &token))
	assert.Equal(t, "t", token)
}

func TestServer_RejectsPlainHTTP(t *testing.T) {
	testhelpers.SetupLogger(t)

	srv := push.NewServer(registry.New())
	rr := httptest.NewRecorder()
	srv.ServeHTTP(rr, httptest.NewRequest("GET", "/socket", nil))

	assert.Equal(t, 400, rr.Code)
}

func TestServer_CloseDisconnectsClients(t *testing.T) {
	testhelpers.SetupLogger(t)

	reg := registry.New()
	srv := push.NewServer(reg)
	svr := httptest.NewServer(srv)
	t.Cleanup(svr.Close)
	url := "ws" + strings.TrimPrefix(svr.URL, "http")

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	client, err := push.Dial(ctx, url, "r1")
	require.NoError(t, err)
	defer client.Close()
	waitForRegistrations(t, reg, 1)
	assert.Equal(t, 1, srv.Connections())

	require.NoError(t, srv.Close())

	_, err = client.Next(ctx)
	assert.True(t, websocket.IsCloseError(err, websocket.CloseGoingAway), "unexpected error: %v", err)

	waitForRegistrations(t, reg, 0)
	require.Eventually(t, func() bool { return srv.Connections() == 0 }, 2*time.Second, 10*time.Millisecond)

	// new connections are refused once closed
	late, err := push.Dial(ctx, url, "r2")
	if err == nil {
		_, err = late.Next(ctx)
		assert.Error(t, err)
		_ = late.Close()
	}
	assert.Equal(t, 0, reg.Len())
}
