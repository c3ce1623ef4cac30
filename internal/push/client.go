package push

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/gorilla/websocket"
)

// Client is the browser side of a push connection, used by tooling and
// tests.
type Client struct {
	ws *websocket.Conn
}

// Dial connects to a push endpoint and announces requestID.
func Dial(ctx context.Context, url string, requestID string) (*Client, error) {
	ws, _, err := websocket.DefaultDialer.DialContext(ctx, url, nil)
	if err != nil {
		return nil, fmt.Errorf("push dial failed: %w", err)
	}

	c := &Client{ws: ws}
	if err := c.Announce(requestID); err != nil {
		_ = ws.Close()
		return nil, err
	}

	return c, nil
}

// Announce registers the connection under another correlation id.
func (c *Client) Announce(requestID string) error {
	data, err := json.Marshal(requestID)
	if err != nil {
		return err
	}

	if err := c.ws.WriteJSON(Message{Event: RequestIDEvent, Data: data}); err != nil {
		return fmt.Errorf("push announce failed: %w", err)
	}
	return nil
}

// Next blocks for the next server event. The context deadline, when set,
// bounds the wait.
func (c *Client) Next(ctx context.Context) (Message, error) {
	var deadline time.Time
	if d, ok := ctx.Deadline(); ok {
		deadline = d
	}
	_ = c.ws.SetReadDeadline(deadline)

	var msg Message
	if err := c.ws.ReadJSON(&msg); err != nil {
		return Message{}, err
	}
	return msg, nil
}

func (c *Client) Close() error {
	_ = c.ws.WriteControl(
		websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
		time.Now().Add(writeWait),
	)
	return c.ws.Close()
}
