// Package push carries registry events to browser clients over websockets.
//
// Every frame in either direction is a JSON Message. The only client event is
// "request_id", which registers the connection under the correlation id in
// its data. Server events are the registry event kinds.
package push

import (
	"encoding/json"
	"fmt"

	"github.com/klpq/chat-auth-bridge/internal/registry"
)

// RequestIDEvent announces the client's correlation id.
const RequestIDEvent = "request_id"

type Message struct {
	Event string          `json:"event"`
	Data  json.RawMessage `json:"data,omitempty"`
}

func encodeEvent(event registry.Event) ([]byte, error) {
	data, err := json.Marshal(event.Data)
	if err != nil {
		return nil, fmt.Errorf("push event %s data encoding failed: %w", event.Kind, err)
	}

	return json.Marshal(Message{Event: string(event.Kind), Data: data})
}

// requestID extracts the correlation id from a request_id message. Ids must
// be JSON strings.
func (m Message) requestID() (string, error) {
	var id string
	if err := json.Unmarshal(m.Data, &id); err != nil {
		return "", fmt.Errorf("request_id data is not a string: %w", err)
	}
	return id, nil
}
