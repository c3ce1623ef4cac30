package push

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/klpq/chat-auth-bridge/internal/audit"
	"github.com/klpq/chat-auth-bridge/internal/registry"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

const (
	writeWait      = 10 * time.Second
	maxMessageSize = 4 << 10
)

// Registrar binds connections to correlation ids.
type Registrar interface {
	Register(id string, ch registry.Channel)
	Unregister(ch registry.Channel) int
}

// Server upgrades requests to push connections.
type Server struct {
	registrar    Registrar
	upgrader     websocket.Upgrader
	pongWait     time.Duration
	pingInterval time.Duration

	mu     sync.Mutex
	conns  map[*Conn]struct{}
	closed bool
}

type Option func(*Server)

// WithPongWait sets how long a connection may stay silent before it is
// considered dead. Pings are sent at nine tenths of this interval.
func WithPongWait(wait time.Duration) Option {
	return func(s *Server) {
		s.pongWait = wait
		s.pingInterval = wait * 9 / 10
	}
}

// WithOriginCheck restricts the origins allowed to connect. By default any
// origin may connect: the channel only ever receives data for ids the client
// itself announced.
func WithOriginCheck(check func(r *http.Request) bool) Option {
	return func(s *Server) {
		s.upgrader.CheckOrigin = check
	}
}

func NewServer(registrar Registrar, options ...Option) *Server {
	s := &Server{
		registrar: registrar,
		conns:     make(map[*Conn]struct{}),
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			CheckOrigin:     func(*http.Request) bool { return true },
		},
	}
	WithPongWait(60 * time.Second)(s)

	for _, opt := range options {
		opt(s)
	}

	return s
}

func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	ws, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		// Upgrade has already replied to the client
		log.Ctx(r.Context()).Info().Err(err).Msg("push: upgrade failed")
		return
	}

	logger := log.Ctx(r.Context()).With().Str("remote", audit.ClientIP(r)).Logger()
	c := &Conn{ws: ws, logger: logger}

	if !s.track(c) {
		_ = ws.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseGoingAway, "shutting down"),
			time.Now().Add(writeWait))
		_ = ws.Close()
		return
	}
	defer s.untrack(c)

	// the request context ends with the handler, so the connection gets its own
	ctx, cancel := context.WithCancel(logger.WithContext(context.Background()))
	defer cancel()

	logger.Info().Msg("push: connection opened")

	go c.keepAlive(ctx, s.pingInterval)
	s.readLoop(c)
}

func (s *Server) readLoop(c *Conn) {
	defer func() {
		removed := s.registrar.Unregister(c)
		_ = c.ws.Close()
		c.logger.Info().Int("unregistered", removed).Msg("push: connection closed")
	}()

	c.ws.SetReadLimit(maxMessageSize)
	_ = c.ws.SetReadDeadline(time.Now().Add(s.pongWait))
	c.ws.SetPongHandler(func(string) error {
		return c.ws.SetReadDeadline(time.Now().Add(s.pongWait))
	})

	for {
		_, data, err := c.ws.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				c.logger.Info().Err(err).Msg("push: connection lost")
			}
			return
		}

		var msg Message
		if err := json.Unmarshal(data, &msg); err != nil {
			c.logger.Debug().Err(err).Msg("push: ignoring malformed frame")
			continue
		}

		switch msg.Event {
		case RequestIDEvent:
			id, err := msg.requestID()
			if err != nil || id == "" {
				c.logger.Debug().Err(err).Msg("push: ignoring request_id without id")
				continue
			}
			s.registrar.Register(id, c)
			c.logger.Info().Str("request_id", id).Msg("push: request id registered")
		default:
			c.logger.Debug().Str("event", msg.Event).Msg("push: ignoring unknown event")
		}
	}
}

// Close tells every open connection the server is going away and refuses new
// ones. The read loops then unregister their connections.
func (s *Server) Close() error {
	s.mu.Lock()
	s.closed = true
	conns := make([]*Conn, 0, len(s.conns))
	for c := range s.conns {
		conns = append(conns, c)
	}
	s.mu.Unlock()

	for _, c := range conns {
		_ = c.ws.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseGoingAway, "shutting down"),
			time.Now().Add(writeWait))
		_ = c.ws.Close()
	}

	log.Info().Int("connections", len(conns)).Msg("push: server closed")

	return nil
}

// Connections returns the number of open connections.
func (s *Server) Connections() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.conns)
}

func (s *Server) track(c *Conn) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return false
	}
	s.conns[c] = struct{}{}
	return true
}

func (s *Server) untrack(c *Conn) {
	s.mu.Lock()
	delete(s.conns, c)
	s.mu.Unlock()
}

// Conn is a push connection. It is the registry Channel for every id the
// client announces.
type Conn struct {
	ws     *websocket.Conn
	logger zerolog.Logger

	// gorilla/websocket allows one concurrent writer
	writeMu sync.Mutex
}

var errClosed = errors.New("push connection closed")

func (c *Conn) Emit(_ context.Context, event registry.Event) error {
	frame, err := encodeEvent(event)
	if err != nil {
		return err
	}

	c.writeMu.Lock()
	defer c.writeMu.Unlock()

	_ = c.ws.SetWriteDeadline(time.Now().Add(writeWait))
	if err := c.ws.WriteMessage(websocket.TextMessage, frame); err != nil {
		if errors.Is(err, websocket.ErrCloseSent) {
			return errClosed
		}
		return err
	}

	return nil
}

func (c *Conn) keepAlive(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := c.ws.WriteControl(websocket.PingMessage, nil, time.Now().Add(writeWait)); err != nil {
				c.logger.Debug().Err(err).Msg("push: ping failed")
				return
			}
		}
	}
}
