package audit

import (
	"context"
	"fmt"
	"net"
	"net/http"
	"strings"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

// Level is the log level of audit entries. It sits above every standard
// level so that audit entries are written whatever the configured level.
const Level = zerolog.Level(20)

func init() {
	defaultLevelMarshaler := zerolog.LevelFieldMarshalFunc
	zerolog.LevelFieldMarshalFunc = func(l zerolog.Level) string {
		if l == Level {
			return "audit"
		}
		return defaultLevelMarshaler(l)
	}
}

// Entry is the audit record of one request. Handlers fill in what they learn
// as the request progresses; the middleware writes it when the request ends.
type Entry struct {
	Method    string
	Path      string
	Status    int
	SourceIP  string
	UserAgent string

	Provider      string
	CorrelationID string
	HandoffState  string
	Delivered     bool

	Authorized      bool
	UserID          string
	TokenExpirySecs int64

	CacheEndpoint string
	CacheKey      string

	Error string
}

type key struct{}

var logKey = key{}

// Context returns the audit entry attached to ctx, attaching a new one if
// there is none.
func Context(ctx context.Context) (context.Context, *Entry) {
	if e, ok := ctx.Value(logKey).(*Entry); ok {
		return ctx, e
	}

	e := &Entry{}
	return context.WithValue(ctx, logKey, e), e
}

// Log returns the audit entry for the request. Outside an audited request the
// entry is detached and discarded.
func Log(ctx context.Context) *Entry {
	_, e := Context(ctx)
	return e
}

// Begin records the request details.
func (e *Entry) Begin(r *http.Request) {
	e.Method = r.Method
	e.Path = r.URL.Path
	e.SourceIP = ClientIP(r)
	e.UserAgent = r.UserAgent()
}

// End returns a function to be deferred: it writes the entry, and records and
// re-raises any panic in progress.
func (e *Entry) End(ctx context.Context) func() {
	return func() {
		r := recover()
		if r != nil {
			if e.Error != "" {
				e.Error += "; "
			}
			e.Error += fmt.Sprintf("panic: %v", r)
			e.Status = http.StatusInternalServerError
		}

		if e.Status == 0 {
			e.Status = http.StatusOK
		}

		log.Ctx(ctx).WithLevel(Level).EmbedObject(e).Msg("audit_event")

		if r != nil {
			panic(r)
		}
	}
}

func (e *Entry) MarshalZerologObject(event *zerolog.Event) {
	request := NewOptionalEvent(nil)
	request.Event().
		Str("method", e.Method).
		Str("path", e.Path).
		Int("status", e.Status).
		Str("sourceIP", e.SourceIP).
		Str("userAgent", e.UserAgent)
	request.Set(event, "request")

	NewOptionalEvent(nil).
		Str("provider", e.Provider).
		Str("correlationID", e.CorrelationID).
		Str("state", e.HandoffState).
		Set(event, "handoff")

	auth := NewOptionalEvent(nil)
	if e.Authorized || e.UserID != "" {
		auth.Bool("authorized", e.Authorized)
	}
	auth.Str("userID", e.UserID).
		Expiry("expiry", e.TokenExpirySecs).
		Set(event, "authorization")

	NewOptionalEvent(nil).
		Str("endpoint", e.CacheEndpoint).
		Str("key", e.CacheKey).
		Set(event, "cache")

	if e.CorrelationID != "" || e.Delivered {
		event.Bool("delivered", e.Delivered)
	}

	if e.Error != "" {
		event.Str("error", e.Error)
	}
}

// ClientIP is the originating client address: the first X-Forwarded-For hop
// when the service is behind a proxy, otherwise the connection's peer.
func ClientIP(r *http.Request) string {
	if forwarded := r.Header.Get("X-Forwarded-For"); forwarded != "" {
		first, _, _ := strings.Cut(forwarded, ",")
		if ip := strings.TrimSpace(first); ip != "" {
			return ip
		}
	}

	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}

// Middleware attaches an audit entry to each request and writes it when the
// request completes.
func Middleware() func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			ctx, entry := Context(r.Context())

			entry.Begin(r)
			defer entry.End(ctx)()

			next.ServeHTTP(&statusRecorder{ResponseWriter: w, entry: entry}, r.WithContext(ctx))
		})
	}
}

type statusRecorder struct {
	http.ResponseWriter
	entry *Entry
}

func (s *statusRecorder) WriteHeader(status int) {
	if s.entry.Status == 0 {
		s.entry.Status = status
	}
	s.ResponseWriter.WriteHeader(status)
}

func (s *statusRecorder) Write(b []byte) (int, error) {
	if s.entry.Status == 0 {
		s.entry.Status = http.StatusOK
	}
	return s.ResponseWriter.Write(b)
}

func (s *statusRecorder) Unwrap() http.ResponseWriter {
	return s.ResponseWriter
}
