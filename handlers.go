package main

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"time"

	"github.com/klpq/chat-auth-bridge/internal/audit"
	"github.com/klpq/chat-auth-bridge/internal/credential"
	"github.com/klpq/chat-auth-bridge/internal/handoff"
	"github.com/klpq/chat-auth-bridge/internal/syncdoc"
	"github.com/klpq/chat-auth-bridge/internal/token"
	"github.com/klpq/chat-auth-bridge/internal/youtube"
	"github.com/rs/zerolog/log"
)

// tokenHeader carries a session or delegated token on API requests.
const tokenHeader = "jwt"

// HTTPStatuser provides HTTP status information for errors
type HTTPStatuser interface {
	Status() (int, string)
}

type handoffService interface {
	Initiate(ctx context.Context, providerID, correlationID string) (string, *http.Cookie, error)
	HandleCallback(ctx context.Context, providerID string, params url.Values, cookie *http.Cookie) (*http.Cookie, error)
	Refresh(ctx context.Context, providerID, refreshToken string) (credential.Credential, error)
}

type tokenService interface {
	Issue(claims token.Claims, ttl time.Duration) (string, error)
	Verify(tokenString string) (token.Claims, error)
	VerifyDelegated(tokenString string) (token.Delegation, error)
}

type youtubeLookup interface {
	Channels(ctx context.Context, name string, forHandle bool, ip string) (json.RawMessage, error)
	Streams(ctx context.Context, channelID string, ip string) (json.RawMessage, error)
}

type syncService interface {
	Save(ctx context.Context, id string, channels json.RawMessage, owner, ip string) (string, error)
	Get(ctx context.Context, id string) (*syncdoc.Document, error)
}

func handleAuthStart(svc handoffService) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		defer drainRequestBody(r)

		redirect, cookie, err := svc.Initiate(r.Context(), r.PathValue("provider"), r.URL.Query().Get("requestId"))
		if err != nil {
			status, message := errorStatus(err)
			log.Info().Msgf("sign-in could not start: %v", err)
			writeJSONError(w, status, message)
			return
		}

		http.SetCookie(w, cookie)
		http.Redirect(w, r, redirect, http.StatusFound)
	})
}

func handleAuthCallback(svc handoffService) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		defer drainRequestBody(r)

		// a missing cookie is handled by the service
		cookie, _ := r.Cookie(handoff.CookieName)

		expired, err := svc.HandleCallback(r.Context(), r.PathValue("provider"), r.URL.Query(), cookie)
		if expired != nil {
			http.SetCookie(w, expired)
		}
		if err != nil {
			status, message := errorStatus(err)
			log.Info().Msgf("sign-in callback failed: %v", err)
			writeJSONError(w, status, message)
			return
		}

		w.Header().Set("Content-Type", "text/plain")
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte(handoff.CallbackBody))
	})
}

func handleAuthRefresh(svc handoffService) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		defer drainRequestBody(r)

		cred, err := svc.Refresh(r.Context(), r.PathValue("provider"), r.URL.Query().Get("refreshToken"))
		if err != nil {
			status, message := errorStatus(err)
			log.Info().Msgf("token refresh failed: %v", err)
			writeJSONError(w, status, message)
			return
		}

		writeJSON(w, cred)
	})
}

// SessionTokenResponse is the body of GET /auth.
type SessionTokenResponse struct {
	JWT string `json:"jwt"`
}

func handleSessionToken(tokens tokenService, ttl time.Duration) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		defer drainRequestBody(r)

		signed, err := tokens.Issue(token.Claims{"isLoggedIn": true}, ttl)
		if err != nil {
			log.Info().Msgf("session token creation failed: %v", err)
			requestError(w, http.StatusInternalServerError)
			return
		}

		entry := audit.Log(r.Context())
		entry.Authorized = true
		if ttl > 0 {
			entry.TokenExpirySecs = time.Now().Add(ttl).Unix()
		}

		writeJSON(w, SessionTokenResponse{JWT: signed})
	})
}

// authorized verifies the request token. Read endpoints answer unauthorized
// callers with an empty response rather than an error.
func authorized(r *http.Request, tokens tokenService) bool {
	entry := audit.Log(r.Context())

	if _, err := tokens.Verify(r.Header.Get(tokenHeader)); err != nil {
		log.Ctx(r.Context()).Debug().Err(err).Msg("request token rejected")
		entry.Error = "token rejected"
		return false
	}

	entry.Authorized = true

	return true
}

func handleYoutubeChannels(tokens tokenService, yt youtubeLookup) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		defer drainRequestBody(r)

		if !authorized(r, tokens) {
			w.WriteHeader(http.StatusNoContent)
			return
		}

		query := r.URL.Query()
		name := query.Get("channelName")
		forHandle, _ := strconv.ParseBool(query.Get("forHandle"))

		entry := audit.Log(r.Context())
		entry.CacheEndpoint = youtube.ChannelsEndpoint
		entry.CacheKey = name

		payload, err := yt.Channels(r.Context(), name, forHandle, audit.ClientIP(r))
		writeCachedPayload(w, payload, err)
	})
}

func handleYoutubeStreams(tokens tokenService, yt youtubeLookup) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		defer drainRequestBody(r)

		if !authorized(r, tokens) {
			w.WriteHeader(http.StatusNoContent)
			return
		}

		channelID := r.URL.Query().Get("channelId")

		entry := audit.Log(r.Context())
		entry.CacheEndpoint = youtube.StreamsEndpoint
		entry.CacheKey = channelID

		payload, err := yt.Streams(r.Context(), channelID, audit.ClientIP(r))
		writeCachedPayload(w, payload, err)
	})
}

// writeCachedPayload writes an upstream payload. Nothing cached yet is an
// empty response.
func writeCachedPayload(w http.ResponseWriter, payload json.RawMessage, err error) {
	if err != nil {
		status, message := errorStatus(err)
		log.Info().Msgf("youtube lookup failed: %v", err)
		writeJSONError(w, status, message)
		return
	}

	if payload == nil {
		w.WriteHeader(http.StatusNoContent)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	if _, err := w.Write(payload); err != nil {
		log.Info().Msgf("failed to write response: %v", err)
	}
}

type syncRequest struct {
	ID       string          `json:"id"`
	Channels json.RawMessage `json:"channels"`
}

type syncResponse struct {
	ID string `json:"id"`
}

func handleSyncSave(tokens tokenService, sync syncService) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		defer drainRequestBody(r)

		var body syncRequest
		if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
			log.Info().Msgf("invalid sync request: %v", err)
			requestError(w, http.StatusBadRequest)
			return
		}

		id := body.ID
		if pathID := r.PathValue("id"); pathID != "" {
			id = pathID
		}

		id, err := sync.Save(r.Context(), id, body.Channels, owner(r, tokens), audit.ClientIP(r))
		if err != nil {
			status, message := errorStatus(err)
			log.Info().Msgf("sync save failed: %v", err)
			writeJSONError(w, status, message)
			return
		}

		writeJSON(w, syncResponse{ID: id})
	})
}

func handleSyncGet(sync syncService) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		defer drainRequestBody(r)

		doc, err := sync.Get(r.Context(), r.PathValue("id"))
		if err != nil {
			status, message := errorStatus(err)
			log.Info().Msgf("sync lookup failed: %v", err)
			writeJSONError(w, status, message)
			return
		}

		writeJSON(w, doc)
	})
}

// owner is the user id of a valid delegated token on the request, if any.
func owner(r *http.Request, tokens tokenService) string {
	header := r.Header.Get(tokenHeader)
	if header == "" {
		return ""
	}

	delegation, err := tokens.VerifyDelegated(header)
	if err != nil {
		log.Ctx(r.Context()).Debug().Err(err).Msg("sync owner token ignored")
		return ""
	}

	entry := audit.Log(r.Context())
	entry.Authorized = true
	entry.UserID = delegation.UserID

	return delegation.UserID
}

func handleHealthCheck() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		defer drainRequestBody(r)

		w.Header().Set("Content-Type", "text/plain")
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("OK"))
	})
}

func maxRequestSize(limit int64) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.MaxBytesHandler(next, limit)
	}
}

// recoverer turns a handler panic into a 500 response. It sits inside the
// audit middleware so the entry records the failure.
func recoverer(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		defer func() {
			if rec := recover(); rec != nil {
				if rec == http.ErrAbortHandler {
					panic(rec)
				}
				log.Ctx(r.Context()).Error().Interface("panic", rec).Msg("handler panicked")
				audit.Log(r.Context()).Error = "panic"
				writeJSONError(w, http.StatusInternalServerError, http.StatusText(http.StatusInternalServerError))
			}
		}()

		next.ServeHTTP(w, r)
	})
}

// ErrorResponse represents a JSON error response.
type ErrorResponse struct {
	Error string `json:"error"`
}

// writeJSONError writes a JSON error response with the given status code and message.
func writeJSONError(w http.ResponseWriter, statusCode int, message string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)

	response := ErrorResponse{Error: message}
	if err := json.NewEncoder(w).Encode(response); err != nil {
		// At this point the status code has been written, so we can only log
		log.Info().Msgf("failed to write JSON error response: %v", err)
	}
}

func writeJSON(w http.ResponseWriter, body any) {
	marshalled, err := json.Marshal(body)
	if err != nil {
		requestError(w, http.StatusInternalServerError)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	if _, err := w.Write(marshalled); err != nil {
		// record failure to log: trying to respond to the client at this
		// point will likely fail
		log.Info().Msgf("failed to write response: %v", err)
	}
}

// errorStatus extracts HTTP status code and message from an error.
// Returns (StatusInternalServerError, StatusText) for errors that don't implement HTTPStatuser.
func errorStatus(err error) (int, string) {
	var statuser HTTPStatuser
	if errors.As(err, &statuser) {
		return statuser.Status()
	}
	return http.StatusInternalServerError, http.StatusText(http.StatusInternalServerError)
}

func requestError(w http.ResponseWriter, statusCode int) {
	http.Error(w, http.StatusText(statusCode), statusCode)
}

// drainRequestBody drains the request body by reading and discarding the contents.
// This is useful to ensure the request body is fully consumed, which is important
// for connection reuse in HTTP/1 clients.
func drainRequestBody(r *http.Request) {
	if r.Body != nil {
		// 5kb max: after this we'll assume the client is broken or malicious
		// and close the connection
		_, _ = io.CopyN(io.Discard, r.Body, 5*1024*1024)
	}
}
