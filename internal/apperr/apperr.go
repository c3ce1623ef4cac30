// Package apperr defines the error kinds surfaced by the HTTP handlers. Each
// error carries the message returned to the caller and the status code it maps
// to.
package apperr

import (
	"errors"
	"fmt"
	"net/http"
)

type Kind int

const (
	KindUnknown Kind = iota
	KindMissingCorrelationID
	KindMissingRefreshToken
	KindBadToken
	KindUpstreamFailure
	KindNotFound
)

var (
	ErrMissingCorrelationID = &Error{Kind: KindMissingCorrelationID, Message: "no_request_id"}
	ErrMissingRefreshToken  = &Error{Kind: KindMissingRefreshToken, Message: "no_refresh_token"}
	ErrBadToken             = &Error{Kind: KindBadToken, Message: "bad_token"}
	ErrUpstreamFailure      = &Error{Kind: KindUpstreamFailure, Message: "upstream_failure"}
	ErrNotFound             = &Error{Kind: KindNotFound, Message: "not_found"}
)

// Error is a classified failure. Message is safe to return to callers; Err
// holds the underlying cause and is only ever logged.
type Error struct {
	Kind    Kind
	Message string
	Err     error
}

func (e *Error) Error() string {
	if e.Err == nil {
		return e.Message
	}
	return fmt.Sprintf("%s: %v", e.Message, e.Err)
}

func (e *Error) Unwrap() error {
	return e.Err
}

// Is matches any *Error of the same kind, so wrapped instances compare equal
// to the package sentinels.
func (e *Error) Is(target error) bool {
	var t *Error
	if !errors.As(target, &t) {
		return false
	}
	return t.Kind == e.Kind
}

func (e *Error) Status() (int, string) {
	switch e.Kind {
	case KindMissingCorrelationID, KindMissingRefreshToken:
		return http.StatusBadRequest, e.Message
	case KindBadToken:
		return http.StatusUnauthorized, e.Message
	case KindUpstreamFailure:
		return http.StatusBadGateway, e.Message
	case KindNotFound:
		return http.StatusNotFound, e.Message
	default:
		return http.StatusInternalServerError, http.StatusText(http.StatusInternalServerError)
	}
}

// BadToken wraps the verification failure cause. The cause is never exposed
// through Status.
func BadToken(err error) error {
	return &Error{Kind: KindBadToken, Message: ErrBadToken.Message, Err: err}
}

func Upstream(err error) error {
	return &Error{Kind: KindUpstreamFailure, Message: ErrUpstreamFailure.Message, Err: err}
}

func NotFound(what string) error {
	return &Error{Kind: KindNotFound, Message: what + "_not_found"}
}

// Is reports whether err is an *Error of the given kind.
func Is(err error, kind Kind) bool {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind == kind
	}
	return false
}
