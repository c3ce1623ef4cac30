package audit

import (
	"time"

	"github.com/rs/zerolog"
)

// OptionalEvent builds a nested dictionary that is only attached to its parent
// when at least one field was written. Empty values are skipped.
type OptionalEvent struct {
	ev       *zerolog.Event
	modified bool
}

func NewOptionalEvent(e *zerolog.Event) *OptionalEvent {
	return &OptionalEvent{ev: e}
}

func (oe *OptionalEvent) event() *zerolog.Event {
	if oe.ev == nil {
		oe.ev = zerolog.Dict()
		oe.modified = false
	}
	return oe.ev
}

// Set attaches the dictionary to parent under key if anything was written.
func (oe *OptionalEvent) Set(parent *zerolog.Event, key string) bool {
	if oe.modified {
		parent.Dict(key, oe.event())
		return true
	}
	return false
}

// Event marks the dictionary as written and exposes it for unconditional
// fields.
func (oe *OptionalEvent) Event() *zerolog.Event {
	e := oe.event()
	oe.modified = true
	return e
}

func (oe *OptionalEvent) Str(key, val string) *OptionalEvent {
	if val == "" {
		return oe
	}
	oe.event().Str(key, val)
	oe.modified = true
	return oe
}

func (oe *OptionalEvent) Bool(key string, val bool) *OptionalEvent {
	oe.event().Bool(key, val)
	oe.modified = true
	return oe
}

func (oe *OptionalEvent) Int(key string, val int) *OptionalEvent {
	if val == 0 {
		return oe
	}
	oe.event().Int(key, val)
	oe.modified = true
	return oe
}

// Expiry writes an absolute expiry and the time remaining until it.
func (oe *OptionalEvent) Expiry(key string, unixSecs int64) *OptionalEvent {
	if unixSecs <= 0 {
		return oe
	}
	expiry := time.Unix(unixSecs, 0)
	oe.event().
		Time(key, expiry).
		Dur(key+"Remaining", time.Until(expiry))
	oe.modified = true
	return oe
}
