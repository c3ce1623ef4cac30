package server

import (
	"context"
	"errors"
	"fmt"
	"io"
	"time"

	"github.com/rs/zerolog/log"
)

type hook struct {
	name string
	fn   func(context.Context) error
}

// ShutdownHooks releases resources once the server has stopped accepting
// requests. Hooks run in registration order; a failing hook does not prevent
// the rest from running.
type ShutdownHooks struct {
	hooks []hook
}

// Add registers fn under name. The context passed to fn carries the shutdown
// deadline. Nil functions are ignored.
func (s *ShutdownHooks) Add(name string, fn func(context.Context) error) {
	if fn == nil {
		log.Warn().Str("hook", name).Msg("shutdown: nil hook ignored")
		return
	}

	s.hooks = append(s.hooks, hook{name: name, fn: fn})
}

// AddCloser registers a resource closed at shutdown.
func (s *ShutdownHooks) AddCloser(name string, closer io.Closer) {
	if closer == nil {
		log.Warn().Str("hook", name).Msg("shutdown: nil closer ignored")
		return
	}

	s.Add(name, func(context.Context) error { return closer.Close() })
}

// Len returns the number of registered hooks.
func (s *ShutdownHooks) Len() int {
	return len(s.hooks)
}

// Execute runs every hook and returns the joined failures.
func (s *ShutdownHooks) Execute(ctx context.Context) error {
	var errs []error

	for _, h := range s.hooks {
		logger := log.Ctx(ctx).With().Str("hook", h.name).Logger()

		start := time.Now()
		err := runHook(ctx, h)
		elapsed := time.Since(start)

		if err != nil {
			logger.Warn().Err(err).Dur("elapsed", elapsed).Msg("shutdown: hook failed")
			errs = append(errs, fmt.Errorf("%s: %w", h.name, err))
			continue
		}

		logger.Info().Dur("elapsed", elapsed).Msg("shutdown: hook complete")
	}

	return errors.Join(errs...)
}

func runHook(ctx context.Context, h hook) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("panic: %v", r)
		}
	}()

	if ctx.Err() != nil {
		return fmt.Errorf("skipped: %w", ctx.Err())
	}

	return h.fn(ctx)
}
