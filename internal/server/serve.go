package server

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"os"
	"time"

	"github.com/klpq/chat-auth-bridge/internal/config"
	"github.com/rs/zerolog/log"
)

// Listen opens the configured listener: a unix socket when SocketPath is set,
// otherwise TCP on Port. A stale socket file is replaced, and the new socket
// is made world read/writable so a fronting proxy running as another user can
// connect.
func Listen(cfg config.ServerConfig) (net.Listener, error) {
	if cfg.SocketPath == "" {
		l, err := net.Listen("tcp", fmt.Sprintf(":%d", cfg.Port))
		if err != nil {
			return nil, fmt.Errorf("listen on port %d failed: %w", cfg.Port, err)
		}
		return l, nil
	}

	if err := os.Remove(cfg.SocketPath); err != nil && !errors.Is(err, os.ErrNotExist) {
		return nil, fmt.Errorf("stale socket %s could not be removed: %w", cfg.SocketPath, err)
	}

	l, err := net.Listen("unix", cfg.SocketPath)
	if err != nil {
		return nil, fmt.Errorf("listen on socket %s failed: %w", cfg.SocketPath, err)
	}

	if err := os.Chmod(cfg.SocketPath, 0o777); err != nil {
		_ = l.Close()
		return nil, fmt.Errorf("socket %s permissions could not be set: %w", cfg.SocketPath, err)
	}

	return l, nil
}

// Serve runs srv on l until ctx is done, then drains in-flight requests within
// the configured timeout before running the shutdown hooks.
func Serve(ctx context.Context, cfg config.ServerConfig, srv *http.Server, l net.Listener, hooks *ShutdownHooks) error {
	served := make(chan error, 1)

	go func() {
		log.Info().Str("address", l.Addr().String()).Msg("server: listening")
		served <- srv.Serve(l)
	}()

	select {
	case err := <-served:
		if !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("server stopped: %w", err)
		}
		return nil
	case <-ctx.Done():
	}

	timeout := time.Duration(cfg.ShutdownTimeoutSeconds) * time.Second
	log.Info().Dur("timeout", timeout).Msg("server: shutting down")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()

	err := srv.Shutdown(shutdownCtx)
	if err != nil {
		log.Warn().Err(err).Msg("server: requests did not drain before the deadline")
	}

	if hooks != nil {
		if hookErr := hooks.Execute(shutdownCtx); hookErr != nil {
			err = errors.Join(err, hookErr)
		}
	}

	log.Info().Msg("server: shutdown complete")

	return err
}
