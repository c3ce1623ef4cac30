// Command migrate applies pending database migrations and exits. It reads the
// same DB_ configuration as the server.
package main

import (
	"context"
	"fmt"
	"os"

	"github.com/klpq/chat-auth-bridge/internal/config"
	"github.com/klpq/chat-auth-bridge/internal/store"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/sethvargo/go-envconfig"
)

func main() {
	zerolog.DefaultContextLogger = &log.Logger
	if os.Getenv("ENV") == "development" {
		log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stdout})
	}

	if err := migrate(context.Background()); err != nil {
		log.Fatal().Err(err).Msg("migrations failed")
	}
}

func migrate(ctx context.Context) error {
	var cfg config.MongoConfig
	if err := envconfig.Process(ctx, &cfg); err != nil {
		return fmt.Errorf("configuration load failed: %w", err)
	}

	client, db, err := store.Connect(ctx, cfg)
	if err != nil {
		return err
	}
	defer func() {
		if err := client.Disconnect(context.Background()); err != nil {
			log.Warn().Err(err).Msg("database disconnect failed")
		}
	}()

	_, err = store.Migrate(ctx, db, store.Migrations)
	return err
}
