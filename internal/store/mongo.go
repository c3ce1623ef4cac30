// Package store connects to MongoDB and keeps its schema current.
package store

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"strings"
	"time"

	"github.com/klpq/chat-auth-bridge/internal/config"
	"github.com/rs/zerolog/log"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"
)

const defaultDatabase = "chat-auth-bridge"

// Connect opens a client and verifies the server is reachable. The database
// is DB_NAME when set, otherwise the path of the connection URI.
func Connect(ctx context.Context, cfg config.MongoConfig) (*mongo.Client, *mongo.Database, error) {
	if cfg.URI == "" {
		return nil, nil, errors.New("mongo connection URI is not configured")
	}

	name, err := databaseName(cfg)
	if err != nil {
		return nil, nil, err
	}

	timeout := time.Duration(cfg.ConnectTimeoutSeconds) * time.Second

	client, err := mongo.Connect(ctx, options.Client().
		ApplyURI(cfg.URI).
		SetConnectTimeout(timeout).
		SetServerSelectionTimeout(timeout))
	if err != nil {
		return nil, nil, fmt.Errorf("failed to connect to MongoDB: %w", err)
	}

	pingCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	if err := client.Ping(pingCtx, nil); err != nil {
		_ = client.Disconnect(context.Background())
		return nil, nil, fmt.Errorf("MongoDB is not reachable: %w", err)
	}

	log.Info().Str("database", name).Msg("mongo: connected")

	return client, client.Database(name), nil
}

func databaseName(cfg config.MongoConfig) (string, error) {
	if cfg.Database != "" {
		return cfg.Database, nil
	}

	u, err := url.Parse(cfg.URI)
	if err != nil {
		return "", fmt.Errorf("mongo connection URI is invalid: %w", err)
	}

	if name := strings.Trim(u.Path, "/"); name != "" {
		return name, nil
	}

	return defaultDatabase, nil
}
