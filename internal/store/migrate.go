package store

import (
	"context"
	"fmt"
	"slices"
	"time"

	"github.com/klpq/chat-auth-bridge/internal/cache"
	"github.com/klpq/chat-auth-bridge/internal/syncdoc"
	"github.com/rs/zerolog/log"
	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"
)

// MigrationsCollection records applied migrations by name.
const MigrationsCollection = "migrations"

type Migration struct {
	Name string
	Up   func(ctx context.Context, db *mongo.Database) error
}

// Migrations are applied in order. Names are permanent: renaming one causes
// it to run again.
var Migrations = []Migration{
	{
		Name: "001_cache_key_index",
		Up: func(ctx context.Context, db *mongo.Database) error {
			_, err := db.Collection(cache.Collection).Indexes().CreateOne(ctx, mongo.IndexModel{
				Keys: bson.D{
					{Key: "endpoint", Value: 1},
					{Key: "params", Value: 1},
				},
				Options: options.Index().SetUnique(true),
			})
			return err
		},
	},
	{
		Name: "002_sync_id_index",
		Up: func(ctx context.Context, db *mongo.Database) error {
			_, err := db.Collection(syncdoc.Collection).Indexes().CreateOne(ctx, mongo.IndexModel{
				Keys:    bson.D{{Key: "id", Value: 1}},
				Options: options.Index().SetUnique(true),
			})
			return err
		},
	},
}

// Migrate applies the migrations not yet recorded in the database, stopping at
// the first failure. It returns the names of the migrations it applied.
func Migrate(ctx context.Context, db *mongo.Database, migrations []Migration) ([]string, error) {
	logger := log.Ctx(ctx)
	logger.Info().Msg("running_migrations")

	record := db.Collection(MigrationsCollection)

	done, err := record.Distinct(ctx, "name", bson.D{})
	if err != nil {
		return nil, fmt.Errorf("applied migrations could not be read: %w", err)
	}

	var applied []string

	for _, m := range migrations {
		if slices.Contains(done, any(m.Name)) {
			logger.Info().Str("migration", m.Name).Msg("skipping_migration")
			continue
		}

		logger.Info().Str("migration", m.Name).Msg("running_migration")

		if err := m.Up(ctx, db); err != nil {
			return applied, fmt.Errorf("migration %s failed: %w", m.Name, err)
		}

		_, err := record.InsertOne(ctx, bson.D{
			{Key: "name", Value: m.Name},
			{Key: "timeCreated", Value: time.Now()},
		})
		if err != nil {
			return applied, fmt.Errorf("migration %s could not be recorded: %w", m.Name, err)
		}

		applied = append(applied, m.Name)
		logger.Info().Str("migration", m.Name).Msg("migration_done")
	}

	logger.Info().Int("applied", len(applied)).Msg("migrations_done")

	return applied, nil
}
