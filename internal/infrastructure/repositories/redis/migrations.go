package redis

import (
	"context"
	"fmt"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

const currentSchemaVersion = 2

// Migration represents a keyspace migration
type Migration struct {
	Version int
	Up      func(ctx context.Context, client *redis.Client, prefix string) error
}

func schemaVersionKey(prefix string) string {
	return prefix + ":schema:version"
}

// Migrate runs all pending migrations
func Migrate(ctx context.Context, client *redis.Client, prefix string, logger *zap.SugaredLogger) error {
	currentVersion, err := getSchemaVersion(ctx, client, prefix)
	if err != nil {
		return fmt.Errorf("failed to get schema version: %w", err)
	}

	if currentVersion >= currentSchemaVersion {
		if logger != nil {
			logger.Debugw("schema is up to date",
				"current_version", currentVersion,
				"target_version", currentSchemaVersion,
			)
		}
		return nil
	}

	for _, migration := range getMigrations() {
		if migration.Version <= currentVersion {
			continue
		}
		if logger != nil {
			logger.Infow("running migration", "version", migration.Version)
		}
		if err := migration.Up(ctx, client, prefix); err != nil {
			return fmt.Errorf("migration %d failed: %w", migration.Version, err)
		}
		if err := setSchemaVersion(ctx, client, prefix, migration.Version); err != nil {
			return fmt.Errorf("failed to update schema version: %w", err)
		}
	}

	if logger != nil {
		logger.Infow("all migrations completed", "final_version", currentSchemaVersion)
	}
	return nil
}

func getSchemaVersion(ctx context.Context, client *redis.Client, prefix string) (int, error) {
	val, err := client.Get(ctx, schemaVersionKey(prefix)).Int()
	if err == redis.Nil {
		return 0, nil
	}
	if err != nil {
		return 0, err
	}
	return val, nil
}

func setSchemaVersion(ctx context.Context, client *redis.Client, prefix string, version int) error {
	return client.Set(ctx, schemaVersionKey(prefix), version, 0).Err()
}

func getMigrations() []Migration {
	return []Migration{
		{
			// 1: blobs live under <prefix>:kv:<key>
			Version: 1,
			Up: func(ctx context.Context, client *redis.Client, prefix string) error {
				return nil
			},
		},
		{
			// 2: move pre-namespaced blobs from the bare key names
			Version: 2,
			Up: func(ctx context.Context, client *redis.Client, prefix string) error {
				for _, legacy := range []string{"chatnest_messages_v1", "chatnest_sessions_v1", "chatnest_profile"} {
					n, err := client.Exists(ctx, legacy).Result()
					if err != nil {
						return err
					}
					if n == 0 {
						continue
					}
					if err := client.Rename(ctx, legacy, prefix+":kv:"+legacy).Err(); err != nil {
						return err
					}
				}
				return nil
			},
		},
	}
}
