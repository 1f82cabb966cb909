package repositories

import (
	"context"
	"fmt"
	"time"

	"chatnest/internal/core/ports"
	"chatnest/internal/infrastructure/repositories/memory"
	redisrepo "chatnest/internal/infrastructure/repositories/redis"
	"chatnest/internal/infrastructure/repositories/sqlite"
	"chatnest/pkg/config"
	"chatnest/pkg/distributed"

	"go.uber.org/zap"
)

// RepositoryFactory creates the key-value backend with fallback support
type RepositoryFactory struct {
	backend string
	kv      ports.KeyValueStore
	lease   *distributed.Lease
	logger  *zap.SugaredLogger
}

const leaseTTL = 30 * time.Second

// NewRepositoryFactory opens the configured backend. Redis and SQLite fall
// back to memory when they cannot be opened. A Redis keyspace already leased
// by another client is an error, not a fallback.
func NewRepositoryFactory(cfg *config.Config, logger *zap.SugaredLogger) (*RepositoryFactory, error) {
	st := cfg.Storage
	factory := &RepositoryFactory{
		backend: st.Backend,
		logger:  logger,
	}

	switch st.Backend {
	case "redis":
		client, err := redisrepo.NewRedisClient(
			st.Redis.Address,
			st.Redis.Password,
			st.Redis.DB,
			st.Redis.PoolSize,
			st.KeyPrefix,
			logger,
		)
		if err != nil {
			logger.Warnw("failed to connect to Redis, falling back to memory store", "error", err)
			break
		}
		lease := distributed.NewLease(client, st.KeyPrefix+":lease", leaseTTL)
		if err := lease.TryAcquire(context.Background()); err != nil {
			_ = redisrepo.CloseRedisClient(client)
			return nil, fmt.Errorf("storage %s is in use: %w", st.KeyPrefix, err)
		}
		factory.lease = lease
		factory.kv = redisrepo.NewKVStore(client, st.KeyPrefix, st.QuotaBytes)

	case "sqlite":
		kv, err := sqlite.Open(st.SQLitePath, st.QuotaBytes, logger)
		if err != nil {
			logger.Warnw("failed to open SQLite, falling back to memory store", "error", err)
			break
		}
		factory.kv = kv

	case "memory":
	default:
		return nil, fmt.Errorf("unknown storage backend %q", st.Backend)
	}

	if factory.kv == nil {
		factory.backend = "memory"
		factory.kv = memory.NewKVStore(st.QuotaBytes)
	}
	logger.Infow("storage ready", "backend", factory.backend, "quota_bytes", st.QuotaBytes)
	return factory, nil
}

// Backend reports the backend actually in use after fallback.
func (f *RepositoryFactory) Backend() string {
	return f.backend
}

func (f *RepositoryFactory) CreateChatStore() ports.ChatStore {
	return NewChatStore(f.kv)
}

// CreateProfileRepository stores the profile in a file when path is set,
// otherwise alongside the chats.
func (f *RepositoryFactory) CreateProfileRepository(path string) ports.ProfileRepository {
	if path != "" {
		return NewFileProfileRepository(path)
	}
	return NewKVProfileRepository(f.kv)
}

// Close releases the lease, if any, and closes the backend.
func (f *RepositoryFactory) Close() error {
	if f.lease != nil {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		if err := f.lease.Release(ctx); err != nil {
			f.logger.Warnw("failed to release storage lease", "key", f.lease.Key(), "error", err)
		}
		cancel()
	}
	return f.kv.Close()
}

// HealthCheck pings the backend and checks the lease is still ours.
func (f *RepositoryFactory) HealthCheck(ctx context.Context) error {
	if f.lease != nil && !f.lease.Held() {
		return fmt.Errorf("storage lease %s lost", f.lease.Key())
	}
	return f.kv.Ping(ctx)
}
