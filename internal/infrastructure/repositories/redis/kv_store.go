package redis

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"chatnest/internal/core/domain"
	"chatnest/internal/core/ports"

	"github.com/redis/go-redis/v9"
)

// KVStore keeps blobs as plain Redis strings under a namespace.
type KVStore struct {
	client     *redis.Client
	prefix     string
	quotaBytes int64
}

// NewKVStore wraps client. Values larger than quotaBytes are refused with
// domain.ErrQuotaExceeded; 0 disables the check.
func NewKVStore(client *redis.Client, prefix string, quotaBytes int64) *KVStore {
	return &KVStore{
		client:     client,
		prefix:     prefix + ":kv:",
		quotaBytes: quotaBytes,
	}
}

var _ ports.KeyValueStore = (*KVStore)(nil)

func (s *KVStore) key(k string) string {
	return s.prefix + k
}

func (s *KVStore) Get(ctx context.Context, key string) ([]byte, bool, error) {
	v, err := s.client.Get(ctx, s.key(key)).Bytes()
	if err == redis.Nil {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, fmt.Errorf("failed to get %s from Redis: %w", key, err)
	}
	return v, true, nil
}

func (s *KVStore) Set(ctx context.Context, key string, value []byte) error {
	return s.SetMany(ctx, map[string][]byte{key: value})
}

// SetMany runs inside MULTI/EXEC so either every key changes or none does.
// A nil value deletes its key.
func (s *KVStore) SetMany(ctx context.Context, values map[string][]byte) error {
	var total int64
	for k, v := range values {
		total += int64(len(k) + len(v))
	}
	if s.quotaBytes > 0 && total > s.quotaBytes {
		return domain.ErrQuotaExceeded
	}

	_, err := s.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		for k, v := range values {
			if v == nil {
				pipe.Del(ctx, s.key(k))
				continue
			}
			pipe.Set(ctx, s.key(k), v, 0)
		}
		return nil
	})
	if err != nil {
		return mapError(err)
	}
	return nil
}

func (s *KVStore) Delete(ctx context.Context, key string) error {
	if err := s.client.Del(ctx, s.key(key)).Err(); err != nil {
		return fmt.Errorf("failed to delete %s from Redis: %w", key, err)
	}
	return nil
}

func (s *KVStore) Ping(ctx context.Context) error {
	return s.client.Ping(ctx).Err()
}

func (s *KVStore) Close() error {
	return CloseRedisClient(s.client)
}

// mapError turns a maxmemory refusal into the domain quota error.
func mapError(err error) error {
	var rerr redis.Error
	if errors.As(err, &rerr) && strings.HasPrefix(rerr.Error(), "OOM") {
		return fmt.Errorf("%w: %v", domain.ErrQuotaExceeded, err)
	}
	return fmt.Errorf("failed to write to Redis: %w", err)
}
