package memory

import (
	"context"
	"sync"

	"chatnest/internal/core/domain"
	"chatnest/internal/core/ports"
)

// KVStore is an in-process key-value store with an optional byte quota,
// mirroring the behaviour of browser local storage.
type KVStore struct {
	mu         sync.RWMutex
	data       map[string][]byte
	size       int64
	quotaBytes int64
}

// NewKVStore creates a store. A quota of 0 disables the limit.
func NewKVStore(quotaBytes int64) *KVStore {
	return &KVStore{
		data:       make(map[string][]byte),
		quotaBytes: quotaBytes,
	}
}

var _ ports.KeyValueStore = (*KVStore)(nil)

func (s *KVStore) Get(ctx context.Context, key string) ([]byte, bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	v, ok := s.data[key]
	if !ok {
		return nil, false, nil
	}
	out := make([]byte, len(v))
	copy(out, v)
	return out, true, nil
}

func (s *KVStore) Set(ctx context.Context, key string, value []byte) error {
	return s.SetMany(ctx, map[string][]byte{key: value})
}

// SetMany writes every value or none. A nil value deletes its key.
func (s *KVStore) SetMany(ctx context.Context, values map[string][]byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	next := s.size
	for k, v := range values {
		next -= entrySize(k, s.data[k], s.has(k))
		if v != nil {
			next += entrySize(k, v, true)
		}
	}
	if s.quotaBytes > 0 && next > s.quotaBytes && next > s.size {
		return domain.ErrQuotaExceeded
	}

	for k, v := range values {
		if v == nil {
			delete(s.data, k)
			continue
		}
		cp := make([]byte, len(v))
		copy(cp, v)
		s.data[k] = cp
	}
	s.size = next
	return nil
}

func (s *KVStore) Delete(ctx context.Context, key string) error {
	return s.SetMany(ctx, map[string][]byte{key: nil})
}

func (s *KVStore) Ping(ctx context.Context) error {
	return nil
}

func (s *KVStore) Close() error {
	return nil
}

// Size returns the bytes currently held, keys included.
func (s *KVStore) Size() int64 {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.size
}

func (s *KVStore) has(k string) bool {
	_, ok := s.data[k]
	return ok
}

func entrySize(k string, v []byte, present bool) int64 {
	if !present {
		return 0
	}
	return int64(len(k) + len(v))
}
