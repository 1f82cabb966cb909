package repositories

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"

	"chatnest/internal/core/domain"
	"chatnest/internal/core/ports"
)

// KVProfileRepository stores the local profile next to the chat data.
type KVProfileRepository struct {
	kv ports.KeyValueStore
}

func NewKVProfileRepository(kv ports.KeyValueStore) *KVProfileRepository {
	return &KVProfileRepository{kv: kv}
}

var _ ports.ProfileRepository = (*KVProfileRepository)(nil)

// Load returns nil when no profile has been saved yet.
func (r *KVProfileRepository) Load(ctx context.Context) (*domain.Profile, error) {
	data, ok, err := r.kv.Get(ctx, profileKey)
	if err != nil {
		return nil, fmt.Errorf("failed to load profile: %w", err)
	}
	if !ok {
		return nil, nil
	}
	var p domain.Profile
	if err := json.Unmarshal(data, &p); err != nil {
		return nil, fmt.Errorf("failed to decode profile: %w", err)
	}
	return &p, nil
}

func (r *KVProfileRepository) Save(ctx context.Context, p domain.Profile) error {
	data, err := json.Marshal(p)
	if err != nil {
		return fmt.Errorf("failed to marshal profile: %w", err)
	}
	return r.kv.Set(ctx, profileKey, data)
}

// FileProfileRepository keeps the profile in a JSON file so the identity
// survives restarts even with the memory backend.
type FileProfileRepository struct {
	path string
}

func NewFileProfileRepository(path string) *FileProfileRepository {
	return &FileProfileRepository{path: path}
}

var _ ports.ProfileRepository = (*FileProfileRepository)(nil)

func (r *FileProfileRepository) Load(ctx context.Context) (*domain.Profile, error) {
	data, err := os.ReadFile(r.path)
	if os.IsNotExist(err) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read profile %s: %w", r.path, err)
	}
	var p domain.Profile
	if err := json.Unmarshal(data, &p); err != nil {
		return nil, fmt.Errorf("failed to decode profile %s: %w", r.path, err)
	}
	return &p, nil
}

// Save writes through a temp file and rename.
func (r *FileProfileRepository) Save(ctx context.Context, p domain.Profile) error {
	data, err := json.MarshalIndent(p, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to marshal profile: %w", err)
	}
	if dir := filepath.Dir(r.path); dir != "" {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return fmt.Errorf("failed to create profile directory: %w", err)
		}
	}
	tmp := r.path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o600); err != nil {
		return fmt.Errorf("failed to write profile: %w", err)
	}
	return os.Rename(tmp, r.path)
}
