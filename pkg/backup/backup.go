// Package backup writes portable snapshots of the local chat history.
package backup

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"sort"
	"strings"
	"time"

	"chatnest/internal/core/domain"
)

// FormatVersion is bumped whenever Archive changes incompatibly.
const FormatVersion = "1"

const namePrefix = "chatnest-"

var ErrUnsupportedVersion = errors.New("unsupported archive version")

// Archive is one exported snapshot of a local agent's state.
type Archive struct {
	Version   string               `json:"version"`
	CreatedAt time.Time            `json:"createdAt"`
	Profile   *domain.Profile      `json:"profile,omitempty"`
	Chats     []domain.ChatSession `json:"chats"`
	Messages  []domain.Message     `json:"messages"`
}

// Storage defines interface for archive storage
type Storage interface {
	Save(ctx context.Context, name string, data io.Reader) error
	Load(ctx context.Context, name string) (io.ReadCloser, error)
	List(ctx context.Context, prefix string) ([]string, error)
	Delete(ctx context.Context, name string) error
}

// Archiver names, encodes and stores archives.
type Archiver struct {
	storage Storage
	now     func() time.Time
}

func NewArchiver(storage Storage) *Archiver {
	return &Archiver{
		storage: storage,
		now:     time.Now,
	}
}

// Save stamps the archive and writes it under a timestamped name.
func (a *Archiver) Save(ctx context.Context, archive *Archive) (string, error) {
	archive.Version = FormatVersion
	archive.CreatedAt = a.now().UTC()

	data, err := json.Marshal(archive)
	if err != nil {
		return "", fmt.Errorf("failed to marshal archive: %w", err)
	}

	name := fmt.Sprintf("%s%s.json", namePrefix, archive.CreatedAt.Format("20060102-150405.000"))
	if err := a.storage.Save(ctx, name, bytes.NewReader(data)); err != nil {
		return "", fmt.Errorf("failed to save archive: %w", err)
	}
	return name, nil
}

func (a *Archiver) Load(ctx context.Context, name string) (*Archive, error) {
	reader, err := a.storage.Load(ctx, name)
	if err != nil {
		return nil, fmt.Errorf("failed to load archive: %w", err)
	}
	defer reader.Close()

	var archive Archive
	if err := json.NewDecoder(reader).Decode(&archive); err != nil {
		return nil, fmt.Errorf("failed to decode archive %s: %w", name, err)
	}
	if archive.Version != FormatVersion {
		return nil, fmt.Errorf("archive %s has version %q: %w", name, archive.Version, ErrUnsupportedVersion)
	}
	return &archive, nil
}

// List returns archive names, newest first.
func (a *Archiver) List(ctx context.Context) ([]string, error) {
	names, err := a.storage.List(ctx, namePrefix)
	if err != nil {
		return nil, err
	}
	sort.Sort(sort.Reverse(sort.StringSlice(names)))
	return names, nil
}

// Latest returns the newest archive name.
func (a *Archiver) Latest(ctx context.Context) (string, error) {
	names, err := a.List(ctx)
	if err != nil {
		return "", err
	}
	if len(names) == 0 {
		return "", fmt.Errorf("no archives: %w", domain.ErrChatNotFound)
	}
	return names[0], nil
}

func (a *Archiver) Delete(ctx context.Context, name string) error {
	return a.storage.Delete(ctx, name)
}

// IsArchiveName reports whether name looks like something Save produced.
func IsArchiveName(name string) bool {
	return strings.HasPrefix(name, namePrefix) && strings.HasSuffix(name, ".json")
}
