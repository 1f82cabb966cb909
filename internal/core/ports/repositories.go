package ports

import (
	"context"

	"chatnest/internal/core/domain"
)

// ChatStore is the local persistence collaborator. Writes may fail with
// domain.ErrQuotaExceeded; callers prune and retry. Message ids are unique
// within a chat only, so single-message operations take both.
type ChatStore interface {
	GetMessages(ctx context.Context, chatID domain.PeerID) ([]domain.Message, error)
	GetMessage(ctx context.Context, chatID domain.PeerID, id string) (*domain.Message, error)
	SaveMessage(ctx context.Context, msg domain.Message) error
	DeleteMessage(ctx context.Context, chatID domain.PeerID, id string) error
	PruneMessages(ctx context.Context, keepNewest int) (int, error)
	CountMessages(ctx context.Context) (int, error)

	GetChats(ctx context.Context) ([]domain.ChatSession, error)
	SaveChats(ctx context.Context, chats []domain.ChatSession) error
	// DeleteChat removes the session and all its messages, both or neither.
	DeleteChat(ctx context.Context, chatID domain.PeerID) error
}

// KeyValueStore holds opaque blobs. SetMany is atomic: every key is written
// or none is.
type KeyValueStore interface {
	Get(ctx context.Context, key string) ([]byte, bool, error)
	Set(ctx context.Context, key string, value []byte) error
	SetMany(ctx context.Context, values map[string][]byte) error
	Delete(ctx context.Context, key string) error
	Ping(ctx context.Context) error
	Close() error
}

// ProfileRepository persists the local agent's profile.
type ProfileRepository interface {
	Load(ctx context.Context) (*domain.Profile, error)
	Save(ctx context.Context, profile domain.Profile) error
}
