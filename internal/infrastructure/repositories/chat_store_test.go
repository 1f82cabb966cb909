package repositories

import (
	"context"
	"path/filepath"
	"testing"

	"chatnest/internal/core/domain"
	"chatnest/internal/infrastructure/repositories/memory"
	"chatnest/internal/infrastructure/repositories/sqlite"
	"chatnest/pkg/config"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
)

func msg(id string, chat domain.PeerID, ts int64) domain.Message {
	return domain.Message{ID: id, ChatID: chat, SenderID: chat, Text: id, Timestamp: ts, Status: domain.MessageDelivered}
}

func storeBackends(t *testing.T) map[string]*ChatStore {
	kv, err := sqlite.Open(filepath.Join(t.TempDir(), "chat.db"), 0, nil)
	require.NoError(t, err)
	t.Cleanup(func() { _ = kv.Close() })

	return map[string]*ChatStore{
		"memory": NewChatStore(memory.NewKVStore(0)),
		"sqlite": NewChatStore(kv),
	}
}

func TestChatStore_MessagesLifecycle(t *testing.T) {
	for name, s := range storeBackends(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()

			require.NoError(t, s.SaveMessage(ctx, msg("m2", "nest-111", 2)))
			require.NoError(t, s.SaveMessage(ctx, msg("m1", "nest-111", 1)))
			require.NoError(t, s.SaveMessage(ctx, msg("x1", "nest-333", 3)))

			got, err := s.GetMessages(ctx, "nest-111")
			require.NoError(t, err)
			require.Len(t, got, 2)
			assert.Equal(t, "m1", got[0].ID, "messages are ordered by timestamp")

			// saving an existing id replaces it
			edited := msg("m1", "nest-111", 1)
			edited.Text = "hi!"
			edited.Edited = true
			require.NoError(t, s.SaveMessage(ctx, edited))
			m, err := s.GetMessage(ctx, "nest-111", "m1")
			require.NoError(t, err)
			assert.Equal(t, "hi!", m.Text)
			n, _ := s.CountMessages(ctx)
			assert.Equal(t, 3, n)

			require.NoError(t, s.DeleteMessage(ctx, "nest-111", "m1"))
			require.NoError(t, s.DeleteMessage(ctx, "nest-111", "m1"))
			_, err = s.GetMessage(ctx, "nest-111", "m1")
			assert.ErrorIs(t, err, domain.ErrMessageNotFound)

			empty, err := s.GetMessages(ctx, "nobody")
			require.NoError(t, err)
			assert.Empty(t, empty)
		})
	}
}

func TestChatStore_IDsAreScopedToChat(t *testing.T) {
	for name, s := range storeBackends(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()

			require.NoError(t, s.SaveMessage(ctx, msg("m1", "nest-111", 1)))
			require.NoError(t, s.SaveMessage(ctx, msg("m1", "nest-333", 2)))

			n, err := s.CountMessages(ctx)
			require.NoError(t, err)
			assert.Equal(t, 2, n, "same id in another chat is a different message")

			edited := msg("m1", "nest-333", 2)
			edited.Text = "changed"
			require.NoError(t, s.SaveMessage(ctx, edited))
			first, err := s.GetMessage(ctx, "nest-111", "m1")
			require.NoError(t, err)
			assert.Equal(t, "m1", first.Text)

			require.NoError(t, s.DeleteMessage(ctx, "nest-333", "m1"))
			_, err = s.GetMessage(ctx, "nest-111", "m1")
			assert.NoError(t, err)
			_, err = s.GetMessage(ctx, "nest-333", "m1")
			assert.ErrorIs(t, err, domain.ErrMessageNotFound)
		})
	}
}

func TestChatStore_PruneKeepsNewest(t *testing.T) {
	ctx := context.Background()
	s := NewChatStore(memory.NewKVStore(0))
	for i := int64(1); i <= 10; i++ {
		require.NoError(t, s.SaveMessage(ctx, msg(string(rune('a'+i)), "nest-111", i)))
	}

	removed, err := s.PruneMessages(ctx, 4)
	require.NoError(t, err)
	assert.Equal(t, 6, removed)

	left, err := s.GetMessages(ctx, "nest-111")
	require.NoError(t, err)
	require.Len(t, left, 4)
	assert.Equal(t, int64(7), left[0].Timestamp)

	removed, err = s.PruneMessages(ctx, 10)
	require.NoError(t, err)
	assert.Zero(t, removed)
}

func TestChatStore_DeleteChatIsAtomic(t *testing.T) {
	for name, s := range storeBackends(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			require.NoError(t, s.SaveChats(ctx, []domain.ChatSession{
				{ID: "nest-111", Name: "A"},
				{ID: "nest-222", Name: "B"},
			}))
			require.NoError(t, s.SaveMessage(ctx, msg("m1", "nest-111", 1)))
			require.NoError(t, s.SaveMessage(ctx, msg("m2", "nest-222", 2)))

			require.NoError(t, s.DeleteChat(ctx, "nest-111"))

			chats, err := s.GetChats(ctx)
			require.NoError(t, err)
			require.Len(t, chats, 1)
			assert.Equal(t, domain.PeerID("nest-222"), chats[0].ID)

			gone, err := s.GetMessages(ctx, "nest-111")
			require.NoError(t, err)
			assert.Empty(t, gone)

			kept, err := s.GetMessages(ctx, "nest-222")
			require.NoError(t, err)
			assert.Len(t, kept, 1)
		})
	}
}

func TestChatStore_QuotaSurfacesDomainError(t *testing.T) {
	ctx := context.Background()
	s := NewChatStore(memory.NewKVStore(256))

	big := msg("big", "nest-111", 1)
	big.Text = string(make([]byte, 512))
	err := s.SaveMessage(ctx, big)
	assert.ErrorIs(t, err, domain.ErrQuotaExceeded)
}

func TestProfileRepositories(t *testing.T) {
	ctx := context.Background()
	repos := map[string]interface {
		Load(context.Context) (*domain.Profile, error)
		Save(context.Context, domain.Profile) error
	}{
		"kv":   NewKVProfileRepository(memory.NewKVStore(0)),
		"file": NewFileProfileRepository(filepath.Join(t.TempDir(), "p", "profile.json")),
	}
	for name, repo := range repos {
		t.Run(name, func(t *testing.T) {
			p, err := repo.Load(ctx)
			require.NoError(t, err)
			assert.Nil(t, p)

			want := domain.Profile{ID: "nest-111", Name: "Alice", Status: domain.StatusOnline}
			require.NoError(t, repo.Save(ctx, want))

			got, err := repo.Load(ctx)
			require.NoError(t, err)
			require.NotNil(t, got)
			assert.Equal(t, want, *got)
		})
	}
}

func TestRepositoryFactory_FallsBackToMemory(t *testing.T) {
	cfg := config.DefaultConfig()
	cfg.Storage.Backend = "redis"
	cfg.Storage.Redis.Address = "127.0.0.1:1"

	f, err := NewRepositoryFactory(cfg, zaptest.NewLogger(t).Sugar())
	require.NoError(t, err)
	defer f.Close()

	assert.Equal(t, "memory", f.Backend())
	assert.NoError(t, f.HealthCheck(context.Background()))
}

func TestRepositoryFactory_SQLite(t *testing.T) {
	cfg := config.DefaultConfig()
	cfg.Storage.Backend = "sqlite"
	cfg.Storage.SQLitePath = filepath.Join(t.TempDir(), "chat.db")

	f, err := NewRepositoryFactory(cfg, zaptest.NewLogger(t).Sugar())
	require.NoError(t, err)
	defer f.Close()

	assert.Equal(t, "sqlite", f.Backend())
	store := f.CreateChatStore()
	require.NoError(t, store.SaveMessage(context.Background(), msg("m1", "nest-111", 1)))
}
