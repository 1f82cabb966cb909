package services

import (
	"context"
	"testing"

	"chatnest/internal/core/domain"
	"chatnest/internal/infrastructure/repositories"
	"chatnest/internal/infrastructure/repositories/memory"
	"chatnest/pkg/backup"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
)

type archiveNode struct {
	registry *ChatRegistry
	guard    *StoreGuard
	identity *IdentityService
	archives *ArchiveService
}

func newArchiveNode(t *testing.T, dir, contact string) *archiveNode {
	t.Helper()
	ctx := context.Background()
	logger := zaptest.NewLogger(t).Sugar()

	kv := memory.NewKVStore(0)
	guard := NewStoreGuard(repositories.NewChatStore(kv), DefaultQuotaPolicy(), nil, nil, logger)
	registry := NewChatRegistry(guard, nil, logger)
	require.NoError(t, registry.Seed(ctx))

	identity := NewIdentityService(repositories.NewKVProfileRepository(kv), logger)
	_, err := identity.Bootstrap(ctx, contact, "")
	require.NoError(t, err)

	storage, err := backup.NewFileStorage(dir)
	require.NoError(t, err)

	return &archiveNode{
		registry: registry,
		guard:    guard,
		identity: identity,
		archives: NewArchiveService(backup.NewArchiver(storage), identity, registry, guard, logger),
	}
}

func TestArchiveService_ExportImport(t *testing.T) {
	dir := t.TempDir()
	ctx := context.Background()

	src := newArchiveNode(t, dir, "ada@example.com")
	_, err := src.registry.Ensure(ctx, "nest-222")
	require.NoError(t, err)
	require.NoError(t, src.guard.SaveMessage(ctx, domain.Message{ID: "m1", ChatID: "nest-222", SenderID: "nest-222", Text: "hi", Timestamp: 1}))
	require.NoError(t, src.guard.SaveMessage(ctx, domain.Message{ID: "m2", ChatID: domain.AssistantPeerID, SenderID: domain.AssistantPeerID, Text: "hello", Timestamp: 2, IsAI: true}))

	name, err := src.archives.Export(ctx)
	require.NoError(t, err)

	dst := newArchiveNode(t, dir, "ada@example.com")
	res, err := dst.archives.Import(ctx, "")
	require.NoError(t, err)
	assert.Equal(t, ImportResult{Chats: 1, Messages: 2}, res)

	msgs, err := dst.guard.Store().GetMessages(ctx, "nest-222")
	require.NoError(t, err)
	require.Len(t, msgs, 1)
	assert.Equal(t, "hi", msgs[0].Text)

	again, err := dst.archives.Import(ctx, name)
	require.NoError(t, err)
	assert.Equal(t, ImportResult{}, again, "a second import adds nothing")

	names, err := dst.archives.Archives(ctx)
	require.NoError(t, err)
	assert.Equal(t, []string{name}, names)
}

func TestArchiveService_ImportKeepsLocalEdits(t *testing.T) {
	dir := t.TempDir()
	ctx := context.Background()

	n := newArchiveNode(t, dir, "ada@example.com")
	require.NoError(t, n.guard.SaveMessage(ctx, domain.Message{ID: "m1", ChatID: domain.AssistantPeerID, SenderID: n.identity.ID(), Text: "original", Timestamp: 1}))

	name, err := n.archives.Export(ctx)
	require.NoError(t, err)

	edited := domain.Message{ID: "m1", ChatID: domain.AssistantPeerID, SenderID: n.identity.ID(), Text: "edited", Timestamp: 1, Edited: true}
	require.NoError(t, n.guard.SaveMessage(ctx, edited))

	res, err := n.archives.Import(ctx, name)
	require.NoError(t, err)
	assert.Zero(t, res.Messages)

	got, err := n.guard.Store().GetMessage(ctx, domain.AssistantPeerID, "m1")
	require.NoError(t, err)
	assert.Equal(t, "edited", got.Text, "local copy wins")
}

func TestArchiveService_ImportWithoutArchives(t *testing.T) {
	n := newArchiveNode(t, t.TempDir(), "ada@example.com")

	_, err := n.archives.Import(context.Background(), "")
	assert.ErrorIs(t, err, domain.ErrChatNotFound)
}
