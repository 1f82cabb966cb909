package services

import (
	"context"
	"errors"
	"fmt"

	"chatnest/internal/core/domain"
	"chatnest/pkg/backup"

	"go.uber.org/zap"
)

// ImportResult counts what an import added.
type ImportResult struct {
	Chats    int
	Messages int
}

// ArchiveService exports the local history to archives and merges archives
// back in. Imports never overwrite local data.
type ArchiveService struct {
	archiver *backup.Archiver
	identity *IdentityService
	registry *ChatRegistry
	guard    *StoreGuard
	logger   *zap.SugaredLogger
}

func NewArchiveService(
	archiver *backup.Archiver,
	identity *IdentityService,
	registry *ChatRegistry,
	guard *StoreGuard,
	logger *zap.SugaredLogger,
) *ArchiveService {
	return &ArchiveService{
		archiver: archiver,
		identity: identity,
		registry: registry,
		guard:    guard,
		logger:   logger,
	}
}

// Export writes every chat and its messages and returns the archive name.
func (s *ArchiveService) Export(ctx context.Context) (string, error) {
	chats, err := s.registry.List(ctx)
	if err != nil {
		return "", err
	}

	archive := &backup.Archive{Chats: chats}
	if p := s.identity.Current(); p.ID != "" {
		archive.Profile = &p
	}
	for _, c := range chats {
		msgs, err := s.guard.Store().GetMessages(ctx, c.ID)
		if err != nil {
			return "", fmt.Errorf("failed to read messages of %s: %w", c.ID, err)
		}
		archive.Messages = append(archive.Messages, msgs...)
	}

	name, err := s.archiver.Save(ctx, archive)
	if err != nil {
		return "", err
	}
	s.logger.Infow("history exported", "archive", name, "chats", len(chats), "messages", len(archive.Messages))
	return name, nil
}

// Import merges the named archive, or the newest one when name is empty.
// Messages whose chat is unknown after the merge are skipped.
func (s *ArchiveService) Import(ctx context.Context, name string) (ImportResult, error) {
	var res ImportResult

	if name == "" {
		latest, err := s.archiver.Latest(ctx)
		if err != nil {
			return res, err
		}
		name = latest
	}

	archive, err := s.archiver.Load(ctx, name)
	if err != nil {
		return res, err
	}
	if p := archive.Profile; p != nil && p.ID != s.identity.ID() {
		s.logger.Warnw("importing archive of another identity", "archive", name, "archive_peer_id", p.ID)
	}

	added, err := s.registry.Merge(ctx, archive.Chats)
	if err != nil {
		return res, err
	}
	res.Chats = added

	known := make(map[domain.PeerID]bool)
	chats, err := s.registry.List(ctx)
	if err != nil {
		return res, err
	}
	for _, c := range chats {
		known[c.ID] = true
	}

	for _, msg := range archive.Messages {
		if !known[msg.ChatID] || msg.Validate() != nil {
			continue
		}
		_, err := s.guard.Store().GetMessage(ctx, msg.ChatID, msg.ID)
		if err == nil {
			continue
		}
		if !errors.Is(err, domain.ErrMessageNotFound) {
			return res, err
		}
		if err := s.guard.SaveMessage(ctx, msg); err != nil {
			return res, err
		}
		res.Messages++
	}

	s.logger.Infow("history imported", "archive", name, "chats", res.Chats, "messages", res.Messages)
	return res, nil
}

// Archives lists the stored archives, newest first.
func (s *ArchiveService) Archives(ctx context.Context) ([]string, error) {
	return s.archiver.List(ctx)
}
