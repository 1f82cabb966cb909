package services

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"chatnest/internal/core/domain"
	"chatnest/internal/core/ports"
	"chatnest/pkg/utils"

	"go.uber.org/zap"
)

// ChatRegistry is the directory of known conversation partners. All
// read-modify-write cycles on the chat list go through mu.
type ChatRegistry struct {
	guard  *StoreGuard
	sink   ports.EventSink
	logger *zap.SugaredLogger

	mu sync.Mutex
}

func NewChatRegistry(guard *StoreGuard, sink ports.EventSink, logger *zap.SugaredLogger) *ChatRegistry {
	if sink == nil {
		sink = ports.NopSink{}
	}
	return &ChatRegistry{
		guard:  guard,
		sink:   sink,
		logger: logger,
	}
}

// Seed adds the assistant chat when the directory is empty.
func (r *ChatRegistry) Seed(ctx context.Context) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	chats, err := r.guard.Store().GetChats(ctx)
	if err != nil {
		return fmt.Errorf("failed to load chats: %w", err)
	}
	if len(chats) > 0 {
		return nil
	}
	return r.save(ctx, []domain.ChatSession{domain.AssistantChat(utils.NowMillis())})
}

// List returns every session, most recent activity first.
func (r *ChatRegistry) List(ctx context.Context) ([]domain.ChatSession, error) {
	chats, err := r.guard.Store().GetChats(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to load chats: %w", err)
	}
	sortChats(chats)
	return chats, nil
}

func (r *ChatRegistry) Get(ctx context.Context, id domain.PeerID) (domain.ChatSession, bool, error) {
	chats, err := r.guard.Store().GetChats(ctx)
	if err != nil {
		return domain.ChatSession{}, false, fmt.Errorf("failed to load chats: %w", err)
	}
	for _, c := range chats {
		if c.ID == id {
			return c, true, nil
		}
	}
	return domain.ChatSession{}, false, nil
}

// Upsert replaces the session with the same ID or appends a new one.
func (r *ChatRegistry) Upsert(ctx context.Context, session domain.ChatSession) error {
	return r.mutate(ctx, func(chats []domain.ChatSession) ([]domain.ChatSession, bool) {
		for i := range chats {
			if chats[i].ID == session.ID {
				chats[i] = session
				return chats, true
			}
		}
		return append(chats, session), true
	})
}

// Merge appends the sessions whose ID is not known yet and returns how many
// were added. Known sessions keep their local state.
func (r *ChatRegistry) Merge(ctx context.Context, sessions []domain.ChatSession) (int, error) {
	added := 0
	err := r.mutate(ctx, func(chats []domain.ChatSession) ([]domain.ChatSession, bool) {
		for _, s := range sessions {
			if s.ID == "" || indexOf(chats, s.ID) >= 0 {
				continue
			}
			s.IsOnline = s.Kind == domain.ChatKindAI
			chats = append(chats, s)
			added++
		}
		return chats, added > 0
	})
	return added, err
}

// Ensure creates a bare contact session for id if none exists yet.
func (r *ChatRegistry) Ensure(ctx context.Context, id domain.PeerID) (bool, error) {
	created := false
	err := r.mutate(ctx, func(chats []domain.ChatSession) ([]domain.ChatSession, bool) {
		if indexOf(chats, id) >= 0 {
			return chats, false
		}
		created = true
		return append(chats, domain.ChatSession{
			ID:   id,
			Name: string(id),
			Kind: domain.ChatKindContact,
		}), true
	})
	return created, err
}

// ApplyProfile upserts the session keyed by p.ID and marks it online.
func (r *ChatRegistry) ApplyProfile(ctx context.Context, p domain.Profile) error {
	return r.mutate(ctx, func(chats []domain.ChatSession) ([]domain.ChatSession, bool) {
		i := indexOf(chats, p.ID)
		if i < 0 {
			chats = append(chats, domain.ChatSession{ID: p.ID, Kind: domain.ChatKindContact})
			i = len(chats) - 1
		}
		chats[i].ApplyProfile(p)
		chats[i].IsOnline = true
		return chats, true
	})
}

// Touch updates the preview fields of an existing session. Missing sessions
// are left alone so a stray message cannot resurrect a deleted chat.
func (r *ChatRegistry) Touch(ctx context.Context, id domain.PeerID, lastMessage string, at int64) (bool, error) {
	found := false
	err := r.mutate(ctx, func(chats []domain.ChatSession) ([]domain.ChatSession, bool) {
		i := indexOf(chats, id)
		if i < 0 {
			return chats, false
		}
		found = true
		chats[i].LastMessage = lastMessage
		chats[i].LastTimestamp = at
		return chats, true
	})
	return found, err
}

// MarkUnread increments the unread counter of an existing session.
func (r *ChatRegistry) MarkUnread(ctx context.Context, id domain.PeerID) error {
	return r.mutate(ctx, func(chats []domain.ChatSession) ([]domain.ChatSession, bool) {
		i := indexOf(chats, id)
		if i < 0 {
			return chats, false
		}
		chats[i].UnreadCount++
		return chats, true
	})
}

func (r *ChatRegistry) MarkRead(ctx context.Context, id domain.PeerID) error {
	return r.mutate(ctx, func(chats []domain.ChatSession) ([]domain.ChatSession, bool) {
		i := indexOf(chats, id)
		if i < 0 || chats[i].UnreadCount == 0 {
			return chats, false
		}
		chats[i].UnreadCount = 0
		return chats, true
	})
}

// SetOnline flips presence for an existing session.
func (r *ChatRegistry) SetOnline(ctx context.Context, id domain.PeerID, online bool) error {
	return r.mutate(ctx, func(chats []domain.ChatSession) ([]domain.ChatSession, bool) {
		i := indexOf(chats, id)
		if i < 0 || chats[i].Kind == domain.ChatKindAI || chats[i].IsOnline == online {
			return chats, false
		}
		chats[i].IsOnline = online
		if !online {
			chats[i].LastSeen = utils.NowMillis()
		}
		return chats, true
	})
}

// Delete removes the session and its messages in one transaction.
func (r *ChatRegistry) Delete(ctx context.Context, id domain.PeerID) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if err := r.guard.Store().DeleteChat(ctx, id); err != nil {
		return fmt.Errorf("failed to delete chat %s: %w", id, err)
	}
	r.logger.Infow("chat deleted", "chat_id", id)
	r.publish(ctx)
	return nil
}

func (r *ChatRegistry) mutate(ctx context.Context, fn func([]domain.ChatSession) ([]domain.ChatSession, bool)) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	chats, err := r.guard.Store().GetChats(ctx)
	if err != nil {
		return fmt.Errorf("failed to load chats: %w", err)
	}
	next, changed := fn(chats)
	if !changed {
		return nil
	}
	return r.save(ctx, next)
}

func (r *ChatRegistry) save(ctx context.Context, chats []domain.ChatSession) error {
	if err := r.guard.SaveChats(ctx, chats); err != nil {
		return fmt.Errorf("failed to save chats: %w", err)
	}
	sorted := append([]domain.ChatSession(nil), chats...)
	sortChats(sorted)
	r.sink.ChatsChanged(sorted)
	return nil
}

func (r *ChatRegistry) publish(ctx context.Context) {
	chats, err := r.guard.Store().GetChats(ctx)
	if err != nil {
		r.logger.Warnw("failed to reload chats", "error", err)
		return
	}
	sortChats(chats)
	r.sink.ChatsChanged(chats)
}

func indexOf(chats []domain.ChatSession, id domain.PeerID) int {
	for i := range chats {
		if chats[i].ID == id {
			return i
		}
	}
	return -1
}

func sortChats(chats []domain.ChatSession) {
	sort.SliceStable(chats, func(i, j int) bool {
		return chats[i].LastTimestamp > chats[j].LastTimestamp
	})
}
