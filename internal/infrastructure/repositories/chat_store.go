package repositories

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"sync"

	"chatnest/internal/core/domain"
	"chatnest/internal/core/ports"
)

const (
	messagesKey = "chatnest_messages_v1"
	chatsKey    = "chatnest_sessions_v1"
	profileKey  = "chatnest_profile"
)

// ChatStore keeps all messages in one JSON blob and all sessions in another,
// on top of any KeyValueStore. Read-modify-write cycles are serialized by mu.
type ChatStore struct {
	kv ports.KeyValueStore
	mu sync.Mutex
}

func NewChatStore(kv ports.KeyValueStore) *ChatStore {
	return &ChatStore{kv: kv}
}

var _ ports.ChatStore = (*ChatStore)(nil)

func (s *ChatStore) GetMessages(ctx context.Context, chatID domain.PeerID) ([]domain.Message, error) {
	s.mu.Lock()
	all, err := s.loadMessages(ctx)
	s.mu.Unlock()
	if err != nil {
		return nil, err
	}

	out := make([]domain.Message, 0)
	for _, m := range all {
		if m.ChatID == chatID {
			out = append(out, m)
		}
	}
	sort.SliceStable(out, func(i, j int) bool {
		return out[i].Timestamp < out[j].Timestamp
	})
	return out, nil
}

func (s *ChatStore) GetMessage(ctx context.Context, chatID domain.PeerID, id string) (*domain.Message, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	all, err := s.loadMessages(ctx)
	if err != nil {
		return nil, err
	}
	for i := range all {
		if all[i].ChatID == chatID && all[i].ID == id {
			m := all[i]
			return &m, nil
		}
	}
	return nil, domain.ErrMessageNotFound
}

// SaveMessage inserts msg or replaces the stored message with the same chat
// and id.
func (s *ChatStore) SaveMessage(ctx context.Context, msg domain.Message) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	all, err := s.loadMessages(ctx)
	if err != nil {
		return err
	}
	replaced := false
	for i := range all {
		if all[i].ChatID == msg.ChatID && all[i].ID == msg.ID {
			all[i] = msg
			replaced = true
			break
		}
	}
	if !replaced {
		all = append(all, msg)
	}
	return s.storeMessages(ctx, all)
}

// DeleteMessage removes id from chatID. Unknown ids are not an error.
func (s *ChatStore) DeleteMessage(ctx context.Context, chatID domain.PeerID, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	all, err := s.loadMessages(ctx)
	if err != nil {
		return err
	}
	kept := all[:0]
	for _, m := range all {
		if m.ChatID != chatID || m.ID != id {
			kept = append(kept, m)
		}
	}
	if len(kept) == len(all) {
		return nil
	}
	return s.storeMessages(ctx, kept)
}

// PruneMessages keeps only the keepNewest most recent messages across all
// chats and reports how many were dropped.
func (s *ChatStore) PruneMessages(ctx context.Context, keepNewest int) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	all, err := s.loadMessages(ctx)
	if err != nil {
		return 0, err
	}
	if keepNewest < 0 {
		keepNewest = 0
	}
	if len(all) <= keepNewest {
		return 0, nil
	}
	sort.SliceStable(all, func(i, j int) bool {
		return all[i].Timestamp < all[j].Timestamp
	})
	removed := len(all) - keepNewest
	if err := s.storeMessages(ctx, all[removed:]); err != nil {
		return 0, err
	}
	return removed, nil
}

func (s *ChatStore) CountMessages(ctx context.Context) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	all, err := s.loadMessages(ctx)
	if err != nil {
		return 0, err
	}
	return len(all), nil
}

func (s *ChatStore) GetChats(ctx context.Context) ([]domain.ChatSession, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.loadChats(ctx)
}

func (s *ChatStore) SaveChats(ctx context.Context, chats []domain.ChatSession) error {
	data, err := json.Marshal(chats)
	if err != nil {
		return fmt.Errorf("failed to marshal chats: %w", err)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.kv.Set(ctx, chatsKey, data)
}

// DeleteChat drops the session and its messages in one atomic write.
func (s *ChatStore) DeleteChat(ctx context.Context, chatID domain.PeerID) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	chats, err := s.loadChats(ctx)
	if err != nil {
		return err
	}
	all, err := s.loadMessages(ctx)
	if err != nil {
		return err
	}

	keptChats := make([]domain.ChatSession, 0, len(chats))
	for _, c := range chats {
		if c.ID != chatID {
			keptChats = append(keptChats, c)
		}
	}
	keptMsgs := make([]domain.Message, 0, len(all))
	for _, m := range all {
		if m.ChatID != chatID {
			keptMsgs = append(keptMsgs, m)
		}
	}

	chatData, err := json.Marshal(keptChats)
	if err != nil {
		return fmt.Errorf("failed to marshal chats: %w", err)
	}
	msgData, err := json.Marshal(keptMsgs)
	if err != nil {
		return fmt.Errorf("failed to marshal messages: %w", err)
	}
	return s.kv.SetMany(ctx, map[string][]byte{
		chatsKey:    chatData,
		messagesKey: msgData,
	})
}

func (s *ChatStore) loadMessages(ctx context.Context) ([]domain.Message, error) {
	data, ok, err := s.kv.Get(ctx, messagesKey)
	if err != nil {
		return nil, fmt.Errorf("failed to load messages: %w", err)
	}
	if !ok {
		return nil, nil
	}
	var all []domain.Message
	if err := json.Unmarshal(data, &all); err != nil {
		// corrupt blobs read as empty
		return nil, nil
	}
	return all, nil
}

func (s *ChatStore) storeMessages(ctx context.Context, all []domain.Message) error {
	data, err := json.Marshal(all)
	if err != nil {
		return fmt.Errorf("failed to marshal messages: %w", err)
	}
	return s.kv.Set(ctx, messagesKey, data)
}

func (s *ChatStore) loadChats(ctx context.Context) ([]domain.ChatSession, error) {
	data, ok, err := s.kv.Get(ctx, chatsKey)
	if err != nil {
		return nil, fmt.Errorf("failed to load chats: %w", err)
	}
	if !ok {
		return nil, nil
	}
	var chats []domain.ChatSession
	if err := json.Unmarshal(data, &chats); err != nil {
		return nil, nil
	}
	return chats, nil
}
