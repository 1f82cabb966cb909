package testutils

import (
	"sync"

	"chatnest/internal/core/domain"
	"chatnest/internal/core/ports"
)

// Sink records every event the core emits.
type Sink struct {
	mu         sync.Mutex
	transcript []domain.Message
	updates    []domain.Message
	removed    []string
	chatLists  [][]domain.ChatSession
	callStates []domain.CallInfo
	tracks     []ports.RemoteTrack
	notices    []string
}

var _ ports.EventSink = (*Sink)(nil)

func NewSink() *Sink {
	return &Sink{}
}

func (s *Sink) TranscriptAppended(msg domain.Message) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.transcript = append(s.transcript, msg)
}

func (s *Sink) MessageUpdated(msg domain.Message) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.updates = append(s.updates, msg)
}

func (s *Sink) MessageRemoved(_ domain.PeerID, messageID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.removed = append(s.removed, messageID)
}

func (s *Sink) ChatsChanged(chats []domain.ChatSession) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.chatLists = append(s.chatLists, append([]domain.ChatSession(nil), chats...))
}

func (s *Sink) CallStateChanged(info domain.CallInfo) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.callStates = append(s.callStates, info)
}

func (s *Sink) RemoteTrackAttached(_ domain.PeerID, track ports.RemoteTrack) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.tracks = append(s.tracks, track)
}

func (s *Sink) Notice(text string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.notices = append(s.notices, text)
}

func (s *Sink) Transcript() []domain.Message {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]domain.Message(nil), s.transcript...)
}

func (s *Sink) Updates() []domain.Message {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]domain.Message(nil), s.updates...)
}

func (s *Sink) Removed() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]string(nil), s.removed...)
}

// LastChats returns the most recent chat list, or nil.
func (s *Sink) LastChats() []domain.ChatSession {
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.chatLists) == 0 {
		return nil
	}
	return s.chatLists[len(s.chatLists)-1]
}

// CallStates returns the sequence of call states observed.
func (s *Sink) CallStates() []domain.CallState {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]domain.CallState, 0, len(s.callStates))
	for _, info := range s.callStates {
		out = append(out, info.State)
	}
	return out
}

// LastCall returns the latest call snapshot.
func (s *Sink) LastCall() domain.CallInfo {
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.callStates) == 0 {
		return domain.CallInfo{State: domain.CallIdle}
	}
	return s.callStates[len(s.callStates)-1]
}

func (s *Sink) Tracks() []ports.RemoteTrack {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]ports.RemoteTrack(nil), s.tracks...)
}

func (s *Sink) Notices() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]string(nil), s.notices...)
}
