package webrtc

import (
	"sync"

	"chatnest/internal/core/domain"
	"chatnest/internal/infrastructure/signal"

	"github.com/pion/webrtc/v3"
)

// session is one negotiation with a remote identity, keyed by the id both
// sides put in every signal.
type session struct {
	id       string
	remote   domain.PeerID
	kind     signal.SessionKind
	callKind domain.CallKind

	mu sync.Mutex
	pc *webrtc.PeerConnection
	// offer is the remote offer of a ringing incoming call.
	offer *webrtc.SessionDescription

	remoteSet bool
	pending   []webrtc.ICECandidateInit

	signaled bool
	outbox   []webrtc.ICECandidateInit

	onAnswer func()
	onEnd    func(reason string)
	ended    bool
}

func newSession(id string, remote domain.PeerID, kind signal.SessionKind, pc *webrtc.PeerConnection) *session {
	return &session{id: id, remote: remote, kind: kind, pc: pc}
}

func (s *session) setPeerConnection(pc *webrtc.PeerConnection) {
	s.mu.Lock()
	s.pc = pc
	s.mu.Unlock()
}

func (s *session) peerConnection() *webrtc.PeerConnection {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.pc
}

// setEnd installs the teardown callback. It runs at once when the session
// already ended.
func (s *session) setEnd(fn func(reason string)) {
	s.mu.Lock()
	if s.ended {
		s.mu.Unlock()
		fn("remote_hangup")
		return
	}
	s.onEnd = fn
	s.mu.Unlock()
}

// replaceEnd swaps the teardown callback, failing when the session already
// ended.
func (s *session) replaceEnd(fn func(reason string)) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.ended {
		return false
	}
	s.onEnd = fn
	return true
}

func (s *session) end(reason string) {
	s.mu.Lock()
	if s.ended {
		s.mu.Unlock()
		return
	}
	s.ended = true
	fn := s.onEnd
	s.onEnd = nil
	s.mu.Unlock()

	if fn != nil {
		fn(reason)
	}
}

// applyRemote sets the remote description, then the candidates that were
// waiting for it.
func (s *session) applyRemote(desc webrtc.SessionDescription) error {
	s.mu.Lock()
	pc := s.pc
	s.mu.Unlock()

	if err := pc.SetRemoteDescription(desc); err != nil {
		return err
	}

	s.mu.Lock()
	s.remoteSet = true
	pending := s.pending
	s.pending = nil
	answered := s.onAnswer
	s.onAnswer = nil
	s.mu.Unlock()

	for _, c := range pending {
		if err := pc.AddICECandidate(c); err != nil {
			return err
		}
	}
	if answered != nil {
		answered()
	}
	return nil
}

// addRemoteCandidate applies c now or once the remote description is set.
func (s *session) addRemoteCandidate(c webrtc.ICECandidateInit) error {
	s.mu.Lock()
	if !s.remoteSet || s.pc == nil {
		s.pending = append(s.pending, c)
		s.mu.Unlock()
		return nil
	}
	pc := s.pc
	s.mu.Unlock()
	return pc.AddICECandidate(c)
}

// queueLocalCandidate reports whether c may go out now. Candidates gathered
// before our description was signaled wait in the outbox.
func (s *session) queueLocalCandidate(c webrtc.ICECandidateInit) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.signaled {
		return true
	}
	s.outbox = append(s.outbox, c)
	return false
}

// markSignaled returns the candidates held back until now.
func (s *session) markSignaled() []webrtc.ICECandidateInit {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.signaled = true
	out := s.outbox
	s.outbox = nil
	return out
}

// negotiated reports whether the remote description was applied.
func (s *session) negotiated() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.remoteSet
}

func (s *session) pendingCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.pending)
}
