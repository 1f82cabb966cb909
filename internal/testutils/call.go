package testutils

import (
	"sync"

	"chatnest/internal/core/domain"
	"chatnest/internal/core/ports"

	"github.com/pion/rtp"
)

// CallHandle is an in-memory media session end.
type CallHandle struct {
	id     string
	remote domain.PeerID

	mu           sync.Mutex
	peer         *CallHandle
	answered     bool
	closed       bool
	reason       string
	onAnswered   []func()
	onTrack      []func(ports.RemoteTrack)
	onClose      []func(string)
	onLocalClose func()
}

var _ ports.CallHandle = (*CallHandle)(nil)

func newCallHandle(id string, remote domain.PeerID) *CallHandle {
	return &CallHandle{id: id, remote: remote}
}

// NewCallHandle returns a standalone handle for unit tests.
func NewCallHandle(id string, remote domain.PeerID) *CallHandle {
	return newCallHandle(id, remote)
}

func link(a, b *CallHandle) {
	a.mu.Lock()
	a.peer = b
	a.mu.Unlock()
	b.mu.Lock()
	b.peer = a
	b.mu.Unlock()
}

func (h *CallHandle) ID() string {
	return h.id
}

func (h *CallHandle) Remote() domain.PeerID {
	return h.remote
}

func (h *CallHandle) OnAnswered(fn func()) {
	h.mu.Lock()
	if h.answered {
		h.mu.Unlock()
		fn()
		return
	}
	h.onAnswered = append(h.onAnswered, fn)
	h.mu.Unlock()
}

func (h *CallHandle) OnRemoteTrack(fn func(ports.RemoteTrack)) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.onTrack = append(h.onTrack, fn)
}

func (h *CallHandle) OnClose(fn func(reason string)) {
	h.mu.Lock()
	if h.closed {
		reason := h.reason
		h.mu.Unlock()
		fn(reason)
		return
	}
	h.onClose = append(h.onClose, fn)
	h.mu.Unlock()
}

// Close hangs up locally; the linked end sees "remote_hangup".
func (h *CallHandle) Close() error {
	h.mu.Lock()
	peer := h.peer
	local := h.onLocalClose
	h.mu.Unlock()

	if !h.closeWith("local_hangup") {
		return nil
	}
	if local != nil {
		local()
	}
	if peer != nil {
		peer.closeWith("remote_hangup")
	}
	return nil
}

// Answer simulates the remote description arriving.
func (h *CallHandle) Answer() {
	h.answer()
}

// PushTrack delivers a remote track to the registered handlers.
func (h *CallHandle) PushTrack(track ports.RemoteTrack) {
	h.mu.Lock()
	handlers := append([]func(ports.RemoteTrack){}, h.onTrack...)
	h.mu.Unlock()
	for _, fn := range handlers {
		fn(track)
	}
}

// RemoteHangup closes the handle as if the peer vanished.
func (h *CallHandle) RemoteHangup() {
	h.closeWith("remote_hangup")
}

func (h *CallHandle) Closed() bool {
	return h.isClosed()
}

func (h *CallHandle) isClosed() bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.closed
}

func (h *CallHandle) answer() {
	h.mu.Lock()
	if h.answered || h.closed {
		h.mu.Unlock()
		return
	}
	h.answered = true
	handlers := h.onAnswered
	h.onAnswered = nil
	h.mu.Unlock()
	for _, fn := range handlers {
		fn()
	}
}

func (h *CallHandle) closeWith(reason string) bool {
	h.mu.Lock()
	if h.closed {
		h.mu.Unlock()
		return false
	}
	h.closed = true
	h.reason = reason
	handlers := h.onClose
	h.onClose = nil
	h.mu.Unlock()
	for _, fn := range handlers {
		fn(reason)
	}
	return true
}

// RemoteTrack is a canned inbound track.
type RemoteTrack struct {
	TrackID   string
	TrackKind string
}

func (t RemoteTrack) ID() string {
	return t.TrackID
}

func (t RemoteTrack) Kind() string {
	return t.TrackKind
}

func (t RemoteTrack) ReadRTP() (*rtp.Packet, error) {
	return &rtp.Packet{Header: rtp.Header{Version: 2, PayloadType: 111}}, nil
}
