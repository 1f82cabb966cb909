package webrtc

import (
	"sync"
	"time"

	"chatnest/internal/core/domain"
	"chatnest/internal/core/ports"

	"github.com/pion/rtcp"
	"github.com/pion/rtp"
	"github.com/pion/webrtc/v3"
	"go.uber.org/zap"
)

const keyframeInterval = 3 * time.Second

// Close reasons reported through CallHandle.OnClose.
const (
	ReasonLocalHangup  = "local_hangup"
	ReasonRemoteHangup = "remote_hangup"
	ReasonRejected     = "rejected"
	ReasonBusy         = "busy"
	ReasonUnreachable  = "unreachable"
	ReasonFailed       = "connection_failed"
)

// callHandle is one media session over a pion peer connection.
type callHandle struct {
	id      string
	remote  domain.PeerID
	pc      *webrtc.PeerConnection
	release func(notify bool)
	done    chan struct{}

	mu         sync.Mutex
	answered   bool
	closed     bool
	reason     string
	tracks     []ports.RemoteTrack
	onAnswered []func()
	onTrack    []func(ports.RemoteTrack)
	onClose    []func(string)

	logger *zap.SugaredLogger
}

var _ ports.CallHandle = (*callHandle)(nil)

func newCallHandle(id string, remote domain.PeerID, pc *webrtc.PeerConnection, release func(notify bool), logger *zap.SugaredLogger) *callHandle {
	h := &callHandle{
		id:      id,
		remote:  remote,
		pc:      pc,
		release: release,
		done:    make(chan struct{}),
		logger:  logger,
	}

	pc.OnTrack(h.attach)
	pc.OnConnectionStateChange(func(state webrtc.PeerConnectionState) {
		if state == webrtc.PeerConnectionStateFailed {
			h.closeWith(ReasonFailed, true)
		}
	})
	return h
}

func (h *callHandle) ID() string {
	return h.id
}

func (h *callHandle) Remote() domain.PeerID {
	return h.remote
}

func (h *callHandle) OnAnswered(fn func()) {
	h.mu.Lock()
	if h.answered {
		h.mu.Unlock()
		fn()
		return
	}
	h.onAnswered = append(h.onAnswered, fn)
	h.mu.Unlock()
}

// OnRemoteTrack also replays tracks that arrived before fn was set.
func (h *callHandle) OnRemoteTrack(fn func(track ports.RemoteTrack)) {
	h.mu.Lock()
	h.onTrack = append(h.onTrack, fn)
	existing := append([]ports.RemoteTrack(nil), h.tracks...)
	h.mu.Unlock()

	for _, t := range existing {
		fn(t)
	}
}

func (h *callHandle) OnClose(fn func(reason string)) {
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

func (h *callHandle) Close() error {
	h.closeWith(ReasonLocalHangup, true)
	return nil
}

func (h *callHandle) answer() {
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

// closeWith ends the call once. notify sends a hangup to the remote.
func (h *callHandle) closeWith(reason string, notify bool) {
	h.mu.Lock()
	if h.closed {
		h.mu.Unlock()
		return
	}
	h.closed = true
	h.reason = reason
	handlers := h.onClose
	h.onClose = nil
	h.mu.Unlock()

	close(h.done)
	h.release(notify)
	for _, fn := range handlers {
		fn(reason)
	}
}

func (h *callHandle) attach(track *webrtc.TrackRemote, receiver *webrtc.RTPReceiver) {
	h.logger.Debugw("remote track",
		"call_id", h.id,
		"track_id", track.ID(),
		"kind", track.Kind().String(),
		"codec", track.Codec().MimeType,
	)

	if track.Kind() == webrtc.RTPCodecTypeVideo {
		go h.requestKeyframes(track.SSRC())
	}

	rt := &remoteTrack{track: track}
	h.mu.Lock()
	if h.closed {
		h.mu.Unlock()
		return
	}
	h.tracks = append(h.tracks, rt)
	handlers := append([]func(ports.RemoteTrack){}, h.onTrack...)
	h.mu.Unlock()

	for _, fn := range handlers {
		fn(rt)
	}
}

// requestKeyframes sends a PLI now and then periodically so the remote
// encoder refreshes the picture for a late or lossy receiver.
func (h *callHandle) requestKeyframes(ssrc webrtc.SSRC) {
	ticker := time.NewTicker(keyframeInterval)
	defer ticker.Stop()

	for {
		if err := h.pc.WriteRTCP([]rtcp.Packet{&rtcp.PictureLossIndication{MediaSSRC: uint32(ssrc)}}); err != nil {
			return
		}
		select {
		case <-ticker.C:
		case <-h.done:
			return
		}
	}
}

type remoteTrack struct {
	track *webrtc.TrackRemote
}

func (t *remoteTrack) ID() string {
	return t.track.ID()
}

func (t *remoteTrack) Kind() string {
	return t.track.Kind().String()
}

func (t *remoteTrack) ReadRTP() (*rtp.Packet, error) {
	pkt, _, err := t.track.ReadRTP()
	return pkt, err
}
