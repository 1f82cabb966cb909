package webrtc

import (
	"context"
	"fmt"
	"sync"
	"time"

	"chatnest/internal/core/domain"
	"chatnest/internal/core/ports"
	"chatnest/internal/infrastructure/signal"
	"chatnest/pkg/utils"

	"github.com/pion/webrtc/v3"
	"go.uber.org/zap"
)

// Signaler is the rendezvous connection the transport negotiates over.
type Signaler interface {
	Register(ctx context.Context, id domain.PeerID) error
	LocalID() domain.PeerID
	Connected() bool
	Send(msg signal.Message) error
	OnMessage(handler func(signal.Message))
	Close() error
}

var _ Signaler = (*signal.Client)(nil)

// Transport implements ports.SignalingTransport with pion peer connections
// negotiated through the rendezvous server. Every data channel and every
// call gets its own peer connection.
type Transport struct {
	signaler       Signaler
	api            *webrtc.API
	rtcConfig      webrtc.Configuration
	connectTimeout time.Duration

	mu       sync.Mutex
	sessions map[string]*session
	onData   ports.DataHandler
	onCall   ports.CallHandler
	closed   bool

	logger *zap.SugaredLogger
}

var _ ports.SignalingTransport = (*Transport)(nil)

func NewTransport(cfg Config, signaler Signaler, logger *zap.SugaredLogger) (*Transport, error) {
	api, err := newAPI(cfg)
	if err != nil {
		return nil, err
	}
	if cfg.ConnectTimeout <= 0 {
		cfg.ConnectTimeout = 15 * time.Second
	}

	t := &Transport{
		signaler:       signaler,
		api:            api,
		rtcConfig:      webrtc.Configuration{ICEServers: cfg.ICEServers},
		connectTimeout: cfg.ConnectTimeout,
		sessions:       make(map[string]*session),
		logger:         logger,
	}
	signaler.OnMessage(t.handleSignal)
	return t, nil
}

func (t *Transport) Register(ctx context.Context, id domain.PeerID) error {
	if err := t.signaler.Register(ctx, id); err != nil {
		return err
	}
	t.logger.Infow("registered with rendezvous", "peer_id", id)
	return nil
}

func (t *Transport) LocalID() domain.PeerID {
	return t.signaler.LocalID()
}

// Connected reports whether the rendezvous socket is up.
func (t *Transport) Connected() bool {
	return t.signaler.Connected()
}

func (t *Transport) OnIncomingData(handler ports.DataHandler) {
	t.mu.Lock()
	t.onData = handler
	t.mu.Unlock()
}

func (t *Transport) OnIncomingCall(handler ports.CallHandler) {
	t.mu.Lock()
	t.onCall = handler
	t.mu.Unlock()
}

// ConnectData offers a data channel to target and waits until it opens,
// the server reports target unreachable, or the connect timeout passes.
func (t *Transport) ConnectData(ctx context.Context, target domain.PeerID) (ports.DataChannel, error) {
	if t.LocalID() == "" {
		return nil, domain.ErrNotRegistered
	}

	ctx, cancel := context.WithTimeout(ctx, t.connectTimeout)
	defer cancel()

	pc, err := t.newPeerConnection()
	if err != nil {
		return nil, err
	}
	dc, err := pc.CreateDataChannel(dataChannelLabel, nil)
	if err != nil {
		pc.Close()
		return nil, fmt.Errorf("create data channel: %w", err)
	}

	s := newSession(utils.NewSessionID(), target, signal.SessionData, pc)
	ch := newDataChannel(target, dc, t.releaser(s))

	failed := make(chan string, 1)
	s.setEnd(func(reason string) {
		select {
		case failed <- reason:
		default:
		}
		ch.shutdown(false)
	})

	t.track(s)
	t.watchLocalCandidates(s, pc)
	pc.OnConnectionStateChange(func(state webrtc.PeerConnectionState) {
		if state == webrtc.PeerConnectionStateFailed {
			ch.shutdown(true)
		}
	})

	if err := t.offer(s, pc, ""); err != nil {
		ch.shutdown(false)
		return nil, err
	}

	select {
	case <-ch.opened:
		t.logger.Debugw("data channel open", "peer_id", target, "session_id", s.id)
		return ch, nil
	case reason := <-failed:
		return nil, fmt.Errorf("%s (%s): %w", target, reason, domain.ErrPeerUnreachable)
	case <-ctx.Done():
		ch.shutdown(true)
		return nil, fmt.Errorf("%s: %w", target, domain.ErrPeerUnreachable)
	}
}

// Call offers a media session carrying stream. The returned handle reports
// the answer, remote tracks and teardown.
func (t *Transport) Call(ctx context.Context, target domain.PeerID, stream ports.MediaStream, kind domain.CallKind) (ports.CallHandle, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if t.LocalID() == "" {
		return nil, domain.ErrNotRegistered
	}

	pc, err := t.newPeerConnection()
	if err != nil {
		return nil, err
	}
	if err := t.addLocalMedia(pc, stream, kind); err != nil {
		pc.Close()
		return nil, err
	}

	s := newSession(utils.NewSessionID(), target, signal.SessionMedia, pc)
	s.callKind = kind
	h := newCallHandle(s.id, target, pc, t.releaser(s), t.logger)
	s.onAnswer = h.answer
	s.setEnd(func(reason string) { h.closeWith(reason, false) })

	t.track(s)
	t.watchLocalCandidates(s, pc)

	if err := t.offer(s, pc, kind); err != nil {
		h.closeWith(ReasonFailed, false)
		return nil, err
	}
	return h, nil
}

func (t *Transport) Close() error {
	t.mu.Lock()
	t.closed = true
	sessions := make([]*session, 0, len(t.sessions))
	for _, s := range t.sessions {
		sessions = append(sessions, s)
	}
	t.mu.Unlock()

	for _, s := range sessions {
		t.hangup(s)
		s.end(ReasonLocalHangup)
	}
	return t.signaler.Close()
}

func (t *Transport) newPeerConnection() (*webrtc.PeerConnection, error) {
	pc, err := t.api.NewPeerConnection(t.rtcConfig)
	if err != nil {
		return nil, fmt.Errorf("failed to create peer connection: %w", err)
	}
	return pc, nil
}

// addLocalMedia adds the capture tracks and makes sure the connection can
// receive every kind the call needs.
func (t *Transport) addLocalMedia(pc *webrtc.PeerConnection, stream ports.MediaStream, kind domain.CallKind) error {
	has := map[webrtc.RTPCodecType]bool{}

	if stream != nil {
		for _, mt := range stream.Tracks() {
			codecType := webrtc.NewRTPCodecType(mt.Kind())
			local, ok := mt.(interface{ TrackLocal() webrtc.TrackLocal })
			if !ok {
				if _, err := pc.AddTransceiverFromKind(codecType); err != nil {
					return fmt.Errorf("add %s transceiver: %w", mt.Kind(), err)
				}
				has[codecType] = true
				continue
			}

			sender, err := pc.AddTrack(local.TrackLocal())
			if err != nil {
				return fmt.Errorf("add %s track: %w", mt.Kind(), err)
			}
			has[codecType] = true
			go drainRTCP(sender)
		}
	}

	wanted := []webrtc.RTPCodecType{webrtc.RTPCodecTypeAudio}
	if kind.WantsVideo() {
		wanted = append(wanted, webrtc.RTPCodecTypeVideo)
	}
	for _, codecType := range wanted {
		if has[codecType] {
			continue
		}
		if _, err := pc.AddTransceiverFromKind(codecType, webrtc.RTPTransceiverInit{
			Direction: webrtc.RTPTransceiverDirectionRecvonly,
		}); err != nil {
			return fmt.Errorf("add %s transceiver: %w", codecType, err)
		}
	}
	return nil
}

// drainRTCP keeps the sender's interceptors running.
func drainRTCP(sender *webrtc.RTPSender) {
	buf := make([]byte, 1500)
	for {
		if _, _, err := sender.Read(buf); err != nil {
			return
		}
	}
}

func (t *Transport) offer(s *session, pc *webrtc.PeerConnection, kind domain.CallKind) error {
	offer, err := pc.CreateOffer(nil)
	if err != nil {
		return fmt.Errorf("create offer: %w", err)
	}
	if err := pc.SetLocalDescription(offer); err != nil {
		return fmt.Errorf("set local description: %w", err)
	}

	msg, err := signal.Message{
		Type:        signal.TypeOffer,
		To:          s.remote,
		SessionID:   s.id,
		SessionKind: s.kind,
		CallKind:    kind,
	}.WithPayload(signal.SDPPayload{Type: offer.Type.String(), SDP: offer.SDP})
	if err != nil {
		return err
	}
	if err := t.signaler.Send(msg); err != nil {
		return fmt.Errorf("send offer: %w", err)
	}
	t.flushCandidates(s)
	return nil
}

func (t *Transport) answer(s *session, pc *webrtc.PeerConnection) error {
	answer, err := pc.CreateAnswer(nil)
	if err != nil {
		return fmt.Errorf("create answer: %w", err)
	}
	if err := pc.SetLocalDescription(answer); err != nil {
		return fmt.Errorf("set local description: %w", err)
	}

	msg, err := signal.Message{
		Type:        signal.TypeAnswer,
		To:          s.remote,
		SessionID:   s.id,
		SessionKind: s.kind,
	}.WithPayload(signal.SDPPayload{Type: answer.Type.String(), SDP: answer.SDP})
	if err != nil {
		return err
	}
	if err := t.signaler.Send(msg); err != nil {
		return fmt.Errorf("send answer: %w", err)
	}
	t.flushCandidates(s)
	return nil
}

// watchLocalCandidates trickles gathered candidates to the remote side.
func (t *Transport) watchLocalCandidates(s *session, pc *webrtc.PeerConnection) {
	pc.OnICECandidate(func(c *webrtc.ICECandidate) {
		if c == nil {
			return
		}
		init := c.ToJSON()
		if s.queueLocalCandidate(init) {
			t.sendCandidate(s, init)
		}
	})
}

func (t *Transport) flushCandidates(s *session) {
	for _, c := range s.markSignaled() {
		t.sendCandidate(s, c)
	}
}

func (t *Transport) sendCandidate(s *session, c webrtc.ICECandidateInit) {
	msg, err := signal.Message{
		Type:      signal.TypeCandidate,
		To:        s.remote,
		SessionID: s.id,
	}.WithPayload(signal.CandidatePayload{
		Candidate:     c.Candidate,
		SDPMid:        c.SDPMid,
		SDPMLineIndex: c.SDPMLineIndex,
	})
	if err != nil {
		return
	}
	if err := t.signaler.Send(msg); err != nil {
		t.logger.Debugw("candidate not sent", "session_id", s.id, "error", err)
	}
}

func (t *Transport) track(s *session) {
	t.mu.Lock()
	t.sessions[s.id] = s
	t.mu.Unlock()
}

func (t *Transport) lookup(id string) (*session, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	s, ok := t.sessions[id]
	return s, ok
}

func (t *Transport) forget(s *session) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	if current, ok := t.sessions[s.id]; ok && current == s {
		delete(t.sessions, s.id)
		return true
	}
	return false
}

// releaser returns the teardown of s: stop tracking it, optionally tell the
// remote, close its peer connection.
func (t *Transport) releaser(s *session) func(notify bool) {
	return func(notify bool) {
		tracked := t.forget(s)
		if notify && tracked {
			t.hangup(s)
		}
		if pc := s.peerConnection(); pc != nil {
			if err := pc.Close(); err != nil {
				t.logger.Debugw("peer connection close", "session_id", s.id, "error", err)
			}
		}
	}
}

func (t *Transport) hangup(s *session) {
	t.send(signal.Message{Type: signal.TypeHangup, To: s.remote, SessionID: s.id, SessionKind: s.kind})
}

func (t *Transport) send(msg signal.Message) {
	if err := t.signaler.Send(msg); err != nil {
		t.logger.Debugw("signal not sent", "type", msg.Type, "to", msg.To, "error", err)
	}
}

// handleSignal runs on the rendezvous read loop, one frame at a time.
func (t *Transport) handleSignal(msg signal.Message) {
	t.mu.Lock()
	closed := t.closed
	t.mu.Unlock()
	if closed {
		return
	}

	switch msg.Type {
	case signal.TypeOffer:
		var desc signal.SDPPayload
		if err := msg.DecodePayload(&desc); err != nil {
			t.logger.Debugw("bad offer", "from", msg.From, "error", err)
			return
		}
		offer := webrtc.SessionDescription{Type: webrtc.SDPTypeOffer, SDP: desc.SDP}
		if msg.SessionKind == signal.SessionMedia {
			t.ring(msg, offer)
		} else {
			t.acceptData(msg, offer)
		}

	case signal.TypeAnswer:
		s, ok := t.lookup(msg.SessionID)
		if !ok {
			return
		}
		var desc signal.SDPPayload
		if err := msg.DecodePayload(&desc); err != nil {
			t.logger.Debugw("bad answer", "from", msg.From, "error", err)
			return
		}
		if err := s.applyRemote(webrtc.SessionDescription{Type: webrtc.SDPTypeAnswer, SDP: desc.SDP}); err != nil {
			t.logger.Warnw("apply answer failed", "session_id", s.id, "peer_id", s.remote, "error", err)
			s.end(ReasonFailed)
		}

	case signal.TypeCandidate:
		s, ok := t.lookup(msg.SessionID)
		if !ok {
			return
		}
		var c signal.CandidatePayload
		if err := msg.DecodePayload(&c); err != nil {
			return
		}
		if err := s.addRemoteCandidate(webrtc.ICECandidateInit{
			Candidate:     c.Candidate,
			SDPMid:        c.SDPMid,
			SDPMLineIndex: c.SDPMLineIndex,
		}); err != nil {
			t.logger.Debugw("add candidate failed", "session_id", s.id, "error", err)
		}

	case signal.TypeHangup:
		t.endSession(msg.SessionID, ReasonRemoteHangup)
	case signal.TypeReject:
		t.endSession(msg.SessionID, ReasonRejected)
	case signal.TypeBusy:
		t.endSession(msg.SessionID, ReasonBusy)
	case signal.TypeUnreachable:
		t.endSession(msg.SessionID, ReasonUnreachable)

	case signal.TypeError:
		t.logger.Warnw("rendezvous error", "session_id", msg.SessionID, "error", msg.Error)
		if s, ok := t.lookup(msg.SessionID); ok && !s.negotiated() {
			t.endSession(msg.SessionID, ReasonFailed)
		}
	}
}

// endSession tears down a session the remote side ended.
func (t *Transport) endSession(id string, reason string) {
	s, ok := t.lookup(id)
	if !ok {
		return
	}
	t.forget(s)
	s.end(reason)
}

func (t *Transport) acceptData(msg signal.Message, offer webrtc.SessionDescription) {
	t.mu.Lock()
	handler := t.onData
	t.mu.Unlock()

	pc, err := t.newPeerConnection()
	if err != nil {
		t.logger.Errorw("incoming data channel", "from", msg.From, "error", err)
		return
	}

	s := newSession(msg.SessionID, msg.From, signal.SessionData, pc)
	release := t.releaser(s)

	var mu sync.Mutex
	var ch *dataChannel
	s.setEnd(func(string) {
		mu.Lock()
		current := ch
		mu.Unlock()
		if current != nil {
			current.shutdown(false)
			return
		}
		release(false)
	})

	pc.OnDataChannel(func(dc *webrtc.DataChannel) {
		c := newDataChannel(msg.From, dc, release)
		mu.Lock()
		ch = c
		mu.Unlock()

		go func() {
			<-c.opened
			if handler != nil {
				handler(c, msg.From)
			}
		}()
	})
	pc.OnConnectionStateChange(func(state webrtc.PeerConnectionState) {
		if state != webrtc.PeerConnectionStateFailed {
			return
		}
		mu.Lock()
		current := ch
		mu.Unlock()
		if current != nil {
			current.shutdown(true)
		} else {
			release(true)
		}
	})

	t.track(s)
	t.watchLocalCandidates(s, pc)

	if err := s.applyRemote(offer); err != nil {
		t.logger.Warnw("apply offer failed", "from", msg.From, "error", err)
		release(true)
		return
	}
	if err := t.answer(s, pc); err != nil {
		t.logger.Warnw("answer failed", "from", msg.From, "error", err)
		release(true)
	}
}

// ring surfaces an incoming call. No peer connection exists until Accept;
// candidates wait in the session meanwhile.
func (t *Transport) ring(msg signal.Message, offer webrtc.SessionDescription) {
	t.mu.Lock()
	handler := t.onCall
	t.mu.Unlock()

	s := newSession(msg.SessionID, msg.From, signal.SessionMedia, nil)
	s.callKind = msg.CallKind
	if s.callKind == "" {
		s.callKind = domain.CallAudio
	}
	s.offer = &offer

	if handler == nil {
		t.send(signal.Message{Type: signal.TypeReject, To: msg.From, SessionID: msg.SessionID, SessionKind: signal.SessionMedia})
		return
	}

	cancelled := make(chan struct{})
	var once sync.Once
	s.setEnd(func(string) { once.Do(func() { close(cancelled) }) })
	t.track(s)

	var answered sync.Once
	decline := func(kind signal.MessageType) func() error {
		return func() error {
			err := domain.ErrInvalidCallState
			answered.Do(func() {
				err = nil
				t.forget(s)
				t.send(signal.Message{Type: kind, To: s.remote, SessionID: s.id, SessionKind: signal.SessionMedia})
			})
			return err
		}
	}

	accept := func(ctx context.Context, stream ports.MediaStream) (ports.CallHandle, error) {
		err := domain.ErrInvalidCallState
		var h ports.CallHandle
		answered.Do(func() {
			h, err = t.acceptCall(ctx, s, stream, cancelled)
		})
		return h, err
	}

	go handler(ports.IncomingCall{
		ID:        s.id,
		From:      s.remote,
		Kind:      s.callKind,
		Accept:    accept,
		Reject:    decline(signal.TypeReject),
		Busy:      decline(signal.TypeBusy),
		Cancelled: cancelled,
	})
}

func (t *Transport) acceptCall(ctx context.Context, s *session, stream ports.MediaStream, cancelled <-chan struct{}) (ports.CallHandle, error) {
	select {
	case <-cancelled:
		return nil, fmt.Errorf("caller hung up: %w", domain.ErrChannelClosed)
	default:
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	pc, err := t.newPeerConnection()
	if err != nil {
		return nil, err
	}
	if err := t.addLocalMedia(pc, stream, s.callKind); err != nil {
		pc.Close()
		return nil, err
	}

	s.setPeerConnection(pc)
	h := newCallHandle(s.id, s.remote, pc, t.releaser(s), t.logger)
	t.watchLocalCandidates(s, pc)

	if err := s.applyRemote(*s.offer); err != nil {
		h.closeWith(ReasonFailed, true)
		return nil, fmt.Errorf("apply offer: %w", err)
	}
	if err := t.answer(s, pc); err != nil {
		h.closeWith(ReasonFailed, true)
		return nil, err
	}

	if !s.replaceEnd(func(reason string) { h.closeWith(reason, false) }) {
		h.closeWith(ReasonRemoteHangup, false)
		return nil, fmt.Errorf("caller hung up: %w", domain.ErrChannelClosed)
	}

	h.answer()
	return h, nil
}
