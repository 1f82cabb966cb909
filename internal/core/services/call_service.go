package services

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"chatnest/internal/core/domain"
	"chatnest/internal/core/ports"
	"chatnest/pkg/tracing"
	"chatnest/pkg/utils"

	"go.uber.org/zap"
)

// Call outcomes reported to metrics and logs.
const (
	OutcomeCompleted = "completed"
	OutcomeCancelled = "cancelled"
	OutcomeRejected  = "rejected"
	OutcomeBusy      = "busy"
	OutcomeFailed    = "failed"
	OutcomeDenied    = "media_denied"
	OutcomeRemote    = "remote_hangup"
)

// ErrCallCancelled is returned by StartCall and Accept when the call was hung
// up while they were in progress.
var ErrCallCancelled = fmt.Errorf("call cancelled: %w", context.Canceled)

type activeCall struct {
	info     domain.CallInfo
	incoming *ports.IncomingCall
	stream   ports.MediaStream
	handle   ports.CallHandle
	ctx      context.Context
	cancel   context.CancelFunc
}

// CallService is the single-slot call state machine. The slot is taken the
// moment a call is dialed or rings, before any media is acquired, so a second
// call in either direction sees it busy.
type CallService struct {
	transport ports.SignalingTransport
	media     ports.MediaSource
	identity  *IdentityService
	sink      ports.EventSink
	metrics   ports.MetricsRecorder
	logger    *zap.SugaredLogger

	mu   sync.Mutex
	call *activeCall
}

func NewCallService(
	transport ports.SignalingTransport,
	media ports.MediaSource,
	identity *IdentityService,
	sink ports.EventSink,
	metrics ports.MetricsRecorder,
	logger *zap.SugaredLogger,
) *CallService {
	if sink == nil {
		sink = ports.NopSink{}
	}
	if metrics == nil {
		metrics = ports.NopMetrics{}
	}
	return &CallService{
		transport: transport,
		media:     media,
		identity:  identity,
		sink:      sink,
		metrics:   metrics,
		logger:    logger,
	}
}

// Start subscribes to incoming offers.
func (s *CallService) Start() {
	s.transport.OnIncomingCall(s.onIncoming)
}

// Current returns a snapshot of the call slot.
func (s *CallService) Current() domain.CallInfo {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.call == nil {
		return domain.CallInfo{State: domain.CallIdle}
	}
	return s.call.info
}

// StartCall dials peer. It returns once the offer is out; the state moves to
// connected when the answer arrives.
func (s *CallService) StartCall(ctx context.Context, peer domain.PeerID, kind domain.CallKind) error {
	if peer == domain.AssistantPeerID || peer == s.identity.ID() {
		return fmt.Errorf("cannot call %s: %w", peer, domain.ErrInvalidCallState)
	}

	s.mu.Lock()
	if s.call != nil {
		s.mu.Unlock()
		return domain.ErrCallBusy
	}
	callCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	c := &activeCall{
		info: domain.CallInfo{
			ID:        utils.NewCallID(),
			Peer:      peer,
			Kind:      kind,
			State:     domain.CallDialing,
			Direction: domain.CallOutgoing,
			VideoOff:  !kind.WantsVideo(),
		},
		ctx:    callCtx,
		cancel: cancel,
	}
	s.call = c
	info := c.info
	s.mu.Unlock()
	s.sink.CallStateChanged(info)

	_, span := tracing.TraceCall(ctx, "dial", string(peer), string(kind))
	span.SetAttributes(tracing.CallIDKey.String(info.ID))
	defer span.End()

	// caller's ctx and a local hangup both abort acquisition
	acquireCtx, stop := mergeCancel(callCtx, ctx)
	stream, err := s.media.Acquire(acquireCtx, kind)
	stop()

	s.mu.Lock()
	if s.call != c {
		s.mu.Unlock()
		if stream != nil {
			stream.Stop()
		}
		return ErrCallCancelled
	}
	if err != nil {
		s.mu.Unlock()
		span.RecordError(err)
		outcome := OutcomeDenied
		if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
			outcome = OutcomeCancelled
		}
		s.finish(c, outcome)
		return err
	}
	c.stream = stream
	s.mu.Unlock()

	handle, err := s.transport.Call(callCtx, peer, stream, kind)

	s.mu.Lock()
	if s.call != c {
		s.mu.Unlock()
		if handle != nil {
			_ = handle.Close()
		}
		return ErrCallCancelled
	}
	if err != nil {
		s.mu.Unlock()
		span.RecordError(err)
		s.finish(c, OutcomeFailed)
		return err
	}
	c.handle = handle
	s.mu.Unlock()

	s.watch(c, handle)
	s.logger.Infow("call dialed",
		"call_id", c.info.ID,
		"peer_id", peer,
		"kind", kind,
	)
	return nil
}

// Accept answers the ringing call, acquiring local media only now.
func (s *CallService) Accept(ctx context.Context) error {
	s.mu.Lock()
	c := s.call
	if c == nil || c.info.State != domain.CallRinging {
		s.mu.Unlock()
		return domain.ErrInvalidCallState
	}
	in := c.incoming
	callID := c.info.ID
	s.mu.Unlock()

	_, span := tracing.TraceCall(ctx, "accept", string(in.From), string(in.Kind))
	span.SetAttributes(tracing.CallIDKey.String(callID))
	defer span.End()

	acquireCtx, stop := mergeCancel(c.ctx, ctx)
	stream, err := s.media.Acquire(acquireCtx, in.Kind)
	stop()

	s.mu.Lock()
	if s.call != c {
		s.mu.Unlock()
		if stream != nil {
			stream.Stop()
		}
		return ErrCallCancelled
	}
	if err != nil {
		s.mu.Unlock()
		span.RecordError(err)
		if rerr := in.Reject(); rerr != nil {
			s.logger.Warnw("failed to reject call after media failure", "call_id", c.info.ID, "error", rerr)
		}
		s.finish(c, OutcomeDenied)
		return err
	}
	c.stream = stream
	s.mu.Unlock()

	handle, err := in.Accept(c.ctx, stream)

	s.mu.Lock()
	if s.call != c {
		s.mu.Unlock()
		if handle != nil {
			_ = handle.Close()
		}
		stream.Stop()
		return ErrCallCancelled
	}
	if err != nil {
		s.mu.Unlock()
		span.RecordError(err)
		s.finish(c, OutcomeFailed)
		return err
	}
	c.handle = handle
	c.info.State = domain.CallConnected
	c.info.VideoOff = !c.info.Kind.WantsVideo()
	info := c.info
	s.mu.Unlock()

	s.sink.CallStateChanged(info)
	s.watch(c, handle)
	return nil
}

// Reject declines the ringing call. No media is ever acquired.
func (s *CallService) Reject() error {
	s.mu.Lock()
	c := s.call
	if c == nil || c.info.State != domain.CallRinging {
		s.mu.Unlock()
		return domain.ErrInvalidCallState
	}
	s.call = nil
	stream := c.stream
	info := c.info
	s.mu.Unlock()

	c.cancel()
	if stream != nil {
		stream.Stop()
	}
	err := c.incoming.Reject()
	s.metrics.CallFinished(info.Kind, OutcomeRejected)
	s.logger.Infow("call rejected", "call_id", info.ID, "peer_id", info.Peer)
	s.sink.CallStateChanged(domain.CallInfo{State: domain.CallIdle})
	return err
}

// HangUp ends the current call from any busy state. Ringing calls are
// rejected. Hanging up while idle is a no-op.
func (s *CallService) HangUp() error {
	s.mu.Lock()
	c := s.call
	var state domain.CallState
	if c != nil {
		state = c.info.State
	}
	s.mu.Unlock()
	if c == nil {
		return nil
	}
	if state == domain.CallRinging {
		err := s.Reject()
		if errors.Is(err, domain.ErrInvalidCallState) {
			// raced with accept or a remote cancel
			return s.HangUp()
		}
		return err
	}

	outcome := OutcomeCompleted
	if state == domain.CallDialing {
		outcome = OutcomeCancelled
	}
	s.finish(c, outcome)
	return nil
}

// ToggleMic flips the enabled flag of the local audio tracks.
func (s *CallService) ToggleMic() (bool, error) {
	return s.toggle("audio", func(info *domain.CallInfo, enabled bool) { info.MicMuted = !enabled })
}

// ToggleVideo flips the local video tracks. Audio calls have none.
func (s *CallService) ToggleVideo() (bool, error) {
	s.mu.Lock()
	if s.call != nil && !s.call.info.Kind.WantsVideo() {
		s.mu.Unlock()
		return false, domain.ErrInvalidCallState
	}
	s.mu.Unlock()
	return s.toggle("video", func(info *domain.CallInfo, enabled bool) { info.VideoOff = !enabled })
}

// Close ends any call in progress.
func (s *CallService) Close() {
	_ = s.HangUp()
}

func (s *CallService) toggle(kind string, apply func(*domain.CallInfo, bool)) (bool, error) {
	s.mu.Lock()
	c := s.call
	if c == nil || c.stream == nil {
		s.mu.Unlock()
		return false, domain.ErrInvalidCallState
	}
	enabled := false
	found := false
	for _, t := range c.stream.Tracks() {
		if t.Kind() != kind {
			continue
		}
		if !found {
			enabled = !t.Enabled()
			found = true
		}
		t.SetEnabled(enabled)
	}
	if !found {
		s.mu.Unlock()
		return false, domain.ErrInvalidCallState
	}
	apply(&c.info, enabled)
	info := c.info
	s.mu.Unlock()

	s.sink.CallStateChanged(info)
	return enabled, nil
}

func (s *CallService) onIncoming(in ports.IncomingCall) {
	s.mu.Lock()
	if s.call != nil {
		active := s.call.info
		s.mu.Unlock()
		s.logger.Infow("declining call while busy",
			"from", in.From,
			"active_call_id", active.ID,
			"active_state", active.State,
		)
		decline := in.Busy
		if decline == nil {
			decline = in.Reject
		}
		if err := decline(); err != nil {
			s.logger.Warnw("failed to send busy", "from", in.From, "error", err)
		}
		s.metrics.CallFinished(in.Kind, OutcomeBusy)
		return
	}

	ctx, cancel := context.WithCancel(context.Background())
	c := &activeCall{
		info: domain.CallInfo{
			ID:        in.ID,
			Peer:      in.From,
			Kind:      in.Kind,
			State:     domain.CallRinging,
			Direction: domain.CallIncoming,
			VideoOff:  !in.Kind.WantsVideo(),
		},
		incoming: &in,
		ctx:      ctx,
		cancel:   cancel,
	}
	s.call = c
	info := c.info
	s.mu.Unlock()

	s.logger.Infow("incoming call", "call_id", in.ID, "from", in.From, "kind", in.Kind)
	s.sink.CallStateChanged(info)

	if in.Cancelled != nil {
		go func() {
			select {
			case <-in.Cancelled:
				s.remoteCancel(c)
			case <-ctx.Done():
			}
		}()
	}
}

// remoteCancel handles a caller giving up. Before an answer it is a plain
// reset; after it the call handle's close drives teardown instead.
func (s *CallService) remoteCancel(c *activeCall) {
	s.mu.Lock()
	if s.call != c || c.info.State != domain.CallRinging || c.handle != nil {
		s.mu.Unlock()
		return
	}
	s.mu.Unlock()
	s.finish(c, OutcomeRemote)
}

func (s *CallService) watch(c *activeCall, handle ports.CallHandle) {
	peer := c.info.Peer
	handle.OnAnswered(func() {
		s.mu.Lock()
		if s.call != c || c.info.State != domain.CallDialing {
			s.mu.Unlock()
			return
		}
		c.info.State = domain.CallConnected
		info := c.info
		s.mu.Unlock()
		s.logger.Infow("call connected", "call_id", info.ID, "peer_id", peer)
		s.sink.CallStateChanged(info)
	})
	handle.OnRemoteTrack(func(track ports.RemoteTrack) {
		s.mu.Lock()
		live := s.call == c
		s.mu.Unlock()
		if live {
			s.sink.RemoteTrackAttached(peer, track)
		}
	})
	handle.OnClose(func(reason string) {
		s.logger.Infow("call closed by transport", "call_id", c.info.ID, "reason", reason)
		s.finish(c, OutcomeRemote)
	})
}

// finish moves c through ended back to idle. Local tracks are always
// stopped and the handle closed, whichever side ended the call.
func (s *CallService) finish(c *activeCall, outcome string) {
	s.mu.Lock()
	if s.call != c {
		s.mu.Unlock()
		return
	}
	s.call = nil
	c.info.State = domain.CallEnded
	ended := c.info
	stream, handle := c.stream, c.handle
	s.mu.Unlock()

	c.cancel()
	if stream != nil {
		stream.Stop()
	}
	if handle != nil {
		if err := handle.Close(); err != nil {
			s.logger.Debugw("call handle close", "call_id", ended.ID, "error", err)
		}
	}

	s.metrics.CallFinished(ended.Kind, outcome)
	s.logger.Infow("call ended", "call_id", ended.ID, "peer_id", ended.Peer, "outcome", outcome)
	s.sink.CallStateChanged(ended)
	s.sink.CallStateChanged(domain.CallInfo{State: domain.CallIdle})
}

// mergeCancel returns a context cancelled when either parent is done.
func mergeCancel(a, b context.Context) (context.Context, context.CancelFunc) {
	ctx, cancel := context.WithCancel(a)
	stop := context.AfterFunc(b, cancel)
	return ctx, func() {
		stop()
		cancel()
	}
}
