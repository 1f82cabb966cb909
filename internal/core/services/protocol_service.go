package services

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"chatnest/internal/core/domain"
	"chatnest/internal/core/ports"
	apperrors "chatnest/pkg/errors"
	"chatnest/pkg/logger"
	"chatnest/pkg/tracing"
	"chatnest/pkg/utils"
	"chatnest/pkg/validation"

	"go.opentelemetry.io/otel/codes"
	"go.uber.org/zap"
)

const defaultConnectTimeout = 15 * time.Second

// ProtocolService applies data-channel envelopes to local state and owns the
// outbound send path.
type ProtocolService struct {
	transport ports.SignalingTransport
	identity  *IdentityService
	registry  *ChatRegistry
	guard     *StoreGuard
	channels  *ChannelRegistry
	active    *ActiveChat
	assistant *AssistantService
	sink      ports.EventSink
	metrics   ports.MetricsRecorder
	log       *logger.ContextLogger

	connectTimeout time.Duration
}

type ProtocolDeps struct {
	Transport ports.SignalingTransport
	Identity  *IdentityService
	Registry  *ChatRegistry
	Guard     *StoreGuard
	Channels  *ChannelRegistry
	Active    *ActiveChat
	Assistant *AssistantService
	Sink      ports.EventSink
	Metrics   ports.MetricsRecorder

	ConnectTimeout time.Duration
}

func NewProtocolService(deps ProtocolDeps, log *zap.SugaredLogger) *ProtocolService {
	s := &ProtocolService{
		transport:      deps.Transport,
		identity:       deps.Identity,
		registry:       deps.Registry,
		guard:          deps.Guard,
		channels:       deps.Channels,
		active:         deps.Active,
		assistant:      deps.Assistant,
		sink:           deps.Sink,
		metrics:        deps.Metrics,
		log:            logger.NewContextLogger(log.Desugar()),
		connectTimeout: deps.ConnectTimeout,
	}
	if s.channels == nil {
		s.channels = NewChannelRegistry()
	}
	if s.active == nil {
		s.active = &ActiveChat{}
	}
	if s.sink == nil {
		s.sink = ports.NopSink{}
	}
	if s.metrics == nil {
		s.metrics = ports.NopMetrics{}
	}
	if s.connectTimeout <= 0 {
		s.connectTimeout = defaultConnectTimeout
	}
	return s
}

// Start hooks inbound channels and local profile edits.
func (s *ProtocolService) Start() {
	s.transport.OnIncomingData(func(ch ports.DataChannel, remote domain.PeerID) {
		s.attach(ch, remote)
	})
	s.identity.OnChange(s.broadcastProfile)
}

// Close drops every data channel.
func (s *ProtocolService) Close() {
	s.channels.CloseAll()
}

// Rebind claims the identity derived from contact and persists it. A taken
// identity leaves the current one in place. Any other registration error is
// returned after the switch so the caller can retry registering.
func (s *ProtocolService) Rebind(ctx context.Context, contact string) (domain.Profile, error) {
	if strings.TrimSpace(contact) == "" {
		return domain.Profile{}, apperrors.NewAppError(apperrors.ErrCodeInvalidInput, "a new identity needs contact info", true)
	}
	id := DerivePeerID(contact)
	if id == s.identity.ID() && s.transport.LocalID() == id {
		return s.identity.Current(), nil
	}

	// channels are bound to the old identity
	for peer, ch := range s.channels.Snapshot() {
		s.detach(peer, ch)
		_ = ch.Close()
	}

	regErr := s.transport.Register(ctx, id)
	if errors.Is(regErr, domain.ErrIdentityTaken) {
		return domain.Profile{}, regErr
	}
	p, err := s.identity.Rebind(ctx, contact)
	if err != nil {
		return domain.Profile{}, err
	}
	return p, regErr
}

func (s *ProtocolService) Channels() *ChannelRegistry {
	return s.channels
}

// attach wires a freshly opened channel and announces our profile on it, so
// profile_sync precedes anything else we send on the channel.
func (s *ProtocolService) attach(ch ports.DataChannel, remote domain.PeerID) {
	s.channels.Put(remote, ch)
	s.metrics.ChannelOpened(remote)

	ch.OnMessage(func(data []byte) {
		s.handleFrame(remote, data)
	})
	ch.OnClose(func() {
		s.detach(remote, ch)
	})

	s.sendProfile(ch)
}

// detach forgets ch if it is still the channel registered for remote.
func (s *ProtocolService) detach(remote domain.PeerID, ch ports.DataChannel) {
	if !s.channels.Remove(remote, ch) {
		return
	}
	s.metrics.ChannelClosed(remote)
	if err := s.registry.SetOnline(context.Background(), remote, false); err != nil {
		s.log.Sugar(context.Background()).Warnw("failed to mark peer offline", "peer_id", remote, "error", err)
	}
}

func (s *ProtocolService) sendProfile(ch ports.DataChannel) {
	env := domain.ProfileSync(s.identity.Current())
	data, err := env.Encode()
	if err == nil {
		err = ch.Send(data)
	}
	if err != nil {
		s.log.Sugar(context.Background()).Warnw("profile sync failed", "peer_id", ch.RemoteID(), "error", err)
		s.metrics.SendFailed(env.Type)
		return
	}
	s.metrics.EnvelopeSent(env.Type)
}

func (s *ProtocolService) broadcastProfile(p domain.Profile) {
	for _, ch := range s.channels.Snapshot() {
		s.sendProfile(ch)
	}
}

func (s *ProtocolService) handleFrame(remote domain.PeerID, data []byte) {
	ctx := logger.WithPeerID(context.Background(), string(remote))
	env, err := domain.DecodeEnvelope(data)
	if err != nil {
		s.log.Sugar(ctx).Warnw("dropping malformed envelope", "error", err, "size", len(data))
		return
	}
	if err := s.Apply(ctx, remote, env); err != nil {
		s.log.LogError(ctx, err, "failed to apply envelope", zap.String("type", string(env.Type)))
	}
}

// Apply folds one envelope received from sender into local state. Every kind
// is idempotent and unknown targets are ignored.
func (s *ProtocolService) Apply(ctx context.Context, sender domain.PeerID, env domain.Envelope) error {
	ctx, span := tracing.TraceProtocol(ctx, "apply", string(env.Type), string(sender))
	defer span.End()
	if sc := span.SpanContext(); sc.HasTraceID() {
		ctx = logger.WithTraceID(ctx, sc.TraceID().String())
	}
	if env.Message != nil {
		tracing.AddSpanAttributes(ctx,
			tracing.ChatIDKey.String(string(env.Message.ChatID)),
			tracing.MessageIDKey.String(env.Message.ID),
		)
	} else if env.ID != "" {
		tracing.AddSpanAttributes(ctx, tracing.MessageIDKey.String(env.ID))
	}

	if err := env.Validate(); err != nil {
		return err
	}
	s.metrics.EnvelopeReceived(env.Type)

	var err error
	switch env.Type {
	case domain.EnvelopeProfileSync:
		err = s.applyProfile(ctx, sender, *env.Profile)
	case domain.EnvelopeMessage:
		err = s.applyMessage(ctx, sender, *env.Message)
	case domain.EnvelopeMessageEdit:
		err = s.applyEdit(ctx, sender, env.ID, env.Text)
	case domain.EnvelopeMessageDelete:
		err = s.applyDelete(ctx, sender, env.ID)
	case domain.EnvelopeMessageReaction:
		err = s.applyReaction(ctx, sender, env.ID, env.Emoji)
	}
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	}
	return err
}

func (s *ProtocolService) applyProfile(ctx context.Context, sender domain.PeerID, p domain.Profile) error {
	// a peer speaks only for its own identity
	p.ID = sender
	return s.registry.ApplyProfile(ctx, p)
}

func (s *ProtocolService) applyMessage(ctx context.Context, sender domain.PeerID, msg domain.Message) error {
	msg.ChatID = sender
	msg.SenderID = sender
	msg.Status = domain.MessageDelivered
	// reactions start empty on receipt
	msg.Reactions = nil
	if err := msg.Validate(); err != nil {
		s.log.LogWarn(ctx, "dropping invalid message", zap.String("message_id", msg.ID), zap.Error(err))
		return nil
	}

	// every channel opens with profile_sync; no session means the chat was deleted
	_, known, err := s.registry.Get(ctx, sender)
	if err != nil {
		return err
	}
	if !known {
		s.log.LogWarn(ctx, "dropping message for a deleted chat", zap.String("message_id", msg.ID))
		return nil
	}

	existing, err := s.guard.Store().GetMessage(ctx, sender, msg.ID)
	if err != nil && !errors.Is(err, domain.ErrMessageNotFound) {
		return err
	}
	if existing != nil {
		s.log.LogDebug(ctx, "duplicate message ignored", zap.String("message_id", msg.ID))
		return nil
	}

	if err := s.guard.SaveMessage(ctx, msg); err != nil {
		return err
	}
	if _, err := s.registry.Touch(ctx, sender, msg.Preview(), msg.Timestamp); err != nil {
		return err
	}
	if s.active.Is(sender) {
		s.sink.TranscriptAppended(msg)
		return nil
	}
	return s.registry.MarkUnread(ctx, sender)
}

// owned returns the message id in sender's conversation. With authored set it
// must also have been written by sender.
func (s *ProtocolService) owned(ctx context.Context, sender domain.PeerID, id string, authored bool) (*domain.Message, error) {
	msg, err := s.guard.Store().GetMessage(ctx, sender, id)
	if errors.Is(err, domain.ErrMessageNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	if authored && msg.SenderID != sender {
		s.log.Sugar(ctx).Warnw("ignoring envelope for a message the sender did not write", "message_id", id)
		return nil, nil
	}
	return msg, nil
}

func (s *ProtocolService) applyEdit(ctx context.Context, sender domain.PeerID, id, text string) error {
	msg, err := s.owned(ctx, sender, id, true)
	if err != nil || msg == nil {
		return err
	}
	msg.Text = text
	msg.Edited = true
	if err := s.guard.SaveMessage(ctx, *msg); err != nil {
		return err
	}
	s.sink.MessageUpdated(*msg)
	return nil
}

func (s *ProtocolService) applyDelete(ctx context.Context, sender domain.PeerID, id string) error {
	msg, err := s.owned(ctx, sender, id, true)
	if err != nil || msg == nil {
		return err
	}
	if err := s.guard.Store().DeleteMessage(ctx, sender, id); err != nil {
		return err
	}
	s.sink.MessageRemoved(sender, id)
	return nil
}

func (s *ProtocolService) applyReaction(ctx context.Context, sender domain.PeerID, id, emoji string) error {
	msg, err := s.owned(ctx, sender, id, false)
	if err != nil || msg == nil {
		return err
	}
	msg.ToggleReaction(emoji, sender)
	if err := s.guard.SaveMessage(ctx, *msg); err != nil {
		return err
	}
	s.sink.MessageUpdated(*msg)
	return nil
}

// OpenChat dials peer and makes sure a session exists for it. The session is
// kept even when the peer cannot be reached.
func (s *ProtocolService) OpenChat(ctx context.Context, peer domain.PeerID) error {
	if peer == s.identity.ID() {
		return fmt.Errorf("cannot open a chat with yourself")
	}
	if _, err := s.registry.Ensure(ctx, peer); err != nil {
		return err
	}
	if peer == domain.AssistantPeerID {
		return nil
	}
	if _, ok := s.channels.Open(peer); ok {
		return nil
	}
	_, err := s.connect(ctx, peer)
	return err
}

// SetActiveChat marks chatID as the open conversation, clears its unread
// counter and returns its transcript.
func (s *ProtocolService) SetActiveChat(ctx context.Context, chatID domain.PeerID) ([]domain.Message, error) {
	s.active.Set(chatID)
	if chatID == "" {
		return nil, nil
	}
	if err := s.registry.MarkRead(ctx, chatID); err != nil {
		return nil, err
	}
	return s.guard.Store().GetMessages(ctx, chatID)
}

func (s *ProtocolService) ActiveChat() domain.PeerID {
	return s.active.Get()
}

// SendMessage stores the message locally, then delivers it. On delivery
// failure the message is kept with status failed and the error is returned.
func (s *ProtocolService) SendMessage(ctx context.Context, chatID domain.PeerID, text string, media *domain.Media) (domain.Message, error) {
	if chatID == domain.AssistantPeerID {
		if s.assistant == nil {
			return domain.Message{}, domain.ErrAssistantUnavailable
		}
		return s.assistant.Send(ctx, text, media)
	}
	if err := checkText(text); err != nil {
		return domain.Message{}, err
	}
	ctx = logger.WithChatID(ctx, string(chatID))

	me := s.identity.Current()
	msg := domain.Message{
		ID:           utils.NewMessageID(),
		ChatID:       chatID,
		SenderID:     me.ID,
		SenderName:   me.Name,
		SenderAvatar: me.Avatar,
		Text:         text,
		Timestamp:    utils.NowMillis(),
		Status:       domain.MessageSending,
		Media:        media,
	}
	if err := msg.Validate(); err != nil {
		return domain.Message{}, err
	}

	if err := s.guard.SaveMessage(ctx, msg); err != nil {
		return domain.Message{}, err
	}
	if _, err := s.registry.Touch(ctx, chatID, msg.Preview(), msg.Timestamp); err != nil {
		s.log.Sugar(ctx).Warnw("failed to update chat preview", "chat_id", chatID, "error", err)
	}
	s.sink.TranscriptAppended(msg)

	sendErr := s.deliver(ctx, chatID, domain.NewMessageEnvelope(msg))
	if sendErr != nil {
		msg.Status = domain.MessageFailed
	} else {
		msg.Status = domain.MessageSent
	}
	if err := s.guard.SaveMessage(ctx, msg); err != nil {
		s.log.Sugar(ctx).Warnw("failed to persist message status", "message_id", msg.ID, "error", err)
	}
	s.sink.MessageUpdated(msg)
	return msg, sendErr
}

func checkText(text string) error {
	if err := validation.ValidateMessageText(text); err != nil {
		return apperrors.WrapError(err, apperrors.ErrCodeInvalidInput, "that message is too long", true)
	}
	return nil
}

// EditMessage rewrites one of our own messages in chatID and tells the peer.
func (s *ProtocolService) EditMessage(ctx context.Context, chatID domain.PeerID, id, text string) (domain.Message, error) {
	msg, err := s.ownMessage(ctx, chatID, id)
	if err != nil {
		return domain.Message{}, err
	}
	if text == "" && msg.Media == nil {
		return domain.Message{}, domain.ErrEmptyMessage
	}
	if err := checkText(text); err != nil {
		return domain.Message{}, err
	}
	msg.Text = text
	msg.Edited = true
	if err := s.guard.SaveMessage(ctx, *msg); err != nil {
		return domain.Message{}, err
	}
	s.sink.MessageUpdated(*msg)

	if msg.ChatID == domain.AssistantPeerID {
		return *msg, nil
	}
	return *msg, s.deliver(ctx, msg.ChatID, domain.EditEnvelope(id, text))
}

// DeleteMessage removes a message locally. Deleting our own message is
// propagated to the peer; deleting an unknown id is not an error.
func (s *ProtocolService) DeleteMessage(ctx context.Context, chatID domain.PeerID, id string) error {
	msg, err := s.guard.Store().GetMessage(ctx, chatID, id)
	if errors.Is(err, domain.ErrMessageNotFound) {
		return nil
	}
	if err != nil {
		return err
	}
	if err := s.guard.Store().DeleteMessage(ctx, chatID, id); err != nil {
		return err
	}
	s.sink.MessageRemoved(msg.ChatID, id)

	if msg.SenderID != s.identity.ID() || msg.ChatID == domain.AssistantPeerID {
		return nil
	}
	return s.deliver(ctx, msg.ChatID, domain.DeleteEnvelope(id))
}

// ToggleReaction flips our reaction on any message in a chat.
func (s *ProtocolService) ToggleReaction(ctx context.Context, chatID domain.PeerID, id, emoji string) (domain.Message, error) {
	if emoji == "" {
		return domain.Message{}, fmt.Errorf("emoji is required")
	}
	msg, err := s.guard.Store().GetMessage(ctx, chatID, id)
	if err != nil {
		return domain.Message{}, err
	}
	msg.ToggleReaction(emoji, s.identity.ID())
	if err := s.guard.SaveMessage(ctx, *msg); err != nil {
		return domain.Message{}, err
	}
	s.sink.MessageUpdated(*msg)

	if msg.ChatID == domain.AssistantPeerID {
		return *msg, nil
	}
	return *msg, s.deliver(ctx, msg.ChatID, domain.ReactionEnvelope(id, emoji))
}

// DeleteChat removes a conversation and its history.
func (s *ProtocolService) DeleteChat(ctx context.Context, chatID domain.PeerID) error {
	if err := s.registry.Delete(ctx, chatID); err != nil {
		return err
	}
	s.active.Clear(chatID)
	return nil
}

func (s *ProtocolService) Messages(ctx context.Context, chatID domain.PeerID) ([]domain.Message, error) {
	return s.guard.Store().GetMessages(ctx, chatID)
}

func (s *ProtocolService) ownMessage(ctx context.Context, chatID domain.PeerID, id string) (*domain.Message, error) {
	msg, err := s.guard.Store().GetMessage(ctx, chatID, id)
	if err != nil {
		return nil, err
	}
	if msg.SenderID != s.identity.ID() {
		return nil, domain.ErrNotMessageOwner
	}
	return msg, nil
}

// deliver writes env to peer over the current channel, reconnecting at most
// once if the channel is missing or the write fails.
func (s *ProtocolService) deliver(ctx context.Context, peer domain.PeerID, env domain.Envelope) error {
	ctx, span := tracing.TraceProtocol(ctx, "send", string(env.Type), string(peer))
	defer span.End()

	data, err := env.Encode()
	if err != nil {
		return fmt.Errorf("failed to encode %s: %w", env.Type, err)
	}

	err = domain.ErrChannelClosed
	if ch, ok := s.channels.Open(peer); ok {
		err = ch.Send(data)
		if err == nil {
			s.metrics.EnvelopeSent(env.Type)
			return nil
		}
		if !errors.Is(err, domain.ErrFrameTooLarge) {
			s.detach(peer, ch)
			_ = ch.Close()
		}
	}

	// an oversized frame fails the same way on a fresh channel
	if !errors.Is(err, domain.ErrFrameTooLarge) {
		var ch ports.DataChannel
		ch, err = s.connect(ctx, peer)
		if err == nil {
			err = ch.Send(data)
		}
	}
	if err != nil {
		s.metrics.SendFailed(env.Type)
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		s.log.LogInfo(ctx, "delivery failed, kept locally",
			zap.String("peer_id", string(peer)),
			zap.String("type", string(env.Type)),
			zap.Error(err),
		)
		return err
	}
	s.metrics.EnvelopeSent(env.Type)
	return nil
}

func (s *ProtocolService) connect(ctx context.Context, peer domain.PeerID) (ports.DataChannel, error) {
	ctx, cancel := context.WithTimeout(ctx, s.connectTimeout)
	defer cancel()

	ch, err := s.transport.ConnectData(ctx, peer)
	if err != nil {
		return nil, err
	}
	s.attach(ch, peer)
	return ch, nil
}
