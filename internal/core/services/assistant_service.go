package services

import (
	"context"
	"fmt"
	"strings"

	"chatnest/internal/core/domain"
	"chatnest/internal/core/ports"
	"chatnest/pkg/utils"

	"go.uber.org/zap"
)

const (
	assistantName        = "ChatNest AI Assistant"
	assistantFailureText = "Connection to the assistant failed. Check your API key in settings."
	imagineFailureText   = "I couldn't picture that one. Try describing it differently."
	videoFailureText     = "The video studio is unavailable right now. Try again later."

	imagineCommand = "/imagine"
	videoCommand   = "/video"
)

// AssistantService answers messages sent to the reserved AI chat. It never
// touches the signaling transport.
type AssistantService struct {
	backend  ports.Assistant
	guard    *StoreGuard
	registry *ChatRegistry
	identity *IdentityService
	active   *ActiveChat
	sink     ports.EventSink
	history  int
	logger   *zap.SugaredLogger
}

func NewAssistantService(
	backend ports.Assistant,
	guard *StoreGuard,
	registry *ChatRegistry,
	identity *IdentityService,
	active *ActiveChat,
	sink ports.EventSink,
	history int,
	logger *zap.SugaredLogger,
) *AssistantService {
	if sink == nil {
		sink = ports.NopSink{}
	}
	return &AssistantService{
		backend:  backend,
		guard:    guard,
		registry: registry,
		identity: identity,
		active:   active,
		sink:     sink,
		history:  history,
		logger:   logger,
	}
}

// Send stores the user's message and, for text prompts, the assistant's reply.
// Backend failures become a synthetic reply, not an error.
func (a *AssistantService) Send(ctx context.Context, text string, media *domain.Media) (domain.Message, error) {
	me := a.identity.Current()
	msg := domain.Message{
		ID:           utils.NewMessageID(),
		ChatID:       domain.AssistantPeerID,
		SenderID:     me.ID,
		SenderName:   me.Name,
		SenderAvatar: me.Avatar,
		Text:         text,
		Timestamp:    utils.NowMillis(),
		Status:       domain.MessageSent,
		Media:        media,
	}
	if err := msg.Validate(); err != nil {
		return domain.Message{}, err
	}

	history, err := a.recentTurns(ctx)
	if err != nil {
		a.logger.Warnw("failed to load assistant history", "error", err)
	}

	if err := a.store(ctx, msg); err != nil {
		return domain.Message{}, err
	}

	if media != nil || strings.TrimSpace(text) == "" {
		return msg, nil
	}

	reply := a.reply(ctx, strings.TrimSpace(text), history)
	if err := a.store(ctx, reply); err != nil {
		a.logger.Errorw("failed to store assistant reply", "error", err)
	}
	return msg, nil
}

func (a *AssistantService) reply(ctx context.Context, prompt string, history []ports.AssistantTurn) domain.Message {
	reply := domain.Message{
		ID:         utils.NewMessageID(),
		ChatID:     domain.AssistantPeerID,
		SenderID:   domain.AssistantPeerID,
		SenderName: assistantName,
		Status:     domain.MessageDelivered,
		IsAI:       true,
	}

	switch {
	case a.backend == nil:
		reply.Text = assistantFailureText

	case hasCommand(prompt, imagineCommand):
		subject := strings.TrimSpace(prompt[len(imagineCommand):])
		url, err := a.backend.GenerateImage(ctx, subject)
		if err != nil || url == "" {
			a.logFailure("generate_image", err)
			reply.Text = imagineFailureText
			break
		}
		reply.Text = fmt.Sprintf("Here's what I imagined for %q.", subject)
		reply.Media = &domain.Media{Type: domain.MediaImage, URL: url, MimeType: mimeFromDataURL(url, "image/png")}

	case hasCommand(prompt, videoCommand):
		subject := strings.TrimSpace(prompt[len(videoCommand):])
		url, err := a.backend.GenerateVideo(ctx, subject)
		if err != nil || url == "" {
			a.logFailure("generate_video", err)
			reply.Text = videoFailureText
			break
		}
		reply.Text = fmt.Sprintf("Your clip for %q is ready.", subject)
		reply.Media = &domain.Media{Type: domain.MediaVideo, URL: url, MimeType: "video/mp4"}

	default:
		resp, err := a.backend.ChatResponse(ctx, prompt, history)
		if err != nil {
			a.logFailure("chat_response", err)
			reply.Text = assistantFailureText
			break
		}
		reply.Text = resp.Text
		reply.Sources = resp.Sources
	}

	reply.Timestamp = utils.NowMillis()
	return reply
}

func (a *AssistantService) store(ctx context.Context, msg domain.Message) error {
	if err := a.guard.SaveMessage(ctx, msg); err != nil {
		return fmt.Errorf("failed to save message: %w", err)
	}
	if _, err := a.registry.Touch(ctx, domain.AssistantPeerID, msg.Preview(), msg.Timestamp); err != nil {
		a.logger.Warnw("failed to update assistant chat preview", "error", err)
	}
	if a.active.Is(domain.AssistantPeerID) {
		a.sink.TranscriptAppended(msg)
	} else if msg.IsAI {
		if err := a.registry.MarkUnread(ctx, domain.AssistantPeerID); err != nil {
			a.logger.Warnw("failed to mark assistant chat unread", "error", err)
		}
	}
	return nil
}

// recentTurns returns the last few exchanges as model/user turns.
func (a *AssistantService) recentTurns(ctx context.Context) ([]ports.AssistantTurn, error) {
	msgs, err := a.guard.Store().GetMessages(ctx, domain.AssistantPeerID)
	if err != nil {
		return nil, err
	}
	if a.history >= 0 && len(msgs) > a.history {
		msgs = msgs[len(msgs)-a.history:]
	}
	turns := make([]ports.AssistantTurn, 0, len(msgs))
	for _, m := range msgs {
		role := "user"
		if m.SenderID == domain.AssistantPeerID {
			role = "model"
		}
		turns = append(turns, ports.AssistantTurn{Role: role, Text: m.Preview()})
	}
	return turns, nil
}

func (a *AssistantService) logFailure(op string, err error) {
	if err == nil {
		err = domain.ErrAssistantUnavailable
	}
	a.logger.Warnw("assistant request failed", "op", op, "error", err)
}

func hasCommand(prompt, cmd string) bool {
	if !strings.HasPrefix(prompt, cmd) {
		return false
	}
	rest := prompt[len(cmd):]
	return rest == "" || rest[0] == ' '
}

func mimeFromDataURL(url, fallback string) string {
	if !strings.HasPrefix(url, "data:") {
		return fallback
	}
	end := strings.IndexAny(url, ";,")
	if end <= len("data:") {
		return fallback
	}
	return url[len("data:"):end]
}
