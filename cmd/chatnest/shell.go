package main

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"sort"
	"strings"
	"time"

	"chatnest/internal/core/domain"
	"chatnest/internal/core/services"
	"chatnest/internal/infrastructure/monitoring"
	apperrors "chatnest/pkg/errors"
	"chatnest/pkg/utils"

	"go.uber.org/zap"
)

const helpText = `commands:
  /chats                    list conversations
  /open <id>                open a chat (connects to the peer)
  <text>                    send to the open chat (/imagine or /video in the AI chat)
  /edit <msg> <text>        edit one of your messages
  /delete <msg>             delete a message for everyone
  /react <msg> <emoji>      toggle a reaction
  /deletechat <id>          remove a chat and its history
  /call <id> [video]        start a call
  /accept | /reject         answer a ringing call
  /hangup                   end the call
  /mic | /video             toggle local tracks
  /profile [name|bio|avatar <value>]
  /identity <contact>       switch to the ID derived from contact
  /export | /import [name] | /archives
  /stats | /health | /help | /quit`

type shell struct {
	identity *services.IdentityService
	registry *services.ChatRegistry
	protocol *services.ProtocolService
	calls    *services.CallService
	archives *services.ArchiveService
	metrics  *services.MetricsService
	health   *monitoring.HealthChecker
	console  *console
	logger   *zap.SugaredLogger

	connectTimeout time.Duration
}

// run reads commands until in is exhausted, /quit, or ctx ends.
func (s *shell) run(ctx context.Context, in io.Reader) {
	lines := make(chan string)
	go func() {
		defer close(lines)
		scanner := bufio.NewScanner(in)
		scanner.Buffer(make([]byte, 64*1024), domain.MaxMediaBytes)
		for scanner.Scan() {
			lines <- scanner.Text()
		}
	}()

	s.console.printf("you are %s. type /help for commands.", s.identity.ID())
	for {
		select {
		case <-ctx.Done():
			return
		case line, ok := <-lines:
			if !ok {
				return
			}
			line = strings.TrimSpace(line)
			if line == "" {
				continue
			}
			if line == "/quit" || line == "/exit" {
				return
			}
			if err := s.exec(ctx, line); err != nil {
				s.logger.Debugw("command failed", "command", line, "error", err)
				s.console.Notice(apperrors.UserMessage(err))
			}
		}
	}
}

func (s *shell) exec(ctx context.Context, line string) error {
	if !strings.HasPrefix(line, "/") || s.isAssistantCommand(line) {
		return s.send(ctx, line)
	}

	cmd, rest := splitWord(line)
	switch cmd {
	case "/help":
		s.console.printf("%s", helpText)
		return nil
	case "/chats":
		return s.listChats(ctx)
	case "/open":
		return s.open(ctx, domain.PeerID(rest))
	case "/edit":
		ref, text := splitWord(rest)
		id, err := s.resolve(ctx, ref)
		if err != nil {
			return err
		}
		_, err = s.protocol.EditMessage(ctx, s.protocol.ActiveChat(), id, text)
		return err
	case "/delete":
		id, err := s.resolve(ctx, rest)
		if err != nil {
			return err
		}
		return s.protocol.DeleteMessage(ctx, s.protocol.ActiveChat(), id)
	case "/react":
		ref, emoji := splitWord(rest)
		id, err := s.resolve(ctx, ref)
		if err != nil {
			return err
		}
		_, err = s.protocol.ToggleReaction(ctx, s.protocol.ActiveChat(), id, emoji)
		return err
	case "/deletechat":
		return s.protocol.DeleteChat(ctx, domain.PeerID(rest))
	case "/call":
		peer, mode := splitWord(rest)
		kind := domain.CallAudio
		if mode == "video" {
			kind = domain.CallVideo
		}
		callCtx, cancel := context.WithTimeout(ctx, s.connectTimeout)
		defer cancel()
		return s.calls.StartCall(callCtx, domain.PeerID(peer), kind)
	case "/accept":
		acceptCtx, cancel := context.WithTimeout(ctx, s.connectTimeout)
		defer cancel()
		return s.calls.Accept(acceptCtx)
	case "/reject":
		return s.calls.Reject()
	case "/hangup":
		return s.calls.HangUp()
	case "/mic":
		on, err := s.calls.ToggleMic()
		if err == nil {
			s.console.printf("* microphone %s", onOff(on))
		}
		return err
	case "/video":
		on, err := s.calls.ToggleVideo()
		if err == nil {
			s.console.printf("* camera %s", onOff(on))
		}
		return err
	case "/profile":
		return s.profile(ctx, rest)
	case "/identity":
		return s.rebind(ctx, rest)
	case "/export":
		name, err := s.archives.Export(ctx)
		if err == nil {
			s.console.printf("* history exported to %s", name)
		}
		return err
	case "/import":
		res, err := s.archives.Import(ctx, rest)
		if err == nil {
			s.console.printf("* imported %d chats and %d messages", res.Chats, res.Messages)
		}
		return err
	case "/archives":
		names, err := s.archives.Archives(ctx)
		if err != nil {
			return err
		}
		for _, n := range names {
			s.console.printf("  %s", n)
		}
		return nil
	case "/stats":
		s.stats()
		return nil
	case "/health":
		status := s.health.CheckAll(ctx)
		s.console.printf("* %s", status.Status)
		for name, state := range status.Checks {
			s.console.printf("  %s: %s", name, state)
		}
		return nil
	default:
		return usage("unknown command " + cmd + ", try /help")
	}
}

func (s *shell) send(ctx context.Context, text string) error {
	chat := s.protocol.ActiveChat()
	if chat == "" {
		return usage("open a chat first with /open <id>")
	}
	_, err := s.protocol.SendMessage(ctx, chat, text, nil)
	return err
}

func (s *shell) open(ctx context.Context, peer domain.PeerID) error {
	if peer == "" {
		return usage("usage: /open <id>")
	}
	msgs, err := s.protocol.SetActiveChat(ctx, peer)
	if err != nil {
		return err
	}
	for _, m := range msgs {
		s.console.TranscriptAppended(m)
	}

	connectCtx, cancel := context.WithTimeout(ctx, s.connectTimeout)
	defer cancel()
	if err := s.protocol.OpenChat(connectCtx, peer); err != nil {
		// The chat stays open; messages are kept locally until the peer shows up.
		return err
	}
	s.console.printf("* chatting with %s", peer)
	return nil
}

func (s *shell) listChats(ctx context.Context) error {
	chats, err := s.registry.List(ctx)
	if err != nil {
		return err
	}
	active := s.protocol.ActiveChat()
	for _, c := range chats {
		mark := " "
		if c.ID == active {
			mark = ">"
		}
		presence := "seen " + utils.FormatLastSeen(c.LastSeen)
		if c.IsOnline {
			presence = "online"
		}
		unread := ""
		if c.UnreadCount > 0 {
			unread = fmt.Sprintf(" (%d unread)", c.UnreadCount)
		}
		s.console.printf("%s %-16s %-24s %-16s %s%s", mark, c.ID, utils.TruncateString(c.Name, 24), presence, utils.TruncateString(c.LastMessage, 40), unread)
	}
	return nil
}

func (s *shell) profile(ctx context.Context, args string) error {
	field, value := splitWord(args)
	if field == "" {
		p := s.identity.Current()
		s.console.printf("id: %s\nname: %s\nbio: %s\navatar: %s", p.ID, p.Name, p.Bio, p.Avatar)
		return nil
	}

	_, err := s.identity.Update(ctx, func(p *domain.Profile) {
		switch field {
		case "name":
			p.Name = value
		case "bio":
			p.Bio = value
		case "avatar":
			p.Avatar = value
		}
	})
	return err
}

func (s *shell) rebind(ctx context.Context, contact string) error {
	regCtx, cancel := context.WithTimeout(ctx, s.connectTimeout)
	defer cancel()

	p, err := s.protocol.Rebind(regCtx, contact)
	if p.ID != "" {
		s.console.printf("* you are now %s", p.ID)
	}
	return err
}

func (s *shell) stats() {
	snap := s.metrics.Snapshot()
	s.console.printf("open channels: %d, pruned messages: %d", snap.OpenChannels, snap.Pruned)
	printCounts(s.console, "sent", snap.Sent)
	printCounts(s.console, "received", snap.Received)
	printCounts(s.console, "failed", snap.Failed)
	printCounts(s.console, "calls", snap.Calls)

	// background results only; /health probes now
	for _, name := range []string{monitoring.StoreCheck, monitoring.TransportCheck} {
		err, ok := s.health.LastError(name)
		switch {
		case !ok:
			s.console.printf("%s: not checked yet", name)
		case err != nil:
			s.console.printf("%s: failing (%v)", name, err)
		default:
			s.console.printf("%s: ok", name)
		}
	}
}

func printCounts[K ~string](c *console, label string, counts map[K]int) {
	if len(counts) == 0 {
		return
	}
	keys := make([]string, 0, len(counts))
	for k := range counts {
		keys = append(keys, string(k))
	}
	sort.Strings(keys)
	parts := make([]string, 0, len(keys))
	for _, k := range keys {
		parts = append(parts, fmt.Sprintf("%s=%d", k, counts[K(k)]))
	}
	c.printf("%s: %s", label, strings.Join(parts, " "))
}

// resolve maps the short id printed by the console to a message id in the
// open chat.
func (s *shell) resolve(ctx context.Context, ref string) (string, error) {
	if ref == "" {
		return "", usage("which message? use the id shown before the sender")
	}
	msgs, err := s.protocol.Messages(ctx, s.protocol.ActiveChat())
	if err != nil {
		return "", err
	}
	for i := len(msgs) - 1; i >= 0; i-- {
		if msgs[i].ID == ref || strings.HasSuffix(msgs[i].ID, ref) {
			return msgs[i].ID, nil
		}
	}
	return "", fmt.Errorf("message %s: %w", ref, domain.ErrMessageNotFound)
}

// isAssistantCommand reports whether line is a generation prompt for the
// assistant chat rather than a local command.
func (s *shell) isAssistantCommand(line string) bool {
	if s.protocol.ActiveChat() != domain.AssistantPeerID {
		return false
	}
	cmd, rest := splitWord(line)
	return rest != "" && (cmd == "/imagine" || cmd == "/video")
}

func usage(msg string) error {
	return apperrors.NewAppError(apperrors.ErrCodeInvalidInput, msg, true)
}

func splitWord(s string) (string, string) {
	s = strings.TrimSpace(s)
	if i := strings.IndexByte(s, ' '); i >= 0 {
		return s[:i], strings.TrimSpace(s[i+1:])
	}
	return s, ""
}

func onOff(on bool) string {
	if on {
		return "on"
	}
	return "off"
}
