package main

import (
	"fmt"
	"io"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"chatnest/internal/core/domain"
	"chatnest/internal/core/ports"
	"chatnest/pkg/utils"

	"go.uber.org/zap"
)

// console renders core events as lines on out.
type console struct {
	mu     sync.Mutex
	out    io.Writer
	self   func() domain.PeerID
	logger *zap.SugaredLogger

	callMu      sync.Mutex
	connectedAt time.Time
}

var _ ports.EventSink = (*console)(nil)

func newConsole(out io.Writer, self func() domain.PeerID, logger *zap.SugaredLogger) *console {
	return &console{out: out, self: self, logger: logger}
}

func (c *console) printf(format string, args ...interface{}) {
	c.mu.Lock()
	defer c.mu.Unlock()
	fmt.Fprintf(c.out, format+"\n", args...)
}

func (c *console) TranscriptAppended(msg domain.Message) {
	c.printf("%s", c.formatMessage(msg))
}

func (c *console) MessageUpdated(msg domain.Message) {
	c.printf("~ %s", c.formatMessage(msg))
}

func (c *console) MessageRemoved(chatID domain.PeerID, messageID string) {
	c.printf("- [%s] message %s deleted", chatID, messageID)
}

func (c *console) ChatsChanged(chats []domain.ChatSession) {
	c.logger.Debugw("chat list changed", "chats", len(chats))
}

func (c *console) CallStateChanged(info domain.CallInfo) {
	c.callMu.Lock()
	since := c.connectedAt
	switch info.State {
	case domain.CallConnected:
		if since.IsZero() {
			c.connectedAt = time.Now()
		}
	case domain.CallEnded, domain.CallIdle:
		c.connectedAt = time.Time{}
	}
	c.callMu.Unlock()

	switch info.State {
	case domain.CallRinging:
		c.printf("* incoming %s call from %s (/accept or /reject)", info.Kind, info.Peer)
	case domain.CallDialing:
		c.printf("* calling %s...", info.Peer)
	case domain.CallConnected:
		c.printf("* %s call with %s connected (mic muted=%t, video off=%t)", info.Kind, info.Peer, info.MicMuted, info.VideoOff)
	case domain.CallEnded, domain.CallIdle:
		if since.IsZero() {
			c.printf("* call with %s ended", info.Peer)
		} else {
			c.printf("* call with %s ended after %s", info.Peer, utils.FormatCallDuration(time.Since(since)))
		}
	}
}

// RemoteTrackAttached drains the track; the console has nowhere to play it.
func (c *console) RemoteTrackAttached(peer domain.PeerID, track ports.RemoteTrack) {
	c.printf("* receiving %s from %s", track.Kind(), peer)
	go func() {
		var packets int64
		start := time.Now()
		for {
			if _, err := track.ReadRTP(); err != nil {
				c.logger.Debugw("remote track ended",
					"peer_id", peer,
					"kind", track.Kind(),
					"packets", atomic.LoadInt64(&packets),
					"duration", time.Since(start).String(),
				)
				return
			}
			atomic.AddInt64(&packets, 1)
		}
	}()
}

func (c *console) Notice(text string) {
	c.printf("! %s", text)
}

func (c *console) formatMessage(msg domain.Message) string {
	who := msg.SenderName
	if who == "" {
		who = string(msg.SenderID)
	}
	if msg.SenderID == c.self() {
		who = "you"
	}

	var b strings.Builder
	fmt.Fprintf(&b, "[%s] %s %s: %s", msg.ChatID, shortID(msg.ID), who, msg.Preview())
	if msg.Edited {
		b.WriteString(" (edited)")
	}
	if msg.Status == domain.MessageFailed {
		b.WriteString(" (not delivered)")
	}
	if msg.Media != nil && msg.Media.Type != domain.MediaImage {
		fmt.Fprintf(&b, " <%s>", utils.TruncateString(msg.Media.URL, 80))
	}
	for emoji, peers := range msg.Reactions {
		fmt.Fprintf(&b, " %s%d", emoji, len(peers))
	}
	for _, s := range msg.Sources {
		fmt.Fprintf(&b, "\n    source: %s %s", s.Title, s.URI)
	}
	return b.String()
}

// shortID keeps the random tail of a message id, enough to address it.
func shortID(id string) string {
	if len(id) <= 8 {
		return id
	}
	return id[len(id)-8:]
}
