package domain

import "fmt"

type MessageStatus string

const (
	MessageSending   MessageStatus = "sending"
	MessageSent      MessageStatus = "sent"
	MessageDelivered MessageStatus = "delivered"
	MessageRead      MessageStatus = "read"
	MessageFailed    MessageStatus = "failed"
)

type MediaType string

const (
	MediaImage MediaType = "image"
	MediaAudio MediaType = "audio"
	MediaVideo MediaType = "video"
	MediaFile  MediaType = "file"
)

// MaxMediaBytes bounds inline media so a single message cannot exhaust the
// store quota.
const MaxMediaBytes = 1 << 20

type Media struct {
	Type     MediaType `json:"type"`
	URL      string    `json:"url"`
	MimeType string    `json:"mimeType"`
	FileName string    `json:"fileName,omitempty"`
}

type Source struct {
	URI   string `json:"uri"`
	Title string `json:"title,omitempty"`
}

type Message struct {
	ID           string              `json:"id"`
	ChatID       PeerID              `json:"chatId"`
	SenderID     PeerID              `json:"senderId"`
	SenderName   string              `json:"senderName,omitempty"`
	SenderAvatar string              `json:"senderAvatar,omitempty"`
	Text         string              `json:"text"`
	Timestamp    int64               `json:"timestamp"`
	Status       MessageStatus       `json:"status"`
	IsAI         bool                `json:"isAI,omitempty"`
	Edited       bool                `json:"edited,omitempty"`
	Media        *Media              `json:"media,omitempty"`
	Reactions    map[string][]PeerID `json:"reactions,omitempty"`
	Sources      []Source            `json:"sources,omitempty"`
}

// Preview is the text shown in the chat list for this message.
func (m Message) Preview() string {
	if m.Text != "" {
		return m.Text
	}
	if m.Media != nil {
		return fmt.Sprintf("[%s]", m.Media.Type)
	}
	return ""
}

// Validate rejects messages that must never be stored.
func (m Message) Validate() error {
	if m.ID == "" {
		return ErrMissingMessageID
	}
	if m.Text == "" && m.Media == nil {
		return ErrEmptyMessage
	}
	if m.Media != nil && len(m.Media.URL) > MaxMediaBytes {
		return ErrMediaTooLarge
	}
	return nil
}

// ToggleReaction adds peer to the emoji set, or removes it if present.
// Empty sets are dropped.
func (m *Message) ToggleReaction(emoji string, peer PeerID) {
	if m.Reactions == nil {
		m.Reactions = make(map[string][]PeerID)
	}
	users := m.Reactions[emoji]
	for i, u := range users {
		if u == peer {
			users = append(users[:i], users[i+1:]...)
			if len(users) == 0 {
				delete(m.Reactions, emoji)
			} else {
				m.Reactions[emoji] = users
			}
			return
		}
	}
	m.Reactions[emoji] = append(users, peer)
}
