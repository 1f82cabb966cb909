package domain

import (
	"encoding/json"
	"fmt"
)

type EnvelopeType string

const (
	EnvelopeProfileSync     EnvelopeType = "profile_sync"
	EnvelopeMessage         EnvelopeType = "message"
	EnvelopeMessageEdit     EnvelopeType = "message_edit"
	EnvelopeMessageDelete   EnvelopeType = "message_delete"
	EnvelopeMessageReaction EnvelopeType = "message_reaction"
)

// MaxFrameBytes bounds one encoded envelope. It leaves room for a message
// carrying MaxMediaBytes of media plus its text and metadata.
const MaxFrameBytes = 4 << 20

// Envelope is one data-channel frame. The sender is implied by the channel.
type Envelope struct {
	Type    EnvelopeType `json:"type"`
	Profile *Profile     `json:"profile,omitempty"`
	Message *Message     `json:"message,omitempty"`
	ID      string       `json:"id,omitempty"`
	Text    string       `json:"text,omitempty"`
	Emoji   string       `json:"emoji,omitempty"`
}

func ProfileSync(p Profile) Envelope {
	return Envelope{Type: EnvelopeProfileSync, Profile: &p}
}

func NewMessageEnvelope(m Message) Envelope {
	return Envelope{Type: EnvelopeMessage, Message: &m}
}

func EditEnvelope(id, text string) Envelope {
	return Envelope{Type: EnvelopeMessageEdit, ID: id, Text: text}
}

func DeleteEnvelope(id string) Envelope {
	return Envelope{Type: EnvelopeMessageDelete, ID: id}
}

func ReactionEnvelope(id, emoji string) Envelope {
	return Envelope{Type: EnvelopeMessageReaction, ID: id, Emoji: emoji}
}

func (e Envelope) Encode() ([]byte, error) {
	return json.Marshal(e)
}

// Validate checks that the payload required by the envelope type is present.
func (e Envelope) Validate() error {
	switch e.Type {
	case EnvelopeProfileSync:
		if e.Profile == nil {
			return fmt.Errorf("profile_sync without profile")
		}
	case EnvelopeMessage:
		if e.Message == nil {
			return fmt.Errorf("message without payload")
		}
	case EnvelopeMessageEdit, EnvelopeMessageDelete:
		if e.ID == "" {
			return fmt.Errorf("%s without id", e.Type)
		}
	case EnvelopeMessageReaction:
		if e.ID == "" || e.Emoji == "" {
			return fmt.Errorf("message_reaction without id or emoji")
		}
	default:
		return fmt.Errorf("unknown envelope type: %q", e.Type)
	}
	return nil
}

// DecodeEnvelope parses and validates one frame.
func DecodeEnvelope(data []byte) (Envelope, error) {
	var e Envelope
	if err := json.Unmarshal(data, &e); err != nil {
		return Envelope{}, fmt.Errorf("invalid envelope: %w", err)
	}
	if err := e.Validate(); err != nil {
		return Envelope{}, err
	}
	return e, nil
}
