package signal

import (
	"encoding/json"
	"fmt"
	"strings"

	"chatnest/internal/core/domain"
)

type MessageType string

const (
	TypeRegister       MessageType = "register"
	TypeRegistered     MessageType = "registered"
	TypeRegisterFailed MessageType = "register_failed"
	TypeOffer          MessageType = "offer"
	TypeAnswer         MessageType = "answer"
	TypeCandidate      MessageType = "candidate"
	TypeHangup         MessageType = "hangup"
	TypeReject         MessageType = "reject"
	TypeBusy           MessageType = "busy"
	TypeUnreachable    MessageType = "unreachable"
	TypeError          MessageType = "error"
	TypeHeartbeat      MessageType = "heartbeat"
)

// relayed reports whether the server forwards this type to Message.To.
func (t MessageType) relayed() bool {
	switch t {
	case TypeOffer, TypeAnswer, TypeCandidate, TypeHangup, TypeReject, TypeBusy:
		return true
	}
	return false
}

// SessionKind tells the receiving side whether an offer opens a data
// channel or a media call.
type SessionKind string

const (
	SessionData  SessionKind = "data"
	SessionMedia SessionKind = "media"
)

// Message is the single frame exchanged with the rendezvous server.
type Message struct {
	Type        MessageType     `json:"type"`
	From        domain.PeerID   `json:"from,omitempty"`
	To          domain.PeerID   `json:"to,omitempty"`
	SessionID   string          `json:"session_id,omitempty"`
	SessionKind SessionKind     `json:"session_kind,omitempty"`
	CallKind    domain.CallKind `json:"call_kind,omitempty"`
	Payload     json.RawMessage `json:"payload,omitempty"`
	Error       string          `json:"error,omitempty"`
}

type SDPPayload struct {
	Type string `json:"type"`
	SDP  string `json:"sdp"`
}

type CandidatePayload struct {
	Candidate     string  `json:"candidate"`
	SDPMid        *string `json:"sdpMid,omitempty"`
	SDPMLineIndex *uint16 `json:"sdpMLineIndex,omitempty"`
}

// WithPayload returns a copy of m carrying v as its JSON payload.
func (m Message) WithPayload(v interface{}) (Message, error) {
	raw, err := json.Marshal(v)
	if err != nil {
		return m, fmt.Errorf("encode %s payload: %w", m.Type, err)
	}
	m.Payload = raw
	return m, nil
}

// DecodePayload unmarshals the payload into v.
func (m Message) DecodePayload(v interface{}) error {
	if len(m.Payload) == 0 {
		return fmt.Errorf("%s without payload", m.Type)
	}
	if err := json.Unmarshal(m.Payload, v); err != nil {
		return fmt.Errorf("decode %s payload: %w", m.Type, err)
	}
	return nil
}

func validateSDP(sdp string) error {
	if sdp == "" {
		return fmt.Errorf("SDP cannot be empty")
	}

	// Minimal structural check, full parsing is left to the peers.
	for _, field := range []string{"v=", "o=", "s=", "t="} {
		if !strings.Contains(sdp, field) {
			return fmt.Errorf("SDP is missing required field %q", field)
		}
	}
	return nil
}

// validateRelay checks what the server needs before forwarding msg.
func validateRelay(msg Message) error {
	if msg.To == "" {
		return fmt.Errorf("%s requires a target", msg.Type)
	}
	if msg.SessionID == "" {
		return fmt.Errorf("%s requires a session_id", msg.Type)
	}

	switch msg.Type {
	case TypeOffer, TypeAnswer:
		var p SDPPayload
		if err := msg.DecodePayload(&p); err != nil {
			return err
		}
		if err := validateSDP(p.SDP); err != nil {
			return fmt.Errorf("invalid %s: %w", msg.Type, err)
		}
		if msg.Type == TypeOffer && msg.SessionKind != SessionData && msg.SessionKind != SessionMedia {
			return fmt.Errorf("offer requires session_kind data or media")
		}
	case TypeCandidate:
		var p CandidatePayload
		if err := msg.DecodePayload(&p); err != nil {
			return err
		}
		if p.Candidate == "" {
			return fmt.Errorf("candidate cannot be empty")
		}
	}
	return nil
}
