package domain

import "time"

// PeerID is both the dial address on the rendezvous service and the chat
// session key for that peer.
type PeerID string

// AssistantPeerID is reserved for the AI assistant. It never goes through
// the signaling transport.
const AssistantPeerID PeerID = "ai-gemini"

type PresenceStatus string

const (
	StatusOnline  PresenceStatus = "online"
	StatusOffline PresenceStatus = "offline"
)

// Profile is owned by the local agent and pushed to peers with profile_sync.
type Profile struct {
	ID       PeerID         `json:"id"`
	Name     string         `json:"name"`
	Phone    string         `json:"phone,omitempty"`
	Avatar   string         `json:"avatar"`
	Bio      string         `json:"bio"`
	Status   PresenceStatus `json:"status"`
	LastSeen int64          `json:"lastSeen,omitempty"`
}

// Touch stamps LastSeen with t in unix milliseconds.
func (p *Profile) Touch(t time.Time) {
	p.LastSeen = t.UnixMilli()
}
