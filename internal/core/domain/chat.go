package domain

type ChatKind string

const (
	ChatKindContact ChatKind = "contact"
	ChatKindAI      ChatKind = "ai"
)

// ChatSession is the local directory entry for one conversation partner.
type ChatSession struct {
	ID            PeerID   `json:"id"`
	Name          string   `json:"name"`
	Avatar        string   `json:"avatar"`
	Phone         string   `json:"phone,omitempty"`
	Bio           string   `json:"bio,omitempty"`
	IsOnline      bool     `json:"isOnline"`
	Kind          ChatKind `json:"type"`
	LastMessage   string   `json:"lastMessage,omitempty"`
	LastTimestamp int64    `json:"lastTimestamp,omitempty"`
	UnreadCount   int      `json:"unreadCount"`
	LastSeen      int64    `json:"lastSeen,omitempty"`
}

// ApplyProfile copies the peer-owned fields of p onto the session.
func (c *ChatSession) ApplyProfile(p Profile) {
	c.Name = p.Name
	c.Avatar = p.Avatar
	c.Bio = p.Bio
	if p.Phone != "" {
		c.Phone = p.Phone
	}
	c.LastSeen = p.LastSeen
}

// AssistantChat is seeded into an empty registry.
func AssistantChat(now int64) ChatSession {
	return ChatSession{
		ID:            AssistantPeerID,
		Name:          "ChatNest AI Assistant",
		Avatar:        "https://api.dicebear.com/7.x/bottts/svg?seed=chatnest-ai",
		Phone:         "NEST-AI-LINK",
		IsOnline:      true,
		Kind:          ChatKindAI,
		LastMessage:   "Welcome to your new nest! How can I help you today?",
		LastTimestamp: now,
	}
}
