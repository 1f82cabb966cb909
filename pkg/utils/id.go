package utils

import (
	"crypto/rand"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/oklog/ulid/v2"
)

var (
	entropyMu sync.Mutex
	entropy   = ulid.Monotonic(rand.Reader, 0)
)

// NewMessageID returns a lexically sortable, collision-resistant message id.
func NewMessageID() string {
	return NewMessageIDAt(Now())
}

// NewMessageIDAt returns a message id whose time component is t.
func NewMessageIDAt(t time.Time) string {
	entropyMu.Lock()
	defer entropyMu.Unlock()
	return ulid.MustNew(ulid.Timestamp(t), entropy).String()
}

// NewCallID generates a unique call ID
func NewCallID() string {
	return "call-" + uuid.NewString()
}

// NewSessionID generates a unique signaling session ID
func NewSessionID() string {
	return uuid.NewString()
}
