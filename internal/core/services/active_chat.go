package services

import (
	"sync"

	"chatnest/internal/core/domain"
)

// ActiveChat tracks which conversation the user currently has open.
type ActiveChat struct {
	mu sync.RWMutex
	id domain.PeerID
}

func (a *ActiveChat) Set(id domain.PeerID) {
	a.mu.Lock()
	a.id = id
	a.mu.Unlock()
}

func (a *ActiveChat) Get() domain.PeerID {
	a.mu.RLock()
	defer a.mu.RUnlock()
	return a.id
}

func (a *ActiveChat) Is(id domain.PeerID) bool {
	return id != "" && a.Get() == id
}

// Clear resets the active chat if it is id.
func (a *ActiveChat) Clear(id domain.PeerID) {
	a.mu.Lock()
	if a.id == id {
		a.id = ""
	}
	a.mu.Unlock()
}
