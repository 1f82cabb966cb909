package services

import (
	"sync"

	"chatnest/internal/core/domain"
	"chatnest/internal/core/ports"
)

// ChannelRegistry maps a remote identity to its current data channel.
type ChannelRegistry struct {
	mu       sync.RWMutex
	channels map[domain.PeerID]ports.DataChannel
}

func NewChannelRegistry() *ChannelRegistry {
	return &ChannelRegistry{
		channels: make(map[domain.PeerID]ports.DataChannel),
	}
}

// Put stores ch for peer and returns the channel it replaced, if any.
func (r *ChannelRegistry) Put(peer domain.PeerID, ch ports.DataChannel) ports.DataChannel {
	r.mu.Lock()
	defer r.mu.Unlock()
	prev := r.channels[peer]
	r.channels[peer] = ch
	return prev
}

func (r *ChannelRegistry) Get(peer domain.PeerID) (ports.DataChannel, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	ch, ok := r.channels[peer]
	return ch, ok
}

// Open returns the channel for peer only if it is currently open.
func (r *ChannelRegistry) Open(peer domain.PeerID) (ports.DataChannel, bool) {
	ch, ok := r.Get(peer)
	if !ok || !ch.IsOpen() {
		return nil, false
	}
	return ch, true
}

// Remove deletes the entry for peer if it still points at ch.
func (r *ChannelRegistry) Remove(peer domain.PeerID, ch ports.DataChannel) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	if cur, ok := r.channels[peer]; ok && cur == ch {
		delete(r.channels, peer)
		return true
	}
	return false
}

// Snapshot returns the open channels.
func (r *ChannelRegistry) Snapshot() map[domain.PeerID]ports.DataChannel {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make(map[domain.PeerID]ports.DataChannel, len(r.channels))
	for peer, ch := range r.channels {
		if ch.IsOpen() {
			out[peer] = ch
		}
	}
	return out
}

func (r *ChannelRegistry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.channels)
}

// CloseAll closes and forgets every channel.
func (r *ChannelRegistry) CloseAll() {
	r.mu.Lock()
	chans := r.channels
	r.channels = make(map[domain.PeerID]ports.DataChannel)
	r.mu.Unlock()

	for _, ch := range chans {
		_ = ch.Close()
	}
}
