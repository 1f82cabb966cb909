package services

import (
	"sync"

	"chatnest/internal/core/domain"
)

// MetricsSnapshot is a point-in-time copy of MetricsService counters.
type MetricsSnapshot struct {
	Sent         map[domain.EnvelopeType]int
	Received     map[domain.EnvelopeType]int
	Failed       map[domain.EnvelopeType]int
	OpenChannels int
	Calls        map[string]int
	Pruned       int
}

// MetricsService keeps in-process counters. It satisfies
// ports.MetricsRecorder and backs the client's /stats command.
type MetricsService struct {
	mu sync.RWMutex

	sent     map[domain.EnvelopeType]int
	received map[domain.EnvelopeType]int
	failed   map[domain.EnvelopeType]int
	channels map[domain.PeerID]int
	calls    map[string]int
	pruned   int
}

func NewMetricsService() *MetricsService {
	return &MetricsService{
		sent:     make(map[domain.EnvelopeType]int),
		received: make(map[domain.EnvelopeType]int),
		failed:   make(map[domain.EnvelopeType]int),
		channels: make(map[domain.PeerID]int),
		calls:    make(map[string]int),
	}
}

func (m *MetricsService) EnvelopeSent(kind domain.EnvelopeType) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.sent[kind]++
}

func (m *MetricsService) EnvelopeReceived(kind domain.EnvelopeType) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.received[kind]++
}

func (m *MetricsService) SendFailed(kind domain.EnvelopeType) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.failed[kind]++
}

func (m *MetricsService) ChannelOpened(peer domain.PeerID) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.channels[peer]++
}

func (m *MetricsService) ChannelClosed(peer domain.PeerID) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.channels[peer] > 1 {
		m.channels[peer]--
		return
	}
	delete(m.channels, peer)
}

func (m *MetricsService) CallFinished(kind domain.CallKind, outcome string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.calls[string(kind)+"/"+outcome]++
}

func (m *MetricsService) MessagesPruned(n int) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.pruned += n
}

func (m *MetricsService) Snapshot() MetricsSnapshot {
	m.mu.RLock()
	defer m.mu.RUnlock()

	open := 0
	for _, n := range m.channels {
		open += n
	}
	return MetricsSnapshot{
		Sent:         copyCounts(m.sent),
		Received:     copyCounts(m.received),
		Failed:       copyCounts(m.failed),
		OpenChannels: open,
		Calls:        copyCounts(m.calls),
		Pruned:       m.pruned,
	}
}

func copyCounts[K comparable](in map[K]int) map[K]int {
	out := make(map[K]int, len(in))
	for k, v := range in {
		out[k] = v
	}
	return out
}
