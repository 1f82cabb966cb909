package services

import (
	"testing"

	"chatnest/internal/core/domain"
	"chatnest/internal/testutils"

	"github.com/stretchr/testify/assert"
)

func TestMetricsService_Snapshot(t *testing.T) {
	m := NewMetricsService()

	m.EnvelopeSent(domain.EnvelopeMessage)
	m.EnvelopeSent(domain.EnvelopeMessage)
	m.EnvelopeReceived(domain.EnvelopeProfileSync)
	m.SendFailed(domain.EnvelopeMessageEdit)
	m.ChannelOpened("nest-1")
	m.ChannelOpened("nest-1")
	m.ChannelOpened("nest-2")
	m.ChannelClosed("nest-1")
	m.ChannelClosed("nest-3")
	m.CallFinished(domain.CallVideo, OutcomeCompleted)
	m.MessagesPruned(4)
	m.MessagesPruned(1)

	snap := m.Snapshot()
	assert.Equal(t, 2, snap.Sent[domain.EnvelopeMessage])
	assert.Equal(t, 1, snap.Received[domain.EnvelopeProfileSync])
	assert.Equal(t, 1, snap.Failed[domain.EnvelopeMessageEdit])
	assert.Equal(t, 2, snap.OpenChannels)
	assert.Equal(t, 1, snap.Calls["video/completed"])
	assert.Equal(t, 5, snap.Pruned)

	snap.Sent[domain.EnvelopeMessage] = 100
	assert.Equal(t, 2, m.Snapshot().Sent[domain.EnvelopeMessage])
}

func TestChannelRegistry(t *testing.T) {
	r := NewChannelRegistry()
	a1, _ := testutils.NewChannelPair("nest-0", "nest-1")
	a2, _ := testutils.NewChannelPair("nest-0", "nest-1")

	assert.Nil(t, r.Put("nest-1", a1))
	assert.Equal(t, a1, r.Put("nest-1", a2))
	assert.False(t, r.Remove("nest-1", a1), "stale channel must not evict the current one")

	ch, ok := r.Open("nest-1")
	assert.True(t, ok)
	assert.Equal(t, a2, ch)

	_ = a2.Close()
	_, ok = r.Open("nest-1")
	assert.False(t, ok)
	assert.Empty(t, r.Snapshot())
	assert.Equal(t, 1, r.Len())

	assert.True(t, r.Remove("nest-1", a2))
	assert.Zero(t, r.Len())
}

func TestActiveChat(t *testing.T) {
	var a ActiveChat
	assert.False(t, a.Is(""))
	a.Set("nest-1")
	assert.True(t, a.Is("nest-1"))
	a.Clear("nest-2")
	assert.Equal(t, domain.PeerID("nest-1"), a.Get())
	a.Clear("nest-1")
	assert.Empty(t, a.Get())
}
