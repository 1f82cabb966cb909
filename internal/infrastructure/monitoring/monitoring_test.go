package monitoring

import (
	"context"
	"errors"
	"testing"
	"time"

	"chatnest/internal/core/domain"
	"chatnest/internal/core/services"
	"chatnest/internal/infrastructure/repositories/memory"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestClientCollector(t *testing.T) {
	reg := prometheus.NewRegistry()
	c := NewClientCollector(reg)

	c.EnvelopeSent(domain.EnvelopeMessage)
	c.EnvelopeSent(domain.EnvelopeMessage)
	c.EnvelopeReceived(domain.EnvelopeProfileSync)
	c.SendFailed(domain.EnvelopeMessageDelete)
	c.ChannelOpened("nest-1")
	c.ChannelOpened("nest-2")
	c.ChannelClosed("nest-1")
	c.CallFinished(domain.CallAudio, "busy")
	c.MessagesPruned(7)

	assert.Equal(t, 2.0, testutil.ToFloat64(c.envelopesSent.WithLabelValues("message")))
	assert.Equal(t, 1.0, testutil.ToFloat64(c.envelopesReceived.WithLabelValues("profile_sync")))
	assert.Equal(t, 1.0, testutil.ToFloat64(c.sendFailures.WithLabelValues("message_delete")))
	assert.Equal(t, 1.0, testutil.ToFloat64(c.channelsOpen))
	assert.Equal(t, 2.0, testutil.ToFloat64(c.channelsOpened))
	assert.Equal(t, 1.0, testutil.ToFloat64(c.calls.WithLabelValues("audio", "busy")))
	assert.Equal(t, 7.0, testutil.ToFloat64(c.messagesPruned))

	n, err := testutil.GatherAndCount(reg)
	require.NoError(t, err)
	assert.Positive(t, n)
}

func TestFanout(t *testing.T) {
	reg := prometheus.NewRegistry()
	prom := NewClientCollector(reg)
	mem := services.NewMetricsService()
	f := Fanout{prom, mem}

	f.EnvelopeSent(domain.EnvelopeMessageEdit)
	f.CallFinished(domain.CallVideo, "completed")

	assert.Equal(t, 1.0, testutil.ToFloat64(prom.envelopesSent.WithLabelValues("message_edit")))
	assert.Equal(t, 1, mem.Snapshot().Sent[domain.EnvelopeMessageEdit])
	assert.Equal(t, 1, mem.Snapshot().Calls["video/completed"])
}

func TestRendezvousCollector(t *testing.T) {
	r := NewRendezvousCollector(prometheus.NewRegistry())

	r.PeerRegistered()
	r.PeerRegistered()
	r.PeerUnregistered(3 * time.Second)
	r.RegistrationRejected("identity_taken")
	r.SignalRelayed("offer")
	r.SignalUnreachable()
	r.RateLimited()

	assert.Equal(t, 1.0, testutil.ToFloat64(r.registeredPeers))
	assert.Equal(t, 2.0, testutil.ToFloat64(r.registrations.WithLabelValues("ok")))
	assert.Equal(t, 1.0, testutil.ToFloat64(r.registrations.WithLabelValues("identity_taken")))
	assert.Equal(t, 1.0, testutil.ToFloat64(r.signalsRelayed.WithLabelValues("offer")))
	assert.Equal(t, 1.0, testutil.ToFloat64(r.unreachable))
	assert.Equal(t, 1.0, testutil.ToFloat64(r.rateLimited))
}

func TestHealthChecker(t *testing.T) {
	h := NewHealthChecker()
	h.AddStoreCheck(memory.NewKVStore(0).Ping, 0, time.Second)
	h.AddCheck("flaky", func(ctx context.Context) (bool, error) {
		return false, nil
	}, 0, 0)
	h.AddCheck("broken", func(ctx context.Context) (bool, error) {
		return false, errors.New("no route")
	}, 0, time.Second)

	status := h.CheckAll(context.Background())
	assert.Equal(t, "unhealthy", status.Status)
	assert.Equal(t, "healthy", status.Checks["storage"])
	assert.Equal(t, "check failed", status.Checks["flaky"])
	assert.Equal(t, "no route", status.Checks["broken"])
	assert.False(t, h.IsReady(context.Background()))

	err, ok := h.LastError("storage")
	assert.True(t, ok)
	assert.NoError(t, err)
}
