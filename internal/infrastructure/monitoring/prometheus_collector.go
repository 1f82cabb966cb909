package monitoring

import (
	"time"

	"chatnest/internal/core/domain"
	"chatnest/internal/core/ports"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// ClientCollector exports the client's protocol and call counters.
type ClientCollector struct {
	envelopesSent     *prometheus.CounterVec
	envelopesReceived *prometheus.CounterVec
	sendFailures      *prometheus.CounterVec
	channelsOpen      prometheus.Gauge
	channelsOpened    prometheus.Counter
	calls             *prometheus.CounterVec
	messagesPruned    prometheus.Counter
}

var _ ports.MetricsRecorder = (*ClientCollector)(nil)

func NewClientCollector(reg prometheus.Registerer) *ClientCollector {
	factory := promauto.With(reg)
	return &ClientCollector{
		envelopesSent: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "chatnest_envelopes_sent_total",
			Help: "Data-channel envelopes written, by type",
		}, []string{"type"}),

		envelopesReceived: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "chatnest_envelopes_received_total",
			Help: "Data-channel envelopes applied, by type",
		}, []string{"type"}),

		sendFailures: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "chatnest_send_failures_total",
			Help: "Envelopes kept local-only after the reconnect attempt failed",
		}, []string{"type"}),

		channelsOpen: factory.NewGauge(prometheus.GaugeOpts{
			Name: "chatnest_data_channels_open",
			Help: "Currently open data channels",
		}),

		channelsOpened: factory.NewCounter(prometheus.CounterOpts{
			Name: "chatnest_data_channels_opened_total",
			Help: "Data channels opened in either direction",
		}),

		calls: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "chatnest_calls_total",
			Help: "Finished calls by kind and outcome",
		}, []string{"kind", "outcome"}),

		messagesPruned: factory.NewCounter(prometheus.CounterOpts{
			Name: "chatnest_messages_pruned_total",
			Help: "Messages dropped to recover from a full store",
		}),
	}
}

func (c *ClientCollector) EnvelopeSent(kind domain.EnvelopeType) {
	c.envelopesSent.WithLabelValues(string(kind)).Inc()
}

func (c *ClientCollector) EnvelopeReceived(kind domain.EnvelopeType) {
	c.envelopesReceived.WithLabelValues(string(kind)).Inc()
}

func (c *ClientCollector) SendFailed(kind domain.EnvelopeType) {
	c.sendFailures.WithLabelValues(string(kind)).Inc()
}

func (c *ClientCollector) ChannelOpened(domain.PeerID) {
	c.channelsOpen.Inc()
	c.channelsOpened.Inc()
}

func (c *ClientCollector) ChannelClosed(domain.PeerID) {
	c.channelsOpen.Dec()
}

func (c *ClientCollector) CallFinished(kind domain.CallKind, outcome string) {
	c.calls.WithLabelValues(string(kind), outcome).Inc()
}

func (c *ClientCollector) MessagesPruned(n int) {
	c.messagesPruned.Add(float64(n))
}

// Fanout forwards every sample to all recorders.
type Fanout []ports.MetricsRecorder

var _ ports.MetricsRecorder = Fanout(nil)

func (f Fanout) EnvelopeSent(kind domain.EnvelopeType) {
	for _, r := range f {
		r.EnvelopeSent(kind)
	}
}

func (f Fanout) EnvelopeReceived(kind domain.EnvelopeType) {
	for _, r := range f {
		r.EnvelopeReceived(kind)
	}
}

func (f Fanout) SendFailed(kind domain.EnvelopeType) {
	for _, r := range f {
		r.SendFailed(kind)
	}
}

func (f Fanout) ChannelOpened(peer domain.PeerID) {
	for _, r := range f {
		r.ChannelOpened(peer)
	}
}

func (f Fanout) ChannelClosed(peer domain.PeerID) {
	for _, r := range f {
		r.ChannelClosed(peer)
	}
}

func (f Fanout) CallFinished(kind domain.CallKind, outcome string) {
	for _, r := range f {
		r.CallFinished(kind, outcome)
	}
}

func (f Fanout) MessagesPruned(n int) {
	for _, r := range f {
		r.MessagesPruned(n)
	}
}

// RendezvousCollector exports the rendezvous server's registry and relay
// counters.
type RendezvousCollector struct {
	registeredPeers prometheus.Gauge
	registrations   *prometheus.CounterVec
	signalsRelayed  *prometheus.CounterVec
	unreachable     prometheus.Counter
	rateLimited     prometheus.Counter
	socketLifetime  prometheus.Histogram
}

func NewRendezvousCollector(reg prometheus.Registerer) *RendezvousCollector {
	factory := promauto.With(reg)
	return &RendezvousCollector{
		registeredPeers: factory.NewGauge(prometheus.GaugeOpts{
			Name: "chatnest_rendezvous_registered_peers",
			Help: "Identities currently registered",
		}),

		registrations: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "chatnest_rendezvous_registrations_total",
			Help: "Registration attempts by result",
		}, []string{"result"}),

		signalsRelayed: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "chatnest_rendezvous_signals_relayed_total",
			Help: "Signals forwarded to their target, by type",
		}, []string{"type"}),

		unreachable: factory.NewCounter(prometheus.CounterOpts{
			Name: "chatnest_rendezvous_unreachable_total",
			Help: "Signals addressed to an identity that is not registered",
		}),

		rateLimited: factory.NewCounter(prometheus.CounterOpts{
			Name: "chatnest_rendezvous_rate_limited_total",
			Help: "Signals or sockets refused by the rate limiter",
		}),

		socketLifetime: factory.NewHistogram(prometheus.HistogramOpts{
			Name:    "chatnest_rendezvous_socket_lifetime_seconds",
			Help:    "Lifetime of registered sockets",
			Buckets: prometheus.ExponentialBuckets(1, 4, 8),
		}),
	}
}

func (r *RendezvousCollector) PeerRegistered() {
	r.registeredPeers.Inc()
	r.registrations.WithLabelValues("ok").Inc()
}

func (r *RendezvousCollector) RegistrationRejected(reason string) {
	r.registrations.WithLabelValues(reason).Inc()
}

func (r *RendezvousCollector) PeerUnregistered(lifetime time.Duration) {
	r.registeredPeers.Dec()
	r.socketLifetime.Observe(lifetime.Seconds())
}

func (r *RendezvousCollector) SignalRelayed(kind string) {
	r.signalsRelayed.WithLabelValues(kind).Inc()
}

func (r *RendezvousCollector) SignalUnreachable() {
	r.unreachable.Inc()
}

func (r *RendezvousCollector) RateLimited() {
	r.rateLimited.Inc()
}
