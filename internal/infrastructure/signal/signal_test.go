package signal

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"chatnest/internal/core/domain"
	"chatnest/internal/infrastructure/middleware"
	"chatnest/pkg/config"
	"chatnest/pkg/retry"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

const testSDP = "v=0\r\no=- 1 2 IN IP4 127.0.0.1\r\ns=-\r\nt=0 0\r\n"

type countingMetrics struct {
	mu          sync.Mutex
	registered  int
	rejected    map[string]int
	relayed     map[string]int
	unreachable int
	limited     int
}

func newCountingMetrics() *countingMetrics {
	return &countingMetrics{rejected: map[string]int{}, relayed: map[string]int{}}
}

func (m *countingMetrics) PeerRegistered() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.registered++
}

func (m *countingMetrics) RegistrationRejected(reason string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.rejected[reason]++
}

func (m *countingMetrics) PeerUnregistered(time.Duration) {}

func (m *countingMetrics) SignalRelayed(kind string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.relayed[kind]++
}

func (m *countingMetrics) SignalUnreachable() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.unreachable++
}

func (m *countingMetrics) RateLimited() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.limited++
}

func (m *countingMetrics) snapshot() (rejected map[string]int, unreachable, limited int) {
	m.mu.Lock()
	defer m.mu.Unlock()
	rejected = make(map[string]int, len(m.rejected))
	for k, v := range m.rejected {
		rejected[k] = v
	}
	return rejected, m.unreachable, m.limited
}

type testServer struct {
	srv     *WebSocketServer
	metrics *countingMetrics
	url     string
	http    *httptest.Server
}

func newTestServer(t *testing.T, tweak func(cfg *config.Config)) *testServer {
	t.Helper()

	cfg := config.DefaultConfig()
	if tweak != nil {
		tweak(cfg)
	}

	metrics := newCountingMetrics()
	srv := NewWebSocketServer(ServerConfig{
		PingInterval:    50 * time.Millisecond,
		PongTimeout:     time.Second,
		RegisterTimeout: time.Second,
	}, middleware.NewWebSocketLimiter(cfg), metrics, zap.NewNop().Sugar())

	ts := httptest.NewServer(http.HandlerFunc(srv.HandleWebSocket))
	t.Cleanup(func() {
		srv.Close()
		ts.Close()
	})

	return &testServer{
		srv:     srv,
		metrics: metrics,
		url:     "ws" + strings.TrimPrefix(ts.URL, "http"),
		http:    ts,
	}
}

func (ts *testServer) client(t *testing.T) *Client {
	t.Helper()

	reconnect := retry.ReconnectConfig()
	reconnect.InitialDelay = 10 * time.Millisecond
	reconnect.MaxDelay = 50 * time.Millisecond

	c := NewClient(ClientConfig{
		URL:               ts.url,
		HeartbeatInterval: 20 * time.Millisecond,
		RegisterTimeout:   time.Second,
		Reconnect:         reconnect,
	}, zap.NewNop().Sugar())
	t.Cleanup(func() { c.Close() })
	return c
}

// inbox collects frames delivered to a client.
func inbox(c *Client) <-chan Message {
	ch := make(chan Message, 32)
	c.OnMessage(func(msg Message) { ch <- msg })
	return ch
}

func next(t *testing.T, ch <-chan Message) Message {
	t.Helper()
	select {
	case msg := <-ch:
		return msg
	case <-time.After(2 * time.Second):
		t.Fatal("no message received")
		return Message{}
	}
}

func offer(t *testing.T, to domain.PeerID, session string) Message {
	t.Helper()
	msg, err := Message{Type: TypeOffer, To: to, SessionID: session, SessionKind: SessionData}.
		WithPayload(SDPPayload{Type: "offer", SDP: testSDP})
	require.NoError(t, err)
	return msg
}

func TestClient_RegisterAndRelay(t *testing.T) {
	ts := newTestServer(t, nil)
	ctx := context.Background()

	a, b := ts.client(t), ts.client(t)
	bIn := inbox(b)

	require.NoError(t, a.Register(ctx, "nest-111"))
	require.NoError(t, b.Register(ctx, "nest-222"))
	assert.Equal(t, domain.PeerID("nest-111"), a.LocalID())
	assert.True(t, a.Connected())
	assert.ElementsMatch(t, []domain.PeerID{"nest-111", "nest-222"}, ts.srv.GetConnectedPeers())

	require.NoError(t, a.Send(offer(t, "nest-222", "s1")))

	got := next(t, bIn)
	assert.Equal(t, TypeOffer, got.Type)
	assert.Equal(t, domain.PeerID("nest-111"), got.From)
	assert.Equal(t, "s1", got.SessionID)
	assert.Equal(t, SessionData, got.SessionKind)

	var p SDPPayload
	require.NoError(t, got.DecodePayload(&p))
	assert.Equal(t, testSDP, p.SDP)
}

func TestServer_RejectsLiveIdentity(t *testing.T) {
	ts := newTestServer(t, nil)
	ctx := context.Background()

	require.NoError(t, ts.client(t).Register(ctx, "nest-111"))

	err := ts.client(t).Register(ctx, "nest-111")
	assert.ErrorIs(t, err, domain.ErrIdentityTaken)

	rejected, _, _ := ts.metrics.snapshot()
	assert.Equal(t, 1, rejected["identity_taken"])
	assert.True(t, ts.srv.IsPeerConnected("nest-111"))
}

func TestServer_RejectsInvalidIdentity(t *testing.T) {
	ts := newTestServer(t, nil)

	err := ts.client(t).Register(context.Background(), "not a valid id")
	require.Error(t, err)
	assert.NotErrorIs(t, err, domain.ErrIdentityTaken)
	assert.Empty(t, ts.srv.GetConnectedPeers())
}

func TestServer_ReportsUnreachableTarget(t *testing.T) {
	ts := newTestServer(t, nil)

	a := ts.client(t)
	aIn := inbox(a)
	require.NoError(t, a.Register(context.Background(), "nest-111"))

	require.NoError(t, a.Send(offer(t, "nest-404", "s9")))

	got := next(t, aIn)
	assert.Equal(t, TypeUnreachable, got.Type)
	assert.Equal(t, domain.PeerID("nest-404"), got.From)
	assert.Equal(t, "s9", got.SessionID)
	assert.Equal(t, SessionData, got.SessionKind)

	_, unreachable, _ := ts.metrics.snapshot()
	assert.Equal(t, 1, unreachable)
}

func TestServer_StampsSenderIdentity(t *testing.T) {
	ts := newTestServer(t, nil)
	ctx := context.Background()

	b := ts.client(t)
	bIn := inbox(b)
	require.NoError(t, b.Register(ctx, "nest-222"))

	raw, _, err := websocket.DefaultDialer.Dial(ts.url, nil)
	require.NoError(t, err)
	defer raw.Close()

	require.NoError(t, raw.WriteJSON(Message{Type: TypeRegister, From: "nest-111"}))
	var reply Message
	require.NoError(t, raw.ReadJSON(&reply))
	require.Equal(t, TypeRegistered, reply.Type)

	spoofed := offer(t, "nest-222", "s1")
	spoofed.From = "nest-999"
	require.NoError(t, raw.WriteJSON(spoofed))

	got := next(t, bIn)
	assert.Equal(t, domain.PeerID("nest-111"), got.From)
}

func TestServer_RejectsMalformedSignals(t *testing.T) {
	ts := newTestServer(t, nil)
	ctx := context.Background()

	a := ts.client(t)
	aIn := inbox(a)
	require.NoError(t, a.Register(ctx, "nest-111"))
	require.NoError(t, ts.client(t).Register(ctx, "nest-222"))

	tests := []struct {
		name string
		msg  Message
	}{
		{
			name: "offer without session kind",
			msg: func() Message {
				m := offer(t, "nest-222", "s1")
				m.SessionKind = ""
				return m
			}(),
		},
		{
			name: "answer with broken sdp",
			msg: func() Message {
				m, err := Message{Type: TypeAnswer, To: "nest-222", SessionID: "s1"}.
					WithPayload(SDPPayload{Type: "answer", SDP: "v=0"})
				require.NoError(t, err)
				return m
			}(),
		},
		{
			name: "empty candidate",
			msg: func() Message {
				m, err := Message{Type: TypeCandidate, To: "nest-222", SessionID: "s1"}.
					WithPayload(CandidatePayload{})
				require.NoError(t, err)
				return m
			}(),
		},
		{
			name: "missing target",
			msg:  Message{Type: TypeHangup, SessionID: "s1"},
		},
		{
			name: "unknown type",
			msg:  Message{Type: "gossip", To: "nest-222"},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			require.NoError(t, a.Send(tt.msg))
			got := next(t, aIn)
			assert.Equal(t, TypeError, got.Type)
			assert.NotEmpty(t, got.Error)
		})
	}
}

func TestServer_RateLimitsSignals(t *testing.T) {
	ts := newTestServer(t, func(cfg *config.Config) {
		cfg.RateLimiting.Enabled = true
		cfg.RateLimiting.WebSocket.MessagesPerSecond = 0.001
		cfg.RateLimiting.WebSocket.Burst = 1
	})
	ctx := context.Background()

	a := ts.client(t)
	aIn := inbox(a)
	require.NoError(t, a.Register(ctx, "nest-111"))

	hangup := Message{Type: TypeHangup, To: "nest-404", SessionID: "s1"}
	require.NoError(t, a.Send(hangup))
	require.NoError(t, a.Send(hangup))

	got := next(t, aIn)
	assert.Equal(t, TypeError, got.Type)
	assert.Contains(t, got.Error, "rate limit")

	_, _, limited := ts.metrics.snapshot()
	assert.Equal(t, 1, limited)
}

func TestServer_CapsConcurrentSockets(t *testing.T) {
	ts := newTestServer(t, func(cfg *config.Config) {
		cfg.RateLimiting.Enabled = true
		cfg.RateLimiting.WebSocket.MaxConcurrent = 1
	})

	require.NoError(t, ts.client(t).Register(context.Background(), "nest-111"))

	_, resp, err := websocket.DefaultDialer.Dial(ts.url, nil)
	require.Error(t, err)
	require.NotNil(t, resp)
	assert.Equal(t, http.StatusServiceUnavailable, resp.StatusCode)
}

func TestClient_SendBeforeRegister(t *testing.T) {
	ts := newTestServer(t, nil)
	err := ts.client(t).Send(Message{Type: TypeHangup, To: "nest-222"})
	assert.ErrorIs(t, err, domain.ErrNotRegistered)
}

func TestClient_ReregistersAfterDrop(t *testing.T) {
	ts := newTestServer(t, nil)

	a := ts.client(t)
	var mu sync.Mutex
	var states []bool
	a.OnStateChange(func(up bool) {
		mu.Lock()
		states = append(states, up)
		mu.Unlock()
	})
	require.NoError(t, a.Register(context.Background(), "nest-111"))

	ts.srv.Close()

	assert.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(states) >= 3 && !states[1] && states[len(states)-1]
	}, 3*time.Second, 10*time.Millisecond)
	assert.Eventually(t, func() bool {
		return a.Connected() && ts.srv.IsPeerConnected("nest-111")
	}, 3*time.Second, 10*time.Millisecond)
}

func TestClient_CloseStopsReconnecting(t *testing.T) {
	ts := newTestServer(t, nil)

	a := ts.client(t)
	require.NoError(t, a.Register(context.Background(), "nest-111"))
	require.NoError(t, a.Close())

	assert.Eventually(t, func() bool {
		return !ts.srv.IsPeerConnected("nest-111")
	}, 2*time.Second, 10*time.Millisecond)
	assert.False(t, a.Connected())
	assert.ErrorIs(t, a.Register(context.Background(), "nest-111"), domain.ErrChannelClosed)
}
