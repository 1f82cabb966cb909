package services

import (
	"context"
	"testing"
	"time"

	"chatnest/internal/core/domain"
	"chatnest/internal/infrastructure/repositories"
	"chatnest/internal/infrastructure/repositories/memory"
	"chatnest/internal/testutils"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

const (
	waitFor = 2 * time.Second
	tick    = 10 * time.Millisecond
)

type node struct {
	id        domain.PeerID
	transport *testutils.Transport
	media     *testutils.MediaSource
	sink      *testutils.Sink
	kv        *memory.KVStore
	store     *repositories.ChatStore
	guard     *StoreGuard
	identity  *IdentityService
	registry  *ChatRegistry
	active    *ActiveChat
	protocol  *ProtocolService
	calls     *CallService
	metrics   *MetricsService
}

type nodeOption func(*nodeConfig)

type nodeConfig struct {
	quota     int64
	assistant *mockAssistant
}

func withQuota(bytes int64) nodeOption {
	return func(c *nodeConfig) { c.quota = bytes }
}

func withAssistant(a *mockAssistant) nodeOption {
	return func(c *nodeConfig) { c.assistant = a }
}

// newNode wires a full client on net. Nodes log to a no-op logger because
// transport goroutines may outlive the test.
func newNode(t *testing.T, net *testutils.Network, contact string, opts ...nodeOption) *node {
	t.Helper()
	cfg := nodeConfig{}
	for _, opt := range opts {
		opt(&cfg)
	}

	ctx := context.Background()
	logger := zap.NewNop().Sugar()

	n := &node{
		transport: net.NewTransport(),
		media:     testutils.NewMediaSource(),
		sink:      testutils.NewSink(),
		kv:        memory.NewKVStore(cfg.quota),
		metrics:   NewMetricsService(),
		active:    &ActiveChat{},
	}
	n.store = repositories.NewChatStore(n.kv)
	n.guard = NewStoreGuard(n.store, DefaultQuotaPolicy(), n.sink, n.metrics, logger)
	n.registry = NewChatRegistry(n.guard, n.sink, logger)
	require.NoError(t, n.registry.Seed(ctx))

	n.identity = NewIdentityService(repositories.NewKVProfileRepository(n.kv), logger)
	profile, err := n.identity.Bootstrap(ctx, contact, "")
	require.NoError(t, err)
	n.id = profile.ID
	require.NoError(t, n.transport.Register(ctx, n.id))

	var assistant *AssistantService
	if cfg.assistant != nil {
		assistant = NewAssistantService(cfg.assistant, n.guard, n.registry, n.identity, n.active, n.sink, 5, logger)
	}
	n.protocol = NewProtocolService(ProtocolDeps{
		Transport:      n.transport,
		Identity:       n.identity,
		Registry:       n.registry,
		Guard:          n.guard,
		Active:         n.active,
		Assistant:      assistant,
		Sink:           n.sink,
		Metrics:        n.metrics,
		ConnectTimeout: time.Second,
	}, logger)
	n.protocol.Start()

	n.calls = NewCallService(n.transport, n.media, n.identity, n.sink, n.metrics, logger)
	n.calls.Start()

	t.Cleanup(func() {
		n.calls.Close()
		n.protocol.Close()
		_ = n.transport.Close()
	})
	return n
}

func (n *node) messages(t *testing.T, chat domain.PeerID) []domain.Message {
	t.Helper()
	msgs, err := n.store.GetMessages(context.Background(), chat)
	require.NoError(t, err)
	return msgs
}

func (n *node) chat(t *testing.T, id domain.PeerID) (domain.ChatSession, bool) {
	t.Helper()
	c, ok, err := n.registry.Get(context.Background(), id)
	require.NoError(t, err)
	return c, ok
}

func (n *node) chatCount(t *testing.T, id domain.PeerID) int {
	t.Helper()
	chats, err := n.registry.List(context.Background())
	require.NoError(t, err)
	count := 0
	for _, c := range chats {
		if c.ID == id {
			count++
		}
	}
	return count
}

// connect opens a channel from a to b and waits for both profile syncs.
func connect(t *testing.T, a, b *node) {
	t.Helper()
	require.NoError(t, a.protocol.OpenChat(context.Background(), b.id))
	require.Eventually(t, func() bool {
		_, okA := a.chat(t, b.id)
		cb, okB := b.chat(t, a.id)
		ca, _ := a.chat(t, b.id)
		return okA && okB && ca.IsOnline && cb.IsOnline && ca.Name != string(b.id)
	}, waitFor, tick)
}
