package services

import (
	"context"
	"strings"
	"testing"

	"chatnest/internal/core/domain"
	"chatnest/internal/infrastructure/repositories"
	"chatnest/internal/testutils"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestProtocol_EndToEndMessageLifecycle(t *testing.T) {
	net := testutils.NewNetwork()
	a := newNode(t, net, "111")
	b := newNode(t, net, "222")
	require.Equal(t, domain.PeerID("nest-111"), a.id)
	require.Equal(t, domain.PeerID("nest-222"), b.id)
	connect(t, a, b)
	ctx := context.Background()

	sent, err := a.protocol.SendMessage(ctx, b.id, "hi", nil)
	require.NoError(t, err)
	assert.Equal(t, domain.MessageSent, sent.Status)

	require.Eventually(t, func() bool { return len(b.messages(t, a.id)) == 1 }, waitFor, tick)
	got := b.messages(t, a.id)[0]
	assert.Equal(t, sent.ID, got.ID)
	assert.Equal(t, a.id, got.ChatID)
	assert.Equal(t, a.id, got.SenderID)
	assert.Equal(t, "hi", got.Text)
	assert.Equal(t, domain.MessageDelivered, got.Status)

	_, err = a.protocol.EditMessage(ctx, b.id, sent.ID, "hi!")
	require.NoError(t, err)
	require.Eventually(t, func() bool {
		msgs := b.messages(t, a.id)
		return len(msgs) == 1 && msgs[0].Text == "hi!" && msgs[0].Edited
	}, waitFor, tick)

	require.NoError(t, a.protocol.DeleteMessage(ctx, b.id, sent.ID))
	require.Eventually(t, func() bool { return len(b.messages(t, a.id)) == 0 }, waitFor, tick)
	assert.Empty(t, a.messages(t, b.id))
}

func TestProtocol_ProfileSyncCreatesSingleSession(t *testing.T) {
	net := testutils.NewNetwork()
	a := newNode(t, net, "111")
	b := newNode(t, net, "222")

	_, known := b.chat(t, a.id)
	require.False(t, known)

	connect(t, a, b)
	assert.Equal(t, 1, b.chatCount(t, a.id))

	chats, err := b.registry.List(context.Background())
	require.NoError(t, err)
	assert.Len(t, chats, 2, "assistant chat plus nest-111")
}

// greet applies the profile_sync every channel opens with.
func greet(t *testing.T, n *node, sender domain.PeerID) {
	t.Helper()
	require.NoError(t, n.protocol.Apply(context.Background(), sender, domain.ProfileSync(domain.Profile{Name: string(sender)})))
}

func TestProtocol_ApplyMessageIsIdempotent(t *testing.T) {
	b := newNode(t, testutils.NewNetwork(), "222")
	ctx := context.Background()
	sender := domain.PeerID("nest-111")
	greet(t, b, sender)

	env := domain.NewMessageEnvelope(domain.Message{ID: "m1", Text: "hi", Timestamp: 1})
	require.NoError(t, b.protocol.Apply(ctx, sender, env))
	require.NoError(t, b.protocol.Apply(ctx, sender, env))

	assert.Len(t, b.messages(t, sender), 1)
}

func TestProtocol_SenderIdentityComesFromChannel(t *testing.T) {
	b := newNode(t, testutils.NewNetwork(), "222")
	ctx := context.Background()
	sender := domain.PeerID("nest-111")
	greet(t, b, sender)

	spoofed := domain.Message{ID: "m1", ChatID: "nest-333", SenderID: "nest-333", Text: "hi", Timestamp: 1}
	require.NoError(t, b.protocol.Apply(ctx, sender, domain.NewMessageEnvelope(spoofed)))

	assert.Empty(t, b.messages(t, "nest-333"))
	msgs := b.messages(t, sender)
	require.Len(t, msgs, 1)
	assert.Equal(t, sender, msgs[0].SenderID)

	profile := domain.Profile{ID: "nest-333", Name: "Mallory"}
	require.NoError(t, b.protocol.Apply(ctx, sender, domain.ProfileSync(profile)))
	_, ok := b.chat(t, "nest-333")
	assert.False(t, ok)
	c, ok := b.chat(t, sender)
	require.True(t, ok)
	assert.Equal(t, "Mallory", c.Name)
}

func TestProtocol_ProfileSyncUpsertsLatestFields(t *testing.T) {
	b := newNode(t, testutils.NewNetwork(), "222")
	ctx := context.Background()
	sender := domain.PeerID("nest-111")

	require.NoError(t, b.protocol.Apply(ctx, sender, domain.ProfileSync(domain.Profile{Name: "Alice", Bio: "one"})))
	require.NoError(t, b.protocol.Apply(ctx, sender, domain.ProfileSync(domain.Profile{Name: "Alice B.", Bio: "two"})))

	assert.Equal(t, 1, b.chatCount(t, sender))
	c, _ := b.chat(t, sender)
	assert.Equal(t, "Alice B.", c.Name)
	assert.Equal(t, "two", c.Bio)
	assert.True(t, c.IsOnline)
}

func TestProtocol_EditAndDeleteEdgeCases(t *testing.T) {
	b := newNode(t, testutils.NewNetwork(), "222")
	ctx := context.Background()
	sender := domain.PeerID("nest-111")
	greet(t, b, sender)
	greet(t, b, "nest-333")

	t.Run("edit before create is a no-op", func(t *testing.T) {
		require.NoError(t, b.protocol.Apply(ctx, sender, domain.EditEnvelope("ghost", "boo")))
		_, err := b.store.GetMessage(ctx, sender, "ghost")
		assert.ErrorIs(t, err, domain.ErrMessageNotFound)
	})

	t.Run("delete is idempotent", func(t *testing.T) {
		require.NoError(t, b.protocol.Apply(ctx, sender, domain.NewMessageEnvelope(domain.Message{ID: "m1", Text: "hi"})))
		require.NoError(t, b.protocol.Apply(ctx, sender, domain.DeleteEnvelope("m1")))
		require.NoError(t, b.protocol.Apply(ctx, sender, domain.DeleteEnvelope("m1")))
		assert.Empty(t, b.messages(t, sender))
	})

	t.Run("other peers cannot edit or delete", func(t *testing.T) {
		require.NoError(t, b.protocol.Apply(ctx, sender, domain.NewMessageEnvelope(domain.Message{ID: "m2", Text: "mine"})))
		require.NoError(t, b.protocol.Apply(ctx, "nest-333", domain.EditEnvelope("m2", "hijacked")))
		require.NoError(t, b.protocol.Apply(ctx, "nest-333", domain.DeleteEnvelope("m2")))

		msg, err := b.store.GetMessage(ctx, sender, "m2")
		require.NoError(t, err)
		assert.Equal(t, "mine", msg.Text)
		assert.False(t, msg.Edited)
	})

	t.Run("peer cannot edit our messages", func(t *testing.T) {
		own := domain.Message{ID: "m3", ChatID: sender, SenderID: b.id, Text: "from b", Status: domain.MessageSent}
		require.NoError(t, b.store.SaveMessage(ctx, own))
		require.NoError(t, b.protocol.Apply(ctx, sender, domain.EditEnvelope("m3", "rewritten")))

		msg, err := b.store.GetMessage(ctx, sender, "m3")
		require.NoError(t, err)
		assert.Equal(t, "from b", msg.Text)
	})
}

func TestProtocol_ReactionToggles(t *testing.T) {
	b := newNode(t, testutils.NewNetwork(), "222")
	ctx := context.Background()
	sender := domain.PeerID("nest-111")

	own := domain.Message{ID: "m1", ChatID: sender, SenderID: b.id, Text: "hello", Status: domain.MessageSent}
	require.NoError(t, b.store.SaveMessage(ctx, own))

	require.NoError(t, b.protocol.Apply(ctx, sender, domain.ReactionEnvelope("m1", "👍")))
	msg, err := b.store.GetMessage(ctx, sender, "m1")
	require.NoError(t, err)
	assert.Equal(t, []domain.PeerID{sender}, msg.Reactions["👍"])

	require.NoError(t, b.protocol.Apply(ctx, "nest-333", domain.ReactionEnvelope("m1", "👎")))
	msg, _ = b.store.GetMessage(ctx, sender, "m1")
	assert.NotContains(t, msg.Reactions, "👎")

	require.NoError(t, b.protocol.Apply(ctx, sender, domain.ReactionEnvelope("m1", "👍")))
	msg, _ = b.store.GetMessage(ctx, sender, "m1")
	assert.Empty(t, msg.Reactions)
}

func TestProtocol_ApplyRejectsMissingPayload(t *testing.T) {
	b := newNode(t, testutils.NewNetwork(), "222")
	err := b.protocol.Apply(context.Background(), "nest-111", domain.Envelope{Type: domain.EnvelopeMessage})
	assert.Error(t, err)
}

func TestProtocol_UnreadAndActiveChat(t *testing.T) {
	net := testutils.NewNetwork()
	a := newNode(t, net, "111")
	b := newNode(t, net, "222")
	connect(t, a, b)
	ctx := context.Background()

	_, err := a.protocol.SendMessage(ctx, b.id, "first", nil)
	require.NoError(t, err)
	require.Eventually(t, func() bool {
		c, _ := b.chat(t, a.id)
		return c.UnreadCount == 1 && c.LastMessage == "first"
	}, waitFor, tick)

	msgs, err := b.protocol.SetActiveChat(ctx, a.id)
	require.NoError(t, err)
	assert.Len(t, msgs, 1)
	c, _ := b.chat(t, a.id)
	assert.Zero(t, c.UnreadCount)

	_, err = a.protocol.SendMessage(ctx, b.id, "second", nil)
	require.NoError(t, err)
	require.Eventually(t, func() bool {
		for _, m := range b.sink.Transcript() {
			if m.Text == "second" {
				return true
			}
		}
		return false
	}, waitFor, tick)
	c, _ = b.chat(t, a.id)
	assert.Zero(t, c.UnreadCount)
}

func TestProtocol_SendToUnreachablePeerKeepsMessage(t *testing.T) {
	a := newNode(t, testutils.NewNetwork(), "111")
	ctx := context.Background()
	require.ErrorIs(t, a.protocol.OpenChat(ctx, "nest-999"), domain.ErrPeerUnreachable)
	_, ok := a.chat(t, "nest-999")
	require.True(t, ok, "session is kept for an offline peer")

	msg, err := a.protocol.SendMessage(ctx, "nest-999", "anyone?", nil)
	assert.ErrorIs(t, err, domain.ErrPeerUnreachable)
	assert.Equal(t, domain.MessageFailed, msg.Status)

	stored := a.messages(t, "nest-999")
	require.Len(t, stored, 1)
	assert.Equal(t, domain.MessageFailed, stored[0].Status)
	assert.Equal(t, 2, a.transport.ConnectCount(), "one attempt from OpenChat, one from the send")
	assert.Equal(t, 1, a.metrics.Snapshot().Failed[domain.EnvelopeMessage])
}

func TestProtocol_ReconnectsOnceAfterChannelLoss(t *testing.T) {
	net := testutils.NewNetwork()
	a := newNode(t, net, "111")
	b := newNode(t, net, "222")
	connect(t, a, b)
	ctx := context.Background()

	ch, ok := a.protocol.Channels().Get(b.id)
	require.True(t, ok)
	require.NoError(t, ch.Close())
	require.Eventually(t, func() bool {
		c, _ := b.chat(t, a.id)
		return !c.IsOnline
	}, waitFor, tick)

	before := a.transport.ConnectCount()
	msg, err := a.protocol.SendMessage(ctx, b.id, "still there?", nil)
	require.NoError(t, err)
	assert.Equal(t, domain.MessageSent, msg.Status)
	assert.Equal(t, before+1, a.transport.ConnectCount())

	require.Eventually(t, func() bool { return len(b.messages(t, a.id)) == 1 }, waitFor, tick)
}

func TestProtocol_ProfileUpdateIsBroadcast(t *testing.T) {
	net := testutils.NewNetwork()
	a := newNode(t, net, "111")
	b := newNode(t, net, "222")
	connect(t, a, b)

	_, err := a.identity.Update(context.Background(), func(p *domain.Profile) {
		p.Name = "Alice"
		p.Bio = "new bio"
	})
	require.NoError(t, err)

	require.Eventually(t, func() bool {
		c, _ := b.chat(t, a.id)
		return c.Name == "Alice" && c.Bio == "new bio"
	}, waitFor, tick)
}

func TestProtocol_OwnershipOfOutboundEdits(t *testing.T) {
	b := newNode(t, testutils.NewNetwork(), "222")
	ctx := context.Background()
	sender := domain.PeerID("nest-111")
	greet(t, b, sender)
	require.NoError(t, b.protocol.Apply(ctx, sender, domain.NewMessageEnvelope(domain.Message{ID: "m1", Text: "theirs"})))

	_, err := b.protocol.EditMessage(ctx, sender, "m1", "mine now")
	assert.ErrorIs(t, err, domain.ErrNotMessageOwner)

	// deleting a received message is local only
	require.NoError(t, b.protocol.DeleteMessage(ctx, sender, "m1"))
	assert.Empty(t, b.messages(t, sender))
	assert.Zero(t, b.transport.ConnectCount())
	assert.NoError(t, b.protocol.DeleteMessage(ctx, sender, "m1"))
}

func TestProtocol_DeleteChatIsTransactional(t *testing.T) {
	net := testutils.NewNetwork()
	a := newNode(t, net, "111")
	b := newNode(t, net, "222")
	connect(t, a, b)
	ctx := context.Background()

	_, err := a.protocol.SendMessage(ctx, b.id, "bye", nil)
	require.NoError(t, err)
	_, err = a.protocol.SetActiveChat(ctx, b.id)
	require.NoError(t, err)

	require.NoError(t, a.protocol.DeleteChat(ctx, b.id))
	_, ok := a.chat(t, b.id)
	assert.False(t, ok)
	assert.Empty(t, a.messages(t, b.id))
	assert.Empty(t, a.protocol.ActiveChat())
}

func TestProtocol_EmptyMessageRejected(t *testing.T) {
	a := newNode(t, testutils.NewNetwork(), "111")
	_, err := a.protocol.SendMessage(context.Background(), "nest-222", "", nil)
	assert.ErrorIs(t, err, domain.ErrEmptyMessage)
	assert.Zero(t, a.transport.ConnectCount())
}

func TestProtocol_MessageIDsAreScopedToSender(t *testing.T) {
	b := newNode(t, testutils.NewNetwork(), "222")
	ctx := context.Background()
	greet(t, b, "nest-111")
	greet(t, b, "nest-333")

	require.NoError(t, b.protocol.Apply(ctx, "nest-111", domain.NewMessageEnvelope(domain.Message{ID: "m1", Text: "from 111"})))
	require.NoError(t, b.protocol.Apply(ctx, "nest-333", domain.NewMessageEnvelope(domain.Message{ID: "m1", Text: "from 333"})))
	assert.Len(t, b.messages(t, "nest-111"), 1)
	assert.Len(t, b.messages(t, "nest-333"), 1)

	require.NoError(t, b.protocol.Apply(ctx, "nest-333", domain.EditEnvelope("m1", "edited by 333")))
	assert.Equal(t, "edited by 333", b.messages(t, "nest-333")[0].Text)
	assert.Equal(t, "from 111", b.messages(t, "nest-111")[0].Text)

	require.NoError(t, b.protocol.Apply(ctx, "nest-333", domain.DeleteEnvelope("m1")))
	assert.Empty(t, b.messages(t, "nest-333"))
	assert.Len(t, b.messages(t, "nest-111"), 1)
}

func TestProtocol_DropsMessagesForDeletedChat(t *testing.T) {
	b := newNode(t, testutils.NewNetwork(), "222")
	ctx := context.Background()
	sender := domain.PeerID("nest-111")
	greet(t, b, sender)
	require.NoError(t, b.protocol.DeleteChat(ctx, sender))

	require.NoError(t, b.protocol.Apply(ctx, sender, domain.NewMessageEnvelope(domain.Message{ID: "m1", Text: "late"})))

	_, ok := b.chat(t, sender)
	assert.False(t, ok, "a stray message does not resurrect the chat")
	n, err := b.store.CountMessages(ctx)
	require.NoError(t, err)
	assert.Zero(t, n)
}

func TestProtocol_SanitizesInboundMessages(t *testing.T) {
	b := newNode(t, testutils.NewNetwork(), "222")
	ctx := context.Background()
	sender := domain.PeerID("nest-111")
	greet(t, b, sender)

	require.NoError(t, b.protocol.Apply(ctx, sender, domain.NewMessageEnvelope(domain.Message{Text: "no id"})))
	require.NoError(t, b.protocol.Apply(ctx, sender, domain.NewMessageEnvelope(domain.Message{
		ID:        "m1",
		Text:      "hi",
		Reactions: map[string][]domain.PeerID{"👍": {"nest-222", "nest-999"}},
	})))
	require.NoError(t, b.protocol.Apply(ctx, sender, domain.NewMessageEnvelope(domain.Message{ID: "m2", Text: "also kept"})))

	msgs := b.messages(t, sender)
	require.Len(t, msgs, 2)
	assert.Empty(t, msgs[0].Reactions)
	assert.Equal(t, "also kept", msgs[1].Text)
}

func TestProtocol_OversizedFrameDoesNotReconnect(t *testing.T) {
	net := testutils.NewNetwork()
	a := newNode(t, net, "111")
	b := newNode(t, net, "222")
	connect(t, a, b)
	ctx := context.Background()

	ch, ok := a.protocol.Channels().Get(b.id)
	require.True(t, ok)
	ch.(*testutils.Channel).SetFrameLimit(512)

	before := a.transport.ConnectCount()
	msg, err := a.protocol.SendMessage(ctx, b.id, strings.Repeat("x", 1024), nil)
	assert.ErrorIs(t, err, domain.ErrFrameTooLarge)
	assert.Equal(t, domain.MessageFailed, msg.Status)
	assert.Equal(t, before, a.transport.ConnectCount())
	assert.True(t, ch.IsOpen())

	_, err = a.protocol.SendMessage(ctx, b.id, "short", nil)
	require.NoError(t, err)
	require.Eventually(t, func() bool { return len(b.messages(t, a.id)) == 1 }, waitFor, tick)
}

func TestProtocol_FailedChannelIsClosedBeforeReconnect(t *testing.T) {
	net := testutils.NewNetwork()
	a := newNode(t, net, "111")
	b := newNode(t, net, "222")
	connect(t, a, b)
	ctx := context.Background()

	stale := testutils.NewBrokenChannel(b.id)
	a.protocol.Channels().Put(b.id, stale)

	_, err := a.protocol.SendMessage(ctx, b.id, "hello", nil)
	require.NoError(t, err)
	assert.False(t, stale.IsOpen(), "the failed channel is closed, not leaked")
	require.Eventually(t, func() bool { return len(b.messages(t, a.id)) == 1 }, waitFor, tick)
}

func TestProtocol_RebindAfterTakenIdentity(t *testing.T) {
	net := testutils.NewNetwork()
	holder := newNode(t, net, "111")
	c := newNode(t, net, "333")
	ctx := context.Background()

	_, err := c.protocol.Rebind(ctx, "111")
	assert.ErrorIs(t, err, domain.ErrIdentityTaken)
	assert.Equal(t, domain.PeerID("nest-333"), c.identity.ID(), "a taken identity is not adopted")

	_, err = c.protocol.Rebind(ctx, " ")
	assert.Error(t, err)

	p, err := c.protocol.Rebind(ctx, "444")
	require.NoError(t, err)
	assert.Equal(t, domain.PeerID("nest-444"), p.ID)
	assert.Equal(t, p.ID, c.transport.LocalID())

	stored, err := repositories.NewKVProfileRepository(c.kv).Load(ctx)
	require.NoError(t, err)
	assert.Equal(t, p.ID, stored.ID)

	require.NoError(t, holder.protocol.OpenChat(ctx, "nest-444"))
	assert.ErrorIs(t, holder.protocol.OpenChat(ctx, "nest-333"), domain.ErrPeerUnreachable)
}
