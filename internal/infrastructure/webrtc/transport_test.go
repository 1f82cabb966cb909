package webrtc

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"chatnest/internal/core/domain"
	"chatnest/internal/core/ports"
	"chatnest/internal/infrastructure/signal"
	"chatnest/pkg/retry"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

const waitFor = 10 * time.Second

func newRendezvous(t *testing.T) string {
	t.Helper()
	srv := signal.NewWebSocketServer(signal.ServerConfig{}, nil, nil, zap.NewNop().Sugar())
	ts := httptest.NewServer(http.HandlerFunc(srv.HandleWebSocket))
	t.Cleanup(func() {
		srv.Close()
		ts.Close()
	})
	return "ws" + strings.TrimPrefix(ts.URL, "http")
}

func newTestTransport(t *testing.T, url string, id domain.PeerID, connectTimeout time.Duration) *Transport {
	t.Helper()
	log := zap.NewNop().Sugar()

	client := signal.NewClient(signal.ClientConfig{
		URL:             url,
		RegisterTimeout: 2 * time.Second,
		Reconnect:       retry.ReconnectConfig(),
	}, log)

	tr, err := NewTransport(Config{ConnectTimeout: connectTimeout}, client, log)
	require.NoError(t, err)
	t.Cleanup(func() { tr.Close() })

	if id != "" {
		require.NoError(t, tr.Register(context.Background(), id))
	}
	return tr
}

func TestTransport_RequiresRegistration(t *testing.T) {
	tr := newTestTransport(t, newRendezvous(t), "", time.Second)

	_, err := tr.ConnectData(context.Background(), "nest-222")
	assert.ErrorIs(t, err, domain.ErrNotRegistered)

	_, err = tr.Call(context.Background(), "nest-222", nil, domain.CallAudio)
	assert.ErrorIs(t, err, domain.ErrNotRegistered)
}

func TestTransport_RegisterTakenIdentity(t *testing.T) {
	url := newRendezvous(t)
	newTestTransport(t, url, "nest-111", time.Second)

	other := newTestTransport(t, url, "", time.Second)
	err := other.Register(context.Background(), "nest-111")
	assert.ErrorIs(t, err, domain.ErrIdentityTaken)
}

func TestTransport_ConnectDataUnregisteredPeer(t *testing.T) {
	tr := newTestTransport(t, newRendezvous(t), "nest-111", 5*time.Second)

	start := time.Now()
	_, err := tr.ConnectData(context.Background(), "nest-404")
	assert.ErrorIs(t, err, domain.ErrPeerUnreachable)
	assert.Less(t, time.Since(start), 5*time.Second, "unreachable should be reported before the timeout")
}

func TestTransport_ConnectDataTimesOutWithoutAnswer(t *testing.T) {
	url := newRendezvous(t)
	a := newTestTransport(t, url, "nest-111", 200*time.Millisecond)

	// A bare client holds the identity but never answers.
	silent := signal.NewClient(signal.ClientConfig{URL: url}, zap.NewNop().Sugar())
	require.NoError(t, silent.Register(context.Background(), "nest-222"))
	t.Cleanup(func() { silent.Close() })

	_, err := a.ConnectData(context.Background(), "nest-222")
	assert.ErrorIs(t, err, domain.ErrPeerUnreachable)
}

func TestTransport_DataChannelRoundTrip(t *testing.T) {
	if testing.Short() {
		t.Skip("opens real ICE sessions")
	}
	url := newRendezvous(t)
	a := newTestTransport(t, url, "nest-111", waitFor)
	b := newTestTransport(t, url, "nest-222", waitFor)

	type inbound struct {
		ch     ports.DataChannel
		remote domain.PeerID
	}
	incoming := make(chan inbound, 1)
	b.OnIncomingData(func(ch ports.DataChannel, remote domain.PeerID) {
		incoming <- inbound{ch, remote}
	})

	ch, err := a.ConnectData(context.Background(), "nest-222")
	require.NoError(t, err)
	assert.True(t, ch.IsOpen())
	assert.Equal(t, domain.PeerID("nest-222"), ch.RemoteID())

	var in inbound
	select {
	case in = <-incoming:
	case <-time.After(waitFor):
		t.Fatal("no inbound channel")
	}
	assert.Equal(t, domain.PeerID("nest-111"), in.remote)

	got := make(chan string, 4)
	in.ch.OnMessage(func(data []byte) { got <- string(data) })

	require.NoError(t, ch.Send([]byte("one")))
	require.NoError(t, ch.Send([]byte("two")))
	assert.Equal(t, "one", <-got)
	assert.Equal(t, "two", <-got)

	closed := make(chan struct{})
	in.ch.OnClose(func() { close(closed) })
	require.NoError(t, ch.Close())

	select {
	case <-closed:
	case <-time.After(waitFor):
		t.Fatal("remote side never saw the close")
	}
	assert.ErrorIs(t, ch.Send([]byte("late")), domain.ErrChannelClosed)
}

func TestTransport_DataChannelCarriesLargeFrames(t *testing.T) {
	if testing.Short() {
		t.Skip("opens real ICE sessions")
	}
	url := newRendezvous(t)
	a := newTestTransport(t, url, "nest-111", waitFor)
	b := newTestTransport(t, url, "nest-222", waitFor)

	incoming := make(chan ports.DataChannel, 1)
	b.OnIncomingData(func(ch ports.DataChannel, _ domain.PeerID) { incoming <- ch })

	ch, err := a.ConnectData(context.Background(), "nest-222")
	require.NoError(t, err)

	var in ports.DataChannel
	select {
	case in = <-incoming:
	case <-time.After(waitFor):
		t.Fatal("no inbound channel")
	}
	got := make(chan []byte, 4)
	in.OnMessage(func(data []byte) { got <- data })

	big := []byte(`{"type":"message","media":"` + strings.Repeat("A", 512*1024) + `"}`)
	require.NoError(t, ch.Send(big))
	require.NoError(t, ch.Send([]byte("after")))

	for _, want := range [][]byte{big, []byte("after")} {
		select {
		case data := <-got:
			assert.Equal(t, len(want), len(data))
			assert.True(t, string(want) == string(data), "frame reassembled intact")
		case <-time.After(waitFor):
			t.Fatal("frame never arrived")
		}
	}

	assert.ErrorIs(t, ch.Send(make([]byte, domain.MaxFrameBytes+1)), domain.ErrFrameTooLarge)
	assert.True(t, ch.IsOpen(), "an oversized frame does not close the channel")
}

func acquire(t *testing.T, kind domain.CallKind) ports.MediaStream {
	t.Helper()
	stream, err := newTestMediaSource(t, true, true).Acquire(context.Background(), kind)
	require.NoError(t, err)
	t.Cleanup(stream.Stop)
	return stream
}

// ringer collects incoming calls.
type ringer struct {
	calls chan ports.IncomingCall
}

func newRinger(tr *Transport) *ringer {
	r := &ringer{calls: make(chan ports.IncomingCall, 1)}
	tr.OnIncomingCall(func(in ports.IncomingCall) { r.calls <- in })
	return r
}

func (r *ringer) next(t *testing.T) ports.IncomingCall {
	t.Helper()
	select {
	case in := <-r.calls:
		return in
	case <-time.After(waitFor):
		t.Fatal("no incoming call")
		return ports.IncomingCall{}
	}
}

func closeReason(h ports.CallHandle) <-chan string {
	ch := make(chan string, 1)
	h.OnClose(func(reason string) { ch <- reason })
	return ch
}

func awaitReason(t *testing.T, ch <-chan string) string {
	t.Helper()
	select {
	case r := <-ch:
		return r
	case <-time.After(waitFor):
		t.Fatal("handle never closed")
		return ""
	}
}

func TestTransport_CallAnswerAndHangup(t *testing.T) {
	url := newRendezvous(t)
	a := newTestTransport(t, url, "nest-111", waitFor)
	b := newTestTransport(t, url, "nest-222", waitFor)
	rb := newRinger(b)

	stream := acquire(t, domain.CallVideo)
	h, err := a.Call(context.Background(), "nest-222", stream, domain.CallVideo)
	require.NoError(t, err)

	answered := make(chan struct{})
	var once sync.Once
	h.OnAnswered(func() { once.Do(func() { close(answered) }) })

	in := rb.next(t)
	assert.Equal(t, domain.PeerID("nest-111"), in.From)
	assert.Equal(t, domain.CallVideo, in.Kind)
	assert.Equal(t, h.ID(), in.ID)

	callee, err := in.Accept(context.Background(), acquire(t, domain.CallVideo))
	require.NoError(t, err)
	assert.Equal(t, domain.PeerID("nest-111"), callee.Remote())

	select {
	case <-answered:
	case <-time.After(waitFor):
		t.Fatal("caller never saw the answer")
	}

	calleeClosed := closeReason(callee)
	require.NoError(t, h.Close())
	assert.Equal(t, ReasonRemoteHangup, awaitReason(t, calleeClosed))
	assert.Equal(t, ReasonLocalHangup, awaitReason(t, closeReason(h)))

	assert.ErrorIs(t, in.Reject(), domain.ErrInvalidCallState)
}

func TestTransport_CallDeclined(t *testing.T) {
	tests := []struct {
		name    string
		decline func(ports.IncomingCall) error
		reason  string
	}{
		{name: "reject", decline: func(in ports.IncomingCall) error { return in.Reject() }, reason: ReasonRejected},
		{name: "busy", decline: func(in ports.IncomingCall) error { return in.Busy() }, reason: ReasonBusy},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			url := newRendezvous(t)
			a := newTestTransport(t, url, "nest-111", waitFor)
			b := newTestTransport(t, url, "nest-222", waitFor)
			rb := newRinger(b)

			h, err := a.Call(context.Background(), "nest-222", acquire(t, domain.CallAudio), domain.CallAudio)
			require.NoError(t, err)
			closed := closeReason(h)

			in := rb.next(t)
			require.NoError(t, tt.decline(in))
			assert.Equal(t, tt.reason, awaitReason(t, closed))

			_, err = in.Accept(context.Background(), acquire(t, domain.CallAudio))
			assert.ErrorIs(t, err, domain.ErrInvalidCallState)
		})
	}
}

func TestTransport_CallerCancelsWhileRinging(t *testing.T) {
	url := newRendezvous(t)
	a := newTestTransport(t, url, "nest-111", waitFor)
	b := newTestTransport(t, url, "nest-222", waitFor)
	rb := newRinger(b)

	h, err := a.Call(context.Background(), "nest-222", acquire(t, domain.CallAudio), domain.CallAudio)
	require.NoError(t, err)

	in := rb.next(t)
	require.NoError(t, h.Close())

	select {
	case <-in.Cancelled:
	case <-time.After(waitFor):
		t.Fatal("callee never saw the cancel")
	}

	_, err = in.Accept(context.Background(), acquire(t, domain.CallAudio))
	assert.ErrorIs(t, err, domain.ErrChannelClosed)
}

func TestTransport_CallUnreachable(t *testing.T) {
	a := newTestTransport(t, newRendezvous(t), "nest-111", waitFor)

	h, err := a.Call(context.Background(), "nest-404", acquire(t, domain.CallAudio), domain.CallAudio)
	require.NoError(t, err)
	assert.Equal(t, ReasonUnreachable, awaitReason(t, closeReason(h)))
}
