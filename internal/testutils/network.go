// Package testutils provides in-process fakes of the transport, media and
// presentation collaborators.
package testutils

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"

	"chatnest/internal/core/domain"
	"chatnest/internal/core/ports"
)

// Network is a fake rendezvous service connecting Transports in memory.
type Network struct {
	mu    sync.Mutex
	nodes map[domain.PeerID]*Transport
	seq   atomic.Int64
}

func NewNetwork() *Network {
	return &Network{nodes: make(map[domain.PeerID]*Transport)}
}

// NewTransport returns an unregistered transport attached to the network.
func (n *Network) NewTransport() *Transport {
	return &Transport{net: n}
}

func (n *Network) lookup(id domain.PeerID) (*Transport, bool) {
	n.mu.Lock()
	defer n.mu.Unlock()
	t, ok := n.nodes[id]
	return t, ok
}

func (n *Network) nextID(prefix string) string {
	return fmt.Sprintf("%s-%d", prefix, n.seq.Add(1))
}

// Transport implements ports.SignalingTransport against a Network.
type Transport struct {
	net *Network

	mu     sync.Mutex
	id     domain.PeerID
	onData ports.DataHandler
	onCall ports.CallHandler
	closed bool

	// Unreachable makes every ConnectData and Call from this transport fail.
	Unreachable atomic.Bool
	connects    atomic.Int32
}

var _ ports.SignalingTransport = (*Transport)(nil)

func (t *Transport) Register(ctx context.Context, id domain.PeerID) error {
	t.net.mu.Lock()
	defer t.net.mu.Unlock()
	if holder, ok := t.net.nodes[id]; ok && holder != t {
		return domain.ErrIdentityTaken
	}
	t.net.nodes[id] = t
	t.mu.Lock()
	if t.id != "" && t.id != id {
		delete(t.net.nodes, t.id)
	}
	t.id = id
	t.closed = false
	t.mu.Unlock()
	return nil
}

func (t *Transport) LocalID() domain.PeerID {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.id
}

// ConnectCount reports how many ConnectData calls were made.
func (t *Transport) ConnectCount() int {
	return int(t.connects.Load())
}

func (t *Transport) ConnectData(ctx context.Context, target domain.PeerID) (ports.DataChannel, error) {
	t.connects.Add(1)
	local := t.LocalID()
	if local == "" {
		return nil, domain.ErrNotRegistered
	}
	remote, ok := t.net.lookup(target)
	if !ok || t.Unreachable.Load() {
		return nil, domain.ErrPeerUnreachable
	}
	remote.mu.Lock()
	handler := remote.onData
	remote.mu.Unlock()
	if handler == nil {
		return nil, domain.ErrPeerUnreachable
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	ours, theirs := NewChannelPair(local, target)
	go handler(theirs, local)
	return ours, nil
}

func (t *Transport) OnIncomingData(handler ports.DataHandler) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.onData = handler
}

func (t *Transport) OnIncomingCall(handler ports.CallHandler) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.onCall = handler
}

// Call rings target. The returned handle fires OnAnswered once the callee
// accepts and closes with "rejected" or "busy" if it declines.
func (t *Transport) Call(ctx context.Context, target domain.PeerID, stream ports.MediaStream, kind domain.CallKind) (ports.CallHandle, error) {
	local := t.LocalID()
	remote, ok := t.net.lookup(target)
	if !ok || t.Unreachable.Load() {
		return nil, domain.ErrPeerUnreachable
	}
	remote.mu.Lock()
	handler := remote.onCall
	remote.mu.Unlock()
	if handler == nil {
		return nil, domain.ErrPeerUnreachable
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	callID := t.net.nextID("call")
	caller := newCallHandle(callID, target)
	cancelled := make(chan struct{})
	caller.onLocalClose = func() { closeOnce(cancelled) }

	var decided atomic.Bool
	in := ports.IncomingCall{
		ID:   callID,
		From: local,
		Kind: kind,
		Accept: func(ctx context.Context, _ ports.MediaStream) (ports.CallHandle, error) {
			if !decided.CompareAndSwap(false, true) {
				return nil, domain.ErrInvalidCallState
			}
			if caller.isClosed() {
				return nil, domain.ErrPeerUnreachable
			}
			callee := newCallHandle(callID, local)
			link(caller, callee)
			caller.answer()
			return callee, nil
		},
		Reject: func() error {
			if decided.CompareAndSwap(false, true) {
				caller.closeWith("rejected")
			}
			return nil
		},
		Busy: func() error {
			if decided.CompareAndSwap(false, true) {
				caller.closeWith("busy")
			}
			return nil
		},
		Cancelled: cancelled,
	}
	go handler(in)
	return caller, nil
}

// Drop unregisters the transport, as if its rendezvous socket died.
func (t *Transport) Drop() {
	id := t.LocalID()
	t.net.mu.Lock()
	if t.net.nodes[id] == t {
		delete(t.net.nodes, id)
	}
	t.net.mu.Unlock()
}

func (t *Transport) Close() error {
	t.Drop()
	t.mu.Lock()
	t.closed = true
	t.mu.Unlock()
	return nil
}

func closeOnce(ch chan struct{}) {
	select {
	case <-ch:
	default:
		close(ch)
	}
}
