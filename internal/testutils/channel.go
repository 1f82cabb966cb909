package testutils

import (
	"sync"

	"chatnest/internal/core/domain"
	"chatnest/internal/core/ports"
)

// Channel is one end of an in-memory, ordered data channel. Frames sent
// before the receiver installs OnMessage are buffered.
type Channel struct {
	local, remote domain.PeerID
	peer          *Channel

	mu      sync.Mutex
	handler func([]byte)
	onClose func()
	queue   [][]byte
	open    bool
	sent    [][]byte
	limit   int
	broken  bool

	wake chan struct{}
	done chan struct{}
	once sync.Once
}

var _ ports.DataChannel = (*Channel)(nil)

// NewChannelPair returns two connected, open ends.
func NewChannelPair(a, b domain.PeerID) (*Channel, *Channel) {
	ca := newChannel(a, b)
	cb := newChannel(b, a)
	ca.peer, cb.peer = cb, ca
	go ca.pump()
	go cb.pump()
	return ca, cb
}

// NewBrokenChannel returns an end that reports open but fails every Send,
// like a transport whose connection died without a close event.
func NewBrokenChannel(remote domain.PeerID) *Channel {
	ours, _ := NewChannelPair("", remote)
	ours.broken = true
	return ours
}

func newChannel(local, remote domain.PeerID) *Channel {
	return &Channel{
		local:  local,
		remote: remote,
		open:   true,
		limit:  domain.MaxFrameBytes,
		wake:   make(chan struct{}, 1),
		done:   make(chan struct{}),
	}
}

func (c *Channel) RemoteID() domain.PeerID {
	return c.remote
}

func (c *Channel) Send(data []byte) error {
	c.mu.Lock()
	if !c.open {
		c.mu.Unlock()
		return domain.ErrChannelClosed
	}
	if c.broken {
		c.mu.Unlock()
		return domain.ErrChannelClosed
	}
	if len(data) > c.limit {
		c.mu.Unlock()
		return domain.ErrFrameTooLarge
	}
	cp := append([]byte(nil), data...)
	c.sent = append(c.sent, cp)
	c.mu.Unlock()

	c.peer.enqueue(cp)
	return nil
}

// SetFrameLimit lowers the largest frame Send accepts on this end.
func (c *Channel) SetFrameLimit(n int) {
	c.mu.Lock()
	c.limit = n
	c.mu.Unlock()
}

// Sent returns every frame written on this end.
func (c *Channel) Sent() [][]byte {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([][]byte(nil), c.sent...)
}

func (c *Channel) OnMessage(handler func(data []byte)) {
	c.mu.Lock()
	c.handler = handler
	c.mu.Unlock()
	c.signal()
}

func (c *Channel) OnClose(handler func()) {
	c.mu.Lock()
	open := c.open
	c.onClose = handler
	c.mu.Unlock()
	if !open {
		go handler()
	}
}

func (c *Channel) IsOpen() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.open
}

// Close shuts both ends; each end's OnClose fires once.
func (c *Channel) Close() error {
	c.shutdown()
	c.peer.shutdown()
	return nil
}

func (c *Channel) shutdown() {
	c.once.Do(func() {
		c.mu.Lock()
		c.open = false
		h := c.onClose
		c.mu.Unlock()
		close(c.done)
		if h != nil {
			go h()
		}
	})
}

func (c *Channel) enqueue(data []byte) {
	c.mu.Lock()
	c.queue = append(c.queue, data)
	c.mu.Unlock()
	c.signal()
}

func (c *Channel) signal() {
	select {
	case c.wake <- struct{}{}:
	default:
	}
}

func (c *Channel) pump() {
	for {
		select {
		case <-c.done:
			return
		case <-c.wake:
		}
		for {
			c.mu.Lock()
			if c.handler == nil || len(c.queue) == 0 {
				c.mu.Unlock()
				break
			}
			h := c.handler
			frame := c.queue[0]
			c.queue = c.queue[1:]
			c.mu.Unlock()
			h(frame)
		}
	}
}
