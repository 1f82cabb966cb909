package webrtc

import (
	"sync"

	"chatnest/internal/core/domain"
	"chatnest/internal/core/ports"

	"github.com/pion/webrtc/v3"
)

const dataChannelLabel = "chat"

// Frames above maxChunkBytes are split so each SCTP message stays within the
// size every peer accepts. Each chunk starts with a marker byte that JSON
// frames never start with.
const (
	maxChunkBytes      = 16 * 1024
	chunkMore     byte = 0x1e
	chunkLast     byte = 0x1f
)

// dataChannel adapts a pion data channel to ports.DataChannel. It owns its
// peer connection: closing one closes the other.
type dataChannel struct {
	remote  domain.PeerID
	dc      *webrtc.DataChannel
	release func(notify bool)

	opened   chan struct{}
	openOnce sync.Once

	sendMu sync.Mutex

	deliverMu sync.Mutex
	partial   []byte
	dropping  bool

	mu      sync.Mutex
	handler func([]byte)
	backlog [][]byte
	onClose []func()
	closed  bool
}

var _ ports.DataChannel = (*dataChannel)(nil)

func newDataChannel(remote domain.PeerID, dc *webrtc.DataChannel, release func(notify bool)) *dataChannel {
	ch := &dataChannel{
		remote:  remote,
		dc:      dc,
		release: release,
		opened:  make(chan struct{}),
	}

	dc.OnOpen(func() {
		ch.openOnce.Do(func() { close(ch.opened) })
	})
	dc.OnMessage(func(msg webrtc.DataChannelMessage) {
		ch.receive(msg.Data)
	})
	dc.OnClose(func() {
		ch.shutdown(false)
	})
	return ch
}

func (c *dataChannel) RemoteID() domain.PeerID {
	return c.remote
}

// Send writes one frame, in chunks when it is large. Chunks of concurrent
// sends never interleave.
func (c *dataChannel) Send(data []byte) error {
	if len(data) > domain.MaxFrameBytes {
		return domain.ErrFrameTooLarge
	}
	if !c.IsOpen() {
		return domain.ErrChannelClosed
	}

	c.sendMu.Lock()
	defer c.sendMu.Unlock()

	if len(data) <= maxChunkBytes && !isChunk(data) {
		return c.write(data)
	}
	for len(data) > 0 {
		n := maxChunkBytes - 1
		marker := chunkMore
		if len(data) <= n {
			n = len(data)
			marker = chunkLast
		}
		chunk := make([]byte, 0, n+1)
		chunk = append(chunk, marker)
		chunk = append(chunk, data[:n]...)
		if err := c.write(chunk); err != nil {
			return err
		}
		data = data[n:]
	}
	return nil
}

func (c *dataChannel) write(data []byte) error {
	if err := c.dc.Send(data); err != nil {
		return domain.ErrChannelClosed
	}
	return nil
}

func isChunk(data []byte) bool {
	return len(data) > 0 && (data[0] == chunkMore || data[0] == chunkLast)
}

// OnMessage sets the receiver. Frames that arrived before it was set are
// replayed first, in order.
func (c *dataChannel) OnMessage(handler func(data []byte)) {
	c.deliverMu.Lock()
	defer c.deliverMu.Unlock()

	c.mu.Lock()
	c.handler = handler
	backlog := c.backlog
	c.backlog = nil
	c.mu.Unlock()

	for _, data := range backlog {
		handler(data)
	}
}

func (c *dataChannel) OnClose(handler func()) {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		go handler()
		return
	}
	c.onClose = append(c.onClose, handler)
	c.mu.Unlock()
}

func (c *dataChannel) IsOpen() bool {
	c.mu.Lock()
	closed := c.closed
	c.mu.Unlock()
	return !closed && c.dc.ReadyState() == webrtc.DataChannelStateOpen
}

func (c *dataChannel) Close() error {
	c.shutdown(true)
	return nil
}

// receive reassembles chunked frames. A frame that grows past MaxFrameBytes
// is discarded up to its last chunk.
func (c *dataChannel) receive(data []byte) {
	if !isChunk(data) {
		c.deliver(data)
		return
	}

	c.deliverMu.Lock()
	last := data[0] == chunkLast
	if !c.dropping {
		if len(c.partial)+len(data)-1 > domain.MaxFrameBytes {
			c.partial = nil
			c.dropping = true
		} else {
			c.partial = append(c.partial, data[1:]...)
		}
	}
	var frame []byte
	if last {
		if !c.dropping {
			frame = c.partial
		}
		c.partial = nil
		c.dropping = false
	}
	c.deliverMu.Unlock()

	if frame != nil {
		c.deliver(frame)
	}
}

func (c *dataChannel) deliver(data []byte) {
	c.deliverMu.Lock()
	defer c.deliverMu.Unlock()

	c.mu.Lock()
	handler := c.handler
	if handler == nil {
		c.backlog = append(c.backlog, data)
	}
	c.mu.Unlock()

	if handler != nil {
		handler(data)
	}
}

// shutdown tears the channel down once. notify tells the remote side.
func (c *dataChannel) shutdown(notify bool) {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return
	}
	c.closed = true
	handlers := c.onClose
	c.onClose = nil
	c.mu.Unlock()

	c.release(notify)
	for _, fn := range handlers {
		go fn()
	}
}
