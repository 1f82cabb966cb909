package signal

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"chatnest/internal/core/domain"
	"chatnest/pkg/config"
	"chatnest/pkg/retry"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"
)

type ClientConfig struct {
	URL               string
	HeartbeatInterval time.Duration
	RegisterTimeout   time.Duration
	WriteTimeout      time.Duration
	Reconnect         retry.Config
}

// ClientConfigFrom picks the rendezvous client settings out of the
// application config.
func ClientConfigFrom(cfg *config.Config) ClientConfig {
	reconnect := retry.ReconnectConfig()
	reconnect.MaxAttempts = cfg.Signal.Reconnect.MaxAttempts
	reconnect.InitialDelay = cfg.Signal.Reconnect.InitialDelay
	reconnect.MaxDelay = cfg.Signal.Reconnect.MaxDelay
	reconnect.NonRetryableErrors = []error{domain.ErrChannelClosed}

	return ClientConfig{
		URL:               cfg.Signal.URL,
		HeartbeatInterval: cfg.Signal.HeartbeatInterval,
		RegisterTimeout:   cfg.Signal.RegisterTimeout,
		WriteTimeout:      10 * time.Second,
		Reconnect:         reconnect,
	}
}

// Client holds one registered identity on the rendezvous server. After the
// first successful Register it re-registers on its own whenever the socket
// drops, until Close.
type Client struct {
	cfg    ClientConfig
	dialer *websocket.Dialer

	mu        sync.RWMutex
	ws        *websocket.Conn
	id        domain.PeerID
	handler   func(Message)
	onState   func(connected bool)
	closed    bool
	closeCh   chan struct{}
	closeOnce sync.Once

	writeMu sync.Mutex

	logger *zap.SugaredLogger
}

func NewClient(cfg ClientConfig, logger *zap.SugaredLogger) *Client {
	if cfg.HeartbeatInterval <= 0 {
		cfg.HeartbeatInterval = 20 * time.Second
	}
	if cfg.RegisterTimeout <= 0 {
		cfg.RegisterTimeout = 10 * time.Second
	}
	if cfg.WriteTimeout <= 0 {
		cfg.WriteTimeout = 10 * time.Second
	}
	return &Client{
		cfg:     cfg,
		dialer:  websocket.DefaultDialer,
		closeCh: make(chan struct{}),
		logger:  logger,
	}
}

// OnMessage sets the receiver for every frame after registration. It is
// called from the read loop, one frame at a time.
func (c *Client) OnMessage(handler func(Message)) {
	c.mu.Lock()
	c.handler = handler
	c.mu.Unlock()
}

// OnStateChange observes the socket going up or down.
func (c *Client) OnStateChange(handler func(connected bool)) {
	c.mu.Lock()
	c.onState = handler
	c.mu.Unlock()
}

// Register connects and claims id. It fails with domain.ErrIdentityTaken
// when another live socket holds it.
func (c *Client) Register(ctx context.Context, id domain.PeerID) error {
	c.mu.RLock()
	closed := c.closed
	c.mu.RUnlock()
	if closed {
		return domain.ErrChannelClosed
	}

	ws, err := c.dial(ctx, id)
	if err != nil {
		return err
	}

	c.mu.Lock()
	if c.ws != nil {
		c.ws.Close()
	}
	c.ws = ws
	c.id = id
	c.mu.Unlock()

	c.notifyState(true)
	go c.serve(ws)
	return nil
}

// dial opens a socket and completes the register exchange on it.
func (c *Client) dial(ctx context.Context, id domain.PeerID) (*websocket.Conn, error) {
	ctx, cancel := context.WithTimeout(ctx, c.cfg.RegisterTimeout)
	defer cancel()

	ws, _, err := c.dialer.DialContext(ctx, c.cfg.URL, nil)
	if err != nil {
		return nil, fmt.Errorf("dial rendezvous %s: %w", c.cfg.URL, err)
	}

	deadline, _ := ctx.Deadline()
	ws.SetWriteDeadline(deadline)
	if err := ws.WriteJSON(Message{Type: TypeRegister, From: id}); err != nil {
		ws.Close()
		return nil, fmt.Errorf("send register: %w", err)
	}

	ws.SetReadDeadline(deadline)
	var reply Message
	if err := ws.ReadJSON(&reply); err != nil {
		ws.Close()
		return nil, fmt.Errorf("await registration: %w", err)
	}
	ws.SetReadDeadline(time.Time{})
	ws.SetWriteDeadline(time.Time{})

	switch reply.Type {
	case TypeRegistered:
		return ws, nil
	case TypeRegisterFailed:
		ws.Close()
		if reply.Error == domain.ErrIdentityTaken.Error() {
			return nil, fmt.Errorf("%s: %w", id, domain.ErrIdentityTaken)
		}
		return nil, fmt.Errorf("registration refused: %s", reply.Error)
	default:
		ws.Close()
		return nil, fmt.Errorf("unexpected registration reply %q", reply.Type)
	}
}

// serve runs the read loop and heartbeat for ws, then reconnects.
func (c *Client) serve(ws *websocket.Conn) {
	stop := make(chan struct{})
	go c.heartbeat(ws, stop)

	for {
		var msg Message
		if err := ws.ReadJSON(&msg); err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				c.logger.Infow("rendezvous connection lost", "error", err)
			}
			break
		}

		c.mu.RLock()
		handler := c.handler
		c.mu.RUnlock()
		if handler != nil && msg.Type != TypeHeartbeat {
			handler(msg)
		}
	}
	close(stop)
	ws.Close()

	c.mu.Lock()
	current := c.ws == ws
	if current {
		c.ws = nil
	}
	closed := c.closed
	c.mu.Unlock()

	if !current || closed {
		return
	}
	c.notifyState(false)
	c.reconnect()
}

func (c *Client) heartbeat(ws *websocket.Conn, stop <-chan struct{}) {
	ticker := time.NewTicker(c.cfg.HeartbeatInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			if err := c.write(ws, Message{Type: TypeHeartbeat}); err != nil {
				c.logger.Debugw("heartbeat failed", "error", err)
				ws.Close()
				return
			}
		case <-stop:
			return
		case <-c.closeCh:
			return
		}
	}
}

func (c *Client) reconnect() {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() {
		select {
		case <-c.closeCh:
			cancel()
		case <-ctx.Done():
		}
	}()

	c.mu.RLock()
	id := c.id
	c.mu.RUnlock()

	attempt := func() error { return c.Register(ctx, id) }
	onRetry := func(n int, err error, wait time.Duration) {
		c.logger.Infow("re-register failed", "attempt", n, "retry_in", wait, "error", err)
	}

	var err error
	if c.cfg.Reconnect.MaxAttempts > 0 {
		err = retry.Retry(ctx, c.cfg.Reconnect, attempt)
	} else {
		err = retry.Forever(ctx, c.cfg.Reconnect, attempt, onRetry)
	}
	if err != nil && !errors.Is(err, context.Canceled) {
		c.logger.Warnw("giving up on rendezvous", "peer_id", id, "error", err)
	}
}

// Send writes msg with the local identity as sender.
func (c *Client) Send(msg Message) error {
	c.mu.RLock()
	ws, id := c.ws, c.id
	c.mu.RUnlock()
	if ws == nil {
		return domain.ErrNotRegistered
	}
	msg.From = id
	return c.write(ws, msg)
}

func (c *Client) write(ws *websocket.Conn, msg Message) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()

	ws.SetWriteDeadline(time.Now().Add(c.cfg.WriteTimeout))
	return ws.WriteJSON(msg)
}

// LocalID is the registered identity, empty before the first Register.
func (c *Client) LocalID() domain.PeerID {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.id
}

// Connected reports whether a registered socket is currently up.
func (c *Client) Connected() bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.ws != nil
}

func (c *Client) notifyState(connected bool) {
	c.mu.RLock()
	fn := c.onState
	c.mu.RUnlock()
	if fn != nil {
		fn(connected)
	}
}

func (c *Client) Close() error {
	c.closeOnce.Do(func() {
		c.mu.Lock()
		c.closed = true
		ws := c.ws
		c.ws = nil
		c.mu.Unlock()

		close(c.closeCh)
		if ws != nil {
			c.writeMu.Lock()
			ws.SetWriteDeadline(time.Now().Add(time.Second))
			ws.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
			c.writeMu.Unlock()
			ws.Close()
		}
	})
	return nil
}
