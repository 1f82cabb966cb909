package signal

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"time"

	"chatnest/internal/core/domain"
	"chatnest/internal/infrastructure/middleware"
	"chatnest/pkg/config"
	"chatnest/pkg/tracing"
	"chatnest/pkg/validation"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"
)

var upgrader = websocket.Upgrader{
	CheckOrigin: func(r *http.Request) bool {
		return true
	},
	ReadBufferSize:  4096,
	WriteBufferSize: 4096,
}

// Metrics observes the rendezvous server.
type Metrics interface {
	PeerRegistered()
	RegistrationRejected(reason string)
	PeerUnregistered(lifetime time.Duration)
	SignalRelayed(kind string)
	SignalUnreachable()
	RateLimited()
}

type nopMetrics struct{}

func (nopMetrics) PeerRegistered()                {}
func (nopMetrics) RegistrationRejected(string)    {}
func (nopMetrics) PeerUnregistered(time.Duration) {}
func (nopMetrics) SignalRelayed(string)           {}
func (nopMetrics) SignalUnreachable()             {}
func (nopMetrics) RateLimited()                   {}

type ServerConfig struct {
	PingInterval    time.Duration
	PongTimeout     time.Duration
	WriteTimeout    time.Duration
	RegisterTimeout time.Duration
}

// ServerConfigFrom picks the rendezvous timeouts out of the application config.
func ServerConfigFrom(cfg *config.Config) ServerConfig {
	return ServerConfig{
		PingInterval:    cfg.Signal.PingInterval,
		PongTimeout:     cfg.Signal.PongTimeout,
		WriteTimeout:    10 * time.Second,
		RegisterTimeout: cfg.Signal.RegisterTimeout,
	}
}

const sendQueueSize = 64

var errSendQueueFull = errors.New("send queue full")

type peerConn struct {
	id    domain.PeerID
	ws    *websocket.Conn
	send  chan Message
	since time.Time

	done      chan struct{}
	closeOnce sync.Once
}

func (p *peerConn) close() {
	p.closeOnce.Do(func() { close(p.done) })
}

// enqueue hands msg to the write pump without blocking the caller.
func (p *peerConn) enqueue(msg Message) error {
	select {
	case <-p.done:
		return domain.ErrChannelClosed
	default:
	}
	select {
	case p.send <- msg:
		return nil
	case <-p.done:
		return domain.ErrChannelClosed
	default:
		return errSendQueueFull
	}
}

// WebSocketServer is the rendezvous service: it maps identities to sockets
// and relays session negotiation between them. It never sees chat content.
type WebSocketServer struct {
	connections map[domain.PeerID]*peerConn
	mu          sync.RWMutex

	cfg     ServerConfig
	limiter *middleware.WebSocketLimiter
	metrics Metrics

	logger *zap.SugaredLogger
}

func NewWebSocketServer(cfg ServerConfig, limiter *middleware.WebSocketLimiter, metrics Metrics, logger *zap.SugaredLogger) *WebSocketServer {
	if cfg.PingInterval <= 0 {
		cfg.PingInterval = 30 * time.Second
	}
	if cfg.PongTimeout <= cfg.PingInterval {
		cfg.PongTimeout = 2 * cfg.PingInterval
	}
	if cfg.WriteTimeout <= 0 {
		cfg.WriteTimeout = 10 * time.Second
	}
	if cfg.RegisterTimeout <= 0 {
		cfg.RegisterTimeout = 10 * time.Second
	}
	if limiter == nil {
		limiter = middleware.NewWebSocketLimiter(config.DefaultConfig())
	}
	if metrics == nil {
		metrics = nopMetrics{}
	}
	return &WebSocketServer{
		connections: make(map[domain.PeerID]*peerConn),
		cfg:         cfg,
		limiter:     limiter,
		metrics:     metrics,
		logger:      logger,
	}
}

func (s *WebSocketServer) HandleWebSocket(w http.ResponseWriter, r *http.Request) {
	release, ok := s.limiter.Acquire()
	if !ok {
		s.metrics.RateLimited()
		http.Error(w, "too many connections", http.StatusServiceUnavailable)
		return
	}
	defer release()

	ws, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Errorw("websocket upgrade failed", "error", err)
		return
	}
	defer ws.Close()

	if s.limiter.MaxMessageSize() > 0 {
		ws.SetReadLimit(s.limiter.MaxMessageSize())
	}

	peer, err := s.register(ws)
	if err != nil {
		s.logger.Infow("registration failed", "remote_addr", r.RemoteAddr, "error", err)
		return
	}

	s.logger.Infow("peer registered", "peer_id", peer.id)

	go s.writePump(peer)
	s.readPump(peer)

	peer.close()
	s.unregister(peer)
}

// register waits for the opening register frame and claims its identity.
// A live identity is never replaced.
func (s *WebSocketServer) register(ws *websocket.Conn) (*peerConn, error) {
	ws.SetReadDeadline(time.Now().Add(s.cfg.RegisterTimeout))

	var msg Message
	if err := ws.ReadJSON(&msg); err != nil {
		s.metrics.RegistrationRejected("no_register")
		return nil, fmt.Errorf("read register: %w", err)
	}
	if msg.Type != TypeRegister {
		s.metrics.RegistrationRejected("protocol")
		s.writeDirect(ws, Message{Type: TypeRegisterFailed, Error: "first message must be register"})
		return nil, fmt.Errorf("unexpected first message %q", msg.Type)
	}
	if err := validation.ValidatePeerID(msg.From); err != nil {
		s.metrics.RegistrationRejected("invalid_id")
		s.writeDirect(ws, Message{Type: TypeRegisterFailed, Error: err.Error()})
		return nil, err
	}

	peer := &peerConn{
		id:    msg.From,
		ws:    ws,
		send:  make(chan Message, sendQueueSize),
		since: time.Now(),
		done:  make(chan struct{}),
	}

	s.mu.Lock()
	if _, taken := s.connections[peer.id]; taken {
		s.mu.Unlock()
		s.metrics.RegistrationRejected("identity_taken")
		s.writeDirect(ws, Message{Type: TypeRegisterFailed, To: msg.From, Error: domain.ErrIdentityTaken.Error()})
		return nil, fmt.Errorf("%s: %w", msg.From, domain.ErrIdentityTaken)
	}
	s.connections[peer.id] = peer
	s.mu.Unlock()

	s.metrics.PeerRegistered()
	peer.enqueue(Message{Type: TypeRegistered, To: peer.id})
	return peer, nil
}

func (s *WebSocketServer) unregister(peer *peerConn) {
	s.mu.Lock()
	if current, ok := s.connections[peer.id]; ok && current == peer {
		delete(s.connections, peer.id)
	}
	s.mu.Unlock()

	s.metrics.PeerUnregistered(time.Since(peer.since))
	s.logger.Infow("peer disconnected", "peer_id", peer.id)
}

func (s *WebSocketServer) readPump(peer *peerConn) {
	ws := peer.ws
	ws.SetReadDeadline(time.Now().Add(s.cfg.PongTimeout))
	ws.SetPongHandler(func(string) error {
		ws.SetReadDeadline(time.Now().Add(s.cfg.PongTimeout))
		return nil
	})

	limiter := s.limiter.NewMessageLimiter()

	for {
		var msg Message
		if err := ws.ReadJSON(&msg); err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				s.logger.Infow("error reading message from peer", "peer_id", peer.id, "error", err)
			}
			return
		}
		ws.SetReadDeadline(time.Now().Add(s.cfg.PongTimeout))

		if limiter != nil && msg.Type != TypeHeartbeat && !limiter.Allow() {
			s.metrics.RateLimited()
			peer.enqueue(Message{Type: TypeError, SessionID: msg.SessionID, Error: "rate limit exceeded"})
			continue
		}

		if err := s.handleMessage(context.Background(), peer, msg); err != nil {
			s.logger.Debugw("error handling message from peer", "peer_id", peer.id, "type", msg.Type, "error", err)
			peer.enqueue(Message{Type: TypeError, SessionID: msg.SessionID, Error: err.Error()})
		}
	}
}

func (s *WebSocketServer) writePump(peer *peerConn) {
	ticker := time.NewTicker(s.cfg.PingInterval)
	defer ticker.Stop()

	for {
		select {
		case msg := <-peer.send:
			peer.ws.SetWriteDeadline(time.Now().Add(s.cfg.WriteTimeout))
			if err := peer.ws.WriteJSON(msg); err != nil {
				s.logger.Infow("error writing to peer", "peer_id", peer.id, "error", err)
				peer.ws.Close()
				return
			}

		case <-ticker.C:
			peer.ws.SetWriteDeadline(time.Now().Add(s.cfg.WriteTimeout))
			if err := peer.ws.WriteMessage(websocket.PingMessage, nil); err != nil {
				s.logger.Infow("error sending ping", "peer_id", peer.id, "error", err)
				peer.ws.Close()
				return
			}

		case <-peer.done:
			peer.ws.SetWriteDeadline(time.Now().Add(s.cfg.WriteTimeout))
			peer.ws.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
			return
		}
	}
}

// writeDirect is used before the write pump exists.
func (s *WebSocketServer) writeDirect(ws *websocket.Conn, msg Message) {
	ws.SetWriteDeadline(time.Now().Add(s.cfg.WriteTimeout))
	if err := ws.WriteJSON(msg); err != nil {
		s.logger.Debugw("error writing message", "type", msg.Type, "error", err)
	}
}

func (s *WebSocketServer) handleMessage(ctx context.Context, peer *peerConn, msg Message) error {
	if msg.Type == "" {
		return fmt.Errorf("message type is required")
	}

	switch {
	case msg.Type == TypeHeartbeat:
		return peer.enqueue(Message{Type: TypeHeartbeat, To: peer.id})

	case msg.Type == TypeRegister:
		return fmt.Errorf("already registered as %s", peer.id)

	case msg.Type.relayed():
		return s.relay(ctx, peer, msg)

	default:
		return fmt.Errorf("unknown message type: %s", msg.Type)
	}
}

// relay forwards msg to its target with the sender identity stamped by the
// server. An unknown target is reported back as unreachable.
func (s *WebSocketServer) relay(ctx context.Context, peer *peerConn, msg Message) error {
	msg.From = peer.id
	if err := validateRelay(msg); err != nil {
		return err
	}

	ctx, span := tracing.TraceSignal(ctx, string(msg.Type), string(msg.From), string(msg.To))
	defer span.End()

	s.mu.RLock()
	target, ok := s.connections[msg.To]
	s.mu.RUnlock()

	if !ok {
		s.metrics.SignalUnreachable()
		tracing.RecordError(ctx, domain.ErrPeerUnreachable)
		// Nobody waits on teardown frames, only negotiation gets a reply.
		if msg.Type == TypeOffer || msg.Type == TypeAnswer {
			return peer.enqueue(Message{
				Type:        TypeUnreachable,
				From:        msg.To,
				To:          peer.id,
				SessionID:   msg.SessionID,
				SessionKind: msg.SessionKind,
			})
		}
		return nil
	}

	if err := target.enqueue(msg); err != nil {
		tracing.RecordError(ctx, err)
		return fmt.Errorf("relay %s to %s: %w", msg.Type, msg.To, err)
	}
	s.metrics.SignalRelayed(string(msg.Type))
	return nil
}

// Close ends every open socket.
func (s *WebSocketServer) Close() {
	s.mu.Lock()
	peers := make([]*peerConn, 0, len(s.connections))
	for _, p := range s.connections {
		peers = append(peers, p)
	}
	s.mu.Unlock()

	for _, p := range peers {
		p.close()
	}
}

// HealthCheck reports the registry size.
func (s *WebSocketServer) HealthCheck(c *gin.Context) {
	s.mu.RLock()
	connectedPeers := len(s.connections)
	s.mu.RUnlock()

	c.JSON(http.StatusOK, gin.H{
		"status":          "healthy",
		"connected_peers": connectedPeers,
		"timestamp":       time.Now().Unix(),
	})
}

// GetConnectedPeers returns the registered identities.
func (s *WebSocketServer) GetConnectedPeers() []domain.PeerID {
	s.mu.RLock()
	defer s.mu.RUnlock()

	peers := make([]domain.PeerID, 0, len(s.connections))
	for id := range s.connections {
		peers = append(peers, id)
	}
	return peers
}

func (s *WebSocketServer) IsPeerConnected(id domain.PeerID) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()

	_, ok := s.connections[id]
	return ok
}
