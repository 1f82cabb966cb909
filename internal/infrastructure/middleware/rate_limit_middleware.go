package middleware

import (
	"net"
	"net/http"
	"strings"
	"sync"
	"sync/atomic"

	"chatnest/pkg/config"
	apperrors "chatnest/pkg/errors"

	"github.com/gin-gonic/gin"
	"golang.org/x/time/rate"
)

// rateLimiterStore stores per-key (for example, per IP) rate limiters.
type rateLimiterStore struct {
	mu        sync.Mutex
	limiters  map[string]*rate.Limiter
	rate      rate.Limit
	burstSize int
}

func newRateLimiterStore(r rate.Limit, burst int) *rateLimiterStore {
	return &rateLimiterStore{
		limiters:  make(map[string]*rate.Limiter),
		rate:      r,
		burstSize: burst,
	}
}

func (s *rateLimiterStore) getLimiter(key string) *rate.Limiter {
	s.mu.Lock()
	defer s.mu.Unlock()

	limiter, exists := s.limiters[key]
	if !exists {
		limiter = rate.NewLimiter(s.rate, s.burstSize)
		s.limiters[key] = limiter
	}
	return limiter
}

// clientIP extracts the IP part from the request's remote address.
func clientIP(r *http.Request) string {
	// Try X-Forwarded-For first (behind proxies)
	if xff := r.Header.Get("X-Forwarded-For"); xff != "" {
		first := strings.TrimSpace(strings.Split(xff, ",")[0])
		if ip := net.ParseIP(first); ip != nil {
			return ip.String()
		}
	}

	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}

// NewHTTPRateLimitMiddleware returns Gin middleware that applies simple IP-based rate limiting.
func NewHTTPRateLimitMiddleware(cfg *config.Config) gin.HandlerFunc {
	if !cfg.RateLimiting.Enabled {
		return func(c *gin.Context) {
			c.Next()
		}
	}

	store := newRateLimiterStore(rate.Limit(cfg.RateLimiting.HTTP.RequestsPerSecond), cfg.RateLimiting.HTTP.Burst)

	return func(c *gin.Context) {
		limiter := store.getLimiter(clientIP(c.Request))
		if !limiter.Allow() {
			c.AbortWithStatusJSON(apperrors.HTTPStatus(apperrors.ErrCodeRateLimited), gin.H{
				"error":   string(apperrors.ErrCodeRateLimited),
				"message": "rate limit exceeded",
			})
			return
		}
		c.Next()
	}
}

// WebSocketLimiter bounds rendezvous sockets: how many may be open at once
// and how fast each may send signals.
type WebSocketLimiter struct {
	enabled        bool
	perSecond      rate.Limit
	burst          int
	maxConcurrent  int64
	maxMessageSize int64

	active atomic.Int64
}

func NewWebSocketLimiter(cfg *config.Config) *WebSocketLimiter {
	ws := cfg.RateLimiting.WebSocket
	return &WebSocketLimiter{
		enabled:        cfg.RateLimiting.Enabled,
		perSecond:      rate.Limit(ws.MessagesPerSecond),
		burst:          ws.Burst,
		maxConcurrent:  int64(ws.MaxConcurrent),
		maxMessageSize: ws.MaxMessageSizeBytes,
	}
}

// Acquire reserves a connection slot. The returned release must be called
// once the socket closes.
func (l *WebSocketLimiter) Acquire() (release func(), ok bool) {
	n := l.active.Add(1)
	if l.enabled && l.maxConcurrent > 0 && n > l.maxConcurrent {
		l.active.Add(-1)
		return func() {}, false
	}
	var once sync.Once
	return func() { once.Do(func() { l.active.Add(-1) }) }, true
}

// Active reports the number of open sockets.
func (l *WebSocketLimiter) Active() int64 {
	return l.active.Load()
}

// Saturated reports whether new sockets are currently refused.
func (l *WebSocketLimiter) Saturated() bool {
	return l.enabled && l.maxConcurrent > 0 && l.active.Load() >= l.maxConcurrent
}

// NewMessageLimiter returns the per-socket limiter, or nil when unlimited.
func (l *WebSocketLimiter) NewMessageLimiter() *rate.Limiter {
	if !l.enabled || l.perSecond <= 0 {
		return nil
	}
	return rate.NewLimiter(l.perSecond, l.burst)
}

// MaxMessageSize is the read limit applied to each socket, 0 for none.
func (l *WebSocketLimiter) MaxMessageSize() int64 {
	return l.maxMessageSize
}
