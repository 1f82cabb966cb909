package monitoring

import (
	"context"
	"errors"
	"time"

	"chatnest/internal/core/ports"
)

var errCheckFailed = errors.New("check failed")

// Names of the client checks.
const (
	StoreCheck     = "storage"
	TransportCheck = "rendezvous"
)

// AddStoreCheck probes the storage backend behind the chat store.
func (h *HealthChecker) AddStoreCheck(probe func(context.Context) error, interval, timeout time.Duration) {
	h.AddCheck(StoreCheck, func(ctx context.Context) (bool, error) {
		if err := probe(ctx); err != nil {
			return false, err
		}
		return true, nil
	}, interval, timeout)
}

// AddTransportCheck reports whether the client holds a registered identity.
func (h *HealthChecker) AddTransportCheck(transport ports.SignalingTransport, interval, timeout time.Duration) {
	h.AddCheck(TransportCheck, func(ctx context.Context) (bool, error) {
		if c, ok := transport.(interface{ Connected() bool }); ok {
			return c.Connected(), nil
		}
		return transport.LocalID() != "", nil
	}, interval, timeout)
}

// IsReady reports whether every check passes.
func (h *HealthChecker) IsReady(ctx context.Context) bool {
	status := h.CheckAll(ctx)
	return status.Status == "healthy"
}
