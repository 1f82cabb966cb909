package services

import (
	"context"
	"errors"
	"fmt"

	"chatnest/internal/core/domain"
	"chatnest/internal/core/ports"

	"go.uber.org/zap"
)

// QuotaPolicy controls how much history is dropped when the store is full.
type QuotaPolicy struct {
	// PruneFraction of the oldest messages is removed on the first attempt.
	PruneFraction float64
	// MinMessages below which the first prune is skipped.
	MinMessages int
	// LastResortKeep is the number of newest messages kept when pruning
	// once was not enough.
	LastResortKeep int
	// MaxMessages caps the stored history; 0 means no cap.
	MaxMessages int
}

func DefaultQuotaPolicy() QuotaPolicy {
	return QuotaPolicy{
		PruneFraction:  0.4,
		MinMessages:    10,
		LastResortKeep: 5,
	}
}

// StoreGuard wraps ChatStore writes with quota recovery: prune, retry once,
// then keep only the newest few messages and warn the user.
type StoreGuard struct {
	store   ports.ChatStore
	policy  QuotaPolicy
	sink    ports.EventSink
	metrics ports.MetricsRecorder
	logger  *zap.SugaredLogger
}

func NewStoreGuard(
	store ports.ChatStore,
	policy QuotaPolicy,
	sink ports.EventSink,
	metrics ports.MetricsRecorder,
	logger *zap.SugaredLogger,
) *StoreGuard {
	if sink == nil {
		sink = ports.NopSink{}
	}
	if metrics == nil {
		metrics = ports.NopMetrics{}
	}
	return &StoreGuard{
		store:   store,
		policy:  policy,
		sink:    sink,
		metrics: metrics,
		logger:  logger,
	}
}

// Store exposes the wrapped store for reads.
func (g *StoreGuard) Store() ports.ChatStore {
	return g.store
}

func (g *StoreGuard) SaveMessage(ctx context.Context, msg domain.Message) error {
	err := g.write(ctx, "save_message", func() error {
		return g.store.SaveMessage(ctx, msg)
	})
	if err != nil || g.policy.MaxMessages <= 0 {
		return err
	}
	return g.enforceCap(ctx)
}

func (g *StoreGuard) enforceCap(ctx context.Context) error {
	total, err := g.store.CountMessages(ctx)
	if err != nil {
		return fmt.Errorf("count messages: %w", err)
	}
	if total <= g.policy.MaxMessages {
		return nil
	}
	removed, err := g.store.PruneMessages(ctx, g.policy.MaxMessages)
	if err != nil {
		return fmt.Errorf("prune messages: %w", err)
	}
	g.metrics.MessagesPruned(removed)
	g.logger.Debugw("history over cap, dropped oldest", "removed", removed, "max_messages", g.policy.MaxMessages)
	return nil
}

func (g *StoreGuard) SaveChats(ctx context.Context, chats []domain.ChatSession) error {
	return g.write(ctx, "save_chats", func() error {
		return g.store.SaveChats(ctx, chats)
	})
}

func (g *StoreGuard) write(ctx context.Context, op string, fn func() error) error {
	err := fn()
	if !errors.Is(err, domain.ErrQuotaExceeded) {
		return err
	}

	total, cerr := g.store.CountMessages(ctx)
	if cerr != nil {
		return fmt.Errorf("%s: count messages: %w", op, cerr)
	}

	if total > g.policy.MinMessages {
		keep := total - int(float64(total)*g.policy.PruneFraction)
		removed, perr := g.store.PruneMessages(ctx, keep)
		if perr != nil {
			return fmt.Errorf("%s: prune messages: %w", op, perr)
		}
		g.metrics.MessagesPruned(removed)
		g.logger.Warnw("storage quota exceeded, pruned old messages",
			"op", op,
			"removed", removed,
			"kept", keep,
		)
		if err = fn(); err == nil {
			return nil
		}
		if !errors.Is(err, domain.ErrQuotaExceeded) {
			return err
		}
	}

	removed, perr := g.store.PruneMessages(ctx, g.policy.LastResortKeep)
	if perr != nil {
		return fmt.Errorf("%s: prune messages: %w", op, perr)
	}
	g.metrics.MessagesPruned(removed)
	g.logger.Errorw("storage still full after pruning, kept newest messages only",
		"op", op,
		"removed", removed,
		"kept", g.policy.LastResortKeep,
	)
	g.sink.Notice(fmt.Sprintf("Storage is full. Only the %d most recent messages were kept.", g.policy.LastResortKeep))

	if err = fn(); err != nil {
		return fmt.Errorf("%s: %w", op, err)
	}
	return nil
}
