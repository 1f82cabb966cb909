// Package distributed holds coordination primitives shared by processes that
// point at the same Redis keyspace.
package distributed

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
)

var (
	// ErrHeld is returned when another process owns the lease.
	ErrHeld = errors.New("lease held by another process")
	// ErrNotHeld is returned when releasing a lease this process does not own.
	ErrNotHeld = errors.New("lease not held")
)

const releaseScript = `
if redis.call("get", KEYS[1]) == ARGV[1] then
	return redis.call("del", KEYS[1])
else
	return 0
end`

const renewScript = `
if redis.call("get", KEYS[1]) == ARGV[1] then
	return redis.call("pexpire", KEYS[1], ARGV[2])
else
	return 0
end`

// Lease is an exclusive, self-renewing claim on a Redis key. A crashed holder
// loses the lease after ttl.
type Lease struct {
	client *redis.Client
	key    string
	owner  string
	ttl    time.Duration

	mu   sync.Mutex
	stop chan struct{}
	done chan struct{}
}

func NewLease(client *redis.Client, key string, ttl time.Duration) *Lease {
	return &Lease{
		client: client,
		key:    key,
		owner:  newOwner(),
		ttl:    ttl,
	}
}

func newOwner() string {
	b := make([]byte, 16)
	_, _ = rand.Read(b)
	return hex.EncodeToString(b)
}

// Key returns the Redis key guarded by the lease.
func (l *Lease) Key() string {
	return l.key
}

// TryAcquire claims the lease once and starts renewing it. It returns ErrHeld
// when another owner has it.
func (l *Lease) TryAcquire(ctx context.Context) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.stop != nil {
		return nil
	}

	ok, err := l.client.SetNX(ctx, l.key, l.owner, l.ttl).Result()
	if err != nil {
		return fmt.Errorf("failed to acquire lease %s: %w", l.key, err)
	}
	if !ok {
		return fmt.Errorf("%s: %w", l.key, ErrHeld)
	}

	l.stop = make(chan struct{})
	l.done = make(chan struct{})
	go l.renew(l.stop, l.done)
	return nil
}

// Held reports whether the renewal loop is still running.
func (l *Lease) Held() bool {
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.done == nil {
		return false
	}
	select {
	case <-l.done:
		return false
	default:
		return true
	}
}

// Release stops renewal and deletes the key if this process still owns it.
func (l *Lease) Release(ctx context.Context) error {
	l.mu.Lock()
	stop, done := l.stop, l.done
	l.stop, l.done = nil, nil
	l.mu.Unlock()

	if stop == nil {
		return ErrNotHeld
	}
	close(stop)
	<-done

	n, err := l.client.Eval(ctx, releaseScript, []string{l.key}, l.owner).Int64()
	if err != nil {
		return fmt.Errorf("failed to release lease %s: %w", l.key, err)
	}
	if n == 0 {
		return fmt.Errorf("%s: %w", l.key, ErrNotHeld)
	}
	return nil
}

func (l *Lease) renew(stop <-chan struct{}, done chan<- struct{}) {
	defer close(done)

	ticker := time.NewTicker(l.ttl / 2)
	defer ticker.Stop()

	for {
		select {
		case <-stop:
			return
		case <-ticker.C:
			ctx, cancel := context.WithTimeout(context.Background(), l.ttl/2)
			n, err := l.client.Eval(ctx, renewScript, []string{l.key}, l.owner, l.ttl.Milliseconds()).Int64()
			cancel()
			if err == nil && n == 0 {
				// Expired and taken by someone else.
				return
			}
		}
	}
}
