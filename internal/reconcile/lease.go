package reconcile

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
)

const defaultLeaseTTL = 5 * time.Minute

// MemoryLease is the single-replica Lease.
type MemoryLease struct {
	mu   sync.Mutex
	ttl  time.Duration
	held map[string]hold
	now  func() time.Time
}

type hold struct {
	token   string
	expires time.Time
}

// NewMemoryLease creates an in-process lease. A non-positive ttl selects five minutes.
func NewMemoryLease(ttl time.Duration) *MemoryLease {
	if ttl <= 0 {
		ttl = defaultLeaseTTL
	}
	return &MemoryLease{ttl: ttl, held: make(map[string]hold), now: time.Now}
}

// Acquire takes the lease for key unless a live holder owns it.
func (l *MemoryLease) Acquire(_ context.Context, key string) (string, bool, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	now := l.now()
	if h, ok := l.held[key]; ok && now.Before(h.expires) {
		return "", false, nil
	}
	token := uuid.NewString()
	l.held[key] = hold{token: token, expires: now.Add(l.ttl)}
	return token, true, nil
}

// Release gives the lease back if token still owns it.
func (l *MemoryLease) Release(_ context.Context, key, token string) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	if h, ok := l.held[key]; ok && h.token == token {
		delete(l.held, key)
	}
	return nil
}
