package evm

import (
	"context"
	"fmt"
	"strings"
	"sync"
)

// NonceManager serializes transaction-nonce assignment per signer account.
// Each (chain, signer) pair owns a cursor holding the next nonce to use and
// a FIFO lock so concurrent settlements drain in arrival order instead of
// racing for the same nonce.
//
// The cursor only moves forward during normal operation. Recovering from a
// stuck or dropped transaction goes through ForceReset.
type NonceManager struct {
	mu      sync.Mutex
	locks   map[string]*queueLock
	cursors map[string]uint64
	seeded  map[string]bool
}

// NewNonceManager builds an empty manager. Cursors are seeded lazily from
// the chain on first acquisition.
func NewNonceManager() *NonceManager {
	return &NonceManager{
		locks:   make(map[string]*queueLock),
		cursors: make(map[string]uint64),
		seeded:  make(map[string]bool),
	}
}

// NonceKey derives the coordination key for one signer on one chain.
func NonceKey(chainID int64, signer string) string {
	return fmt.Sprintf("%d:%s", chainID, strings.ToLower(signer))
}

// Lock acquires the per-key settlement lock. Waiters are granted the lock
// in FIFO order. Lock returns ctx.Err if ctx is done before the grant.
func (m *NonceManager) Lock(ctx context.Context, key string) error {
	return m.lockFor(key).lock(ctx)
}

// Unlock releases the per-key settlement lock and wakes the next waiter.
func (m *NonceManager) Unlock(key string) {
	m.lockFor(key).unlock()
}

// Next returns the nonce to use for the next transaction under key. The
// caller must hold the key's lock. On first use the cursor is seeded via
// fetch, which should return the chain's pending nonce for the signer.
// Next does not advance the cursor; call Advance once the transaction is
// accepted by the node.
func (m *NonceManager) Next(ctx context.Context, key string, fetch func(context.Context) (uint64, error)) (uint64, error) {
	m.mu.Lock()
	if m.seeded[key] {
		n := m.cursors[key]
		m.mu.Unlock()
		return n, nil
	}
	m.mu.Unlock()

	pending, err := fetch(ctx)
	if err != nil {
		return 0, fmt.Errorf("seeding nonce cursor for %s: %w", key, err)
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if !m.seeded[key] {
		m.cursors[key] = pending
		m.seeded[key] = true
	}
	return m.cursors[key], nil
}

// Advance moves the cursor past a nonce the node accepted.
func (m *NonceManager) Advance(key string, used uint64) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if next := used + 1; !m.seeded[key] || next > m.cursors[key] {
		m.cursors[key] = next
		m.seeded[key] = true
	}
}

// Sync raises the cursor to observed if the chain is ahead of us. It never
// lowers the cursor: a lower observed value just means the node has not
// seen our in-flight transactions yet.
func (m *NonceManager) Sync(key string, observed uint64) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if !m.seeded[key] || observed > m.cursors[key] {
		m.cursors[key] = observed
		m.seeded[key] = true
	}
}

// ForceReset sets the cursor from the chain unconditionally, lowering it if
// needed. This is the recovery path for a cursor that ran ahead of reality
// after dropped transactions.
func (m *NonceManager) ForceReset(ctx context.Context, key string, fetch func(context.Context) (uint64, error)) (uint64, error) {
	latest, err := fetch(ctx)
	if err != nil {
		return 0, fmt.Errorf("force reset for %s: %w", key, err)
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.cursors[key] = latest
	m.seeded[key] = true
	return latest, nil
}

// Cursor reports the current cursor value. The second return is false when
// the key has never been seeded.
func (m *NonceManager) Cursor(key string) (uint64, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	n, ok := m.cursors[key]
	if !ok || !m.seeded[key] {
		return 0, false
	}
	return n, true
}

func (m *NonceManager) lockFor(key string) *queueLock {
	m.mu.Lock()
	defer m.mu.Unlock()
	l, ok := m.locks[key]
	if !ok {
		l = &queueLock{}
		m.locks[key] = l
	}
	return l
}

// queueLock is a mutex with strict FIFO handoff. A plain sync.Mutex gives
// no ordering guarantee under contention, which would let a late arrival
// steal a nonce slot from an earlier settlement.
type queueLock struct {
	mu      sync.Mutex
	locked  bool
	waiters []chan struct{}
}

func (l *queueLock) lock(ctx context.Context) error {
	l.mu.Lock()
	if !l.locked {
		l.locked = true
		l.mu.Unlock()
		return nil
	}
	grant := make(chan struct{})
	l.waiters = append(l.waiters, grant)
	l.mu.Unlock()

	select {
	case <-grant:
		return nil
	case <-ctx.Done():
		l.mu.Lock()
		for i, w := range l.waiters {
			if w == grant {
				l.waiters = append(l.waiters[:i], l.waiters[i+1:]...)
				l.mu.Unlock()
				return ctx.Err()
			}
		}
		l.mu.Unlock()
		// The grant raced the cancellation. We own the lock now, so pass
		// it straight to the next waiter.
		<-grant
		l.unlock()
		return ctx.Err()
	}
}

func (l *queueLock) unlock() {
	l.mu.Lock()
	if len(l.waiters) > 0 {
		grant := l.waiters[0]
		l.waiters = l.waiters[1:]
		l.mu.Unlock()
		close(grant)
		return
	}
	l.locked = false
	l.mu.Unlock()
}
