package evm

import (
	"fmt"
	"strings"
	"sync"
	"time"
)

// DedupCache guards against double settlement of one authorization. A key
// is held exclusively while a settlement is in flight, then retained for a
// TTL after completion so that a replayed request inside the window is
// rejected instead of re-broadcast.
//
// Every entry expires a TTL after it was last touched, released or not. A
// caller that dies between TryAcquire and its terminal call must not pin
// the authorization forever.
type DedupCache struct {
	mu      sync.Mutex
	entries map[string]dedupEntry

	ttl   time.Duration
	sweep time.Duration

	stopOnce sync.Once
	stop     chan struct{}

	now func() time.Time
}

type dedupEntry struct {
	expiresAt time.Time
}

// NewDedupCache builds a cache with the given retention and sweep cadence.
// Zero durations fall back to the defaults.
func NewDedupCache(ttl, sweep time.Duration) *DedupCache {
	if ttl <= 0 {
		ttl = DedupTTL
	}
	if sweep <= 0 {
		sweep = DedupSweepInterval
	}
	return &DedupCache{
		entries: make(map[string]dedupEntry),
		ttl:     ttl,
		sweep:   sweep,
		stop:    make(chan struct{}),
		now:     time.Now,
	}
}

// DedupKey derives the cache key for an authorization. ERC-3009 nonces are
// scoped per authorizer, so the payer is part of the key; hex casing is
// normalized away.
func DedupKey(chainID int64, payer, authNonce string) string {
	return fmt.Sprintf("%d:%s:%s", chainID, strings.ToLower(payer), strings.ToLower(authNonce))
}

// TryAcquire attempts to claim key for a new settlement. It returns false
// while a prior claim is within its TTL, whether that claim is still in
// flight or already settled.
func (c *DedupCache) TryAcquire(key string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()

	now := c.now()
	if e, ok := c.entries[key]; ok && now.Before(e.expiresAt) {
		return false
	}
	c.entries[key] = dedupEntry{expiresAt: now.Add(c.ttl)}
	return true
}

// MarkSettled restarts key's retention window at the moment of completion.
// It is called on confirmed settlements and on ambiguous outcomes, where
// the transaction may land later and a retry would double-pay.
func (c *DedupCache) MarkSettled(key string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.entries[key] = dedupEntry{expiresAt: c.now().Add(c.ttl)}
}

// Release drops key entirely. Only definite failures release: the
// authorization never reached the chain, so resubmission is safe.
func (c *DedupCache) Release(key string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.entries, key)
}

// Start launches the background sweeper. Call Stop to shut it down.
func (c *DedupCache) Start() {
	go func() {
		ticker := time.NewTicker(c.sweep)
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				c.evictExpired()
			case <-c.stop:
				return
			}
		}
	}()
}

// Stop terminates the background sweeper. Safe to call more than once.
func (c *DedupCache) Stop() {
	c.stopOnce.Do(func() { close(c.stop) })
}

func (c *DedupCache) evictExpired() {
	c.mu.Lock()
	defer c.mu.Unlock()
	now := c.now()
	for key, e := range c.entries {
		if now.After(e.expiresAt) {
			delete(c.entries, key)
		}
	}
}

// Len reports the number of tracked keys, in-flight entries included.
func (c *DedupCache) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.entries)
}
