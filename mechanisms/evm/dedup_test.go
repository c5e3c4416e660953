package evm

import (
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestDedupKey(t *testing.T) {
	key := DedupKey(8453, "0xAbCd", "0x01")
	assert.Equal(t, "8453:0xabcd:0x01", key)
	assert.Equal(t, key, DedupKey(8453, "0xABCD", "0X01"))
}

func TestDedupTryAcquire(t *testing.T) {
	c := NewDedupCache(time.Minute, time.Minute)

	assert.True(t, c.TryAcquire("k"))
	assert.False(t, c.TryAcquire("k"), "in-flight key must be exclusive")

	c.Release("k")
	assert.True(t, c.TryAcquire("k"), "released key is free again")
}

func TestDedupRetention(t *testing.T) {
	c := NewDedupCache(time.Minute, time.Minute)
	now := time.Unix(1000, 0)
	c.now = func() time.Time { return now }

	assert.True(t, c.TryAcquire("k"))
	c.MarkSettled("k")
	assert.False(t, c.TryAcquire("k"), "settled key stays blocked during TTL")

	now = now.Add(time.Minute + time.Second)
	assert.True(t, c.TryAcquire("k"), "key frees after TTL")
}

func TestDedupEviction(t *testing.T) {
	c := NewDedupCache(time.Minute, time.Minute)
	now := time.Unix(1000, 0)
	c.now = func() time.Time { return now }

	c.TryAcquire("settled")
	c.MarkSettled("settled")
	c.TryAcquire("abandoned")

	now = now.Add(2 * time.Minute)
	c.evictExpired()

	assert.Equal(t, 0, c.Len(), "expired entries are swept whether or not they were released")
}

func TestDedupAbandonedEntryReclaimed(t *testing.T) {
	c := NewDedupCache(time.Minute, time.Minute)
	now := time.Unix(1000, 0)
	c.now = func() time.Time { return now }

	// The holder acquires and then dies without ever calling MarkSettled
	// or Release.
	assert.True(t, c.TryAcquire("k"))
	assert.False(t, c.TryAcquire("k"))

	now = now.Add(11 * time.Minute)

	t.Run("ttl alone frees the key", func(t *testing.T) {
		assert.True(t, c.TryAcquire("k"))
	})

	t.Run("sweeper drops the entry", func(t *testing.T) {
		now = now.Add(11 * time.Minute)
		c.evictExpired()
		assert.Equal(t, 0, c.Len())
		assert.True(t, c.TryAcquire("k"))
	})
}

func TestDedupConcurrentAcquire(t *testing.T) {
	c := NewDedupCache(time.Minute, time.Minute)

	const goroutines = 50
	var wg sync.WaitGroup
	acquired := make(chan struct{}, goroutines)
	start := make(chan struct{})

	for i := 0; i < goroutines; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			<-start
			if c.TryAcquire("contested") {
				acquired <- struct{}{}
			}
		}()
	}
	close(start)
	wg.Wait()
	close(acquired)

	count := 0
	for range acquired {
		count++
	}
	assert.Equal(t, 1, count, "exactly one settlement may hold a key")
}

func TestDedupSweeper(t *testing.T) {
	c := NewDedupCache(time.Millisecond, 5*time.Millisecond)
	c.TryAcquire("k")
	c.MarkSettled("k")

	c.Start()
	defer c.Stop()

	assert.Eventually(t, func() bool { return c.Len() == 0 }, time.Second, 5*time.Millisecond)
}

func TestDedupStopTwice(t *testing.T) {
	c := NewDedupCache(time.Minute, time.Minute)
	c.Start()
	c.Stop()
	c.Stop()
}
