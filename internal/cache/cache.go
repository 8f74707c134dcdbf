// Package cache implements the optional write-back cache layer:
// synchronous reads/writes against an in-memory map, with durability to
// the engine manager handled off the hot path by a single drain
// goroutine and a periodic sweep for TTL eviction.
package cache

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"
)

// EngineWriter is the subset of the engine manager the cache drains
// into. It is a narrow interface (rather than the concrete manager
// type) so the cache package never needs to import the manager
// package's full surface.
type EngineWriter interface {
	Put(ctx context.Context, cf, key, value string, inTxn bool) error
	Delete(ctx context.Context, cf, key string, inTxn bool) error
}

type entryKey struct {
	cf  string
	key string
}

type entry struct {
	value  string
	expiry time.Time
}

// Cache is the (key, cf) -> (value, expiry) write-back layer. A disabled
// Cache answers every Get as a miss and performs no bookkeeping, so
// callers can construct one unconditionally and check Enabled() rather
// than branching at every call site.
type Cache struct {
	mu      sync.RWMutex
	entries map[entryKey]entry
	ttl     time.Duration
	enabled bool

	queue  *queue
	eng    EngineWriter
	logger *zap.SugaredLogger

	stopSweep chan struct{}
	sweepDone chan struct{}
}

// New constructs a Cache. When enabled is true it immediately spawns the
// drain and sweep background tasks; Close stops them.
func New(enabled bool, ttl time.Duration, eng EngineWriter, logger *zap.SugaredLogger) *Cache {
	c := &Cache{
		entries:   make(map[entryKey]entry),
		ttl:       ttl,
		enabled:   enabled,
		queue:     newQueue(),
		eng:       eng,
		logger:    logger,
		stopSweep: make(chan struct{}),
		sweepDone: make(chan struct{}),
	}
	if enabled {
		go c.drainLoop()
		go c.sweepLoop()
	} else {
		close(c.sweepDone)
	}
	return c
}

func (c *Cache) Enabled() bool {
	return c.enabled
}

// Close stops the background sweep task. The drain loop is not stopped:
// it stays blocked on the queue channel for the rest of the process.
func (c *Cache) Close() {
	if !c.enabled {
		return
	}
	close(c.stopSweep)
	<-c.sweepDone
}

func normalizeCF(cf string) string {
	if cf == "" {
		return "default"
	}
	return cf
}

// Get returns the cached value for (key, cf), extending its expiry on a
// hit (read-through refresh). ok is false on a miss or when the cache is
// disabled.
func (c *Cache) Get(key, cf string) (value string, ok bool) {
	if !c.enabled {
		return "", false
	}
	k := entryKey{cf: normalizeCF(cf), key: key}

	c.mu.Lock()
	defer c.mu.Unlock()

	e, found := c.entries[k]
	if !found || time.Now().After(e.expiry) {
		if found {
			delete(c.entries, k)
		}
		return "", false
	}
	e.expiry = time.Now().Add(c.ttl)
	c.entries[k] = e
	return e.value, true
}

// Put writes through to the in-memory map and enqueues a durable Put
// task for the drain loop.
func (c *Cache) Put(key, value, cf string) {
	if !c.enabled {
		return
	}
	k := entryKey{cf: normalizeCF(cf), key: key}

	c.mu.Lock()
	c.entries[k] = entry{value: value, expiry: time.Now().Add(c.ttl)}
	c.mu.Unlock()

	c.queue.push(task{kind: taskPut, key: key, value: value, cf: k.cf})
}

// Delete removes the cached entry and enqueues a durable Delete task.
func (c *Cache) Delete(key, cf string) {
	if !c.enabled {
		return
	}
	k := entryKey{cf: normalizeCF(cf), key: key}

	c.mu.Lock()
	delete(c.entries, k)
	c.mu.Unlock()

	c.queue.push(task{kind: taskDelete, key: key, cf: k.cf})
}

// Clear removes the cached entry without enqueueing a task, used to
// invalidate an entry immediately before a merge that must reach the
// engine directly.
func (c *Cache) Clear(key, cf string) {
	if !c.enabled {
		return
	}
	k := entryKey{cf: normalizeCF(cf), key: key}
	c.mu.Lock()
	delete(c.entries, k)
	c.mu.Unlock()
}

func (c *Cache) drainLoop() {
	ctx := context.Background()
	for t := range c.queue.pop() {
		var err error
		switch t.kind {
		case taskPut:
			err = c.eng.Put(ctx, t.cf, t.key, t.value, false)
		case taskDelete:
			err = c.eng.Delete(ctx, t.cf, t.key, false)
		}
		if err != nil {
			c.logger.Warnw("cache drain task failed, dropped", "cf", t.cf, "key", t.key, "error", err)
		}
	}
}

func (c *Cache) sweepLoop() {
	defer close(c.sweepDone)
	ticker := time.NewTicker(60 * time.Second)
	defer ticker.Stop()

	for {
		select {
		case <-c.stopSweep:
			return
		case <-ticker.C:
			c.sweepExpired()
		}
	}
}

func (c *Cache) sweepExpired() {
	now := time.Now()
	c.mu.Lock()
	defer c.mu.Unlock()
	for k, e := range c.entries {
		if now.After(e.expiry) {
			delete(c.entries, k)
		}
	}
}
