// Package querycache remembers executed SQL under opaque tokens so clients
// can re-run a result without sending SQL back.
package querycache

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
)

const (
	// DefaultTTL is how long a token stays valid.
	DefaultTTL = time.Hour
	// DefaultMaxEntries bounds the cache before expired entries are purged.
	DefaultMaxEntries = 10000

	sweepInterval = 5 * time.Minute
)

// Entry is a cached query.
type Entry struct {
	SQL       string
	SessionID string
	CreatedAt time.Time
}

// Cache maps tokens to validated SQL.
type Cache struct {
	mu         sync.Mutex
	entries    map[string]Entry
	ttl        time.Duration
	maxEntries int
	now        func() time.Time
}

// New creates a cache. Non-positive values use the defaults.
func New(ttl time.Duration, maxEntries int) *Cache {
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	if maxEntries <= 0 {
		maxEntries = DefaultMaxEntries
	}
	return &Cache{
		entries:    make(map[string]Entry),
		ttl:        ttl,
		maxEntries: maxEntries,
		now:        time.Now,
	}
}

// Put stores sql for sessionID and returns its token.
func (c *Cache) Put(sql, sessionID string) string {
	token := uuid.NewString()

	c.mu.Lock()
	defer c.mu.Unlock()
	if len(c.entries) >= c.maxEntries {
		c.purgeLocked()
		if len(c.entries) >= c.maxEntries {
			c.evictOldestLocked()
		}
	}
	c.entries[token] = Entry{SQL: sql, SessionID: sessionID, CreatedAt: c.now()}
	return token
}

// Get returns the entry for token unless it is unknown or expired.
func (c *Cache) Get(token string) (Entry, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	e, ok := c.entries[token]
	if !ok {
		return Entry{}, false
	}
	if c.now().Sub(e.CreatedAt) > c.ttl {
		delete(c.entries, token)
		return Entry{}, false
	}
	return e, true
}

// Len reports the number of stored entries, including expired ones not yet
// swept.
func (c *Cache) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.entries)
}

// Sweep removes expired entries and returns how many were removed.
func (c *Cache) Sweep() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.purgeLocked()
}

func (c *Cache) purgeLocked() int {
	now := c.now()
	removed := 0
	for token, e := range c.entries {
		if now.Sub(e.CreatedAt) > c.ttl {
			delete(c.entries, token)
			removed++
		}
	}
	return removed
}

func (c *Cache) evictOldestLocked() {
	var oldest string
	var oldestAt time.Time
	for token, e := range c.entries {
		if oldest == "" || e.CreatedAt.Before(oldestAt) {
			oldest, oldestAt = token, e.CreatedAt
		}
	}
	delete(c.entries, oldest)
}

// StartSweeper periodically removes expired entries until ctx is done.
func (c *Cache) StartSweeper(ctx context.Context) {
	ticker := time.NewTicker(sweepInterval)
	go func() {
		defer ticker.Stop()
		slog.Info("Query cache sweeper started", "interval", sweepInterval, "ttl", c.ttl)

		for {
			select {
			case <-ticker.C:
				if n := c.Sweep(); n > 0 {
					slog.Debug("Query cache swept expired tokens", "count", n)
				}
			case <-ctx.Done():
				slog.Info("Query cache sweeper shutting down", "reason", ctx.Err())
				return
			}
		}
	}()
}
