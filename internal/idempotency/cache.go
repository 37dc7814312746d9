// Package idempotency makes mutating endpoints safely retryable: a
// client-supplied token maps to the recorded response of the first successful
// attempt, and replays return that response instead of re-running the
// mutation.
package idempotency

import (
	"errors"
	"regexp"
	"time"

	lru "github.com/hashicorp/golang-lru/v2"
)

// ErrInvalidKey rejects keys that do not match the canonical token shape.
var ErrInvalidKey = errors.New("idempotency key must be 16-128 characters of [A-Za-z0-9_-]")

// keyPattern is the canonical client-token alphabet; UUID strings qualify.
var keyPattern = regexp.MustCompile(`^[A-Za-z0-9_-]{16,128}$`)

// Entry is a cached response. Expired or evicted entries are
// indistinguishable from never-seen keys.
type Entry struct {
	Key        string
	StatusCode int
	Body       []byte
	CreatedAt  time.Time
}

// Cache is a bounded, per-process response cache with LRU eviction and a
// fixed time-to-live. It is constructed per server instance, never shared
// ambient state.
type Cache struct {
	store *lru.Cache[string, Entry]
	ttl   time.Duration
	now   func() time.Time
}

// New builds a cache holding at most maxEntries responses for at most ttl.
func New(maxEntries int, ttl time.Duration) (*Cache, error) {
	if maxEntries <= 0 {
		maxEntries = 500
	}
	if ttl <= 0 {
		ttl = time.Hour
	}
	store, err := lru.New[string, Entry](maxEntries)
	if err != nil {
		return nil, err
	}
	return &Cache{store: store, ttl: ttl, now: time.Now}, nil
}

// SetNow overrides the clock; tests use it to fast-forward expiry.
func (c *Cache) SetNow(now func() time.Time) {
	if now != nil {
		c.now = now
	}
}

// ValidateKey checks the canonical token shape without touching storage.
func ValidateKey(key string) error {
	if !keyPattern.MatchString(key) {
		return ErrInvalidKey
	}
	return nil
}

// Lookup returns the cached response for key. A malformed key errors before
// storage is consulted; expired entries are dropped and reported as misses.
func (c *Cache) Lookup(key string) (Entry, bool, error) {
	if err := ValidateKey(key); err != nil {
		return Entry{}, false, err
	}
	entry, ok := c.store.Get(key)
	if !ok {
		return Entry{}, false, nil
	}
	if c.now().Sub(entry.CreatedAt) > c.ttl {
		c.store.Remove(key)
		return Entry{}, false, nil
	}
	return entry, true, nil
}

// Record caches a response under key. Only success-range statuses are
// recorded; a failed attempt stays replayable with the same key.
func (c *Cache) Record(key string, statusCode int, body []byte) error {
	if err := ValidateKey(key); err != nil {
		return err
	}
	if statusCode < 200 || statusCode >= 300 {
		return nil
	}
	buf := make([]byte, len(body))
	copy(buf, body)
	c.store.Add(key, Entry{
		Key:        key,
		StatusCode: statusCode,
		Body:       buf,
		CreatedAt:  c.now(),
	})
	return nil
}

// PruneExpired removes entries past their TTL and returns how many were
// dropped. Size pressure already evicts via LRU; this keeps long-idle caches
// from pinning stale memory.
func (c *Cache) PruneExpired() int {
	cutoff := c.now().Add(-c.ttl)
	pruned := 0
	for _, key := range c.store.Keys() {
		entry, ok := c.store.Peek(key)
		if ok && entry.CreatedAt.Before(cutoff) {
			c.store.Remove(key)
			pruned++
		}
	}
	return pruned
}

// Len reports the number of cached entries, expired or not.
func (c *Cache) Len() int {
	return c.store.Len()
}
