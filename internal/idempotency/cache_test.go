package idempotency

import (
	"errors"
	"fmt"
	"testing"
	"time"
)

const key = "client-token-0001"

func newTestCache(t *testing.T, max int, ttl time.Duration) *Cache {
	t.Helper()
	c, err := New(max, ttl)
	if err != nil {
		t.Fatalf("new cache: %v", err)
	}
	return c
}

func TestRecordAndReplay(t *testing.T) {
	c := newTestCache(t, 10, time.Hour)
	if err := c.Record(key, 201, []byte(`{"id":"r-1"}`)); err != nil {
		t.Fatalf("record: %v", err)
	}
	entry, ok, err := c.Lookup(key)
	if err != nil || !ok {
		t.Fatalf("lookup: ok=%v err=%v", ok, err)
	}
	if entry.StatusCode != 201 || string(entry.Body) != `{"id":"r-1"}` {
		t.Fatalf("unexpected entry: %+v", entry)
	}
}

func TestRecordCopiesBody(t *testing.T) {
	c := newTestCache(t, 10, time.Hour)
	body := []byte(`{"id":"r-1"}`)
	if err := c.Record(key, 200, body); err != nil {
		t.Fatalf("record: %v", err)
	}
	body[0] = 'X'
	entry, _, _ := c.Lookup(key)
	if string(entry.Body) != `{"id":"r-1"}` {
		t.Fatalf("cached body aliased the caller's slice: %s", entry.Body)
	}
}

func TestMalformedKeyRejected(t *testing.T) {
	c := newTestCache(t, 10, time.Hour)
	for _, bad := range []string{"", "short", "has spaces in it!", "contains/slash-chars"} {
		if _, _, err := c.Lookup(bad); !errors.Is(err, ErrInvalidKey) {
			t.Fatalf("lookup %q: expected ErrInvalidKey, got %v", bad, err)
		}
		if err := c.Record(bad, 200, nil); !errors.Is(err, ErrInvalidKey) {
			t.Fatalf("record %q: expected ErrInvalidKey, got %v", bad, err)
		}
	}
	// Exactly the canonical shape, including UUID strings.
	if err := ValidateKey("3b9aa1de-5f3c-4f6a-9a3e-000000000001"); err != nil {
		t.Fatalf("uuid key should validate: %v", err)
	}
}

func TestNonSuccessNotRecorded(t *testing.T) {
	c := newTestCache(t, 10, time.Hour)
	for _, status := range []int{199, 400, 409, 500} {
		if err := c.Record(key, status, []byte("nope")); err != nil {
			t.Fatalf("record %d: %v", status, err)
		}
	}
	if _, ok, _ := c.Lookup(key); ok {
		t.Fatalf("non-2xx response must not be cached")
	}
}

func TestTTLExpiry(t *testing.T) {
	c := newTestCache(t, 10, time.Minute)
	now := time.Date(2024, 6, 1, 12, 0, 0, 0, time.UTC)
	c.SetNow(func() time.Time { return now })

	if err := c.Record(key, 200, []byte("ok")); err != nil {
		t.Fatalf("record: %v", err)
	}
	now = now.Add(59 * time.Second)
	if _, ok, _ := c.Lookup(key); !ok {
		t.Fatalf("entry expired too early")
	}
	now = now.Add(2 * time.Second)
	if _, ok, _ := c.Lookup(key); ok {
		t.Fatalf("entry survived past TTL")
	}
	// An expired key is indistinguishable from a new one: re-recording works.
	if err := c.Record(key, 200, []byte("again")); err != nil {
		t.Fatalf("re-record: %v", err)
	}
	if entry, ok, _ := c.Lookup(key); !ok || string(entry.Body) != "again" {
		t.Fatalf("expected fresh entry after expiry, got ok=%v", ok)
	}
}

func TestLRUEviction(t *testing.T) {
	c := newTestCache(t, 3, time.Hour)
	keys := make([]string, 4)
	for i := range keys {
		keys[i] = fmt.Sprintf("client-token-%04d", i)
	}
	for _, k := range keys[:3] {
		if err := c.Record(k, 200, []byte(k)); err != nil {
			t.Fatalf("record: %v", err)
		}
	}
	// Touch the oldest so it becomes most recently used.
	if _, ok, _ := c.Lookup(keys[0]); !ok {
		t.Fatalf("expected hit for %s", keys[0])
	}
	if err := c.Record(keys[3], 200, []byte(keys[3])); err != nil {
		t.Fatalf("record: %v", err)
	}
	if _, ok, _ := c.Lookup(keys[1]); ok {
		t.Fatalf("expected %s evicted as least recently used", keys[1])
	}
	for _, k := range []string{keys[0], keys[2], keys[3]} {
		if _, ok, _ := c.Lookup(k); !ok {
			t.Fatalf("expected %s retained", k)
		}
	}
}

func TestPruneExpired(t *testing.T) {
	c := newTestCache(t, 10, time.Minute)
	now := time.Date(2024, 6, 1, 12, 0, 0, 0, time.UTC)
	c.SetNow(func() time.Time { return now })

	_ = c.Record("client-token-0001", 200, []byte("a"))
	now = now.Add(30 * time.Second)
	_ = c.Record("client-token-0002", 200, []byte("b"))
	now = now.Add(45 * time.Second)

	if pruned := c.PruneExpired(); pruned != 1 {
		t.Fatalf("expected 1 pruned, got %d", pruned)
	}
	if c.Len() != 1 {
		t.Fatalf("expected 1 entry left, got %d", c.Len())
	}
	if _, ok, _ := c.Lookup("client-token-0002"); !ok {
		t.Fatalf("younger entry must survive the prune")
	}
}
