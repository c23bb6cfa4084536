package ttlcache

import (
	"testing"
	"time"
)

func TestGetMissesExpiredEntries(t *testing.T) {
	c := New[string, int](time.Minute)
	now := time.Date(2023, 2, 1, 12, 0, 0, 0, time.UTC)
	c.now = func() time.Time { return now }

	c.Set("a", 1)

	if v, ok := c.Get("a"); !ok || v != 1 {
		t.Fatalf("Get = (%d, %v), want (1, true)", v, ok)
	}

	now = now.Add(2 * time.Minute)
	if _, ok := c.Get("a"); ok {
		t.Fatal("expired entry must be a miss")
	}
}

func TestSetTTLOverridesDefault(t *testing.T) {
	c := New[string, int](time.Minute)
	now := time.Date(2023, 2, 1, 12, 0, 0, 0, time.UTC)
	c.now = func() time.Time { return now }

	c.SetTTL("a", 1, time.Hour)
	now = now.Add(30 * time.Minute)
	if _, ok := c.Get("a"); !ok {
		t.Fatal("entry with a long TTL expired early")
	}
}

func TestDelete(t *testing.T) {
	c := New[string, int](time.Minute)
	c.Set("a", 1)
	c.Delete("a")
	if _, ok := c.Get("a"); ok {
		t.Fatal("deleted entry still present")
	}
	c.Delete("missing") // no-op
}

func TestSweepEvictsOnlyExpired(t *testing.T) {
	c := New[string, int](time.Minute)
	now := time.Date(2023, 2, 1, 12, 0, 0, 0, time.UTC)
	c.now = func() time.Time { return now }

	c.Set("old", 1)
	now = now.Add(2 * time.Minute)
	c.Set("fresh", 2)

	if removed := c.Sweep(); removed != 1 {
		t.Fatalf("Sweep removed %d entries, want 1", removed)
	}
	if c.Len() != 1 {
		t.Fatalf("Len = %d, want 1", c.Len())
	}
	if _, ok := c.Get("fresh"); !ok {
		t.Fatal("live entry was swept")
	}
}
