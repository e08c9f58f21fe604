package cache

import (
	"testing"
	"time"
)

// =============================================================================
// LRU Cache Tests
// =============================================================================

// TestSetGet_EvictsLeastRecentlyUsed verifies capacity eviction follows
// recency, not insertion order.
func TestSetGet_EvictsLeastRecentlyUsed(t *testing.T) {
	c := New[string, int](2, 0)

	c.Set("a", 1)
	c.Set("b", 2)

	// Touch a so b becomes the eviction candidate.
	if _, ok := c.Get("a"); !ok {
		t.Fatal("a should be present")
	}
	c.Set("c", 3)

	if _, ok := c.Get("b"); ok {
		t.Error("b should have been evicted")
	}
	if _, ok := c.Get("a"); !ok {
		t.Error("recently used a should survive")
	}
	if _, ok := c.Get("c"); !ok {
		t.Error("c should be present")
	}
	if c.Evictions() != 1 {
		t.Errorf("evictions = %d, want 1", c.Evictions())
	}
}

// TestSet_RefreshDoesNotEvict verifies updating an existing key is not an
// insertion.
func TestSet_RefreshDoesNotEvict(t *testing.T) {
	c := New[string, int](2, 0)

	c.Set("a", 1)
	c.Set("b", 2)
	c.Set("a", 10)

	if c.Len() != 2 {
		t.Errorf("len = %d, want 2", c.Len())
	}
	if v, _ := c.Get("a"); v != 10 {
		t.Errorf("a = %d, want 10", v)
	}
	if _, ok := c.Get("b"); !ok {
		t.Error("refresh must not evict b")
	}
}

// TestGet_ExpiredEntryDropped verifies TTL expiry on read.
func TestGet_ExpiredEntryDropped(t *testing.T) {
	c := New[string, int](10, 10*time.Millisecond)

	c.Set("a", 1)
	time.Sleep(20 * time.Millisecond)

	if _, ok := c.Get("a"); ok {
		t.Error("expired entry should be dropped")
	}
	if c.Len() != 0 {
		t.Errorf("len = %d after expiry read, want 0", c.Len())
	}
}

// TestRange_SkipsExpiredStopsEarly verifies iteration behavior.
func TestRange_SkipsExpiredStopsEarly(t *testing.T) {
	c := New[string, int](10, 0)
	c.Set("a", 1)
	c.Set("b", 2)
	c.Set("c", 3)

	seen := 0
	c.Range(func(string, int) bool {
		seen++
		return seen < 2
	})
	if seen != 2 {
		t.Errorf("range visited %d entries, want 2 (stopped early)", seen)
	}
}

// TestDelete_RemovesEntry verifies explicit removal.
func TestDelete_RemovesEntry(t *testing.T) {
	c := New[string, int](10, 0)
	c.Set("a", 1)
	c.Delete("a")
	c.Delete("missing")

	if _, ok := c.Get("a"); ok {
		t.Error("deleted entry still present")
	}
	if c.Len() != 0 {
		t.Errorf("len = %d, want 0", c.Len())
	}
}
