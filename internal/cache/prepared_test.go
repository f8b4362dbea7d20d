package cache

import (
	"strconv"
	"testing"

	"github.com/pgdog-go/pgdog/internal/wire"
)

// Ported from global_cache.rs's test_prep_stmt_cache_close: pins the
// exact eviction arithmetic of Close — an entry with used>0 survives
// regardless of capacity, and is only removed once its usage reaches
// zero AND the cache exceeds capacity.
func TestPreparedCacheCloseEviction(t *testing.T) {
	c := NewPreparedCache()
	parse := wire.Parse{Name: "test", SQL: "SELECT $1"}

	isNew, name := c.Insert(parse)
	if !isNew || name != "__pgdog_1" {
		t.Fatalf("expected new __pgdog_1, got new=%v name=%s", isNew, name)
	}

	for i := 0; i < 25; i++ {
		isNew, name := c.Insert(parse)
		if isNew || name != "__pgdog_1" {
			t.Fatalf("expected reuse of __pgdog_1, got new=%v name=%s", isNew, name)
		}
	}

	for i := 0; i < 25; i++ {
		c.Close("__pgdog_1", 0)
	}
	if c.Len() != 1 {
		t.Fatalf("expected statement to survive while still used, Len()=%d", c.Len())
	}

	c.Close("__pgdog_1", 0)
	if !c.IsEmpty() {
		t.Fatalf("expected cache empty after final close, Len()=%d", c.Len())
	}

	name = c.InsertAnyway(parse)
	c.Close(name, 0)
	if !c.IsEmpty() {
		t.Fatalf("expected cache empty after closing insert_anyway entry")
	}
}

// Ported from global_cache.rs's test_remove_unused: pins close_unused's
// exact arithmetic (remove = len - capacity, capped by how many used==0
// entries actually exist).
func TestPreparedCacheCloseUnused(t *testing.T) {
	c := NewPreparedCache()
	var names []string

	for i := 0; i < 25; i++ {
		parse := wire.Parse{Name: "__sqlx_1", SQL: sqlForIndex(i)}
		isNew, name := c.Insert(parse)
		if !isNew {
			t.Fatalf("expected new entry for index %d", i)
		}
		names = append(names, name)
	}

	if n := c.CloseUnused(0); n != 0 {
		t.Fatalf("expected 0 removed (all entries still used), got %d", n)
	}

	for _, name := range names[0:5] {
		if c.Close(name, 25) {
			t.Fatalf("expected Close(%s, 25) to not evict: capacity is enough to keep unused around", name)
		}
	}

	if n := c.CloseUnused(26); n != 0 {
		t.Fatalf("expected 0 removed at capacity 26, got %d", n)
	}
	if n := c.CloseUnused(21); n != 4 {
		t.Fatalf("expected 4 removed at capacity 21, got %d", n)
	}
	if n := c.CloseUnused(20); n != 1 {
		t.Fatalf("expected 1 removed at capacity 20, got %d", n)
	}
	if n := c.CloseUnused(19); n != 0 {
		t.Fatalf("expected 0 removed at capacity 19 (no more unused entries), got %d", n)
	}
	if c.Len() != 20 {
		t.Fatalf("expected final length 20, got %d", c.Len())
	}
}

func sqlForIndex(i int) string {
	return "SELECT " + strconv.Itoa(i)
}
