package cache

import "testing"

func TestASTCacheHitsAndMisses(t *testing.T) {
	c, err := NewASTCache(4)
	if err != nil {
		t.Fatalf("NewASTCache: %v", err)
	}

	if _, err := c.Parse("SELECT 1"); err != nil {
		t.Fatalf("Parse: %v", err)
	}
	if _, err := c.Parse("SELECT 1"); err != nil {
		t.Fatalf("Parse: %v", err)
	}

	hits, misses := c.Stats()
	if hits != 1 || misses != 1 {
		t.Errorf("expected 1 hit, 1 miss, got hits=%d misses=%d", hits, misses)
	}
	if c.Len() != 1 {
		t.Errorf("expected 1 cached entry, got %d", c.Len())
	}
}

func TestASTCacheEvictsLRU(t *testing.T) {
	c, err := NewASTCache(2)
	if err != nil {
		t.Fatalf("NewASTCache: %v", err)
	}
	for _, q := range []string{"SELECT 1", "SELECT 2", "SELECT 3"} {
		if _, err := c.Parse(q); err != nil {
			t.Fatalf("Parse(%s): %v", q, err)
		}
	}
	if c.Len() != 2 {
		t.Errorf("expected capacity-bounded length 2, got %d", c.Len())
	}
}

func TestASTCacheInvalidQuery(t *testing.T) {
	c, err := NewASTCache(4)
	if err != nil {
		t.Fatalf("NewASTCache: %v", err)
	}
	if _, err := c.Parse("SELEKT malformed"); err == nil {
		t.Fatalf("expected parse error for malformed SQL")
	}
}
