package cache

import (
	"sync"

	lru "github.com/hashicorp/golang-lru/v2"
	pg_query "github.com/pganalyze/pg_query_go/v6"
)

// ASTCache memoizes the parsed form of query text so the router doesn't
// re-parse identical statements (the common case under a prepared or
// repetitive workload). New: the teacher has no SQL parser to cache
// against; grounded in shape on its connection-pool LRU eviction
// pattern, backed here by the pack's own golang-lru.
type ASTCache struct {
	mu    sync.Mutex
	cache *lru.Cache[string, *pg_query.ParseResult]
	hits  uint64
	miss  uint64
}

// NewASTCache builds a cache holding up to capacity parsed queries.
func NewASTCache(capacity int) (*ASTCache, error) {
	c, err := lru.New[string, *pg_query.ParseResult](capacity)
	if err != nil {
		return nil, err
	}
	return &ASTCache{cache: c}, nil
}

// Parse returns the parsed AST for sql, parsing and caching it on a
// miss.
func (a *ASTCache) Parse(sql string) (*pg_query.ParseResult, error) {
	a.mu.Lock()
	if result, ok := a.cache.Get(sql); ok {
		a.hits++
		a.mu.Unlock()
		return result, nil
	}
	a.miss++
	a.mu.Unlock()

	result, err := pg_query.Parse(sql)
	if err != nil {
		return nil, err
	}

	a.mu.Lock()
	a.cache.Add(sql, result)
	a.mu.Unlock()
	return result, nil
}

// Stats reports cumulative hit/miss counts for monitoring.
func (a *ASTCache) Stats() (hits, misses uint64) {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.hits, a.miss
}

// Len reports how many parsed queries are currently cached.
func (a *ASTCache) Len() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.cache.Len()
}

// Purge empties the cache.
func (a *ASTCache) Purge() {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.cache.Purge()
}
