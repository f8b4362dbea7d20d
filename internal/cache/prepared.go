package cache

import (
	"fmt"
	"sync"

	"github.com/pgdog-go/pgdog/internal/wire"
)

// globalName formats the process-wide unique prepared statement name
// used on every server connection, regardless of what name the client
// originally chose. Ported from global_cache.rs's global_name.
func globalName(counter uint64) string {
	return fmt.Sprintf("__pgdog_%d", counter)
}

// PreparedKey identifies a distinct prepared statement: same query text
// and parameter types map to the same cached plan; a version bump (used
// when a client insists on re-preparing under the same name, e.g. after
// DEALLOCATE/PREPARE churn) forces a fresh entry.
type PreparedKey struct {
	Query      string
	ParamTypes string // ParamTypes joined, since []uint32 isn't comparable as a map key
	Version    uint64
}

func paramTypesKey(types []uint32) string {
	out := make([]byte, 0, len(types)*4)
	for _, t := range types {
		out = append(out, byte(t>>24), byte(t>>16), byte(t>>8), byte(t))
	}
	return string(out)
}

type cachedEntry struct {
	counter uint64
	used    uint64
}

type statementEntry struct {
	parse          wire.Parse
	rowDescription *wire.RowDescription
	version        uint64
}

func (s statementEntry) cacheKey() PreparedKey {
	return PreparedKey{Query: s.parse.SQL, ParamTypes: paramTypesKey(s.parse.ParamTypes), Version: s.version}
}

// PreparedCache is the process-wide prepared statement cache: it maps a
// query's (text, param types) to one globally unique name shared by
// every server connection, so the same plan is reused across clients
// and shards. Ported line-for-line in behavior from
// global_cache.rs's GlobalCache, including its two pinned eviction
// tests (see prepared_test.go).
type PreparedCache struct {
	mu         sync.Mutex
	statements map[PreparedKey]*cachedEntry
	names      map[string]*statementEntry
	counter    uint64
	versions   uint64
}

// NewPreparedCache builds an empty cache.
func NewPreparedCache() *PreparedCache {
	return &PreparedCache{
		statements: make(map[PreparedKey]*cachedEntry),
		names:      make(map[string]*statementEntry),
	}
}

// Insert records parse with the cache and returns the globally unique
// name to use on server connections, and whether this call created a
// new entry (false means an existing statement was reused).
func (c *PreparedCache) Insert(parse wire.Parse) (isNew bool, name string) {
	c.mu.Lock()
	defer c.mu.Unlock()

	key := PreparedKey{Query: parse.SQL, ParamTypes: paramTypesKey(parse.ParamTypes), Version: 0}

	if entry, ok := c.statements[key]; ok {
		entry.used++
		return false, globalName(entry.counter)
	}

	c.counter++
	c.statements[key] = &cachedEntry{counter: c.counter, used: 1}

	name = globalName(c.counter)
	renamed := parse.WithName(name)
	c.names[name] = &statementEntry{parse: renamed, version: 0}
	return true, name
}

// InsertAnyway records parse under a fresh version, bypassing the
// duplicate check — used when a client's statement must be re-planned
// regardless of whether an identical one is already cached.
func (c *PreparedCache) InsertAnyway(parse wire.Parse) string {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.counter++
	c.versions++
	key := PreparedKey{Query: parse.SQL, ParamTypes: paramTypesKey(parse.ParamTypes), Version: c.versions}
	c.statements[key] = &cachedEntry{counter: c.counter, used: 1}

	name := globalName(c.counter)
	renamed := parse.WithName(name)
	c.names[name] = &statementEntry{parse: renamed, version: c.versions}
	return name
}

// InsertRowDescription records the RowDescription a Describe returned
// for name, the first time only — later Describes of the same
// statement can't change its shape.
func (c *PreparedCache) InsertRowDescription(name string, rd wire.RowDescription) {
	c.mu.Lock()
	defer c.mu.Unlock()

	entry, ok := c.names[name]
	if !ok || entry.rowDescription != nil {
		return
	}
	rdCopy := rd
	entry.rowDescription = &rdCopy
}

// Query returns the original SQL text stored for name.
func (c *PreparedCache) Query(name string) (string, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	entry, ok := c.names[name]
	if !ok {
		return "", false
	}
	return entry.parse.SQL, true
}

// Parse returns the Parse message stored for name, usable to prepare
// the statement on a new server connection.
func (c *PreparedCache) Parse(name string) (wire.Parse, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	entry, ok := c.names[name]
	if !ok {
		return wire.Parse{}, false
	}
	return entry.parse, true
}

// RowDescription returns the cached result shape for name, if known.
func (c *PreparedCache) RowDescription(name string) (wire.RowDescription, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	entry, ok := c.names[name]
	if !ok || entry.rowDescription == nil {
		return wire.RowDescription{}, false
	}
	return *entry.rowDescription, true
}

// Len reports how many distinct prepared statements are cached.
func (c *PreparedCache) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.statements)
}

// IsEmpty reports whether the cache holds no statements.
func (c *PreparedCache) IsEmpty() bool { return c.Len() == 0 }

// Close decrements name's usage count and evicts it once it's unused
// and the cache exceeds capacity, returning true if it was evicted.
// Matches global_cache.rs's close(): an entry with used>0 is never
// evicted regardless of capacity.
func (c *PreparedCache) Close(name string, capacity int) bool {
	c.mu.Lock()
	defer c.mu.Unlock()

	stillUsed := false
	if stmt, ok := c.names[name]; ok {
		if entry, ok := c.statements[stmt.cacheKey()]; ok {
			if entry.used > 0 {
				entry.used--
			}
			stillUsed = entry.used > 0
		}
	}

	if !stillUsed && len(c.statements) > capacity {
		c.remove(name)
		return true
	}
	return false
}

// CloseUnused evicts as many used==0 statements as needed to bring the
// cache down to capacity, returning the number evicted. Matches
// global_cache.rs's close_unused(): it never evicts more than
// len()-capacity entries and never touches a statement with used>0.
func (c *PreparedCache) CloseUnused(capacity int) int {
	c.mu.Lock()
	defer c.mu.Unlock()

	remove := len(c.statements) - capacity
	if remove <= 0 {
		return 0
	}

	var toRemove []string
	for name, stmt := range c.names {
		if remove <= 0 {
			break
		}
		entry, ok := c.statements[stmt.cacheKey()]
		if !ok || entry.used != 0 {
			continue
		}
		toRemove = append(toRemove, name)
		remove--
	}

	for _, name := range toRemove {
		c.remove(name)
	}
	return len(toRemove)
}

// remove deletes name from both maps. Caller must hold c.mu.
func (c *PreparedCache) remove(name string) {
	stmt, ok := c.names[name]
	if !ok {
		return
	}
	delete(c.names, name)
	delete(c.statements, stmt.cacheKey())
}

// Decrement lowers name's usage count without evicting it, used when a
// client-side Close message retires one reference but the statement may
// still be eligible for quiet reuse by another client.
func (c *PreparedCache) Decrement(name string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	stmt, ok := c.names[name]
	if !ok {
		return
	}
	if entry, ok := c.statements[stmt.cacheKey()]; ok && entry.used > 0 {
		entry.used--
	}
}

// Names returns the globally unique prepared statement names currently
// cached.
func (c *PreparedCache) Names() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]string, 0, len(c.names))
	for name := range c.names {
		out = append(out, name)
	}
	return out
}
