// Package router resolves a client's (user, database) pair to a
// Cluster, then classifies each SQL statement into a Command describing
// where and how it must be routed. Cluster resolution keeps the shape of
// the teacher's atomic.Value snapshot-swap Router; classification is new,
// built on pganalyze/pg_query_go/v6 per spec §4.5's dispatch table.
package router

import (
	"github.com/pgdog-go/pgdog/internal/cache"
	"github.com/pgdog-go/pgdog/internal/cluster"
)

// Role says whether a routed statement reads or writes.
type Role int

const (
	RoleRead Role = iota
	RoleWrite
)

// Target names which shard(s) a statement must reach.
type Target struct {
	All    bool
	Shards []int // one element: Direct; many: Multi
}

// DirectTarget targets exactly one shard.
func DirectTarget(shard int) Target { return Target{Shards: []int{shard}} }

// AllTarget targets every shard (broadcast).
func AllTarget() Target { return Target{All: true} }

// MultiTarget targets more than one, but not all, shards.
func MultiTarget(shards []int) Target { return Target{Shards: shards} }

// Route is a role plus a shard target.
type Route struct {
	Role   Role
	Target Target
}

// Kind enumerates the Command variants spec §4.5 dispatches to.
type Kind int

const (
	KindQuery Kind = iota
	KindStartTransaction
	KindCommitTransaction
	KindRollbackTransaction
	KindSetShard
	KindSet
	KindShowShards
	KindDeallocate
	KindRewrite
	KindListen
	KindNotify
	KindUnlisten
	KindCopy
)

// Command is the router's output for one statement.
type Command struct {
	Kind Kind
	Route Route

	// StartTransaction
	TransactionText string
	ReadOnly        bool

	// Set / SetShard
	SetName  string
	SetValue string

	// ShowShards
	ShardCount int

	// Listen/Notify/Unlisten
	Channel string
	Payload string

	// Copy
	CopyFrom bool
	// CopyTable and CopyColumns name the target table and, when the
	// client's COPY statement listed an explicit column list, the
	// columns in their on-wire order — the engine uses them to find
	// which tab-delimited field of each COPY FROM STDIN row holds the
	// sharded column's value (spec §4.5's Copy(parser)). CopyColumns is
	// nil when the statement omitted the column list, in which case the
	// row's field order can't be matched to a column name without a
	// schema the proxy doesn't have, and every row broadcasts instead.
	CopyTable   string
	CopyColumns []string

	// RewrittenSQL is non-empty when the statement actually sent to the
	// backend(s) must differ from the client's original text: a
	// KindRewrite PREPARE/EXECUTE renamed to the prepared-statement
	// cache's globally unique name, or a KindQuery SELECT whose AVG(x)
	// targets were split into SUM(x)/COUNT(x) so a multi-shard merge can
	// recombine them into an exact weighted average (spec §4.7/§8).
	RewrittenSQL string

	// Query, when the route fans out to more than one shard: how the
	// binding must merge the per-shard result sets back into one stream.
	Merge *MergePlan
}

// SortDir is an ORDER BY column's direction.
type SortDir int

const (
	SortAsc SortDir = iota
	SortDesc
)

// OrderBy is one ORDER BY key: either a named result column or, for
// nearest-centroid vector search, the `<->` distance to a literal.
type OrderBy struct {
	Column string
	Dir    SortDir
	Vector bool
}

// AggKind enumerates the aggregate functions spec §4.7 must merge
// correctly across shards (SUM/COUNT by adding partials, AVG by
// combining (sum, count) pairs, MIN/MAX by comparing).
type AggKind int

const (
	AggSum AggKind = iota
	AggCount
	AggAvg
	AggMin
	AggMax
)

// Aggregate is one aggregate target-list entry: Column is the function's
// argument column (empty for COUNT(*)); Alias is the output column name
// the binding must recognize it by in each shard's RowDescription.
//
// CountAlias is set only for an AggAvg entry whose backend query was
// rewritten to also select a COUNT alongside the (renamed-to-SUM)
// original column: it names the synthetic column the binding divides
// the folded sum by, and the column mergeAndEmit drops from the result
// the client actually sees.
type Aggregate struct {
	Kind       AggKind
	Column     string
	Alias      string
	CountAlias string
}

// Distinct describes DISTINCT / DISTINCT ON(...) on a SELECT's output.
// On empty means whole-row distinct.
type Distinct struct {
	On []string
}

// MergePlan is the set of post-fan-out operations the binding applies to
// a multi-shard SELECT's combined row stream: aggregate first (so an
// ORDER BY referencing the aggregate's alias has something to sort),
// then sort, then distinct, then limit/offset.
type MergePlan struct {
	OrderBy    []OrderBy
	GroupBy    []string
	Aggregates []Aggregate
	Distinct   *Distinct
	Limit      *int64
	Offset     *int64

	// DropColumns names synthetic columns (an AVG rewrite's CountAlias)
	// that exist in each shard's actual response but must not appear in
	// the result mergeAndEmit forwards to the client.
	DropColumns []string
}

// Context carries the per-statement state the classifier needs beyond
// the SQL text itself.
type Context struct {
	Cluster           *cluster.Cluster
	InTransaction     bool
	ReadWriteStrategy string // "conservative" | "aggressive"
	UseParser         bool

	// FullPreparedStatements gates the simple-protocol PREPARE/EXECUTE
	// rewrite spec §4.5 describes: off, those statements are classified
	// (and routed) like any other statement instead of being renamed to
	// a process-wide unique name.
	FullPreparedStatements bool
	// Prepared is the process-wide prepared-statement cache a
	// FullPreparedStatements PREPARE registers its rewritten name with.
	Prepared *cache.PreparedCache
	// ResolvePrepared looks up the global name a prior simple-protocol
	// PREPARE on this same connection registered under name, for an
	// EXECUTE to rewrite against. nil disables the lookup.
	ResolvePrepared func(name string) (string, bool)
	// RecordPrepared records that this connection's simple-protocol
	// PREPARE name now maps to global, for a later EXECUTE or
	// DEALLOCATE to resolve. nil means nothing is recorded.
	RecordPrepared func(name, global string)
}
