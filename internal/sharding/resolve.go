package sharding

import "github.com/pgdog-go/pgdog/internal/config"

// Target is the outcome of resolving a value to one or more shards.
// All means the value couldn't be routed to a specific shard (no
// mapping matched, or the value's runtime type didn't match the
// column's declared DataType) and the query must broadcast to every
// shard — mirroring frontend::router::parser::Shard::All.
type Target struct {
	Shards []int
	All    bool
}

// Direct builds a single-shard Target.
func Direct(shard int) Target { return Target{Shards: []int{shard}} }

// AllShards builds a broadcast Target.
func AllShards() Target { return Target{All: true} }

// Resolver holds a sharded table's pre-parsed mapping and centroid
// state so repeated Resolve calls (one per row, one per bind parameter)
// don't re-parse the config on every call.
type Resolver struct {
	table     config.ShardedTableConfig
	hasher    Hasher
	centroids []Centroid
	shards    int
}

// Column is the sharded column name this resolver routes on.
func (r *Resolver) Column() string { return r.table.Column }

// DataType is the sharded column's declared type.
func (r *Resolver) DataType() config.DataType { return r.table.DataType }

// Table is the name of the table this resolver routes.
func (r *Resolver) Table() string { return r.table.Name }

// NewResolver builds a Resolver for one sharded table.
func NewResolver(table config.ShardedTableConfig, shards int) *Resolver {
	r := &Resolver{
		table:  table,
		hasher: NewHasher(table.Hasher),
		shards: shards,
	}
	if len(table.Centroids) > 0 {
		r.centroids = NewCentroids(table.Centroids, shards)
	}
	return r
}

// Resolve decides which shard(s) value belongs to, trying list and
// range mappings first (explicit routing rules take priority per
// list.rs/range.rs); a table with mappings that the value matches none
// of broadcasts. Without mappings, vector columns broadcast (centroid
// probing is ResolveVector's job) and everything else is hash
// partitioned. Grounded on context_builder.rs's Operator dispatch.
func (r *Resolver) Resolve(v Value) (Target, error) {
	if !v.Valid() && r.table.DataType != config.DataTypeVector {
		return AllShards(), nil
	}

	if hasMappingKind(r.table, config.MappingKindList) {
		if shard, ok, err := resolveList(r.table, v); err != nil {
			return Target{}, err
		} else if ok {
			return Direct(shard), nil
		}
	}
	if hasMappingKind(r.table, config.MappingKindRange) {
		if shard, ok, err := resolveRange(r.table, v); err != nil {
			return Target{}, err
		} else if ok {
			return Direct(shard), nil
		}
	}
	if hasMappingKind(r.table, config.MappingKindList) || hasMappingKind(r.table, config.MappingKindRange) {
		return AllShards(), nil
	}

	if r.table.DataType == config.DataTypeVector {
		return AllShards(), nil
	}

	hash, err := v.Hash(r.hasher)
	if err != nil {
		return Target{}, err
	}
	if hash == nil {
		return AllShards(), nil
	}
	return Direct(Modulus(*hash, r.shards)), nil
}

// ResolveVector probes the table's centroids directly for a vector
// value, fanning out to every shard among the nearest CentroidProbes
// centroids. Callers use this instead of Resolve for ORDER BY <->
// nearest-neighbor queries, since Resolve only ever reports AllShards
// for vector columns without an explicit probe vector.
func (r *Resolver) ResolveVector(value []float64) Target {
	if len(r.centroids) == 0 {
		return AllShards()
	}
	shards := NearestCentroids(r.centroids, value, r.table.CentroidProbes)
	if len(shards) == 0 {
		return AllShards()
	}
	return Target{Shards: shards}
}
