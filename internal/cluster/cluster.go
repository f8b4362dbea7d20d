package cluster

import (
	"fmt"

	"github.com/pgdog-go/pgdog/internal/pool"
	"github.com/pgdog-go/pgdog/internal/sharding"
)

// ReadWriteSplit controls whether the primary is eligible to serve
// reads alongside replicas (spec §4.2).
type ReadWriteSplit int

const (
	SplitIncludePrimary ReadWriteSplit = iota
	SplitExcludePrimary
)

// ParseReadWriteSplit maps a config string to a ReadWriteSplit.
func ParseReadWriteSplit(s string) ReadWriteSplit {
	if s == "exclude_primary" {
		return SplitExcludePrimary
	}
	return SplitIncludePrimary
}

// Cluster is one routable database: its shards, the resolvers built
// from its sharded-table schema, and the load-balancing policy reads
// use.
type Cluster struct {
	Name          string
	Shards        []*Shard
	Split         ReadWriteSplit
	// CrossShardOff mirrors this cluster's effective cross_shard_disabled
	// setting (a ClusterConfig override of the process-wide default).
	// internal/listener reads it when building the per-connection
	// engine.Options so a cluster-level override takes effect even
	// though the engine's own Options are otherwise process-wide.
	CrossShardOff  bool
	loadBalancer   *LoadBalancer
	tableResolvers map[string]*sharding.Resolver
}

// New builds a Cluster.
func New(name string, shards []*Shard, split ReadWriteSplit, lb *LoadBalancer, resolvers map[string]*sharding.Resolver) *Cluster {
	return &Cluster{
		Name:           name,
		Shards:         shards,
		Split:          split,
		loadBalancer:   lb,
		tableResolvers: resolvers,
	}
}

// ShardCount returns the number of shards in the cluster.
func (c *Cluster) ShardCount() int { return len(c.Shards) }

// Shard returns shard n, erroring if out of range.
func (c *Cluster) Shard(n int) (*Shard, error) {
	if n < 0 || n >= len(c.Shards) {
		return nil, fmt.Errorf("cluster %q: shard %d out of range (have %d)", c.Name, n, len(c.Shards))
	}
	return c.Shards[n], nil
}

// Resolver returns the sharding.Resolver for table, if the cluster has
// sharded-table configuration for it.
func (c *Cluster) Resolver(table string) (*sharding.Resolver, bool) {
	r, ok := c.tableResolvers[table]
	return r, ok
}

// AnyResolver returns an arbitrary sharded-table resolver, used for
// routing decisions that aren't tied to a specific table name — SET
// pgdog.sharding_key and LISTEN/NOTIFY channel shards — on the
// assumption that a cluster has one sharding dimension in practice.
func (c *Cluster) AnyResolver() (*sharding.Resolver, bool) {
	for _, r := range c.tableResolvers {
		return r, true
	}
	return nil, false
}

// PickForWrite always routes to the shard's primary — writes never
// consider ReadWriteSplit.
func (c *Cluster) PickForWrite(shardNum int) (*pool.Pool, error) {
	shard, err := c.Shard(shardNum)
	if err != nil {
		return nil, err
	}
	if shard.Primary == nil {
		return nil, fmt.Errorf("cluster %q: shard %d has no primary to write to", c.Name, shardNum)
	}
	return shard.Primary, nil
}

// PickForRead routes a read to a replica (or the primary, per Split
// and shard.rs's fallback chain when no replicas are configured).
func (c *Cluster) PickForRead(shardNum int, affinityKey string) (*pool.Pool, error) {
	shard, err := c.Shard(shardNum)
	if err != nil {
		return nil, err
	}

	if c.Split == SplitExcludePrimary && len(shard.Replicas) > 0 {
		idx := c.loadBalancer.Pick(shard.Replicas, affinityKey)
		return shard.Replicas[idx], nil
	}

	if c.Split == SplitIncludePrimary && shard.Primary != nil && len(shard.Replicas) == 0 {
		return shard.Primary, nil
	}

	if len(shard.Replicas) == 0 {
		if shard.Primary != nil {
			return shard.Primary, nil
		}
		return nil, fmt.Errorf("cluster %q: shard %d has neither primary nor replicas", c.Name, shardNum)
	}

	candidates := shard.Replicas
	if c.Split == SplitIncludePrimary && shard.Primary != nil {
		candidates = append(append([]*pool.Pool{}, shard.Replicas...), shard.Primary)
	}
	idx := c.loadBalancer.Pick(candidates, affinityKey)
	return candidates[idx], nil
}

// Shutdown shuts down every shard's pools.
func (c *Cluster) Shutdown() {
	for _, s := range c.Shards {
		s.Shutdown()
	}
}
