// Package cluster models one logical database as a set of shards, each
// with a primary and zero or more replicas, and picks which pool to
// route a query to. Grounded on
// original_source/pgdog/src/backend/pool/shard.rs's primary/replica
// selection and replica-to-primary fallback chain.
package cluster

import (
	"fmt"

	"github.com/pgdog-go/pgdog/internal/pool"
)

// Role identifies which side of a shard a pool serves.
type Role int

const (
	RolePrimary Role = iota
	RoleReplica
)

func (r Role) String() string {
	if r == RolePrimary {
		return "primary"
	}
	return "replica"
}

// Shard holds one shard's primary pool (optional, per spec's
// replica-only configuration) and ordered replica pools.
type Shard struct {
	Number   int
	Primary  *pool.Pool
	Replicas []*pool.Pool
}

// HasPrimary reports whether this shard has a configured primary.
func (s *Shard) HasPrimary() bool { return s.Primary != nil }

// ReplicaOrPrimary returns replica pool i, or the primary if no
// replicas are configured at all — shard.rs's replica() falls back to
// primary() rather than erroring when a shard is primary-only.
func (s *Shard) ReplicaOrPrimary(i int) (*pool.Pool, error) {
	if len(s.Replicas) > 0 {
		return s.Replicas[i%len(s.Replicas)], nil
	}
	if s.Primary != nil {
		return s.Primary, nil
	}
	return nil, fmt.Errorf("cluster: shard %d has neither replicas nor a primary", s.Number)
}

// PrimaryOrReplica prefers the primary when present, falling back to a
// replica — shard.rs's primary_or_replica().
func (s *Shard) PrimaryOrReplica(pick func(n int) int) (*pool.Pool, error) {
	if s.Primary != nil {
		return s.Primary, nil
	}
	if len(s.Replicas) > 0 {
		return s.Replicas[pick(len(s.Replicas))%len(s.Replicas)], nil
	}
	return nil, fmt.Errorf("cluster: shard %d has neither primary nor replicas", s.Number)
}

// Pools returns every pool this shard manages (primary first, then
// replicas in order) — used by admin SHOW commands and the healthcheck
// fan-out.
func (s *Shard) Pools() []*pool.Pool {
	out := make([]*pool.Pool, 0, 1+len(s.Replicas))
	if s.Primary != nil {
		out = append(out, s.Primary)
	}
	out = append(out, s.Replicas...)
	return out
}

// Shutdown shuts down every pool this shard manages.
func (s *Shard) Shutdown() {
	for _, p := range s.Pools() {
		p.Shutdown()
	}
}
