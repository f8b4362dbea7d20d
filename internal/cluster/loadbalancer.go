package cluster

import (
	"math/rand"
	"sync/atomic"

	"github.com/cespare/xxhash/v2"
	"github.com/spaolacci/murmur3"

	"github.com/pgdog-go/pgdog/internal/pool"
)

// Strategy selects which replica a read goes to. Random/RoundRobin/
// LeastActiveConnections are spec §4.2's three strategies; Affinity is
// a supplemented addition (original_source has no equivalent, but a
// sharded proxy benefits from routing the same session's repeat reads
// to the same replica for cache locality) modeled on
// rajbhupendra588-sharding-system/pkg/hashing's consistent-hash ring.
type Strategy int

const (
	StrategyRandom Strategy = iota
	StrategyRoundRobin
	StrategyLeastActiveConnections
	StrategyAffinity
)

// ParseStrategy maps a config string to a Strategy, defaulting to
// RoundRobin for an unrecognized value.
func ParseStrategy(s string) Strategy {
	switch s {
	case "random":
		return StrategyRandom
	case "least_active_connections":
		return StrategyLeastActiveConnections
	case "affinity":
		return StrategyAffinity
	default:
		return StrategyRoundRobin
	}
}

// HashFunction is the affinity strategy's pluggable hasher, mirroring
// the sharding-system example's HashFunction interface.
type HashFunction interface {
	Hash(key string) uint64
}

type xxHash struct{}

func (xxHash) Hash(key string) uint64 { return xxhash.Sum64String(key) }

type murmurHash struct{}

func (murmurHash) Hash(key string) uint64 {
	h := murmur3.New64()
	h.Write([]byte(key))
	return h.Sum64()
}

// NewHashFunction mirrors the sharding-system example's factory.
func NewHashFunction(name string) HashFunction {
	if name == "murmur3" {
		return murmurHash{}
	}
	return xxHash{}
}

// LoadBalancer picks a replica index among n replicas per Strategy.
type LoadBalancer struct {
	strategy Strategy
	counter  uint64
	hash     HashFunction
}

// NewLoadBalancer builds a LoadBalancer for strategy.
func NewLoadBalancer(strategy Strategy) *LoadBalancer {
	return &LoadBalancer{strategy: strategy, hash: NewHashFunction("xxhash")}
}

// Pick returns the index of the replica to use out of n, given the
// replicas' current Stats (for LeastActiveConnections) and an affinity
// key (for Affinity; ignored by the other strategies).
func (lb *LoadBalancer) Pick(replicas []*pool.Pool, affinityKey string) int {
	n := len(replicas)
	if n == 0 {
		return 0
	}
	switch lb.strategy {
	case StrategyRandom:
		return rand.Intn(n)
	case StrategyLeastActiveConnections:
		best := 0
		bestActive := -1
		for i, p := range replicas {
			stats := p.Stats()
			if bestActive == -1 || stats.CheckedOut < bestActive {
				bestActive = stats.CheckedOut
				best = i
			}
		}
		return best
	case StrategyAffinity:
		if affinityKey == "" {
			return int(atomic.AddUint64(&lb.counter, 1)) % n
		}
		return int(lb.hash.Hash(affinityKey) % uint64(n))
	default: // StrategyRoundRobin
		return int(atomic.AddUint64(&lb.counter, 1)) % n
	}
}
