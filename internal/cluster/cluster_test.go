package cluster

import (
	"testing"

	"github.com/pgdog-go/pgdog/internal/pool"
)

func newTestShard(t *testing.T, number int, hasPrimary bool, replicas int) *Shard {
	t.Helper()
	s := &Shard{Number: number}
	if hasPrimary {
		s.Primary = pool.New(pool.Config{Max: 1}, nil)
		t.Cleanup(s.Primary.Shutdown)
	}
	for i := 0; i < replicas; i++ {
		p := pool.New(pool.Config{Max: 1}, nil)
		t.Cleanup(p.Shutdown)
		s.Replicas = append(s.Replicas, p)
	}
	return s
}

func TestClusterPickForWriteUsesPrimary(t *testing.T) {
	shard := newTestShard(t, 0, true, 2)
	c := New("test", []*Shard{shard}, SplitIncludePrimary, NewLoadBalancer(StrategyRoundRobin), nil)

	got, err := c.PickForWrite(0)
	if err != nil {
		t.Fatalf("PickForWrite: %v", err)
	}
	if got != shard.Primary {
		t.Fatalf("expected write to route to primary")
	}
}

func TestClusterPickForWriteErrorsWithoutPrimary(t *testing.T) {
	shard := newTestShard(t, 0, false, 2)
	c := New("test", []*Shard{shard}, SplitIncludePrimary, NewLoadBalancer(StrategyRoundRobin), nil)

	if _, err := c.PickForWrite(0); err == nil {
		t.Fatalf("expected error writing to a replica-only shard")
	}
}

func TestClusterPickForReadExcludesPrimaryWhenConfigured(t *testing.T) {
	shard := newTestShard(t, 0, true, 2)
	c := New("test", []*Shard{shard}, SplitExcludePrimary, NewLoadBalancer(StrategyRoundRobin), nil)

	for i := 0; i < 10; i++ {
		got, err := c.PickForRead(0, "")
		if err != nil {
			t.Fatalf("PickForRead: %v", err)
		}
		if got == shard.Primary {
			t.Fatalf("expected SplitExcludePrimary to never route reads to the primary")
		}
	}
}

func TestClusterPickForReadFallsBackToPrimaryWithoutReplicas(t *testing.T) {
	shard := newTestShard(t, 0, true, 0)
	c := New("test", []*Shard{shard}, SplitExcludePrimary, NewLoadBalancer(StrategyRoundRobin), nil)

	got, err := c.PickForRead(0, "")
	if err != nil {
		t.Fatalf("PickForRead: %v", err)
	}
	if got != shard.Primary {
		t.Fatalf("expected fallback to primary when shard has no replicas")
	}
}

func TestClusterPickForReadErrorsWithNeitherPrimaryNorReplicas(t *testing.T) {
	shard := newTestShard(t, 0, false, 0)
	c := New("test", []*Shard{shard}, SplitExcludePrimary, NewLoadBalancer(StrategyRoundRobin), nil)

	if _, err := c.PickForRead(0, ""); err == nil {
		t.Fatalf("expected error reading from an empty shard")
	}
}

func TestClusterShardOutOfRange(t *testing.T) {
	c := New("test", []*Shard{newTestShard(t, 0, true, 1)}, SplitIncludePrimary, NewLoadBalancer(StrategyRoundRobin), nil)
	if _, err := c.Shard(1); err == nil {
		t.Fatalf("expected out-of-range shard lookup to error")
	}
}

func TestClusterAffinityRoutesSameKeyToSamePool(t *testing.T) {
	shard := newTestShard(t, 0, false, 4)
	c := New("test", []*Shard{shard}, SplitExcludePrimary, NewLoadBalancer(StrategyAffinity), nil)

	first, err := c.PickForRead(0, "tenant-42")
	if err != nil {
		t.Fatalf("PickForRead: %v", err)
	}
	for i := 0; i < 5; i++ {
		got, err := c.PickForRead(0, "tenant-42")
		if err != nil {
			t.Fatalf("PickForRead: %v", err)
		}
		if got != first {
			t.Fatalf("expected affinity strategy to be deterministic for the same key")
		}
	}
}

func TestClusterResolverLookup(t *testing.T) {
	shard := newTestShard(t, 0, true, 0)
	c := New("test", []*Shard{shard}, SplitIncludePrimary, NewLoadBalancer(StrategyRoundRobin), nil)
	if _, ok := c.Resolver("users"); ok {
		t.Fatalf("expected no resolver registered for an unconfigured table")
	}
}
