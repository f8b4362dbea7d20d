package router

import (
	"testing"

	"github.com/pgdog-go/pgdog/internal/cache"
	clusterpkg "github.com/pgdog-go/pgdog/internal/cluster"
	"github.com/pgdog-go/pgdog/internal/config"
	"github.com/pgdog-go/pgdog/internal/pool"
	"github.com/pgdog-go/pgdog/internal/sharding"
)

func newTestPoolPool(t *testing.T) *pool.Pool {
	t.Helper()
	p := pool.New(pool.Config{Max: 1}, nil)
	t.Cleanup(p.Shutdown)
	return p
}

// newOrdersCluster builds a two-shard cluster with a sharded "orders"
// table routed by a list mapping on "id" (5 -> shard 1) — a list
// mapping keeps the expected shard for a literal deterministic without
// needing to reproduce the partition hash by hand.
func newOrdersCluster(t *testing.T, shardCount int) *clusterpkg.Cluster {
	t.Helper()
	shards := make([]*clusterpkg.Shard, shardCount)
	for i := range shards {
		shards[i] = &clusterpkg.Shard{Number: i, Primary: newTestPoolPool(t)}
	}
	table := config.ShardedTableConfig{
		Name:     "orders",
		Column:   "id",
		DataType: config.DataTypeBigint,
		Hasher:   config.HasherPostgres,
		Mapping: []config.ShardedMapping{
			{Kind: config.MappingKindList, Values: []string{"5"}, Shard: 1},
		},
	}
	resolver := sharding.NewResolver(table, shardCount)
	return clusterpkg.New("orders_db", shards, clusterpkg.SplitIncludePrimary, clusterpkg.NewLoadBalancer(clusterpkg.StrategyRoundRobin), map[string]*sharding.Resolver{"orders": resolver})
}

func newSingleShardCluster(t *testing.T) *clusterpkg.Cluster {
	t.Helper()
	shard := &clusterpkg.Shard{Number: 0, Primary: newTestPoolPool(t)}
	return clusterpkg.New("single_db", []*clusterpkg.Shard{shard}, clusterpkg.SplitIncludePrimary, clusterpkg.NewLoadBalancer(clusterpkg.StrategyRoundRobin), nil)
}

func TestRegistryResolveUnknown(t *testing.T) {
	r := NewRegistry(map[string]*clusterpkg.Cluster{})
	if _, err := r.Resolve("nope"); err == nil {
		t.Fatalf("expected error resolving unknown database")
	}
}

func TestRegistryPauseResume(t *testing.T) {
	c := newSingleShardCluster(t)
	r := NewRegistry(map[string]*clusterpkg.Cluster{"single_db": c})

	if _, err := r.Resolve("single_db"); err != nil {
		t.Fatalf("Resolve: %v", err)
	}
	if !r.Pause("single_db") {
		t.Fatalf("expected Pause to succeed for known database")
	}
	if _, err := r.Resolve("single_db"); err == nil {
		t.Fatalf("expected paused database to fail resolution")
	}
	if !r.Resume("single_db") {
		t.Fatalf("expected Resume to succeed")
	}
	if _, err := r.Resolve("single_db"); err != nil {
		t.Fatalf("expected resumed database to resolve, got %v", err)
	}
}

func TestRegistryReloadPreservesPausedState(t *testing.T) {
	c := newSingleShardCluster(t)
	r := NewRegistry(map[string]*clusterpkg.Cluster{"single_db": c})
	r.Pause("single_db")

	r.Reload(map[string]*clusterpkg.Cluster{"single_db": c})
	if !r.IsPaused("single_db") {
		t.Fatalf("expected paused state to survive reload for a cluster that still exists")
	}
}

func TestClassifySingleShardClusterDefaultsDirect(t *testing.T) {
	c := newSingleShardCluster(t)
	ctx := Context{Cluster: c, ReadWriteStrategy: "aggressive"}
	cmd, err := Classify(ctx, "SELECT 1", nil, false)
	if err != nil {
		t.Fatalf("Classify: %v", err)
	}
	if cmd.Kind != KindQuery || cmd.Route.Target.All || cmd.Route.Target.Shards[0] != 0 {
		t.Fatalf("expected single-shard direct route, got %+v", cmd)
	}
}

func TestClassifyBeginDetectsReadOnly(t *testing.T) {
	c := newOrdersCluster(t, 2)
	ctx := Context{Cluster: c, ReadWriteStrategy: "aggressive"}
	cmd, err := Classify(ctx, "BEGIN READ ONLY", nil, false)
	if err != nil {
		t.Fatalf("Classify: %v", err)
	}
	if cmd.Kind != KindStartTransaction || !cmd.ReadOnly {
		t.Fatalf("expected read-only start transaction, got %+v", cmd)
	}
}

func TestClassifyCommitRollback(t *testing.T) {
	c := newOrdersCluster(t, 2)
	ctx := Context{Cluster: c}
	commit, err := Classify(ctx, "COMMIT", nil, false)
	if err != nil || commit.Kind != KindCommitTransaction {
		t.Fatalf("expected CommitTransaction, got %+v err=%v", commit, err)
	}
	rollback, err := Classify(ctx, "ROLLBACK", nil, false)
	if err != nil || rollback.Kind != KindRollbackTransaction {
		t.Fatalf("expected RollbackTransaction, got %+v err=%v", rollback, err)
	}
}

func TestClassifyInsertRoutesByListMapping(t *testing.T) {
	c := newOrdersCluster(t, 2)
	ctx := Context{Cluster: c}
	cmd, err := Classify(ctx, "INSERT INTO orders (id, total) VALUES (5, 10)", nil, false)
	if err != nil {
		t.Fatalf("Classify: %v", err)
	}
	if cmd.Route.Role != RoleWrite || cmd.Route.Target.All || cmd.Route.Target.Shards[0] != 1 {
		t.Fatalf("expected direct write to shard 1, got %+v", cmd)
	}
}

func TestClassifyUpdateWithoutWhereBroadcasts(t *testing.T) {
	c := newOrdersCluster(t, 2)
	ctx := Context{Cluster: c}
	cmd, err := Classify(ctx, "UPDATE orders SET total = 0", nil, false)
	if err != nil {
		t.Fatalf("Classify: %v", err)
	}
	if !cmd.Route.Target.All {
		t.Fatalf("expected UPDATE with no WHERE to broadcast, got %+v", cmd)
	}
}

func TestClassifyDeleteWithEqualityRoutesDirect(t *testing.T) {
	c := newOrdersCluster(t, 2)
	ctx := Context{Cluster: c}
	cmd, err := Classify(ctx, "DELETE FROM orders WHERE id = 5", nil, false)
	if err != nil {
		t.Fatalf("Classify: %v", err)
	}
	if cmd.Route.Target.All || cmd.Route.Target.Shards[0] != 1 {
		t.Fatalf("expected direct delete to shard 1, got %+v", cmd)
	}
}

func TestClassifySetShardPins(t *testing.T) {
	c := newOrdersCluster(t, 2)
	ctx := Context{Cluster: c}
	cmd, err := Classify(ctx, "SET pgdog.shard = 1", nil, false)
	if err != nil {
		t.Fatalf("Classify: %v", err)
	}
	if cmd.Kind != KindSetShard || cmd.Route.Target.Shards[0] != 1 {
		t.Fatalf("expected pinned shard 1, got %+v", cmd)
	}
}

func TestClassifyOrdinarySet(t *testing.T) {
	c := newOrdersCluster(t, 2)
	ctx := Context{Cluster: c}
	cmd, err := Classify(ctx, "SET statement_timeout = 5000", nil, false)
	if err != nil {
		t.Fatalf("Classify: %v", err)
	}
	if cmd.Kind != KindSet || cmd.SetName != "statement_timeout" {
		t.Fatalf("expected ordinary Set command, got %+v", cmd)
	}
}

func TestClassifyShowShards(t *testing.T) {
	c := newOrdersCluster(t, 2)
	ctx := Context{Cluster: c}
	cmd, err := Classify(ctx, "SHOW pgdog.shards", nil, false)
	if err != nil {
		t.Fatalf("Classify: %v", err)
	}
	if cmd.Kind != KindShowShards || cmd.ShardCount != 2 {
		t.Fatalf("expected ShowShards with count 2, got %+v", cmd)
	}
}

func TestClassifyDeallocate(t *testing.T) {
	c := newOrdersCluster(t, 2)
	ctx := Context{Cluster: c}
	cmd, err := Classify(ctx, "DEALLOCATE foo", nil, false)
	if err != nil {
		t.Fatalf("Classify: %v", err)
	}
	if cmd.Kind != KindDeallocate || cmd.SetName != "foo" {
		t.Fatalf("expected Deallocate(foo), got %+v", cmd)
	}
}

func TestClassifyShardCommentOverride(t *testing.T) {
	c := newOrdersCluster(t, 2)
	ctx := Context{Cluster: c}
	cmd, err := Classify(ctx, "/* pgdog_shard: 1 */ SELECT * FROM orders", nil, false)
	if err != nil {
		t.Fatalf("Classify: %v", err)
	}
	if cmd.Route.Target.All || cmd.Route.Target.Shards[0] != 1 {
		t.Fatalf("expected comment override to pin shard 1, got %+v", cmd)
	}
}

func TestClassifyConservativeForcesWriteInTransaction(t *testing.T) {
	c := newOrdersCluster(t, 2)
	ctx := Context{Cluster: c, ReadWriteStrategy: "conservative", InTransaction: true}
	cmd, err := Classify(ctx, "SELECT * FROM orders WHERE id = 5", nil, false)
	if err != nil {
		t.Fatalf("Classify: %v", err)
	}
	if cmd.Route.Role != RoleWrite {
		t.Fatalf("expected conservative in-transaction SELECT to route as write, got %+v", cmd)
	}
}

func TestClassifySelectWithoutWhereBroadcastsWithMergePlan(t *testing.T) {
	c := newOrdersCluster(t, 2)
	ctx := Context{Cluster: c}
	cmd, err := Classify(ctx, "SELECT id, total FROM orders ORDER BY id DESC LIMIT 3", nil, false)
	if err != nil {
		t.Fatalf("Classify: %v", err)
	}
	if !cmd.Route.Target.All {
		t.Fatalf("expected broadcast route for sharded table with no predicate, got %+v", cmd)
	}
	if cmd.Merge == nil {
		t.Fatalf("expected a merge plan for a fanned-out SELECT")
	}
	if len(cmd.Merge.OrderBy) != 1 || cmd.Merge.OrderBy[0].Column != "id" || cmd.Merge.OrderBy[0].Dir != SortDesc {
		t.Fatalf("expected ORDER BY id DESC, got %+v", cmd.Merge.OrderBy)
	}
	if cmd.Merge.Limit == nil || *cmd.Merge.Limit != 3 {
		t.Fatalf("expected LIMIT 3, got %+v", cmd.Merge.Limit)
	}
}

func TestClassifyDirectRouteCarriesNoMergePlan(t *testing.T) {
	c := newOrdersCluster(t, 2)
	ctx := Context{Cluster: c}
	cmd, err := Classify(ctx, "SELECT * FROM orders WHERE id = 5 ORDER BY id", nil, false)
	if err != nil {
		t.Fatalf("Classify: %v", err)
	}
	if cmd.Route.Target.All || cmd.Merge != nil {
		t.Fatalf("expected direct route with no merge plan, got %+v", cmd)
	}
}

func TestClassifyUsesASTCacheForPreparedText(t *testing.T) {
	c := newOrdersCluster(t, 2)
	ac, err := cache.NewASTCache(16)
	if err != nil {
		t.Fatalf("NewASTCache: %v", err)
	}
	ctx := Context{Cluster: c}
	if _, err := Classify(ctx, "SELECT * FROM orders WHERE id = 5", ac, true); err != nil {
		t.Fatalf("Classify: %v", err)
	}
	if _, err := Classify(ctx, "SELECT * FROM orders WHERE id = 5", ac, true); err != nil {
		t.Fatalf("Classify: %v", err)
	}
	hits, misses := ac.Stats()
	if hits != 1 || misses != 1 {
		t.Fatalf("expected one cache hit after repeating identical prepared text, got hits=%d misses=%d", hits, misses)
	}
}
