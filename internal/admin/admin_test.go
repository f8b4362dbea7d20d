package admin

import (
	"fmt"
	"testing"

	"github.com/pgdog-go/pgdog/internal/cluster"
	"github.com/pgdog-go/pgdog/internal/pool"
	"github.com/pgdog-go/pgdog/internal/router"
	"github.com/pgdog-go/pgdog/internal/wire"
)

func newTestPool(t *testing.T) *pool.Pool {
	t.Helper()
	p := pool.New(pool.Config{Max: 1}, nil)
	t.Cleanup(p.Shutdown)
	return p
}

func newTestRegistry(t *testing.T) *router.Registry {
	t.Helper()
	shard := &cluster.Shard{Number: 0, Primary: newTestPool(t), Replicas: []*pool.Pool{newTestPool(t)}}
	c := cluster.New("orders_db", []*cluster.Shard{shard}, cluster.SplitIncludePrimary, cluster.NewLoadBalancer(cluster.StrategyRoundRobin), nil)
	return router.NewRegistry(map[string]*cluster.Cluster{"orders_db": c})
}

func query(sql string) wire.Message { return wire.Query{SQL: sql}.Encode() }

func tags(msgs []wire.Message) []string {
	var out []string
	for _, m := range msgs {
		if m.Type == wire.TypeCommandComplete {
			cc, _ := wire.ParseCommandComplete(m.Body)
			out = append(out, cc.Tag)
		}
	}
	return out
}

func hasError(msgs []wire.Message) bool {
	for _, m := range msgs {
		if m.Type == wire.TypeErrorResponse {
			return true
		}
	}
	return false
}

func TestHandleRejectsNonQueryMessages(t *testing.T) {
	b := New(newTestRegistry(t), nil)
	_, err := b.Handle(wire.Message{Type: wire.TypeParse})
	if err == nil {
		t.Fatalf("expected an error for a non-Query message")
	}
}

func TestShowDatabasesListsRegisteredClusters(t *testing.T) {
	b := New(newTestRegistry(t), nil)
	msgs, err := b.Handle(query("SHOW DATABASES"))
	if err != nil {
		t.Fatalf("Handle: %v", err)
	}
	if msgs[0].Type != wire.TypeRowDescription {
		t.Fatalf("expected a RowDescription first, got %q", msgs[0].Type)
	}
	var sawOrders bool
	for _, m := range msgs {
		if m.Type == wire.TypeDataRow {
			dr, _ := wire.ParseDataRow(m.Body)
			if string(dr.Values[0]) == "orders_db" {
				sawOrders = true
			}
		}
	}
	if !sawOrders {
		t.Fatalf("expected orders_db in SHOW DATABASES output, got %+v", msgs)
	}
}

func TestShowPoolsListsPrimaryAndReplica(t *testing.T) {
	b := New(newTestRegistry(t), nil)
	msgs, err := b.Handle(query("SHOW POOLS"))
	if err != nil {
		t.Fatalf("Handle: %v", err)
	}
	var roles []string
	for _, m := range msgs {
		if m.Type == wire.TypeDataRow {
			dr, _ := wire.ParseDataRow(m.Body)
			roles = append(roles, string(dr.Values[2]))
		}
	}
	if len(roles) != 2 {
		t.Fatalf("expected one primary and one replica row, got %+v", roles)
	}
}

func TestBanUnbanRoundTrip(t *testing.T) {
	registry := newTestRegistry(t)
	b := New(registry, nil)

	msgs, err := b.Handle(query("BAN orders_db 0 primary"))
	if err != nil || hasError(msgs) {
		t.Fatalf("BAN: err=%v msgs=%+v", err, msgs)
	}
	if got := tags(msgs); len(got) != 1 || got[0] != "BAN" {
		t.Fatalf("expected BAN tag, got %+v", got)
	}

	c := registry.List()["orders_db"]
	shard, _ := c.Shard(0)
	if !shard.Primary.Stats().Banned {
		t.Fatalf("expected primary to be banned")
	}

	msgs, err = b.Handle(query("UNBAN orders_db 0 primary"))
	if err != nil || hasError(msgs) {
		t.Fatalf("UNBAN: err=%v msgs=%+v", err, msgs)
	}
	if shard.Primary.Stats().Banned {
		t.Fatalf("expected primary to be unbanned")
	}
}

func TestBanUnknownDatabaseReturnsError(t *testing.T) {
	b := New(newTestRegistry(t), nil)
	msgs, err := b.Handle(query("BAN nope 0 primary"))
	if err != nil {
		t.Fatalf("Handle: %v", err)
	}
	if !hasError(msgs) {
		t.Fatalf("expected an ErrorResponse for an unknown database, got %+v", msgs)
	}
}

func TestPauseResumeRoundTrip(t *testing.T) {
	registry := newTestRegistry(t)
	b := New(registry, nil)

	if _, err := b.Handle(query("PAUSE orders_db")); err != nil {
		t.Fatalf("PAUSE: %v", err)
	}
	if !registry.IsPaused("orders_db") {
		t.Fatalf("expected orders_db to be paused")
	}

	if _, err := b.Handle(query("RESUME orders_db")); err != nil {
		t.Fatalf("RESUME: %v", err)
	}
	if registry.IsPaused("orders_db") {
		t.Fatalf("expected orders_db to be resumed")
	}
}

func TestReloadWithoutCallbackErrors(t *testing.T) {
	b := New(newTestRegistry(t), nil)
	msgs, err := b.Handle(query("RELOAD"))
	if err != nil {
		t.Fatalf("Handle: %v", err)
	}
	if !hasError(msgs) {
		t.Fatalf("expected an ErrorResponse when no reload callback is configured")
	}
}

func TestReloadInvokesCallback(t *testing.T) {
	called := false
	b := New(newTestRegistry(t), func() error {
		called = true
		return nil
	})
	msgs, err := b.Handle(query("RELOAD"))
	if err != nil || hasError(msgs) {
		t.Fatalf("Handle: err=%v msgs=%+v", err, msgs)
	}
	if !called {
		t.Fatalf("expected reload callback to be invoked")
	}
}

func TestReloadCallbackErrorSurfacesAsErrorResponse(t *testing.T) {
	b := New(newTestRegistry(t), func() error { return fmt.Errorf("boom") })
	msgs, err := b.Handle(query("RELOAD"))
	if err != nil {
		t.Fatalf("Handle: %v", err)
	}
	if !hasError(msgs) {
		t.Fatalf("expected an ErrorResponse when the reload callback fails")
	}
}

func TestSetIsANoOp(t *testing.T) {
	b := New(newTestRegistry(t), nil)
	msgs, err := b.Handle(query("SET client_encoding = 'UTF8'"))
	if err != nil {
		t.Fatalf("Handle: %v", err)
	}
	if got := tags(msgs); len(got) != 1 || got[0] != "SET" {
		t.Fatalf("expected SET tag, got %+v", got)
	}
}

func TestUnrecognizedCommandReturnsError(t *testing.T) {
	b := New(newTestRegistry(t), nil)
	msgs, err := b.Handle(query("FROBNICATE"))
	if err != nil {
		t.Fatalf("Handle: %v", err)
	}
	if !hasError(msgs) {
		t.Fatalf("expected an ErrorResponse for an unrecognized command")
	}
}
