package listener

import (
	"bufio"
	"context"
	"net"
	"testing"
	"time"

	"github.com/pgdog-go/pgdog/internal/admin"
	"github.com/pgdog-go/pgdog/internal/cache"
	"github.com/pgdog-go/pgdog/internal/cluster"
	"github.com/pgdog-go/pgdog/internal/engine"
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

func newTestCluster(t *testing.T) *cluster.Cluster {
	t.Helper()
	shard := &cluster.Shard{Number: 0, Primary: newTestPool(t)}
	return cluster.New("orders_db", []*cluster.Shard{shard}, cluster.SplitIncludePrimary, cluster.NewLoadBalancer(cluster.StrategyRoundRobin), nil)
}

func newTestListener(t *testing.T, authType string) *Listener {
	t.Helper()
	cl := newTestCluster(t)
	reg := router.NewRegistry(map[string]*cluster.Cluster{"orders_db": cl})
	adm := admin.New(reg, nil)
	astCache, err := cache.NewASTCache(16)
	if err != nil {
		t.Fatalf("cache.NewASTCache: %v", err)
	}
	prepared := cache.NewPreparedCache()
	return New(reg, adm, astCache, prepared, Options{AuthType: authType, EngineOptions: engine.Options{PoolMode: engine.ModeTransaction}})
}

// writeStartup writes a raw startup packet with the given protocol version
// and key/value parameters, mirroring what a real client sends.
func writeStartup(t *testing.T, conn net.Conn, protocolVersion uint32, params map[string]string) {
	t.Helper()
	var body []byte
	body = append(body, byte(protocolVersion>>24), byte(protocolVersion>>16), byte(protocolVersion>>8), byte(protocolVersion))
	for k, v := range params {
		body = append(body, k...)
		body = append(body, 0)
		body = append(body, v...)
		body = append(body, 0)
	}
	body = append(body, 0)

	frame := make([]byte, 4+len(body))
	n := len(frame)
	frame[0], frame[1], frame[2], frame[3] = byte(n>>24), byte(n>>16), byte(n>>8), byte(n)
	copy(frame[4:], body)
	if _, err := conn.Write(frame); err != nil {
		t.Fatalf("writeStartup: %v", err)
	}
}

func readUntilReady(t *testing.T, r *bufio.Reader) []wire.Message {
	t.Helper()
	var out []wire.Message
	for {
		msg, err := wire.ReadMessage(r)
		if err != nil {
			t.Fatalf("readUntilReady: %v", err)
		}
		out = append(out, msg)
		if msg.Type == wire.TypeReadyForQuery {
			return out
		}
	}
}

func TestTrustAuthReachesReadyForQuery(t *testing.T) {
	l := newTestListener(t, "trust")
	client, server := net.Pipe()
	defer client.Close()

	c := &clientConn{listener: l, conn: server}
	go func() { _ = c.run(context.Background()) }()

	writeStartup(t, client, 196608, map[string]string{"user": "app", "database": "orders_db"})

	msgs := readUntilReady(t, bufio.NewReader(client))
	if msgs[0].Type != wire.TypeAuthentication {
		t.Fatalf("expected Authentication first, got %q", msgs[0].Type)
	}
	last := msgs[len(msgs)-1]
	if last.Type != wire.TypeReadyForQuery {
		t.Fatalf("expected ReadyForQuery last, got %q", last.Type)
	}
}

func TestAdminDatabaseRoutesToAdminLoop(t *testing.T) {
	l := newTestListener(t, "trust")
	client, server := net.Pipe()
	defer client.Close()

	c := &clientConn{listener: l, conn: server}
	go func() { _ = c.run(context.Background()) }()

	writeStartup(t, client, 196608, map[string]string{"user": "admin", "database": AdminDatabase})
	reader := bufio.NewReader(client)
	readUntilReady(t, reader)

	q := wire.Query{SQL: "SHOW DATABASES"}.Encode()
	if _, err := q.WriteTo(client); err != nil {
		t.Fatalf("write query: %v", err)
	}

	msgs := readUntilReady(t, reader)
	sawRowDescription := false
	for _, m := range msgs {
		if m.Type == wire.TypeRowDescription {
			sawRowDescription = true
		}
	}
	if !sawRowDescription {
		t.Fatalf("expected a RowDescription from SHOW DATABASES, got %+v", msgs)
	}
}

func TestUnknownDatabaseRejectedBeforeAuthentication(t *testing.T) {
	l := newTestListener(t, "trust")
	client, server := net.Pipe()
	defer client.Close()

	c := &clientConn{listener: l, conn: server}
	done := make(chan error, 1)
	go func() { done <- c.run(context.Background()) }()

	writeStartup(t, client, 196608, map[string]string{"user": "app", "database": "does_not_exist"})

	msg, err := wire.ReadMessage(client)
	if err != nil {
		t.Fatalf("ReadMessage: %v", err)
	}
	if msg.Type != wire.TypeErrorResponse {
		t.Fatalf("expected ErrorResponse, got %q", msg.Type)
	}

	select {
	case runErr := <-done:
		if runErr == nil {
			t.Fatalf("expected run to return an error for an unresolvable database")
		}
	case <-time.After(time.Second):
		t.Fatalf("run did not return after a resolve failure")
	}
}

func TestMD5AuthRejectsWrongPassword(t *testing.T) {
	l := newTestListener(t, "md5")
	client, server := net.Pipe()
	defer client.Close()

	c := &clientConn{listener: l, conn: server}
	done := make(chan error, 1)
	go func() { done <- c.run(context.Background()) }()

	writeStartup(t, client, 196608, map[string]string{"user": "app", "database": "orders_db"})

	msg, err := wire.ReadMessage(client)
	if err != nil {
		t.Fatalf("ReadMessage: %v", err)
	}
	if msg.Type != wire.TypeAuthentication {
		t.Fatalf("expected an MD5 challenge, got %q", msg.Type)
	}

	pw := wire.Message{Type: 'p', Body: append([]byte("md5wrongresponsevalue"), 0)}
	if _, err := pw.WriteTo(client); err != nil {
		t.Fatalf("write password: %v", err)
	}

	msg, err = wire.ReadMessage(client)
	if err != nil {
		t.Fatalf("ReadMessage: %v", err)
	}
	if msg.Type != wire.TypeErrorResponse {
		t.Fatalf("expected an ErrorResponse for a bad md5 response, got %q", msg.Type)
	}

	select {
	case runErr := <-done:
		if runErr == nil {
			t.Fatalf("expected run to reject a bad md5 response")
		}
	case <-time.After(time.Second):
		t.Fatalf("run did not return after a failed md5 challenge")
	}
}

func TestCancelRequestClosesQuietly(t *testing.T) {
	l := newTestListener(t, "trust")
	client, server := net.Pipe()
	defer client.Close()

	c := &clientConn{listener: l, conn: server}
	done := make(chan error, 1)
	go func() { done <- c.run(context.Background()) }()

	writeStartup(t, client, 80877102, nil)

	select {
	case runErr := <-done:
		if runErr != nil {
			t.Fatalf("expected a quiet return for CancelRequest, got %v", runErr)
		}
	case <-time.After(time.Second):
		t.Fatalf("run did not return after a CancelRequest")
	}
}

func TestDispatchMapsEverySimpleAndExtendedMessage(t *testing.T) {
	l := newTestListener(t, "trust")
	client, server := net.Pipe()
	defer client.Close()

	c := &clientConn{listener: l, conn: server}
	go func() { _ = c.run(context.Background()) }()

	writeStartup(t, client, 196608, map[string]string{"user": "app", "database": "orders_db"})
	reader := bufio.NewReader(client)
	readUntilReady(t, reader)

	steps := []wire.Message{
		wire.Parse{SQL: "SELECT 1"}.WithName("s1").Encode(),
		wire.Bind{Statement: "s1", Portal: "p1"}.Encode(),
		wire.Describe{Kind: 'P', Name: "p1"}.Encode(),
		wire.Execute{Portal: "p1"}.Encode(),
		wire.SyncMessage(),
	}
	// The server answers each message as it reads it, and net.Pipe has no
	// buffer, so replies are drained concurrently with the writes.
	replies := make(chan wire.Message, 64)
	go func() {
		defer close(replies)
		for {
			msg, err := wire.ReadMessage(reader)
			if err != nil {
				return
			}
			replies <- msg
		}
	}()
	for _, step := range steps {
		if _, err := step.WriteTo(client); err != nil {
			t.Fatalf("write %q: %v", step.Type, err)
		}
	}

	var msgs []wire.Message
	for msg := range replies {
		msgs = append(msgs, msg)
		if msg.Type == wire.TypeReadyForQuery {
			break
		}
	}
	if len(msgs) == 0 {
		t.Fatalf("expected at least a ReadyForQuery after the extended-protocol sequence")
	}
	if msgs[len(msgs)-1].Type != wire.TypeReadyForQuery {
		t.Fatalf("expected the sequence to end on ReadyForQuery, got %q", msgs[len(msgs)-1].Type)
	}
}

func TestTerminateEndsTheConnection(t *testing.T) {
	l := newTestListener(t, "trust")
	client, server := net.Pipe()
	defer client.Close()

	c := &clientConn{listener: l, conn: server}
	done := make(chan error, 1)
	go func() { done <- c.run(context.Background()) }()

	writeStartup(t, client, 196608, map[string]string{"user": "app", "database": "orders_db"})
	reader := bufio.NewReader(client)
	readUntilReady(t, reader)

	term := wire.Message{Type: wire.TypeTerminate}
	if _, err := term.WriteTo(client); err != nil {
		t.Fatalf("write terminate: %v", err)
	}

	select {
	case runErr := <-done:
		if runErr != nil {
			t.Fatalf("expected a clean return on Terminate, got %v", runErr)
		}
	case <-time.After(time.Second):
		t.Fatalf("run did not return after Terminate")
	}
}
