package engine

import (
	"context"
	"net"
	"testing"

	"github.com/pgdog-go/pgdog/internal/binding"
	"github.com/pgdog-go/pgdog/internal/router"
	"github.com/pgdog-go/pgdog/internal/wire"
)

// serverDriver is a tiny scripted backend used to answer the engine's
// extended-protocol requests over a net.Pipe from the other side.
type serverDriver struct {
	t    *testing.T
	conn net.Conn
}

func (d *serverDriver) expectType(want byte) wire.Message {
	d.t.Helper()
	msg, err := wire.ReadMessage(d.conn)
	if err != nil {
		d.t.Fatalf("reading forwarded message: %v", err)
	}
	if msg.Type != want {
		d.t.Fatalf("expected message type %q, got %q", want, msg.Type)
	}
	return msg
}

func (d *serverDriver) reply(messages ...wire.Message) {
	d.t.Helper()
	for _, m := range messages {
		if _, err := m.Encode().WriteTo(d.conn); err != nil {
			d.t.Fatalf("writing reply: %v", err)
		}
	}
}

func TestExtendedProtocolHappyPath(t *testing.T) {
	e := newTestEngine(t, newSingleShardCluster(t))
	server, remote := newPipedServer(t)
	driver := &serverDriver{t: t, conn: remote}

	// Pre-seed the held binding so HandleParse's connect() short-circuits
	// on its already-Connected check instead of reaching the (empty,
	// undialable) test pool.
	e.bind = binding.FromServer(server)
	e.target = router.DirectTarget(0)

	sink := &fakeSink{}
	ctx := context.Background()

	parseDone := make(chan struct{})
	go func() {
		defer close(parseDone)
		driver.expectType(wire.TypeParse)
		driver.reply(wire.Message{Type: wire.TypeParseComplete})
	}()
	if err := e.HandleParse(ctx, wire.Parse{Name: "stmt1", SQL: "SELECT 1"}, sink); err != nil {
		t.Fatalf("HandleParse: %v", err)
	}
	<-parseDone

	if _, ok := e.localStatements["stmt1"]; !ok {
		t.Fatalf("expected stmt1 recorded in localStatements")
	}

	bindDone := make(chan struct{})
	go func() {
		defer close(bindDone)
		driver.expectType(wire.TypeBind)
		driver.reply(wire.Message{Type: wire.TypeBindComplete})
	}()
	if err := e.HandleBind(ctx, wire.Bind{Portal: "p1", Statement: "stmt1"}, sink); err != nil {
		t.Fatalf("HandleBind: %v", err)
	}
	<-bindDone

	if _, ok := e.portals["p1"]; !ok {
		t.Fatalf("expected p1 recorded in portals")
	}

	describeDone := make(chan struct{})
	rowDesc := wire.RowDescription{Fields: []wire.FieldDescription{{Name: "one"}}}
	go func() {
		defer close(describeDone)
		driver.expectType(wire.TypeDescribe)
		driver.reply(rowDesc.Encode())
	}()
	if err := e.HandleDescribe(wire.Describe{Kind: 'S', Name: "stmt1"}, sink); err != nil {
		t.Fatalf("HandleDescribe: %v", err)
	}
	<-describeDone

	execDone := make(chan struct{})
	go func() {
		defer close(execDone)
		driver.expectType(wire.TypeExecute)
		driver.reply(
			wire.DataRow{Values: [][]byte{[]byte("1")}}.Encode(),
			wire.CommandComplete{Tag: "SELECT 1"}.Encode(),
		)
	}()
	if err := e.HandleExecute(wire.Execute{Portal: "p1"}, sink); err != nil {
		t.Fatalf("HandleExecute: %v", err)
	}
	<-execDone

	syncDone := make(chan struct{})
	go func() {
		defer close(syncDone)
		driver.expectType(wire.TypeSync)
		driver.reply(wire.ReadyForQuery{Status: 'I'}.Encode())
	}()
	if err := e.HandleSync(sink); err != nil {
		t.Fatalf("HandleSync: %v", err)
	}
	<-syncDone

	var sawParseComplete, sawBindComplete, sawRowDesc, sawDataRow, sawCommandComplete, sawRFQ bool
	for _, m := range sink.messages {
		switch m.Type {
		case wire.TypeParseComplete:
			sawParseComplete = true
		case wire.TypeBindComplete:
			sawBindComplete = true
		case wire.TypeRowDescription:
			sawRowDesc = true
		case wire.TypeDataRow:
			sawDataRow = true
		case wire.TypeCommandComplete:
			sawCommandComplete = true
		case wire.TypeReadyForQuery:
			sawRFQ = true
		}
	}
	if !sawParseComplete || !sawBindComplete || !sawRowDesc || !sawDataRow || !sawCommandComplete || !sawRFQ {
		t.Fatalf("expected a full extended-protocol reply sequence, got %+v", sink.messages)
	}
}

func TestHandleParseRejectsCrossShardRoute(t *testing.T) {
	e := newTestEngine(t, newOrdersShardedCluster(t, 3))
	sink := &fakeSink{}
	err := e.HandleParse(context.Background(), wire.Parse{Name: "stmt1", SQL: "SELECT * FROM orders"}, sink)
	if err != nil {
		t.Fatalf("HandleParse: %v", err)
	}
	var sawError bool
	for _, m := range sink.messages {
		if m.Type == wire.TypeErrorResponse {
			sawError = true
		}
	}
	if !sawError {
		t.Fatalf("expected an ErrorResponse for a cross-shard prepared statement, got %+v", sink.messages)
	}
}

func TestHandleBindUnknownStatement(t *testing.T) {
	e := newTestEngine(t, newSingleShardCluster(t))
	sink := &fakeSink{}
	if err := e.HandleBind(context.Background(), wire.Bind{Portal: "p1", Statement: "missing"}, sink); err != nil {
		t.Fatalf("HandleBind: %v", err)
	}
	var sawError bool
	for _, m := range sink.messages {
		if m.Type == wire.TypeErrorResponse {
			sawError = true
		}
	}
	if !sawError {
		t.Fatalf("expected an ErrorResponse for an unknown statement, got %+v", sink.messages)
	}
}

func TestHandleCloseStatementDecrementsCache(t *testing.T) {
	e := newTestEngine(t, newSingleShardCluster(t))
	e.localStatements["stmt1"] = preparedLocal{global: "__pgdog_1"}
	sink := &fakeSink{}
	if err := e.HandleCloseMessage(wire.Close{Kind: 'S', Name: "stmt1"}, sink); err != nil {
		t.Fatalf("HandleCloseMessage: %v", err)
	}
	if _, ok := e.localStatements["stmt1"]; ok {
		t.Fatalf("expected stmt1 removed from localStatements")
	}
	var sawCloseComplete bool
	for _, m := range sink.messages {
		if m.Type == wire.TypeCloseComplete {
			sawCloseComplete = true
		}
	}
	if !sawCloseComplete {
		t.Fatalf("expected CloseComplete, got %+v", sink.messages)
	}
}
