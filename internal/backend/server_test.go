package backend

import (
	"net"
	"testing"

	"github.com/pgdog-go/pgdog/internal/wire"
)

func TestServerStateTransitions(t *testing.T) {
	client, server := net.Pipe()
	defer client.Close()
	defer server.Close()

	s := New(client, Address{Host: "localhost", Port: 5432, Database: "app", User: "bob"})
	if s.State() != Idle {
		t.Fatalf("expected Idle, got %v", s.State())
	}

	s.MarkCheckedOut()
	if s.State() != CheckedOut {
		t.Fatalf("expected CheckedOut, got %v", s.State())
	}

	s.MarkIdle()
	if s.State() != Idle {
		t.Fatalf("expected Idle, got %v", s.State())
	}

	s.MarkForceClose()
	if !s.ShouldDiscard() {
		t.Fatalf("expected ShouldDiscard after MarkForceClose")
	}
}

func TestServerObserveReadyForQuery(t *testing.T) {
	client, server := net.Pipe()
	defer client.Close()
	defer server.Close()

	s := New(client, Address{})
	s.ObserveReadyForQuery('T')
	if !s.InTransaction() {
		t.Errorf("expected in-transaction after status 'T'")
	}
	s.ObserveReadyForQuery('I')
	if s.InTransaction() {
		t.Errorf("expected not in-transaction after status 'I'")
	}
}

func TestServerPreparedStatementTracking(t *testing.T) {
	client, server := net.Pipe()
	defer client.Close()
	defer server.Close()

	s := New(client, Address{})
	if s.HasPrepared("__pgdog_1") {
		t.Fatalf("expected no prepared statements initially")
	}
	s.MarkPrepared("__pgdog_1")
	if !s.HasPrepared("__pgdog_1") {
		t.Fatalf("expected __pgdog_1 to be marked prepared")
	}
	if s.PreparedCount() != 1 {
		t.Fatalf("expected count 1, got %d", s.PreparedCount())
	}
	s.ForgetPrepared("__pgdog_1")
	if s.HasPrepared("__pgdog_1") {
		t.Fatalf("expected __pgdog_1 forgotten")
	}
}

func TestServerSendRead(t *testing.T) {
	client, server := net.Pipe()
	defer client.Close()
	defer server.Close()

	s := New(client, Address{})

	done := make(chan struct{})
	go func() {
		defer close(done)
		msg, err := wire.ReadMessage(server)
		if err != nil {
			t.Errorf("server read: %v", err)
			return
		}
		if msg.Type != wire.TypeQuery {
			t.Errorf("expected Query, got %q", msg.Type)
		}
	}()

	if err := s.Send(wire.Query{SQL: "SELECT 1"}.Encode()); err != nil {
		t.Fatalf("Send: %v", err)
	}
	<-done

	if s.Stats().BytesSent == 0 {
		t.Errorf("expected non-zero bytes sent")
	}
}
