// Package binding multiplexes one client connection across the zero,
// one, or many backend servers a routed statement needs, per spec §4.7.
// A Binding with more than one server feeds every shard's response
// stream into the merge protocol in merge.go instead of relaying bytes
// straight through, which is all the teacher's single-backend relay
// loop (internal/proxy/pg_relay.go) ever had to do.
package binding

import (
	"fmt"

	"github.com/pgdog-go/pgdog/internal/backend"
	"github.com/pgdog-go/pgdog/internal/router"
	"github.com/pgdog-go/pgdog/internal/wire"
)

// Kind distinguishes what a Binding is actually holding.
type Kind int

const (
	// KindNone is a Binding holding no server at all (e.g. between
	// transactions in transaction-mode pooling).
	KindNone Kind = iota
	KindServer
	KindAdmin
	KindMultiShard
)

// Admin is the minimal interface the admin virtual database exposes to
// a Binding — spec §1 scopes its actual command set out, so this is
// just enough surface for the binding/engine to address it uniformly
// alongside a real server.
type Admin interface {
	Handle(wire.Message) ([]wire.Message, error)
}

// Binding is a sum type over what a client's current statement is
// talking to: nothing, one server, the admin pseudo-database, or a
// fan-out across several shards' servers.
type Binding struct {
	kind   Kind
	server *backend.Server
	admin  Admin
	shards []*backend.Server
}

// Empty returns a Binding holding nothing.
func Empty() *Binding { return &Binding{kind: KindNone} }

// FromServer wraps a single checked-out server.
func FromServer(s *backend.Server) *Binding {
	return &Binding{kind: KindServer, server: s}
}

// FromAdmin addresses the admin pseudo-database.
func FromAdmin(a Admin) *Binding {
	return &Binding{kind: KindAdmin, admin: a}
}

// FromShards addresses a fan-out across multiple shards' servers, in
// shard order — order matters for the ordering contract in spec §4.7
// ("ties broken by the shard's own order").
func FromShards(servers []*backend.Server) *Binding {
	return &Binding{kind: KindMultiShard, shards: servers}
}

func (b *Binding) Kind() Kind { return b.kind }

// Connected reports whether this Binding currently holds at least one
// server guard.
func (b *Binding) Connected() bool {
	switch b.kind {
	case KindServer:
		return b.server != nil
	case KindAdmin:
		return b.admin != nil
	case KindMultiShard:
		return len(b.shards) > 0
	default:
		return false
	}
}

// Servers returns every backend.Server this Binding currently holds, in
// binding order (one element for KindServer, all shards for
// KindMultiShard, none otherwise).
func (b *Binding) Servers() []*backend.Server {
	switch b.kind {
	case KindServer:
		if b.server == nil {
			return nil
		}
		return []*backend.Server{b.server}
	case KindMultiShard:
		return b.shards
	default:
		return nil
	}
}

// Send forwards msg to every server guard this Binding holds.
func (b *Binding) Send(msg wire.Message) error {
	switch b.kind {
	case KindServer:
		return b.server.Send(msg)
	case KindMultiShard:
		for _, s := range b.shards {
			if err := s.Send(msg); err != nil {
				return fmt.Errorf("binding: sending to shard %s: %w", s.Address(), err)
			}
		}
		return nil
	case KindAdmin:
		return nil // Admin is request/response via Handle, not a byte stream
	default:
		return fmt.Errorf("binding: no server held")
	}
}

// CopyRow is one row of COPY data destined for a specific set of
// shards, as decided by the router's CopyParser-equivalent shard
// extraction on the row's leading column values.
type CopyRow struct {
	Data   []byte
	Target router.Target
}

// SendCopy forwards each row to the shard(s) its Target names — All
// rows go to every shard, a Direct/Multi row only to the listed subset
// (spec §4.7 send_copy).
func (b *Binding) SendCopy(rows []CopyRow) error {
	if b.kind != KindMultiShard {
		return b.sendCopySingle(rows)
	}
	for _, row := range rows {
		targets := b.shardsFor(row.Target)
		msg := wire.Message{Type: wire.TypeCopyData, Body: row.Data}
		for _, s := range targets {
			if err := s.Send(msg); err != nil {
				return fmt.Errorf("binding: copy row to shard %s: %w", s.Address(), err)
			}
		}
	}
	return nil
}

func (b *Binding) sendCopySingle(rows []CopyRow) error {
	if b.server == nil {
		return fmt.Errorf("binding: no server held")
	}
	for _, row := range rows {
		if err := b.server.Send(wire.Message{Type: wire.TypeCopyData, Body: row.Data}); err != nil {
			return err
		}
	}
	return nil
}

func (b *Binding) shardsFor(t router.Target) []*backend.Server {
	if t.All {
		return b.shards
	}
	out := make([]*backend.Server, 0, len(t.Shards))
	for _, n := range t.Shards {
		if n >= 0 && n < len(b.shards) {
			out = append(out, b.shards[n])
		}
	}
	return out
}

// Close closes every server guard this Binding holds — dropping a
// Binding mid-stream must not leave a server straddling a partially
// read response, so each is force-closed rather than returned to its
// pool (spec §4.7 cancellation).
func (b *Binding) Close() {
	for _, s := range b.Servers() {
		s.MarkForceClose()
		s.Close()
	}
}
