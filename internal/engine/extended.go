package engine

import (
	"context"
	"fmt"

	"github.com/pgdog-go/pgdog/internal/backend"
	"github.com/pgdog-go/pgdog/internal/binding"
	"github.com/pgdog-go/pgdog/internal/router"
	"github.com/pgdog-go/pgdog/internal/wire"
)

// preparedLocal is what HandleParse records against a client's locally
// chosen statement name: the cache's process-wide name to rewrite onto
// every server-bound message, and the route that name resolves to.
type preparedLocal struct {
	global string
	route  router.Route
}

// boundPortal is what HandleBind records against a client's locally
// chosen portal name.
type boundPortal struct {
	statement string // global statement name
}

// ErrCrossShardPrepare is returned when a prepared statement's route
// fans out to more than one shard. Extended-protocol execution here
// only ever targets a single server connection: Bind/Execute/Sync have
// no ReadyForQuery boundary per message the way a simple Query does, so
// there is no natural point to run the multi-shard merge protocol
// against — this proxy's Parse step rejects a multi-shard route rather
// than silently picking one shard of several.
var ErrCrossShardPrepare = fmt.Errorf("engine: prepared statement routes to more than one shard")

// drainUntil reads s's replies, forwarding each to sink, until one
// matches a type in stopTypes or is an ErrorResponse; that message is
// returned. Used for every extended-protocol reply that isn't
// terminated by ReadyForQuery.
func drainUntil(s *backend.Server, sink binding.Sink, stopTypes ...byte) (wire.Message, error) {
	for {
		msg, err := s.Read()
		if err != nil {
			s.MarkForceClose()
			return wire.Message{}, fmt.Errorf("engine: reading from server: %w", err)
		}
		if err := sink.Send(msg); err != nil {
			return wire.Message{}, fmt.Errorf("engine: writing to client: %w", err)
		}
		if msg.Type == wire.TypeErrorResponse {
			return msg, nil
		}
		for _, t := range stopTypes {
			if msg.Type == t {
				return msg, nil
			}
		}
	}
}

// HandleParse processes an extended-protocol Parse ('P') message:
// classify the statement's route, rename it to the prepared-statement
// cache's process-wide unique name, connect to the shard the route
// resolves to, and forward the renamed Parse only if that shard hasn't
// already seen this global name (spec §4.6's local-to-global rewrite).
func (e *Engine) HandleParse(ctx context.Context, msg wire.Parse, sink binding.Sink) error {
	cmd, err := router.Classify(e.routerContext(), msg.SQL, e.astCache, true)
	if err != nil {
		return e.sendError(sink, "42601", err.Error())
	}
	if cmd.Route.Target.All || len(cmd.Route.Target.Shards) > 1 {
		return e.sendError(sink, "0A000", ErrCrossShardPrepare.Error())
	}

	_, global := e.prepared.Insert(msg)
	e.localStatements[msg.Name] = preparedLocal{global: global, route: cmd.Route}

	if err := e.connect(ctx, cmd.Route); err != nil {
		return e.sendError(sink, "08006", err.Error())
	}
	server := e.bind.Servers()[0]

	if server.HasPrepared(global) {
		return sink.Send(wire.Message{Type: wire.TypeParseComplete})
	}

	if err := server.Send(msg.WithName(global).Encode()); err != nil {
		return fmt.Errorf("engine: sending Parse: %w", err)
	}
	reply, err := drainUntil(server, sink, wire.TypeParseComplete)
	if err != nil {
		return err
	}
	if reply.Type == wire.TypeParseComplete {
		server.MarkPrepared(global)
	}
	return nil
}

// HandleBind processes an extended-protocol Bind ('B') message: look up
// the statement Parse recorded, connect to (or reuse) its shard —
// honoring an already-pinned transaction shard exactly like a simple
// Query would — and forward the renamed Bind.
func (e *Engine) HandleBind(ctx context.Context, msg wire.Bind, sink binding.Sink) error {
	local, ok := e.localStatements[msg.Statement]
	if !ok {
		return e.sendError(sink, "26000", fmt.Sprintf("engine: prepared statement %q does not exist", msg.Statement))
	}

	if err := e.connect(ctx, local.route); err != nil {
		return e.sendError(sink, "08006", err.Error())
	}
	if handled, err := e.maybeBeginTransaction(sink); handled {
		return err
	}

	e.portals[msg.Portal] = boundPortal{statement: local.global}

	renamed := msg
	renamed.Statement = local.global
	server := e.bind.Servers()[0]
	if err := server.Send(renamed.Encode()); err != nil {
		return fmt.Errorf("engine: sending Bind: %w", err)
	}
	_, err := drainUntil(server, sink, wire.TypeBindComplete)
	return err
}

// HandleDescribe processes an extended-protocol Describe ('D') message
// against either a prepared statement ('S') or a portal ('P'), caching
// a statement's RowDescription the first time it's learned so a later
// client skips the round trip (spec §4.6).
func (e *Engine) HandleDescribe(msg wire.Describe, sink binding.Sink) error {
	var global string
	switch msg.Kind {
	case 'S':
		local, ok := e.localStatements[msg.Name]
		if !ok {
			return e.sendError(sink, "26000", fmt.Sprintf("engine: prepared statement %q does not exist", msg.Name))
		}
		global = local.global
	case 'P':
		p, ok := e.portals[msg.Name]
		if !ok {
			return e.sendError(sink, "34000", fmt.Sprintf("engine: portal %q does not exist", msg.Name))
		}
		global = p.statement
	default:
		return e.sendError(sink, "08P01", "engine: malformed Describe")
	}

	if e.bind == nil || !e.bind.Connected() {
		return e.sendError(sink, "08006", "engine: no connection to describe against")
	}
	server := e.bind.Servers()[0]

	renamed := msg
	if msg.Kind == 'S' {
		renamed.Name = global
	}
	if err := server.Send(renamed.Encode()); err != nil {
		return fmt.Errorf("engine: sending Describe: %w", err)
	}
	reply, err := drainUntil(server, sink, wire.TypeRowDescription, wire.TypeNoData)
	if err != nil {
		return err
	}
	if msg.Kind == 'S' && reply.Type == wire.TypeRowDescription {
		if rd, parseErr := wire.ParseRowDescription(reply.Body); parseErr == nil {
			e.prepared.InsertRowDescription(global, rd)
		}
	}
	return nil
}

// HandleExecute processes an extended-protocol Execute ('E') message:
// run the named portal and relay everything up to its terminal
// CommandComplete/EmptyQueryResponse/PortalSuspended.
func (e *Engine) HandleExecute(msg wire.Execute, sink binding.Sink) error {
	if _, ok := e.portals[msg.Portal]; !ok {
		return e.sendError(sink, "34000", fmt.Sprintf("engine: portal %q does not exist", msg.Portal))
	}
	if e.bind == nil || !e.bind.Connected() {
		return e.sendError(sink, "08006", "engine: no connection to execute against")
	}
	server := e.bind.Servers()[0]
	if err := server.Send(msg.Encode()); err != nil {
		return fmt.Errorf("engine: sending Execute: %w", err)
	}
	done := e.withQueryDeadline([]*backend.Server{server})
	defer done()
	_, err := drainUntil(server, sink, wire.TypeCommandComplete, wire.TypeEmptyQuery, wire.TypePortalSuspended)
	return err
}

// HandleCloseMessage processes an extended-protocol Close ('C') message.
// Closing a statement only retires this client's reference in the
// shared prepared-statement cache — the cache, not the client, owns
// when a global name actually gets unprepared on a server. Closing a
// portal is a real per-connection resource and is forwarded.
func (e *Engine) HandleCloseMessage(msg wire.Close, sink binding.Sink) error {
	switch msg.Kind {
	case 'S':
		if local, ok := e.localStatements[msg.Name]; ok {
			e.prepared.Decrement(local.global)
			delete(e.localStatements, msg.Name)
		}
		return sink.Send(wire.Message{Type: wire.TypeCloseComplete})
	case 'P':
		delete(e.portals, msg.Name)
		if e.bind == nil || !e.bind.Connected() {
			return sink.Send(wire.Message{Type: wire.TypeCloseComplete})
		}
		server := e.bind.Servers()[0]
		if err := server.Send(msg.Encode()); err != nil {
			return fmt.Errorf("engine: sending Close: %w", err)
		}
		_, err := drainUntil(server, sink, wire.TypeCloseComplete)
		return err
	default:
		return e.sendError(sink, "08P01", "engine: malformed Close")
	}
}

// HandleSync processes an extended-protocol Sync ('S') message,
// flushing the pipeline and replying with the server's own
// ReadyForQuery — or a synthesized one if no statement in this message
// group ever connected to a server (spec §4.8 step 9 applies the same
// way it does after a simple Query).
func (e *Engine) HandleSync(sink binding.Sink) error {
	if e.bind == nil || !e.bind.Connected() {
		if err := sink.Send(wire.ReadyForQuery{Status: e.readyStatus()}.Encode()); err != nil {
			return err
		}
		e.settleState()
		return nil
	}

	server := e.bind.Servers()[0]
	if err := server.Send(wire.SyncMessage()); err != nil {
		return fmt.Errorf("engine: sending Sync: %w", err)
	}
	msg, err := server.Read()
	if err != nil {
		server.MarkForceClose()
		return fmt.Errorf("engine: reading Sync response: %w", err)
	}
	if msg.Type == wire.TypeReadyForQuery {
		if rfq, parseErr := wire.ParseReadyForQuery(msg.Body); parseErr == nil {
			server.ObserveReadyForQuery(rfq.Status)
		}
	}
	if err := sink.Send(msg); err != nil {
		return fmt.Errorf("engine: writing to client: %w", err)
	}
	e.settleState()
	return nil
}
