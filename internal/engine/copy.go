package engine

import (
	"bytes"
	"fmt"

	"github.com/pgdog-go/pgdog/internal/backend"
	"github.com/pgdog-go/pgdog/internal/binding"
	"github.com/pgdog-go/pgdog/internal/config"
	"github.com/pgdog-go/pgdog/internal/router"
	"github.com/pgdog-go/pgdog/internal/sharding"
	"github.com/pgdog-go/pgdog/internal/wire"
)

// copySession is the per-connection state a COPY FROM STDIN holds
// between the initial Query and the client's CopyDone/CopyFail: enough
// to resolve each CopyData row's shard without re-parsing the
// statement on every row.
type copySession struct {
	resolver    *sharding.Resolver
	dataType    config.DataType
	shardColIdx int // -1: row-to-shard resolution unavailable, broadcast every row
}

// handleCopy runs a COPY statement's Query step: forward the statement
// to every server the route holds, then either relay a COPY TO
// STDOUT's output stream straight through (handleCopyOut) or arm
// copySession and move to the CopyIn state so HandleCopyData can start
// routing rows (spec §4.5's Copy(parser), §4.8's CopyIn state).
func (e *Engine) handleCopy(sql string, cmd router.Command, sink binding.Sink) error {
	if handled, err := e.maybeBeginTransaction(sink); handled {
		return err
	}
	if err := e.bind.Send(wire.Query{SQL: sql}.Encode()); err != nil {
		return fmt.Errorf("engine: sending COPY: %w", err)
	}

	if !cmd.CopyFrom {
		return e.handleCopyOut(sink)
	}
	return e.handleCopyIn(cmd, sink)
}

// handleCopyIn drains every server's initial reply to the COPY
// statement, forwards exactly one CopyInResponse to the client (every
// shard's is equivalent), and arms copySession so subsequent CopyData
// messages route per-row instead of broadcasting blind.
func (e *Engine) handleCopyIn(cmd router.Command, sink binding.Sink) error {
	servers := e.bind.Servers()
	replies := make([]wire.Message, len(servers))
	for i, s := range servers {
		msg, err := drainToCopyIn(s)
		if err != nil {
			s.MarkForceClose()
			return e.sendError(sink, "08006", err.Error())
		}
		replies[i] = msg
	}

	for _, msg := range replies {
		if msg.Type != wire.TypeErrorResponse {
			continue
		}
		if err := sink.Send(msg); err != nil {
			return err
		}
		e.txn.Reset()
		e.settleState()
		return sink.Send(wire.ReadyForQuery{Status: 'I'}.Encode())
	}
	if err := sink.Send(replies[0]); err != nil {
		return err
	}

	resolver, _ := e.cluster.Resolver(cmd.CopyTable)
	var dataType config.DataType
	shardColIdx := -1
	if resolver != nil {
		dataType = resolver.DataType()
		shardColIdx = copyShardColumnIndex(resolver, cmd.CopyColumns)
	}
	e.copy = &copySession{resolver: resolver, dataType: dataType, shardColIdx: shardColIdx}
	e.state = CopyIn
	return nil
}

// drainToCopyIn reads one server's replies until its CopyInResponse (or
// an ErrorResponse instead), without forwarding anything — handleCopyIn
// forwards only one representative message once every server has been
// drained, since N identical CopyInResponse messages would desync the
// client's COPY state machine.
func drainToCopyIn(s *backend.Server) (wire.Message, error) {
	for {
		msg, err := s.Read()
		if err != nil {
			return wire.Message{}, err
		}
		if msg.Type == wire.TypeCopyInResponse || msg.Type == wire.TypeErrorResponse {
			return msg, nil
		}
	}
}

// handleCopyOut relays a COPY TO STDOUT by concatenating every shard's
// stream: one CopyOutResponse, every shard's CopyData rows in shard
// order, then a single synthesized CopyDone/CommandComplete once all
// shards have finished.
func (e *Engine) handleCopyOut(sink binding.Sink) error {
	servers := e.bind.Servers()
	sentHeader := false
	for _, s := range servers {
	serverLoop:
		for {
			msg, err := s.Read()
			if err != nil {
				s.MarkForceClose()
				return fmt.Errorf("engine: reading COPY OUT: %w", err)
			}
			switch msg.Type {
			case wire.TypeCopyOutResponse:
				if !sentHeader {
					if err := sink.Send(msg); err != nil {
						return err
					}
					sentHeader = true
				}
			case wire.TypeCopyData:
				if err := sink.Send(msg); err != nil {
					return err
				}
			case wire.TypeErrorResponse:
				if err := sink.Send(msg); err != nil {
					return err
				}
				e.txn.Reset()
				e.settleState()
				return sink.Send(wire.ReadyForQuery{Status: 'I'}.Encode())
			case wire.TypeReadyForQuery:
				if rfq, perr := wire.ParseReadyForQuery(msg.Body); perr == nil {
					s.ObserveReadyForQuery(rfq.Status)
				}
				break serverLoop
			}
		}
	}
	if err := sink.Send(wire.CopyDoneMessage()); err != nil {
		return err
	}
	if err := sink.Send(wire.CommandComplete{Tag: "COPY"}.Encode()); err != nil {
		return err
	}
	e.settleState()
	return sink.Send(wire.ReadyForQuery{Status: e.readyStatus()}.Encode())
}

// HandleCopyData forwards one CopyData row to the shard(s) its sharded
// column value resolves to, or to every shard when that column's
// position in the row is unknown.
func (e *Engine) HandleCopyData(msg wire.Message) error {
	if e.copy == nil || e.bind == nil {
		return nil
	}
	target := copyRowTarget(e.copy, msg.Body)
	return e.bind.SendCopy([]binding.CopyRow{{Data: msg.Body, Target: target}})
}

// HandleCopyFail forwards the client's abort to every server, drains
// each down to its ErrorResponse/ReadyForQuery, and relays the first
// such error back — COPY FROM always ends in failure once the client
// sends CopyFail, matching a real server's behavior.
func (e *Engine) HandleCopyFail(msg wire.Message, sink binding.Sink) error {
	if e.copy == nil || e.bind == nil {
		return nil
	}
	servers := e.bind.Servers()
	if err := e.bind.Send(msg); err != nil {
		return fmt.Errorf("engine: sending CopyFail: %w", err)
	}
	first, haveFirst, err := drainCopyEnd(servers)
	e.copy = nil
	e.txn.Reset()
	e.settleState()
	if err != nil {
		return err
	}
	if haveFirst {
		if sendErr := sink.Send(first); sendErr != nil {
			return sendErr
		}
	}
	return sink.Send(wire.ReadyForQuery{Status: 'I'}.Encode())
}

// HandleCopyDone forwards CopyDone to every server, drains each to its
// CommandComplete/ReadyForQuery, and relays the first CommandComplete
// (or ErrorResponse, if one shard rejected the data) to the client.
func (e *Engine) HandleCopyDone(sink binding.Sink) error {
	if e.copy == nil || e.bind == nil {
		return nil
	}
	servers := e.bind.Servers()
	if err := e.bind.Send(wire.CopyDoneMessage()); err != nil {
		return fmt.Errorf("engine: sending CopyDone: %w", err)
	}
	first, haveFirst, err := drainCopyEnd(servers)
	e.copy = nil
	if err != nil {
		return err
	}
	if haveFirst {
		if sendErr := sink.Send(first); sendErr != nil {
			return sendErr
		}
		if first.Type == wire.TypeErrorResponse {
			e.txn.Reset()
		}
	}
	e.settleState()
	return sink.Send(wire.ReadyForQuery{Status: e.readyStatus()}.Encode())
}

// drainCopyEnd reads every server down to its ReadyForQuery, returning
// the first CommandComplete or ErrorResponse seen across all of them —
// the shared tail HandleCopyDone and HandleCopyFail both need.
func drainCopyEnd(servers []*backend.Server) (wire.Message, bool, error) {
	var first wire.Message
	haveFirst := false
	for _, s := range servers {
		for {
			msg, err := s.Read()
			if err != nil {
				s.MarkForceClose()
				return wire.Message{}, false, fmt.Errorf("engine: reading COPY completion: %w", err)
			}
			if msg.Type == wire.TypeReadyForQuery {
				if rfq, perr := wire.ParseReadyForQuery(msg.Body); perr == nil {
					s.ObserveReadyForQuery(rfq.Status)
				}
				break
			}
			if !haveFirst && (msg.Type == wire.TypeCommandComplete || msg.Type == wire.TypeErrorResponse) {
				first, haveFirst = msg, true
			}
		}
	}
	return first, haveFirst, nil
}

func copyShardColumnIndex(r *sharding.Resolver, columns []string) int {
	if r == nil || len(columns) == 0 {
		return -1
	}
	for i, c := range columns {
		if c == r.Column() {
			return i
		}
	}
	return -1
}

// copyRowTarget resolves one COPY FROM STDIN row to a Target by pulling
// its sharded column's tab-delimited text field and running it through
// the same convergence resolveTarget uses for a WHERE-clause literal.
// Anything it can't resolve — no known sharded column position, a
// malformed row, a resolver error — broadcasts instead of dropping data.
func copyRowTarget(cs *copySession, data []byte) router.Target {
	if cs == nil || cs.resolver == nil || cs.shardColIdx < 0 {
		return router.AllTarget()
	}
	field, ok := copyField(data, cs.shardColIdx)
	if !ok {
		return router.AllTarget()
	}
	t, err := router.ResolveCopyValue(cs.resolver, cs.dataType, field)
	if err != nil {
		return router.AllTarget()
	}
	return t
}

// copyField extracts the idx'th tab-delimited field from one line of
// COPY TEXT-format data (the wire format's default). The COPY's FORMAT
// option is not consulted: every row is split on tab bytes, CSV and
// BINARY rows included.
func copyField(data []byte, idx int) (string, bool) {
	data = bytes.TrimRight(data, "\r\n")
	start, field := 0, 0
	for i := 0; i <= len(data); i++ {
		if i == len(data) || data[i] == '\t' {
			if field == idx {
				return string(data[start:i]), true
			}
			field++
			start = i + 1
		}
	}
	return "", false
}
