// Package engine drives one client connection's protocol state machine:
// buffer the client's request, route it, intercept what needs no
// checkout, acquire the binding the route calls for, forward, pump the
// response back, then release the binding per the pooling mode. The
// ten-step loop is spec §4.8's generalization of the teacher's
// relayPGTransactionMode in internal/proxy/pg_relay.go — that function
// never parsed SQL or considered more than one backend; this package
// adds the router/cache/cross-shard-gate/idle-timeout steps on top of
// its acquire/forward/pump/release shape.
package engine

import (
	"context"
	"fmt"
	"time"

	"github.com/pgdog-go/pgdog/internal/backend"
	"github.com/pgdog-go/pgdog/internal/binding"
	"github.com/pgdog-go/pgdog/internal/cache"
	"github.com/pgdog-go/pgdog/internal/cluster"
	"github.com/pgdog-go/pgdog/internal/pool"
	"github.com/pgdog-go/pgdog/internal/router"
	"github.com/pgdog-go/pgdog/internal/session"
	"github.com/pgdog-go/pgdog/internal/wire"
)

// State is the per-client protocol state spec §4.8 names.
type State int

const (
	Idle State = iota
	Active
	IdleInTransaction
	Waiting
	CopyIn
	Streaming
)

func (s State) String() string {
	switch s {
	case Idle:
		return "idle"
	case Active:
		return "active"
	case IdleInTransaction:
		return "idle_in_transaction"
	case Waiting:
		return "waiting"
	case CopyIn:
		return "copy_in"
	case Streaming:
		return "streaming"
	default:
		return "unknown"
	}
}

// PoolMode selects when a checked-out server is returned to its pool.
type PoolMode int

const (
	// ModeTransaction returns the server at the next ReadyForQuery('I').
	ModeTransaction PoolMode = iota
	// ModeSession holds the server for the client's entire connection.
	ModeSession
)

// Options configures one Engine instance — per-cluster policy knobs
// from spec §6's pooler/cluster config.
type Options struct {
	PoolMode           PoolMode
	ReadWriteStrategy  string // "conservative" | "aggressive"
	CrossShardDisabled bool
	ClientIdleTimeout  time.Duration
	QueryTimeout       time.Duration
	// FullPreparedStatements gates the simple-protocol PREPARE/EXECUTE
	// rewrite (spec §4.5): renames each to a process-wide unique name so
	// transaction-mode pooling can't hand two clients' differently
	// defined same-named statements to the same server connection.
	FullPreparedStatements bool
}

// checkout pairs a server with the pool it was acquired from, so
// release knows where to Put it back.
type checkout struct {
	pool   *pool.Pool
	server *backend.Server
}

// Engine is one client's query engine: routing context, the logical
// transaction tracker, the currently-held binding (if any), and the
// session-local SET variables the client has changed.
type Engine struct {
	cluster  *cluster.Cluster
	astCache *cache.ASTCache
	prepared *cache.PreparedCache
	opts     Options

	txn   *session.Transaction
	state State

	checkouts []checkout
	bind      *binding.Binding
	target    router.Target

	setVars      map[string]string
	affinityKey  string
	lastActivity time.Time

	localStatements map[string]preparedLocal
	portals         map[string]boundPortal

	copy *copySession
}

// New builds an Engine bound to one cluster for the lifetime of a
// client connection.
func New(c *cluster.Cluster, astCache *cache.ASTCache, prepared *cache.PreparedCache, opts Options) *Engine {
	return &Engine{
		cluster:         c,
		astCache:        astCache,
		prepared:        prepared,
		opts:            opts,
		txn:             session.New(),
		state:           Idle,
		setVars:         make(map[string]string),
		lastActivity:    time.Now(),
		localStatements: make(map[string]preparedLocal),
		portals:         make(map[string]boundPortal),
	}
}

func (e *Engine) State() State { return e.state }

// LastActivity reports when this connection last had a client message
// read off the wire — the basis the listener's read loop checks
// Options.ClientIdleTimeout against (spec §4.8 step 1, §8 scenario 6).
func (e *Engine) LastActivity() time.Time { return e.lastActivity }

// Touch refreshes LastActivity. Called once per message the listener
// successfully reads from the client, regardless of protocol or kind.
func (e *Engine) Touch() { e.lastActivity = time.Now() }

// IdleTimeout returns the configured client idle timeout, or 0 when
// idle disconnection is disabled.
func (e *Engine) IdleTimeout() time.Duration { return e.opts.ClientIdleTimeout }

// withQueryDeadline applies Options.QueryTimeout as a read deadline on
// every server this statement is about to wait on, returning a func
// that clears it again once the statement's response has been fully
// read. A zero QueryTimeout disables the deadline entirely.
func (e *Engine) withQueryDeadline(servers []*backend.Server) func() {
	if e.opts.QueryTimeout <= 0 || len(servers) == 0 {
		return func() {}
	}
	deadline := time.Now().Add(e.opts.QueryTimeout)
	for _, s := range servers {
		_ = s.Conn().SetReadDeadline(deadline)
	}
	return func() {
		for _, s := range servers {
			_ = s.Conn().SetReadDeadline(time.Time{})
		}
	}
}

// ErrCrossShardDisabled is returned by HandleSimpleQuery when the
// route fans out but the cluster's policy forbids it (spec §4.8 step 6).
var ErrCrossShardDisabled = fmt.Errorf("engine: cross-shard queries are disabled for this cluster")

// HandleSimpleQuery runs one simple-protocol Query message through the
// full steps 3-9 of spec §4.8: route, intercept, connect, cross-shard
// gate, send, pump, release. sink receives every message the client
// must see; cacheable is always false for simple-protocol text (spec
// §4.3 forbids caching inlined-literal text).
func (e *Engine) HandleSimpleQuery(ctx context.Context, sql string, sink binding.Sink) error {
	e.lastActivity = time.Now()
	e.state = Active

	cmd, err := router.Classify(e.routerContext(), sql, e.astCache, false)
	if err != nil {
		return e.sendError(sink, "42601", err.Error())
	}

	switch cmd.Kind {
	case router.KindCommitTransaction:
		return e.finalizeTransaction(ctx, sink, "COMMIT")
	case router.KindRollbackTransaction:
		return e.finalizeTransaction(ctx, sink, "ROLLBACK")
	}

	if handled, err := e.intercept(sink, cmd); handled {
		e.settleState()
		return err
	}

	if e.crossShardBlocked(cmd.Route) {
		if err := e.sendError(sink, "0A000", ErrCrossShardDisabled.Error()); err != nil {
			return err
		}
		e.settleState()
		return nil
	}

	if err := e.connect(ctx, cmd.Route); err != nil {
		return e.sendError(sink, "08006", err.Error())
	}

	if cmd.Kind == router.KindCopy {
		return e.handleCopy(sql, cmd, sink)
	}

	outSQL := sql
	if cmd.RewrittenSQL != "" {
		outSQL = cmd.RewrittenSQL
	}
	if err := e.sendAndPump(outSQL, cmd, sink); err != nil {
		return err
	}

	e.settleState()
	return nil
}

func (e *Engine) routerContext() router.Context {
	return router.Context{
		Cluster:                e.cluster,
		InTransaction:          e.txn.Status != session.Idle,
		ReadWriteStrategy:      e.opts.ReadWriteStrategy,
		FullPreparedStatements: e.opts.FullPreparedStatements,
		Prepared:               e.prepared,
		ResolvePrepared: func(name string) (string, bool) {
			g, ok := e.setVars["__prepared:"+name]
			return g, ok
		},
		RecordPrepared: func(name, global string) {
			e.setVars["__prepared:"+name] = global
		},
		UseParser: true,
	}
}

// intercept answers local-only commands from the client side without a
// checkout: SET, SHOW pgdog.shards, DEALLOCATE, LISTEN/NOTIFY/UNLISTEN,
// and a bare BEGIN that hasn't seen its first statement yet.
func (e *Engine) intercept(sink binding.Sink, cmd router.Command) (handled bool, err error) {
	switch cmd.Kind {
	case router.KindSet, router.KindSetShard:
		e.setVars[cmd.SetName] = cmd.SetValue
		if cmd.Kind == router.KindSetShard {
			if shard, ok := singleShard(cmd.Route.Target); ok {
				if err := e.txn.SetManualShard(router.DirectTarget(shard)); err != nil {
					return true, e.sendError(sink, "40001", err.Error())
				}
			}
		}
		return true, e.reply(sink, "SET")
	case router.KindShowShards:
		return true, e.replyShowShards(sink, cmd.ShardCount)
	case router.KindDeallocate:
		return true, e.handleDeallocate(sink, cmd.SetName)
	case router.KindListen, router.KindNotify, router.KindUnlisten:
		return true, e.reply(sink, listenTag(cmd.Kind))
	case router.KindStartTransaction:
		if err := e.txn.SoftBegin(); err != nil {
			return true, e.sendError(sink, "25001", err.Error())
		}
		e.state = IdleInTransaction
		return true, e.reply(sink, "BEGIN")
	default:
		return false, nil
	}
}

func singleShard(t router.Target) (int, bool) {
	if t.All || len(t.Shards) != 1 {
		return 0, false
	}
	return t.Shards[0], true
}

func listenTag(k router.Kind) string {
	switch k {
	case router.KindListen:
		return "LISTEN"
	case router.KindNotify:
		return "NOTIFY"
	default:
		return "UNLISTEN"
	}
}

func (e *Engine) handleDeallocate(sink binding.Sink, clientName string) error {
	if global, ok := e.setVars["__prepared:"+clientName]; ok {
		e.prepared.Decrement(global)
		delete(e.setVars, "__prepared:"+clientName)
	}
	return e.reply(sink, "DEALLOCATE")
}

func (e *Engine) replyShowShards(sink binding.Sink, count int) error {
	rd := wire.RowDescription{Fields: []wire.FieldDescription{{Name: "shards", TypeOID: 23}}}
	if err := sink.Send(rd.Encode()); err != nil {
		return err
	}
	row := wire.DataRow{Values: [][]byte{[]byte(itoaSimple(count))}}
	if err := sink.Send(row.Encode()); err != nil {
		return err
	}
	return e.reply(sink, "SHOW")
}

func itoaSimple(n int) string {
	if n == 0 {
		return "0"
	}
	neg := n < 0
	if neg {
		n = -n
	}
	var buf [20]byte
	i := len(buf)
	for n > 0 {
		i--
		buf[i] = byte('0' + n%10)
		n /= 10
	}
	if neg {
		i--
		buf[i] = '-'
	}
	return string(buf[i:])
}

func (e *Engine) reply(sink binding.Sink, tag string) error {
	if err := sink.Send(wire.CommandComplete{Tag: tag}.Encode()); err != nil {
		return err
	}
	return sink.Send(wire.ReadyForQuery{Status: e.readyStatus()}.Encode())
}

func (e *Engine) sendError(sink binding.Sink, code, message string) error {
	if err := sink.Send(wire.NewError("ERROR", code, message).Encode()); err != nil {
		return err
	}
	e.txn.Reset()
	return sink.Send(wire.ReadyForQuery{Status: 'I'}.Encode())
}

func (e *Engine) readyStatus() byte {
	if e.txn.Status == session.InProgress || e.txn.Status == session.BeginPending {
		return 'T'
	}
	return 'I'
}

// crossShardBlocked implements spec §4.8 step 6: a policy that forbids
// cross-shard fan-out rejects any Multi/All route before checkout.
func (e *Engine) crossShardBlocked(route router.Route) bool {
	return e.opts.CrossShardDisabled && (route.Target.All || len(route.Target.Shards) > 1)
}

// connect acquires a server per shard the route names, honoring an
// already-pinned logical transaction shard (spec §4.9): once InProgress
// on a shard, every further statement must target that same shard.
func (e *Engine) connect(ctx context.Context, route router.Route) error {
	if e.bind != nil && e.bind.Connected() {
		return nil // already holding a binding from this transaction/session
	}

	shards, err := e.shardsForRoute(route)
	if err != nil {
		return err
	}

	servers := make([]*backend.Server, 0, len(shards))
	checkouts := make([]checkout, 0, len(shards))
	for _, n := range shards {
		p, err := e.poolFor(n, route.Role)
		if err != nil {
			e.releaseCheckouts(checkouts)
			return err
		}
		s, err := p.Get(ctx)
		if err != nil {
			e.releaseCheckouts(checkouts)
			return fmt.Errorf("engine: acquiring shard %d: %w", n, err)
		}
		servers = append(servers, s)
		checkouts = append(checkouts, checkout{pool: p, server: s})
	}

	e.checkouts = checkouts
	if len(shards) == 1 {
		e.target = router.DirectTarget(shards[0])
	} else {
		e.target = router.MultiTarget(shards)
	}
	if len(servers) == 1 {
		e.bind = binding.FromServer(servers[0])
	} else {
		e.bind = binding.FromShards(servers)
	}
	return nil
}

func (e *Engine) shardsForRoute(route router.Route) ([]int, error) {
	if shard, ok := e.txn.ActiveShard(); ok {
		return []int{shard}, nil
	}
	if route.Target.All {
		out := make([]int, e.cluster.ShardCount())
		for i := range out {
			out[i] = i
		}
		return out, nil
	}
	if len(route.Target.Shards) == 0 {
		return []int{0}, nil
	}
	return route.Target.Shards, nil
}

func (e *Engine) poolFor(shard int, role router.Role) (*pool.Pool, error) {
	if role == router.RoleWrite {
		return e.cluster.PickForWrite(shard)
	}
	return e.cluster.PickForRead(shard, e.affinityKey)
}

func (e *Engine) releaseCheckouts(checkouts []checkout) {
	for _, c := range checkouts {
		c.pool.Put(c.server)
	}
}

// maybeBeginTransaction touches e.target in the logical transaction
// tracker and, the first time a pending BEGIN resolves a concrete
// shard, sends the real BEGIN to it. handled is true once a reply has
// already been written to sink (an error occurred and there's nothing
// further for the caller to do with this message).
func (e *Engine) maybeBeginTransaction(sink binding.Sink) (handled bool, err error) {
	wasPending := e.txn.Status == session.BeginPending
	if e.txn.Status == session.BeginPending || e.txn.Status == session.InProgress {
		if txErr := e.txn.ExecuteQuery(e.target); txErr != nil {
			return true, e.sendError(sink, "40001", txErr.Error())
		}
	}
	if wasPending {
		// the soft BEGIN synthesized back in intercept() was never sent
		// to any server — this is the first statement that picked a
		// shard, so the real BEGIN goes out now, ahead of it.
		if beginErr := e.beginOnServer(); beginErr != nil {
			return true, e.sendError(sink, "08006", beginErr.Error())
		}
	}
	return false, nil
}

// sendAndPump forwards sql to the held binding and relays the response
// back to sink — directly for a single server, through the merge
// protocol for a multi-shard binding.
func (e *Engine) sendAndPump(sql string, cmd router.Command, sink binding.Sink) error {
	if handled, err := e.maybeBeginTransaction(sink); handled {
		return err
	}

	if err := e.bind.Send(wire.Query{SQL: sql}.Encode()); err != nil {
		return fmt.Errorf("engine: sending query: %w", err)
	}

	done := e.withQueryDeadline(e.bind.Servers())
	defer done()

	if e.bind.Kind() == binding.KindMultiShard {
		return e.bind.Drain(sink, cmd.Merge)
	}
	return e.pumpSingle(sink)
}

// beginOnServer issues a real BEGIN on the single pinned shard and
// drains its response without forwarding anything to the client, who
// already saw the synthesized BEGIN reply when the transaction soft-
// started. ExecuteQuery already rejected anything but a direct target,
// so exactly one server is ever held here.
func (e *Engine) beginOnServer() error {
	servers := e.bind.Servers()
	if len(servers) != 1 {
		return fmt.Errorf("engine: transaction begin requires a single pinned shard")
	}
	s := servers[0]
	if err := s.Send(wire.Query{SQL: "BEGIN"}.Encode()); err != nil {
		return fmt.Errorf("engine: sending BEGIN: %w", err)
	}
	for {
		msg, err := s.Read()
		if err != nil {
			s.MarkForceClose()
			return fmt.Errorf("engine: reading BEGIN response: %w", err)
		}
		if msg.Type == wire.TypeReadyForQuery {
			if rfq, err := wire.ParseReadyForQuery(msg.Body); err == nil {
				s.ObserveReadyForQuery(rfq.Status)
			}
			return nil
		}
	}
}

// finalizeTransaction handles COMMIT/ROLLBACK: if no statement ever
// picked a shard, there's nothing to finalize on any server and the
// reply is synthesized exactly like a soft BEGIN's undo; otherwise the
// real verb is sent to the one shard the transaction touched and its
// response relayed straight through to the client.
func (e *Engine) finalizeTransaction(ctx context.Context, sink binding.Sink, verb string) error {
	shard, touched := e.txn.ActiveShard()
	if !touched {
		pending := e.txn.Status == session.BeginPending
		var txnErr error
		if verb == "COMMIT" {
			txnErr = e.txn.Commit()
		} else {
			txnErr = e.txn.Rollback()
		}
		e.txn.Reset()
		if txnErr != nil && !pending {
			err := e.sendError(sink, "25P01", txnErr.Error())
			e.settleState()
			return err
		}
		err := e.reply(sink, verb)
		e.settleState()
		return err
	}

	if e.bind == nil || !e.bind.Connected() {
		if err := e.connect(ctx, router.Route{Role: router.RoleWrite, Target: router.DirectTarget(shard)}); err != nil {
			return e.sendError(sink, "08006", err.Error())
		}
	}
	if err := e.bind.Send(wire.Query{SQL: verb}.Encode()); err != nil {
		return fmt.Errorf("engine: sending %s: %w", verb, err)
	}
	if err := e.pumpSingle(sink); err != nil {
		return err
	}

	if verb == "COMMIT" {
		_ = e.txn.Commit()
	} else {
		_ = e.txn.Rollback()
	}
	e.txn.Reset()
	e.settleState()
	return nil
}

// pumpSingle relays one server's response stream to sink until
// ReadyForQuery, updating in_transaction from the status byte (spec
// §4.8 step 8).
func (e *Engine) pumpSingle(sink binding.Sink) error {
	servers := e.bind.Servers()
	if len(servers) != 1 {
		return fmt.Errorf("engine: pumpSingle called without exactly one server")
	}
	s := servers[0]
	for {
		msg, err := s.Read()
		if err != nil {
			s.MarkForceClose()
			return fmt.Errorf("engine: reading from server: %w", err)
		}
		if err := sink.Send(msg); err != nil {
			return fmt.Errorf("engine: writing to client: %w", err)
		}
		if msg.Type == wire.TypeReadyForQuery {
			rfq, err := wire.ParseReadyForQuery(msg.Body)
			if err == nil {
				s.ObserveReadyForQuery(rfq.Status)
			}
			return nil
		}
	}
}

// settleState transitions Active back to Idle/IdleInTransaction and, in
// transaction-mode pooling, returns any held servers once the logical
// transaction has nothing left pinned (spec §4.8 step 9).
func (e *Engine) settleState() {
	if e.txn.Status == session.InProgress || e.txn.Status == session.BeginPending {
		e.state = IdleInTransaction
		return
	}
	e.state = Idle

	if e.opts.PoolMode == ModeTransaction && e.bind != nil {
		e.releaseCheckouts(e.checkouts)
		e.checkouts = nil
		e.bind = nil
	}
}

// Close releases whatever the engine currently holds — used when the
// client disconnects mid-statement or mid-transaction.
func (e *Engine) Close() {
	if e.bind != nil {
		for _, c := range e.checkouts {
			c.server.MarkDirty()
		}
		e.releaseCheckouts(e.checkouts)
		e.checkouts = nil
		e.bind = nil
	}
}
