// Package backend owns a single upstream PostgreSQL connection: its
// transaction/sync state, reported parameters, and the set of prepared
// statement names already installed on it.
package backend

import (
	"fmt"
	"net"
	"sync"
	"time"

	"github.com/pgdog-go/pgdog/internal/wire"
)

// State mirrors the server-side half of the pool's connection state
// machine (spec §4.1): a server starts Creating, becomes Idle once
// authenticated, moves to CheckedOut while a client holds it, and can be
// marked Dirty (needs reset before reuse) or ForceClose (discard on
// return) from any state.
type State int

const (
	Creating State = iota
	Idle
	CheckedOut
	Dirty
	ForceClose
)

func (s State) String() string {
	switch s {
	case Creating:
		return "creating"
	case Idle:
		return "idle"
	case CheckedOut:
		return "checked_out"
	case Dirty:
		return "dirty"
	case ForceClose:
		return "force_close"
	default:
		return "unknown"
	}
}

// Stats accumulates per-server counters (spec §3).
type Stats struct {
	BytesSent     uint64
	BytesReceived uint64
	Queries       uint64
	Transactions  uint64
	Errors        uint64
	LastUsed      time.Time
}

// Address identifies the upstream this server connects to and the
// identity it authenticated as — the pool's keying tuple (spec §3).
type Address struct {
	Host     string
	Port     int
	Database string
	User     string
	Password string
}

func (a Address) String() string {
	return fmt.Sprintf("%s@%s:%d/%s", a.User, a.Host, a.Port, a.Database)
}

// Server owns one upstream TCP connection and everything the proxy must
// track to safely multiplex client requests onto it (spec §3/§4.1).
type Server struct {
	mu sync.Mutex

	conn      net.Conn
	addr      Address
	state     State
	createdAt time.Time
	lastUsed  time.Time

	inTransaction bool
	inSync        bool // has reported ReadyForQuery since last command
	dirty         bool // needs reset before reuse (session-mode leftover state)

	changedParams map[string]string      // ParameterStatus accumulator
	prepared      map[string]struct{}    // global prepared-statement names already Parse'd here
	backendKey    wire.BackendKeyData

	stats Stats
}

// New wraps an already-authenticated net.Conn as a fresh, idle Server.
func New(conn net.Conn, addr Address) *Server {
	now := time.Now()
	return &Server{
		conn:          conn,
		addr:          addr,
		state:         Idle,
		createdAt:     now,
		lastUsed:      now,
		changedParams: make(map[string]string),
		prepared:      make(map[string]struct{}),
		inSync:        true,
	}
}

func (s *Server) Conn() net.Conn     { return s.conn }
func (s *Server) Address() Address   { return s.addr }
func (s *Server) CreatedAt() time.Time {
	return s.createdAt
}

func (s *Server) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

func (s *Server) setState(st State) {
	s.mu.Lock()
	s.state = st
	s.mu.Unlock()
}

// MarkCheckedOut transitions Idle -> CheckedOut and stamps last-used.
func (s *Server) MarkCheckedOut() {
	s.mu.Lock()
	s.state = CheckedOut
	s.lastUsed = time.Now()
	s.mu.Unlock()
}

// MarkIdle transitions back to Idle after a successful return.
func (s *Server) MarkIdle() {
	s.mu.Lock()
	s.state = Idle
	s.lastUsed = time.Now()
	s.mu.Unlock()
}

// MarkForceClose flags the server for discard regardless of current
// state — used on protocol desync or socket error (spec §4.1/§7).
func (s *Server) MarkForceClose() {
	s.setState(ForceClose)
}

func (s *Server) ShouldDiscard() bool {
	return s.State() == ForceClose
}

// InTransaction reports the last-known transaction status reported via
// ReadyForQuery.
func (s *Server) InTransaction() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.inTransaction
}

// InSync reports whether the server has reported ReadyForQuery since its
// last command was sent — i.e. it's safe to send the next one.
func (s *Server) InSync() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.inSync
}

// Dirty reports whether this connection carries session-local state
// (SET variables, prepared statements beyond the cache, an open
// transaction) that must be reset before returning to transaction-mode
// service.
func (s *Server) Dirty() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.dirty || s.inTransaction
}

func (s *Server) MarkDirty() {
	s.mu.Lock()
	s.dirty = true
	s.mu.Unlock()
}

func (s *Server) ClearDirty() {
	s.mu.Lock()
	s.dirty = false
	s.mu.Unlock()
}

// ObserveReadyForQuery updates in_transaction/in_sync from a backend's
// ReadyForQuery status byte (spec §4.8 step 8).
func (s *Server) ObserveReadyForQuery(status byte) {
	s.mu.Lock()
	s.inSync = true
	s.inTransaction = status == 'T' || status == 'E'
	if status == 'E' {
		s.dirty = true
	}
	s.mu.Unlock()
}

// ObserveParameterStatus records a server-reported runtime parameter.
func (s *Server) ObserveParameterStatus(name, value string) {
	s.mu.Lock()
	s.changedParams[name] = value
	s.mu.Unlock()
}

// Parameters returns a snapshot of parameters the server has reported.
func (s *Server) Parameters() map[string]string {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make(map[string]string, len(s.changedParams))
	for k, v := range s.changedParams {
		out[k] = v
	}
	return out
}

// SetBackendKeyData records the key pair needed to issue CancelRequest
// against this server later.
func (s *Server) SetBackendKeyData(k wire.BackendKeyData) {
	s.mu.Lock()
	s.backendKey = k
	s.mu.Unlock()
}

func (s *Server) BackendKeyData() wire.BackendKeyData {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.backendKey
}

// HasPrepared reports whether globalName has already been Parse'd on
// this connection (spec §4.6: "a server tracks which global names it
// has prepared").
func (s *Server) HasPrepared(globalName string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.prepared[globalName]
	return ok
}

func (s *Server) MarkPrepared(globalName string) {
	s.mu.Lock()
	s.prepared[globalName] = struct{}{}
	s.mu.Unlock()
}

// ForgetPrepared drops the server's record of a prepared name — used
// when the server's own prepared_statements_limit forces an eviction.
func (s *Server) ForgetPrepared(globalName string) {
	s.mu.Lock()
	delete(s.prepared, globalName)
	s.mu.Unlock()
}

func (s *Server) PreparedCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.prepared)
}

// Send writes one framed message to the server and updates byte/I-O
// stats.
func (s *Server) Send(msg wire.Message) error {
	n, err := msg.WriteTo(s.conn)
	s.mu.Lock()
	s.stats.BytesSent += uint64(n)
	if err != nil {
		s.stats.Errors++
	}
	s.inSync = false
	s.mu.Unlock()
	return err
}

// Read reads one framed message from the server and updates stats.
func (s *Server) Read() (wire.Message, error) {
	msg, err := wire.ReadMessage(s.conn)
	s.mu.Lock()
	s.stats.BytesReceived += uint64(len(msg.Body) + 5)
	if err != nil {
		s.stats.Errors++
	}
	s.mu.Unlock()
	return msg, err
}

// RecordQuery/RecordTransaction bump the per-server counters spec §3
// asks for.
func (s *Server) RecordQuery() {
	s.mu.Lock()
	s.stats.Queries++
	s.stats.LastUsed = time.Now()
	s.mu.Unlock()
}

func (s *Server) RecordTransaction() {
	s.mu.Lock()
	s.stats.Transactions++
	s.mu.Unlock()
}

func (s *Server) Stats() Stats {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.stats
}

// Reset sends a single ROLLBACK to end any open transaction before the server returns to transaction-mode service (spec §4.1
// `put`). Bounded by the caller via context deadline on conn.
func (s *Server) Reset() error {
	if err := s.Send(wire.Query{SQL: "ROLLBACK"}.Encode()); err != nil {
		return fmt.Errorf("backend: reset rollback: %w", err)
	}
	for {
		msg, err := s.Read()
		if err != nil {
			return fmt.Errorf("backend: reset read: %w", err)
		}
		if msg.Type == wire.TypeReadyForQuery {
			rfq, err := wire.ParseReadyForQuery(msg.Body)
			if err != nil {
				return err
			}
			s.ObserveReadyForQuery(rfq.Status)
			break
		}
	}
	s.mu.Lock()
	s.dirty = false
	s.changedParams = make(map[string]string)
	s.mu.Unlock()
	return nil
}

// Close closes the underlying socket and marks the server discarded.
func (s *Server) Close() error {
	s.setState(ForceClose)
	return s.conn.Close()
}
