// Package session tracks per-client logical transaction state across a
// sharded backend: which shard a transaction has touched, whether a
// manual pin agrees with it, and the BEGIN/COMMIT/ROLLBACK lifecycle a
// client sees as one node even though it spans independently pooled
// shard connections. Ported directly from
// original_source/pgdog/src/frontend/logical_transaction.rs, generalized
// from the teacher's boolean pinned/txnStart fields in
// internal/proxy/pg_relay.go into the full state machine.
package session

import (
	"errors"

	"github.com/pgdog-go/pgdog/internal/router"
)

// Status is the logical transaction's lifecycle state.
type Status int

const (
	Idle Status = iota
	BeginPending
	InProgress
	Committed
	RolledBack
)

func (s Status) String() string {
	switch s {
	case Idle:
		return "idle"
	case BeginPending:
		return "begin_pending"
	case InProgress:
		return "in_progress"
	case Committed:
		return "committed"
	case RolledBack:
		return "rolled_back"
	default:
		return "unknown"
	}
}

var (
	ErrAlreadyInTransaction = errors.New("session: transaction already started")
	ErrNoActiveTransaction  = errors.New("session: no active transaction")
	ErrAlreadyFinalized     = errors.New("session: transaction already finalized")
	ErrNoPendingBegins      = errors.New("session: transaction not pending")
	ErrInvalidShardType     = errors.New("session: sharding hints must be a direct single shard")
	ErrShardConflict        = errors.New("session: can't run a transaction across multiple shards")
)

// Transaction is one client's logical transaction tracker.
type Transaction struct {
	Status      Status
	manualShard *int
	dirtyShard  *int
}

// New builds a Transaction in the Idle state.
func New() *Transaction {
	return &Transaction{Status: Idle}
}

// ActiveShard returns the shard statements in this transaction must
// target: the touched shard if one is set, else the manually pinned
// shard. In practice only one is ever set, or both agree.
func (t *Transaction) ActiveShard() (int, bool) {
	if t.dirtyShard != nil {
		return *t.dirtyShard, true
	}
	if t.manualShard != nil {
		return *t.manualShard, true
	}
	return 0, false
}

// SoftBegin marks a BEGIN as pending: it is not forwarded to any server
// until the first in-transaction statement picks a shard.
func (t *Transaction) SoftBegin() error {
	switch t.Status {
	case Idle:
		t.Status = BeginPending
		return nil
	case BeginPending, InProgress:
		return ErrAlreadyInTransaction
	default:
		return ErrAlreadyFinalized
	}
}

// directShard validates that target names exactly one shard, per the
// logical transaction's Shard::Direct(_)-only discipline — a Multi or
// All target can't participate in a pinned transaction.
func directShard(target router.Target) (int, error) {
	if target.All || len(target.Shards) != 1 {
		return 0, ErrInvalidShardType
	}
	return target.Shards[0], nil
}

// touchShard records that this transaction has run a statement against
// shard, failing if it conflicts with an already-touched or
// manually-pinned shard.
func (t *Transaction) touchShard(shard int) error {
	if t.manualShard != nil && *t.manualShard != shard {
		return ErrShardConflict
	}
	if t.dirtyShard != nil && *t.dirtyShard != shard {
		return ErrShardConflict
	}
	t.dirtyShard = &shard
	return nil
}

// ExecuteQuery runs a query against target's shard, touching it and
// advancing BeginPending -> InProgress on the first statement of a
// transaction.
func (t *Transaction) ExecuteQuery(target router.Target) error {
	shard, err := directShard(target)
	if err != nil {
		return err
	}
	if err := t.touchShard(shard); err != nil {
		return err
	}

	switch t.Status {
	case BeginPending:
		t.Status = InProgress
		return nil
	case Idle:
		return ErrNoPendingBegins
	case InProgress:
		return nil
	default:
		return ErrAlreadyFinalized
	}
}

// Commit finalizes the transaction as Committed.
func (t *Transaction) Commit() error {
	switch t.Status {
	case InProgress:
		t.Status = Committed
		return nil
	case Idle:
		return ErrNoPendingBegins
	case BeginPending:
		return ErrNoActiveTransaction
	default:
		return ErrAlreadyFinalized
	}
}

// Rollback finalizes the transaction as RolledBack.
func (t *Transaction) Rollback() error {
	switch t.Status {
	case InProgress:
		t.Status = RolledBack
		return nil
	case Idle:
		return ErrNoPendingBegins
	case BeginPending:
		return ErrNoActiveTransaction
	default:
		return ErrAlreadyFinalized
	}
}

// Reset clears all transactional state, returning to Idle. Safe to call
// from any state.
func (t *Transaction) Reset() {
	t.Status = Idle
	t.manualShard = nil
	t.dirtyShard = nil
}

// SetManualShard pins the transaction to target's shard (via `SET
// pgdog.shard`). A no-op if reaffirming the same pin; fails if a
// different shard was already touched.
func (t *Transaction) SetManualShard(target router.Target) error {
	shard, err := directShard(target)
	if err != nil {
		return err
	}

	if t.manualShard != nil && *t.manualShard == shard {
		return nil
	}
	if t.dirtyShard != nil && *t.dirtyShard != shard {
		return ErrShardConflict
	}

	t.manualShard = &shard
	return nil
}
