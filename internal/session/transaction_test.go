package session

import (
	"testing"

	"github.com/pgdog-go/pgdog/internal/router"
)

func direct(shard int) router.Target { return router.DirectTarget(shard) }

func TestNewTransactionIsIdle(t *testing.T) {
	tx := New()
	if tx.Status != Idle {
		t.Fatalf("expected Idle, got %v", tx.Status)
	}
	if _, ok := tx.ActiveShard(); ok {
		t.Fatalf("expected no active shard for a fresh transaction")
	}
}

func TestSoftBeginFromIdle(t *testing.T) {
	tx := New()
	if err := tx.SoftBegin(); err != nil {
		t.Fatalf("SoftBegin: %v", err)
	}
	if tx.Status != BeginPending {
		t.Fatalf("expected BeginPending, got %v", tx.Status)
	}
}

func TestSoftBeginAlreadyPendingErrors(t *testing.T) {
	tx := New()
	tx.SoftBegin()
	if err := tx.SoftBegin(); err != ErrAlreadyInTransaction {
		t.Fatalf("expected ErrAlreadyInTransaction, got %v", err)
	}
}

func TestSoftBeginInProgressErrors(t *testing.T) {
	tx := New()
	tx.SoftBegin()
	mustOK(t, tx.ExecuteQuery(direct(0)))
	if err := tx.SoftBegin(); err != ErrAlreadyInTransaction {
		t.Fatalf("expected ErrAlreadyInTransaction, got %v", err)
	}
}

func TestSoftBeginAfterCommitErrors(t *testing.T) {
	tx := New()
	tx.SoftBegin()
	mustOK(t, tx.ExecuteQuery(direct(0)))
	mustOK(t, tx.Commit())
	if err := tx.SoftBegin(); err != ErrAlreadyFinalized {
		t.Fatalf("expected ErrAlreadyFinalized, got %v", err)
	}
}

func TestSoftBeginAfterRollbackErrors(t *testing.T) {
	tx := New()
	tx.SoftBegin()
	mustOK(t, tx.ExecuteQuery(direct(0)))
	mustOK(t, tx.Rollback())
	if err := tx.SoftBegin(); err != ErrAlreadyFinalized {
		t.Fatalf("expected ErrAlreadyFinalized, got %v", err)
	}
}

func TestExecuteQueryFromBeginPending(t *testing.T) {
	tx := New()
	tx.SoftBegin()
	mustOK(t, tx.ExecuteQuery(direct(0)))
	if tx.Status != InProgress {
		t.Fatalf("expected InProgress, got %v", tx.Status)
	}
	shard, ok := tx.ActiveShard()
	if !ok || shard != 0 {
		t.Fatalf("expected active shard 0, got %d ok=%v", shard, ok)
	}
}

func TestExecuteQueryFromIdleErrors(t *testing.T) {
	tx := New()
	if err := tx.ExecuteQuery(direct(0)); err != ErrNoPendingBegins {
		t.Fatalf("expected ErrNoPendingBegins, got %v", err)
	}
}

func TestExecuteQueryAfterCommitErrors(t *testing.T) {
	tx := New()
	tx.SoftBegin()
	mustOK(t, tx.ExecuteQuery(direct(0)))
	mustOK(t, tx.Commit())
	if err := tx.ExecuteQuery(direct(0)); err != ErrAlreadyFinalized {
		t.Fatalf("expected ErrAlreadyFinalized, got %v", err)
	}
}

func TestExecuteQueryMultipleOnSameShard(t *testing.T) {
	tx := New()
	tx.SoftBegin()
	mustOK(t, tx.ExecuteQuery(direct(0)))
	mustOK(t, tx.ExecuteQuery(direct(0)))
	shard, _ := tx.ActiveShard()
	if shard != 0 || tx.Status != InProgress {
		t.Fatalf("expected shard 0 still InProgress, got shard=%d status=%v", shard, tx.Status)
	}
}

func TestExecuteQueryCrossShardErrors(t *testing.T) {
	tx := New()
	tx.SoftBegin()
	mustOK(t, tx.ExecuteQuery(direct(0)))
	if err := tx.ExecuteQuery(direct(1)); err != ErrShardConflict {
		t.Fatalf("expected ErrShardConflict, got %v", err)
	}
}

func TestExecuteQueryInvalidShardTypeErrors(t *testing.T) {
	tx := New()
	tx.SoftBegin()
	if err := tx.ExecuteQuery(router.AllTarget()); err != ErrInvalidShardType {
		t.Fatalf("expected ErrInvalidShardType, got %v", err)
	}
}

func TestCommitFromInProgress(t *testing.T) {
	tx := New()
	tx.SoftBegin()
	mustOK(t, tx.ExecuteQuery(direct(0)))
	mustOK(t, tx.Commit())
	if tx.Status != Committed {
		t.Fatalf("expected Committed, got %v", tx.Status)
	}
}

func TestCommitFromIdleErrors(t *testing.T) {
	tx := New()
	if err := tx.Commit(); err != ErrNoPendingBegins {
		t.Fatalf("expected ErrNoPendingBegins, got %v", err)
	}
}

func TestCommitFromBeginPendingErrors(t *testing.T) {
	tx := New()
	tx.SoftBegin()
	if err := tx.Commit(); err != ErrNoActiveTransaction {
		t.Fatalf("expected ErrNoActiveTransaction, got %v", err)
	}
}

func TestCommitAlreadyCommittedErrors(t *testing.T) {
	tx := New()
	tx.SoftBegin()
	mustOK(t, tx.ExecuteQuery(direct(0)))
	mustOK(t, tx.Commit())
	if err := tx.Commit(); err != ErrAlreadyFinalized {
		t.Fatalf("expected ErrAlreadyFinalized, got %v", err)
	}
}

func TestRollbackFromInProgress(t *testing.T) {
	tx := New()
	tx.SoftBegin()
	mustOK(t, tx.ExecuteQuery(direct(0)))
	mustOK(t, tx.Rollback())
	if tx.Status != RolledBack {
		t.Fatalf("expected RolledBack, got %v", tx.Status)
	}
}

func TestRollbackFromBeginPendingErrors(t *testing.T) {
	tx := New()
	tx.SoftBegin()
	if err := tx.Rollback(); err != ErrNoActiveTransaction {
		t.Fatalf("expected ErrNoActiveTransaction, got %v", err)
	}
}

func TestRollbackFromIdleErrors(t *testing.T) {
	tx := New()
	if err := tx.Rollback(); err != ErrNoPendingBegins {
		t.Fatalf("expected ErrNoPendingBegins, got %v", err)
	}
}

func TestCommitAfterRollbackErrors(t *testing.T) {
	tx := New()
	tx.SoftBegin()
	mustOK(t, tx.ExecuteQuery(direct(0)))
	mustOK(t, tx.Rollback())
	if err := tx.Commit(); err != ErrAlreadyFinalized {
		t.Fatalf("expected ErrAlreadyFinalized, got %v", err)
	}
}

func TestRollbackAfterCommitErrors(t *testing.T) {
	tx := New()
	tx.SoftBegin()
	mustOK(t, tx.ExecuteQuery(direct(0)))
	mustOK(t, tx.Commit())
	if err := tx.Rollback(); err != ErrAlreadyFinalized {
		t.Fatalf("expected ErrAlreadyFinalized, got %v", err)
	}
}

func TestExecuteQueryAfterRollbackErrors(t *testing.T) {
	tx := New()
	tx.SoftBegin()
	mustOK(t, tx.ExecuteQuery(direct(0)))
	mustOK(t, tx.Rollback())
	if err := tx.ExecuteQuery(direct(0)); err != ErrAlreadyFinalized {
		t.Fatalf("expected ErrAlreadyFinalized, got %v", err)
	}
}

func TestResetClearsState(t *testing.T) {
	tx := New()
	tx.SoftBegin()
	mustOK(t, tx.ExecuteQuery(direct(0)))
	mustOK(t, tx.SetManualShard(direct(0)))
	tx.Reset()
	if tx.Status != Idle {
		t.Fatalf("expected Idle after reset, got %v", tx.Status)
	}
	if _, ok := tx.ActiveShard(); ok {
		t.Fatalf("expected no active shard after reset")
	}
}

func TestSoftBeginAfterResetFromFinalized(t *testing.T) {
	tx := New()
	tx.SoftBegin()
	mustOK(t, tx.ExecuteQuery(direct(0)))
	mustOK(t, tx.Commit())
	tx.Reset()
	if err := tx.SoftBegin(); err != nil {
		t.Fatalf("SoftBegin after reset: %v", err)
	}
	if tx.Status != BeginPending {
		t.Fatalf("expected BeginPending, got %v", tx.Status)
	}
}

func TestSetManualShardBeforeTouch(t *testing.T) {
	tx := New()
	tx.SoftBegin()
	mustOK(t, tx.SetManualShard(direct(0)))
	shard, ok := tx.ActiveShard()
	if !ok || shard != 0 {
		t.Fatalf("expected manual shard 0 active, got %d ok=%v", shard, ok)
	}
	mustOK(t, tx.ExecuteQuery(direct(0)))
}

func TestSetManualShardAfterTouchSameOK(t *testing.T) {
	tx := New()
	tx.SoftBegin()
	mustOK(t, tx.ExecuteQuery(direct(0)))
	mustOK(t, tx.SetManualShard(direct(0)))
}

func TestSetManualShardAfterTouchDifferentErrors(t *testing.T) {
	tx := New()
	tx.SoftBegin()
	mustOK(t, tx.ExecuteQuery(direct(0)))
	if err := tx.SetManualShard(direct(1)); err != ErrShardConflict {
		t.Fatalf("expected ErrShardConflict, got %v", err)
	}
}

func TestManualThenDirtyConflict(t *testing.T) {
	tx := New()
	tx.SoftBegin()
	mustOK(t, tx.SetManualShard(direct(0)))
	if err := tx.ExecuteQuery(direct(1)); err != ErrShardConflict {
		t.Fatalf("expected ErrShardConflict, got %v", err)
	}
}

func TestSetManualShardInvalidTypeErrors(t *testing.T) {
	tx := New()
	if err := tx.SetManualShard(router.AllTarget()); err != ErrInvalidShardType {
		t.Fatalf("expected ErrInvalidShardType, got %v", err)
	}
}

func TestSetManualShardMultipleChangesBeforeExecute(t *testing.T) {
	tx := New()
	tx.SoftBegin()
	mustOK(t, tx.SetManualShard(direct(1)))
	mustOK(t, tx.SetManualShard(direct(2)))
	shard, _ := tx.ActiveShard()
	if shard != 2 {
		t.Fatalf("expected manual shard 2, got %d", shard)
	}
	mustOK(t, tx.ExecuteQuery(direct(2)))
	if err := tx.ExecuteQuery(direct(1)); err != ErrShardConflict {
		t.Fatalf("expected ErrShardConflict, got %v", err)
	}
}

func TestSetManualShardAfterCommitSameOK(t *testing.T) {
	tx := New()
	tx.SoftBegin()
	mustOK(t, tx.ExecuteQuery(direct(0)))
	mustOK(t, tx.Commit())
	mustOK(t, tx.SetManualShard(direct(0)))
}

func TestSetManualShardAfterCommitDifferentErrors(t *testing.T) {
	tx := New()
	tx.SoftBegin()
	mustOK(t, tx.ExecuteQuery(direct(0)))
	mustOK(t, tx.Commit())
	if err := tx.SetManualShard(direct(1)); err != ErrShardConflict {
		t.Fatalf("expected ErrShardConflict, got %v", err)
	}
}

func TestSetManualShardAfterRollbackSameOK(t *testing.T) {
	tx := New()
	tx.SoftBegin()
	mustOK(t, tx.ExecuteQuery(direct(0)))
	mustOK(t, tx.Rollback())
	mustOK(t, tx.SetManualShard(direct(0)))
}

func TestSetManualShardAfterRollbackDifferentErrors(t *testing.T) {
	tx := New()
	tx.SoftBegin()
	mustOK(t, tx.ExecuteQuery(direct(0)))
	mustOK(t, tx.Rollback())
	if err := tx.SetManualShard(direct(1)); err != ErrShardConflict {
		t.Fatalf("expected ErrShardConflict, got %v", err)
	}
}

func TestSetManualShardInIdle(t *testing.T) {
	tx := New()
	mustOK(t, tx.SetManualShard(direct(0)))
	shard, ok := tx.ActiveShard()
	if !ok || shard != 0 {
		t.Fatalf("expected manual shard 0, got %d ok=%v", shard, ok)
	}
}

func TestActiveShardBothSame(t *testing.T) {
	tx := New()
	mustOK(t, tx.SetManualShard(direct(3)))
	tx.SoftBegin()
	mustOK(t, tx.ExecuteQuery(direct(3)))
	shard, ok := tx.ActiveShard()
	if !ok || shard != 3 {
		t.Fatalf("expected active shard 3, got %d ok=%v", shard, ok)
	}
}

func mustOK(t *testing.T, err error) {
	t.Helper()
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
}
