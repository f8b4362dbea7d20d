package pool

import (
	"container/list"
	"context"
	"testing"
	"time"

	"github.com/pgdog-go/pgdog/internal/backend"
)

func newTestPool(cfg Config) *Pool {
	return &Pool{
		cfg:        cfg,
		checkedOut: make(map[*backend.Server]struct{}),
		waiters:    list.New(),
		createCh:   make(chan struct{}, 1),
		stopCh:     make(chan struct{}),
	}
}

func TestPoolBanPreventsCheckoutUntilTimeout(t *testing.T) {
	p := newTestPool(Config{Bannable: true, BanTimeout: 10 * time.Millisecond})
	p.Ban("test")

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	if _, err := p.Get(ctx); err != ErrBanned {
		t.Fatalf("expected ErrBanned, got %v", err)
	}

	time.Sleep(20 * time.Millisecond)
	p.MaybeUnban()
	if p.Stats().Banned {
		t.Fatalf("expected ban cleared after timeout elapsed")
	}
}

func TestPoolNonBannableIgnoresBan(t *testing.T) {
	p := newTestPool(Config{Bannable: false, BanTimeout: time.Hour})
	p.Ban("test")
	if p.Stats().Banned {
		t.Fatalf("expected non-bannable pool to ignore Ban")
	}
}

func TestPoolShutdownFailsPendingWaiters(t *testing.T) {
	p := newTestPool(Config{Max: 0, CheckoutTimeout: time.Second})

	done := make(chan error, 1)
	go func() {
		_, err := p.Get(context.Background())
		done <- err
	}()

	time.Sleep(20 * time.Millisecond)
	p.Shutdown()

	select {
	case err := <-done:
		if err != ErrClosed {
			t.Fatalf("expected ErrClosed, got %v", err)
		}
	case <-time.After(time.Second):
		t.Fatal("Get did not return after Shutdown")
	}
}

func TestPoolGetReturnsClosedErrImmediately(t *testing.T) {
	p := newTestPool(Config{Max: 2, CheckoutTimeout: time.Second})
	p.closed = true
	if _, err := p.Get(context.Background()); err != ErrClosed {
		t.Fatalf("expected ErrClosed, got %v", err)
	}
}

func TestPoolGetReturnsPausedErrImmediately(t *testing.T) {
	p := newTestPool(Config{Max: 2, CheckoutTimeout: time.Second})
	p.paused = true
	if _, err := p.Get(context.Background()); err != ErrPaused {
		t.Fatalf("expected ErrPaused, got %v", err)
	}
	p.Resume()
	if p.Stats().Paused {
		t.Fatalf("expected Resume to clear paused flag")
	}
}

func TestPoolCheckoutTimeout(t *testing.T) {
	p := newTestPool(Config{Max: 0, CheckoutTimeout: 20 * time.Millisecond})
	_, err := p.Get(context.Background())
	if err != ErrCheckoutTimeout {
		t.Fatalf("expected ErrCheckoutTimeout, got %v", err)
	}
	if p.waiters.Len() != 0 {
		t.Fatalf("expected waiter to be cleaned up after timeout, got %d", p.waiters.Len())
	}
}

func TestPoolIdleFIFOOrdering(t *testing.T) {
	p := newTestPool(Config{Min: 0, Max: 5})

	a := backend.New(nil, backend.Address{})
	b := backend.New(nil, backend.Address{})
	a.MarkIdle()
	b.MarkIdle()
	p.idle = append(p.idle, a, b)
	p.total = 2

	got, err := p.Get(context.Background())
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if got != a {
		t.Fatalf("expected FIFO order to hand out the oldest idle connection first")
	}
}

func TestPoolStatsReflectConfig(t *testing.T) {
	p := newTestPool(Config{Min: 1, Max: 5})
	stats := p.Stats()
	if stats.Min != 1 || stats.Max != 5 {
		t.Errorf("unexpected stats: %+v", stats)
	}
}
