// Package pool manages pooled backend connections for one (shard,
// role) pair: checkout/return, banning, idle eviction, and background
// connection creation and health checks. Grounded on the teacher's
// internal/pool/pool.go (TenantPool, Manager, reapLoop), generalized
// from a single flat idle/active split to the full contract of spec
// §4.1, and from dial/authenticatePG's inline two-protocol dispatch to
// backend.Dial's pluggable auth.Authenticator. The three background
// loops (maintenance, create, healthcheck) are ported from
// original_source/pgdog/src/backend/pool/monitor.rs's three-loop
// architecture.
package pool

import (
	"container/list"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/pgdog-go/pgdog/internal/auth"
	"github.com/pgdog-go/pgdog/internal/backend"
)

var (
	ErrClosed          = errors.New("pool: closed")
	ErrPaused          = errors.New("pool: paused")
	ErrBanned          = errors.New("pool: banned")
	ErrCheckoutTimeout = errors.New("pool: checkout timeout")
)

// Stats is a snapshot of pool occupancy, the new shard/role-centric
// replacement for the teacher's tenant-centric Stats.
type Stats struct {
	Idle       int
	CheckedOut int
	Total      int
	Waiting    int
	Min        int
	Max        int
	Banned     bool
	Paused     bool
	Exhausted  uint64
}

type waiter struct {
	ch chan *backend.Server
}

// Pool is a fixed-size set of connections to one backend address. The
// idle list is kept ordered ascending by last-used time (oldest at the
// front); Get always hands out the front of that list and Put always
// appends to the back, so every idle connection cycles through use
// roughly evenly — this is what spec §4.1 calls FIFO-with-
// last-used-ascending-tie-break, the opposite of the teacher's LIFO
// stack (`idle[len(idle)-1]`).
type Pool struct {
	mu            sync.Mutex
	cfg           Config
	authenticator auth.Authenticator

	idle       []*backend.Server
	checkedOut map[*backend.Server]struct{}
	total      int
	waiters    *list.List // of *waiter

	banned   bool
	bannedAt time.Time

	paused    bool
	closed    bool
	exhausted uint64

	createCh chan struct{}
	stopCh   chan struct{}
	stopOnce sync.Once

	healthObserver func(d time.Duration, healthy bool)
}

// SetHealthObserver registers a callback invoked after every idle
// healthcheck probe with its duration and outcome, the hook
// internal/metrics' HealthCheckCompleted is wired through. nil (the
// default) disables observation entirely.
func (p *Pool) SetHealthObserver(fn func(d time.Duration, healthy bool)) {
	p.mu.Lock()
	p.healthObserver = fn
	p.mu.Unlock()
}

// New builds a Pool and starts its maintenance, create, and healthcheck
// loops. Connections are created lazily by the create loop, which
// immediately tries to reach cfg.Min.
func New(cfg Config, authenticator auth.Authenticator) *Pool {
	p := &Pool{
		cfg:           cfg,
		authenticator: authenticator,
		checkedOut:    make(map[*backend.Server]struct{}),
		waiters:       list.New(),
		createCh:      make(chan struct{}, 1),
		stopCh:        make(chan struct{}),
	}

	go p.maintenanceLoop()
	go p.createLoop()
	go p.healthcheckLoop()

	p.triggerCreate()
	return p
}

// triggerCreate wakes the create loop without blocking — the
// buffered-channel-of-depth-1 is the Go analogue of the Rust monitor's
// notify permit: multiple callers collapse into one pending signal.
func (p *Pool) triggerCreate() {
	select {
	case p.createCh <- struct{}{}:
	default:
	}
}

// Get checks out a connection, waiting up to cfg.CheckoutTimeout (or
// until ctx is done, if sooner) for one to become available.
func (p *Pool) Get(ctx context.Context) (*backend.Server, error) {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return nil, ErrClosed
	}
	if p.paused {
		p.mu.Unlock()
		return nil, ErrPaused
	}
	if p.banned {
		p.mu.Unlock()
		return nil, ErrBanned
	}

	if len(p.idle) > 0 {
		s := p.idle[0]
		p.idle = p.idle[1:]
		p.checkedOut[s] = struct{}{}
		p.mu.Unlock()
		s.MarkCheckedOut()
		return s, nil
	}

	needCreate := p.total < p.cfg.Max
	w := &waiter{ch: make(chan *backend.Server, 1)}
	elem := p.waiters.PushBack(w)
	p.exhausted++
	p.mu.Unlock()

	if needCreate {
		p.triggerCreate()
	}

	timeout := p.cfg.CheckoutTimeout
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	timer := time.NewTimer(timeout)
	defer timer.Stop()

	select {
	case s := <-w.ch:
		if s == nil {
			return nil, ErrClosed
		}
		return s, nil
	case <-ctx.Done():
		p.removeWaiter(elem)
		return nil, ctx.Err()
	case <-timer.C:
		p.removeWaiter(elem)
		return nil, ErrCheckoutTimeout
	}
}

func (p *Pool) removeWaiter(elem *list.Element) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.waiters.Remove(elem)
}

// Put returns a connection to the pool. A connection that should be
// discarded (forcibly closed or a failed Reset) is dropped instead, and
// the create loop is woken to replace it.
func (p *Pool) Put(s *backend.Server) {
	p.mu.Lock()
	delete(p.checkedOut, s)

	if p.closed || s.ShouldDiscard() {
		p.total--
		p.mu.Unlock()
		s.Close()
		p.triggerCreate()
		return
	}

	if err := s.Reset(); err != nil {
		p.total--
		p.mu.Unlock()
		s.Close()
		slog.Warn("pool: discarding connection that failed reset", "address", p.cfg.Address, "error", err)
		p.triggerCreate()
		return
	}

	if elem := p.waiters.Front(); elem != nil {
		w := elem.Value.(*waiter)
		p.waiters.Remove(elem)
		p.checkedOut[s] = struct{}{}
		p.mu.Unlock()
		s.MarkCheckedOut()
		w.ch <- s
		return
	}

	s.MarkIdle()
	p.idle = append(p.idle, s)
	p.mu.Unlock()
}

// Ban marks the pool unusable until BanTimeout elapses. A pool that
// isn't Bannable (spec §4.1's primary-pool exemption) ignores Ban.
func (p *Pool) Ban(reason string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if !p.cfg.Bannable {
		return
	}
	if !p.banned {
		slog.Warn("pool: banned", "address", p.cfg.Address, "reason", reason)
	}
	p.banned = true
	p.bannedAt = time.Now()
}

// MaybeUnban clears the ban once BanTimeout has elapsed. Called from
// the maintenance loop, and exposed for the admin UNBAN command.
func (p *Pool) MaybeUnban() {
	p.mu.Lock()
	defer p.mu.Unlock()
	if !p.banned {
		return
	}
	if time.Since(p.bannedAt) >= p.cfg.BanTimeout {
		p.banned = false
		slog.Info("pool: unbanned", "address", p.cfg.Address)
	}
}

// Unban clears a ban immediately, regardless of elapsed time.
func (p *Pool) Unban() {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.banned = false
}

// Pause stops handing out connections (existing checkouts are
// unaffected) — used while a shard is being reconfigured.
func (p *Pool) Pause() {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.paused = true
}

// Resume undoes Pause.
func (p *Pool) Resume() {
	p.mu.Lock()
	p.paused = false
	p.mu.Unlock()
	p.triggerCreate()
}

// Address returns the upstream address this pool dials, used by admin
// SHOW commands to identify a pool without exposing its internals.
func (p *Pool) Address() backend.Address { return p.cfg.Address }

// Stats returns a snapshot of pool occupancy.
func (p *Pool) Stats() Stats {
	p.mu.Lock()
	defer p.mu.Unlock()
	return Stats{
		Idle:       len(p.idle),
		CheckedOut: len(p.checkedOut),
		Total:      p.total,
		Waiting:    p.waiters.Len(),
		Min:        p.cfg.Min,
		Max:        p.cfg.Max,
		Banned:     p.banned,
		Paused:     p.paused,
		Exhausted:  p.exhausted,
	}
}

// Shutdown closes every connection and fails any pending waiters.
func (p *Pool) Shutdown() {
	p.stopOnce.Do(func() {
		close(p.stopCh)
	})

	p.mu.Lock()
	p.closed = true
	idle := p.idle
	p.idle = nil
	for e := p.waiters.Front(); e != nil; e = e.Next() {
		e.Value.(*waiter).ch <- nil
	}
	p.waiters.Init()
	p.mu.Unlock()

	for _, s := range idle {
		s.Close()
	}
}

func (p *Pool) dialOne(ctx context.Context) (*backend.Server, error) {
	var lastErr error
	attempts := p.cfg.ConnectAttempts
	if attempts <= 0 {
		attempts = 1
	}
	for i := 0; i < attempts; i++ {
		dialCtx := ctx
		cancel := func() {}
		if p.cfg.ConnectTimeout > 0 {
			dialCtx, cancel = context.WithTimeout(ctx, p.cfg.ConnectTimeout)
		}
		s, err := backend.Dial(dialCtx, p.cfg.Address, p.authenticator)
		cancel()
		if err == nil {
			return s, nil
		}
		lastErr = err
		if i < attempts-1 && p.cfg.ConnectAttemptDelay > 0 {
			time.Sleep(p.cfg.ConnectAttemptDelay)
		}
	}
	return nil, fmt.Errorf("pool: dialing %s after %d attempts: %w", p.cfg.Address, attempts, lastErr)
}

// createLoop is the single-flight connection creator: only one dial
// runs at a time per pool, triggered by triggerCreate and retried until
// the pool reaches cfg.Max or there's no more demand (no waiters and
// idle already at cfg.Min).
func (p *Pool) createLoop() {
	for {
		select {
		case <-p.stopCh:
			return
		case <-p.createCh:
		}

		for {
			p.mu.Lock()
			if p.closed {
				p.mu.Unlock()
				break
			}
			demand := p.waiters.Len() > 0 || len(p.idle) < p.cfg.Min
			if !demand || p.total >= p.cfg.Max {
				p.mu.Unlock()
				break
			}
			p.total++
			p.mu.Unlock()

			s, err := p.dialOne(context.Background())
			if err != nil {
				p.mu.Lock()
				p.total--
				p.mu.Unlock()
				slog.Warn("pool: create failed", "address", p.cfg.Address, "error", err)
				p.Ban("connect failure")
				break
			}

			p.mu.Lock()
			if p.closed {
				p.mu.Unlock()
				s.Close()
				break
			}
			if elem := p.waiters.Front(); elem != nil {
				w := elem.Value.(*waiter)
				p.waiters.Remove(elem)
				p.checkedOut[s] = struct{}{}
				p.mu.Unlock()
				s.MarkCheckedOut()
				w.ch <- s
			} else {
				s.MarkIdle()
				p.idle = append(p.idle, s)
				p.mu.Unlock()
			}
		}
	}
}

// maintenanceLoop evicts idle connections past IdleTimeout or MaxAge
// (keeping at least cfg.Min) and clears expired bans. Ticks every
// 333ms, matching monitor.rs's maintenance interval.
func (p *Pool) maintenanceLoop() {
	ticker := time.NewTicker(333 * time.Millisecond)
	defer ticker.Stop()
	for {
		select {
		case <-p.stopCh:
			return
		case <-ticker.C:
			p.reapIdle()
			p.MaybeUnban()
		}
	}
}

func (p *Pool) reapIdle() {
	p.mu.Lock()
	if len(p.idle) <= p.cfg.Min {
		p.mu.Unlock()
		return
	}
	kept := make([]*backend.Server, 0, len(p.idle))
	excess := len(p.idle) - p.cfg.Min
	var toClose []*backend.Server
	for i, s := range p.idle {
		expired := (p.cfg.IdleTimeout > 0 && time.Since(s.LastUsed()) > p.cfg.IdleTimeout) ||
			(p.cfg.MaxAge > 0 && time.Since(s.CreatedAt()) > p.cfg.MaxAge)
		if i < excess && expired {
			toClose = append(toClose, s)
			p.total--
		} else {
			kept = append(kept, s)
		}
	}
	p.idle = kept
	p.mu.Unlock()

	for _, s := range toClose {
		s.Close()
	}
}

// healthcheckLoop periodically pings idle connections, discarding ones
// that fail. It waits IdleHealthcheckDelay before its first tick so a
// freshly started pool isn't immediately probed, per monitor.rs's
// delayed healthcheck start.
func (p *Pool) healthcheckLoop() {
	delay := p.cfg.IdleHealthcheckDelay
	if delay <= 0 {
		delay = 5 * time.Second
	}
	select {
	case <-time.After(delay):
	case <-p.stopCh:
		return
	}

	interval := p.cfg.IdleHealthcheckInterval
	if interval <= 0 {
		interval = time.Minute
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-p.stopCh:
			return
		case <-ticker.C:
			p.healthcheckIdle()
		}
	}
}

func (p *Pool) healthcheckIdle() {
	p.mu.Lock()
	if len(p.idle) == 0 {
		p.mu.Unlock()
		return
	}
	s := p.idle[0]
	p.idle = p.idle[1:]
	p.mu.Unlock()

	timeout := p.cfg.HealthcheckTimeout
	if timeout <= 0 {
		timeout = 2 * time.Second
	}
	start := time.Now()
	err := pingServer(s, timeout)
	elapsed := time.Since(start)

	p.mu.Lock()
	observer := p.healthObserver
	p.mu.Unlock()
	if observer != nil {
		observer(elapsed, err == nil)
	}

	if err != nil {
		p.mu.Lock()
		p.total--
		p.mu.Unlock()
		s.Close()
		slog.Warn("pool: idle connection failed healthcheck", "address", p.cfg.Address, "error", err)
		p.triggerCreate()
		return
	}

	p.mu.Lock()
	p.idle = append(p.idle, s)
	p.mu.Unlock()
}
