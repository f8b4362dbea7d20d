// Package listener runs the PostgreSQL-facing accept loop: one
// net.Listener, a goroutine per client connection, startup/SSL
// negotiation, and resolving the client's requested database to either
// a regular internal/cluster.Cluster (driven through internal/engine)
// or the admin pseudo-database (driven through internal/admin).
//
// Grounded on internal/proxy/server.go's Server (NewServer,
// ListenPostgres, acceptLoop, handleConnection, Stop) and
// internal/proxy/postgres.go's PostgresHandler (readStartupMessage's
// SSL-negotiation loop, relayAuth). Generalized from a single
// tenant-keyed backend relay to the router/engine/admin pipeline
// SPEC_FULL.md's other packages implement.
package listener

import (
	"context"
	"crypto/tls"
	"fmt"
	"log/slog"
	"net"
	"sync"

	"github.com/pgdog-go/pgdog/internal/admin"
	"github.com/pgdog-go/pgdog/internal/cache"
	"github.com/pgdog-go/pgdog/internal/engine"
	"github.com/pgdog-go/pgdog/internal/router"
)

// AdminDatabase is the reserved database name spec §6 addresses the
// admin virtual database by.
const AdminDatabase = "pgdog"

// Options configures a Listener.
type Options struct {
	Host string
	Port int

	TLSConfig *tls.Config

	// AuthType selects the frontend handshake a client is challenged
	// with: "trust" (default) accepts any password, "md5" runs the
	// reference MD5 verifier against the target cluster's configured
	// upstream password. Anything else (e.g. "scram") is accepted like
	// trust — the SCRAM/TLS handshake termination itself is out of
	// scope, only the interface and an MD5 reference verifier are built.
	AuthType string

	EngineOptions engine.Options
}

// Listener accepts PostgreSQL client connections and drives each one
// through the router/engine/admin pipeline.
type Listener struct {
	opts     Options
	registry *router.Registry
	admin    *admin.Backend
	astCache *cache.ASTCache
	prepared *cache.PreparedCache

	ln net.Listener

	wg     sync.WaitGroup
	ctx    context.Context
	cancel context.CancelFunc
}

// New builds a Listener. astCache and prepared are shared process-wide
// across every client connection — the same sharing the teacher's
// single-backend relay never needed, since it never parsed SQL or
// prepared anything proxy-side.
func New(registry *router.Registry, adminBackend *admin.Backend, astCache *cache.ASTCache, prepared *cache.PreparedCache, opts Options) *Listener {
	ctx, cancel := context.WithCancel(context.Background())
	return &Listener{
		opts:     opts,
		registry: registry,
		admin:    adminBackend,
		astCache: astCache,
		prepared: prepared,
		ctx:      ctx,
		cancel:   cancel,
	}
}

// ListenAndServe binds the listen address and runs the accept loop
// until Close is called. Blocks the calling goroutine; callers that
// want a background server should invoke it in a goroutine, mirroring
// the teacher's ListenPostgres/acceptLoop split.
func (l *Listener) ListenAndServe() error {
	addr := fmt.Sprintf("%s:%d", l.opts.Host, l.opts.Port)
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("listener: binding %s: %w", addr, err)
	}
	l.ln = ln
	slog.Info("listener: accepting connections", "address", addr)

	l.acceptLoop()
	return nil
}

func (l *Listener) acceptLoop() {
	for {
		conn, err := l.ln.Accept()
		if err != nil {
			select {
			case <-l.ctx.Done():
				return
			default:
				slog.Warn("listener: accept error", "error", err)
				continue
			}
		}

		l.wg.Add(1)
		go func() {
			defer l.wg.Done()
			l.serve(conn)
		}()
	}
}

func (l *Listener) serve(conn net.Conn) {
	defer conn.Close()
	c := &clientConn{listener: l, conn: conn}
	if err := c.run(l.ctx); err != nil {
		slog.Debug("listener: connection ended", "error", err)
	}
}

// Close stops accepting new connections and waits for in-flight ones to
// finish their current message.
func (l *Listener) Close() {
	l.cancel()
	if l.ln != nil {
		l.ln.Close()
	}
	l.wg.Wait()
}
