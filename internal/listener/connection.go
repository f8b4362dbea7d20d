package listener

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"net"
	"time"

	"github.com/pgdog-go/pgdog/internal/binding"
	"github.com/pgdog-go/pgdog/internal/engine"
	"github.com/pgdog-go/pgdog/internal/wire"
)

const maxSSLNegotiationAttempts = 3

// clientConn drives one accepted connection from startup through
// disconnect.
type clientConn struct {
	listener *Listener
	conn     net.Conn
}

// connSink adapts a net.Conn to internal/binding.Sink, the narrow
// interface every engine/admin reply path writes through.
type connSink struct{ conn net.Conn }

func (s connSink) Send(msg wire.Message) error {
	_, err := msg.WriteTo(s.conn)
	return err
}

// run performs SSL negotiation, reads the real startup message,
// resolves and authenticates the target database, then dispatches
// every subsequent frontend message until Terminate or a read error.
func (c *clientConn) run(ctx context.Context) error {
	startup, err := c.negotiate()
	if err != nil {
		return fmt.Errorf("listener: startup negotiation: %w", err)
	}
	if startup.IsCancelRequest() {
		// Best-effort: this proxy hands clients a synthetic key not tied
		// to any one real backend connection (see newBackendKeyData), so
		// there is nothing to forward a CancelRequest to. Close quietly,
		// matching a real server's no-reply behavior for this request.
		return nil
	}

	user := startup.Parameters["user"]
	database := startup.Parameters["database"]
	if database == "" {
		database = user
	}

	if database == AdminDatabase {
		return c.runAdmin(user)
	}
	return c.runCluster(ctx, user, database)
}

// negotiate handles the SSLRequest loop (accept/deny, optionally
// upgrading to TLS) and returns the real startup message, generalizing
// internal/proxy/postgres.go's readStartupMessage.
func (c *clientConn) negotiate() (wire.StartupMessage, error) {
	for attempt := 0; attempt <= maxSSLNegotiationAttempts; attempt++ {
		msg, err := wire.ReadStartup(c.conn)
		if err != nil {
			return wire.StartupMessage{}, err
		}
		if msg.IsGSSRequest() {
			if _, err := c.conn.Write([]byte{'N'}); err != nil {
				return wire.StartupMessage{}, err
			}
			continue
		}
		if msg.IsSSLRequest() {
			if c.listener.opts.TLSConfig != nil {
				if _, err := c.conn.Write([]byte{'S'}); err != nil {
					return wire.StartupMessage{}, err
				}
				tlsConn := tls.Server(c.conn, c.listener.opts.TLSConfig)
				if err := tlsConn.Handshake(); err != nil {
					return wire.StartupMessage{}, fmt.Errorf("listener: TLS handshake: %w", err)
				}
				c.conn = tlsConn
			} else {
				if _, err := c.conn.Write([]byte{'N'}); err != nil {
					return wire.StartupMessage{}, err
				}
			}
			continue
		}
		return msg, nil
	}
	return wire.StartupMessage{}, fmt.Errorf("listener: too many SSL negotiation attempts")
}

func (c *clientConn) runAdmin(user string) error {
	if _, err := c.listener.authenticateClient(c.conn, user, ""); err != nil {
		return err
	}

	sink := connSink{conn: c.conn}
	for {
		msg, err := wire.ReadMessage(c.conn)
		if err != nil {
			return err
		}
		if msg.Type == wire.TypeTerminate {
			return nil
		}
		if msg.Type != wire.TypeQuery {
			if err := sendErrorAndReady(sink, "08P01", "admin: only simple Query messages are supported"); err != nil {
				return err
			}
			continue
		}

		replies, handleErr := c.listener.admin.Handle(msg)
		if handleErr != nil {
			if err := sendErrorAndReady(sink, "XX000", handleErr.Error()); err != nil {
				return err
			}
			continue
		}
		for _, reply := range replies {
			if err := sink.Send(reply); err != nil {
				return err
			}
		}
		if err := sink.Send(wire.ReadyForQuery{Status: 'I'}.Encode()); err != nil {
			return err
		}
	}
}

func sendErrorAndReady(sink binding.Sink, code, message string) error {
	if err := sink.Send(wire.NewError("ERROR", code, message).Encode()); err != nil {
		return err
	}
	return sink.Send(wire.ReadyForQuery{Status: 'I'}.Encode())
}

func (c *clientConn) runCluster(ctx context.Context, user, database string) error {
	cl, err := c.listener.registry.Resolve(database)
	if err != nil {
		writeFatal(c.conn, "08000", err.Error())
		return err
	}

	referencePassword := ""
	if shard, shardErr := cl.Shard(0); shardErr == nil && shard.Primary != nil {
		referencePassword = shard.Primary.Address().Password
	}

	if _, err := c.listener.authenticateClient(c.conn, user, referencePassword); err != nil {
		writeFatal(c.conn, "28000", err.Error())
		return err
	}

	opts := c.listener.opts.EngineOptions
	opts.CrossShardDisabled = opts.CrossShardDisabled || cl.CrossShardOff
	e := engine.New(cl, c.listener.astCache, c.listener.prepared, opts)
	defer e.Close()

	sink := connSink{conn: c.conn}
	for {
		if timeout := e.IdleTimeout(); timeout > 0 {
			_ = c.conn.SetReadDeadline(time.Now().Add(timeout))
		}
		msg, err := wire.ReadMessage(c.conn)
		if err != nil {
			if isTimeout(err) {
				writeFatal(c.conn, "57P05", "terminating connection due to idle timeout")
			}
			return err
		}
		if e.IdleTimeout() > 0 {
			_ = c.conn.SetReadDeadline(time.Time{})
		}
		e.Touch()

		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
		}

		if err := c.dispatch(ctx, e, msg, sink); err != nil {
			return err
		}
		if msg.Type == wire.TypeTerminate {
			return nil
		}
	}
}

// isTimeout reports whether err is a net.Conn deadline expiring, the
// signal runCluster's read loop treats as Options.ClientIdleTimeout
// having elapsed rather than an ordinary disconnect.
func isTimeout(err error) bool {
	var ne net.Error
	return errors.As(err, &ne) && ne.Timeout()
}

// dispatch routes one frontend message to the matching Engine method,
// covering both the simple protocol (Query) and the extended protocol
// (Parse/Bind/Describe/Execute/Close/Sync/Flush).
func (c *clientConn) dispatch(ctx context.Context, e *engine.Engine, msg wire.Message, sink binding.Sink) error {
	switch msg.Type {
	case wire.TypeQuery:
		q, err := wire.ParseQuery(msg.Body)
		if err != nil {
			return err
		}
		return e.HandleSimpleQuery(ctx, q.SQL, sink)

	case wire.TypeParse:
		p, err := wire.ParseParse(msg.Body)
		if err != nil {
			return err
		}
		return e.HandleParse(ctx, p, sink)

	case wire.TypeBind:
		b, err := wire.ParseBind(msg.Body)
		if err != nil {
			return err
		}
		return e.HandleBind(ctx, b, sink)

	case wire.TypeDescribe:
		d, err := wire.ParseDescribe(msg.Body)
		if err != nil {
			return err
		}
		return e.HandleDescribe(d, sink)

	case wire.TypeExecute:
		x, err := wire.ParseExecute(msg.Body)
		if err != nil {
			return err
		}
		return e.HandleExecute(x, sink)

	case wire.TypeClose:
		cl, err := wire.ParseClose(msg.Body)
		if err != nil {
			return err
		}
		return e.HandleCloseMessage(cl, sink)

	case wire.TypeSync:
		return e.HandleSync(sink)

	case wire.TypeFlush:
		return nil // nothing buffered proxy-side to flush early

	case wire.TypeCopyData:
		return e.HandleCopyData(msg)

	case wire.TypeCopyDone:
		return e.HandleCopyDone(sink)

	case wire.TypeCopyFail:
		return e.HandleCopyFail(msg, sink)

	case wire.TypeTerminate:
		return nil

	default:
		return nil
	}
}

func writeFatal(conn net.Conn, code, message string) {
	_, _ = wire.NewError("FATAL", code, message).Encode().WriteTo(conn)
}
