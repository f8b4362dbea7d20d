package pool

import (
	"errors"
	"net"
	"time"

	"github.com/pgdog-go/pgdog/internal/backend"
)

// pingServer performs a lightweight liveness check on an idle
// connection: a short-deadline read that's expected to time out (no
// data pending, connection alive). Any other error, or an unexpected
// read, means the connection is no longer trustworthy. Ported from the
// teacher's PooledConn.Ping.
func pingServer(s *backend.Server, timeout time.Duration) error {
	conn := s.Conn()
	conn.SetReadDeadline(time.Now().Add(timeout))
	defer conn.SetReadDeadline(time.Time{})

	buf := make([]byte, 1)
	_, err := conn.Read(buf)
	if err == nil {
		return errors.New("pool: unexpected data on idle connection")
	}
	if netErr, ok := err.(net.Error); ok && netErr.Timeout() {
		return nil
	}
	return err
}
