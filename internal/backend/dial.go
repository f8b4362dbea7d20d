package backend

import (
	"context"
	"fmt"
	"net"
	"time"

	"github.com/pgdog-go/pgdog/internal/auth"
)

// Dial opens a TCP connection to addr, authenticates with authenticator,
// and returns a ready-to-use Server. Grounded on internal/pool/pool.go's
// dial/authenticatePG, generalized to take any auth.Authenticator
// instead of hard-coding the SCRAM/MD5 dispatch inline.
func Dial(ctx context.Context, addr Address, authenticator auth.Authenticator) (*Server, error) {
	dialer := net.Dialer{KeepAlive: 30 * time.Second}
	conn, err := dialer.DialContext(ctx, "tcp", net.JoinHostPort(addr.Host, fmt.Sprintf("%d", addr.Port)))
	if err != nil {
		return nil, fmt.Errorf("backend: dial %s: %w", addr, err)
	}

	res, err := authenticator.Authenticate(conn, auth.Credentials{
		User:     addr.User,
		Password: addr.Password,
		Database: addr.Database,
	})
	if err != nil {
		conn.Close()
		return nil, fmt.Errorf("backend: authenticate %s: %w", addr, err)
	}

	s := New(conn, addr)
	s.SetBackendKeyData(res.BackendKey)
	for k, v := range res.Parameters {
		s.ObserveParameterStatus(k, v)
	}
	return s, nil
}
