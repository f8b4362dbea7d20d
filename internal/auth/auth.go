// Package auth defines the boundary between the proxy and password
// verification. Spec §1 places the TLS/SCRAM/MD5 handshake itself out of
// scope ("interface: produce an authenticated user/database identity");
// this package is that interface, plus one concrete reference
// implementation (SCRAM-SHA-256, MD5, cleartext, trust) so the boundary
// is exercised by tests.
package auth

import (
	"net"

	"github.com/pgdog-go/pgdog/internal/wire"
)

// Credentials identifies the (user, database, password) a client
// connection is authenticating as, on the upstream side.
type Credentials struct {
	User     string
	Password string
	Database string
}

// Result is what a successful authentication produces: the backend's
// reported ParameterStatus values and BackendKeyData, ready for the
// server connection to be handed to a pool.
type Result struct {
	Parameters map[string]string
	BackendKey wire.BackendKeyData
}

// Authenticator produces an authenticated identity on a raw connection
// that has already sent its StartupMessage. Spec §1's carve-out makes
// this an interface: the proxy never needs to know which method was
// used, only that it succeeded.
type Authenticator interface {
	Authenticate(conn net.Conn, creds Credentials) (Result, error)
}
