package listener

import (
	"crypto/rand"
	"encoding/binary"
	"fmt"
	"net"
	"sync/atomic"

	"github.com/pgdog-go/pgdog/internal/auth"
	"github.com/pgdog-go/pgdog/internal/wire"
)

// authenticateClient runs the frontend half of the startup handshake:
// challenge (or not, for trust) then the synthetic AuthenticationOk +
// ParameterStatus + BackendKeyData + ReadyForQuery sequence every real
// server sends once authenticated. Grounded on
// internal/proxy/pg_relay.go's sendSyntheticAuthOK, generalized to run
// before any backend is even checked out (this proxy may hold zero
// servers between transactions in transaction-pooling mode, so the
// client's "session" parameters can't be copied from one).
//
// referencePassword is the upstream password configured for the
// resolved cluster, used only by the md5 reference verifier — spec's
// Non-goals place real SCRAM/TLS termination out of scope, so this
// package builds the interface (AuthType) plus one concrete, minimal
// verifier rather than a production-grade auth backend.
func (l *Listener) authenticateClient(conn net.Conn, user, referencePassword string) (wire.BackendKeyData, error) {
	switch l.opts.AuthType {
	case "md5":
		if err := challengeMD5(conn, user, referencePassword); err != nil {
			return wire.BackendKeyData{}, err
		}
	default:
		// trust, scram, or unset: accept without a challenge.
	}

	if err := writeAuthOK(conn); err != nil {
		return wire.BackendKeyData{}, err
	}

	key := newBackendKeyData()
	params := map[string]string{
		"server_version":    "16.0 (pgdog)",
		"client_encoding":   "UTF8",
		"DateStyle":         "ISO, MDY",
		"integer_datetimes": "on",
	}
	for name, val := range params {
		if _, err := (wire.ParameterStatus{Name: name, Value: val}).Encode().WriteTo(conn); err != nil {
			return wire.BackendKeyData{}, err
		}
	}
	if _, err := key.Encode().WriteTo(conn); err != nil {
		return wire.BackendKeyData{}, err
	}
	if _, err := (wire.ReadyForQuery{Status: 'I'}).Encode().WriteTo(conn); err != nil {
		return wire.BackendKeyData{}, err
	}
	return key, nil
}

func challengeMD5(conn net.Conn, user, referencePassword string) error {
	salt := make([]byte, 4)
	if _, err := rand.Read(salt); err != nil {
		return fmt.Errorf("listener: generating md5 salt: %w", err)
	}
	if _, err := wire.AuthenticationMessage(wire.AuthMD5, salt).WriteTo(conn); err != nil {
		return fmt.Errorf("listener: sending md5 challenge: %w", err)
	}

	msg, err := wire.ReadMessage(conn)
	if err != nil {
		return fmt.Errorf("listener: reading md5 response: %w", err)
	}
	if msg.Type != 'p' {
		return fmt.Errorf("listener: expected PasswordMessage, got %q", msg.Type)
	}
	got, _, ok := cStringBody(msg.Body)
	if !ok {
		return fmt.Errorf("listener: malformed PasswordMessage")
	}

	want := auth.MD5Password(user, referencePassword, salt)
	if got != want {
		return fmt.Errorf("listener: password authentication failed for user %q", user)
	}
	return nil
}

func cStringBody(data []byte) (string, []byte, bool) {
	for i, b := range data {
		if b == 0 {
			return string(data[:i]), data[i+1:], true
		}
	}
	return "", nil, false
}

func writeAuthOK(conn net.Conn) error {
	_, err := wire.AuthenticationMessage(wire.AuthOK, nil).WriteTo(conn)
	return err
}

var backendKeyCounter uint32

// newBackendKeyData synthesizes a (pid, secret) pair this proxy hands
// to the client in place of any one real backend's key, since a
// transaction-pooled client may hold zero or several real backends
// over its lifetime. CancelRequest routing against this synthetic key
// is intentionally not implemented — see DESIGN.md.
func newBackendKeyData() wire.BackendKeyData {
	pid := atomic.AddUint32(&backendKeyCounter, 1)
	var secretBuf [4]byte
	_, _ = rand.Read(secretBuf[:])
	return wire.BackendKeyData{
		ProcessID: pid,
		SecretKey: binary.BigEndian.Uint32(secretBuf[:]),
	}
}
