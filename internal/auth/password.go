package auth

import (
	"crypto/md5"
	"encoding/hex"
	"fmt"
	"net"

	"github.com/pgdog-go/pgdog/internal/wire"
)

// PasswordAuthenticator completes whichever password challenge the
// backend issues (cleartext, MD5, or SCRAM-SHA-256), reading
// Authentication messages until AuthenticationOk and draining
// ParameterStatus/BackendKeyData up to the first ReadyForQuery.
//
// Grounded on internal/pool/pool.go's authenticatePG and
// internal/pool/scram.go's scramSHA256Auth, rewritten against the wire
// package's typed messages instead of hand-rolled byte slicing.
type PasswordAuthenticator struct{}

func (PasswordAuthenticator) Authenticate(conn net.Conn, creds Credentials) (Result, error) {
	if err := sendStartup(conn, creds); err != nil {
		return Result{}, fmt.Errorf("auth: startup: %w", err)
	}

	params := make(map[string]string)
	var key wire.BackendKeyData

	for {
		msg, err := wire.ReadMessage(conn)
		if err != nil {
			return Result{}, fmt.Errorf("auth: read: %w", err)
		}

		switch msg.Type {
		case wire.TypeAuthentication:
			done, err := handleAuthentication(conn, creds, msg.Body)
			if err != nil {
				return Result{}, err
			}
			if done {
				continue
			}

		case wire.TypeParameterStatus:
			ps, err := wire.ParseParameterStatus(msg.Body)
			if err != nil {
				return Result{}, err
			}
			params[ps.Name] = ps.Value

		case wire.TypeBackendKeyData:
			key, err = wire.ParseBackendKeyData(msg.Body)
			if err != nil {
				return Result{}, err
			}

		case wire.TypeReadyForQuery:
			return Result{Parameters: params, BackendKey: key}, nil

		case wire.TypeErrorResponse:
			er, _ := wire.ParseErrorResponse(msg.Body)
			return Result{}, fmt.Errorf("auth: backend error: %s", er.Fields[wire.FieldMessage])

		default:
			// NoticeResponse and similar are tolerated during startup.
		}
	}
}

func sendStartup(conn net.Conn, creds Credentials) error {
	var body []byte
	body = append(body, 0, 3, 0, 0) // protocol 3.0
	body = append(body, "user"...)
	body = append(body, 0)
	body = append(body, creds.User...)
	body = append(body, 0)
	body = append(body, "database"...)
	body = append(body, 0)
	body = append(body, creds.Database...)
	body = append(body, 0)
	body = append(body, 0)

	frame := make([]byte, 4+len(body))
	n := len(frame)
	frame[0], frame[1], frame[2], frame[3] = byte(n>>24), byte(n>>16), byte(n>>8), byte(n)
	copy(frame[4:], body)
	_, err := conn.Write(frame)
	return err
}

// handleAuthentication dispatches on an Authentication message's
// sub-code. Returns done=true once AuthenticationOk is seen.
func handleAuthentication(conn net.Conn, creds Credentials, body []byte) (done bool, err error) {
	if len(body) < 4 {
		return false, fmt.Errorf("auth: truncated Authentication message")
	}
	code := int32(uint32(body[0])<<24 | uint32(body[1])<<16 | uint32(body[2])<<8 | uint32(body[3]))

	switch code {
	case wire.AuthOK:
		return true, nil
	case wire.AuthCleartext:
		return false, sendPassword(conn, creds.Password)
	case wire.AuthMD5:
		if len(body) < 8 {
			return false, fmt.Errorf("auth: truncated MD5 challenge")
		}
		salt := body[4:8]
		return false, sendPassword(conn, MD5Password(creds.User, creds.Password, salt))
	case wire.AuthSASL:
		return false, scramSHA256(conn, creds.User, creds.Password, body[4:])
	default:
		return false, fmt.Errorf("auth: unsupported authentication method %d", code)
	}
}

func sendPassword(conn net.Conn, password string) error {
	body := append([]byte(password), 0)
	msg := wire.Message{Type: 'p', Body: body}
	_, err := msg.WriteTo(conn)
	return err
}

// MD5Password computes PostgreSQL's "md5" + md5(md5(password+user)+salt)
// password hash. Exported so a frontend-facing verifier (internal/listener)
// can check a client's response against the same hash this package sends
// upstream.
func MD5Password(user, password string, salt []byte) string {
	h1 := md5.Sum([]byte(password + user))
	hex1 := hex.EncodeToString(h1[:])
	h2 := md5.Sum(append([]byte(hex1), salt...))
	return "md5" + hex.EncodeToString(h2[:])
}

// TrustAuthenticator accepts any credentials without a challenge —
// mirrors auth_type=trust in spec §6's configuration table.
type TrustAuthenticator struct{}

func (TrustAuthenticator) Authenticate(conn net.Conn, creds Credentials) (Result, error) {
	if err := sendStartup(conn, creds); err != nil {
		return Result{}, fmt.Errorf("auth: startup: %w", err)
	}
	params := make(map[string]string)
	var key wire.BackendKeyData
	for {
		msg, err := wire.ReadMessage(conn)
		if err != nil {
			return Result{}, fmt.Errorf("auth: read: %w", err)
		}
		switch msg.Type {
		case wire.TypeAuthentication:
			continue
		case wire.TypeParameterStatus:
			ps, _ := wire.ParseParameterStatus(msg.Body)
			params[ps.Name] = ps.Value
		case wire.TypeBackendKeyData:
			key, _ = wire.ParseBackendKeyData(msg.Body)
		case wire.TypeReadyForQuery:
			return Result{Parameters: params, BackendKey: key}, nil
		case wire.TypeErrorResponse:
			er, _ := wire.ParseErrorResponse(msg.Body)
			return Result{}, fmt.Errorf("auth: backend error: %s", er.Fields[wire.FieldMessage])
		}
	}
}
