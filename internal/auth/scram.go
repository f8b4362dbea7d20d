package auth

import (
	"crypto/hmac"
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"fmt"
	"net"
	"strings"

	"golang.org/x/crypto/pbkdf2"

	"github.com/pgdog-go/pgdog/internal/wire"
)

// scramSHA256 runs the SASL SCRAM-SHA-256 exchange against a backend
// that has just sent AuthenticationSASL (mechanisms list in
// mechanismsPayload). Ported from internal/pool/scram.go's
// scramSHA256Auth, rewritten over wire.Message instead of raw framing.
func scramSHA256(conn net.Conn, user, password string, mechanismsPayload []byte) error {
	mechanisms := splitNullTerminated(mechanismsPayload)
	if !contains(mechanisms, "SCRAM-SHA-256") {
		return fmt.Errorf("auth: server does not offer SCRAM-SHA-256, offered %v", mechanisms)
	}

	nonceBytes := make([]byte, 18)
	if _, err := rand.Read(nonceBytes); err != nil {
		return fmt.Errorf("auth: generating nonce: %w", err)
	}
	clientNonce := base64.StdEncoding.EncodeToString(nonceBytes)

	const gs2Header = "n,,"
	clientFirstBare := fmt.Sprintf("n=%s,r=%s", escapeUsername(user), clientNonce)

	if err := sendSASLInitial(conn, "SCRAM-SHA-256", []byte(gs2Header+clientFirstBare)); err != nil {
		return fmt.Errorf("auth: SASL initial response: %w", err)
	}

	serverFirst, err := readSASLStep(conn, wire.AuthSASLContinue)
	if err != nil {
		return fmt.Errorf("auth: server-first-message: %w", err)
	}

	serverNonce, salt, iterations, err := parseServerFirst(string(serverFirst))
	if err != nil {
		return fmt.Errorf("auth: parsing server-first-message: %w", err)
	}
	if !strings.HasPrefix(serverNonce, clientNonce) {
		return fmt.Errorf("auth: server nonce does not extend client nonce")
	}

	saltedPassword := pbkdf2.Key([]byte(password), salt, iterations, 32, sha256.New)
	clientKey := hmacSHA256(saltedPassword, []byte("Client Key"))
	storedKey := sha256Sum(clientKey)

	channelBinding := "c=" + base64.StdEncoding.EncodeToString([]byte(gs2Header))
	clientFinalWithoutProof := fmt.Sprintf("%s,r=%s", channelBinding, serverNonce)
	authMessage := clientFirstBare + "," + string(serverFirst) + "," + clientFinalWithoutProof

	clientSignature := hmacSHA256(storedKey, []byte(authMessage))
	clientProof := xorBytes(clientKey, clientSignature)
	clientFinal := clientFinalWithoutProof + ",p=" + base64.StdEncoding.EncodeToString(clientProof)

	if err := sendSASLResponse(conn, []byte(clientFinal)); err != nil {
		return fmt.Errorf("auth: SASL response: %w", err)
	}

	serverFinal, err := readSASLStep(conn, wire.AuthSASLFinal)
	if err != nil {
		return fmt.Errorf("auth: server-final-message: %w", err)
	}

	serverKey := hmacSHA256(saltedPassword, []byte("Server Key"))
	expected := "v=" + base64.StdEncoding.EncodeToString(hmacSHA256(serverKey, []byte(authMessage)))
	if string(serverFinal) != expected {
		return fmt.Errorf("auth: server signature mismatch")
	}
	return nil
}

func splitNullTerminated(data []byte) []string {
	var out []string
	for len(data) > 0 {
		i := 0
		for i < len(data) && data[i] != 0 {
			i++
		}
		if i > 0 {
			out = append(out, string(data[:i]))
		}
		if i >= len(data) {
			break
		}
		data = data[i+1:]
	}
	return out
}

func contains(list []string, target string) bool {
	for _, v := range list {
		if v == target {
			return true
		}
	}
	return false
}

func parseServerFirst(msg string) (nonce string, salt []byte, iterations int, err error) {
	for _, part := range strings.Split(msg, ",") {
		switch {
		case strings.HasPrefix(part, "r="):
			nonce = part[2:]
		case strings.HasPrefix(part, "s="):
			salt, err = base64.StdEncoding.DecodeString(part[2:])
			if err != nil {
				return "", nil, 0, fmt.Errorf("decoding salt: %w", err)
			}
		case strings.HasPrefix(part, "i="):
			fmt.Sscanf(part[2:], "%d", &iterations)
		}
	}
	if nonce == "" || salt == nil || iterations == 0 {
		return "", nil, 0, fmt.Errorf("incomplete server-first-message: %q", msg)
	}
	return nonce, salt, iterations, nil
}

func escapeUsername(user string) string {
	user = strings.ReplaceAll(user, "=", "=3D")
	user = strings.ReplaceAll(user, ",", "=2C")
	return user
}

func sendSASLInitial(conn net.Conn, mechanism string, clientFirst []byte) error {
	var body []byte
	body = append(body, mechanism...)
	body = append(body, 0)
	body = appendInt32(body, int32(len(clientFirst)))
	body = append(body, clientFirst...)
	msg := wire.Message{Type: 'p', Body: body}
	_, err := msg.WriteTo(conn)
	return err
}

func sendSASLResponse(conn net.Conn, data []byte) error {
	msg := wire.Message{Type: 'p', Body: data}
	_, err := msg.WriteTo(conn)
	return err
}

func appendInt32(b []byte, v int32) []byte {
	return append(b, byte(v>>24), byte(v>>16), byte(v>>8), byte(v))
}

// readSASLStep reads the next Authentication message and verifies it
// carries the expected SASL sub-code, returning the payload after the
// 4-byte code.
func readSASLStep(conn net.Conn, expected int32) ([]byte, error) {
	msg, err := wire.ReadMessage(conn)
	if err != nil {
		return nil, err
	}
	if msg.Type == wire.TypeErrorResponse {
		er, _ := wire.ParseErrorResponse(msg.Body)
		return nil, fmt.Errorf("backend error: %s", er.Fields[wire.FieldMessage])
	}
	if msg.Type != wire.TypeAuthentication || len(msg.Body) < 4 {
		return nil, fmt.Errorf("expected Authentication message, got %q", msg.Type)
	}
	code := int32(uint32(msg.Body[0])<<24 | uint32(msg.Body[1])<<16 | uint32(msg.Body[2])<<8 | uint32(msg.Body[3]))
	if code != expected {
		return nil, fmt.Errorf("expected SASL step %d, got %d", expected, code)
	}
	return msg.Body[4:], nil
}

func hmacSHA256(key, data []byte) []byte {
	h := hmac.New(sha256.New, key)
	h.Write(data)
	return h.Sum(nil)
}

func sha256Sum(data []byte) []byte {
	h := sha256.Sum256(data)
	return h[:]
}

func xorBytes(a, b []byte) []byte {
	out := make([]byte, len(a))
	for i := range a {
		out[i] = a[i] ^ b[i]
	}
	return out
}
