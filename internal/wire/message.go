// Package wire implements the PostgreSQL frontend/backend protocol version 3:
// message framing, the startup/SSL negotiation handshake, and typed
// encode/decode for the message kinds the proxy must inspect.
package wire

import (
	"encoding/binary"
	"fmt"
	"io"
)

// Backend -> frontend message type tags. Names follow the protocol spec's
// own letter codes, prefixed to avoid colliding with the typed struct of
// the same conceptual name further down this package.
const (
	TypeAuthentication  byte = 'R'
	TypeParameterStatus byte = 'S'
	TypeBackendKeyData  byte = 'K'
	TypeReadyForQuery   byte = 'Z'
	TypeRowDescription  byte = 'T'
	TypeDataRow         byte = 'D'
	TypeCommandComplete byte = 'C'
	TypeErrorResponse   byte = 'E'
	TypeNoticeResponse  byte = 'N'
	TypeEmptyQuery      byte = 'I'
	TypeNotification    byte = 'A'
	TypeCopyInResponse  byte = 'G'
	TypeCopyOutResponse byte = 'H'
	TypeParseComplete   byte = '1'
	TypeBindComplete    byte = '2'
	TypeCloseComplete   byte = '3'
	TypeNoData          byte = 'n'
	TypeParamDescribe   byte = 't'
	TypePortalSuspended byte = 's'
)

// Frontend -> backend message type tags.
const (
	TypeQuery     byte = 'Q'
	TypeParse     byte = 'P'
	TypeBind      byte = 'B'
	TypeDescribe  byte = 'D'
	TypeExecute   byte = 'E'
	TypeSync      byte = 'S'
	TypeFlush     byte = 'H'
	TypeClose     byte = 'C'
	TypeTerminate byte = 'X'
)

// Shared by both directions.
const (
	TypeCopyData byte = 'd'
	TypeCopyDone byte = 'c'
	TypeCopyFail byte = 'f'
)

// MaxMessageSize bounds a single message body to guard against a
// misbehaving peer claiming an enormous length prefix.
const MaxMessageSize = 1 << 28 // 256MiB, matches upstream's own ceiling

// Message is a single framed protocol message: a one-byte type tag (absent
// only for the very first startup frame, which ReadStartup handles
// separately) and its raw payload, length-prefix already stripped.
type Message struct {
	Type byte
	Body []byte
}

// ReadMessage reads one type-tagged message (type byte + 4-byte big-endian
// length including itself + payload) from r.
func ReadMessage(r io.Reader) (Message, error) {
	var head [5]byte
	if _, err := io.ReadFull(r, head[:]); err != nil {
		return Message{}, err
	}
	msgLen := int(binary.BigEndian.Uint32(head[1:5])) - 4
	if msgLen < 0 || msgLen > MaxMessageSize {
		return Message{}, fmt.Errorf("wire: invalid message length %d for type %q", msgLen, head[0])
	}
	body := make([]byte, msgLen)
	if msgLen > 0 {
		if _, err := io.ReadFull(r, body); err != nil {
			return Message{}, err
		}
	}
	return Message{Type: head[0], Body: body}, nil
}

// WriteTo writes the message in wire format: type byte, 4-byte big-endian
// length (including itself), then the body.
func (m Message) WriteTo(w io.Writer) (int64, error) {
	buf := make([]byte, 5+len(m.Body))
	buf[0] = m.Type
	binary.BigEndian.PutUint32(buf[1:5], uint32(len(m.Body)+4))
	copy(buf[5:], m.Body)
	n, err := w.Write(buf)
	return int64(n), err
}

// Encode returns the message's wire-format bytes without writing them.
func (m Message) Encode() []byte {
	buf := make([]byte, 5+len(m.Body))
	buf[0] = m.Type
	binary.BigEndian.PutUint32(buf[1:5], uint32(len(m.Body)+4))
	copy(buf[5:], m.Body)
	return buf
}

// StartupMessage is the untagged frame a client sends first: a length
// prefix, a protocol version (or the SSLRequest/CancelRequest magic codes),
// and, for a real startup, null-terminated key/value parameter pairs.
type StartupMessage struct {
	ProtocolVersion uint32
	Parameters      map[string]string
	Raw             []byte // full frame, including the length prefix, for re-forwarding
}

const (
	sslRequestCode    uint32 = 80877103
	gssRequestCode    uint32 = 80877104
	cancelRequestCode uint32 = 80877102
	protocolVersion3  uint32 = 3 << 16
)

// IsSSLRequest reports whether this frame was the SSLRequest sentinel
// rather than a real startup.
func (s StartupMessage) IsSSLRequest() bool { return s.ProtocolVersion == sslRequestCode }

// IsGSSRequest reports whether this frame was the GSSENCRequest sentinel.
func (s StartupMessage) IsGSSRequest() bool { return s.ProtocolVersion == gssRequestCode }

// IsCancelRequest reports whether this frame was a CancelRequest, which
// carries a BackendKeyData pair instead of parameters.
func (s StartupMessage) IsCancelRequest() bool { return s.ProtocolVersion == cancelRequestCode }

// ReadStartup reads one untagged startup-style frame: 4-byte length
// (inclusive), then a 4-byte code, then code-specific content. SSLRequest
// and GSSENCRequest carry no further content; CancelRequest carries a
// process id and secret key; a real startup carries null-terminated
// key/value pairs terminated by a zero byte.
func ReadStartup(r io.Reader) (StartupMessage, error) {
	var lenBuf [4]byte
	if _, err := io.ReadFull(r, lenBuf[:]); err != nil {
		return StartupMessage{}, err
	}
	msgLen := int(binary.BigEndian.Uint32(lenBuf[:]))
	if msgLen < 8 || msgLen > 10000 {
		return StartupMessage{}, fmt.Errorf("wire: invalid startup length %d", msgLen)
	}
	rest := make([]byte, msgLen-4)
	if _, err := io.ReadFull(r, rest); err != nil {
		return StartupMessage{}, err
	}

	raw := make([]byte, msgLen)
	copy(raw[:4], lenBuf[:])
	copy(raw[4:], rest)

	version := binary.BigEndian.Uint32(rest[:4])
	s := StartupMessage{ProtocolVersion: version, Raw: raw}

	switch version {
	case sslRequestCode, gssRequestCode, cancelRequestCode:
		return s, nil
	}

	s.Parameters = make(map[string]string)
	data := rest[4:]
	for len(data) > 1 {
		key, rest, ok := cString(data)
		if !ok {
			break
		}
		val, rest2, ok := cString(rest)
		if !ok {
			break
		}
		s.Parameters[key] = val
		data = rest2
	}
	return s, nil
}

func cString(data []byte) (value string, rest []byte, ok bool) {
	for i, b := range data {
		if b == 0 {
			return string(data[:i]), data[i+1:], true
		}
	}
	return "", nil, false
}
