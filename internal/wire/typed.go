package wire

import (
	"encoding/binary"
	"fmt"
)

// Query is the simple-protocol 'Q' message: one SQL string, no parameters.
type Query struct {
	SQL string
}

// ParseQuery decodes a simple-protocol Query message body.
func ParseQuery(body []byte) (Query, error) {
	s, _, ok := cString(body)
	if !ok {
		return Query{}, fmt.Errorf("wire: malformed Query message")
	}
	return Query{SQL: s}, nil
}

func (q Query) Encode() Message {
	body := append([]byte(q.SQL), 0)
	return Message{Type: TypeQuery, Body: body}
}

// Parse is the extended-protocol 'P' message: a statement name, SQL text,
// and explicit parameter type OIDs (0 means "infer").
type Parse struct {
	Name       string
	SQL        string
	ParamTypes []uint32
}

func ParseParse(body []byte) (Parse, error) {
	name, rest, ok := cString(body)
	if !ok {
		return Parse{}, fmt.Errorf("wire: malformed Parse message (name)")
	}
	sql, rest, ok := cString(rest)
	if !ok {
		return Parse{}, fmt.Errorf("wire: malformed Parse message (sql)")
	}
	if len(rest) < 2 {
		return Parse{}, fmt.Errorf("wire: malformed Parse message (param count)")
	}
	n := int(binary.BigEndian.Uint16(rest[:2]))
	rest = rest[2:]
	if len(rest) < n*4 {
		return Parse{}, fmt.Errorf("wire: malformed Parse message (param types)")
	}
	types := make([]uint32, n)
	for i := 0; i < n; i++ {
		types[i] = binary.BigEndian.Uint32(rest[i*4 : i*4+4])
	}
	return Parse{Name: name, SQL: sql, ParamTypes: types}, nil
}

func (p Parse) Encode() Message {
	var body []byte
	body = append(body, p.Name...)
	body = append(body, 0)
	body = append(body, p.SQL...)
	body = append(body, 0)
	var cnt [2]byte
	binary.BigEndian.PutUint16(cnt[:], uint16(len(p.ParamTypes)))
	body = append(body, cnt[:]...)
	for _, t := range p.ParamTypes {
		var b [4]byte
		binary.BigEndian.PutUint32(b[:], t)
		body = append(body, b[:]...)
	}
	return Message{Type: TypeParse, Body: body}
}

// WithName returns a copy of p renamed to name — used to rewrite a
// client's locally-chosen statement name to the cache's globally unique
// name before forwarding to a server.
func (p Parse) WithName(name string) Parse {
	p.Name = name
	return p
}

// Bind is the extended-protocol 'B' message binding a prepared statement
// to a portal with concrete parameter values.
type Bind struct {
	Portal        string
	Statement     string
	ParamFormats  []int16
	ParamValues   [][]byte // nil element means SQL NULL
	ResultFormats []int16
}

func ParseBind(body []byte) (Bind, error) {
	var b Bind
	var ok bool
	b.Portal, body, ok = cString(body)
	if !ok {
		return Bind{}, fmt.Errorf("wire: malformed Bind (portal)")
	}
	b.Statement, body, ok = cString(body)
	if !ok {
		return Bind{}, fmt.Errorf("wire: malformed Bind (statement)")
	}

	nFormats, body, err := readInt16Count(body)
	if err != nil {
		return Bind{}, err
	}
	b.ParamFormats = make([]int16, nFormats)
	for i := range b.ParamFormats {
		if len(body) < 2 {
			return Bind{}, fmt.Errorf("wire: malformed Bind (param format)")
		}
		b.ParamFormats[i] = int16(binary.BigEndian.Uint16(body[:2]))
		body = body[2:]
	}

	nValues, body, err := readInt16Count(body)
	if err != nil {
		return Bind{}, err
	}
	b.ParamValues = make([][]byte, nValues)
	for i := range b.ParamValues {
		if len(body) < 4 {
			return Bind{}, fmt.Errorf("wire: malformed Bind (value length)")
		}
		n := int32(binary.BigEndian.Uint32(body[:4]))
		body = body[4:]
		if n < 0 {
			b.ParamValues[i] = nil
			continue
		}
		if len(body) < int(n) {
			return Bind{}, fmt.Errorf("wire: malformed Bind (value body)")
		}
		b.ParamValues[i] = body[:n]
		body = body[n:]
	}

	nResults, body, err := readInt16Count(body)
	if err != nil {
		return Bind{}, err
	}
	b.ResultFormats = make([]int16, nResults)
	for i := range b.ResultFormats {
		if len(body) < 2 {
			return Bind{}, fmt.Errorf("wire: malformed Bind (result format)")
		}
		b.ResultFormats[i] = int16(binary.BigEndian.Uint16(body[:2]))
		body = body[2:]
	}

	return b, nil
}

func readInt16Count(body []byte) (int, []byte, error) {
	if len(body) < 2 {
		return 0, nil, fmt.Errorf("wire: truncated count field")
	}
	return int(binary.BigEndian.Uint16(body[:2])), body[2:], nil
}

func (b Bind) Encode() Message {
	var body []byte
	body = append(body, b.Portal...)
	body = append(body, 0)
	body = append(body, b.Statement...)
	body = append(body, 0)

	body = appendInt16(body, len(b.ParamFormats))
	for _, f := range b.ParamFormats {
		body = appendInt16(body, int(f))
	}

	body = appendInt16(body, len(b.ParamValues))
	for _, v := range b.ParamValues {
		if v == nil {
			body = appendInt32(body, -1)
			continue
		}
		body = appendInt32(body, int32(len(v)))
		body = append(body, v...)
	}

	body = appendInt16(body, len(b.ResultFormats))
	for _, f := range b.ResultFormats {
		body = appendInt16(body, int(f))
	}

	return Message{Type: TypeBind, Body: body}
}

func appendInt16(b []byte, v int) []byte {
	var buf [2]byte
	binary.BigEndian.PutUint16(buf[:], uint16(v))
	return append(b, buf[:]...)
}

func appendInt32(b []byte, v int32) []byte {
	var buf [4]byte
	binary.BigEndian.PutUint32(buf[:], uint32(v))
	return append(b, buf[:]...)
}

// Describe is the extended-protocol 'D' message, describing either a
// prepared statement ('S') or a portal ('P').
type Describe struct {
	Kind byte // 'S' or 'P'
	Name string
}

func ParseDescribe(body []byte) (Describe, error) {
	if len(body) < 1 {
		return Describe{}, fmt.Errorf("wire: malformed Describe")
	}
	name, _, ok := cString(body[1:])
	if !ok {
		return Describe{}, fmt.Errorf("wire: malformed Describe (name)")
	}
	return Describe{Kind: body[0], Name: name}, nil
}

func (d Describe) Encode() Message {
	body := append([]byte{d.Kind}, d.Name...)
	body = append(body, 0)
	return Message{Type: TypeDescribe, Body: body}
}

// Execute is the extended-protocol 'E' message: run a portal, optionally
// limited to maxRows (0 means unlimited).
type Execute struct {
	Portal  string
	MaxRows int32
}

func ParseExecute(body []byte) (Execute, error) {
	name, rest, ok := cString(body)
	if !ok {
		return Execute{}, fmt.Errorf("wire: malformed Execute (portal)")
	}
	if len(rest) < 4 {
		return Execute{}, fmt.Errorf("wire: malformed Execute (max rows)")
	}
	return Execute{Portal: name, MaxRows: int32(binary.BigEndian.Uint32(rest[:4]))}, nil
}

func (e Execute) Encode() Message {
	var body []byte
	body = append(body, e.Portal...)
	body = append(body, 0)
	body = appendInt32(body, e.MaxRows)
	return Message{Type: TypeExecute, Body: body}
}

// Close targets a statement ('S') or portal ('P') by name for closure.
type Close struct {
	Kind byte
	Name string
}

func ParseClose(body []byte) (Close, error) {
	d, err := ParseDescribe(body)
	return Close(d), err
}

func (c Close) Encode() Message {
	return Describe(c).Encode() // same wire shape
}

// CloseComplete/ParseComplete/BindComplete/Sync/Flush/Terminate/CopyDone
// carry no payload; singleton encoders are provided for convenience.
func SyncMessage() Message      { return Message{Type: TypeSync} }
func FlushMessage() Message     { return Message{Type: TypeFlush} }
func TerminateMessage() Message { return Message{Type: TypeTerminate} }
func CopyDoneMessage() Message  { return Message{Type: TypeCopyDone} }

// ReadyForQuery is the 'Z' message; Status is one of 'I' (idle),
// 'T' (in transaction), 'E' (failed transaction).
type ReadyForQuery struct {
	Status byte
}

func ParseReadyForQuery(body []byte) (ReadyForQuery, error) {
	if len(body) != 1 {
		return ReadyForQuery{}, fmt.Errorf("wire: malformed ReadyForQuery")
	}
	return ReadyForQuery{Status: body[0]}, nil
}

func (r ReadyForQuery) Encode() Message {
	return Message{Type: TypeReadyForQuery, Body: []byte{r.Status}}
}

// FieldDescription is one column of a RowDescription.
type FieldDescription struct {
	Name         string
	TableOID     uint32
	ColumnAttNum int16
	TypeOID      uint32
	TypeLen      int16
	TypeMod      int32
	Format       int16
}

// RowDescription is the 'T' message describing a query's result columns.
type RowDescription struct {
	Fields []FieldDescription
}

func ParseRowDescription(body []byte) (RowDescription, error) {
	if len(body) < 2 {
		return RowDescription{}, fmt.Errorf("wire: malformed RowDescription")
	}
	n := int(binary.BigEndian.Uint16(body[:2]))
	body = body[2:]
	fields := make([]FieldDescription, 0, n)
	for i := 0; i < n; i++ {
		name, rest, ok := cString(body)
		if !ok {
			return RowDescription{}, fmt.Errorf("wire: malformed RowDescription field name")
		}
		if len(rest) < 18 {
			return RowDescription{}, fmt.Errorf("wire: truncated RowDescription field")
		}
		f := FieldDescription{
			Name:         name,
			TableOID:     binary.BigEndian.Uint32(rest[0:4]),
			ColumnAttNum: int16(binary.BigEndian.Uint16(rest[4:6])),
			TypeOID:      binary.BigEndian.Uint32(rest[6:10]),
			TypeLen:      int16(binary.BigEndian.Uint16(rest[10:12])),
			TypeMod:      int32(binary.BigEndian.Uint32(rest[12:16])),
			Format:       int16(binary.BigEndian.Uint16(rest[16:18])),
		}
		fields = append(fields, f)
		body = rest[18:]
	}
	return RowDescription{Fields: fields}, nil
}

func (r RowDescription) Encode() Message {
	var body []byte
	body = appendInt16(body, len(r.Fields))
	for _, f := range r.Fields {
		body = append(body, f.Name...)
		body = append(body, 0)
		body = appendInt32(body, int32(f.TableOID))
		body = appendInt16(body, int(f.ColumnAttNum))
		body = appendInt32(body, int32(f.TypeOID))
		body = appendInt16(body, int(f.TypeLen))
		body = appendInt32(body, f.TypeMod)
		body = appendInt16(body, int(f.Format))
	}
	return Message{Type: TypeRowDescription, Body: body}
}

// DataRow is the 'D' message: one row of column values, nil meaning NULL.
type DataRow struct {
	Values [][]byte
}

func ParseDataRow(body []byte) (DataRow, error) {
	if len(body) < 2 {
		return DataRow{}, fmt.Errorf("wire: malformed DataRow")
	}
	n := int(binary.BigEndian.Uint16(body[:2]))
	body = body[2:]
	values := make([][]byte, n)
	for i := 0; i < n; i++ {
		if len(body) < 4 {
			return DataRow{}, fmt.Errorf("wire: truncated DataRow value length")
		}
		l := int32(binary.BigEndian.Uint32(body[:4]))
		body = body[4:]
		if l < 0 {
			values[i] = nil
			continue
		}
		if len(body) < int(l) {
			return DataRow{}, fmt.Errorf("wire: truncated DataRow value")
		}
		values[i] = body[:l]
		body = body[l:]
	}
	return DataRow{Values: values}, nil
}

func (d DataRow) Encode() Message {
	var body []byte
	body = appendInt16(body, len(d.Values))
	for _, v := range d.Values {
		if v == nil {
			body = appendInt32(body, -1)
			continue
		}
		body = appendInt32(body, int32(len(v)))
		body = append(body, v...)
	}
	return Message{Type: TypeDataRow, Body: body}
}

// CommandComplete is the 'C' message carrying the server's tag string,
// e.g. "SELECT 3" or "INSERT 0 1".
type CommandComplete struct {
	Tag string
}

func ParseCommandComplete(body []byte) (CommandComplete, error) {
	s, _, ok := cString(body)
	if !ok {
		return CommandComplete{}, fmt.Errorf("wire: malformed CommandComplete")
	}
	return CommandComplete{Tag: s}, nil
}

func (c CommandComplete) Encode() Message {
	body := append([]byte(c.Tag), 0)
	return Message{Type: TypeCommandComplete, Body: body}
}

// ErrorField keys recognized from the PostgreSQL error/notice message
// format (ASCII field type byte -> value).
const (
	FieldSeverity byte = 'S'
	FieldCode     byte = 'C'
	FieldMessage  byte = 'M'
	FieldDetail   byte = 'D'
	FieldHint     byte = 'H'
)

// ErrorResponse is the 'E' message; Fields maps field-type bytes to their
// null-terminated string values (severity, SQLSTATE code, message, ...).
type ErrorResponse struct {
	Fields map[byte]string
}

func ParseErrorResponse(body []byte) (ErrorResponse, error) {
	fields := make(map[byte]string)
	for len(body) > 0 && body[0] != 0 {
		key := body[0]
		val, rest, ok := cString(body[1:])
		if !ok {
			return ErrorResponse{}, fmt.Errorf("wire: malformed ErrorResponse")
		}
		fields[key] = val
		body = rest
	}
	return ErrorResponse{Fields: fields}, nil
}

func (e ErrorResponse) Encode() Message {
	var body []byte
	for k, v := range e.Fields {
		body = append(body, k)
		body = append(body, v...)
		body = append(body, 0)
	}
	body = append(body, 0)
	return Message{Type: TypeErrorResponse, Body: body}
}

// NewError builds a minimal ErrorResponse with severity, SQLSTATE code,
// and message — the three fields spec §7 requires on every synthesized
// error.
func NewError(severity, code, message string) ErrorResponse {
	return ErrorResponse{Fields: map[byte]string{
		FieldSeverity: severity,
		FieldCode:     code,
		FieldMessage:  message,
	}}
}

// ParameterStatus is the 'S' backend message announcing a runtime
// parameter's current value.
type ParameterStatus struct {
	Name  string
	Value string
}

func ParseParameterStatus(body []byte) (ParameterStatus, error) {
	name, rest, ok := cString(body)
	if !ok {
		return ParameterStatus{}, fmt.Errorf("wire: malformed ParameterStatus")
	}
	value, _, ok := cString(rest)
	if !ok {
		return ParameterStatus{}, fmt.Errorf("wire: malformed ParameterStatus value")
	}
	return ParameterStatus{Name: name, Value: value}, nil
}

func (p ParameterStatus) Encode() Message {
	var body []byte
	body = append(body, p.Name...)
	body = append(body, 0)
	body = append(body, p.Value...)
	body = append(body, 0)
	return Message{Type: TypeParameterStatus, Body: body}
}

// BackendKeyData carries the process id and secret key used for
// CancelRequest.
type BackendKeyData struct {
	ProcessID uint32
	SecretKey uint32
}

func ParseBackendKeyData(body []byte) (BackendKeyData, error) {
	if len(body) != 8 {
		return BackendKeyData{}, fmt.Errorf("wire: malformed BackendKeyData")
	}
	return BackendKeyData{
		ProcessID: binary.BigEndian.Uint32(body[0:4]),
		SecretKey: binary.BigEndian.Uint32(body[4:8]),
	}, nil
}

func (k BackendKeyData) Encode() Message {
	var body []byte
	body = appendInt32(body, int32(k.ProcessID))
	body = appendInt32(body, int32(k.SecretKey))
	return Message{Type: TypeBackendKeyData, Body: body}
}

// NotificationResponse is the 'A' message delivered for LISTEN/NOTIFY.
type NotificationResponse struct {
	ProcessID uint32
	Channel   string
	Payload   string
}

func ParseNotificationResponse(body []byte) (NotificationResponse, error) {
	if len(body) < 4 {
		return NotificationResponse{}, fmt.Errorf("wire: malformed NotificationResponse")
	}
	pid := binary.BigEndian.Uint32(body[:4])
	channel, rest, ok := cString(body[4:])
	if !ok {
		return NotificationResponse{}, fmt.Errorf("wire: malformed NotificationResponse channel")
	}
	payload, _, ok := cString(rest)
	if !ok {
		return NotificationResponse{}, fmt.Errorf("wire: malformed NotificationResponse payload")
	}
	return NotificationResponse{ProcessID: pid, Channel: channel, Payload: payload}, nil
}

func (n NotificationResponse) Encode() Message {
	var body []byte
	body = appendInt32(body, int32(n.ProcessID))
	body = append(body, n.Channel...)
	body = append(body, 0)
	body = append(body, n.Payload...)
	body = append(body, 0)
	return Message{Type: TypeNotification, Body: body}
}

// AuthenticationOK, AuthenticationCleartextPassword, AuthenticationMD5Password,
// and AuthenticationSASL mirror the authentication sub-codes of the
// Authentication ('R') message.
const (
	AuthOK              int32 = 0
	AuthCleartext       int32 = 3
	AuthMD5             int32 = 5
	AuthSASL            int32 = 10
	AuthSASLContinue    int32 = 11
	AuthSASLFinal       int32 = 12
)

// AuthenticationMessage builds an Authentication ('R') message for the
// given sub-code and extra payload (e.g. the MD5 salt or SASL mechanism
// list).
func AuthenticationMessage(code int32, extra []byte) Message {
	var body []byte
	body = appendInt32(body, code)
	body = append(body, extra...)
	return Message{Type: TypeAuthentication, Body: body}
}
