// Package sharding decides which shard a row (or query parameter)
// belongs to: hash, range, list, and vector-centroid partitioning, per
// the column's declared DataType. Grounded on
// original_source/pgdog/src/frontend/router/sharding/{value,list,range,
// context_builder}.rs.
package sharding

import (
	"encoding/binary"
	"fmt"
	"strconv"
	"strings"

	"github.com/google/uuid"

	"github.com/pgdog-go/pgdog/internal/config"
)

// Format mirrors the wire's text/binary parameter encoding.
type Format int

const (
	FormatText Format = iota
	FormatBinary
)

// Value is a single column value paired with its declared type,
// carrying enough of both the text and binary wire representations to
// extract an integer, uuid, varchar, or hash regardless of which
// encoding the client used. Ported from value.rs's Value/Data.
type Value struct {
	dataType config.DataType
	format   Format
	text     string
	binary   []byte
}

// NewTextValue builds a Value from the text wire representation of a
// column or bind parameter.
func NewTextValue(text string, dataType config.DataType) Value {
	return Value{dataType: dataType, format: FormatText, text: text}
}

// NewBinaryValue builds a Value from the binary wire representation.
func NewBinaryValue(data []byte, dataType config.DataType) Value {
	return Value{dataType: dataType, format: FormatBinary, binary: data}
}

// Valid reports whether the value actually parses as its declared
// DataType — a client can send a column typed bigint with a value that
// isn't, in which case routing must fall back to broadcasting.
func (v Value) Valid() bool {
	switch v.dataType {
	case config.DataTypeBigint:
		if v.format == FormatText {
			_, err := strconv.ParseInt(v.text, 10, 64)
			return err == nil
		}
		switch len(v.binary) {
		case 2, 4, 8:
			return true
		default:
			return false
		}
	case config.DataTypeUuid:
		if v.format == FormatText {
			_, err := uuid.Parse(v.text)
			return err == nil
		}
		return len(v.binary) == 16
	case config.DataTypeVarchar:
		return true
	default:
		return false
	}
}

// Integer extracts the value as int64 when the declared type is
// Bigint, nil otherwise.
func (v Value) Integer() (*int64, error) {
	if v.dataType != config.DataTypeBigint {
		return nil, nil
	}
	if v.format == FormatText {
		n, err := strconv.ParseInt(strings.TrimSpace(v.text), 10, 64)
		if err != nil {
			return nil, fmt.Errorf("sharding: parsing bigint %q: %w", v.text, err)
		}
		return &n, nil
	}
	switch len(v.binary) {
	case 2:
		n := int64(int16(binary.BigEndian.Uint16(v.binary)))
		return &n, nil
	case 4:
		n := int64(int32(binary.BigEndian.Uint32(v.binary)))
		return &n, nil
	case 8:
		n := int64(binary.BigEndian.Uint64(v.binary))
		return &n, nil
	default:
		return nil, fmt.Errorf("sharding: invalid bigint binary length %d", len(v.binary))
	}
}

// Varchar extracts the value as a string when the declared type is
// Varchar, nil otherwise.
func (v Value) Varchar() (*string, error) {
	if v.dataType != config.DataTypeVarchar {
		return nil, nil
	}
	if v.format == FormatText {
		return &v.text, nil
	}
	s := string(v.binary)
	return &s, nil
}

// UUID extracts the value as a uuid.UUID when the declared type is
// Uuid, nil otherwise.
func (v Value) UUID() (*uuid.UUID, error) {
	if v.dataType != config.DataTypeUuid {
		return nil, nil
	}
	if v.format == FormatText {
		u, err := uuid.Parse(v.text)
		if err != nil {
			return nil, fmt.Errorf("sharding: parsing uuid %q: %w", v.text, err)
		}
		return &u, nil
	}
	u, err := uuid.FromBytes(v.binary)
	if err != nil {
		return nil, fmt.Errorf("sharding: parsing binary uuid: %w", err)
	}
	return &u, nil
}

// Hash computes the partition hash for this value, or nil when the
// type never participates in hashing (Vector never does; an
// integer-shaped value typed as Uuid/Varchar isn't applicable either).
func (v Value) Hash(h Hasher) (*uint64, error) {
	switch v.dataType {
	case config.DataTypeBigint:
		n, err := v.Integer()
		if err != nil || n == nil {
			return nil, err
		}
		val := h.Bigint(*n)
		return &val, nil
	case config.DataTypeUuid:
		u, err := v.UUID()
		if err != nil || u == nil {
			return nil, err
		}
		val := h.UUID(*u)
		return &val, nil
	case config.DataTypeVarchar:
		s, err := v.Varchar()
		if err != nil || s == nil {
			return nil, err
		}
		val := h.Varchar([]byte(*s))
		return &val, nil
	case config.DataTypeVector:
		return nil, nil
	default:
		return nil, nil
	}
}
