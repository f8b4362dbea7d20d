package sharding

import (
	"strconv"

	"github.com/pgdog-go/pgdog/internal/config"
)

// parsedMapping pre-parses a config.ShardedMapping's FlexibleType bounds
// into typed integer/string bounds, since the config layer stores them
// as plain strings (see config.ShardedMapping).
type parsedMapping struct {
	startInt *int64
	endInt   *int64
	startStr *string
	endStr   *string
	values   []string
	shard    int
}

func parseMapping(m config.ShardedMapping) parsedMapping {
	p := parsedMapping{shard: m.Shard}
	if m.Start != nil {
		if n, err := strconv.ParseInt(*m.Start, 10, 64); err == nil {
			p.startInt = &n
		} else {
			p.startStr = m.Start
		}
	}
	if m.End != nil {
		if n, err := strconv.ParseInt(*m.End, 10, 64); err == nil {
			p.endInt = &n
		} else {
			p.endStr = m.End
		}
	}
	p.values = m.Values
	return p
}

// matchRangeInt and matchRangeStr report whether the integer/varchar
// bounds contain value,
// following range.rs's half-open [start, end) semantics: missing start
// means unbounded below, missing end means unbounded above.
func (p parsedMapping) matchRangeInt(value int64) bool {
	if p.startInt != nil {
		if p.endInt != nil {
			return value >= *p.startInt && value < *p.endInt
		}
		return value >= *p.startInt
	}
	if p.endInt != nil {
		return value < *p.endInt
	}
	return false
}

func (p parsedMapping) matchRangeStr(value string) bool {
	if p.startStr != nil {
		if p.endStr != nil {
			return value >= *p.startStr && value < *p.endStr
		}
		return value >= *p.startStr
	}
	if p.endStr != nil {
		return value < *p.endStr
	}
	return false
}

func (p parsedMapping) matchListInt(value int64) bool {
	for _, v := range p.values {
		if n, err := strconv.ParseInt(v, 10, 64); err == nil && n == value {
			return true
		}
	}
	return false
}

func (p parsedMapping) matchListStr(value string) bool {
	for _, v := range p.values {
		if v == value {
			return true
		}
	}
	return false
}

// resolveRange evaluates a value against a table's range mappings,
// returning the matching shard, or ok=false if none apply (the caller
// falls back to Target{All: true}, per range.rs's shard()).
func resolveRange(table config.ShardedTableConfig, v Value) (shard int, ok bool, err error) {
	integer, ierr := v.Integer()
	if ierr != nil {
		return 0, false, ierr
	}
	varchar, verr := v.Varchar()
	if verr != nil {
		return 0, false, verr
	}

	for _, m := range table.Mapping {
		if m.Kind != config.MappingKindRange {
			continue
		}
		parsed := parseMapping(m)
		if integer != nil && parsed.matchRangeInt(*integer) {
			return parsed.shard, true, nil
		}
		if varchar != nil && parsed.matchRangeStr(*varchar) {
			return parsed.shard, true, nil
		}
	}
	return 0, false, nil
}

// resolveList evaluates a value against a table's list mappings.
func resolveList(table config.ShardedTableConfig, v Value) (shard int, ok bool, err error) {
	integer, ierr := v.Integer()
	if ierr != nil {
		return 0, false, ierr
	}
	varchar, verr := v.Varchar()
	if verr != nil {
		return 0, false, verr
	}

	for _, m := range table.Mapping {
		if m.Kind != config.MappingKindList {
			continue
		}
		parsed := parseMapping(m)
		if integer != nil && parsed.matchListInt(*integer) {
			return parsed.shard, true, nil
		}
		if varchar != nil && parsed.matchListStr(*varchar) {
			return parsed.shard, true, nil
		}
	}
	return 0, false, nil
}

// hasMappingKind reports whether table declares any mapping of kind —
// mirrors list.rs/range.rs's Lists::new/Ranges::new guard, which skips
// the whole evaluator when no mapping of that kind exists.
func hasMappingKind(table config.ShardedTableConfig, kind config.MappingKind) bool {
	for _, m := range table.Mapping {
		if m.Kind == kind {
			return true
		}
	}
	return false
}
