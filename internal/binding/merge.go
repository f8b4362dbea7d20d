package binding

import (
	"fmt"
	"sort"
	"strconv"
	"sync"

	"github.com/pgdog-go/pgdog/internal/router"
	"github.com/pgdog-go/pgdog/internal/wire"
)

// Sink is where a drained/merged result stream gets written — normally
// the client's connection, wrapped to match this narrow interface.
type Sink interface {
	Send(wire.Message) error
}

// shardOutcome is everything one shard produced for a single statement:
// either a row set plus the column shapes to merge, or the first error
// it reported.
type shardOutcome struct {
	index   int
	rowDesc *wire.RowDescription
	rows    []wire.DataRow
	tag     string
	err     *wire.ErrorResponse
}

// drainOne reads r until ReadyForQuery, collecting exactly the pieces
// the merge protocol in spec §4.7 needs: the row description, every
// DataRow, and the terminal CommandComplete or ErrorResponse.
func drainOne(index int, r *serverReader) shardOutcome {
	out := shardOutcome{index: index}
	for {
		msg, err := r.Read()
		if err != nil {
			e := wire.NewError("ERROR", "08006", err.Error())
			out.err = &e
			return out
		}
		switch msg.Type {
		case wire.TypeRowDescription:
			rd, err := wire.ParseRowDescription(msg.Body)
			if err == nil {
				out.rowDesc = &rd
			}
		case wire.TypeDataRow:
			dr, err := wire.ParseDataRow(msg.Body)
			if err == nil {
				out.rows = append(out.rows, dr)
			}
		case wire.TypeCommandComplete:
			cc, err := wire.ParseCommandComplete(msg.Body)
			if err == nil {
				out.tag = cc.Tag
			}
		case wire.TypeErrorResponse:
			er, err := wire.ParseErrorResponse(msg.Body)
			if err == nil {
				out.err = &er
			}
		case wire.TypeReadyForQuery:
			return out
		}
	}
}

// serverReader is the narrow read side a Binding's shards expose to the
// merge engine — satisfied by *backend.Server, kept separate so tests
// can drive the merge protocol without real sockets.
type serverReader struct {
	read func() (wire.Message, error)
}

func (r *serverReader) Read() (wire.Message, error) { return r.read() }

// Drain runs the multi-shard merge protocol: concurrent read from every
// shard this Binding holds, buffer until all have finished, apply plan
// (aggregate, sort, distinct, limit/offset) in that order, then write
// the merged result to sink (spec §4.7 read()).
func (b *Binding) Drain(sink Sink, plan *router.MergePlan) error {
	if b.kind != KindMultiShard {
		return fmt.Errorf("binding: Drain called on a non-multi-shard binding")
	}

	readers := make([]*serverReader, len(b.shards))
	for i, s := range b.shards {
		s := s
		readers[i] = &serverReader{read: s.Read}
	}

	outcomes := make([]shardOutcome, len(readers))
	var wg sync.WaitGroup
	wg.Add(len(readers))
	for i, r := range readers {
		i, r := i, r
		go func() {
			defer wg.Done()
			outcomes[i] = drainOne(i, r)
		}()
	}
	wg.Wait()

	for _, o := range outcomes {
		if o.err != nil {
			return b.emitError(sink, *o.err)
		}
	}

	return mergeAndEmit(sink, outcomes, plan)
}

// emitError forwards the first shard's ErrorResponse, matching spec
// §4.7 step 5 ("forward the first ErrorResponse ... discard others").
// Other shards' outcomes are already fully drained by the time Drain
// calls this, so there's nothing left to discard from the wire.
func (b *Binding) emitError(sink Sink, first wire.ErrorResponse) error {
	if err := sink.Send(first.Encode()); err != nil {
		return err
	}
	return sink.Send(wire.ReadyForQuery{Status: 'I'}.Encode())
}

func mergeAndEmit(sink Sink, outcomes []shardOutcome, plan *router.MergePlan) error {
	var rowDesc *wire.RowDescription
	for _, o := range outcomes {
		if o.rowDesc != nil {
			rowDesc = o.rowDesc
			break
		}
	}
	rows := flatten(outcomes)
	if plan != nil && rowDesc != nil {
		cols := columnIndex(*rowDesc)
		if len(plan.Aggregates) > 0 {
			rows = applyAggregates(rows, cols, plan)
		}
		if len(plan.OrderBy) > 0 {
			rows = applySort(rows, cols, plan.OrderBy)
		}
		if plan.Distinct != nil {
			rows = applyDistinct(rows, cols, plan.Distinct)
		}
		rows = applyLimitOffset(rows, plan.Limit, plan.Offset)
		if len(plan.DropColumns) > 0 {
			rd, rs := dropColumns(*rowDesc, rows, plan.DropColumns)
			rowDesc = &rd
			rows = rs
		}
	}

	if rowDesc != nil {
		if err := sink.Send(rowDesc.Encode()); err != nil {
			return err
		}
	}

	for _, row := range rows {
		if err := sink.Send(row.Encode()); err != nil {
			return err
		}
	}

	tag := commandTag(outcomes, len(rows))
	if err := sink.Send(wire.CommandComplete{Tag: tag}.Encode()); err != nil {
		return err
	}
	return sink.Send(wire.ReadyForQuery{Status: 'I'}.Encode())
}

// flatten concatenates every shard's buffered rows in shard order, the
// stable tiebreak spec §4.7's ordering contract requires when two rows
// compare equal on the requested ORDER BY keys (or there is none).
func flatten(outcomes []shardOutcome) []wire.DataRow {
	var rows []wire.DataRow
	for _, o := range outcomes {
		rows = append(rows, o.rows...)
	}
	return rows
}

// dropColumns removes synthetic merge-only columns (an AVG rewrite's
// appended COUNT) from the result shape the client actually asked for,
// once every row has already been folded against them.
func dropColumns(rd wire.RowDescription, rows []wire.DataRow, names []string) (wire.RowDescription, []wire.DataRow) {
	drop := make(map[int]struct{}, len(names))
	for _, n := range names {
		for i, f := range rd.Fields {
			if f.Name == n {
				drop[i] = struct{}{}
			}
		}
	}
	if len(drop) == 0 {
		return rd, rows
	}

	fields := make([]wire.FieldDescription, 0, len(rd.Fields)-len(drop))
	for i, f := range rd.Fields {
		if _, ok := drop[i]; ok {
			continue
		}
		fields = append(fields, f)
	}

	out := make([]wire.DataRow, len(rows))
	for ri, row := range rows {
		vals := make([][]byte, 0, len(row.Values)-len(drop))
		for i, v := range row.Values {
			if _, ok := drop[i]; ok {
				continue
			}
			vals = append(vals, v)
		}
		out[ri] = wire.DataRow{Values: vals}
	}
	return wire.RowDescription{Fields: fields}, out
}

func columnIndex(rd wire.RowDescription) map[string]int {
	idx := make(map[string]int, len(rd.Fields))
	for i, f := range rd.Fields {
		idx[f.Name] = i
	}
	return idx
}

// applySort implements spec §4.7's sort step: stable multi-key sort by
// each OrderBy column, numeric comparison when every compared value
// parses as a number, byte comparison otherwise. Vector keys sort by
// the already-computed `<->` distance column the same way.
func applySort(rows []wire.DataRow, cols map[string]int, keys []router.OrderBy) []wire.DataRow {
	out := append([]wire.DataRow(nil), rows...)
	sort.SliceStable(out, func(i, j int) bool {
		for _, k := range keys {
			ci, ok := cols[k.Column]
			if !ok {
				continue
			}
			cmp := compareValues(valueAt(out[i], ci), valueAt(out[j], ci))
			if cmp == 0 {
				continue
			}
			if k.Dir == router.SortDesc {
				return cmp > 0
			}
			return cmp < 0
		}
		return false
	})
	return out
}

func valueAt(row wire.DataRow, i int) []byte {
	if i < 0 || i >= len(row.Values) {
		return nil
	}
	return row.Values[i]
}

// compareValues orders two column values: as numbers when both parse as
// float64, lexically otherwise. NULL (nil) sorts before any value.
func compareValues(a, b []byte) int {
	if a == nil && b == nil {
		return 0
	}
	if a == nil {
		return -1
	}
	if b == nil {
		return 1
	}
	af, aErr := strconv.ParseFloat(string(a), 64)
	bf, bErr := strconv.ParseFloat(string(b), 64)
	if aErr == nil && bErr == nil {
		switch {
		case af < bf:
			return -1
		case af > bf:
			return 1
		default:
			return 0
		}
	}
	sa, sb := string(a), string(b)
	switch {
	case sa < sb:
		return -1
	case sa > sb:
		return 1
	default:
		return 0
	}
}

// applyDistinct de-duplicates rows by whole-row value (Distinct.On
// empty) or by the named columns (DISTINCT ON), keeping the first
// occurrence in the current (already-sorted, if any) order.
func applyDistinct(rows []wire.DataRow, cols map[string]int, d *router.Distinct) []wire.DataRow {
	seen := make(map[string]struct{}, len(rows))
	out := make([]wire.DataRow, 0, len(rows))
	for _, row := range rows {
		key := distinctKey(row, cols, d.On)
		if _, ok := seen[key]; ok {
			continue
		}
		seen[key] = struct{}{}
		out = append(out, row)
	}
	return out
}

func distinctKey(row wire.DataRow, cols map[string]int, on []string) string {
	if len(on) == 0 {
		var buf []byte
		for _, v := range row.Values {
			buf = append(buf, 0)
			buf = append(buf, v...)
		}
		return string(buf)
	}
	var buf []byte
	for _, name := range on {
		buf = append(buf, 0)
		if i, ok := cols[name]; ok {
			buf = append(buf, valueAt(row, i)...)
		}
	}
	return string(buf)
}

func applyLimitOffset(rows []wire.DataRow, limit, offset *int64) []wire.DataRow {
	start := 0
	if offset != nil && *offset > 0 {
		start = int(*offset)
	}
	if start >= len(rows) {
		return nil
	}
	rows = rows[start:]
	if limit != nil && *limit >= 0 && int(*limit) < len(rows) {
		rows = rows[:*limit]
	}
	return rows
}

func commandTag(outcomes []shardOutcome, mergedRows int) string {
	verb := "SELECT"
	for _, o := range outcomes {
		if o.tag == "" {
			continue
		}
		var parts = splitTag(o.tag)
		if len(parts) > 0 {
			verb = parts[0]
		}
		break
	}
	return fmt.Sprintf("%s %d", verb, mergedRows)
}

func splitTag(tag string) []string {
	var parts []string
	start := 0
	for i := 0; i < len(tag); i++ {
		if tag[i] == ' ' {
			parts = append(parts, tag[start:i])
			start = i + 1
		}
	}
	parts = append(parts, tag[start:])
	return parts
}
