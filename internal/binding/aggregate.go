package binding

import (
	"strconv"

	"github.com/pgdog-go/pgdog/internal/router"
	"github.com/pgdog-go/pgdog/internal/wire"
)

// groupAccum collects one GROUP BY group's per-alias running state
// while folding in every shard's already-partially-aggregated row.
type groupAccum struct {
	base  wire.DataRow
	sum   map[string]float64
	n     map[string]int
	count map[string]float64 // AVG's folded divisor, from each shard's COUNT column
	min   map[string][]byte
	max   map[string][]byte
}

// applyAggregates combines each shard's partial aggregate rows into one
// row per GROUP BY key, per spec §4.7/§10: SUM/COUNT add partials,
// MIN/MAX compare partials, AVG recombines the exact weighted mean from
// each shard's (sum, count) pair. The router rewrites an AVG(x) target
// into SUM(x) plus an appended COUNT(x) before the query ever reaches a
// shard (see router.Aggregate.CountAlias) precisely so this step has a
// real divisor to fold instead of averaging already-partial averages.
// When that rewrite couldn't be done safely for a particular target
// (CountAlias empty), this falls back to averaging the shard partials
// directly — an approximation, exact only when every shard contributes
// the same row count to the group.
func applyAggregates(rows []wire.DataRow, cols map[string]int, plan *router.MergePlan) []wire.DataRow {
	if len(plan.Aggregates) == 0 {
		return rows
	}

	order := make([]string, 0)
	groups := make(map[string]*groupAccum)

	for _, row := range rows {
		key := distinctKey(row, cols, plan.GroupBy)
		g, ok := groups[key]
		if !ok {
			g = &groupAccum{
				base:  row,
				sum:   make(map[string]float64),
				n:     make(map[string]int),
				count: make(map[string]float64),
				min:   make(map[string][]byte),
				max:   make(map[string][]byte),
			}
			groups[key] = g
			order = append(order, key)
		}
		foldAggregates(g, row, cols, plan.Aggregates)
	}

	out := make([]wire.DataRow, 0, len(order))
	for _, key := range order {
		out = append(out, finalizeGroup(groups[key], cols, plan.Aggregates))
	}
	return out
}

func foldAggregates(g *groupAccum, row wire.DataRow, cols map[string]int, aggs []router.Aggregate) {
	for _, a := range aggs {
		idx, ok := cols[a.Alias]
		if !ok {
			continue
		}
		v := valueAt(row, idx)
		switch a.Kind {
		case router.AggSum, router.AggCount:
			if f, err := strconv.ParseFloat(string(v), 64); err == nil {
				g.sum[a.Alias] += f
				g.n[a.Alias]++
			}
		case router.AggAvg:
			if f, err := strconv.ParseFloat(string(v), 64); err == nil {
				if a.CountAlias != "" {
					// v is now this shard's SUM (the router renamed the
					// call), weighted by its own COUNT column.
					if cidx, ok := cols[a.CountAlias]; ok {
						if c, err := strconv.ParseFloat(string(valueAt(row, cidx)), 64); err == nil {
							g.sum[a.Alias] += f
							g.count[a.Alias] += c
							continue
						}
					}
				}
				// No COUNT column to weight by: fall back to averaging
				// shard partials directly.
				g.sum[a.Alias] += f
				g.n[a.Alias]++
			}
		case router.AggMin:
			if cur, ok := g.min[a.Alias]; !ok || compareValues(v, cur) < 0 {
				g.min[a.Alias] = v
			}
		case router.AggMax:
			if cur, ok := g.max[a.Alias]; !ok || compareValues(v, cur) > 0 {
				g.max[a.Alias] = v
			}
		}
	}
}

func finalizeGroup(g *groupAccum, cols map[string]int, aggs []router.Aggregate) wire.DataRow {
	row := wire.DataRow{Values: append([][]byte(nil), g.base.Values...)}
	for _, a := range aggs {
		idx, ok := cols[a.Alias]
		if !ok {
			continue
		}
		switch a.Kind {
		case router.AggSum, router.AggCount:
			row.Values[idx] = formatNumber(g.sum[a.Alias])
		case router.AggAvg:
			if a.CountAlias != "" && g.count[a.Alias] > 0 {
				row.Values[idx] = formatNumber(g.sum[a.Alias] / g.count[a.Alias])
			} else if n := g.n[a.Alias]; n > 0 {
				row.Values[idx] = formatNumber(g.sum[a.Alias] / float64(n))
			}
		case router.AggMin:
			row.Values[idx] = g.min[a.Alias]
		case router.AggMax:
			row.Values[idx] = g.max[a.Alias]
		}
	}
	return row
}

func formatNumber(f float64) []byte {
	if f == float64(int64(f)) {
		return strconv.AppendInt(nil, int64(f), 10)
	}
	return strconv.AppendFloat(nil, f, 'f', -1, 64)
}
