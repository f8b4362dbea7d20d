package router

import (
	"fmt"
	"strings"

	pg_query "github.com/pganalyze/pg_query_go/v6"
)

// buildMergePlan extracts the ORDER BY/aggregate/DISTINCT/LIMIT-OFFSET
// shape of s, for the binding to replay across a fanned-out result set
// per spec §4.7. Returns nil when none of those clauses are present —
// the binding then treats the rows as shard-interleaved, per the
// ordering contract for plain fan-out queries. The second return value
// is non-empty when sql had to be rewritten for every shard to actually
// send back what the plan needs (an AVG(x) target rewritten to
// SUM(x) plus an appended COUNT(x), per spec §8's exact-merge
// invariant).
func buildMergePlan(sql string, s *pg_query.SelectStmt) (*MergePlan, string) {
	aggs, rewritten := aggregateTargets(sql, s.TargetList)

	plan := &MergePlan{
		OrderBy:    orderByKeys(s.SortClause),
		GroupBy:    columnNames(s.GroupClause),
		Aggregates: aggs,
		Distinct:   distinctClause(s.DistinctClause),
		Limit:      constInt(s.LimitCount),
		Offset:     constInt(s.LimitOffset),
	}
	for _, a := range aggs {
		if a.Kind == AggAvg && a.CountAlias != "" {
			plan.DropColumns = append(plan.DropColumns, a.CountAlias)
		}
	}
	if plan.empty() {
		return nil, ""
	}
	return plan, rewritten
}

func (p *MergePlan) empty() bool {
	return len(p.OrderBy) == 0 && len(p.Aggregates) == 0 && p.Distinct == nil &&
		p.Limit == nil && p.Offset == nil
}

func orderByKeys(clause []*pg_query.Node) []OrderBy {
	var out []OrderBy
	for _, n := range clause {
		sb := n.GetSortBy()
		if sb == nil {
			continue
		}
		ob := OrderBy{Dir: SortAsc}
		if sb.SortbyDir == pg_query.SortByDir_SORTBY_DESC {
			ob.Dir = SortDesc
		}
		if ae := sb.Node.GetAExpr(); ae != nil && opName(ae) == "<->" {
			ob.Vector = true
			ob.Column = columnRefName(ae.Lexpr)
			out = append(out, ob)
			continue
		}
		ob.Column = columnRefName(sb.Node)
		if ob.Column != "" {
			out = append(out, ob)
		}
	}
	return out
}

func columnNames(clause []*pg_query.Node) []string {
	var out []string
	for _, n := range clause {
		if name := columnRefName(n); name != "" {
			out = append(out, name)
		}
	}
	return out
}

func columnRefName(n *pg_query.Node) string {
	cr := n.GetColumnRef()
	if cr == nil || len(cr.Fields) == 0 {
		return ""
	}
	last := cr.Fields[len(cr.Fields)-1]
	if s := last.GetString_(); s != nil {
		return s.Sval
	}
	return ""
}

var aggFuncs = map[string]AggKind{
	"sum":   AggSum,
	"count": AggCount,
	"avg":   AggAvg,
	"min":   AggMin,
	"max":   AggMax,
}

// aggregateTargets scans a SELECT's target list for SUM/COUNT/AVG/MIN/MAX
// calls, pairing each with the output alias the binding must look up in
// the shards' RowDescriptions (the parser assigns the function name as
// the implicit alias when none is given, matching Postgres itself).
//
// An AVG call can't be merged correctly from each shard's own average —
// spec §8's Universal Invariant requires the exact weighted mean, which
// needs each shard's (sum, count) pair. So every AVG(x) found here is
// spliced in sql into SUM(x) (same column, same alias, same position —
// the client's requested shape doesn't change) with a COUNT(x) appended
// as a same synthetic column the caller must later drop. The returned
// sql is the original string when no AVG target needed rewriting, or an
// AVG location couldn't be matched safely in the source text — that
// aggregate then falls back to averaging shard averages directly, the
// pre-existing, documented approximation.
func aggregateTargets(sql string, targets []*pg_query.Node) ([]Aggregate, string) {
	var out []Aggregate
	rewritten := sql
	avgSeq := 0
	for _, n := range targets {
		rt := n.GetResTarget()
		if rt == nil {
			continue
		}
		fc := rt.Val.GetFuncCall()
		if fc == nil || len(fc.Funcname) == 0 {
			continue
		}
		name := ""
		if s := fc.Funcname[len(fc.Funcname)-1].GetString_(); s != nil {
			name = strings.ToLower(s.Sval)
		}
		kind, ok := aggFuncs[name]
		if !ok {
			continue
		}
		col := ""
		if len(fc.Args) > 0 {
			col = columnRefName(fc.Args[0])
		}
		alias := rt.Name
		if alias == "" {
			alias = name
		}

		if kind != AggAvg {
			out = append(out, Aggregate{Kind: kind, Column: col, Alias: alias})
			continue
		}

		avgSeq++
		countAlias := fmt.Sprintf("%s__pgdog_avg_count_%d", alias, avgSeq)
		if spliced, ok := spliceAvgToSumCount(rewritten, fc, countAlias); ok {
			rewritten = spliced
			out = append(out, Aggregate{Kind: AggAvg, Column: col, Alias: alias, CountAlias: countAlias})
		} else {
			out = append(out, Aggregate{Kind: AggAvg, Column: col, Alias: alias})
		}
	}
	if rewritten == sql {
		return out, ""
	}
	return out, rewritten
}

// spliceAvgToSumCount rewrites one AVG(...) call in sql, in place, to
// SUM(...), and appends ", count(<same args>) AS <countAlias>" right
// after its closing paren. fc.Location is the byte offset libpg_query
// records for the start of the function-call expression (its name
// token); the call's argument list is taken verbatim from the matching
// parens so a qualified or multi-part argument expression survives
// unchanged. Returns ok=false when the location can't be trusted (no
// "avg" found there, or no balanced closing paren), leaving sql alone.
func spliceAvgToSumCount(sql string, fc *pg_query.FuncCall, countAlias string) (string, bool) {
	loc := int(fc.Location)
	if loc < 0 || loc+3 > len(sql) || !strings.EqualFold(sql[loc:loc+3], "avg") {
		return "", false
	}
	openRel := strings.IndexByte(sql[loc:], '(')
	if openRel < 0 {
		return "", false
	}
	open := loc + openRel

	depth := 0
	closeIdx := -1
	for i := open; i < len(sql); i++ {
		switch sql[i] {
		case '(':
			depth++
		case ')':
			depth--
			if depth == 0 {
				closeIdx = i
			}
		}
		if closeIdx >= 0 {
			break
		}
	}
	if closeIdx < 0 {
		return "", false
	}

	arg := strings.TrimSpace(sql[open+1 : closeIdx])
	if arg == "" {
		arg = "*"
	}

	out := sql[:loc] + "sum" + sql[loc+3:closeIdx+1] +
		fmt.Sprintf(", count(%s) AS %s", arg, countAlias) +
		sql[closeIdx+1:]
	return out, true
}

// distinctClause interprets pg_query's DistinctClause: absent -> nil,
// present with a nil first item -> plain DISTINCT (whole row), present
// with named items -> DISTINCT ON(...).
func distinctClause(clause []*pg_query.Node) *Distinct {
	if len(clause) == 0 {
		return nil
	}
	var on []string
	for _, n := range clause {
		if name := columnRefName(n); name != "" {
			on = append(on, name)
		}
	}
	return &Distinct{On: on}
}

func constInt(n *pg_query.Node) *int64 {
	if n == nil {
		return nil
	}
	ac := n.GetAConst()
	if ac == nil {
		return nil
	}
	iv := ac.GetIval()
	if iv == nil {
		return nil
	}
	v := int64(iv.Ival)
	return &v
}
