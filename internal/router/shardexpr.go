package router

import (
	pg_query "github.com/pganalyze/pg_query_go/v6"

	"github.com/pgdog-go/pgdog/internal/config"
	"github.com/pgdog-go/pgdog/internal/sharding"
)

// literal is one constant the WHERE/SET clause equated the sharded
// column to (a literal on the right of `=`, or one element of an IN
// list).
type literal struct {
	text string
}

// extractEquality walks expr looking for `column = literal` or
// `column IN (literal, ...)` predicates naming column, conjoined with
// AND at any depth. OR at the top disqualifies a predicate from
// determining a single shard (either branch could be true), so it's
// treated as "no match" here — conservative, matching spec §4.5's
// convergence rule that an ambiguous candidate set falls back to All.
func extractEquality(expr *pg_query.Node, column string) []literal {
	if expr == nil {
		return nil
	}
	if be := expr.GetBoolExpr(); be != nil {
		if be.Boolop == pg_query.BoolExprType_AND_EXPR {
			var out []literal
			for _, a := range be.Args {
				out = append(out, extractEquality(a, column)...)
			}
			return out
		}
		return nil
	}
	if ae := expr.GetAExpr(); ae != nil {
		return extractAExpr(ae, column)
	}
	return nil
}

func extractAExpr(ae *pg_query.A_Expr, column string) []literal {
	name := opName(ae)
	col, lit, ok := columnAndLiteral(ae.Lexpr, ae.Rexpr, column)
	if !ok {
		return nil
	}
	_ = col

	switch ae.Kind {
	case pg_query.A_Expr_Kind_AEXPR_OP:
		if name == "=" {
			if lit == nil {
				return nil
			}
			return []literal{*lit}
		}
	case pg_query.A_Expr_Kind_AEXPR_IN:
		list := ae.Rexpr.GetList()
		if list == nil {
			return nil
		}
		var out []literal
		for _, item := range list.Items {
			if l := constLiteral(item); l != nil {
				out = append(out, *l)
			}
		}
		return out
	}
	return nil
}

func opName(ae *pg_query.A_Expr) string {
	if len(ae.Name) == 0 {
		return ""
	}
	if s := ae.Name[0].GetString_(); s != nil {
		return s.Sval
	}
	return ""
}

// columnAndLiteral reports whether one side of a binary expression is a
// bare reference to column and the other is a constant, regardless of
// which side the parser put the column on.
func columnAndLiteral(lhs, rhs *pg_query.Node, column string) (matched bool, lit *literal, ok bool) {
	if isColumnRef(lhs, column) {
		return true, constLiteral(rhs), true
	}
	if isColumnRef(rhs, column) {
		return true, constLiteral(lhs), true
	}
	return false, nil, false
}

func isColumnRef(n *pg_query.Node, column string) bool {
	cr := n.GetColumnRef()
	if cr == nil || len(cr.Fields) == 0 {
		return false
	}
	last := cr.Fields[len(cr.Fields)-1]
	if s := last.GetString_(); s != nil {
		return s.Sval == column
	}
	return false
}

func constLiteral(n *pg_query.Node) *literal {
	ac := n.GetAConst()
	if ac == nil {
		return nil
	}
	if v := ac.GetIval(); v != nil {
		return &literal{text: itoa(v.Ival)}
	}
	if v := ac.GetSval(); v != nil {
		return &literal{text: v.Sval}
	}
	if v := ac.GetFval(); v != nil {
		return &literal{text: v.Fval}
	}
	return nil
}

func itoa(n int32) string {
	if n == 0 {
		return "0"
	}
	neg := n < 0
	if neg {
		n = -n
	}
	var buf [12]byte
	i := len(buf)
	for n > 0 {
		i--
		buf[i] = byte('0' + n%10)
		n /= 10
	}
	if neg {
		i--
		buf[i] = '-'
	}
	return string(buf[i:])
}

// resolveTarget converges the literals a WHERE/SET clause bound the
// sharded column to into a single router.Target, per spec §4.5's shard
// convergence rule: one candidate shard -> Direct, none or a broadcast
// candidate -> All, more than one distinct shard -> Multi.
func resolveTarget(r *sharding.Resolver, dataType config.DataType, lits []literal) (Target, error) {
	if len(lits) == 0 {
		return AllTarget(), nil
	}
	seen := map[int]struct{}{}
	var shards []int
	for _, l := range lits {
		v := sharding.NewTextValue(l.text, dataType)
		t, err := r.Resolve(v)
		if err != nil {
			return Target{}, err
		}
		if t.All {
			return AllTarget(), nil
		}
		for _, s := range t.Shards {
			if _, ok := seen[s]; !ok {
				seen[s] = struct{}{}
				shards = append(shards, s)
			}
		}
	}
	if len(shards) == 0 {
		return AllTarget(), nil
	}
	if len(shards) == 1 {
		return DirectTarget(shards[0]), nil
	}
	return MultiTarget(shards), nil
}

// ResolveCopyValue resolves a single COPY FROM STDIN row's sharded
// column text to a Target — the per-row counterpart of resolveTarget's
// WHERE-clause convergence, used by the engine once per CopyData
// message instead of once per statement.
func ResolveCopyValue(r *sharding.Resolver, dataType config.DataType, value string) (Target, error) {
	return resolveTarget(r, dataType, []literal{{text: value}})
}
