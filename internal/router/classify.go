package router

import (
	"fmt"
	"strings"

	pg_query "github.com/pganalyze/pg_query_go/v6"

	"github.com/pgdog-go/pgdog/internal/cache"
	"github.com/pgdog-go/pgdog/internal/wire"
)

// Classify turns one SQL statement into a Command, per spec §4.5's
// dispatch table. astCache is used for prepared-statement text only —
// simple-protocol text must never be cached (it inlines literals and
// would explode the key space, per spec §4.3).
func Classify(ctx Context, sql string, astCache *cache.ASTCache, cacheable bool) (Command, error) {
	if !ctx.UseParser && ctx.Cluster.ShardCount() == 1 {
		role := RoleWrite
		return Command{Kind: KindQuery, Route: Route{Role: role, Target: DirectTarget(0)}}, nil
	}

	sql, pinned, hasPin := stripShardComment(sql)

	var result *pg_query.ParseResult
	var err error
	if cacheable && astCache != nil {
		result, err = astCache.Parse(sql)
	} else {
		result, err = pg_query.Parse(sql)
	}
	if err != nil {
		return Command{}, fmt.Errorf("router: parsing statement: %w", err)
	}
	if len(result.Stmts) == 0 {
		return Command{Kind: KindQuery, Route: Route{Role: RoleWrite, Target: AllTarget()}}, nil
	}

	cmd, err := dispatch(ctx, sql, result.Stmts[0].Stmt)
	if err != nil {
		return Command{}, err
	}

	if hasPin {
		cmd.Route.Target = DirectTarget(pinned)
	}

	if ctx.ReadWriteStrategy == "conservative" && ctx.InTransaction && cmd.Route.Role == RoleRead {
		cmd.Route.Role = RoleWrite
	}

	if cmd.Route.Target.All && ctx.Cluster.ShardCount() == 1 {
		cmd.Route.Target = DirectTarget(0)
	}

	return cmd, nil
}

func dispatch(ctx Context, sql string, node *pg_query.Node) (Command, error) {
	switch {
	case node.GetTransactionStmt() != nil:
		return classifyTransaction(node.GetTransactionStmt()), nil
	case node.GetVariableSetStmt() != nil:
		return classifySet(ctx, node.GetVariableSetStmt())
	case node.GetVariableShowStmt() != nil:
		return classifyShow(ctx, node.GetVariableShowStmt())
	case node.GetDeallocateStmt() != nil:
		d := node.GetDeallocateStmt()
		return Command{Kind: KindDeallocate, SetName: d.Name}, nil
	case node.GetPrepareStmt() != nil:
		return classifyPrepare(ctx, sql, node.GetPrepareStmt()), nil
	case node.GetExecuteStmt() != nil:
		return classifyExecute(ctx, sql, node.GetExecuteStmt()), nil
	case node.GetListenStmt() != nil:
		return classifyListen(ctx, node.GetListenStmt())
	case node.GetNotifyStmt() != nil:
		return classifyNotify(ctx, node.GetNotifyStmt())
	case node.GetUnlistenStmt() != nil:
		return classifyUnlisten(ctx, node.GetUnlistenStmt())
	case node.GetCopyStmt() != nil:
		return classifyCopy(ctx, node.GetCopyStmt())
	case node.GetInsertStmt() != nil:
		return classifyInsert(ctx, node.GetInsertStmt())
	case node.GetUpdateStmt() != nil:
		return classifyUpdateDelete(ctx, node.GetUpdateStmt().Relation, node.GetUpdateStmt().WhereClause)
	case node.GetDeleteStmt() != nil:
		return classifyUpdateDelete(ctx, node.GetDeleteStmt().Relation, node.GetDeleteStmt().WhereClause)
	case node.GetSelectStmt() != nil:
		return classifySelect(ctx, sql, node.GetSelectStmt())
	case node.GetExplainStmt() != nil:
		inner := node.GetExplainStmt().Query
		return dispatch(ctx, sql, inner)
	default:
		return Command{Kind: KindQuery, Route: Route{Role: RoleWrite, Target: AllTarget()}}, nil
	}
}

// classifyPrepare implements spec §4.5's full_prepared_statements
// rewrite for a simple-protocol PREPARE: register sql's inner query
// with the shared prepared-statement cache under a process-wide unique
// name, splice that name in for the client's chosen one, and remember
// the mapping so a later EXECUTE/DEALLOCATE of this name on the same
// connection can find it again. Falls back to ordinary broadcast
// classification when the feature is off or the name can't be spliced
// safely — grounded on original_source/pgdog's
// frontend/router/parser/rewrite/mod.rs, whose Rewrite::rewrite() does
// the same rename-and-resend, and frontend/router/mod.rs, whose
// DEFAULT_ROUTE sends every such rewrite to Shard::All.
func classifyPrepare(ctx Context, sql string, p *pg_query.PrepareStmt) Command {
	direct := Command{Kind: KindQuery, Route: Route{Role: RoleWrite, Target: AllTarget()}}
	if !ctx.FullPreparedStatements || ctx.Prepared == nil {
		return direct
	}

	global := ctx.Prepared.InsertAnyway(wire.Parse{Name: p.Name, SQL: sql})
	rewritten, ok := renameLeadingIdentifier(sql, "PREPARE", p.Name, global)
	if !ok {
		return direct
	}
	if ctx.RecordPrepared != nil {
		ctx.RecordPrepared(p.Name, global)
	}
	return Command{Kind: KindRewrite, RewrittenSQL: rewritten, SetName: p.Name, Route: Route{Role: RoleWrite, Target: AllTarget()}}
}

// classifyExecute mirrors classifyPrepare for EXECUTE: resolve this
// connection's global name for the statement and splice it in. An
// unknown name is left alone so the backend raises its own normal
// "prepared statement does not exist" error instead of this proxy
// masking it.
func classifyExecute(ctx Context, sql string, x *pg_query.ExecuteStmt) Command {
	direct := Command{Kind: KindQuery, Route: Route{Role: RoleWrite, Target: AllTarget()}}
	if !ctx.FullPreparedStatements || ctx.ResolvePrepared == nil {
		return direct
	}

	global, ok := ctx.ResolvePrepared(x.Name)
	if !ok {
		return direct
	}
	rewritten, ok := renameLeadingIdentifier(sql, "EXECUTE", x.Name, global)
	if !ok {
		return direct
	}
	return Command{Kind: KindRewrite, RewrittenSQL: rewritten, SetName: x.Name, Route: Route{Role: RoleWrite, Target: AllTarget()}}
}

// renameLeadingIdentifier replaces the identifier immediately following
// keyword at the start of sql with replacement — PREPARE/EXECUTE's own
// target name is the one substring these statements let us locate
// without a node-level source location, since pg_query.Parse is never
// asked to round-trip our renamed identifier back through SQL text.
func renameLeadingIdentifier(sql, keyword, name, replacement string) (string, bool) {
	trimmed := strings.TrimSpace(sql)
	lead := len(sql) - len(trimmed)
	if len(trimmed) < len(keyword) || !strings.EqualFold(trimmed[:len(keyword)], keyword) {
		return sql, false
	}
	rest := trimmed[len(keyword):]
	skip := 0
	for skip < len(rest) && (rest[skip] == ' ' || rest[skip] == '\t' || rest[skip] == '\n' || rest[skip] == '\r') {
		skip++
	}
	if skip == 0 {
		return sql, false
	}
	start := lead + len(keyword) + skip
	if start+len(name) > len(sql) || !strings.EqualFold(sql[start:start+len(name)], name) {
		return sql, false
	}
	return sql[:start] + replacement + sql[start+len(name):], true
}

func classifyTransaction(t *pg_query.TransactionStmt) Command {
	switch t.Kind {
	case pg_query.TransactionStmtKind_TRANS_STMT_BEGIN, pg_query.TransactionStmtKind_TRANS_STMT_START:
		readOnly := false
		for _, opt := range t.Options {
			if de := opt.GetDefElem(); de != nil && de.Defname == "transaction_read_only" {
				if ac := de.Arg.GetAConst(); ac != nil {
					if iv := ac.GetIval(); iv != nil {
						readOnly = iv.Ival != 0
					}
				}
			}
		}
		return Command{Kind: KindStartTransaction, ReadOnly: readOnly}
	case pg_query.TransactionStmtKind_TRANS_STMT_COMMIT:
		return Command{Kind: KindCommitTransaction}
	default:
		return Command{Kind: KindRollbackTransaction}
	}
}

func classifySet(ctx Context, s *pg_query.VariableSetStmt) (Command, error) {
	name := strings.ToLower(s.Name)
	value := ""
	if len(s.Args) > 0 {
		if l := constLiteral(s.Args[0]); l != nil {
			value = l.text
		}
	}

	if name == "pgdog.shard" {
		var shard int
		if _, err := fmt.Sscanf(value, "%d", &shard); err != nil {
			return Command{}, fmt.Errorf("router: invalid pgdog.shard value %q: %w", value, err)
		}
		return Command{Kind: KindSetShard, Route: Route{Role: RoleWrite, Target: DirectTarget(shard)}, SetName: name, SetValue: value}, nil
	}
	if name == "pgdog.sharding_key" {
		shard, err := shardForShardingKey(ctx, value)
		if err != nil {
			return Command{}, err
		}
		return Command{Kind: KindSetShard, Route: Route{Role: RoleWrite, Target: shard}, SetName: name, SetValue: value}, nil
	}

	return Command{Kind: KindSet, SetName: name, SetValue: value}, nil
}

// shardForShardingKey resolves SET pgdog.sharding_key='v' against the
// cluster's first sharded table — there is exactly one sharding
// dimension per cluster in practice, so this is an unambiguous default.
func shardForShardingKey(ctx Context, value string) (Target, error) {
	resolver, ok := ctx.Cluster.AnyResolver()
	if !ok {
		return AllTarget(), nil
	}
	return resolveTarget(resolver, resolver.DataType(), []literal{{text: value}})
}

func classifyShow(ctx Context, s *pg_query.VariableShowStmt) (Command, error) {
	if strings.ToLower(s.Name) == "pgdog.shards" {
		return Command{Kind: KindShowShards, ShardCount: ctx.Cluster.ShardCount()}, nil
	}
	return Command{Kind: KindSet, SetName: s.Name}, nil
}

func classifyListen(ctx Context, s *pg_query.ListenStmt) (Command, error) {
	shard, err := channelShard(ctx, s.Conname)
	if err != nil {
		return Command{}, err
	}
	return Command{Kind: KindListen, Channel: s.Conname, Route: Route{Role: RoleWrite, Target: shard}}, nil
}

func classifyNotify(ctx Context, s *pg_query.NotifyStmt) (Command, error) {
	shard, err := channelShard(ctx, s.Conname)
	if err != nil {
		return Command{}, err
	}
	return Command{Kind: KindNotify, Channel: s.Conname, Payload: s.Payload, Route: Route{Role: RoleWrite, Target: shard}}, nil
}

func classifyUnlisten(ctx Context, s *pg_query.UnlistenStmt) (Command, error) {
	shard, err := channelShard(ctx, s.Conname)
	if err != nil {
		return Command{}, err
	}
	return Command{Kind: KindUnlisten, Channel: s.Conname, Route: Route{Role: RoleWrite, Target: shard}}, nil
}

// channelShard computes LISTEN/NOTIFY/UNLISTEN's shard from the channel
// name via the cluster's sharding schema — spec §4.5 requires a direct
// shard, since pub/sub fan-out across shards has no defined merge.
func channelShard(ctx Context, channel string) (Target, error) {
	resolver, ok := ctx.Cluster.AnyResolver()
	if !ok {
		return DirectTarget(0), nil
	}
	t, err := resolveTarget(resolver, resolver.DataType(), []literal{{text: channel}})
	if err != nil {
		return Target{}, err
	}
	if t.All || len(t.Shards) != 1 {
		return DirectTarget(0), nil
	}
	return t, nil
}

func classifyCopy(ctx Context, s *pg_query.CopyStmt) (Command, error) {
	_ = ctx
	cmd := Command{Kind: KindCopy, CopyFrom: s.IsFrom, Route: Route{Role: RoleWrite, Target: AllTarget()}}
	if s.Relation != nil {
		cmd.CopyTable = s.Relation.Relname
	}
	cmd.CopyColumns = copyColumnNames(s.Attlist)
	return cmd, nil
}

// copyColumnNames reads a COPY statement's explicit column list (`COPY
// t (a, b) FROM STDIN`) in on-wire order, empty when the statement
// named none.
func copyColumnNames(attlist []*pg_query.Node) []string {
	if len(attlist) == 0 {
		return nil
	}
	out := make([]string, 0, len(attlist))
	for _, n := range attlist {
		if s := n.GetString_(); s != nil {
			out = append(out, s.Sval)
		}
	}
	return out
}

func classifyInsert(ctx Context, s *pg_query.InsertStmt) (Command, error) {
	table := s.Relation.Relname
	resolver, ok := ctx.Cluster.Resolver(table)
	if !ok {
		return Command{Kind: KindQuery, Route: Route{Role: RoleWrite, Target: AllTarget()}}, nil
	}

	lits := insertColumnLiterals(s, resolver.Column())
	tgt, err := resolveTarget(resolver, resolver.DataType(), lits)
	if err != nil {
		return Command{}, err
	}
	return Command{Kind: KindQuery, Route: Route{Role: RoleWrite, Target: tgt}}, nil
}

func insertColumnLiterals(s *pg_query.InsertStmt, column string) []literal {
	if column == "" {
		return nil
	}
	colIdx := -1
	for i, c := range s.Cols {
		if rt := c.GetResTarget(); rt != nil && rt.Name == column {
			colIdx = i
			break
		}
	}
	if colIdx < 0 {
		return nil
	}
	sel := s.SelectStmt.GetSelectStmt()
	if sel == nil || len(sel.ValuesLists) == 0 {
		return nil
	}
	var out []literal
	for _, row := range sel.ValuesLists {
		list := row.GetList()
		if list == nil || colIdx >= len(list.Items) {
			continue
		}
		if l := constLiteral(list.Items[colIdx]); l != nil {
			out = append(out, *l)
		}
	}
	return out
}

func classifyUpdateDelete(ctx Context, relation *pg_query.RangeVar, where *pg_query.Node) (Command, error) {
	table := relation.Relname
	resolver, ok := ctx.Cluster.Resolver(table)
	if !ok || where == nil {
		return Command{Kind: KindQuery, Route: Route{Role: RoleWrite, Target: AllTarget()}}, nil
	}
	lits := extractEquality(where, resolver.Column())
	tgt, err := resolveTarget(resolver, resolver.DataType(), lits)
	if err != nil {
		return Command{}, err
	}
	return Command{Kind: KindQuery, Route: Route{Role: RoleWrite, Target: tgt}}, nil
}

func classifySelect(ctx Context, sql string, s *pg_query.SelectStmt) (Command, error) {
	if containsLockingClause(s) {
		return classifySelectShard(ctx, sql, s, RoleWrite)
	}
	if len(s.FromClause) == 0 {
		return Command{Kind: KindQuery, Route: Route{Role: RoleRead, Target: DirectTarget(0)}}, nil
	}
	return classifySelectShard(ctx, sql, s, RoleRead)
}

func classifySelectShard(ctx Context, sql string, s *pg_query.SelectStmt, role Role) (Command, error) {
	table, ok := firstFromRelation(s)
	if !ok {
		return Command{Kind: KindQuery, Route: Route{Role: role, Target: DirectTarget(0)}}, nil
	}
	resolver, ok := ctx.Cluster.Resolver(table)
	if !ok {
		return Command{Kind: KindQuery, Route: Route{Role: role, Target: DirectTarget(0)}}, nil
	}
	if s.WhereClause == nil {
		return withMergePlan(Command{Kind: KindQuery, Route: Route{Role: role, Target: AllTarget()}}, sql, s), nil
	}
	lits := extractEquality(s.WhereClause, resolver.Column())
	tgt, err := resolveTarget(resolver, resolver.DataType(), lits)
	if err != nil {
		return Command{}, err
	}
	return withMergePlan(Command{Kind: KindQuery, Route: Route{Role: role, Target: tgt}}, sql, s), nil
}

// withMergePlan attaches a merge plan only when the route actually fans
// out — a direct single-shard route needs no cross-shard merge, the
// server's own ORDER BY/LIMIT already does the right thing. Building
// that plan may itself rewrite sql (an AVG target split into SUM/COUNT),
// in which case cmd.RewrittenSQL carries the text to actually send.
func withMergePlan(cmd Command, sql string, s *pg_query.SelectStmt) Command {
	if cmd.Route.Target.All || len(cmd.Route.Target.Shards) > 1 {
		plan, rewritten := buildMergePlan(sql, s)
		cmd.Merge = plan
		cmd.RewrittenSQL = rewritten
	}
	return cmd
}

func containsLockingClause(s *pg_query.SelectStmt) bool {
	return len(s.LockingClause) > 0
}

func firstFromRelation(s *pg_query.SelectStmt) (string, bool) {
	for _, f := range s.FromClause {
		if rv := f.GetRangeVar(); rv != nil {
			return rv.Relname, true
		}
	}
	return "", false
}

// stripShardComment handles the leading `/* pgdog_shard: N */` comment
// override from spec §4.5. pg_query strips SQL comments during parse,
// so the override must be peeled off the raw text first.
func stripShardComment(sql string) (rest string, shard int, ok bool) {
	trimmed := strings.TrimSpace(sql)
	const prefix = "/* pgdog_shard:"
	if !strings.HasPrefix(trimmed, prefix) {
		return sql, 0, false
	}
	end := strings.Index(trimmed, "*/")
	if end < 0 {
		return sql, 0, false
	}
	inner := strings.TrimSpace(trimmed[len(prefix):end])
	if _, err := fmt.Sscanf(inner, "%d", &shard); err != nil {
		return sql, 0, false
	}
	return trimmed[end+2:], shard, true
}
