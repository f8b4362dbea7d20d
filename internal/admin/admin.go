// Package admin implements the distinguished routing target spec §1
// carves out by name only ("specified only as a distinguished routing
// target") and spec §6 enumerates a command set for. It never touches
// a client's connection directly — internal/listener recognizes the
// admin virtual database name and drives a Backend directly over a
// dedicated simple-query loop, bypassing internal/engine entirely: the
// admin pseudo-database needs no pooling, sharding, or extended-protocol
// state, so it skips the Binding machinery real databases go through.
//
// Grounded on the accessors internal/pool, internal/cluster, and
// internal/cache already expose; this package adds no new state of its
// own beyond the registry/reload handle it reads from.
package admin

import (
	"fmt"
	"sort"
	"strconv"
	"strings"

	"github.com/pgdog-go/pgdog/internal/cluster"
	"github.com/pgdog-go/pgdog/internal/pool"
	"github.com/pgdog-go/pgdog/internal/wire"
)

// Registry is the slice of internal/router.Registry this package reads
// and mutates — named narrowly here so admin depends on behavior, not
// the whole router package surface.
type Registry interface {
	List() map[string]*cluster.Cluster
	Pause(database string) bool
	Resume(database string) bool
	IsPaused(database string) bool
}

// Backend answers admin commands against a live Registry. It satisfies
// internal/binding.Admin.
type Backend struct {
	registry Registry
	reload   func() error
}

// New builds a Backend. reload may be nil if the caller has no config
// hot-reload wired up (RELOAD then reports a "not configured" error).
func New(registry Registry, reload func() error) *Backend {
	return &Backend{registry: registry, reload: reload}
}

// Handle answers one simple-protocol Query against the admin database.
// Every other message type is rejected — the admin connection never
// runs the extended protocol or multi-statement transactions (spec §1's
// carve-out only asks for a routing target, not a full server).
func (b *Backend) Handle(msg wire.Message) ([]wire.Message, error) {
	if msg.Type != wire.TypeQuery {
		return nil, fmt.Errorf("admin: unsupported message type %q", msg.Type)
	}
	q, err := wire.ParseQuery(msg.Body)
	if err != nil {
		return nil, err
	}
	return b.dispatch(strings.TrimSpace(strings.TrimSuffix(q.SQL, ";")))
}

func (b *Backend) dispatch(sql string) ([]wire.Message, error) {
	upper := strings.ToUpper(sql)
	fields := strings.Fields(upper)
	if len(fields) == 0 {
		return errorReply("08P01", "admin: empty command"), nil
	}

	switch {
	case upper == "SHOW DATABASES":
		return b.showDatabases(), nil
	case upper == "SHOW POOLS":
		return b.showPools(), nil
	case strings.HasPrefix(upper, "BAN "):
		return b.banUnban(sql, true), nil
	case strings.HasPrefix(upper, "UNBAN "):
		return b.banUnban(sql, false), nil
	case strings.HasPrefix(upper, "PAUSE "):
		return b.pauseResume(sql, true), nil
	case strings.HasPrefix(upper, "RESUME "):
		return b.pauseResume(sql, false), nil
	case upper == "RELOAD":
		return b.doReload(), nil
	case strings.HasPrefix(upper, "SET "):
		return commandComplete("SET"), nil
	default:
		return errorReply("42601", fmt.Sprintf("admin: unrecognized command %q", sql)), nil
	}
}

// showDatabases lists every registered cluster and its pause state —
// the admin-command surface for SHOW DATABASES spec §6 names.
func (b *Backend) showDatabases() []wire.Message {
	rd := wire.RowDescription{Fields: []wire.FieldDescription{
		{Name: "name", TypeOID: 25},
		{Name: "shards", TypeOID: 23},
		{Name: "paused", TypeOID: 16},
	}}
	clusters := b.registry.List()
	names := sortedClusterNames(clusters)

	rows := make([]wire.Message, 0, len(names))
	for _, name := range names {
		c := clusters[name]
		rows = append(rows, wire.DataRow{Values: [][]byte{
			[]byte(name),
			[]byte(strconv.Itoa(c.ShardCount())),
			[]byte(strconv.FormatBool(b.registry.IsPaused(name))),
		}}.Encode())
	}

	out := append([]wire.Message{rd.Encode()}, rows...)
	return append(out, wire.CommandComplete{Tag: fmt.Sprintf("SHOW %d", len(rows))}.Encode())
}

// showPools lists every (cluster, shard, role, address) pool and its
// occupancy snapshot — SHOW POOLS from spec §6, fed by pool.Pool.Stats.
func (b *Backend) showPools() []wire.Message {
	rd := wire.RowDescription{Fields: []wire.FieldDescription{
		{Name: "database", TypeOID: 25},
		{Name: "shard", TypeOID: 23},
		{Name: "role", TypeOID: 25},
		{Name: "address", TypeOID: 25},
		{Name: "total", TypeOID: 23},
		{Name: "idle", TypeOID: 23},
		{Name: "checked_out", TypeOID: 23},
		{Name: "waiting", TypeOID: 23},
		{Name: "banned", TypeOID: 16},
		{Name: "paused", TypeOID: 16},
	}}

	clusters := b.registry.List()
	var rows []wire.Message
	for _, name := range sortedClusterNames(clusters) {
		c := clusters[name]
		for _, shard := range c.Shards {
			for _, role := range []struct {
				label string
				pools []*pool.Pool
			}{
				{"primary", primaryAsSlice(shard)},
				{"replica", shard.Replicas},
			} {
				for _, p := range role.pools {
					rows = append(rows, poolRow(name, shard.Number, role.label, p))
				}
			}
		}
	}

	out := append([]wire.Message{rd.Encode()}, rows...)
	return append(out, wire.CommandComplete{Tag: fmt.Sprintf("SHOW %d", len(rows))}.Encode())
}

func primaryAsSlice(s *cluster.Shard) []*pool.Pool {
	if s.Primary == nil {
		return nil
	}
	return []*pool.Pool{s.Primary}
}

func poolRow(database string, shardNum int, role string, p *pool.Pool) wire.Message {
	stats := p.Stats()
	return wire.DataRow{Values: [][]byte{
		[]byte(database),
		[]byte(strconv.Itoa(shardNum)),
		[]byte(role),
		[]byte(p.Address().String()),
		[]byte(strconv.Itoa(stats.Total)),
		[]byte(strconv.Itoa(stats.Idle)),
		[]byte(strconv.Itoa(stats.CheckedOut)),
		[]byte(strconv.Itoa(stats.Waiting)),
		[]byte(strconv.FormatBool(stats.Banned)),
		[]byte(strconv.FormatBool(stats.Paused)),
	}}.Encode()
}

// banUnban implements BAN/UNBAN <database> <shard> <role> — the
// operator-facing counterpart to the automatic ban spec §4.1 runs on a
// connect failure streak.
func (b *Backend) banUnban(sql string, ban bool) []wire.Message {
	p, errMsg := b.poolFromArgs(sql)
	if errMsg != "" {
		return errorReply("42601", errMsg)
	}
	if ban {
		p.Ban("admin requested")
		return commandComplete("BAN")
	}
	p.Unban()
	return commandComplete("UNBAN")
}

func (b *Backend) pauseResume(sql string, pause bool) []wire.Message {
	parts := strings.Fields(sql)
	if len(parts) != 2 {
		return errorReply("42601", "admin: expected PAUSE|RESUME <database>")
	}
	database := parts[1]
	var ok bool
	if pause {
		ok = b.registry.Pause(database)
	} else {
		ok = b.registry.Resume(database)
	}
	if !ok {
		return errorReply("42704", fmt.Sprintf("admin: unknown database %q", database))
	}
	if pause {
		return commandComplete("PAUSE")
	}
	return commandComplete("RESUME")
}

// poolFromArgs parses "<database> <shard> <primary|replica[:n]>" off a
// BAN/UNBAN command and resolves it to a live *pool.Pool.
func (b *Backend) poolFromArgs(sql string) (*pool.Pool, string) {
	parts := strings.Fields(sql)
	if len(parts) != 4 {
		return nil, "admin: expected BAN|UNBAN <database> <shard> <primary|replica>"
	}
	database, shardStr, role := parts[1], parts[2], strings.ToLower(parts[3])

	c, ok := b.registry.List()[database]
	if !ok {
		return nil, fmt.Sprintf("admin: unknown database %q", database)
	}
	shardNum, err := strconv.Atoi(shardStr)
	if err != nil {
		return nil, fmt.Sprintf("admin: invalid shard number %q", shardStr)
	}
	shard, err := c.Shard(shardNum)
	if err != nil {
		return nil, err.Error()
	}

	switch {
	case role == "primary":
		if shard.Primary == nil {
			return nil, fmt.Sprintf("admin: shard %d has no primary", shardNum)
		}
		return shard.Primary, ""
	case strings.HasPrefix(role, "replica"):
		idx := 0
		if i := strings.Index(role, ":"); i >= 0 {
			idx, err = strconv.Atoi(role[i+1:])
			if err != nil {
				return nil, fmt.Sprintf("admin: invalid replica index %q", role)
			}
		}
		if idx < 0 || idx >= len(shard.Replicas) {
			return nil, fmt.Sprintf("admin: shard %d has no replica %d", shardNum, idx)
		}
		return shard.Replicas[idx], ""
	default:
		return nil, fmt.Sprintf("admin: unknown role %q, expected primary or replica[:n]", role)
	}
}

func (b *Backend) doReload() []wire.Message {
	if b.reload == nil {
		return errorReply("55000", "admin: RELOAD is not configured for this process")
	}
	if err := b.reload(); err != nil {
		return errorReply("55000", fmt.Sprintf("admin: reload failed: %s", err))
	}
	return commandComplete("RELOAD")
}

func sortedClusterNames(m map[string]*cluster.Cluster) []string {
	names := make([]string, 0, len(m))
	for name := range m {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

func commandComplete(tag string) []wire.Message {
	return []wire.Message{wire.CommandComplete{Tag: tag}.Encode()}
}

func errorReply(code, message string) []wire.Message {
	return []wire.Message{wire.NewError("ERROR", code, message).Encode()}
}
