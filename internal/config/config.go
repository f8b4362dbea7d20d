// Package config loads and hot-reloads the proxy's YAML configuration:
// listen addresses, pool defaults, and the cluster/shard/sharded-table
// schema spec §6 enumerates. Grounded on the teacher's config.go
// (substituteEnvVars, Load, Watcher), extended with the cluster schema
// from original_source/pgdog/src/config/mod.rs.
package config

import (
	"fmt"
	"log/slog"
	"math"
	"os"
	"regexp"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"gopkg.in/yaml.v3"
)

// Config is the top-level proxy configuration.
type Config struct {
	Listen   ListenConfig             `yaml:"listen"`
	General  General                  `yaml:"general"`
	Clusters map[string]ClusterConfig `yaml:"clusters"`
}

// ListenConfig defines the bind address the proxy accepts PostgreSQL
// clients on. The API/dashboard port the teacher exposes has no home
// here: spec §1 places the metrics HTTP endpoint and admin dashboard out
// of scope.
type ListenConfig struct {
	Host    string `yaml:"host"`
	Port    int    `yaml:"port"`
	TLSCert string `yaml:"tls_cert"`
	TLSKey  string `yaml:"tls_key"`
}

func (l ListenConfig) TLSEnabled() bool { return l.TLSCert != "" && l.TLSKey != "" }

// General holds proxy-wide pool defaults and behavior toggles enumerated
// in spec §6's configuration table.
type General struct {
	PoolerMode            string        `yaml:"pooler_mode"`             // transaction | session
	LoadBalancingStrategy string        `yaml:"load_balancing_strategy"` // random | round_robin | least_active_connections
	ReadWriteStrategy     string        `yaml:"read_write_strategy"`     // conservative | aggressive
	ReadWriteSplit        string        `yaml:"read_write_split"`        // include_primary | exclude_primary
	AuthType              string        `yaml:"auth_type"`               // scram | md5 | trust
	PassthroughAuth       string        `yaml:"passthrough_auth"`        // disabled | enabled | enabled_plain
	PreparedStatements    string        `yaml:"prepared_statements"`     // disabled | extended | full
	PreparedStatementsLimit int         `yaml:"prepared_statements_limit"`
	// FullPreparedStatements rewrites a simple-protocol PREPARE/EXECUTE
	// to a process-wide unique name (spec §4.5). Defaults to enabled,
	// so it's a *bool like ClusterConfig's overrides: nil means "apply
	// the default", not "false".
	FullPreparedStatements *bool `yaml:"full_prepared_statements,omitempty"`
	CrossShardDisabled    bool          `yaml:"cross_shard_disabled"`
	DryRun                bool          `yaml:"dry_run"`
	ClientIdleTimeout     time.Duration `yaml:"client_idle_timeout"`

	DefaultPoolSize int `yaml:"default_pool_size"`
	MinPoolSize     int `yaml:"min_pool_size"`

	CheckoutTimeout         time.Duration `yaml:"checkout_timeout"`
	IdleTimeout             time.Duration `yaml:"idle_timeout"`
	MaxAge                  time.Duration `yaml:"max_age"`
	ConnectTimeout          time.Duration `yaml:"connect_timeout"`
	ConnectAttempts         int           `yaml:"connect_attempts"`
	ConnectAttemptDelay     time.Duration `yaml:"connect_attempt_delay"`
	QueryTimeout            time.Duration `yaml:"query_timeout"`
	HealthcheckInterval     time.Duration `yaml:"healthcheck_interval"`
	HealthcheckTimeout      time.Duration `yaml:"healthcheck_timeout"`
	IdleHealthcheckInterval time.Duration `yaml:"idle_healthcheck_interval"`
	IdleHealthcheckDelay    time.Duration `yaml:"idle_healthcheck_delay"`
	BanTimeout              time.Duration `yaml:"ban_timeout"`
	RollbackTimeout         time.Duration `yaml:"rollback_timeout"`
	StatementTimeout        time.Duration `yaml:"statement_timeout"`
}

// ClusterConfig describes one logical database a client can connect to:
// its shards and the sharded-table schema used to route statements.
type ClusterConfig struct {
	Shards        []ShardConfig        `yaml:"shards"`
	ShardedTables []ShardedTableConfig `yaml:"sharded_tables"`

	PoolerMode            *string `yaml:"pooler_mode,omitempty"`
	LoadBalancingStrategy *string `yaml:"load_balancing_strategy,omitempty"`
	ReadWriteStrategy     *string `yaml:"read_write_strategy,omitempty"`
	ReadWriteSplit        *string `yaml:"read_write_split,omitempty"`
	CrossShardDisabled    *bool   `yaml:"cross_shard_disabled,omitempty"`
	DryRun                *bool   `yaml:"dry_run,omitempty"`
}

func (c ClusterConfig) effectivePoolerMode(g General) string {
	if c.PoolerMode != nil {
		return *c.PoolerMode
	}
	return g.PoolerMode
}

func (c ClusterConfig) EffectiveLoadBalancingStrategy(g General) string {
	if c.LoadBalancingStrategy != nil {
		return *c.LoadBalancingStrategy
	}
	return g.LoadBalancingStrategy
}

func (c ClusterConfig) EffectiveReadWriteStrategy(g General) string {
	if c.ReadWriteStrategy != nil {
		return *c.ReadWriteStrategy
	}
	return g.ReadWriteStrategy
}

func (c ClusterConfig) EffectiveReadWriteSplit(g General) string {
	if c.ReadWriteSplit != nil {
		return *c.ReadWriteSplit
	}
	return g.ReadWriteSplit
}

func (c ClusterConfig) EffectiveCrossShardDisabled(g General) bool {
	if c.CrossShardDisabled != nil {
		return *c.CrossShardDisabled
	}
	return g.CrossShardDisabled
}

func (c ClusterConfig) EffectivePoolerMode(g General) string { return c.effectivePoolerMode(g) }

// ShardConfig is one shard: an optional primary plus zero or more
// replicas, matching spec §3's Shard data model.
type ShardConfig struct {
	Primary  *DatabaseConfig  `yaml:"primary,omitempty"`
	Replicas []DatabaseConfig `yaml:"replicas,omitempty"`
}

// DatabaseConfig identifies one upstream Postgres endpoint (a pool's
// address-plus-identity tuple, spec §3).
type DatabaseConfig struct {
	Host     string `yaml:"host"`
	Port     int    `yaml:"port"`
	Database string `yaml:"database"`
	User     string `yaml:"user"`
	Password string `yaml:"password"`
}

// DataType is the declared type of a sharded column (spec §4.4/§4.2,
// original_source/pgdog/src/config/mod.rs's DataType enum).
type DataType string

const (
	DataTypeBigint  DataType = "bigint"
	DataTypeUuid    DataType = "uuid"
	DataTypeVarchar DataType = "varchar"
	DataTypeVector  DataType = "vector"
)

// Hasher selects the hash function for the hash sharding path (spec
// §4.4).
type Hasher string

const (
	HasherPostgres Hasher = "postgres"
	HasherSha1     Hasher = "sha1"
)

// MappingKind selects between list and range sharded-mapping semantics
// (original_source/.../config/mod.rs's ShardedMappingKind).
type MappingKind string

const (
	MappingKindList  MappingKind = "list"
	MappingKindRange MappingKind = "range"
)

// ShardedMapping is one list/range rule: FlexibleType start/end/values
// may each hold an integer or a string, matching the original's
// untagged FlexibleType enum — represented here as strings, parsed per
// the column's DataType at load time (see internal/sharding).
type ShardedMapping struct {
	Kind   MappingKind `yaml:"kind"`
	Start  *string     `yaml:"start,omitempty"`
	End    *string     `yaml:"end,omitempty"`
	Values []string    `yaml:"values,omitempty"`
	Shard  int         `yaml:"shard"`
}

// ShardedTableConfig is spec §3's ShardedTable: which column of which
// table determines a row's shard, and how.
type ShardedTableConfig struct {
	Database       string           `yaml:"database"`
	Name           string           `yaml:"name,omitempty"`
	Column         string           `yaml:"column"`
	DataType       DataType         `yaml:"data_type"`
	Hasher         Hasher           `yaml:"hasher,omitempty"`
	Centroids      [][]float64      `yaml:"centroids,omitempty"`
	CentroidProbes int              `yaml:"centroid_probes,omitempty"`
	Mapping        []ShardedMapping `yaml:"mapping,omitempty"`
}

// applyDefaults fills Hasher and auto-computes CentroidProbes the way
// original_source/pgdog/src/config/mod.rs's load_centroids does:
// ceil(sqrt(len(centroids))) when left unset.
func (t *ShardedTableConfig) applyDefaults() {
	if t.Hasher == "" {
		t.Hasher = HasherPostgres
	}
	if t.CentroidProbes == 0 && len(t.Centroids) > 0 {
		t.CentroidProbes = int(math.Ceil(math.Sqrt(float64(len(t.Centroids)))))
	}
}

var envVarPattern = regexp.MustCompile(`\$\{([^}]+)\}`)

// substituteEnvVars replaces ${VAR_NAME} references with environment
// variable values, leaving unresolvable references untouched.
func substituteEnvVars(data []byte) []byte {
	return envVarPattern.ReplaceAllFunc(data, func(match []byte) []byte {
		name := envVarPattern.FindSubmatch(match)[1]
		if val, ok := os.LookupEnv(string(name)); ok {
			return []byte(val)
		}
		return match
	})
}

// Load reads, substitutes, parses, validates, and defaults a YAML
// config file.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("config: reading %s: %w", path, err)
	}
	data = substituteEnvVars(data)

	cfg := &Config{}
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("config: parsing %s: %w", path, err)
	}

	applyDefaults(cfg)

	if err := validate(cfg); err != nil {
		return nil, fmt.Errorf("config: validating %s: %w", path, err)
	}
	return cfg, nil
}

func applyDefaults(cfg *Config) {
	if cfg.Listen.Port == 0 {
		cfg.Listen.Port = 6432
	}
	if cfg.Listen.Host == "" {
		cfg.Listen.Host = "0.0.0.0"
	}

	g := &cfg.General
	if g.PoolerMode == "" {
		g.PoolerMode = "transaction"
	}
	if g.LoadBalancingStrategy == "" {
		g.LoadBalancingStrategy = "round_robin"
	}
	if g.ReadWriteStrategy == "" {
		g.ReadWriteStrategy = "conservative"
	}
	if g.ReadWriteSplit == "" {
		g.ReadWriteSplit = "include_primary"
	}
	if g.AuthType == "" {
		g.AuthType = "scram"
	}
	if g.PreparedStatements == "" {
		g.PreparedStatements = "extended"
	}
	if g.FullPreparedStatements == nil {
		enabled := true
		g.FullPreparedStatements = &enabled
	}
	if g.DefaultPoolSize == 0 {
		g.DefaultPoolSize = 10
	}
	if g.MinPoolSize == 0 {
		g.MinPoolSize = 1
	}
	if g.CheckoutTimeout == 0 {
		g.CheckoutTimeout = 5 * time.Second
	}
	if g.IdleTimeout == 0 {
		g.IdleTimeout = 10 * time.Minute
	}
	if g.MaxAge == 0 {
		g.MaxAge = time.Hour
	}
	if g.ConnectTimeout == 0 {
		g.ConnectTimeout = 5 * time.Second
	}
	if g.ConnectAttempts == 0 {
		g.ConnectAttempts = 3
	}
	if g.ConnectAttemptDelay == 0 {
		g.ConnectAttemptDelay = 500 * time.Millisecond
	}
	if g.QueryTimeout == 0 {
		g.QueryTimeout = 30 * time.Second
	}
	if g.HealthcheckInterval == 0 {
		g.HealthcheckInterval = 30 * time.Second
	}
	if g.HealthcheckTimeout == 0 {
		g.HealthcheckTimeout = 2 * time.Second
	}
	if g.IdleHealthcheckInterval == 0 {
		g.IdleHealthcheckInterval = time.Minute
	}
	if g.IdleHealthcheckDelay == 0 {
		g.IdleHealthcheckDelay = 5 * time.Second
	}
	if g.BanTimeout == 0 {
		g.BanTimeout = 10 * time.Second
	}
	if g.RollbackTimeout == 0 {
		g.RollbackTimeout = 5 * time.Second
	}
	if g.PreparedStatementsLimit == 0 {
		g.PreparedStatementsLimit = 1000
	}

	for name, cluster := range cfg.Clusters {
		for i := range cluster.ShardedTables {
			cluster.ShardedTables[i].applyDefaults()
		}
		cfg.Clusters[name] = cluster
	}
}

func validate(cfg *Config) error {
	for name, cluster := range cfg.Clusters {
		if len(cluster.Shards) == 0 {
			return fmt.Errorf("cluster %q: at least one shard is required", name)
		}
		for i, shard := range cluster.Shards {
			if shard.Primary == nil && len(shard.Replicas) == 0 {
				return fmt.Errorf("cluster %q shard %d: at least one of primary or replicas is required", name, i)
			}
		}
		for _, t := range cluster.ShardedTables {
			switch t.DataType {
			case DataTypeBigint, DataTypeUuid, DataTypeVarchar, DataTypeVector:
			default:
				return fmt.Errorf("cluster %q: sharded table %s.%s: unsupported data_type %q", name, t.Database, t.Column, t.DataType)
			}
		}
	}
	return nil
}

// Watcher watches a config file for changes and invokes callback with
// the freshly reloaded Config. Grounded on the teacher's config.Watcher
// (debounced fsnotify); cmd/pgdog uses it to rebuild the cluster
// registry and metrics when the file changes.
type Watcher struct {
	path     string
	callback func(*Config)
	watcher  *fsnotify.Watcher
	mu       sync.Mutex
	stopCh   chan struct{}
}

func NewWatcher(path string, callback func(*Config)) (*Watcher, error) {
	w, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("config: creating watcher: %w", err)
	}
	if err := w.Add(path); err != nil {
		w.Close()
		return nil, fmt.Errorf("config: watching %s: %w", path, err)
	}
	cw := &Watcher{path: path, callback: callback, watcher: w, stopCh: make(chan struct{})}
	go cw.run()
	return cw, nil
}

func (cw *Watcher) run() {
	var debounce *time.Timer
	for {
		select {
		case event, ok := <-cw.watcher.Events:
			if !ok {
				return
			}
			if event.Op&(fsnotify.Write|fsnotify.Create) != 0 {
				if debounce != nil {
					debounce.Stop()
				}
				debounce = time.AfterFunc(500*time.Millisecond, cw.reload)
			}
		case err, ok := <-cw.watcher.Errors:
			if !ok {
				return
			}
			slog.Warn("config watcher error", "error", err)
		case <-cw.stopCh:
			return
		}
	}
}

func (cw *Watcher) reload() {
	cw.mu.Lock()
	defer cw.mu.Unlock()

	cfg, err := Load(cw.path)
	if err != nil {
		slog.Error("config hot-reload failed", "error", err)
		return
	}
	slog.Info("configuration reloaded", "path", cw.path)
	cw.callback(cfg)
}

func (cw *Watcher) Stop() error {
	close(cw.stopCh)
	return cw.watcher.Close()
}
