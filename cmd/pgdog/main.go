// Command pgdog runs the sharding proxy: load configuration, dial every
// configured shard's pools, build the cluster registry and admin
// backend, and accept PostgreSQL clients until a shutdown signal.
//
// Grounded on cmd/dbbouncer/main.go's wiring order (load config, build
// components, start listeners, wire hot-reload, wait for a signal,
// shut down in reverse order) and its pm.StartStatsLoop/
// pm.SetOnPoolExhausted pattern for feeding Prometheus from pool state.
package main

import (
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/pgdog-go/pgdog/internal/admin"
	"github.com/pgdog-go/pgdog/internal/auth"
	"github.com/pgdog-go/pgdog/internal/backend"
	"github.com/pgdog-go/pgdog/internal/cache"
	"github.com/pgdog-go/pgdog/internal/cluster"
	"github.com/pgdog-go/pgdog/internal/config"
	"github.com/pgdog-go/pgdog/internal/engine"
	"github.com/pgdog-go/pgdog/internal/listener"
	"github.com/pgdog-go/pgdog/internal/metrics"
	"github.com/pgdog-go/pgdog/internal/pool"
	"github.com/pgdog-go/pgdog/internal/router"
	"github.com/pgdog-go/pgdog/internal/sharding"
)

const statsInterval = 5 * time.Second

func main() {
	configPath := flag.String("config", "configs/pgdog.yaml", "path to configuration file")
	flag.Parse()

	slog.Info("pgdog starting")

	cfg, err := config.Load(*configPath)
	if err != nil {
		slog.Error("loading config", "error", err)
		os.Exit(1)
	}
	slog.Info("configuration loaded", "path", *configPath, "clusters", len(cfg.Clusters))

	m := metrics.New()
	clusters := buildClusters(cfg, m)
	reg := router.NewRegistry(clusters)

	astCache, err := cache.NewASTCache(1024)
	if err != nil {
		slog.Error("building statement cache", "error", err)
		os.Exit(1)
	}
	prepared := cache.NewPreparedCache()

	reload := func() error { return reloadFromDisk(*configPath, reg, m) }
	adm := admin.New(reg, reload)

	l := listener.New(reg, adm, astCache, prepared, listener.Options{
		Host:     cfg.Listen.Host,
		Port:     cfg.Listen.Port,
		AuthType: cfg.General.AuthType,
		EngineOptions: engine.Options{
			PoolMode:               parsePoolMode(cfg.General.PoolerMode),
			ReadWriteStrategy:      cfg.General.ReadWriteStrategy,
			CrossShardDisabled:     cfg.General.CrossShardDisabled,
			ClientIdleTimeout:      cfg.General.ClientIdleTimeout,
			QueryTimeout:           cfg.General.QueryTimeout,
			FullPreparedStatements: cfg.General.FullPreparedStatements != nil && *cfg.General.FullPreparedStatements,
		},
	})

	watcher, err := config.NewWatcher(*configPath, func(newCfg *config.Config) {
		slog.Info("reloading configuration")
		applyReload(reg, buildClusters(newCfg, m), m)
	})
	if err != nil {
		slog.Warn("config hot-reload not available", "error", err)
	}

	statsStop := make(chan struct{})
	go statsLoop(reg, m, statsStop)

	go func() {
		if err := l.ListenAndServe(); err != nil {
			slog.Error("listener stopped", "error", err)
		}
	}()
	slog.Info("pgdog ready", "host", cfg.Listen.Host, "port", cfg.Listen.Port)

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	sig := <-sigCh
	slog.Info("received signal, shutting down", "signal", sig.String())

	close(statsStop)
	if watcher != nil {
		watcher.Stop()
	}
	l.Close()
	for _, c := range clusters {
		c.Shutdown()
	}
	slog.Info("pgdog stopped")
}

// reloadFromDisk re-reads the config file and swaps the registry's
// clusters, the work RELOAD (internal/admin) triggers.
func reloadFromDisk(path string, reg *router.Registry, m *metrics.Collector) error {
	cfg, err := config.Load(path)
	if err != nil {
		m.ReloadCompleted(false)
		return fmt.Errorf("reloading %s: %w", path, err)
	}
	applyReload(reg, buildClusters(cfg, m), m)
	return nil
}

// applyReload swaps the registry's clusters and reconciles the metrics
// collector's label set against the new cluster names, shared by the
// RELOAD admin command and the config file watcher so both paths report
// identically.
func applyReload(reg *router.Registry, newClusters map[string]*cluster.Cluster, m *metrics.Collector) {
	before := reg.List()
	reg.Reload(newClusters)
	for name := range before {
		if _, ok := newClusters[name]; !ok {
			m.RemoveCluster(name)
		}
	}
	m.ReloadCompleted(true)
}

// statsLoop periodically feeds every pool's Stats snapshot to the
// metrics collector, the relabeled counterpart of
// cmd/dbbouncer/main.go's pm.StartStatsLoop(5*time.Second, ...).
func statsLoop(reg *router.Registry, m *metrics.Collector, stop <-chan struct{}) {
	ticker := time.NewTicker(statsInterval)
	defer ticker.Stop()
	for {
		select {
		case <-stop:
			return
		case <-ticker.C:
			for name, c := range reg.List() {
				for shardNum := 0; shardNum < c.ShardCount(); shardNum++ {
					shard, err := c.Shard(shardNum)
					if err != nil {
						continue
					}
					shardLabel := strconv.Itoa(shard.Number)
					if shard.Primary != nil {
						m.UpdatePoolStats(name, shardLabel, "primary", shard.Primary.Stats())
					}
					for _, r := range shard.Replicas {
						m.UpdatePoolStats(name, shardLabel, "replica", r.Stats())
					}
				}
			}
		}
	}
}

// buildClusters dials every configured shard's pools and builds one
// cluster.Cluster per configured database, keyed by name — the
// proxy-startup counterpart to cmd/dbbouncer/main.go's router.New(cfg).
func buildClusters(cfg *config.Config, m *metrics.Collector) map[string]*cluster.Cluster {
	out := make(map[string]*cluster.Cluster, len(cfg.Clusters))
	for name, cc := range cfg.Clusters {
		shards := make([]*cluster.Shard, len(cc.Shards))
		for i, sc := range cc.Shards {
			shards[i] = buildShard(name, i, sc, cfg.General, m)
		}

		resolvers := make(map[string]*sharding.Resolver, len(cc.ShardedTables))
		for _, tc := range cc.ShardedTables {
			resolvers[tc.Name] = sharding.NewResolver(tc, len(shards))
		}

		strategy := cluster.ParseStrategy(cc.EffectiveLoadBalancingStrategy(cfg.General))
		split := cluster.ParseReadWriteSplit(cc.EffectiveReadWriteSplit(cfg.General))
		c := cluster.New(name, shards, split, cluster.NewLoadBalancer(strategy), resolvers)
		c.CrossShardOff = cc.EffectiveCrossShardDisabled(cfg.General)
		out[name] = c
	}
	return out
}

func buildShard(clusterName string, number int, sc config.ShardConfig, g config.General, m *metrics.Collector) *cluster.Shard {
	shard := &cluster.Shard{Number: number}
	shardLabel := strconv.Itoa(number)
	if sc.Primary != nil {
		shard.Primary = dialPool(*sc.Primary, g, false, clusterName, shardLabel, "primary", m)
	}
	shard.Replicas = make([]*pool.Pool, len(sc.Replicas))
	for i, rc := range sc.Replicas {
		shard.Replicas[i] = dialPool(rc, g, true, clusterName, shardLabel, "replica", m)
	}
	return shard
}

func dialPool(dc config.DatabaseConfig, g config.General, replica bool, clusterName, shardLabel, role string, m *metrics.Collector) *pool.Pool {
	addr := backend.Address{
		Host:     dc.Host,
		Port:     dc.Port,
		Database: dc.Database,
		User:     dc.User,
		Password: dc.Password,
	}
	poolCfg := pool.ConfigFromGeneral(addr, g, replica)
	poolCfg.ReadOnly = replica
	p := pool.New(poolCfg, auth.PasswordAuthenticator{})
	p.SetHealthObserver(func(d time.Duration, healthy bool) {
		m.HealthCheckCompleted(clusterName, shardLabel, role, d, healthy)
	})
	return p
}

func parsePoolMode(mode string) engine.PoolMode {
	if mode == "session" {
		return engine.ModeSession
	}
	return engine.ModeTransaction
}
