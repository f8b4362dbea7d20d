// Package metrics exposes a Prometheus Collector for the proxy,
// relabeled from the teacher's tenant/db_type axes to the cluster,
// shard, and role (primary/replica) axes this proxy actually routes
// on. No HTTP endpoint is served from this package — spec places the
// metrics surface itself out of scope; the Collector and its registry
// are ambient and driven by cmd/pgdog, which feeds it pool stats and
// wires internal/pool's healthcheck observer to it.
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/pgdog-go/pgdog/internal/pool"
)

// Collector holds every Prometheus metric the proxy records.
type Collector struct {
	Registry *prometheus.Registry

	connectionsActive  *prometheus.GaugeVec
	connectionsIdle    *prometheus.GaugeVec
	connectionsTotal   *prometheus.GaugeVec
	connectionsWaiting *prometheus.GaugeVec
	poolBanned         *prometheus.GaugeVec
	poolPaused         *prometheus.GaugeVec
	poolExhaustedTotal *prometheus.GaugeVec

	healthCheckDuration *prometheus.HistogramVec

	reloadsTotal *prometheus.CounterVec
}

// New creates and registers every metric against a fresh registry.
// Safe to call more than once — each call owns an independent
// registry, mirroring the teacher's same guarantee.
func New() *Collector {
	reg := prometheus.NewRegistry()

	labels := []string{"cluster", "shard", "role"}
	c := &Collector{
		Registry: reg,
		connectionsActive: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "pgdog_pool_connections_active",
				Help: "Checked-out connections per cluster/shard/role pool",
			},
			labels,
		),
		connectionsIdle: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "pgdog_pool_connections_idle",
				Help: "Idle connections per cluster/shard/role pool",
			},
			labels,
		),
		connectionsTotal: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "pgdog_pool_connections_total",
				Help: "Total connections per cluster/shard/role pool",
			},
			labels,
		),
		connectionsWaiting: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "pgdog_pool_connections_waiting",
				Help: "Goroutines waiting for a connection per cluster/shard/role pool",
			},
			labels,
		),
		poolBanned: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "pgdog_pool_banned",
				Help: "1 if the pool is currently banned, 0 otherwise",
			},
			labels,
		),
		poolPaused: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "pgdog_pool_paused",
				Help: "1 if the pool is currently paused, 0 otherwise",
			},
			labels,
		),
		poolExhaustedTotal: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "pgdog_pool_exhausted_total",
				Help: "Cumulative number of checkouts that had to wait for a connection",
			},
			labels,
		),
		healthCheckDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "pgdog_healthcheck_duration_seconds",
				Help:    "Duration of idle-connection healthcheck probes",
				Buckets: prometheus.ExponentialBuckets(0.0005, 2, 12),
			},
			[]string{"cluster", "shard", "role", "status"},
		),
		reloadsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "pgdog_config_reloads_total",
				Help: "Configuration reloads by outcome (success/error)",
			},
			[]string{"outcome"},
		),
	}

	reg.MustRegister(
		c.connectionsActive,
		c.connectionsIdle,
		c.connectionsTotal,
		c.connectionsWaiting,
		c.poolBanned,
		c.poolPaused,
		c.poolExhaustedTotal,
		c.healthCheckDuration,
		c.reloadsTotal,
	)

	return c
}

// UpdatePoolStats sets every gauge for one (cluster, shard, role) pool
// from its current Stats snapshot — the relabeled counterpart of the
// teacher's UpdatePoolStats(tenant, dbType, ...), fed the same way: a
// periodic stats-collection loop (cmd/pgdog's statsLoop) rather than a
// per-query call.
func (c *Collector) UpdatePoolStats(cluster, shard, role string, s pool.Stats) {
	c.connectionsActive.WithLabelValues(cluster, shard, role).Set(float64(s.CheckedOut))
	c.connectionsIdle.WithLabelValues(cluster, shard, role).Set(float64(s.Idle))
	c.connectionsTotal.WithLabelValues(cluster, shard, role).Set(float64(s.Total))
	c.connectionsWaiting.WithLabelValues(cluster, shard, role).Set(float64(s.Waiting))
	c.poolExhaustedTotal.WithLabelValues(cluster, shard, role).Set(float64(s.Exhausted))
	c.poolPaused.WithLabelValues(cluster, shard, role).Set(boolValue(s.Paused))
	c.poolBanned.WithLabelValues(cluster, shard, role).Set(boolValue(s.Banned))
}

func boolValue(b bool) float64 {
	if b {
		return 1
	}
	return 0
}

// HealthCheckCompleted records a healthcheck probe's duration and
// outcome for one pool.
func (c *Collector) HealthCheckCompleted(cluster, shard, role string, d time.Duration, healthy bool) {
	status := "healthy"
	if !healthy {
		status = "unhealthy"
	}
	c.healthCheckDuration.WithLabelValues(cluster, shard, role, status).Observe(d.Seconds())
}

// ReloadCompleted records a configuration reload's outcome.
func (c *Collector) ReloadCompleted(success bool) {
	outcome := "success"
	if !success {
		outcome = "error"
	}
	c.reloadsTotal.WithLabelValues(outcome).Inc()
}

// RemoveCluster deletes every series labeled with cluster — called when
// a configuration reload drops a previously-registered database, so a
// removed cluster's gauges don't linger at their last-observed value.
func (c *Collector) RemoveCluster(cluster string) {
	c.connectionsActive.DeletePartialMatch(prometheus.Labels{"cluster": cluster})
	c.connectionsIdle.DeletePartialMatch(prometheus.Labels{"cluster": cluster})
	c.connectionsTotal.DeletePartialMatch(prometheus.Labels{"cluster": cluster})
	c.connectionsWaiting.DeletePartialMatch(prometheus.Labels{"cluster": cluster})
	c.poolBanned.DeletePartialMatch(prometheus.Labels{"cluster": cluster})
	c.poolPaused.DeletePartialMatch(prometheus.Labels{"cluster": cluster})
	c.poolExhaustedTotal.DeletePartialMatch(prometheus.Labels{"cluster": cluster})
	c.healthCheckDuration.DeletePartialMatch(prometheus.Labels{"cluster": cluster})
}
