package pool

import (
	"time"

	"github.com/pgdog-go/pgdog/internal/backend"
	"github.com/pgdog-go/pgdog/internal/config"
)

// Config holds one pool's tunables, generalized from the teacher's
// TenantPool fields and expanded with the full contract spec §4.1/§3
// names: config.General carries the process-wide defaults;
// Config is what one pool (one shard, one role) actually runs with.
type Config struct {
	Address backend.Address

	Min int
	Max int

	CheckoutTimeout     time.Duration
	ConnectTimeout      time.Duration
	ConnectAttempts     int
	ConnectAttemptDelay time.Duration

	IdleTimeout time.Duration
	MaxAge      time.Duration

	HealthcheckInterval     time.Duration
	HealthcheckTimeout      time.Duration
	IdleHealthcheckInterval time.Duration
	IdleHealthcheckDelay    time.Duration

	BanTimeout      time.Duration
	RollbackTimeout time.Duration

	Bannable bool
	ReadOnly bool
}

// ConfigFromGeneral builds a pool Config for addr using the cluster's
// general defaults, the same override-or-default pattern the teacher's
// TenantConfig.Effective* accessors use.
func ConfigFromGeneral(addr backend.Address, g config.General, bannable bool) Config {
	return Config{
		Address:                 addr,
		Min:                     g.MinPoolSize,
		Max:                     g.DefaultPoolSize,
		CheckoutTimeout:         g.CheckoutTimeout,
		ConnectTimeout:          g.ConnectTimeout,
		ConnectAttempts:         g.ConnectAttempts,
		ConnectAttemptDelay:     g.ConnectAttemptDelay,
		IdleTimeout:             g.IdleTimeout,
		MaxAge:                  g.MaxAge,
		HealthcheckInterval:     g.HealthcheckInterval,
		HealthcheckTimeout:      g.HealthcheckTimeout,
		IdleHealthcheckInterval: g.IdleHealthcheckInterval,
		IdleHealthcheckDelay:    g.IdleHealthcheckDelay,
		BanTimeout:              g.BanTimeout,
		RollbackTimeout:         g.RollbackTimeout,
		Bannable:                bannable,
	}
}
