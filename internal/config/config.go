// Package config loads the profile store settings from the environment.
package config

import (
	"fmt"
	"log/slog"
	"time"

	"github.com/caarlos0/env/v11"

	"github.com/rl1809/profile-store/internal/adapter/storage"
	"github.com/rl1809/profile-store/internal/core/guard"
	"github.com/rl1809/profile-store/internal/core/retry"
	"github.com/rl1809/profile-store/internal/core/sanitize"
	"github.com/rl1809/profile-store/internal/core/service"
)

const (
	BackendRedis  = storage.KindRedis
	BackendMySQL  = storage.KindMySQL
	BackendBadger = storage.KindBadger
)

type Config struct {
	Backend    string `env:"PROFILE_STORE_BACKEND" envDefault:"redis"`
	RedisAddr  string `env:"PROFILE_STORE_REDIS_ADDR" envDefault:"localhost:6379"`
	RedisPool  int    `env:"PROFILE_STORE_REDIS_POOL_SIZE" envDefault:"100"`
	MySQLDSN   string `env:"PROFILE_STORE_MYSQL_DSN" envDefault:"root:root@tcp(localhost:3306)/profiles?parseTime=true"`
	BadgerPath string `env:"PROFILE_STORE_BADGER_PATH" envDefault:"data/profiles"`
	AuditPath  string `env:"PROFILE_STORE_AUDIT_DB" envDefault:"data/audit.db"`

	HTTPAddr string `env:"PROFILE_STORE_HTTP_ADDR" envDefault:":8080"`
	GRPCAddr string `env:"PROFILE_STORE_GRPC_ADDR" envDefault:":50051"`
	LogLevel string `env:"PROFILE_STORE_LOG_LEVEL" envDefault:"info"`

	Debounce       time.Duration `env:"PROFILE_STORE_DEBOUNCE" envDefault:"2s"`
	MaxDebounce    time.Duration `env:"PROFILE_STORE_MAX_DEBOUNCE" envDefault:"10s"`
	SweepInterval  time.Duration `env:"PROFILE_STORE_SWEEP_INTERVAL" envDefault:"5s"`
	PeriodicFlush  time.Duration `env:"PROFILE_STORE_PERIODIC_FLUSH" envDefault:"60s"`
	DedupeWindow   time.Duration `env:"PROFILE_STORE_DEDUPE_WINDOW" envDefault:"2s"`
	ThrottleWindow time.Duration `env:"PROFILE_STORE_THROTTLE_WINDOW" envDefault:"1m"`
	ThrottleLimit  int           `env:"PROFILE_STORE_THROTTLE_LIMIT" envDefault:"6"`
	WriteTimeout   time.Duration `env:"PROFILE_STORE_WRITE_TIMEOUT" envDefault:"30s"`
	LoadTimeout    time.Duration `env:"PROFILE_STORE_LOAD_TIMEOUT" envDefault:"10s"`

	WriteAttempts int           `env:"PROFILE_STORE_WRITE_ATTEMPTS" envDefault:"5"`
	RetryBase     time.Duration `env:"PROFILE_STORE_RETRY_BASE" envDefault:"200ms"`
	RetryMax      time.Duration `env:"PROFILE_STORE_RETRY_MAX" envDefault:"5s"`
	RetryJitter   float64       `env:"PROFILE_STORE_RETRY_JITTER" envDefault:"0.5"`
	SettleDelay   time.Duration `env:"PROFILE_STORE_SETTLE_DELAY" envDefault:"100ms"`

	ForceSaveTimeout   time.Duration `env:"PROFILE_STORE_FORCE_SAVE_TIMEOUT" envDefault:"15s"`
	InFlightWait       time.Duration `env:"PROFILE_STORE_INFLIGHT_WAIT" envDefault:"3s"`
	FlushTimeout       time.Duration `env:"PROFILE_STORE_FLUSH_TIMEOUT" envDefault:"10s"`
	SessionEndFailFast bool          `env:"PROFILE_STORE_SESSION_END_FAIL_FAST" envDefault:"true"`
	ShutdownDeadline   time.Duration `env:"PROFILE_STORE_SHUTDOWN_DEADLINE" envDefault:"20s"`

	MinBalanceRatio float64 `env:"PROFILE_STORE_GUARD_MIN_BALANCE_RATIO" envDefault:"0.1"`
	OverrideToken   string  `env:"PROFILE_STORE_GUARD_OVERRIDE_TOKEN" envDefault:"[override]"`

	SanitizeMaxDepth int `env:"PROFILE_STORE_SANITIZE_MAX_DEPTH" envDefault:"32"`
	SanitizeMaxNodes int `env:"PROFILE_STORE_SANITIZE_MAX_NODES" envDefault:"50000"`
}

// Load parses Config from the environment and validates it.
func Load() (Config, error) {
	var cfg Config
	if err := env.Parse(&cfg); err != nil {
		return Config{}, fmt.Errorf("parse env: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func (c Config) Validate() error {
	switch c.Backend {
	case BackendRedis, BackendMySQL, BackendBadger:
	default:
		return fmt.Errorf("unknown backend %q", c.Backend)
	}
	if c.WriteAttempts < 1 {
		return fmt.Errorf("write attempts must be at least 1, got %d", c.WriteAttempts)
	}
	if c.MinBalanceRatio < 0 || c.MinBalanceRatio > 1 {
		return fmt.Errorf("guard min balance ratio must be within [0, 1], got %v", c.MinBalanceRatio)
	}
	if c.MaxDebounce < c.Debounce {
		return fmt.Errorf("max debounce %s is shorter than debounce %s", c.MaxDebounce, c.Debounce)
	}
	if c.ShutdownDeadline <= 0 {
		return fmt.Errorf("shutdown deadline must be positive")
	}
	return nil
}

// ServiceOptions converts the config into the options the profile service takes.
func (c Config) ServiceOptions() service.Options {
	opts := service.DefaultOptions()

	opts.Cache.Debounce = c.Debounce
	opts.Cache.MaxDebounce = c.MaxDebounce
	opts.Cache.SweepInterval = c.SweepInterval
	opts.Cache.PeriodicFlush = c.PeriodicFlush
	opts.Cache.DedupeWindow = c.DedupeWindow
	opts.Cache.ThrottleWindow = c.ThrottleWindow
	opts.Cache.ThrottleLimit = c.ThrottleLimit
	opts.Cache.WriteTimeout = c.WriteTimeout
	opts.Cache.LoadTimeout = c.LoadTimeout

	opts.Writer.Retry = retry.Policy{
		Attempts:  c.WriteAttempts,
		BaseDelay: c.RetryBase,
		MaxDelay:  c.RetryMax,
		Jitter:    c.RetryJitter,
	}
	opts.Writer.SettleDelay = c.SettleDelay

	opts.Flush.InFlightWait = c.InFlightWait
	opts.Flush.FlushTimeout = c.FlushTimeout
	opts.Flush.SessionEndFailFast = c.SessionEndFailFast

	opts.Guard = guard.Thresholds{MinBalanceRatio: c.MinBalanceRatio, OverrideToken: c.OverrideToken}
	opts.Sanitize = sanitize.Limits{
		MaxDepth:     c.SanitizeMaxDepth,
		MaxNodes:     c.SanitizeMaxNodes,
		MaxStringLen: sanitize.DefaultMaxStringLen,
	}
	opts.ForceSaveTimeout = c.ForceSaveTimeout
	return opts
}

func (c Config) BackendConfig(logger *slog.Logger) storage.BackendConfig {
	return storage.BackendConfig{
		Kind:       c.Backend,
		RedisAddr:  c.RedisAddr,
		RedisPool:  c.RedisPool,
		MySQLDSN:   c.MySQLDSN,
		BadgerPath: c.BadgerPath,
		Logger:     logger,
	}
}
