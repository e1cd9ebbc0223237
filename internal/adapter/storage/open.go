package storage

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"time"

	"github.com/go-sql-driver/mysql"
	"github.com/redis/go-redis/v9"

	"github.com/rl1809/profile-store/internal/port"
)

const (
	KindRedis  = "redis"
	KindMySQL  = "mysql"
	KindBadger = "badger"
)

// BackendConfig selects and addresses one profile backend.
type BackendConfig struct {
	Kind       string
	RedisAddr  string
	RedisPool  int
	MySQLDSN   string
	BadgerPath string
	// ReadOnly skips schema changes and opens badger without taking the
	// write lock.
	ReadOnly bool
	Logger   *slog.Logger
}

// Open connects the configured backend and returns it with its closer.
func Open(ctx context.Context, cfg BackendConfig) (port.RemoteStore, func() error, error) {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}

	switch cfg.Kind {
	case KindRedis:
		rdb := redis.NewClient(&redis.Options{
			Addr:     cfg.RedisAddr,
			PoolSize: cfg.RedisPool,
		})
		if err := rdb.Ping(ctx).Err(); err != nil {
			rdb.Close()
			return nil, nil, fmt.Errorf("connect redis: %w", err)
		}
		logger.Info("connected to redis", "addr", cfg.RedisAddr)
		return NewRedisAdapter(rdb), rdb.Close, nil

	case KindMySQL:
		dsn, err := mysql.ParseDSN(cfg.MySQLDSN)
		if err != nil {
			return nil, nil, fmt.Errorf("parse mysql dsn: %w", err)
		}
		db, err := sql.Open("mysql", dsn.FormatDSN())
		if err != nil {
			return nil, nil, fmt.Errorf("connect mysql: %w", err)
		}
		db.SetMaxOpenConns(50)
		db.SetMaxIdleConns(25)
		db.SetConnMaxLifetime(5 * time.Minute)
		if err := db.PingContext(ctx); err != nil {
			db.Close()
			return nil, nil, fmt.Errorf("ping mysql: %w", err)
		}
		adapter := NewMySQLAdapter(db)
		if !cfg.ReadOnly {
			if err := adapter.EnsureSchema(ctx); err != nil {
				db.Close()
				return nil, nil, err
			}
		}
		logger.Info("connected to mysql", "addr", dsn.Addr, "db", dsn.DBName)
		return adapter, db.Close, nil

	case KindBadger:
		db, err := OpenBadger(BadgerConfig{
			Path:       cfg.BadgerPath,
			SyncWrites: true,
			ReadOnly:   cfg.ReadOnly,
			Logger:     logger.With("component", "badger"),
		})
		if err != nil {
			return nil, nil, err
		}
		logger.Info("opened badger", "path", cfg.BadgerPath)
		return NewBadgerAdapter(db), db.Close, nil
	}
	return nil, nil, fmt.Errorf("unknown backend %q", cfg.Kind)
}
