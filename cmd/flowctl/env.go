package main

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/go-redis/redis/v8"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/songzhibin97/approval-flow/cache"
	"github.com/songzhibin97/approval-flow/config"
	"github.com/songzhibin97/approval-flow/directory"
	"github.com/songzhibin97/approval-flow/events"
	"github.com/songzhibin97/approval-flow/lock"
	"github.com/songzhibin97/approval-flow/logging"
	"github.com/songzhibin97/approval-flow/metrics"
	"github.com/songzhibin97/approval-flow/mq"
	"github.com/songzhibin97/approval-flow/storage"
	"github.com/songzhibin97/approval-flow/tracing"
	"github.com/songzhibin97/approval-flow/workflow"
	"github.com/songzhibin97/gkit/generator"
	"go.uber.org/zap"
)

// env is an engine wired from a configuration together with the resources
// to release when the command ends.
type env struct {
	engine   *workflow.Engine
	logger   *zap.Logger
	registry *prometheus.Registry
	closers  []func(context.Context) error
}

func loadConfig(path string) (config.Config, error) {
	if path == "" {
		return config.Default(), nil
	}
	return config.Load(path)
}

// newEnv connects the backends named in cfg. Redis backs storage, locking and
// caching when an address is set, otherwise everything stays in memory.
func newEnv(ctx context.Context, cfg config.Config, dir directory.Directory) (_ *env, err error) {
	logger, err := logging.New(cfg.Log)
	if err != nil {
		return nil, err
	}
	e := &env{logger: logger, registry: prometheus.NewRegistry()}
	defer func() {
		if err != nil {
			e.Close(ctx)
		}
	}()

	if cfg.Tracing.Enabled {
		if err := tracing.Init("flowctl", cfg.Tracing.Output); err != nil {
			return nil, fmt.Errorf("init tracing: %w", err)
		}
		e.closers = append(e.closers, tracing.Shutdown)
	}

	collectors, err := metrics.New(e.registry)
	if err != nil {
		return nil, err
	}

	var (
		store  storage.Storage
		locker lock.Locker
		c      cache.Cache
	)
	if cfg.Redis.Addr != "" {
		client, err := storage.NewRedisClient(storage.RedisOptions{
			Addr:         cfg.Redis.Addr,
			Password:     cfg.Redis.Password,
			DB:           cfg.Redis.DB,
			PoolSize:     cfg.Redis.PoolSize,
			MinIdleConns: cfg.Redis.MinIdleConns,
			IdleTimeout:  cfg.Redis.IdleTimeout.Std(),
		})
		if err != nil {
			return nil, err
		}
		e.closers = append(e.closers, closeRedis(client))
		store = storage.NewRedisStorageWithClient(client)
		locker = lock.NewRedisLocker(client, cfg.Lock.Prefix, cfg.Lock.RetryInterval.Std())
		c = cache.NewRedisCache(client, cfg.Cache.Prefix)
		logger.Info("using redis", zap.String("addr", cfg.Redis.Addr))
	} else {
		store = storage.NewMemoryStorage()
		locker = lock.NewMemoryLocker(cfg.Lock.RetryInterval.Std())
		c = cache.NewMemoryCache()
	}

	if cfg.Postgres.DSN != "" {
		pool, err := storage.NewPool(ctx, cfg.Postgres.DSN)
		if err != nil {
			return nil, err
		}
		e.closers = append(e.closers, func(context.Context) error { pool.Close(); return nil })
		hs := storage.NewPostgresHistoryStore(pool)
		if err := hs.EnsureSchema(ctx); err != nil {
			return nil, err
		}
		store = storage.WithHistory(store, hs)
		logger.Info("history kept in postgres")
	}

	bus := events.NewEventBus(events.WithLogger(logger))
	if cfg.AMQP.URL != "" && cfg.AMQP.Exchange != "" {
		pub, conn, err := mq.Dial(cfg.AMQP.URL, cfg.AMQP.Exchange, logger)
		if err != nil {
			return nil, err
		}
		e.closers = append(e.closers, func(context.Context) error { return conn.Close() })
		pub.Attach(bus)
		logger.Info("forwarding flow events", zap.String("exchange", cfg.AMQP.Exchange))
	}

	options := []workflow.Option{
		workflow.WithConfig(cfg),
		workflow.WithLogger(logger),
		workflow.WithMetrics(collectors),
		workflow.WithEventBus(bus),
	}
	if cfg.Lock.Enabled {
		options = append(options, workflow.WithLocker(locker))
	}
	if cfg.Cache.Enabled {
		options = append(options, workflow.WithCache(c))
	}

	snowflake := generator.NewSnowflake(time.Now().Add(-1*time.Second), 1)
	e.engine, err = workflow.New(snowflake, store, dir, options...)
	if err != nil {
		return nil, err
	}
	e.closers = append(e.closers, e.engine.Stop)
	return e, nil
}

func closeRedis(client *redis.Client) func(context.Context) error {
	return func(context.Context) error { return client.Close() }
}

// Close releases resources in reverse order of acquisition.
func (e *env) Close(ctx context.Context) error {
	var errs []error
	for i := len(e.closers) - 1; i >= 0; i-- {
		if err := e.closers[i](ctx); err != nil {
			errs = append(errs, err)
		}
	}
	e.closers = nil
	_ = e.logger.Sync()
	return errors.Join(errs...)
}
