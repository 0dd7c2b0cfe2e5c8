package main

import (
	"context"
	"fmt"
	"os"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/redis/go-redis/v9"
	"github.com/sirupsen/logrus"

	"github.com/iota-uz/taskflow/modules"
	"github.com/iota-uz/taskflow/pkg/application"
	"github.com/iota-uz/taskflow/pkg/configuration"
	"github.com/iota-uz/taskflow/pkg/outbox"
	"github.com/iota-uz/taskflow/pkg/outbox/memstore"
	"github.com/iota-uz/taskflow/pkg/outbox/pgstore"
	"github.com/iota-uz/taskflow/pkg/outbox/redislock"
)

// runtime is everything a command needs: backends, the pipeline and the
// application with all modules loaded.
type runtime struct {
	conf     *configuration.Configuration
	logger   *logrus.Logger
	pool     *pgxpool.Pool
	redis    *redis.Client
	pipeline *outbox.Pipeline
	app      application.Application
}

func newRuntime(ctx context.Context, conf *configuration.Configuration) (*runtime, error) {
	if err := conf.Outbox.Validate(); err != nil {
		return nil, withCode(exitUsage, err)
	}
	rt := &runtime{conf: conf, logger: conf.Logger()}
	if err := rt.init(ctx); err != nil {
		rt.Close()
		return nil, err
	}
	return rt, nil
}

func (rt *runtime) init(ctx context.Context) error {
	conf := rt.conf
	holder := lockHolder()

	var (
		store  outbox.Store
		ledger outbox.Ledger
		locker outbox.Locker
		mem    *memstore.DB
		err    error
	)
	switch conf.Outbox.StoreBackend {
	case configuration.BackendPostgres:
		if rt.pool, err = connectDB(ctx, conf); err != nil {
			return err
		}
		db := pgstore.New(rt.pool, nil)
		store, ledger = db.Store(), db.Ledger()
		if conf.Outbox.LockBackend == configuration.BackendPostgres {
			locker = db.Locker(holder)
		}
	case configuration.BackendMemory:
		mem = memstore.New(nil)
		store, ledger = mem.Store(), mem.Ledger()
	}

	if conf.Outbox.LockBackend == configuration.BackendRedis || conf.TasksRedisEnabled {
		if rt.redis, err = connectRedis(ctx, conf); err != nil {
			return err
		}
	}
	switch conf.Outbox.LockBackend {
	case configuration.BackendRedis:
		locker = redislock.New(rt.redis, "", holder)
	case configuration.BackendMemory:
		if mem == nil {
			mem = memstore.New(nil)
		}
		locker = mem.Locker(holder)
	}

	dispatchEvery, cleanupEvery := conf.Outbox.Intervals()
	rt.pipeline, err = outbox.NewPipeline(outbox.Config{
		Store:            store,
		Ledger:           ledger,
		Locker:           locker,
		Dispatcher:       conf.Outbox.Dispatcher(),
		Cleaner:          conf.Outbox.Cleaner(),
		Monitor:          conf.Outbox.Monitor(),
		Cleanup:          conf.Outbox.Cleanup(),
		DispatchInterval: dispatchEvery,
		CleanupInterval:  cleanupEvery,
		Logger:           rt.logger.WithField("holder", holder),
	})
	if err != nil {
		return withCode(exitUsage, err)
	}

	rt.app = application.New(&application.ApplicationOptions{
		Pool:     rt.pool,
		Pipeline: rt.pipeline,
		Logger:   rt.logger,
	})
	var tasksRedis *redis.Client
	if conf.TasksRedisEnabled {
		tasksRedis = rt.redis
	}
	return modules.Load(rt.app, modules.BuiltInModules(modules.Options{
		Redis:   tasksRedis,
		Cleanup: conf.Outbox.Cleanup(),
	})...)
}

func (rt *runtime) Close() {
	if rt.redis != nil {
		_ = rt.redis.Close()
	}
	if rt.pool != nil {
		rt.pool.Close()
	}
	rt.conf.Unload()
}

func connectDB(ctx context.Context, conf *configuration.Configuration) (*pgxpool.Pool, error) {
	ctx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()
	pool, err := pgxpool.New(ctx, conf.Database.ConnectionString())
	if err != nil {
		return nil, withCode(exitBackend, fmt.Errorf("db connect failed: %w", err))
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, withCode(exitBackend, fmt.Errorf("db ping failed: %w", err))
	}
	return pool, nil
}

func connectRedis(ctx context.Context, conf *configuration.Configuration) (*redis.Client, error) {
	opts, err := redis.ParseURL(conf.RedisURL)
	if err != nil {
		return nil, withCode(exitUsage, fmt.Errorf("invalid REDIS_URL: %w", err))
	}
	client := redis.NewClient(opts)
	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, withCode(exitBackend, fmt.Errorf("redis ping failed: %w", err))
	}
	return client, nil
}

// lockHolder names this process in lock rows so an operator can tell who
// holds a lease.
func lockHolder() string {
	host, err := os.Hostname()
	if err != nil || host == "" {
		host = "taskflow"
	}
	return fmt.Sprintf("%s-%d", host, os.Getpid())
}
