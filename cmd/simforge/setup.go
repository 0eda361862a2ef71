package main

import (
	"context"

	"github.com/cockroachdb/errors"

	"github.com/seantiz/simforge/internal/cache"
	"github.com/seantiz/simforge/internal/engine"
	"github.com/seantiz/simforge/internal/storage"
)

// openCache opens the configured cache. It returns a nil cache when caching
// is disabled. The returned close function is never nil.
func openCache(ctx context.Context) (*cache.Cache, func(), error) {
	noop := func() {}
	if cfg.Cache.URL == "" {
		return nil, noop, nil
	}

	backend, err := storage.Open(ctx, cfg.Cache.URL, storage.Credentials{
		AccessKey:    cfg.S3.AccessKey,
		SecretKey:    cfg.S3.SecretKey,
		SessionToken: cfg.S3.SessionToken,
	})
	if err != nil {
		return nil, noop, errors.Wrapf(err, "open cache %s", cfg.Cache.URL)
	}

	opts := cache.Options{
		LockTimeout:    cfg.Cache.LockTimeout,
		LockStaleAfter: cfg.Cache.LockStaleAfter,
		Logger:         logger,
	}
	closeFn := noop
	if cfg.Cache.RedisURL != "" {
		locker, err := cache.OpenRedisLocker(ctx, cfg.Cache.RedisURL, logger)
		if err != nil {
			return nil, noop, errors.WithHint(err, "unset cache.redis_url to use file locks")
		}
		opts.Locker = locker
		closeFn = func() { locker.Close() }
	}

	c, err := cache.New(backend, opts)
	if err != nil {
		closeFn()
		return nil, noop, errors.Wrap(err, "create cache")
	}
	logger.Debug("cache opened", "location", c.Location(), "redis_locks", cfg.Cache.RedisURL != "")
	return c, closeFn, nil
}

// newScheduler builds a scheduler from the loaded configuration.
func newScheduler(c *cache.Cache, opts engine.Options) *engine.Scheduler {
	opts.Cache = c
	opts.Logger = logger
	return engine.New(engine.Config{
		MaxConcurrency: cfg.Engine.MaxConcurrency,
		Executable:     cfg.Engine.Executable,
		ExtraArgs:      cfg.Engine.Args,
		DefaultTimeout: cfg.Engine.DefaultTimeout,
		LaunchRate:     cfg.Engine.LaunchRate,
		JobMemory:      uint64(cfg.Engine.JobMemoryMB) << 20,
	}, opts)
}
