// Package app wires configuration into the store, cache and identity
// service shared by the server and the admin CLI.
package app

import (
	"auth_api/internal/auth"
	"auth_api/internal/cache"
	"auth_api/internal/config"
	"auth_api/internal/health"
	"auth_api/internal/service"
	"auth_api/internal/storage"
	"context"
	"database/sql"
	"fmt"
	"log/slog"

	"github.com/redis/go-redis/v9"
)

type App struct {
	Store   storage.RecordStore
	DB      *sql.DB // nil for the memory driver
	Service service.Service
	Health  *health.Service

	redis *redis.Client
	log   *slog.Logger
}

// Build opens the configured store, connects the optional profile cache and
// constructs the identity service. Migrations run when db.auto_migrate is
// set and migrate is true.
func Build(ctx context.Context, cfg *config.Config, log *slog.Logger, migrate bool) (*App, error) {
	const op = "app.Build"

	a := &App{log: log}

	var checkers []health.Checker

	switch cfg.Storage.Driver {
	case config.DriverMemory:
		a.Store = storage.NewMemoryStore(storage.WithUnique(storage.UsersTable, "username", "email"))
		log.Warn("using in-memory storage, data is lost on exit")
	default:
		db, err := storage.OpenPostgres(ctx, cfg.DB.URL, storage.PoolConfig{
			MaxOpenConns:    cfg.DB.MaxOpenConns,
			MaxIdleConns:    cfg.DB.MaxIdleConns,
			ConnMaxLifetime: cfg.DB.ConnMaxLifetime,
		})
		if err != nil {
			return nil, fmt.Errorf("%s: %w", op, err)
		}
		a.DB = db

		if migrate && cfg.DB.AutoMigrate {
			if err := storage.Migrate(ctx, db); err != nil {
				a.Close()
				return nil, fmt.Errorf("%s: %w", op, err)
			}
			log.Info("migrations applied")
		}

		a.Store = storage.NewPostgresStore(db, cfg.DB.AcquireTimeout)
		checkers = append(checkers, health.NewPostgresChecker(db))
	}

	hasher, err := auth.NewHasher(cfg.Auth.BcryptCost)
	if err != nil {
		a.Close()
		return nil, fmt.Errorf("%s: %w", op, err)
	}

	tokens, err := auth.NewTokenService(cfg.Auth.JWTSecret)
	if err != nil {
		a.Close()
		return nil, fmt.Errorf("%s: %w", op, err)
	}

	var opts []service.Option
	if cfg.Cache.Enabled {
		a.redis = redis.NewClient(&redis.Options{
			Addr:     cfg.Cache.Addr,
			Password: cfg.Cache.Password,
			DB:       cfg.Cache.DB,
		})
		profiles := cache.NewProfileCache(a.redis, cfg.Cache.TTL, log)
		if err := profiles.Ping(ctx); err != nil {
			log.Warn("redis unreachable at start-up", slog.Any("error", err))
		}

		opts = append(opts, service.WithProfileCache(profiles))
		checkers = append(checkers, health.NewRedisChecker(profiles))
	}

	a.Service = service.NewService(a.Store, hasher, tokens, log, opts...)
	a.Health = health.NewService(checkers...)

	return a, nil
}

// Close releases the database pool and Redis client.
func (a *App) Close() {
	if a.redis != nil {
		if err := a.redis.Close(); err != nil {
			a.log.Error("failed to close redis", slog.Any("error", err))
		}
	}
	if a.DB != nil {
		if err := a.DB.Close(); err != nil {
			a.log.Error("failed to close database", slog.Any("error", err))
		}
	}
}
