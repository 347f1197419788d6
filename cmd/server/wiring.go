package main

import (
	"context"
	"fmt"

	"github.com/soulpet/companion-hub/config"
	"github.com/soulpet/companion-hub/internal/domain/shared"
	"github.com/soulpet/companion-hub/internal/infrastructure/messaging"
	"github.com/soulpet/companion-hub/internal/infrastructure/persistence/memstore"
	"github.com/soulpet/companion-hub/internal/infrastructure/persistence/postgres"
	rediscache "github.com/soulpet/companion-hub/internal/infrastructure/persistence/redis"
	"github.com/soulpet/companion-hub/internal/infrastructure/persistence/sqlite"
	"github.com/soulpet/companion-hub/pkg/logger"
)

// ══════════════════════════════════════════════════════════════════════════════
// PROGRESS STORE
// ══════════════════════════════════════════════════════════════════════════════

// progressStore is the opened backend plus its optional cache.
type progressStore struct {
	repo  rediscache.ProgressStore
	cache *rediscache.Cache
	ping  func(ctx context.Context) error

	closers []func()
}

// Ping reports whether the authoritative store is reachable.
func (s *progressStore) Ping(ctx context.Context) error {
	if s.ping == nil {
		return nil
	}
	return s.ping(ctx)
}

func (s *progressStore) close() {
	for i := len(s.closers) - 1; i >= 0; i-- {
		s.closers[i]()
	}
}

// openStore opens the configured backend, applies migrations (always when
// migrate is set) and puts the Redis cache in front of it when enabled.
// A Redis outage at startup only disables caching.
func openStore(ctx context.Context, cfg *config.Config, migrate bool, log *logger.Logger) (*progressStore, error) {
	st := &progressStore{}

	switch cfg.Database.Driver {
	case config.DriverMemory:
		log.Warn("using in-memory progress store, progress is lost on restart")
		st.repo = memstore.New()

	case config.DriverSQLite:
		log.Info("opening sqlite store...", logger.String("path", cfg.Database.SQLitePath))
		db, err := sqlite.Open(cfg.Database.SQLitePath)
		if err != nil {
			return nil, fmt.Errorf("failed to open sqlite store: %w", err)
		}
		st.repo = db
		st.ping = db.Ping
		st.closers = append(st.closers, func() {
			log.Info("closing sqlite store...")
			_ = db.Close()
		})

	case config.DriverPostgres:
		log.Info("connecting to database...")
		conn, err := postgres.Connect(ctx, cfg.Database.URL, postgres.PoolSettings{
			MaxConns:         cfg.Database.MaxConns,
			MinConns:         cfg.Database.MinConns,
			MaxConnLifetime:  cfg.Database.ConnMaxLifetime,
			MaxConnIdleTime:  cfg.Database.ConnMaxIdleTime,
			StatementTimeout: cfg.Database.QueryTimeout,
		})
		if err != nil {
			return nil, fmt.Errorf("failed to connect to database: %w", err)
		}
		st.closers = append(st.closers, func() {
			log.Info("closing database connection...")
			conn.Close()
		})
		log.Info("database connection established")

		if cfg.Database.AutoMigrate || migrate {
			log.Info("running database migrations...")
			if err := postgres.NewMigrator(conn).Migrate(ctx); err != nil {
				st.close()
				return nil, fmt.Errorf("failed to run migrations: %w", err)
			}
		}
		st.repo = postgres.NewProgressRepository(conn)
		st.ping = conn.Ping

	default:
		return nil, fmt.Errorf("unsupported DATABASE_DRIVER %q", cfg.Database.Driver)
	}

	if !cfg.Redis.Enabled {
		return st, nil
	}

	log.Info("connecting to Redis...", logger.String("addr", cfg.Redis.Addr))
	cache, err := rediscache.NewCache(rediscache.Config{
		Addr:         cfg.Redis.Addr,
		Password:     cfg.Redis.Password,
		DB:           cfg.Redis.DB,
		PoolSize:     cfg.Redis.PoolSize,
		DialTimeout:  cfg.Redis.DialTimeout,
		ReadTimeout:  cfg.Redis.ReadTimeout,
		WriteTimeout: cfg.Redis.WriteTimeout,
	})
	if err != nil {
		log.Warn("failed to connect to Redis, caching disabled", logger.Err(err))
		return st, nil
	}
	st.cache = cache
	st.closers = append(st.closers, func() { _ = cache.Close() })
	st.repo = rediscache.NewCachedProgressRepository(st.repo, cache, cfg.Redis.CacheTTL, log)
	log.Info("Redis connection established")

	return st, nil
}

// ══════════════════════════════════════════════════════════════════════════════
// EVENT BUS
// ══════════════════════════════════════════════════════════════════════════════

type eventBus interface {
	shared.EventBus
	Close() error
}

// openEventBus returns the Redis-backed bus when cross-instance delivery is
// configured and Redis is up, the in-memory bus otherwise.
func openEventBus(cfg *config.Config, cache *rediscache.Cache, log *logger.Logger) (eventBus, error) {
	local := messaging.InMemoryEventBusConfig{
		AsyncMode:      cfg.Events.Async,
		WorkerPoolSize: cfg.Events.Workers,
		Logger:         log,
		EnableMetrics:  true,
	}

	if !cfg.Redis.EventBus {
		return messaging.NewInMemoryEventBus(local), nil
	}
	if cache == nil {
		log.Warn("REDIS_EVENT_BUS is set but Redis is unavailable, using in-memory bus")
		return messaging.NewInMemoryEventBus(local), nil
	}

	bus, err := messaging.NewRedisEventBus(messaging.RedisEventBusConfig{
		Transport:      messaging.NewCacheTransport(cache),
		LocalBusConfig: local,
		Logger:         log,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to start redis event bus: %w", err)
	}
	log.Info("evolution events fan out over Redis")
	return bus, nil
}
