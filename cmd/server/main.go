// Package main - точка входа HTTP API сервиса прогрессии компаньонов.
//
// Процесс держит живые сессии пользователей в памяти, принимает шаги
// челленджей, начисляет опыт и эволюции компаньонов, пишет прогресс в
// хранилище (postgres, sqlite или память) и досылает неудавшиеся записи
// из outbox по расписанию.
//
// Архитектура следует принципам Clean Architecture и DDD:
// - Domain: каталог, трекер челленджей, калькулятор эволюции
// - Application: координатор шагов, запросы, сессии, обработчики событий
// - Infrastructure: хранилища, кеш, шина событий, outbox, планировщик
// - Interface: HTTP API (gin)
package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/pflag"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/trace/noop"

	"github.com/soulpet/companion-hub/config"
	"github.com/soulpet/companion-hub/internal/application/command"
	"github.com/soulpet/companion-hub/internal/application/eventhandler"
	"github.com/soulpet/companion-hub/internal/application/query"
	"github.com/soulpet/companion-hub/internal/application/session"
	"github.com/soulpet/companion-hub/internal/domain/challenge"
	"github.com/soulpet/companion-hub/internal/domain/evolution"
	"github.com/soulpet/companion-hub/internal/domain/shared"
	"github.com/soulpet/companion-hub/internal/infrastructure/catalog"
	"github.com/soulpet/companion-hub/internal/infrastructure/messaging"
	"github.com/soulpet/companion-hub/internal/infrastructure/outbox"
	"github.com/soulpet/companion-hub/internal/infrastructure/scheduler"
	"github.com/soulpet/companion-hub/internal/infrastructure/scheduler/jobs"
	httpserver "github.com/soulpet/companion-hub/internal/interface/http"
	"github.com/soulpet/companion-hub/internal/interface/http/handlers"
	"github.com/soulpet/companion-hub/pkg/logger"
	"github.com/soulpet/companion-hub/pkg/retry"
)

// ══════════════════════════════════════════════════════════════════════════════
// FLAGS
// ══════════════════════════════════════════════════════════════════════════════

type flags struct {
	configFile  string
	addr        string
	migrateOnly bool
	hashKey     string
}

func parseFlags(args []string) (flags, error) {
	var f flags
	fs := pflag.NewFlagSet("companion-hub", pflag.ContinueOnError)
	fs.StringVarP(&f.configFile, "config", "c", "", "YAML config file; set environment variables take precedence")
	fs.StringVar(&f.addr, "addr", "", "HTTP listen address (overrides HTTP_ADDR)")
	fs.BoolVar(&f.migrateOnly, "migrate-only", false, "apply store migrations and exit")
	fs.StringVar(&f.hashKey, "hash-key", "", "print the bcrypt hash of an API key for API_KEY_HASHES and exit")
	if err := fs.Parse(args); err != nil {
		return flags{}, err
	}
	return f, nil
}

// ══════════════════════════════════════════════════════════════════════════════
// MAIN
// ══════════════════════════════════════════════════════════════════════════════

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, os.Args[1:]); err != nil {
		fmt.Fprintf(os.Stderr, "fatal error: %v\n", err)
		os.Exit(1)
	}
}

func run(ctx context.Context, args []string) error {
	f, err := parseFlags(args)
	if err != nil {
		if errors.Is(err, pflag.ErrHelp) {
			return nil
		}
		return err
	}

	if f.hashKey != "" {
		hash, err := handlers.HashKey(f.hashKey)
		if err != nil {
			return fmt.Errorf("hash api key: %w", err)
		}
		fmt.Println(hash)
		return nil
	}

	// ─────────────────────────────────────────────────────────────────────────
	// 1. КОНФИГУРАЦИЯ
	// ─────────────────────────────────────────────────────────────────────────
	if f.configFile != "" {
		if err := os.Setenv("CONFIG_FILE", f.configFile); err != nil {
			return err
		}
	}
	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}
	if f.addr != "" {
		cfg.HTTP.Addr = f.addr
		if err := cfg.Finish(); err != nil {
			return fmt.Errorf("invalid config: %w", err)
		}
	}

	// ─────────────────────────────────────────────────────────────────────────
	// 2. ЛОГИРОВАНИЕ И ТРАССИРОВКА
	// ─────────────────────────────────────────────────────────────────────────
	log := logger.New(logger.Options{
		Output:      os.Stdout,
		Level:       logger.ParseLevel(cfg.Observability.LogLevel),
		Development: cfg.ConsoleLogs(),
		AddCaller:   true,
	})
	defer func() { _ = log.Sync() }()

	if !cfg.Observability.TracingEnabled {
		otel.SetTracerProvider(noop.NewTracerProvider())
	}

	log.Info("starting companion hub",
		logger.String("env", string(cfg.App.Environment)),
		logger.String("version", cfg.App.Version),
		logger.String("timezone", cfg.App.Location.String()),
		logger.String("driver", cfg.Database.Driver),
	)

	// ─────────────────────────────────────────────────────────────────────────
	// 3. ХРАНИЛИЩЕ ПРОГРЕССА
	// ─────────────────────────────────────────────────────────────────────────
	st, err := openStore(ctx, cfg, f.migrateOnly, log)
	if err != nil {
		return err
	}
	defer st.close()

	if f.migrateOnly {
		log.Info("migrations applied, exiting")
		return nil
	}

	// ─────────────────────────────────────────────────────────────────────────
	// 4. КАТАЛОГ И ДОМЕН
	// ─────────────────────────────────────────────────────────────────────────
	cat, err := loadCatalog(cfg.App.CatalogFile)
	if err != nil {
		return fmt.Errorf("failed to load catalog: %w", err)
	}
	calc, err := evolution.NewCalculator(cfg.Economy.Economy())
	if err != nil {
		return fmt.Errorf("invalid economy: %w", err)
	}
	keyer := challenge.NewPeriodKeyer(cfg.App.Location)
	tracker := challenge.NewTracker(cat.Challenges, keyer)
	clock := shared.SystemClock{}

	log.Info("catalog loaded",
		logger.Int("challenges", cat.Challenges.Len()),
		logger.Int("companions", len(cat.Companions.All())),
	)

	// ─────────────────────────────────────────────────────────────────────────
	// 5. OUTBOX И СЕССИИ
	// ─────────────────────────────────────────────────────────────────────────
	box := outbox.New(outbox.Config{
		Companions: st.repo,
		Challenges: st.repo,
		Retrier: retry.New(
			retry.WithMaxAttempts(cfg.Outbox.MaxAttempts),
			retry.WithInitialDelay(cfg.Outbox.RetryDelay),
			retry.WithMaxDelay(cfg.Outbox.MaxRetryDelay),
			retry.WithRetryIf(shared.IsRetryable),
		),
		Clock:  clock,
		Logger: log,
	})

	sessions := session.NewRegistry(session.RegistryConfig{
		Companions: st.repo,
		Challenges: st.repo,
		Keyer:      keyer,
		Calculator: calc,
		Pending:    box,
		Clock:      clock,
		Logger:     log,
	})

	// ─────────────────────────────────────────────────────────────────────────
	// 6. ШИНА СОБЫТИЙ
	// ─────────────────────────────────────────────────────────────────────────
	bus, err := openEventBus(cfg, st.cache, log)
	if err != nil {
		return err
	}
	defer func() {
		log.Info("closing event bus...")
		_ = bus.Close()
	}()

	failures := eventhandler.NewOnPersistenceFailedHandler(log)
	dispatcher := messaging.NewDispatcher(messaging.DispatcherConfig{
		EventBus:            bus,
		DeadLetterQueueSize: cfg.Events.DeadLetterSize,
		Logger:              log,
	})
	dispatcher.Use(messaging.RecoveryMiddleware(log))
	dispatcher.Use(messaging.LoggingMiddleware(log))
	if err := dispatcher.Register(shared.EventCompanionEvolved, "deliver_evolution",
		eventhandler.NewOnCompanionEvolvedHandler(sessions, log).Handle); err != nil {
		return fmt.Errorf("register handler: %w", err)
	}
	if err := dispatcher.Register(shared.EventPersistenceFailed, "count_sync_failures", failures.Handle); err != nil {
		return fmt.Errorf("register handler: %w", err)
	}
	if err := dispatcher.Start(); err != nil {
		return fmt.Errorf("start dispatcher: %w", err)
	}
	defer dispatcher.Stop()

	// ─────────────────────────────────────────────────────────────────────────
	// 7. USE CASES
	// ─────────────────────────────────────────────────────────────────────────
	coordinator := command.NewProgressionCoordinator(command.ProgressionCoordinatorConfig{
		Tracker:        tracker,
		Calculator:     calc,
		Companions:     st.repo,
		Challenges:     st.repo,
		WriteBehind:    box,
		EventPublisher: bus,
		Clock:          clock,
		Logger:         log,
	})
	progression := query.NewProgressionQueries(tracker, calc, cat.Companions, clock)
	catalogQueries := query.NewCatalogQueries(cat.Challenges, cat.Companions)

	// ─────────────────────────────────────────────────────────────────────────
	// 8. ПЛАНИРОВЩИК
	// ─────────────────────────────────────────────────────────────────────────
	var sched *scheduler.Scheduler
	if cfg.Scheduler.Enabled {
		sched, err = setupScheduler(cfg, box, sessions, keyer, clock, log)
		if err != nil {
			return err
		}
		if err := sched.Start(ctx); err != nil {
			return fmt.Errorf("start scheduler: %w", err)
		}
	}

	// ─────────────────────────────────────────────────────────────────────────
	// 9. HTTP СЕРВЕР
	// ─────────────────────────────────────────────────────────────────────────
	health := handlers.NewCompositeHealthChecker(cfg.App.Version)
	health.AddCheck("store", handlers.NewPingCheck(st))
	if st.cache != nil {
		health.AddReadinessCheck("redis", handlers.NewPingCheck(st.cache))
	}
	health.AddReadinessCheck("outbox", handlers.NewBacklogCheck(box, outboxBacklogLimit))
	health.AddReadinessCheck("remote_store", handlers.NewBreakerCheck(box.Breaker))
	if sched != nil {
		health.AddReadinessCheck("flush_outbox", func(context.Context) error {
			return sched.Failing("flush_outbox", flushFailureLimit)
		})
	}
	health.AddReadinessCheck("sync", handlers.NewFreshnessCheck(func() (time.Time, string) {
		snap := failures.Snapshot()
		return snap.LastAt, snap.LastError
	}, cfg.Outbox.FlushInterval))

	serverCfg := httpserver.Config{
		Addr:            cfg.HTTP.Addr,
		ReadTimeout:     cfg.HTTP.ReadTimeout,
		WriteTimeout:    cfg.HTTP.WriteTimeout,
		IdleTimeout:     cfg.HTTP.IdleTimeout,
		RequestTimeout:  cfg.HTTP.RequestTimeout,
		StreamHeartbeat: cfg.HTTP.StreamHeartbeat,
		AllowedOrigins:  cfg.HTTP.CORSOrigins,
		APIKeyHashes:    cfg.HTTP.APIKeyHashes,
		StepRate:        cfg.HTTP.StepRate,
		StepBurst:       cfg.HTTP.StepBurst,
		Version:         cfg.App.Version,
	}
	server, err := httpserver.NewServer(serverCfg, httpserver.Dependencies{
		Sessions:      sessions,
		Coordinator:   coordinator,
		Progression:   progression,
		Catalog:       catalogQueries,
		Features:      cfg.Features,
		HealthChecker: health,
		Logger:        log,
	})
	if err != nil {
		return fmt.Errorf("failed to create http server: %w", err)
	}

	serverErr := make(chan error, 1)
	go func() {
		if err := server.Start(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serverErr <- err
		}
		close(serverErr)
	}()

	log.Info("companion hub is running", logger.String("addr", cfg.HTTP.Addr))

	// ─────────────────────────────────────────────────────────────────────────
	// 10. GRACEFUL SHUTDOWN
	// ─────────────────────────────────────────────────────────────────────────
	select {
	case <-ctx.Done():
		log.Info("received shutdown signal")
	case err := <-serverErr:
		if err != nil {
			log.Error("http server failed", logger.Err(err))
		}
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.App.ShutdownTimeout)
	defer cancel()

	log.Info("starting graceful shutdown...", logger.Duration("timeout", cfg.App.ShutdownTimeout))

	if err := server.Shutdown(shutdownCtx); err != nil {
		log.Warn("http shutdown", logger.Err(err))
	}
	if sched != nil {
		if err := sched.Stop(); err != nil {
			log.Warn("scheduler stop", logger.Err(err))
		}
	}

	// Last chance for queued writes.
	if n := box.Len(); n > 0 {
		res, err := box.Flush(shutdownCtx)
		log.Info("final outbox flush",
			logger.Int("queued", n),
			logger.Int("written", res.Succeeded),
			logger.Int("remaining", box.Len()),
			logger.Err(err),
		)
	}

	log.Info("shutdown completed successfully")
	return nil
}

// outboxBacklogLimit marks the instance not ready when this many writes are queued.
const outboxBacklogLimit = 1000

// flushFailureLimit marks the instance not ready after this many failed
// flush passes in a row.
const flushFailureLimit = 3

// loadCatalog returns the embedded catalog unless a file is configured.
func loadCatalog(path string) (*catalog.Catalog, error) {
	if path == "" {
		return catalog.LoadEmbedded()
	}
	return catalog.LoadFile(path)
}

func setupScheduler(
	cfg *config.Config,
	box *outbox.Outbox,
	sessions *session.Registry,
	keyer challenge.PeriodKeyer,
	clock shared.Clock,
	log *logger.Logger,
) (*scheduler.Scheduler, error) {
	sched := scheduler.NewScheduler(scheduler.Config{
		Logger:   log,
		Location: cfg.App.Location,
		Tick:     cfg.Scheduler.TickInterval,
	})

	prune, err := scheduler.ParseCron(cfg.Scheduler.PruneCron)
	if err != nil {
		return nil, fmt.Errorf("invalid SCHEDULER_PRUNE_CRON: %w", err)
	}

	registrations := []struct {
		job      scheduler.Job
		schedule scheduler.Schedule
	}{
		{jobs.NewFlushOutboxJob(box, cfg.Outbox.FlushTimeout, log), scheduler.Every(cfg.Outbox.FlushInterval)},
		{jobs.NewEvictIdleSessionsJob(sessions, cfg.Scheduler.SessionIdleTTL, log), scheduler.Every(cfg.Scheduler.EvictInterval)},
		{jobs.NewPruneClosedPeriodsJob(sessions, keyer, clock, log), prune.In(cfg.App.Location)},
	}
	for _, r := range registrations {
		if err := sched.Register(r.job, r.schedule); err != nil {
			return nil, fmt.Errorf("register job %s: %w", r.job.Name(), err)
		}
	}
	return sched, nil
}
