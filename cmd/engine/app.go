package main

import (
	"context"
	"fmt"
	"time"

	goredis "github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"

	"github.com/campusflow/attendance-engine/config"
	"github.com/campusflow/attendance-engine/internal/application/analytics"
	"github.com/campusflow/attendance-engine/internal/application/engine"
	"github.com/campusflow/attendance-engine/internal/application/evaluator"
	"github.com/campusflow/attendance-engine/internal/domain/attendance"
	"github.com/campusflow/attendance-engine/internal/domain/badge"
	"github.com/campusflow/attendance-engine/internal/domain/shared"
	"github.com/campusflow/attendance-engine/internal/infrastructure/eventlog"
	"github.com/campusflow/attendance-engine/internal/infrastructure/messaging"
	"github.com/campusflow/attendance-engine/internal/infrastructure/metrics"
	"github.com/campusflow/attendance-engine/internal/infrastructure/persistence/postgres"
	"github.com/campusflow/attendance-engine/internal/infrastructure/persistence/redis"
	"github.com/campusflow/attendance-engine/internal/infrastructure/persistence/sqlite"
)

// ══════════════════════════════════════════════════════════════════════════════
// STORE
// ══════════════════════════════════════════════════════════════════════════════

// eventStore is the student event log plus the write used by record-event.
type eventStore interface {
	badge.EventLog
	Record(ctx context.Context, studentID, eventName string, at time.Time) error
}

// store is the configured persistence backend.
type store struct {
	driver     string
	attendance attendance.Repository
	catalog    badge.Catalog
	ledger     badge.Ledger
	events     eventStore
	migrate    func(ctx context.Context) (int, error)
	rollback   func(ctx context.Context) (int, error) // nil when unsupported
	ping       func(ctx context.Context) error
	close      func()
}

func openStore(ctx context.Context, cfg config.DatabaseConfig, log zerolog.Logger) (*store, error) {
	switch cfg.Driver {
	case config.DriverPostgres:
		conn, err := postgres.Connect(ctx, cfg.URL, postgres.PoolOptions{
			MaxConns:        cfg.MaxConns,
			MinConns:        cfg.MinConns,
			MaxConnLifetime: cfg.ConnMaxLifetime,
			MaxConnIdleTime: cfg.ConnMaxIdleTime,
		})
		if err != nil {
			return nil, err
		}
		badges := postgres.NewBadgeRepository(conn, log)
		return &store{
			driver:     cfg.Driver,
			attendance: postgres.NewAttendanceRepository(conn),
			catalog:    badges,
			ledger:     badges,
			events:     postgres.NewEventRepository(conn),
			migrate:    postgres.NewMigrator(conn).Migrate,
			rollback:   postgres.NewMigrator(conn).Rollback,
			ping:       conn.Ping,
			close:      conn.Close,
		}, nil

	case config.DriverSQLite:
		db, err := sqlite.Open(ctx, cfg.SQLitePath)
		if err != nil {
			return nil, err
		}
		return &store{
			driver:     cfg.Driver,
			attendance: db.Attendance(),
			catalog:    db.Badges(),
			ledger:     db.Badges(),
			events:     db.Events(),
			migrate: func(ctx context.Context) (int, error) {
				return 0, db.Migrate(ctx)
			},
			ping:  db.Ping,
			close: func() { _ = db.Close() },
		}, nil
	}
	return nil, fmt.Errorf("unsupported database driver %q", cfg.Driver)
}

// ══════════════════════════════════════════════════════════════════════════════
// APPLICATION
// ══════════════════════════════════════════════════════════════════════════════

// app is the wired engine with the infrastructure it runs on.
type app struct {
	cfg      *config.Config
	log      zerolog.Logger
	store    *store
	redis    *goredis.Client
	cache    *redis.Cache
	eventLog *eventlog.Guarded
	bus      *messaging.EventBus
	metrics  *metrics.Recorder
	engine   *engine.Engine
}

// newApp opens the store and, when enabled, Redis, and wires the engine.
func newApp(ctx context.Context, cfg *config.Config, log zerolog.Logger) (*app, error) {
	st, err := openStore(ctx, cfg.Database, log)
	if err != nil {
		return nil, fmt.Errorf("open %s store: %w", cfg.Database.Driver, err)
	}
	a := &app{cfg: cfg, log: log, store: st, bus: messaging.NewEventBus(log)}

	if cfg.Database.AutoMigrate {
		if _, err := st.migrate(ctx); err != nil {
			a.Close()
			return nil, fmt.Errorf("migrate: %w", err)
		}
	}

	if cfg.Redis.Enabled {
		client, err := redis.Connect(ctx, redis.Config{
			Addr:         cfg.Redis.Addr,
			Password:     cfg.Redis.Password,
			DB:           cfg.Redis.DB,
			KeyPrefix:    cfg.Redis.KeyPrefix,
			PoolSize:     cfg.Redis.PoolSize,
			DialTimeout:  cfg.Redis.DialTimeout,
			ReadTimeout:  cfg.Redis.ReadTimeout,
			WriteTimeout: cfg.Redis.WriteTimeout,
		})
		if err != nil {
			a.Close()
			return nil, err
		}
		a.redis = client
		a.cache = redis.NewCache(client, cfg.Redis.KeyPrefix)
	}

	if cfg.Observability.MetricsEnabled {
		a.metrics = metrics.NewRecorder()
	}

	if err := a.bus.Subscribe(shared.EventBadgeAwarded, "log_awards", messaging.LogAwards(log)); err != nil {
		a.Close()
		return nil, err
	}
	if a.cache != nil {
		if err := a.bus.Forward("redis", redis.NewEventPublisher(a.cache)); err != nil {
			a.Close()
			return nil, err
		}
	}

	evalOpts := []evaluator.Option{evaluator.WithLogger(log)}
	if cfg.EventLog.Enabled {
		guardCfg := eventlog.Config{
			Timeout:          cfg.EventLog.Timeout,
			FailureThreshold: uint32(cfg.EventLog.FailureThreshold),
			OpenFor:          cfg.EventLog.OpenFor,
		}
		if a.metrics != nil {
			guardCfg.OnStateChange = a.metrics.BreakerStateChanged
		}
		a.eventLog = eventlog.New(st.events, guardCfg, log)
		evalOpts = append(evalOpts, evaluator.WithEventLog(a.eventLog))
	}

	eval := evaluator.New(
		analytics.NewAggregator(st.attendance),
		analytics.NewDetector(st.attendance, analytics.WithLocation(cfg.App.Location)),
		st.ledger,
		evalOpts...,
	)

	engOpts := []engine.Option{
		engine.WithLogger(log),
		engine.WithPublisher(a.bus),
		engine.WithConfig(engine.Config{
			BatchSize:         cfg.Engine.BatchSize,
			Concurrency:       cfg.Engine.Concurrency,
			StudentsPerSecond: cfg.Engine.StudentsPerSecond,
			StudentTimeout:    cfg.Engine.StudentTimeout,
		}),
	}
	if a.cache != nil {
		engOpts = append(engOpts, engine.WithStateCache(redis.NewBadgeStateCache(a.cache, cfg.Redis.StatesTTL)))
	}
	if a.metrics != nil {
		engOpts = append(engOpts, engine.WithMetrics(a.metrics))
	}
	a.engine = engine.New(st.attendance, st.catalog, st.ledger, eval, engOpts...)
	return a, nil
}

// queue returns the configured trigger queue.
func (a *app) queue() (messaging.Queue, error) {
	switch a.cfg.Queue.Backend {
	case config.QueueRedis:
		if a.redis == nil {
			return nil, fmt.Errorf("redis queue requires REDIS_ENABLED=true")
		}
		return messaging.NewRedisQueue(a.redis, a.cfg.Queue.Key, a.log), nil
	default:
		return messaging.NewInMemoryQueue(a.cfg.Queue.MemorySize), nil
	}
}

// Close releases every resource newApp opened.
func (a *app) Close() {
	_ = a.bus.Close()
	if a.redis != nil {
		_ = a.redis.Close()
	}
	a.store.close()
}
