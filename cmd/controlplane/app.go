package main

import (
	"context"
	"database/sql"
	"io"
	"log/slog"
	"os"
	"time"

	"github.com/goliatone/go-errors"
	"github.com/nats-io/nats.go"
	"github.com/redis/go-redis/v9"
	"go.opentelemetry.io/otel"

	"github.com/goliatone/go-controlplane/audit"
	"github.com/goliatone/go-controlplane/command"
	"github.com/goliatone/go-controlplane/config"
	"github.com/goliatone/go-controlplane/dispatcher"
	"github.com/goliatone/go-controlplane/handlers"
	"github.com/goliatone/go-controlplane/lock"
	"github.com/goliatone/go-controlplane/metrics"
	"github.com/goliatone/go-controlplane/orchestration"
	"github.com/goliatone/go-controlplane/provider"
	"github.com/goliatone/go-controlplane/provider/broadcast"
	"github.com/goliatone/go-controlplane/provider/providertest"
	"github.com/goliatone/go-controlplane/queue"
	"github.com/goliatone/go-controlplane/runner"
	"github.com/goliatone/go-controlplane/schedule"
	"github.com/goliatone/go-controlplane/store"
)

// app is the wired control plane.
type app struct {
	cfg        *config.Config
	logger     command.Logger
	metrics    *metrics.Collector
	docs       store.Store
	repos      *handlers.Repositories
	locks      *lock.Manager
	engine     *orchestration.Engine
	dispatcher *dispatcher.Dispatcher
	queue      queue.Queue
	consumer   queue.Consumer
	trigger    *schedule.Trigger
	hub        *broadcast.Hub

	closers []func() error
}

func newLogger(cfg config.LogConfig, out io.Writer) command.Logger {
	level := slog.LevelInfo
	switch cfg.Level {
	case "trace":
		level = slog.LevelDebug - 4
	case "debug":
		level = slog.LevelDebug
	case "warn":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	}
	opts := &slog.HandlerOptions{Level: level}
	if cfg.Format == "text" {
		return command.NewSlogLogger(slog.New(slog.NewTextHandler(out, opts)))
	}
	return command.NewSlogLogger(slog.New(slog.NewJSONHandler(out, opts)))
}

func openDB(cfg config.StoreConfig) (*sql.DB, error) {
	db, err := store.OpenSQLite(cfg.DSN)
	if err != nil {
		return nil, errors.Wrap(err, errors.CategoryExternal, "open sqlite "+cfg.DSN)
	}
	return db, nil
}

// build wires every component from cfg. Nothing runs until serve starts it.
func build(ctx context.Context, cfg *config.Config) (a *app, err error) {
	a = &app{
		cfg:     cfg,
		logger:  newLogger(cfg.Log, os.Stderr),
		metrics: metrics.NewCollector(cfg.Metrics.Namespace),
	}
	defer func() {
		if err != nil {
			_ = a.Close()
		}
	}()

	var (
		instances orchestration.InstanceStore = orchestration.NewMemoryInstanceStore()
		results   store.ResultStore           = store.NewMemoryResultStore()
	)
	a.docs = store.NewMemoryStore()
	if cfg.Store.Driver == "sqlite" {
		db, err := openDB(cfg.Store)
		if err != nil {
			return nil, err
		}
		a.closers = append(a.closers, db.Close)
		a.docs = store.NewSQLStore(db)
		instances = &orchestration.SQLInstanceStore{DB: db}
		results = &store.SQLResultStore{DB: db}
	}

	backend := lock.Backend(lock.NewMemoryBackend())
	if cfg.Locks.Backend == "redis" {
		client := redis.NewClient(&redis.Options{Addr: cfg.Locks.RedisAddr})
		if err := client.Ping(ctx).Err(); err != nil {
			return nil, errors.Wrap(err, errors.CategoryExternal, "connect redis "+cfg.Locks.RedisAddr)
		}
		a.closers = append(a.closers, client.Close)
		backend = lock.NewRedisBackend(client, cfg.Locks.Prefix)
	}
	a.locks = lock.NewManager(backend,
		lock.WithTTL(cfg.Locks.TTL),
		lock.WithRenewInterval(cfg.Locks.RenewInterval),
		lock.WithPollInterval(cfg.Locks.PollInterval),
		lock.WithLogger(a.logger),
		lock.WithMetrics(a.metrics),
	)

	switch cfg.Queue.Driver {
	case "nats":
		nc, err := nats.Connect(cfg.Queue.NATSURL, nats.Name("controlplane"))
		if err != nil {
			return nil, errors.Wrap(err, errors.CategoryExternal, "connect nats "+cfg.Queue.NATSURL)
		}
		a.closers = append(a.closers, func() error { nc.Close(); return nil })
		q, err := queue.NewNATSQueue(nc,
			queue.WithStream(cfg.Queue.Stream, cfg.Queue.Subject),
			queue.WithDurable(cfg.Queue.Durable),
			queue.WithAckWait(cfg.Queue.AckWait),
			queue.WithNATSMaxDeliveries(cfg.Queue.MaxDeliveries),
			queue.WithNATSLogger(a.logger),
			queue.WithNATSMetrics(a.metrics),
		)
		if err != nil {
			return nil, err
		}
		a.queue, a.consumer = q, q
	default:
		q := queue.NewMemoryQueue(
			queue.WithWorkers(cfg.Queue.Workers),
			queue.WithMaxDeliveries(cfg.Queue.MaxDeliveries),
			queue.WithLogger(a.logger),
			queue.WithMetrics(a.metrics),
		)
		a.queue, a.consumer = q, q
	}

	a.engine = orchestration.NewEngine(instances,
		orchestration.WithLockManager(a.locks),
		orchestration.WithLogger(a.logger),
		orchestration.WithMetrics(a.metrics),
		orchestration.WithMaxConcurrent(cfg.Engine.MaxConcurrent),
		orchestration.WithExecutor(runner.NewExecutor(
			runner.WithMaxAttempts(cfg.Engine.MaxAttempts),
			runner.WithLogger(a.logger),
			runner.WithMetrics(a.metrics),
			runner.WithTracer(otel.Tracer("github.com/goliatone/go-controlplane")),
		)),
	)

	writer, err := auditWriter(ctx, cfg.Audit, a)
	if err != nil {
		return nil, err
	}

	a.repos = handlers.NewRepositories(a.docs, a.locks, store.WithDeletedTTL(cfg.Store.DeletedTTL))
	// concrete cloud calls are out of scope; the fakes complete deployments
	// and tasks in process
	providers, _ := providertest.NewSet(a.engine)
	a.hub = broadcast.NewHub(broadcast.WithLogger(a.logger))
	a.hub.Subscribe("#", func(_ context.Context, msg provider.Message) error {
		a.logger.Debug("change %s %s", broadcast.Topic(msg), msg.ID)
		return nil
	})
	providers.Broadcaster = a.hub
	h := handlers.New(a.repos, providers, a.locks,
		handlers.WithLogger(a.logger),
		handlers.WithTiming(cfg.HandlerTiming()),
	)
	h.RegisterActivities(a.engine)
	registry := dispatcher.NewRegistry()
	if err := h.Register(registry); err != nil {
		return nil, err
	}

	a.dispatcher, err = dispatcher.New(registry, a.engine, a.queue,
		dispatcher.WithResultStore(results),
		dispatcher.WithAudit(writer),
		dispatcher.WithLogger(a.logger),
		dispatcher.WithMetrics(a.metrics),
		dispatcher.WithProvider(cfg.Provider),
	)
	if err != nil {
		return nil, err
	}

	a.trigger = schedule.NewTrigger(a.repos.Schedules, a.queue,
		schedule.WithLogger(a.logger),
		schedule.WithRefresh(cfg.Schedule.Refresh),
	)
	return a, nil
}

func auditWriter(ctx context.Context, cfg config.AuditConfig, a *app) (audit.Writer, error) {
	var writers audit.Multi
	switch cfg.JSONPath {
	case "":
	case "-":
		writers = append(writers, audit.NewJSONWriter(os.Stdout))
	default:
		f, err := os.OpenFile(cfg.JSONPath, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o644)
		if err != nil {
			return nil, errors.Wrap(err, errors.CategoryExternal, "open audit log "+cfg.JSONPath)
		}
		a.closers = append(a.closers, f.Close)
		writers = append(writers, audit.NewJSONWriter(f))
	}
	if cfg.BlobConnectionString != "" {
		blob, err := audit.NewBlobWriterFromConnectionString(ctx, cfg.BlobConnectionString, cfg.BlobContainer)
		if err != nil {
			return nil, err
		}
		writers = append(writers, blob)
	}
	return writers, nil
}

// purge removes expired soft deleted documents every interval.
func (a *app) purge(ctx context.Context, interval time.Duration) error {
	if interval <= 0 {
		<-ctx.Done()
		return nil
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case now := <-ticker.C:
			n, err := a.docs.Purge(ctx, now)
			if err != nil {
				a.logger.Warn("purge failed: %v", err)
				continue
			}
			if n > 0 {
				a.logger.Info("purged %d expired documents", n)
			}
		}
	}
}

func (a *app) Close() error {
	var errs []error
	if a.engine != nil {
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		if err := a.engine.Shutdown(ctx); err != nil {
			errs = append(errs, err)
		}
		cancel()
	}
	for i := len(a.closers) - 1; i >= 0; i-- {
		if err := a.closers[i](); err != nil {
			errs = append(errs, err)
		}
	}
	a.closers = nil
	if len(errs) > 0 {
		return errors.Join(errs...)
	}
	return nil
}
