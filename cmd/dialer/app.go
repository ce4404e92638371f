package main

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"time"

	"colldialer/internal/alert"
	"colldialer/internal/api"
	"colldialer/internal/config"
	"colldialer/internal/construction"
	"colldialer/internal/database"
	"colldialer/internal/dispatch"
	"colldialer/internal/domain"
	"colldialer/internal/eligibility"
	"colldialer/internal/events"
	"colldialer/internal/logging"
	"colldialer/internal/metrics"
	"colldialer/internal/orchestrator"
	"colldialer/internal/pii"
	"colldialer/internal/reconcile"
	"colldialer/internal/report"
	"colldialer/internal/repository"
	"colldialer/internal/scheduler"
	"colldialer/internal/settings"
	"colldialer/internal/tracker"
	"colldialer/internal/vendor"
	"colldialer/internal/worker"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
)

const vendorName = "dialer"

// app holds every wired component of one process.
type app struct {
	cfg      *config.Config
	logger   zerolog.Logger
	closer   io.Closer
	db       *database.DB
	redis    *redis.Client
	failover *repository.FailoverCoordinator
	locks    *repository.DailyLocks
	bus      *events.EventBus
	resolver *settings.Resolver
	tracker  *tracker.Tracker
	vendor   *vendor.Client
	queue    *worker.Queue
	registry *worker.HandlerRegistry
	pool     *worker.Pool
	notifier *alert.Notifier
	orch     *orchestrator.Orchestrator
	reconc   *reconcile.Reconciler
	dispatch *dispatch.Manager
}

func loadConfigAndLogger(path string) (*config.Config, zerolog.Logger, io.Closer, error) {
	cfg, err := config.Load(path)
	if err != nil {
		return nil, zerolog.Logger{}, nil, fmt.Errorf("load config: %w", err)
	}

	baseLogger, closer, err := logging.New(cfg.Logging, cfg.App)
	if err != nil {
		return nil, zerolog.Logger{}, nil, fmt.Errorf("init logger: %w", err)
	}
	logger := baseLogger.With().Str("component", "dialer-main").Logger()
	return cfg, logger, closer, nil
}

func newApp(ctx context.Context, path string) (*app, error) {
	cfg, logger, closer, err := loadConfigAndLogger(path)
	if err != nil {
		return nil, err
	}
	a := &app{cfg: cfg, logger: logger, closer: closer}

	a.db, err = database.NewDB(cfg.Database.Path, &logger)
	if err != nil {
		a.Close()
		logger.Error().Err(err).Str("db_path", cfg.Database.Path).Msg("init database")
		return nil, err
	}

	a.bus = events.NewEventBus()
	coord := a.initCoordinator(ctx)

	endHour, endMinute, err := config.ParseClock(cfg.Dialer.BusinessDayEnd)
	if err != nil {
		a.Close()
		return nil, fmt.Errorf("business_day_end: %w", err)
	}
	loc := cfg.Location()
	a.locks = repository.NewDailyLocks(coord, loc, endHour, endMinute)

	a.notifier, err = alert.FromConfig(cfg.Alerts, &logger)
	if err != nil {
		logger.Warn().Err(err).Msg("telegram alerts unavailable, logging alerts only")
		a.notifier = alert.NewNotifier(nil, cfg.Alerts.ChatID, &logger)
	}
	a.notifier.Quiet(orchestrator.HandlerUploadPage)
	a.notifier.Subscribe(a.bus)

	a.resolver = settings.NewResolver(cfg, a.db)
	a.tracker = tracker.New(a.db, vendorName, &logger)
	a.vendor = vendor.NewClient(cfg.Vendor, coord, nil, &logger)
	var detok domain.Detokenizer = pii.NewClient(cfg.PII, nil, &logger)

	builder := construction.NewBuilder(a.db, detok, eligibility.NewEngine(a.db, 0, &logger), a.tracker, a.locks, &logger)
	a.dispatch = dispatch.NewManager(a.db, a.vendor, a.tracker, a.locks, a.bus, &logger)
	a.reconc = reconcile.NewReconciler(a.db, a.vendor, a.tracker, a.bus, cfg.Vendor.ResultPageSize, &logger)

	a.queue = worker.NewQueue(a.db, a.redis, &logger)
	a.registry = worker.NewHandlerRegistry()
	a.orch = orchestrator.New(orchestrator.Deps{
		Resolver:    a.resolver,
		Builder:     builder,
		Dispatcher:  a.dispatch,
		Reconciler:  a.reconc,
		RemoteTasks: a.db,
		Locks:       a.locks,
		Jobs:        a.queue,
		Events:      a.bus,
	}, &logger)
	a.orch.Register(a.registry)

	a.pool = worker.NewPool(a.queue, a.registry, worker.PoolConfig{
		Workers:          cfg.Workers.Concurrency,
		PollInterval:     time.Duration(cfg.Workers.PollIntervalSeconds) * time.Second,
		Queues:           cfg.Workers.Queues,
		RetryUnit:        time.Duration(cfg.Dialer.RetryUnitSeconds) * time.Second,
		MaxRetryDelay:    time.Hour,
		NotReadyDelay:    time.Duration(cfg.Dialer.NotReadyDelaySeconds) * time.Second,
		NotReadyMaxWaits: cfg.Dialer.NotReadyMaxWaits,
	}, a.bus, &logger)

	return a, nil
}

// initCoordinator prefers Redis and falls back to process memory while it is unreachable.
func (a *app) initCoordinator(ctx context.Context) domain.Coordinator {
	memory := repository.NewMemoryCoordinator()
	if a.cfg.Redis.Address == "" {
		a.logger.Warn().Msg("redis not configured, coordinating in memory")
		return memory
	}

	a.redis = repository.NewRedisClient(a.cfg.Redis)
	if err := repository.Ping(ctx, a.redis); err != nil {
		a.logger.Warn().Err(err).Msg("redis unavailable, starting on fallback")
	} else {
		a.logger.Info().Str("addr", a.cfg.Redis.Address).Msg("redis connected")
	}

	a.failover = repository.NewFailoverCoordinator(repository.NewRedisCoordinator(a.redis), memory, &a.logger)
	a.failover.NotifyOn(a.bus)
	return a.failover
}

func (a *app) degraded() bool {
	return a.failover != nil && a.failover.IsDegraded()
}

func (a *app) scheduler() (*scheduler.Scheduler, error) {
	return scheduler.New(a.orch, a.locks, a.cfg, &a.logger)
}

func (a *app) httpServer() *api.HTTPServer {
	return api.NewHTTPServer(a.cfg.API, api.Deps{
		Callbacks:  a.orch,
		Calls:      a.dispatch,
		Recordings: a.vendor,
		Tasks:      a.tracker,
		Today:      a.resolver.Today,
		Degraded:   a.degraded,
	}, &a.logger)
}

func (a *app) reporter() *report.Reporter {
	return report.NewReporter(a.db, a.reconc, a.resolver, a.cfg.Reports.Path, &a.logger)
}

// day returns dayFlag or today's business day.
func (a *app) day() string {
	if dayFlag != "" {
		return dayFlag
	}
	return a.resolver.Today(time.Now())
}

// drain runs due jobs in process when --run is set.
func (a *app) drain(ctx context.Context) {
	if !runFlag {
		return
	}
	n := a.pool.RunDue(ctx, 0)
	a.logger.Info().Int("jobs", n).Msg("due jobs processed")
}

func (a *app) Close() {
	if a.redis != nil {
		_ = repository.Close(a.redis)
	}
	if a.db != nil {
		_ = a.db.Close()
	}
	if a.closer != nil {
		_ = a.closer.Close()
	}
}

func startMetrics(ctx context.Context, cfg *config.Config, logger *zerolog.Logger) {
	if !cfg.Monitoring.PrometheusEnabled {
		return
	}

	metrics.Register()
	go startMetricsServer(ctx, cfg.Monitoring.PrometheusPort, logger)
}

func startMetricsServer(ctx context.Context, port int, logger *zerolog.Logger) {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())

	srv := &http.Server{Addr: fmt.Sprintf(":%d", port), Handler: mux, ReadHeaderTimeout: 5 * time.Second}
	go func() {
		<-ctx.Done()
		ctxShutdown, cancel := context.WithTimeout(context.Background(), 3*time.Second)
		defer cancel()
		_ = srv.Shutdown(ctxShutdown)
	}()
	if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		logger.Error().Err(err).Msg("metrics server error")
	}
}
