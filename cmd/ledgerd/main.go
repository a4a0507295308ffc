// Command ledgerd runs the orb balance reconciliation daemon.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/sourcegraph/conc"

	dbmigrations "github.com/coachpo/orbledger/db/migrations"
	"github.com/coachpo/orbledger/internal/app/ledger"
	"github.com/coachpo/orbledger/internal/domain/journalstore"
	"github.com/coachpo/orbledger/internal/domain/orb"
	"github.com/coachpo/orbledger/internal/infra/bus/balancebus"
	"github.com/coachpo/orbledger/internal/infra/config"
	"github.com/coachpo/orbledger/internal/infra/feed"
	"github.com/coachpo/orbledger/internal/infra/persistence"
	"github.com/coachpo/orbledger/internal/infra/persistence/migrations"
	pgstore "github.com/coachpo/orbledger/internal/infra/persistence/postgres"
	httpserver "github.com/coachpo/orbledger/internal/infra/server/http"
	"github.com/coachpo/orbledger/internal/infra/telemetry"
	"github.com/coachpo/orbledger/internal/observability"
	"github.com/coachpo/orbledger/lib/async"
)

const (
	defaultConfigPath         = "config/app.yaml"
	ledgerdLoggerPrefix       = "ledgerd "
	shutdownTimeout           = 30 * time.Second
	apiServerShutdownTimeout  = 5 * time.Second
	lifecycleShutdownTimeout  = 10 * time.Second
	journalShutdownTimeout    = 10 * time.Second
	notifierShutdownTimeout   = 5 * time.Second
	balanceBusShutdownTimeout = 2 * time.Second
	telemetryShutdownTimeout  = 5 * time.Second
	apiReadHeaderTimeout      = 5 * time.Second
	databaseConnectTimeout    = 15 * time.Second
	notifierWorkers           = 2
	notifierQueueSize         = 256
	notifyTimeout             = 5 * time.Second
)

type options struct {
	configPath string
	logLevel   string
}

func main() {
	opts := parseFlags()
	ctx, cancel := newSignalContext()
	defer cancel()

	logger := newLedgerdLogger()
	observability.SetLogger(observability.NewJSONLogger(os.Stderr, opts.logLevel))

	configPath := resolveConfigPath(opts.configPath)
	appCfg, err := config.LoadOrDefault(ctx, configPath)
	if err != nil {
		logger.Fatalf("load config: %v", err)
	}
	logger.Printf("configuration initialised: env=%s, sequenceSource=%s, feed=%t, database=%t",
		appCfg.Environment, appCfg.Ledger.SequenceSource, appCfg.Feed.Enabled, appCfg.Database.Enabled)

	telemetryProvider, err := initTelemetry(ctx, logger, appCfg.Environment, appCfg.Telemetry)
	if err != nil {
		logger.Fatalf("initialize telemetry: %v", err)
	}

	var (
		dbPool  *pgxpool.Pool
		journal *ledger.JournalWriter
	)
	if appCfg.Database.Enabled {
		dbPool, err = openDatabase(ctx, logger, appCfg.Database)
		if err != nil {
			logger.Fatalf("initialise database: %v", err)
		}
		journal, err = ledger.NewJournalWriter(pgstore.NewJournalStore(dbPool), ledger.JournalWriterConfig{
			Workers:      appCfg.Journal.Workers,
			QueueSize:    appCfg.Journal.QueueSize,
			WriteTimeout: appCfg.Journal.WriteTimeout,
		}, observability.Log())
		if err != nil {
			logger.Fatalf("initialise journal writer: %v", err)
		}
	} else {
		logger.Print("database disabled; journal and checkpoint restore skipped")
	}

	notifier, err := async.NewPool(notifierWorkers, notifierQueueSize, async.WithErrorHandler(func(err error) {
		observability.Log().Warn("anomaly notification failed", observability.F("error", err))
	}))
	if err != nil {
		logger.Fatalf("initialise anomaly notifier: %v", err)
	}

	bus := balancebus.NewMemoryBus(balancebus.MemoryConfig{
		BufferSize:    appCfg.Bus.BufferSize,
		FanoutWorkers: appCfg.Bus.FanoutWorkerCount(),
	})

	relay := new(feedRelay)
	engineOpts := []ledger.Option{
		ledger.WithBus(bus),
		ledger.WithOutbound(relay),
		ledger.WithLogger(observability.Log()),
		ledger.WithAnomalyHandler(relay.forwardAnomalies(ctx, notifier)),
	}
	if journal != nil {
		engineOpts = append(engineOpts, ledger.WithJournal(journal))
	}
	engine := ledger.NewEngine(engineConfig(appCfg.Ledger), engineOpts...)

	if dbPool != nil {
		if err := restoreCheckpoints(ctx, logger, engine, pgstore.NewJournalStore(dbPool)); err != nil {
			logger.Fatalf("restore checkpoints: %v", err)
		}
	}
	engine.Start()

	var lifecycle conc.WaitGroup
	checks := map[string]httpserver.Health{}
	if appCfg.Feed.Enabled {
		client, err := feed.NewClient(feed.Config{
			URL:          appCfg.Feed.URL,
			DialTimeout:  appCfg.Feed.DialTimeout,
			PingInterval: appCfg.Feed.PingInterval,
			MaxBackoff:   appCfg.Feed.MaxBackoff,
		}, engine, observability.Log())
		if err != nil {
			logger.Fatalf("initialise feed client: %v", err)
		}
		relay.client = client
		checks["feed"] = client.Connected
		startFeed(ctx, &lifecycle, logger, client)
		logger.Printf("feed client started: url=%s", appCfg.Feed.URL)
	} else {
		logger.Print("feed disabled; events accepted over HTTP only")
	}
	if dbPool != nil {
		checks["database"] = func() bool {
			pingCtx, cancel := context.WithTimeout(context.Background(), time.Second)
			defer cancel()
			return dbPool.Ping(pingCtx) == nil
		}
	}

	apiServer := buildAPIServer(appCfg.API, engine, checks)
	startAPIServer(&lifecycle, logger, apiServer)
	logger.Printf("ledger API listening on %s", apiServer.Addr)

	logger.Print("ledgerd started; awaiting shutdown signal")
	<-ctx.Done()
	logger.Print("shutdown signal received, initiating graceful shutdown")

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer shutdownCancel()

	shutdownStart := time.Now()
	performGracefulShutdown(shutdownCtx, logger, gracefulShutdownConfig{
		server:     apiServer,
		mainCancel: cancel,
		lifecycle:  &lifecycle,
		engine:     engine,
		notifier:   notifier,
		journal:    journal,
		balanceBus: bus,
		dbPool:     dbPool,
		telemetry:  telemetryProvider,
	})

	logger.Printf("shutdown completed in %v", time.Since(shutdownStart))
}

func parseFlags() options {
	cfgPath := flag.String("config", "", fmt.Sprintf("Path to application configuration file (default: %s)", defaultConfigPath))
	level := flag.String("log-level", "info", "Structured log level (debug, info, warn, error)")
	flag.Parse()
	return options{configPath: *cfgPath, logLevel: *level}
}

func newSignalContext() (context.Context, context.CancelFunc) {
	return signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
}

func newLedgerdLogger() *log.Logger {
	return log.New(os.Stdout, ledgerdLoggerPrefix, log.LstdFlags|log.Lmicroseconds)
}

func initTelemetry(ctx context.Context, logger *log.Logger, env config.Environment, cfg config.TelemetryConfig) (*telemetry.Provider, error) {
	telemetryCfg := telemetry.DefaultConfig()
	if cfg.OTLPEndpoint != "" {
		telemetryCfg.OTLPEndpoint = cfg.OTLPEndpoint
	}
	if cfg.ServiceName != "" {
		telemetryCfg.ServiceName = cfg.ServiceName
	}
	telemetryCfg.Environment = string(env)
	telemetryCfg.OTLPInsecure = cfg.OTLPInsecure
	telemetryCfg.EnableMetrics = cfg.EnableMetrics

	provider, err := telemetry.NewProvider(ctx, telemetryCfg)
	if err != nil {
		return nil, fmt.Errorf("initialize telemetry provider: %w", err)
	}

	if telemetryCfg.Enabled && telemetryCfg.EnableMetrics {
		logger.Printf("telemetry initialized: endpoint=%s, service=%s", telemetryCfg.OTLPEndpoint, telemetryCfg.ServiceName)
	} else {
		logger.Printf("telemetry disabled")
	}
	return provider, nil
}

func engineConfig(cfg config.LedgerConfig) ledger.Config {
	return ledger.Config{
		Timeout:           cfg.Timeout,
		TradeTimeout:      cfg.TradeTimeout,
		SweepInterval:     cfg.SweepInterval,
		CorrelationWindow: cfg.CorrelationWindow,
		MatchTolerance:    cfg.Tolerance(),
		SequenceSource:    ledger.SequenceSource(cfg.SequenceSource),
		ResolvedHistory:   cfg.ResolvedHistory,
	}
}

func openDatabase(ctx context.Context, logger *log.Logger, cfg config.DatabaseConfig) (*pgxpool.Pool, error) {
	connectCtx, cancel := context.WithTimeout(ctx, databaseConnectTimeout)
	defer cancel()

	if cfg.RunMigrations {
		var err error
		if cfg.MigrationsDir != "" {
			err = migrations.Apply(connectCtx, cfg.DSN, cfg.MigrationsDir, logger)
		} else {
			err = migrations.ApplyFS(connectCtx, cfg.DSN, dbmigrations.Files, logger)
		}
		if err != nil {
			return nil, fmt.Errorf("apply migrations: %w", err)
		}
	}

	pool, err := persistence.Open(connectCtx, persistence.PoolConfig{
		DSN:               cfg.DSN,
		MaxConns:          cfg.MaxConns,
		MinConns:          cfg.MinConns,
		MaxConnLifetime:   cfg.MaxConnLifetime,
		MaxConnIdleTime:   cfg.MaxConnIdleTime,
		HealthCheckPeriod: cfg.HealthCheckPeriod,
	})
	if err != nil {
		return nil, err
	}
	if err := pgstore.ObservePoolMetrics(pool, "journal"); err != nil {
		logger.Printf("database pool metrics unavailable: %v", err)
	}
	logger.Printf("database connected: maxConns=%d", cfg.MaxConns)
	return pool, nil
}

type checkpointSource interface {
	LoadCheckpoints(ctx context.Context) ([]journalstore.Checkpoint, error)
}

func restoreCheckpoints(ctx context.Context, logger *log.Logger, engine *ledger.Engine, store checkpointSource) error {
	checkpoints, err := store.LoadCheckpoints(ctx)
	if err != nil {
		return err
	}
	engine.Restore(checkpoints)
	logger.Printf("checkpoints restored: players=%d", len(checkpoints))
	return nil
}

// feedRelay lets the engine reference the feed client before it exists.
type feedRelay struct {
	client *feed.Client
}

func (r *feedRelay) Send(ctx context.Context, frame orb.ActionFrame) error {
	if r.client == nil {
		return feed.ErrNotConnected
	}
	return r.client.Send(ctx, frame)
}

// forwardAnomalies reports split trades back to the server off the engine's flush path.
func (r *feedRelay) forwardAnomalies(ctx context.Context, notifier *async.Pool) ledger.AnomalyHandler {
	return func(a orb.Anomaly) {
		if a.Type != orb.AnomalySplitTrade || r.client == nil {
			return
		}
		err := notifier.Submit(ctx, func(taskCtx context.Context) error {
			sendCtx, cancel := context.WithTimeout(taskCtx, notifyTimeout)
			defer cancel()
			if err := r.client.Notify(sendCtx, a); err != nil {
				return fmt.Errorf("notify %s of %s: %w", a.Player, a.Type, err)
			}
			return nil
		})
		if err != nil {
			observability.Log().Warn("anomaly notification dropped",
				observability.F("player", a.Player),
				observability.F("txId", a.TxID),
				observability.F("error", err))
		}
	}
}

func startFeed(ctx context.Context, lifecycle *conc.WaitGroup, logger *log.Logger, client *feed.Client) {
	lifecycle.Go(func() {
		if err := client.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
			logger.Printf("feed client: %v", err)
		}
	})
}

func buildAPIServer(cfg config.APIServerConfig, engine *ledger.Engine, checks map[string]httpserver.Health) *http.Server {
	handler := httpserver.NewHandler(engine, httpserver.Options{
		ActionRate:     cfg.ActionRate,
		ActionBurst:    cfg.ActionBurst,
		ActionLimiters: cfg.ActionLimiters,
		Checks:         checks,
		Logger:         observability.Log(),
	})
	return &http.Server{
		Addr:              cfg.Addr,
		Handler:           handler,
		ReadHeaderTimeout: apiReadHeaderTimeout,
	}
}

func startAPIServer(lifecycle *conc.WaitGroup, logger *log.Logger, server *http.Server) {
	lifecycle.Go(func() {
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Printf("ledger API server: %v", err)
		}
	})
}

type gracefulShutdownConfig struct {
	server     *http.Server
	mainCancel context.CancelFunc
	lifecycle  *conc.WaitGroup
	engine     *ledger.Engine
	notifier   *async.Pool
	journal    *ledger.JournalWriter
	balanceBus balancebus.Bus
	dbPool     *pgxpool.Pool
	telemetry  *telemetry.Provider
}

func performGracefulShutdown(ctx context.Context, logger *log.Logger, cfg gracefulShutdownConfig) {
	shutdownStep := func(name string, timeout time.Duration, fn func(context.Context) error) {
		stepCtx, cancel := context.WithTimeout(ctx, timeout)
		defer cancel()
		logger.Printf("shutdown: %s...", name)
		if err := fn(stepCtx); err != nil {
			logger.Printf("shutdown: %s failed: %v", name, err)
		} else {
			logger.Printf("shutdown: %s completed", name)
		}
	}

	if cfg.server != nil {
		shutdownStep("stopping ledger API server", apiServerShutdownTimeout, func(stepCtx context.Context) error {
			return cfg.server.Shutdown(stepCtx)
		})
	}

	logger.Print("shutdown: cancelling main context")
	if cfg.mainCancel != nil {
		cfg.mainCancel()
	}

	if cfg.lifecycle != nil {
		shutdownStep("waiting for lifecycle goroutines", lifecycleShutdownTimeout, func(stepCtx context.Context) error {
			return waitDone(stepCtx, cfg.lifecycle.Wait)
		})
	}

	if cfg.engine != nil {
		logger.Print("shutdown: stopping ledger sweeper")
		cfg.engine.Stop()
	}

	if cfg.notifier != nil {
		shutdownStep("draining anomaly notifier", notifierShutdownTimeout, cfg.notifier.Shutdown)
	}

	if cfg.journal != nil {
		shutdownStep("flushing journal", journalShutdownTimeout, cfg.journal.Close)
	}

	if cfg.balanceBus != nil {
		shutdownStep("closing balance bus", balanceBusShutdownTimeout, func(stepCtx context.Context) error {
			return waitDone(stepCtx, cfg.balanceBus.Close)
		})
	}

	if cfg.dbPool != nil {
		logger.Print("shutdown: closing database pool")
		cfg.dbPool.Close()
	}

	if cfg.telemetry != nil {
		shutdownStep("shutting down telemetry", telemetryShutdownTimeout, func(stepCtx context.Context) error {
			return cfg.telemetry.Shutdown(stepCtx)
		})
	}
}

func waitDone(ctx context.Context, fn func()) error {
	done := make(chan struct{})
	go func() {
		fn()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return fmt.Errorf("timeout waiting for completion: %w", ctx.Err())
	}
}

func resolveConfigPath(flagValue string) string {
	if flagValue != "" {
		return flagValue
	}
	return filepath.Clean(defaultConfigPath)
}
