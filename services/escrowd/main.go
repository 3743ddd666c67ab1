package escrowd

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"

	"digimarket/core/events"
	"digimarket/gateway/middleware"
	"digimarket/native/escrow"
	"digimarket/native/fees"
	"digimarket/observability"
	"digimarket/observability/logging"
	telemetry "digimarket/observability/otel"
	"digimarket/services/escrowd/notify"
	"digimarket/services/escrowd/payments"
	"digimarket/services/escrowd/sweeper"
	"digimarket/storage"
	"digimarket/storage/sqlstore"
)

// backend is everything escrowd persists: escrows, notifications and
// idempotent responses.
type backend interface {
	escrow.Store
	escrow.NotificationStore
	middleware.ResponseStore
}

// openBackend opens the configured store and returns a closer for it.
func openBackend(cfg StorageConfig) (backend, func(), error) {
	switch cfg.Backend {
	case BackendMemory:
		ledger := storage.NewLedger(storage.NewMemDB())
		return ledger, ledger.Close, nil
	case BackendLevelDB:
		db, err := storage.NewLevelDB(cfg.Path)
		if err != nil {
			return nil, nil, fmt.Errorf("open leveldb: %w", err)
		}
		ledger := storage.NewLedger(db)
		return ledger, ledger.Close, nil
	case BackendBolt:
		db, err := storage.NewBoltDB(cfg.Path)
		if err != nil {
			return nil, nil, fmt.Errorf("open bolt: %w", err)
		}
		ledger := storage.NewLedger(db)
		return ledger, ledger.Close, nil
	case BackendPostgres, BackendSQLite:
		dsn := cfg.DSN
		if dsn == "" {
			dsn = cfg.Path
		}
		store, err := sqlstore.Open(cfg.Backend, dsn)
		if err != nil {
			return nil, nil, fmt.Errorf("open %s: %w", cfg.Backend, err)
		}
		return store, func() { _ = store.Close() }, nil
	default:
		return nil, nil, fmt.Errorf("unknown storage backend %q", cfg.Backend)
	}
}

func newGateway(cfg PaymentsConfig) payments.Gateway {
	switch cfg.Mode {
	case PaymentsHTTP:
		return payments.NewHTTPGateway(cfg.BaseURL, cfg.APIKey, cfg.Timeout.Duration)
	case PaymentsDecline:
		return payments.StaticGateway{Reason: "declined by configuration"}
	default:
		return payments.StaticGateway{Approve: true}
	}
}

// Main initialises and runs the escrow daemon.
func Main() error {
	var cfgPath string
	flag.StringVar(&cfgPath, "config", "", "path to escrowd configuration")
	flag.Parse()

	cfg, err := LoadConfig(cfgPath)
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	logger := logging.Setup("escrowd", cfg.Environment,
		logging.WithLevel(cfg.Logging.Level),
		logging.WithFile(cfg.Logging.File))

	shutdownTelemetry, err := telemetry.Init(context.Background(), cfg.Telemetry)
	if err != nil {
		return fmt.Errorf("init telemetry: %w", err)
	}
	defer func() {
		if shutdownTelemetry != nil {
			_ = shutdownTelemetry(context.Background())
		}
	}()

	store, closeStore, err := openBackend(cfg.Storage)
	if err != nil {
		return err
	}
	defer closeStore()

	engineCfg := escrow.DefaultConfig()
	if cfg.FeePolicyPath != "" {
		policy, err := fees.LoadPolicyFile(cfg.FeePolicyPath)
		if err != nil {
			return fmt.Errorf("load fee policy: %w", err)
		}
		engineCfg.FeePolicy = &policy
	}
	if cfg.Engine.MaxDownloads > 0 {
		engineCfg.MaxDownloads = cfg.Engine.MaxDownloads
	}
	if cfg.Engine.ReservationTTL.Duration > 0 {
		engineCfg.ReservationTTL = cfg.Engine.ReservationTTL.Duration
	}
	if cfg.Engine.ExpiryGrace.Duration > 0 {
		engineCfg.ExpiryGrace = cfg.Engine.ExpiryGrace.Duration
	}
	if cfg.Engine.CommitRetries > 0 {
		engineCfg.CommitRetries = cfg.Engine.CommitRetries
	}
	engine := escrow.NewEngine(store, engineCfg)
	engine.SetMetrics(observability.Escrow())
	engine.SetLogger(logger)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	bus := events.NewBus(cfg.Notify.BusBuffer, events.WithBusLogger(logger))
	observability.Events().TrackBus(bus)
	engine.SetEmitter(bus)

	hub := notify.NewHub(logger, notify.WithAllowedOrigins(cfg.CORS.AllowedOrigins))
	queue := notify.NewQueue(notify.WithCapacity(cfg.Notify.QueueCapacity), notify.WithTTL(cfg.Notify.QueueTTL.Duration))
	dispatchOpts := []notify.DispatcherOption{notify.WithHub(hub), notify.WithLogger(logger)}
	if cfg.Notify.WebhookURL != "" {
		dispatchOpts = append(dispatchOpts, notify.WithQueue(queue))
		transport := notify.NewWebhookTransport(cfg.Notify.WebhookURL, cfg.Notify.WebhookSecret)
		worker := notify.NewWorker(queue, transport, cfg.Notify.DeliveriesPerSec, logger)
		go worker.Run(ctx)
	}
	dispatcher := notify.NewDispatcher(store, dispatchOpts...)
	bus.Subscribe(dispatcher.Handle)
	// The bus outlives the signal context so transitions committed by
	// in-flight requests during Shutdown still reach subscribers.
	busCtx, stopBus := context.WithCancel(context.Background())
	defer stopBus()
	go bus.Run(busCtx)

	if !cfg.Sweeper.Disabled {
		sw := sweeper.New(sweeper.Config{
			Engine:   engine,
			Lister:   escrow.NewQuery(store),
			Interval: cfg.Sweeper.Interval.Duration,
			Grace:    engine.Config().ExpiryGrace,
			Logger:   logger,
		})
		go sw.Start(ctx)
	}

	server := NewServer(ServerConfig{
		Engine:        engine,
		Query:         escrow.NewQuery(store),
		Inbox:         notify.NewInbox(store),
		Hub:           hub,
		Gateway:       newGateway(cfg.Payments),
		WebhookSecret: cfg.Payments.WebhookSecret,
		Responses:     store,
		Auth:          middleware.NewAuthenticator(cfg.Auth, logger),
		CORS:          cfg.CORS,
		Limiter:       middleware.NewRateLimiter(cfg.RateLimits, logger),
		Observability: middleware.NewObservability(middleware.ObservabilityConfig{
			ServiceName:   "escrowd",
			MetricsPrefix: "escrowd",
			LogRequests:   true,
			Enabled:       true,
		}, logger),
		Logger: logger,
	})
	httpServer := &http.Server{
		Addr:         cfg.ListenAddress,
		Handler:      otelhttp.NewHandler(server.Handler(), "escrowd"),
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 30 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	errs := make(chan error, 1)
	go func() {
		logger.Info("escrowd listening",
			slog.String("addr", cfg.ListenAddress),
			slog.String("storage", cfg.Storage.Backend),
			slog.String("payments", cfg.Payments.Mode))
		errs <- httpServer.ListenAndServe()
	}()

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		err := httpServer.Shutdown(shutdownCtx)
		if err != nil {
			_ = httpServer.Close()
		}
		stopBus()
		bus.Wait()
		return err
	case err := <-errs:
		stop()
		stopBus()
		bus.Wait()
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	}
}
