package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/usersaga/usersaga/config"
	"github.com/usersaga/usersaga/pkg/downstream"
	"github.com/usersaga/usersaga/pkg/eventbus"
	"github.com/usersaga/usersaga/pkg/logger"
	"github.com/usersaga/usersaga/pkg/metrics"
	"github.com/usersaga/usersaga/pkg/saga"
	"github.com/usersaga/usersaga/pkg/telemetry/tracing"
	"github.com/usersaga/usersaga/pkg/version"
)

var (
	configPath  = flag.String("config", "", "Path to configuration file")
	versionFlag = flag.Bool("version", false, "Print version information")
	helpFlag    = flag.Bool("help", false, "Print help information")

	// CLI overrides
	appName    = flag.String("app-name", "", "Override app name")
	brokerType = flag.String("broker", "", "Override broker type (memory, amqp, redis)")
	logLevel   = flag.String("log-level", "", "Override log level")
	debugMode  = flag.Bool("debug", false, "Enable debug mode")
)

// broker bundles a transport with its subscription side.
type broker interface {
	eventbus.Transport
	Subscribe(pattern string, buffer int) (eventbus.Stream, error)
}

func main() {
	flag.Parse()

	if *helpFlag {
		printHelp()
		os.Exit(0)
	}
	if *versionFlag {
		printVersion()
		os.Exit(0)
	}

	cfg, err := config.Load(*configPath, buildOverrides())
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load configuration:\n%s\n", err)
		os.Exit(1)
	}

	// Initialize logger with configuration
	logCfg := &logger.Config{
		Level:  logger.ParseLevel(cfg.Log.Level),
		Format: cfg.Log.Format,
		Output: cfg.Log.Output,
	}
	if cfg.App.Debug || *debugMode {
		logCfg.Level = logger.DebugLevel
	}
	log := logger.New(logCfg)
	logger.SetGlobal(log)

	log.Info("Starting usersaga",
		"version", version.Version,
		"buildTime", version.BuildTime,
		"gitCommit", version.GitCommit,
		"app", cfg.App.Name,
		"environment", cfg.App.Environment,
	)
	log.Debug("Configuration loaded", "config", cfg.String())

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)

	// Config hot reload. Log level changes apply live; anything else is
	// surfaced so operators know a restart is needed.
	if *configPath != "" {
		watcher, err := config.NewWatcher(*configPath, config.NewLoader())
		if err != nil {
			log.Warn("Config hot reload disabled", "error", err)
		} else {
			reloader := &hotReloader{current: config.ExtractHotReloadable(cfg), log: log}
			watcher.OnChange(reloader.apply)
			go func() {
				if err := watcher.Watch(ctx); err != nil && !errors.Is(err, context.Canceled) {
					log.Error("Config watcher stopped", "error", err)
				}
			}()
			defer watcher.Stop()
		}
	}

	// Tracing
	shutdownTracing, err := tracing.Init(ctx, cfg.Tracing, cfg.App.Name, version.Version)
	if err != nil {
		log.Error("Failed to initialize tracing", "error", err)
		os.Exit(1)
	}

	// Saga record store and idempotency ledger
	store, ledger, closeStorage, err := buildStorage(cfg, log)
	if err != nil {
		log.Error("Failed to initialize storage", "error", err)
		os.Exit(1)
	}
	defer closeStorage()

	// Event bus transport
	bus, err := buildBroker(cfg, log)
	if err != nil {
		log.Error("Failed to initialize broker", "error", err)
		os.Exit(1)
	}

	// Metrics
	metricsManager := metrics.NewManager(metrics.Config{
		Enabled:                cfg.Metrics.Enabled,
		Port:                   cfg.Metrics.Port,
		Path:                   cfg.Metrics.Path,
		SagaDurationBuckets:    metrics.DefaultConfig().SagaDurationBuckets,
		PublishDurationBuckets: metrics.DefaultConfig().PublishDurationBuckets,
	})
	if metricsManager.Enabled() {
		go func() {
			log.Info("Starting metrics server", "port", cfg.Metrics.Port, "path", cfg.Metrics.Path)
			if err := metricsManager.StartServer(ctx, cfg.Metrics.Port, cfg.Metrics.Path); err != nil {
				log.Error("Metrics server error", "error", err)
			}
		}()
	}

	// Publisher with the configured retry policy
	publisher, err := eventbus.NewPublisher(cfg.App.Name, bus, eventbus.RetryConfig{
		MaxRetries:     cfg.Saga.Publish.MaxRetries,
		InitialBackoff: cfg.Saga.Publish.InitialBackoff,
		MaxBackoff:     cfg.Saga.Publish.MaxBackoff,
		BackoffFactor:  cfg.Saga.Publish.BackoffFactor,
	}, metricsManager)
	if err != nil {
		log.Error("Failed to create publisher", "error", err)
		os.Exit(1)
	}

	// Compensation engine over the event-backed downstream clients
	clients, err := downstream.NewClients(publisher)
	if err != nil {
		log.Error("Failed to create downstream clients", "error", err)
		os.Exit(1)
	}
	actions := saga.DefaultRegistrationActions(clients, clients, clients, clients)
	actions = append(actions, saga.DefaultDeletionActions(clients, clients)...)
	actions = append(actions, saga.NewCompensationNoticeAction(clients))

	engine, err := saga.NewEngine(store, saga.NewRegistry(actions...),
		saga.WithEnginePublisher(publisher),
		saga.WithEngineLogger(log),
		saga.WithEngineMetrics(metricsManager),
		saga.WithActionTimeout(cfg.Saga.ActionTimeout),
	)
	if err != nil {
		log.Error("Failed to create compensation engine", "error", err)
		os.Exit(1)
	}

	orchestrator, err := saga.NewOrchestrator(store, publisher, engine,
		saga.WithLogger(log),
		saga.WithMetrics(metricsManager),
		saga.WithDefaultTimeout(cfg.Saga.Timeout),
		saga.WithDefaultMaxRetry(cfg.Saga.MaxRetryCount),
	)
	if err != nil {
		log.Error("Failed to create orchestrator", "error", err)
		os.Exit(1)
	}

	// Timeout scanner
	scanner, err := saga.NewTimeoutScanner(store, engine, saga.ScannerConfig{
		Interval:      cfg.Saga.Scanner.Interval,
		BatchSize:     cfg.Saga.Scanner.BatchSize,
		RatePerSecond: cfg.Saga.Scanner.RatePerSecond,
	}, metricsManager, log)
	if err != nil {
		log.Error("Failed to create timeout scanner", "error", err)
		os.Exit(1)
	}
	if err := scanner.Start(ctx); err != nil {
		log.Error("Failed to start timeout scanner", "error", err)
		os.Exit(1)
	}

	// Receivers: lifecycle events start sagas, feedback events advance them
	receiverErrChan := make(chan error, 2)
	patterns := []string{eventbus.LifecycleWildcard(), eventbus.FeedbackSubject()}
	streams := make([]eventbus.Stream, 0, len(patterns))
	for _, pattern := range patterns {
		stream, err := bus.Subscribe(pattern, cfg.Broker.SubscribeBuffer)
		if err != nil {
			log.Error("Failed to subscribe", "pattern", pattern, "error", err)
			os.Exit(1)
		}
		streams = append(streams, stream)

		receiver, err := saga.NewFeedbackReceiver(stream, ledger, orchestrator, publisher, metricsManager, log)
		if err != nil {
			log.Error("Failed to create receiver", "pattern", pattern, "error", err)
			os.Exit(1)
		}
		go func(pattern string) {
			log.Info("Receiver started", "pattern", pattern)
			receiverErrChan <- receiver.Run(ctx)
		}(pattern)
	}

	log.Info("usersaga is running",
		"broker", cfg.Broker.Type,
		"storage", cfg.Storage.Type,
		"metrics_port", cfg.Metrics.Port,
	)
	log.Info("Press Ctrl+C to stop")

	select {
	case sig := <-sigChan:
		log.Info("Received shutdown signal", "signal", sig)
	case err := <-receiverErrChan:
		if err != nil && err != context.Canceled {
			log.Error("Receiver error", "error", err)
		}
	}

	// Graceful shutdown
	cancel()
	scanner.Stop()
	for _, stream := range streams {
		if err := stream.Close(); err != nil {
			log.Error("Error closing subscription", "error", err)
		}
	}

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer shutdownCancel()
	if err := shutdownTracing(shutdownCtx); err != nil {
		log.Error("Error shutting down tracing", "error", err)
	}

	log.Info("usersaga stopped gracefully")
}

// buildStorage selects the saga record store and idempotency ledger. The
// sqlite store carries its own ledger table; the memory store pairs with the
// configured standalone ledger backend.
func buildStorage(cfg *config.Config, log logger.Logger) (saga.Store, saga.Ledger, func(), error) {
	switch cfg.Storage.Type {
	case "sqlite":
		store, err := saga.OpenSQLStore(cfg.Storage.SQLite.Path)
		if err != nil {
			return nil, nil, nil, err
		}
		log.Info("Initialized sqlite storage", "path", cfg.Storage.SQLite.Path)
		closer := func() {
			if err := store.Close(); err != nil {
				log.Error("Error closing sqlite storage", "error", err)
			}
		}
		return store, store, closer, nil

	case "memory":
		store := saga.NewMemoryStore()
		switch cfg.Storage.Ledger.Type {
		case "badger":
			ledger, err := saga.OpenBadgerLedger(cfg.Storage.Ledger.Badger.Path, cfg.Storage.Ledger.Badger.SyncWrites)
			if err != nil {
				return nil, nil, nil, err
			}
			log.Info("Initialized memory storage with badger ledger", "path", cfg.Storage.Ledger.Badger.Path)
			closer := func() {
				if err := ledger.Close(); err != nil {
					log.Error("Error closing badger ledger", "error", err)
				}
			}
			return store, ledger, closer, nil
		default:
			log.Info("Initialized memory storage with memory ledger")
			return store, saga.NewMemoryLedger(), func() {}, nil
		}

	default:
		return nil, nil, nil, fmt.Errorf("unknown storage type %q", cfg.Storage.Type)
	}
}

// buildBroker selects the event bus transport.
func buildBroker(cfg *config.Config, log logger.Logger) (broker, error) {
	switch cfg.Broker.Type {
	case "amqp":
		bus, err := eventbus.NewAMQPBus(cfg.Broker.AMQP.URL, cfg.Broker.AMQP.Exchange)
		if err != nil {
			return nil, err
		}
		log.Info("Connected to AMQP broker", "exchange", cfg.Broker.AMQP.Exchange)
		return bus, nil

	case "redis":
		client := redis.NewClient(&redis.Options{
			Addr:     cfg.Broker.Redis.Address,
			Password: cfg.Broker.Redis.Password,
			DB:       cfg.Broker.Redis.DB,
		})
		bus, err := eventbus.NewRedisBus(client)
		if err != nil {
			return nil, err
		}
		log.Info("Connected to Redis broker", "address", cfg.Broker.Redis.Address)
		return bus, nil

	case "memory":
		log.Info("Using in-memory broker")
		return eventbus.NewMemoryBus(), nil

	default:
		return nil, fmt.Errorf("unknown broker type %q", cfg.Broker.Type)
	}
}

func buildOverrides() map[string]interface{} {
	overrides := make(map[string]interface{})

	if *appName != "" {
		overrides["app.name"] = *appName
	}
	if *brokerType != "" {
		overrides["broker.type"] = *brokerType
	}
	if *logLevel != "" {
		overrides["log.level"] = *logLevel
	}
	if *debugMode {
		overrides["app.debug"] = true
	}

	return overrides
}

// hotReloader applies configuration changes that are safe to pick up without
// a restart.
type hotReloader struct {
	mu      sync.Mutex
	current config.HotReloadableConfig
	log     logger.Logger
}

func (h *hotReloader) apply(next *config.Config) {
	h.mu.Lock()
	defer h.mu.Unlock()

	updated := config.ExtractHotReloadable(next)
	if !h.current.Changed(updated) {
		return
	}
	if updated.LogLevel != h.current.LogLevel {
		h.log.SetLevel(logger.ParseLevel(updated.LogLevel))
		h.log.Info("Log level reloaded", "level", updated.LogLevel)
	}
	if updated.LogFormat != h.current.LogFormat ||
		updated.MetricsEnabled != h.current.MetricsEnabled ||
		updated.MetricsPath != h.current.MetricsPath ||
		updated.MetricsPort != h.current.MetricsPort {
		h.log.Warn("Config change needs a restart to apply",
			"logFormat", updated.LogFormat,
			"metricsEnabled", updated.MetricsEnabled,
			"metricsPort", updated.MetricsPort)
	}
	h.current = updated
}

func printVersion() {
	fmt.Printf("usersaga - User Lifecycle Saga Orchestrator\n")
	fmt.Printf("Version:    %s\n", version.Version)
	fmt.Printf("Build Time: %s\n", version.BuildTime)
	fmt.Printf("Git Commit: %s\n", version.GitCommit)
	fmt.Printf("Go Version: %s\n", version.GoVersion)
}

func printHelp() {
	fmt.Printf("usersaga - Saga orchestration and compensation for user-lifecycle transactions\n\n")
	fmt.Printf("Usage: usersaga [options]\n\n")
	fmt.Printf("Options:\n")
	flag.PrintDefaults()
	fmt.Printf("\nExamples:\n")
	fmt.Printf("  usersaga                                  # Run with default config\n")
	fmt.Printf("  usersaga -config config.yaml              # Use specific config file\n")
	fmt.Printf("  usersaga -broker amqp -log-level debug    # Override specific options\n")
	fmt.Printf("  usersaga -version                         # Print version info\n")
}
