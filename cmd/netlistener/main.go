// Package main implements the netlistener entry point. It loads the process
// configuration and profile document, opens the coordination store and runs
// one listener adapter until it is signalled to stop.
package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"runtime"
	"slices"
	"strings"
	"syscall"
	"time"

	"github.com/c360/netlistener/actions"
	"github.com/c360/netlistener/componentregistry"
	"github.com/c360/netlistener/config"
	"github.com/c360/netlistener/foreign"
	"github.com/c360/netlistener/health"
	"github.com/c360/netlistener/listener"
	"github.com/c360/netlistener/metric"
	"github.com/c360/netlistener/natsclient"
	"github.com/c360/netlistener/network"
	"github.com/c360/netlistener/profile"
	"github.com/c360/netlistener/provider"
	"github.com/c360/netlistener/storage"
	"github.com/c360/netlistener/storage/kvstore"
	"github.com/c360/netlistener/storage/memstore"
	"github.com/c360/netlistener/storage/sqlstore"
)

// Build information constants
const (
	Version   = "0.1.0"
	BuildTime = "dev"
	appName   = "netlistener"
)

func main() {
	defer func() {
		if r := recover(); r != nil {
			buf := make([]byte, 4096)
			n := runtime.Stack(buf, false)
			_, _ = fmt.Fprintf(os.Stderr, "PANIC: %v\nStack trace:\n%s\n", r, string(buf[:n]))
			os.Exit(2)
		}
	}()

	code, err := run()
	if err != nil {
		slog.Error("Application failed", "error", err, "exit_code", 1)
		os.Exit(1)
	}
	os.Exit(code)
}

func run() (int, error) {
	cliCfg, logger, shouldExit, err := initializeCLI()
	if shouldExit || err != nil {
		return 0, err
	}

	cfg, err := initializeConfiguration(cliCfg)
	if err != nil {
		return 0, err
	}
	logger.Info("Configuration loaded", "config", cfg.String())

	regs, err := componentregistry.New()
	if err != nil {
		return 0, fmt.Errorf("register components: %w", err)
	}
	logger.Debug("Components registered",
		"sources", regs.Sources.List(),
		"sinks", regs.Sinks.List(),
		"providers", regs.Providers.List())

	doc, err := loadProfile(cfg, regs)
	if err != nil {
		return 0, err
	}

	if cliCfg.Validate {
		logger.Info("Configuration is valid", "profiles", doc.Profiles())
		return 0, nil
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	metricsRegistry := metric.NewMetricsRegistry()
	monitor := health.NewMonitor()

	var natsClient *natsclient.Client
	if needsNATS(cfg, doc) {
		natsClient, err = connectToNATS(ctx, cfg, metricsRegistry, logger)
		if err != nil {
			return 0, err
		}
		defer func() {
			closeCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			_ = natsClient.Close(closeCtx)
		}()
		monitor.UpdateHealthy("nats", "connected")
	}

	store, closeStore, err := openStorage(ctx, cfg, natsClient, logger)
	if err != nil {
		return 0, err
	}
	defer closeStore()

	if cfg.Metrics.Enabled {
		srv := metric.NewServer(cfg.Metrics.Port, cfg.Metrics.Path, metricsRegistry, monitor, appName)
		go func() {
			if err := srv.Start(); err != nil {
				logger.Error("Metrics server stopped", "port", cfg.Metrics.Port, "error", err)
			}
		}()
		defer func() { _ = srv.Stop(5 * time.Second) }()
		logger.Info("Metrics server started", "port", cfg.Metrics.Port, "path", cfg.Metrics.Path)
	}

	converter, err := foreign.LoadConverter(logger)
	if err != nil {
		return 0, fmt.Errorf("load location translation map: %w", err)
	}

	core, err := listener.New(listener.Config{
		Identity: storage.AdapterIdentity{
			Type:           cfg.Adapter.Type,
			Name:           cfg.Adapter.Name,
			Location:       cfg.Adapter.Location,
			Hostname:       cfg.Adapter.Hostname,
			BaseWorkItemID: cfg.Adapter.BaseWorkItemID,
		},
		Document:  doc,
		Storage:   store,
		Sources:   regs.Sources,
		Sinks:     regs.Sinks,
		Providers: regs.Providers,
		Logger:    logger,
		Metrics:   metricsRegistry,
		Health:    monitor,
		Network: network.Dependencies{
			NATSClient: natsClient,
		},
		Provider: provider.Dependencies{
			Converter: converter,
		},
		DefaultProfile: cfg.Profile.Name,
	})
	if err != nil {
		return 0, fmt.Errorf("create listener: %w", err)
	}

	return runWithSignalHandling(ctx, core, time.Duration(cfg.ShutdownTimeout), logger)
}

// initializeCLI parses flags and sets up logging
func initializeCLI() (*CLIConfig, *slog.Logger, bool, error) {
	cliCfg, err := parseFlags()
	if err != nil {
		return nil, nil, false, fmt.Errorf("invalid arguments: %w", err)
	}
	if err := validateFlags(cliCfg); err != nil {
		return nil, nil, false, fmt.Errorf("invalid flags: %w", err)
	}

	if cliCfg.ShowVersion {
		fmt.Printf("%s version %s\n", appName, Version)
		return nil, nil, true, nil
	}

	if cliCfg.ShowHelp {
		printDetailedHelp(os.Stderr, flag.CommandLine)
		return nil, nil, true, nil
	}

	logger := setupLogger(os.Stdout, cliCfg.LogLevel, cliCfg.LogFormat)
	slog.SetDefault(logger)

	logger.Info("Starting network listener",
		"version", Version,
		"build_time", BuildTime,
		"config_path", cliCfg.ConfigPath)

	return cliCfg, logger, false, nil
}

// initializeConfiguration loads the configuration layers and applies the
// command-line overrides on top.
func initializeConfiguration(cliCfg *CLIConfig) (*config.Config, error) {
	cfg, err := config.LoadFile(cliCfg.ConfigPath)
	if err != nil {
		return nil, fmt.Errorf("load config: %w", err)
	}

	applyOverrides(cfg, cliCfg)

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	return cfg, nil
}

func applyOverrides(cfg *config.Config, cliCfg *CLIConfig) {
	if len(cliCfg.Servers) > 0 {
		cfg.NATS.URLs = cliCfg.Servers
	}
	if cliCfg.Location != "" {
		cfg.Adapter.Location = cliCfg.Location
	}
	if cliCfg.Hostname != "" {
		cfg.Adapter.Hostname = cliCfg.Hostname
	}
	if cfg.Adapter.Hostname == "" {
		if host, err := os.Hostname(); err == nil {
			cfg.Adapter.Hostname = host
		}
	}
	if cliCfg.ProfilePath != "" {
		cfg.Profile.Path = cliCfg.ProfilePath
	}
	if cliCfg.Profile != "" {
		cfg.Profile.Name = cliCfg.Profile
	}
	if cliCfg.MetricsPort > 0 {
		cfg.Metrics.Port = cliCfg.MetricsPort
	}
	if cliCfg.ShutdownTimeout > 0 {
		cfg.ShutdownTimeout = config.Duration(cliCfg.ShutdownTimeout)
	}
	cfg.Log.Level = cliCfg.LogLevel
	cfg.Log.Format = cliCfg.LogFormat
}

func loadProfile(cfg *config.Config, regs *componentregistry.Registries) (*profile.Document, error) {
	if cfg.Profile.Path == "" {
		return nil, fmt.Errorf("no profile document: set profile.path or --profile-file")
	}
	doc, err := profile.LoadFile(cfg.Profile.Path, regs.Providers, regs.Sources)
	if err != nil {
		return nil, fmt.Errorf("load profile document %s: %w", cfg.Profile.Path, err)
	}
	if !slices.Contains(doc.Profiles(), cfg.Profile.Name) {
		slog.Warn("Default profile is not declared; work items must name a profile",
			"profile", cfg.Profile.Name, "declared", doc.Profiles())
	}
	return doc, nil
}

// needsNATS reports whether anything configured talks to the bus through the
// shared client.
func needsNATS(cfg *config.Config, doc *profile.Document) bool {
	if cfg.Storage.Backend == config.StorageNATSKV {
		return true
	}
	if slices.Contains(doc.SourceNames(), "nats") {
		return true
	}
	sink := doc.ProviderConfiguration(actions.SinkConfigKey)
	return config.GetString(sink, "sourceType", "") == "nats"
}

// connectToNATS establishes the shared connection and waits for it to be ready
func connectToNATS(ctx context.Context, cfg *config.Config, registry *metric.MetricsRegistry, logger *slog.Logger) (*natsclient.Client, error) {
	opts := []natsclient.ClientOption{
		natsclient.WithClientName(fmt.Sprintf("%s-%s", appName, cfg.Adapter.Name)),
		natsclient.WithMaxReconnects(cfg.NATS.MaxReconnects),
		natsclient.WithReconnectWait(time.Duration(cfg.NATS.ReconnectWait)),
		natsclient.WithLogger(logger),
		natsclient.WithMetrics(registry.CoreMetrics()),
	}
	if cfg.NATS.Username != "" {
		opts = append(opts, natsclient.WithCredentials(cfg.NATS.Username, cfg.NATS.Password))
	}
	if cfg.NATS.Token != "" {
		opts = append(opts, natsclient.WithToken(cfg.NATS.Token))
	}

	client, err := natsclient.NewClient(strings.Join(cfg.NATS.URLs, ","), opts...)
	if err != nil {
		return nil, fmt.Errorf("create NATS client: %w", err)
	}

	logger.Info("Connecting to NATS", "urls", cfg.NATS.URLs)
	if err := client.Connect(ctx); err != nil {
		return nil, fmt.Errorf("connect to NATS: %w", err)
	}

	connCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()
	if err := client.WaitForConnection(connCtx); err != nil {
		_ = client.Close(context.Background())
		return nil, fmt.Errorf("NATS connection timeout: %w", err)
	}
	return client, nil
}

// openStorage builds the configured coordination store. The returned func
// releases it.
func openStorage(ctx context.Context, cfg *config.Config, client *natsclient.Client, logger *slog.Logger) (storage.Factory, func(), error) {
	if logger == nil {
		logger = slog.Default()
	}
	switch cfg.Storage.Backend {
	case config.StorageSQL:
		store, err := sqlstore.Open(ctx, cfg.Storage.DSN, logger)
		if err != nil {
			return nil, nil, fmt.Errorf("open sql store: %w", err)
		}
		return store, func() { _ = store.Close() }, nil
	case config.StorageNATSKV:
		if client == nil {
			return nil, nil, fmt.Errorf("nats-kv storage requires a NATS connection")
		}
		store, err := kvstore.Open(ctx, client, cfg.Storage.BucketPrefix, memstore.New(logger), logger)
		if err != nil {
			return nil, nil, fmt.Errorf("open nats-kv store: %w", err)
		}
		return store, func() {}, nil
	default:
		logger.Warn("Using in-memory coordination store; work items are not shared")
		return memstore.New(logger), func() {}, nil
	}
}

// runWithSignalHandling runs the listener until ctx is cancelled and bounds
// how long shutdown may take once it is.
func runWithSignalHandling(ctx context.Context, core *listener.Core, shutdownTimeout time.Duration, logger *slog.Logger) (int, error) {
	done := make(chan int, 1)
	go func() { done <- core.Run(ctx) }()

	select {
	case code := <-done:
		logger.Info("Listener exited", "exit_code", code)
		return code, nil
	case <-ctx.Done():
	}

	logger.Info("Received shutdown signal", "state", core.State().String(), "queued", core.QueueLen())
	if shutdownTimeout <= 0 {
		shutdownTimeout = 30 * time.Second
	}
	timer := time.NewTimer(shutdownTimeout)
	defer timer.Stop()

	select {
	case code := <-done:
		logger.Info("Network listener shutdown complete", "exit_code", code)
		return code, nil
	case <-timer.C:
		return 0, fmt.Errorf("graceful shutdown exceeded %s", shutdownTimeout)
	}
}
