// Package main implements the entry point for the bookstream service: a
// tiered book-metadata cache with provider fallback, background warming,
// archival sweeps, and batch enrichment with live progress.
package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"runtime"
	"syscall"
	"time"

	"github.com/nats-io/nats.go/jetstream"

	"github.com/c360/bookstream/archive"
	"github.com/c360/bookstream/cache"
	"github.com/c360/bookstream/config"
	"github.com/c360/bookstream/enrich"
	"github.com/c360/bookstream/gateway"
	"github.com/c360/bookstream/metric"
	"github.com/c360/bookstream/natsclient"
	"github.com/c360/bookstream/pkg/hotcache"
	"github.com/c360/bookstream/progress"
	"github.com/c360/bookstream/provider"
	"github.com/c360/bookstream/warming"
)

const (
	Version = "0.1.0"
	appName = "bookstream"

	connectTimeout  = 30 * time.Second
	shutdownTimeout = 30 * time.Second
	cleanupInterval = time.Minute
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

	if err := run(); err != nil {
		slog.Error("Application failed", "error", err, "exit_code", 1)
		os.Exit(1)
	}
}

func run() error {
	flags := parseFlags()
	if flags.showVersion {
		fmt.Printf("%s version %s\n", appName, Version)
		return nil
	}

	logger := setupLogger(flags.logLevel, flags.logFormat)
	slog.SetDefault(logger)
	logger.Info("starting bookstream", "version", Version, "config_path", flags.configPath)

	cfg, err := config.Load(flags.configPath)
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	if flags.validateOnly {
		logger.Info("configuration is valid")
		return nil
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	registry := metric.NewMetricsRegistry()

	natsClient, err := connectNATS(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer func() {
		closeCtx, closeCancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer closeCancel()
		_ = natsClient.Close(closeCtx)
	}()

	warmKV, coldStore, err := openBuckets(ctx, natsClient, cfg)
	if err != nil {
		return err
	}

	manager, err := buildCacheManager(ctx, cfg, warmKV, coldStore, registry, logger)
	if err != nil {
		return err
	}

	providerGateway, err := buildProviderGateway(cfg, logger)
	if err != nil {
		return err
	}

	progressCh := progress.NewChannel(progress.WithLogger(logger))

	orchestrator, err := enrich.NewOrchestrator(manager, providerGateway, progressCh,
		enrich.WithLogger(logger),
		enrich.WithItemTimeout(cfg.Enrich.ItemTimeout.Std()),
		enrich.WithMetrics(registry))
	if err != nil {
		return fmt.Errorf("create orchestrator: %w", err)
	}

	var stoppers []func(time.Duration) error

	if cfg.Archive.Enabled && coldStore != nil {
		selector, err := archive.NewSelector(warmKV, coldStore,
			archive.WithThresholds(cfg.Archive.MaxAge.Std(), cfg.Archive.MinAccess),
			archive.WithInterval(cfg.Archive.Interval.Std()),
			archive.WithLogger(logger))
		if err != nil {
			return fmt.Errorf("create archival selector: %w", err)
		}
		if err := selector.Start(ctx); err != nil {
			return fmt.Errorf("start archival selector: %w", err)
		}
		stoppers = append(stoppers, selector.Stop)
	}

	if cfg.Warming.Enabled {
		consumer, err := buildWarmingConsumer(cfg, natsClient, providerGateway, manager, warmKV, registry, logger)
		if err != nil {
			return err
		}
		if err := consumer.Start(ctx); err != nil {
			return fmt.Errorf("start warming consumer: %w", err)
		}
		stoppers = append(stoppers, consumer.Stop)
	}

	server, err := gateway.NewServer(orchestrator, progressCh,
		gateway.WithAddr(cfg.HTTP.Addr),
		gateway.WithHealthChecker(natsClient),
		gateway.WithMetricsHandler(registry.Handler()),
		gateway.WithMetrics(registry),
		gateway.WithLogger(logger))
	if err != nil {
		return fmt.Errorf("create gateway: %w", err)
	}
	if err := server.Start(ctx); err != nil {
		return fmt.Errorf("start gateway: %w", err)
	}
	stoppers = append(stoppers, server.Stop)

	waitForShutdown(logger)

	for i := len(stoppers) - 1; i >= 0; i-- {
		if err := stoppers[i](shutdownTimeout); err != nil {
			logger.Warn("component stop", "error", err)
		}
	}
	logger.Info("bookstream stopped")
	return nil
}

func connectNATS(ctx context.Context, cfg *config.Config, logger *slog.Logger) (*natsclient.Client, error) {
	opts := []natsclient.ClientOption{
		natsclient.WithLogger(logger),
		natsclient.WithName(appName),
		natsclient.WithMaxReconnects(cfg.NATS.MaxReconnects),
		natsclient.WithReconnectWait(cfg.NATS.ReconnectWait.Std()),
	}
	if cfg.NATS.Token != "" {
		opts = append(opts, natsclient.WithToken(cfg.NATS.Token))
	}

	client, err := natsclient.NewClient(cfg.NATS.URL, opts...)
	if err != nil {
		return nil, fmt.Errorf("create nats client: %w", err)
	}
	if err := client.Connect(ctx); err != nil {
		return nil, fmt.Errorf("connect to nats: %w", err)
	}

	waitCtx, cancel := context.WithTimeout(ctx, connectTimeout)
	defer cancel()
	if err := client.WaitForConnection(waitCtx); err != nil {
		return nil, fmt.Errorf("wait for nats connection: %w", err)
	}
	return client, nil
}

func openBuckets(ctx context.Context, client *natsclient.Client, cfg *config.Config) (*natsclient.KVStore, *natsclient.ObjectStore, error) {
	warmBucket, err := client.CreateKeyValueBucket(ctx, jetstream.KeyValueConfig{
		Bucket:      cfg.NATS.WarmBucket,
		Description: "bookstream warm tier",
	})
	if err != nil {
		return nil, nil, fmt.Errorf("open warm bucket: %w", err)
	}
	warmKV := client.NewKVStore(warmBucket)

	if cfg.NATS.ColdBucket == "" {
		return warmKV, nil, nil
	}
	coldBucket, err := client.CreateObjectStoreBucket(ctx, jetstream.ObjectStoreConfig{
		Bucket:      cfg.NATS.ColdBucket,
		Description: "bookstream cold tier",
	})
	if err != nil {
		return nil, nil, fmt.Errorf("open cold bucket: %w", err)
	}
	return warmKV, client.NewObjectStore(coldBucket), nil
}

func buildCacheManager(
	ctx context.Context,
	cfg *config.Config,
	warmKV *natsclient.KVStore,
	coldStore *natsclient.ObjectStore,
	registry *metric.MetricsRegistry,
	logger *slog.Logger,
) (*cache.Manager, error) {
	hot, err := hotcache.New[*cache.Entry](ctx, cfg.Cache.HotTTL.Std(), cleanupInterval,
		hotcache.WithMetrics[*cache.Entry](registry, "entries"))
	if err != nil {
		return nil, fmt.Errorf("create hot cache: %w", err)
	}

	policy := cache.TTLPolicy{
		Hot:    cfg.Cache.HotTTL.Std(),
		Title:  cfg.Cache.TitleTTL.Std(),
		Author: cfg.Cache.AuthorTTL.Std(),
		Work:   cfg.Cache.WorkTTL.Std(),
	}

	var cold cache.ObjectStore
	if coldStore != nil {
		cold = coldStore
	}
	manager, err := cache.NewManager(hot, warmKV, cold,
		cache.WithTTLPolicy(policy),
		cache.WithLogger(logger))
	if err != nil {
		return nil, fmt.Errorf("create cache manager: %w", err)
	}
	return manager, nil
}

func buildProviderGateway(cfg *config.Config, logger *slog.Logger) (*provider.Gateway, error) {
	providers := []provider.Provider{
		provider.NewOpenLibraryClient(cfg.Providers.OpenLibraryURL, logger),
		provider.NewGoogleBooksClient(cfg.Providers.GoogleBooksURL, logger),
	}
	providerGateway, err := provider.NewGateway(providers,
		provider.WithCallTimeout(cfg.Providers.CallTimeout.Std()),
		provider.WithGatewayLogger(logger))
	if err != nil {
		return nil, fmt.Errorf("create provider gateway: %w", err)
	}
	return providerGateway, nil
}

func buildWarmingConsumer(
	cfg *config.Config,
	client *natsclient.Client,
	providerGateway *provider.Gateway,
	manager *cache.Manager,
	warmKV *natsclient.KVStore,
	registry *metric.MetricsRegistry,
	logger *slog.Logger,
) (*warming.Consumer, error) {
	markers, err := warming.NewMarkerStore(warmKV, cfg.Warming.DedupWindow.Std())
	if err != nil {
		return nil, fmt.Errorf("create marker store: %w", err)
	}

	consumer, err := warming.NewConsumer(client, providerGateway, manager, markers,
		warming.WithStream(cfg.Warming.Stream, cfg.Warming.Subject),
		warming.WithDeadLetterSubject(cfg.Warming.DeadLetter),
		warming.WithDurableName(cfg.Warming.Durable),
		warming.WithMaxDeliveries(cfg.Warming.MaxDeliveries),
		warming.WithRetryDelay(cfg.Warming.RetryDelay.Std()),
		warming.WithTitleRate(cfg.Warming.TitlesPerSec),
		warming.WithConsumerLogger(logger),
		warming.WithConsumerMetrics(registry))
	if err != nil {
		return nil, fmt.Errorf("create warming consumer: %w", err)
	}
	return consumer, nil
}

func waitForShutdown(logger *slog.Logger) {
	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)
	sig := <-sigChan
	logger.Info("shutdown signal received", "signal", sig.String())
}
