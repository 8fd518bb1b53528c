package main

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"podmon-k8s/internal/api"
	"podmon-k8s/internal/collector"
	"podmon-k8s/internal/config"
	"podmon-k8s/internal/exporter"
	"podmon-k8s/internal/history"
	"podmon-k8s/internal/kube"
	"podmon-k8s/internal/logging"
	"podmon-k8s/internal/monitor"
	"podmon-k8s/internal/notify"
	"podmon-k8s/internal/retention"
	"podmon-k8s/internal/settings"
	"podmon-k8s/internal/version"

	"k8s.io/utils/clock"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		panic(err)
	}
	os.Exit(run(cfg, logging.New(cfg.LogLevel)))
}

// run wires and serves the monitor until a signal arrives. Deferred cleanup
// always runs before the exit code is returned.
func run(cfg config.Config, logger *slog.Logger) int {
	podmonVersion := version.Value()

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGTERM, syscall.SIGINT)
	defer cancel()

	store, err := history.Open(cfg.Storage.Driver, cfg.Storage.DSN)
	if err != nil {
		logger.Error("failed to open history store", slog.String("driver", cfg.Storage.Driver), slog.String("error", err.Error()))
		return 1
	}
	defer func() {
		if err := store.Close(); err != nil {
			logger.Warn("failed to close history store", slog.String("error", err.Error()))
		}
	}()

	settingsStore, err := settings.NewStore(ctx, cfg.Settings(), cfg.AdminHash(), store, logger)
	if err != nil {
		logger.Error("failed to load settings", slog.String("error", err.Error()))
		return 1
	}

	kubeClient, err := kube.NewClient(cfg.KubeconfigPath)
	if err != nil {
		logger.Error("failed to create kube client", slog.String("error", err.Error()))
		return 1
	}

	current := settingsStore.Current().Monitoring
	logger.Info("starting podmon",
		slog.String("version", podmonVersion),
		slog.String("storage", cfg.Storage.Driver),
		slog.Any("namespaces", current.Namespaces),
		slog.Bool("allNamespaces", current.AllNamespaces),
		slog.Bool("monitorNodes", current.MonitorNodes),
		slog.Duration("interval", current.Interval()),
	)

	metrics := exporter.NewMetrics()

	usage := collector.NewMetricsCollector(kubeClient.Metrics, logger)
	fetcher := collector.NewClusterFetcher(kubeClient.Kubernetes, usage, clock.RealClock{}, logger)

	dispatcher := notify.NewDispatcher(map[notify.Channel]notify.Transport{
		notify.ChannelEmail:    notify.NewEmailTransport(),
		notify.ChannelWhatsApp: notify.NewWhatsAppTransport(&http.Client{Timeout: cfg.Notifications.Timeout()}),
		notify.ChannelSMS:      notify.NewSMSTransport(),
	}, notify.Options{
		Timeout:    cfg.Notifications.Timeout(),
		RetryDelay: cfg.Notifications.RetryDelay(),
		Logger:     logger,
		Observer:   metrics,
	})

	runner := monitor.NewRunner(fetcher, store, dispatcher, settingsStore, monitor.Options{
		Context:  ctx,
		Logger:   logger,
		Recorder: metrics,
	})

	cleaner := retention.NewCleaner(store, settingsStore, nil, metrics, logger)
	if err := cleaner.Start(ctx, cfg.CleanupSchedule); err != nil {
		logger.Error("failed to schedule cleanup", slog.String("error", err.Error()))
		return 1
	}

	loopDone := make(chan struct{})
	go func() {
		defer close(loopDone)
		runner.Loop(ctx)
	}()
	defer func() {
		cancel()
		<-loopDone
		runner.Shutdown()
	}()

	apiHandler := api.NewHandler(api.Deps{
		History:  store,
		Monitor:  runner,
		Settings: settingsStore,
		Channels: dispatcher,
		Cleaner:  cleaner,
		Logs:     kube.NewLogReader(kubeClient.Kubernetes),
		Cluster:  kube.NewOperator(kubeClient.Kubernetes),
		Metrics:  metrics.Handler(),
		Version:  podmonVersion,
		Logger:   logger,
	})

	server := exporter.NewServer(cfg.ListenAddr, apiHandler.Router(), logger)

	if err := server.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
		logger.Error("server error", slog.String("error", err.Error()))
		return 1
	}
	return 0
}
