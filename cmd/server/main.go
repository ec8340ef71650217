package main

import (
	"context"
	"errors"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/pflag"
	"go.uber.org/zap"

	"github.com/riffhi/MedWatch-sub000/internal/alerting"
	"github.com/riffhi/MedWatch-sub000/internal/config"
	"github.com/riffhi/MedWatch-sub000/internal/detection"
	"github.com/riffhi/MedWatch-sub000/internal/features"
	"github.com/riffhi/MedWatch-sub000/internal/ingest"
	"github.com/riffhi/MedWatch-sub000/internal/logging"
	"github.com/riffhi/MedWatch-sub000/internal/model"
	"github.com/riffhi/MedWatch-sub000/internal/monitor"
	"github.com/riffhi/MedWatch-sub000/internal/rules"
	"github.com/riffhi/MedWatch-sub000/internal/scoring"
	"github.com/riffhi/MedWatch-sub000/internal/service"
	"github.com/riffhi/MedWatch-sub000/internal/storage"
)

type store interface {
	storage.AnomalyStore
	storage.AlertStore
}

type source interface {
	detection.DataSource
	service.Enqueuer
}

var _ detection.Committer = (*ingest.JetStreamSource)(nil)

func main() {
	configPath := pflag.StringP("config", "c", "", "path to the configuration file")
	pflag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		log.Fatalf("Failed to load configuration: %v", err)
	}

	logger, err := logging.New(cfg.Logging)
	if err != nil {
		log.Fatalf("Failed to create logger: %v", err)
	}
	defer logger.Sync()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		sig := <-sigCh
		logger.Info("Received shutdown signal", zap.String("signal", sig.String()))
		cancel()
	}()

	if err := run(ctx, cfg, logger); err != nil {
		logger.Fatal("MedWatch exited with error", zap.Error(err))
	}
	logger.Info("Server shutting down gracefully")
}

func run(ctx context.Context, cfg *config.Config, logger *zap.Logger) error {
	logger.Info("Starting MedWatch",
		zap.String("name", cfg.App.Name),
		zap.String("environment", cfg.App.Environment))

	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	metrics := monitor.NewMetrics(reg)

	st, closeStore, err := openStore(cfg.Storage, logger)
	if err != nil {
		return err
	}
	defer closeStore()

	var (
		nc *nats.Conn
		js nats.JetStreamContext
	)
	if cfg.NATS.Enabled {
		var shutdown func()
		nc, shutdown, err = connectNATS(cfg.App.Name, cfg.NATS, logger)
		if err != nil {
			return err
		}
		defer shutdown()

		js, err = nc.JetStream()
		if err != nil {
			return fmt.Errorf("failed to create JetStream context: %w", err)
		}
	}

	var src source
	if js != nil {
		jsSource, err := ingest.NewJetStreamSource(logger, js, cfg.Ingest)
		if err != nil {
			return err
		}
		src = jsSource
	} else {
		logger.Warn("NATS disabled, data points are only accepted in-process")
		src = ingest.NewMemorySource()
	}

	engine := rules.NewEngine(logger, rules.WithObserver(metrics))
	if cfg.Rules.Builtin {
		if err := engine.AddRules(rules.DefaultRules()); err != nil {
			return fmt.Errorf("failed to register builtin rules: %w", err)
		}
	}
	if cfg.Rules.File != "" {
		n, err := engine.LoadFile(cfg.Rules.File)
		if err != nil {
			return err
		}
		logger.Info("Loaded rule definitions", zap.String("file", cfg.Rules.File), zap.Int("rules", n))
	}

	workers := cfg.Detection.Workers
	if workers <= 0 {
		workers = monitor.WorkerCount()
	}
	detectionCfg := cfg.Detection
	detectionCfg.Workers = workers
	ensemble := scoring.NewEnsemble(logger, scoring.DefaultModels(),
		scoring.WithWorkers(workers),
		scoring.WithObserver(metrics))

	channels, err := buildChannels(cfg.Alerting.Channels, logger, js)
	if err != nil {
		return err
	}
	alerts := alerting.NewManager(logger, cfg.Alerting.Policies(), channels,
		alerting.WithStore(st),
		alerting.WithRetryStrategy(alerting.NewRetryStrategy(
			cfg.Alerting.RetryStrategy, cfg.Alerting.RetryDelay, cfg.Alerting.MaxRetryDelay)),
		alerting.WithMaxAttempts(cfg.Alerting.MaxAttempts),
		alerting.WithSendTimeout(cfg.Alerting.SendTimeout),
		alerting.WithDebounce(cfg.Alerting.Debounce),
		alerting.WithObserver(metrics))
	defer alerts.Close()
	for _, name := range cfg.Alerting.Channels.Disabled {
		alerts.SetChannelEnabled(name, false)
	}

	orchestrator := detection.NewOrchestrator(logger, detectionCfg, src,
		features.NewProcessor(logger), engine, ensemble, st,
		detection.WithAlertSink(alerts),
		detection.WithObserver(metrics))
	if err := orchestrator.Start(); err != nil {
		return err
	}
	defer orchestrator.Stop()

	if nc != nil {
		control := service.NewControlService(nc, logger, service.Dependencies{
			Detector: orchestrator,
			Alerts:   alerts,
			Rules:    engine,
			Models:   ensemble,
			Queue:    src,
		})
		if err := control.Start(ctx); err != nil {
			return err
		}
		defer control.Stop()
	}

	collector := monitor.NewResourceCollector(logger, metrics, cfg.Metrics.ResourceInterval)
	collector.Start(ctx)
	defer collector.Stop()

	var metricsServer *http.Server
	if cfg.Metrics.Enabled {
		mux := http.NewServeMux()
		mux.Handle(cfg.Metrics.Path, promhttp.HandlerFor(reg, promhttp.HandlerOpts{Registry: reg}))
		metricsServer = &http.Server{
			Addr:              cfg.Metrics.Address,
			Handler:           mux,
			ReadHeaderTimeout: 5 * time.Second,
		}
		go func() {
			logger.Info("Serving metrics", zap.String("address", cfg.Metrics.Address), zap.String("path", cfg.Metrics.Path))
			if err := metricsServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				logger.Error("Metrics server failed", zap.Error(err))
			}
		}()
	}

	<-ctx.Done()

	if metricsServer != nil {
		shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), cfg.App.ShutdownTimeout)
		defer shutdownCancel()
		if err := metricsServer.Shutdown(shutdownCtx); err != nil {
			logger.Warn("Metrics server shutdown incomplete", zap.Error(err))
		}
	}
	return nil
}

func openStore(cfg config.StorageConfig, logger *zap.Logger) (store, func(), error) {
	if cfg.Driver == "memory" {
		logger.Warn("Using in-memory storage, anomalies are lost on restart")
		return storage.NewMemoryStore(), func() {}, nil
	}
	db, err := storage.NewSQLiteStore(logger, cfg.Path)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to open anomaly store: %w", err)
	}
	return db, func() {
		if err := db.Close(); err != nil {
			logger.Warn("Failed to close anomaly store", zap.Error(err))
		}
	}, nil
}

// buildChannels maps every channel name the policies may reference to a
// delivery channel. Channels without delivery settings log instead.
func buildChannels(cfg config.ChannelsConfig, logger *zap.Logger, js nats.JetStreamContext) (map[string]alerting.Channel, error) {
	channels := map[string]alerting.Channel{
		model.ChannelEmail:   alerting.NewLogChannel(logger, model.ChannelEmail),
		model.ChannelSMS:     alerting.NewLogChannel(logger, model.ChannelSMS),
		model.ChannelSlack:   alerting.NewLogChannel(logger, model.ChannelSlack),
		model.ChannelWebhook: alerting.NewLogChannel(logger, model.ChannelWebhook),
	}
	if cfg.SMTP.Host != "" {
		channels[model.ChannelEmail] = alerting.NewEmailChannel(cfg.SMTP)
	}
	if cfg.SlackWebhook != "" {
		channels[model.ChannelSlack] = alerting.NewWebhookChannel(cfg.SlackWebhook, cfg.WebhookTimeout)
	}
	if cfg.WebhookURL != "" {
		channels[model.ChannelWebhook] = alerting.NewWebhookChannel(cfg.WebhookURL, cfg.WebhookTimeout)
	}
	if js != nil {
		ch, err := alerting.NewNATSChannel(logger, js)
		if err != nil {
			return nil, err
		}
		channels[model.ChannelNATS] = ch
	}
	return channels, nil
}
