// mediaops is the operational control service for the media delivery
// stack: the storage gateway, CDN invalidation, performance monitoring,
// and the rollback orchestrator, fronted by an HTTP management API.
package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/cloudfront"
	"github.com/aws/aws-sdk-go-v2/service/s3"

	"github.com/mediaops/mediaops/internal/api"
	"github.com/mediaops/mediaops/internal/config"
	"github.com/mediaops/mediaops/internal/invalidation"
	"github.com/mediaops/mediaops/internal/metrics"
	"github.com/mediaops/mediaops/internal/monitor"
	"github.com/mediaops/mediaops/internal/rollback"
	"github.com/mediaops/mediaops/internal/storage"
)

func main() {
	configPath := flag.String("config", "", "path to YAML configuration file")
	flag.Parse()

	cfg := config.NewDefault()
	if *configPath != "" {
		if err := cfg.LoadFromFile(*configPath); err != nil {
			fmt.Fprintf(os.Stderr, "failed to load config file: %v\n", err)
			os.Exit(1)
		}
	}
	cfg.LoadFromEnv()
	if err := cfg.Validate(); err != nil {
		fmt.Fprintf(os.Stderr, "invalid configuration: %v\n", err)
		os.Exit(1)
	}

	setupLogging(cfg)
	logger := slog.Default()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	awsCfg, err := awsconfig.LoadDefaultConfig(ctx, awsconfig.WithRegion(cfg.Storage.Region))
	if err != nil {
		logger.Error("failed to load AWS configuration", "error", err)
		os.Exit(1)
	}

	s3Client := s3.NewFromConfig(awsCfg, func(o *s3.Options) {
		if cfg.Storage.Endpoint != "" {
			o.BaseEndpoint = aws.String(cfg.Storage.Endpoint)
		}
		o.UsePathStyle = cfg.Storage.ForcePathStyle
	})
	cfClient := cloudfront.NewFromConfig(awsCfg)

	collector := metrics.NewCollector(metrics.Config{
		Window: cfg.Monitoring.Interval * 5,
	})
	gateway := storage.NewGateway(s3Client, cfg.Storage, cfg.CDN.Domain, collector)
	invManager := invalidation.NewManager(cfClient, cfg.CDN, collector)

	comms := rollback.NewCommsLog(buildChannels(cfg)...)
	orch := rollback.NewOrchestrator(gateway, invManager, collector, comms, cfg.Rollback)
	triggers := rollback.NewTriggerMonitor(collector, cfg.Rollback, orch.HandleTrigger)
	perf := monitor.NewPerformanceMonitor(collector, cfg.Monitoring, buildAlertSinks(cfg)...)

	if err := perf.Start(); err != nil {
		logger.Error("failed to start performance monitor", "error", err)
		os.Exit(1)
	}
	if err := triggers.Start(); err != nil {
		logger.Error("failed to start trigger monitor", "error", err)
		os.Exit(1)
	}

	logger.Info("mediaops starting",
		"bucket", cfg.Storage.Bucket,
		"region", cfg.Storage.Region,
		"cdn_domain", cfg.CDN.Domain,
		"distribution", cfg.CDN.DistributionID,
		"address", cfg.Server.Address)

	server := api.NewServer(cfg, gateway, invManager, perf, triggers, orch, comms, collector)
	if err := server.Run(ctx); err != nil {
		logger.Error("server error", "error", err)
	}

	logger.Info("shutting down")
	triggers.Stop()
	perf.Stop()
	orch.Drain()
	logger.Info("mediaops stopped")
}

func setupLogging(cfg *config.Configuration) {
	var level slog.Level
	switch strings.ToUpper(cfg.Global.LogLevel) {
	case "DEBUG":
		level = slog.LevelDebug
	case "WARN":
		level = slog.LevelWarn
	case "ERROR":
		level = slog.LevelError
	default:
		level = slog.LevelInfo
	}

	out := os.Stdout
	if cfg.Global.LogFile != "" {
		f, err := os.OpenFile(cfg.Global.LogFile, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
		if err != nil {
			fmt.Fprintf(os.Stderr, "failed to open log file, using stdout: %v\n", err)
		} else {
			out = f
		}
	}
	slog.SetDefault(slog.New(slog.NewJSONHandler(out, &slog.HandlerOptions{Level: level})))
}

// buildChannels assembles the communication channels from the alerting
// configuration. Console is always present.
func buildChannels(cfg *config.Configuration) []rollback.Channel {
	channels := []rollback.Channel{rollback.NewConsoleChannel()}
	if !cfg.Alerting.Enabled {
		return channels
	}
	if cfg.Alerting.WebhookURL != "" {
		channels = append(channels, rollback.NewWebhookChannel(cfg.Alerting.WebhookURL))
	}
	if cfg.Alerting.SMTPAddr != "" && cfg.Alerting.EmailAddr != "" {
		channels = append(channels, rollback.NewEmailChannel(
			cfg.Alerting.SMTPAddr, "mediaops@"+cfg.CDN.Domain, []string{cfg.Alerting.EmailAddr}))
	}
	if len(cfg.Alerting.KafkaBrokers) > 0 && cfg.Alerting.KafkaTopic != "" {
		channels = append(channels, rollback.NewKafkaChannel(
			cfg.Alerting.KafkaBrokers, cfg.Alerting.KafkaTopic))
	}
	return channels
}

func buildAlertSinks(cfg *config.Configuration) []monitor.AlertSink {
	sinks := []monitor.AlertSink{monitor.NewConsoleSink()}
	if cfg.Alerting.Enabled && cfg.Alerting.WebhookURL != "" {
		sinks = append(sinks, monitor.NewWebhookSink(cfg.Alerting.WebhookURL))
	}
	return sinks
}
