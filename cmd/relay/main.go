// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package main

import (
	"context"
	"errors"
	"flag"
	"log/slog"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/absmach/relay/config"
	"github.com/absmach/relay/consumer"
	"github.com/absmach/relay/queue"
	"github.com/absmach/relay/queue/badger"
	"github.com/absmach/relay/queue/memory"
	"github.com/absmach/relay/queue/sqs"
	"github.com/absmach/relay/ratelimit"
	"github.com/absmach/relay/server/health"
	"github.com/absmach/relay/server/http"
	"github.com/absmach/relay/server/otel"
	"github.com/absmach/relay/sink"
	"github.com/google/uuid"
	"github.com/jonboulle/clockwork"
)

func main() {
	configFile := flag.String("config", "", "Path to configuration file")
	flag.Parse()

	cfg, err := config.Load(*configFile)
	if err != nil {
		slog.Error("Failed to load configuration", "error", err)
		os.Exit(1)
	}

	logLevel := slog.LevelInfo
	switch cfg.Log.Level {
	case "debug":
		logLevel = slog.LevelDebug
	case "warn":
		logLevel = slog.LevelWarn
	case "error":
		logLevel = slog.LevelError
	}

	var handler slog.Handler
	if cfg.Log.Format == "json" {
		handler = slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: logLevel})
	} else {
		handler = slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{Level: logLevel})
	}
	logger := slog.New(handler)
	slog.SetDefault(logger)

	instanceID := uuid.NewString()

	slog.Info("Starting relay", "version", cfg.Server.OtelServiceVersion, "instance_id", instanceID)
	slog.Info("Configuration loaded",
		"queue_type", cfg.Queue.Type,
		"sink_url", cfg.Sink.URL,
		"max_retries", cfg.Consumer.MaxRetries,
		"poll_interval", cfg.Consumer.PollInterval,
		"http_enabled", cfg.Server.HTTPEnabled,
		"health_enabled", cfg.Server.HealthEnabled,
		"metrics_enabled", cfg.Server.MetricsEnabled,
		"log_level", cfg.Log.Level)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	clock := clockwork.NewRealClock()

	source, dlq, closeQueues, err := openQueues(ctx, cfg.Queue, clock)
	if err != nil {
		slog.Error("Failed to initialize queues", "type", cfg.Queue.Type, "error", err)
		os.Exit(1)
	}
	defer closeQueues()

	var metrics *otel.Metrics
	if cfg.Server.MetricsEnabled {
		shutdown, err := otel.InitProvider(cfg.Server, instanceID)
		if err != nil {
			slog.Error("Failed to initialize OpenTelemetry", "error", err)
			os.Exit(1)
		}
		defer func() {
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			if err := shutdown(shutdownCtx); err != nil {
				slog.Error("OpenTelemetry shutdown error", "error", err)
			}
		}()

		if cfg.Server.OtelMetricsEnabled {
			metrics, err = otel.NewMetrics()
			if err != nil {
				slog.Error("Failed to create metrics", "error", err)
				os.Exit(1)
			}
			defer metrics.Close()
		}
		slog.Info("OpenTelemetry enabled",
			"endpoint", cfg.Server.MetricsAddr,
			"traces", cfg.Server.OtelTracesEnabled,
			"metrics", cfg.Server.OtelMetricsEnabled)
	}

	invoker, err := sink.NewInvoker(cfg.Sink, sink.NewHTTPSender(), logger)
	if err != nil {
		slog.Error("Failed to create sink", "error", err)
		os.Exit(1)
	}

	tracker := consumer.NewRetryTracker(cfg.Consumer.MaxRetries)
	deps := consumer.Deps{
		Source:     source,
		DeadLetter: dlq,
		Sink:       invoker,
		Tracker:    tracker,
		Budget:     ratelimit.NewBudget(cfg.RateLimit.Poll, clock),
		Clock:      clock,
		Logger:     logger,
	}
	if metrics != nil {
		deps.Metrics = metrics
		if err := metrics.ObserveTracked(tracker.Len); err != nil {
			slog.Error("Failed to register retry gauge", "error", err)
			os.Exit(1)
		}
	}

	poller, err := consumer.NewPoller(cfg.Consumer, deps)
	if err != nil {
		slog.Error("Failed to create poller", "error", err)
		os.Exit(1)
	}

	var wg sync.WaitGroup
	serverErr := make(chan error, 3)

	wg.Add(1)
	go func() {
		defer wg.Done()
		if err := poller.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
			serverErr <- err
		}
	}()

	if cfg.Server.HTTPEnabled {
		var limiter *ratelimit.IPRateLimiter
		if cfg.RateLimit.Publish.Enabled {
			limiter = ratelimit.NewIPRateLimiter(cfg.RateLimit.Publish, clock)
			defer limiter.Stop()
		}

		httpServer := http.New(http.Config{
			Address:         cfg.Server.HTTPAddr,
			ShutdownTimeout: cfg.Server.ShutdownTimeout,
		}, source, limiter, logger)

		wg.Add(1)
		go func() {
			defer wg.Done()
			slog.Info("Starting HTTP publish API", "address", cfg.Server.HTTPAddr)
			if err := httpServer.Listen(ctx); err != nil {
				serverErr <- err
			}
		}()
	}

	if cfg.Server.HealthEnabled {
		healthServer := health.New(health.Config{
			Address:         cfg.Server.HealthAddr,
			ShutdownTimeout: cfg.Server.ShutdownTimeout,
		}, poller, invoker, logger)

		wg.Add(1)
		go func() {
			defer wg.Done()
			if err := healthServer.Listen(ctx); err != nil {
				serverErr <- err
			}
		}()
	}

	slog.Info("Relay started successfully")

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)

	select {
	case sig := <-sigChan:
		slog.Info("Received shutdown signal", "signal", sig)
		cancel()
	case err := <-serverErr:
		slog.Error("Server error", "error", err)
		cancel()
	}

	wg.Wait()
	slog.Info("Relay stopped", "stats", poller.Stats())
}

// openQueues returns the source queue, the dead-letter queue and a function
// releasing the backend.
func openQueues(ctx context.Context, cfg config.QueueConfig, clock clockwork.Clock) (queue.Service, queue.Sender, func(), error) {
	switch cfg.Type {
	case config.QueueSQS:
		client, err := sqs.NewClient(ctx, sqs.ClientConfig{
			Region:   cfg.Region,
			Endpoint: cfg.Endpoint,
		})
		if err != nil {
			return nil, nil, nil, err
		}
		slog.Info("Using SQS queues", "url", cfg.URL, "dlq_url", cfg.DLQURL, "region", cfg.Region)
		return sqs.New(client, cfg.URL), sqs.New(client, cfg.DLQURL), func() {}, nil

	case config.QueueBadger:
		db, err := badger.Open(cfg.BadgerDir)
		if err != nil {
			return nil, nil, nil, err
		}
		qcfg := badger.Config{VisibilityTimeout: cfg.VisibilityTimeout, Clock: clock}
		slog.Info("Using BadgerDB persistent queues", "dir", cfg.BadgerDir, "name", cfg.Name, "dlq_name", cfg.DLQName)
		closeDB := func() {
			if err := db.Close(); err != nil {
				slog.Error("Failed to close BadgerDB", "error", err)
			}
		}
		return badger.New(db, cfg.Name, qcfg), badger.New(db, cfg.DLQName, qcfg), closeDB, nil

	default:
		qcfg := memory.Config{VisibilityTimeout: cfg.VisibilityTimeout, Clock: clock}
		src, dlq := memory.New(qcfg), memory.New(qcfg)
		slog.Info("Using in-memory queues", "name", cfg.Name, "dlq_name", cfg.DLQName)
		return src, dlq, func() {
			src.Close()
			dlq.Close()
		}, nil
	}
}
