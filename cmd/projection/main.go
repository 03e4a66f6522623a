// The projection service consumes the SOP domain topics and maintains the
// denormalized read model in Redis, exactly once per event.
package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/ggp-io/eventpipe/internal/config"
	"github.com/ggp-io/eventpipe/internal/ledger"
	"github.com/ggp-io/eventpipe/internal/logging"
	"github.com/ggp-io/eventpipe/internal/pipeline"
	"github.com/ggp-io/eventpipe/internal/projection"
	"github.com/ggp-io/eventpipe/internal/topics"
	"github.com/ggp-io/eventpipe/internal/transport"
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func run() error {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	logger := logging.NewSlog(slog.New(slog.NewJSONHandler(os.Stdout, nil)).With("service", "projection"))

	cfg, err := config.FromEnv()
	if err != nil {
		return err
	}
	if cfg.ConsumerGroup == "" {
		cfg.ConsumerGroup = topics.GroupProjection
	}
	if len(cfg.Topics) == 0 {
		cfg.Topics = topics.SOPTopics
	}
	if cfg.DLQTopic == "" {
		cfg.DLQTopic = topics.DLQProjection
	}
	if err := cfg.Validate(config.Requirements{Postgres: true, Redis: true}); err != nil {
		return err
	}
	logger.Info("starting", logging.Fields{"config": cfg.String()})

	store, err := ledger.Open(ctx, cfg.PostgresURL)
	if err != nil {
		return err
	}
	defer store.Close()

	docs, err := projection.NewRedisStore(ctx, cfg.RedisAddr)
	if err != nil {
		return err
	}
	defer docs.Close()

	wmLogger := logging.NewWatermillAdapter(logger)
	publisher, err := transport.NewPublisher(cfg.KafkaBrokers, wmLogger)
	if err != nil {
		return err
	}
	defer publisher.Close()

	subscriber, err := transport.NewSubscriber(cfg.KafkaBrokers, cfg.ConsumerGroup, wmLogger)
	if err != nil {
		return err
	}
	defer subscriber.Close()

	p, err := pipeline.New(pipeline.Config{
		ConsumerGroup: cfg.ConsumerGroup,
		Topics:        cfg.Topics,
		Subscriber:    subscriber,
		DeadLetters:   pipeline.NewDeadLetterPublisher(publisher, cfg.DLQTopic, cfg.ConsumerGroup, logger),
		Ledger:        store,
		Handler:       projection.NewHandler(docs, logger),
		Retry:         pipeline.RetryPolicy{MaxRetries: cfg.MaxRetries, BaseDelay: cfg.RetryBaseDelay},
		Source:        transport.Source,
		Logger:        logger,
		Metrics:       pipeline.NewMetrics(prometheus.DefaultRegisterer),
	})
	if err != nil {
		return err
	}

	if cfg.MetricsPort > 0 {
		go serveMetrics(cfg.MetricsPort, logger)
	}

	if err := p.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
		return err
	}
	logger.Info("stopped", nil)
	return nil
}

func serveMetrics(port int, logger logging.Logger) {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	srv := &http.Server{
		Addr:              fmt.Sprintf(":%d", port),
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}
	if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		logger.Error("metrics server", err, nil)
	}
}
