// Package main provides the event relay: it drains the timeline outbox
// into Kafka through a circuit breaker.
package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"go.uber.org/zap"

	"github.com/drfirst/go-rxtimeline/internal/config"
	"github.com/drfirst/go-rxtimeline/internal/infrastructure/postgres"
	"github.com/drfirst/go-rxtimeline/internal/infrastructure/redpanda"
	"github.com/drfirst/go-rxtimeline/internal/observability/logging"
	"github.com/drfirst/go-rxtimeline/internal/observability/metrics"
	"github.com/drfirst/go-rxtimeline/internal/observability/tracing"
	"github.com/drfirst/go-rxtimeline/pkg/circuitbreaker"
)

func main() {
	cfg, err := config.Load(os.Getenv("CONFIG_FILE"))
	if err != nil {
		fmt.Fprintln(os.Stderr, "config:", err)
		os.Exit(1)
	}
	logger, err := logging.New(cfg.LogLevel, cfg.IsDev())
	if err != nil {
		fmt.Fprintln(os.Stderr, "logger:", err)
		os.Exit(1)
	}
	defer logger.Sync()

	if err := cfg.RequireDatabase(); err != nil {
		logger.Fatal("missing configuration", zap.Error(err))
	}

	tp, err := tracing.Init(context.Background(), "event-relay",
		tracing.WithEnvironment(cfg.Env),
		tracing.WithEndpoint(cfg.OTLPEndpoint),
		tracing.WithSampleRate(cfg.TraceSample))
	if err != nil {
		logger.Fatal("tracing init failed", zap.Error(err))
	}
	defer tp.Shutdown(context.Background())

	ctx := context.Background()
	pool, err := postgres.Connect(ctx, cfg.DatabaseURL, 0)
	if err != nil {
		logger.Fatal("database connection failed", zap.Error(err))
	}
	defer pool.Close()
	logger.Info("connected to database")

	if err := postgres.NewStore(pool, logger).EnsureSchema(ctx); err != nil {
		logger.Fatal("schema setup failed", zap.Error(err))
	}

	m := metrics.New()

	producerCfg := redpanda.DefaultProducerConfig()
	producerCfg.Brokers = cfg.KafkaBrokers
	producer, err := redpanda.NewProducer(producerCfg, logger)
	if err != nil {
		logger.Fatal("producer creation failed", zap.Error(err))
	}
	defer producer.Close()
	logger.Info("connected to Redpanda", zap.Strings("brokers", cfg.KafkaBrokers))

	breaker, err := circuitbreaker.New(circuitbreaker.DefaultConfig("redpanda"), logger,
		func(name string, s circuitbreaker.State) {
			m.CircuitBreakerState.WithLabelValues(name).Set(s.Gauge())
		})
	if err != nil {
		logger.Fatal("circuit breaker creation failed", zap.Error(err))
	}

	relayCfg := postgres.DefaultRelayConfig()
	relayCfg.PollInterval = cfg.PollInterval
	relayCfg.DeadLetterTopic = redpanda.TopicDeadLetter
	publisher := &countingPublisher{
		next:    redpanda.NewGuardedPublisher(producer, breaker),
		metrics: m,
	}
	relay := postgres.NewRelay(pool, publisher, relayCfg, logger)

	if err := producer.Ping(ctx); err != nil {
		logger.Warn("broker not reachable yet, relay will retry", zap.Error(err))
	}
	relay.Start()

	// Pending gauge and metrics endpoint.
	statsCtx, stopStats := context.WithCancel(ctx)
	go reportPending(statsCtx, relay, m, logger)

	server := &http.Server{
		Addr:              ":" + cfg.Port,
		Handler:           m.Handler(),
		ReadHeaderTimeout: 5 * time.Second,
	}
	go func() {
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("metrics server error", zap.Error(err))
		}
	}()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	<-sigChan

	logger.Info("shutting down")
	stopStats()
	relay.Stop()
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	server.Shutdown(shutdownCtx)
	logger.Info("event relay stopped")
}

func reportPending(ctx context.Context, relay *postgres.Relay, m *metrics.Metrics, logger *zap.Logger) {
	ticker := time.NewTicker(15 * time.Second)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			stats, err := relay.Stats(ctx)
			if err != nil {
				logger.Warn("outbox stats failed", zap.Error(err))
				continue
			}
			m.OutboxPending.Set(float64(stats.Pending))
			if stats.Exhausted > 0 {
				logger.Warn("outbox entries awaiting dead-letter sweep", zap.Int64("count", stats.Exhausted))
			}
		}
	}
}

// countingPublisher counts relayed entries.
type countingPublisher struct {
	next    postgres.Publisher
	metrics *metrics.Metrics
}

func (c *countingPublisher) Publish(ctx context.Context, topic, key string, value []byte) error {
	if err := c.next.Publish(ctx, topic, key, value); err != nil {
		return err
	}
	c.metrics.EventsPublished.Inc()
	return nil
}
