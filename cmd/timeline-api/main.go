// Package main provides the timeline API service entry point.
package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"
	"go.uber.org/zap"

	"github.com/drfirst/go-rxtimeline/internal/api/handlers"
	"github.com/drfirst/go-rxtimeline/internal/api/middleware"
	"github.com/drfirst/go-rxtimeline/internal/config"
	"github.com/drfirst/go-rxtimeline/internal/domain/timeline"
	"github.com/drfirst/go-rxtimeline/internal/infrastructure/redpanda"
	"github.com/drfirst/go-rxtimeline/internal/observability/logging"
	"github.com/drfirst/go-rxtimeline/internal/observability/metrics"
	"github.com/drfirst/go-rxtimeline/internal/observability/tracing"
	"github.com/drfirst/go-rxtimeline/pkg/circuitbreaker"
)

const maxBodyBytes = 64 << 20

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

	tp, err := tracing.Init(context.Background(), "timeline-api",
		tracing.WithEnvironment(cfg.Env),
		tracing.WithEndpoint(cfg.OTLPEndpoint),
		tracing.WithSampleRate(cfg.TraceSample))
	if err != nil {
		logger.Fatal("tracing init failed", zap.Error(err))
	}
	defer tp.Shutdown(context.Background())

	m := metrics.New()

	engineCfg, err := cfg.Timeline()
	if err != nil {
		logger.Fatal("invalid engine config", zap.Error(err))
	}
	engine, err := timeline.NewEngine(engineCfg, logger,
		timeline.WithObserver(m),
		timeline.WithTracer(tp.Tracer("timeline-engine")))
	if err != nil {
		logger.Fatal("engine creation failed", zap.Error(err))
	}

	var publisher handlers.EventPublisher
	if cfg.PublishEvents {
		producerCfg := redpanda.DefaultProducerConfig()
		producerCfg.Brokers = cfg.KafkaBrokers
		producer, err := redpanda.NewProducer(producerCfg, logger)
		if err != nil {
			logger.Fatal("producer creation failed", zap.Error(err))
		}
		defer producer.Close()

		breaker, err := circuitbreaker.New(circuitbreaker.DefaultConfig("redpanda"), logger,
			func(name string, s circuitbreaker.State) {
				m.CircuitBreakerState.WithLabelValues(name).Set(s.Gauge())
			})
		if err != nil {
			logger.Fatal("circuit breaker creation failed", zap.Error(err))
		}
		publisher = &countingPublisher{
			next:    redpanda.NewGuardedPublisher(producer, breaker),
			metrics: m,
		}
		logger.Info("event publishing enabled",
			zap.Strings("brokers", cfg.KafkaBrokers),
			zap.String("topic", cfg.EventsTopic))
	}

	handler := handlers.NewTimelineHandler(engine, publisher, cfg.EventsTopic, cfg.SummaryOptions(), logger)

	r := chi.NewRouter()

	r.Use(chimw.RealIP)
	r.Use(middleware.RequestID)
	r.Use(middleware.Recover(logger))
	r.Use(middleware.Logger(logger, m))
	r.Use(middleware.Tracing("timeline-api"))

	r.Get("/health", healthHandler)
	r.Handle("/metrics", m.Handler())

	r.Route("/api/v1", func(r chi.Router) {
		r.Use(middleware.APIKeyAuth(cfg.APIKeys()))
		r.Use(middleware.BodyLimit(maxBodyBytes))
		r.Mount("/timelines", handler.Routes())
	})

	server := &http.Server{
		Addr:         ":" + cfg.Port,
		Handler:      r,
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 120 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	go func() {
		sigChan := make(chan os.Signal, 1)
		signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
		<-sigChan

		logger.Info("shutting down server")
		ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()

		if err := server.Shutdown(ctx); err != nil {
			logger.Error("shutdown error", zap.Error(err))
		}
	}()

	logger.Info("starting timeline API", zap.String("port", cfg.Port))
	if err := server.ListenAndServe(); err != http.ErrServerClosed {
		logger.Fatal("server error", zap.Error(err))
	}

	logger.Info("server stopped")
}

// countingPublisher counts successfully published events.
type countingPublisher struct {
	next    handlers.EventPublisher
	metrics *metrics.Metrics
}

func (c *countingPublisher) PublishEvents(ctx context.Context, topic string, events []*timeline.Event) error {
	if err := c.next.PublishEvents(ctx, topic, events); err != nil {
		return err
	}
	c.metrics.EventsPublished.Add(float64(len(events)))
	return nil
}

func healthHandler(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	fmt.Fprintf(w, `{"status":"healthy","service":"timeline-api","version":"1.0.0"}`)
}
