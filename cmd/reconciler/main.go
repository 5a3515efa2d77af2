// Command reconciler runs the distributor sales-document reconciliation
// service: document intake, the extraction consumer, matching, the review
// API and the duplicate-retailer clustering job, all in one process.
//
// Usage:
//
//	go run ./cmd/reconciler [-config configs/development.yaml]
package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/Adithya-Monish-Kumar-K/Distributor-Reconciliation-Platform/internal/clustering"
	"github.com/Adithya-Monish-Kumar-K/Distributor-Reconciliation-Platform/internal/confidence"
	"github.com/Adithya-Monish-Kumar-K/Distributor-Reconciliation-Platform/internal/events"
	gwhandler "github.com/Adithya-Monish-Kumar-K/Distributor-Reconciliation-Platform/internal/gateway/handler"
	gwmw "github.com/Adithya-Monish-Kumar-K/Distributor-Reconciliation-Platform/internal/gateway/middleware"
	"github.com/Adithya-Monish-Kumar-K/Distributor-Reconciliation-Platform/internal/gateway/ratelimit"
	"github.com/Adithya-Monish-Kumar-K/Distributor-Reconciliation-Platform/internal/gateway/router"
	"github.com/Adithya-Monish-Kumar-K/Distributor-Reconciliation-Platform/internal/ingestion"
	"github.com/Adithya-Monish-Kumar-K/Distributor-Reconciliation-Platform/internal/ingestion/consumer"
	"github.com/Adithya-Monish-Kumar-K/Distributor-Reconciliation-Platform/internal/ingestion/extractor"
	ingesthandler "github.com/Adithya-Monish-Kumar-K/Distributor-Reconciliation-Platform/internal/ingestion/handler"
	"github.com/Adithya-Monish-Kumar-K/Distributor-Reconciliation-Platform/internal/ingestion/tracker"
	"github.com/Adithya-Monish-Kumar-K/Distributor-Reconciliation-Platform/internal/ingestion/worker"
	"github.com/Adithya-Monish-Kumar-K/Distributor-Reconciliation-Platform/internal/matching"
	"github.com/Adithya-Monish-Kumar-K/Distributor-Reconciliation-Platform/internal/registry"
	"github.com/Adithya-Monish-Kumar-K/Distributor-Reconciliation-Platform/internal/review"
	reviewhandler "github.com/Adithya-Monish-Kumar-K/Distributor-Reconciliation-Platform/internal/review/handler"
	"github.com/Adithya-Monish-Kumar-K/Distributor-Reconciliation-Platform/pkg/config"
	"github.com/Adithya-Monish-Kumar-K/Distributor-Reconciliation-Platform/pkg/health"
	"github.com/Adithya-Monish-Kumar-K/Distributor-Reconciliation-Platform/pkg/kafka"
	"github.com/Adithya-Monish-Kumar-K/Distributor-Reconciliation-Platform/pkg/logger"
	"github.com/Adithya-Monish-Kumar-K/Distributor-Reconciliation-Platform/pkg/metrics"
	"github.com/Adithya-Monish-Kumar-K/Distributor-Reconciliation-Platform/pkg/postgres"
	pkgredis "github.com/Adithya-Monish-Kumar-K/Distributor-Reconciliation-Platform/pkg/redis"
	"github.com/Adithya-Monish-Kumar-K/Distributor-Reconciliation-Platform/pkg/tracing"
)

// stores bundles the persistence backends selected by storage.driver.
type stores struct {
	registry  registry.Registry
	documents ingestion.Store
	groups    clustering.GroupStore
	close     func()
}

func main() {
	configPath := flag.String("config", "configs/development.yaml", "path to config file")
	flag.Parse()
	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to load config: %v\n", err)
		os.Exit(1)
	}
	logger.Setup(cfg.Logging.Level, cfg.Logging.Format)
	slog.Info("starting reconciler",
		"port", cfg.Server.Port,
		"storage", cfg.Storage.Driver,
	)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	shutdownTracing, err := tracing.Setup(cfg.Tracing)
	if err != nil {
		slog.Error("failed to set up tracing", "error", err)
		os.Exit(1)
	}
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := shutdownTracing(shutdownCtx); err != nil {
			slog.Warn("tracing shutdown error", "error", err)
		}
	}()
	var traceService string
	if cfg.Tracing.Enabled {
		traceService = cfg.Tracing.ServiceName
	}

	promReg := metrics.NewRegistry()
	m := metrics.New(promReg)
	checker := health.NewChecker()

	st, err := openStores(ctx, cfg, checker)
	if err != nil {
		slog.Error("failed to open stores", "error", err)
		os.Exit(1)
	}
	defer st.close()

	if cfg.Registry.SeedFile != "" {
		seed, err := registry.LoadSeedFile(cfg.Registry.SeedFile)
		if err != nil {
			slog.Error("failed to load registry seed", "error", err)
			os.Exit(1)
		}
		if err := st.registry.Seed(ctx, seed.SKUs, seed.Retailers); err != nil {
			slog.Error("failed to seed registry", "error", err)
			os.Exit(1)
		}
		slog.Info("registry seeded",
			"file", cfg.Registry.SeedFile,
			"skus", len(seed.SKUs),
			"retailers", len(seed.Retailers),
		)
	}
	checker.Register("registry", registry.ReadinessCheck(st.registry))

	engine := matching.NewEngine(st.registry, cfg.Matching, m)
	var matcher matching.Matcher = engine
	if cfg.Redis.Addr != "" {
		rc, err := pkgredis.NewClient(cfg.Redis, "reconciler")
		if err != nil {
			slog.Warn("match cache disabled, redis unavailable", "addr", cfg.Redis.Addr, "error", err)
		} else {
			defer rc.Close()
			checker.Register("redis", health.PingCheck(rc.Ping, false))
			cached := matching.NewCachedEngine(engine, rc, cfg.Redis.CacheTTL, m)
			checker.Register("match-cache", health.BreakerCheck(cached.Breaker()))
			matcher = cached
			slog.Info("match cache enabled", "addr", cfg.Redis.Addr, "ttl", cfg.Redis.CacheTTL)
		}
	}
	policy := confidence.NewPolicy(cfg.Confidence)

	var sink events.Sink = events.Nop{}
	var publishers []*events.BatchPublisher
	if len(cfg.Kafka.Brokers) > 0 {
		lifecycleProducer := kafka.NewProducer(cfg.Kafka, cfg.Kafka.Topics.LifecycleEvents)
		defer lifecycleProducer.Close()
		decisionProducer := kafka.NewProducer(cfg.Kafka, cfg.Kafka.Topics.ReviewDecisions)
		defer decisionProducer.Close()

		lifecycle := events.NewBatchPublisher("lifecycle", lifecycleProducer, cfg.Kafka.BatchSize, cfg.Kafka.FlushInterval, m)
		decisions := events.NewBatchPublisher("decisions", decisionProducer, cfg.Kafka.BatchSize, cfg.Kafka.FlushInterval, m)
		lifecycle.Start(ctx)
		decisions.Start(ctx)
		checker.Register("events-lifecycle", health.BreakerCheck(lifecycle.Breaker()))
		checker.Register("events-decisions", health.BreakerCheck(decisions.Breaker()))
		publishers = append(publishers, lifecycle, decisions)
		sink = events.Mux{
			Default: lifecycle,
			Routes: map[string]events.Sink{
				events.TypeReviewDecision: decisions,
				events.TypeGroupResolved:  decisions,
			},
		}
		slog.Info("event publishing enabled",
			"lifecycle_topic", cfg.Kafka.Topics.LifecycleEvents,
			"decision_topic", cfg.Kafka.Topics.ReviewDecisions,
		)
	}

	tr := tracker.New(st.documents, matcher, policy, tracker.ConfigFrom(cfg.Ingestion), sink, m)
	workflow := review.NewWorkflow(st.documents, st.registry, st.groups, tr, sink, m)

	var extract tracker.ExtractFunc
	if cfg.Ingestion.ExtractorURL != "" {
		extract = extractor.New(cfg.Ingestion.ExtractorURL, cfg.Ingestion.StepTimeout).Extract
		slog.Info("pulling extractions", "url", cfg.Ingestion.ExtractorURL, "interval", cfg.Ingestion.PollInterval)
	}
	sweeper := worker.NewSweeper(st.documents, tr, extract, cfg.Ingestion.PollInterval)
	if _, err := sweeper.Resume(ctx); err != nil {
		slog.Error("failed to resume stranded documents", "error", err)
	}
	go sweeper.Start(ctx)

	var runner gwhandler.ClusterRunner
	if cfg.Clustering.Enabled {
		weights := engine.Weights()
		clusterer := clustering.NewClusterer(cfg.Clustering.MergeThreshold, func(a, b string) float64 {
			return weights.Similarity(a, b, registry.KindRetailer)
		})
		scheduler := clustering.NewScheduler(st.documents, clusterer, st.groups, cfg.Clustering.Interval, cfg.Clustering.PassTimeout, m)
		go scheduler.Start(ctx)
		runner = scheduler
	}

	if len(cfg.Kafka.Brokers) > 0 {
		kc := kafka.NewConsumer(cfg.Kafka, cfg.Kafka.Topics.ExtractionResults, consumer.HandleMessage(tr))
		ec := consumer.New(kc)
		checker.RegisterLiveness("extraction-consumer", ec.LivenessCheck())
		go func() {
			if err := ec.Start(ctx); err != nil {
				slog.Error("extraction consumer stopped", "error", err)
			}
		}()
		slog.Info("consuming extraction results",
			"topic", cfg.Kafka.Topics.ExtractionResults,
			"group", cfg.Kafka.ConsumerGroup,
		)
	}

	limiter := ratelimit.New(cfg.RateLimit.ReviewPerMinute, cfg.RateLimit.Burst)
	go limiter.Cleanup(ctx, 5*time.Minute)

	handler := router.New(router.Handlers{
		Ingestion: ingesthandler.New(tr, st.documents, policy),
		Review:    reviewhandler.New(workflow),
		Gateway:   gwhandler.New(st.registry, matcher, policy, runner),
		Health:    checker,
	}, router.Options{
		Limiter:        limiter,
		Metrics:        m,
		CORS:           gwmw.DefaultCORSConfig(),
		RequestTimeout: cfg.Server.RequestTimeout,
		TraceService:   traceService,
	})

	if cfg.Metrics.Enabled {
		shutdownMetrics := metrics.StartServer(cfg.Metrics.Port, promReg)
		defer func() {
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			shutdownMetrics(shutdownCtx)
		}()
	}

	server := &http.Server{
		Addr:         fmt.Sprintf(":%d", cfg.Server.Port),
		Handler:      handler,
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
	}
	go func() {
		<-ctx.Done()
		slog.Info("shutdown signal received")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
		defer cancel()
		if err := server.Shutdown(shutdownCtx); err != nil {
			slog.Error("server shutdown error", "error", err)
		}
	}()

	slog.Info("reconciler listening", "addr", server.Addr)
	if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		slog.Error("server error", "error", err)
		stop()
	}

	// Publishers flush what is buffered once ctx is done.
	for _, p := range publishers {
		p.Close()
	}
	slog.Info("reconciler stopped")
}

func openStores(ctx context.Context, cfg *config.Config, checker *health.Checker) (*stores, error) {
	switch cfg.Storage.Driver {
	case "postgres":
		db, err := postgres.New(cfg.Postgres)
		if err != nil {
			return nil, fmt.Errorf("connecting to postgres: %w", err)
		}
		if err := db.EnsureSchema(ctx); err != nil {
			db.Close()
			return nil, fmt.Errorf("ensuring schema: %w", err)
		}
		checker.Register("postgres", health.PingCheck(db.Ping, true))
		slog.Info("connected to postgres", "host", cfg.Postgres.Host, "database", cfg.Postgres.Database)
		return &stores{
			registry:  registry.NewPostgresStore(db),
			documents: ingestion.NewPostgresStore(db),
			groups:    clustering.NewPostgresGroupStore(db),
			close:     func() { db.Close() },
		}, nil
	default:
		slog.Warn("using in-memory storage, state is lost on restart")
		return &stores{
			registry:  registry.NewMemoryStore(),
			documents: ingestion.NewMemoryStore(),
			groups:    clustering.NewMemoryGroupStore(),
			close:     func() {},
		}, nil
	}
}
