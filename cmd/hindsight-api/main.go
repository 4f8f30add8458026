package main

import (
	"context"
	"flag"
	"log"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"hindsight/internal/analytics"
	"hindsight/internal/archive"
	"hindsight/internal/config"
	"hindsight/internal/extract"
	"hindsight/internal/filter"
	server "hindsight/internal/http"
	"hindsight/internal/jobs"
	"hindsight/internal/metrics"
	"hindsight/internal/migrate"
	"hindsight/internal/pipeline"
	"hindsight/internal/store"
	"hindsight/internal/syncer"
)

func main() {
	configPath := flag.String("config", "config/config.yaml", "path to config file")
	role := flag.String("role", "all", "process role: api|worker|all")
	flag.Parse()

	cfg := config.Load(*configPath)
	cfg.ApplyDefaults()

	logger := slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{}))

	if err := migrate.Run(cfg.Database.DSN); err != nil {
		log.Fatalf("migrations failed: %v", err)
	}
	if err := migrate.RunAnalytics(cfg.Database.AnalyticsDSN); err != nil {
		log.Fatalf("analytics migrations failed: %v", err)
	}

	st, err := store.Open(cfg.Database.DSN)
	if err != nil {
		log.Fatalf("open db failed: %v", err)
	}
	st.DB.SetMaxOpenConns(20)
	st.DB.SetMaxIdleConns(10)
	st.DB.SetConnMaxLifetime(30 * time.Minute)
	// Under strong consistency, facade writes block until the analytical
	// side confirms the intent or the wait runs out.
	st.SyncLevel = cfg.Sync.ConsistencyLevel
	st.SyncWait = time.Duration(cfg.Sync.StrongWaitMs) * time.Millisecond

	an, err := analytics.Open(cfg.Database.AnalyticsDSN)
	if err != nil {
		log.Fatalf("open analytics db failed: %v", err)
	}

	if cfg.Auth.Enabled && cfg.Auth.InitialAdminKey != "" {
		if _, err := st.EnsureAdminAPIKey(context.Background(), cfg.Auth.InitialAdminKey, "initial-admin"); err != nil {
			log.Fatalf("ensure admin api key failed: %v", err)
		}
	}

	// Archive routing stack: both sources behind their own breakers, merged
	// and failed over by the router.
	archMetrics := archive.NewMetrics()
	router := archive.NewRouter(archMetrics,
		archive.NewWayback(cfg.Archive.WaybackMachine, cfg.Archive.Breaker),
		archive.NewCommonCrawl(cfg.Archive.CommonCrawl, cfg.Archive.Breaker),
	)
	fetcher := archive.NewFetcher(router, archMetrics)

	fl := filter.New(cfg.Filter, st)
	tiered := extract.NewTiered(cfg.Extract, logger)
	capacities := make(map[string]int, len(cfg.Worker.Queues))
	for queue, qc := range cfg.Worker.Queues {
		capacities[queue] = qc.Capacity
	}
	engine := jobs.NewEngine(st, cfg.Worker.DefaultMaxAttempts, capacities)

	// Replication stack: outbox drain, CDC safety net, consistency checks.
	replica := &syncer.AnalyticsReplica{Store: an}
	sync := syncer.NewSynchronizer(cfg.Sync, st, replica, logger)
	bridge := syncer.NewBridge(cfg.Sync, st, replica, logger)
	validator := syncer.NewValidator(cfg.Sync, st, replica, logger)

	registry := metrics.NewRegistry()

	rootCtx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	startWorker := func() {
		p := pipeline.New(cfg, st, router, fetcher, fl, tiered, engine, validator, logger)
		runner := jobs.NewRunner(cfg, st, p.Handlers(st), logger)
		go runner.Start(rootCtx)
		go sync.Run(rootCtx)
		go bridge.Run(rootCtx)
		go validator.Run(rootCtx)
		go reportBacklogGauges(rootCtx, st, registry, logger)
	}

	arch := &server.ArchiveDeps{Router: router, Metrics: archMetrics}
	syncDeps := &server.SyncDeps{Validator: validator}

	switch *role {
	case "api":
		// API-only: enqueue work but leave execution and replication to
		// worker processes.
		syncDeps.Validator = nil
		s := server.NewServer(cfg, st, engine, arch, tiered, syncDeps, registry, logger)
		go shutdownOnSignal(rootCtx, s, logger)
		if err := s.Listen(); err != nil {
			log.Fatalf("server failed: %v", err)
		}
	case "worker":
		startWorker()
		<-rootCtx.Done()
	case "all":
		startWorker()
		s := server.NewServer(cfg, st, engine, arch, tiered, syncDeps, registry, logger)
		go shutdownOnSignal(rootCtx, s, logger)
		if err := s.Listen(); err != nil {
			log.Fatalf("server failed: %v", err)
		}
	default:
		log.Fatalf("invalid role: %s (expected api|worker|all)", *role)
	}
}

func shutdownOnSignal(ctx context.Context, s *server.Server, logger *slog.Logger) {
	<-ctx.Done()
	logger.Info("shutting down")
	if err := s.Shutdown(); err != nil {
		logger.Error("shutdown", "error", err)
	}
}

// reportBacklogGauges exports the replication backlog and dead-letter depth
// once a minute.
func reportBacklogGauges(ctx context.Context, st *store.Store, registry *metrics.Registry, logger *slog.Logger) {
	ticker := time.NewTicker(time.Minute)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
		if n, err := st.PendingIntentCount(ctx); err == nil {
			registry.SetGauge("hindsight_sync_pending_intents", nil, float64(n))
		} else {
			logger.Error("pending intent count", "error", err)
		}
		if n, err := st.DeadLetterDepth(ctx); err == nil {
			registry.SetGauge("hindsight_sync_dead_letters", nil, float64(n))
		} else {
			logger.Error("dead letter depth", "error", err)
		}
	}
}
