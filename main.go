package main

import (
	"context"
	"fmt"
	"log"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"contribution-oracle/apiconfig"
	"contribution-oracle/chainclient"
	"contribution-oracle/internal/challenges"
	"contribution-oracle/internal/distributor"
	"contribution-oracle/internal/ingest"
	"contribution-oracle/internal/monitor"
	"contribution-oracle/internal/pipeline"
	"contribution-oracle/internal/proofs"
	"contribution-oracle/internal/reporter"
	"contribution-oracle/internal/scoring"
	"contribution-oracle/internal/server/public"
	"contribution-oracle/internal/server/ws"
	"contribution-oracle/internal/store"
	"contribution-oracle/internal/watcher"
	"contribution-oracle/logging"
)

const shutdownGrace = 15 * time.Second

func main() {
	slog.SetDefault(slog.New(slog.NewJSONHandler(os.Stdout, nil)))

	configManager, err := apiconfig.LoadDefaultConfigManager()
	if err != nil {
		log.Fatalf("Error loading config: %v", err)
	}
	config := configManager.GetConfig()
	if err := config.Validate(); err != nil {
		log.Fatalf("Invalid config: %v", err)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	db, err := store.Connect(ctx, config.Database.Url, config.Database.PoolSize)
	if err != nil {
		log.Fatalf("Error connecting to database: %v", err)
	}
	defer db.Close()

	// Production boots against a migrated schema and refuses to run without
	// it; development creates missing tables on the fly.
	if config.IsProduction() {
		if err := db.VerifySchema(ctx); err != nil {
			log.Fatalf("Schema verification failed: %v", err)
		}
	} else {
		if err := db.CreateSchema(ctx); err != nil {
			log.Fatalf("Schema creation failed: %v", err)
		}
	}

	chain, err := chainclient.NewChainClientWithRetry(ctx, &config.Chain, 10, 5*time.Second)
	if err != nil {
		log.Fatalf("Error connecting to chain node: %v", err)
	}
	logging.Info("Oracle starting", logging.System,
		"oracle", chain.OracleAddress(), "env", config.Env)

	// Leaves first: proof store and scorer, then the ingest path, then the
	// periodic machinery that consumes them.
	proofStore := proofs.NewProofStore(db)
	scorer := scoring.NewScorer(db, proofStore, db)

	guard := ingest.NewReplayGuard()
	ingestor := ingest.NewIngestor(db, chain, chain, proofStore, scorer, guard,
		config.Api.ApiKey, config.Timing.FreshnessWindow())
	if err := ingestor.Bootstrap(ctx); err != nil {
		log.Fatalf("Ingestor bootstrap failed: %v", err)
	}

	bus := pipeline.NewBus()
	modelTable := pipeline.NewModelTable(config.Models)
	pipelineManager := pipeline.NewManager(db, db, modelTable, bus,
		config.Timing.HeartbeatTimeout(), config.Timing.ClusterMinAge(), config.Timing.NodeOfflineGrace())
	if err := pipelineManager.Bootstrap(ctx); err != nil {
		log.Fatalf("Pipeline bootstrap failed: %v", err)
	}

	contributionReporter := reporter.NewReporter(chain, scorer, db, config.Timing.ReportIntervalBlocks)
	epochDistributor := distributor.NewDistributor(chain, db)
	chainWatcher := watcher.NewWatcher(chain, db)
	nodeMonitor := monitor.NewMonitor(chain, db, pipelineManager,
		config.Timing.MonitorInterval(), config.Timing.HeartbeatTimeout())
	challengeOrchestrator := challenges.NewOrchestrator(chain, db, scorer, config.Timing.ChallengeInterval())

	go contributionReporter.Run(ctx)
	go epochDistributor.Run(ctx)
	go chainWatcher.Run(ctx)
	go nodeMonitor.Run(ctx)
	go challengeOrchestrator.Run(ctx)

	hub := ws.NewHub(bus)
	go hub.Run()

	apiServer := public.NewServer(ingestor, pipelineManager, db, chain, hub, guard,
		config.Timing.FreshnessWindow())
	addr := fmt.Sprintf(":%d", config.Api.Port)
	logging.Info("Starting public server", logging.Server, "addr", addr)
	apiServer.Start(addr)

	<-ctx.Done()
	logging.Info("Shutting down", logging.System)

	// Tickers observe ctx and stop on their own; drain in-flight HTTP, then
	// stop the websocket fanout, then the deferred db.Close runs last.
	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownGrace)
	defer cancel()
	if err := apiServer.Shutdown(shutdownCtx); err != nil {
		logging.Warn("Server shutdown failed", logging.Server, "error", err)
	}
	hub.Stop()
}
