// Conductor control plane server: event-sourced write path, policy pipeline,
// lease coordinator, outbox automation and live stream fanout.
package main

import (
	"context"
	"errors"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/google/uuid"
	"github.com/joho/godotenv"

	"github.com/codeready-toolchain/conductor/pkg/api"
	"github.com/codeready-toolchain/conductor/pkg/auth"
	"github.com/codeready-toolchain/conductor/pkg/automation"
	"github.com/codeready-toolchain/conductor/pkg/cleanup"
	"github.com/codeready-toolchain/conductor/pkg/config"
	"github.com/codeready-toolchain/conductor/pkg/database"
	"github.com/codeready-toolchain/conductor/pkg/eventstore"
	"github.com/codeready-toolchain/conductor/pkg/health"
	"github.com/codeready-toolchain/conductor/pkg/kernel"
	"github.com/codeready-toolchain/conductor/pkg/lease"
	"github.com/codeready-toolchain/conductor/pkg/masking"
	"github.com/codeready-toolchain/conductor/pkg/models"
	"github.com/codeready-toolchain/conductor/pkg/policy"
	"github.com/codeready-toolchain/conductor/pkg/projection"
	"github.com/codeready-toolchain/conductor/pkg/ratelimit"
	"github.com/codeready-toolchain/conductor/pkg/services"
	"github.com/codeready-toolchain/conductor/pkg/stream"
	"github.com/codeready-toolchain/conductor/pkg/version"
)

func main() {
	if err := godotenv.Load(); err != nil {
		log.Printf("No .env file loaded: %v", err)
	}

	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("Failed to load configuration: %v", err)
	}

	log.Printf("Starting %s", version.Full())

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	// Database + migrations.
	dbConfig, err := database.LoadConfigFromEnv()
	if err != nil {
		log.Fatalf("Failed to load database config: %v", err)
	}
	dbClient, err := database.NewClient(ctx, dbConfig)
	if err != nil {
		log.Fatalf("Failed to connect to database: %v", err)
	}
	defer func() {
		if err := dbClient.Close(); err != nil {
			log.Printf("Error closing database client: %v", err)
		}
	}()
	log.Println("Connected to PostgreSQL, schema up to date")

	// Kernel: event store + projections + outbox bindings.
	store := eventstore.New(dbClient.DB())
	engine := projection.NewEngine()

	// The automation registry defines the outbox bindings; it needs the
	// kernel, so bindings are installed right after it is built.
	krnl := kernel.New(dbClient.DB(), store, engine, nil)
	loop := automation.NewLoop(krnl, cfg.Automation.PromotionLoopEnabled)
	registry := automation.DefaultRegistry(loop)
	krnl.SetBindings(registry.Bindings())

	// Services.
	masker := masking.NewService()
	authService := auth.NewService(dbClient.DB())
	leases := lease.NewCoordinator(krnl, cfg.Leases)
	limiter := ratelimit.NewLimiter(krnl, cfg.RateLimit)
	policyPipeline := policy.NewPipeline(krnl, &cfg.Policy, masker)
	roomService := services.NewRoomService(krnl, leases)
	runService := services.NewRunService(krnl)
	approvalService := services.NewApprovalService(krnl, leases)
	incidentService := services.NewIncidentService(krnl, leases)
	experimentService := services.NewExperimentService(krnl, cfg)
	pipelineService := services.NewPipelineService(krnl)
	healthService := health.NewService(dbClient.DB(), cfg.Health, limiter)
	log.Println("Services initialized")

	// Live fanout: NOTIFY listener + streamer + websocket manager.
	listener := stream.NewListener(dbConfig.DSN())
	if err := listener.Start(ctx); err != nil {
		log.Printf("NOTIFY listener unavailable, falling back to polling: %v", err)
		listener = nil
	}
	streamer := stream.NewStreamer(store, listener)
	connManager := stream.NewConnectionManager(streamer,
		func(st models.StreamType, id string) string {
			return authService.WorkspaceOfStream(context.Background(), string(st), id)
		}, 10*time.Second)

	// Automation workers and cron heart.
	podID := getEnv("POD_ID", "pod-"+uuid.New().String()[:8])
	pool := automation.NewWorkerPool(podID, krnl, registry, cfg.Automation)
	pool.Start(ctx)

	cleanupService := cleanup.NewService(dbClient.DB(), cfg.Retention)
	heart := automation.NewHeart(krnl, cfg.Cron, podID)
	heart.Register(automation.CronJob{
		Name: "stale_approvals", Schedule: "0 */5 * * * *",
		Run: func(ctx context.Context) error { return loop.ScanStaleApprovals(ctx, cfg.Cron.BatchLimit) },
	})
	heart.Register(automation.CronJob{
		Name: "orphaned_runs", Schedule: "30 */2 * * * *",
		Run: func(ctx context.Context) error { return loop.ScanOrphanedRuns(ctx, cfg.Cron.BatchLimit) },
	})
	heart.Register(automation.CronJob{
		Name: "dlq_watchdog", Schedule: "15 */5 * * * *",
		Run: func(ctx context.Context) error { return loop.ScanDLQ(ctx, cfg.Cron.BatchLimit) },
	})
	heart.Register(automation.CronJob{
		Name: "survival_rollup", Schedule: "0 0 1 * * *",
		Run: func(ctx context.Context) error { return loop.RunSurvivalRollup(ctx, cfg.Cron.BatchLimit) },
	})
	heart.Register(automation.CronJob{
		Name: "retention_cleanup", Schedule: "45 30 */6 * * *",
		Run: cleanupService.Run,
	})
	if err := heart.Start(ctx); err != nil {
		log.Fatalf("Failed to start cron heart: %v", err)
	}

	// HTTP server.
	server := api.NewServer(api.Deps{
		Cfg:            cfg,
		DBClient:       dbClient,
		Kernel:         krnl,
		AuthService:    authService,
		RoomService:    roomService,
		RunService:     runService,
		Approvals:      approvalService,
		Incidents:      incidentService,
		Experiments:    experimentService,
		PipelineView:   pipelineService,
		Leases:         leases,
		PolicyPipeline: policyPipeline,
		Limiter:        limiter,
		HealthService:  healthService,
		Streamer:       streamer,
		ConnManager:    connManager,
	})

	go func() {
		addr := ":" + cfg.HTTPPort
		log.Printf("HTTP server listening on %s", addr)
		if err := server.Start(addr); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Fatalf("HTTP server failed: %v", err)
		}
	}()

	<-ctx.Done()
	log.Println("Shutting down")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		log.Printf("HTTP shutdown error: %v", err)
	}
	heart.Stop()
	pool.Stop()
	if listener != nil {
		listener.Stop(shutdownCtx)
	}
	log.Println("Shutdown complete")
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}
