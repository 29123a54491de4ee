package main

import (
	"context"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/joho/godotenv"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/numrent/numrent/cmd/mainconfig"
	"github.com/numrent/numrent/internal/admin"
	"github.com/numrent/numrent/internal/api/router"
	"github.com/numrent/numrent/internal/app/bootstrap"
	"github.com/numrent/numrent/internal/billing"
	appconfig "github.com/numrent/numrent/internal/config"
	"github.com/numrent/numrent/internal/correlator"
	"github.com/numrent/numrent/internal/gateway"
	"github.com/numrent/numrent/internal/observability/metrics"
	"github.com/numrent/numrent/internal/reservation"
	"github.com/numrent/numrent/internal/scheduler"
	"github.com/numrent/numrent/internal/store"
	"github.com/numrent/numrent/internal/worker/inbound"
	"github.com/numrent/numrent/pkg/logging"
)

func main() {
	// Load .env file
	if err := godotenv.Load(); err != nil {
		log.Println("No .env file found, using environment variables")
	}

	// Load configuration
	cfg := appconfig.Load()

	// Initialize logger
	logger := logging.New(cfg.LogLevel)
	logger.Info("starting numrent API server",
		"env", cfg.Env,
		"port", cfg.Port,
	)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// Storage
	pool, err := bootstrap.BuildPgxPool(ctx, cfg)
	if err != nil {
		logger.Error("failed to connect postgres", "error", err)
		os.Exit(1)
	}
	defer pool.Close()
	st := store.NewStore(pool)

	statsDB, err := bootstrap.BuildStatsDB(cfg)
	if err != nil {
		logger.Error("failed to open stats db", "error", err)
		os.Exit(1)
	}
	defer statsDB.Close()

	// Observability
	metricsHandler, registry, m := setupMetrics()

	// AWS clients only when a configured component needs them
	var awsCfg aws.Config
	if bootstrap.NeedsAWS(cfg) {
		awsCfg, err = mainconfig.LoadAWSConfig(ctx, cfg)
		if err != nil {
			logger.Error("failed to load AWS config", "error", err)
			os.Exit(1)
		}
	}

	// Inbound queue, replay guard, notifications
	inboundQueue, err := bootstrap.BuildQueue(cfg, awsCfg, m, logger)
	if err != nil {
		logger.Error("failed to build inbound queue", "error", err)
		os.Exit(1)
	}
	redisClient := bootstrap.BuildRedisClient(ctx, cfg, logger, true)
	if redisClient != nil {
		defer redisClient.Close()
	}
	replay := bootstrap.BuildReplayGuard(redisClient, logger)
	notifier := bootstrap.BuildNotifier(cfg, awsCfg, logger, m)

	// Rental pipeline
	flags := admin.NewFlags(cfg.MaintenanceMode, cfg.CleanupEnabled)
	engine := reservation.NewEngine(st, cfg.ReservationTimeout, cfg.PageSize, logger, m)
	engine.SetFlags(flags)
	biller := billing.NewService(st, notifier, cfg.NumberRetirementUsers, cfg.LowStockThreshold, logger, m)
	corr := correlator.NewService(st, biller, logger, m)

	// Auto-search tasks are spawned by Reserve, so they live with the API.
	autoSearcher := scheduler.NewAutoSearcher(st, corr, cfg.AutoSearchInitialWait, cfg.PollInterval, cfg.AutoSearchMaxRuntime, logger)
	autoSearcher.Start(ctx)
	defer autoSearcher.Stop()
	engine.SetWatcher(autoSearcher)

	// With the memory queue everything runs in this process. In SQS mode
	// cmd/worker owns the pool and the periodic sweeps.
	var inboundPool *inbound.Pool
	if cfg.UseMemoryQueue {
		inboundPool = inbound.NewPool(inboundQueue, corr, logger,
			inbound.WithWorkerCount(cfg.WorkerCount),
		)

		expiry := scheduler.NewExpirySweeper(st, engine, notifier, cfg.ExpiryInterval, logger)
		go expiry.Start(ctx)

		var archiver scheduler.Archiver
		if a := bootstrap.BuildArchiver(cfg, awsCfg, logger); a != nil {
			archiver = a
		}
		retention := scheduler.NewRetentionSweeper(st, corr, archiver, flags, scheduler.RetentionPolicy{
			MessageAge:      cfg.MessageRetention(),
			OrphanAge:       cfg.OrphanRetention(),
			BlockedAge:      cfg.BlockedRetention(),
			RetireThreshold: cfg.NumberRetirementUsers,
		}, cfg.CleanupInterval, logger, m)
		go retention.Start(ctx)
	}

	// HTTP surface
	webhook := gateway.NewWebhookHandler(gateway.WebhookConfig{
		Secret:  cfg.HMACSecret,
		Queue:   inboundQueue,
		Replay:  replay,
		Logger:  logger,
		Metrics: m,
	})

	routerCfg := &router.Config{
		Logger:             logger,
		ReservationHandler: reservation.NewHandler(engine, logger),
		GatewayWebhook:     webhook,
		AdminHandler:       admin.NewHandler(flags, corr, cfg.OrphanRetention(), logger),
		AdminStats:         admin.NewStatsHandler(statsDB, registry, logger),
		AdminAuthSecret:    cfg.AdminJWTSecret,
		MetricsHandler:     metricsHandler,
		HealthCheck:        healthCheck(pool),
	}
	r := router.New(routerCfg)

	// Create HTTP server
	srv := &http.Server{
		Addr:         ":" + cfg.Port,
		Handler:      r,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	// Start server in a goroutine
	go func() {
		logger.Info("server listening", "addr", srv.Addr)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Error("server error", "error", err)
			os.Exit(1)
		}
	}()

	// Wait for interrupt signal to gracefully shutdown the server
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	logger.Info("shutting down server...")

	// Graceful shutdown with timeout
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer shutdownCancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Error("server forced to shutdown", "error", err)
		os.Exit(1)
	}
	if inboundPool != nil {
		if err := inboundPool.Shutdown(shutdownCtx); err != nil {
			logger.Error("inbound pool forced to shutdown", "error", err)
		}
	}

	logger.Info("server stopped")
	fmt.Println("Server exited gracefully")
}

// setupMetrics builds the Prometheus registry and scrape handler.
func setupMetrics() (http.Handler, *prometheus.Registry, *metrics.Metrics) {
	reg := prometheus.NewRegistry()
	m := metrics.New(reg)
	return promhttp.HandlerFor(reg, promhttp.HandlerOpts{}), reg, m
}

// healthCheck pings the database so load balancers stop routing to a
// process that lost its pool.
func healthCheck(pool *pgxpool.Pool) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
		defer cancel()
		if err := pool.Ping(ctx); err != nil {
			http.Error(w, "database unreachable", http.StatusServiceUnavailable)
			return
		}
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	}
}
