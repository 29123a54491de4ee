package main

import (
	"context"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"

	"github.com/numrent/numrent/cmd/mainconfig"
	"github.com/numrent/numrent/internal/admin"
	"github.com/numrent/numrent/internal/app/bootstrap"
	"github.com/numrent/numrent/internal/billing"
	appconfig "github.com/numrent/numrent/internal/config"
	"github.com/numrent/numrent/internal/correlator"
	"github.com/numrent/numrent/internal/reservation"
	"github.com/numrent/numrent/internal/scheduler"
	"github.com/numrent/numrent/internal/store"
	"github.com/numrent/numrent/internal/worker/inbound"
	"github.com/numrent/numrent/pkg/logging"
)

func main() {
	if err := godotenv.Load(); err != nil {
		log.Println("No .env file found, using environment variables")
	}

	cfg := appconfig.Load()
	logger := logging.New(cfg.LogLevel)

	if cfg.UseMemoryQueue {
		logger.Error("worker requires QUEUE_MODE=sqs; the memory queue only exists inside the api process")
		os.Exit(1)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	pool, err := bootstrap.BuildPgxPool(ctx, cfg)
	if err != nil {
		logger.Error("failed to connect postgres", "error", err)
		os.Exit(1)
	}
	defer pool.Close()
	st := store.NewStore(pool)

	awsCfg, err := mainconfig.LoadAWSConfig(ctx, cfg)
	if err != nil {
		logger.Error("failed to load AWS config", "error", err)
		os.Exit(1)
	}
	inboundQueue, err := bootstrap.BuildQueue(cfg, awsCfg, nil, logger)
	if err != nil {
		logger.Error("failed to build inbound queue", "error", err)
		os.Exit(1)
	}

	notifier := bootstrap.BuildNotifier(cfg, awsCfg, logger, nil)
	biller := billing.NewService(st, notifier, cfg.NumberRetirementUsers, cfg.LowStockThreshold, logger, nil)
	corr := correlator.NewService(st, biller, logger, nil)

	workerPool := inbound.NewPool(inboundQueue, corr, logger,
		inbound.WithWorkerCount(cfg.WorkerCount),
		inbound.WithWaitSeconds(10),
	)

	// Periodic sweeps run here so the api stays request-driven in SQS mode.
	engine := reservation.NewEngine(st, cfg.ReservationTimeout, cfg.PageSize, logger, nil)
	expiry := scheduler.NewExpirySweeper(st, engine, notifier, cfg.ExpiryInterval, logger)
	go expiry.Start(ctx)

	flags := admin.NewFlags(cfg.MaintenanceMode, cfg.CleanupEnabled)
	var archiver scheduler.Archiver
	if a := bootstrap.BuildArchiver(cfg, awsCfg, logger); a != nil {
		archiver = a
	}
	retention := scheduler.NewRetentionSweeper(st, corr, archiver, flags, scheduler.RetentionPolicy{
		MessageAge:      cfg.MessageRetention(),
		OrphanAge:       cfg.OrphanRetention(),
		BlockedAge:      cfg.BlockedRetention(),
		RetireThreshold: cfg.NumberRetirementUsers,
	}, cfg.CleanupInterval, logger, nil)
	go retention.Start(ctx)

	logger.Info("worker started", "workers", cfg.WorkerCount, "queue_url", cfg.InboundQueueURL)

	stop := make(chan os.Signal, 1)
	signal.Notify(stop, syscall.SIGINT, syscall.SIGTERM)
	<-stop

	logger.Info("shutting down worker...")
	cancel()

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer shutdownCancel()
	if err := workerPool.Shutdown(shutdownCtx); err != nil {
		logger.Error("worker shutdown timed out", "error", err)
		os.Exit(1)
	}
	logger.Info("worker stopped")
}
