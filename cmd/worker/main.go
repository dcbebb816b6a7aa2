package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	"github.com/rs/zerolog/log"

	"github.com/shareflow/shareflow-api/internal/config"
	"github.com/shareflow/shareflow-api/internal/domain/admin"
	"github.com/shareflow/shareflow-api/internal/domain/commission"
	"github.com/shareflow/shareflow-api/internal/domain/phase"
	"github.com/shareflow/shareflow-api/internal/domain/withdrawal"
	"github.com/shareflow/shareflow-api/internal/pkg/database"
	"github.com/shareflow/shareflow-api/internal/pkg/lock"
	"github.com/shareflow/shareflow-api/internal/pkg/logger"
	"github.com/shareflow/shareflow-api/internal/worker"
)

func main() {
	cfg := config.Load()
	logger.Init(logger.Config{
		Level:       cfg.LogLevel,
		Environment: cfg.Env,
		Service:     "worker",
	})
	if err := cfg.Validate(); err != nil {
		log.Fatal().Err(err).Msg("Invalid configuration")
	}

	log.Info().Str("schedule", cfg.SweepSchedule).Msg("Starting sweep worker")

	db, err := database.NewPostgres(cfg.DatabaseURL)
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to connect to PostgreSQL")
	}
	defer database.ClosePostgres(db)

	rdb, err := database.NewRedis(cfg.RedisURL)
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to connect to Redis")
	}
	defer database.CloseRedis(rdb)

	window, err := withdrawal.NewWindow(cfg.WithdrawalWindowSchedule, cfg.WithdrawalWindowDuration)
	if err != nil {
		log.Fatal().Err(err).Msg("Invalid withdrawal window")
	}

	adminService := admin.NewService(db, admin.NewRepository(db))
	phaseService := phase.NewService(db, phase.NewRepository(db), phase.NewProgressCache(rdb, cfg.ProgressCacheTTL))
	commissionService := commission.NewService(db, commission.NewRepository(db), cfg.CommissionLevels)
	withdrawalService := withdrawal.NewService(db, withdrawal.NewRepository(db), commissionService, window, cfg.MinWithdrawalAmount)

	phaseService.SetSaleSettler(commissionService)
	phaseService.SetAuditRecorder(adminService)
	commissionService.SetCapacityAllocator(phaseService)
	commissionService.SetAuditRecorder(adminService)
	withdrawalService.SetAuditRecorder(adminService)

	jobs := worker.Jobs(phaseService, commissionService, withdrawalService, worker.JobConfig{
		AllocationPendingTTL: cfg.AllocationPendingTTL,
		CommissionMaturation: cfg.CommissionMaturation,
	})

	sweeper, err := worker.NewSweeper(cfg.SweepSchedule, lock.New(rdb), jobs...)
	if err != nil {
		log.Fatal().Err(err).Msg("Invalid sweep schedule")
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// Catch up once on boot, then follow the schedule.
	sweeper.RunAll(ctx)
	sweeper.Start()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGTERM, syscall.SIGINT)
	<-sigChan

	log.Info().Msg("Shutdown signal received")
	cancel()
	sweeper.Stop()
	log.Info().Msg("worker stopped")
}
