package main

import (
	"context"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"
	"github.com/rs/zerolog/log"

	"github.com/shareflow/shareflow-api/internal/config"
	"github.com/shareflow/shareflow-api/internal/domain/admin"
	"github.com/shareflow/shareflow-api/internal/domain/commission"
	"github.com/shareflow/shareflow-api/internal/domain/phase"
	"github.com/shareflow/shareflow-api/internal/domain/sale"
	"github.com/shareflow/shareflow-api/internal/domain/withdrawal"
	"github.com/shareflow/shareflow-api/internal/middleware"
	"github.com/shareflow/shareflow-api/internal/pkg/database"
	"github.com/shareflow/shareflow-api/internal/pkg/jwt"
	"github.com/shareflow/shareflow-api/internal/pkg/logger"
	"github.com/shareflow/shareflow-api/internal/pkg/metrics"
	"github.com/shareflow/shareflow-api/internal/pkg/migrations"
	pkgresponse "github.com/shareflow/shareflow-api/internal/pkg/response"
)

const version = "1.0.0"

// handlers groups everything the router mounts.
type handlers struct {
	phases      *phase.Handler
	commissions *commission.Handler
	withdrawals *withdrawal.Handler
	sales       *sale.Handler
	admin       *admin.Handler

	auth           func(http.Handler) http.Handler
	limiter        func(http.Handler) http.Handler
	allowedOrigins []string
}

func main() {
	cfg := config.Load()
	logger.Init(logger.Config{
		Level:       cfg.LogLevel,
		Environment: cfg.Env,
		Service:     "api",
	})
	if err := cfg.Validate(); err != nil {
		log.Fatal().Err(err).Msg("Invalid configuration")
	}

	log.Info().
		Str("env", cfg.Env).
		Str("port", cfg.Port).
		Msg("Starting ShareFlow API")

	if cfg.MigrationsAuto {
		if err := migrations.Up(cfg.DatabaseURL); err != nil {
			log.Fatal().Err(err).Msg("Failed to apply migrations")
		}
	}

	db, err := database.NewPostgres(cfg.DatabaseURL)
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to connect to PostgreSQL")
	}
	defer database.ClosePostgres(db)

	redis, err := database.NewRedis(cfg.RedisURL)
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to connect to Redis")
	}
	defer database.CloseRedis(redis)

	if cfg.SaleWebhookSecret == "" {
		log.Warn().Msg("SALE_WEBHOOK_SECRET is empty, sale webhooks will be rejected")
	}

	window, err := withdrawal.NewWindow(cfg.WithdrawalWindowSchedule, cfg.WithdrawalWindowDuration)
	if err != nil {
		log.Fatal().Err(err).Str("schedule", cfg.WithdrawalWindowSchedule).Msg("Invalid withdrawal window")
	}

	// ---------- Services ----------
	adminService := admin.NewService(db, admin.NewRepository(db))

	phaseService := phase.NewService(db, phase.NewRepository(db), phase.NewProgressCache(redis, cfg.ProgressCacheTTL))
	commissionService := commission.NewService(db, commission.NewRepository(db), cfg.CommissionLevels)
	withdrawalService := withdrawal.NewService(db, withdrawal.NewRepository(db), commissionService, window, cfg.MinWithdrawalAmount)

	phaseService.SetSaleSettler(commissionService)
	phaseService.SetAuditRecorder(adminService)
	commissionService.SetCapacityAllocator(phaseService)
	commissionService.SetAuditRecorder(adminService)
	withdrawalService.SetAuditRecorder(adminService)

	// ---------- Handlers ----------
	jwtService := jwt.NewService(cfg.JWTSecret, cfg.JWTAccessTTL)
	adminJWTService := admin.NewJWTService(cfg.AdminJWTSecret, cfg.AdminJWTTTL)

	rateLimiter := middleware.NewRateLimiter(cfg.RateLimitRPS, cfg.RateLimitBurst)
	stopCleanup := make(chan struct{})
	go rateLimiter.StartCleanup(5*time.Minute, stopCleanup)

	r := newRouter(handlers{
		phases:      phase.NewHandler(phaseService),
		commissions: commission.NewHandler(commissionService),
		withdrawals: withdrawal.NewHandler(withdrawalService),
		sales:       sale.NewHandler(phaseService, cfg.SaleWebhookSecret),
		admin: admin.NewHandler(
			adminService,
			adminJWTService,
			admin.NewPhaseHandler(phaseService),
			admin.NewCommissionHandler(commissionService),
			admin.NewWithdrawalHandler(withdrawalService),
		),
		auth:           middleware.Auth(jwtService),
		limiter:        rateLimiter.Handler,
		allowedOrigins: cfg.AllowedOrigins,
	})

	server := &http.Server{
		Addr:         ":" + cfg.Port,
		Handler:      r,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	go func() {
		log.Info().Str("addr", server.Addr).Msg("HTTP server listening")
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatal().Err(err).Msg("HTTP server error")
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	log.Info().Msg("Shutting down server...")
	close(stopCleanup)

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if err := server.Shutdown(ctx); err != nil {
		log.Fatal().Err(err).Msg("Server forced to shutdown")
	}

	log.Info().Msg("Server exited properly")
}

func newRouter(h handlers) chi.Router {
	r := chi.NewRouter()

	r.Use(chimw.RealIP)
	r.Use(middleware.RequestID)
	r.Use(middleware.Logger)
	r.Use(middleware.Recover)
	r.Use(metrics.InstrumentHandler)
	r.Use(middleware.CORSHandler(h.allowedOrigins))

	r.Get("/health", func(w http.ResponseWriter, r *http.Request) {
		pkgresponse.OK(w, map[string]string{
			"status":  "ok",
			"version": version,
		})
	})
	r.Handle("/metrics", metrics.Handler())

	r.Route("/api/v1", func(r chi.Router) {
		r.Get("/ping", func(w http.ResponseWriter, r *http.Request) {
			pkgresponse.OK(w, map[string]string{"message": "pong"})
		})

		r.Mount("/phases", h.phases.Routes())
		r.Mount("/purchases", h.sales.Routes(h.auth, h.limiter))
		r.Mount("/commissions", h.commissions.Routes(h.auth))
		r.Mount("/withdrawals", h.withdrawals.Routes(h.auth, h.limiter))
	})

	r.Mount("/webhooks/sales", h.sales.WebhookRoutes())
	r.Mount("/api/admin", h.admin.Routes())

	return r
}
