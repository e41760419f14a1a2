package main

import (
	"context"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/quotagate/quotagate/internal/account"
	"github.com/quotagate/quotagate/internal/attempt"
	"github.com/quotagate/quotagate/internal/cache"
	"github.com/quotagate/quotagate/internal/clock"
	"github.com/quotagate/quotagate/internal/config"
	"github.com/quotagate/quotagate/internal/database"
	"github.com/quotagate/quotagate/internal/frequency"
	"github.com/quotagate/quotagate/internal/logging"
	"github.com/quotagate/quotagate/internal/maintenance"
	"github.com/quotagate/quotagate/internal/monitoring"
	"github.com/quotagate/quotagate/internal/ratelimit"
	"github.com/quotagate/quotagate/internal/redemption"
	"github.com/quotagate/quotagate/internal/server"
	"github.com/quotagate/quotagate/migrations"
	"github.com/rs/zerolog/log"
)

func main() {
	migrate := flag.Bool("migrate", false, "Apply pending database migrations before serving")
	envFile := flag.String("env-file", ".env", "Optional dotenv file to load")
	flag.Parse()

	// A missing .env is normal outside development
	if err := godotenv.Load(*envFile); err != nil && !os.IsNotExist(err) {
		fmt.Fprintf(os.Stderr, "Failed to load %s: %v\n", *envFile, err)
		os.Exit(1)
	}

	// Load configuration first
	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load configuration: %v\n", err)
		os.Exit(1)
	}

	// Initialize structured logging
	logging.Setup(&cfg.Logging, cfg.Server.Env, cfg.Server.Name)

	log.Info().
		Str("env", cfg.Server.Env).
		Str("name", cfg.Server.Name).
		Msg("Starting quotagate API server")

	ctx := context.Background()

	if *migrate {
		if err := database.RunMigrations(cfg.Database.URL, migrations.FS, "."); err != nil {
			log.Fatal().Err(err).Msg("Failed to apply migrations")
		}
	}

	// Initialize database connection
	db, err := database.New(ctx, &cfg.Database)
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to connect to database")
	}
	defer db.Close()

	rdb, err := cache.NewRedis(ctx, &cfg.Redis)
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to connect to redis")
	}
	defer rdb.Close()

	// Initialize Prometheus metrics
	monitoring.Init()
	log.Info().Msg("Prometheus metrics initialized")

	// Start metrics server if enabled
	if cfg.Monitoring.PrometheusEnabled {
		go startMetricsServer(cfg.Monitoring.PrometheusPort)
	}

	clk := clock.Real()
	sec := cfg.Security

	tracker := attempt.NewTracker(db, attempt.Config{
		MaxFailures: sec.MaxFailedAttempts,
		Lockout:     sec.LockoutDuration,
	}, clk)

	var scheduler *maintenance.Scheduler
	if cfg.Maintenance.Enabled {
		sweeper := maintenance.NewSweeper(db, maintenance.Config{
			ActivityRetention: cfg.Maintenance.ActivityRetention,
			AttemptRetention:  cfg.Maintenance.AttemptRetention,
		}, clk)
		scheduler = maintenance.NewScheduler(sweeper, cfg.Maintenance.Interval)
		if err := scheduler.Start(ctx); err != nil {
			log.Fatal().Err(err).Msg("Failed to start maintenance scheduler")
		}
		defer scheduler.Stop()
	}

	deps := server.Deps{
		Detector: frequency.NewDetector(rdb, frequency.Config{
			Burst10s:      sec.FrequencyBurst10s,
			Sustained60s:  sec.FrequencySustained60s,
			BlockDuration: sec.FrequencyBlock,
		}, clk),
		Limiter: ratelimit.NewLimiter(rdb, ratelimit.Config{
			Limit10Min: sec.IPLimit10Min,
			LimitHour:  sec.IPLimitHour,
			Penalty:    sec.IPPenalty,
		}, clk),
		Activity: ratelimit.NewActivityLog(db),
		Redeemer: redemption.NewEngine(redemption.NewPostgresStore(db), tracker, clk, sec.MinKeyLength),
		Attempts: tracker,
		Accounts: account.NewService(db, clk),
		Health: map[string]server.HealthChecker{
			"database": db,
			"redis":    rdb,
		},
	}
	if scheduler != nil {
		deps.Maintenance = scheduler
	}
	srv := server.NewAPIServer(cfg, deps)

	httpServer := &http.Server{
		Addr:         fmt.Sprintf(":%d", cfg.Server.Port),
		Handler:      srv.Router(),
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
		IdleTimeout:  cfg.Server.IdleTimeout,
	}

	// Start server in goroutine
	go func() {
		log.Info().
			Int("port", cfg.Server.Port).
			Msg("API server listening")
		if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatal().Err(err).Msg("Failed to start server")
		}
	}()

	// Graceful shutdown
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	sig := <-quit

	log.Info().
		Str("signal", sig.String()).
		Msg("Shutdown signal received, gracefully shutting down...")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		log.Error().Err(err).Msg("Server forced to shutdown")
	}

	log.Info().Msg("Server exited gracefully")
}

func startMetricsServer(port int) {
	mux := http.NewServeMux()
	mux.Handle("/metrics", monitoring.Handler())

	metricsServer := &http.Server{
		Addr:         fmt.Sprintf(":%d", port),
		Handler:      mux,
		ReadTimeout:  5 * time.Second,
		WriteTimeout: 10 * time.Second,
	}

	log.Info().
		Int("port", port).
		Msg("Prometheus metrics server listening")

	if err := metricsServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		log.Error().Err(err).Msg("Metrics server error")
	}
}
