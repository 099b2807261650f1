package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/punchamoorthee/meterbill/internal/api"
	"github.com/punchamoorthee/meterbill/internal/config"
	"github.com/punchamoorthee/meterbill/internal/logging"
	"github.com/punchamoorthee/meterbill/internal/service"
	"github.com/punchamoorthee/meterbill/internal/store"
	"github.com/rs/zerolog/log"
)

func main() {
	// A missing .env is fine; the environment may already be populated.
	_ = godotenv.Load()

	cfg, err := config.Load()
	if err != nil {
		log.Fatal().Err(err).Msg("invalid configuration")
	}
	logger := logging.New(cfg.Env, cfg.LogLevel)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	db, err := store.NewPostgresStore(ctx, cfg.DBSource, cfg.DBMaxConns, logger)
	if err != nil {
		logger.Fatal().Err(err).Msg("unable to connect to database")
	}
	defer db.Close()

	if cfg.MigrateOnStart {
		if err := db.Migrate(ctx); err != nil {
			logger.Fatal().Err(err).Msg("migration failed")
		}
	}

	costSource, err := service.ParseCostSource(cfg.CostSource)
	if err != nil {
		logger.Fatal().Err(err).Msg("invalid cost source")
	}

	// Initialize Layers
	settlement := service.NewSettlementService(db, logger,
		service.WithCostSource(costSource),
		service.WithMaxAttempts(cfg.SettleAttempts),
	)
	catalog := service.NewCatalogService(db, logger, cfg.APICacheSize, cfg.APICacheTTL)
	ledger := service.NewLedgerService(db)
	analytics := service.NewAnalyticsService(db, time.Now)

	handler := api.NewHandler(settlement, catalog, ledger, analytics, db)

	srv := &http.Server{
		Addr:         ":" + cfg.Port,
		Handler:      api.NewRouter(handler, logger),
		ReadTimeout:  cfg.ReadTimeout,
		WriteTimeout: cfg.WriteTimeout,
	}

	go func() {
		logger.Info().Str("port", cfg.Port).Str("cost_source", costSource.String()).Msg("server starting")
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Fatal().Err(err).Msg("server failed")
		}
	}()

	<-ctx.Done()
	logger.Info().Msg("shutting down")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Error().Err(err).Msg("graceful shutdown failed")
	}
}
