package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"bybit-spot-bot-go/internal/bybit"
	"bybit-spot-bot-go/internal/config"
	"bybit-spot-bot-go/internal/database"
	"bybit-spot-bot-go/internal/logger"
	"bybit-spot-bot-go/internal/market"
	"bybit-spot-bot-go/internal/trader"
	"go.uber.org/zap"
)

func main() {
	// Load application configuration
	cfg, err := config.LoadConfig("./configs")
	if err != nil {
		// We can't use the logger here because it's not initialized yet.
		panic(fmt.Sprintf("could not load config: %v", err))
	}

	// Initialize logger
	log, err := logger.NewLogger(cfg.Logger.Level, cfg.Logger.Format)
	if err != nil {
		panic(err)
	}
	defer log.Sync()
	log.Info("Configuration loaded")

	// Initialize database
	db, err := database.NewDatabase(cfg.Database.DSN)
	if err != nil {
		log.Fatal("Failed to connect to database", zap.Error(err))
	}
	log.Info("Database connection successful and schema migrated.")

	// Initialize Bybit REST client
	restClient := bybit.NewRestClient(&cfg.Bybit, log)
	if _, err := restClient.GetServerTime(); err != nil {
		log.Fatal("Failed to connect to Bybit API", zap.Error(err))
	}
	log.Info("Successfully connected to Bybit API.")

	cache := market.NewInstrumentCache(restClient, log, market.DefaultTTL)

	// The trading config is re-read from disk at the start of every cycle
	// so edits take effect without a restart.
	tradingSource := func() (*config.Trading, error) {
		fresh, err := config.LoadConfig("./configs")
		if err != nil {
			return nil, err
		}
		return &fresh.Trading, nil
	}

	engine := trader.NewEngine(log, db, restClient, cache, tradingSource, cfg.Trading.UserID)
	if err := engine.Start(); err != nil {
		log.Fatal("Failed to start trading engine", zap.Error(err))
	}

	apiServer := trader.NewAPIServer(engine, log, cfg.Server.Port)
	apiServer.Start()

	// Wait for a shutdown signal
	sigchan := make(chan os.Signal, 1)
	signal.Notify(sigchan, syscall.SIGINT, syscall.SIGTERM)
	<-sigchan
	log.Info("Shutdown signal received, gracefully shutting down...")

	engine.Stop()
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := apiServer.Stop(shutdownCtx); err != nil {
		log.Error("API server shutdown failed", zap.Error(err))
	}

	log.Info("Bot has been shut down.")
}
