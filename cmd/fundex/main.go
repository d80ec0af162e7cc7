package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/joho/godotenv"

	"github.com/efreitasn/fundex/internal/client"
	"github.com/efreitasn/fundex/internal/config"
	"github.com/efreitasn/fundex/internal/handler"
	"github.com/efreitasn/fundex/internal/pricing"
	"github.com/efreitasn/fundex/internal/service"
	"github.com/efreitasn/fundex/internal/settlement"
	"github.com/efreitasn/fundex/internal/store"
)

func main() {
	healthcheck := flag.Bool("healthcheck", false, "Run health check against running server")
	envFile := flag.String("env-file", ".env", "Optional file of environment variables to load")
	flag.Parse()

	// Variables already set in the environment win over the file.
	envLoadErr := godotenv.Load(*envFile)

	// Handle -healthcheck flag: HTTP GET to localhost:PORT/healthz, exit 0/1.
	if *healthcheck {
		port := os.Getenv("PORT")
		if port == "" {
			port = "8080"
		}
		resp, err := http.Get(fmt.Sprintf("http://localhost:%s/healthz", port))
		if err != nil || resp.StatusCode != http.StatusOK {
			os.Exit(1)
		}
		os.Exit(0)
	}

	// Load configuration.
	cfg, err := config.Load()
	if err != nil {
		slog.Error("failed to load config", slog.String("error", err.Error()))
		os.Exit(1)
	}

	// Set up slog logger with configured level.
	var logLevel slog.Level
	switch cfg.LogLevel {
	case "debug":
		logLevel = slog.LevelDebug
	case "warn":
		logLevel = slog.LevelWarn
	case "error":
		logLevel = slog.LevelError
	default:
		logLevel = slog.LevelInfo
	}
	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
		Level: logLevel,
	}))
	slog.SetDefault(logger)

	if envLoadErr != nil {
		logger.Debug("env file not loaded", slog.String("path", *envFile), slog.String("error", envLoadErr.Error()))
	}

	// Sent record.
	sentStore, err := store.OpenBadgerStore(cfg.SentStoreDir)
	if err != nil {
		logger.Error("failed to open sent store", slog.String("error", err.Error()))
		os.Exit(1)
	}
	defer sentStore.Close()
	if cfg.SentStoreDir == "" {
		logger.Warn("SENT_STORE_DIR not set, sent record will not survive restarts")
	}

	// Term rates.
	rates, err := client.LoadTermRates(cfg.TermRatesFile)
	if err != nil {
		logger.Error("failed to load term rates", slog.String("error", err.Error()))
		os.Exit(1)
	}

	// Upstream clients.
	matchingClient := client.NewMatchingClient(cfg.MatchingURL, cfg.MatchingTimeout)
	exchangeClient := client.NewExchangeClient(cfg.ExchangeURL, cfg.SubmitTimeout)

	// Pricing.
	engine := pricing.NewEngine(pricing.Band{Min: cfg.ThresholdMin, Max: cfg.ThresholdMax}, logger)
	pricingSvc := service.NewPricingService(engine, rates, logger)

	// Settlement.
	tokens := settlement.DefaultMarketMakerTokens
	if cfg.MarketMakerTokens != nil {
		tokens = cfg.MarketMakerTokens
	}
	settlementSvc := service.NewSettlementService(matchingClient, exchangeClient, sentStore, settlement.Options{
		PageSize:      cfg.PageSize,
		SubmitTimeout: cfg.SubmitTimeout,
		Concurrency:   cfg.SubmitConcurrency,
		Classifier:    settlement.NewClassifier(tokens),
	}, logger)

	// Router.
	router := handler.NewRouter(pricingSvc, settlementSvc, logger)

	// Start reconciliation goroutine with cancellable context.
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	settlement.NewReconciler(cfg.ReconcileInterval, settlementSvc, logger).Start(ctx)

	// Configure HTTP server.
	addr := fmt.Sprintf(":%d", cfg.Port)
	srv := &http.Server{
		Addr:         addr,
		Handler:      router,
		ReadTimeout:  cfg.ReadTimeout,
		WriteTimeout: cfg.WriteTimeout,
		IdleTimeout:  cfg.IdleTimeout,
	}

	// Start HTTP server in a goroutine.
	go func() {
		logger.Info("server starting",
			slog.String("addr", addr),
			slog.String("matching_url", cfg.MatchingURL),
			slog.String("exchange_url", cfg.ExchangeURL),
		)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Error("server error", slog.String("error", err.Error()))
			os.Exit(1)
		}
	}()

	// Wait for SIGINT/SIGTERM.
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	sig := <-sigCh
	logger.Info("shutdown signal received", slog.String("signal", sig.String()))

	// Graceful shutdown: stop HTTP server so in-flight sends finish, then
	// stop the reconciler. The sent store closes on return.
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
	defer shutdownCancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Error("server shutdown error", slog.String("error", err.Error()))
	}
	cancel()

	logger.Info("server stopped")
}
