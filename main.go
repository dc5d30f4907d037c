package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"
	"time"

	"go.uber.org/zap"

	"logsentry/internal/config"
	"logsentry/internal/orchestrator"
	"logsentry/internal/repository"
	"logsentry/internal/server"
	"logsentry/internal/triage"
)

func main() {
	logger, err := zap.NewDevelopment()
	if err != nil {
		panic(err)
	}
	defer func() {
		_ = logger.Sync()
	}()

	// Load configuration
	cfgPath := "configs/config.yml"
	cfg, err := config.LoadConfig(cfgPath)
	if err != nil {
		logger.Fatal("Failed to load config", zap.Error(err))
	}

	// Database connection
	db, err := repository.NewPostgresDB(cfg.Database.URL, logger)
	if err != nil {
		logger.Fatal("Failed to connect to database", zap.Error(err))
	}
	defer db.Close()

	// Run migrations
	repository.MigrateDB(db, logger)

	// Context for graceful shutdown
	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	// Initialize the triage adapter (optional - without an API key the
	// pipeline completes with detections only)
	var triager orchestrator.Triager
	triageEnabled := false
	if cfg.Analysis.TriageEnabled && cfg.Gemini.APIKey != "" {
		geminiClient, err := triage.NewGeminiClient(ctx, triage.GeminiConfig{
			APIKey:    cfg.Gemini.APIKey,
			ModelName: cfg.Gemini.Model,
		}, logger)
		if err != nil {
			logger.Fatal("Failed to initialize Gemini client", zap.Error(err))
		}
		defer geminiClient.Close()

		triageCfg := triage.DefaultConfig()
		if cfg.Gemini.TimeoutSecs > 0 {
			triageCfg.CallTimeout = time.Duration(cfg.Gemini.TimeoutSecs) * time.Second
		}
		triager = triage.NewAdapter(geminiClient, triageCfg, logger)
		triageEnabled = true
		logger.Info("Triage enabled", zap.String("model", cfg.Gemini.Model))
	} else {
		logger.Warn("Triage disabled, anomalies will be flagged but not triaged")
	}

	// Initialize repositories and the analysis orchestrator
	datasetRepo := repository.NewDatasetRepository(db, logger)
	sessionRepo := repository.NewSessionRepository(db, logger)
	anomalyRepo := repository.NewAnomalyRepository(db, logger)
	reportRepo := repository.NewReportRepository(db, logger)

	orch := orchestrator.New(
		datasetRepo,
		sessionRepo,
		anomalyRepo,
		reportRepo,
		&repository.StoreSource{Datasets: datasetRepo},
		triager,
		orchestrator.Config{
			ThresholdPercentile: cfg.Analysis.ThresholdPercentile,
			MinRows:             cfg.Analysis.MinRows,
			MaxTriageReports:    cfg.Analysis.MaxTriageReports,
			RunTimeout:          time.Duration(cfg.Analysis.RunTimeoutMinutes) * time.Minute,
			TriageEnabled:       triageEnabled,
			Seed:                1,
		},
		logger,
	)

	// Initialize and run the server
	srv := server.NewServer(db, cfg, orch, logger)
	go func() {
		if err := srv.Run(cfg.Server.Port); err != nil {
			logger.Error("Server stopped", zap.Error(err))
			cancel()
		}
	}()

	<-ctx.Done()
	logger.Info("Shutting down, waiting for running analyses...")
	orch.Wait()
	logger.Info("Application stopped.")
}
