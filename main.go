package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/sirupsen/logrus"

	"github.com/irfndi/accounting-finance-manager-sub006/application/advisor"
	"github.com/irfndi/accounting-finance-manager-sub006/application/invocation"
	appocr "github.com/irfndi/accounting-finance-manager-sub006/application/ocr"
	"github.com/irfndi/accounting-finance-manager-sub006/domain/ai"
	"github.com/irfndi/accounting-finance-manager-sub006/domain/ocr"
	"github.com/irfndi/accounting-finance-manager-sub006/domain/persistence"
	"github.com/irfndi/accounting-finance-manager-sub006/infrastructure/backend"
	infrapersistence "github.com/irfndi/accounting-finance-manager-sub006/infrastructure/persistence"
	httpiface "github.com/irfndi/accounting-finance-manager-sub006/interfaces/http"
	"github.com/irfndi/accounting-finance-manager-sub006/internal/config"
)

func main() {
	ctx := context.Background()

	// Local development convenience; production sets real env vars
	if err := godotenv.Load(); err == nil {
		logrus.Info("Loaded environment from .env file")
	}

	cfg, err := config.LoadYAML("")
	if err != nil {
		logrus.WithError(err).Fatal("Failed to load configuration")
	}

	// Configure logging level
	level, err := logrus.ParseLevel(cfg.Logging.Level)
	if err != nil {
		level = logrus.InfoLevel
	}
	logrus.SetLevel(level)

	// Configure logging formatter per environment
	switch cfg.Logging.Format {
	case "json":
		logrus.SetFormatter(&logrus.JSONFormatter{TimestampFormat: time.RFC3339Nano})
	case "text":
		logrus.SetFormatter(&logrus.TextFormatter{FullTimestamp: true})
	case "auto", "":
		// Default to text for development-friendly output
		logrus.SetFormatter(&logrus.TextFormatter{FullTimestamp: true})
	default:
		logrus.SetFormatter(&logrus.TextFormatter{FullTimestamp: true})
	}

	// Optionally include caller info
	logrus.SetReportCaller(cfg.Logging.ReportCaller)

	logrus.WithFields(logrus.Fields{
		"port":               cfg.Server.Port,
		"host":               cfg.Server.Host,
		"provider":           cfg.AI.Provider,
		"model":              cfg.AI.Model,
		"fallback_enabled":   cfg.AI.Fallback.Enabled,
		"ocr_model":          cfg.OCR.Model,
		"enable_persistence": cfg.Database.EnablePersistence,
	}).Info("Starting Finance Manager AI service")

	// Build the adapters. The fallback gets a distinct name so health
	// reports and logs can tell the two apart even when both bind to the
	// same provider.
	primary := buildAdapter(cfg.AI.Provider, cfg.AI.Provider, cfg.AI.APIKey, cfg.AI.BaseURL, cfg.AI.Model, cfg)

	var fallback ai.Backend
	if cfg.AI.Fallback.Enabled {
		fallbackName := cfg.AI.Fallback.Provider + "-fallback"
		fallback = buildAdapter(fallbackName, cfg.AI.Fallback.Provider, cfg.FallbackAPIKey(), cfg.AI.Fallback.BaseURL, cfg.AI.Fallback.Model, cfg)
	}

	if cfg.CircuitBreaker.Enabled {
		breakerConfig := backend.CircuitBreakerConfig{
			Enabled:          true,
			FailureThreshold: cfg.CircuitBreaker.FailureThreshold,
			SuccessThreshold: cfg.CircuitBreaker.SuccessThreshold,
			Timeout:          time.Duration(cfg.CircuitBreaker.Timeout),
			MaxRequests:      cfg.CircuitBreaker.MaxRequests,
		}
		primary = backend.NewCircuitBreakerBackend(primary, breakerConfig)
		if fallback != nil {
			fallback = backend.NewCircuitBreakerBackend(fallback, breakerConfig)
		}

		logrus.WithFields(logrus.Fields{
			"failure_threshold": breakerConfig.FailureThreshold,
			"timeout":           breakerConfig.Timeout,
		}).Info("Circuit breaker configured")
	}

	// Two invocation policies over the same adapters: interactive calls
	// get the tight budget, document extraction the generous one.
	orchestrator, err := invocation.NewOrchestrator(ai.InvocationConfig{
		Primary:        primary,
		Fallback:       fallback,
		RetryAttempts:  cfg.AI.RetryAttempts,
		RetryDelay:     time.Duration(cfg.AI.RetryDelay),
		AttemptTimeout: time.Duration(cfg.AI.AttemptTimeout),
	})
	if err != nil {
		logrus.WithError(err).Fatal("Failed to build invocation orchestrator")
	}

	ocrOrchestrator, err := invocation.NewOrchestrator(ai.InvocationConfig{
		Primary:        primary,
		Fallback:       fallback,
		RetryAttempts:  cfg.OCR.RetryAttempts,
		RetryDelay:     time.Duration(cfg.OCR.RetryDelay),
		AttemptTimeout: time.Duration(cfg.OCR.AttemptTimeout),
	})
	if err != nil {
		logrus.WithError(err).Fatal("Failed to build extraction orchestrator")
	}

	var recorder persistence.ExtractionRecorder
	var dbManager *infrapersistence.DatabaseManager
	var eventProcessor *infrapersistence.EventProcessor

	if cfg.Database.EnablePersistence {
		dbManager = infrapersistence.NewDatabaseManager()

		if err := dbManager.Connect(ctx, cfg.GetDatabaseDSN()); err != nil {
			logrus.WithError(err).Fatal("Failed to connect to database")
		}

		if err := dbManager.Migrate(); err != nil {
			logrus.WithError(err).Fatal("Failed to run database migrations")
		}

		eventProcessor = infrapersistence.NewEventProcessor(
			dbManager.GetRepository(),
			cfg.Database.Workers,
			cfg.Database.BufferSize,
		)

		if err := eventProcessor.Start(ctx); err != nil {
			logrus.WithError(err).Fatal("Failed to start event processor")
		}

		recorder = infrapersistence.NewRecorder(eventProcessor)

		logrus.Info("Persistence layer initialized successfully")
	} else {
		logrus.Info("Running without persistence layer")
	}

	registry := ocr.NewMetricsRegistry()
	pipeline, err := appocr.NewPipeline(ocrOrchestrator, registry, recorder, appocr.Config{
		Model:          cfg.OCR.Model,
		FallbackModel:  cfg.OCR.FallbackModel,
		MaxConcurrency: cfg.OCR.MaxConcurrency,
		CacheSize:      cfg.OCR.CacheSize,
	})
	if err != nil {
		logrus.WithError(err).Fatal("Failed to build extraction pipeline")
	}

	advisorService, err := advisor.NewService(orchestrator)
	if err != nil {
		logrus.WithError(err).Fatal("Failed to build advisor service")
	}

	var router *httpiface.Router
	if cfg.Database.EnablePersistence {
		router = httpiface.NewRouterWithPersistence(orchestrator, pipeline, advisorService, cfg.Server.CorsOrigins, dbManager, eventProcessor)
	} else {
		router = httpiface.NewRouter(orchestrator, pipeline, advisorService, cfg.Server.CorsOrigins)
	}

	ginRouter := router.SetupRoutes()

	address := fmt.Sprintf("%s:%s", cfg.Server.Host, cfg.Server.Port)
	server := &http.Server{
		Addr:              address,
		Handler:           ginRouter,
		ReadHeaderTimeout: 5 * time.Second,
		// Document uploads and SSE streams outlast short fixed deadlines,
		// so reads get a generous budget and writes none at all.
		ReadTimeout:  60 * time.Second,
		WriteTimeout: 0,
		IdleTimeout:  60 * time.Second,
	}

	// Channel to listen for interrupt signal to trigger shutdown
	c := make(chan os.Signal, 1)
	signal.Notify(c, os.Interrupt, syscall.SIGTERM)

	// Start server in a goroutine
	go func() {
		logrus.WithField("address", address).Info("Server starting")
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logrus.WithError(err).Fatal("Failed to start server")
		}
	}()

	// Block until signal is received
	<-c
	logrus.Info("Shutting down server...")

	// Create a deadline for shutdown
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()

	// Attempt graceful shutdown
	if err := server.Shutdown(shutdownCtx); err != nil {
		logrus.WithError(err).Error("Server forced to shutdown")
	} else {
		logrus.Info("Server shutdown complete")
	}

	// Clean up persistence layer if initialized
	if cfg.Database.EnablePersistence {
		logrus.Info("Shutting down persistence layer...")

		if eventProcessor != nil {
			if err := eventProcessor.Stop(); err != nil {
				logrus.WithError(err).Error("Failed to stop event processor")
			}
		}

		if dbManager != nil {
			if err := dbManager.Close(); err != nil {
				logrus.WithError(err).Error("Failed to close database connection")
			}
		}

		logrus.Info("Persistence layer shutdown complete")
	}
}

// buildAdapter constructs one backend adapter from its config binding.
// The provider value is validated during config load, so anything other
// than the native provider is OpenRouter.
func buildAdapter(name, provider, apiKey, baseURL, model string, cfg *config.Config) ai.Backend {
	if provider == config.ProviderNative {
		return backend.NewNativeAdapter(name, apiKey, baseURL, model)
	}
	return backend.NewOpenRouterAdapter(name, apiKey, baseURL, model, cfg.Server.RefererURL, cfg.Server.AppName)
}
