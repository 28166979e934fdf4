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

	"github.com/joho/godotenv"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"gorm.io/gorm/logger"

	"github.com/keephq/keep-sub006/internal/config"
	"github.com/keephq/keep-sub006/internal/database"
	"github.com/keephq/keep-sub006/internal/jobs"
	"github.com/keephq/keep-sub006/internal/services"
)

func main() {
	// Load .env file if it exists (ignore error if file doesn't exist)
	if err := godotenv.Load(); err != nil {
		log.Printf("No .env file found or error loading it (this is fine if using environment variables): %v", err)
	}

	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("Failed to load configuration: %v", err)
	}

	log.Printf("Starting correlation engine...")

	db, err := database.Connect(cfg.DatabaseURL, logger.Warn)
	if err != nil {
		log.Fatalf("Failed to connect to database: %v", err)
	}

	if err := database.AutoMigrate(db); err != nil {
		log.Fatalf("Failed to run database migrations: %v", err)
	}

	if _, err := database.GetOrCreateEngineSettings(db); err != nil {
		log.Fatalf("Failed to initialize engine settings: %v", err)
	}

	registry := prometheus.NewRegistry()
	metrics := services.NewMetrics(registry)

	// The embedding-similarity capability is wired by the deployment; the
	// engine degrades to PMI-only correlation when it is absent.
	engine := services.NewEngine(db, nil, metrics)

	ruleService := services.NewRuleService(db)
	if cfg.RulesFile != "" {
		if _, err := ruleService.LoadRulesFromFile(context.Background(), cfg.RulesFile); err != nil {
			log.Printf("Warning: failed to load bootstrap rules: %v", err)
		}
	}

	stop := make(chan struct{})
	flushJob := jobs.NewPMIFlushJob(db, engine.Miner(), metrics)
	go flushJob.Start(stop)

	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(registry, promhttp.HandlerOpts{}))
	mux.HandleFunc("/health", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		fmt.Fprintln(w, "ok")
	})
	server := &http.Server{
		Addr:    fmt.Sprintf(":%d", cfg.MetricsPort),
		Handler: mux,
	}
	go func() {
		log.Printf("Metrics server listening on :%d", cfg.MetricsPort)
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatalf("Metrics server error: %v", err)
		}
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)
	<-sigCh
	log.Println("Shutting down...")

	close(stop)

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		log.Printf("Metrics server shutdown error: %v", err)
	}
	if err := database.Close(db); err != nil {
		log.Printf("Database close error: %v", err)
	}
	log.Println("Shutdown complete")
}
