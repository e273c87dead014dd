package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/nexatrade/chain-rpc-router/internal/config"
	"github.com/nexatrade/chain-rpc-router/internal/logger"
	"github.com/nexatrade/chain-rpc-router/internal/orchestrator"
)

func main() {
	configPath := flag.String("config", "config.yaml", "Path to configuration file")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		slog.Error("Failed to load config", "error", err)
		os.Exit(1)
	}

	var log *slog.Logger
	if cfg.Server.LogJSON {
		log = logger.NewJSON(cfg.Server.LoggingLevel)
	} else {
		log = logger.New(cfg.Server.LoggingLevel)
	}

	log.Info("Starting chain-rpc-router",
		"logging_level", cfg.Server.LoggingLevel,
		"port", cfg.Server.Port,
	)

	log.Info("Loaded providers", "count", len(cfg.Providers))
	for i, p := range cfg.Providers {
		log.Info("Provider configured",
			"index", i+1,
			"id", p.ID,
			"chain", p.Chain,
			"tier", p.Tier,
			"rate_limit", p.RateLimit,
		)
	}

	orc, err := orchestrator.New(cfg, log)
	if err != nil {
		log.Error("Failed to build orchestrator", "error", err)
		os.Exit(1)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	orc.Start(ctx)

	// Drain lifecycle events into the log.
	go func() {
		for e := range orc.Events() {
			log.Info("Event",
				"type", string(e.Type),
				"provider", e.Provider,
				"chain", e.Chain,
				"detail", e.Detail,
			)
		}
	}()

	mux := http.NewServeMux()
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})
	mux.HandleFunc("/status", func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(map[string]any{
			"providers": orc.ProviderStatus(),
			"aggregate": orc.Metrics(),
		})
	})
	if cfg.Monitoring.PrometheusEnabled {
		mux.Handle("/metrics", promhttp.Handler())
		log.Info("Prometheus metrics enabled", "path", "/metrics")
	}

	server := &http.Server{
		Addr:    fmt.Sprintf(":%d", cfg.Server.Port),
		Handler: mux,
	}

	go func() {
		log.Info("Server starting", "port", cfg.Server.Port)
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Error("Server failed", "error", err)
			os.Exit(1)
		}
	}()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)
	<-sigChan

	log.Info("Shutting down...")

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer shutdownCancel()

	if err := server.Shutdown(shutdownCtx); err != nil {
		log.Error("Server forced to shutdown", "error", err)
	}
	if err := orc.Close(shutdownCtx); err != nil {
		log.Error("Orchestrator shutdown incomplete", "error", err)
		os.Exit(1)
	}

	log.Info("Shutdown complete")
}
