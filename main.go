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
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/torboard/torboard/api/handlers"
	"github.com/torboard/torboard/config"
	"github.com/torboard/torboard/internal/automation"
	"github.com/torboard/torboard/internal/database"
	"github.com/torboard/torboard/internal/debrid"
	"github.com/torboard/torboard/internal/hooks"
	"github.com/torboard/torboard/internal/poller"
	"github.com/torboard/torboard/internal/secrets"
	"github.com/torboard/torboard/internal/snapshot"
	"github.com/torboard/torboard/internal/worker"
)

func main() {
	var showVersion bool
	flag.BoolVar(&showVersion, "version", false, "Show version and exit")
	flag.Parse()

	if showVersion {
		fmt.Println("torboard-worker v0.1.0")
		os.Exit(0)
	}

	cfg, err := config.Load()
	if err != nil {
		slog.Error("Failed to load configuration", "error", err)
		os.Exit(1)
	}

	logLevel := slog.LevelInfo
	if cfg.DevMode {
		logLevel = slog.LevelDebug
	}
	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: logLevel}))
	slog.SetDefault(logger)

	slog.Info("Starting torboard worker",
		"port", cfg.Port,
		"targetPollInterval", cfg.TargetPollInterval(),
		"workerTick", cfg.WorkerTickInterval())

	db, err := database.New(cfg)
	if err != nil {
		slog.Error("Failed to initialize database", "error", err)
		os.Exit(1)
	}

	cipher, err := secrets.Open(db, cfg.Passphrase)
	if err != nil {
		slog.Error("Failed to initialize credential cipher", "error", err)
		os.Exit(1)
	}

	newClient := func(token string) debrid.API {
		return debrid.NewClient(cfg.ExternalAPIBaseURL, token, cfg.FetchTimeout())
	}

	hooksManager := hooks.New(db)
	snapshots := snapshot.New(db)
	p := poller.New(db, snapshots, cipher, newClient, cfg)
	engine := automation.New(db, cipher, newClient, hooksManager, cfg)
	w := worker.New(p, engine, snapshots, cfg)

	if err := w.Start(); err != nil {
		slog.Error("Failed to start worker", "error", err)
		os.Exit(1)
	}

	r := chi.NewRouter()
	r.Mount("/api", handlers.New(db, w, engine).Routes())

	server := &http.Server{
		Addr:         fmt.Sprintf(":%d", cfg.Port),
		Handler:      r,
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 30 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	go func() {
		slog.Info("Server listening", "addr", server.Addr)
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			slog.Error("Server error", "error", err)
			os.Exit(1)
		}
	}()

	<-ctx.Done()
	slog.Info("Shutting down...")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if err := server.Shutdown(shutdownCtx); err != nil {
		slog.Error("Server shutdown error", "error", err)
	}
	if err := w.Shutdown(shutdownCtx); err != nil {
		slog.Error("Worker shutdown error", "error", err)
	}
}
