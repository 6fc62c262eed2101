package main

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/hyperengineering/tailor/internal/api"
	"github.com/hyperengineering/tailor/internal/auth"
	"github.com/hyperengineering/tailor/internal/config"
	"github.com/hyperengineering/tailor/internal/logging"
	"github.com/hyperengineering/tailor/internal/store"
	tailorsync "github.com/hyperengineering/tailor/internal/sync"
	"github.com/hyperengineering/tailor/internal/worker"
	"github.com/spf13/cobra"
)

// Version is set at build time via ldflags: -ldflags "-X main.Version=1.0.0"
var Version = "dev"

// backendURL overrides client.backend_url for client commands.
var backendURL string

var rootCmd = &cobra.Command{
	Use:          "tailor",
	Short:        "Tailor - customer records with live sync",
	Long:         "Runs the Tailor document server, or talks to one with the customers and token commands.",
	SilenceUsage: true,
	RunE:         run,
}

func init() {
	rootCmd.PersistentFlags().StringVar(&backendURL, "url", "",
		"Backend URL (overrides config and TAILOR_BACKEND_URL)")

	rootCmd.AddCommand(customersCmd)
	rootCmd.AddCommand(tokenCmd)
}

func run(cmd *cobra.Command, args []string) error {
	ctx, cancel := signal.NotifyContext(cmd.Context(),
		syscall.SIGTERM, syscall.SIGINT)
	defer cancel()

	cfg, err := config.Load()
	if err != nil {
		return err
	}

	slog.SetDefault(logging.New(cfg.Log))
	slog.Info("logger initialized", "level", cfg.Log.Level, "dev_mode", cfg.DevMode)

	return serve(ctx, cfg)
}

// serve runs the HTTP server until ctx is cancelled, then shuts down in
// order: listen streams, HTTP server, workers, store.
func serve(ctx context.Context, cfg *config.Config) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	db, err := store.NewSQLiteStore(cfg.Database.Path)
	if err != nil {
		return err
	}
	slog.Info("store initialized", "path", cfg.Database.Path)

	issuer, err := auth.NewIssuer([]byte(cfg.Auth.SigningKey),
		time.Duration(cfg.Auth.TokenTTL), time.Duration(cfg.Auth.RefreshTTL))
	if err != nil {
		db.Close()
		return err
	}

	hub := tailorsync.NewHub()
	handler := api.NewHandler(db, hub, issuer, Version, time.Duration(cfg.Server.StreamHeartbeat))
	router := api.NewRouter(handler)

	addr := fmt.Sprintf(":%d", cfg.Server.Port)
	srv := &http.Server{
		Addr:         addr,
		Handler:      router,
		ReadTimeout:  time.Duration(cfg.Server.ReadTimeout),
		WriteTimeout: time.Duration(cfg.Server.WriteTimeout),
	}

	var wg sync.WaitGroup
	if cfg.Server.StatsInterval > 0 {
		stats := worker.NewStatsWorker(db, hub, time.Duration(cfg.Server.StatsInterval))
		startWorker(ctx, &wg, "stats", stats.Run)
	}

	go func() {
		slog.Info("server starting", "address", addr, "version", Version)
		// ErrServerClosed is the expected error when Shutdown() is called gracefully.
		if err := srv.ListenAndServe(); err != http.ErrServerClosed {
			slog.Error("server error", "error", err)
			cancel()
		}
	}()

	<-ctx.Done()
	slog.Info("shutdown initiated")

	// Listen handlers only return once their watchers are closed.
	hub.Close()

	shutdownCtx, shutdownCancel := context.WithTimeout(
		context.Background(),
		time.Duration(cfg.Server.ShutdownTimeout))
	defer shutdownCancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		slog.Error("server shutdown error", "error", err)
	}

	wg.Wait()

	if err := db.Close(); err != nil {
		slog.Error("store close error", "error", err)
	}

	slog.Info("shutdown complete")
	return nil
}

// startWorker launches a background worker goroutine that respects context cancellation.
// Workers are tracked via WaitGroup for graceful shutdown.
func startWorker(ctx context.Context, wg *sync.WaitGroup, name string, fn func(ctx context.Context)) {
	wg.Add(1)
	go func() {
		defer wg.Done()
		slog.Info("worker started", "worker", name)
		fn(ctx)
		slog.Info("worker stopped", "worker", name)
	}()
}
