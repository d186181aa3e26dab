package main

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/flowpbx/lightvoice/internal/adminapi"
	"github.com/flowpbx/lightvoice/internal/config"
	"github.com/flowpbx/lightvoice/internal/history"
	"github.com/flowpbx/lightvoice/internal/identity"
	"github.com/flowpbx/lightvoice/internal/room"
	"github.com/flowpbx/lightvoice/internal/server"
	"github.com/flowpbx/lightvoice/internal/voice"

	"github.com/flowpbx/lightvoice/internal/reactor"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}

	logger := slog.New(cfg.SlogHandler(os.Stdout))
	slog.SetDefault(logger)

	slog.Info("starting lightvoice",
		"listen_port", cfg.ListenPort,
		"loop_pool_size", cfg.LoopPoolSize,
		"admin_http_port", cfg.AdminHTTPPort,
	)

	secret, err := cfg.JWTSecretBytes()
	if err != nil {
		slog.Error("failed to load jwt secret", "error", err)
		os.Exit(1)
	}
	minter := identity.NewMinter(secret)

	historyDB, err := history.Open(cfg.HistoryDBPath)
	if err != nil {
		slog.Error("failed to open history database", "error", err)
		os.Exit(1)
	}
	defer historyDB.Close()

	mixLoop, err := reactor.New(logger)
	if err != nil {
		slog.Error("failed to create mix loop", "error", err)
		os.Exit(1)
	}
	go mixLoop.Loop()
	defer mixLoop.Close()

	registry := room.NewRegistry(mixLoop, func() (voice.Codec, error) {
		return voice.NewOpusCodec()
	}, logger)

	srv, err := server.New(server.Config{
		ListenPort:   cfg.ListenPort,
		LoopPoolSize: cfg.LoopPoolSize,
		RateLimitHz:  cfg.RateLimitHz,
		RateBurst:    cfg.RateBurst,
	}, registry, minter, historyDB, logger)
	if err != nil {
		slog.Error("failed to create server", "error", err)
		os.Exit(1)
	}
	srv.Start()

	adminSrv := &http.Server{
		Addr:         fmt.Sprintf(":%d", cfg.AdminHTTPPort),
		Handler:      adminapi.NewServer(registry),
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 10 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		slog.Info("admin http server listening", "addr", adminSrv.Addr)
		if err := adminSrv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)

	select {
	case sig := <-quit:
		slog.Info("received shutdown signal", "signal", sig.String())
	case err := <-errCh:
		slog.Error("admin http server error", "error", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()

	slog.Info("shutting down")
	srv.Stop()
	mixLoop.Quit()
	time.Sleep(20 * time.Millisecond)

	if err := adminSrv.Shutdown(ctx); err != nil {
		slog.Error("admin http server shutdown error", "error", err)
	}

	if err := srv.Close(); err != nil {
		slog.Error("server close error", "error", err)
	}

	slog.Info("lightvoice stopped")
}
