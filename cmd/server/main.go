package main

import (
	"context"
	"errors"
	"flag"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/erp/fiscalsync/internal/bootstrap"
	"github.com/erp/fiscalsync/internal/infrastructure/config"
	"go.uber.org/zap"
)

// version is set at build time with -ldflags "-X main.version=..."
var version = "dev"

func main() {
	configPath := flag.String("config", "", "config file (default ./config.toml)")
	flag.Parse()

	cfg, err := config.LoadFile(*configPath)
	if err != nil {
		panic("Failed to load configuration: " + err.Error())
	}

	ctx := context.Background()
	c, err := bootstrap.New(ctx, cfg, bootstrap.Options{Version: version})
	if err != nil {
		panic("Failed to initialize: " + err.Error())
	}
	log := c.Logger

	log.Info("Starting fiscal sync service",
		zap.String("app", cfg.App.Name),
		zap.String("env", cfg.App.Env),
		zap.String("port", cfg.App.Port),
		zap.String("version", version),
	)

	if c.Sweeper != nil {
		if err := c.Sweeper.Start(ctx); err != nil {
			log.Fatal("Failed to start sweeper", zap.Error(err))
		}
	}

	h, err := c.Handler()
	if err != nil {
		log.Fatal("Failed to build HTTP handler", zap.Error(err))
	}

	srv := &http.Server{
		Addr:           ":" + cfg.App.Port,
		Handler:        h,
		ReadTimeout:    cfg.HTTP.ReadTimeout,
		WriteTimeout:   cfg.HTTP.WriteTimeout,
		IdleTimeout:    cfg.HTTP.IdleTimeout,
		MaxHeaderBytes: cfg.HTTP.MaxHeaderBytes,
	}

	go func() {
		log.Info("Server starting", zap.String("addr", srv.Addr))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Fatal("Failed to start server", zap.Error(err))
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit
	log.Info("Shutting down server...")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	// stop accepting requests before draining the guard's finish calls
	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Error("Server forced to shutdown", zap.Error(err))
	}
	if err := c.Shutdown(shutdownCtx); err != nil {
		log.Error("Shutdown incomplete", zap.Error(err))
	}

	log.Info("Server exited gracefully")
}
