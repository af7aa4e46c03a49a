// Package main runs the marketplace gateway: the public signup surface, the
// operator console, and the Pub/Sub push intake in one process.
package main

import (
	"context"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/coleymr/doit-easily-marketplace/internal/app"
	"github.com/coleymr/doit-easily-marketplace/internal/config"
	"github.com/coleymr/doit-easily-marketplace/pkg/logger"
)

const (
	startupTimeout  = 30 * time.Second
	shutdownTimeout = 15 * time.Second
)

func main() {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	cfg, err := config.Load()
	if err != nil {
		logger.NewDefault("gateway").WithError(err).Fatal("loading configuration failed")
	}

	log := logger.New(logger.LoggingConfig{
		Level:      cfg.Logging.Level,
		Format:     cfg.Logging.Format,
		Output:     cfg.Logging.Output,
		FilePrefix: cfg.Logging.FilePrefix,
	}).WithField("component", "gateway")

	log.WithFields(cfg.Redacted()).Info("starting marketplace gateway")

	startCtx, startCancel := context.WithTimeout(ctx, startupTimeout)
	application, err := app.New(startCtx, cfg, app.Stores{}, log)
	startCancel()
	if err != nil {
		log.WithError(err).Fatal("building application failed")
	}

	if err := application.Start(ctx); err != nil {
		log.WithError(err).Fatal("starting background services failed")
	}

	server := &http.Server{
		Addr:         cfg.Server.Listen,
		Handler:      application.Handler,
		ReadTimeout:  time.Duration(cfg.Server.ReadTimeoutSec) * time.Second,
		WriteTimeout: time.Duration(cfg.Server.WriteTimeoutSec) * time.Second,
		IdleTimeout:  time.Duration(cfg.Server.IdleTimeoutSec) * time.Second,
	}

	go func() {
		log.WithField("listen", cfg.Server.Listen).Info("gateway listening")
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.WithError(err).Fatal("server error")
		}
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	<-sigCh
	log.Info("shutdown signal received")

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer shutdownCancel()

	if err := server.Shutdown(shutdownCtx); err != nil {
		log.WithError(err).Error("server shutdown error")
	}
	if err := application.Stop(shutdownCtx); err != nil {
		log.WithError(err).Error("service shutdown error")
	}
	log.Info("gateway stopped")
}
