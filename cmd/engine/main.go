package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/N0tion-Oneo/oneo-crm-sub003/internal/execution/server"
	"github.com/N0tion-Oneo/oneo-crm-sub003/pkg/config"
	"github.com/N0tion-Oneo/oneo-crm-sub003/pkg/logger"
)

func main() {
	cfg, err := config.Load("workflow-engine")
	if err != nil {
		panic(err)
	}

	log := logger.New(cfg.Logger.ToLoggerConfig())
	defer log.Sync()

	srv, err := server.New(cfg, log)
	if err != nil {
		log.Fatal("Failed to create server", "error", err)
	}

	// Workers outlive the signal so Shutdown can checkpoint in-flight executions.
	go func() {
		if err := srv.Start(context.Background()); err != nil {
			log.Fatal("Failed to start server", "error", err)
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, os.Interrupt, syscall.SIGTERM)
	<-quit
	log.Info("Shutting down workflow engine...")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), time.Duration(cfg.Server.ShutdownTimeout)*time.Second)
	defer cancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Error("Server forced to shutdown", "error", err)
	}

	log.Info("Workflow engine exited")
}
