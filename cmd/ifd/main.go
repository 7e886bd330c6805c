package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"go.uber.org/zap"

	"github.com/integration-fleet-dispatcher/ifd/internal/bootstrap"
)

const version = "1.0.0"

func main() {
	var configFile string
	flag.StringVar(&configFile, "config", "", "Path to configuration file")
	flag.Parse()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	bs := bootstrap.New()
	if err := bs.Initialize(ctx, configFile); err != nil {
		fmt.Fprintf(os.Stderr, "failed to initialize: %v\n", err)
		os.Exit(1)
	}

	logger := bs.Logger
	logger.Info("integration fleet dispatcher starting",
		zap.String("version", version),
		zap.String("config_file", configFile))

	if err := bs.Start(ctx); err != nil {
		logger.Fatal("failed to start components", zap.Error(err))
	}

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)

	logger.Info("dispatcher is running")
	<-sigChan
	logger.Info("shutdown signal received, stopping")

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer shutdownCancel()

	if err := bs.Stop(shutdownCtx); err != nil {
		logger.Error("error during shutdown", zap.Error(err))
		os.Exit(1)
	}

	logger.Info("dispatcher stopped")
}
