package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/pandablue0809/bittensor/api"
	"github.com/pandablue0809/bittensor/neuron/config"
	"github.com/pandablue0809/bittensor/neuron/node"
)

func main() {
	cfg, err := config.Load(os.Args[1:])
	if err != nil {
		fmt.Fprintf(os.Stderr, "neuron: %v\n", err)
		os.Exit(2)
	}
	logger := cfg.NewLogger(os.Stderr)
	logger.Info("Starting neuron", "version", api.Version)

	n, err := node.New(cfg, node.WithLogger(logger))
	if err != nil {
		logger.Error("Failed to create neuron", "error", err)
		os.Exit(1)
	}

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	if err := n.Start(ctx); err != nil {
		logger.Error("Failed to start neuron", "error", err)
		os.Exit(1)
	}

	if cfg.StepInterval > 0 {
		go stepLoop(ctx, n, cfg, logger)
	}

	// Wait for interrupt signal
	<-ctx.Done()

	logger.Info("Shutting down neuron...")
	if err := n.Stop(); err != nil {
		logger.Error("Shutdown finished with errors", "error", err)
		os.Exit(1)
	}
}

func stepLoop(ctx context.Context, n *node.Node, cfg config.Config, logger *slog.Logger) {
	ticker := time.NewTicker(cfg.StepInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			report, err := n.RunStep(ctx, cfg.StepPeers)
			if err != nil {
				return
			}
			logger.Info("Distillation step", "queried", report.Queried, "answered", report.Answered,
				"backward", report.Backward, "errors", report.Errors)
		}
	}
}
