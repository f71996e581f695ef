package main

import (
	"flag"
	"log/slog"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"syscall"

	"github.com/pandablue0809/bittensor/neuron/compute"
	"github.com/pandablue0809/bittensor/neuron/data"
)

func main() {
	address := flag.String("addr", "127.0.0.1:50051", "listen address")
	input := flag.String("input-shape", "1,3,32,32", "input shape (FLOAT32)")
	output := flag.String("output-shape", "1,10", "output shape (FLOAT32)")
	seed := flag.Int64("seed", 1, "projection seed")
	flag.Parse()

	logger := slog.New(slog.NewTextHandler(os.Stderr, nil))

	in, err := shapeDef(*input)
	if err != nil {
		logger.Error("Invalid input shape", "error", err)
		os.Exit(2)
	}
	out, err := shapeDef(*output)
	if err != nil {
		logger.Error("Invalid output shape", "error", err)
		os.Exit(2)
	}
	model, err := compute.NewProjection(in, out, *seed)
	if err != nil {
		logger.Error("Failed to build model", "error", err)
		os.Exit(1)
	}

	server := compute.NewServer(model, logger)
	if err := server.Start(*address); err != nil {
		logger.Error("Failed to start server", "error", err)
		os.Exit(1)
	}
	logger.Info("Compute bridge serving", "address", server.Addr().String(),
		"input", in.String(), "output", out.String())

	// Wait for interrupt signal
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	logger.Info("Shutting down compute bridge...")
	server.Stop()
}

func shapeDef(s string) (data.TensorDef, error) {
	parts := strings.Split(s, ",")
	shape := make([]int64, 0, len(parts))
	for _, p := range parts {
		dim, err := strconv.ParseInt(strings.TrimSpace(p), 10, 64)
		if err != nil {
			return data.TensorDef{}, err
		}
		shape = append(shape, dim)
	}
	def := data.TensorDef{Shape: shape, DType: data.DTypeFloat32}
	return def, def.Validate()
}
