package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"log"
	"os"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/pandablue0809/bittensor/neuron/data"
	"github.com/pandablue0809/bittensor/neuron/dendrite"
	"github.com/pandablue0809/bittensor/neuron/gossip"
	"github.com/pandablue0809/bittensor/neuron/identity"
	"github.com/pandablue0809/bittensor/neuron/network"
)

// StressTestConfig holds configuration for the stress test.
type StressTestConfig struct {
	Metagraph    string
	Transport    string
	Target       string
	Concurrency  int
	RequestCount int64
	Duration     time.Duration
	Timeout      time.Duration
	ReportFile   string
}

// StressTestResult holds the results of a stress test.
type StressTestResult struct {
	TotalRequests  int64
	SuccessfulReqs int64
	FailedReqs     int64
	FailuresByKind map[string]int64
	TotalDuration  time.Duration
	AvgLatency     time.Duration
	MinLatency     time.Duration
	MaxLatency     time.Duration
	RequestsPerSec float64
}

func main() {
	config := parseFlags()

	fmt.Println("=== Neuron Axon Stress Test ===")
	fmt.Printf("Metagraph:   %s (%s)\n", config.Metagraph, config.Transport)
	fmt.Printf("Concurrency: %d workers\n", config.Concurrency)
	fmt.Printf("Duration:    %v\n", config.Duration)
	fmt.Println()

	key, err := identity.GenerateKeypair()
	if err != nil {
		log.Fatalf("Failed to generate identity: %v", err)
	}
	client := network.NewClient(network.DefaultClientConfig())
	defer client.Close()

	var transport gossip.Transport = client
	if config.Transport == "zmq" {
		transport = network.NewZMQGossipClient()
	}
	target, err := discover(config, key, transport)
	if err != nil {
		log.Fatalf("Discovery failed: %v", err)
	}
	fmt.Printf("Target:      %s at %s\n", target.NeuronKey, target.Endpoint())
	fmt.Printf("Contract:    %s -> %s\n\n", target.InputDef, target.OutputDef)

	d := dendrite.New(dendrite.Config{Timeout: config.Timeout}, key, identity.NewKeyVerifier(0), client)
	result := runStressTest(config, d, target)

	printResults(result)

	if config.ReportFile != "" {
		saveReport(config, target, result)
	}
}

func parseFlags() StressTestConfig {
	config := StressTestConfig{}

	flag.StringVar(&config.Metagraph, "metagraph", "127.0.0.1:8092", "Metagraph endpoint used to discover the target")
	flag.StringVar(&config.Transport, "transport", "grpc", "Gossip transport of the metagraph endpoint (grpc or zmq)")
	flag.StringVar(&config.Target, "target", "", "NeuronKey to load (default: the first synapse learned)")
	flag.IntVar(&config.Concurrency, "c", 10, "Number of concurrent workers")
	flag.Int64Var(&config.RequestCount, "n", 0, "Total number of requests (0 = unlimited, use -d instead)")
	flag.DurationVar(&config.Duration, "d", 30*time.Second, "Duration of test")
	flag.DurationVar(&config.Timeout, "timeout", 5*time.Second, "Per-request timeout")
	flag.StringVar(&config.ReportFile, "o", "", "Output report file (JSON)")

	flag.Parse()

	return config
}

// discover pulls the snapshot of the metagraph endpoint with an empty signed
// push and picks the target synapse from it.
func discover(config StressTestConfig, key *identity.Keypair, transport gossip.Transport) (*data.Synapse, error) {
	endpoint, err := network.ParseEndpoint(config.Metagraph)
	if err != nil {
		return nil, err
	}
	push := &data.SynapseBatch{Version: 1, NeuronKey: key.NeuronKey()}
	if err := identity.SignBatch(key, push); err != nil {
		return nil, err
	}

	ctx, cancel := context.WithTimeout(context.Background(), config.Timeout)
	defer cancel()
	reply, err := transport.Exchange(ctx, endpoint, push)
	if err != nil {
		return nil, err
	}

	verifier := identity.NewKeyVerifier(0)
	for _, syn := range reply.Synapses {
		if !identity.VerifySynapse(verifier, syn) {
			continue
		}
		if config.Target == "" || syn.NeuronKey == config.Target {
			return syn, nil
		}
	}
	return nil, fmt.Errorf("no matching synapse among %d learned", len(reply.Synapses))
}

func runStressTest(config StressTestConfig, d *dendrite.Dendrite, target *data.Synapse) StressTestResult {
	var (
		totalReqs    int64
		successReqs  int64
		failedReqs   int64
		totalLatency int64
		minLatency   int64 = 1<<63 - 1
		maxLatency   int64
		failures     = make(map[string]int64)
		failuresMu   sync.Mutex
		wg           sync.WaitGroup
	)

	ctx, cancel := context.WithTimeout(context.Background(), config.Duration)
	defer cancel()

	input := []data.Tensor{data.Zeros(target.InputDef)}
	startTime := time.Now()

	// Start workers
	for i := 0; i < config.Concurrency; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for ctx.Err() == nil {
				if config.RequestCount > 0 && atomic.AddInt64(&totalReqs, 1) > config.RequestCount {
					atomic.AddInt64(&totalReqs, -1)
					return
				} else if config.RequestCount == 0 {
					atomic.AddInt64(&totalReqs, 1)
				}

				res := d.Query(ctx, []*data.Synapse{target}, data.Forward, input)[0]
				if !res.Ok() {
					atomic.AddInt64(&failedReqs, 1)
					failuresMu.Lock()
					failures[data.KindOf(res.Err).String()]++
					failuresMu.Unlock()
					// Small sleep on error to avoid hammering
					time.Sleep(10 * time.Millisecond)
					continue
				}

				atomic.AddInt64(&successReqs, 1)
				lat := int64(res.Duration)
				atomic.AddInt64(&totalLatency, lat)
				for {
					old := atomic.LoadInt64(&minLatency)
					if lat >= old || atomic.CompareAndSwapInt64(&minLatency, old, lat) {
						break
					}
				}
				for {
					old := atomic.LoadInt64(&maxLatency)
					if lat <= old || atomic.CompareAndSwapInt64(&maxLatency, old, lat) {
						break
					}
				}
			}
		}()
	}
	wg.Wait()

	duration := time.Since(startTime)
	success := atomic.LoadInt64(&successReqs)

	var avgLatency time.Duration
	if success > 0 {
		avgLatency = time.Duration(atomic.LoadInt64(&totalLatency) / success)
	} else {
		minLatency = 0
	}

	total := atomic.LoadInt64(&totalReqs)
	return StressTestResult{
		TotalRequests:  total,
		SuccessfulReqs: success,
		FailedReqs:     atomic.LoadInt64(&failedReqs),
		FailuresByKind: failures,
		TotalDuration:  duration,
		AvgLatency:     avgLatency,
		MinLatency:     time.Duration(minLatency),
		MaxLatency:     time.Duration(maxLatency),
		RequestsPerSec: float64(total) / duration.Seconds(),
	}
}

func percent(part, total int64) float64 {
	if total == 0 {
		return 0
	}
	return float64(part) / float64(total) * 100
}

func printResults(result StressTestResult) {
	fmt.Println("=== Results ===")
	fmt.Printf("Duration:        %v\n", result.TotalDuration.Round(time.Millisecond))
	fmt.Printf("Total Requests:  %d\n", result.TotalRequests)
	fmt.Printf("Successful:      %d (%.2f%%)\n", result.SuccessfulReqs, percent(result.SuccessfulReqs, result.TotalRequests))
	fmt.Printf("Failed:          %d (%.2f%%)\n", result.FailedReqs, percent(result.FailedReqs, result.TotalRequests))
	kinds := make([]string, 0, len(result.FailuresByKind))
	for kind := range result.FailuresByKind {
		kinds = append(kinds, kind)
	}
	sort.Strings(kinds)
	for _, kind := range kinds {
		fmt.Printf("  %-18s %d\n", kind+":", result.FailuresByKind[kind])
	}
	fmt.Printf("Requests/sec:    %.2f\n", result.RequestsPerSec)
	fmt.Printf("Avg Latency:     %v\n", result.AvgLatency.Round(time.Microsecond))
	fmt.Printf("Min Latency:     %v\n", result.MinLatency.Round(time.Microsecond))
	fmt.Printf("Max Latency:     %v\n", result.MaxLatency.Round(time.Microsecond))
}

func saveReport(config StressTestConfig, target *data.Synapse, result StressTestResult) {
	report := map[string]interface{}{
		"config": map[string]interface{}{
			"metagraph":   config.Metagraph,
			"target":      target.NeuronKey,
			"endpoint":    target.Endpoint(),
			"concurrency": config.Concurrency,
			"duration":    config.Duration.String(),
		},
		"results": map[string]interface{}{
			"total_requests":   result.TotalRequests,
			"successful":       result.SuccessfulReqs,
			"failed":           result.FailedReqs,
			"failures_by_kind": result.FailuresByKind,
			"requests_per_sec": result.RequestsPerSec,
			"avg_latency_ms":   float64(result.AvgLatency.Microseconds()) / 1000,
			"min_latency_ms":   float64(result.MinLatency.Microseconds()) / 1000,
			"max_latency_ms":   float64(result.MaxLatency.Microseconds()) / 1000,
		},
		"timestamp": time.Now().Format(time.RFC3339),
	}

	raw, _ := json.MarshalIndent(report, "", "  ")
	if err := os.WriteFile(config.ReportFile, raw, 0644); err != nil {
		log.Printf("Failed to write report: %v", err)
	} else {
		fmt.Printf("Report saved to: %s\n", config.ReportFile)
	}
}
