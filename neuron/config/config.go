// Package config assembles the neuron configuration.
//
// Values are layered in order, each overriding the previous one:
//  1. DefaultConfig
//  2. an optional JSON file (-config)
//  3. a .env file and NEURON_* environment variables
//  4. command-line flags
//
// Every scalar setting has one key, e.g. "axon_port", which is also the env
// variable NEURON_AXON_PORT and the flag -axon-port.
package config

import (
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"io"
	"log/slog"
	"os"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"

	"github.com/pandablue0809/bittensor/neuron/axon"
	"github.com/pandablue0809/bittensor/neuron/data"
	"github.com/pandablue0809/bittensor/neuron/dendrite"
	"github.com/pandablue0809/bittensor/neuron/gossip"
	"github.com/pandablue0809/bittensor/neuron/metagraph"
	"github.com/pandablue0809/bittensor/neuron/network"
)

// EnvPrefix prefixes every environment variable read by Load.
const EnvPrefix = "NEURON_"

// Gossip transports.
const (
	TransportGRPC = "grpc"
	TransportZMQ  = "zmq"
)

// ErrInvalidConfig wraps every validation failure.
var ErrInvalidConfig = errors.New("invalid configuration")

// Config is the complete neuron configuration.
type Config struct {
	// KeyFile holds the node identity; it is created on first start.
	KeyFile string `json:"key_file"`

	// Host is the listen host for the axon and metagraph ports.
	Host string `json:"host"`
	// ExternalAddress is the address advertised to peers. Defaults to Host.
	ExternalAddress string `json:"external_address"`
	AxonPort        int32  `json:"axon_port"`
	MetagraphPort   int32  `json:"metagraph_port"`
	// AdminAddress serves /metrics, /health, /status and /metagraph.
	// Empty disables the admin API.
	AdminAddress string `json:"admin_address"`

	InputShape  []int64 `json:"input_shape"`
	InputDType  string  `json:"input_dtype"`
	OutputShape []int64 `json:"output_shape"`
	OutputDType string  `json:"output_dtype"`

	// Difficulty is the proof-of-work difficulty in leading zero bits.
	Difficulty int `json:"difficulty"`
	// GossipTransport is "grpc" or "zmq".
	GossipTransport string `json:"gossip_transport"`

	// ModelAddress points at a compute bridge. Empty serves the built-in
	// projection model seeded with ModelSeed.
	ModelAddress string `json:"model_address"`
	ModelSeed    int64  `json:"model_seed"`

	LogLevel  string `json:"log_level"`
	LogFormat string `json:"log_format"`

	ShutdownTimeout time.Duration `json:"shutdown_timeout"`

	// StepInterval is the period of the distillation loop run by
	// cmd/neuron. Zero disables it.
	StepInterval time.Duration `json:"step_interval"`
	// StepPeers is the number of peers queried per step.
	StepPeers int `json:"step_peers"`

	Axon      axon.Config      `json:"axon"`
	Dendrite  dendrite.Config  `json:"dendrite"`
	Gossip    gossip.Config    `json:"gossip"`
	Metagraph metagraph.Config `json:"metagraph"`
}

// DefaultConfig returns a configuration with sensible defaults.
func DefaultConfig() Config {
	return Config{
		KeyFile:         "neuron.key",
		Host:            "127.0.0.1",
		AxonPort:        8091,
		MetagraphPort:   8092,
		AdminAddress:    "127.0.0.1:9090",
		InputShape:      []int64{1, 3, 32, 32},
		InputDType:      data.DTypeFloat32.String(),
		OutputShape:     []int64{1, 10},
		OutputDType:     data.DTypeFloat32.String(),
		Difficulty:      0,
		GossipTransport: TransportGRPC,
		ModelSeed:       1,
		LogLevel:        "info",
		LogFormat:       "text",
		ShutdownTimeout: 5 * time.Second,
		StepInterval:    30 * time.Second,
		StepPeers:       8,
		Axon:            axon.DefaultConfig(),
		Dendrite:        dendrite.DefaultConfig(),
		Gossip:          gossip.DefaultConfig(),
		Metagraph:       metagraph.DefaultConfig(),
	}
}

// setters maps each setting key to a function parsing its textual value.
func (c *Config) setters() map[string]func(string) error {
	return map[string]func(string) error{
		"key_file":         setString(&c.KeyFile),
		"host":             setString(&c.Host),
		"external_address": setString(&c.ExternalAddress),
		"axon_port":        setInt32(&c.AxonPort),
		"metagraph_port":   setInt32(&c.MetagraphPort),
		"admin_address":    setString(&c.AdminAddress),
		"input_shape":      setShape(&c.InputShape),
		"input_dtype":      setString(&c.InputDType),
		"output_shape":     setShape(&c.OutputShape),
		"output_dtype":     setString(&c.OutputDType),
		"difficulty":       setInt(&c.Difficulty),
		"gossip_transport": setString(&c.GossipTransport),
		"model_address":    setString(&c.ModelAddress),
		"model_seed":       setInt64(&c.ModelSeed),
		"log_level":        setString(&c.LogLevel),
		"log_format":       setString(&c.LogFormat),
		"shutdown_timeout": setDuration(&c.ShutdownTimeout),
		"step_interval":    setDuration(&c.StepInterval),
		"step_peers":       setInt(&c.StepPeers),
		"workers":          setInt(&c.Axon.Workers),
		"queue_size":       setInt(&c.Axon.QueueSize),
		"request_timeout":  setDuration(&c.Axon.RequestTimeout),
		"replay_window":    setDuration(&c.Axon.ReplayWindow),
		"dendrite_timeout": setDuration(&c.Dendrite.Timeout),
		"dendrite_retries": setInt(&c.Dendrite.Retries),
		"seeds":            setList(&c.Gossip.Seeds),
		"fanout":           setInt(&c.Gossip.Fanout),
		"round_interval":   setDuration(&c.Gossip.RoundInterval),
		"metagraph_ttl":    setDuration(&c.Metagraph.TTL),
	}
}

// Load builds the configuration from args (without the program name) and
// the environment.
func Load(args []string) (Config, error) {
	cfg := DefaultConfig()
	setters := cfg.setters()

	fs := flag.NewFlagSet("neuron", flag.ContinueOnError)
	fs.SetOutput(io.Discard)
	configFile := fs.String("config", "", "JSON configuration file")
	envFile := fs.String("env-file", ".env", "dotenv file, ignored when missing")
	for _, key := range sortedKeys(setters) {
		fs.String(flagName(key), "", "overrides "+key+" (env "+envName(key)+")")
	}
	if err := fs.Parse(args); err != nil {
		return cfg, fmt.Errorf("failed to parse flags: %w", err)
	}

	if *configFile != "" {
		if err := cfg.LoadFile(*configFile); err != nil {
			return cfg, err
		}
	}

	if err := godotenv.Load(*envFile); err != nil && !errors.Is(err, os.ErrNotExist) {
		return cfg, fmt.Errorf("failed to load %s: %w", *envFile, err)
	}
	if err := cfg.applyEnv(setters); err != nil {
		return cfg, err
	}

	var flagErr error
	fs.Visit(func(f *flag.Flag) {
		key := strings.ReplaceAll(f.Name, "-", "_")
		set, ok := setters[key]
		if !ok || flagErr != nil {
			return
		}
		if err := set(f.Value.String()); err != nil {
			flagErr = fmt.Errorf("flag -%s: %w", f.Name, err)
		}
	})
	if flagErr != nil {
		return cfg, flagErr
	}

	return cfg, cfg.Validate()
}

// LoadFile overlays a JSON file onto c.
func (c *Config) LoadFile(path string) error {
	raw, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("failed to read config file: %w", err)
	}
	if err := json.Unmarshal(raw, c); err != nil {
		return fmt.Errorf("failed to parse config file %s: %w", path, err)
	}
	return nil
}

func (c *Config) applyEnv(setters map[string]func(string) error) error {
	for _, key := range sortedKeys(setters) {
		value, ok := os.LookupEnv(envName(key))
		if !ok {
			continue
		}
		if err := setters[key](value); err != nil {
			return fmt.Errorf("env %s: %w", envName(key), err)
		}
	}
	return nil
}

// Validate checks ports, tensor contracts, pool sizes and enums.
func (c *Config) Validate() error {
	var errs []error
	fail := func(format string, args ...interface{}) {
		errs = append(errs, fmt.Errorf(format, args...))
	}

	if c.KeyFile == "" {
		fail("key_file is required")
	}
	// Port 0 binds a free port, which is then advertised.
	for name, port := range map[string]int32{"axon_port": c.AxonPort, "metagraph_port": c.MetagraphPort} {
		if port < 0 || port > 65535 {
			fail("%s %d out of range", name, port)
		}
	}
	if _, err := c.InputDef(); err != nil {
		fail("input: %v", err)
	}
	if _, err := c.OutputDef(); err != nil {
		fail("output: %v", err)
	}
	if c.Difficulty < 0 || c.Difficulty > 256 {
		fail("difficulty %d out of range", c.Difficulty)
	}
	switch c.GossipTransport {
	case TransportGRPC:
	case TransportZMQ:
		if c.AxonPort == c.MetagraphPort && c.AxonPort != 0 {
			fail("zmq gossip needs a metagraph_port distinct from axon_port")
		}
	default:
		fail("unknown gossip_transport %q", c.GossipTransport)
	}
	if c.Axon.Workers <= 0 {
		fail("workers must be positive")
	}
	if c.Axon.QueueSize < 0 {
		fail("queue_size must not be negative")
	}
	if c.StepInterval < 0 {
		fail("step_interval must not be negative")
	}
	if c.StepInterval > 0 && c.StepPeers <= 0 {
		fail("step_peers must be positive")
	}
	if c.Gossip.Fanout <= 0 {
		fail("fanout must be positive")
	}
	for _, seed := range c.Gossip.Seeds {
		if _, err := network.ParseEndpoint(seed); err != nil {
			fail("seed: %v", err)
		}
	}
	if c.AdvertisedAddress() == "" {
		fail("host or external_address is required")
	}
	if _, err := ParseLevel(c.LogLevel); err != nil {
		fail("%v", err)
	}
	if c.LogFormat != "text" && c.LogFormat != "json" {
		fail("unknown log_format %q", c.LogFormat)
	}

	if len(errs) > 0 {
		return fmt.Errorf("%w: %w", ErrInvalidConfig, errors.Join(errs...))
	}
	return nil
}

// InputDef returns the advertised input contract.
func (c *Config) InputDef() (data.TensorDef, error) {
	return tensorDef(c.InputShape, c.InputDType)
}

// OutputDef returns the advertised output contract.
func (c *Config) OutputDef() (data.TensorDef, error) {
	return tensorDef(c.OutputShape, c.OutputDType)
}

// AdvertisedAddress returns ExternalAddress, or Host when unset.
func (c *Config) AdvertisedAddress() string {
	if c.ExternalAddress != "" {
		return c.ExternalAddress
	}
	return c.Host
}

// NewLogger builds the root logger described by LogLevel and LogFormat.
func (c *Config) NewLogger(w io.Writer) *slog.Logger {
	level, err := ParseLevel(c.LogLevel)
	if err != nil {
		level = slog.LevelInfo
	}
	opts := &slog.HandlerOptions{Level: level}
	if c.LogFormat == "json" {
		return slog.New(slog.NewJSONHandler(w, opts))
	}
	return slog.New(slog.NewTextHandler(w, opts))
}

// ParseLevel parses debug, info, warn or error.
func ParseLevel(s string) (slog.Level, error) {
	var level slog.Level
	if err := level.UnmarshalText([]byte(s)); err != nil {
		return slog.LevelInfo, fmt.Errorf("unknown log_level %q", s)
	}
	return level, nil
}

func tensorDef(shape []int64, dtype string) (data.TensorDef, error) {
	dt, err := data.ParseDType(strings.ToUpper(dtype))
	if err != nil {
		return data.TensorDef{}, err
	}
	if len(shape) == 0 {
		return data.TensorDef{}, errors.New("empty shape")
	}
	def := data.TensorDef{Shape: append([]int64(nil), shape...), DType: dt}
	if err := def.Validate(); err != nil {
		return data.TensorDef{}, err
	}
	return def, nil
}

func flagName(key string) string { return strings.ReplaceAll(key, "_", "-") }

func envName(key string) string { return EnvPrefix + strings.ToUpper(key) }

func sortedKeys(m map[string]func(string) error) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

func setString(p *string) func(string) error {
	return func(v string) error {
		*p = v
		return nil
	}
}

func setInt(p *int) func(string) error {
	return func(v string) error {
		n, err := strconv.Atoi(strings.TrimSpace(v))
		if err != nil {
			return err
		}
		*p = n
		return nil
	}
}

func setInt32(p *int32) func(string) error {
	return func(v string) error {
		n, err := strconv.ParseInt(strings.TrimSpace(v), 10, 32)
		if err != nil {
			return err
		}
		*p = int32(n)
		return nil
	}
}

func setInt64(p *int64) func(string) error {
	return func(v string) error {
		n, err := strconv.ParseInt(strings.TrimSpace(v), 10, 64)
		if err != nil {
			return err
		}
		*p = n
		return nil
	}
}

func setDuration(p *time.Duration) func(string) error {
	return func(v string) error {
		d, err := time.ParseDuration(strings.TrimSpace(v))
		if err != nil {
			return err
		}
		*p = d
		return nil
	}
}

// setList parses a comma separated list; empty clears it.
func setList(p *[]string) func(string) error {
	return func(v string) error {
		var out []string
		for _, item := range strings.Split(v, ",") {
			if item = strings.TrimSpace(item); item != "" {
				out = append(out, item)
			}
		}
		*p = out
		return nil
	}
}

// setShape parses "1,3,32,32".
func setShape(p *[]int64) func(string) error {
	return func(v string) error {
		var shape []int64
		for _, item := range strings.Split(v, ",") {
			n, err := strconv.ParseInt(strings.TrimSpace(item), 10, 64)
			if err != nil {
				return fmt.Errorf("invalid shape %q: %w", v, err)
			}
			shape = append(shape, n)
		}
		*p = shape
		return nil
	}
}
