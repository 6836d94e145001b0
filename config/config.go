// Package config centralises runtime configuration for the algoexec engine.
package config

import (
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Config is the engine configuration tree loaded from YAML and environment
// overrides.
type Config struct {
	Venue     VenueConfig     `yaml:"venue"`
	Host      HostConfig      `yaml:"host"`
	Store     StoreConfig     `yaml:"store"`
	Telemetry TelemetryConfig `yaml:"telemetry"`
}

// VenueConfig selects and configures the venue adapter.
type VenueConfig struct {
	// Mode selects the adapter: "paper" or "ws".
	Mode  string      `yaml:"mode"`
	WS    WSConfig    `yaml:"ws"`
	Paper PaperConfig `yaml:"paper"`
}

// WSConfig controls the websocket venue transport.
type WSConfig struct {
	URL            string        `yaml:"url"`
	APIKey         string        `yaml:"apiKey"`
	ConnectTimeout time.Duration `yaml:"connectTimeout"`
	EventBuffer    int           `yaml:"eventBuffer"`
}

// PaperConfig seeds the simulated venue.
type PaperConfig struct {
	// AutoFill, when positive, fills accepted orders after the delay.
	AutoFill time.Duration     `yaml:"autoFill"`
	Balances map[string]string `yaml:"balances"`
	MinSizes map[string]string `yaml:"minSizes"`
}

// HostConfig tunes the instance host.
type HostConfig struct {
	SubmitRate  float64       `yaml:"submitRate"`
	SubmitBurst int           `yaml:"submitBurst"`
	AckTimeout  time.Duration `yaml:"ackTimeout"`
	PoolWorkers int           `yaml:"poolWorkers"`
	PoolQueue   int           `yaml:"poolQueue"`
}

// StoreConfig selects the snapshot store.
type StoreConfig struct {
	// Driver selects the store: "memory" or "postgres".
	Driver  string `yaml:"driver"`
	DSN     string `yaml:"dsn"`
	Migrate bool   `yaml:"migrate"`
}

// TelemetryConfig configures OTLP exporters.
type TelemetryConfig struct {
	OTLPEndpoint string `yaml:"otlpEndpoint"`
	ServiceName  string `yaml:"serviceName"`
}

// Default returns the default engine configuration: paper venue, in-memory
// store, no telemetry export.
func Default() Config {
	return Config{
		Venue: VenueConfig{
			Mode: "paper",
			WS: WSConfig{
				ConnectTimeout: 10 * time.Second,
				EventBuffer:    256,
			},
			Paper: PaperConfig{
				AutoFill: 250 * time.Millisecond,
			},
		},
		Host: HostConfig{
			SubmitRate:  10,
			SubmitBurst: 5,
			AckTimeout:  10 * time.Second,
			PoolWorkers: 8,
			PoolQueue:   256,
		},
		Store: StoreConfig{
			Driver: "memory",
		},
		Telemetry: TelemetryConfig{
			ServiceName: "algoexec",
		},
	}
}

// Load reads the configuration file, overlaying it on the defaults and then
// applying environment overrides. A missing file at the default location is
// not an error; defaults apply.
func Load(path string) (Config, error) {
	cfg := Default()

	path = strings.TrimSpace(path)
	explicit := path != ""
	if !explicit {
		path = strings.TrimSpace(os.Getenv("ALGOEXEC_CONFIG"))
		explicit = path != ""
	}
	if path == "" {
		path = "config/algoexec.yaml"
	}

	file, err := os.Open(filepath.Clean(path))
	switch {
	case err == nil:
		defer func() { _ = file.Close() }()
		data, err := io.ReadAll(file)
		if err != nil {
			return Config{}, fmt.Errorf("read config: %w", err)
		}
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return Config{}, fmt.Errorf("unmarshal config: %w", err)
		}
	case os.IsNotExist(err) && !explicit:
	default:
		return Config{}, fmt.Errorf("open config: %w", err)
	}

	applyEnv(&cfg)

	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func applyEnv(cfg *Config) {
	if v := strings.TrimSpace(os.Getenv("ALGOEXEC_VENUE_MODE")); v != "" {
		cfg.Venue.Mode = strings.ToLower(v)
	}
	if v := strings.TrimSpace(os.Getenv("ALGOEXEC_VENUE_WS_URL")); v != "" {
		cfg.Venue.WS.URL = v
	}
	if v := strings.TrimSpace(os.Getenv("ALGOEXEC_VENUE_API_KEY")); v != "" {
		cfg.Venue.WS.APIKey = v
	}
	if v := strings.TrimSpace(os.Getenv("ALGOEXEC_STORE_DRIVER")); v != "" {
		cfg.Store.Driver = strings.ToLower(v)
	}
	if v := strings.TrimSpace(os.Getenv("ALGOEXEC_STORE_DSN")); v != "" {
		cfg.Store.DSN = v
	}
	if v := strings.TrimSpace(os.Getenv("ALGOEXEC_OTLP_ENDPOINT")); v != "" {
		cfg.Telemetry.OTLPEndpoint = v
	}
	if v := strings.TrimSpace(os.Getenv("ALGOEXEC_ACK_TIMEOUT")); v != "" {
		if dur, err := time.ParseDuration(v); err == nil {
			cfg.Host.AckTimeout = dur
		}
	}
}

// Validate performs semantic validation on the loaded configuration.
func (c Config) Validate() error {
	switch c.Venue.Mode {
	case "paper":
	case "ws":
		if strings.TrimSpace(c.Venue.WS.URL) == "" {
			return fmt.Errorf("venue.ws.url required in ws mode")
		}
	default:
		return fmt.Errorf("venue.mode must be paper|ws")
	}

	switch c.Store.Driver {
	case "memory":
	case "postgres":
		if strings.TrimSpace(c.Store.DSN) == "" {
			return fmt.Errorf("store.dsn required for postgres")
		}
	default:
		return fmt.Errorf("store.driver must be memory|postgres")
	}

	if c.Host.SubmitRate < 0 {
		return fmt.Errorf("host.submitRate must be >=0")
	}
	if c.Host.SubmitBurst < 0 {
		return fmt.Errorf("host.submitBurst must be >=0")
	}
	if c.Host.AckTimeout < 0 {
		return fmt.Errorf("host.ackTimeout must be >=0")
	}
	if c.Host.PoolWorkers <= 0 {
		return fmt.Errorf("host.poolWorkers must be >0")
	}
	if c.Host.PoolQueue <= 0 {
		return fmt.Errorf("host.poolQueue must be >0")
	}
	return nil
}
