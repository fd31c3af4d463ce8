package ops

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/caarlos0/env/v11"
	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"

	"chimera/internal/chaos"
	"chimera/internal/depth"
	"chimera/internal/recorder"
	"chimera/internal/risk"
	"chimera/internal/schema"
	"chimera/internal/shadow"
	"chimera/internal/venue"
)

const (
	defaultLogDir            = "data"
	defaultSession           = "session"
	defaultQueueSize         = 4096
	defaultHeartbeatInterval = time.Second
)

// Config is the process configuration: a YAML file overlaid by CHIMERA_*
// environment variables.
type Config struct {
	LogDir       string `yaml:"logDir" env:"CHIMERA_LOG_DIR"`
	Session      string `yaml:"session" env:"CHIMERA_SESSION"`
	ReplayMode   bool   `yaml:"replayMode" env:"CHIMERA_REPLAY_MODE"`
	CatalogDSN   string `yaml:"catalogDsn" env:"CHIMERA_CATALOG_DSN"`
	MetricsAddr  string `yaml:"metricsAddr" env:"CHIMERA_METRICS_ADDR"`
	PyroscopeURL string `yaml:"pyroscopeUrl" env:"CHIMERA_PYROSCOPE_URL"`

	QueueSize         int           `yaml:"queueSize"`
	HeartbeatInterval time.Duration `yaml:"heartbeatInterval"`

	Venue      VenueConfig      `yaml:"venue"`
	Symbols    []SymbolConfig   `yaml:"symbols"`
	Recorder   RecorderConfig   `yaml:"recorder"`
	Reconciler ReconcilerConfig `yaml:"reconciler"`
	Risk       risk.Config      `yaml:"risk"`
	Shadow     shadow.Config    `yaml:"shadow"`
	Chaos      chaos.Config     `yaml:"chaos"`
}

// VenueConfig locates the market data venue.
type VenueConfig struct {
	Name          string `yaml:"name" env:"CHIMERA_VENUE"`
	RESTURL       string `yaml:"restUrl" env:"CHIMERA_VENUE_REST_URL"`
	StreamURL     string `yaml:"streamUrl" env:"CHIMERA_VENUE_STREAM_URL"`
	SnapshotLimit int    `yaml:"snapshotLimit"`
}

// SymbolConfig describes a traded symbol and its exchange filters.
type SymbolConfig struct {
	Name  string      `yaml:"name"`
	Rules venue.Rules `yaml:"rules"`
}

// RecorderConfig mirrors recorder.Config without the base path.
type RecorderConfig struct {
	MapSize       int64         `yaml:"mapSize"`
	HighWater     float64       `yaml:"highWater"`
	FlushInterval time.Duration `yaml:"flushInterval"`
	SyncInterval  time.Duration `yaml:"syncInterval"`
}

// ReconcilerConfig mirrors depth.ReconcilerConfig without the symbol.
type ReconcilerConfig struct {
	BufferSize      int           `yaml:"bufferSize"`
	SnapshotTimeout time.Duration `yaml:"snapshotTimeout"`
	MaxAttempts     int           `yaml:"maxAttempts"`
	BackoffInitial  time.Duration `yaml:"backoffInitial"`
	BackoffMax      time.Duration `yaml:"backoffMax"`
	RecordSnapshots bool          `yaml:"recordSnapshots"`
}

// Load reads the YAML file at path, when given, and applies the environment.
// A .env file in the working directory is loaded first if present.
func Load(path string) (Config, error) {
	_ = godotenv.Load()

	var cfg Config
	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return Config{}, err
		}
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return Config{}, fmt.Errorf("parse %s: %w", path, err)
		}
	}
	if err := env.Parse(&cfg); err != nil {
		return Config{}, fmt.Errorf("parse env: %w", err)
	}

	cfg = cfg.withDefaults()
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func (c Config) withDefaults() Config {
	if c.LogDir == "" {
		c.LogDir = defaultLogDir
	}
	if c.Session == "" {
		c.Session = defaultSession
	}
	if c.QueueSize == 0 {
		c.QueueSize = defaultQueueSize
	}
	if c.HeartbeatInterval == 0 {
		c.HeartbeatInterval = defaultHeartbeatInterval
	}
	if c.Venue.Name == "" {
		c.Venue.Name = schema.VenueBinance.String()
	}
	if c.Chaos.ReorderWindow == 0 {
		c.Chaos.ReorderWindow = 1
	}
	return c
}

// Validate checks if the configuration is usable.
func (c Config) Validate() error {
	if c.QueueSize <= 0 {
		return fmt.Errorf("invalid config: queueSize must be > 0")
	}
	if c.HeartbeatInterval < 0 {
		return fmt.Errorf("invalid config: heartbeatInterval must be >= 0")
	}
	if _, ok := schema.ParseVenue(c.Venue.Name); !ok {
		return fmt.Errorf("invalid config: unknown venue %q", c.Venue.Name)
	}
	seen := make(map[string]bool, len(c.Symbols))
	for _, s := range c.Symbols {
		if s.Name == "" {
			return fmt.Errorf("invalid config: symbol name is empty")
		}
		if seen[s.Name] {
			return fmt.Errorf("invalid config: duplicate symbol %s", s.Name)
		}
		seen[s.Name] = true
	}
	if err := c.RecorderConfig().Validate(); err != nil {
		return err
	}
	return c.Chaos.Validate()
}

// BasePath is the log path prefix: LogDir/Session.
func (c Config) BasePath() string {
	return filepath.Join(c.LogDir, c.Session)
}

// VenueID resolves the configured venue name.
func (c Config) VenueID() schema.VenueID {
	id, _ := schema.ParseVenue(c.Venue.Name)
	return id
}

// SymbolNames lists the configured symbols in file order.
func (c Config) SymbolNames() []string {
	out := make([]string, len(c.Symbols))
	for i, s := range c.Symbols {
		out[i] = s.Name
	}
	return out
}

// Rules builds the exchange filter table.
func (c Config) Rules() venue.StaticRules {
	rules := make(venue.StaticRules, len(c.Symbols))
	for _, s := range c.Symbols {
		rules[s.Name] = s.Rules
	}
	return rules
}

func (c Config) RecorderConfig() recorder.Config {
	cfg := recorder.DefaultConfig(c.BasePath())
	if c.Recorder.MapSize != 0 {
		cfg.MapSize = c.Recorder.MapSize
	}
	if c.Recorder.HighWater != 0 {
		cfg.HighWater = c.Recorder.HighWater
	}
	cfg.FlushInterval = c.Recorder.FlushInterval
	cfg.SyncInterval = c.Recorder.SyncInterval
	return cfg
}

func (c Config) ReconcilerConfig(symbol string) depth.ReconcilerConfig {
	return depth.ReconcilerConfig{
		Venue:           c.VenueID(),
		Symbol:          symbol,
		BufferSize:      c.Reconciler.BufferSize,
		SnapshotTimeout: c.Reconciler.SnapshotTimeout,
		MaxAttempts:     c.Reconciler.MaxAttempts,
		BackoffInitial:  c.Reconciler.BackoffInitial,
		BackoffMax:      c.Reconciler.BackoffMax,
		RecordSnapshots: c.Reconciler.RecordSnapshots,
	}
}

func (c Config) ShadowConfig() shadow.Config {
	cfg := c.Shadow
	cfg.Venue = c.VenueID()
	return cfg
}
