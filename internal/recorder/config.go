package recorder

import (
	"fmt"
	"time"
)

const (
	defaultMapSize   int64 = 256 << 20
	defaultHighWater       = 0.9
	minMapSize       int64 = 4 << 10
)

// Config controls log writer behavior.
type Config struct {
	// BasePath is the path prefix. Files are named BasePath_N.bin.
	BasePath string
	// MapSize is the preallocated and mapped size of each file.
	MapSize int64
	// HighWater is the fraction of MapSize that triggers rotation.
	HighWater float64
	// FlushInterval schedules an asynchronous msync. Zero disables it.
	FlushInterval time.Duration
	// SyncInterval schedules a synchronous msync. Zero disables it.
	SyncInterval time.Duration
}

// DefaultConfig returns a baseline configuration for the log writer.
func DefaultConfig(basePath string) Config {
	return Config{
		BasePath:  basePath,
		MapSize:   defaultMapSize,
		HighWater: defaultHighWater,
	}
}

func (c Config) withDefaults() Config {
	if c.MapSize == 0 {
		c.MapSize = defaultMapSize
	}
	if c.HighWater == 0 {
		c.HighWater = defaultHighWater
	}
	return c
}

// Validate checks if the configuration is usable.
func (c Config) Validate() error {
	if c.BasePath == "" {
		return fmt.Errorf("invalid recorder config: BasePath is empty")
	}
	if c.MapSize < minMapSize {
		return fmt.Errorf("invalid recorder config: MapSize must be >= %d", minMapSize)
	}
	if c.HighWater <= 0 || c.HighWater > 1 {
		return fmt.Errorf("invalid recorder config: HighWater must be in (0, 1]")
	}
	if c.FlushInterval < 0 {
		return fmt.Errorf("invalid recorder config: FlushInterval must be >= 0")
	}
	if c.SyncInterval < 0 {
		return fmt.Errorf("invalid recorder config: SyncInterval must be >= 0")
	}
	return nil
}

func (c Config) limit() int64 {
	return int64(float64(c.MapSize) * c.HighWater)
}
