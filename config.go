package zoomgrid

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/zoomgrid/zoomgrid/breaker"
	"github.com/zoomgrid/zoomgrid/camera"
	"github.com/zoomgrid/zoomgrid/compose"
	"github.com/zoomgrid/zoomgrid/scale"
	"github.com/zoomgrid/zoomgrid/tilecache"
	"github.com/zoomgrid/zoomgrid/viewstate"
)

// Config holds the full engine configuration.
type Config struct {
	TileSize      int `yaml:"tile_size"`
	Workers       int `yaml:"workers"` // 0 means GOMAXPROCS
	MaxAttempts   int `yaml:"max_attempts"`
	SettleDelayMS int `yaml:"settle_delay_ms"`

	Scale   ScaleConfig   `yaml:"scale"`
	Cache   CacheConfig   `yaml:"cache"`
	Breaker BreakerConfig `yaml:"breaker"`
}

// ScaleConfig configures zoom capping and gesture velocity handling.
type ScaleConfig struct {
	MaxZoom    float64 `yaml:"max_zoom"`
	PixelRatio float64 `yaml:"pixel_ratio"`

	// HardwareMax is the largest render scale the backend can safely
	// produce. 0 derives it from the backend texture limits.
	HardwareMax float64 `yaml:"hardware_max"`

	// VelocityThreshold is the zoom velocity, in zoom units per second,
	// above which an active gesture renders one tier below target.
	// 0 disables the step-down.
	VelocityThreshold float64 `yaml:"velocity_threshold"`
}

// CacheConfig configures the tile cache tiers.
type CacheConfig struct {
	L1Entries int      `yaml:"l1_entries"`
	L2SizeMB  int      `yaml:"l2_size_mb"`
	L3        L3Config `yaml:"l3"`
}

// L3Config configures the coldest cache tier.
type L3Config struct {
	Enabled bool `yaml:"enabled"`
	SizeMB  int  `yaml:"size_mb"`
}

// BreakerConfig configures the render circuit breaker.
type BreakerConfig struct {
	Threshold         int     `yaml:"threshold"`
	FallbackReduction float64 `yaml:"fallback_reduction"`
}

// DefaultConfig returns sane defaults.
func DefaultConfig() *Config {
	return &Config{
		TileSize:      scale.DefaultTileSize,
		Workers:       0,
		MaxAttempts:   compose.DefaultMaxAttempts,
		SettleDelayMS: int(compose.DefaultSettleDelay / time.Millisecond),
		Scale: ScaleConfig{
			MaxZoom:           camera.MaxZoom,
			PixelRatio:        1,
			HardwareMax:       0,
			VelocityThreshold: viewstate.DefaultVelocityThreshold,
		},
		Cache: CacheConfig{
			L1Entries: tilecache.DefaultL1Capacity,
			L2SizeMB:  tilecache.DefaultL2SizeMB,
			L3: L3Config{
				Enabled: true,
				SizeMB:  tilecache.DefaultL3SizeMB,
			},
		},
		Breaker: BreakerConfig{
			Threshold:         breaker.DefaultThreshold,
			FallbackReduction: breaker.DefaultFallbackReduction,
		},
	}
}

// LoadConfig reads and parses a YAML config file. Returns DefaultConfig merged with the file.
func LoadConfig(path string) (*Config, error) {
	cfg := DefaultConfig()
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config %s: %w", path, err)
	}
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parse config %s: %w", path, err)
	}
	return cfg, cfg.Validate()
}

// Validate checks that required fields are present and values are sane.
func (c *Config) Validate() error {
	if c.TileSize <= 0 {
		return fmt.Errorf("tile_size must be > 0")
	}
	if c.Workers < 0 {
		return fmt.Errorf("workers must be >= 0")
	}
	if c.MaxAttempts < 1 {
		return fmt.Errorf("max_attempts must be >= 1")
	}
	if c.SettleDelayMS <= 0 {
		return fmt.Errorf("settle_delay_ms must be > 0")
	}
	if c.Scale.MaxZoom <= 0 {
		return fmt.Errorf("scale.max_zoom must be > 0")
	}
	if c.Scale.PixelRatio <= 0 {
		return fmt.Errorf("scale.pixel_ratio must be > 0")
	}
	if c.Scale.HardwareMax < 0 {
		return fmt.Errorf("scale.hardware_max must be >= 0 (0 derives it from backend limits)")
	}
	if c.Scale.VelocityThreshold < 0 {
		return fmt.Errorf("scale.velocity_threshold must be >= 0 (0 disables the step-down)")
	}
	if c.Cache.L1Entries <= 0 {
		return fmt.Errorf("cache.l1_entries must be > 0")
	}
	if c.Cache.L2SizeMB <= 0 {
		return fmt.Errorf("cache.l2_size_mb must be > 0")
	}
	if c.Cache.L3.Enabled && c.Cache.L3.SizeMB <= 0 {
		return fmt.Errorf("cache.l3.size_mb must be > 0 when l3 is enabled")
	}
	if c.Breaker.Threshold < 1 {
		return fmt.Errorf("breaker.threshold must be >= 1")
	}
	if c.Breaker.FallbackReduction <= 1 {
		return fmt.Errorf("breaker.fallback_reduction must be > 1")
	}
	return nil
}

// SettleDelay returns the gesture quiet period as a duration.
func (c *Config) SettleDelay() time.Duration {
	return time.Duration(c.SettleDelayMS) * time.Millisecond
}

// Caps returns the scale capping configuration.
func (c *Config) Caps() scale.Caps {
	return scale.Caps{
		HardwareMax: c.Scale.HardwareMax,
		MaxZoom:     c.Scale.MaxZoom,
		PixelRatio:  c.Scale.PixelRatio,
	}
}
