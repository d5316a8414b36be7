// Package config loads the engine configuration from a yaml file.
package config

import (
	"fmt"
	"os"
	"time"

	"github.com/go-playground/validator/v10"
	"gopkg.in/yaml.v3"
)

// FeedConfig names the upstream feeds for one transit agency.
type FeedConfig struct {
	StaticURL    string   `yaml:"staticURL" validate:"required,url"`
	RealtimeURLs []string `yaml:"realtimeURLs" validate:"dive,url"`
}

// DetectorConfig tunes the duplicate stop detector.
type DetectorConfig struct {
	MaxDistanceMeters float64 `yaml:"maxDistanceMeters" validate:"gte=0"`
	MinNameSimilarity float64 `yaml:"minNameSimilarity" validate:"gte=0,lte=1"`
}

// Duration wraps time.Duration so yaml values like "30s" parse.
type Duration time.Duration

func (d *Duration) UnmarshalYAML(value *yaml.Node) error {
	var s string
	if err := value.Decode(&s); err != nil {
		return err
	}

	parsed, err := time.ParseDuration(s)
	if err != nil {
		return fmt.Errorf("parsing duration %q: %w", s, err)
	}

	*d = Duration(parsed)
	return nil
}

// RefreshConfig holds the background refresh timers.
type RefreshConfig struct {
	StaticInterval   Duration `yaml:"staticInterval" validate:"gte=0"`
	RealtimeInterval Duration `yaml:"realtimeInterval" validate:"gte=0"`
	RealtimeStale    Duration `yaml:"realtimeStale" validate:"gte=0"`
}

// Config is the root configuration structure.
type Config struct {
	Feed     FeedConfig     `yaml:"feed" validate:"required"`
	Refresh  RefreshConfig  `yaml:"refresh"`
	Detector DetectorConfig `yaml:"detector"`

	// Directory for the schedule store databases.
	StorageDir string `yaml:"storageDir" validate:"required"`

	// Address for the /metrics server. Empty disables it.
	MetricsAddr string `yaml:"metricsAddr"`
}

func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading config: %w", err)
	}

	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("parsing config: %w", err)
	}

	v := validator.New()
	if err := v.Struct(cfg); err != nil {
		return nil, fmt.Errorf("validating config: %w", err)
	}

	if cfg.Refresh.StaticInterval == 0 {
		cfg.Refresh.StaticInterval = Duration(12 * time.Hour)
	}
	if cfg.Refresh.RealtimeInterval == 0 {
		cfg.Refresh.RealtimeInterval = Duration(30 * time.Second)
	}
	if cfg.Refresh.RealtimeStale == 0 {
		cfg.Refresh.RealtimeStale = Duration(5 * time.Minute)
	}

	return &cfg, nil
}
