// Package config loads the service configuration from a YAML or JSON file
// with GR_ environment overrides.
package config

import (
	"fmt"
	"path/filepath"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/knadh/koanf/parsers/json"
	"github.com/knadh/koanf/parsers/yaml"
	"github.com/knadh/koanf/providers/env"
	"github.com/knadh/koanf/providers/file"
	"github.com/knadh/koanf/v2"

	"github.com/1F47E/geo-rebalance/internal/metrics"
	"github.com/1F47E/geo-rebalance/internal/publish"
	"github.com/1F47E/geo-rebalance/pkg/postgis"
	"github.com/1F47E/geo-rebalance/pkg/rebalance"
)

// EnvPrefix marks environment overrides, e.g. GR_REBALANCE__K=5.
const EnvPrefix = "GR_"

type Config struct {
	Rebalance RebalanceConfig `json:"rebalance"`
	Poll      PollConfig      `json:"poll"`
	Source    SourceConfig    `json:"source"`
	Alerts    AlertsConfig    `json:"alerts"`
	Publish   PublishConfig   `json:"publish"`
	Metrics   metrics.Config  `json:"metrics"`
	Logging   LoggingConfig   `json:"logging"`
}

// RebalanceConfig holds the planner settings.
type RebalanceConfig struct {
	K              int    `json:"k" validate:"gt=0"`
	MinThreshold   int    `json:"min_threshold" validate:"gte=0"`
	MaxThreshold   int    `json:"max_threshold" validate:"gte=0"`
	OccupancyField string `json:"occupancy_field"`
	Strategy       string `json:"strategy" validate:"omitempty,oneof=scan rtree"`
	DonorFloor     string `json:"donor_floor" validate:"omitempty,oneof=max min"`
}

// SetDefaults fills in three neighbours and a 25..45 band.
func (c *RebalanceConfig) SetDefaults() {
	if c.K == 0 {
		c.K = 3
	}
	if c.MinThreshold == 0 && c.MaxThreshold == 0 {
		c.MinThreshold = 25
		c.MaxThreshold = 45
	}
	if c.Strategy == "" {
		c.Strategy = "scan"
	}
	if c.DonorFloor == "" {
		c.DonorFloor = string(rebalance.FloorMax)
	}
}

// Thresholds returns the configured band
func (c RebalanceConfig) Thresholds() rebalance.Thresholds {
	return rebalance.Thresholds{Min: c.MinThreshold, Max: c.MaxThreshold}
}

// PollConfig controls how often the source is read.
type PollConfig struct {
	Interval time.Duration `json:"interval" validate:"gt=0"`
	Timeout  time.Duration `json:"timeout" validate:"gt=0"`
}

// SetDefaults applies defaults for unset fields.
func (c *PollConfig) SetDefaults() {
	if c.Interval == 0 {
		c.Interval = 60 * time.Second
	}
	if c.Timeout == 0 {
		c.Timeout = 10 * time.Second
	}
}

// Source kinds
const (
	SourceGBFS    = "gbfs"
	SourceCSV     = "csv"
	SourcePostGIS = "postgis"
)

// SourceConfig selects where snapshots come from.
type SourceConfig struct {
	Kind    string         `json:"kind" validate:"required,oneof=gbfs csv postgis"`
	GBFS    GBFSConfig     `json:"gbfs"`
	CSV     CSVConfig      `json:"csv"`
	PostGIS postgis.Config `json:"postgis"`
}

// GBFSConfig points at a GBFS language directory.
type GBFSConfig struct {
	URL string `json:"url" validate:"omitempty,url"`
}

// CSVConfig points at a local station CSV.
type CSVConfig struct {
	Path string `json:"path"`
}

// Validate checks the settings of the selected kind.
func (c SourceConfig) Validate() error {
	switch c.Kind {
	case SourceGBFS:
		if c.GBFS.URL == "" {
			return fmt.Errorf("source.gbfs.url is required")
		}
	case SourceCSV:
		if c.CSV.Path == "" {
			return fmt.Errorf("source.csv.path is required")
		}
	case SourcePostGIS:
		if c.PostGIS.Host == "" || c.PostGIS.DBName == "" {
			return fmt.Errorf("source.postgis host and dbname are required")
		}
	}
	return nil
}

// AlertsConfig enables GTFS-Realtime service alerts. An empty URL disables them.
type AlertsConfig struct {
	URL string `json:"url" validate:"omitempty,url"`
}

// PublishConfig configures the outputs of each pass.
type PublishConfig struct {
	MQTT publish.MQTTConfig `json:"mqtt"`
	NATS publish.NATSConfig `json:"nats"`
	HTTP HTTPConfig         `json:"http"`
}

// HTTPConfig configures the live table server. An empty address disables it.
type HTTPConfig struct {
	Addr string `json:"addr" validate:"omitempty,hostname_port"`
}

// LoggingConfig sets the minimum log level.
type LoggingConfig struct {
	Level string `json:"level" validate:"omitempty,oneof=trace debug info warn error"`
}

// SetDefaults applies defaults for unset fields.
func (c *LoggingConfig) SetDefaults() {
	if c.Level == "" {
		c.Level = "info"
	}
}

// SetDefaults fills every section.
func (c *Config) SetDefaults() {
	c.Rebalance.SetDefaults()
	c.Poll.SetDefaults()
	c.Logging.SetDefaults()
	if c.Publish.MQTT.Broker != "" {
		c.Publish.MQTT.SetDefaults()
	}
	if c.Publish.NATS.URL != "" {
		c.Publish.NATS.SetDefaults()
	}
}

// Validate runs struct tag validation followed by cross-field checks.
func (c *Config) Validate() error {
	if err := validator.New().Struct(c); err != nil {
		return err
	}
	if err := c.Rebalance.Thresholds().Validate(); err != nil {
		return err
	}
	return c.Source.Validate()
}

// Load reads path, applies GR_ environment overrides, defaults and
// validation. An empty path loads from the environment only.
func Load(path string) (*Config, error) {
	k := koanf.New(".")
	if path != "" {
		var parser koanf.Parser
		switch ext := strings.ToLower(filepath.Ext(path)); ext {
		case ".yaml", ".yml":
			parser = yaml.Parser()
		case ".json":
			parser = json.Parser()
		default:
			return nil, fmt.Errorf("unsupported config format: %s", ext)
		}
		if err := k.Load(file.Provider(path), parser); err != nil {
			return nil, err
		}
	}
	if err := k.Load(env.Provider(EnvPrefix, ".", func(s string) string {
		s = strings.TrimPrefix(strings.ToLower(s), strings.ToLower(EnvPrefix))
		return strings.ReplaceAll(s, "__", ".")
	}), nil); err != nil {
		return nil, err
	}

	var cfg Config
	if err := k.UnmarshalWithConf("", &cfg, koanf.UnmarshalConf{Tag: "json"}); err != nil {
		return nil, err
	}
	cfg.SetDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}
