// Package config provides configuration loading from YAML files.
package config

import (
	"os"
	"strconv"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/creasty/defaults"
	"github.com/go-playground/validator/v10"
	"gopkg.in/yaml.v3"
)

// Config represents the application configuration.
type Config struct {
	Log      LogConfig      `yaml:"log"`
	Playback PlaybackConfig `yaml:"playback"`
	Sink     SinkConfig     `yaml:"sink"`
}

// LogConfig represents logging configuration.
type LogConfig struct {
	Output string `yaml:"output" default:"stdout"`
	Level  string `yaml:"level" default:"info" validate:"oneof=debug info warn warning error"`
}

// PlaybackConfig represents playback pacing configuration.
type PlaybackConfig struct {
	InterItemDelayMs   int `yaml:"inter_item_delay_ms" default:"1000" validate:"gt=0"`
	LeadInMs           int `yaml:"lead_in_ms" default:"2000" validate:"gt=0"`
	StopPollIntervalMs int `yaml:"stop_poll_interval_ms" default:"200" validate:"gt=0,lte=5000"`
	EventBuffer        int `yaml:"event_buffer" default:"64" validate:"gte=1"`
}

// SinkConfig represents the position sink configuration.
type SinkConfig struct {
	Type     string         `yaml:"type" default:"log" validate:"required"`
	Settings map[string]any `yaml:"settings"`
}

// Default returns a configuration with all defaults applied.
func Default() (*Config, error) {
	var cfg Config
	if err := defaults.Set(&cfg); err != nil {
		return nil, errors.Wrap(err, "failed to set defaults")
	}
	cfg.overrideFromEnv()
	if err := cfg.Validate(); err != nil {
		return nil, errors.Wrap(err, "config validation failed")
	}
	return &cfg, nil
}

// Load loads configuration from a YAML file.
// Environment variables take precedence over file values.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, errors.Wrap(err, "failed to read config file")
	}

	// Defaults go in before decoding; explicit zero values in the file must reach validation
	var cfg Config
	if err := defaults.Set(&cfg); err != nil {
		return nil, errors.Wrap(err, "failed to set defaults")
	}

	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, errors.Wrap(err, "failed to parse config file")
	}

	// Override with environment variables
	cfg.overrideFromEnv()

	if err := cfg.Validate(); err != nil {
		return nil, errors.Wrap(err, "config validation failed")
	}

	return &cfg, nil
}

// overrideFromEnv overrides config values with environment variables.
func (c *Config) overrideFromEnv() {
	if v := os.Getenv("REPLAY_DELAY_MS"); v != "" {
		if ms, err := strconv.Atoi(v); err == nil {
			c.Playback.InterItemDelayMs = ms
		}
	}
	if v := os.Getenv("REPLAY_SINK"); v != "" {
		c.Sink.Type = v
	}
	if v := os.Getenv("REPLAY_LOG_LEVEL"); v != "" {
		c.Log.Level = v
	}
}

// Validate validates the configuration.
func (c *Config) Validate() error {
	validate := validator.New()
	if err := validate.Struct(c); err != nil {
		return errors.Wrap(err, "struct validation failed")
	}
	return nil
}

// InterItemDelay returns the inter-item delay as a duration.
func (c *Config) InterItemDelay() time.Duration {
	return time.Duration(c.Playback.InterItemDelayMs) * time.Millisecond
}

// LeadIn returns the first-point lead-in as a duration.
func (c *Config) LeadIn() time.Duration {
	return time.Duration(c.Playback.LeadInMs) * time.Millisecond
}

// StopPollInterval returns the stop polling interval as a duration.
func (c *Config) StopPollInterval() time.Duration {
	return time.Duration(c.Playback.StopPollIntervalMs) * time.Millisecond
}
