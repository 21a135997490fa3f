// Package sink provides the position sinks that receive replayed track points.
package sink

import (
	"io"
	"os"
	"sort"

	"github.com/cockroachdb/errors"
	"github.com/creasty/defaults"
	"github.com/go-playground/validator/v10"
	"github.com/mitchellh/mapstructure"
	zlog "github.com/rs/zerolog/log"

	"github.com/osa030/trackreplay/internal/app/playback"
	"github.com/osa030/trackreplay/internal/infra/config"
	"github.com/osa030/trackreplay/internal/infra/logger"
)

// Sink types accepted in configuration.
const (
	TypeLog    = "log"
	TypeNMEA   = "nmea"
	TypeSerial = "serial"
)

// ErrUnknownType indicates an unsupported sink type.
var ErrUnknownType = errors.New("unknown sink type")

// Descriptor describes a sink type for listings.
type Descriptor struct {
	Type        string
	Description string
	Settings    []string
}

// factory builds a sink from its settings map.
type factory func(settings map[string]any) (playback.Sink, io.Closer, error)

type entry struct {
	desc    Descriptor
	factory factory
}

// registry holds the sink factories keyed by type.
var registry = map[string]entry{
	TypeLog: {
		desc: Descriptor{
			Type:        TypeLog,
			Description: "Writes one structured log line per point",
			Settings:    []string{"level (debug|info|warn, default info)"},
		},
		factory: newLogFromSettings,
	},
	TypeNMEA: {
		desc: Descriptor{
			Type:        TypeNMEA,
			Description: "Writes $GPRMC and $GPGGA sentences to stdout or a file",
			Settings:    []string{"output (stdout|stderr|<path>, default stdout)"},
		},
		factory: newNMEAFromSettings,
	},
	TypeSerial: {
		desc: Descriptor{
			Type:        TypeSerial,
			Description: "Writes $GPRMC and $GPGGA sentences to a serial port",
			Settings:    []string{"port (required)", "baud_rate (default 9600)"},
		},
		factory: newSerialFromSettings,
	},
}

// Types returns the registered sink types sorted by name.
func Types() []Descriptor {
	out := make([]Descriptor, 0, len(registry))
	for _, e := range registry {
		out = append(out, e.desc)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Type < out[j].Type })
	return out
}

// New creates the sink selected by cfg. The returned closer releases the
// underlying file or port and must be called once playback is over.
func New(cfg config.SinkConfig) (playback.Sink, io.Closer, error) {
	e, ok := registry[cfg.Type]
	if !ok {
		return nil, nil, errors.Wrapf(ErrUnknownType, "%q", cfg.Type)
	}

	zlog.Debug().Msgf("creating sink: type=%s settings=%+v", cfg.Type, cfg.Settings)
	s, closer, err := e.factory(cfg.Settings)
	if err != nil {
		return nil, nil, errors.Wrapf(err, "failed to create sink (type %s)", cfg.Type)
	}
	zlog.Info().Msgf("sink ready: type=%s", cfg.Type)
	return s, closer, nil
}

// decodeSettings decodes a settings map into out, applies defaults and validates it.
func decodeSettings(settings map[string]any, out any) error {
	if err := mapstructure.Decode(settings, out); err != nil {
		return errors.Wrap(err, "failed to decode settings")
	}
	if err := defaults.Set(out); err != nil {
		return errors.Wrap(err, "failed to set defaults")
	}
	if err := validator.New().Struct(out); err != nil {
		return errors.Wrap(err, "validation failed")
	}
	return nil
}

func newLogFromSettings(settings map[string]any) (playback.Sink, io.Closer, error) {
	var cfg LogSinkConfig
	if err := decodeSettings(settings, &cfg); err != nil {
		return nil, nil, err
	}
	return NewLogSink(logger.ParseLevel(cfg.Level)), io.NopCloser(nil), nil
}

// NMEASinkConfig holds settings for the nmea sink.
type NMEASinkConfig struct {
	Output string `yaml:"output" mapstructure:"output" default:"stdout"`
}

func newNMEAFromSettings(settings map[string]any) (playback.Sink, io.Closer, error) {
	var cfg NMEASinkConfig
	if err := decodeSettings(settings, &cfg); err != nil {
		return nil, nil, err
	}

	switch cfg.Output {
	case "stdout":
		return NewNMEASink(os.Stdout), io.NopCloser(nil), nil
	case "stderr":
		return NewNMEASink(os.Stderr), io.NopCloser(nil), nil
	}

	f, err := os.OpenFile(cfg.Output, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0644)
	if err != nil {
		return nil, nil, errors.Wrapf(err, "failed to open nmea output %s", cfg.Output)
	}
	return NewNMEASink(f), f, nil
}
