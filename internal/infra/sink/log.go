package sink

import (
	"github.com/rs/zerolog"
	zlog "github.com/rs/zerolog/log"

	"github.com/osa030/trackreplay/internal/domain/trackpoint"
)

// LogSink writes one structured log line per emission.
type LogSink struct {
	logger zerolog.Logger
	level  zerolog.Level
}

// LogSinkConfig holds settings for the log sink.
type LogSinkConfig struct {
	Level string `yaml:"level" mapstructure:"level" default:"info" validate:"oneof=debug info warn"`
}

// NewLogSink creates a sink logging to the global logger.
func NewLogSink(level zerolog.Level) *LogSink {
	return &LogSink{logger: zlog.Logger, level: level}
}

// NewLogSinkWithLogger creates a sink logging to l.
func NewLogSinkWithLogger(l zerolog.Logger, level zerolog.Level) *LogSink {
	return &LogSink{logger: l, level: level}
}

// Publish implements playback.Sink.
func (s *LogSink) Publish(e trackpoint.Emission) error {
	ev := s.logger.WithLevel(s.level).
		Int("seq", e.Seq).
		Float64("lat", e.Point.Lat).
		Float64("lon", e.Point.Lon).
		Float64("heading", e.Point.Heading).
		Float64("speed", e.Point.Speed).
		Time("dispatch_at", e.DispatchAt)
	if e.Point.Time != nil {
		ev = ev.Time("recorded_at", *e.Point.Time)
	}
	ev.Msg("sink: position")
	return nil
}
