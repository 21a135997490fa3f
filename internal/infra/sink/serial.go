package sink

import (
	"io"

	"github.com/cockroachdb/errors"
	zlog "github.com/rs/zerolog/log"
	"go.bug.st/serial"

	"github.com/osa030/trackreplay/internal/app/playback"
)

// SerialSinkConfig holds settings for the serial sink.
type SerialSinkConfig struct {
	Port     string `yaml:"port" mapstructure:"port" validate:"required"`
	BaudRate int    `yaml:"baud_rate" mapstructure:"baud_rate" default:"9600" validate:"gt=0"`
}

// openPort is replaced in tests.
var openPort = func(name string, mode *serial.Mode) (io.WriteCloser, error) {
	port, err := serial.Open(name, mode)
	if err != nil {
		return nil, err
	}
	return port, nil
}

func newSerialFromSettings(settings map[string]any) (playback.Sink, io.Closer, error) {
	var cfg SerialSinkConfig
	if err := decodeSettings(settings, &cfg); err != nil {
		return nil, nil, err
	}

	mode := &serial.Mode{
		BaudRate: cfg.BaudRate,
		Parity:   serial.NoParity,
		DataBits: 8,
		StopBits: serial.OneStopBit,
	}
	port, err := openPort(cfg.Port, mode)
	if err != nil {
		return nil, nil, errors.Wrapf(err, "failed to open serial port %s", cfg.Port)
	}
	zlog.Info().Msgf("opened serial port: port=%s baud_rate=%d", cfg.Port, cfg.BaudRate)

	return NewNMEASink(port), port, nil
}
