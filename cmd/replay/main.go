// Package main provides the track replay CLI entry point.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/alecthomas/kingpin/v2"
	"github.com/cockroachdb/errors"
	"github.com/joho/godotenv"
	zlog "github.com/rs/zerolog/log"

	"github.com/osa030/trackreplay/internal/app/notification"
	"github.com/osa030/trackreplay/internal/app/playback"
	"github.com/osa030/trackreplay/internal/infra/config"
	"github.com/osa030/trackreplay/internal/infra/gpx"
	"github.com/osa030/trackreplay/internal/infra/logger"
	"github.com/osa030/trackreplay/internal/infra/sink"
)

var (
	app        = kingpin.New("replay", "Replays recorded GPS tracks in real time")
	configPath = app.Flag("config", "Path to config file (defaults apply when omitted)").String()
	verbose    = app.Flag("verbose", "Enable verbose (DEBUG) logging").Short('v').Bool()
	logfile    = app.Flag("logfile", "Path to log file (default: stdout)").String()

	// play command (default)
	playCmd   = app.Command("play", "Replay a GPX track (default)").Default()
	playFile  = playCmd.Arg("file", "GPX file to replay").Required().ExistingFile()
	delaySet  bool
	delayMs   = playCmd.Flag("delay-ms", "Minimum delay before each point in milliseconds").IsSetByUser(&delaySet).Int()
	sinkType  = playCmd.Flag("sink", "Position sink type (see 'sinks')").String()
	nmeaOut   = playCmd.Flag("nmea-output", "Output for the nmea sink (stdout, stderr or a path)").String()
	serialDev = playCmd.Flag("serial-port", "Serial device for the serial sink").String()

	// check command
	checkCmd  = app.Command("check", "Read a GPX track and report how it would be scheduled")
	checkFile = checkCmd.Arg("file", "GPX file to check").Required().ExistingFile()

	// sinks command
	sinksCmd = app.Command("sinks", "List available position sinks and exit")
)

// initLogger is replaced in tests.
var initLogger = logger.Init

func main() {
	// Load .env file if it exists (errors are ignored)
	_ = godotenv.Load()

	// Parse command
	command := kingpin.MustParse(app.Parse(os.Args[1:]))

	if command == sinksCmd.FullCommand() {
		printSinks()
		return
	}

	cfg, err := loadConfig()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}

	path := *playFile
	if command == checkCmd.FullCommand() {
		path = *checkFile
	}
	if err := run(command, cfg, loggerConfig(command, cfg), path); err != nil {
		os.Exit(1)
	}
}

// run initializes logging and executes command against the track at path.
// The log output is released before run returns, on failure too.
func run(command string, cfg *config.Config, lc logger.Config, path string) error {
	closer, err := initLogger(lc)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to initialize logger: %v\n", err)
		return errors.Wrap(err, "failed to initialize logger")
	}
	defer closer.Close()

	switch command {
	case playCmd.FullCommand():
		err = play(cfg, path)
	case checkCmd.FullCommand():
		err = check(cfg, path)
	default:
		err = errors.Newf("unknown command %q", command)
	}
	if err != nil {
		zlog.Error().Msgf("replay failed: %v", err)
	}
	return err
}

// loggerConfig builds the logger configuration, applying command-line flags.
func loggerConfig(command string, cfg *config.Config) logger.Config {
	lc := logger.Config{
		Output: cfg.Log.Output,
		Level:  cfg.Log.Level,
	}
	// Override with command-line flags if specified
	if *verbose {
		lc.Level = "debug"
	}
	if *logfile != "" {
		lc.Output = *logfile
	}
	if command == playCmd.FullCommand() && cfg.Sink.Type == sink.TypeNMEA && nmeaToStdout(cfg) && lc.Output == "stdout" {
		// keep NMEA sentences on stdout clean
		lc.Output = "stderr"
	}
	return lc
}

// overrides holds the play command flags that take precedence over the config file.
type overrides struct {
	delayMs   *int // nil unless --delay-ms was given
	sinkType  string
	nmeaOut   string
	serialDev string
}

// apply copies the overrides into cfg and validates the result.
// An explicit delay of zero is kept and rejected by validation.
func (o overrides) apply(cfg *config.Config) error {
	if o.delayMs != nil {
		cfg.Playback.InterItemDelayMs = *o.delayMs
	}
	if o.sinkType != "" {
		cfg.Sink.Type = o.sinkType
	}
	if o.nmeaOut != "" || o.serialDev != "" {
		if cfg.Sink.Settings == nil {
			cfg.Sink.Settings = map[string]any{}
		}
		if o.nmeaOut != "" {
			cfg.Sink.Settings["output"] = o.nmeaOut
		}
		if o.serialDev != "" {
			cfg.Sink.Settings["port"] = o.serialDev
		}
	}

	if err := cfg.Validate(); err != nil {
		return errors.Wrap(err, "invalid command-line overrides")
	}
	return nil
}

// loadConfig reads the config file, if any, and applies command-line overrides.
func loadConfig() (*config.Config, error) {
	var cfg *config.Config
	var err error
	if *configPath != "" {
		cfg, err = config.Load(*configPath)
	} else {
		cfg, err = config.Default()
	}
	if err != nil {
		return nil, err
	}

	o := overrides{sinkType: *sinkType, nmeaOut: *nmeaOut, serialDev: *serialDev}
	if delaySet {
		o.delayMs = delayMs
	}
	if err := o.apply(cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

func nmeaToStdout(cfg *config.Config) bool {
	out, _ := cfg.Sink.Settings["output"].(string)
	return out == "" || out == "stdout"
}

// play loads the track, waits for the load to finish, then replays it until
// the queue drains or a shutdown signal arrives.
func play(cfg *config.Config, path string) error {
	s, sinkCloser, err := sink.New(cfg.Sink)
	if err != nil {
		return err
	}
	defer sinkCloser.Close()

	c := playback.NewController(playback.Config{
		InterItemDelay:   cfg.InterItemDelay(),
		LeadIn:           cfg.LeadIn(),
		StopPollInterval: cfg.StopPollInterval(),
		EventBuffer:      cfg.Playback.EventBuffer,
	}, s)
	defer c.Close()

	// Status events reach this loop and the debug log through the notifier
	notifier := notification.NewManager()
	defer notifier.Close()
	notifier.Subscribe(notification.LogStream)
	status := notification.NewChannelStream(cfg.Playback.EventBuffer)
	notifier.Subscribe(status)

	relayCtx, cancelRelay := context.WithCancel(context.Background())
	defer cancelRelay()
	go notifier.Relay(relayCtx, c.Events())

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	defer signal.Stop(sigCh)

	zlog.Info().Msgf("Loading track from %s", path)
	if err := c.Load(gpx.File{Path: path}); err != nil {
		return errors.Wrap(err, "failed to load track")
	}

	return drive(c, status, sigCh)
}

// drive reacts to controller events: it starts playback once loading has
// finished and returns when playback stops or a signal is received.
func drive(c *playback.Controller, status <-chan notification.Notification, sigCh <-chan os.Signal) error {
	started := false
	ticker := time.NewTicker(time.Second)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			// status events may be dropped when the buffer is full
			if !started && c.SessionID() == "" {
				return errors.New("track could not be loaded")
			}
			if started && c.GetState() == playback.StateStopped {
				zlog.Info().Msg("Playback finished")
				return nil
			}

		case sig := <-sigCh:
			zlog.Info().Msgf("Received %v, stopping playback...", sig)
			c.Reset()
			return nil

		case n := <-status:
			e := n.Event
			switch e.Type {
			case playback.EventLoadError:
				if e.Fatal {
					return errors.Newf("track could not be loaded: %s", e.Message)
				}
				zlog.Warn().Msgf("Skipped point: %s", e.Message)

			case playback.EventLoadFinished:
				zlog.Info().Msgf("Track loaded: session_id=%s points=%d", e.SessionID, c.QueueLen())
				if c.QueueLen() == 0 {
					return errors.New("track has no playable points")
				}
				if err := c.Start(); err != nil {
					return errors.Wrap(err, "failed to start playback")
				}
				started = true

			case playback.EventStateChanged:
				if started && e.State == playback.StateStopped {
					zlog.Info().Msg("Playback finished")
					return nil
				}
			}
		}
	}
}

// printSinks prints available sinks.
func printSinks() {
	fmt.Println("Available Sinks:")
	for _, d := range sink.Types() {
		fmt.Printf("  %-8s - %s\n", d.Type, d.Description)
		for _, s := range d.Settings {
			fmt.Printf("  %-8s   setting: %s\n", "", s)
		}
	}
}
