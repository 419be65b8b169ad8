package main

import (
	"os"
	"time"

	"github.com/jessevdk/go-flags"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

type Options struct {
	Run     RunCommand     `command:"run" description:"Run a policy episode on the follower arm"`
	Detect  DetectCommand  `command:"detect" description:"Scan serial ports for arms and calibrate them"`
	SetHome SetHomeCommand `command:"set-home" alias:"sethome" description:"Record the home pose by mirroring the leader arm"`
	Cameras CamerasCommand `command:"cameras" description:"Probe the configured cameras"`
}

var opts Options
var parser = flags.NewParser(&opts, flags.Default)

func main() {
	log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: time.TimeOnly})

	parser.LongDescription = "leopenpi - openpi policy runtime for SO-101 arms"

	_, err := parser.Parse()
	if err != nil {
		if flagsErr, ok := err.(*flags.Error); ok {
			if flagsErr.Type == flags.ErrHelp {
				os.Exit(0)
			}
			os.Exit(1)
		}
		log.Error().Err(err).Msg("command failed")
		os.Exit(1)
	}
}

// applyLogLevel sets the global level from the configured name. An unknown
// name keeps the default rather than failing the run.
func applyLogLevel(name string) {
	level, err := zerolog.ParseLevel(name)
	if err != nil {
		log.Warn().Str("log_level", name).Msg("unknown log level, keeping info")
		return
	}
	zerolog.SetGlobalLevel(level)
}
