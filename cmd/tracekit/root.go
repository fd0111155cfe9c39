package main

import (
	"io"

	"github.com/cockroachdb/errors"
	"github.com/peterbourgon/ff/v4"
	"github.com/peterbourgon/ff/v4/ffval"
	"github.com/rs/zerolog"

	"github.com/tracekit/tracekit/tkweb"
)

type rootConfig struct {
	stdin  io.Reader
	stdout io.Writer
	stderr io.Writer

	uri      string
	logLevel string

	logger zerolog.Logger
	client *tkweb.Client
}

func (cfg *rootConfig) registerFlags(fs *ff.FlagSet) {
	fs.AddFlag(ff.FlagConfig{
		ShortName:   'u',
		LongName:    "uri",
		Value:       ffval.NewValueDefault(&cfg.uri, "http://localhost:8040"),
		Usage:       "control server URI, http+unix:// works too",
		Placeholder: "URI",
	})
	fs.AddFlag(ff.FlagConfig{
		ShortName:   'l',
		LongName:    "log",
		Value:       ffval.NewEnum(&cfg.logLevel, "info", "debug", "warn", "error", "none"),
		Usage:       "log level: debug, info, warn, error, none",
		Placeholder: "LEVEL",
	})
}

func (cfg *rootConfig) setup() error {
	level := zerolog.Disabled
	if cfg.logLevel != "none" {
		var err error
		if level, err = zerolog.ParseLevel(cfg.logLevel); err != nil {
			return errors.Wrapf(err, "log level %q", cfg.logLevel)
		}
	}

	cfg.logger = zerolog.New(zerolog.ConsoleWriter{Out: cfg.stderr}).
		Level(level).
		With().Timestamp().Logger()

	cfg.client = tkweb.NewClient(tkweb.NewHTTPClient(), cfg.uri)

	return nil
}
