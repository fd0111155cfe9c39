package main

import (
	"context"
	"net"
	"net/http"
	"os"

	"github.com/cockroachdb/errors"
	"github.com/gorilla/mux"
	"github.com/oklog/run"
	"github.com/peterbourgon/ff/v4"
	"github.com/peterbourgon/ff/v4/ffval"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/afero"

	"github.com/tracekit/tracekit"
	"github.com/tracekit/tracekit/tkfile"
	"github.com/tracekit/tracekit/tkmem"
	"github.com/tracekit/tracekit/tkrelay"
	"github.com/tracekit/tracekit/tkweb"
)

type serveConfig struct {
	*rootConfig

	configFile string
	listenAddr string
	traceDir   string
	memBudget  string
}

func (cfg *serveConfig) register(fs *ff.FlagSet) {
	fs.AddFlag(ff.FlagConfig{
		ShortName:   'c',
		LongName:    "config",
		Value:       ffval.NewValue(&cfg.configFile),
		Usage:       "TOML config file",
		Placeholder: "FILE",
	})
	fs.AddFlag(ff.FlagConfig{
		LongName: "listen-addr",
		Value:    ffval.NewValue(&cfg.listenAddr),
		Usage:    "HTTP listen address",
	})
	fs.AddFlag(ff.FlagConfig{
		LongName: "trace-dir",
		Value:    ffval.NewValue(&cfg.traceDir),
		Usage:    "directory the file transport writes under",
	})
	fs.AddFlag(ff.FlagConfig{
		LongName:    "mem-budget",
		Value:       ffval.NewValue(&cfg.memBudget),
		Usage:       "total buffer memory for the mem transport, e.g. 256MiB (default unbounded)",
		Placeholder: "BYTES",
	})
}

func (cfg *serveConfig) Exec(ctx context.Context, args []string) error {
	fileConfig, err := loadServerConfig(cfg.configFile, defaultServerConfig())
	if err != nil {
		return err
	}
	if cfg.listenAddr != "" {
		fileConfig.ListenAddr = cfg.listenAddr
	}
	if cfg.traceDir != "" {
		fileConfig.TraceDir = cfg.traceDir
	}
	if cfg.memBudget != "" {
		fileConfig.MemBudget = cfg.memBudget
	}

	budget, err := fileConfig.memBudgetBytes()
	if err != nil {
		return err
	}

	registry := tracekit.NewRegistry().SetLogger(cfg.logger)

	var memOpts []tkmem.Option
	if budget > 0 {
		memOpts = append(memOpts, tkmem.WithBudget(budget))
	}
	if err := registry.RegisterTransport(tkmem.New(memOpts...)); err != nil {
		return err
	}

	fileTransport, err := tkfile.New(afero.NewOsFs(), fileConfig.TraceDir)
	if err != nil {
		return err
	}
	if err := registry.RegisterTransport(fileTransport); err != nil {
		return err
	}

	relay := tkrelay.New()
	if err := registry.RegisterTransport(relay); err != nil {
		return err
	}

	controlServer := tkweb.NewServer(registry).
		SetLogger(cfg.logger).
		RegisterMetrics(prometheus.DefaultRegisterer)

	router := mux.NewRouter()
	router.Path("/metrics").Handler(promhttp.Handler())
	router.Path("/stream").Handler(tkrelay.NewStreamServer(relay).SetLogger(cfg.logger))
	router.PathPrefix("/").Handler(controlServer)

	ln, err := net.Listen("tcp", fileConfig.ListenAddr)
	if err != nil {
		return errors.Wrapf(err, "listen %q", fileConfig.ListenAddr)
	}

	cfg.logger.Info().
		Str("addr", fileConfig.ListenAddr).
		Str("trace_dir", fileConfig.TraceDir).
		Int64("mem_budget", budget).
		Msg("serving")

	httpServer := &http.Server{Handler: router}

	var g run.Group
	g.Add(func() error {
		return httpServer.Serve(ln)
	}, func(error) {
		httpServer.Close()
	})
	g.Add(run.SignalHandler(ctx, os.Interrupt))
	drained := make(chan struct{})
	g.Add(func() error {
		<-drained
		return nil
	}, func(error) {
		if err := registry.Close(); err != nil {
			cfg.logger.Warn().Err(err).Msg("registry close")
		}
		close(drained)
	})

	return g.Run()
}
