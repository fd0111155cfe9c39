package main

import (
	"github.com/BurntSushi/toml"
	"github.com/cockroachdb/errors"
	"github.com/dustin/go-humanize"
)

// serverConfig is the TOML file format for `tracekit serve`. Flags override
// file values.
type serverConfig struct {
	ListenAddr string `toml:"listen_addr"`
	TraceDir   string `toml:"trace_dir"`
	MemBudget  string `toml:"mem_budget"` // humanized, e.g. "256MiB"
}

// defaultServerConfig is what serve runs with when neither file nor flags say
// otherwise.
func defaultServerConfig() serverConfig {
	return serverConfig{
		ListenAddr: "localhost:8040",
		TraceDir:   "traces",
	}
}

// loadServerConfig overlays the TOML file at path, if non-empty, onto base.
func loadServerConfig(path string, base serverConfig) (serverConfig, error) {
	if path == "" {
		return base, nil
	}

	meta, err := toml.DecodeFile(path, &base)
	if err != nil {
		return base, errors.Wrapf(err, "config file %q", path)
	}
	if undecoded := meta.Undecoded(); len(undecoded) > 0 {
		return base, errors.Newf("config file %q: unknown key %q", path, undecoded[0].String())
	}

	return base, nil
}

// memBudgetBytes parses the humanized memory budget. Empty means unbounded.
func (c serverConfig) memBudgetBytes() (int64, error) {
	if c.MemBudget == "" {
		return 0, nil
	}
	n, err := humanize.ParseBytes(c.MemBudget)
	if err != nil {
		return 0, errors.Wrapf(err, "mem budget %q", c.MemBudget)
	}
	return int64(n), nil
}
