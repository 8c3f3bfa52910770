// Package loghive wires the components into one running process: write path
// (distributor, ingester, WAL), storage (chunk store, index shipper,
// retention) and read path (querier, query frontend), plus the HTTP API.
package loghive

import (
	"flag"
	"os"

	"github.com/pkg/errors"
	"gopkg.in/yaml.v2"

	"github.com/loghive/loghive/pkg/distributor"
	"github.com/loghive/loghive/pkg/ingester"
	"github.com/loghive/loghive/pkg/querier"
	"github.com/loghive/loghive/pkg/querier/queryrange"
	"github.com/loghive/loghive/pkg/ring"
	"github.com/loghive/loghive/pkg/storage"
	"github.com/loghive/loghive/pkg/storage/index"
	"github.com/loghive/loghive/pkg/validation"
)

// Config is the root config for the process.
type Config struct {
	ListenAddr string `yaml:"listen_addr"`
	LogLevel   string `yaml:"log_level"`
	LogFormat  string `yaml:"log_format"`

	Distributor distributor.Config         `yaml:"distributor"`
	Ingester    ingester.Config            `yaml:"ingester"`
	Querier     querier.Config             `yaml:"querier"`
	QueryRange  queryrange.Config          `yaml:"query_range"`
	Storage     storage.StoreConfig        `yaml:"storage"`
	Index       index.Config               `yaml:"index"`
	Retention   storage.RetentionConfig    `yaml:"retention"`
	Limits      validation.Limits          `yaml:"limits"`
	Overrides   validation.OverridesConfig `yaml:"overrides"`
	Lifecycler  ring.LifecyclerConfig      `yaml:"lifecycler"`
}

// RegisterFlags registers flags for all components.
func (c *Config) RegisterFlags(f *flag.FlagSet) {
	f.StringVar(&c.ListenAddr, "server.http-listen-address", ":3100", "HTTP server listen address.")
	f.StringVar(&c.LogLevel, "log.level", "info", "Log level: debug, info, warn, error.")
	f.StringVar(&c.LogFormat, "log.format", "logfmt", "Log format: logfmt or json.")

	c.Distributor.RegisterFlags(f)
	c.Ingester.RegisterFlags(f)
	c.Querier.RegisterFlags(f)
	c.QueryRange.RegisterFlags(f)
	c.Storage.RegisterFlags(f)
	c.Index.RegisterFlags(f)
	c.Retention.RegisterFlags(f)
	c.Limits.RegisterFlags(f)
	c.Overrides.RegisterFlags(f)
	c.Lifecycler.RegisterFlags(f)
}

// LoadFile overlays YAML config from path on top of the current values.
func (c *Config) LoadFile(path string) error {
	buf, err := os.ReadFile(path)
	if err != nil {
		return errors.Wrapf(err, "reading config file %s", path)
	}
	if err := yaml.UnmarshalStrict(buf, c); err != nil {
		return errors.Wrapf(err, "parsing config file %s", path)
	}
	return nil
}

// Validate checks the composed config.
func (c *Config) Validate() error {
	if err := c.Limits.Validate(); err != nil {
		return errors.Wrap(err, "invalid limits config")
	}
	if err := c.Ingester.Validate(); err != nil {
		return errors.Wrap(err, "invalid ingester config")
	}
	return nil
}
