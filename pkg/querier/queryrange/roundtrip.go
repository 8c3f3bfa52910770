package queryrange

import (
	"flag"
	"time"

	"github.com/go-kit/log"
	"github.com/grafana/dskit/backoff"
	"github.com/prometheus/client_golang/prometheus"
)

// Config for the query frontend.
type Config struct {
	SplitQueriesByInterval time.Duration  `yaml:"split_queries_by_interval"`
	AlignQueriesWithStep   bool           `yaml:"align_queries_with_step"`
	MaxRetries             int            `yaml:"max_retries"`
	RetryBackoff           backoff.Config `yaml:"retry_backoff"`
}

// RegisterFlags registers the flags.
func (cfg *Config) RegisterFlags(f *flag.FlagSet) {
	f.DurationVar(&cfg.SplitQueriesByInterval, "querier.split-queries-by-interval", 30*time.Minute, "Split queries by an interval and execute in parallel; 0 to disable.")
	f.BoolVar(&cfg.AlignQueriesWithStep, "querier.align-querier-with-step", true, "Mutate incoming queries to align their start and end with their step.")
	f.IntVar(&cfg.MaxRetries, "querier.max-retries-per-request", 5, "Maximum number of retries for a single sub-query.")
	f.DurationVar(&cfg.RetryBackoff.MinBackoff, "querier.retry-min-backoff", 50*time.Millisecond, "Minimum backoff between sub-query retries.")
	f.DurationVar(&cfg.RetryBackoff.MaxBackoff, "querier.retry-max-backoff", time.Second, "Maximum backoff between sub-query retries.")
}

// NewMiddleware builds the frontend middleware chain: step alignment, then
// interval splitting, then per-sub-query retries.
func NewMiddleware(cfg Config, limits Limits, logger log.Logger, registerer prometheus.Registerer) Middleware {
	var middlewares []Middleware

	if cfg.AlignQueriesWithStep {
		middlewares = append(middlewares, StepAlignMiddleware)
	}
	if cfg.SplitQueriesByInterval > 0 {
		middlewares = append(middlewares, SplitByIntervalMiddleware(cfg.SplitQueriesByInterval, limits))
	}
	if cfg.MaxRetries > 0 {
		middlewares = append(middlewares, NewRetryMiddleware(logger, cfg.MaxRetries, cfg.RetryBackoff, nil, registerer))
	}

	return MergeMiddlewares(middlewares...)
}
