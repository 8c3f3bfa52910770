package storage

import (
	"context"
	"flag"
	"time"

	"github.com/go-kit/log"
	"github.com/go-kit/log/level"
	"github.com/grafana/dskit/services"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// RetentionConfig configures chunk retention. Deletion is disabled by default
// and the sweeper never removes anything unless explicitly enabled.
type RetentionConfig struct {
	RetentionDeletesEnabled bool          `yaml:"retention_deletes_enabled"`
	RetentionPeriod         time.Duration `yaml:"retention_period"`
	SweepInterval           time.Duration `yaml:"sweep_interval"`
}

// RegisterFlags adds the flags required to config this to the given FlagSet.
func (cfg *RetentionConfig) RegisterFlags(f *flag.FlagSet) {
	f.BoolVar(&cfg.RetentionDeletesEnabled, "retention.deletes-enabled", false, "Enable deletion of chunks older than the retention period.")
	f.DurationVar(&cfg.RetentionPeriod, "retention.period", 31*24*time.Hour, "Chunks with data entirely older than this are deleted, if deletion is enabled.")
	f.DurationVar(&cfg.SweepInterval, "retention.sweep-interval", time.Hour, "How often to sweep the store for expired chunks.")
}

// RetentionSweeper periodically scans the chunk store and deletes chunks
// whose entire time range has fallen out of the retention period. The service
// always runs so enabling the flag later needs no wiring change, but with
// deletion disabled each sweep is a no-op.
type RetentionSweeper struct {
	*services.BasicService

	cfg    RetentionConfig
	client ObjectClient
	logger log.Logger

	chunksDeleted prometheus.Counter
	sweepFailures prometheus.Counter
}

// NewRetentionSweeper creates the sweeper over the given object client.
func NewRetentionSweeper(cfg RetentionConfig, client ObjectClient, logger log.Logger, r prometheus.Registerer) *RetentionSweeper {
	s := &RetentionSweeper{
		cfg:    cfg,
		client: client,
		logger: logger,
		chunksDeleted: promauto.With(r).NewCounter(prometheus.CounterOpts{
			Namespace: "loghive",
			Name:      "retention_deleted_chunks_total",
			Help:      "Total chunks deleted by the retention sweeper.",
		}),
		sweepFailures: promauto.With(r).NewCounter(prometheus.CounterOpts{
			Namespace: "loghive",
			Name:      "retention_sweep_failures_total",
			Help:      "Total retention sweeps that failed.",
		}),
	}
	s.BasicService = services.NewTimerService(cfg.SweepInterval, nil, s.sweep, nil)
	return s
}

func (s *RetentionSweeper) sweep(ctx context.Context) error {
	if !s.cfg.RetentionDeletesEnabled {
		return nil
	}

	if err := s.SweepOnce(ctx, time.Now()); err != nil {
		s.sweepFailures.Inc()
		level.Error(s.logger).Log("msg", "retention sweep failed", "err", err)
	}
	// Errors are logged, not returned: a failed sweep must not stop the
	// service, the next tick retries.
	return nil
}

// SweepOnce deletes every chunk whose through time is older than the
// retention period relative to now.
func (s *RetentionSweeper) SweepOnce(ctx context.Context, now time.Time) error {
	cutoff := now.Add(-s.cfg.RetentionPeriod)

	objects, err := s.client.List(ctx, "")
	if err != nil {
		return err
	}

	for _, obj := range objects {
		c, err := ParseExternalKey(obj.Key)
		if err != nil {
			// Not a chunk object.
			continue
		}
		if !c.Through.Before(cutoff) {
			continue
		}
		if err := s.client.DeleteObject(ctx, obj.Key); err != nil {
			return err
		}
		s.chunksDeleted.Inc()
		level.Debug(s.logger).Log("msg", "deleted expired chunk", "key", obj.Key, "through", c.Through)
	}
	return nil
}
