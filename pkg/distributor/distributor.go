// Package distributor is the entry point of the write path: it validates and
// rate limits pushes, resolves stream ownership through the ring, and hands
// accepted batches to the ingester.
package distributor

import (
	"context"
	"flag"
	"net/http"
	"time"

	"github.com/cespare/xxhash/v2"
	"github.com/go-kit/log"
	"github.com/grafana/dskit/httpgrpc"
	"github.com/grafana/dskit/limiter"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/loghive/loghive/pkg/logproto"
	"github.com/loghive/loghive/pkg/ring"
	"github.com/loghive/loghive/pkg/validation"
)

// Config for a Distributor.
type Config struct {
	RateLimitRecheckPeriod time.Duration `yaml:"rate_limit_recheck_period"`
}

// RegisterFlags registers the flags.
func (cfg *Config) RegisterFlags(f *flag.FlagSet) {
	f.DurationVar(&cfg.RateLimitRecheckPeriod, "distributor.rate-limit-recheck-period", 10*time.Second, "Period with which per-tenant rate limits are re-read from the overrides.")
}

// IngesterClient is the interface the distributor pushes into.
type IngesterClient interface {
	Push(ctx context.Context, tenantID string, req *logproto.PushRequest) error
}

// Distributor validates and forwards pushes.
type Distributor struct {
	cfg       Config
	logger    log.Logger
	ingester  IngesterClient
	ring      *ring.Ring
	overrides *validation.Overrides

	ingestionRateLimiter *limiter.RateLimiter

	receivedLines *prometheus.CounterVec
	receivedBytes *prometheus.CounterVec
}

// New creates a Distributor.
func New(cfg Config, ingester IngesterClient, r *ring.Ring, overrides *validation.Overrides, logger log.Logger, registerer prometheus.Registerer) *Distributor {
	return &Distributor{
		cfg:                  cfg,
		logger:               logger,
		ingester:             ingester,
		ring:                 r,
		overrides:            overrides,
		ingestionRateLimiter: limiter.NewRateLimiter(&ingestionRateStrategy{overrides: overrides}, cfg.RateLimitRecheckPeriod),
		receivedLines: promauto.With(registerer).NewCounterVec(prometheus.CounterOpts{
			Namespace: "loghive",
			Name:      "distributor_lines_received_total",
			Help:      "Total lines received per tenant, before validation.",
		}, []string{"tenant"}),
		receivedBytes: promauto.With(registerer).NewCounterVec(prometheus.CounterOpts{
			Namespace: "loghive",
			Name:      "distributor_bytes_received_total",
			Help:      "Total uncompressed bytes received per tenant, before validation.",
		}, []string{"tenant"}),
	}
}

// Push validates the request, enforces the tenant's rate limit and forwards
// what passed to the owning ingester. Entries failing validation are dropped
// and reported in the returned error, but they never block valid entries in
// the same request.
func (d *Distributor) Push(ctx context.Context, tenantID string, req *logproto.PushRequest) error {
	var (
		validatedStreams []logproto.Stream
		validatedLines   int
		validatedBytes   int
		validationErr    error
	)

	maxAge := d.overrides.RejectOldSamplesMaxAge(tenantID)
	rejectOld := d.overrides.RejectOldSamples(tenantID)
	maxLineSize := d.overrides.MaxLineSize(tenantID)
	cutoff := time.Now().Add(-maxAge)

	for _, s := range req.Streams {
		d.receivedLines.WithLabelValues(tenantID).Add(float64(len(s.Entries)))

		entries := make([]logproto.Entry, 0, len(s.Entries))
		for _, e := range s.Entries {
			d.receivedBytes.WithLabelValues(tenantID).Add(float64(len(e.Line)))

			if rejectOld && e.Timestamp.Before(cutoff) {
				validation.DiscardedLines.WithLabelValues(validation.GreaterThanMaxSampleAge, tenantID).Inc()
				validation.DiscardedBytes.WithLabelValues(validation.GreaterThanMaxSampleAge, tenantID).Add(float64(len(e.Line)))
				if validationErr == nil {
					validationErr = httpgrpc.Errorf(http.StatusBadRequest,
						"entry for stream %s has timestamp too old: %s, oldest acceptable timestamp is: %s",
						s.Labels, e.Timestamp.Format(time.RFC3339), cutoff.Format(time.RFC3339))
				}
				continue
			}
			if maxLineSize > 0 && len(e.Line) > maxLineSize {
				validation.DiscardedLines.WithLabelValues(validation.LineTooLong, tenantID).Inc()
				validation.DiscardedBytes.WithLabelValues(validation.LineTooLong, tenantID).Add(float64(len(e.Line)))
				if validationErr == nil {
					validationErr = httpgrpc.Errorf(http.StatusBadRequest,
						"entry for stream %s exceeds maximum line size: %d > %d", s.Labels, len(e.Line), maxLineSize)
				}
				continue
			}
			entries = append(entries, e)
			validatedLines++
			validatedBytes += len(e.Line)
		}
		if len(entries) == 0 {
			continue
		}
		validatedStreams = append(validatedStreams, logproto.Stream{Labels: s.Labels, Entries: entries})
	}

	if len(validatedStreams) == 0 {
		return validationErr
	}

	now := time.Now()
	if !d.ingestionRateLimiter.AllowN(now, tenantID, validatedBytes) {
		validation.DiscardedLines.WithLabelValues(validation.RateLimited, tenantID).Add(float64(validatedLines))
		validation.DiscardedBytes.WithLabelValues(validation.RateLimited, tenantID).Add(float64(validatedBytes))
		return httpgrpc.Errorf(http.StatusTooManyRequests,
			"ingestion rate limit (%d bytes/sec) exceeded while adding %d lines for a total size of %d bytes",
			int(d.ingestionRateLimiter.Limit(now, tenantID)), validatedLines, validatedBytes)
	}

	// Every stream must map to a healthy owner before anything is written.
	for _, s := range validatedStreams {
		token := uint32(xxhash.Sum64String(s.Labels))
		if _, err := d.ring.Get(ctx, token, ring.Write); err != nil {
			return httpgrpc.Errorf(http.StatusInternalServerError, "no healthy ingester for stream %s: %s", s.Labels, err)
		}
	}

	if err := d.ingester.Push(ctx, tenantID, &logproto.PushRequest{Streams: validatedStreams}); err != nil {
		return err
	}
	return validationErr
}

// ingestionRateStrategy reads the tenant's rate and burst from the overrides,
// so the shared dskit rate limiter enforces per-tenant token buckets.
type ingestionRateStrategy struct {
	overrides *validation.Overrides
}

func (s *ingestionRateStrategy) Limit(tenantID string) float64 {
	return s.overrides.IngestionRateBytes(tenantID)
}

func (s *ingestionRateStrategy) Burst(tenantID string) int {
	return s.overrides.IngestionBurstSizeBytes(tenantID)
}
