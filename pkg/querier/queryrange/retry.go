package queryrange

import (
	"context"

	"github.com/go-kit/log"
	"github.com/go-kit/log/level"
	"github.com/grafana/dskit/backoff"
	"github.com/grafana/dskit/httpgrpc"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/loghive/loghive/pkg/logproto"
)

// RetryMiddlewareMetrics counts per-query retries.
type RetryMiddlewareMetrics struct {
	retriesCount prometheus.Histogram
}

// NewRetryMiddlewareMetrics makes a new RetryMiddlewareMetrics.
func NewRetryMiddlewareMetrics(registerer prometheus.Registerer) *RetryMiddlewareMetrics {
	return &RetryMiddlewareMetrics{
		retriesCount: promauto.With(registerer).NewHistogram(prometheus.HistogramOpts{
			Namespace: "loghive",
			Name:      "query_frontend_retries",
			Help:      "Number of times a sub-query was retried.",
			Buckets:   []float64{0, 1, 2, 3, 4, 5},
		}),
	}
}

type retry struct {
	log        log.Logger
	next       Handler
	maxRetries int
	backoff    backoff.Config
	metrics    *RetryMiddlewareMetrics
}

// NewRetryMiddleware returns a middleware that retries a sub-query on
// non-client errors up to maxRetries times with backoff. A sub-query that
// exhausts its retries fails the whole query.
func NewRetryMiddleware(log log.Logger, maxRetries int, backoffCfg backoff.Config, metrics *RetryMiddlewareMetrics, registerer prometheus.Registerer) Middleware {
	if metrics == nil {
		metrics = NewRetryMiddlewareMetrics(registerer)
	}
	return MiddlewareFunc(func(next Handler) Handler {
		return retry{
			log:        log,
			next:       next,
			maxRetries: maxRetries,
			backoff:    backoffCfg,
			metrics:    metrics,
		}
	})
}

func (r retry) Do(ctx context.Context, req *Request) (*logproto.QueryResponse, error) {
	tries := 0
	defer func() { r.metrics.retriesCount.Observe(float64(tries)) }()

	retries := backoff.New(ctx, r.backoff)
	var lastErr error
	for tries < r.maxRetries {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		resp, err := r.next.Do(ctx, req)
		if err == nil {
			return resp, nil
		}

		// Client errors will not get better by retrying.
		if httpResp, ok := httpgrpc.HTTPResponseFromError(err); ok && httpResp.Code/100 == 4 {
			return nil, err
		}

		tries++
		lastErr = err
		level.Error(r.log).Log("msg", "error processing request", "try", tries, "from", req.Start, "to", req.End, "err", err)
		retries.Wait()
	}
	return nil, lastErr
}
