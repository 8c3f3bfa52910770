package validation

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Discard reasons, exported so that callers attach the same label values the
// metrics were registered with.
const (
	// RateLimited is one of the values for the reason to discard samples.
	RateLimited = "rate_limited"

	// GreaterThanMaxSampleAge is a reason for discarding log lines which are older than the current time - `reject_old_samples_max_age`
	GreaterThanMaxSampleAge = "greater_than_max_sample_age"

	// LineTooLong is a reason for discarding lines longer than the `max_line_size` limit.
	LineTooLong = "line_too_long"

	// StreamLimit is a reason for discarding lines when the tenant has hit
	// its active stream limit.
	StreamLimit = "stream_limit"

	// OutOfOrder is a reason for discarding lines older than what the
	// stream has already accepted.
	OutOfOrder = "out_of_order"

	// InvalidLabels is a reason for discarding lines whose label set could
	// not be parsed.
	InvalidLabels = "invalid_labels"
)

// DiscardedLines is a metric of the total discarded lines, by reason.
var DiscardedLines = promauto.NewCounterVec(
	prometheus.CounterOpts{
		Namespace: "loghive",
		Name:      "discarded_lines_total",
		Help:      "The total number of lines that were discarded.",
	},
	[]string{"reason", "tenant"},
)

// DiscardedBytes is a metric of the total discarded bytes, by reason.
var DiscardedBytes = promauto.NewCounterVec(
	prometheus.CounterOpts{
		Namespace: "loghive",
		Name:      "discarded_bytes_total",
		Help:      "The total number of bytes that were discarded.",
	},
	[]string{"reason", "tenant"},
)
