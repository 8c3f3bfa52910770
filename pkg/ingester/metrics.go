package ingester

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

type ingesterMetrics struct {
	ingestedEntries prometheus.Counter
	ingestedBytes   prometheus.Counter
	memoryStreams   prometheus.Gauge
	memoryChunks    prometheus.Gauge

	chunksCreatedTotal prometheus.Counter
	chunksFlushed      *prometheus.CounterVec
	chunkSizeBytes     prometheus.Histogram
	chunkEntries       prometheus.Histogram
	chunkUtilization   prometheus.Histogram
	chunkAge           prometheus.Histogram
	flushFailures      prometheus.Counter
	flushQueueLength   prometheus.Gauge

	walRecordsLogged   prometheus.Counter
	walLoggedBytes     prometheus.Counter
	walReplayDuration  prometheus.Gauge
	checkpointDuration prometheus.Summary
	checkpointFailures prometheus.Counter
}

func newIngesterMetrics(r prometheus.Registerer) *ingesterMetrics {
	return &ingesterMetrics{
		ingestedEntries: promauto.With(r).NewCounter(prometheus.CounterOpts{
			Namespace: "loghive",
			Name:      "ingester_entries_received_total",
			Help:      "Total entries accepted by the ingester.",
		}),
		ingestedBytes: promauto.With(r).NewCounter(prometheus.CounterOpts{
			Namespace: "loghive",
			Name:      "ingester_bytes_received_total",
			Help:      "Total uncompressed bytes accepted by the ingester.",
		}),
		memoryStreams: promauto.With(r).NewGauge(prometheus.GaugeOpts{
			Namespace: "loghive",
			Name:      "ingester_memory_streams",
			Help:      "Current number of streams held in memory.",
		}),
		memoryChunks: promauto.With(r).NewGauge(prometheus.GaugeOpts{
			Namespace: "loghive",
			Name:      "ingester_memory_chunks",
			Help:      "Current number of chunks held in memory.",
		}),
		chunksCreatedTotal: promauto.With(r).NewCounter(prometheus.CounterOpts{
			Namespace: "loghive",
			Name:      "ingester_chunks_created_total",
			Help:      "Total chunks created in the ingester.",
		}),
		chunksFlushed: promauto.With(r).NewCounterVec(prometheus.CounterOpts{
			Namespace: "loghive",
			Name:      "ingester_chunks_flushed_total",
			Help:      "Total chunks flushed, by reason.",
		}, []string{"reason"}),
		chunkSizeBytes: promauto.With(r).NewHistogram(prometheus.HistogramOpts{
			Namespace: "loghive",
			Name:      "ingester_chunk_size_bytes",
			Help:      "Compressed size of flushed chunks.",
			Buckets:   prometheus.ExponentialBuckets(10000, 2, 10),
		}),
		chunkEntries: promauto.With(r).NewHistogram(prometheus.HistogramOpts{
			Namespace: "loghive",
			Name:      "ingester_chunk_entries",
			Help:      "Entries per flushed chunk.",
			Buckets:   prometheus.ExponentialBuckets(200, 2, 9),
		}),
		chunkUtilization: promauto.With(r).NewHistogram(prometheus.HistogramOpts{
			Namespace: "loghive",
			Name:      "ingester_chunk_utilization",
			Help:      "Fill ratio of flushed chunks.",
			Buckets:   prometheus.LinearBuckets(0, 0.2, 6),
		}),
		chunkAge: promauto.With(r).NewHistogram(prometheus.HistogramOpts{
			Namespace: "loghive",
			Name:      "ingester_chunk_age_seconds",
			Help:      "Age of chunks at flush time.",
			Buckets:   prometheus.ExponentialBuckets(60, 2, 10),
		}),
		flushFailures: promauto.With(r).NewCounter(prometheus.CounterOpts{
			Namespace: "loghive",
			Name:      "ingester_chunk_flush_failures_total",
			Help:      "Total chunk flushes that failed after retries.",
		}),
		flushQueueLength: promauto.With(r).NewGauge(prometheus.GaugeOpts{
			Namespace: "loghive",
			Name:      "ingester_flush_queue_length",
			Help:      "The total number of series pending in the flush queue.",
		}),
		walRecordsLogged: promauto.With(r).NewCounter(prometheus.CounterOpts{
			Namespace: "loghive",
			Name:      "ingester_wal_records_logged_total",
			Help:      "Total records logged to the WAL.",
		}),
		walLoggedBytes: promauto.With(r).NewCounter(prometheus.CounterOpts{
			Namespace: "loghive",
			Name:      "ingester_wal_logged_bytes_total",
			Help:      "Total bytes logged to the WAL.",
		}),
		walReplayDuration: promauto.With(r).NewGauge(prometheus.GaugeOpts{
			Namespace: "loghive",
			Name:      "ingester_wal_replay_duration_seconds",
			Help:      "Time taken to replay the WAL on startup.",
		}),
		checkpointDuration: promauto.With(r).NewSummary(prometheus.SummaryOpts{
			Namespace:  "loghive",
			Name:       "ingester_checkpoint_duration_seconds",
			Help:       "Time taken to write WAL checkpoints.",
			Objectives: map[float64]float64{0.5: 0.05, 0.9: 0.01, 0.99: 0.001},
		}),
		checkpointFailures: promauto.With(r).NewCounter(prometheus.CounterOpts{
			Namespace: "loghive",
			Name:      "ingester_checkpoint_failures_total",
			Help:      "Total WAL checkpoint attempts that failed.",
		}),
	}
}
