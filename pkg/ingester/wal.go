package ingester

import (
	"flag"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/go-kit/log"
	"github.com/pkg/errors"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/prometheus/tsdb/wal"
)

// WALConfig configures the write-ahead log.
type WALConfig struct {
	Enabled            bool          `yaml:"enabled"`
	Dir                string        `yaml:"dir"`
	CheckpointDuration time.Duration `yaml:"checkpoint_duration"`
	SyncOnPush         bool          `yaml:"sync_on_push"`
	SegmentSize        int           `yaml:"segment_size"`
}

// RegisterFlags adds the flags required to config this to the given FlagSet.
func (cfg *WALConfig) RegisterFlags(f *flag.FlagSet) {
	f.BoolVar(&cfg.Enabled, "ingester.wal-enabled", true, "Enable writing of ingested data into WAL.")
	f.StringVar(&cfg.Dir, "ingester.wal-dir", "wal", "Directory where the WAL data should be stored.")
	f.DurationVar(&cfg.CheckpointDuration, "ingester.checkpoint-duration", 5*time.Minute, "Interval at which checkpoints should be created.")
	f.BoolVar(&cfg.SyncOnPush, "ingester.wal-sync-on-push", true, "Sync the WAL segment to disk before acknowledging each push.")
	f.IntVar(&cfg.SegmentSize, "ingester.wal-segment-size", wal.DefaultSegmentSize, "Size of each WAL segment file.")
}

// WAL is the durability boundary of the write path: a push is acknowledged
// only once its record is logged here.
type WAL interface {
	Log(record *WALRecord) error
	Sync() error
	// Checkpoint cuts a new segment, calls snapshot for the records to keep,
	// and truncates the segments the snapshot covers. Records logged while
	// the snapshot runs land in the new segment and survive the truncation.
	Checkpoint(snapshot func() ([]*WALRecord, error)) error
	Stop() error
}

type noopWAL struct{}

func (noopWAL) Log(*WALRecord) error { return nil }
func (noopWAL) Sync() error          { return nil }
func (noopWAL) Stop() error          { return nil }

type walWrapper struct {
	cfg     WALConfig
	wal     *wal.WAL
	metrics *ingesterMetrics
}

// newWAL creates a WAL object. If the WAL is disabled, then the returned WAL
// is a no-op WAL.
func newWAL(cfg WALConfig, logger log.Logger, registerer prometheus.Registerer, metrics *ingesterMetrics) (WAL, error) {
	if !cfg.Enabled {
		return noopWAL{}, nil
	}

	tsdbWAL, err := wal.NewSize(logger, registerer, cfg.Dir, cfg.SegmentSize, false)
	if err != nil {
		return nil, errors.Wrap(err, "opening wal")
	}
	return &walWrapper{
		cfg:     cfg,
		wal:     tsdbWAL,
		metrics: metrics,
	}, nil
}

// Log marshals the record and writes it into the WAL. Series declarations and
// entries go in separate records so replay can rebuild streams before
// appending.
func (w *walWrapper) Log(record *WALRecord) error {
	if record == nil || record.IsEmpty() {
		return nil
	}

	var logged int
	if len(record.Series) > 0 {
		buf := record.EncodeSeries(nil)
		if err := w.wal.Log(buf); err != nil {
			return err
		}
		w.metrics.walLoggedBytes.Add(float64(len(buf)))
		logged++
	}
	if len(record.Entries) > 0 {
		buf := record.EncodeEntries(nil)
		if err := w.wal.Log(buf); err != nil {
			return err
		}
		w.metrics.walLoggedBytes.Add(float64(len(buf)))
		logged++
	}
	w.metrics.walRecordsLogged.Add(float64(logged))
	return nil
}

// Sync makes previously logged records durable. The underlying wal flushes
// every completed record to the segment file as part of Log, so syncing the
// file is sufficient.
func (w *walWrapper) Sync() error {
	_, last, err := wal.Segments(w.wal.Dir())
	if err != nil {
		return err
	}
	if last < 0 {
		return nil
	}
	f, err := os.Open(filepath.Join(w.wal.Dir(), fmt.Sprintf("%08d", last)))
	if err != nil {
		return err
	}
	defer f.Close()
	return f.Sync()
}

func (w *walWrapper) Stop() error {
	return w.wal.Close()
}
