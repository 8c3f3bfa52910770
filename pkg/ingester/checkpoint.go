package ingester

import (
	"context"
	"fmt"
	"math"
	"os"
	"path/filepath"
	"time"

	"github.com/go-kit/log/level"
	"github.com/pkg/errors"
	"github.com/prometheus/prometheus/tsdb/wal"

	"github.com/loghive/loghive/pkg/logproto"
)

// checkpoint rewrites all data not yet flushed to the chunk store into a
// checkpoint directory, then truncates the WAL segments the checkpoint
// covers. Flushed chunks need no durability from the WAL anymore, so a
// checkpoint bounds both replay time and disk usage. The stream snapshot is
// taken inside the WAL's checkpoint, after it cuts a new segment: pushes
// racing the snapshot are logged past the cut and are not truncated away.
func (i *Ingester) checkpoint(ctx context.Context) error {
	start := time.Now()

	if err := i.wal.Checkpoint(func() ([]*WALRecord, error) {
		return i.checkpointRecords(ctx)
	}); err != nil {
		return err
	}

	elapsed := time.Since(start)
	i.metrics.checkpointDuration.Observe(elapsed.Seconds())
	level.Info(i.logger).Log("msg", "checkpoint done", "duration", elapsed)
	return nil
}

// checkpointRecords snapshots every stream's unflushed entries as WAL
// records, one record pair per tenant.
func (i *Ingester) checkpointRecords(ctx context.Context) ([]*WALRecord, error) {
	var records []*WALRecord
	for userID, inst := range i.allInstances() {
		if err := ctx.Err(); err != nil {
			return nil, err
		}

		rec := &WALRecord{UserID: userID}
		err := inst.forAllStreams(func(s *stream) error {
			entries, err := unflushedEntries(s)
			if err != nil {
				return err
			}
			rec.AddSeries(s.fp, s.labels)
			if len(entries) > 0 {
				rec.AddEntries(s.fp, entries...)
			}
			return nil
		})
		if err != nil {
			return nil, err
		}
		if !rec.IsEmpty() {
			records = append(records, rec)
		}
	}
	return records, nil
}

func unflushedEntries(s *stream) ([]logproto.Entry, error) {
	s.mtx.RLock()
	defer s.mtx.RUnlock()

	var entries []logproto.Entry
	for _, c := range s.chunks {
		if !c.flushed.IsZero() {
			continue
		}
		it, err := c.chunk.Iterator(time.Unix(0, 0), time.Unix(0, math.MaxInt64), logproto.FORWARD)
		if err != nil {
			return nil, err
		}
		for it.Next() {
			entries = append(entries, it.Entry())
		}
		if err := it.Error(); err != nil {
			_ = it.Close()
			return nil, err
		}
		_ = it.Close()
	}
	return entries, nil
}

// Checkpoint implements WAL. It cuts a new segment so the checkpoint has a
// stable upper bound, snapshots the records to keep, writes them into
// checkpoint.NNNNNN, truncates the covered segments and drops older
// checkpoints. The snapshot runs after the cut: anything logged from then on
// goes into the new segment, which the truncation below leaves alone, so a
// record can at worst appear in both the checkpoint and a live segment and
// replay dedupes it.
func (w *walWrapper) Checkpoint(snapshot func() ([]*WALRecord, error)) error {
	if _, err := w.wal.NextSegment(); err != nil {
		return errors.Wrap(err, "cutting wal segment for checkpoint")
	}

	_, last, err := wal.Segments(w.wal.Dir())
	if err != nil {
		return errors.Wrap(err, "listing wal segments")
	}
	// Everything strictly before the just-cut segment is covered.
	checkpointIdx := last - 1
	if checkpointIdx < 0 {
		return nil
	}

	records, err := snapshot()
	if err != nil {
		return errors.Wrap(err, "snapshotting streams for checkpoint")
	}

	checkpointDir := filepath.Join(w.wal.Dir(), fmt.Sprintf("checkpoint.%06d", checkpointIdx))
	tmpDir := checkpointDir + ".tmp"
	if err := os.RemoveAll(tmpDir); err != nil {
		return err
	}

	cp, err := wal.New(nil, nil, tmpDir, false)
	if err != nil {
		return errors.Wrap(err, "opening checkpoint wal")
	}
	for _, rec := range records {
		if len(rec.Series) > 0 {
			if err := cp.Log(rec.EncodeSeries(nil)); err != nil {
				_ = cp.Close()
				return errors.Wrap(err, "writing checkpoint series")
			}
		}
		if len(rec.Entries) > 0 {
			if err := cp.Log(rec.EncodeEntries(nil)); err != nil {
				_ = cp.Close()
				return errors.Wrap(err, "writing checkpoint entries")
			}
		}
	}
	if err := cp.Close(); err != nil {
		return errors.Wrap(err, "closing checkpoint wal")
	}
	if err := os.Rename(tmpDir, checkpointDir); err != nil {
		return errors.Wrap(err, "renaming checkpoint")
	}

	if err := w.wal.Truncate(last); err != nil {
		return errors.Wrap(err, "truncating wal")
	}
	if err := wal.DeleteCheckpoints(w.wal.Dir(), checkpointIdx); err != nil {
		return errors.Wrap(err, "deleting old checkpoints")
	}
	return nil
}

func (noopWAL) Checkpoint(func() ([]*WALRecord, error)) error { return nil }
