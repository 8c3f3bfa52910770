package ingester

import (
	"context"
	"io"
	"os"

	"github.com/go-kit/log/level"
	"github.com/pkg/errors"
	"github.com/prometheus/prometheus/tsdb/record"
	"github.com/prometheus/prometheus/tsdb/wal"
)

// replayWAL rebuilds the in-memory streams from the last checkpoint plus any
// WAL segments written after it. It runs before the ingester accepts traffic.
func (i *Ingester) replayWAL() error {
	dir := i.cfg.WAL.Dir
	if _, err := os.Stat(dir); os.IsNotExist(err) {
		return nil
	}

	// Replay the checkpoint first: it holds everything unflushed at the
	// time it was taken.
	checkpointDir, checkpointIdx, err := wal.LastCheckpoint(dir)
	if err != nil && !errors.Is(err, record.ErrNotFound) {
		return errors.Wrap(err, "finding last checkpoint")
	}
	if checkpointDir != "" {
		level.Info(i.logger).Log("msg", "replaying checkpoint", "dir", checkpointDir)
		r, err := wal.NewSegmentsReader(checkpointDir)
		if err != nil {
			return errors.Wrap(err, "opening checkpoint")
		}
		if err := i.replayReader(wal.NewReader(r)); err != nil {
			_ = r.Close()
			return errors.Wrap(err, "replaying checkpoint")
		}
		_ = r.Close()
	}

	// Then the segments the checkpoint does not cover.
	first, last, err := wal.Segments(dir)
	if err != nil {
		return errors.Wrap(err, "listing wal segments")
	}
	if last < 0 {
		return nil
	}
	if checkpointDir != "" && checkpointIdx+1 > first {
		first = checkpointIdx + 1
	}
	if first > last {
		return nil
	}

	level.Info(i.logger).Log("msg", "replaying wal segments", "first", first, "last", last)
	r, err := wal.NewSegmentsRangeReader(wal.SegmentRange{Dir: dir, First: first, Last: last})
	if err != nil {
		return errors.Wrap(err, "opening wal segments")
	}
	defer r.Close()
	return errors.Wrap(i.replayReader(wal.NewReader(r)), "replaying wal segments")
}

func (i *Ingester) replayReader(reader *wal.Reader) error {
	for reader.Next() {
		rec := &WALRecord{}
		if err := DecodeRecord(reader.Record(), rec); err != nil {
			return err
		}
		if err := i.applyRecord(rec); err != nil {
			return err
		}
	}
	err := reader.Err()
	if errors.Is(err, io.EOF) {
		return nil
	}
	return err
}

func (i *Ingester) applyRecord(rec *WALRecord) error {
	inst := i.getOrCreateInstance(rec.UserID)

	for _, s := range rec.Series {
		inst.createStreamFromWAL(s.Fingerprint, s.Labels)
	}

	for _, re := range rec.Entries {
		s, ok := inst.getStreamByFP(re.Ref)
		if !ok {
			// Entries for a stream whose series record is missing; with
			// no labels there is nothing to attach them to.
			level.Warn(i.logger).Log("msg", "wal entries for unknown stream", "fp", re.Ref, "user", rec.UserID)
			continue
		}
		// Out-of-order rejections are expected here: a checkpoint can
		// overlap the segments that follow it, and re-appending the same
		// entry trips the ordering check. That is the dedupe.
		if _, err := s.Push(context.Background(), re.Entries, nil); err != nil {
			level.Debug(i.logger).Log("msg", "dropped entries during replay", "fp", re.Ref, "err", err)
		}
	}
	return nil
}
