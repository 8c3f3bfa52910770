package ingester

import (
	"context"
	"fmt"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/go-kit/log/level"
	"github.com/grafana/dskit/backoff"

	"github.com/loghive/loghive/pkg/storage"
)

const (
	flushReasonIdle  = "idle"
	flushReasonAge   = "age"
	flushReasonFull  = "full"
	flushReasonForce = "force"
)

type flushOp struct {
	from      int64
	userID    string
	fp        uint64
	immediate bool
}

func (o *flushOp) Key() string {
	return fmt.Sprintf("%s-%x-%v", o.userID, o.fp, o.immediate)
}

// Priority implements util.Op; older data flushes first.
func (o *flushOp) Priority() int64 {
	return -o.from
}

// sweepUsers periodically schedules series for flushing and garbage collects
// chunks that have been flushed and held past the retain period.
func (i *Ingester) sweepUsers(immediate bool) {
	for userID, inst := range i.allInstances() {
		_ = inst.forAllStreams(func(s *stream) error {
			i.sweepStream(userID, s, immediate)
			return nil
		})
	}
}

func (i *Ingester) sweepStream(userID string, s *stream, immediate bool) {
	s.mtx.Lock()
	defer s.mtx.Unlock()

	i.removeRetiredChunks(s)
	if len(s.chunks) == 0 {
		return
	}

	lastChunk := s.chunks[len(s.chunks)-1]
	shouldFlush, _ := i.shouldFlushChunk(lastChunk)
	if len(s.chunks) == 1 && !immediate && !shouldFlush {
		return
	}

	from, _ := s.chunks[0].chunk.Bounds()
	flushQueueIndex := int(s.fp % uint64(i.cfg.ConcurrentFlushes))
	i.flushQueues[flushQueueIndex].Enqueue(&flushOp{
		from:      from.UnixNano(),
		userID:    userID,
		fp:        s.fp,
		immediate: immediate,
	})
}

func (i *Ingester) shouldFlushChunk(c *chunkDesc) (bool, string) {
	switch {
	case c.closed:
		return true, flushReasonFull
	case time.Since(c.lastUpdated) > i.cfg.MaxChunkIdle:
		return true, flushReasonIdle
	default:
		if from, to := c.chunk.Bounds(); to.Sub(from) > i.cfg.MaxChunkAge {
			return true, flushReasonAge
		}
	}
	return false, ""
}

// removeRetiredChunks drops chunks that were flushed longer than the retain
// period ago. Callers must hold the stream lock.
func (i *Ingester) removeRetiredChunks(s *stream) {
	now := time.Now()

	prevNumChunks := len(s.chunks)
	for len(s.chunks) > 0 {
		first := s.chunks[0]
		if first.flushed.IsZero() || now.Sub(first.flushed) < i.cfg.RetainPeriod {
			break
		}
		s.chunks = s.chunks[1:]
	}
	i.metrics.memoryChunks.Sub(float64(prevNumChunks - len(s.chunks)))
}

func (i *Ingester) flushLoop(j int) {
	defer func() {
		level.Debug(i.logger).Log("msg", "ingester flush loop exited", "queue", j)
		i.flushQueuesDone.Done()
	}()

	for {
		o := i.flushQueues[j].Dequeue()
		if o == nil {
			return
		}
		op := o.(*flushOp)

		err := i.flushUserSeries(op.userID, op.fp, op.immediate)
		if err != nil {
			i.metrics.flushFailures.Inc()
			level.Error(i.logger).Log("msg", "failed to flush series", "user", op.userID, "fp", fmt.Sprintf("%x", op.fp), "err", err)
		}
	}
}

func (i *Ingester) flushUserSeries(userID string, fp uint64, immediate bool) error {
	i.instancesMtx.RLock()
	inst, ok := i.instances[userID]
	i.instancesMtx.RUnlock()
	if !ok {
		return nil
	}

	s, ok := inst.getStreamByFP(fp)
	if !ok {
		return nil
	}

	chunks, reasons := i.collectChunksToFlush(s, immediate)
	if len(chunks) == 0 {
		return nil
	}

	ctx, cancel := context.WithTimeout(context.Background(), i.cfg.FlushOpTimeout)
	defer cancel()
	return i.flushChunks(ctx, s, chunks, reasons)
}

// collectChunksToFlush closes and gathers every chunk of the stream that is
// due. The chunks stay on the stream, marked flushed once persisted, so reads
// keep seeing them during the retain period.
func (i *Ingester) collectChunksToFlush(s *stream, immediate bool) ([]*chunkDesc, []string) {
	s.mtx.Lock()
	defer s.mtx.Unlock()

	var (
		result  []*chunkDesc
		reasons []string
	)
	for _, c := range s.chunks {
		shouldFlush, reason := i.shouldFlushChunk(c)
		if immediate {
			shouldFlush, reason = true, flushReasonForce
		}
		if !shouldFlush || !c.flushed.IsZero() {
			continue
		}

		if !c.closed {
			if err := c.chunk.Close(); err != nil {
				level.Error(i.logger).Log("msg", "failed to close chunk head", "err", err)
				continue
			}
			c.closed = true
		}
		result = append(result, c)
		reasons = append(reasons, reason)
	}
	return result, reasons
}

func (i *Ingester) flushChunks(ctx context.Context, s *stream, chunks []*chunkDesc, reasons []string) error {
	for j, c := range chunks {
		wrapped := storage.NewChunk(s.tenantID, s.fp, s.labels, c.chunk)
		if err := wrapped.Encode(); err != nil {
			return err
		}

		if err := i.putWithRetries(ctx, wrapped); err != nil {
			return err
		}
		if err := i.index.Publish(s.tenantID, s.fp, s.labels, wrapped.From, wrapped.Through, wrapped.Checksum, wrapped.ExternalKey()); err != nil {
			return err
		}

		s.mtx.Lock()
		c.flushed = time.Now()
		c.reason = reasons[j]
		s.mtx.Unlock()

		i.metrics.chunksFlushed.WithLabelValues(reasons[j]).Inc()
		i.metrics.chunkSizeBytes.Observe(float64(len(wrapped.Encoded)))
		i.metrics.chunkEntries.Observe(float64(c.chunk.Size()))
		i.metrics.chunkUtilization.Observe(c.chunk.Utilization())
		i.metrics.chunkAge.Observe(time.Since(wrapped.From).Seconds())
		level.Debug(i.logger).Log("msg", "flushed chunk", "stream", s.labelsString, "reason", reasons[j],
			"entries", c.chunk.Size(), "size", humanize.Bytes(uint64(len(wrapped.Encoded))))
	}
	return nil
}

func (i *Ingester) putWithRetries(ctx context.Context, c storage.Chunk) error {
	retries := backoff.New(ctx, i.cfg.FlushOpBackoff)
	var lastErr error
	for retries.Ongoing() {
		if lastErr = i.store.Put(ctx, c); lastErr == nil {
			return nil
		}
		retries.Wait()
	}
	if lastErr == nil {
		lastErr = retries.Err()
	}
	return lastErr
}
