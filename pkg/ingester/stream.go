package ingester

import (
	"context"
	"net/http"
	"sync"
	"time"

	"github.com/grafana/dskit/httpgrpc"
	"github.com/prometheus/prometheus/model/labels"

	"github.com/loghive/loghive/pkg/chunkenc"
	"github.com/loghive/loghive/pkg/iter"
	"github.com/loghive/loghive/pkg/logproto"
)

// chunkDesc wraps an in-memory chunk with the state the flusher needs: when
// it was last written, whether the head is closed, and when (and why) it was
// flushed. Flushed chunks stay in memory for the retain period so queries see
// them while the index catches up.
type chunkDesc struct {
	chunk   *chunkenc.MemChunk
	closed  bool
	flushed time.Time
	reason  string

	lastUpdated time.Time
}

type stream struct {
	cfg     *Config
	metrics *ingesterMetrics

	tenantID     string
	fp           uint64
	labels       labels.Labels
	labelsString string

	mtx sync.RWMutex
	// Newest chunk at chunks[len-1]. Descs are held by pointer so the
	// flusher can mark them flushed while pushes keep growing the slice.
	chunks []*chunkDesc
}

func newStream(cfg *Config, tenantID string, fp uint64, lbls labels.Labels, metrics *ingesterMetrics) *stream {
	metrics.memoryStreams.Inc()
	return &stream{
		cfg:          cfg,
		metrics:      metrics,
		tenantID:     tenantID,
		fp:           fp,
		labels:       lbls,
		labelsString: lbls.String(),
	}
}

func (s *stream) newChunk() *chunkenc.MemChunk {
	return chunkenc.NewMemChunk(s.cfg.parsedEncoding, s.cfg.BlockSize, s.cfg.TargetChunkSize)
}

// Push appends entries to the stream's head chunk, cutting new chunks as they
// fill. Accepted entries are added to record so the caller can log them to
// the WAL in one shot. Returns the number of uncompressed bytes accepted.
func (s *stream) Push(_ context.Context, entries []logproto.Entry, record *WALRecord) (int, error) {
	s.mtx.Lock()
	defer s.mtx.Unlock()

	if len(s.chunks) == 0 {
		s.chunks = append(s.chunks, &chunkDesc{chunk: s.newChunk(), lastUpdated: time.Now()})
		s.metrics.chunksCreatedTotal.Inc()
		s.metrics.memoryChunks.Inc()
	}

	var (
		bytesAdded    int
		entriesAdded  int
		outOfOrder    int
		lastAppendErr error
	)
	for i := range entries {
		chunk := s.chunks[len(s.chunks)-1]
		if chunk.closed || !chunk.chunk.SpaceFor(&entries[i]) {
			chunk = s.cutChunk()
		}

		if err := chunk.chunk.Append(&entries[i]); err != nil {
			outOfOrder++
			lastAppendErr = err
			continue
		}
		chunk.lastUpdated = time.Now()
		if record != nil {
			record.AddEntries(s.fp, entries[i])
		}
		bytesAdded += len(entries[i].Line)
		entriesAdded++
	}

	s.metrics.ingestedEntries.Add(float64(entriesAdded))
	s.metrics.ingestedBytes.Add(float64(bytesAdded))

	if outOfOrder > 0 {
		return bytesAdded, httpgrpc.Errorf(http.StatusBadRequest,
			"stream %s: %d out of %d entries out of order, oldest acceptable timestamp is %d: %s",
			s.labelsString, outOfOrder, len(entries), s.highestTimestamp().UnixNano(), lastAppendErr)
	}
	return bytesAdded, nil
}

func (s *stream) cutChunk() *chunkDesc {
	// Close the head so the flusher treats the old chunk as complete.
	head := s.chunks[len(s.chunks)-1]
	if err := head.chunk.Close(); err == nil {
		head.closed = true
	}

	s.chunks = append(s.chunks, &chunkDesc{chunk: s.newChunk(), lastUpdated: time.Now()})
	s.metrics.chunksCreatedTotal.Inc()
	s.metrics.memoryChunks.Inc()
	return s.chunks[len(s.chunks)-1]
}

func (s *stream) highestTimestamp() time.Time {
	if len(s.chunks) == 0 {
		return time.Time{}
	}
	_, through := s.chunks[len(s.chunks)-1].chunk.Bounds()
	return through
}

// Iterator returns an iterator over the stream's in-memory entries within
// [from, through), in the given direction. Chunks are cut in time order, so
// chaining their iterators keeps entries ordered.
func (s *stream) Iterator(from, through time.Time, direction logproto.Direction) (iter.EntryIterator, error) {
	s.mtx.RLock()
	defer s.mtx.RUnlock()

	iterators := make([]iter.EntryIterator, 0, len(s.chunks))
	for i := range s.chunks {
		it, err := s.chunks[i].chunk.Iterator(from, through, direction)
		if err != nil {
			return nil, err
		}
		iterators = append(iterators, it)
	}

	if direction == logproto.BACKWARD {
		for left, right := 0, len(iterators)-1; left < right; left, right = left+1, right-1 {
			iterators[left], iterators[right] = iterators[right], iterators[left]
		}
	}
	return iter.NewNonOverlappingIterator(iterators, s.labelsString), nil
}
