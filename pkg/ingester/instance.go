package ingester

import (
	"context"
	"net/http"
	"sort"
	"sync"
	"time"

	"github.com/grafana/dskit/httpgrpc"
	"github.com/prometheus/prometheus/model/labels"
	"github.com/prometheus/prometheus/promql/parser"

	"github.com/loghive/loghive/pkg/iter"
	"github.com/loghive/loghive/pkg/logproto"
	"github.com/loghive/loghive/pkg/validation"
)

// instance holds all in-memory state for one tenant: its streams, keyed both
// by label string for pushes and by fingerprint for flushes and WAL replay.
type instance struct {
	cfg     *Config
	metrics *ingesterMetrics
	limiter *Limiter

	tenantID string

	streamsMtx  sync.RWMutex
	streams     map[string]*stream
	streamsByFP map[uint64]*stream
}

func newInstance(cfg *Config, tenantID string, limiter *Limiter, metrics *ingesterMetrics) *instance {
	return &instance{
		cfg:         cfg,
		metrics:     metrics,
		limiter:     limiter,
		tenantID:    tenantID,
		streams:     map[string]*stream{},
		streamsByFP: map[uint64]*stream{},
	}
}

// Push appends every stream of the request, collecting accepted data into
// record. The first error is kept and returned after all streams have been
// attempted, so one bad stream does not block the others.
func (i *instance) Push(ctx context.Context, req *logproto.PushRequest, record *WALRecord) error {
	var firstErr error
	for _, reqStream := range req.Streams {
		s, err := i.getOrCreateStream(reqStream.Labels, record)
		if err != nil {
			validation.DiscardedLines.WithLabelValues(validation.StreamLimit, i.tenantID).Add(float64(len(reqStream.Entries)))
			if firstErr == nil {
				firstErr = err
			}
			continue
		}

		if _, err := s.Push(ctx, reqStream.Entries, record); err != nil {
			validation.DiscardedLines.WithLabelValues(validation.OutOfOrder, i.tenantID).Inc()
			if firstErr == nil {
				firstErr = err
			}
		}
	}
	return firstErr
}

func (i *instance) getOrCreateStream(labelsString string, record *WALRecord) (*stream, error) {
	i.streamsMtx.RLock()
	s, ok := i.streams[labelsString]
	i.streamsMtx.RUnlock()
	if ok {
		return s, nil
	}

	i.streamsMtx.Lock()
	defer i.streamsMtx.Unlock()
	if s, ok := i.streams[labelsString]; ok {
		return s, nil
	}

	if err := i.limiter.AssertMaxStreamsPerTenant(i.tenantID, len(i.streams)); err != nil {
		return nil, httpgrpc.Errorf(http.StatusTooManyRequests, "%s", err.Error())
	}

	lbls, err := parseLabels(labelsString)
	if err != nil {
		return nil, httpgrpc.Errorf(http.StatusBadRequest, "invalid labels %q: %s", labelsString, err)
	}

	fp := lbls.Hash()
	s = newStream(i.cfg, i.tenantID, fp, lbls, i.metrics)
	i.streams[s.labelsString] = s
	i.streamsByFP[fp] = s
	if record != nil {
		record.AddSeries(fp, lbls)
	}
	return s, nil
}

// createStreamFromWAL recreates a stream during replay, bypassing the stream
// limit so data already durably accepted is never dropped.
func (i *instance) createStreamFromWAL(fp uint64, lbls labels.Labels) *stream {
	i.streamsMtx.Lock()
	defer i.streamsMtx.Unlock()

	if s, ok := i.streamsByFP[fp]; ok {
		return s
	}
	s := newStream(i.cfg, i.tenantID, fp, lbls, i.metrics)
	i.streams[s.labelsString] = s
	i.streamsByFP[fp] = s
	return s
}

func (i *instance) getStreamByFP(fp uint64) (*stream, bool) {
	i.streamsMtx.RLock()
	defer i.streamsMtx.RUnlock()
	s, ok := i.streamsByFP[fp]
	return s, ok
}

// Iterators returns one in-memory iterator per stream matching the selector.
func (i *instance) Iterators(from, through time.Time, matchers []*labels.Matcher, direction logproto.Direction) ([]iter.EntryIterator, error) {
	i.streamsMtx.RLock()
	defer i.streamsMtx.RUnlock()

	var iterators []iter.EntryIterator
	for _, s := range i.streams {
		if !matchersMatch(matchers, s.labels) {
			continue
		}
		it, err := s.Iterator(from, through, direction)
		if err != nil {
			return nil, err
		}
		iterators = append(iterators, it)
	}
	return iterators, nil
}

func (i *instance) forAllStreams(fn func(*stream) error) error {
	i.streamsMtx.RLock()
	defer i.streamsMtx.RUnlock()

	for _, s := range i.streams {
		if err := fn(s); err != nil {
			return err
		}
	}
	return nil
}

func parseLabels(labelsString string) (labels.Labels, error) {
	lbls, err := parser.ParseMetric(labelsString)
	if err != nil {
		return nil, err
	}
	sort.Sort(lbls)
	return lbls, nil
}

func matchersMatch(matchers []*labels.Matcher, lbls labels.Labels) bool {
	for _, m := range matchers {
		if !m.Matches(lbls.Get(m.Name)) {
			return false
		}
	}
	return true
}
