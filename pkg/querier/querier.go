// Package querier answers label-selector range queries by merging the
// ingester's in-memory entries with chunks fetched from the store.
package querier

import (
	"context"
	"flag"
	"fmt"
	"net/http"
	"sort"
	"time"

	"github.com/go-kit/log"
	"github.com/go-kit/log/level"
	"github.com/grafana/dskit/httpgrpc"
	"github.com/prometheus/prometheus/model/labels"
	"github.com/prometheus/prometheus/promql/parser"

	"github.com/loghive/loghive/pkg/iter"
	"github.com/loghive/loghive/pkg/logproto"
	"github.com/loghive/loghive/pkg/storage"
	"github.com/loghive/loghive/pkg/storage/index"
)

// Config for a querier.
type Config struct {
	QueryTimeout time.Duration `yaml:"query_timeout"`
	MaxLimit     int           `yaml:"max_entries_limit"`
}

// RegisterFlags registers the flags.
func (cfg *Config) RegisterFlags(f *flag.FlagSet) {
	f.DurationVar(&cfg.QueryTimeout, "querier.query-timeout", time.Minute, "Timeout for a single query.")
	f.IntVar(&cfg.MaxLimit, "querier.max-entries-limit", 10000, "Maximum number of entries a query may return; 0 for unlimited.")
}

// IngesterQuerier is the read interface into the ingester's memory.
type IngesterQuerier interface {
	Iterators(tenantID string, from, through time.Time, matchers []*labels.Matcher, direction logproto.Direction) ([]iter.EntryIterator, error)
}

// IndexReader resolves selectors to chunk references.
type IndexReader interface {
	Lookup(ctx context.Context, tenantID string, matchers []*labels.Matcher, from, through time.Time) ([]index.ChunkRef, error)
}

// ChunkFetcher fetches chunks from the store.
type ChunkFetcher interface {
	GetParallel(ctx context.Context, keys []string) ([]storage.Chunk, []storage.FetchError, error)
}

// Querier merges entries from the ingester and the chunk store.
type Querier struct {
	cfg      Config
	logger   log.Logger
	ingester IngesterQuerier
	idx      IndexReader
	store    ChunkFetcher
}

// New creates a Querier.
func New(cfg Config, ingester IngesterQuerier, idx IndexReader, store ChunkFetcher, logger log.Logger) *Querier {
	return &Querier{
		cfg:      cfg,
		logger:   logger,
		ingester: ingester,
		idx:      idx,
		store:    store,
	}
}

// Query runs a range query for one tenant. Chunks that fail to fetch degrade
// the response to a partial result with warnings rather than failing it,
// as long as something else was readable.
func (q *Querier) Query(ctx context.Context, tenantID string, req *logproto.QueryRequest) (*logproto.QueryResponse, error) {
	ctx, cancel := context.WithTimeout(ctx, q.cfg.QueryTimeout)
	defer cancel()

	matchers, err := parseSelector(req.Selector)
	if err != nil {
		return nil, httpgrpc.Errorf(http.StatusBadRequest, "invalid selector %q: %s", req.Selector, err)
	}

	memIterators, err := q.ingester.Iterators(tenantID, req.Start, req.End, matchers, req.Direction)
	if err != nil {
		return nil, err
	}

	storeIterators, warnings, err := q.storeIterators(ctx, tenantID, matchers, req)
	if err != nil {
		for _, it := range memIterators {
			_ = it.Close()
		}
		return nil, err
	}

	merged := iter.NewHeapIterator(append(memIterators, storeIterators...), req.Direction)
	defer merged.Close()

	limit := req.Limit
	if q.cfg.MaxLimit > 0 && (limit == 0 || limit > q.cfg.MaxLimit) {
		limit = q.cfg.MaxLimit
	}

	resp := &logproto.QueryResponse{Warnings: warnings}
	byLabels := map[string]int{}
	var count int
	for merged.Next() {
		if limit > 0 && count >= limit {
			break
		}
		lbls := merged.Labels()
		i, ok := byLabels[lbls]
		if !ok {
			resp.Streams = append(resp.Streams, logproto.Stream{Labels: lbls})
			i = len(resp.Streams) - 1
			byLabels[lbls] = i
		}
		resp.Streams[i].Entries = append(resp.Streams[i].Entries, merged.Entry())
		count++
	}
	if err := merged.Error(); err != nil {
		return nil, httpgrpc.Errorf(http.StatusInternalServerError, "reading entries: %s", err)
	}

	sort.Slice(resp.Streams, func(i, j int) bool { return resp.Streams[i].Labels < resp.Streams[j].Labels })
	return resp, nil
}

// storeIterators looks up and fetches all stored chunks for the query,
// grouped into one chained iterator per stream.
func (q *Querier) storeIterators(ctx context.Context, tenantID string, matchers []*labels.Matcher, req *logproto.QueryRequest) ([]iter.EntryIterator, []string, error) {
	refs, err := q.idx.Lookup(ctx, tenantID, matchers, req.Start, req.End)
	if err != nil {
		return nil, nil, httpgrpc.Errorf(http.StatusInternalServerError, "index lookup: %s", err)
	}
	if len(refs) == 0 {
		return nil, nil, nil
	}

	labelsByKey := make(map[string]string, len(refs))
	keys := make([]string, 0, len(refs))
	for _, ref := range refs {
		keys = append(keys, ref.ExternalKey)
		labelsByKey[ref.ExternalKey] = ref.Labels.String()
	}

	chunks, failed, err := q.store.GetParallel(ctx, keys)
	if err != nil {
		return nil, nil, httpgrpc.Errorf(http.StatusInternalServerError, "fetching chunks: %s", err)
	}

	var warnings []string
	for _, f := range failed {
		level.Warn(q.logger).Log("msg", "failed to fetch chunk, returning partial result", "key", f.Key, "err", f.Err)
		warnings = append(warnings, fmt.Sprintf("failed to fetch chunk %s: %s", f.Key, f.Err))
	}

	// Group per stream, ordered by time, then chain each group.
	byStream := map[string][]storage.Chunk{}
	for _, c := range chunks {
		lbls := labelsByKey[c.ExternalKey()]
		byStream[lbls] = append(byStream[lbls], c)
	}

	var iterators []iter.EntryIterator
	for lbls, streamChunks := range byStream {
		sort.Slice(streamChunks, func(i, j int) bool { return streamChunks[i].From.Before(streamChunks[j].From) })
		if req.Direction == logproto.BACKWARD {
			for left, right := 0, len(streamChunks)-1; left < right; left, right = left+1, right-1 {
				streamChunks[left], streamChunks[right] = streamChunks[right], streamChunks[left]
			}
		}

		chunkIters := make([]iter.EntryIterator, 0, len(streamChunks))
		for _, c := range streamChunks {
			it, err := c.Data.Iterator(req.Start, req.End, req.Direction)
			if err != nil {
				return nil, nil, err
			}
			chunkIters = append(chunkIters, it)
		}
		iterators = append(iterators, iter.NewNonOverlappingIterator(chunkIters, lbls))
	}
	return iterators, warnings, nil
}

func parseSelector(selector string) ([]*labels.Matcher, error) {
	if selector == "" || selector == "{}" {
		return nil, nil
	}
	return parser.ParseMetricSelector(selector)
}
