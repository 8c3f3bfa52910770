package querier

import (
	"context"
	"fmt"
	"net/http"
	"testing"
	"time"

	"github.com/go-kit/log"
	"github.com/grafana/dskit/httpgrpc"
	"github.com/prometheus/prometheus/model/labels"
	"github.com/stretchr/testify/require"

	"github.com/loghive/loghive/pkg/chunkenc"
	"github.com/loghive/loghive/pkg/iter"
	"github.com/loghive/loghive/pkg/logproto"
	"github.com/loghive/loghive/pkg/storage"
	"github.com/loghive/loghive/pkg/storage/index"
)

type mockIngesterQuerier struct {
	streams []logproto.Stream
}

func (m *mockIngesterQuerier) Iterators(_ string, _, _ time.Time, _ []*labels.Matcher, direction logproto.Direction) ([]iter.EntryIterator, error) {
	var its []iter.EntryIterator
	for _, s := range m.streams {
		if direction == logproto.BACKWARD {
			reversed := logproto.Stream{Labels: s.Labels}
			for i := len(s.Entries) - 1; i >= 0; i-- {
				reversed.Entries = append(reversed.Entries, s.Entries[i])
			}
			s = reversed
		}
		its = append(its, iter.NewStreamIterator(s))
	}
	return its, nil
}

type mockIndexReader struct {
	refs []index.ChunkRef
}

func (m *mockIndexReader) Lookup(context.Context, string, []*labels.Matcher, time.Time, time.Time) ([]index.ChunkRef, error) {
	return m.refs, nil
}

type mockChunkFetcher struct {
	chunks map[string]storage.Chunk
}

func (m *mockChunkFetcher) GetParallel(_ context.Context, keys []string) ([]storage.Chunk, []storage.FetchError, error) {
	var (
		chunks []storage.Chunk
		failed []storage.FetchError
	)
	for _, key := range keys {
		c, ok := m.chunks[key]
		if !ok {
			failed = append(failed, storage.FetchError{Key: key, Err: storage.ErrChunkNotFound})
			continue
		}
		chunks = append(chunks, c)
	}
	if len(chunks) == 0 && len(failed) > 0 {
		return nil, nil, fmt.Errorf("all chunks failed")
	}
	return chunks, failed, nil
}

func memEntries(from, count int64) []logproto.Entry {
	out := make([]logproto.Entry, 0, count)
	for i := from; i < from+count; i++ {
		out = append(out, logproto.Entry{Timestamp: time.Unix(0, i), Line: fmt.Sprintf("line %d", i)})
	}
	return out
}

func storedChunk(t *testing.T, lbls labels.Labels, from, count int64) (storage.Chunk, index.ChunkRef) {
	t.Helper()
	mc := chunkenc.NewMemChunk(chunkenc.EncGZIP, 1024, 0)
	for _, e := range memEntries(from, count) {
		e := e
		require.NoError(t, mc.Append(&e))
	}
	require.NoError(t, mc.Close())

	c := storage.NewChunk("tenant", lbls.Hash(), lbls, mc)
	require.NoError(t, c.Encode())
	return c, index.ChunkRef{ExternalKey: c.ExternalKey(), Fingerprint: lbls.Hash(), Labels: lbls}
}

func testQuerier(ing *mockIngesterQuerier, idx *mockIndexReader, fetcher *mockChunkFetcher) *Querier {
	cfg := Config{QueryTimeout: time.Minute, MaxLimit: 10000}
	return New(cfg, ing, idx, fetcher, log.NewNopLogger())
}

func testQueryRequest() *logproto.QueryRequest {
	return &logproto.QueryRequest{
		Selector:  `{app="a"}`,
		Start:     time.Unix(0, 0),
		End:       time.Unix(0, 1<<40),
		Direction: logproto.FORWARD,
	}
}

func TestQueryMergesMemoryAndStore(t *testing.T) {
	lbls := labels.Labels{{Name: "app", Value: "a"}}
	c, ref := storedChunk(t, lbls, 0, 5)

	q := testQuerier(
		&mockIngesterQuerier{streams: []logproto.Stream{{Labels: lbls.String(), Entries: memEntries(5, 5)}}},
		&mockIndexReader{refs: []index.ChunkRef{ref}},
		&mockChunkFetcher{chunks: map[string]storage.Chunk{c.ExternalKey(): c}},
	)

	resp, err := q.Query(context.Background(), "tenant", testQueryRequest())
	require.NoError(t, err)
	require.Empty(t, resp.Warnings)
	require.Len(t, resp.Streams, 1)
	require.Len(t, resp.Streams[0].Entries, 10)
	for i, e := range resp.Streams[0].Entries {
		require.Equal(t, int64(i), e.Timestamp.UnixNano())
	}
}

func TestQueryDedupesRetainedChunks(t *testing.T) {
	// A flushed chunk retained in ingester memory overlaps its stored copy;
	// each entry must appear once.
	lbls := labels.Labels{{Name: "app", Value: "a"}}
	c, ref := storedChunk(t, lbls, 0, 5)

	q := testQuerier(
		&mockIngesterQuerier{streams: []logproto.Stream{{Labels: lbls.String(), Entries: memEntries(0, 10)}}},
		&mockIndexReader{refs: []index.ChunkRef{ref}},
		&mockChunkFetcher{chunks: map[string]storage.Chunk{c.ExternalKey(): c}},
	)

	resp, err := q.Query(context.Background(), "tenant", testQueryRequest())
	require.NoError(t, err)
	require.Len(t, resp.Streams, 1)
	require.Len(t, resp.Streams[0].Entries, 10)
}

func TestQueryPartialResultOnMissingChunk(t *testing.T) {
	lbls := labels.Labels{{Name: "app", Value: "a"}}
	c, ref := storedChunk(t, lbls, 0, 5)
	_, missingRef := storedChunk(t, lbls, 100, 5)

	q := testQuerier(
		&mockIngesterQuerier{},
		&mockIndexReader{refs: []index.ChunkRef{ref, missingRef}},
		&mockChunkFetcher{chunks: map[string]storage.Chunk{c.ExternalKey(): c}},
	)

	resp, err := q.Query(context.Background(), "tenant", testQueryRequest())
	require.NoError(t, err)
	require.Len(t, resp.Warnings, 1)
	require.Contains(t, resp.Warnings[0], "failed to fetch chunk")
	require.Len(t, resp.Streams, 1)
	require.Len(t, resp.Streams[0].Entries, 5)
}

func TestQueryBackward(t *testing.T) {
	lbls := labels.Labels{{Name: "app", Value: "a"}}
	c, ref := storedChunk(t, lbls, 0, 5)

	q := testQuerier(
		&mockIngesterQuerier{streams: []logproto.Stream{{Labels: lbls.String(), Entries: memEntries(5, 5)}}},
		&mockIndexReader{refs: []index.ChunkRef{ref}},
		&mockChunkFetcher{chunks: map[string]storage.Chunk{c.ExternalKey(): c}},
	)

	req := testQueryRequest()
	req.Direction = logproto.BACKWARD
	resp, err := q.Query(context.Background(), "tenant", req)
	require.NoError(t, err)
	require.Len(t, resp.Streams, 1)
	require.Len(t, resp.Streams[0].Entries, 10)
	for i, e := range resp.Streams[0].Entries {
		require.Equal(t, int64(9-i), e.Timestamp.UnixNano())
	}
}

func TestQueryAppliesLimit(t *testing.T) {
	lbls := labels.Labels{{Name: "app", Value: "a"}}

	q := testQuerier(
		&mockIngesterQuerier{streams: []logproto.Stream{{Labels: lbls.String(), Entries: memEntries(0, 100)}}},
		&mockIndexReader{},
		&mockChunkFetcher{},
	)

	req := testQueryRequest()
	req.Limit = 3
	resp, err := q.Query(context.Background(), "tenant", req)
	require.NoError(t, err)
	require.Len(t, resp.Streams, 1)
	require.Len(t, resp.Streams[0].Entries, 3)
	require.Equal(t, int64(0), resp.Streams[0].Entries[0].Timestamp.UnixNano())
}

func TestQueryInvalidSelector(t *testing.T) {
	q := testQuerier(&mockIngesterQuerier{}, &mockIndexReader{}, &mockChunkFetcher{})

	req := testQueryRequest()
	req.Selector = `{app=`
	_, err := q.Query(context.Background(), "tenant", req)
	require.Error(t, err)
	resp, ok := httpgrpc.HTTPResponseFromError(err)
	require.True(t, ok)
	require.Equal(t, int32(http.StatusBadRequest), resp.Code)
}
