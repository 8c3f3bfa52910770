package queryrange

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/go-kit/log"
	"github.com/grafana/dskit/backoff"
	"github.com/grafana/dskit/httpgrpc"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/require"
	"go.uber.org/atomic"

	"github.com/loghive/loghive/pkg/logproto"
)

type fakeLimits struct{ parallelism int }

func (f fakeLimits) MaxQueryParallelism(string) int { return f.parallelism }

func testRequest(start, end time.Time) *Request {
	return &Request{
		TenantID:  "tenant",
		Selector:  `{app="a"}`,
		Start:     start,
		End:       end,
		Limit:     10000,
		Direction: logproto.FORWARD,
	}
}

func TestStepAlign(t *testing.T) {
	var aligned *Request
	next := HandlerFunc(func(_ context.Context, req *Request) (*logproto.QueryResponse, error) {
		aligned = req
		return &logproto.QueryResponse{}, nil
	})

	req := testRequest(time.Unix(101, 0), time.Unix(1000, 0))
	req.Step = time.Minute

	_, err := StepAlignMiddleware.Wrap(next).Do(context.Background(), req)
	require.NoError(t, err)
	require.Equal(t, time.Unix(60, 0), aligned.Start)
	require.Equal(t, time.Unix(960, 0), aligned.End)

	// Without a step the request passes through untouched.
	req = testRequest(time.Unix(101, 0), time.Unix(1000, 0))
	_, err = StepAlignMiddleware.Wrap(next).Do(context.Background(), req)
	require.NoError(t, err)
	require.Equal(t, time.Unix(101, 0), aligned.Start)
}

func TestSplitQueryAlignsToAbsoluteBoundaries(t *testing.T) {
	interval := time.Hour
	req := testRequest(time.Unix(0, 0).Add(30*time.Minute), time.Unix(0, 0).Add(150*time.Minute))

	reqs := splitQuery(req, interval)
	require.Len(t, reqs, 3)
	require.Equal(t, req.Start, reqs[0].Start)
	require.Equal(t, time.Unix(0, 0).Add(time.Hour), reqs[0].End)
	require.Equal(t, time.Unix(0, 0).Add(time.Hour), reqs[1].Start)
	require.Equal(t, time.Unix(0, 0).Add(2*time.Hour), reqs[1].End)
	require.Equal(t, time.Unix(0, 0).Add(2*time.Hour), reqs[2].Start)
	require.Equal(t, req.End, reqs[2].End)

	// Splitting is deterministic: the same query splits the same way.
	again := splitQuery(req, interval)
	require.Equal(t, reqs, again)

	// A query inside a single interval does not split.
	small := testRequest(time.Unix(0, 0).Add(10*time.Minute), time.Unix(0, 0).Add(20*time.Minute))
	require.Len(t, splitQuery(small, interval), 1)
}

// sliceHandler serves sub-queries out of a fixed entry set, mimicking what
// the querier would return for each sub-range.
func sliceHandler(entries []logproto.Entry, direction logproto.Direction) Handler {
	return HandlerFunc(func(_ context.Context, req *Request) (*logproto.QueryResponse, error) {
		var out []logproto.Entry
		for _, e := range entries {
			if e.Timestamp.Before(req.Start) || !e.Timestamp.Before(req.End) {
				continue
			}
			out = append(out, e)
		}
		if direction == logproto.BACKWARD {
			for l, r := 0, len(out)-1; l < r; l, r = l+1, r-1 {
				out[l], out[r] = out[r], out[l]
			}
		}
		if len(out) == 0 {
			return &logproto.QueryResponse{}, nil
		}
		return &logproto.QueryResponse{Streams: []logproto.Stream{{Labels: `{app="a"}`, Entries: out}}}, nil
	})
}

func TestSplitByIntervalMatchesUnsplit(t *testing.T) {
	var entries []logproto.Entry
	for i := 0; i < 120; i++ {
		entries = append(entries, logproto.Entry{
			Timestamp: time.Unix(0, 0).Add(time.Duration(i) * time.Minute),
			Line:      fmt.Sprintf("line %d", i),
		})
	}

	for _, direction := range []logproto.Direction{logproto.FORWARD, logproto.BACKWARD} {
		handler := sliceHandler(entries, direction)
		req := testRequest(time.Unix(0, 0).Add(10*time.Minute), time.Unix(0, 0).Add(110*time.Minute))
		req.Direction = direction

		unsplit, err := handler.Do(context.Background(), req)
		require.NoError(t, err)

		split, err := SplitByIntervalMiddleware(30*time.Minute, fakeLimits{parallelism: 4}).
			Wrap(handler).Do(context.Background(), req)
		require.NoError(t, err)

		require.Equal(t, unsplit.Streams, split.Streams)
	}
}

func TestSplitByIntervalAppliesLimit(t *testing.T) {
	var entries []logproto.Entry
	for i := 0; i < 120; i++ {
		entries = append(entries, logproto.Entry{
			Timestamp: time.Unix(0, 0).Add(time.Duration(i) * time.Minute),
			Line:      fmt.Sprintf("line %d", i),
		})
	}
	handler := sliceHandler(entries, logproto.FORWARD)

	req := testRequest(time.Unix(0, 0), time.Unix(0, 0).Add(120*time.Minute))
	req.Limit = 10

	resp, err := SplitByIntervalMiddleware(30*time.Minute, fakeLimits{parallelism: 4}).
		Wrap(handler).Do(context.Background(), req)
	require.NoError(t, err)
	require.Len(t, resp.Streams, 1)
	require.Len(t, resp.Streams[0].Entries, 10)
	// Forward queries keep the earliest entries.
	require.Equal(t, "line 0", resp.Streams[0].Entries[0].Line)
	require.Equal(t, "line 9", resp.Streams[0].Entries[9].Line)
}

func TestTruncateToLimitBackward(t *testing.T) {
	resp := &logproto.QueryResponse{Streams: []logproto.Stream{
		{Labels: `{app="a"}`, Entries: []logproto.Entry{
			{Timestamp: time.Unix(0, 9), Line: "a9"},
			{Timestamp: time.Unix(0, 5), Line: "a5"},
		}},
		{Labels: `{app="b"}`, Entries: []logproto.Entry{
			{Timestamp: time.Unix(0, 8), Line: "b8"},
			{Timestamp: time.Unix(0, 1), Line: "b1"},
		}},
	}}

	truncateToLimit(resp, 2, logproto.BACKWARD)

	// The two newest entries survive: a9 and b8.
	require.Len(t, resp.Streams, 2)
	require.Equal(t, []logproto.Entry{{Timestamp: time.Unix(0, 9), Line: "a9"}}, resp.Streams[0].Entries)
	require.Equal(t, []logproto.Entry{{Timestamp: time.Unix(0, 8), Line: "b8"}}, resp.Streams[1].Entries)
}

func TestSplitByIntervalPropagatesErrors(t *testing.T) {
	boom := HandlerFunc(func(_ context.Context, req *Request) (*logproto.QueryResponse, error) {
		if req.Start.After(time.Unix(0, 0).Add(time.Hour)) {
			return nil, fmt.Errorf("sub-query failed")
		}
		return &logproto.QueryResponse{}, nil
	})

	req := testRequest(time.Unix(0, 0), time.Unix(0, 0).Add(3*time.Hour))
	_, err := SplitByIntervalMiddleware(time.Hour, fakeLimits{parallelism: 2}).
		Wrap(boom).Do(context.Background(), req)
	require.EqualError(t, err, "sub-query failed")
}

func TestRetrySucceedsAfterTransientFailures(t *testing.T) {
	calls := atomic.NewInt64(0)
	flaky := HandlerFunc(func(context.Context, *Request) (*logproto.QueryResponse, error) {
		if calls.Inc() < 3 {
			return nil, fmt.Errorf("transient")
		}
		return &logproto.QueryResponse{}, nil
	})

	mw := NewRetryMiddleware(log.NewNopLogger(), 5, backoff.Config{MinBackoff: time.Millisecond, MaxBackoff: 5 * time.Millisecond}, nil, prometheus.NewRegistry())
	resp, err := mw.Wrap(flaky).Do(context.Background(), testRequest(time.Unix(0, 0), time.Unix(100, 0)))
	require.NoError(t, err)
	require.NotNil(t, resp)
	require.Equal(t, int64(3), calls.Load())
}

func TestRetryGivesUpAfterMaxRetries(t *testing.T) {
	calls := atomic.NewInt64(0)
	failing := HandlerFunc(func(context.Context, *Request) (*logproto.QueryResponse, error) {
		calls.Inc()
		return nil, fmt.Errorf("persistent")
	})

	mw := NewRetryMiddleware(log.NewNopLogger(), 3, backoff.Config{MinBackoff: time.Millisecond, MaxBackoff: 5 * time.Millisecond}, nil, prometheus.NewRegistry())
	_, err := mw.Wrap(failing).Do(context.Background(), testRequest(time.Unix(0, 0), time.Unix(100, 0)))
	require.EqualError(t, err, "persistent")
	require.Equal(t, int64(3), calls.Load())
}

func TestRetryDoesNotRetryClientErrors(t *testing.T) {
	calls := atomic.NewInt64(0)
	badRequest := HandlerFunc(func(context.Context, *Request) (*logproto.QueryResponse, error) {
		calls.Inc()
		return nil, httpgrpc.Errorf(400, "bad selector")
	})

	mw := NewRetryMiddleware(log.NewNopLogger(), 5, backoff.Config{MinBackoff: time.Millisecond, MaxBackoff: 5 * time.Millisecond}, nil, prometheus.NewRegistry())
	_, err := mw.Wrap(badRequest).Do(context.Background(), testRequest(time.Unix(0, 0), time.Unix(100, 0)))
	require.Error(t, err)
	require.Equal(t, int64(1), calls.Load())
}

func TestNewMiddlewareComposes(t *testing.T) {
	var got []*Request
	next := HandlerFunc(func(_ context.Context, req *Request) (*logproto.QueryResponse, error) {
		got = append(got, req)
		return &logproto.QueryResponse{}, nil
	})

	cfg := Config{
		SplitQueriesByInterval: time.Hour,
		AlignQueriesWithStep:   true,
		MaxRetries:             2,
		RetryBackoff:           backoff.Config{MinBackoff: time.Millisecond, MaxBackoff: 5 * time.Millisecond},
	}
	handler := NewMiddleware(cfg, fakeLimits{parallelism: 1}, log.NewNopLogger(), prometheus.NewRegistry()).Wrap(next)

	req := testRequest(time.Unix(0, 0), time.Unix(0, 0).Add(2*time.Hour))
	req.Step = time.Minute
	_, err := handler.Do(context.Background(), req)
	require.NoError(t, err)

	// Step alignment happened before splitting, so each sub-request is
	// bounded by one interval.
	require.Len(t, got, 2)
	for _, sub := range got {
		require.True(t, sub.End.Sub(sub.Start) <= time.Hour)
	}
}
