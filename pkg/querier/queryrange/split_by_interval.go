package queryrange

import (
	"context"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/loghive/loghive/pkg/logproto"
)

// Limits reads per-tenant frontend limits.
type Limits interface {
	MaxQueryParallelism(tenantID string) int
}

// SplitByIntervalMiddleware splits the query range into sub-queries of at
// most interval width and runs them with bounded parallelism. Boundaries are
// aligned to absolute multiples of the interval, so the same query always
// splits the same way.
func SplitByIntervalMiddleware(interval time.Duration, limits Limits) Middleware {
	return MiddlewareFunc(func(next Handler) Handler {
		return &splitByInterval{
			next:     next,
			interval: interval,
			limits:   limits,
		}
	})
}

type splitByInterval struct {
	next     Handler
	interval time.Duration
	limits   Limits
}

func (s *splitByInterval) Do(ctx context.Context, req *Request) (*logproto.QueryResponse, error) {
	if s.interval <= 0 || !req.End.After(req.Start) {
		return s.next.Do(ctx, req)
	}

	reqs := splitQuery(req, s.interval)
	if len(reqs) == 1 {
		return s.next.Do(ctx, req)
	}

	parallelism := s.limits.MaxQueryParallelism(req.TenantID)
	if parallelism <= 0 {
		parallelism = 1
	}

	// Sub-responses keep their interval position so the merge preserves
	// global time order regardless of completion order.
	resps := make([]*logproto.QueryResponse, len(reqs))
	g, ctx := errgroup.WithContext(ctx)
	g.SetLimit(parallelism)
	for i, subReq := range reqs {
		i, subReq := i, subReq
		g.Go(func() error {
			resp, err := s.next.Do(ctx, subReq)
			if err != nil {
				return err
			}
			resps[i] = resp
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}

	return mergeResponses(req, resps), nil
}

// splitQuery cuts [start, end) at absolute interval boundaries.
func splitQuery(req *Request, interval time.Duration) []*Request {
	var reqs []*Request
	for start := req.Start; start.Before(req.End); {
		end := start.Truncate(interval).Add(interval)
		if end.After(req.End) {
			end = req.End
		}
		reqs = append(reqs, req.WithStartEnd(start, end))
		start = end
	}
	return reqs
}

// mergeResponses concatenates sub-responses. The sub-ranges are disjoint and
// ordered, so per-stream entries from consecutive responses chain without
// re-sorting; for backward queries the responses are walked in reverse.
func mergeResponses(req *Request, resps []*logproto.QueryResponse) *logproto.QueryResponse {
	merged := &logproto.QueryResponse{}
	byLabels := map[string]int{}

	appendResp := func(resp *logproto.QueryResponse) {
		if resp == nil {
			return
		}
		merged.Warnings = append(merged.Warnings, resp.Warnings...)
		for _, s := range resp.Streams {
			i, ok := byLabels[s.Labels]
			if !ok {
				merged.Streams = append(merged.Streams, logproto.Stream{Labels: s.Labels})
				i = len(merged.Streams) - 1
				byLabels[s.Labels] = i
			}
			merged.Streams[i].Entries = append(merged.Streams[i].Entries, s.Entries...)
		}
	}

	if req.Direction == logproto.BACKWARD {
		for i := len(resps) - 1; i >= 0; i-- {
			appendResp(resps[i])
		}
	} else {
		for _, resp := range resps {
			appendResp(resp)
		}
	}

	if req.Limit > 0 {
		truncateToLimit(merged, req.Limit, req.Direction)
	}
	return merged
}

// truncateToLimit drops entries beyond the limit, counted across all streams
// in global time order.
func truncateToLimit(resp *logproto.QueryResponse, limit int, direction logproto.Direction) {
	total := 0
	for _, s := range resp.Streams {
		total += len(s.Entries)
	}
	if total <= limit {
		return
	}

	// Walk entries in global order by repeatedly taking the stream whose
	// next entry comes first in the query direction, stopping at the limit.
	idx := make([]int, len(resp.Streams))
	kept := 0
	for kept < limit {
		best := -1
		for i, s := range resp.Streams {
			if idx[i] >= len(s.Entries) {
				continue
			}
			if best == -1 {
				best = i
				continue
			}
			ts, bestTs := s.Entries[idx[i]].Timestamp, resp.Streams[best].Entries[idx[best]].Timestamp
			if (direction == logproto.BACKWARD && ts.After(bestTs)) ||
				(direction != logproto.BACKWARD && ts.Before(bestTs)) {
				best = i
			}
		}
		if best == -1 {
			break
		}
		idx[best]++
		kept++
	}
	for i := range resp.Streams {
		resp.Streams[i].Entries = resp.Streams[i].Entries[:idx[i]]
	}

	var streams []logproto.Stream
	for _, s := range resp.Streams {
		if len(s.Entries) > 0 {
			streams = append(streams, s)
		}
	}
	resp.Streams = streams
}
