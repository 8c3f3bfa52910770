package queryrange

import (
	"context"

	"github.com/loghive/loghive/pkg/logproto"
)

// StepAlignMiddleware aligns the start and end of request to the step to
// improve the cacheability of the query results.
var StepAlignMiddleware = MiddlewareFunc(func(next Handler) Handler {
	return stepAlign{next: next}
})

type stepAlign struct {
	next Handler
}

func (s stepAlign) Do(ctx context.Context, req *Request) (*logproto.QueryResponse, error) {
	if req.Step <= 0 {
		return s.next.Do(ctx, req)
	}
	start := req.Start.Truncate(req.Step)
	end := req.End.Truncate(req.Step)
	return s.next.Do(ctx, req.WithStartEnd(start, end))
}
