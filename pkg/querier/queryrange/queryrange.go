// Package queryrange implements the query frontend: it splits a range query
// into bounded sub-intervals, dispatches them in parallel with retries, and
// merges the results back into one response.
package queryrange

import (
	"context"
	"time"

	"github.com/loghive/loghive/pkg/logproto"
)

// Request is one range query as it flows through the frontend middlewares.
type Request struct {
	TenantID  string
	Selector  string
	Start     time.Time
	End       time.Time
	Step      time.Duration
	Limit     int
	Direction logproto.Direction
}

// WithStartEnd returns a copy of the request with a new time range.
func (r *Request) WithStartEnd(start, end time.Time) *Request {
	copied := *r
	copied.Start = start
	copied.End = end
	return &copied
}

// Handler is like http.Handler for query requests.
type Handler interface {
	Do(ctx context.Context, req *Request) (*logproto.QueryResponse, error)
}

// HandlerFunc is like http.HandlerFunc.
type HandlerFunc func(ctx context.Context, req *Request) (*logproto.QueryResponse, error)

// Do implements Handler.
func (f HandlerFunc) Do(ctx context.Context, req *Request) (*logproto.QueryResponse, error) {
	return f(ctx, req)
}

// Middleware is a higher order Handler.
type Middleware interface {
	Wrap(Handler) Handler
}

// MiddlewareFunc is like http.HandlerFunc, but for Middleware.
type MiddlewareFunc func(Handler) Handler

// Wrap implements Middleware.
func (f MiddlewareFunc) Wrap(h Handler) Handler {
	return f(h)
}

// MergeMiddlewares produces a middleware that applies multiple middlewares in
// turn; ie Merge(f,g,h).Wrap(handler) == f.Wrap(g.Wrap(h.Wrap(handler)))
func MergeMiddlewares(middlewares ...Middleware) Middleware {
	return MiddlewareFunc(func(next Handler) Handler {
		for i := len(middlewares) - 1; i >= 0; i-- {
			next = middlewares[i].Wrap(next)
		}
		return next
	})
}
