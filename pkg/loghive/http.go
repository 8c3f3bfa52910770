package loghive

import (
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"time"

	"github.com/go-kit/log/level"
	"github.com/gorilla/mux"
	"github.com/grafana/dskit/httpgrpc"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/prometheus/prometheus/model/labels"
	"github.com/prometheus/prometheus/promql/parser"

	"github.com/loghive/loghive/pkg/logproto"
	"github.com/loghive/loghive/pkg/querier/queryrange"
)

const defaultTenant = "fake"

func (a *App) router() *mux.Router {
	r := mux.NewRouter()
	r.Handle("/metrics", promhttp.Handler())
	r.HandleFunc("/ready", a.readyHandler).Methods("GET")
	r.HandleFunc("/flush", a.flushHandler).Methods("POST")
	r.HandleFunc("/loki/api/v1/push", a.pushHandler).Methods("POST")
	r.HandleFunc("/loki/api/v1/query_range", a.queryRangeHandler).Methods("GET")
	return r
}

func tenantID(r *http.Request) string {
	if id := r.Header.Get("X-Scope-OrgID"); id != "" {
		return id
	}
	return defaultTenant
}

func (a *App) readyHandler(w http.ResponseWriter, _ *http.Request) {
	if err := a.checkReady(); err != nil {
		http.Error(w, err.Error(), http.StatusServiceUnavailable)
		return
	}
	w.WriteHeader(http.StatusOK)
	_, _ = io.WriteString(w, "ready\n")
}

func (a *App) flushHandler(w http.ResponseWriter, _ *http.Request) {
	a.ingester.FlushAll()
	w.WriteHeader(http.StatusNoContent)
}

// pushRequest is the JSON body of a push: streams of label maps with
// (nanosecond timestamp, line) value pairs.
type pushRequest struct {
	Streams []struct {
		Stream map[string]string `json:"stream"`
		Values [][2]string       `json:"values"`
	} `json:"streams"`
}

func (a *App) pushHandler(w http.ResponseWriter, r *http.Request) {
	var body pushRequest
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		http.Error(w, fmt.Sprintf("decoding push request: %s", err), http.StatusBadRequest)
		return
	}

	req := &logproto.PushRequest{}
	for _, s := range body.Streams {
		stream := logproto.Stream{Labels: labelMapToString(s.Stream)}
		for _, v := range s.Values {
			ns, err := strconv.ParseInt(v[0], 10, 64)
			if err != nil {
				http.Error(w, fmt.Sprintf("invalid timestamp %q: %s", v[0], err), http.StatusBadRequest)
				return
			}
			stream.Entries = append(stream.Entries, logproto.Entry{
				Timestamp: time.Unix(0, ns),
				Line:      v[1],
			})
		}
		req.Streams = append(req.Streams, stream)
	}

	if err := a.distributor.Push(r.Context(), tenantID(r), req); err != nil {
		writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (a *App) queryRangeHandler(w http.ResponseWriter, r *http.Request) {
	req, err := parseQueryRangeRequest(r)
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}

	resp, err := a.frontend.Do(r.Context(), req)
	if err != nil {
		writeError(w, err)
		return
	}

	if err := writeQueryResponse(w, resp); err != nil {
		level.Error(a.logger).Log("msg", "failed to write query response", "err", err)
	}
}

func parseQueryRangeRequest(r *http.Request) (*queryrange.Request, error) {
	params := r.URL.Query()

	req := &queryrange.Request{
		TenantID: tenantID(r),
		Selector: params.Get("query"),
	}

	var err error
	if req.Start, err = parseTime(params.Get("start"), time.Now().Add(-time.Hour)); err != nil {
		return nil, fmt.Errorf("invalid start: %w", err)
	}
	if req.End, err = parseTime(params.Get("end"), time.Now()); err != nil {
		return nil, fmt.Errorf("invalid end: %w", err)
	}
	if !req.End.After(req.Start) {
		return nil, fmt.Errorf("end timestamp must be after start")
	}

	if v := params.Get("limit"); v != "" {
		if req.Limit, err = strconv.Atoi(v); err != nil {
			return nil, fmt.Errorf("invalid limit: %w", err)
		}
	}
	if v := params.Get("step"); v != "" {
		if req.Step, err = time.ParseDuration(v); err != nil {
			// Also accept a step in seconds.
			secs, err2 := strconv.ParseFloat(v, 64)
			if err2 != nil {
				return nil, fmt.Errorf("invalid step: %w", err)
			}
			req.Step = time.Duration(secs * float64(time.Second))
		}
	}
	direction, ok := logproto.ParseDirection(params.Get("direction"))
	if !ok {
		return nil, fmt.Errorf("invalid direction %q", params.Get("direction"))
	}
	req.Direction = direction
	return req, nil
}

// parseTime accepts unix nanoseconds or RFC3339.
func parseTime(v string, def time.Time) (time.Time, error) {
	if v == "" {
		return def, nil
	}
	if ns, err := strconv.ParseInt(v, 10, 64); err == nil {
		return time.Unix(0, ns), nil
	}
	t, err := time.Parse(time.RFC3339Nano, v)
	if err != nil {
		return time.Time{}, err
	}
	return t, nil
}

type queryResponseStream struct {
	Stream map[string]string `json:"stream"`
	Values [][2]string       `json:"values"`
}

type queryResponse struct {
	Status string `json:"status"`
	Data   struct {
		ResultType string                `json:"resultType"`
		Result     []queryResponseStream `json:"result"`
	} `json:"data"`
	Warnings []string `json:"warnings,omitempty"`
}

func writeQueryResponse(w http.ResponseWriter, resp *logproto.QueryResponse) error {
	out := queryResponse{Status: "success", Warnings: resp.Warnings}
	out.Data.ResultType = "streams"
	out.Data.Result = make([]queryResponseStream, 0, len(resp.Streams))

	for _, s := range resp.Streams {
		qs := queryResponseStream{
			Stream: labelStringToMap(s.Labels),
			Values: make([][2]string, 0, len(s.Entries)),
		}
		for _, e := range s.Entries {
			qs.Values = append(qs.Values, [2]string{
				strconv.FormatInt(e.Timestamp.UnixNano(), 10),
				e.Line,
			})
		}
		out.Data.Result = append(out.Data.Result, qs)
	}

	w.Header().Set("Content-Type", "application/json")
	return json.NewEncoder(w).Encode(out)
}

func labelMapToString(m map[string]string) string {
	b := labels.NewBuilder(nil)
	for k, v := range m {
		b.Set(k, v)
	}
	return b.Labels(nil).String()
}

func labelStringToMap(s string) map[string]string {
	m := map[string]string{}
	lbls, err := parser.ParseMetric(s)
	if err != nil {
		return m
	}
	for _, l := range lbls {
		m[l.Name] = l.Value
	}
	return m
}

func writeError(w http.ResponseWriter, err error) {
	if resp, ok := httpgrpc.HTTPResponseFromError(err); ok {
		http.Error(w, string(resp.Body), int(resp.Code))
		return
	}
	http.Error(w, err.Error(), http.StatusInternalServerError)
}
