package loghive

import (
	"encoding/json"
	"net/http/httptest"
	"net/url"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/loghive/loghive/pkg/logproto"
)

func TestParseQueryRangeRequest(t *testing.T) {
	r := httptest.NewRequest("GET", "/loki/api/v1/query_range?"+url.Values{
		"query":     {`{app="a"}`},
		"start":     {"1000000000"},
		"end":       {"2000000000"},
		"limit":     {"500"},
		"step":      {"30s"},
		"direction": {"backward"},
	}.Encode(), nil)
	r.Header.Set("X-Scope-OrgID", "tenant-a")

	req, err := parseQueryRangeRequest(r)
	require.NoError(t, err)
	require.Equal(t, "tenant-a", req.TenantID)
	require.Equal(t, `{app="a"}`, req.Selector)
	require.Equal(t, time.Unix(1, 0), req.Start)
	require.Equal(t, time.Unix(2, 0), req.End)
	require.Equal(t, 500, req.Limit)
	require.Equal(t, 30*time.Second, req.Step)
	require.Equal(t, logproto.BACKWARD, req.Direction)
}

func TestParseQueryRangeRequestDefaults(t *testing.T) {
	r := httptest.NewRequest("GET", "/loki/api/v1/query_range?query=%7Bapp%3D%22a%22%7D", nil)

	req, err := parseQueryRangeRequest(r)
	require.NoError(t, err)
	require.Equal(t, defaultTenant, req.TenantID)
	require.Equal(t, logproto.FORWARD, req.Direction)
	// Default range is the last hour.
	require.InDelta(t, time.Hour.Seconds(), req.End.Sub(req.Start).Seconds(), 5)
}

func TestParseQueryRangeRequestStepInSeconds(t *testing.T) {
	r := httptest.NewRequest("GET", "/loki/api/v1/query_range?step=15", nil)
	req, err := parseQueryRangeRequest(r)
	require.NoError(t, err)
	require.Equal(t, 15*time.Second, req.Step)
}

func TestParseQueryRangeRequestErrors(t *testing.T) {
	for name, query := range map[string]string{
		"inverted range": "start=2000&end=1000",
		"bad limit":      "limit=abc",
		"bad step":       "step=abc",
		"bad direction":  "direction=sideways",
		"bad start":      "start=not-a-time",
	} {
		t.Run(name, func(t *testing.T) {
			r := httptest.NewRequest("GET", "/loki/api/v1/query_range?"+query, nil)
			_, err := parseQueryRangeRequest(r)
			require.Error(t, err)
		})
	}
}

func TestParseTimeFormats(t *testing.T) {
	ts, err := parseTime("2026-08-28T10:30:00Z", time.Time{})
	require.NoError(t, err)
	require.Equal(t, time.Date(2026, 8, 28, 10, 30, 0, 0, time.UTC), ts.UTC())

	ts, err = parseTime("1700000000000000000", time.Time{})
	require.NoError(t, err)
	require.Equal(t, int64(1700000000000000000), ts.UnixNano())

	def := time.Unix(42, 0)
	ts, err = parseTime("", def)
	require.NoError(t, err)
	require.Equal(t, def, ts)
}

func TestPushRequestDecoding(t *testing.T) {
	body := `{
		"streams": [
			{
				"stream": {"app": "auth", "env": "prod"},
				"values": [["1000", "first"], ["2000", "second"]]
			}
		]
	}`

	var req pushRequest
	require.NoError(t, json.NewDecoder(strings.NewReader(body)).Decode(&req))
	require.Len(t, req.Streams, 1)
	require.Equal(t, `{app="auth", env="prod"}`, labelMapToString(req.Streams[0].Stream))
	require.Equal(t, [2]string{"1000", "first"}, req.Streams[0].Values[0])
}

func TestWriteQueryResponse(t *testing.T) {
	w := httptest.NewRecorder()
	require.NoError(t, writeQueryResponse(w, &logproto.QueryResponse{
		Streams: []logproto.Stream{{
			Labels: `{app="a"}`,
			Entries: []logproto.Entry{
				{Timestamp: time.Unix(0, 1000), Line: "hello"},
			},
		}},
		Warnings: []string{"partial"},
	}))

	var out queryResponse
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &out))
	require.Equal(t, "success", out.Status)
	require.Equal(t, "streams", out.Data.ResultType)
	require.Len(t, out.Data.Result, 1)
	require.Equal(t, map[string]string{"app": "a"}, out.Data.Result[0].Stream)
	require.Equal(t, [2]string{"1000", "hello"}, out.Data.Result[0].Values[0])
	require.Equal(t, []string{"partial"}, out.Warnings)
	require.Equal(t, "application/json", w.Header().Get("Content-Type"))
}
