package server

import (
	"bytes"
	"context"
	"errors"
	"io"
	"net"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/tidwall/gjson"

	"github.com/leapstack-labs/leapfuse/internal/preview"
	tu "github.com/leapstack-labs/leapfuse/internal/testutil"
)

func newTestServer(t *testing.T, exec preview.ExecutorFunc) (*Server, *httptest.Server) {
	t.Helper()
	s := New(Config{Executor: exec, Registry: prometheus.NewRegistry(), Logger: tu.NewTestLogger(t)})
	ts := httptest.NewServer(s.Handler())
	t.Cleanup(ts.Close)
	return s, ts
}

func post(t *testing.T, url, body string) (int, []byte) {
	t.Helper()
	resp, err := http.Post(url+"/execute", "application/json", strings.NewReader(body))
	require.NoError(t, err)
	defer func() { _ = resp.Body.Close() }()
	data, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	return resp.StatusCode, data
}

func TestExecute(t *testing.T) {
	var got preview.Request
	s, ts := newTestServer(t, func(_ context.Context, req preview.Request) (*preview.Response, error) {
		got = req
		return &preview.Response{
			Columns: []preview.Column{{Name: "id", Type: "INTEGER"}},
			Data:    [][]any{{1}, {2}},
			Count:   2,
		}, nil
	})

	status, body := post(t, ts.URL, `{"sql":"SELECT id FROM t","offset":10,"need_count":true}`)
	require.Equal(t, http.StatusOK, status)

	assert.Equal(t, "SELECT id FROM t", got.SQL)
	assert.Equal(t, 10, got.Offset)
	assert.Equal(t, preview.DefaultLimit, got.Limit, "missing limit gets the default")
	assert.True(t, got.NeedCount)

	assert.Equal(t, "id", gjson.GetBytes(body, "columns.0.name").String())
	assert.Equal(t, int64(2), gjson.GetBytes(body, "count").Int())
	assert.Equal(t, 2, len(gjson.GetBytes(body, "data").Array()))
	assert.False(t, gjson.GetBytes(body, "err").Exists())

	assert.InDelta(t, 1, testutil.ToFloat64(s.requests.WithLabelValues("ok")), 0)
}

func TestExecute_Errors(t *testing.T) {
	tests := []struct {
		name    string
		body    string
		err     error
		status  int
		errPart string
		outcome string
	}{
		{"malformed body", `{"sql":`, nil, http.StatusBadRequest, "invalid request body", "bad_request"},
		{"empty sql", `{"sql":"  "}`, nil, http.StatusBadRequest, "sql is required", "bad_request"},
		{"query failure", `{"sql":"SELECT nope"}`, &preview.ExecError{Description: "column nope not found"}, http.StatusOK, "column nope not found", "query_error"},
		{"engine unavailable", `{"sql":"SELECT 1"}`, errors.New("connection refused"), http.StatusServiceUnavailable, "connection refused", "error"},
		{"engine returned nothing", `{"sql":"SELECT 1"}`, nil, http.StatusOK, "engine returned no result", "query_error"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			s, ts := newTestServer(t, func(context.Context, preview.Request) (*preview.Response, error) {
				return nil, tt.err
			})
			status, body := post(t, ts.URL, tt.body)
			assert.Equal(t, tt.status, status)
			assert.Contains(t, gjson.GetBytes(body, "err").String(), tt.errPart)
			assert.InDelta(t, 1, testutil.ToFloat64(s.requests.WithLabelValues(tt.outcome)), 0)
		})
	}
}

func TestExecute_ThroughHTTPExecutor(t *testing.T) {
	_, ts := newTestServer(t, func(_ context.Context, req preview.Request) (*preview.Response, error) {
		if strings.Contains(req.SQL, "broken") {
			return nil, &preview.ExecError{Description: "syntax error at broken"}
		}
		return &preview.Response{Columns: []preview.Column{{Name: "n", Type: "BIGINT"}}, Data: [][]any{{float64(req.Limit)}}}, nil
	})
	client := preview.NewHTTPExecutor(preview.HTTPOptions{URL: ts.URL + "/execute", RetryMax: 0})

	resp, err := client.Execute(context.Background(), preview.Request{SQL: "SELECT 1", Limit: 7})
	require.NoError(t, err)
	assert.Equal(t, [][]any{{float64(7)}}, resp.Data)

	_, err = client.Execute(context.Background(), preview.Request{SQL: "SELECT broken", Limit: 7})
	var execErr *preview.ExecError
	require.ErrorAs(t, err, &execErr)
	assert.Equal(t, "syntax error at broken", execErr.Description)

	_, err = client.Execute(context.Background(), preview.Request{SQL: "", Limit: 7})
	require.ErrorAs(t, err, &execErr)
	assert.Equal(t, "sql is required", execErr.Description)
}

func TestHealthAndMetrics(t *testing.T) {
	_, ts := newTestServer(t, func(context.Context, preview.Request) (*preview.Response, error) {
		return &preview.Response{}, nil
	})

	resp, err := http.Get(ts.URL + "/healthz")
	require.NoError(t, err)
	body, _ := io.ReadAll(resp.Body)
	_ = resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "ok", gjson.GetBytes(body, "status").String())

	status, _ := post(t, ts.URL, `{"sql":"SELECT 1"}`)
	require.Equal(t, http.StatusOK, status)

	resp, err = http.Get(ts.URL + "/metrics")
	require.NoError(t, err)
	body, _ = io.ReadAll(resp.Body)
	_ = resp.Body.Close()
	assert.Contains(t, string(body), `leapfuse_execute_requests_total{outcome="ok"} 1`)
	assert.Contains(t, string(body), "leapfuse_execute_duration_seconds_count 1")

	resp, err = http.Post(ts.URL+"/healthz", "application/json", bytes.NewReader(nil))
	require.NoError(t, err)
	_ = resp.Body.Close()
	assert.Equal(t, http.StatusMethodNotAllowed, resp.StatusCode)
}

func TestServeListener_Shutdown(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)

	s := New(Config{Executor: preview.ExecutorFunc(func(context.Context, preview.Request) (*preview.Response, error) {
		return &preview.Response{}, nil
	})})

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- s.ServeListener(ctx, ln) }()

	url := "http://" + ln.Addr().String()
	require.Eventually(t, func() bool {
		resp, err := http.Get(url + "/healthz")
		if err != nil {
			return false
		}
		_ = resp.Body.Close()
		return resp.StatusCode == http.StatusOK
	}, 2*time.Second, 10*time.Millisecond)

	cancel()
	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(10 * time.Second):
		t.Fatal("server did not shut down")
	}
}

func TestServe_BadAddr(t *testing.T) {
	s := New(Config{Addr: "256.0.0.1:-1"})
	err := s.Serve(context.Background())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "failed to listen")
}
