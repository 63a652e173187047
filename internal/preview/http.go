package preview

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/hashicorp/go-retryablehttp"
	"github.com/tidwall/gjson"
)

const maxResponseBytes = 64 << 20

// HTTPOptions configures an HTTPExecutor.
type HTTPOptions struct {
	// URL of the execute endpoint, e.g. http://localhost:8080/execute.
	URL      string
	Timeout  time.Duration
	RetryMax int

	// Retry waits; zero keeps the client defaults.
	RetryWaitMin time.Duration
	RetryWaitMax time.Duration

	Logger *slog.Logger
}

// HTTPExecutor posts requests to a remote execute service, retrying
// connection errors and 5xx replies.
type HTTPExecutor struct {
	client *retryablehttp.Client
	url    string
}

// NewHTTPExecutor creates a client for the execute service.
func NewHTTPExecutor(opts HTTPOptions) *HTTPExecutor {
	client := retryablehttp.NewClient()
	client.RetryMax = opts.RetryMax
	if opts.RetryWaitMin > 0 {
		client.RetryWaitMin = opts.RetryWaitMin
	}
	if opts.RetryWaitMax > 0 {
		client.RetryWaitMax = opts.RetryWaitMax
	}
	if opts.Timeout > 0 {
		client.HTTPClient.Timeout = opts.Timeout
	}
	if opts.Logger != nil {
		client.Logger = opts.Logger
	} else {
		client.Logger = nil
	}
	return &HTTPExecutor{client: client, url: opts.URL}
}

// Execute implements Executor.
func (e *HTTPExecutor) Execute(ctx context.Context, req Request) (*Response, error) {
	payload, err := json.Marshal(req)
	if err != nil {
		return nil, fmt.Errorf("failed to encode execute request: %w", err)
	}
	hreq, err := retryablehttp.NewRequestWithContext(ctx, http.MethodPost, e.url, bytes.NewReader(payload))
	if err != nil {
		return nil, fmt.Errorf("failed to build execute request: %w", err)
	}
	hreq.Header.Set("Content-Type", "application/json")
	hreq.Header.Set("Accept", "application/json")

	hresp, err := e.client.Do(hreq)
	if err != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		return nil, fmt.Errorf("failed to call execute service: %w", err)
	}
	defer func() { _ = hresp.Body.Close() }()

	body, err := io.ReadAll(io.LimitReader(hresp.Body, maxResponseBytes))
	if err != nil {
		return nil, fmt.Errorf("failed to read execute response: %w", err)
	}

	if hresp.StatusCode >= http.StatusBadRequest {
		desc := gjson.GetBytes(body, "err").String()
		if desc == "" {
			desc = strings.TrimSpace(string(body))
		}
		if desc == "" {
			desc = http.StatusText(hresp.StatusCode)
		}
		return nil, &ExecError{Description: desc, Err: fmt.Errorf("execute service returned %d", hresp.StatusCode)}
	}

	var out Response
	if err := json.Unmarshal(body, &out); err != nil {
		return nil, fmt.Errorf("failed to decode execute response: %w", err)
	}
	if out.Err != "" {
		return nil, &ExecError{Description: out.Err}
	}
	if out.Data == nil {
		out.Data = [][]any{}
	}
	return &out, nil
}
