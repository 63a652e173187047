// Package preview runs compiled pipeline queries against an execute engine.
//
// Every request is keyed by node id. Starting a request for a node cancels
// the one already in flight for it, and a completion that arrives after a
// newer request started is reported as ErrSuperseded rather than applied.
package preview

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/leapstack-labs/leapfuse/internal/pipeline"
	"github.com/leapstack-labs/leapfuse/internal/querygen"
)

// DefaultLimit is the page size used when a preview page has none.
const DefaultLimit = 100

// ErrSuperseded is returned for a request whose result was discarded
// because a newer request for the same node started.
var ErrSuperseded = errors.New("preview request superseded")

// Request is the execute-service payload.
type Request struct {
	Canvas    []querygen.Fragment `json:"canvas"`
	SQL       string              `json:"sql"`
	Offset    int                 `json:"offset"`
	Limit     int                 `json:"limit"`
	NeedCount bool                `json:"need_count"`
}

// Column describes one result column.
type Column struct {
	Name string `json:"name"`
	Type string `json:"type"`
}

// Response is the execute-service reply. Count is only filled when the
// request asked for it.
type Response struct {
	Columns []Column `json:"columns"`
	Data    [][]any  `json:"data"`
	Count   int64    `json:"count"`
	Err     string   `json:"err,omitempty"`
}

// Page selects a window of the result.
type Page struct {
	Offset    int
	Limit     int
	NeedCount bool
}

// Executor runs a request against an engine.
type Executor interface {
	Execute(ctx context.Context, req Request) (*Response, error)
}

// ExecutorFunc adapts a function to Executor.
type ExecutorFunc func(ctx context.Context, req Request) (*Response, error)

// Execute calls f.
func (f ExecutorFunc) Execute(ctx context.Context, req Request) (*Response, error) {
	return f(ctx, req)
}

// ExecError is a failure reported by the engine, with a human readable
// description of what went wrong.
type ExecError struct {
	Description string
	Err         error
}

func (e *ExecError) Error() string {
	if e.Err != nil && e.Err.Error() != e.Description {
		return e.Description + ": " + e.Err.Error()
	}
	return e.Description
}

func (e *ExecError) Unwrap() error {
	return e.Err
}

// ErrNoResponse is wrapped by the ExecError returned when an executor
// reports success without a response.
var ErrNoResponse = errors.New("executor returned no response")

// Run executes req on e. An in-band engine error or a missing response is
// returned as an *ExecError.
func Run(ctx context.Context, e Executor, req Request) (*Response, error) {
	resp, err := e.Execute(ctx, req)
	switch {
	case err != nil:
		return nil, err
	case resp == nil:
		return nil, &ExecError{Description: "engine returned no result", Err: ErrNoResponse}
	case resp.Err != "":
		return nil, &ExecError{Description: resp.Err}
	}
	return resp, nil
}

// Result is a settled preview of one node.
type Result struct {
	NodeID   string
	Query    *querygen.Query
	Page     Page
	Response *Response
	Elapsed  time.Duration
}

// Options configures a Previewer.
type Options struct {
	Executor     Executor
	Dialect      *querygen.Dialect
	DefaultLimit int
	Logger       *slog.Logger
}

// Previewer compiles a node and runs it with last-request-wins semantics.
type Previewer struct {
	exec         Executor
	dialect      *querygen.Dialect
	defaultLimit int
	tracker      *Tracker
	logger       *slog.Logger
}

// NewPreviewer creates a Previewer.
func NewPreviewer(opts Options) *Previewer {
	if opts.Logger == nil {
		opts.Logger = slog.New(slog.DiscardHandler)
	}
	if opts.DefaultLimit <= 0 {
		opts.DefaultLimit = DefaultLimit
	}
	return &Previewer{
		exec:         opts.Executor,
		dialect:      opts.Dialect,
		defaultLimit: opts.DefaultLimit,
		tracker:      NewTracker(),
		logger:       opts.Logger,
	}
}

// Preview compiles nodeID's ancestor closure and executes one page of it.
//
// Query generation errors are returned unchanged. When ctx is canceled the
// context error is returned. A request overtaken by a newer one for the same
// node returns ErrSuperseded. Engine failures are returned wrapped, and the
// last good result for the node stays available from Last.
func (p *Previewer) Preview(ctx context.Context, g pipeline.Reader, nodeID string, page Page) (*Result, error) {
	q, err := querygen.Generate(g, nodeID, querygen.Options{Dialect: p.dialect})
	if err != nil {
		return nil, err
	}
	if page.Limit <= 0 {
		page.Limit = p.defaultLimit
	}
	if page.Offset < 0 {
		page.Offset = 0
	}
	req := Request{
		Canvas:    q.Fragments,
		SQL:       q.SQL,
		Offset:    page.Offset,
		Limit:     page.Limit,
		NeedCount: page.NeedCount,
	}

	runCtx, gen := p.tracker.Begin(ctx, nodeID)
	start := time.Now()
	resp, err := Run(runCtx, p.exec, req)

	var res *Result
	if err == nil {
		res = &Result{NodeID: nodeID, Query: q, Page: page, Response: resp, Elapsed: time.Since(start)}
	}
	if ferr := p.tracker.Finish(nodeID, gen, res); ferr != nil {
		p.logger.Debug("preview superseded", slog.String("node", nodeID))
		return nil, ferr
	}
	if err != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		p.logger.Warn("preview failed", slog.String("node", nodeID), slog.String("error", err.Error()))
		return nil, fmt.Errorf("failed to preview node %s: %w", nodeID, err)
	}

	p.logger.Debug("preview done",
		slog.String("node", nodeID),
		slog.Int("rows", len(resp.Data)),
		slog.Duration("elapsed", res.Elapsed))
	return res, nil
}

// Last returns the last successful preview of a node.
func (p *Previewer) Last(nodeID string) (*Result, bool) {
	return p.tracker.Last(nodeID)
}

// Cancel aborts the in-flight preview of a node, if any.
func (p *Previewer) Cancel(nodeID string) {
	p.tracker.Cancel(nodeID)
}

// Forget cancels a node's preview and drops its last result.
func (p *Previewer) Forget(nodeID string) {
	p.tracker.Forget(nodeID)
}

// CancelAll aborts every in-flight preview.
func (p *Previewer) CancelAll() {
	p.tracker.CancelAll()
}
