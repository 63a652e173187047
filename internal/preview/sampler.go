package preview

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/sourcegraph/conc/panics"
	"github.com/sourcegraph/conc/pool"

	"github.com/leapstack-labs/leapfuse/internal/pipeline"
	"github.com/leapstack-labs/leapfuse/internal/querygen"
)

// DefaultSampleLimit is the number of example rows fetched per node.
const DefaultSampleLimit = 20

// SamplerOptions configures a Sampler.
type SamplerOptions struct {
	Executor Executor
	Dialect  *querygen.Dialect
	Limit    int

	// Retries is the number of retries after a transient failure.
	Retries         uint64
	InitialInterval time.Duration

	// OnSample is called from a worker goroutine with every settled sample.
	OnSample func(nodeID string, res *Result)

	Logger *slog.Logger
}

// Sampler fetches example rows for nodes in the background. It satisfies
// the propagation engine's sample scheduler. Failures are logged and never
// surface to the caller.
type Sampler struct {
	exec     Executor
	dialect  *querygen.Dialect
	limit    int
	retries  uint64
	interval time.Duration
	onSample func(string, *Result)
	logger   *slog.Logger

	tracker *Tracker
	ctx     context.Context
	stop    context.CancelFunc

	mu     sync.Mutex
	closed bool
	pool   *pool.Pool
	// inflight holds the SQL of the running fetch per node.
	inflight map[string]string
}

// NewSampler creates a Sampler; Close it to stop its workers.
func NewSampler(opts SamplerOptions) *Sampler {
	if opts.Logger == nil {
		opts.Logger = slog.New(slog.DiscardHandler)
	}
	if opts.Limit <= 0 {
		opts.Limit = DefaultSampleLimit
	}
	if opts.InitialInterval <= 0 {
		opts.InitialInterval = 200 * time.Millisecond
	}
	ctx, stop := context.WithCancel(context.Background())
	return &Sampler{
		exec:     opts.Executor,
		dialect:  opts.Dialect,
		limit:    opts.Limit,
		retries:  opts.Retries,
		interval: opts.InitialInterval,
		onSample: opts.OnSample,
		logger:   opts.Logger,
		tracker:  NewTracker(),
		ctx:      ctx,
		stop:     stop,
		pool:     pool.New(),
		inflight: make(map[string]string),
	}
}

// ScheduleSample compiles nodeID now and fetches its sample asynchronously,
// replacing any fetch already running for the node. Nothing is fetched when
// the node's latest sample, or the fetch in flight, is for the same query.
func (s *Sampler) ScheduleSample(g *pipeline.Graph, nodeID string) {
	q, err := querygen.Generate(g, nodeID, querygen.Options{Dialect: s.dialect})
	if err != nil {
		s.logger.Debug("sample skipped", slog.String("node", nodeID), slog.String("reason", err.Error()))
		return
	}
	req := Request{Canvas: q.Fragments, SQL: q.SQL, Limit: s.limit}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return
	}
	if s.tracker.Pending(nodeID) {
		if s.inflight[nodeID] == q.SQL {
			return
		}
	} else if last, ok := s.tracker.Last(nodeID); ok && last.Query.SQL == q.SQL {
		s.logger.Debug("sample up to date", slog.String("node", nodeID))
		return
	}
	s.inflight[nodeID] = q.SQL
	ctx, gen := s.tracker.Begin(s.ctx, nodeID)
	s.pool.Go(func() {
		s.run(ctx, nodeID, gen, q, req)
	})
}

func (s *Sampler) run(ctx context.Context, nodeID string, gen uint64, q *querygen.Query, req Request) {
	var res *Result
	var err error
	recovered := panics.Try(func() {
		res, err = s.fetch(ctx, nodeID, q, req)
	})
	if recovered != nil {
		err = recovered.AsError()
		res = nil
	}

	if s.tracker.Finish(nodeID, gen, res) != nil {
		return
	}
	if err != nil {
		if ctx.Err() == nil {
			s.logger.Warn("sample failed", slog.String("node", nodeID), slog.String("error", err.Error()))
		}
		return
	}
	if s.onSample != nil {
		s.onSample(nodeID, res)
	}
}

func (s *Sampler) fetch(ctx context.Context, nodeID string, q *querygen.Query, req Request) (*Result, error) {
	policy := backoff.NewExponentialBackOff()
	policy.InitialInterval = s.interval
	attempt := 0
	start := time.Now()

	resp, err := backoff.RetryWithData(func() (*Response, error) {
		attempt++
		resp, err := Run(ctx, s.exec, req)
		if err != nil {
			var execErr *ExecError
			if errors.As(err, &execErr) || ctx.Err() != nil {
				return nil, backoff.Permanent(err)
			}
			s.logger.Debug("sample attempt failed", slog.String("node", nodeID), slog.Int("attempt", attempt), slog.String("error", err.Error()))
			return nil, err
		}
		return resp, nil
	}, backoff.WithContext(backoff.WithMaxRetries(policy, s.retries), ctx))
	if err != nil {
		return nil, err
	}
	return &Result{
		NodeID:   nodeID,
		Query:    q,
		Page:     Page{Limit: req.Limit},
		Response: resp,
		Elapsed:  time.Since(start),
	}, nil
}

// Sample returns the latest example rows of a node.
func (s *Sampler) Sample(nodeID string) (*Result, bool) {
	return s.tracker.Last(nodeID)
}

// Pending reports whether a fetch is running for the node.
func (s *Sampler) Pending(nodeID string) bool {
	return s.tracker.Pending(nodeID)
}

// Forget cancels a node's fetch and drops its sample.
func (s *Sampler) Forget(nodeID string) {
	s.mu.Lock()
	delete(s.inflight, nodeID)
	s.mu.Unlock()
	s.tracker.Forget(nodeID)
}

// Close cancels every fetch and waits for the workers to exit.
func (s *Sampler) Close() {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	s.closed = true
	s.mu.Unlock()

	s.stop()
	s.pool.Wait()
}
