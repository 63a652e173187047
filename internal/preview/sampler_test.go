package preview

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/leapstack-labs/leapfuse/internal/pipeline"
	"github.com/leapstack-labs/leapfuse/internal/testutil"
)

type sampleSink struct {
	mu   sync.Mutex
	got  map[string]*Result
	done chan string
}

func newSink() *sampleSink {
	return &sampleSink{got: make(map[string]*Result), done: make(chan string, 16)}
}

func (s *sampleSink) record(nodeID string, res *Result) {
	s.mu.Lock()
	s.got[nodeID] = res
	s.mu.Unlock()
	s.done <- nodeID
}

func (s *sampleSink) wait(t *testing.T) string {
	t.Helper()
	select {
	case id := <-s.done:
		return id
	case <-time.After(5 * time.Second):
		t.Fatal("no sample arrived")
		return ""
	}
}

func newTestSampler(t *testing.T, exec Executor, sink *sampleSink) *Sampler {
	s := NewSampler(SamplerOptions{
		Executor:        exec,
		Limit:           5,
		Retries:         3,
		InitialInterval: time.Millisecond,
		OnSample:        sink.record,
		Logger:          testutil.NewTestLogger(t),
	})
	t.Cleanup(s.Close)
	return s
}

func TestSampler_RetriesTransientFailures(t *testing.T) {
	defer verifyNone(t)
	p, eng := joinGraph(t)
	id := p.Get("report").ID

	var calls atomic.Int32
	sink := newSink()
	s := newTestSampler(t, ExecutorFunc(func(_ context.Context, req Request) (*Response, error) {
		assert.Equal(t, 5, req.Limit)
		if calls.Add(1) < 3 {
			return nil, errors.New("connection refused")
		}
		return okResponse([]any{1}), nil
	}), sink)

	eng.SetSampler(s)
	p.Get("report").NeedsSample = true
	eng.Recompute(p.Graph, id)

	assert.Equal(t, id, sink.wait(t))
	assert.Equal(t, int32(3), calls.Load())
	res, ok := s.Sample(id)
	require.True(t, ok)
	assert.Len(t, res.Response.Data, 1)
	s.Close()
}

func TestSampler_EngineErrorsAreNotRetried(t *testing.T) {
	defer verifyNone(t)
	p, _ := joinGraph(t)
	id := p.Get("report").ID

	var calls atomic.Int32
	s := newTestSampler(t, ExecutorFunc(func(context.Context, Request) (*Response, error) {
		calls.Add(1)
		return &Response{Err: "Catalog Error: table not found"}, nil
	}), newSink())

	s.ScheduleSample(p.Graph, id)
	require.Eventually(t, func() bool { return !s.Pending(id) }, 5*time.Second, time.Millisecond)
	assert.Equal(t, int32(1), calls.Load())
	_, ok := s.Sample(id)
	assert.False(t, ok)
	s.Close()
}

func TestSampler_NilResponseIsNotRetried(t *testing.T) {
	defer verifyNone(t)
	p, _ := joinGraph(t)
	id := p.Get("report").ID

	var calls atomic.Int32
	s := newTestSampler(t, ExecutorFunc(func(context.Context, Request) (*Response, error) {
		calls.Add(1)
		return nil, nil
	}), newSink())

	s.ScheduleSample(p.Graph, id)
	require.Eventually(t, func() bool { return !s.Pending(id) }, 5*time.Second, time.Millisecond)
	assert.Equal(t, int32(1), calls.Load())
	_, ok := s.Sample(id)
	assert.False(t, ok)
	s.Close()
}

func TestSampler_RescheduleSupersedes(t *testing.T) {
	defer verifyNone(t)
	p, _ := joinGraph(t)
	id := p.Get("report").ID

	started := make(chan struct{})
	var calls atomic.Int32
	sink := newSink()
	s := newTestSampler(t, ExecutorFunc(func(ctx context.Context, _ Request) (*Response, error) {
		if calls.Add(1) == 1 {
			close(started)
			<-ctx.Done()
			return nil, ctx.Err()
		}
		return okResponse([]any{"second"}), nil
	}), sink)

	s.ScheduleSample(p.Graph, id)
	<-started
	s.ScheduleSample(p.Graph, id)
	assert.Equal(t, int32(1), calls.Load(), "same query while in flight")

	p.Get("joined").Formulas[0].Join.Kind = pipeline.JoinLeft
	s.ScheduleSample(p.Graph, id)

	assert.Equal(t, id, sink.wait(t))
	res, ok := s.Sample(id)
	require.True(t, ok)
	assert.Equal(t, "second", res.Response.Data[0][0])
	s.Close()

	select {
	case extra := <-sink.done:
		t.Fatalf("superseded sample delivered for %s", extra)
	default:
	}
}

func TestSampler_SkipsUpToDateSamples(t *testing.T) {
	defer verifyNone(t)
	p, _ := joinGraph(t)
	id := p.Get("report").ID

	var calls atomic.Int32
	sink := newSink()
	s := newTestSampler(t, ExecutorFunc(func(context.Context, Request) (*Response, error) {
		calls.Add(1)
		return okResponse([]any{1}), nil
	}), sink)

	s.ScheduleSample(p.Graph, id)
	sink.wait(t)
	s.ScheduleSample(p.Graph, id)
	assert.False(t, s.Pending(id))
	assert.Equal(t, int32(1), calls.Load())

	p.Get("joined").Formulas[0].Join.Kind = pipeline.JoinLeft
	s.ScheduleSample(p.Graph, id)
	sink.wait(t)
	assert.Equal(t, int32(2), calls.Load())

	s.Forget(id)
	s.ScheduleSample(p.Graph, id)
	sink.wait(t)
	assert.Equal(t, int32(3), calls.Load())
	s.Close()
}

func TestSampler_SkipsNonExecutableNodes(t *testing.T) {
	p := testutil.NewPipeline(t)
	n := p.Node("empty")

	var calls atomic.Int32
	s := newTestSampler(t, ExecutorFunc(func(context.Context, Request) (*Response, error) {
		calls.Add(1)
		return okResponse(), nil
	}), newSink())

	s.ScheduleSample(p.Graph, n.ID)
	s.Close()
	assert.Zero(t, calls.Load())
	assert.False(t, s.Pending(n.ID))
}

func TestSampler_CloseCancelsAndRecoversPanics(t *testing.T) {
	defer verifyNone(t)
	p, _ := joinGraph(t)

	blocked := make(chan struct{})
	s := newTestSampler(t, ExecutorFunc(func(ctx context.Context, req Request) (*Response, error) {
		if req.Canvas[len(req.Canvas)-1].Name == "orders" {
			panic("boom")
		}
		close(blocked)
		<-ctx.Done()
		return nil, ctx.Err()
	}), newSink())

	s.ScheduleSample(p.Graph, p.Get("orders").ID)
	s.ScheduleSample(p.Graph, p.Get("report").ID)
	<-blocked

	require.NotPanics(t, s.Close)
	s.ScheduleSample(p.Graph, p.Get("report").ID)
	assert.False(t, s.Pending(p.Get("report").ID))
}
