// Package editor is the validated mutation API over one open pipeline.
//
// A Session owns a graph and its field registry. Every structural edit goes
// through the session, which gates new edges with the connection validator,
// runs propagation until the graph settles and then notifies subscribers.
// Sessions are not safe for concurrent mutation: edits must be serialized by
// the caller, one completing before the next begins.
package editor

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/leapstack-labs/leapfuse/internal/catalog"
	"github.com/leapstack-labs/leapfuse/internal/field"
	"github.com/leapstack-labs/leapfuse/internal/pipeline"
	"github.com/leapstack-labs/leapfuse/internal/preview"
	"github.com/leapstack-labs/leapfuse/internal/propagate"
	"github.com/leapstack-labs/leapfuse/internal/querygen"
	"github.com/leapstack-labs/leapfuse/internal/state"
	"github.com/leapstack-labs/leapfuse/internal/validate"
)

// Sentinel errors.
var (
	ErrNoStore    = errors.New("no pipeline store configured")
	ErrNoCatalog  = errors.New("no catalog configured")
	ErrNoExecutor = errors.New("no query executor configured")
)

// Store loads and saves pipeline documents.
type Store interface {
	Load(ctx context.Context, id string) (*state.Bundle, error)
	Save(ctx context.Context, req state.SaveRequest) (*state.SaveResult, error)
}

// Options configures a Session.
type Options struct {
	// Registry resolves field identity (optional, a new one is created if nil).
	Registry *field.Registry
	Store    Store
	Catalog  catalog.Catalog

	// Executor runs previews and samples (optional).
	Executor     preview.Executor
	Dialect      *querygen.Dialect
	PreviewLimit int

	// Sampling enables background example-data fetches for nodes that ask
	// for them. Requires Executor.
	Sampling      bool
	SampleLimit   int
	SampleRetries uint64

	// EventBuffer is the channel capacity of each subscription.
	EventBuffer int

	// Logger is the structured logger (optional, uses discard if nil)
	Logger *slog.Logger
}

// Session is one open pipeline.
type Session struct {
	id   string
	name string

	graph    *pipeline.Graph
	registry *field.Registry
	engine   *propagate.Engine

	store     Store
	catalog   catalog.Catalog
	dialect   *querygen.Dialect
	previewer *preview.Previewer
	sampler   *preview.Sampler

	events *notifier
	logger *slog.Logger
}

// New creates a session over an empty pipeline.
func New(opts Options) *Session {
	logger := opts.Logger
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	registry := opts.Registry
	if registry == nil {
		registry = field.NewRegistry()
	}
	dialect := opts.Dialect
	if dialect == nil {
		dialect = querygen.ANSI
	}

	s := &Session{
		graph:    pipeline.NewGraph(),
		registry: registry,
		store:    opts.Store,
		catalog:  opts.Catalog,
		dialect:  dialect,
		events:   newNotifier(opts.EventBuffer),
		logger:   logger,
	}
	s.engine = propagate.New(propagate.Config{Registry: registry, Logger: logger})

	if opts.Executor != nil {
		s.previewer = preview.NewPreviewer(preview.Options{
			Executor:     opts.Executor,
			Dialect:      dialect,
			DefaultLimit: opts.PreviewLimit,
			Logger:       logger,
		})
		if opts.Sampling {
			s.sampler = preview.NewSampler(preview.SamplerOptions{
				Executor: opts.Executor,
				Dialect:  dialect,
				Limit:    opts.SampleLimit,
				Retries:  opts.SampleRetries,
				OnSample: func(nodeID string, res *preview.Result) {
					s.events.broadcast(Event{Type: EventSample, NodeID: nodeID, Sample: res})
				},
				Logger: logger,
			})
			s.engine.SetSampler(s.sampler)
		}
	}
	return s
}

// Close cancels background work and closes every subscription.
func (s *Session) Close() {
	if s.previewer != nil {
		s.previewer.CancelAll()
	}
	if s.sampler != nil {
		s.sampler.Close()
	}
	s.events.closeAll()
}

// ID returns the stored pipeline id, empty until the pipeline is saved or
// loaded.
func (s *Session) ID() string { return s.id }

// Name returns the pipeline name.
func (s *Session) Name() string { return s.name }

// SetName sets the name the pipeline is saved under.
func (s *Session) SetName(name string) { s.name = name }

// Graph returns a read-only view of the pipeline.
func (s *Session) Graph() pipeline.Reader { return s.graph }

// Snapshot returns a deep copy of the pipeline graph.
func (s *Session) Snapshot() *pipeline.Graph { return s.graph.Clone() }

// Registry returns the session's field registry.
func (s *Session) Registry() *field.Registry { return s.registry }

// Subscribe returns a channel receiving every settled change. Sample events
// arrive from worker goroutines. Call Unsubscribe when done.
func (s *Session) Subscribe() <-chan Event {
	return s.events.subscribe()
}

// Unsubscribe stops and closes a subscription.
func (s *Session) Unsubscribe(ch <-chan Event) {
	s.events.mu.RLock()
	var match chan Event
	for l := range s.events.listeners {
		if (<-chan Event)(l) == ch {
			match = l
			break
		}
	}
	s.events.mu.RUnlock()
	if match != nil {
		s.events.unsubscribe(match)
	}
}

func (s *Session) recompute(ids ...string) []string {
	return s.engine.Recompute(s.graph, ids...).Changed
}

// AddNode adds a node built from seed and settles it.
func (s *Session) AddNode(seed pipeline.Seed, pos pipeline.Position) (*pipeline.Node, error) {
	n, err := s.graph.AddNode(seed, pos)
	if err != nil {
		return nil, fmt.Errorf("failed to add node: %w", err)
	}
	changed := s.recompute(n.ID)
	s.logger.Debug("node added", slog.String("node", n.ID), slog.String("name", n.Name))
	s.events.broadcast(Event{Type: EventNodeAdded, NodeID: n.ID, Changed: changed})
	return n, nil
}

// AddSourceTable adds a SOURCE_TABLE node reading a catalog table. The node
// asks for example data.
func (s *Session) AddSourceTable(ctx context.Context, datasource, table string, pos pipeline.Position) (*pipeline.Node, error) {
	if s.catalog == nil {
		return nil, ErrNoCatalog
	}
	t, err := s.catalog.Describe(ctx, datasource, table)
	if err != nil {
		return nil, fmt.Errorf("failed to describe %s.%s: %w", datasource, table, err)
	}
	return s.AddNode(pipeline.Seed{
		Name:        t.Name,
		NeedsSample: true,
		Formulas: []*pipeline.Formula{{
			Type:   pipeline.OpSourceTable,
			Source: &pipeline.SourceConfig{Table: t.Relation, Fields: t.Fields},
		}},
	}, pos)
}

// RemoveNode deletes a node and every edge touching it, then re-propagates
// the nodes it fed.
func (s *Session) RemoveNode(id string) error {
	targets, err := s.graph.RemoveNode(id)
	if err != nil {
		return fmt.Errorf("failed to remove node: %w", err)
	}
	if s.previewer != nil {
		s.previewer.Forget(id)
	}
	if s.sampler != nil {
		s.sampler.Forget(id)
	}
	changed := s.recompute(targets...)
	s.logger.Debug("node removed", slog.String("node", id), slog.Int("targets", len(targets)))
	s.events.broadcast(Event{Type: EventNodeRemoved, NodeID: id, Changed: changed})
	return nil
}

// Connect adds the edge source -> target if the connection validator allows
// it. A rejected edge leaves the graph untouched and returns a
// *validate.Rejection.
func (s *Session) Connect(sourceID, targetID string) (pipeline.Edge, error) {
	return s.ConnectPorts(validate.Candidate{
		SourceID:   sourceID,
		SourcePort: validate.PortOut,
		TargetID:   targetID,
		TargetPort: validate.PortIn,
	})
}

// ConnectPorts is Connect with explicit ports.
func (s *Session) ConnectPorts(c validate.Candidate) (pipeline.Edge, error) {
	if err := validate.CheckConnection(s.graph, c); err != nil {
		return pipeline.Edge{}, err
	}
	e, err := s.graph.AddEdge(c.SourceID, c.TargetID)
	if err != nil {
		return pipeline.Edge{}, fmt.Errorf("failed to add edge: %w", err)
	}
	changed := s.recompute(c.TargetID)
	s.events.broadcast(Event{Type: EventEdgeAdded, NodeID: c.TargetID, Edge: &e, Changed: changed})
	return e, nil
}

// Disconnect removes an edge and re-propagates its former target.
func (s *Session) Disconnect(edgeID string) error {
	e, err := s.graph.RemoveEdge(edgeID)
	if err != nil {
		return fmt.Errorf("failed to remove edge: %w", err)
	}
	changed := s.recompute(e.Target)
	s.events.broadcast(Event{Type: EventEdgeRemoved, NodeID: e.Target, Edge: &e, Changed: changed})
	return nil
}

// SetFormulas replaces a node's formula chain and re-propagates it and its
// descendants.
func (s *Session) SetFormulas(id string, formulas ...*pipeline.Formula) error {
	if err := s.graph.SetFormulas(id, formulas); err != nil {
		return fmt.Errorf("failed to set formulas: %w", err)
	}
	changed := s.recompute(id)
	s.events.broadcast(Event{Type: EventNodeUpdated, NodeID: id, Changed: changed})
	return nil
}

// SetNeedsSample toggles example-data fetching for a node.
func (s *Session) SetNeedsSample(id string, on bool) error {
	n, ok := s.graph.Node(id)
	if !ok {
		return fmt.Errorf("node %q: %w", id, pipeline.ErrNodeNotFound)
	}
	n.NeedsSample = on
	if !on && s.sampler != nil {
		s.sampler.Forget(id)
	}
	changed := s.recompute(id)
	s.events.broadcast(Event{Type: EventNodeUpdated, NodeID: id, Changed: changed})
	return nil
}

// Rename changes a node's name. RAW_SQL nodes referring to the old name stop
// compiling until their text is updated.
func (s *Session) Rename(id, name string) error {
	if err := s.graph.Rename(id, name); err != nil {
		return fmt.Errorf("failed to rename node: %w", err)
	}
	s.events.broadcast(Event{Type: EventNodeUpdated, NodeID: id})
	return nil
}

// RenameField changes a field's display name everywhere it appears. The
// field id is kept.
func (s *Session) RenameField(fieldID, displayName string) error {
	if err := s.registry.Rename(fieldID, displayName); err != nil {
		return fmt.Errorf("failed to rename field: %w", err)
	}
	changed := s.engine.RecomputeAll(s.graph).Changed
	s.events.broadcast(Event{Type: EventFieldRenamed, Changed: changed})
	return nil
}

// Move sets a node's canvas position.
func (s *Session) Move(id string, pos pipeline.Position) error {
	if err := s.graph.Move(id, pos); err != nil {
		return fmt.Errorf("failed to move node: %w", err)
	}
	s.events.broadcast(Event{Type: EventNodeMoved, NodeID: id})
	return nil
}

// Lint returns graph-level warnings.
func (s *Session) Lint() []pipeline.Warning {
	return s.graph.Lint()
}

// Compile generates the query for a node's ancestor closure.
func (s *Session) Compile(nodeID string) (*querygen.Query, error) {
	return querygen.Generate(s.graph, nodeID, querygen.Options{Dialect: s.dialect})
}

// CompileViews renders the CREATE VIEW statements of every output node.
func (s *Session) CompileViews() (string, []error) {
	return querygen.CompileViews(s.graph, querygen.Options{Dialect: s.dialect})
}

// Preview runs one page of a node's query. Cancellation and supersession
// are returned as context.Canceled and preview.ErrSuperseded; callers
// usually ignore both.
func (s *Session) Preview(ctx context.Context, nodeID string, page preview.Page) (*preview.Result, error) {
	if s.previewer == nil {
		return nil, ErrNoExecutor
	}
	return s.previewer.Preview(ctx, s.graph, nodeID, page)
}

// LastPreview returns the last successful preview of a node.
func (s *Session) LastPreview(nodeID string) (*preview.Result, bool) {
	if s.previewer == nil {
		return nil, false
	}
	return s.previewer.Last(nodeID)
}

// Sample returns the latest example rows of a node.
func (s *Session) Sample(nodeID string) (*preview.Result, bool) {
	if s.sampler == nil {
		return nil, false
	}
	return s.sampler.Sample(nodeID)
}
