package editor

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/leapstack-labs/leapfuse/internal/codec"
	"github.com/leapstack-labs/leapfuse/internal/pipeline"
	"github.com/leapstack-labs/leapfuse/internal/state"
)

// Load replaces the session's pipeline with a stored one. Malformed parts
// of the documents are repaired or dropped and reported as issues; the
// rest of the pipeline loads.
func (s *Session) Load(ctx context.Context, id string) ([]codec.Issue, error) {
	if s.store == nil {
		return nil, ErrNoStore
	}
	b, err := s.store.Load(ctx, id)
	if err != nil {
		return nil, fmt.Errorf("failed to load pipeline %s: %w", id, err)
	}

	issues := s.Hydrate(b.Canvas, b.Config)
	s.id = b.ID
	s.name = b.Name
	s.logger.Info("pipeline loaded",
		slog.String("id", b.ID),
		slog.Int("nodes", s.graph.NodeCount()),
		slog.Int("issues", len(issues)))
	return issues, nil
}

// Hydrate replaces the session's pipeline with one decoded from canvas and
// config documents, then settles every node.
func (s *Session) Hydrate(canvas, config []byte) []codec.Issue {
	g, issues := codec.DecodeJSON(canvas, config, s.registry)
	s.replace(g)
	return issues
}

// HydrateBundle is Hydrate for a single {"canvas":...,"config":...} document.
func (s *Session) HydrateBundle(data []byte) []codec.Issue {
	g, issues := codec.DecodeBundle(data, s.registry)
	s.replace(g)
	return issues
}

func (s *Session) replace(g *pipeline.Graph) {
	if s.previewer != nil {
		s.previewer.CancelAll()
	}
	for _, n := range s.graph.Nodes() {
		if s.previewer != nil {
			s.previewer.Forget(n.ID)
		}
		if s.sampler != nil {
			s.sampler.Forget(n.ID)
		}
	}
	s.graph = g
	changed := s.engine.RecomputeAll(g).Changed
	s.events.broadcast(Event{Type: EventLoaded, Changed: changed})
}

// Export encodes the pipeline as canvas and config documents.
func (s *Session) Export() (canvas, config []byte, err error) {
	return codec.EncodeJSON(s.graph)
}

// ExportBundle encodes the pipeline as one bundle document.
func (s *Session) ExportBundle() ([]byte, error) {
	return codec.EncodeBundle(s.graph)
}

// Save stores the pipeline together with the view statements generated for
// its output nodes. Output nodes that do not compile are left out of the
// query text.
func (s *Session) Save(ctx context.Context) (*state.SaveResult, error) {
	if s.store == nil {
		return nil, ErrNoStore
	}
	canvas, config, err := s.Export()
	if err != nil {
		return nil, fmt.Errorf("failed to encode pipeline: %w", err)
	}

	views, errs := s.CompileViews()
	for _, err := range errs {
		s.logger.Warn("output view skipped", slog.String("error", err.Error()))
	}

	res, err := s.store.Save(ctx, state.SaveRequest{
		ID:        s.id,
		Name:      s.name,
		Canvas:    canvas,
		Config:    config,
		QueryText: views,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to save pipeline: %w", err)
	}

	s.id = res.ID
	s.logger.Info("pipeline saved",
		slog.String("id", res.ID),
		slog.Int("version", res.Version),
		slog.Bool("unchanged", res.Unchanged))
	s.events.broadcast(Event{Type: EventSaved})
	return res, nil
}
