// Package codec converts a pipeline graph to and from its two persisted
// documents: the canvas document (layout) and the config document (logic).
//
// Edges are never serialized; they are rebuilt from each node's sources.
package codec

import (
	"encoding/json"
	"fmt"

	"github.com/leapstack-labs/leapfuse/internal/field"
	"github.com/leapstack-labs/leapfuse/internal/pipeline"
)

// CanvasData holds the view flags of a canvas record.
type CanvasData struct {
	Expand bool `json:"expand"`
}

// CanvasRecord is the layout of one node.
type CanvasRecord struct {
	ID       string            `json:"id"`
	Shape    string            `json:"shape"`
	Position pipeline.Position `json:"position"`
	Data     CanvasData        `json:"data"`
}

// FormulaRecord is one persisted formula. Config holds the type-specific
// parameters.
type FormulaRecord struct {
	ID           string                `json:"id"`
	Type         pipeline.OperatorType `json:"type"`
	Config       json.RawMessage       `json:"config,omitempty"`
	OutputFields []field.Field         `json:"output_fields"`
}

// ConfigRecord is the logic of one node.
type ConfigRecord struct {
	ID           string          `json:"id"`
	Name         string          `json:"name"`
	Sources      []string        `json:"sources"`
	Formula      []FormulaRecord `json:"formula"`
	OutputFields []field.Field   `json:"output_fields"`
	NeedSample   bool            `json:"need_sample,omitempty"`
}

// Documents is the pair of persisted documents. Its JSON form is the
// pipeline bundle {"canvas": [...], "config": [...]}.
type Documents struct {
	Canvas []CanvasRecord `json:"canvas"`
	Config []ConfigRecord `json:"config"`
}

// Issue is a problem found while decoding. Decoding never fails as a whole;
// it degrades per node and reports what it did.
type Issue struct {
	NodeID  string `json:"node_id,omitempty"`
	Message string `json:"message"`
}

func (i Issue) String() string {
	if i.NodeID == "" {
		return i.Message
	}
	return i.NodeID + ": " + i.Message
}

// Encode walks all nodes in insertion order and emits one canvas record and
// one config record per node.
func Encode(g *pipeline.Graph) (Documents, error) {
	nodes := g.Nodes()
	docs := Documents{
		Canvas: make([]CanvasRecord, 0, len(nodes)),
		Config: make([]ConfigRecord, 0, len(nodes)),
	}
	for _, n := range nodes {
		docs.Canvas = append(docs.Canvas, CanvasRecord{
			ID:       n.ID,
			Shape:    n.Shape,
			Position: n.Position,
			Data:     CanvasData{Expand: n.Expanded},
		})

		rec := ConfigRecord{
			ID:           n.ID,
			Name:         n.Name,
			Sources:      nonNil(n.Sources),
			Formula:      make([]FormulaRecord, 0, len(n.Formulas)),
			OutputFields: nonNilFields(n.OutputFields),
			NeedSample:   n.NeedsSample,
		}
		for _, f := range n.Formulas {
			fr, err := encodeFormula(f)
			if err != nil {
				return Documents{}, fmt.Errorf("failed to encode node %s: %w", n.ID, err)
			}
			rec.Formula = append(rec.Formula, fr)
		}
		docs.Config = append(docs.Config, rec)
	}
	return docs, nil
}

func encodeFormula(f *pipeline.Formula) (FormulaRecord, error) {
	fr := FormulaRecord{ID: f.ID, Type: f.Type, OutputFields: nonNilFields(f.OutputFields)}
	if cfg := f.Config(); cfg != nil {
		raw, err := json.Marshal(cfg)
		if err != nil {
			return FormulaRecord{}, fmt.Errorf("failed to marshal %s config of formula %s: %w", f.Type, f.ID, err)
		}
		fr.Config = raw
	}
	return fr, nil
}

// EncodeJSON encodes g into the canvas and config JSON documents.
func EncodeJSON(g *pipeline.Graph) (canvas, config []byte, err error) {
	docs, err := Encode(g)
	if err != nil {
		return nil, nil, err
	}
	if canvas, err = json.Marshal(docs.Canvas); err != nil {
		return nil, nil, fmt.Errorf("failed to marshal canvas document: %w", err)
	}
	if config, err = json.Marshal(docs.Config); err != nil {
		return nil, nil, fmt.Errorf("failed to marshal config document: %w", err)
	}
	return canvas, config, nil
}

// EncodeBundle encodes g as a single bundle document.
func EncodeBundle(g *pipeline.Graph) ([]byte, error) {
	docs, err := Encode(g)
	if err != nil {
		return nil, err
	}
	data, err := json.MarshalIndent(docs, "", "  ")
	if err != nil {
		return nil, fmt.Errorf("failed to marshal bundle: %w", err)
	}
	return data, nil
}

// decodeConfig unmarshals a persisted config into the pointer matching t.
func decodeConfig(f *pipeline.Formula, raw json.RawMessage) error {
	if len(raw) == 0 || string(raw) == "null" {
		return nil
	}
	var target any
	switch f.Type {
	case pipeline.OpSourceTable:
		f.Source = &pipeline.SourceConfig{}
		target = f.Source
	case pipeline.OpFilter:
		f.Filter = &pipeline.FilterConfig{}
		target = f.Filter
	case pipeline.OpJoin:
		f.Join = &pipeline.JoinConfig{}
		target = f.Join
	case pipeline.OpMerge:
		f.Merge = &pipeline.MergeConfig{}
		target = f.Merge
	case pipeline.OpSelect:
		f.Select = &pipeline.SelectConfig{}
		target = f.Select
	case pipeline.OpDistinct:
		f.Distinct = &pipeline.DistinctConfig{}
		target = f.Distinct
	case pipeline.OpRawSQL:
		f.SQL = &pipeline.SQLConfig{}
		target = f.SQL
	case pipeline.OpOutputView:
		f.Output = &pipeline.OutputConfig{}
		target = f.Output
	case pipeline.OpIndicator:
		f.Indicator = &pipeline.IndicatorConfig{}
		target = f.Indicator
	default:
		return fmt.Errorf("unknown operator type %q", f.Type)
	}
	if err := json.Unmarshal(raw, target); err != nil {
		clearConfig(f)
		return fmt.Errorf("failed to decode %s config: %w", f.Type, err)
	}
	return nil
}

func clearConfig(f *pipeline.Formula) {
	*f = pipeline.Formula{ID: f.ID, Type: f.Type, OutputFields: f.OutputFields}
}

func nonNil(s []string) []string {
	if s == nil {
		return []string{}
	}
	return s
}

func nonNilFields(s []field.Field) []field.Field {
	if s == nil {
		return []field.Field{}
	}
	return s
}
