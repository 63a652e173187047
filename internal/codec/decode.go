package codec

import (
	"encoding/json"
	"fmt"

	"github.com/tidwall/gjson"

	"github.com/leapstack-labs/leapfuse/internal/field"
	"github.com/leapstack-labs/leapfuse/internal/pipeline"
)

// Default layout for nodes that have no canvas record.
const (
	layoutColumns = 4
	layoutStepX   = 260
	layoutStepY   = 160
)

// Decode rebuilds a graph from the two documents. Records are merged by id;
// a canvas record without config becomes an empty placeholder node and a
// config record without canvas gets a default position. Persisted fields
// are resolved through reg, which wins for ids it already knows.
//
// The returned graph has not been propagated; callers run a full
// propagation pass before treating it as ready.
func Decode(docs Documents, reg *field.Registry) (*pipeline.Graph, []Issue) {
	if reg == nil {
		reg = field.NewRegistry()
	}
	d := &decoder{
		g:      pipeline.NewGraph(),
		reg:    reg,
		canvas: make(map[string]CanvasRecord, len(docs.Canvas)),
	}

	for _, rec := range docs.Canvas {
		if rec.ID == "" {
			d.issue("", "canvas record without id skipped")
			continue
		}
		if _, dup := d.canvas[rec.ID]; dup {
			d.issue(rec.ID, "duplicate canvas record ignored")
			continue
		}
		d.canvas[rec.ID] = rec
	}

	seen := make(map[string]bool, len(docs.Config))
	for _, rec := range docs.Config {
		if rec.ID == "" {
			d.issue("", "config record without id skipped")
			continue
		}
		if seen[rec.ID] {
			d.issue(rec.ID, "duplicate config record ignored")
			continue
		}
		seen[rec.ID] = true
		d.insert(d.fromConfig(rec, len(seen)-1))
	}

	for _, rec := range docs.Canvas {
		if rec.ID == "" || seen[rec.ID] {
			continue
		}
		seen[rec.ID] = true
		d.issue(rec.ID, "canvas record has no config; created an empty placeholder")
		d.insert(&pipeline.Node{
			ID:       rec.ID,
			Shape:    rec.Shape,
			Position: rec.Position,
			Expanded: rec.Data.Expand,
		})
	}

	d.repairSources()
	d.breakCycles()
	return d.g, d.issues
}

type decoder struct {
	g      *pipeline.Graph
	reg    *field.Registry
	canvas map[string]CanvasRecord
	issues []Issue
}

func (d *decoder) issue(nodeID, format string, args ...any) {
	d.issues = append(d.issues, Issue{NodeID: nodeID, Message: fmt.Sprintf(format, args...)})
}

func (d *decoder) insert(n *pipeline.Node) {
	wanted := n.Name
	if err := d.g.InsertNode(n); err != nil {
		d.issue(n.ID, "node dropped: %v", err)
		return
	}
	if wanted != "" && n.Name != wanted {
		d.issue(n.ID, "name %q already in use; renamed to %q", wanted, n.Name)
	}
}

func (d *decoder) fromConfig(rec ConfigRecord, index int) *pipeline.Node {
	n := &pipeline.Node{
		ID:           rec.ID,
		Name:         rec.Name,
		NeedsSample:  rec.NeedSample,
		Sources:      append([]string(nil), rec.Sources...),
		OutputFields: d.resolve(rec.OutputFields),
	}

	for i, fr := range rec.Formula {
		f := &pipeline.Formula{ID: fr.ID, Type: fr.Type, OutputFields: d.resolve(fr.OutputFields)}
		if f.ID == "" {
			f.ID = d.g.NewID()
			d.issue(rec.ID, "formula %d had no id; assigned %s", i+1, f.ID)
		}
		if !f.Type.Valid() {
			d.issue(rec.ID, "formula %s has unknown type %q", f.ID, f.Type)
		} else if err := decodeConfig(f, fr.Config); err != nil {
			d.issue(rec.ID, "formula %s: %v", f.ID, err)
		}
		n.Formulas = append(n.Formulas, f)
	}

	if c, ok := d.canvas[rec.ID]; ok {
		n.Shape = c.Shape
		n.Position = c.Position
		n.Expanded = c.Data.Expand
	} else {
		n.Position = pipeline.Position{
			X: float64(index%layoutColumns) * layoutStepX,
			Y: float64(index/layoutColumns) * layoutStepY,
		}
		n.Expanded = true
	}
	if n.Shape == "" {
		n.Shape = n.Kind().Shape()
	}
	return n
}

func (d *decoder) resolve(fields []field.Field) []field.Field {
	if fields == nil {
		return nil
	}
	out := make([]field.Field, 0, len(fields))
	for _, f := range fields {
		out = append(out, d.reg.Adopt(f))
	}
	return out
}

// repairSources drops references to missing nodes, self references and
// repeated sources.
func (d *decoder) repairSources() {
	for _, n := range d.g.Nodes() {
		kept := n.Sources[:0]
		seen := make(map[string]bool, len(n.Sources))
		for _, src := range n.Sources {
			switch {
			case src == n.ID:
				d.issue(n.ID, "self reference removed from sources")
			case seen[src]:
				d.issue(n.ID, "repeated source %s removed", src)
			default:
				if _, ok := d.g.Node(src); !ok {
					d.issue(n.ID, "dangling source %s removed", src)
					continue
				}
				seen[src] = true
				kept = append(kept, src)
			}
		}
		if len(kept) == 0 {
			kept = nil
		}
		n.Sources = kept
	}
}

// breakCycles removes the closing edge of every ring until the graph is acyclic.
func (d *decoder) breakCycles() {
	for {
		cyclic, path := d.g.HasCycle()
		if !cyclic || len(path) < 2 {
			return
		}
		from, to := path[len(path)-2], path[len(path)-1]
		if _, err := d.g.RemoveEdge(pipeline.EdgeID(from, to)); err != nil {
			return
		}
		d.issue(to, "edge from %s removed to break a cycle", from)
	}
}

// DecodeJSON decodes the two JSON documents. Malformed input never aborts
// the load: unreadable records are salvaged by id where possible.
func DecodeJSON(canvas, config []byte, reg *field.Registry) (*pipeline.Graph, []Issue) {
	var docs Documents
	var issues []Issue

	for _, raw := range records(canvas, "canvas", &issues) {
		var rec CanvasRecord
		if err := json.Unmarshal([]byte(raw.Raw), &rec); err != nil {
			rec = CanvasRecord{ID: raw.Get("id").String()}
			issues = append(issues, Issue{NodeID: rec.ID, Message: fmt.Sprintf("malformed canvas record: %v", err)})
		}
		docs.Canvas = append(docs.Canvas, rec)
	}
	for _, raw := range records(config, "config", &issues) {
		var rec ConfigRecord
		if err := json.Unmarshal([]byte(raw.Raw), &rec); err != nil {
			rec = salvageConfig(raw, &issues)
			issues = append(issues, Issue{NodeID: rec.ID, Message: fmt.Sprintf("malformed config record: %v", err)})
		}
		docs.Config = append(docs.Config, rec)
	}

	g, more := Decode(docs, reg)
	return g, append(issues, more...)
}

// DecodeBundle decodes a bundle document {"canvas": [...], "config": [...]}.
func DecodeBundle(data []byte, reg *field.Registry) (*pipeline.Graph, []Issue) {
	var issues []Issue
	if !gjson.ValidBytes(data) {
		issues = append(issues, Issue{Message: "bundle is not valid JSON; salvaging what can be read"})
	}
	root := gjson.ParseBytes(data)
	g, more := DecodeJSON([]byte(root.Get("canvas").Raw), []byte(root.Get("config").Raw), reg)
	return g, append(issues, more...)
}

// records splits a document into its array elements, skipping non-objects.
func records(doc []byte, name string, issues *[]Issue) []gjson.Result {
	if len(doc) == 0 {
		return nil
	}
	if !gjson.ValidBytes(doc) {
		*issues = append(*issues, Issue{Message: name + " document is not valid JSON; salvaging what can be read"})
	}
	root := gjson.ParseBytes(doc)
	if !root.IsArray() {
		if root.Type != gjson.Null {
			*issues = append(*issues, Issue{Message: name + " document is not an array"})
		}
		return nil
	}
	var out []gjson.Result
	for i, el := range root.Array() {
		if !el.IsObject() {
			*issues = append(*issues, Issue{Message: fmt.Sprintf("%s record %d is not an object", name, i+1)})
			continue
		}
		out = append(out, el)
	}
	return out
}

// salvageConfig reads what it can from a config record that failed to
// unmarshal as a whole, formula by formula.
func salvageConfig(raw gjson.Result, issues *[]Issue) ConfigRecord {
	rec := ConfigRecord{
		ID:         raw.Get("id").String(),
		Name:       raw.Get("name").String(),
		NeedSample: raw.Get("need_sample").Bool(),
	}
	for _, s := range raw.Get("sources").Array() {
		if s.Type == gjson.String {
			rec.Sources = append(rec.Sources, s.String())
		}
	}
	for i, fr := range raw.Get("formula").Array() {
		var f FormulaRecord
		if err := json.Unmarshal([]byte(fr.Raw), &f); err != nil {
			*issues = append(*issues, Issue{NodeID: rec.ID, Message: fmt.Sprintf("formula %d unreadable, dropped: %v", i+1, err)})
			continue
		}
		rec.Formula = append(rec.Formula, f)
	}
	return rec
}
