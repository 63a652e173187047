// Package validate decides whether a proposed edge may be added to a
// pipeline graph. Every check is a pure function over a read-only snapshot.
package validate

import (
	"errors"
	"fmt"
	"sort"
	"strings"

	"github.com/leapstack-labs/leapfuse/internal/pipeline"
)

// Port identifies which side of a node an edge endpoint is attached to.
type Port string

// Ports.
const (
	PortOut Port = "out"
	PortIn  Port = "in"
)

// Rule names one connection rule.
type Rule string

// Rules, in evaluation order.
const (
	RuleUnknownNode     Rule = "unknown-node"
	RuleDirection       Rule = "direction"
	RuleFanIn           Rule = "fan-in"
	RuleRawSQLUpstream  Rule = "raw-sql-upstream"
	RuleCycle           Rule = "cycle"
	RuleDuplicateOrigin Rule = "duplicate-origin"
)

// Sentinel errors matched by errors.Is against a *Rejection.
var (
	ErrUnknownNode     = errors.New("unknown node")
	ErrDirection       = errors.New("edges connect an output port to an input port")
	ErrFanIn           = errors.New("fan-in limit exceeded")
	ErrDuplicateEdge   = errors.New("nodes are already connected")
	ErrRawSQLUpstream  = errors.New("RAW_SQL may not have JOIN or MERGE upstream")
	ErrCycle           = errors.New("connection would create a cycle")
	ErrDuplicateOrigin = errors.New("MERGE branches share a source table")
)

// Candidate is a proposed edge. Empty ports default to out -> in.
type Candidate struct {
	SourceID   string
	SourcePort Port
	TargetID   string
	TargetPort Port
}

// Violation is one broken rule.
type Violation struct {
	Rule   Rule
	Reason string
	Err    error
}

// Rejection is returned when a candidate edge breaks at least one rule.
// Rule and Reason describe the first violation.
type Rejection struct {
	Rule       Rule
	Reason     string
	Violations []Violation
}

func (r *Rejection) Error() string {
	return "connection rejected: " + r.Reason
}

// Unwrap exposes the sentinel of every violated rule to errors.Is.
func (r *Rejection) Unwrap() []error {
	errs := make([]error, 0, len(r.Violations))
	for _, v := range r.Violations {
		errs = append(errs, v.Err)
	}
	return errs
}

// Reasons returns every violation reason in rule order.
func (r *Rejection) Reasons() []string {
	reasons := make([]string, 0, len(r.Violations))
	for _, v := range r.Violations {
		reasons = append(reasons, v.Reason)
	}
	return reasons
}

// FanInCap returns the maximum number of sources a node headed by t accepts,
// or pipeline.Unlimited.
func FanInCap(t pipeline.OperatorType) int {
	_, maxInputs := t.Arity()
	return maxInputs
}

// CheckConnection evaluates every rule against the candidate and returns nil
// when the edge is legal. The graph is never mutated.
func CheckConnection(g pipeline.Reader, c Candidate) error {
	src, srcOK := g.Node(c.SourceID)
	tgt, tgtOK := g.Node(c.TargetID)
	if !srcOK || !tgtOK {
		missing := c.SourceID
		if srcOK {
			missing = c.TargetID
		}
		return reject([]Violation{{
			Rule:   RuleUnknownNode,
			Reason: fmt.Sprintf("node %q does not exist", missing),
			Err:    ErrUnknownNode,
		}})
	}

	var violations []Violation
	add := func(v *Violation) {
		if v != nil {
			violations = append(violations, *v)
		}
	}
	add(checkDirection(c))
	add(checkFanIn(src, tgt))
	add(checkRawSQLUpstream(g, c))
	add(checkCycle(g, c))
	add(checkDuplicateOrigin(g, src, tgt))

	if len(violations) == 0 {
		return nil
	}
	return reject(violations)
}

func reject(violations []Violation) *Rejection {
	return &Rejection{Rule: violations[0].Rule, Reason: violations[0].Reason, Violations: violations}
}

func checkDirection(c Candidate) *Violation {
	srcPort, tgtPort := c.SourcePort, c.TargetPort
	if srcPort == "" {
		srcPort = PortOut
	}
	if tgtPort == "" {
		tgtPort = PortIn
	}
	if srcPort == PortOut && tgtPort == PortIn {
		return nil
	}
	return &Violation{
		Rule:   RuleDirection,
		Reason: fmt.Sprintf("cannot connect %s port to %s port", srcPort, tgtPort),
		Err:    ErrDirection,
	}
}

func checkFanIn(src, tgt *pipeline.Node) *Violation {
	if tgt.HasSource(src.ID) {
		return &Violation{
			Rule:   RuleFanIn,
			Reason: fmt.Sprintf("%q already feeds %q", src.Name, tgt.Name),
			Err:    ErrDuplicateEdge,
		}
	}

	kind := tgt.Kind()
	limit := FanInCap(kind)
	if limit == pipeline.Unlimited || len(tgt.Sources) < limit {
		return nil
	}
	var reason string
	switch limit {
	case 0:
		reason = fmt.Sprintf("%s node %q accepts no inputs", kind, tgt.Name)
	case 1:
		reason = fmt.Sprintf("%s node %q accepts a single input", displayKind(kind), tgt.Name)
	default:
		reason = fmt.Sprintf("%s node %q accepts at most %d inputs", kind, tgt.Name, limit)
	}
	return &Violation{Rule: RuleFanIn, Reason: reason, Err: ErrFanIn}
}

func displayKind(kind pipeline.OperatorType) string {
	if kind == "" {
		return "empty"
	}
	return string(kind)
}

// checkRawSQLUpstream simulates the edge and rescans the ancestor closure of
// the target and of every RAW_SQL node downstream of it.
func checkRawSQLUpstream(g pipeline.Reader, c Candidate) *Violation {
	affected := append([]string{c.TargetID}, g.Descendants(c.TargetID)...)

	// Everything upstream of the source (inclusive) becomes upstream of the
	// target and hence of its descendants.
	injected := append([]string{c.SourceID}, g.Ancestors(c.SourceID)...)

	for _, id := range affected {
		n, ok := g.Node(id)
		if !ok || !n.Contains(pipeline.OpRawSQL) {
			continue
		}
		upstream := append(g.Ancestors(id), injected...)
		if offender := firstRelational(g, upstream); offender != nil {
			return &Violation{
				Rule:   RuleRawSQLUpstream,
				Reason: fmt.Sprintf("RAW_SQL node %q would have %s node %q upstream", n.Name, offender.Kind(), offender.Name),
				Err:    ErrRawSQLUpstream,
			}
		}
	}
	return nil
}

func firstRelational(g pipeline.Reader, ids []string) *pipeline.Node {
	sort.Strings(ids)
	for _, id := range ids {
		n, ok := g.Node(id)
		if !ok {
			continue
		}
		if n.Contains(pipeline.OpJoin) || n.Contains(pipeline.OpMerge) {
			return n
		}
	}
	return nil
}

func checkCycle(g pipeline.Reader, c Candidate) *Violation {
	cyclic, path := g.WouldCycle(c.SourceID, c.TargetID)
	if !cyclic {
		return nil
	}
	names := make([]string, 0, len(path))
	for _, id := range path {
		if n, ok := g.Node(id); ok {
			names = append(names, n.Name)
		} else {
			names = append(names, id)
		}
	}
	return &Violation{
		Rule:   RuleCycle,
		Reason: "connection would create a cycle: " + strings.Join(names, " -> "),
		Err:    ErrCycle,
	}
}

// checkDuplicateOrigin compares the full transitive root-table set of the new
// branch with that of every branch already feeding the MERGE.
func checkDuplicateOrigin(g pipeline.Reader, src, tgt *pipeline.Node) *Violation {
	if tgt.Kind() != pipeline.OpMerge {
		return nil
	}
	incoming := RootTables(g, src.ID)
	if len(incoming) == 0 {
		return nil
	}
	for _, existing := range tgt.Sources {
		if existing == src.ID {
			continue
		}
		for table := range RootTables(g, existing) {
			if _, dup := incoming[table]; dup {
				other, _ := g.Node(existing)
				otherName := existing
				if other != nil {
					otherName = other.Name
				}
				return &Violation{
					Rule:   RuleDuplicateOrigin,
					Reason: fmt.Sprintf("%q and %q both read table %s", src.Name, otherName, table),
					Err:    ErrDuplicateOrigin,
				}
			}
		}
	}
	return nil
}

// RootTables returns the qualified source tables that id ultimately reads,
// lowercased. A SOURCE_TABLE node without a selected table contributes nothing.
func RootTables(g pipeline.Reader, id string) map[string]struct{} {
	tables := make(map[string]struct{})
	for _, nodeID := range append([]string{id}, g.Ancestors(id)...) {
		n, ok := g.Node(nodeID)
		if !ok || n.Kind() != pipeline.OpSourceTable {
			continue
		}
		cfg := n.Formulas[0].Source
		if cfg == nil || cfg.Table == "" {
			continue
		}
		tables[strings.ToLower(cfg.QualifiedTable())] = struct{}{}
	}
	return tables
}
