package pipeline

import "fmt"

// Warning is a graph-level finding that does not block editing.
type Warning struct {
	NodeID  string `json:"node_id"`
	Message string `json:"message"`
}

// Lint reports structural smells: leaves that are not output views, nodes
// without formulas, and formula chains that break the ordering rules.
func (g *Graph) Lint() []Warning {
	var warnings []Warning
	leaves := make(map[string]bool)
	for _, id := range g.Leaves() {
		leaves[id] = true
	}

	for _, n := range g.Nodes() {
		if len(n.Formulas) == 0 {
			warnings = append(warnings, Warning{NodeID: n.ID, Message: fmt.Sprintf("node %q has no formulas", n.Name)})
			continue
		}
		if leaves[n.ID] && n.Tail().Type != OpOutputView && len(g.nodes) > 1 {
			warnings = append(warnings, Warning{
				NodeID:  n.ID,
				Message: fmt.Sprintf("node %q has no downstream consumer; only OUTPUT_VIEW may terminate a pipeline", n.Name),
			})
		}
		for _, problem := range ChainProblems(n.Formulas) {
			warnings = append(warnings, Warning{NodeID: n.ID, Message: fmt.Sprintf("node %q: %s", n.Name, problem)})
		}
	}
	return warnings
}

// ChainProblems checks formula ordering: SOURCE_TABLE, JOIN and MERGE may
// only head a chain and OUTPUT_VIEW may only end it.
func ChainProblems(chain []*Formula) []string {
	var problems []string
	for i, f := range chain {
		switch f.Type {
		case OpSourceTable, OpJoin, OpMerge:
			if i > 0 {
				problems = append(problems, fmt.Sprintf("%s must be the first formula of a node", f.Type))
			}
		case OpOutputView:
			if i < len(chain)-1 {
				problems = append(problems, "OUTPUT_VIEW must be the last formula of a node")
			}
		}
	}
	return problems
}
