package commands

import (
	"errors"
	"fmt"
	"io"
	"os"

	"github.com/leapstack-labs/leapfuse/internal/cli/output"
	"github.com/leapstack-labs/leapfuse/internal/codec"
	"github.com/leapstack-labs/leapfuse/internal/pipeline"
)

// ErrNodeNotFound is returned when a node reference matches no node.
var ErrNodeNotFound = errors.New("node not found")

// readBundle reads a pipeline bundle file; "-" reads stdin.
func readBundle(path string, stdin io.Reader) ([]byte, error) {
	if path == "-" {
		data, err := io.ReadAll(stdin)
		if err != nil {
			return nil, fmt.Errorf("failed to read pipeline from stdin: %w", err)
		}
		return data, nil
	}
	data, err := os.ReadFile(path) //nolint:gosec // path is user-provided by design
	if err != nil {
		return nil, fmt.Errorf("failed to read pipeline file: %w", err)
	}
	return data, nil
}

// hydrate loads a bundle file into the session and reports decode issues
// as warnings.
func hydrate(cc *CommandContext, path string, stdin io.Reader) ([]codec.Issue, error) {
	data, err := readBundle(path, stdin)
	if err != nil {
		return nil, err
	}
	issues := cc.Session.HydrateBundle(data)
	warnIssues(cc.Renderer, issues)
	return issues, nil
}

func warnIssues(r *output.Renderer, issues []codec.Issue) {
	if r.EffectiveMode() == output.ModeJSON {
		return
	}
	for _, issue := range issues {
		r.Warning(issue.String())
	}
}

// resolveNode finds a node by id, then by name.
func resolveNode(g *pipeline.Graph, ref string) (*pipeline.Node, error) {
	if n, ok := g.Node(ref); ok {
		return n, nil
	}
	if n, ok := g.NodeByName(ref); ok {
		return n, nil
	}
	return nil, fmt.Errorf("%w: %s", ErrNodeNotFound, ref)
}

func kindLabel(n *pipeline.Node) string {
	if k := n.Kind(); k != "" {
		return string(k)
	}
	return "-"
}
