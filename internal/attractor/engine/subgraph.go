package engine

import (
	"context"
	"fmt"
	"strings"

	"github.com/strongdm/attractor/internal/attractor/runtime"
)

// runSubgraphUntil executes a subgraph starting at startNodeID and stops when
// the next hop would enter stopNodeID. The stop node itself is not executed.
// Parallel branches use this to run up to a shared fan-in node. Returns the
// last executed node's outcome, its id, and the ids completed in order.
func runSubgraphUntil(ctx context.Context, eng *Engine, startNodeID, stopNodeID string) (runtime.Outcome, string, []string, error) {
	if eng == nil || eng.Graph == nil {
		return runtime.Outcome{}, "", nil, fmt.Errorf("subgraph engine is nil")
	}
	if strings.TrimSpace(startNodeID) == "" {
		return runtime.Outcome{}, "", nil, fmt.Errorf("start node is required")
	}

	maxSteps := eng.Options.MaxSteps
	if maxSteps <= 0 {
		maxSteps = defaultMaxSteps
	}

	current := startNodeID
	completed := []string{}
	var lastNode string
	var lastOutcome runtime.Outcome

	for step := 0; ; step++ {
		if err := ctx.Err(); err != nil {
			return lastOutcome, lastNode, completed, err
		}
		if step >= maxSteps {
			return lastOutcome, lastNode, completed, fmt.Errorf("subgraph exceeded max steps (%d)", maxSteps)
		}
		if strings.TrimSpace(stopNodeID) != "" && current == stopNodeID {
			return lastOutcome, lastNode, completed, nil
		}

		node := eng.Graph.Nodes[current]
		if node == nil {
			return lastOutcome, lastNode, completed, fmt.Errorf("missing node: %s", current)
		}

		out, err := eng.executeWithRetry(ctx, node)
		if err != nil {
			return lastOutcome, lastNode, completed, err
		}

		completed = append(completed, node.ID)
		eng.Context.ApplyUpdates(out.ContextUpdates)
		eng.Context.Set("outcome", string(out.Status))
		eng.Context.Set("preferred_label", out.PreferredLabel)
		eng.Context.Set("failure_reason", out.FailureReason)
		eng.Context.Set("previous_node", node.ID)
		if werr := eng.RunDir.WriteStatus(node.ID, out); werr != nil {
			eng.warnf("write branch status for %s: %v", node.ID, werr)
		}
		lastNode = node.ID
		lastOutcome = out

		if isExitNode(node) {
			return lastOutcome, lastNode, completed, nil
		}

		next, err := selectNextEdge(eng.Graph, node.ID, out, eng.Context)
		if err != nil {
			return lastOutcome, lastNode, completed, err
		}
		if next == nil {
			return lastOutcome, lastNode, completed, nil
		}
		if strings.TrimSpace(stopNodeID) != "" && next.To == stopNodeID {
			return lastOutcome, lastNode, completed, nil
		}
		current = next.To
	}
}
