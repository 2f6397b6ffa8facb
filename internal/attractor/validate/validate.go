// Package validate lints a parsed pipeline graph before execution. Errors
// block the run; warnings are advisory and reported alongside.
package validate

import (
	"fmt"
	"sort"
	"strings"

	"github.com/strongdm/attractor/internal/attractor/cond"
	"github.com/strongdm/attractor/internal/attractor/model"
	"github.com/strongdm/attractor/internal/attractor/style"
)

type Severity string

const (
	SeverityError   Severity = "ERROR"
	SeverityWarning Severity = "WARNING"
	SeverityInfo    Severity = "INFO"
)

type Diagnostic struct {
	Rule     string   `json:"rule"`
	Severity Severity `json:"severity"`
	Message  string   `json:"message"`
	NodeID   string   `json:"node_id,omitempty"`
	EdgeFrom string   `json:"edge_from,omitempty"`
	EdgeTo   string   `json:"edge_to,omitempty"`
	Fix      string   `json:"fix,omitempty"`
}

// LintRule is the interface for custom lint rules passed to Validate.
type LintRule interface {
	Name() string
	Apply(g *model.Graph) []Diagnostic
}

// Validate runs all built-in lint rules and any extra rules against the
// graph. Extra rules are appended after the built-in ones.
func Validate(g *model.Graph, extraRules ...LintRule) []Diagnostic {
	var diags []Diagnostic
	if g == nil {
		return []Diagnostic{{Rule: "graph_nil", Severity: SeverityError, Message: "graph is nil"}}
	}

	diags = append(diags, lintStartNode(g)...)
	diags = append(diags, lintExitNode(g)...)
	diags = append(diags, lintEdgeEndpointsExist(g)...)
	diags = append(diags, lintStartNoIncoming(g)...)
	diags = append(diags, lintExitNoOutgoing(g)...)
	diags = append(diags, lintReachability(g)...)
	diags = append(diags, lintConditionSyntax(g)...)
	diags = append(diags, lintStylesheetSyntax(g)...)
	diags = append(diags, lintToolCommandRequired(g)...)
	diags = append(diags, lintRetryTargetsExist(g)...)
	diags = append(diags, lintDuplicateEdges(g)...)
	diags = append(diags, lintAllConditionalEdges(g)...)

	for _, rule := range extraRules {
		if rule != nil {
			diags = append(diags, rule.Apply(g)...)
		}
	}
	return diags
}

// ValidateOrError returns a single error summarizing every ERROR-severity
// diagnostic, or nil when the graph is runnable.
func ValidateOrError(g *model.Graph, extraRules ...LintRule) error {
	diags := Validate(g, extraRules...)
	var errs []string
	for _, d := range diags {
		if d.Severity == SeverityError {
			errs = append(errs, d.Rule+": "+d.Message)
		}
	}
	if len(errs) > 0 {
		return fmt.Errorf("validation failed: %s", strings.Join(errs, "; "))
	}
	return nil
}

// sortedNodeIDs returns node ids in declaration order so diagnostics come
// out deterministically.
func sortedNodeIDs(g *model.Graph) []string {
	ids := make([]string, 0, len(g.Nodes))
	for id := range g.Nodes {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool {
		return g.Nodes[ids[i]].Order < g.Nodes[ids[j]].Order
	})
	return ids
}

func startNodeIDs(g *model.Graph) []string {
	var ids []string
	for _, id := range sortedNodeIDs(g) {
		if g.Nodes[id].HandlerType() == "start" {
			ids = append(ids, id)
		}
	}
	if len(ids) == 0 {
		if _, ok := g.Nodes["start"]; ok {
			ids = append(ids, "start")
		}
	}
	return ids
}

func lintStartNode(g *model.Graph) []Diagnostic {
	ids := startNodeIDs(g)
	if len(ids) != 1 {
		return []Diagnostic{{
			Rule:     "start_node",
			Severity: SeverityError,
			Message:  fmt.Sprintf("pipeline must have exactly one start node (found %d: %v)", len(ids), ids),
		}}
	}
	return nil
}

func lintExitNode(g *model.Graph) []Diagnostic {
	if len(g.ExitNodeIDs()) == 0 {
		return []Diagnostic{{
			Rule:     "terminal_node",
			Severity: SeverityError,
			Message:  "pipeline must have at least one exit node (found 0)",
		}}
	}
	return nil
}

func lintEdgeEndpointsExist(g *model.Graph) []Diagnostic {
	var diags []Diagnostic
	for _, e := range g.Edges {
		if e == nil {
			continue
		}
		if _, ok := g.Nodes[e.From]; !ok {
			diags = append(diags, Diagnostic{
				Rule:     "edge_target_exists",
				Severity: SeverityError,
				Message:  "edge references missing from-node",
				EdgeFrom: e.From,
				EdgeTo:   e.To,
			})
		}
		if _, ok := g.Nodes[e.To]; !ok {
			diags = append(diags, Diagnostic{
				Rule:     "edge_target_exists",
				Severity: SeverityError,
				Message:  "edge references missing to-node",
				EdgeFrom: e.From,
				EdgeTo:   e.To,
			})
		}
	}
	return diags
}

func lintStartNoIncoming(g *model.Graph) []Diagnostic {
	ids := startNodeIDs(g)
	if len(ids) == 0 {
		return nil
	}
	var diags []Diagnostic
	for _, id := range ids {
		if len(g.Incoming(id)) > 0 {
			diags = append(diags, Diagnostic{
				Rule:     "start_no_incoming",
				Severity: SeverityError,
				Message:  "start node must have no incoming edges",
				NodeID:   id,
			})
		}
	}
	return diags
}

func lintExitNoOutgoing(g *model.Graph) []Diagnostic {
	var diags []Diagnostic
	for _, id := range g.ExitNodeIDs() {
		if len(g.Outgoing(id)) > 0 {
			diags = append(diags, Diagnostic{
				Rule:     "exit_no_outgoing",
				Severity: SeverityError,
				Message:  "exit node must have no outgoing edges",
				NodeID:   id,
			})
		}
	}
	return diags
}

func lintReachability(g *model.Graph) []Diagnostic {
	ids := startNodeIDs(g)
	if len(ids) != 1 {
		return nil
	}
	start := ids[0]
	seen := map[string]bool{start: true}
	queue := []string{start}
	for len(queue) > 0 {
		cur := queue[0]
		queue = queue[1:]
		for _, e := range g.Outgoing(cur) {
			if e == nil {
				continue
			}
			if !seen[e.To] {
				seen[e.To] = true
				queue = append(queue, e.To)
			}
		}
	}
	var diags []Diagnostic
	for _, id := range sortedNodeIDs(g) {
		if !seen[id] {
			diags = append(diags, Diagnostic{
				Rule:     "reachability",
				Severity: SeverityError,
				Message:  "node is not reachable from start",
				NodeID:   id,
			})
		}
	}
	return diags
}

// lintConditionSyntax rejects conditions the evaluator cannot parse. The
// runtime treats a malformed condition as false, so an unparseable edge can
// never fire; catching it here is strictly better than routing around it.
func lintConditionSyntax(g *model.Graph) []Diagnostic {
	var diags []Diagnostic
	for _, e := range g.Edges {
		if e == nil {
			continue
		}
		c := strings.TrimSpace(e.Condition)
		if c == "" {
			continue
		}
		if _, err := cond.Parse(c); err != nil {
			diags = append(diags, Diagnostic{
				Rule:     "condition_syntax",
				Severity: SeverityError,
				Message:  err.Error(),
				EdgeFrom: e.From,
				EdgeTo:   e.To,
			})
		}
	}
	return diags
}

func lintStylesheetSyntax(g *model.Graph) []Diagnostic {
	raw := strings.TrimSpace(g.Attr("stylesheet", ""))
	if raw == "" {
		return nil
	}
	if _, err := style.ParseStylesheet(raw); err != nil {
		return []Diagnostic{{
			Rule:     "stylesheet_syntax",
			Severity: SeverityError,
			Message:  err.Error(),
		}}
	}
	return nil
}

func lintToolCommandRequired(g *model.Graph) []Diagnostic {
	var diags []Diagnostic
	for _, id := range sortedNodeIDs(g) {
		n := g.Nodes[id]
		if !nodeResolvesToTool(n) {
			continue
		}
		if strings.TrimSpace(n.Attr("tool_command", "")) != "" {
			continue
		}

		msg := "tool node missing tool_command attribute"
		fix := "set tool_command=\"...\""
		if strings.TrimSpace(n.Attr("command", "")) != "" {
			msg = "tool node uses command attribute; expected tool_command"
			fix = "rename command=... to tool_command=..."
		}

		diags = append(diags, Diagnostic{
			Rule:     "tool_command_required",
			Severity: SeverityError,
			Message:  msg,
			NodeID:   id,
			Fix:      fix,
		})
	}
	return diags
}

// nodeResolvesToTool mirrors handler-type inference but deliberately skips
// the tool_command shortcut: a node is tool-typed by declaration (type or
// shape), and this lint checks it also carries the command to run.
func nodeResolvesToTool(n *model.Node) bool {
	if t := n.TypeOverride(); t != "" {
		return t == "tool"
	}
	return n.Shape() == "parallelogram"
}

func lintRetryTargetsExist(g *model.Graph) []Diagnostic {
	var diags []Diagnostic
	for _, id := range sortedNodeIDs(g) {
		n := g.Nodes[id]
		for _, k := range []string{"retry_target", "fallback_retry_target"} {
			t := strings.TrimSpace(n.Attr(k, ""))
			if t == "" {
				continue
			}
			if _, ok := g.Nodes[t]; !ok {
				diags = append(diags, Diagnostic{
					Rule:     "retry_target_exists",
					Severity: SeverityWarning,
					Message:  fmt.Sprintf("%s references missing node %q", k, t),
					NodeID:   id,
				})
			}
		}
	}
	if t := strings.TrimSpace(g.Attr("fallback_retry_target", "")); t != "" {
		if _, ok := g.Nodes[t]; !ok {
			diags = append(diags, Diagnostic{
				Rule:     "retry_target_exists",
				Severity: SeverityWarning,
				Message:  fmt.Sprintf("graph fallback_retry_target references missing node %q", t),
			})
		}
	}
	return diags
}

func lintDuplicateEdges(g *model.Graph) []Diagnostic {
	var diags []Diagnostic
	seen := map[string]bool{}
	for _, e := range g.Edges {
		if e == nil {
			continue
		}
		key := e.From + "\x00" + e.To + "\x00" + strings.TrimSpace(e.Condition)
		if seen[key] {
			diags = append(diags, Diagnostic{
				Rule:     "duplicate_edge",
				Severity: SeverityWarning,
				Message:  "duplicate edge with identical condition",
				EdgeFrom: e.From,
				EdgeTo:   e.To,
			})
			continue
		}
		seen[key] = true
	}
	return diags
}

// lintAllConditionalEdges warns when a non-terminal node has outgoing edges
// but all are conditional. If no condition matches at runtime the engine has
// no edge to follow and the run fails unless a retry target catches it.
func lintAllConditionalEdges(g *model.Graph) []Diagnostic {
	var diags []Diagnostic
	exitIDs := map[string]bool{}
	for _, id := range g.ExitNodeIDs() {
		exitIDs[id] = true
	}
	startIDs := map[string]bool{}
	for _, id := range startNodeIDs(g) {
		startIDs[id] = true
	}

	for _, id := range sortedNodeIDs(g) {
		if exitIDs[id] || startIDs[id] {
			continue
		}
		edges := g.Outgoing(id)
		if len(edges) == 0 {
			continue // dead ends are caught by reachability/terminal rules
		}
		allConditional := true
		for _, e := range edges {
			if strings.TrimSpace(e.Condition) == "" {
				allConditional = false
				break
			}
		}
		if allConditional {
			diags = append(diags, Diagnostic{
				Rule:     "all_conditional_edges",
				Severity: SeverityWarning,
				NodeID:   id,
				Message:  fmt.Sprintf("node %q has %d outgoing edge(s) but all are conditional; add an unconditional fallback edge to avoid routing gaps", id, len(edges)),
				Fix:      "Add an unconditional edge (no condition attribute) as a fallback route",
			})
		}
	}
	return diags
}

// TypeKnownRule warns when a node's explicit type override is not in the
// set of known handler types. The known types are provided at construction
// time so this package does not depend on the engine's handler registry.
type TypeKnownRule struct {
	KnownTypes map[string]bool
}

func NewTypeKnownRule(knownTypes []string) *TypeKnownRule {
	m := make(map[string]bool, len(knownTypes))
	for _, t := range knownTypes {
		m[t] = true
	}
	return &TypeKnownRule{KnownTypes: m}
}

func (r *TypeKnownRule) Name() string { return "type_known" }

func (r *TypeKnownRule) Apply(g *model.Graph) []Diagnostic {
	var diags []Diagnostic
	for _, id := range sortedNodeIDs(g) {
		n := g.Nodes[id]
		t := n.TypeOverride()
		if t == "" {
			continue
		}
		if !r.KnownTypes[t] {
			diags = append(diags, Diagnostic{
				Rule:     "type_known",
				Severity: SeverityWarning,
				Message:  fmt.Sprintf("node type %q is not recognized by the handler registry", t),
				NodeID:   id,
			})
		}
	}
	return diags
}
