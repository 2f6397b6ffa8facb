// Package model defines the in-memory pipeline graph: nodes, edges, and the
// attribute plumbing the engine routes on. A Graph is built once (by the dot
// loader or programmatically) and is read-only for the duration of a run.
package model

import (
	"fmt"
	"strconv"
	"strings"
	"time"
)

// Node is a unit of work. Attribute values are stored as strings and parsed
// at the point of use via the typed accessors.
type Node struct {
	ID      string
	Attrs   map[string]string
	Classes []string
	Order   int
}

func NewNode(id string) *Node {
	return &Node{ID: id, Attrs: map[string]string{}}
}

// Attr returns the raw attribute value, or def when the key is absent.
func (n *Node) Attr(key, def string) string {
	if n == nil {
		return def
	}
	if v, ok := n.Attrs[key]; ok {
		return v
	}
	return def
}

// AttrBool parses a boolean attribute ("true"/"1"/"yes" and friends).
func (n *Node) AttrBool(key string, def bool) bool {
	v := strings.ToLower(strings.TrimSpace(n.Attr(key, "")))
	switch v {
	case "true", "1", "yes", "y", "on":
		return true
	case "false", "0", "no", "n", "off":
		return false
	default:
		return def
	}
}

// AttrInt parses an integer attribute, returning def on absence or garbage.
func (n *Node) AttrInt(key string, def int) int {
	v := strings.TrimSpace(n.Attr(key, ""))
	if v == "" {
		return def
	}
	i, err := strconv.Atoi(v)
	if err != nil {
		return def
	}
	return i
}

// AttrFloat parses a numeric attribute, returning def on absence or garbage.
func (n *Node) AttrFloat(key string, def float64) float64 {
	v := strings.TrimSpace(n.Attr(key, ""))
	if v == "" {
		return def
	}
	f, err := strconv.ParseFloat(v, 64)
	if err != nil {
		return def
	}
	return f
}

// AttrDuration parses a duration attribute via ParseDuration. Absence or a
// malformed value yields def.
func (n *Node) AttrDuration(key string, def time.Duration) time.Duration {
	v := strings.TrimSpace(n.Attr(key, ""))
	if v == "" {
		return def
	}
	d, err := ParseDuration(v)
	if err != nil {
		return def
	}
	return d
}

func (n *Node) Shape() string {
	return n.Attr("shape", "")
}

// TypeOverride returns the explicit handler type declared via the `type`
// attribute, or "" when the node relies on inference.
func (n *Node) TypeOverride() string {
	return strings.TrimSpace(n.Attr("type", ""))
}

// HandlerType resolves the handler type the registry dispatches on:
// the `type` attribute verbatim when present, then attribute-shape
// inference (a `tool_command` makes the node a tool), then the DOT shape
// mapping, and finally the codergen default.
func (n *Node) HandlerType() string {
	if t := n.TypeOverride(); t != "" {
		return t
	}
	if strings.TrimSpace(n.Attr("tool_command", "")) != "" {
		return "tool"
	}
	return shapeHandlerType(n.Shape())
}

func shapeHandlerType(shape string) string {
	switch shape {
	case "Mdiamond", "circle":
		return "start"
	case "Msquare", "doublecircle":
		return "exit"
	case "box":
		return "codergen"
	case "hexagon":
		return "wait.human"
	case "diamond":
		return "conditional"
	case "component":
		return "parallel"
	case "tripleoctagon":
		return "parallel.fan_in"
	case "parallelogram":
		return "tool"
	default:
		return "codergen"
	}
}

// ClassList returns the node's classes: subgraph-derived entries plus any
// whitespace-separated tokens in the `class` attribute, deduplicated in
// order of appearance.
func (n *Node) ClassList() []string {
	if n == nil {
		return nil
	}
	var out []string
	seen := map[string]struct{}{}
	add := func(c string) {
		c = strings.TrimSpace(c)
		if c == "" {
			return
		}
		if _, ok := seen[c]; ok {
			return
		}
		seen[c] = struct{}{}
		out = append(out, c)
	}
	for _, c := range n.Classes {
		add(c)
	}
	for _, c := range strings.Fields(n.Attr("class", "")) {
		add(c)
	}
	return out
}

func (n *Node) HasClass(class string) bool {
	for _, c := range n.ClassList() {
		if c == class {
			return true
		}
	}
	return false
}

// Edge is a directed transition. Weight, Condition, and Label are
// materialized from Attrs when the edge is added to a Graph; higher weight
// is preferred, an empty condition means unconditional.
type Edge struct {
	From      string
	To        string
	Weight    float64
	Condition string
	Label     string
	Attrs     map[string]string
	Order     int
}

func NewEdge(from, to string) *Edge {
	return &Edge{From: from, To: to, Attrs: map[string]string{}}
}

func (e *Edge) syncFromAttrs() {
	if v, ok := e.Attrs["weight"]; ok {
		if f, err := strconv.ParseFloat(strings.TrimSpace(v), 64); err == nil {
			e.Weight = f
		}
	}
	if v, ok := e.Attrs["condition"]; ok {
		e.Condition = v
	}
	if v, ok := e.Attrs["label"]; ok {
		e.Label = v
	}
}

// Graph is the static pipeline definition.
type Graph struct {
	Name  string
	Attrs map[string]string
	Nodes map[string]*Node
	Edges []*Edge
}

func NewGraph(name string) *Graph {
	return &Graph{
		Name:  name,
		Attrs: map[string]string{},
		Nodes: map[string]*Node{},
	}
}

// Attr returns a graph-level attribute, or def when absent.
func (g *Graph) Attr(key, def string) string {
	if g == nil {
		return def
	}
	if v, ok := g.Attrs[key]; ok {
		return v
	}
	return def
}

// AddNode registers a node. Re-declaring an existing id merges attributes
// and classes into the original (DOT semantics), keeping its Order.
func (g *Graph) AddNode(n *Node) error {
	if n == nil || strings.TrimSpace(n.ID) == "" {
		return fmt.Errorf("model: node id must be non-empty")
	}
	if existing, ok := g.Nodes[n.ID]; ok {
		for k, v := range n.Attrs {
			existing.Attrs[k] = v
		}
		for _, c := range n.Classes {
			if !existing.HasClass(c) {
				existing.Classes = append(existing.Classes, c)
			}
		}
		return nil
	}
	g.Nodes[n.ID] = n
	return nil
}

// AddEdge appends an edge in declaration order. Endpoints are not required
// to exist yet; the validate package reports dangling targets.
func (g *Graph) AddEdge(e *Edge) error {
	if e == nil {
		return fmt.Errorf("model: edge must be non-nil")
	}
	if strings.TrimSpace(e.From) == "" || strings.TrimSpace(e.To) == "" {
		return fmt.Errorf("model: edge endpoints must be non-empty (%q -> %q)", e.From, e.To)
	}
	e.Order = len(g.Edges)
	e.syncFromAttrs()
	g.Edges = append(g.Edges, e)
	return nil
}

// Outgoing returns all edges leaving nodeID in declaration order. Unknown
// ids simply have no edges.
func (g *Graph) Outgoing(nodeID string) []*Edge {
	var out []*Edge
	for _, e := range g.Edges {
		if e != nil && e.From == nodeID {
			out = append(out, e)
		}
	}
	return out
}

// Incoming returns all edges entering nodeID in declaration order.
func (g *Graph) Incoming(nodeID string) []*Edge {
	var out []*Edge
	for _, e := range g.Edges {
		if e != nil && e.To == nodeID {
			out = append(out, e)
		}
	}
	return out
}

// StartNode locates the run entry point: the node whose handler type is
// "start", falling back to a node literally named "start". Ties are broken
// by declaration order so a malformed graph still resolves deterministically
// (the validate package flags multiples as an error).
func (g *Graph) StartNode() (*Node, error) {
	var best *Node
	for _, n := range g.Nodes {
		if n == nil || n.HandlerType() != "start" {
			continue
		}
		if best == nil || n.Order < best.Order {
			best = n
		}
	}
	if best != nil {
		return best, nil
	}
	if n, ok := g.Nodes["start"]; ok {
		return n, nil
	}
	return nil, fmt.Errorf("model: graph %q has no start node", g.Name)
}

// ExitNodeIDs returns the ids of all exit-typed nodes in declaration order.
func (g *Graph) ExitNodeIDs() []string {
	var nodes []*Node
	for _, n := range g.Nodes {
		if n != nil && n.HandlerType() == "exit" {
			nodes = append(nodes, n)
		}
	}
	for i := 1; i < len(nodes); i++ {
		for j := i; j > 0 && nodes[j].Order < nodes[j-1].Order; j-- {
			nodes[j], nodes[j-1] = nodes[j-1], nodes[j]
		}
	}
	ids := make([]string, 0, len(nodes))
	for _, n := range nodes {
		ids = append(ids, n.ID)
	}
	return ids
}

// ParseDuration accepts Go duration syntax plus two pipeline conveniences:
// a bare integer is seconds, and a "d" suffix means days.
func ParseDuration(s string) (time.Duration, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return 0, fmt.Errorf("model: empty duration")
	}
	if n, err := strconv.Atoi(s); err == nil {
		return time.Duration(n) * time.Second, nil
	}
	if strings.HasSuffix(s, "d") {
		days, err := strconv.ParseFloat(strings.TrimSuffix(s, "d"), 64)
		if err != nil {
			return 0, fmt.Errorf("model: bad duration %q", s)
		}
		return time.Duration(days * 24 * float64(time.Hour)), nil
	}
	d, err := time.ParseDuration(s)
	if err != nil {
		return 0, fmt.Errorf("model: bad duration %q", s)
	}
	return d, nil
}
