// Package dot parses the constrained DOT dialect pipeline graphs are written
// in: a single digraph with node, edge, and subgraph statements. Subgraphs
// flatten into the parent graph; their scoped node/edge defaults and labels
// survive as node attributes and derived classes.
package dot

import (
	"fmt"
	"strings"

	"github.com/strongdm/attractor/internal/attractor/model"
)

// Parse builds the pipeline graph model from DOT source. Comments are
// stripped up front, the whole input is tokenized, and the token stream is
// parsed in one pass. Chained edges (a -> b -> c [attrs]) expand into one
// edge per hop, each carrying the chain's attribute block.
func Parse(dotSource []byte) (*model.Graph, error) {
	clean, err := stripComments(dotSource)
	if err != nil {
		return nil, err
	}
	toks, err := tokenize(clean)
	if err != nil {
		return nil, err
	}
	p := &parser{toks: toks}
	return p.parseFile()
}

// tokenize drains the lexer into a slice so the parser can look ahead
// without replumbing lexer state.
func tokenize(src []byte) ([]token, error) {
	lx := newLexer(src)
	var toks []token
	for {
		tok, err := lx.next()
		if err != nil {
			return nil, err
		}
		toks = append(toks, tok)
		if tok.typ == tokenEOF {
			return toks, nil
		}
	}
}

type parser struct {
	toks []token
	i    int
}

// cur returns the current token; the slice always ends with tokenEOF, so
// running off the end degrades to EOF rather than panicking.
func (p *parser) cur() token {
	if p.i >= len(p.toks) {
		return token{typ: tokenEOF, pos: -1}
	}
	return p.toks[p.i]
}

func (p *parser) advance() token {
	tok := p.cur()
	if p.i < len(p.toks) {
		p.i++
	}
	return tok
}

func (p *parser) atSymbol(sym string) bool {
	tok := p.cur()
	return tok.typ == tokenSymbol && tok.lit == sym
}

// accept consumes the symbol when present and reports whether it did.
func (p *parser) accept(sym string) bool {
	if p.atSymbol(sym) {
		p.i++
		return true
	}
	return false
}

func (p *parser) expect(sym string) error {
	tok := p.advance()
	if tok.typ != tokenSymbol || tok.lit != sym {
		return fmt.Errorf("dot parse: expected %q, got %q at %d", sym, tok.lit, tok.pos)
	}
	return nil
}

func (p *parser) ident() (token, error) {
	tok := p.advance()
	if tok.typ != tokenIdent {
		return tok, fmt.Errorf("dot parse: expected identifier, got %q at %d", tok.lit, tok.pos)
	}
	return tok, nil
}

// scope tracks the node/edge defaults in effect for one brace level plus the
// bookkeeping a subgraph needs to stamp its derived class on members.
type scope struct {
	parent       *scope
	nodeDefaults map[string]string
	edgeDefaults map[string]string

	subgraphLabel string
	memberIDs     map[string]struct{}
}

func openScope(parent *scope) *scope {
	s := &scope{
		parent:       parent,
		nodeDefaults: map[string]string{},
		edgeDefaults: map[string]string{},
		memberIDs:    map[string]struct{}{},
	}
	if parent != nil {
		for k, v := range parent.nodeDefaults {
			s.nodeDefaults[k] = v
		}
		for k, v := range parent.edgeDefaults {
			s.edgeDefaults[k] = v
		}
	}
	return s
}

// member records a node id in this scope and every enclosing one, so an
// outer subgraph's label class also covers nodes declared in nested blocks.
func (s *scope) member(id string) {
	for cur := s; cur != nil; cur = cur.parent {
		cur.memberIDs[id] = struct{}{}
	}
}

// parseFile parses `digraph <Identifier> { ... }` and requires EOF after the
// closing brace (one graph per file); a trailing semicolon is tolerated.
func (p *parser) parseFile() (*model.Graph, error) {
	head, err := p.ident()
	if err != nil {
		return nil, err
	}
	if head.lit != "digraph" {
		return nil, fmt.Errorf("dot parse: expected \"digraph\", got %q at %d", head.lit, head.pos)
	}
	name, err := p.ident()
	if err != nil {
		return nil, fmt.Errorf("dot parse: expected graph identifier, got %q at %d", name.lit, name.pos)
	}
	if err := p.expect("{"); err != nil {
		return nil, err
	}

	g := model.NewGraph(name.lit)
	if err := p.parseBody(g, openScope(nil)); err != nil {
		return nil, err
	}
	if err := p.expect("}"); err != nil {
		return nil, err
	}
	p.accept(";")
	if tok := p.cur(); tok.typ != tokenEOF {
		return nil, fmt.Errorf("dot parse: trailing tokens after graph end at %d", tok.pos)
	}
	return g, nil
}

// parseBody consumes statements until the closing brace of the current
// scope, which is left for the caller to consume.
func (p *parser) parseBody(g *model.Graph, sc *scope) error {
	for {
		switch {
		case p.cur().typ == tokenEOF:
			return fmt.Errorf("dot parse: unexpected EOF (missing '}')")
		case p.atSymbol("}"):
			return nil
		}

		tok, err := p.ident()
		if err != nil {
			return err
		}

		switch tok.lit {
		case "graph", "node", "edge":
			if err := p.parseDefaults(tok.lit, g, sc); err != nil {
				return err
			}
		case "subgraph":
			if err := p.parseSubgraph(g, sc); err != nil {
				return err
			}
		default:
			if err := p.parseNodeEdgeOrAssign(tok, g, sc); err != nil {
				return err
			}
		}
	}
}

// parseDefaults handles `graph [..]`, `node [..]`, and `edge [..]` default
// statements. Graph defaults land on the graph itself; node and edge
// defaults scope to the current brace level.
func (p *parser) parseDefaults(kind string, g *model.Graph, sc *scope) error {
	attrs, err := p.parseAttrList()
	if err != nil {
		return err
	}
	var dst map[string]string
	switch kind {
	case "graph":
		dst = g.Attrs
	case "node":
		dst = sc.nodeDefaults
	default:
		dst = sc.edgeDefaults
	}
	for k, v := range attrs {
		dst[k] = v
	}
	p.accept(";")
	return nil
}

// parseSubgraph handles `subgraph <Identifier>? { ... }`. The optional id is
// ignored; the block's label, when set, becomes a derived class on every
// member node.
func (p *parser) parseSubgraph(g *model.Graph, sc *scope) error {
	if p.cur().typ == tokenIdent {
		p.advance()
	}
	if err := p.expect("{"); err != nil {
		return err
	}
	sub := openScope(sc)
	if err := p.parseBody(g, sub); err != nil {
		return err
	}
	if err := p.expect("}"); err != nil {
		return err
	}
	stampSubgraphClass(g, sub)
	p.accept(";")
	return nil
}

// parseNodeEdgeOrAssign disambiguates the three statements that begin with a
// bare identifier: `key = value`, `id -> id (-> id)* [attrs]`, and
// `id [attrs]`.
func (p *parser) parseNodeEdgeOrAssign(first token, g *model.Graph, sc *scope) error {
	if p.accept("=") {
		val := p.advance()
		if val.typ != tokenIdent && val.typ != tokenString {
			return fmt.Errorf("dot parse: expected value after '=', got %q at %d", val.lit, val.pos)
		}
		// A label assignment inside a subgraph names the block; it becomes a
		// derived class, not a graph attribute.
		if sc.parent != nil && first.lit == "label" {
			sc.subgraphLabel = val.lit
		} else {
			g.Attrs[first.lit] = val.lit
		}
		p.accept(";")
		return nil
	}

	if p.atSymbol("->") {
		return p.parseEdgeChain(first, g, sc)
	}

	attrs := map[string]string{}
	if p.atSymbol("[") {
		var err error
		attrs, err = p.parseAttrList()
		if err != nil {
			return err
		}
	}
	n := model.NewNode(first.lit)
	n.Order = len(g.Nodes)
	for k, v := range sc.nodeDefaults {
		n.Attrs[k] = v
	}
	for k, v := range attrs {
		n.Attrs[k] = v
	}
	if err := g.AddNode(n); err != nil {
		return err
	}
	sc.member(n.ID)
	p.accept(";")
	return nil
}

// parseEdgeChain expands `a -> b -> c [attrs]` into an edge per hop. Scoped
// edge defaults apply first, then the chain's explicit attributes.
func (p *parser) parseEdgeChain(first token, g *model.Graph, sc *scope) error {
	chain := []string{first.lit}
	for p.accept("->") {
		target, err := p.ident()
		if err != nil {
			return fmt.Errorf("dot parse: expected edge target identifier, got %q at %d", target.lit, target.pos)
		}
		chain = append(chain, target.lit)
	}

	attrs := map[string]string{}
	if p.atSymbol("[") {
		var err error
		attrs, err = p.parseAttrList()
		if err != nil {
			return err
		}
	}

	for i := 0; i+1 < len(chain); i++ {
		e := model.NewEdge(chain[i], chain[i+1])
		for k, v := range sc.edgeDefaults {
			e.Attrs[k] = v
		}
		for k, v := range attrs {
			e.Attrs[k] = v
		}
		if err := g.AddEdge(e); err != nil {
			return err
		}
	}
	p.accept(";")
	return nil
}

// parseAttrList parses `[ key = value (, key = value)* ,? ]`. Keys are
// identifiers (dotted keys like retry.backoff.jitter arrive as one token);
// values may be quoted strings or unquoted runs.
func (p *parser) parseAttrList() (map[string]string, error) {
	if err := p.expect("["); err != nil {
		return nil, err
	}
	attrs := map[string]string{}
	for {
		if p.accept("]") {
			return attrs, nil
		}

		key, err := p.ident()
		if err != nil {
			return nil, fmt.Errorf("dot parse: expected identifier key, got %q at %d", key.lit, key.pos)
		}
		if err := p.expect("="); err != nil {
			return nil, err
		}
		val, err := p.parseAttrValue()
		if err != nil {
			return nil, err
		}
		attrs[key.lit] = val

		if p.accept(",") {
			continue
		}
		if p.atSymbol("]") {
			continue
		}
		tok := p.cur()
		return nil, fmt.Errorf("dot parse: expected ',' or ']', got %q at %d", tok.lit, tok.pos)
	}
}

// parseAttrValue reads one attribute value: a quoted string verbatim, or a
// run of identifiers and value punctuation ('-', '.', ':', '/') concatenated
// until the next ',' or ']', so things like timeouts (30s), paths, and
// label-ish tokens survive unquoted.
func (p *parser) parseAttrValue() (string, error) {
	if p.cur().typ == tokenString {
		return p.advance().lit, nil
	}
	var parts []string
	for {
		if p.atSymbol(",") || p.atSymbol("]") {
			break
		}
		tok := p.advance()
		switch {
		case tok.typ == tokenIdent:
			parts = append(parts, tok.lit)
		case tok.typ == tokenSymbol && valuePunct(tok.lit):
			parts = append(parts, tok.lit)
		default:
			return "", fmt.Errorf("dot parse: unexpected token in value: %q at %d", tok.lit, tok.pos)
		}
	}
	val := strings.TrimSpace(strings.Join(parts, ""))
	if val == "" {
		return "", fmt.Errorf("dot parse: empty attr value")
	}
	return val, nil
}

func valuePunct(lit string) bool {
	switch lit {
	case "-", ".", ":", "/":
		return true
	default:
		return false
	}
}

// stampSubgraphClass turns the subgraph's label into a class and applies it
// to every node declared inside the block, nested blocks included.
func stampSubgraphClass(g *model.Graph, sc *scope) {
	if sc == nil {
		return
	}
	class := deriveClassFromLabel(sc.subgraphLabel)
	if class == "" {
		return
	}
	for id := range sc.memberIDs {
		if n := g.Nodes[id]; n != nil {
			n.Classes = append(n.Classes, class)
		}
	}
}

// deriveClassFromLabel lowercases the label, replaces spaces with hyphens,
// and drops everything outside [a-z0-9-], mirroring how CSS-ish class names
// are derived elsewhere in the pipeline.
func deriveClassFromLabel(label string) string {
	label = strings.ToLower(strings.TrimSpace(label))
	label = strings.ReplaceAll(label, " ", "-")
	var b strings.Builder
	for _, r := range label {
		if (r >= 'a' && r <= 'z') || (r >= '0' && r <= '9') || r == '-' {
			b.WriteRune(r)
		}
	}
	return strings.Trim(b.String(), "-")
}
