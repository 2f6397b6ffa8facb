// Package style applies CSS-like default attributes to pipeline nodes. A
// stylesheet is a list of `selector { key: value; }` rules carried in the
// graph's `stylesheet` attribute; it can only fill attributes a node does
// not already set.
package style

import (
	"fmt"
	"sort"
	"strings"
	"unicode"

	"github.com/strongdm/attractor/internal/attractor/model"
)

type SelectorKind int

const (
	SelectorUniversal SelectorKind = iota
	SelectorShape
	SelectorClass
	SelectorID
)

type Rule struct {
	Kind        SelectorKind
	Value       string // id/class/shape; empty for universal
	Specificity int    // universal(0) < shape(1) < class(2) < id(3)
	Order       int    // source order (0..n-1)
	Decls       map[string]string
}

func ParseStylesheet(src string) ([]Rule, error) {
	sc := &scanner{src: src}
	var rules []Rule
	for {
		sc.skipWS()
		if sc.eof() {
			return rules, nil
		}
		r, err := readRule(sc)
		if err != nil {
			return nil, err
		}
		r.Order = len(rules)
		rules = append(rules, r)
	}
}

// ApplyStylesheet fills missing node attributes from the matching rules.
// For each attribute the winning declaration has the highest specificity,
// with later source order breaking ties. Explicit node attributes always
// win over the stylesheet.
func ApplyStylesheet(g *model.Graph, rules []Rule) error {
	if g == nil {
		return fmt.Errorf("graph is nil")
	}
	if len(rules) == 0 {
		return nil
	}
	for _, n := range g.Nodes {
		if n == nil {
			continue
		}
		applyToNode(n, rules)
	}
	return nil
}

// applyToNode replays matching rules in ascending (specificity, order) so
// the last write to each property is the winner, then fills only the
// attributes the node left unset.
func applyToNode(n *model.Node, rules []Rule) {
	var matched []Rule
	for _, r := range rules {
		if selectorMatches(r, n) {
			matched = append(matched, r)
		}
	}
	if len(matched) == 0 {
		return
	}
	sort.SliceStable(matched, func(i, j int) bool {
		if matched[i].Specificity != matched[j].Specificity {
			return matched[i].Specificity < matched[j].Specificity
		}
		return matched[i].Order < matched[j].Order
	})

	overlay := map[string]string{}
	for _, r := range matched {
		for prop, v := range r.Decls {
			overlay[prop] = v
		}
	}
	for prop, v := range overlay {
		if _, explicit := n.Attrs[prop]; !explicit {
			n.Attrs[prop] = v
		}
	}
}

func selectorMatches(r Rule, n *model.Node) bool {
	switch r.Kind {
	case SelectorUniversal:
		return true
	case SelectorID:
		return n.ID == r.Value
	case SelectorClass:
		return n.HasClass(r.Value)
	case SelectorShape:
		return n.Shape() == r.Value
	default:
		return false
	}
}

// readRule parses `selector { prop: value; ... }`. Semicolons between
// declarations are optional, as is a trailing one before '}'.
func readRule(sc *scanner) (Rule, error) {
	r, err := readSelector(sc)
	if err != nil {
		return Rule{}, err
	}
	sc.skipWS()
	if !sc.lit("{") {
		return Rule{}, sc.failf("expected '{' after selector")
	}
	r.Decls = map[string]string{}
	for {
		sc.skipWS()
		if sc.lit("}") {
			return r, nil
		}
		prop := sc.takeIdent()
		if prop == "" {
			return Rule{}, sc.failf("expected identifier")
		}
		sc.skipWS()
		if !sc.lit(":") {
			return Rule{}, sc.failf("expected ':' after property")
		}
		sc.skipWS()
		val, err := readValue(sc)
		if err != nil {
			return Rule{}, err
		}
		r.Decls[prop] = val
		sc.skipWS()
		sc.lit(";")
	}
}

func readSelector(sc *scanner) (Rule, error) {
	switch {
	case sc.lit("*"):
		return Rule{Kind: SelectorUniversal}, nil
	case sc.lit("#"):
		sc.skipWS()
		id := sc.takeIdent()
		if id == "" {
			return Rule{}, sc.failf("expected identifier")
		}
		return Rule{Kind: SelectorID, Value: id, Specificity: 3}, nil
	case sc.lit("."):
		sc.skipWS()
		class := sc.takeRun(classByte)
		if class == "" {
			return Rule{}, sc.failf("expected class name")
		}
		return Rule{Kind: SelectorClass, Value: class, Specificity: 2}, nil
	default:
		sc.skipWS()
		shape := sc.takeRun(shapeByte)
		if shape == "" {
			return Rule{}, sc.failf("expected identifier")
		}
		return Rule{Kind: SelectorShape, Value: shape, Specificity: 1}, nil
	}
}

// readValue reads one declaration value: a quoted string with escapes, or a
// bare run up to the next ';' or '}' with surrounding whitespace trimmed.
func readValue(sc *scanner) (string, error) {
	if sc.eof() {
		return "", sc.failf("expected value")
	}
	if sc.peek() == '"' {
		return readQuoted(sc)
	}
	start := sc.pos
	for !sc.eof() && sc.peek() != ';' && sc.peek() != '}' {
		sc.pos++
	}
	return strings.TrimSpace(sc.src[start:sc.pos]), nil
}

func readQuoted(sc *scanner) (string, error) {
	if !sc.lit(`"`) {
		return "", sc.failf("expected string")
	}
	var b strings.Builder
	for !sc.eof() {
		ch := sc.src[sc.pos]
		sc.pos++
		switch ch {
		case '"':
			return b.String(), nil
		case '\\':
			if sc.eof() {
				return "", sc.failf("unterminated escape")
			}
			esc := sc.src[sc.pos]
			sc.pos++
			switch esc {
			case 'n':
				b.WriteByte('\n')
			case 't':
				b.WriteByte('\t')
			case '\\', '"':
				b.WriteByte(esc)
			default:
				b.WriteByte('\\')
				b.WriteByte(esc)
			}
		default:
			b.WriteByte(ch)
		}
	}
	return "", sc.failf("unterminated string")
}

type scanner struct {
	src string
	pos int
}

func (sc *scanner) eof() bool { return sc.pos >= len(sc.src) }

func (sc *scanner) peek() byte {
	if sc.eof() {
		return 0
	}
	return sc.src[sc.pos]
}

func (sc *scanner) skipWS() {
	for !sc.eof() {
		switch sc.src[sc.pos] {
		case ' ', '\t', '\r', '\n':
			sc.pos++
		default:
			return
		}
	}
}

// lit consumes the literal when it is next in the input.
func (sc *scanner) lit(l string) bool {
	if strings.HasPrefix(sc.src[sc.pos:], l) {
		sc.pos += len(l)
		return true
	}
	return false
}

// takeIdent reads a property-style identifier: a letter or '_' followed by
// letters, digits, '_', or '.'.
func (sc *scanner) takeIdent() string {
	if sc.eof() || !identStartByte(sc.peek()) {
		return ""
	}
	start := sc.pos
	sc.pos++
	for !sc.eof() && identPartByte(sc.peek()) {
		sc.pos++
	}
	return sc.src[start:sc.pos]
}

func (sc *scanner) takeRun(pred func(byte) bool) string {
	start := sc.pos
	for !sc.eof() && pred(sc.peek()) {
		sc.pos++
	}
	return sc.src[start:sc.pos]
}

func (sc *scanner) failf(format string, args ...any) error {
	return fmt.Errorf("stylesheet parse: "+format+" (at %d)", append(args, sc.pos)...)
}

func identStartByte(c byte) bool {
	return c == '_' || unicode.IsLetter(rune(c))
}

func identPartByte(c byte) bool {
	return identStartByte(c) || c == '.' || unicode.IsDigit(rune(c))
}

func classByte(c byte) bool {
	return c == '-' || unicode.IsLetter(rune(c)) || unicode.IsDigit(rune(c))
}

func shapeByte(c byte) bool {
	return c == '_' || c == '-' || c == '.' || unicode.IsLetter(rune(c)) || unicode.IsDigit(rune(c))
}
