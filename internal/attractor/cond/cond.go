// Package cond implements the edge condition language. Conditions are
// parsed into a small expression tree and evaluated against the outcome of
// the node that just ran plus the run context. Evaluation is total: a
// malformed condition is simply false, so routing never aborts a run over a
// bad condition string.
package cond

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/strongdm/attractor/internal/attractor/runtime"
)

// Grammar:
//
//	OrExpr   ::= AndExpr ( '||' AndExpr )*
//	AndExpr  ::= Unary ( '&&' Unary )*
//	Unary    ::= '!' Unary | '(' OrExpr ')' | Clause
//	Clause   ::= Key ( Op Value )?
//	Key      ::= 'outcome' | 'status' | 'preferred_label' | 'failure_reason'
//	           | 'context.' Path | Path
//	Op       ::= '==' | '=' | '!=' | '<' | '<=' | '>' | '>='
//	Value    ::= quoted string | bare token
//
// A bare Key with no operator is a truthiness test: present, non-empty, and
// not "false"/"0"/"no". Ordering operators compare numerically and are false
// when either side is not a number. Equality against `outcome` canonicalizes
// status aliases ("failure" matches "fail").

// Expr is a parsed condition expression.
type Expr interface {
	eval(outcome runtime.Outcome, ctx *runtime.Context) bool
}

// Evaluate parses and evaluates condition. Empty conditions are true;
// malformed conditions are false.
func Evaluate(condition string, outcome runtime.Outcome, ctx *runtime.Context) bool {
	condition = strings.TrimSpace(condition)
	if condition == "" {
		return true
	}
	expr, err := Parse(condition)
	if err != nil {
		return false
	}
	return expr.eval(outcome, ctx)
}

// Parse compiles a condition for reuse. Callers that only need a verdict
// should use Evaluate; Parse exists so graph validation can surface syntax
// problems that Evaluate deliberately swallows.
func Parse(condition string) (Expr, error) {
	toks, err := lex(condition)
	if err != nil {
		return nil, err
	}
	p := &parser{toks: toks}
	expr, err := p.parseOr()
	if err != nil {
		return nil, err
	}
	if !p.eof() {
		return nil, fmt.Errorf("cond: trailing input at %q", p.peek().text)
	}
	return expr, nil
}

type exprAnd struct{ left, right Expr }

func (e exprAnd) eval(out runtime.Outcome, ctx *runtime.Context) bool {
	return e.left.eval(out, ctx) && e.right.eval(out, ctx)
}

type exprOr struct{ left, right Expr }

func (e exprOr) eval(out runtime.Outcome, ctx *runtime.Context) bool {
	return e.left.eval(out, ctx) || e.right.eval(out, ctx)
}

type exprNot struct{ inner Expr }

func (e exprNot) eval(out runtime.Outcome, ctx *runtime.Context) bool {
	return !e.inner.eval(out, ctx)
}

type exprCompare struct {
	key string
	op  string
	val string
}

func (e exprCompare) eval(out runtime.Outcome, ctx *runtime.Context) bool {
	got := resolveKey(e.key, out, ctx)
	want := canonicalizeCompareValue(e.key, e.val)

	switch e.op {
	case "=", "==":
		if eq, ok := numericCompare(got, want); ok {
			return eq == 0
		}
		return got == want
	case "!=":
		if eq, ok := numericCompare(got, want); ok {
			return eq != 0
		}
		return got != want
	case "<":
		c, ok := numericCompare(got, want)
		return ok && c < 0
	case "<=":
		c, ok := numericCompare(got, want)
		return ok && c <= 0
	case ">":
		c, ok := numericCompare(got, want)
		return ok && c > 0
	case ">=":
		c, ok := numericCompare(got, want)
		return ok && c >= 0
	default:
		return false
	}
}

type exprTruthy struct{ key string }

func (e exprTruthy) eval(out runtime.Outcome, ctx *runtime.Context) bool {
	got := resolveKey(e.key, out, ctx)
	if got == "" {
		return false
	}
	switch strings.ToLower(got) {
	case "false", "0", "no":
		return false
	default:
		return true
	}
}

// numericCompare reports (sign, true) when both operands parse as floats.
func numericCompare(a, b string) (int, bool) {
	fa, errA := strconv.ParseFloat(strings.TrimSpace(a), 64)
	fb, errB := strconv.ParseFloat(strings.TrimSpace(b), 64)
	if errA != nil || errB != nil {
		return 0, false
	}
	switch {
	case fa < fb:
		return -1, true
	case fa > fb:
		return 1, true
	default:
		return 0, true
	}
}

func resolveKey(key string, outcome runtime.Outcome, ctx *runtime.Context) string {
	switch key {
	case "outcome", "status":
		co, err := outcome.Canonicalize()
		if err != nil {
			return string(outcome.Status)
		}
		return string(co.Status)
	case "preferred_label":
		return outcome.PreferredLabel
	case "failure_reason":
		return outcome.FailureReason
	}
	if strings.HasPrefix(key, "context.") {
		if ctx != nil {
			if v, ok := ctx.Get(key); ok && v != nil {
				return fmt.Sprint(v)
			}
			// Also try without "context." prefix for convenience.
			short := strings.TrimPrefix(key, "context.")
			if v, ok := ctx.Get(short); ok && v != nil {
				return fmt.Sprint(v)
			}
		}
		return ""
	}
	if ctx != nil {
		if v, ok := ctx.Get(key); ok && v != nil {
			return fmt.Sprint(v)
		}
	}
	return ""
}

// canonicalizeCompareValue normalizes the comparison value for outcome
// conditions so aliases like "skip"/"skipped" and "failure"/"fail" match.
func canonicalizeCompareValue(key, value string) string {
	if key != "outcome" && key != "status" {
		return value
	}
	if canonical, err := runtime.ParseStageStatus(value); err == nil {
		return string(canonical)
	}
	return value
}

type tokenKind int

const (
	tokKey tokenKind = iota
	tokString
	tokOp
	tokAnd
	tokOr
	tokNot
	tokLParen
	tokRParen
)

type token struct {
	kind tokenKind
	text string
}

func lex(s string) ([]token, error) {
	var toks []token
	i := 0
	for i < len(s) {
		c := s[i]
		switch {
		case c == ' ' || c == '\t' || c == '\n' || c == '\r':
			i++
		case c == '(':
			toks = append(toks, token{tokLParen, "("})
			i++
		case c == ')':
			toks = append(toks, token{tokRParen, ")"})
			i++
		case c == '&':
			if i+1 >= len(s) || s[i+1] != '&' {
				return nil, fmt.Errorf("cond: single '&' at offset %d", i)
			}
			toks = append(toks, token{tokAnd, "&&"})
			i += 2
		case c == '|':
			if i+1 >= len(s) || s[i+1] != '|' {
				return nil, fmt.Errorf("cond: single '|' at offset %d", i)
			}
			toks = append(toks, token{tokOr, "||"})
			i += 2
		case c == '!':
			if i+1 < len(s) && s[i+1] == '=' {
				toks = append(toks, token{tokOp, "!="})
				i += 2
			} else {
				toks = append(toks, token{tokNot, "!"})
				i++
			}
		case c == '=':
			if i+1 < len(s) && s[i+1] == '=' {
				toks = append(toks, token{tokOp, "=="})
				i += 2
			} else {
				toks = append(toks, token{tokOp, "="})
				i++
			}
		case c == '<':
			if i+1 < len(s) && s[i+1] == '=' {
				toks = append(toks, token{tokOp, "<="})
				i += 2
			} else {
				toks = append(toks, token{tokOp, "<"})
				i++
			}
		case c == '>':
			if i+1 < len(s) && s[i+1] == '=' {
				toks = append(toks, token{tokOp, ">="})
				i += 2
			} else {
				toks = append(toks, token{tokOp, ">"})
				i++
			}
		case c == '"' || c == '\'':
			lit, n, err := lexQuoted(s[i:], c)
			if err != nil {
				return nil, fmt.Errorf("cond: %v at offset %d", err, i)
			}
			toks = append(toks, token{tokString, lit})
			i += n
		default:
			start := i
			for i < len(s) && !strings.ContainsRune(" \t\n\r()&|!=<>\"'", rune(s[i])) {
				i++
			}
			if start == i {
				return nil, fmt.Errorf("cond: unexpected character %q at offset %d", s[i], i)
			}
			toks = append(toks, token{tokKey, s[start:i]})
		}
	}
	if len(toks) == 0 {
		return nil, fmt.Errorf("cond: empty condition")
	}
	return toks, nil
}

func lexQuoted(s string, quote byte) (string, int, error) {
	var b strings.Builder
	i := 1
	for i < len(s) {
		c := s[i]
		if c == quote {
			return b.String(), i + 1, nil
		}
		if c == '\\' && i+1 < len(s) {
			i++
			switch s[i] {
			case 'n':
				b.WriteByte('\n')
			case 't':
				b.WriteByte('\t')
			case '\\', '"', '\'':
				b.WriteByte(s[i])
			default:
				b.WriteByte('\\')
				b.WriteByte(s[i])
			}
			i++
			continue
		}
		b.WriteByte(c)
		i++
	}
	return "", 0, fmt.Errorf("unterminated string")
}

type parser struct {
	toks []token
	pos  int
}

func (p *parser) eof() bool      { return p.pos >= len(p.toks) }
func (p *parser) peek() token    { return p.toks[p.pos] }
func (p *parser) advance() token { t := p.toks[p.pos]; p.pos++; return t }

func (p *parser) parseOr() (Expr, error) {
	left, err := p.parseAnd()
	if err != nil {
		return nil, err
	}
	for !p.eof() && p.peek().kind == tokOr {
		p.advance()
		right, err := p.parseAnd()
		if err != nil {
			return nil, err
		}
		left = exprOr{left: left, right: right}
	}
	return left, nil
}

func (p *parser) parseAnd() (Expr, error) {
	left, err := p.parseUnary()
	if err != nil {
		return nil, err
	}
	for !p.eof() && p.peek().kind == tokAnd {
		p.advance()
		right, err := p.parseUnary()
		if err != nil {
			return nil, err
		}
		left = exprAnd{left: left, right: right}
	}
	return left, nil
}

func (p *parser) parseUnary() (Expr, error) {
	if p.eof() {
		return nil, fmt.Errorf("cond: unexpected end of condition")
	}
	switch p.peek().kind {
	case tokNot:
		p.advance()
		inner, err := p.parseUnary()
		if err != nil {
			return nil, err
		}
		return exprNot{inner: inner}, nil
	case tokLParen:
		p.advance()
		inner, err := p.parseOr()
		if err != nil {
			return nil, err
		}
		if p.eof() || p.peek().kind != tokRParen {
			return nil, fmt.Errorf("cond: missing ')'")
		}
		p.advance()
		return inner, nil
	default:
		return p.parseClause()
	}
}

func (p *parser) parseClause() (Expr, error) {
	if p.eof() {
		return nil, fmt.Errorf("cond: unexpected end of condition")
	}
	keyTok := p.advance()
	if keyTok.kind != tokKey {
		return nil, fmt.Errorf("cond: expected key, got %q", keyTok.text)
	}
	if p.eof() || p.peek().kind != tokOp {
		return exprTruthy{key: keyTok.text}, nil
	}
	opTok := p.advance()
	if p.eof() {
		return nil, fmt.Errorf("cond: missing value after %q", opTok.text)
	}
	valTok := p.advance()
	if valTok.kind != tokKey && valTok.kind != tokString {
		return nil, fmt.Errorf("cond: expected value, got %q", valTok.text)
	}
	return exprCompare{key: keyTok.text, op: opTok.text, val: valTok.text}, nil
}
