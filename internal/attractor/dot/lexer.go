package dot

import (
	"fmt"
	"strings"
)

type tokenType int

const (
	tokenEOF tokenType = iota
	tokenIdent
	tokenString
	tokenSymbol
)

type token struct {
	typ tokenType
	lit string
	pos int
}

// stripComments blanks out //, #, and /* */ comments while preserving byte
// offsets, so later parse errors still point at the original source. String
// literals are left untouched.
func stripComments(src []byte) ([]byte, error) {
	out := make([]byte, len(src))
	copy(out, src)
	i := 0
	for i < len(out) {
		c := out[i]
		switch {
		case c == '"':
			i++
			for i < len(out) {
				if out[i] == '\\' && i+1 < len(out) {
					i += 2
					continue
				}
				if out[i] == '"' {
					i++
					break
				}
				i++
			}
		case c == '/' && i+1 < len(out) && out[i+1] == '/':
			for i < len(out) && out[i] != '\n' {
				out[i] = ' '
				i++
			}
		case c == '#':
			for i < len(out) && out[i] != '\n' {
				out[i] = ' '
				i++
			}
		case c == '/' && i+1 < len(out) && out[i+1] == '*':
			start := i
			out[i] = ' '
			out[i+1] = ' '
			i += 2
			closed := false
			for i < len(out) {
				if out[i] == '*' && i+1 < len(out) && out[i+1] == '/' {
					out[i] = ' '
					out[i+1] = ' '
					i += 2
					closed = true
					break
				}
				if out[i] != '\n' {
					out[i] = ' '
				}
				i++
			}
			if !closed {
				return nil, fmt.Errorf("dot parse: unterminated block comment at %d", start)
			}
		default:
			i++
		}
	}
	return out, nil
}

type lexer struct {
	src []byte
	pos int
}

func newLexer(src []byte) *lexer {
	return &lexer{src: src}
}

func isIdentByte(c byte) bool {
	return c == '_' || c == '.' ||
		(c >= 'a' && c <= 'z') ||
		(c >= 'A' && c <= 'Z') ||
		(c >= '0' && c <= '9') ||
		c >= 0x80
}

func (lx *lexer) next() (token, error) {
	for lx.pos < len(lx.src) {
		c := lx.src[lx.pos]
		if c == ' ' || c == '\t' || c == '\n' || c == '\r' {
			lx.pos++
			continue
		}
		break
	}
	if lx.pos >= len(lx.src) {
		return token{typ: tokenEOF, pos: lx.pos}, nil
	}

	start := lx.pos
	c := lx.src[lx.pos]

	if c == '"' {
		lit, err := lx.scanString()
		if err != nil {
			return token{}, err
		}
		return token{typ: tokenString, lit: lit, pos: start}, nil
	}

	if c == '-' {
		if lx.pos+1 < len(lx.src) && lx.src[lx.pos+1] == '>' {
			lx.pos += 2
			return token{typ: tokenSymbol, lit: "->", pos: start}, nil
		}
		lx.pos++
		return token{typ: tokenSymbol, lit: "-", pos: start}, nil
	}

	switch c {
	case '{', '}', '[', ']', '=', ',', ';', ':', '/':
		lx.pos++
		return token{typ: tokenSymbol, lit: string(c), pos: start}, nil
	}

	if isIdentByte(c) {
		for lx.pos < len(lx.src) && isIdentByte(lx.src[lx.pos]) {
			lx.pos++
		}
		return token{typ: tokenIdent, lit: string(lx.src[start:lx.pos]), pos: start}, nil
	}

	return token{}, fmt.Errorf("dot parse: unexpected character %q at %d", c, start)
}

func (lx *lexer) scanString() (string, error) {
	start := lx.pos
	lx.pos++ // opening quote
	var b strings.Builder
	for lx.pos < len(lx.src) {
		c := lx.src[lx.pos]
		if c == '"' {
			lx.pos++
			return b.String(), nil
		}
		if c == '\\' && lx.pos+1 < len(lx.src) {
			lx.pos++
			switch lx.src[lx.pos] {
			case 'n':
				b.WriteByte('\n')
			case 't':
				b.WriteByte('\t')
			case 'r':
				b.WriteByte('\r')
			case '"':
				b.WriteByte('"')
			case '\\':
				b.WriteByte('\\')
			default:
				b.WriteByte('\\')
				b.WriteByte(lx.src[lx.pos])
			}
			lx.pos++
			continue
		}
		b.WriteByte(c)
		lx.pos++
	}
	return "", fmt.Errorf("dot parse: unterminated string at %d", start)
}
