package expr

import (
	"fmt"
	"strconv"
	"strings"
	"unicode"

	"github.com/syssam/guardrail"
)

// Parse parses policy expression source text into an AST. The returned
// expression is syntactically valid but unbound; Check binds it to a model
// and rejects unknown references and non-boolean constructs.
func Parse(src string) (Expr, error) {
	p := &parser{lex: lexer{src: src}}
	p.next()
	e, err := p.parseOr()
	if err != nil {
		return nil, err
	}
	if p.err != nil {
		return nil, p.err
	}
	if p.tok.kind != tokEOF {
		return nil, p.errorf(p.tok.pos, "unexpected %s", p.tok.describe())
	}
	return e, nil
}

// MustParse is like Parse but panics on error. Intended for expressions in
// tests and fixed configuration.
func MustParse(src string) Expr {
	e, err := Parse(src)
	if err != nil {
		panic(err)
	}
	return e
}

type tokenKind int

const (
	tokEOF tokenKind = iota
	tokIdent
	tokNumber
	tokString
	tokOp     // == != < <= > >= && || !
	tokLParen // (
	tokRParen // )
	tokLQuant // ?[
	tokRQuant // ]
)

type token struct {
	kind tokenKind
	pos  int
	text string
}

func (t token) describe() string {
	switch t.kind {
	case tokEOF:
		return "end of expression"
	case tokString:
		return fmt.Sprintf("string %q", t.text)
	}
	return fmt.Sprintf("%q", t.text)
}

type lexer struct {
	src string
	off int
}

func (l *lexer) next() (token, error) {
	for l.off < len(l.src) && (l.src[l.off] == ' ' || l.src[l.off] == '\t' || l.src[l.off] == '\n' || l.src[l.off] == '\r') {
		l.off++
	}
	start := l.off
	if l.off >= len(l.src) {
		return token{kind: tokEOF, pos: start}, nil
	}
	c := l.src[l.off]
	switch {
	case c == '(':
		l.off++
		return token{kind: tokLParen, pos: start, text: "("}, nil
	case c == ')':
		l.off++
		return token{kind: tokRParen, pos: start, text: ")"}, nil
	case c == ']':
		l.off++
		return token{kind: tokRQuant, pos: start, text: "]"}, nil
	case c == '?':
		if l.off+1 < len(l.src) && l.src[l.off+1] == '[' {
			l.off += 2
			return token{kind: tokLQuant, pos: start, text: "?["}, nil
		}
		return token{}, fmt.Errorf("expected '[' after '?'")
	case c == '\'':
		return l.scanString()
	case c == '=' || c == '!' || c == '<' || c == '>' || c == '&' || c == '|':
		return l.scanOperator()
	case unicode.IsDigit(rune(c)):
		return l.scanNumber()
	case unicode.IsLetter(rune(c)) || c == '_':
		for l.off < len(l.src) && (unicode.IsLetter(rune(l.src[l.off])) || unicode.IsDigit(rune(l.src[l.off])) || l.src[l.off] == '_') {
			l.off++
		}
		return token{kind: tokIdent, pos: start, text: l.src[start:l.off]}, nil
	}
	return token{}, fmt.Errorf("unexpected character %q", c)
}

func (l *lexer) scanString() (token, error) {
	start := l.off
	l.off++ // opening quote
	var sb strings.Builder
	for l.off < len(l.src) {
		c := l.src[l.off]
		switch c {
		case '\\':
			if l.off+1 >= len(l.src) {
				return token{}, fmt.Errorf("unterminated string literal")
			}
			l.off++
			sb.WriteByte(l.src[l.off])
			l.off++
		case '\'':
			l.off++
			return token{kind: tokString, pos: start, text: sb.String()}, nil
		default:
			sb.WriteByte(c)
			l.off++
		}
	}
	return token{}, fmt.Errorf("unterminated string literal")
}

func (l *lexer) scanNumber() (token, error) {
	start := l.off
	for l.off < len(l.src) && (unicode.IsDigit(rune(l.src[l.off])) || l.src[l.off] == '.') {
		l.off++
	}
	return token{kind: tokNumber, pos: start, text: l.src[start:l.off]}, nil
}

func (l *lexer) scanOperator() (token, error) {
	start := l.off
	two := ""
	if l.off+1 < len(l.src) {
		two = l.src[l.off : l.off+2]
	}
	switch two {
	case "==", "!=", "<=", ">=", "&&", "||":
		l.off += 2
		return token{kind: tokOp, pos: start, text: two}, nil
	}
	switch l.src[l.off] {
	case '<', '>', '!':
		l.off++
		return token{kind: tokOp, pos: start, text: l.src[start:l.off]}, nil
	}
	return token{}, fmt.Errorf("unexpected character %q", l.src[l.off])
}

type parser struct {
	lex lexer
	tok token
	err error
}

func (p *parser) next() {
	if p.err != nil {
		return
	}
	tok, err := p.lex.next()
	if err != nil {
		p.err = p.errorf(p.lex.off, "%s", err)
		p.tok = token{kind: tokEOF, pos: p.lex.off}
		return
	}
	p.tok = tok
}

func (p *parser) errorf(pos int, format string, args ...any) error {
	return &guardrail.PolicyParseError{
		Expr: p.lex.src,
		Pos:  pos,
		Msg:  fmt.Sprintf(format, args...),
	}
}

func (p *parser) parseOr() (Expr, error) {
	x, err := p.parseAnd()
	if err != nil {
		return nil, err
	}
	for p.tok.kind == tokOp && p.tok.text == "||" {
		p.next()
		y, err := p.parseAnd()
		if err != nil {
			return nil, err
		}
		x = &Binary{Op: OpOr, X: x, Y: y}
	}
	return x, nil
}

func (p *parser) parseAnd() (Expr, error) {
	x, err := p.parseComparison()
	if err != nil {
		return nil, err
	}
	for p.tok.kind == tokOp && p.tok.text == "&&" {
		p.next()
		y, err := p.parseComparison()
		if err != nil {
			return nil, err
		}
		x = &Binary{Op: OpAnd, X: x, Y: y}
	}
	return x, nil
}

// parseComparison parses a single, non-associative comparison: chaining
// comparisons (a < b < c) is a syntax error.
func (p *parser) parseComparison() (Expr, error) {
	x, err := p.parseUnary()
	if err != nil {
		return nil, err
	}
	if p.tok.kind != tokOp {
		return x, nil
	}
	var op BinOp
	switch p.tok.text {
	case "==":
		op = OpEQ
	case "!=":
		op = OpNEQ
	case "<":
		op = OpLT
	case "<=":
		op = OpLTE
	case ">":
		op = OpGT
	case ">=":
		op = OpGTE
	default:
		return x, nil
	}
	p.next()
	y, err := p.parseUnary()
	if err != nil {
		return nil, err
	}
	if p.tok.kind == tokOp && isComparison(p.tok.text) {
		return nil, p.errorf(p.tok.pos, "comparisons cannot be chained")
	}
	return &Binary{Op: op, X: x, Y: y}, nil
}

func isComparison(op string) bool {
	switch op {
	case "==", "!=", "<", "<=", ">", ">=":
		return true
	}
	return false
}

func (p *parser) parseUnary() (Expr, error) {
	if p.tok.kind == tokOp && p.tok.text == "!" {
		p.next()
		x, err := p.parseUnary()
		if err != nil {
			return nil, err
		}
		return &Not{X: x}, nil
	}
	return p.parsePrimary()
}

func (p *parser) parsePrimary() (Expr, error) {
	if p.err != nil {
		return nil, p.err
	}
	switch p.tok.kind {
	case tokLParen:
		p.next()
		e, err := p.parseOr()
		if err != nil {
			return nil, err
		}
		if p.tok.kind != tokRParen {
			return nil, p.errorf(p.tok.pos, "expected ')', got %s", p.tok.describe())
		}
		p.next()
		return e, nil
	case tokNumber:
		text := p.tok.text
		pos := p.tok.pos
		p.next()
		if strings.Contains(text, ".") {
			f, err := strconv.ParseFloat(text, 64)
			if err != nil {
				return nil, p.errorf(pos, "invalid number %q", text)
			}
			return &Literal{Value: f}, nil
		}
		n, err := strconv.ParseInt(text, 10, 64)
		if err != nil {
			return nil, p.errorf(pos, "invalid number %q", text)
		}
		return &Literal{Value: n}, nil
	case tokString:
		v := p.tok.text
		p.next()
		return &Literal{Value: v}, nil
	case tokIdent:
		name := p.tok.text
		pos := p.tok.pos
		p.next()
		switch name {
		case "true":
			return &Literal{Value: true}, nil
		case "false":
			return &Literal{Value: false}, nil
		case "null":
			return &Literal{Value: nil}, nil
		}
		switch p.tok.kind {
		case tokLParen:
			p.next()
			if p.tok.kind != tokRParen {
				return nil, p.errorf(p.tok.pos, "expected ')', got %s", p.tok.describe())
			}
			p.next()
			if name != "principal" {
				return nil, p.errorf(pos, "unknown function %q", name)
			}
			return &Principal{}, nil
		case tokLQuant:
			p.next()
			pred, err := p.parseOr()
			if err != nil {
				return nil, err
			}
			if p.tok.kind != tokRQuant {
				return nil, p.errorf(p.tok.pos, "expected ']', got %s", p.tok.describe())
			}
			p.next()
			return &Exists{Relation: name, Pred: pred}, nil
		}
		return &FieldRef{Name: name}, nil
	}
	return nil, p.errorf(p.tok.pos, "unexpected %s", p.tok.describe())
}
