// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package selector

import (
	"fmt"
	"regexp"
	"strings"

	"github.com/absmach/fluxq/types"
)

type parser struct {
	toks []token
	pos  int
}

func parse(src string) (node, error) {
	toks, err := (&lexer{src: src}).tokens()
	if err != nil {
		return nil, err
	}
	p := &parser{toks: toks}
	n, err := p.or()
	if err != nil {
		return nil, err
	}
	if t := p.peek(); t.kind != tokEOF {
		return nil, p.errorf(t, "unexpected %q", t.text)
	}
	return n, nil
}

func (p *parser) peek() token { return p.toks[p.pos] }

func (p *parser) advance() token {
	t := p.toks[p.pos]
	if t.kind != tokEOF {
		p.pos++
	}
	return t
}

func (p *parser) expect(kind tokenKind, what string) (token, error) {
	t := p.advance()
	if t.kind != kind {
		return t, p.errorf(t, "expected %s", what)
	}
	return t, nil
}

func (p *parser) errorf(t token, format string, args ...any) error {
	return fmt.Errorf("%s at %d: %w", fmt.Sprintf(format, args...), t.pos, ErrSyntax)
}

func (p *parser) isOp(ops ...string) bool {
	t := p.peek()
	if t.kind != tokOp {
		return false
	}
	for _, op := range ops {
		if t.text == op {
			return true
		}
	}
	return false
}

func (p *parser) or() (node, error) {
	l, err := p.and()
	if err != nil {
		return nil, err
	}
	for p.peek().kind == tokOr {
		p.advance()
		r, err := p.and()
		if err != nil {
			return nil, err
		}
		l = &logical{and: false, l: l, r: r}
	}
	return l, nil
}

func (p *parser) and() (node, error) {
	l, err := p.not()
	if err != nil {
		return nil, err
	}
	for p.peek().kind == tokAnd {
		p.advance()
		r, err := p.not()
		if err != nil {
			return nil, err
		}
		l = &logical{and: true, l: l, r: r}
	}
	return l, nil
}

func (p *parser) not() (node, error) {
	if p.peek().kind == tokNot {
		p.advance()
		x, err := p.not()
		if err != nil {
			return nil, err
		}
		return &notNode{x: x}, nil
	}
	return p.comparison()
}

func (p *parser) comparison() (node, error) {
	l, err := p.additive()
	if err != nil {
		return nil, err
	}

	if p.isOp("=", "<>", "<", ">", "<=", ">=") {
		op := p.advance().text
		r, err := p.additive()
		if err != nil {
			return nil, err
		}
		return &compare{op: op, l: l, r: r}, nil
	}

	negate := false
	if p.peek().kind == tokNot {
		p.advance()
		negate = true
	}

	switch t := p.peek(); t.kind {
	case tokBetween:
		p.advance()
		lo, err := p.additive()
		if err != nil {
			return nil, err
		}
		if _, err := p.expect(tokAnd, "AND"); err != nil {
			return nil, err
		}
		hi, err := p.additive()
		if err != nil {
			return nil, err
		}
		return &between{x: l, lo: lo, hi: hi, negate: negate}, nil
	case tokIn:
		p.advance()
		list, err := p.literalList()
		if err != nil {
			return nil, err
		}
		return &in{x: l, list: list, negate: negate}, nil
	case tokLike:
		p.advance()
		pat, err := p.expect(tokString, "pattern")
		if err != nil {
			return nil, err
		}
		var esc string
		if p.peek().kind == tokEscape {
			p.advance()
			e, err := p.expect(tokString, "escape character")
			if err != nil {
				return nil, err
			}
			if len(e.text) != 1 {
				return nil, p.errorf(e, "escape must be one character")
			}
			esc = e.text
		}
		re, err := compileLike(pat.text, esc)
		if err != nil {
			return nil, p.errorf(pat, "bad pattern")
		}
		return &like{x: l, re: re, negate: negate}, nil
	case tokIs:
		if negate {
			return nil, p.errorf(t, "unexpected IS")
		}
		p.advance()
		if p.peek().kind == tokNot {
			p.advance()
			negate = true
		}
		if _, err := p.expect(tokNull, "NULL"); err != nil {
			return nil, err
		}
		return &isNull{x: l, negate: negate}, nil
	default:
		if negate {
			return nil, p.errorf(t, "expected BETWEEN, IN or LIKE")
		}
		return l, nil
	}
}

func (p *parser) literalList() ([]types.Value, error) {
	if _, err := p.expect(tokLParen, "("); err != nil {
		return nil, err
	}
	var list []types.Value
	for {
		t := p.advance()
		switch t.kind {
		case tokString:
			list = append(list, types.String(t.text))
		case tokInt:
			list = append(list, types.Int(t.i))
		case tokFloat:
			list = append(list, types.Float(t.f))
		default:
			return nil, p.errorf(t, "expected literal")
		}
		t = p.advance()
		if t.kind == tokRParen {
			return list, nil
		}
		if t.kind != tokComma {
			return nil, p.errorf(t, "expected , or )")
		}
	}
}

func (p *parser) additive() (node, error) {
	l, err := p.multiplicative()
	if err != nil {
		return nil, err
	}
	for p.isOp("+", "-") {
		op := p.advance().text
		r, err := p.multiplicative()
		if err != nil {
			return nil, err
		}
		l = &arith{op: op[0], l: l, r: r}
	}
	return l, nil
}

func (p *parser) multiplicative() (node, error) {
	l, err := p.unary()
	if err != nil {
		return nil, err
	}
	for p.isOp("*", "/") {
		op := p.advance().text
		r, err := p.unary()
		if err != nil {
			return nil, err
		}
		l = &arith{op: op[0], l: l, r: r}
	}
	return l, nil
}

func (p *parser) unary() (node, error) {
	if p.isOp("+", "-") {
		op := p.advance().text
		x, err := p.unary()
		if err != nil {
			return nil, err
		}
		if op == "+" {
			return x, nil
		}
		return &neg{x: x}, nil
	}
	return p.primary()
}

func (p *parser) primary() (node, error) {
	t := p.advance()
	switch t.kind {
	case tokInt:
		return &literal{v: types.Int(t.i)}, nil
	case tokFloat:
		return &literal{v: types.Float(t.f)}, nil
	case tokString:
		return &literal{v: types.String(t.text)}, nil
	case tokTrue:
		return &literal{v: types.Bool(true)}, nil
	case tokFalse:
		return &literal{v: types.Bool(false)}, nil
	case tokIdent:
		return &ident{name: t.text}, nil
	case tokLParen:
		n, err := p.or()
		if err != nil {
			return nil, err
		}
		if _, err := p.expect(tokRParen, ")"); err != nil {
			return nil, err
		}
		return n, nil
	case tokEOF:
		return nil, p.errorf(t, "unexpected end of expression")
	default:
		return nil, p.errorf(t, "unexpected %q", t.text)
	}
}

// compileLike turns a LIKE pattern into an anchored regexp.
// % matches any sequence, _ matches one character.
func compileLike(pattern, escape string) (*regexp.Regexp, error) {
	var sb strings.Builder
	sb.WriteString("(?s)^")
	runes := []rune(pattern)
	for i := 0; i < len(runes); i++ {
		r := runes[i]
		switch {
		case escape != "" && string(r) == escape:
			if i+1 >= len(runes) {
				return nil, ErrSyntax
			}
			i++
			sb.WriteString(regexp.QuoteMeta(string(runes[i])))
		case r == '%':
			sb.WriteString(".*")
		case r == '_':
			sb.WriteString(".")
		default:
			sb.WriteString(regexp.QuoteMeta(string(r)))
		}
	}
	sb.WriteString("$")
	return regexp.Compile(sb.String())
}
