// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package selector

import (
	"fmt"
	"strconv"
	"strings"
	"unicode"
)

type tokenKind int

const (
	tokEOF tokenKind = iota
	tokIdent
	tokString
	tokInt
	tokFloat
	tokOp
	tokLParen
	tokRParen
	tokComma
	// keywords
	tokAnd
	tokOr
	tokNot
	tokBetween
	tokIn
	tokLike
	tokEscape
	tokIs
	tokNull
	tokTrue
	tokFalse
)

var keywords = map[string]tokenKind{
	"AND":     tokAnd,
	"OR":      tokOr,
	"NOT":     tokNot,
	"BETWEEN": tokBetween,
	"IN":      tokIn,
	"LIKE":    tokLike,
	"ESCAPE":  tokEscape,
	"IS":      tokIs,
	"NULL":    tokNull,
	"TRUE":    tokTrue,
	"FALSE":   tokFalse,
}

type token struct {
	kind tokenKind
	text string
	pos  int
	i    int64
	f    float64
}

type lexer struct {
	src string
	pos int
}

func (l *lexer) tokens() ([]token, error) {
	var toks []token
	for {
		t, err := l.next()
		if err != nil {
			return nil, err
		}
		toks = append(toks, t)
		if t.kind == tokEOF {
			return toks, nil
		}
	}
}

func (l *lexer) next() (token, error) {
	for l.pos < len(l.src) && unicode.IsSpace(rune(l.src[l.pos])) {
		l.pos++
	}
	if l.pos >= len(l.src) {
		return token{kind: tokEOF, pos: l.pos}, nil
	}

	start := l.pos
	c := l.src[l.pos]
	switch {
	case c == '(':
		l.pos++
		return token{kind: tokLParen, text: "(", pos: start}, nil
	case c == ')':
		l.pos++
		return token{kind: tokRParen, text: ")", pos: start}, nil
	case c == ',':
		l.pos++
		return token{kind: tokComma, text: ",", pos: start}, nil
	case c == '\'':
		return l.str()
	case c >= '0' && c <= '9', c == '.' && l.pos+1 < len(l.src) && isDigit(l.src[l.pos+1]):
		return l.number()
	case isIdentStart(c):
		for l.pos < len(l.src) && isIdentPart(l.src[l.pos]) {
			l.pos++
		}
		text := l.src[start:l.pos]
		if kw, ok := keywords[strings.ToUpper(text)]; ok {
			return token{kind: kw, text: text, pos: start}, nil
		}
		return token{kind: tokIdent, text: text, pos: start}, nil
	}

	for _, op := range []string{"<>", "<=", ">=", "=", "<", ">", "+", "-", "*", "/"} {
		if strings.HasPrefix(l.src[l.pos:], op) {
			l.pos += len(op)
			return token{kind: tokOp, text: op, pos: start}, nil
		}
	}
	return token{}, fmt.Errorf("unexpected character %q at %d: %w", c, start, ErrSyntax)
}

// str scans a quoted literal. A doubled quote stands for one quote.
func (l *lexer) str() (token, error) {
	start := l.pos
	l.pos++
	var sb strings.Builder
	for l.pos < len(l.src) {
		c := l.src[l.pos]
		if c == '\'' {
			if l.pos+1 < len(l.src) && l.src[l.pos+1] == '\'' {
				sb.WriteByte('\'')
				l.pos += 2
				continue
			}
			l.pos++
			return token{kind: tokString, text: sb.String(), pos: start}, nil
		}
		sb.WriteByte(c)
		l.pos++
	}
	return token{}, fmt.Errorf("unterminated string at %d: %w", start, ErrSyntax)
}

func (l *lexer) number() (token, error) {
	start := l.pos
	float := false
scan:
	for l.pos < len(l.src) {
		c := l.src[l.pos]
		switch {
		case isDigit(c):
		case c == '.':
			float = true
		case c == 'e' || c == 'E':
			float = true
			if l.pos+1 < len(l.src) && (l.src[l.pos+1] == '+' || l.src[l.pos+1] == '-') {
				l.pos++
			}
		default:
			break scan
		}
		l.pos++
	}
	text := l.src[start:l.pos]
	if float {
		f, err := strconv.ParseFloat(text, 64)
		if err != nil {
			return token{}, fmt.Errorf("bad number %q: %w", text, ErrSyntax)
		}
		return token{kind: tokFloat, text: text, pos: start, f: f}, nil
	}
	i, err := strconv.ParseInt(text, 10, 64)
	if err != nil {
		return token{}, fmt.Errorf("bad number %q: %w", text, ErrSyntax)
	}
	return token{kind: tokInt, text: text, pos: start, i: i}, nil
}

func isDigit(c byte) bool { return c >= '0' && c <= '9' }

func isIdentStart(c byte) bool {
	return c == '_' || c == '$' || (c >= 'a' && c <= 'z') || (c >= 'A' && c <= 'Z')
}

func isIdentPart(c byte) bool {
	return isIdentStart(c) || isDigit(c) || c == '.'
}
