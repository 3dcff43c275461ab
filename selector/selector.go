// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

// Package selector evaluates SQL-92 style filter expressions against message
// properties.
//
// Supported syntax: comparisons (=, <>, <, >, <=, >=), AND, OR, NOT,
// arithmetic (+, -, *, /), [NOT] BETWEEN, [NOT] IN, [NOT] LIKE with ESCAPE,
// IS [NOT] NULL, string, numeric and boolean literals. Identifiers name
// message properties. An expression that references a missing property
// evaluates to unknown and therefore does not match.
package selector

import (
	"errors"
	"strings"

	"github.com/absmach/fluxq/types"
)

var ErrSyntax = errors.New("invalid selector")

// Selector is a compiled filter expression. A nil Selector matches every
// message. Selectors are immutable and safe for concurrent use.
type Selector struct {
	expr string
	root node
}

// Parse compiles expr. A blank expression yields a nil Selector.
func Parse(expr string) (*Selector, error) {
	if strings.TrimSpace(expr) == "" {
		return nil, nil
	}
	root, err := parse(expr)
	if err != nil {
		return nil, err
	}
	return &Selector{expr: expr, root: root}, nil
}

// MustParse is like Parse but panics on error.
func MustParse(expr string) *Selector {
	s, err := Parse(expr)
	if err != nil {
		panic(err)
	}
	return s
}

func (s *Selector) String() string {
	if s == nil {
		return ""
	}
	return s.expr
}

// Matches reports whether msg satisfies the selector.
func (s *Selector) Matches(msg *types.Message) bool {
	if s == nil {
		return true
	}
	if msg == nil {
		return false
	}
	return s.MatchesProperties(msg.Properties)
}

// MatchesProperties evaluates the selector against a property set.
func (s *Selector) MatchesProperties(props types.Properties) bool {
	if s == nil {
		return true
	}
	return isTrue(s.root.eval(props))
}

// Match compiles expr and evaluates it against msg.
func Match(msg *types.Message, expr string) (bool, error) {
	s, err := Parse(expr)
	if err != nil {
		return false, err
	}
	return s.Matches(msg), nil
}
