// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package selector

import (
	"regexp"

	"github.com/absmach/fluxq/types"
)

// Expressions evaluate under SQL three-valued logic: a null Value stands for
// unknown. Missing properties, type mismatches and division by zero are unknown.
type node interface {
	eval(p types.Properties) types.Value
}

var (
	null     = types.Value{}
	trueVal  = types.Bool(true)
	falseVal = types.Bool(false)
)

func boolVal(b bool) types.Value {
	if b {
		return trueVal
	}
	return falseVal
}

func isTrue(v types.Value) bool  { return v.Kind() == types.KindBool && v.Bool() }
func isFalse(v types.Value) bool { return v.Kind() == types.KindBool && !v.Bool() }

func not3(v types.Value) types.Value {
	if v.Kind() != types.KindBool {
		return null
	}
	return boolVal(!v.Bool())
}

type literal struct{ v types.Value }

func (n *literal) eval(types.Properties) types.Value { return n.v }

type ident struct{ name string }

func (n *ident) eval(p types.Properties) types.Value {
	v, ok := p.Get(n.name)
	if !ok {
		return null
	}
	return v
}

type neg struct{ x node }

func (n *neg) eval(p types.Properties) types.Value {
	v := n.x.eval(p)
	switch v.Kind() {
	case types.KindInt:
		return types.Int(-v.Int64())
	case types.KindFloat:
		return types.Float(-v.Float64())
	default:
		return null
	}
}

type notNode struct{ x node }

func (n *notNode) eval(p types.Properties) types.Value { return not3(n.x.eval(p)) }

type logical struct {
	and  bool
	l, r node
}

func (n *logical) eval(p types.Properties) types.Value {
	l := n.l.eval(p)
	if n.and {
		if isFalse(l) {
			return falseVal
		}
		r := n.r.eval(p)
		switch {
		case isFalse(r):
			return falseVal
		case isTrue(l) && isTrue(r):
			return trueVal
		default:
			return null
		}
	}
	if isTrue(l) {
		return trueVal
	}
	r := n.r.eval(p)
	switch {
	case isTrue(r):
		return trueVal
	case isFalse(l) && isFalse(r):
		return falseVal
	default:
		return null
	}
}

type compare struct {
	op   string
	l, r node
}

func (n *compare) eval(p types.Properties) types.Value {
	return compareValues(n.op, n.l.eval(p), n.r.eval(p))
}

func isNumeric(v types.Value) bool {
	return v.Kind() == types.KindInt || v.Kind() == types.KindFloat
}

func asFloat(v types.Value) float64 {
	if v.Kind() == types.KindInt {
		return float64(v.Int64())
	}
	return v.Float64()
}

func compareValues(op string, l, r types.Value) types.Value {
	if l.IsNull() || r.IsNull() {
		return null
	}

	if isNumeric(l) && isNumeric(r) {
		var c int
		if l.Kind() == types.KindInt && r.Kind() == types.KindInt {
			c = cmp(l.Int64(), r.Int64())
		} else {
			c = cmp(asFloat(l), asFloat(r))
		}
		switch op {
		case "=":
			return boolVal(c == 0)
		case "<>":
			return boolVal(c != 0)
		case "<":
			return boolVal(c < 0)
		case ">":
			return boolVal(c > 0)
		case "<=":
			return boolVal(c <= 0)
		case ">=":
			return boolVal(c >= 0)
		}
		return null
	}

	if l.Kind() != r.Kind() {
		return null
	}
	var eq bool
	switch l.Kind() {
	case types.KindString:
		eq = l.String() == r.String()
	case types.KindBool:
		eq = l.Bool() == r.Bool()
	default:
		return null
	}
	switch op {
	case "=":
		return boolVal(eq)
	case "<>":
		return boolVal(!eq)
	default:
		return null
	}
}

func cmp[T int64 | float64](a, b T) int {
	switch {
	case a < b:
		return -1
	case a > b:
		return 1
	default:
		return 0
	}
}

type arith struct {
	op   byte
	l, r node
}

func (n *arith) eval(p types.Properties) types.Value {
	l, r := n.l.eval(p), n.r.eval(p)
	if !isNumeric(l) || !isNumeric(r) {
		return null
	}
	if l.Kind() == types.KindInt && r.Kind() == types.KindInt {
		a, b := l.Int64(), r.Int64()
		switch n.op {
		case '+':
			return types.Int(a + b)
		case '-':
			return types.Int(a - b)
		case '*':
			return types.Int(a * b)
		case '/':
			if b == 0 {
				return null
			}
			return types.Int(a / b)
		}
		return null
	}
	a, b := asFloat(l), asFloat(r)
	switch n.op {
	case '+':
		return types.Float(a + b)
	case '-':
		return types.Float(a - b)
	case '*':
		return types.Float(a * b)
	case '/':
		if b == 0 {
			return null
		}
		return types.Float(a / b)
	}
	return null
}

type between struct {
	x, lo, hi node
	negate    bool
}

func (n *between) eval(p types.Properties) types.Value {
	x := n.x.eval(p)
	ge := compareValues(">=", x, n.lo.eval(p))
	le := compareValues("<=", x, n.hi.eval(p))
	var v types.Value
	switch {
	case isFalse(ge) || isFalse(le):
		v = falseVal
	case isTrue(ge) && isTrue(le):
		v = trueVal
	default:
		v = null
	}
	if n.negate {
		return not3(v)
	}
	return v
}

type in struct {
	x      node
	list   []types.Value
	negate bool
}

func (n *in) eval(p types.Properties) types.Value {
	x := n.x.eval(p)
	if x.IsNull() {
		return null
	}
	found := false
	for _, item := range n.list {
		if isTrue(compareValues("=", x, item)) {
			found = true
			break
		}
	}
	return boolVal(found != n.negate)
}

type like struct {
	x      node
	re     *regexp.Regexp
	negate bool
}

func (n *like) eval(p types.Properties) types.Value {
	x := n.x.eval(p)
	if x.Kind() != types.KindString {
		return null
	}
	return boolVal(n.re.MatchString(x.String()) != n.negate)
}

type isNull struct {
	x      node
	negate bool
}

func (n *isNull) eval(p types.Properties) types.Value {
	return boolVal(n.x.eval(p).IsNull() != n.negate)
}
