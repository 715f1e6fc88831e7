package stepgraph

import (
	"fmt"
	"strings"

	"github.com/roach88/questflow/internal/answer"
)

// Predicate is a boolean condition over an answer set.
//
// Eval must be pure and must not panic for any input, including answer
// sets where the referenced fields are absent. String returns a stable
// textual form used to detect duplicate rules.
type Predicate interface {
	Eval(a answer.Set) bool
	String() string
}

// Equals holds when Field is present and equal to Value.
func Equals(field string, value any) Predicate {
	return equalsPred{field: field, value: value}
}

// NotEquals holds when Field is present and differs from Value.
// An absent field does not satisfy NotEquals.
func NotEquals(field string, value any) Predicate {
	return notEqualsPred{field: field, value: value}
}

// In holds when Field is present and equal to one of values.
func In(field string, values ...any) Predicate {
	return inPred{field: field, values: values}
}

// Contains holds when Field is a list (multi-select answer) holding Value.
func Contains(field string, value any) Predicate {
	return containsPred{field: field, value: value}
}

// Present holds when Field has a non-nil value other than the empty string.
func Present(field string) Predicate {
	return presentPred{field: field}
}

// All holds when every predicate holds. All() with no predicates is true.
func All(preds ...Predicate) Predicate {
	return allPred{preds: preds}
}

// Any holds when at least one predicate holds. Any() with no predicates is false.
func Any(preds ...Predicate) Predicate {
	return anyPred{preds: preds}
}

// Not inverts p.
func Not(p Predicate) Predicate {
	return notPred{p: p}
}

// Func adapts a Go function. Name identifies the predicate in String so
// two Func predicates with the same name are considered the same rule.
func Func(name string, fn func(answer.Set) bool) Predicate {
	return funcPred{name: name, fn: fn}
}

type equalsPred struct {
	field string
	value any
}

func (p equalsPred) Eval(a answer.Set) bool {
	v, ok := a.Get(p.field)
	return ok && answer.Equal(v, p.value)
}

func (p equalsPred) String() string {
	return fmt.Sprintf("eq(%s,%s)", p.field, literal(p.value))
}

type notEqualsPred struct {
	field string
	value any
}

func (p notEqualsPred) Eval(a answer.Set) bool {
	v, ok := a.Get(p.field)
	return ok && !answer.Equal(v, p.value)
}

func (p notEqualsPred) String() string {
	return fmt.Sprintf("ne(%s,%s)", p.field, literal(p.value))
}

type inPred struct {
	field  string
	values []any
}

func (p inPred) Eval(a answer.Set) bool {
	v, ok := a.Get(p.field)
	if !ok {
		return false
	}
	for _, want := range p.values {
		if answer.Equal(v, want) {
			return true
		}
	}
	return false
}

func (p inPred) String() string {
	parts := make([]string, len(p.values))
	for i, v := range p.values {
		parts[i] = literal(v)
	}
	return fmt.Sprintf("in(%s,[%s])", p.field, strings.Join(parts, ","))
}

type containsPred struct {
	field string
	value any
}

func (p containsPred) Eval(a answer.Set) bool {
	v, ok := a.Get(p.field)
	if !ok {
		return false
	}
	switch list := v.(type) {
	case []any:
		for _, elem := range list {
			if answer.Equal(elem, p.value) {
				return true
			}
		}
	case []string:
		for _, elem := range list {
			if answer.Equal(elem, p.value) {
				return true
			}
		}
	}
	return false
}

func (p containsPred) String() string {
	return fmt.Sprintf("contains(%s,%s)", p.field, literal(p.value))
}

type presentPred struct {
	field string
}

func (p presentPred) Eval(a answer.Set) bool {
	v, ok := a.Get(p.field)
	if !ok {
		return false
	}
	if s, isString := v.(string); isString {
		return strings.TrimSpace(s) != ""
	}
	return true
}

func (p presentPred) String() string {
	return fmt.Sprintf("present(%s)", p.field)
}

type allPred struct {
	preds []Predicate
}

func (p allPred) Eval(a answer.Set) bool {
	for _, q := range p.preds {
		if q == nil || !q.Eval(a) {
			return false
		}
	}
	return true
}

func (p allPred) String() string {
	return "all(" + joinPreds(p.preds) + ")"
}

type anyPred struct {
	preds []Predicate
}

func (p anyPred) Eval(a answer.Set) bool {
	for _, q := range p.preds {
		if q != nil && q.Eval(a) {
			return true
		}
	}
	return false
}

func (p anyPred) String() string {
	return "any(" + joinPreds(p.preds) + ")"
}

type notPred struct {
	p Predicate
}

func (p notPred) Eval(a answer.Set) bool {
	return p.p != nil && !p.p.Eval(a)
}

func (p notPred) String() string {
	if p.p == nil {
		return "not(<nil>)"
	}
	return "not(" + p.p.String() + ")"
}

type funcPred struct {
	name string
	fn   func(answer.Set) bool
}

func (p funcPred) Eval(a answer.Set) bool {
	return p.fn != nil && p.fn(a)
}

func (p funcPred) String() string {
	return "func(" + p.name + ")"
}

func joinPreds(preds []Predicate) string {
	parts := make([]string, len(preds))
	for i, q := range preds {
		if q == nil {
			parts[i] = "<nil>"
			continue
		}
		parts[i] = q.String()
	}
	return strings.Join(parts, ",")
}

// literal renders a predicate operand canonically so equal operands in
// different Go representations print the same.
func literal(v any) string {
	s, err := answer.CanonicalValue(v)
	if err != nil {
		return fmt.Sprintf("%v", v)
	}
	return s
}
