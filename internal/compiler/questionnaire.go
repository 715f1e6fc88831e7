package compiler

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"

	"cuelang.org/go/cue"
	cueerrors "cuelang.org/go/cue/errors"
	"cuelang.org/go/cue/token"

	"github.com/roach88/questflow/internal/stepgraph"
)

// Questionnaire is a compiled questionnaire definition.
type Questionnaire struct {
	Name  string
	Graph *stepgraph.Graph

	// DateFields lists answer keys holding calendar dates. Hydration
	// normalises these to YYYY-MM-DD.
	DateFields []string
}

// CompileQuestionnaire parses a CUE value into a Questionnaire.
//
// The CUE value should be the questionnaire struct itself, e.g.:
//
//	ctx := cuecontext.New()
//	v := ctx.CompileString(`questionnaire: onboarding: { steps: [...] }`)
//	q, err := CompileQuestionnaire(v.LookupPath(cue.ParsePath("questionnaire.onboarding")))
func CompileQuestionnaire(v cue.Value) (*Questionnaire, error) {
	if err := v.Err(); err != nil {
		return nil, formatCUEError(err)
	}

	q := &Questionnaire{}

	labels := v.Path().Selectors()
	if len(labels) > 0 {
		q.Name = labels[len(labels)-1].String()
	}

	steps, err := parseSteps(v)
	if err != nil {
		return nil, err
	}
	if len(steps) == 0 {
		return nil, &CompileError{
			Field:   "steps",
			Message: "at least one step is required",
			Pos:     v.Pos(),
		}
	}

	rules, err := parseRules(v)
	if err != nil {
		return nil, err
	}

	q.DateFields, err = parseStringList(v, "date_fields")
	if err != nil {
		return nil, err
	}

	graph, err := stepgraph.New(q.Name, steps, rules)
	if err != nil {
		return nil, &CompileError{
			Field:   "questionnaire",
			Message: err.Error(),
			Pos:     v.Pos(),
			Err:     err,
		}
	}
	q.Graph = graph

	return q, nil
}

// parseSteps extracts the ordered step list.
func parseSteps(v cue.Value) ([]stepgraph.Step, error) {
	stepsVal := v.LookupPath(cue.ParsePath("steps"))
	if !stepsVal.Exists() {
		return nil, nil
	}

	iter, err := stepsVal.List()
	if err != nil {
		return nil, formatCUEError(err)
	}

	var steps []stepgraph.Step
	for i := 0; iter.Next(); i++ {
		sv := iter.Value()
		field := fmt.Sprintf("steps[%d]", i)

		// A bare string is shorthand for {id: "..."}.
		if id, err := sv.String(); err == nil {
			steps = append(steps, stepgraph.Step{ID: stepgraph.StepID(id)})
			continue
		}

		idVal := sv.LookupPath(cue.ParsePath("id"))
		if !idVal.Exists() {
			return nil, &CompileError{Field: field + ".id", Message: "step id is required", Pos: sv.Pos()}
		}
		id, err := idVal.String()
		if err != nil {
			return nil, formatCUEError(err)
		}
		step := stepgraph.Step{ID: stepgraph.StepID(id)}

		if bo := sv.LookupPath(cue.ParsePath("branch_only")); bo.Exists() {
			step.BranchOnly, err = bo.Bool()
			if err != nil {
				return nil, formatCUEError(err)
			}
		}

		if sk := sv.LookupPath(cue.ParsePath("skip_when")); sk.Exists() {
			step.Skip, err = parsePredicate(sk, field+".skip_when")
			if err != nil {
				return nil, err
			}
		}

		steps = append(steps, step)
	}

	return steps, nil
}

// parseRules extracts branch rules in declaration order.
func parseRules(v cue.Value) ([]stepgraph.Rule, error) {
	rulesVal := v.LookupPath(cue.ParsePath("rules"))
	if !rulesVal.Exists() {
		return nil, nil
	}

	iter, err := rulesVal.List()
	if err != nil {
		return nil, formatCUEError(err)
	}

	var rules []stepgraph.Rule
	for i := 0; iter.Next(); i++ {
		rv := iter.Value()
		field := fmt.Sprintf("rules[%d]", i)

		from, err := requiredString(rv, "from", field)
		if err != nil {
			return nil, err
		}
		to, err := requiredString(rv, "to", field)
		if err != nil {
			return nil, err
		}

		whenVal := rv.LookupPath(cue.ParsePath("when"))
		if !whenVal.Exists() {
			return nil, &CompileError{Field: field + ".when", Message: "rule condition is required", Pos: rv.Pos()}
		}
		when, err := parsePredicate(whenVal, field+".when")
		if err != nil {
			return nil, err
		}

		rules = append(rules, stepgraph.Rule{
			From: stepgraph.StepID(from),
			To:   stepgraph.StepID(to),
			When: when,
		})
	}

	return rules, nil
}

// parsePredicate converts a condition object into a Predicate.
//
// Leaf forms carry a field plus exactly one operator:
//
//	{field: "x", equals: v}
//	{field: "x", not_equals: v}
//	{field: "x", in: [v, ...]}
//	{field: "x", contains: v}
//	{field: "x", present: true}
//
// Combinators: {all: [...]}, {any: [...]}, {not: {...}}.
func parsePredicate(v cue.Value, field string) (stepgraph.Predicate, error) {
	if all := v.LookupPath(cue.ParsePath("all")); all.Exists() {
		preds, err := parsePredicateList(all, field+".all")
		if err != nil {
			return nil, err
		}
		return stepgraph.All(preds...), nil
	}
	if anyVal := v.LookupPath(cue.ParsePath("any")); anyVal.Exists() {
		preds, err := parsePredicateList(anyVal, field+".any")
		if err != nil {
			return nil, err
		}
		return stepgraph.Any(preds...), nil
	}
	if not := v.LookupPath(cue.ParsePath("not")); not.Exists() {
		inner, err := parsePredicate(not, field+".not")
		if err != nil {
			return nil, err
		}
		return stepgraph.Not(inner), nil
	}

	name, err := requiredString(v, "field", field)
	if err != nil {
		return nil, err
	}

	var ops []string
	var pred stepgraph.Predicate
	if ev := v.LookupPath(cue.ParsePath("equals")); ev.Exists() {
		lit, err := literalValue(ev)
		if err != nil {
			return nil, err
		}
		ops = append(ops, "equals")
		pred = stepgraph.Equals(name, lit)
	}
	if nv := v.LookupPath(cue.ParsePath("not_equals")); nv.Exists() {
		lit, err := literalValue(nv)
		if err != nil {
			return nil, err
		}
		ops = append(ops, "not_equals")
		pred = stepgraph.NotEquals(name, lit)
	}
	if iv := v.LookupPath(cue.ParsePath("in")); iv.Exists() {
		lit, err := literalValue(iv)
		if err != nil {
			return nil, err
		}
		list, ok := lit.([]any)
		if !ok {
			return nil, &CompileError{Field: field + ".in", Message: "in must be a list", Pos: iv.Pos()}
		}
		ops = append(ops, "in")
		pred = stepgraph.In(name, list...)
	}
	if cv := v.LookupPath(cue.ParsePath("contains")); cv.Exists() {
		lit, err := literalValue(cv)
		if err != nil {
			return nil, err
		}
		ops = append(ops, "contains")
		pred = stepgraph.Contains(name, lit)
	}
	if pv := v.LookupPath(cue.ParsePath("present")); pv.Exists() {
		want, err := pv.Bool()
		if err != nil {
			return nil, formatCUEError(err)
		}
		ops = append(ops, "present")
		pred = stepgraph.Present(name)
		if !want {
			pred = stepgraph.Not(pred)
		}
	}

	switch len(ops) {
	case 0:
		return nil, &CompileError{
			Field:   field,
			Message: "condition needs one of equals, not_equals, in, contains, present",
			Pos:     v.Pos(),
		}
	case 1:
		return pred, nil
	default:
		return nil, &CompileError{
			Field:   field,
			Message: fmt.Sprintf("condition has multiple operators: %v", ops),
			Pos:     v.Pos(),
		}
	}
}

func parsePredicateList(v cue.Value, field string) ([]stepgraph.Predicate, error) {
	iter, err := v.List()
	if err != nil {
		return nil, formatCUEError(err)
	}
	var preds []stepgraph.Predicate
	for i := 0; iter.Next(); i++ {
		p, err := parsePredicate(iter.Value(), fmt.Sprintf("%s[%d]", field, i))
		if err != nil {
			return nil, err
		}
		preds = append(preds, p)
	}
	return preds, nil
}

func parseStringList(v cue.Value, name string) ([]string, error) {
	lv := v.LookupPath(cue.ParsePath(name))
	if !lv.Exists() {
		return nil, nil
	}
	iter, err := lv.List()
	if err != nil {
		return nil, formatCUEError(err)
	}
	var out []string
	for iter.Next() {
		s, err := iter.Value().String()
		if err != nil {
			return nil, formatCUEError(err)
		}
		out = append(out, s)
	}
	return out, nil
}

func requiredString(v cue.Value, name, field string) (string, error) {
	sv := v.LookupPath(cue.ParsePath(name))
	if !sv.Exists() {
		return "", &CompileError{
			Field:   field + "." + name,
			Message: name + " is required",
			Pos:     v.Pos(),
		}
	}
	s, err := sv.String()
	if err != nil {
		return "", formatCUEError(err)
	}
	return s, nil
}

// literalValue converts a concrete CUE value to its JSON-shaped Go form.
// Numbers stay json.Number so integer operands compare exactly.
func literalValue(v cue.Value) (any, error) {
	data, err := v.MarshalJSON()
	if err != nil {
		return nil, formatCUEError(err)
	}
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.UseNumber()
	var out any
	if err := dec.Decode(&out); err != nil {
		return nil, &CompileError{Field: "literal", Message: err.Error(), Pos: v.Pos()}
	}
	return out, nil
}

// CompileError represents a compilation error with source position.
type CompileError struct {
	Field   string
	Message string
	Pos     token.Pos
	Err     error
}

func (e *CompileError) Error() string {
	if e.Pos.IsValid() {
		return fmt.Sprintf("%s:%d:%d: %s: %s",
			e.Pos.Filename(), e.Pos.Line(), e.Pos.Column(),
			e.Field, e.Message)
	}
	return fmt.Sprintf("%s: %s", e.Field, e.Message)
}

func (e *CompileError) Unwrap() error {
	return e.Err
}

// IsCompileError reports whether err is or wraps a *CompileError.
func IsCompileError(err error) bool {
	var ce *CompileError
	return errors.As(err, &ce)
}

// formatCUEError extracts position info from CUE errors.
func formatCUEError(err error) error {
	if err == nil {
		return nil
	}

	// CUE errors may contain multiple errors
	errs := cueerrors.Errors(err)
	if len(errs) == 0 {
		return err
	}

	firstErr := errs[0]
	positions := cueerrors.Positions(firstErr)
	if len(positions) > 0 {
		return &CompileError{
			Field:   "cue",
			Message: firstErr.Error(),
			Pos:     positions[0],
			Err:     err,
		}
	}

	return err
}
