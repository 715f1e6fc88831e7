package stepgraph

import (
	"errors"
	"fmt"

	"github.com/roach88/questflow/internal/answer"
)

// StepID identifies one question screen.
type StepID string

// Reserved markers returned at the ends of the questionnaire. They are never
// valid step ids in a Graph.
const (
	// Terminal is returned by Next past the last step: proceed to review.
	Terminal StepID = "$terminal"
	// Start is returned by Previous before the first step: exit the questionnaire.
	Start StepID = "$start"
)

// Errors returned by Graph construction and resolution.
var (
	ErrUnknownStep   = errors.New("unknown step")
	ErrDuplicateStep = errors.New("duplicate step id")
	ErrReservedStep  = errors.New("reserved step id")
	ErrEmptyGraph    = errors.New("graph has no steps")
	ErrInvalidRule   = errors.New("invalid branch rule")
	ErrAmbiguousRule = errors.New("duplicate branch rule")
	ErrCycle         = errors.New("forward path revisits a step")
)

// Step is one declared question screen.
type Step struct {
	ID StepID

	// BranchOnly removes the step from the default path. It is reached only
	// when a branch rule targets it.
	BranchOnly bool

	// Skip, when non-nil and true, removes the step from the default path
	// for the given answers. Explicit branch targets are never skipped.
	Skip Predicate
}

// Rule overrides the default successor of From with To when When holds.
type Rule struct {
	From StepID
	To   StepID
	When Predicate
}

// Graph is an immutable questionnaire flow. Construct with New.
type Graph struct {
	name  string
	steps []Step
	index map[StepID]int
	rules map[StepID][]Rule // per source, declaration order preserved
}

// New validates steps and rules and returns a Graph.
//
// The slices are copied; later mutation by the caller has no effect.
// Rules are validated for known endpoints, a non-nil predicate and
// uniqueness of (From, predicate) so that no two rules on one source can
// be identical. Overlapping but non-identical predicates are allowed and
// resolved first-match-wins.
func New(name string, steps []Step, rules []Rule) (*Graph, error) {
	if len(steps) == 0 {
		return nil, ErrEmptyGraph
	}

	g := &Graph{
		name:  name,
		steps: make([]Step, len(steps)),
		index: make(map[StepID]int, len(steps)),
		rules: make(map[StepID][]Rule),
	}
	copy(g.steps, steps)

	for i, s := range g.steps {
		if s.ID == "" {
			return nil, fmt.Errorf("step %d: %w: empty id", i, ErrInvalidRule)
		}
		if s.ID == Terminal || s.ID == Start {
			return nil, fmt.Errorf("step %q: %w", s.ID, ErrReservedStep)
		}
		if _, dup := g.index[s.ID]; dup {
			return nil, fmt.Errorf("step %q: %w", s.ID, ErrDuplicateStep)
		}
		g.index[s.ID] = i
	}

	seen := make(map[string]bool, len(rules))
	for i, r := range rules {
		if _, ok := g.index[r.From]; !ok {
			return nil, fmt.Errorf("rule %d: from %q: %w", i, r.From, ErrUnknownStep)
		}
		if _, ok := g.index[r.To]; !ok {
			return nil, fmt.Errorf("rule %d: to %q: %w", i, r.To, ErrUnknownStep)
		}
		if r.When == nil {
			return nil, fmt.Errorf("rule %d: %w: missing predicate", i, ErrInvalidRule)
		}
		key := string(r.From) + "|" + r.When.String()
		if seen[key] {
			return nil, fmt.Errorf("rule %d on %q: %w: %s", i, r.From, ErrAmbiguousRule, r.When)
		}
		seen[key] = true
		g.rules[r.From] = append(g.rules[r.From], r)
	}

	return g, nil
}

// Name returns the questionnaire name given at construction.
func (g *Graph) Name() string {
	return g.name
}

// Steps returns the declared step ids in order.
func (g *Graph) Steps() []StepID {
	ids := make([]StepID, len(g.steps))
	for i, s := range g.steps {
		ids[i] = s.ID
	}
	return ids
}

// Contains reports whether id is a declared step.
func (g *Graph) Contains(id StepID) bool {
	_, ok := g.index[id]
	return ok
}

// Rules returns the branch rules attached to from, in declaration order.
func (g *Graph) Rules(from StepID) []Rule {
	rs := g.rules[from]
	out := make([]Rule, len(rs))
	copy(out, rs)
	return out
}

// Successors returns every step Next can resolve to from current under
// some answers: rule targets in declaration order, then the default
// candidates up to the first step that cannot be skipped. Terminal is not
// included. An unknown step has no successors.
func (g *Graph) Successors(current StepID) []StepID {
	idx, ok := g.index[current]
	if !ok {
		return nil
	}

	var out []StepID
	seen := make(map[StepID]bool)
	add := func(id StepID) {
		if !seen[id] {
			seen[id] = true
			out = append(out, id)
		}
	}

	for _, r := range g.rules[current] {
		add(r.To)
	}
	for j := idx + 1; j < len(g.steps); j++ {
		s := g.steps[j]
		if s.BranchOnly {
			continue
		}
		add(s.ID)
		if s.Skip == nil {
			break
		}
	}
	return out
}

// First returns the first step on the default path for the given answers,
// or Terminal when every step is branch-only or skipped.
func (g *Graph) First(a answer.Set) StepID {
	return g.defaultFrom(0, a)
}

// Next returns the step after current, or Terminal past the last step.
func (g *Graph) Next(current StepID, a answer.Set) (StepID, error) {
	idx, ok := g.index[current]
	if !ok {
		return "", fmt.Errorf("next from %q: %w", current, ErrUnknownStep)
	}
	return g.next(idx, a), nil
}

// next assumes idx is valid.
func (g *Graph) next(idx int, a answer.Set) StepID {
	for _, r := range g.rules[g.steps[idx].ID] {
		if r.When.Eval(a) {
			return r.To
		}
	}
	return g.defaultFrom(idx+1, a)
}

// defaultFrom returns the first default-path step at or after idx.
func (g *Graph) defaultFrom(idx int, a answer.Set) StepID {
	for j := idx; j < len(g.steps); j++ {
		if g.onDefaultPath(j, a) {
			return g.steps[j].ID
		}
	}
	return Terminal
}

func (g *Graph) onDefaultPath(idx int, a answer.Set) bool {
	s := g.steps[idx]
	if s.BranchOnly {
		return false
	}
	return s.Skip == nil || !s.Skip.Eval(a)
}

// Path returns the forward path taken from the first step with the given
// answers, ending before Terminal. If the rules route back to a step
// already visited, the path up to the repeat is returned with ErrCycle.
func (g *Graph) Path(a answer.Set) ([]StepID, error) {
	var path []StepID
	visited := make(map[StepID]bool, len(g.steps))

	cur := g.First(a)
	for cur != Terminal {
		if visited[cur] {
			return path, fmt.Errorf("path revisits %q: %w", cur, ErrCycle)
		}
		visited[cur] = true
		path = append(path, cur)
		cur = g.next(g.index[cur], a)
	}
	return path, nil
}

// Previous returns the step whose resolved successor led to current, or
// Start when current is the first step of the path.
//
// Resolution order:
//  1. the step preceding current on the forward path for these answers;
//  2. the nearest declared step (searching backwards, then forwards)
//     whose resolved successor is current;
//  3. the nearest earlier default-path step;
//  4. Start.
func (g *Graph) Previous(current StepID, a answer.Set) (StepID, error) {
	idx, ok := g.index[current]
	if !ok {
		return "", fmt.Errorf("previous from %q: %w", current, ErrUnknownStep)
	}

	// A cycle still yields a usable prefix.
	path, _ := g.Path(a)
	for i, id := range path {
		if id == current {
			if i == 0 {
				return Start, nil
			}
			return path[i-1], nil
		}
	}

	for j := idx - 1; j >= 0; j-- {
		if g.next(j, a) == current {
			return g.steps[j].ID, nil
		}
	}
	for j := idx + 1; j < len(g.steps); j++ {
		if g.next(j, a) == current {
			return g.steps[j].ID, nil
		}
	}

	for j := idx - 1; j >= 0; j-- {
		if g.onDefaultPath(j, a) {
			return g.steps[j].ID, nil
		}
	}
	return Start, nil
}
