// Package stepgraph resolves the next and previous questionnaire step from
// the current step and the accumulated answers.
//
// A Graph is a fixed, declared order of steps (the default path) plus
// branch rules attached to source steps. Resolution is a pure function of
// its inputs: no I/O, no hidden state, safe for concurrent use, and
// deterministic for identical inputs.
//
// # Resolution
//
// Next(current, answers):
//  1. Rules whose source is current are evaluated in declaration order;
//     the first whose predicate holds names the successor.
//  2. Otherwise the default successor is the next declared step that is
//     neither branch-only nor skipped by its Skip predicate.
//  3. With no such step the result is Terminal.
//
// Previous(current, answers) is the inverse of the path actually taken:
// the forward path is replayed from the first step with the same answers
// and the step visited just before current is returned. Start is returned
// for the first step.
//
// # Predicates
//
// Leaf predicates (Equals, NotEquals, In, Contains, Present) are false when
// their field is absent. Combinators (All, Any, Not) compose leaves.
package stepgraph
