// Package harness runs questionnaire scenarios end to end against an
// in-memory session service and a fake clock.
//
// # Scenario Format
//
// Scenarios are YAML files:
//
//	name: onboarding_autre_login
//	description: "What this scenario validates"
//	questionnaire: ../../compiler/testdata/onboarding.cue
//	questionnaire_name: onboarding
//	authenticated: false
//	profile:
//	  completed: true
//	  answers: { birth_date: "1990-05-17T00:00:00.000Z" }
//	setup:
//	  - action: seed_draft
//	    args: { answers: { email: a@b.com } }
//	flow:
//	  - invoke: set
//	    args: { field: email, value: a@b.com }
//	  - invoke: advance
//	    args: { duration: 400ms }
//	  - invoke: next
//	    args: { from: problem_to_solve }
//	    expect:
//	      case: ok
//	      result: { step: problem_to_solve_other }
//	assertions:
//	  - type: trace_count
//	    action: remote.create
//	    count: 1
//	  - type: final_state
//	    table: flags
//	    expect: { attach_pending: false }
//
// The questionnaire path is resolved relative to the scenario file.
//
// # Actions
//
// Setup: seed_draft {answers}, seed_handle {n, remote, answers, pending},
// set_completed {}. seed_handle stores fake handle n locally; with remote
// the fake service also knows the session.
//
// Flow: set {field, value}, merge {answers}, advance {duration}, flush {},
// next {from}, prev {from}, path {}, login {}, fail {op, error, times},
// drop_session {}, complete {}, restart {}, status {}, answers {}.
//
// Every flow step records an invocation, then one remote event per
// session call it caused, then a completion carrying the step's case and
// result. An expect clause is checked against the actual completion.
//
// # Assertion Types
//
//   - trace_contains: an action appears with matching args (subset match)
//   - trace_order: actions appear in the given order
//   - trace_count: an action appears exactly N times
//   - final_state: a state view (draft, flags, remote, status, journal)
//     holds the expected values (subset match)
//
// # Deterministic Testing
//
// Each scenario runs on a fresh in-memory SQLite store, a fake clock
// starting at a fixed instant and a fake session service that assigns
// predictable handles, so traces are byte-identical across runs and can be
// compared against golden files.
package harness
