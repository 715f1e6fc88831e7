package stepgraph

import (
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/roach88/questflow/internal/answer"
)

// onboarding is the email / problem / "autre" / birth date flow.
func onboarding(t *testing.T) *Graph {
	t.Helper()
	g, err := New("onboarding",
		[]Step{
			{ID: "email"},
			{ID: "problem_to_solve"},
			{ID: "problem_to_solve_other", BranchOnly: true},
			{ID: "birth_date"},
		},
		[]Rule{
			{From: "problem_to_solve", To: "problem_to_solve_other", When: Equals("problem_to_solve", "autre")},
		},
	)
	require.NoError(t, err)
	return g
}

func TestNew_Validation(t *testing.T) {
	tests := []struct {
		name  string
		steps []Step
		rules []Rule
		want  error
	}{
		{name: "no steps", want: ErrEmptyGraph},
		{name: "duplicate", steps: []Step{{ID: "a"}, {ID: "a"}}, want: ErrDuplicateStep},
		{name: "reserved terminal", steps: []Step{{ID: Terminal}}, want: ErrReservedStep},
		{name: "reserved start", steps: []Step{{ID: Start}}, want: ErrReservedStep},
		{
			name:  "unknown rule source",
			steps: []Step{{ID: "a"}},
			rules: []Rule{{From: "x", To: "a", When: Present("f")}},
			want:  ErrUnknownStep,
		},
		{
			name:  "unknown rule target",
			steps: []Step{{ID: "a"}},
			rules: []Rule{{From: "a", To: "x", When: Present("f")}},
			want:  ErrUnknownStep,
		},
		{
			name:  "nil predicate",
			steps: []Step{{ID: "a"}, {ID: "b"}},
			rules: []Rule{{From: "a", To: "b"}},
			want:  ErrInvalidRule,
		},
		{
			name:  "identical rules",
			steps: []Step{{ID: "a"}, {ID: "b"}, {ID: "c"}},
			rules: []Rule{
				{From: "a", To: "b", When: Equals("f", 1)},
				{From: "a", To: "c", When: Equals("f", 1.0)},
			},
			want: ErrAmbiguousRule,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := New("q", tt.steps, tt.rules)
			require.Error(t, err)
			assert.ErrorIs(t, err, tt.want)
		})
	}
}

func TestNew_CopiesInput(t *testing.T) {
	steps := []Step{{ID: "a"}, {ID: "b"}}
	g, err := New("q", steps, nil)
	require.NoError(t, err)

	steps[1].ID = "mutated"
	assert.Equal(t, []StepID{"a", "b"}, g.Steps())
}

func TestNext_DefaultPathSkipsBranchOnly(t *testing.T) {
	g := onboarding(t)

	next, err := g.Next("problem_to_solve", answer.Set{"problem_to_solve": "argent"})
	require.NoError(t, err)
	assert.Equal(t, StepID("birth_date"), next)
}

func TestNext_BranchRuleOverridesDefault(t *testing.T) {
	g := onboarding(t)

	next, err := g.Next("problem_to_solve", answer.Set{"problem_to_solve": "autre"})
	require.NoError(t, err)
	assert.Equal(t, StepID("problem_to_solve_other"), next)

	next, err = g.Next("problem_to_solve_other", answer.Set{"problem_to_solve": "autre"})
	require.NoError(t, err)
	assert.Equal(t, StepID("birth_date"), next)
}

func TestNext_AbsentFieldUsesDefault(t *testing.T) {
	g := onboarding(t)

	next, err := g.Next("problem_to_solve", nil)
	require.NoError(t, err)
	assert.Equal(t, StepID("birth_date"), next)
}

func TestNext_LastStepIsTerminal(t *testing.T) {
	g := onboarding(t)

	next, err := g.Next("birth_date", answer.Set{"problem_to_solve": "autre"})
	require.NoError(t, err)
	assert.Equal(t, Terminal, next)
}

func TestNext_UnknownStep(t *testing.T) {
	g := onboarding(t)

	_, err := g.Next("nope", nil)
	assert.ErrorIs(t, err, ErrUnknownStep)
	_, err = g.Previous("nope", nil)
	assert.ErrorIs(t, err, ErrUnknownStep)
}

func TestNext_FirstMatchWins(t *testing.T) {
	g, err := New("q",
		[]Step{{ID: "a"}, {ID: "b"}, {ID: "c"}, {ID: "d"}},
		[]Rule{
			{From: "a", To: "c", When: Present("x")},
			{From: "a", To: "d", When: Equals("x", "yes")},
		},
	)
	require.NoError(t, err)

	next, err := g.Next("a", answer.Set{"x": "yes"})
	require.NoError(t, err)
	assert.Equal(t, StepID("c"), next)
}

func TestNext_SkipPredicate(t *testing.T) {
	g, err := New("q",
		[]Step{
			{ID: "a"},
			{ID: "company", Skip: Equals("status", "student")},
			{ID: "c"},
		},
		nil,
	)
	require.NoError(t, err)

	next, err := g.Next("a", answer.Set{"status": "student"})
	require.NoError(t, err)
	assert.Equal(t, StepID("c"), next)

	next, err = g.Next("a", answer.Set{"status": "employed"})
	require.NoError(t, err)
	assert.Equal(t, StepID("company"), next)
}

func TestPrevious_FirstStepIsStart(t *testing.T) {
	g := onboarding(t)

	prev, err := g.Previous("email", answer.Set{"problem_to_solve": "autre"})
	require.NoError(t, err)
	assert.Equal(t, Start, prev)
}

func TestPrevious_FollowsTakenBranch(t *testing.T) {
	g := onboarding(t)

	branched := answer.Set{"email": "a@b.com", "problem_to_solve": "autre"}
	prev, err := g.Previous("birth_date", branched)
	require.NoError(t, err)
	assert.Equal(t, StepID("problem_to_solve_other"), prev)

	plain := answer.Set{"email": "a@b.com", "problem_to_solve": "argent"}
	prev, err = g.Previous("birth_date", plain)
	require.NoError(t, err)
	assert.Equal(t, StepID("problem_to_solve"), prev)
}

func TestPrevious_OffPathStepFallsBackToRuleSource(t *testing.T) {
	g := onboarding(t)

	// The answer changed so the branch step is no longer on the path.
	prev, err := g.Previous("problem_to_solve_other", answer.Set{"problem_to_solve": "argent"})
	require.NoError(t, err)
	assert.Equal(t, StepID("problem_to_solve"), prev)
}

func TestRoundTripLaw(t *testing.T) {
	g := onboarding(t)

	sets := []answer.Set{
		nil,
		{"problem_to_solve": "autre"},
		{"problem_to_solve": "argent"},
		{"problem_to_solve": "autre", "problem_to_solve_other": "visa", "email": "x@y.z"},
	}

	for _, a := range sets {
		path, err := g.Path(a)
		require.NoError(t, err)
		for _, s := range path {
			next, err := g.Next(s, a)
			require.NoError(t, err)
			if next == Terminal {
				continue
			}
			prev, err := g.Previous(next, a)
			require.NoError(t, err)
			assert.Equal(t, s, prev, "previous(next(%s)) with %v", s, a)
		}
	}
}

func TestDefaultSuccessorLaw(t *testing.T) {
	steps := []Step{{ID: "a"}, {ID: "b"}, {ID: "c"}}
	g, err := New("linear", steps, nil)
	require.NoError(t, err)

	for i, s := range steps {
		next, err := g.Next(s.ID, answer.Set{"anything": 1})
		require.NoError(t, err)
		if i == len(steps)-1 {
			assert.Equal(t, Terminal, next)
		} else {
			assert.Equal(t, steps[i+1].ID, next)
		}
	}
}

func TestPath(t *testing.T) {
	g := onboarding(t)

	path, err := g.Path(answer.Set{"problem_to_solve": "autre"})
	require.NoError(t, err)
	assert.Equal(t, []StepID{"email", "problem_to_solve", "problem_to_solve_other", "birth_date"}, path)

	path, err = g.Path(nil)
	require.NoError(t, err)
	assert.Equal(t, []StepID{"email", "problem_to_solve", "birth_date"}, path)
}

func TestPath_DetectsCycle(t *testing.T) {
	g, err := New("loop",
		[]Step{{ID: "a"}, {ID: "b"}},
		[]Rule{{From: "b", To: "a", When: Present("again")}},
	)
	require.NoError(t, err)

	path, err := g.Path(answer.Set{"again": true})
	assert.ErrorIs(t, err, ErrCycle)
	assert.Equal(t, []StepID{"a", "b"}, path)
}

func TestSuccessors(t *testing.T) {
	g := onboarding(t)
	assert.Equal(t, []StepID{"problem_to_solve_other", "birth_date"}, g.Successors("problem_to_solve"))
	assert.Equal(t, []StepID{"birth_date"}, g.Successors("problem_to_solve_other"))
	assert.Empty(t, g.Successors("birth_date"))
	assert.Nil(t, g.Successors("nope"))

	skippy, err := New("q",
		[]Step{
			{ID: "a"},
			{ID: "company", Skip: Equals("status", "student")},
			{ID: "c"},
			{ID: "d"},
		},
		[]Rule{{From: "a", To: "d", When: Present("fast")}},
	)
	require.NoError(t, err)
	assert.Equal(t, []StepID{"d", "company", "c"}, skippy.Successors("a"))
}

func TestFirst_AllSkippedIsTerminal(t *testing.T) {
	g, err := New("q", []Step{{ID: "only", Skip: Present("done")}}, nil)
	require.NoError(t, err)

	assert.Equal(t, Terminal, g.First(answer.Set{"done": true}))
	assert.Equal(t, StepID("only"), g.First(nil))
}

func TestGraph_ConcurrentResolutionIsDeterministic(t *testing.T) {
	g := onboarding(t)
	a := answer.Set{"problem_to_solve": "autre"}

	var wg sync.WaitGroup
	results := make([]StepID, 32)
	for i := range results {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			next, err := g.Next("problem_to_solve", a)
			if err == nil {
				results[i] = next
			}
		}(i)
	}
	wg.Wait()

	for _, r := range results {
		assert.Equal(t, StepID("problem_to_solve_other"), r)
	}
}
