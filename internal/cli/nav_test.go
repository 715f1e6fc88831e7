package cli

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNext(t *testing.T) {
	tests := []struct {
		name    string
		from    string
		answers string
		want    string
	}{
		{"default path", "email", `{}`, "problem_to_solve"},
		{"branch taken", "problem_to_solve", `{"problem_to_solve":"autre"}`, "problem_to_solve_other"},
		{"branch not taken", "problem_to_solve", `{"problem_to_solve":"pricing"}`, "birth_date"},
		{"branch step rejoins", "problem_to_solve_other", `{"problem_to_solve":"autre"}`, "birth_date"},
		{"past the end", "birth_date", `{}`, "$terminal"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			env := newTestEnv(t)
			out, err := env.run("next", tt.from, "--answers", tt.answers)
			require.NoError(t, err)
			assert.Equal(t, tt.want+"\n", out)
		})
	}
}

func TestPrev(t *testing.T) {
	env := newTestEnv(t)

	out, err := env.run("prev", "birth_date", "--answers", `{"problem_to_solve":"autre"}`)
	require.NoError(t, err)
	assert.Equal(t, "problem_to_solve_other\n", out)

	_, data, err := env.runJSON("prev", "email", "--answers", `{}`)
	require.NoError(t, err)
	assert.Equal(t, "$start", data["step"])
	assert.Equal(t, true, data["start"])
}

func TestNext_UnknownStep(t *testing.T) {
	env := newTestEnv(t)
	resp, _, err := env.runJSON("next", "nope", "--answers", `{}`)
	require.Error(t, err)
	assert.Equal(t, ExitCommandError, GetExitCode(err))
	require.NotNil(t, resp.Error)
	assert.Equal(t, ErrCodeUnknownStep, resp.Error.Code)
	assert.Contains(t, resp.Error.Message, "email, problem_to_solve")
}

func TestNext_BadAnswers(t *testing.T) {
	env := newTestEnv(t)
	resp, _, err := env.runJSON("next", "email", "--answers", `[1,2]`)
	require.Error(t, err)
	require.NotNil(t, resp.Error)
	assert.Equal(t, ErrCodeBadAnswers, resp.Error.Code)
}

func TestPath(t *testing.T) {
	env := newTestEnv(t)

	out, err := env.run("path", "--answers", `{"problem_to_solve":"autre"}`)
	require.NoError(t, err)
	assert.Equal(t, "1. email\n2. problem_to_solve\n3. problem_to_solve_other\n4. birth_date\n", out)

	_, data, err := env.runJSON("path", "--answers", `{}`)
	require.NoError(t, err)
	assert.Equal(t, []any{"email", "problem_to_solve", "birth_date"}, data["steps"])
}

func TestPath_ReadsLocalDraft(t *testing.T) {
	env := newTestEnv(t)

	// fill saves the draft locally even though the server is unreachable
	_, err := env.run("fill", "problem_to_solve=autre", "--wait", "2s")
	require.Error(t, err)

	_, data, err := env.runJSON("path")
	require.NoError(t, err)
	assert.Contains(t, data["steps"], "problem_to_solve_other")
}
