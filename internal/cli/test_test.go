package cli

import (
	"bytes"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const passingScenario = `name: %s
description: "Anonymous edit is autosaved after a flush"
questionnaire: %s
flow:
  - invoke: set
    args: { field: email, value: a@b.com }
  - invoke: flush
    expect:
      case: ok
      result: { state: idle }
assertions:
  - type: trace_order
    actions: [set, flush, remote.create, remote.push]
  - type: final_state
    table: flags
    expect: { has_session: true, attach_pending: true }
`

const failingScenario = `name: %s
description: "Asserts a session that never exists"
questionnaire: %s
flow:
  - invoke: set
    args: { field: email, value: a@b.com }
assertions:
  - type: final_state
    table: flags
    expect: { has_session: true }
`

func writeTestScenario(t *testing.T, dir, name, body string) {
	t.Helper()
	content := fmt.Sprintf(body, name, questionnairePath(t))
	require.NoError(t, os.WriteFile(filepath.Join(dir, name+".yaml"), []byte(content), 0644))
}

func executeTest(t *testing.T, format string, args ...string) (string, error) {
	t.Helper()
	buf := &bytes.Buffer{}
	cmd := NewTestCommand(&RootOptions{Format: format})
	cmd.SetOut(buf)
	cmd.SetErr(&bytes.Buffer{})
	cmd.SetArgs(args)
	err := cmd.Execute()
	return buf.String(), err
}

func TestTestCommandMissingArgs(t *testing.T) {
	_, err := executeTest(t, "text")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "accepts 1 arg")
}

func TestTestCommandNonExistentScenariosDir(t *testing.T) {
	_, err := executeTest(t, "text", "/nonexistent/scenarios")
	require.Error(t, err)
	assert.Equal(t, ExitCommandError, GetExitCode(err))
	assert.Contains(t, err.Error(), "scenarios directory not found")
}

func TestTestCommandEmptyScenariosDir(t *testing.T) {
	out, err := executeTest(t, "text", t.TempDir())
	require.NoError(t, err)
	assert.Contains(t, out, "No scenarios found")
}

func TestTestCommandEmptyScenariosDirJSON(t *testing.T) {
	out, err := executeTest(t, "json", t.TempDir())
	require.NoError(t, err)

	var response CLIResponse
	require.NoError(t, json.Unmarshal([]byte(out), &response))
	assert.Equal(t, "ok", response.Status)
}

func TestTestHelpText(t *testing.T) {
	out, err := executeTest(t, "text", "--help")
	require.NoError(t, err)
	assert.Contains(t, out, "scenarios")
	assert.Contains(t, out, "--update")
	assert.Contains(t, out, "--filter")
	assert.Contains(t, out, "scenarios-dir")
}

func TestTestCommand_PassingScenario(t *testing.T) {
	dir := t.TempDir()
	writeTestScenario(t, dir, "anon_autosave", passingScenario)

	out, err := executeTest(t, "text", dir)
	require.NoError(t, err)
	assert.Contains(t, out, "✓ anon_autosave")
	assert.Contains(t, out, "1 passed, 0 failed, 1 total")
}

func TestTestCommand_FailingScenario(t *testing.T) {
	dir := t.TempDir()
	writeTestScenario(t, dir, "anon_autosave", passingScenario)
	writeTestScenario(t, dir, "never_synced", failingScenario)

	out, err := executeTest(t, "json", dir)
	require.Error(t, err)
	assert.Equal(t, ExitFailure, GetExitCode(err))

	var response struct {
		Status string     `json:"status"`
		Data   TestResult `json:"data"`
	}
	require.NoError(t, json.Unmarshal([]byte(out), &response))
	assert.Equal(t, 2, response.Data.Total)
	assert.Equal(t, 1, response.Data.Passed)
	assert.Equal(t, 1, response.Data.Failed)

	byName := map[string]ScenarioResult{}
	for _, s := range response.Data.Scenarios {
		byName[s.Name] = s
	}
	assert.True(t, byName["anon_autosave"].Pass)
	assert.False(t, byName["never_synced"].Pass)
	assert.NotEmpty(t, byName["never_synced"].Errors)
}

func TestTestCommand_Filter(t *testing.T) {
	dir := t.TempDir()
	writeTestScenario(t, dir, "anon_autosave", passingScenario)
	writeTestScenario(t, dir, "never_synced", failingScenario)

	out, err := executeTest(t, "text", dir, "--filter", "anon_*")
	require.NoError(t, err)
	assert.Contains(t, out, "1 passed, 0 failed, 1 total")
	assert.NotContains(t, out, "never_synced")
}

func TestTestCommand_GoldenUpdateThenMatch(t *testing.T) {
	dir := t.TempDir()
	writeTestScenario(t, dir, "anon_autosave", passingScenario)

	out, err := executeTest(t, "text", dir, "--update")
	require.NoError(t, err)
	assert.Contains(t, out, "golden updated")

	goldenPath := filepath.Join(dir, "golden", "anon_autosave.golden")
	data, err := os.ReadFile(goldenPath)
	require.NoError(t, err)
	assert.Contains(t, string(data), `"scenario_name":"anon_autosave"`)

	_, err = executeTest(t, "text", dir)
	require.NoError(t, err)

	// a stale golden file fails the run
	require.NoError(t, os.WriteFile(goldenPath, []byte(`{"scenario_name":"anon_autosave","trace":[]}`), 0644))
	out, err = executeTest(t, "text", dir)
	require.Error(t, err)
	assert.Contains(t, out, "trace does not match golden file")
}

func TestTestCommand_LoadError(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, "bad.yaml"), []byte("name: bad\nunknown_field: 1\n"), 0644))

	out, err := executeTest(t, "text", dir)
	require.Error(t, err)
	assert.Contains(t, out, "✗ bad.yaml")
	assert.Contains(t, out, "failed to load scenario")
}

func TestFindScenarioFiles(t *testing.T) {
	dir := t.TempDir()
	for _, name := range []string{"a.yaml", "b.yml", "c.txt"} {
		require.NoError(t, os.WriteFile(filepath.Join(dir, name), []byte{}, 0644))
	}

	files, err := findScenarioFiles(dir, "")
	require.NoError(t, err)
	assert.Equal(t, []string{filepath.Join(dir, "a.yaml"), filepath.Join(dir, "b.yml")}, files)

	files, err = findScenarioFiles(dir, "b")
	require.NoError(t, err)
	assert.Equal(t, []string{filepath.Join(dir, "b.yml")}, files)

	_, err = findScenarioFiles(dir, "[")
	assert.Error(t, err)
}

func TestGoldenFilePath(t *testing.T) {
	assert.Equal(t, filepath.Join("scenarios", "golden", "login.golden"), goldenFilePath(filepath.Join("scenarios", "login.yaml")))
}
