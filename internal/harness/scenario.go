package harness

import (
	"bytes"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Scenario is one end-to-end questionnaire test.
type Scenario struct {
	// Name uniquely identifies this scenario and names its golden file.
	Name string `yaml:"name"`

	// Description explains what this scenario validates.
	Description string `yaml:"description"`

	// Questionnaire is the CUE file or directory holding the definition.
	// Relative paths are resolved against the scenario file's directory.
	Questionnaire string `yaml:"questionnaire"`

	// QuestionnaireName selects a definition when the file holds several.
	QuestionnaireName string `yaml:"questionnaire_name,omitempty"`

	// Authenticated is the auth state at start. The login action flips it.
	Authenticated bool `yaml:"authenticated,omitempty"`

	// Profile is the server-side profile returned to authenticated users.
	Profile *ProfileFixture `yaml:"profile,omitempty"`

	// Setup prepares local state before the run is initialized.
	Setup []ActionStep `yaml:"setup,omitempty"`

	// Flow is the main sequence of actions.
	Flow []FlowStep `yaml:"flow"`

	// Assertions validate the final trace and state.
	Assertions []Assertion `yaml:"assertions"`
}

// ProfileFixture is a server-side profile.
type ProfileFixture struct {
	Completed bool           `yaml:"completed"`
	Answers   map[string]any `yaml:"answers"`
}

// ActionStep is a setup action.
type ActionStep struct {
	Action string         `yaml:"action"`
	Args   map[string]any `yaml:"args"`
}

// FlowStep is one action in the main flow.
type FlowStep struct {
	Invoke string         `yaml:"invoke"`
	Args   map[string]any `yaml:"args"`

	// Expect, when set, is checked against the step's completion.
	Expect *ExpectClause `yaml:"expect,omitempty"`
}

// ExpectClause specifies the expected completion.
type ExpectClause struct {
	// Case is the expected completion case, e.g. "ok", "attached".
	Case string `yaml:"case"`

	// Result is a subset match against the completion result.
	Result map[string]any `yaml:"result,omitempty"`
}

// Assertion validates the trace or the final state.
type Assertion struct {
	// Type is one of trace_contains, trace_order, trace_count, final_state.
	Type string `yaml:"type"`

	// Action is the trace action (trace_contains, trace_count).
	Action string `yaml:"action,omitempty"`

	// Args are matched as a subset (trace_contains).
	Args map[string]any `yaml:"args,omitempty"`

	// Table names the state view (final_state).
	Table string `yaml:"table,omitempty"`

	// Expect holds expected values, subset match (final_state).
	Expect map[string]any `yaml:"expect,omitempty"`

	// Count is the expected number of occurrences (trace_count).
	Count int `yaml:"count,omitempty"`

	// Actions is the expected order (trace_order).
	Actions []string `yaml:"actions,omitempty"`
}

// Assertion type constants.
const (
	AssertTraceContains = "trace_contains"
	AssertTraceOrder    = "trace_order"
	AssertTraceCount    = "trace_count"
	AssertFinalState    = "final_state"
)

// State views for final_state.
const (
	TableDraft   = "draft"
	TableFlags   = "flags"
	TableRemote  = "remote"
	TableStatus  = "status"
	TableJournal = "journal"
)

var (
	setupActions = map[string]bool{
		"seed_draft":    true,
		"seed_handle":   true,
		"set_completed": true,
	}
	flowActions = map[string]bool{
		"set": true, "merge": true, "advance": true, "flush": true,
		"next": true, "prev": true, "path": true, "login": true,
		"fail": true, "drop_session": true, "complete": true,
		"restart": true, "status": true, "answers": true,
	}
	stateTables = map[string]bool{
		TableDraft: true, TableFlags: true, TableRemote: true,
		TableStatus: true, TableJournal: true,
	}
)

// LoadScenario reads and parses a scenario YAML file. Unknown fields are
// rejected to catch typos. The questionnaire path is resolved against the
// scenario file's directory.
func LoadScenario(path string) (*Scenario, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read scenario file: %w", err)
	}

	var scenario Scenario
	decoder := yaml.NewDecoder(bytes.NewReader(data))
	decoder.KnownFields(true)
	if err := decoder.Decode(&scenario); err != nil {
		return nil, fmt.Errorf("failed to parse YAML: %w", err)
	}

	if scenario.Questionnaire != "" && !filepath.IsAbs(scenario.Questionnaire) {
		scenario.Questionnaire = filepath.Join(filepath.Dir(path), scenario.Questionnaire)
	}

	if err := validateScenario(&scenario); err != nil {
		return nil, fmt.Errorf("invalid scenario: %w", err)
	}

	return &scenario, nil
}

// DiscoverScenarios returns the .yaml and .yml files under dir, sorted.
func DiscoverScenarios(dir string) ([]string, error) {
	var paths []string
	err := filepath.WalkDir(dir, func(path string, d os.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.IsDir() {
			return nil
		}
		ext := strings.ToLower(filepath.Ext(path))
		if ext == ".yaml" || ext == ".yml" {
			paths = append(paths, path)
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("discover scenarios in %s: %w", dir, err)
	}
	sort.Strings(paths)
	return paths, nil
}

// validateScenario checks that required fields are present and valid.
func validateScenario(s *Scenario) error {
	if s.Name == "" {
		return fmt.Errorf("name is required")
	}
	if s.Description == "" {
		return fmt.Errorf("description is required")
	}
	if s.Questionnaire == "" {
		return fmt.Errorf("questionnaire is required")
	}
	if _, err := os.Stat(s.Questionnaire); os.IsNotExist(err) {
		return fmt.Errorf("questionnaire not found: %s", s.Questionnaire)
	}
	if len(s.Flow) == 0 {
		return fmt.Errorf("flow list is required and must be non-empty")
	}
	if len(s.Assertions) == 0 {
		return fmt.Errorf("assertions list is required and must be non-empty")
	}

	for i, step := range s.Setup {
		if !setupActions[step.Action] {
			return fmt.Errorf("setup[%d]: unknown action %q", i, step.Action)
		}
	}

	for i, step := range s.Flow {
		if step.Invoke == "" {
			return fmt.Errorf("flow[%d]: invoke is required", i)
		}
		if !flowActions[step.Invoke] {
			return fmt.Errorf("flow[%d]: unknown action %q", i, step.Invoke)
		}
		if step.Expect != nil && step.Expect.Case == "" {
			return fmt.Errorf("flow[%d].expect: case is required", i)
		}
		if err := validateArgs(step); err != nil {
			return fmt.Errorf("flow[%d]: %w", i, err)
		}
	}

	for i, assertion := range s.Assertions {
		if err := validateAssertion(i, &assertion); err != nil {
			return err
		}
	}

	return nil
}

func validateArgs(step FlowStep) error {
	switch step.Invoke {
	case "set":
		if _, ok := step.Args["field"].(string); !ok {
			return fmt.Errorf("set: field is required")
		}
	case "next", "prev":
		if _, ok := step.Args["from"].(string); !ok {
			return fmt.Errorf("%s: from is required", step.Invoke)
		}
	case "advance":
		s, ok := step.Args["duration"].(string)
		if !ok {
			return fmt.Errorf("advance: duration is required")
		}
		if _, err := time.ParseDuration(s); err != nil {
			return fmt.Errorf("advance: %w", err)
		}
	case "fail":
		if _, ok := step.Args["op"].(string); !ok {
			return fmt.Errorf("fail: op is required")
		}
		switch step.Args["error"] {
		case "network", "rejected":
		default:
			return fmt.Errorf("fail: error must be network or rejected")
		}
	}
	return nil
}

// validateAssertion validates a single assertion based on its type.
func validateAssertion(index int, a *Assertion) error {
	if a.Type == "" {
		return fmt.Errorf("assertions[%d]: type is required", index)
	}

	switch a.Type {
	case AssertTraceContains:
		if a.Action == "" {
			return fmt.Errorf("assertions[%d]: action is required for trace_contains", index)
		}
	case AssertTraceOrder:
		if len(a.Actions) == 0 {
			return fmt.Errorf("assertions[%d]: actions list is required for trace_order", index)
		}
	case AssertTraceCount:
		if a.Action == "" {
			return fmt.Errorf("assertions[%d]: action is required for trace_count", index)
		}
		if a.Count < 0 {
			return fmt.Errorf("assertions[%d]: count must be non-negative for trace_count", index)
		}
	case AssertFinalState:
		if !stateTables[a.Table] {
			return fmt.Errorf("assertions[%d]: unknown table %q for final_state", index, a.Table)
		}
		if len(a.Expect) == 0 {
			return fmt.Errorf("assertions[%d]: expect is required for final_state", index)
		}
	default:
		return fmt.Errorf("assertions[%d]: unknown assertion type %q", index, a.Type)
	}

	return nil
}
