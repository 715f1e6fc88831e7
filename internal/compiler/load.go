package compiler

import (
	"fmt"
	"os"
	"path/filepath"
	"sort"

	"cuelang.org/go/cue"
	"cuelang.org/go/cue/cuecontext"
	"cuelang.org/go/cue/load"
)

// Load reads questionnaire definitions from a CUE file or a directory of
// CUE files and compiles every entry under the top-level "questionnaire"
// struct. Results are sorted by name.
func Load(path string) ([]*Questionnaire, error) {
	info, err := os.Stat(path)
	if err != nil {
		return nil, fmt.Errorf("questionnaire source: %w", err)
	}

	cfg := &load.Config{}
	args := []string{"."}
	if info.IsDir() {
		cfg.Dir = path
	} else {
		cfg.Dir = filepath.Dir(path)
		args = []string{filepath.Base(path)}
	}

	instances := load.Instances(args, cfg)
	if len(instances) == 0 {
		return nil, fmt.Errorf("no CUE instances loaded from %s", path)
	}
	inst := instances[0]
	if inst.Err != nil {
		return nil, fmt.Errorf("loading CUE files: %w", formatCUEError(inst.Err))
	}

	value := cuecontext.New().BuildInstance(inst)
	if err := value.Err(); err != nil {
		return nil, formatCUEError(err)
	}

	return CompileAll(value)
}

// LoadString compiles questionnaire definitions from CUE source text.
func LoadString(filename, src string) ([]*Questionnaire, error) {
	value := cuecontext.New().CompileString(src, cue.Filename(filename))
	if err := value.Err(); err != nil {
		return nil, formatCUEError(err)
	}
	return CompileAll(value)
}

// CompileAll compiles every questionnaire under root's "questionnaire" field.
func CompileAll(root cue.Value) ([]*Questionnaire, error) {
	qv := root.LookupPath(cue.ParsePath("questionnaire"))
	if !qv.Exists() {
		return nil, &CompileError{
			Field:   "questionnaire",
			Message: "no questionnaire definitions found",
			Pos:     root.Pos(),
		}
	}

	iter, err := qv.Fields()
	if err != nil {
		return nil, formatCUEError(err)
	}

	var out []*Questionnaire
	for iter.Next() {
		q, err := CompileQuestionnaire(iter.Value())
		if err != nil {
			return nil, fmt.Errorf("questionnaire.%s: %w", iter.Label(), err)
		}
		out = append(out, q)
	}

	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out, nil
}

// Find returns the questionnaire with the given name. An empty name selects
// the only definition when exactly one exists.
func Find(qs []*Questionnaire, name string) (*Questionnaire, error) {
	if name == "" {
		if len(qs) == 1 {
			return qs[0], nil
		}
		return nil, fmt.Errorf("%d questionnaires defined, name one", len(qs))
	}
	for _, q := range qs {
		if q.Name == name {
			return q, nil
		}
	}
	return nil, fmt.Errorf("questionnaire %q not defined", name)
}
