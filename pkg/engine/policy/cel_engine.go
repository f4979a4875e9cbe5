package policy

import (
	"fmt"
	"log/slog"
	"path/filepath"
	"sort"

	"github.com/google/cel-go/cel"
	"github.com/google/cel-go/checker/decls"
)

// SkipRule is a user-defined condition marking objects the diff engine must
// not be asked to compare. Matched objects are copied through unmodified.
type SkipRule struct {
	ID        string `yaml:"id"`
	Condition string `yaml:"condition"` // CEL expression: path/dir/base string vars
	Reason    string `yaml:"reason,omitempty"`
}

// CELEngine compiles and evaluates skip rules.
type CELEngine struct {
	env      *cel.Env
	programs map[string]cel.Program
	log      *slog.Logger
}

// NewCELEngine initializes the CEL environment with the supported variable
// declarations.
func NewCELEngine(log *slog.Logger) (*CELEngine, error) {
	if log == nil {
		log = slog.Default()
	}
	env, err := cel.NewEnv(
		cel.Declarations(
			decls.NewVar("path", decls.String),
			decls.NewVar("dir", decls.String),
			decls.NewVar("base", decls.String),
		),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create CEL env: %w", err)
	}

	return &CELEngine{
		env:      env,
		programs: make(map[string]cel.Program),
		log:      log,
	}, nil
}

// Compile compiles a list of rules into executable programs.
func (e *CELEngine) Compile(rules []SkipRule) error {
	for _, r := range rules {
		ast, issues := e.env.Compile(r.Condition)
		if issues != nil && issues.Err() != nil {
			return fmt.Errorf("rule %s compilation error: %w", r.ID, issues.Err())
		}
		prg, err := e.env.Program(ast)
		if err != nil {
			return fmt.Errorf("rule %s program creation error: %w", r.ID, err)
		}
		e.programs[r.ID] = prg
	}
	return nil
}

// Match evaluates every rule against an object path and returns the IDs of
// the rules that matched, sorted.
func (e *CELEngine) Match(path string) ([]string, error) {
	vars := map[string]interface{}{
		"path": path,
		"dir":  filepath.Dir(path),
		"base": filepath.Base(path),
	}

	var matches []string
	for id, prg := range e.programs {
		out, _, err := prg.Eval(vars)
		if err != nil {
			e.log.Error("skip rule evaluation failed", "rule_id", id, "error", err)
			continue
		}
		if match, ok := out.Value().(bool); ok && match {
			matches = append(matches, id)
		}
	}
	sort.Strings(matches)
	return matches, nil
}
