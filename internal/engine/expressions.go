package engine

import (
	"fmt"

	"github.com/expr-lang/expr"
	"github.com/expr-lang/expr/vm"
)

// programs holds the compiled expressions of one definition. It is filled
// at deployment and read-only afterwards.
type programs map[string]*vm.Program

func (p programs) compile(source string, asBool bool) error {
	if source == "" {
		return nil
	}
	if _, ok := p[source]; ok {
		return nil
	}
	opts := []expr.Option{expr.AllowUndefinedVariables()}
	if asBool {
		opts = append(opts, expr.AsBool())
	}
	prog, err := expr.Compile(source, opts...)
	if err != nil {
		return fmt.Errorf("compile expression %q: %w", source, err)
	}
	p[source] = prog
	return nil
}

func (p programs) eval(source string, vars map[string]any) (any, error) {
	prog, ok := p[source]
	if !ok {
		return nil, fmt.Errorf("expression %q was not compiled", source)
	}
	env := vars
	if env == nil {
		env = map[string]any{}
	}
	out, err := expr.Run(prog, env)
	if err != nil {
		return nil, fmt.Errorf("evaluate %q: %w", source, err)
	}
	return out, nil
}

// condition evaluates a sequence-flow condition. An empty condition holds.
func (p programs) condition(source string, vars map[string]any) (bool, error) {
	if source == "" {
		return true, nil
	}
	out, err := p.eval(source, vars)
	if err != nil {
		return false, err
	}
	b, ok := out.(bool)
	if !ok {
		return false, fmt.Errorf("condition %q returned %T, want bool", source, out)
	}
	return b, nil
}
