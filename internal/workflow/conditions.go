package workflow

import (
	"fmt"

	"github.com/expr-lang/expr"
	"github.com/expr-lang/expr/vm"

	"github.com/codemachine-ai/codemachine/pkg/errors"
)

// ConditionEnv is the environment step conditions evaluate against.
type ConditionEnv struct {
	// Tracks is the set of active track names for this run.
	Tracks []string `expr:"tracks"`

	// Inputs carries operator-supplied run parameters.
	Inputs map[string]interface{} `expr:"inputs"`
}

// evalCondition compiles and evaluates one boolean expression.
func evalCondition(expression string, env ConditionEnv) (bool, error) {
	program, err := expr.Compile(expression, expr.Env(env), expr.AsBool())
	if err != nil {
		return false, &errors.ValidationError{
			Field:      "condition",
			Message:    fmt.Sprintf("cannot compile %q: %v", expression, err),
			Suggestion: "conditions may reference tracks and inputs",
		}
	}
	out, err := runProgram(program, env)
	if err != nil {
		return false, fmt.Errorf("evaluate condition %q: %w", expression, err)
	}
	return out, nil
}

func runProgram(program *vm.Program, env ConditionEnv) (bool, error) {
	out, err := expr.Run(program, env)
	if err != nil {
		return false, err
	}
	b, ok := out.(bool)
	if !ok {
		return false, fmt.Errorf("condition did not evaluate to bool")
	}
	return b, nil
}

// SelectSteps returns the executable steps of the template after applying
// track membership and condition expressions. UI steps are kept so the
// renderer can show them in sequence; their conditions apply too.
func SelectSteps(t *Template, env ConditionEnv) ([]Step, error) {
	active := make(map[string]bool, len(env.Tracks))
	for _, track := range env.Tracks {
		active[track] = true
	}

	var selected []Step
	for _, step := range t.Steps {
		if len(step.Tracks) > 0 && len(active) > 0 {
			member := false
			for _, track := range step.Tracks {
				if active[track] {
					member = true
					break
				}
			}
			if !member {
				continue
			}
		}
		if step.Condition != "" {
			ok, err := evalCondition(step.Condition, env)
			if err != nil {
				return nil, err
			}
			if !ok {
				continue
			}
		}
		selected = append(selected, step)
	}
	return selected, nil
}

// SelectChainedPrompts filters an agent's chained prompts by condition.
func SelectChainedPrompts(prompts ChainedPrompts, env ConditionEnv) ([]ChainedPrompt, error) {
	var selected []ChainedPrompt
	for _, p := range prompts {
		if p.Condition != "" {
			ok, err := evalCondition(p.Condition, env)
			if err != nil {
				return nil, err
			}
			if !ok {
				continue
			}
		}
		selected = append(selected, p)
	}
	return selected, nil
}
