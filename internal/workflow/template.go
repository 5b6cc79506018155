// Package workflow defines the declarative workflow template and agent
// configuration model: YAML loading, schema validation, prompt composition,
// and conditional step inclusion.
package workflow

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"

	"github.com/codemachine-ai/codemachine/pkg/errors"
)

// StepType discriminates template steps.
type StepType string

const (
	// StepTypeModule is an executable agent step.
	StepTypeModule StepType = "module"
	// StepTypeUI is a rendered-only step the core never executes.
	StepTypeUI StepType = "ui"
)

// BehaviorKind discriminates module behaviors.
type BehaviorKind string

const (
	// BehaviorLoop steps back a fixed number of steps when directed.
	BehaviorLoop BehaviorKind = "loop"
	// BehaviorTrigger hands follow-up work to another agent.
	BehaviorTrigger BehaviorKind = "trigger"
	// BehaviorCheckpoint pauses for operator review when directed.
	BehaviorCheckpoint BehaviorKind = "checkpoint"
)

// LoopBehavior configures a step-back loop.
type LoopBehavior struct {
	// Steps is how many steps to go back (1 = previous step).
	Steps int `yaml:"steps"`

	// MaxIterations bounds the loop; 0 means unbounded.
	MaxIterations int `yaml:"maxIterations"`

	// Skip lists step ids passed over when re-entering the loop window.
	Skip []string `yaml:"skip"`
}

// Behavior is the tagged union of module behaviors.
type Behavior struct {
	Kind BehaviorKind

	// Loop is set when Kind == BehaviorLoop.
	Loop *LoopBehavior

	// TriggerAgentID is set when Kind == BehaviorTrigger.
	TriggerAgentID string
}

// UnmarshalYAML decodes the behavior union from its YAML surface:
//
//	behavior:
//	  loop: {action: stepBack, steps: 1, maxIterations: 2}
//	behavior:
//	  trigger: {agent: reviewer}
//	behavior: checkpoint
func (b *Behavior) UnmarshalYAML(node *yaml.Node) error {
	if node.Kind == yaml.ScalarNode {
		var tag string
		if err := node.Decode(&tag); err != nil {
			return err
		}
		if tag != string(BehaviorCheckpoint) {
			return &errors.ValidationError{
				Field:      "behavior",
				Message:    fmt.Sprintf("unknown behavior %q", tag),
				Suggestion: "use checkpoint, loop, or trigger",
			}
		}
		b.Kind = BehaviorCheckpoint
		return nil
	}

	var raw struct {
		Loop *struct {
			Action        string   `yaml:"action"`
			Steps         int      `yaml:"steps"`
			MaxIterations int      `yaml:"maxIterations"`
			Skip          []string `yaml:"skip"`
		} `yaml:"loop"`
		Trigger *struct {
			Agent string `yaml:"agent"`
		} `yaml:"trigger"`
	}
	if err := node.Decode(&raw); err != nil {
		return err
	}

	switch {
	case raw.Loop != nil:
		if raw.Loop.Action != "" && raw.Loop.Action != "stepBack" {
			return &errors.ValidationError{
				Field:      "behavior.loop.action",
				Message:    fmt.Sprintf("unknown loop action %q", raw.Loop.Action),
				Suggestion: "only stepBack is supported",
			}
		}
		if raw.Loop.Steps <= 0 {
			return &errors.ValidationError{
				Field:      "behavior.loop.steps",
				Message:    "loop steps must be positive",
				Suggestion: "set steps to how many steps to go back",
			}
		}
		b.Kind = BehaviorLoop
		b.Loop = &LoopBehavior{
			Steps:         raw.Loop.Steps,
			MaxIterations: raw.Loop.MaxIterations,
			Skip:          raw.Loop.Skip,
		}
	case raw.Trigger != nil:
		if raw.Trigger.Agent == "" {
			return &errors.ValidationError{
				Field:      "behavior.trigger.agent",
				Message:    "trigger behavior requires an agent id",
				Suggestion: "set trigger.agent to the follow-up agent",
			}
		}
		b.Kind = BehaviorTrigger
		b.TriggerAgentID = raw.Trigger.Agent
	default:
		return &errors.ValidationError{
			Field:      "behavior",
			Message:    "behavior must be checkpoint, loop, or trigger",
			Suggestion: "see the template reference for behavior shapes",
		}
	}
	return nil
}

// StringList accepts a scalar or a sequence in YAML.
type StringList []string

// UnmarshalYAML decodes either "path" or ["a", "b"].
func (s *StringList) UnmarshalYAML(node *yaml.Node) error {
	if node.Kind == yaml.ScalarNode {
		var single string
		if err := node.Decode(&single); err != nil {
			return err
		}
		*s = StringList{single}
		return nil
	}
	var many []string
	if err := node.Decode(&many); err != nil {
		return err
	}
	*s = StringList(many)
	return nil
}

// Step is one unit of the template.
type Step struct {
	// Type discriminates module vs ui steps.
	Type StepType `yaml:"type"`

	// AgentID selects the agent config entry for module steps.
	AgentID string `yaml:"agent"`

	// AgentName is the display name; defaults to AgentID.
	AgentName string `yaml:"agentName"`

	// PromptPath lists the files merged into the primary prompt.
	PromptPath StringList `yaml:"promptPath"`

	// Model and ModelReasoningEffort override the engine defaults.
	Model                string `yaml:"model"`
	ModelReasoningEffort string `yaml:"modelReasoningEffort"`

	// Engine overrides the default engine for this step.
	Engine string `yaml:"engine"`

	// Behavior configures loop/trigger/checkpoint handling.
	Behavior *Behavior `yaml:"behavior"`

	// Interactive, when false, lets auto mode delegate past this step
	// without surfacing an input box. Defaults to true.
	Interactive *bool `yaml:"interactive"`

	// ExecuteOnce skips the step on a later run when its persisted
	// session is already completed.
	ExecuteOnce bool `yaml:"executeOnce"`

	// Tracks names the tracks this step belongs to.
	Tracks []string `yaml:"tracks"`

	// Condition is an expression gating inclusion at load time.
	Condition string `yaml:"condition"`

	// Text is the rendered content of ui steps.
	Text string `yaml:"text"`
}

// IsInteractive reports the effective interactive flag.
func (s *Step) IsInteractive() bool {
	return s.Interactive == nil || *s.Interactive
}

// ControllerRef selects the controller agent in the template.
type ControllerRef struct {
	AgentID string `yaml:"agent"`
	Engine  string `yaml:"engine"`
	Model   string `yaml:"model"`
}

// Template is the immutable workflow definition.
type Template struct {
	Name        string         `yaml:"name"`
	Steps       []Step         `yaml:"steps"`
	SubAgentIDs []string       `yaml:"subAgents"`
	Tracks      []string       `yaml:"tracks"`
	Controller  *ControllerRef `yaml:"controller"`
}

// LoadTemplate reads and validates a workflow template file.
func LoadTemplate(path string) (*Template, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, &errors.NotFoundError{Resource: "template", ID: path}
		}
		return nil, fmt.Errorf("read template: %w", err)
	}

	var tpl Template
	if err := yaml.Unmarshal(data, &tpl); err != nil {
		return nil, &errors.ConfigError{Key: "template", Reason: "invalid YAML", Cause: err}
	}
	if err := tpl.Validate(); err != nil {
		return nil, err
	}
	return &tpl, nil
}

// Validate checks structural invariants of the template.
func (t *Template) Validate() error {
	if t.Name == "" {
		return &errors.ValidationError{
			Field:      "name",
			Message:    "template name is required",
			Suggestion: "add a top-level name field",
		}
	}
	if len(t.Steps) == 0 {
		return &errors.ValidationError{
			Field:      "steps",
			Message:    "template has no steps",
			Suggestion: "add at least one module step",
		}
	}
	moduleCount := 0
	for i, step := range t.Steps {
		switch step.Type {
		case StepTypeModule:
			moduleCount++
			if step.AgentID == "" {
				return &errors.ValidationError{
					Field:      fmt.Sprintf("steps[%d].agent", i),
					Message:    "module step requires an agent id",
					Suggestion: "set agent to an id from the agent config",
				}
			}
			if len(step.PromptPath) == 0 {
				return &errors.ValidationError{
					Field:      fmt.Sprintf("steps[%d].promptPath", i),
					Message:    "module step requires at least one prompt path",
					Suggestion: "point promptPath at the step's prompt file(s)",
				}
			}
		case StepTypeUI:
			if step.Text == "" {
				return &errors.ValidationError{
					Field:      fmt.Sprintf("steps[%d].text", i),
					Message:    "ui step requires text",
					Suggestion: "set text to the content to render",
				}
			}
		default:
			return &errors.ValidationError{
				Field:      fmt.Sprintf("steps[%d].type", i),
				Message:    fmt.Sprintf("unknown step type %q", step.Type),
				Suggestion: "use module or ui",
			}
		}
	}
	if moduleCount == 0 {
		return &errors.ValidationError{
			Field:      "steps",
			Message:    "template has no module steps",
			Suggestion: "add at least one module step",
		}
	}
	return nil
}
