package workflow

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"

	"github.com/codemachine-ai/codemachine/pkg/errors"
)

// ChainedPrompt is one entry of an agent's chained-prompts declaration.
// A bare string path is shorthand for {path: ...} with no condition.
type ChainedPrompt struct {
	Path string `yaml:"path"`

	// Condition gates inclusion when the queue is built; empty means always.
	Condition string `yaml:"condition"`
}

// UnmarshalYAML accepts "path.md" or {path: ..., condition: ...}.
func (c *ChainedPrompt) UnmarshalYAML(node *yaml.Node) error {
	if node.Kind == yaml.ScalarNode {
		var path string
		if err := node.Decode(&path); err != nil {
			return err
		}
		c.Path = path
		return nil
	}
	type alias ChainedPrompt
	var a alias
	if err := node.Decode(&a); err != nil {
		return err
	}
	*c = ChainedPrompt(a)
	return nil
}

// ChainedPrompts accepts a scalar, a sequence of scalars, or a sequence of
// mappings in YAML.
type ChainedPrompts []ChainedPrompt

// UnmarshalYAML normalizes all accepted shapes into a list.
func (cp *ChainedPrompts) UnmarshalYAML(node *yaml.Node) error {
	if node.Kind == yaml.ScalarNode {
		var single ChainedPrompt
		if err := single.UnmarshalYAML(node); err != nil {
			return err
		}
		*cp = ChainedPrompts{single}
		return nil
	}
	var many []ChainedPrompt
	if err := node.Decode(&many); err != nil {
		return err
	}
	*cp = ChainedPrompts(many)
	return nil
}

// Agent is one entry of the agent configuration file.
type Agent struct {
	ID          string `yaml:"id"`
	Name        string `yaml:"name"`
	Description string `yaml:"description"`

	// Role marks special agents; "controller" selects the workflow driver.
	Role string `yaml:"role"`

	// PromptPath lists the agent's base prompt files.
	PromptPath StringList `yaml:"promptPath"`

	// ChainedPromptsPath lists follow-up prompts queued for the agent's step.
	ChainedPromptsPath ChainedPrompts `yaml:"chainedPromptsPath"`

	// Behavior overrides the template step's behavior when the step has none.
	Behavior *Behavior `yaml:"behavior"`

	Engine string `yaml:"engine"`
	Model  string `yaml:"model"`
}

// AgentSet indexes agents by id.
type AgentSet struct {
	agents map[string]*Agent
	order  []string
}

// LoadAgents reads and validates the agent configuration file.
func LoadAgents(path string) (*AgentSet, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, &errors.NotFoundError{Resource: "agent config", ID: path}
		}
		return nil, fmt.Errorf("read agent config: %w", err)
	}

	var list []*Agent
	if err := yaml.Unmarshal(data, &list); err != nil {
		return nil, &errors.ConfigError{Key: "agents", Reason: "invalid YAML", Cause: err}
	}

	set := &AgentSet{agents: make(map[string]*Agent, len(list))}
	for i, agent := range list {
		if agent.ID == "" {
			return nil, &errors.ValidationError{
				Field:      fmt.Sprintf("agents[%d].id", i),
				Message:    "agent id is required",
				Suggestion: "give every agent a unique id",
			}
		}
		if _, dup := set.agents[agent.ID]; dup {
			return nil, &errors.ValidationError{
				Field:      fmt.Sprintf("agents[%d].id", i),
				Message:    fmt.Sprintf("duplicate agent id %q", agent.ID),
				Suggestion: "agent ids must be unique",
			}
		}
		if agent.Name == "" {
			agent.Name = agent.ID
		}
		set.agents[agent.ID] = agent
		set.order = append(set.order, agent.ID)
	}
	return set, nil
}

// Get returns the agent registered under id.
func (s *AgentSet) Get(id string) (*Agent, error) {
	a, ok := s.agents[id]
	if !ok {
		return nil, &errors.NotFoundError{Resource: "agent", ID: id}
	}
	return a, nil
}

// Controller returns the agent with role "controller", or nil.
func (s *AgentSet) Controller() *Agent {
	for _, id := range s.order {
		if s.agents[id].Role == "controller" {
			return s.agents[id]
		}
	}
	return nil
}

// IDs returns agent ids in declaration order.
func (s *AgentSet) IDs() []string {
	return append([]string(nil), s.order...)
}
