package workflow

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSelectSteps_TrackMembership(t *testing.T) {
	tpl := &Template{
		Name: "t",
		Steps: []Step{
			{Type: StepTypeModule, AgentID: "always", PromptPath: StringList{"p.md"}},
			{Type: StepTypeModule, AgentID: "mvp-only", PromptPath: StringList{"p.md"}, Tracks: []string{"mvp"}},
			{Type: StepTypeModule, AgentID: "full-only", PromptPath: StringList{"p.md"}, Tracks: []string{"full"}},
		},
	}

	selected, err := SelectSteps(tpl, ConditionEnv{Tracks: []string{"mvp"}})
	require.NoError(t, err)
	require.Len(t, selected, 2)
	assert.Equal(t, "always", selected[0].AgentID)
	assert.Equal(t, "mvp-only", selected[1].AgentID)
}

func TestSelectSteps_NoActiveTracksKeepsEverything(t *testing.T) {
	tpl := &Template{
		Name: "t",
		Steps: []Step{
			{Type: StepTypeModule, AgentID: "a", PromptPath: StringList{"p.md"}, Tracks: []string{"full"}},
		},
	}
	selected, err := SelectSteps(tpl, ConditionEnv{})
	require.NoError(t, err)
	assert.Len(t, selected, 1)
}

func TestSelectSteps_ConditionExpressions(t *testing.T) {
	tpl := &Template{
		Name: "t",
		Steps: []Step{
			{Type: StepTypeModule, AgentID: "strict", PromptPath: StringList{"p.md"}, Condition: `inputs.mode == "strict"`},
			{Type: StepTypeModule, AgentID: "tracked", PromptPath: StringList{"p.md"}, Condition: `"mvp" in tracks`},
		},
	}

	selected, err := SelectSteps(tpl, ConditionEnv{
		Tracks: []string{"mvp"},
		Inputs: map[string]interface{}{"mode": "lenient"},
	})
	require.NoError(t, err)
	require.Len(t, selected, 1)
	assert.Equal(t, "tracked", selected[0].AgentID)
}

func TestSelectSteps_BadConditionErrors(t *testing.T) {
	tpl := &Template{
		Name: "t",
		Steps: []Step{
			{Type: StepTypeModule, AgentID: "a", PromptPath: StringList{"p.md"}, Condition: `mode ===`},
		},
	}
	_, err := SelectSteps(tpl, ConditionEnv{})
	assert.Error(t, err)
}

func TestSelectChainedPrompts(t *testing.T) {
	prompts := ChainedPrompts{
		{Path: "always.md"},
		{Path: "full.md", Condition: `"full" in tracks`},
	}

	selected, err := SelectChainedPrompts(prompts, ConditionEnv{Tracks: []string{"mvp"}})
	require.NoError(t, err)
	require.Len(t, selected, 1)
	assert.Equal(t, "always.md", selected[0].Path)

	selected, err = SelectChainedPrompts(prompts, ConditionEnv{Tracks: []string{"full"}})
	require.NoError(t, err)
	assert.Len(t, selected, 2)
}
