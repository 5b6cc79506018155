package workflow

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	cmerrors "github.com/codemachine-ai/codemachine/pkg/errors"
)

func writeFile(t *testing.T, dir, name, content string) string {
	t.Helper()
	path := filepath.Join(dir, name)
	require.NoError(t, os.MkdirAll(filepath.Dir(path), 0o755))
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
	return path
}

const sampleTemplate = `
name: build-app
tracks: [mvp, full]
subAgents: [coder, tester]
controller:
  agent: controller
  engine: codex
steps:
  - type: module
    agent: architect
    promptPath: prompts/architect.md
    engine: codex
    model: gpt-5-codex
  - type: ui
    text: "Architecture phase complete"
  - type: module
    agent: reviewer
    promptPath: [prompts/review.md, prompts/rubric.md]
    behavior:
      loop:
        action: stepBack
        steps: 2
        maxIterations: 3
        skip: [architect]
    tracks: [full]
  - type: module
    agent: finisher
    promptPath: prompts/finish.md
    behavior: checkpoint
    executeOnce: true
    interactive: false
`

func TestLoadTemplate_ParsesFullShape(t *testing.T) {
	dir := t.TempDir()
	path := writeFile(t, dir, "template.yaml", sampleTemplate)

	tpl, err := LoadTemplate(path)
	require.NoError(t, err)

	assert.Equal(t, "build-app", tpl.Name)
	assert.Equal(t, []string{"coder", "tester"}, tpl.SubAgentIDs)
	require.NotNil(t, tpl.Controller)
	assert.Equal(t, "controller", tpl.Controller.AgentID)
	require.Len(t, tpl.Steps, 4)

	first := tpl.Steps[0]
	assert.Equal(t, StepTypeModule, first.Type)
	assert.Equal(t, StringList{"prompts/architect.md"}, first.PromptPath)
	assert.True(t, first.IsInteractive())

	ui := tpl.Steps[1]
	assert.Equal(t, StepTypeUI, ui.Type)
	assert.Equal(t, "Architecture phase complete", ui.Text)

	review := tpl.Steps[2]
	assert.Len(t, review.PromptPath, 2)
	require.NotNil(t, review.Behavior)
	assert.Equal(t, BehaviorLoop, review.Behavior.Kind)
	assert.Equal(t, 2, review.Behavior.Loop.Steps)
	assert.Equal(t, 3, review.Behavior.Loop.MaxIterations)
	assert.Equal(t, []string{"architect"}, review.Behavior.Loop.Skip)

	finisher := tpl.Steps[3]
	require.NotNil(t, finisher.Behavior)
	assert.Equal(t, BehaviorCheckpoint, finisher.Behavior.Kind)
	assert.True(t, finisher.ExecuteOnce)
	assert.False(t, finisher.IsInteractive())
}

func TestLoadTemplate_MissingFile(t *testing.T) {
	_, err := LoadTemplate(filepath.Join(t.TempDir(), "nope.yaml"))
	var nf *cmerrors.NotFoundError
	assert.ErrorAs(t, err, &nf)
}

func TestLoadTemplate_RejectsModuleStepWithoutAgent(t *testing.T) {
	path := writeFile(t, t.TempDir(), "t.yaml", `
name: broken
steps:
  - type: module
    promptPath: p.md
`)
	_, err := LoadTemplate(path)
	var ve *cmerrors.ValidationError
	require.ErrorAs(t, err, &ve)
	assert.Contains(t, ve.Field, "agent")
}

func TestLoadTemplate_RejectsUnknownBehavior(t *testing.T) {
	path := writeFile(t, t.TempDir(), "t.yaml", `
name: broken
steps:
  - type: module
    agent: a
    promptPath: p.md
    behavior: rewind
`)
	_, err := LoadTemplate(path)
	assert.Error(t, err)
}

func TestLoadTemplate_RejectsTriggerWithoutAgent(t *testing.T) {
	path := writeFile(t, t.TempDir(), "t.yaml", `
name: broken
steps:
  - type: module
    agent: a
    promptPath: p.md
    behavior:
      trigger: {}
`)
	_, err := LoadTemplate(path)
	assert.Error(t, err)
}

func TestLoadAgents_ParsesChainedPromptShapes(t *testing.T) {
	path := writeFile(t, t.TempDir(), "agents.yaml", `
- id: architect
  name: Architect
  promptPath: prompts/architect.md
  chainedPromptsPath:
    - prompts/refine.md
    - path: prompts/harden.md
      condition: '"full" in tracks'
- id: controller
  role: controller
  promptPath: prompts/controller.md
  engine: codex
`)
	agents, err := LoadAgents(path)
	require.NoError(t, err)

	architect, err := agents.Get("architect")
	require.NoError(t, err)
	require.Len(t, architect.ChainedPromptsPath, 2)
	assert.Equal(t, "prompts/refine.md", architect.ChainedPromptsPath[0].Path)
	assert.Equal(t, `"full" in tracks`, architect.ChainedPromptsPath[1].Condition)

	ctrl := agents.Controller()
	require.NotNil(t, ctrl)
	assert.Equal(t, "controller", ctrl.ID)

	_, err = agents.Get("ghost")
	var nf *cmerrors.NotFoundError
	assert.ErrorAs(t, err, &nf)
}

func TestLoadAgents_RejectsDuplicateIDs(t *testing.T) {
	path := writeFile(t, t.TempDir(), "agents.yaml", `
- id: twin
  promptPath: a.md
- id: twin
  promptPath: b.md
`)
	_, err := LoadAgents(path)
	assert.Error(t, err)
}
