package orchestrator

import (
	"context"
	"os"
	"path/filepath"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/codemachine-ai/codemachine/internal/engine"
	"github.com/codemachine-ai/codemachine/internal/signals"
	"github.com/codemachine-ai/codemachine/internal/state"
	"github.com/codemachine-ai/codemachine/internal/workflow"
	"github.com/codemachine-ai/codemachine/internal/workflow/fsm"
)

// TestRun_AutonomousChainedPrompts exercises the delegated path end to
// end: the primary prompt, the chained prompts on the same session, and
// the controller's ACTION: NEXT advances — no operator involvement.
func TestRun_AutonomousChainedPrompts(t *testing.T) {
	dir := t.TempDir()
	cwd := filepath.Join(dir, "work")
	require.NoError(t, os.MkdirAll(cwd, 0o755))

	for name, content := range map[string]string{
		"step0.md":      "primary step 0",
		"step1.md":      "primary step 1",
		"do-a.md":       "do A",
		"do-b.md":       "do B",
		"controller.md": "you drive the workflow",
	} {
		require.NoError(t, os.WriteFile(filepath.Join(dir, name), []byte(content), 0o644))
	}

	agentsPath := filepath.Join(dir, "agents.yaml")
	require.NoError(t, os.WriteFile(agentsPath, []byte(`
- id: worker
  promptPath: step0.md
  chainedPromptsPath: [do-a.md, do-b.md]
- id: finisher
  promptPath: step1.md
- id: controller
  role: controller
  promptPath: controller.md
`), 0o644))
	agents, err := workflow.LoadAgents(agentsPath)
	require.NoError(t, err)

	template := &workflow.Template{
		Name: "auto",
		Steps: []workflow.Step{
			{Type: workflow.StepTypeModule, AgentID: "worker", PromptPath: workflow.StringList{"step0.md"}, Engine: "fake"},
			{Type: workflow.StepTypeModule, AgentID: "finisher", PromptPath: workflow.StringList{"step1.md"}, Engine: "fake"},
		},
		Controller: &workflow.ControllerRef{AgentID: "controller", Engine: "ctrl"},
	}

	worker := &shellEngine{id: "fake"}
	controller := &shellEngine{id: "ctrl", response: "ACTION: NEXT"}

	root := filepath.Join(cwd, ".codemachine")
	run := New(Config{
		Template:    template,
		Steps:       template.Steps,
		Agents:      agents,
		Registry:    engine.NewCustomRegistry(worker, controller),
		Cwd:         cwd,
		StateRoot:   root,
		WorkflowDir: dir,
		Bus:         signals.NewBus(),
	})
	require.NoError(t, run.ctrlStore.SetAutonomousMode(state.AutonomousOn))

	code, err := run.Run(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 0, code)
	assert.Equal(t, fsm.StateCompleted, run.Machine().State())

	// Step 0: primary + two queued resumes. Step 1: primary. Four worker
	// spawns; two controller turns (one advance per step).
	assert.Equal(t, int64(4), atomic.LoadInt64(&worker.spawns))
	assert.Equal(t, int64(2), atomic.LoadInt64(&controller.spawns))

	session, err := state.NewStepStore(root).LoadStep(0)
	require.NoError(t, err)
	assert.Equal(t, 2, session.QueueIndex, "both queued prompts sent")
	assert.True(t, session.Completed)
	assert.NotEmpty(t, session.SessionID)

	// The controller's own session is captured for future resumes.
	ctrl, err := state.NewControllerStore(root).Load()
	require.NoError(t, err)
	require.NotNil(t, ctrl.Controller)
	assert.NotEmpty(t, ctrl.Controller.SessionID)
}

// TestRun_ControllerRejectStops covers the controller's stop path: an
// ACTION: STOP marker in the controller's output maps to STOP.
func TestRun_ControllerRejectStops(t *testing.T) {
	dir := t.TempDir()
	cwd := filepath.Join(dir, "work")
	require.NoError(t, os.MkdirAll(cwd, 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "s.md"), []byte("p"), 0o644))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "c.md"), []byte("c"), 0o644))

	agentsPath := filepath.Join(dir, "agents.yaml")
	require.NoError(t, os.WriteFile(agentsPath, []byte(`
- id: worker
  promptPath: s.md
- id: controller
  role: controller
  promptPath: c.md
`), 0o644))
	agents, err := workflow.LoadAgents(agentsPath)
	require.NoError(t, err)

	template := &workflow.Template{
		Name: "rejecting",
		Steps: []workflow.Step{
			{Type: workflow.StepTypeModule, AgentID: "worker", PromptPath: workflow.StringList{"s.md"}, Engine: "fake"},
			{Type: workflow.StepTypeModule, AgentID: "worker", PromptPath: workflow.StringList{"s.md"}, Engine: "fake"},
		},
		Controller: &workflow.ControllerRef{AgentID: "controller", Engine: "ctrl"},
	}

	worker := &shellEngine{id: "fake"}
	controller := &shellEngine{id: "ctrl", response: "ACTION: STOP"}

	root := filepath.Join(cwd, ".codemachine")
	run := New(Config{
		Template:    template,
		Steps:       template.Steps,
		Agents:      agents,
		Registry:    engine.NewCustomRegistry(worker, controller),
		Cwd:         cwd,
		StateRoot:   root,
		WorkflowDir: dir,
		Bus:         signals.NewBus(),
	})
	require.NoError(t, run.ctrlStore.SetAutonomousMode(state.AutonomousOn))

	code, err := run.Run(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 130, code)
	assert.Equal(t, fsm.StateStopped, run.Machine().State())
	assert.Equal(t, int64(1), atomic.LoadInt64(&worker.spawns), "second step never runs")
}
