package orchestrator

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/codemachine-ai/codemachine/internal/engine"
	"github.com/codemachine-ai/codemachine/internal/signals"
	"github.com/codemachine-ai/codemachine/internal/state"
	"github.com/codemachine-ai/codemachine/internal/workflow"
	"github.com/codemachine-ai/codemachine/internal/workflow/fsm"
)

// shellEngine drives /bin/sh and emits a fixed NDJSON conversation. Each
// spawn gets a fresh session id so resume behavior is observable.
type shellEngine struct {
	id       string
	spawns   int64
	response string
}

func (f *shellEngine) Metadata() engine.Metadata {
	return engine.Metadata{
		ID: f.id, Name: f.id, CLIBinary: "/bin/sh",
		InstallCommand: "true", DefaultModel: "fake-1",
	}
}

func (f *shellEngine) Auth() engine.Auth { return nil }
func (f *shellEngine) MCP() engine.MCP   { return nil }

func (f *shellEngine) BuildCommand(spec engine.RunSpec) (engine.Command, error) {
	n := atomic.AddInt64(&f.spawns, 1)
	session := spec.ResumeSessionID
	if session == "" {
		session = fmt.Sprintf("%s-sess-%d", f.id, n)
	}
	response := f.response
	if response == "" {
		response = "step output"
	}
	script := fmt.Sprintf(
		`printf '{"type":"session","id":"%s"}\n{"type":"msg","text":"%s"}\n'`,
		session, response,
	)
	return engine.Command{Binary: "/bin/sh", Args: []string{"-c", script}, PromptViaStdin: true}, nil
}

func (f *shellEngine) ParseLine(line string) (engine.Event, bool) {
	switch {
	case strings.Contains(line, `"session"`):
		id := between(line, `"id":"`, `"`)
		return engine.Event{Kind: engine.EventSession, SessionID: id}, true
	case strings.Contains(line, `"msg"`):
		return engine.Event{Kind: engine.EventMessage, Text: between(line, `"text":"`, `"`)}, true
	default:
		return engine.Event{}, false
	}
}

func (f *shellEngine) SessionTelemetry(string) (*engine.Telemetry, error) { return nil, nil }

func between(s, prefix, suffix string) string {
	i := strings.Index(s, prefix)
	if i < 0 {
		return ""
	}
	rest := s[i+len(prefix):]
	j := strings.Index(rest, suffix)
	if j < 0 {
		return rest
	}
	return rest[:j]
}

type fixture struct {
	runner *Runner
	bus    *signals.Bus
	root   string
	eng    *shellEngine
}

func newFixture(t *testing.T, stepCount int, opts ...func(*workflow.Template, *workflow.AgentSet)) *fixture {
	t.Helper()
	dir := t.TempDir()
	cwd := filepath.Join(dir, "work")
	require.NoError(t, os.MkdirAll(cwd, 0o755))

	var steps []workflow.Step
	var agentsYAML strings.Builder
	for i := 0; i < stepCount; i++ {
		id := fmt.Sprintf("agent-%d", i)
		promptName := fmt.Sprintf("%s.md", id)
		require.NoError(t, os.WriteFile(filepath.Join(dir, promptName), []byte("prompt for "+id), 0o644))
		steps = append(steps, workflow.Step{
			Type: workflow.StepTypeModule, AgentID: id,
			PromptPath: workflow.StringList{promptName}, Engine: "fake",
		})
		fmt.Fprintf(&agentsYAML, "- id: %s\n  promptPath: %s\n", id, promptName)
	}
	agentsPath := filepath.Join(dir, "agents.yaml")
	require.NoError(t, os.WriteFile(agentsPath, []byte(agentsYAML.String()), 0o644))
	agents, err := workflow.LoadAgents(agentsPath)
	require.NoError(t, err)

	template := &workflow.Template{Name: "test", Steps: steps}
	for _, opt := range opts {
		opt(template, agents)
	}

	eng := &shellEngine{id: "fake"}
	bus := signals.NewBus()
	root := filepath.Join(cwd, ".codemachine")

	run := New(Config{
		Template:    template,
		Steps:       template.Steps,
		Agents:      agents,
		Registry:    engine.NewCustomRegistry(eng),
		Cwd:         cwd,
		StateRoot:   root,
		WorkflowDir: dir,
		Bus:         bus,
	})
	return &fixture{runner: run, bus: bus, root: root, eng: eng}
}

// answerAwaiting publishes the given inputs, one per entry into awaiting.
func (f *fixture) answerAwaiting(t *testing.T, done <-chan struct{}, inputs ...signals.Signal) {
	t.Helper()
	go func() {
		for _, sig := range inputs {
			if !waitForState(f.runner, fsm.StateAwaiting, done) {
				return
			}
			f.bus.Publish(sig)
			waitForStateLeave(f.runner, fsm.StateAwaiting, done)
		}
	}()
}

func waitForState(r *Runner, want fsm.State, done <-chan struct{}) bool {
	for {
		select {
		case <-done:
			return false
		default:
		}
		if r.Machine().State() == want {
			return true
		}
		time.Sleep(5 * time.Millisecond)
	}
}

func waitForStateLeave(r *Runner, from fsm.State, done <-chan struct{}) {
	for {
		select {
		case <-done:
			return
		default:
		}
		if r.Machine().State() != from {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
}

func emptyInput() signals.Signal {
	return signals.Signal{Kind: signals.KindInput, Input: ""}
}

func TestRun_HappyManualAdvance(t *testing.T) {
	f := newFixture(t, 2)
	done := make(chan struct{})
	f.answerAwaiting(t, done, emptyInput(), emptyInput())

	code, err := f.runner.Run(context.Background())
	close(done)
	require.NoError(t, err)
	assert.Equal(t, 0, code)
	assert.Equal(t, fsm.StateCompleted, f.runner.Machine().State())
	assert.Equal(t, int64(2), atomic.LoadInt64(&f.eng.spawns))

	// Both step sessions are persisted and completed, with session ids.
	store := state.NewStepStore(f.root)
	for i := 0; i < 2; i++ {
		session, err := store.LoadStep(i)
		require.NoError(t, err)
		assert.True(t, session.Completed, "step %d", i)
		assert.NotEmpty(t, session.SessionID, "step %d", i)
	}
}

func TestRun_SkipSignalAdvancesWithoutCompleting(t *testing.T) {
	f := newFixture(t, 2)
	done := make(chan struct{})
	f.answerAwaiting(t, done,
		signals.Signal{Kind: signals.KindSkip},
		emptyInput(),
	)

	code, err := f.runner.Run(context.Background())
	close(done)
	require.NoError(t, err)
	assert.Equal(t, 0, code)

	session, err := state.NewStepStore(f.root).LoadStep(0)
	require.NoError(t, err)
	assert.False(t, session.Completed, "skipped step is not completed")
}

func TestRun_StopSignalExits130(t *testing.T) {
	f := newFixture(t, 2)
	done := make(chan struct{})
	f.answerAwaiting(t, done, signals.Signal{Kind: signals.KindStop})

	code, err := f.runner.Run(context.Background())
	close(done)
	require.NoError(t, err)
	assert.Equal(t, 130, code)
	assert.Equal(t, fsm.StateStopped, f.runner.Machine().State())
}

func TestRun_UIStepsRenderWithoutSpawning(t *testing.T) {
	f := newFixture(t, 1, func(tpl *workflow.Template, _ *workflow.AgentSet) {
		tpl.Steps = append([]workflow.Step{
			{Type: workflow.StepTypeUI, Text: "welcome banner"},
		}, tpl.Steps...)
	})

	done := make(chan struct{})
	f.answerAwaiting(t, done, emptyInput())

	code, err := f.runner.Run(context.Background())
	close(done)
	require.NoError(t, err)
	assert.Equal(t, 0, code)
	assert.Equal(t, int64(1), atomic.LoadInt64(&f.eng.spawns), "ui steps never spawn")
}

// TestRun_DelegatedResumeWithInput covers scenario 4: auto mode with no
// controller configured. The step completes into delegated, the operator
// types resume text, and the step's new output must land in the machine
// context even though RESUME and STEP_COMPLETE are not listed for the
// delegated state.
func TestRun_DelegatedResumeWithInput(t *testing.T) {
	f := newFixture(t, 2)
	require.NoError(t, f.runner.ctrlStore.SetAutonomousMode(state.AutonomousOn))

	done := make(chan struct{})
	go func() {
		// Step 0 completes into delegated; resume it with operator text.
		if !waitForState(f.runner, fsm.StateDelegated, done) {
			return
		}
		f.bus.Publish(signals.Signal{Kind: signals.KindInput, Input: "tighten the error handling"})

		// The resume child is monitoring record 2; once its output is on
		// the context the provider is waiting again.
		if !waitForOutput(f.runner, 2, done) {
			return
		}
		f.bus.Publish(emptyInput())

		// Step 1 completes into delegated as record 3; advance to finish.
		if !waitForOutput(f.runner, 3, done) {
			return
		}
		f.bus.Publish(emptyInput())
	}()

	code, err := f.runner.Run(context.Background())
	close(done)
	require.NoError(t, err)
	assert.Equal(t, 0, code)
	assert.Equal(t, fsm.StateCompleted, f.runner.Machine().State())

	// Primary, resume on the same session, then step 1's primary.
	assert.Equal(t, int64(3), atomic.LoadInt64(&f.eng.spawns))

	session, err := state.NewStepStore(f.root).LoadStep(0)
	require.NoError(t, err)
	assert.True(t, session.Completed)
}

// waitForOutput polls until the machine context carries output from the
// given monitoring record.
func waitForOutput(r *Runner, monitoringID int64, done <-chan struct{}) bool {
	for {
		select {
		case <-done:
			return false
		default:
		}
		out := r.Machine().Context().CurrentOutput
		if out != nil && out.MonitoringID == monitoringID {
			return true
		}
		time.Sleep(5 * time.Millisecond)
	}
}

func TestRun_LoopDirectiveStepsBack(t *testing.T) {
	f := newFixture(t, 2, func(tpl *workflow.Template, _ *workflow.AgentSet) {
		tpl.Steps[1].Behavior = &workflow.Behavior{
			Kind: workflow.BehaviorLoop,
			Loop: &workflow.LoopBehavior{Steps: 1, MaxIterations: 2},
		}
	})

	// Seed the loop directive as the agent would have via workflow-signals.
	require.NoError(t, f.runner.stepStore.SetDirective(1, state.Directive{Action: state.DirectiveLoop}))

	done := make(chan struct{})
	// step0 → advance, step1 → loop (directive), step0 again → advance,
	// step1 again → advance (directive was reset on completion).
	f.answerAwaiting(t, done, emptyInput(), emptyInput(), emptyInput(), emptyInput())

	code, err := f.runner.Run(context.Background())
	close(done)
	require.NoError(t, err)
	assert.Equal(t, 0, code)

	// step 0 ran twice (fresh session after the loop reset) and step 1
	// twice: 4 spawns total.
	assert.Equal(t, int64(4), atomic.LoadInt64(&f.eng.spawns))
	assert.Equal(t, 1, f.runner.loops[1])
}

func TestRun_ExecuteOnceSkipsCompletedStep(t *testing.T) {
	f := newFixture(t, 2, func(tpl *workflow.Template, _ *workflow.AgentSet) {
		tpl.Steps[0].ExecuteOnce = true
	})
	require.NoError(t, f.runner.stepStore.StepCompleted(0))

	done := make(chan struct{})
	f.answerAwaiting(t, done, emptyInput())

	code, err := f.runner.Run(context.Background())
	close(done)
	require.NoError(t, err)
	assert.Equal(t, 0, code)
	assert.Equal(t, int64(1), atomic.LoadInt64(&f.eng.spawns), "completed execute-once step must not respawn")
}

func TestRun_ActiveServersWrittenBeforeStep(t *testing.T) {
	f := newFixture(t, 1, func(tpl *workflow.Template, _ *workflow.AgentSet) {
		tpl.SubAgentIDs = []string{"coder", "tester"}
	})
	done := make(chan struct{})
	f.answerAwaiting(t, done, emptyInput())

	_, err := f.runner.Run(context.Background())
	close(done)
	require.NoError(t, err)

	servers, err := state.NewActiveServersStore(f.root).Read()
	require.NoError(t, err)
	coord := state.Lookup(servers, "agent-coordination")
	require.NotNil(t, coord)
	assert.Equal(t, []string{"coder", "tester"}, coord.Targets)
	require.NotNil(t, state.Lookup(servers, "workflow-signals"))
}
