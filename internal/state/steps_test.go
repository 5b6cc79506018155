package state

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestStepStore_LoadCreatesFreshSession(t *testing.T) {
	store := NewStepStore(t.TempDir())

	session, err := store.LoadStep(0)
	require.NoError(t, err)
	assert.Empty(t, session.Queue)
	assert.Equal(t, 0, session.QueueIndex)
	assert.Equal(t, DirectiveContinue, session.Directive.Action)
	assert.False(t, session.Completed)
}

func TestStepStore_ExactlyOneFilePerVisitedStep(t *testing.T) {
	root := t.TempDir()
	store := NewStepStore(root)

	_, err := store.LoadStep(0)
	require.NoError(t, err)
	_, err = store.LoadStep(2)
	require.NoError(t, err)

	entries, err := os.ReadDir(filepath.Join(root, "steps"))
	require.NoError(t, err)
	var names []string
	for _, e := range entries {
		names = append(names, e.Name())
	}
	assert.ElementsMatch(t, []string{"0.json", "2.json"}, names)
}

func TestStepStore_QueueRoundTrip(t *testing.T) {
	root := t.TempDir()
	store := NewStepStore(root)

	prompts := []QueuedPrompt{
		{Name: "a.md", Label: "a", Content: "do A"},
		{Name: "b.md", Label: "b", Content: "do B"},
	}
	require.NoError(t, store.EnqueuePrompts(0, prompts))

	// A fresh store must read the same queue back from disk.
	reread := NewStepStore(root)
	session, err := reread.LoadStep(0)
	require.NoError(t, err)
	assert.Equal(t, prompts, session.Queue)
	assert.False(t, session.QueueExhausted())
	assert.Equal(t, "do A", session.CurrentQueuedPrompt().Content)

	require.NoError(t, reread.AdvanceQueue(0))
	require.NoError(t, reread.AdvanceQueue(0))
	session, err = reread.LoadStep(0)
	require.NoError(t, err)
	assert.True(t, session.QueueExhausted())
	assert.Nil(t, session.CurrentQueuedPrompt())

	err = reread.AdvanceQueue(0)
	assert.Error(t, err, "advancing past the end must fail loudly")
}

func TestStepStore_SessionInitIdempotent(t *testing.T) {
	store := NewStepStore(t.TempDir())

	require.NoError(t, store.StepSessionInitialized(0, "sess-1", 11))
	require.NoError(t, store.StepSessionInitialized(0, "sess-1", 11))

	err := store.StepSessionInitialized(0, "sess-2", 11)
	assert.Error(t, err, "mismatched session id must error")

	err = store.StepSessionInitialized(0, "sess-1", 99)
	assert.Error(t, err, "mismatched monitoring id must error")
}

func TestStepStore_DirectiveRoundTrip(t *testing.T) {
	root := t.TempDir()
	store := NewStepStore(root)

	d := Directive{Action: DirectiveLoop, Reason: "tests failing", TargetStepID: "step-03"}
	require.NoError(t, store.SetDirective(1, d))

	session, err := NewStepStore(root).LoadStep(1)
	require.NoError(t, err)
	assert.Equal(t, d, session.Directive)
}

func TestStepStore_CompletedResetsDirective(t *testing.T) {
	store := NewStepStore(t.TempDir())
	require.NoError(t, store.SetDirective(0, Directive{Action: DirectiveStop}))
	require.NoError(t, store.StepCompleted(0))

	session, err := store.LoadStep(0)
	require.NoError(t, err)
	assert.True(t, session.Completed)
	assert.Equal(t, DirectiveContinue, session.Directive.Action)
}

func TestStepStore_ResetStepClearsBinding(t *testing.T) {
	store := NewStepStore(t.TempDir())
	require.NoError(t, store.EnqueuePrompts(0, []QueuedPrompt{{Name: "a", Content: "x"}}))
	require.NoError(t, store.StepSessionInitialized(0, "sess-1", 4))
	require.NoError(t, store.AdvanceQueue(0))
	require.NoError(t, store.StepCompleted(0))

	require.NoError(t, store.ResetStep(0))
	session, err := store.LoadStep(0)
	require.NoError(t, err)
	assert.Empty(t, session.SessionID)
	assert.Zero(t, session.MonitoringID)
	assert.Equal(t, 0, session.QueueIndex)
	assert.False(t, session.Completed)
}

func TestStepStore_CaptureSessionForResume(t *testing.T) {
	store := NewStepStore(t.TempDir())
	require.NoError(t, store.CaptureSession(0, "sess-captured", 7))

	session, err := store.LoadStep(0)
	require.NoError(t, err)
	assert.Equal(t, "sess-captured", session.SessionID)
	assert.Equal(t, int64(7), session.MonitoringID)
}

func TestControllerStore_RoundTrip(t *testing.T) {
	root := t.TempDir()
	store := NewControllerStore(root)

	st, err := store.Load()
	require.NoError(t, err)
	assert.Equal(t, AutonomousOff, st.AutonomousMode)
	assert.Nil(t, st.Controller)

	st.Controller = &ControllerConfig{AgentID: "controller", Engine: "codex"}
	st.AutonomousMode = AutonomousOn
	require.NoError(t, store.Save(st))

	require.NoError(t, store.SetAutonomousMode(AutonomousNever))
	require.NoError(t, store.SetControllerSession("sess-c", 3))

	got, err := NewControllerStore(root).Load()
	require.NoError(t, err)
	assert.Equal(t, AutonomousNever, got.AutonomousMode)
	assert.Equal(t, "sess-c", got.Controller.SessionID)
	assert.Equal(t, int64(3), got.Controller.MonitoringID)
}

func TestActiveServersStore_MissingFileIsEmpty(t *testing.T) {
	store := NewActiveServersStore(t.TempDir())
	servers, err := store.Read()
	require.NoError(t, err)
	assert.Nil(t, servers)
}

func TestActiveServersStore_LookupAndToolFilter(t *testing.T) {
	store := NewActiveServersStore(t.TempDir())
	require.NoError(t, store.Write([]ActiveServer{
		{Server: "workflow-signals"},
		{Server: "agent-coordination", Tools: []string{"run_agents"}, Targets: []string{"coder"}},
	}))

	servers, err := store.Read()
	require.NoError(t, err)

	signals := Lookup(servers, "workflow-signals")
	require.NotNil(t, signals)
	assert.True(t, signals.ToolAllowed("anything"), "nil tools means all tools")

	coord := Lookup(servers, "agent-coordination")
	require.NotNil(t, coord)
	assert.True(t, coord.ToolAllowed("run_agents"))
	assert.False(t, coord.ToolAllowed("get_agent_status"))

	assert.Nil(t, Lookup(servers, "github"))
}

func TestSignalsStore_ProposalDecisionFlow(t *testing.T) {
	store := NewSignalsStore(t.TempDir())

	require.NoError(t, store.SetPending(&Proposal{StepID: "step-07", ArtifactPath: "out.md", Confidence: "high"}))
	p, err := store.Pending()
	require.NoError(t, err)
	require.NotNil(t, p)
	assert.Equal(t, "step-07", p.StepID)

	require.NoError(t, store.SetDecision(&Decision{StepID: "step-07", Decision: DecisionApprove}))

	p, err = store.Pending()
	require.NoError(t, err)
	assert.Nil(t, p, "decision clears the pending proposal")

	d, err := store.TakeDecision()
	require.NoError(t, err)
	require.NotNil(t, d)
	assert.Equal(t, DecisionApprove, d.Decision)

	d, err = store.TakeDecision()
	require.NoError(t, err)
	assert.Nil(t, d, "TakeDecision consumes the record")
}
