package signalsrv

import (
	"context"
	"testing"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/codemachine-ai/codemachine/internal/state"
)

func callTool(t *testing.T, b interface {
	Call(ctx context.Context, tool string, args map[string]interface{}) (*mcp.CallToolResult, error)
}, tool string, args map[string]interface{}) *mcp.CallToolResult {
	t.Helper()
	res, err := b.Call(context.Background(), tool, args)
	require.NoError(t, err)
	return res
}

func TestProposeThenApprove(t *testing.T) {
	store := state.NewSignalsStore(t.TempDir())
	backend := New(store, func() string { return "step-07-modules" })

	res := callTool(t, backend, "propose_step_completion", map[string]interface{}{
		"step_id":       "step-07-modules",
		"artifact_path": "out/modules.md",
		"checklist":     []interface{}{"compiles", "documented"},
		"confidence":    "high",
	})
	assert.False(t, res.IsError)

	pending, err := store.Pending()
	require.NoError(t, err)
	require.NotNil(t, pending)
	assert.Equal(t, []string{"compiles", "documented"}, pending.Checklist)

	res = callTool(t, backend, "approve_step_transition", map[string]interface{}{
		"step_id":  "step-07-modules",
		"decision": "approve",
	})
	assert.False(t, res.IsError)

	d, err := store.TakeDecision()
	require.NoError(t, err)
	require.NotNil(t, d)
	assert.Equal(t, state.DecisionApprove, d.Decision)
}

func TestProposeRejectsWrongStepID(t *testing.T) {
	store := state.NewSignalsStore(t.TempDir())
	backend := New(store, func() string { return "step-02" })

	res := callTool(t, backend, "propose_step_completion", map[string]interface{}{
		"step_id":       "step-99",
		"artifact_path": "x.md",
		"confidence":    "low",
	})
	assert.True(t, res.IsError)

	pending, err := store.Pending()
	require.NoError(t, err)
	assert.Nil(t, pending)
}

func TestApproveRejectsBadDecision(t *testing.T) {
	store := state.NewSignalsStore(t.TempDir())
	backend := New(store, func() string { return "" })

	res := callTool(t, backend, "approve_step_transition", map[string]interface{}{
		"step_id":  "step-01",
		"decision": "maybe",
	})
	assert.True(t, res.IsError)
}

func TestGetPendingProposal(t *testing.T) {
	store := state.NewSignalsStore(t.TempDir())
	backend := New(store, func() string { return "" })

	res := callTool(t, backend, "get_pending_proposal", nil)
	assert.False(t, res.IsError)

	require.NoError(t, store.SetPending(&state.Proposal{
		StepID: "step-03", ArtifactPath: "plan.md", Confidence: "medium",
	}))
	res = callTool(t, backend, "get_pending_proposal", nil)
	assert.False(t, res.IsError)
	text := ""
	for _, c := range res.Content {
		if tc, ok := c.(mcp.TextContent); ok {
			text = tc.Text
		}
	}
	assert.Contains(t, text, "step-03")
}
