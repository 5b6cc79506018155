package coordsrv

import (
	"context"
	"sync"
	"testing"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/codemachine-ai/codemachine/internal/mcprouter"
)

type recordingRunner struct {
	mu    sync.Mutex
	calls []string
	fail  map[string]bool
}

func (r *recordingRunner) RunAgent(_ context.Context, agentID, prompt, _ string) (string, error) {
	r.mu.Lock()
	r.calls = append(r.calls, agentID)
	r.mu.Unlock()
	if r.fail[agentID] {
		return "", assert.AnError
	}
	return "output from " + agentID + ": " + prompt, nil
}

func available() []string { return []string{"planner", "coder", "tester"} }

func TestRunAgents_RejectsDisallowedTargetBeforeSpawning(t *testing.T) {
	rec := &recordingRunner{}
	c := NewCoordinator(rec, available)

	res, err := c.runAgents(context.Background(), map[string]interface{}{
		"script":                    `planner 'plan' && rogue 'exfiltrate'`,
		mcprouter.AllowedTargetsArg: []interface{}{"planner", "coder"},
	})
	require.NoError(t, err)
	require.True(t, res.IsError)
	assert.Empty(t, rec.calls, "no agent may be spawned when any target is disallowed")
}

func TestRunAgents_NilTargetsMeansUnrestricted(t *testing.T) {
	rec := &recordingRunner{}
	c := NewCoordinator(rec, available)

	res, err := c.runAgents(context.Background(), map[string]interface{}{
		"script":                    `planner 'plan'`,
		mcprouter.AllowedTargetsArg: nil,
	})
	require.NoError(t, err)
	assert.False(t, res.IsError)
	assert.Equal(t, []string{"planner"}, rec.calls)
}

func TestRunAgents_SequentialStagesRunInOrder(t *testing.T) {
	rec := &recordingRunner{}
	c := NewCoordinator(rec, available)

	res, err := c.runAgents(context.Background(), map[string]interface{}{
		"script":                    `planner 'plan' && coder 'build'`,
		mcprouter.AllowedTargetsArg: []interface{}{"planner", "coder"},
	})
	require.NoError(t, err)
	require.False(t, res.IsError)
	assert.Equal(t, []string{"planner", "coder"}, rec.calls)
}

func TestRunAgents_ParallelStageRunsAll(t *testing.T) {
	rec := &recordingRunner{}
	c := NewCoordinator(rec, available)

	res, err := c.runAgents(context.Background(), map[string]interface{}{
		"script":                    `coder 'build' & tester 'test'`,
		mcprouter.AllowedTargetsArg: nil,
	})
	require.NoError(t, err)
	assert.False(t, res.IsError)
	assert.ElementsMatch(t, []string{"coder", "tester"}, rec.calls)
}

func TestRunAgents_FailedStageStopsSubsequentStages(t *testing.T) {
	rec := &recordingRunner{fail: map[string]bool{"planner": true}}
	c := NewCoordinator(rec, available)

	res, err := c.runAgents(context.Background(), map[string]interface{}{
		"script":                    `planner 'plan' && coder 'build'`,
		mcprouter.AllowedTargetsArg: nil,
	})
	require.NoError(t, err)
	assert.True(t, res.IsError)
	assert.Equal(t, []string{"planner"}, rec.calls, "second stage must not run")
}

func TestStatusTracking(t *testing.T) {
	rec := &recordingRunner{}
	c := NewCoordinator(rec, available)

	_, err := c.runAgents(context.Background(), map[string]interface{}{
		"script":                    `planner 'plan'`,
		mcprouter.AllowedTargetsArg: nil,
	})
	require.NoError(t, err)

	res, err := c.getStatus(context.Background(), map[string]interface{}{"id": float64(1)})
	require.NoError(t, err)
	require.False(t, res.IsError)
	text := resultText(t, res)
	assert.Contains(t, text, "planner")
	assert.Contains(t, text, "completed")

	res, err = c.listAvailable(context.Background(), nil)
	require.NoError(t, err)
	assert.Contains(t, resultText(t, res), "tester")
}

func resultText(t *testing.T, res *mcp.CallToolResult) string {
	t.Helper()
	for _, c := range res.Content {
		if tc, ok := c.(mcp.TextContent); ok {
			return tc.Text
		}
	}
	return ""
}
