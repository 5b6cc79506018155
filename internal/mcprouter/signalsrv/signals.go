// Package signalsrv implements the workflow-signals MCP backend: the
// structured alternative to the legacy ACTION: NEXT|SKIP|STOP text
// markers. Proposals and decisions round-trip through the signals store
// so the controller provider can read them from any process.
package signalsrv

import (
	"context"
	"fmt"

	"github.com/mark3labs/mcp-go/mcp"

	"github.com/codemachine-ai/codemachine/internal/mcprouter"
	"github.com/codemachine-ai/codemachine/internal/state"
)

// BackendName is the server id in the active-servers record.
const BackendName = "workflow-signals"

// New builds the workflow-signals backend over the given store.
// currentStepID supplies the step id decisions must reference; it is
// consulted per call so the backend tracks the workflow as it advances.
func New(store *state.SignalsStore, currentStepID func() string) *mcprouter.InProcessBackend {
	h := &handlers{store: store, currentStepID: currentStepID}

	return mcprouter.NewInProcessBackend(BackendName, []mcprouter.InProcessTool{
		{
			Tool: mcp.NewTool("propose_step_completion",
				mcp.WithDescription("Propose that the current step is complete. The proposal is held until approve_step_transition decides it."),
				mcp.WithString("step_id", mcp.Required(), mcp.Description("Id of the step being proposed complete")),
				mcp.WithString("artifact_path", mcp.Required(), mcp.Description("Path to the step's primary artifact")),
				mcp.WithArray("checklist", mcp.Required(), mcp.Description("Checklist items verified before proposing")),
				mcp.WithArray("open_questions", mcp.Description("Unresolved questions, if any")),
				mcp.WithString("confidence", mcp.Required(), mcp.Description("Confidence level: high, medium, or low")),
			),
			Handler: h.propose,
		},
		{
			Tool: mcp.NewTool("approve_step_transition",
				mcp.WithDescription("Decide a pending step-completion proposal: approve advances, reject stops the workflow, revise stays in the step."),
				mcp.WithString("step_id", mcp.Required(), mcp.Description("Id of the step being decided")),
				mcp.WithString("decision", mcp.Required(), mcp.Description("approve, reject, or revise")),
				mcp.WithArray("blockers", mcp.Description("Blocking issues, for reject/revise")),
				mcp.WithString("notes", mcp.Description("Free-form reviewer notes")),
			),
			Handler: h.approve,
		},
		{
			Tool: mcp.NewTool("get_pending_proposal",
				mcp.WithDescription("Return the pending step-completion proposal, if any."),
			),
			Handler: h.pending,
		},
	})
}

type handlers struct {
	store         *state.SignalsStore
	currentStepID func() string
}

func (h *handlers) propose(_ context.Context, args map[string]interface{}) (*mcp.CallToolResult, error) {
	stepID, _ := args["step_id"].(string)
	artifact, _ := args["artifact_path"].(string)
	confidence, _ := args["confidence"].(string)
	if stepID == "" || artifact == "" {
		return mcp.NewToolResultError("step_id and artifact_path are required"), nil
	}
	if current := h.currentStepID(); current != "" && stepID != current {
		return mcp.NewToolResultError(fmt.Sprintf("step_id %q does not match the current step %q", stepID, current)), nil
	}

	proposal := &state.Proposal{
		StepID:        stepID,
		ArtifactPath:  artifact,
		Checklist:     stringSlice(args["checklist"]),
		OpenQuestions: stringSlice(args["open_questions"]),
		Confidence:    confidence,
	}
	if err := h.store.SetPending(proposal); err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("persist proposal: %v", err)), nil
	}
	return mcp.NewToolResultText(fmt.Sprintf("proposal for %s recorded, awaiting decision", stepID)), nil
}

func (h *handlers) approve(_ context.Context, args map[string]interface{}) (*mcp.CallToolResult, error) {
	stepID, _ := args["step_id"].(string)
	decision, _ := args["decision"].(string)

	kind := state.DecisionKind(decision)
	switch kind {
	case state.DecisionApprove, state.DecisionReject, state.DecisionRevise:
	default:
		return mcp.NewToolResultError(fmt.Sprintf("decision must be approve, reject, or revise; got %q", decision)), nil
	}
	if current := h.currentStepID(); current != "" && stepID != current {
		return mcp.NewToolResultError(fmt.Sprintf("step_id %q does not match the current step %q", stepID, current)), nil
	}

	notes, _ := args["notes"].(string)
	d := &state.Decision{
		StepID:   stepID,
		Decision: kind,
		Blockers: stringSlice(args["blockers"]),
		Notes:    notes,
	}
	if err := h.store.SetDecision(d); err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("persist decision: %v", err)), nil
	}
	return mcp.NewToolResultText(fmt.Sprintf("decision %s recorded for %s", kind, stepID)), nil
}

func (h *handlers) pending(_ context.Context, _ map[string]interface{}) (*mcp.CallToolResult, error) {
	p, err := h.store.Pending()
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("read pending proposal: %v", err)), nil
	}
	if p == nil {
		return mcp.NewToolResultText("no pending proposal"), nil
	}
	return mcp.NewToolResultText(fmt.Sprintf(
		"pending proposal for %s: artifact=%s confidence=%s checklist=%d items open_questions=%d",
		p.StepID, p.ArtifactPath, p.Confidence, len(p.Checklist), len(p.OpenQuestions),
	)), nil
}

func stringSlice(v interface{}) []string {
	items, ok := v.([]interface{})
	if !ok {
		return nil
	}
	out := make([]string, 0, len(items))
	for _, item := range items {
		if s, ok := item.(string); ok {
			out = append(out, s)
		}
	}
	return out
}
