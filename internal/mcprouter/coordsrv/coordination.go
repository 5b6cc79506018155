package coordsrv

import (
	"context"
	"fmt"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/mark3labs/mcp-go/mcp"

	"github.com/codemachine-ai/codemachine/internal/mcprouter"
	"github.com/codemachine-ai/codemachine/pkg/errors"
)

// BackendName is the server id in the active-servers record.
const BackendName = "agent-coordination"

// defaultScriptTimeout bounds a run_agents call with no timeout_ms.
const defaultScriptTimeout = 10 * time.Minute

// AgentRunner runs one named agent to completion and returns its output.
// The orchestrator wires this to the subprocess runner.
type AgentRunner interface {
	RunAgent(ctx context.Context, agentID, prompt, workingDir string) (string, error)
}

// AgentRunnerFunc adapts a function to AgentRunner.
type AgentRunnerFunc func(ctx context.Context, agentID, prompt, workingDir string) (string, error)

// RunAgent implements AgentRunner.
func (f AgentRunnerFunc) RunAgent(ctx context.Context, agentID, prompt, workingDir string) (string, error) {
	return f(ctx, agentID, prompt, workingDir)
}

// AgentStatus is one tracked spawn.
type AgentStatus struct {
	ID      int    `json:"id"`
	Agent   string `json:"agent"`
	Status  string `json:"status"` // running | completed | failed
	Summary string `json:"summary,omitempty"`
}

// Coordinator executes coordination scripts and tracks spawned agents.
type Coordinator struct {
	runner    AgentRunner
	available func() []string

	mu     sync.Mutex
	nextID int
	active map[int]*AgentStatus
}

// NewCoordinator builds a coordinator. available lists the agent ids the
// backend may report via list_available_agents.
func NewCoordinator(runner AgentRunner, available func() []string) *Coordinator {
	return &Coordinator{
		runner:    runner,
		available: available,
		active:    make(map[int]*AgentStatus),
	}
}

// New builds the agent-coordination backend.
func New(c *Coordinator) *mcprouter.InProcessBackend {
	return mcprouter.NewInProcessBackend(BackendName, []mcprouter.InProcessTool{
		{
			Tool: mcp.NewTool("run_agents",
				mcp.WithDescription("Run agents by script: agent 'prompt', composed with & (parallel) and && (sequential); optional [input:file,tail:N] qualifier."),
				mcp.WithString("script", mcp.Required(), mcp.Description("Coordination script")),
				mcp.WithString("working_dir", mcp.Description("Working directory for the spawned agents")),
				mcp.WithNumber("timeout_ms", mcp.Description("Overall timeout in milliseconds")),
			),
			Handler: c.runAgents,
		},
		{
			Tool: mcp.NewTool("get_agent_status",
				mcp.WithDescription("Return the status of one spawned agent."),
				mcp.WithNumber("id", mcp.Required(), mcp.Description("Spawn id from run_agents")),
			),
			Handler: c.getStatus,
		},
		{
			Tool: mcp.NewTool("list_active_agents",
				mcp.WithDescription("List agents spawned by this backend that are still running."),
			),
			Handler: c.listActive,
		},
		{
			Tool: mcp.NewTool("list_available_agents",
				mcp.WithDescription("List agent ids that can be referenced in scripts."),
			),
			Handler: c.listAvailable,
		},
	})
}

func (c *Coordinator) runAgents(ctx context.Context, args map[string]interface{}) (*mcp.CallToolResult, error) {
	scriptSrc, _ := args["script"].(string)
	script, err := ParseScript(scriptSrc)
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}

	// Target enforcement happens before any agent is spawned.
	if err := checkTargets(script, args[mcprouter.AllowedTargetsArg]); err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}

	workingDir, _ := args["working_dir"].(string)
	timeout := defaultScriptTimeout
	if ms, ok := args["timeout_ms"].(float64); ok && ms > 0 {
		timeout = time.Duration(ms) * time.Millisecond
	}
	runCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	var report []string
	for _, stage := range script {
		outputs, err := c.runStage(runCtx, stage, workingDir)
		report = append(report, outputs...)
		if err != nil {
			return mcp.NewToolResultError(strings.Join(append(report, err.Error()), "\n")), nil
		}
	}
	return mcp.NewToolResultText(strings.Join(report, "\n")), nil
}

// runStage runs one stage's invocations in parallel and waits for all.
func (c *Coordinator) runStage(ctx context.Context, stage []Invocation, workingDir string) ([]string, error) {
	type result struct {
		line string
		err  error
	}
	results := make(chan result, len(stage))

	for _, inv := range stage {
		go func(inv Invocation) {
			prompt, err := c.composePrompt(inv, workingDir)
			if err != nil {
				results <- result{err: err}
				return
			}

			id := c.track(inv.Agent)
			output, err := c.runner.RunAgent(ctx, inv.Agent, prompt, workingDir)
			if err != nil {
				c.finish(id, "failed", err.Error())
				results <- result{err: fmt.Errorf("agent %s: %w", inv.Agent, err)}
				return
			}
			c.finish(id, "completed", headline(output))
			results <- result{line: fmt.Sprintf("[%d] %s: %s", id, inv.Agent, headline(output))}
		}(inv)
	}

	var lines []string
	var firstErr error
	for range stage {
		r := <-results
		if r.err != nil && firstErr == nil {
			firstErr = r.err
		}
		if r.line != "" {
			lines = append(lines, r.line)
		}
	}
	return lines, firstErr
}

func (c *Coordinator) composePrompt(inv Invocation, workingDir string) (string, error) {
	if inv.InputFile == "" {
		return inv.Prompt, nil
	}
	path := inv.InputFile
	if workingDir != "" && !strings.HasPrefix(path, "/") {
		path = workingDir + "/" + path
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return "", fmt.Errorf("read input %s: %w", inv.InputFile, err)
	}
	content := string(data)
	if inv.TailLines > 0 {
		lines := strings.Split(strings.TrimRight(content, "\n"), "\n")
		if len(lines) > inv.TailLines {
			lines = lines[len(lines)-inv.TailLines:]
		}
		content = strings.Join(lines, "\n")
	}
	return content + "\n\n" + inv.Prompt, nil
}

func (c *Coordinator) track(agent string) int {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.nextID++
	id := c.nextID
	c.active[id] = &AgentStatus{ID: id, Agent: agent, Status: "running"}
	return id
}

func (c *Coordinator) finish(id int, status, summary string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if st, ok := c.active[id]; ok {
		st.Status = status
		st.Summary = summary
	}
}

func (c *Coordinator) getStatus(_ context.Context, args map[string]interface{}) (*mcp.CallToolResult, error) {
	idArg, ok := args["id"].(float64)
	if !ok {
		return mcp.NewToolResultError("id is required"), nil
	}
	c.mu.Lock()
	st, found := c.active[int(idArg)]
	c.mu.Unlock()
	if !found {
		return mcp.NewToolResultError(fmt.Sprintf("no agent with id %d", int(idArg))), nil
	}
	return mcp.NewToolResultText(fmt.Sprintf("[%d] %s: %s %s", st.ID, st.Agent, st.Status, st.Summary)), nil
}

func (c *Coordinator) listActive(_ context.Context, _ map[string]interface{}) (*mcp.CallToolResult, error) {
	c.mu.Lock()
	var lines []string
	for _, st := range c.active {
		if st.Status == "running" {
			lines = append(lines, fmt.Sprintf("[%d] %s", st.ID, st.Agent))
		}
	}
	c.mu.Unlock()
	if len(lines) == 0 {
		return mcp.NewToolResultText("no active agents"), nil
	}
	return mcp.NewToolResultText(strings.Join(lines, "\n")), nil
}

func (c *Coordinator) listAvailable(_ context.Context, _ map[string]interface{}) (*mcp.CallToolResult, error) {
	ids := c.available()
	if len(ids) == 0 {
		return mcp.NewToolResultText("no agents available"), nil
	}
	return mcp.NewToolResultText(strings.Join(ids, "\n")), nil
}

// checkTargets rejects the script when any referenced agent is outside
// the injected target allowance. A nil allowance means unrestricted.
func checkTargets(script Script, allowed interface{}) error {
	if allowed == nil {
		return nil
	}
	items, ok := allowed.([]interface{})
	if !ok {
		return &errors.ValidationError{
			Field:   "_allowed_targets",
			Message: "malformed target restriction",
		}
	}
	permitted := make(map[string]bool, len(items))
	for _, item := range items {
		if s, ok := item.(string); ok {
			permitted[s] = true
		}
	}
	for _, name := range script.AgentNames() {
		if !permitted[name] {
			return &errors.ValidationError{
				Field:      "script",
				Message:    fmt.Sprintf("agent %q is not an allowed target for this step", name),
				Suggestion: "only the step's allowed targets may be spawned",
			}
		}
	}
	return nil
}

func headline(output string) string {
	output = strings.TrimSpace(output)
	if idx := strings.IndexByte(output, '\n'); idx >= 0 {
		output = output[:idx]
	}
	if len(output) > 160 {
		output = output[:160] + "…"
	}
	return output
}
