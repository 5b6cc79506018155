package engine

import (
	"encoding/json"
	"fmt"
	"path/filepath"
)

// codex adapts the OpenAI Codex CLI (`codex exec --json`).
//
// Events arrive as NDJSON: thread.started carries the session id,
// item.completed carries commands and assistant messages, turn.completed
// carries usage. Resume runs use `codex exec resume <id>`.
type codex struct {
	auth *cliAuth
	mcp  *jsonMCP
}

func newCodex() *codex {
	return &codex{
		auth: &cliAuth{
			engineID:   "codex",
			binary:     "codex",
			statusArgs: []string{"login", "status"},
			loginArgs:  []string{"login"},
			logoutArgs: []string{"logout"},
			apiKeyEnv:  "OPENAI_API_KEY",
		},
		mcp: &jsonMCP{
			engineID:   "codex",
			projectRel: filepath.Join(".codex", "config.json"),
			userRel:    filepath.Join(".codex", "config.json"),
			routerArgs: []string{"mcp", "serve"},
		},
	}
}

func (c *codex) Metadata() Metadata {
	return Metadata{
		ID:                          "codex",
		Name:                        "Codex",
		CLIBinary:                   "codex",
		InstallCommand:              "npm install -g @openai/codex",
		DefaultModel:                "gpt-5-codex",
		DefaultModelReasoningEffort: "medium",
	}
}

func (c *codex) Auth() Auth { return c.auth }
func (c *codex) MCP() MCP   { return c.mcp }

func (c *codex) BuildCommand(spec RunSpec) (Command, error) {
	args := []string{"exec"}
	if spec.ResumeSessionID != "" {
		args = append(args, "resume", spec.ResumeSessionID)
	}
	args = append(args, "--json", "--skip-git-repo-check")
	model := spec.Model
	if model == "" {
		model = c.Metadata().DefaultModel
	}
	args = append(args, "--model", model)
	effort := spec.ModelReasoningEffort
	if effort == "" {
		effort = c.Metadata().DefaultModelReasoningEffort
	}
	args = append(args, "-c", "model_reasoning_effort="+effort)
	if spec.WorkingDir != "" {
		args = append(args, "--cd", spec.WorkingDir)
	}
	// Trailing "-" makes the CLI read the prompt from stdin.
	args = append(args, "-")

	return Command{
		Binary:         c.Metadata().CLIBinary,
		Args:           args,
		Env:            c.auth.apiKeyEnviron(),
		PromptViaStdin: true,
	}, nil
}

type codexEvent struct {
	Type     string `json:"type"`
	ThreadID string `json:"thread_id"`
	Message  string `json:"message"`
	Item     struct {
		Type             string `json:"type"`
		Text             string `json:"text"`
		Command          string `json:"command"`
		AggregatedOutput string `json:"aggregated_output"`
	} `json:"item"`
	Usage struct {
		InputTokens  int64 `json:"input_tokens"`
		OutputTokens int64 `json:"output_tokens"`
	} `json:"usage"`
}

func (c *codex) ParseLine(line string) (Event, bool) {
	var ev codexEvent
	if err := json.Unmarshal([]byte(line), &ev); err != nil {
		return Event{}, false
	}
	switch ev.Type {
	case "thread.started":
		return Event{Kind: EventSession, SessionID: ev.ThreadID}, true
	case "turn.started":
		return Event{Kind: EventStatus, Text: "turn started"}, true
	case "turn.completed":
		return Event{
			Kind: EventTelemetry,
			Telemetry: &Telemetry{
				InputTokens:  ev.Usage.InputTokens,
				OutputTokens: ev.Usage.OutputTokens,
			},
		}, true
	case "item.started", "item.updated":
		return Event{}, false
	case "item.completed":
		switch ev.Item.Type {
		case "agent_message":
			return Event{Kind: EventMessage, Text: ev.Item.Text}, true
		case "command_execution":
			text := ev.Item.Command
			if ev.Item.AggregatedOutput != "" {
				text = fmt.Sprintf("%s\n%s", ev.Item.Command, ev.Item.AggregatedOutput)
			}
			return Event{Kind: EventCommand, Text: text}, true
		case "reasoning":
			return Event{Kind: EventStatus, Text: "thinking"}, true
		default:
			return Event{}, false
		}
	case "error":
		return Event{Kind: EventError, Text: ev.Message}, true
	default:
		return Event{}, false
	}
}

// SessionTelemetry returns nil: codex streams usage on turn.completed.
func (c *codex) SessionTelemetry(string) (*Telemetry, error) { return nil, nil }
