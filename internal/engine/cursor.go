package engine

import (
	"encoding/json"
	"os"
	"path/filepath"
)

// cursor adapts the Cursor agent CLI (`cursor-agent --output-format stream-json`).
//
// The stream carries a system/init event with the session id, assistant
// deltas, tool calls, and a final result event. Usage is not streamed; it is
// read from the session file under ~/.cursor/chats after the run.
type cursor struct {
	auth      *cliAuth
	mcp       *jsonMCP
	telemetry *sessionFileTelemetry
}

func newCursor() *cursor {
	return &cursor{
		auth: &cliAuth{
			engineID:   "cursor",
			binary:     "cursor-agent",
			statusArgs: []string{"status"},
			loginArgs:  []string{"login"},
			logoutArgs: []string{"logout"},
			apiKeyEnv:  "CURSOR_API_KEY",
		},
		mcp: &jsonMCP{
			engineID:   "cursor",
			projectRel: filepath.Join(".cursor", "mcp.json"),
			userRel:    filepath.Join(".cursor", "mcp.json"),
			routerArgs: []string{"mcp", "serve"},
		},
		telemetry: newSessionFileTelemetry(
			`.messages[]? | .usage? | select(. != null) | {input: .input_tokens, output: .output_tokens}`,
		),
	}
}

func (c *cursor) Metadata() Metadata {
	return Metadata{
		ID:             "cursor",
		Name:           "Cursor",
		CLIBinary:      "cursor-agent",
		InstallCommand: "curl https://cursor.com/install -fsS | bash",
		DefaultModel:   "composer-1",
	}
}

func (c *cursor) Auth() Auth { return c.auth }
func (c *cursor) MCP() MCP   { return c.mcp }

func (c *cursor) BuildCommand(spec RunSpec) (Command, error) {
	args := []string{"--print", "--output-format", "stream-json", "--force"}
	if spec.ResumeSessionID != "" {
		args = append(args, "--resume", spec.ResumeSessionID)
	}
	model := spec.Model
	if model == "" {
		model = c.Metadata().DefaultModel
	}
	args = append(args, "--model", model)

	return Command{
		Binary:         c.Metadata().CLIBinary,
		Args:           args,
		Env:            c.auth.apiKeyEnviron(),
		PromptViaStdin: true,
	}, nil
}

type cursorEvent struct {
	Type      string `json:"type"`
	Subtype   string `json:"subtype"`
	SessionID string `json:"session_id"`
	IsError   bool   `json:"is_error"`
	Result    string `json:"result"`
	Message   struct {
		Content []struct {
			Type string `json:"type"`
			Text string `json:"text"`
		} `json:"content"`
	} `json:"message"`
	ToolCall struct {
		Name string          `json:"name"`
		Args json.RawMessage `json:"args"`
	} `json:"tool_call"`
}

func (c *cursor) ParseLine(line string) (Event, bool) {
	var ev cursorEvent
	if err := json.Unmarshal([]byte(line), &ev); err != nil {
		return Event{}, false
	}
	switch ev.Type {
	case "system":
		if ev.Subtype == "init" && ev.SessionID != "" {
			return Event{Kind: EventSession, SessionID: ev.SessionID}, true
		}
		return Event{}, false
	case "assistant":
		var text string
		for _, part := range ev.Message.Content {
			if part.Type == "text" {
				text += part.Text
			}
		}
		if text == "" {
			return Event{}, false
		}
		return Event{Kind: EventMessage, Text: text}, true
	case "tool_call":
		return Event{Kind: EventCommand, Text: ev.ToolCall.Name}, true
	case "result":
		if ev.IsError {
			return Event{Kind: EventError, Text: ev.Result}, true
		}
		return Event{Kind: EventStatus, Text: "done"}, true
	default:
		return Event{}, false
	}
}

// SessionTelemetry scans the on-disk chat record for per-turn usage.
func (c *cursor) SessionTelemetry(sessionID string) (*Telemetry, error) {
	if sessionID == "" {
		return nil, nil
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return nil, nil
	}
	path := filepath.Join(home, ".cursor", "chats", sessionID+".json")
	return c.telemetry.extract(path)
}
