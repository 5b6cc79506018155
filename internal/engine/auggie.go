package engine

import (
	"encoding/json"
	"os"
	"path/filepath"
)

// auggie adapts the Augment Code CLI. Auggie prints plain progress lines
// interleaved with occasional JSON records; only the JSON lines become
// structured events, the rest pass through as messages.
type auggie struct {
	auth      *cliAuth
	mcp       *jsonMCP
	telemetry *sessionFileTelemetry
}

func newAuggie() *auggie {
	return &auggie{
		auth: &cliAuth{
			engineID:   "auggie",
			binary:     "auggie",
			statusArgs: []string{"token", "print"},
			loginArgs:  []string{"login"},
			logoutArgs: []string{"logout"},
			apiKeyEnv:  "AUGMENT_SESSION_AUTH",
		},
		mcp: &jsonMCP{
			engineID:   "auggie",
			projectRel: filepath.Join(".augment", "mcp.json"),
			userRel:    filepath.Join(".augment", "mcp.json"),
			routerArgs: []string{"mcp", "serve"},
		},
		telemetry: newSessionFileTelemetry(
			`.turns[]? | {input: .usage.prompt_tokens, output: .usage.completion_tokens}`,
		),
	}
}

func (a *auggie) Metadata() Metadata {
	return Metadata{
		ID:             "auggie",
		Name:           "Auggie",
		CLIBinary:      "auggie",
		InstallCommand: "npm install -g @augmentcode/auggie",
		DefaultModel:   "claude-sonnet-4-5",
	}
}

func (a *auggie) Auth() Auth { return a.auth }
func (a *auggie) MCP() MCP   { return a.mcp }

func (a *auggie) BuildCommand(spec RunSpec) (Command, error) {
	args := []string{"--print", "--output-format", "json"}
	if spec.ResumeSessionID != "" {
		args = append(args, "--continue", spec.ResumeSessionID)
	}
	if spec.Model != "" {
		args = append(args, "--model", spec.Model)
	}
	if spec.WorkingDir != "" {
		args = append(args, "--workspace-root", spec.WorkingDir)
	}

	return Command{
		Binary:         a.Metadata().CLIBinary,
		Args:           args,
		Env:            a.auth.apiKeyEnviron(),
		PromptViaStdin: true,
	}, nil
}

type auggieEvent struct {
	Type      string `json:"type"`
	SessionID string `json:"session_id"`
	Text      string `json:"text"`
	ToolName  string `json:"tool_name"`
	Error     string `json:"error"`
}

func (a *auggie) ParseLine(line string) (Event, bool) {
	var ev auggieEvent
	if err := json.Unmarshal([]byte(line), &ev); err != nil {
		// Non-JSON progress output still reaches the operator.
		if line == "" {
			return Event{}, false
		}
		return Event{Kind: EventMessage, Text: line}, true
	}
	switch ev.Type {
	case "session_start":
		return Event{Kind: EventSession, SessionID: ev.SessionID}, true
	case "assistant_message":
		return Event{Kind: EventMessage, Text: ev.Text}, true
	case "tool_use":
		return Event{Kind: EventCommand, Text: ev.ToolName}, true
	case "error":
		return Event{Kind: EventError, Text: ev.Error}, true
	default:
		return Event{}, false
	}
}

// SessionTelemetry scans the session record under ~/.augment/sessions.
func (a *auggie) SessionTelemetry(sessionID string) (*Telemetry, error) {
	if sessionID == "" {
		return nil, nil
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return nil, nil
	}
	path := filepath.Join(home, ".augment", "sessions", sessionID+".json")
	return a.telemetry.extract(path)
}
