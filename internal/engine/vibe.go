package engine

import (
	"encoding/json"
	"os"
	"path/filepath"
)

// vibe adapts the Mistral Vibe CLI. Vibe has no MCP support; its tools are
// fixed. It also never streams usage, so telemetry comes from the session
// log under ~/.vibe/sessions.
type vibe struct {
	auth      *cliAuth
	telemetry *sessionFileTelemetry
}

func newVibe() *vibe {
	return &vibe{
		auth: &cliAuth{
			engineID:  "vibe",
			binary:    "vibe",
			apiKeyEnv: "MISTRAL_API_KEY",
		},
		telemetry: newSessionFileTelemetry(
			`.events[]? | select(.type == "usage") | {input: .prompt_tokens, output: .completion_tokens}`,
		),
	}
}

func (v *vibe) Metadata() Metadata {
	return Metadata{
		ID:             "vibe",
		Name:           "Mistral Vibe",
		CLIBinary:      "vibe",
		InstallCommand: "uv tool install mistral-vibe",
		DefaultModel:   "devstral-medium-latest",
	}
}

func (v *vibe) Auth() Auth { return v.auth }
func (v *vibe) MCP() MCP   { return &unsupportedMCP{engineID: "vibe"} }

func (v *vibe) BuildCommand(spec RunSpec) (Command, error) {
	args := []string{"--output-format", "json"}
	if spec.ResumeSessionID != "" {
		args = append(args, "--resume", spec.ResumeSessionID)
	}
	model := spec.Model
	if model == "" {
		model = v.Metadata().DefaultModel
	}
	args = append(args, "--model", model, "--prompt-stdin")

	return Command{
		Binary:         v.Metadata().CLIBinary,
		Args:           args,
		Env:            v.auth.apiKeyEnviron(),
		PromptViaStdin: true,
	}, nil
}

type vibeEvent struct {
	Event     string `json:"event"`
	SessionID string `json:"session_id"`
	Text      string `json:"text"`
	Command   string `json:"command"`
	Detail    string `json:"detail"`
}

func (v *vibe) ParseLine(line string) (Event, bool) {
	var ev vibeEvent
	if err := json.Unmarshal([]byte(line), &ev); err != nil {
		return Event{}, false
	}
	switch ev.Event {
	case "session":
		return Event{Kind: EventSession, SessionID: ev.SessionID}, true
	case "text":
		return Event{Kind: EventMessage, Text: ev.Text}, true
	case "exec":
		return Event{Kind: EventCommand, Text: ev.Command}, true
	case "status":
		return Event{Kind: EventStatus, Text: ev.Text}, true
	case "error":
		return Event{Kind: EventError, Text: ev.Detail}, true
	default:
		return Event{}, false
	}
}

// SessionTelemetry scans the session log under ~/.vibe/sessions.
func (v *vibe) SessionTelemetry(sessionID string) (*Telemetry, error) {
	if sessionID == "" {
		return nil, nil
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return nil, nil
	}
	path := filepath.Join(home, ".vibe", "sessions", sessionID+".json")
	return v.telemetry.extract(path)
}
