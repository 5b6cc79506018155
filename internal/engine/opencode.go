package engine

import (
	"encoding/json"
	"path/filepath"
)

// opencode adapts the OpenCode CLI (`opencode run --format json`).
type opencode struct {
	auth *cliAuth
	mcp  *jsonMCP
}

func newOpenCode() *opencode {
	return &opencode{
		auth: &cliAuth{
			engineID:   "opencode",
			binary:     "opencode",
			statusArgs: []string{"auth", "list"},
			loginArgs:  []string{"auth", "login"},
			logoutArgs: []string{"auth", "logout"},
		},
		mcp: &jsonMCP{
			engineID:   "opencode",
			projectRel: "opencode.json",
			userRel:    filepath.Join(".config", "opencode", "opencode.json"),
			routerArgs: []string{"mcp", "serve"},
		},
	}
}

func (o *opencode) Metadata() Metadata {
	return Metadata{
		ID:             "opencode",
		Name:           "OpenCode",
		CLIBinary:      "opencode",
		InstallCommand: "npm install -g opencode-ai",
		DefaultModel:   "anthropic/claude-sonnet-4-5",
	}
}

func (o *opencode) Auth() Auth { return o.auth }
func (o *opencode) MCP() MCP   { return o.mcp }

func (o *opencode) BuildCommand(spec RunSpec) (Command, error) {
	args := []string{"run", "--format", "json"}
	if spec.ResumeSessionID != "" {
		args = append(args, "--session", spec.ResumeSessionID)
	}
	model := spec.Model
	if model == "" {
		model = o.Metadata().DefaultModel
	}
	args = append(args, "--model", model)

	return Command{
		Binary:         o.Metadata().CLIBinary,
		Args:           args,
		PromptViaStdin: true,
	}, nil
}

type opencodeEvent struct {
	Type      string `json:"type"`
	SessionID string `json:"sessionID"`
	Part      struct {
		Type string `json:"type"`
		Text string `json:"text"`
		Tool string `json:"tool"`
		State struct {
			Output string `json:"output"`
		} `json:"state"`
	} `json:"part"`
	Error struct {
		Message string `json:"message"`
	} `json:"error"`
	Tokens struct {
		Input  int64 `json:"input"`
		Output int64 `json:"output"`
	} `json:"tokens"`
	Cost float64 `json:"cost"`
}

func (o *opencode) ParseLine(line string) (Event, bool) {
	var ev opencodeEvent
	if err := json.Unmarshal([]byte(line), &ev); err != nil {
		return Event{}, false
	}
	switch ev.Type {
	case "session.created":
		return Event{Kind: EventSession, SessionID: ev.SessionID}, true
	case "part":
		switch ev.Part.Type {
		case "text":
			return Event{Kind: EventMessage, Text: ev.Part.Text}, true
		case "tool":
			return Event{Kind: EventCommand, Text: ev.Part.Tool}, true
		case "step-finish":
			return Event{Kind: EventStatus, Text: "step finished"}, true
		}
		return Event{}, false
	case "session.idle":
		if ev.Tokens.Input == 0 && ev.Tokens.Output == 0 {
			return Event{Kind: EventStatus, Text: "idle"}, true
		}
		return Event{
			Kind: EventTelemetry,
			Telemetry: &Telemetry{
				InputTokens:  ev.Tokens.Input,
				OutputTokens: ev.Tokens.Output,
				CostUSD:      ev.Cost,
			},
		}, true
	case "session.error":
		return Event{Kind: EventError, Text: ev.Error.Message}, true
	default:
		return Event{}, false
	}
}

// SessionTelemetry returns nil: opencode reports tokens on session.idle.
func (o *opencode) SessionTelemetry(string) (*Telemetry, error) { return nil, nil }
