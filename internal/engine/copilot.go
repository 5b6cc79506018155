package engine

import (
	"encoding/json"
	"path/filepath"
)

// copilot adapts the GitHub Copilot CLI.
type copilot struct {
	auth *cliAuth
	mcp  *jsonMCP
}

func newCopilot() *copilot {
	return &copilot{
		auth: &cliAuth{
			engineID:   "copilot",
			binary:     "copilot",
			statusArgs: []string{"auth", "status"},
			loginArgs:  []string{"auth", "login"},
			logoutArgs: []string{"auth", "logout"},
			apiKeyEnv:  "GH_TOKEN",
		},
		mcp: &jsonMCP{
			engineID:   "copilot",
			projectRel: filepath.Join(".copilot", "mcp-config.json"),
			userRel:    filepath.Join(".copilot", "mcp-config.json"),
			routerArgs: []string{"mcp", "serve"},
		},
	}
}

func (c *copilot) Metadata() Metadata {
	return Metadata{
		ID:             "copilot",
		Name:           "Copilot",
		CLIBinary:      "copilot",
		InstallCommand: "npm install -g @github/copilot",
		DefaultModel:   "claude-sonnet-4.5",
	}
}

func (c *copilot) Auth() Auth { return c.auth }
func (c *copilot) MCP() MCP   { return c.mcp }

func (c *copilot) BuildCommand(spec RunSpec) (Command, error) {
	args := []string{"--log-format", "json", "--allow-all-tools", "--no-color"}
	if spec.ResumeSessionID != "" {
		args = append(args, "--resume", spec.ResumeSessionID)
	}
	model := spec.Model
	if model == "" {
		model = c.Metadata().DefaultModel
	}
	args = append(args, "--model", model)
	args = append(args, "--prompt", "-")

	return Command{
		Binary:         c.Metadata().CLIBinary,
		Args:           args,
		Env:            c.auth.apiKeyEnviron(),
		PromptViaStdin: true,
	}, nil
}

type copilotEvent struct {
	Type      string `json:"type"`
	SessionID string `json:"sessionId"`
	Content   string `json:"content"`
	Tool      string `json:"tool"`
	Message   string `json:"message"`
	Usage     *struct {
		InputTokens  int64 `json:"inputTokens"`
		OutputTokens int64 `json:"outputTokens"`
	} `json:"usage"`
}

func (c *copilot) ParseLine(line string) (Event, bool) {
	var ev copilotEvent
	if err := json.Unmarshal([]byte(line), &ev); err != nil {
		return Event{}, false
	}
	switch ev.Type {
	case "session":
		return Event{Kind: EventSession, SessionID: ev.SessionID}, true
	case "message":
		return Event{Kind: EventMessage, Text: ev.Content}, true
	case "tool_invocation":
		return Event{Kind: EventCommand, Text: ev.Tool}, true
	case "completion":
		if ev.Usage != nil {
			return Event{
				Kind: EventTelemetry,
				Telemetry: &Telemetry{
					InputTokens:  ev.Usage.InputTokens,
					OutputTokens: ev.Usage.OutputTokens,
				},
			}, true
		}
		return Event{Kind: EventStatus, Text: "done"}, true
	case "error":
		return Event{Kind: EventError, Text: ev.Message}, true
	default:
		return Event{}, false
	}
}

// SessionTelemetry returns nil: copilot streams usage on completion.
func (c *copilot) SessionTelemetry(string) (*Telemetry, error) { return nil, nil }
