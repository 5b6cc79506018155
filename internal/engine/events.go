package engine

import (
	"fmt"
	"strings"

	"github.com/charmbracelet/lipgloss"
)

// EventKind classifies the canonical stream events adapters produce.
type EventKind string

const (
	// EventStatus is a lifecycle notice (thinking, tool started, turn ended).
	EventStatus EventKind = "status"
	// EventCommand is a shell command the agent executed.
	EventCommand EventKind = "command"
	// EventResult is the output of an executed command or tool.
	EventResult EventKind = "result"
	// EventMessage is assistant text meant for the operator.
	EventMessage EventKind = "message"
	// EventTelemetry carries token usage and cost.
	EventTelemetry EventKind = "telemetry"
	// EventSession carries the engine-assigned session identifier.
	EventSession EventKind = "session"
	// EventError is a structured error reported by the engine.
	EventError EventKind = "error"
)

// Telemetry accumulates token usage and cost across turns of one run.
type Telemetry struct {
	InputTokens  int64   `json:"input_tokens"`
	OutputTokens int64   `json:"output_tokens"`
	CostUSD      float64 `json:"cost_usd,omitempty"`
}

// Add accumulates other into t.
func (t *Telemetry) Add(other Telemetry) {
	t.InputTokens += other.InputTokens
	t.OutputTokens += other.OutputTokens
	t.CostUSD += other.CostUSD
}

// Event is the canonical variant an adapter parser produces for one line.
// The runner routes on Kind; the UI renders Text.
type Event struct {
	Kind      EventKind
	Text      string
	SessionID string
	Telemetry *Telemetry
}

var (
	statusStyle  = lipgloss.NewStyle().Foreground(lipgloss.Color("240")).Italic(true)
	commandStyle = lipgloss.NewStyle().Foreground(lipgloss.Color("39"))
	resultStyle  = lipgloss.NewStyle().Foreground(lipgloss.Color("245"))
	messageStyle = lipgloss.NewStyle().Foreground(lipgloss.Color("252"))
	errorStyle   = lipgloss.NewStyle().Foreground(lipgloss.Color("196")).Bold(true)
	usageStyle   = lipgloss.NewStyle().Foreground(lipgloss.Color("142"))
)

// FormatEvent renders a canonical event as a styled UI line.
// Shared across adapters so the stream looks uniform regardless of engine.
func FormatEvent(ev Event) string {
	switch ev.Kind {
	case EventStatus:
		return statusStyle.Render("· " + ev.Text)
	case EventCommand:
		return commandStyle.Render("$ " + ev.Text)
	case EventResult:
		return resultStyle.Render(indent(ev.Text))
	case EventMessage:
		return messageStyle.Render(ev.Text)
	case EventError:
		return errorStyle.Render("✗ " + ev.Text)
	case EventTelemetry:
		if ev.Telemetry == nil {
			return ""
		}
		line := fmt.Sprintf("tokens in=%d out=%d", ev.Telemetry.InputTokens, ev.Telemetry.OutputTokens)
		if ev.Telemetry.CostUSD > 0 {
			line = fmt.Sprintf("%s cost=$%.4f", line, ev.Telemetry.CostUSD)
		}
		return usageStyle.Render(line)
	default:
		return ev.Text
	}
}

func indent(s string) string {
	lines := strings.Split(strings.TrimRight(s, "\n"), "\n")
	for i, l := range lines {
		lines[i] = "  " + l
	}
	return strings.Join(lines, "\n")
}
