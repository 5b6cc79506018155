package input

import (
	"encoding/json"
	"regexp"
	"strings"
)

// Action is the decoded controller decision.
type Action string

const (
	ActionNext    Action = "NEXT"
	ActionSkip    Action = "SKIP"
	ActionStop    Action = "STOP"
	ActionRevise  Action = "REVISE"
	ActionUnknown Action = ""
)

var actionMarker = regexp.MustCompile(`ACTION:\s*(NEXT|SKIP|STOP)\b`)

var decisionJSON = regexp.MustCompile(`\{[^{}]*"decision"\s*:\s*"(approve|reject|revise)"[^{}]*\}`)

// parseTextAction decodes an action from raw controller output, applying
// the marker-then-JSON precedence. The structured MCP decision is handled
// by the caller before this runs.
func parseTextAction(output string) Action {
	if m := actionMarker.FindStringSubmatch(output); m != nil {
		return Action(m[1])
	}

	if m := decisionJSON.FindString(output); m != "" {
		var parsed struct {
			Decision string `json:"decision"`
		}
		if err := json.Unmarshal([]byte(m), &parsed); err == nil {
			switch parsed.Decision {
			case "approve":
				return ActionNext
			case "reject":
				return ActionStop
			case "revise":
				return ActionRevise
			}
		}
	}

	// The approval tool was invoked but nothing parseable came back.
	if strings.Contains(output, "approve_step_transition") {
		return ActionNext
	}

	return ActionUnknown
}
