// Package coordsrv implements the agent-coordination MCP backend: a mini
// script grammar for spawning and sequencing other agents, with target
// restrictions enforced before anything runs.
package coordsrv

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/codemachine-ai/codemachine/pkg/errors"
)

// Invocation is one agent call parsed from a coordination script.
type Invocation struct {
	// Agent is the agent id to run.
	Agent string

	// Prompt is the single-quoted prompt text.
	Prompt string

	// InputFile, when set, is prepended to the prompt from disk.
	InputFile string

	// TailLines limits the input file to its last N lines; 0 means all.
	TailLines int
}

// Script is a sequence of stages; invocations within a stage run in
// parallel, stages run one after another.
type Script [][]Invocation

// AgentNames returns every agent referenced by the script.
func (s Script) AgentNames() []string {
	seen := map[string]bool{}
	var names []string
	for _, stage := range s {
		for _, inv := range stage {
			if !seen[inv.Agent] {
				seen[inv.Agent] = true
				names = append(names, inv.Agent)
			}
		}
	}
	return names
}

// ParseScript parses the coordination grammar:
//
//	script   := stage ( "&&" stage )*
//	stage    := call ( "&" call )*
//	call     := NAME "'" prompt "'" qualifier?
//	qualifier := "[input:" FILE ("," "tail:" N)? "]"
func ParseScript(script string) (Script, error) {
	script = strings.TrimSpace(script)
	if script == "" {
		return nil, &errors.ValidationError{
			Field:      "script",
			Message:    "script is empty",
			Suggestion: "format: agent 'prompt' [& agent 'prompt'] [&& agent 'prompt']",
		}
	}

	var out Script
	for _, stageSrc := range splitOutsideQuotes(script, "&&") {
		var stage []Invocation
		for _, callSrc := range splitOutsideQuotes(stageSrc, "&") {
			inv, err := parseCall(strings.TrimSpace(callSrc))
			if err != nil {
				return nil, err
			}
			stage = append(stage, inv)
		}
		if len(stage) == 0 {
			return nil, &errors.ValidationError{
				Field:   "script",
				Message: "empty stage",
			}
		}
		out = append(out, stage)
	}
	return out, nil
}

// splitOutsideQuotes splits on sep, ignoring occurrences inside single
// quotes. A "&&" separator is matched before a bare "&" by the caller's
// ordering of passes.
func splitOutsideQuotes(s, sep string) []string {
	var parts []string
	var current strings.Builder
	inQuote := false

	for i := 0; i < len(s); i++ {
		c := s[i]
		if c == '\'' {
			inQuote = !inQuote
			current.WriteByte(c)
			continue
		}
		if !inQuote && strings.HasPrefix(s[i:], sep) {
			// A bare "&" must not consume half of a "&&".
			if sep == "&" && strings.HasPrefix(s[i:], "&&") {
				current.WriteString("&&")
				i++
				continue
			}
			parts = append(parts, current.String())
			current.Reset()
			i += len(sep) - 1
			continue
		}
		current.WriteByte(c)
	}
	parts = append(parts, current.String())
	return parts
}

func parseCall(src string) (Invocation, error) {
	if src == "" {
		return Invocation{}, &errors.ValidationError{
			Field:   "script",
			Message: "empty agent call",
		}
	}

	open := strings.IndexByte(src, '\'')
	if open < 0 {
		return Invocation{}, &errors.ValidationError{
			Field:      "script",
			Message:    fmt.Sprintf("missing quoted prompt in %q", src),
			Suggestion: "wrap the prompt in single quotes",
		}
	}
	end := strings.IndexByte(src[open+1:], '\'')
	if end < 0 {
		return Invocation{}, &errors.ValidationError{
			Field:   "script",
			Message: fmt.Sprintf("unterminated prompt in %q", src),
		}
	}
	end += open + 1

	name := strings.TrimSpace(src[:open])
	if name == "" || strings.ContainsAny(name, " \t") {
		return Invocation{}, &errors.ValidationError{
			Field:      "script",
			Message:    fmt.Sprintf("bad agent name %q", name),
			Suggestion: "exactly one agent name precedes the quoted prompt",
		}
	}

	inv := Invocation{Agent: name, Prompt: src[open+1 : end]}

	rest := strings.TrimSpace(src[end+1:])
	if rest == "" {
		return inv, nil
	}
	if !strings.HasPrefix(rest, "[") || !strings.HasSuffix(rest, "]") {
		return Invocation{}, &errors.ValidationError{
			Field:      "script",
			Message:    fmt.Sprintf("unexpected trailing %q", rest),
			Suggestion: "only an [input:file,tail:N] qualifier may follow the prompt",
		}
	}

	if err := parseQualifier(rest[1:len(rest)-1], &inv); err != nil {
		return Invocation{}, err
	}
	return inv, nil
}

func parseQualifier(body string, inv *Invocation) error {
	for _, field := range strings.Split(body, ",") {
		key, value, found := strings.Cut(strings.TrimSpace(field), ":")
		if !found {
			return &errors.ValidationError{
				Field:   "script",
				Message: fmt.Sprintf("bad qualifier field %q", field),
			}
		}
		switch key {
		case "input":
			inv.InputFile = value
		case "tail":
			n, err := strconv.Atoi(value)
			if err != nil || n <= 0 {
				return &errors.ValidationError{
					Field:   "script",
					Message: fmt.Sprintf("tail must be a positive integer, got %q", value),
				}
			}
			inv.TailLines = n
		default:
			return &errors.ValidationError{
				Field:      "script",
				Message:    fmt.Sprintf("unknown qualifier %q", key),
				Suggestion: "supported qualifiers: input, tail",
			}
		}
	}
	if inv.TailLines > 0 && inv.InputFile == "" {
		return &errors.ValidationError{
			Field:   "script",
			Message: "tail requires input",
		}
	}
	return nil
}
