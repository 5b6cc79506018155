// Package engine defines the registry of external coding-agent CLIs and the
// adapter contract each one implements: metadata, authentication, command
// construction, stream parsing, and MCP configuration.
//
// Adapters are compiled in and selected by id; the registry is immutable
// after process startup.
package engine

import (
	"context"
	"sort"

	"github.com/codemachine-ai/codemachine/pkg/errors"
)

// Metadata describes an engine CLI.
type Metadata struct {
	// ID is the engine identifier used in templates ("codex", "cursor", ...)
	ID string

	// Name is the human-readable engine name
	Name string

	// CLIBinary is the executable looked up on PATH
	CLIBinary string

	// InstallCommand tells the operator how to install the binary
	InstallCommand string

	// DefaultModel is used when a step has no model override
	DefaultModel string

	// DefaultModelReasoningEffort is passed through when the step has none
	DefaultModelReasoningEffort string
}

// Auth is the authentication surface of an engine adapter.
type Auth interface {
	// IsAuthenticated reports whether the engine CLI has working credentials.
	IsAuthenticated(ctx context.Context) (bool, error)

	// EnsureAuth performs the engine's login flow. When force is set the
	// flow runs even if credentials already exist.
	EnsureAuth(ctx context.Context, force bool) error

	// ClearAuth removes stored credentials.
	ClearAuth(ctx context.Context) error
}

// MCPScope selects where an engine's MCP settings are written.
type MCPScope string

const (
	// MCPScopeProject writes settings under the workflow directory.
	MCPScopeProject MCPScope = "project"
	// MCPScopeUser writes settings under the operator's home directory.
	MCPScopeUser MCPScope = "user"
)

// MCP is the MCP-configuration surface of an engine adapter.
// Adapters that cannot attach MCP servers report Supported() == false and
// return errors.ValidationError from Configure; their Cleanup is a no-op.
type MCP interface {
	// Supported reports whether the engine CLI can attach MCP servers.
	Supported() bool

	// Configure points the engine at the router's stdio endpoint.
	Configure(workflowDir string, scope MCPScope) error

	// Cleanup removes the router entry written by Configure.
	Cleanup(workflowDir string, scope MCPScope) error

	// IsConfigured reports whether Configure has been applied.
	IsConfigured(workflowDir string, scope MCPScope) (bool, error)

	// SettingsPath returns the settings file Configure writes for the scope.
	SettingsPath(scope MCPScope, dir string) string
}

// RunSpec carries the per-invocation parameters an adapter turns into argv.
type RunSpec struct {
	// Model overrides the default model when non-empty
	Model string

	// ModelReasoningEffort is passed through verbatim when non-empty
	ModelReasoningEffort string

	// ResumeSessionID selects resume-flavored argv when non-empty
	ResumeSessionID string

	// WorkingDir is the child's working directory
	WorkingDir string
}

// Command is a fully resolved child invocation.
type Command struct {
	// Binary is the executable to spawn
	Binary string

	// Args is the argument vector (binary excluded)
	Args []string

	// Env holds adapter-specific environment entries merged over the
	// inherited environment
	Env []string

	// PromptViaStdin is true when the prompt is written to the child's
	// stdin rather than passed as an argument
	PromptViaStdin bool
}

// Adapter is the contract every engine implements.
type Adapter interface {
	// Metadata returns the engine's static description.
	Metadata() Metadata

	// Auth returns the engine's authentication surface.
	Auth() Auth

	// BuildCommand resolves the argv for a run.
	BuildCommand(spec RunSpec) (Command, error)

	// ParseLine converts one stdout line into a canonical event.
	// ok is false for lines that are not events (blank, non-JSON noise).
	ParseLine(line string) (Event, bool)

	// SessionTelemetry extracts token usage from the engine's on-disk
	// session file for adapters that do not stream usage. Returns nil
	// when the engine streams telemetry or no file exists.
	SessionTelemetry(sessionID string) (*Telemetry, error)

	// MCP returns the engine's MCP-configuration surface.
	MCP() MCP
}

// Registry holds one adapter per engine id. Immutable after construction.
type Registry struct {
	adapters  map[string]Adapter
	defaultID string
}

// NewRegistry constructs the registry with every compiled-in adapter.
func NewRegistry() *Registry {
	r := &Registry{
		adapters:  make(map[string]Adapter),
		defaultID: "codex",
	}
	for _, a := range []Adapter{
		newCodex(),
		newCursor(),
		newOpenCode(),
		newAuggie(),
		newCopilot(),
		newVibe(),
	} {
		r.adapters[a.Metadata().ID] = a
	}
	return r
}

// NewCustomRegistry builds a registry from explicit adapters; the first
// one becomes the default. Used by embedders and tests.
func NewCustomRegistry(adapters ...Adapter) *Registry {
	r := &Registry{adapters: make(map[string]Adapter, len(adapters))}
	for i, a := range adapters {
		id := a.Metadata().ID
		if i == 0 {
			r.defaultID = id
		}
		r.adapters[id] = a
	}
	return r
}

// Get returns the adapter registered under id.
func (r *Registry) Get(id string) (Adapter, error) {
	a, ok := r.adapters[id]
	if !ok {
		return nil, &errors.NotFoundError{Resource: "engine", ID: id}
	}
	return a, nil
}

// Default returns the default adapter.
func (r *Registry) Default() Adapter {
	return r.adapters[r.defaultID]
}

// IDs returns all registered engine ids, sorted.
func (r *Registry) IDs() []string {
	ids := make([]string, 0, len(r.adapters))
	for id := range r.adapters {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}
