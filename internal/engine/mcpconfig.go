package engine

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"

	"github.com/codemachine-ai/codemachine/pkg/errors"
)

// routerServerName is the key the router entry is written under in each
// engine's MCP settings file.
const routerServerName = "codemachine"

// jsonMCP implements MCP for engines whose settings live in a JSON file
// with an mcpServers map (the common shape across codex, cursor, opencode
// and copilot CLIs, modulo the file location).
type jsonMCP struct {
	engineID string

	// projectRel is the settings path relative to the workflow directory.
	projectRel string

	// userRel is the settings path relative to the operator's home.
	userRel string

	// routerArgs is the argv the engine uses to reach the router.
	routerArgs []string
}

// unsupportedMCP is returned by engines whose CLIs cannot attach MCP servers.
type unsupportedMCP struct{ engineID string }

func (u *unsupportedMCP) Supported() bool { return false }

func (u *unsupportedMCP) Configure(string, MCPScope) error {
	return &errors.ValidationError{
		Field:   "engine",
		Message: fmt.Sprintf("engine %s does not support MCP", u.engineID),
	}
}

func (u *unsupportedMCP) Cleanup(string, MCPScope) error            { return nil }
func (u *unsupportedMCP) IsConfigured(string, MCPScope) (bool, error) { return false, nil }
func (u *unsupportedMCP) SettingsPath(MCPScope, string) string        { return "" }

func (m *jsonMCP) Supported() bool { return true }

// SettingsPath returns the settings file for the scope. For MCPScopeUser
// the dir argument is ignored and the operator's home is used.
func (m *jsonMCP) SettingsPath(scope MCPScope, dir string) string {
	if scope == MCPScopeUser {
		home, err := os.UserHomeDir()
		if err != nil {
			home = "."
		}
		return filepath.Join(home, m.userRel)
	}
	return filepath.Join(dir, m.projectRel)
}

type mcpSettings struct {
	Servers map[string]mcpServerEntry `json:"mcpServers"`
	// Extra preserves unknown top-level keys the engine CLI owns.
	Extra map[string]json.RawMessage `json:"-"`
}

type mcpServerEntry struct {
	Command string   `json:"command"`
	Args    []string `json:"args,omitempty"`
	Env     []string `json:"env,omitempty"`
}

func (m *jsonMCP) load(path string) (*mcpSettings, error) {
	settings := &mcpSettings{Servers: map[string]mcpServerEntry{}, Extra: map[string]json.RawMessage{}}
	data, err := os.ReadFile(path)
	if os.IsNotExist(err) {
		return settings, nil
	}
	if err != nil {
		return nil, fmt.Errorf("read %s settings: %w", m.engineID, err)
	}

	var raw map[string]json.RawMessage
	if err := json.Unmarshal(data, &raw); err != nil {
		return nil, fmt.Errorf("parse %s settings: %w", m.engineID, err)
	}
	if servers, ok := raw["mcpServers"]; ok {
		if err := json.Unmarshal(servers, &settings.Servers); err != nil {
			return nil, fmt.Errorf("parse %s mcpServers: %w", m.engineID, err)
		}
		delete(raw, "mcpServers")
	}
	settings.Extra = raw
	return settings, nil
}

func (m *jsonMCP) save(path string, settings *mcpSettings) error {
	merged := make(map[string]interface{}, len(settings.Extra)+1)
	for k, v := range settings.Extra {
		merged[k] = v
	}
	merged["mcpServers"] = settings.Servers

	data, err := json.MarshalIndent(merged, "", "  ")
	if err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("create settings directory: %w", err)
	}
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return fmt.Errorf("write %s settings: %w", m.engineID, err)
	}
	return os.Rename(tmp, path)
}

// Configure writes the router entry into the engine's settings file,
// preserving entries the operator added themselves.
func (m *jsonMCP) Configure(workflowDir string, scope MCPScope) error {
	path := m.SettingsPath(scope, workflowDir)
	settings, err := m.load(path)
	if err != nil {
		return err
	}
	exe, err := os.Executable()
	if err != nil {
		exe = "codemachine"
	}
	settings.Servers[routerServerName] = mcpServerEntry{
		Command: exe,
		Args:    m.routerArgs,
	}
	return m.save(path, settings)
}

// Cleanup removes the router entry written by Configure.
func (m *jsonMCP) Cleanup(workflowDir string, scope MCPScope) error {
	path := m.SettingsPath(scope, workflowDir)
	settings, err := m.load(path)
	if err != nil {
		return err
	}
	if _, ok := settings.Servers[routerServerName]; !ok {
		return nil
	}
	delete(settings.Servers, routerServerName)
	return m.save(path, settings)
}

// IsConfigured reports whether the router entry is present.
func (m *jsonMCP) IsConfigured(workflowDir string, scope MCPScope) (bool, error) {
	settings, err := m.load(m.SettingsPath(scope, workflowDir))
	if err != nil {
		return false, err
	}
	_, ok := settings.Servers[routerServerName]
	return ok, nil
}
