// Copyright 2025 Tom Barlow
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package mcprouter

import (
	"context"
	"fmt"
	"time"

	"github.com/mark3labs/mcp-go/client"
	"github.com/mark3labs/mcp-go/mcp"
)

// Backend is one MCP tool source aggregated by the router. Built-in
// backends run in-process; external ones are stdio child processes the
// router owns for its lifetime.
type Backend interface {
	// Name is the backend's server id in the active-servers record.
	Name() string

	// Tools lists the backend's tool definitions.
	Tools(ctx context.Context) ([]mcp.Tool, error)

	// Call forwards one tool call. args already carries the synthetic
	// _allowed_targets entry injected by the router.
	Call(ctx context.Context, tool string, args map[string]interface{}) (*mcp.CallToolResult, error)

	// Close releases the backend.
	Close() error
}

// InProcessTool couples a tool definition with its handler.
type InProcessTool struct {
	Tool    mcp.Tool
	Handler func(ctx context.Context, args map[string]interface{}) (*mcp.CallToolResult, error)
}

// InProcessBackend serves tools from handlers on the router's own loop.
type InProcessBackend struct {
	name  string
	tools []InProcessTool
}

// NewInProcessBackend constructs an in-process backend.
func NewInProcessBackend(name string, tools []InProcessTool) *InProcessBackend {
	return &InProcessBackend{name: name, tools: tools}
}

func (b *InProcessBackend) Name() string { return b.name }

func (b *InProcessBackend) Tools(context.Context) ([]mcp.Tool, error) {
	out := make([]mcp.Tool, len(b.tools))
	for i, t := range b.tools {
		out[i] = t.Tool
	}
	return out, nil
}

func (b *InProcessBackend) Call(ctx context.Context, tool string, args map[string]interface{}) (*mcp.CallToolResult, error) {
	for _, t := range b.tools {
		if t.Tool.Name == tool {
			return t.Handler(ctx, args)
		}
	}
	return mcp.NewToolResultError(fmt.Sprintf("unknown tool %q on backend %s", tool, b.name)), nil
}

func (b *InProcessBackend) Close() error { return nil }

// ExternalBackend proxies a user-defined MCP stdio server child process.
type ExternalBackend struct {
	name    string
	client  *client.Client
	timeout time.Duration
}

// ExternalConfig describes a user-defined backend from servers.yaml.
type ExternalConfig struct {
	Name    string
	Command string
	Args    []string
	Env     []string
	Timeout time.Duration
}

// NewExternalBackend spawns the backend process and initializes it.
func NewExternalBackend(ctx context.Context, cfg ExternalConfig) (*ExternalBackend, error) {
	if cfg.Command == "" {
		return nil, fmt.Errorf("backend %s: command is required", cfg.Name)
	}
	timeout := cfg.Timeout
	if timeout == 0 {
		timeout = 30 * time.Second
	}

	mcpClient, err := client.NewStdioMCPClient(cfg.Command, cfg.Env, cfg.Args...)
	if err != nil {
		return nil, fmt.Errorf("backend %s: create client: %w", cfg.Name, err)
	}
	if err := mcpClient.Start(ctx); err != nil {
		return nil, fmt.Errorf("backend %s: start: %w", cfg.Name, err)
	}

	initReq := mcp.InitializeRequest{
		Params: mcp.InitializeParams{
			ProtocolVersion: mcp.LATEST_PROTOCOL_VERSION,
			Capabilities:    mcp.ClientCapabilities{},
			ClientInfo: mcp.Implementation{
				Name:    "codemachine-router",
				Version: "0.1.0",
			},
		},
	}
	initCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()
	if _, err := mcpClient.Initialize(initCtx, initReq); err != nil {
		mcpClient.Close()
		return nil, fmt.Errorf("backend %s: initialize: %w", cfg.Name, err)
	}

	return &ExternalBackend{name: cfg.Name, client: mcpClient, timeout: timeout}, nil
}

func (b *ExternalBackend) Name() string { return b.name }

func (b *ExternalBackend) Tools(ctx context.Context) ([]mcp.Tool, error) {
	listCtx, cancel := context.WithTimeout(ctx, b.timeout)
	defer cancel()
	res, err := b.client.ListTools(listCtx, mcp.ListToolsRequest{})
	if err != nil {
		return nil, fmt.Errorf("backend %s: list tools: %w", b.name, err)
	}
	return res.Tools, nil
}

func (b *ExternalBackend) Call(ctx context.Context, tool string, args map[string]interface{}) (*mcp.CallToolResult, error) {
	callCtx, cancel := context.WithTimeout(ctx, b.timeout)
	defer cancel()

	req := mcp.CallToolRequest{}
	req.Params.Name = tool
	req.Params.Arguments = args

	res, err := b.client.CallTool(callCtx, req)
	if err != nil {
		return nil, fmt.Errorf("backend %s: call %s: %w", b.name, tool, err)
	}
	return res, nil
}

func (b *ExternalBackend) Close() error {
	return b.client.Close()
}
