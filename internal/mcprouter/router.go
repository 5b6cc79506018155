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

// Package mcprouter aggregates multiple backend MCP servers behind one
// stdio endpoint. Per-step tool and target filtering is driven by the
// active-servers record, consulted on every tools/list and tools/call.
package mcprouter

import (
	"context"
	"fmt"
	"log/slog"
	"sync"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/mark3labs/mcp-go/server"
	"golang.org/x/time/rate"

	"github.com/codemachine-ai/codemachine/internal/metrics"
	"github.com/codemachine-ai/codemachine/internal/state"
)

// AllowedTargetsArg is the synthetic argument injected into every
// forwarded call so backends that spawn further agents can enforce the
// step's target restriction.
const AllowedTargetsArg = "_allowed_targets"

// routedTool maps an exposed tool name back to its backend.
type routedTool struct {
	backend  Backend
	toolName string // name on the backend (pre-disambiguation)
	tool     mcp.Tool
}

// Router is the aggregating MCP server.
type Router struct {
	servers *state.ActiveServersStore
	logger  *slog.Logger
	limiter *rate.Limiter

	mu       sync.Mutex
	backends map[string]Backend
	// routes is keyed by exposed name; rebuilt on backend changes.
	routes map[string]*routedTool

	mcpServer *server.MCPServer
}

// New constructs a router reading filters from the given store.
func New(servers *state.ActiveServersStore, logger *slog.Logger) *Router {
	if logger == nil {
		logger = slog.Default()
	}
	r := &Router{
		servers:  servers,
		logger:   logger,
		limiter:  rate.NewLimiter(rate.Limit(100.0/60.0), 20),
		backends: make(map[string]Backend),
		routes:   make(map[string]*routedTool),
	}
	r.mcpServer = server.NewMCPServer(
		"codemachine",
		"0.1.0",
		server.WithToolCapabilities(true),
		server.WithToolFilter(r.filterTools),
	)
	return r
}

// AddBackend registers a backend and exposes its tools. A backend whose
// tool listing fails is skipped: it must not take down the router.
func (r *Router) AddBackend(ctx context.Context, b Backend) {
	tools, err := b.Tools(ctx)
	if err != nil {
		r.logger.Warn("backend unavailable, tools dropped",
			"backend", b.Name(), "error", err)
		return
	}

	r.mu.Lock()
	r.backends[b.Name()] = b
	for _, tool := range tools {
		exposed := tool.Name
		if _, taken := r.routes[exposed]; taken {
			// Rename on collision so both backends stay reachable.
			exposed = fmt.Sprintf("%s:%s", b.Name(), tool.Name)
		}
		rt := &routedTool{backend: b, toolName: tool.Name, tool: tool}
		rt.tool.Name = exposed
		r.routes[exposed] = rt
		r.mcpServer.AddTool(rt.tool, r.handlerFor(exposed))
	}
	r.mu.Unlock()
}

// RemoveBackend drops a backend and its tools from the aggregate.
func (r *Router) RemoveBackend(name string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	b, ok := r.backends[name]
	if !ok {
		return
	}
	delete(r.backends, name)
	var removed []string
	for exposed, rt := range r.routes {
		if rt.backend == b {
			removed = append(removed, exposed)
			delete(r.routes, exposed)
		}
	}
	r.mcpServer.DeleteTools(removed...)
	b.Close()
}

// filterTools restricts tools/list to the active-servers record.
func (r *Router) filterTools(ctx context.Context, tools []mcp.Tool) []mcp.Tool {
	active, err := r.servers.Read()
	if err != nil {
		r.logger.Warn("active servers record unreadable", "error", err)
		return nil
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	var out []mcp.Tool
	for _, tool := range tools {
		rt, ok := r.routes[tool.Name]
		if !ok {
			continue
		}
		entry := state.Lookup(active, rt.backend.Name())
		if entry == nil || !entry.ToolAllowed(rt.toolName) {
			continue
		}
		out = append(out, tool)
	}
	return out
}

// handlerFor builds the tools/call handler for one exposed tool.
func (r *Router) handlerFor(exposed string) server.ToolHandlerFunc {
	return func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		if !r.limiter.Allow() {
			metrics.RouterCallsDenied.Inc()
			return mcp.NewToolResultError("rate limit exceeded, retry shortly"), nil
		}

		r.mu.Lock()
		rt, ok := r.routes[exposed]
		r.mu.Unlock()
		if !ok {
			metrics.RouterCallsDenied.Inc()
			return mcp.NewToolResultError(fmt.Sprintf("backend unavailable for tool %q", exposed)), nil
		}

		active, err := r.servers.Read()
		if err != nil {
			metrics.RouterCallsDenied.Inc()
			return mcp.NewToolResultError(fmt.Sprintf("active servers record unreadable: %v", err)), nil
		}
		entry := state.Lookup(active, rt.backend.Name())
		if entry == nil {
			metrics.RouterCallsDenied.Inc()
			return mcp.NewToolResultError(fmt.Sprintf("server %s is not active for this step", rt.backend.Name())), nil
		}
		if !entry.ToolAllowed(rt.toolName) {
			metrics.RouterCallsDenied.Inc()
			return mcp.NewToolResultError(fmt.Sprintf("tool %s is not allowed for this step", rt.toolName)), nil
		}

		args := req.GetArguments()
		if args == nil {
			args = map[string]interface{}{}
		}
		// nil means "no target restriction"; backends must distinguish.
		if entry.Targets == nil {
			args[AllowedTargetsArg] = nil
		} else {
			targets := make([]interface{}, len(entry.Targets))
			for i, t := range entry.Targets {
				targets[i] = t
			}
			args[AllowedTargetsArg] = targets
		}

		metrics.RouterCallsAllowed.Inc()
		r.logger.Debug("forwarding tool call",
			"backend", rt.backend.Name(), "tool", rt.toolName)

		return rt.backend.Call(ctx, rt.toolName, args)
	}
}

// ServeStdio runs the router over stdio until the client disconnects.
func (r *Router) ServeStdio() error {
	return server.ServeStdio(r.mcpServer)
}

// Close releases every backend.
func (r *Router) Close() {
	r.mu.Lock()
	defer r.mu.Unlock()
	for name, b := range r.backends {
		if err := b.Close(); err != nil {
			r.logger.Warn("backend close failed", "backend", name, "error", err)
		}
	}
	r.backends = map[string]Backend{}
	r.routes = map[string]*routedTool{}
}
