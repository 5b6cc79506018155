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

package commands

import (
	"context"
	"fmt"
	"log/slog"
	"strings"

	"github.com/spf13/cobra"

	"github.com/codemachine-ai/codemachine/internal/engine"
	"github.com/codemachine-ai/codemachine/internal/mcprouter"
	"github.com/codemachine-ai/codemachine/internal/mcprouter/coordsrv"
	"github.com/codemachine-ai/codemachine/internal/mcprouter/signalsrv"
	"github.com/codemachine-ai/codemachine/internal/monitor"
	"github.com/codemachine-ai/codemachine/internal/runner"
	"github.com/codemachine-ai/codemachine/internal/state"
	"github.com/codemachine-ai/codemachine/internal/workflow"
)

func newMCPCommand(cwdFlag *string) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "mcp",
		Short: "MCP router commands",
	}
	cmd.AddCommand(newMCPServeCommand(cwdFlag))
	cmd.AddCommand(newMCPConfigureCommand(cwdFlag))
	return cmd
}

func newMCPServeCommand(cwdFlag *string) *cobra.Command {
	var agentsPath string

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Serve the MCP router over stdio",
		Long: "Aggregates the built-in workflow-signals and agent-coordination\n" +
			"backends plus any user-defined servers from mcp/servers.yaml, and\n" +
			"speaks MCP to the connected agent on stdin/stdout.",
		RunE: func(cmd *cobra.Command, args []string) error {
			cwd, err := resolveCwd(*cwdFlag)
			if err != nil {
				return err
			}
			return serveRouter(cmd.Context(), stateRoot(cwd), cwd, agentsPath)
		},
	}
	cmd.Flags().StringVar(&agentsPath, "agents", "agents.yaml", "agent configuration file for coordination")
	return cmd
}

func serveRouter(ctx context.Context, root, cwd, agentsPath string) error {
	logger := slog.Default()

	activeSrv := state.NewActiveServersStore(root)
	sigStore := state.NewSignalsStore(root)
	router := mcprouter.New(activeSrv, logger)
	defer router.Close()

	// Standalone routers have no live workflow, so the step_id check is
	// left to the orchestrator side.
	router.AddBackend(ctx, signalsrv.New(sigStore, func() string { return "" }))

	registry := engine.NewRegistry()
	mon := monitor.New(root, logger)
	proc := runner.New(logger)

	var agents *workflow.AgentSet
	if set, err := workflow.LoadAgents(agentsPath); err == nil {
		agents = set
	} else {
		logger.Warn("agent config unavailable, coordination limited", "error", err)
	}

	coordinator := coordsrv.NewCoordinator(
		coordsrv.AgentRunnerFunc(func(ctx context.Context, agentID, prompt, workingDir string) (string, error) {
			return runStandaloneAgent(ctx, proc, registry, agents, mon, agentID, prompt, workingDir, cwd)
		}),
		func() []string {
			if agents == nil {
				return nil
			}
			return agents.IDs()
		},
	)
	router.AddBackend(ctx, coordsrv.New(coordinator))

	userServers, err := mcprouter.LoadUserServers(root)
	if err != nil {
		logger.Warn("servers.yaml unreadable", "error", err)
	}
	for _, cfg := range userServers {
		b, err := mcprouter.NewExternalBackend(ctx, cfg)
		if err != nil {
			logger.Warn("backend failed to start", "backend", cfg.Name, "error", err)
			continue
		}
		router.AddBackend(ctx, b)
	}

	go router.WatchUserServers(ctx, root)

	logger.Info("mcp router serving on stdio", "state_root", root)
	return router.ServeStdio()
}

// runStandaloneAgent spawns one agent for a coordination script when the
// router runs outside the orchestrator process.
func runStandaloneAgent(
	ctx context.Context,
	proc *runner.Runner,
	registry *engine.Registry,
	agents *workflow.AgentSet,
	mon *monitor.Monitor,
	agentID, prompt, workingDir, cwd string,
) (string, error) {
	if agents == nil {
		return "", fmt.Errorf("no agent configuration loaded")
	}
	agent, err := agents.Get(agentID)
	if err != nil {
		return "", err
	}
	adapter := registry.Default()
	if agent.Engine != "" {
		if adapter, err = registry.Get(agent.Engine); err != nil {
			return "", err
		}
	}

	rec, err := mon.Start(agentID, adapter.Metadata().ID)
	if err != nil {
		return "", err
	}

	if workingDir == "" {
		workingDir = cwd
	}
	var out strings.Builder
	_, err = proc.Run(ctx, prompt, workingDir, runner.Options{
		Engine: adapter,
		Model:  agent.Model,
		OnData: func(line string) {
			out.WriteString(line)
			out.WriteByte('\n')
			rec.Append(line)
		},
		OnErrorData: func(chunk string) { rec.Append(chunk) },
		OnTelemetry: func(t engine.Telemetry) { mon.SetTelemetry(rec.ID, t) },
	})
	if err != nil {
		mon.Finish(rec.ID, monitor.StatusFailed)
		return out.String(), err
	}
	mon.Finish(rec.ID, monitor.StatusCompleted)
	return out.String(), nil
}

func newMCPConfigureCommand(cwdFlag *string) *cobra.Command {
	var (
		scope   string
		cleanup bool
	)

	cmd := &cobra.Command{
		Use:   "configure <engine>",
		Short: "Point an engine CLI at the router",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cwd, err := resolveCwd(*cwdFlag)
			if err != nil {
				return err
			}
			registry := engine.NewRegistry()
			adapter, err := registry.Get(args[0])
			if err != nil {
				return err
			}
			mcp := adapter.MCP()
			if !mcp.Supported() {
				return fmt.Errorf("engine %s does not support MCP", args[0])
			}

			s := engine.MCPScope(scope)
			if cleanup {
				if err := mcp.Cleanup(cwd, s); err != nil {
					return err
				}
				fmt.Printf("router removed from %s\n", mcp.SettingsPath(s, cwd))
				return nil
			}
			if err := mcp.Configure(cwd, s); err != nil {
				return err
			}
			fmt.Printf("router configured in %s\n", mcp.SettingsPath(s, cwd))
			return nil
		},
	}
	cmd.Flags().StringVar(&scope, "scope", string(engine.MCPScopeProject), "settings scope: project or user")
	cmd.Flags().BoolVar(&cleanup, "cleanup", false, "remove the router entry")
	return cmd
}
