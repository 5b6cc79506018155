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
	"os"
	"path/filepath"

	"github.com/spf13/cobra"

	"github.com/codemachine-ai/codemachine/internal/engine"
	"github.com/codemachine-ai/codemachine/internal/orchestrator"
	"github.com/codemachine-ai/codemachine/internal/signals"
	"github.com/codemachine-ai/codemachine/internal/state"
	"github.com/codemachine-ai/codemachine/internal/workflow"
	cmerrors "github.com/codemachine-ai/codemachine/pkg/errors"
)

// ExitCodeError carries a process exit code through RunE.
type ExitCodeError struct {
	Code int
	Err  error
}

func (e *ExitCodeError) Error() string {
	if e.Err != nil {
		return e.Err.Error()
	}
	return fmt.Sprintf("exit %d", e.Code)
}

func newRunCommand(cwdFlag *string) *cobra.Command {
	var (
		agentsPath string
		tracks     []string
		auto       bool
	)

	cmd := &cobra.Command{
		Use:   "run <template.yaml>",
		Short: "Run a workflow template",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cwd, err := resolveCwd(*cwdFlag)
			if err != nil {
				return err
			}
			return runWorkflow(cmd.Context(), args[0], agentsPath, cwd, tracks, auto)
		},
	}
	cmd.Flags().StringVar(&agentsPath, "agents", "agents.yaml", "agent configuration file")
	cmd.Flags().StringSliceVar(&tracks, "track", nil, "active track(s) for conditional steps")
	cmd.Flags().BoolVar(&auto, "auto", false, "start in autonomous mode")
	return cmd
}

func runWorkflow(ctx context.Context, templatePath, agentsPath, cwd string, tracks []string, auto bool) error {
	logger := slog.Default()

	template, err := workflow.LoadTemplate(templatePath)
	if err != nil {
		return err
	}
	agents, err := workflow.LoadAgents(agentsPath)
	if err != nil {
		return err
	}

	env := workflow.ConditionEnv{Tracks: tracks}
	if len(tracks) == 0 {
		env.Tracks = template.Tracks
	}
	steps, err := workflow.SelectSteps(template, env)
	if err != nil {
		return err
	}

	registry := engine.NewRegistry()
	if err := checkAuth(ctx, registry, steps, agents); err != nil {
		return err
	}

	root := stateRoot(cwd)
	bus := signals.NewBus()

	ctrlStore := state.NewControllerStore(root)
	if auto {
		if err := ctrlStore.SetAutonomousMode(state.AutonomousOn); err != nil {
			return err
		}
	}

	run := orchestrator.New(orchestrator.Config{
		Template:    template,
		Steps:       steps,
		Agents:      agents,
		Registry:    registry,
		Cwd:         cwd,
		StateRoot:   root,
		WorkflowDir: filepath.Dir(templatePath),
		Bus:         bus,
		Logger:      logger,
		UISink:      func(line string) { fmt.Fprintln(os.Stdout, line) },
	})

	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	guard := signals.NewInterruptGuard()
	go guard.Install(runCtx, bus, func() {
		run.ForceAbort()
		os.Exit(130)
	})

	keys := signals.NewKeyReader(bus, func() bool {
		st, err := ctrlStore.Load()
		return err == nil && st.AutonomousMode == state.AutonomousOn
	})
	go keys.Run(runCtx)

	code, err := run.Run(runCtx)
	if code != 0 {
		return &ExitCodeError{Code: code, Err: err}
	}
	return nil
}

// checkAuth verifies every engine used by the run before the first step.
func checkAuth(ctx context.Context, registry *engine.Registry, steps []workflow.Step, agents *workflow.AgentSet) error {
	if os.Getenv(engine.SkipAuthEnv) == "1" {
		return nil
	}

	seen := map[string]bool{}
	for _, step := range steps {
		if step.Type != workflow.StepTypeModule {
			continue
		}
		engineID := step.Engine
		if engineID == "" {
			if agent, err := agents.Get(step.AgentID); err == nil {
				engineID = agent.Engine
			}
		}
		if engineID == "" {
			engineID = registry.Default().Metadata().ID
		}
		if seen[engineID] {
			continue
		}
		seen[engineID] = true

		adapter, err := registry.Get(engineID)
		if err != nil {
			return err
		}
		ok, err := adapter.Auth().IsAuthenticated(ctx)
		if err != nil {
			return err
		}
		if !ok {
			return &cmerrors.AuthError{
				Engine:  engineID,
				Message: fmt.Sprintf("run `codemachine auth %s` first", engineID),
			}
		}
	}
	return nil
}
