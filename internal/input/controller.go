package input

import (
	"context"
	stderrors "errors"
	"fmt"
	"log/slog"
	"strings"

	"github.com/codemachine-ai/codemachine/internal/engine"
	"github.com/codemachine-ai/codemachine/internal/monitor"
	"github.com/codemachine-ai/codemachine/internal/runner"
	"github.com/codemachine-ai/codemachine/internal/signals"
	"github.com/codemachine-ai/codemachine/internal/state"
)

// ControllerProvider plays the operator's role in autonomous mode: it
// resumes the controller agent with the step's result and parses the
// controller's output for an action.
type ControllerProvider struct {
	runner   *runner.Runner
	registry *engine.Registry
	ctrl     *state.ControllerStore
	signals  *state.SignalsStore
	monitor  *monitor.Monitor
	fallback Provider
	cwd      string
	logger   *slog.Logger

	// RunContext supplies the controller-scoped context: a mode-change to
	// manual aborts the controller's child without touching the step's
	// abort controller.
	RunContext func(parent context.Context) (context.Context, context.CancelFunc)
}

// NewControllerProvider wires a controller provider.
func NewControllerProvider(
	run *runner.Runner,
	registry *engine.Registry,
	ctrl *state.ControllerStore,
	sig *state.SignalsStore,
	mon *monitor.Monitor,
	fallback Provider,
	cwd string,
	logger *slog.Logger,
) *ControllerProvider {
	if logger == nil {
		logger = slog.Default()
	}
	return &ControllerProvider{
		runner:   run,
		registry: registry,
		ctrl:     ctrl,
		signals:  sig,
		monitor:  mon,
		fallback: fallback,
		cwd:      cwd,
		logger:   logger,
		RunContext: func(parent context.Context) (context.Context, context.CancelFunc) {
			return context.WithCancel(parent)
		},
	}
}

// GetInput runs the controller and maps its decision to a result. With no
// controller configured it falls back to the user provider.
func (c *ControllerProvider) GetInput(ctx context.Context, ic Context) (Result, error) {
	st, err := c.ctrl.Load()
	if err != nil {
		return Result{}, err
	}
	if st.Controller == nil {
		return c.fallback.GetInput(ctx, ic)
	}
	cfg := st.Controller

	adapter, err := c.registry.Get(cfg.Engine)
	if err != nil {
		return Result{}, err
	}

	rec, err := c.monitor.Start(cfg.AgentID, cfg.Engine)
	if err != nil {
		return Result{}, err
	}

	runCtx, cancel := c.RunContext(ctx)
	defer cancel()

	prompt := c.composePrompt(ic)
	var output strings.Builder
	opts := runner.Options{
		Engine:          adapter,
		Model:           cfg.Model,
		ResumeSessionID: cfg.SessionID,
		ResumePrompt:    prompt,
		OnData: func(line string) {
			output.WriteString(line)
			output.WriteByte('\n')
			rec.Append(line)
		},
		OnErrorData: func(chunk string) { rec.Append(chunk) },
		OnTelemetry: func(t engine.Telemetry) { c.monitor.SetTelemetry(rec.ID, t) },
		OnSessionID: func(id string) {
			if err := c.ctrl.SetControllerSession(id, rec.ID); err != nil {
				c.logger.Warn("persist controller session failed", "error", err)
			}
		},
	}

	res, err := c.runner.Run(runCtx, prompt, c.cwd, opts)
	if err != nil {
		if stderrors.Is(err, context.Canceled) && ctx.Err() == nil {
			// Controller-scoped abort: the operator flipped to manual.
			c.monitor.Finish(rec.ID, monitor.StatusAborted)
			return Result{Type: ResultInput, Value: signals.SwitchToManual, Source: "controller"}, nil
		}
		c.monitor.Finish(rec.ID, monitor.StatusFailed)
		return Result{}, fmt.Errorf("controller run: %w", err)
	}
	c.monitor.Finish(rec.ID, monitor.StatusCompleted)

	return c.decide(ctx, ic, output.String()+"\n"+res.Stdout)
}

// decide applies the action precedence: structured MCP decision first,
// then text markers, then the JSON fallback, then default NEXT when the
// approval tool ran without a parseable decision.
func (c *ControllerProvider) decide(ctx context.Context, ic Context, output string) (Result, error) {
	if d, err := c.signals.TakeDecision(); err == nil && d != nil {
		if d.StepID != "" && ic.StepID != "" && d.StepID != ic.StepID {
			c.logger.Warn("controller decision references wrong step",
				"decided", d.StepID, "current", ic.StepID)
		} else {
			switch d.Decision {
			case state.DecisionApprove:
				return Result{Type: ResultInput, Value: "", Source: "controller"}, nil
			case state.DecisionReject:
				return Result{Type: ResultStop, Source: "controller"}, nil
			case state.DecisionRevise:
				return Result{Type: ResultRevise, Source: "controller"}, nil
			}
		}
	}

	switch parseTextAction(output) {
	case ActionNext:
		return Result{Type: ResultInput, Value: "", Source: "controller"}, nil
	case ActionSkip:
		return Result{Type: ResultSkip, Source: "controller"}, nil
	case ActionStop:
		return Result{Type: ResultStop, Source: "controller"}, nil
	case ActionRevise:
		return Result{Type: ResultRevise, Source: "controller"}, nil
	}

	// No action anywhere in the output: stay safe and hand to the user.
	c.logger.Warn("controller produced no action, falling back to user input")
	return c.fallback.GetInput(ctx, ic)
}

func (c *ControllerProvider) composePrompt(ic Context) string {
	var b strings.Builder
	fmt.Fprintf(&b, "Step %d", ic.StepIndex)
	if ic.StepID != "" {
		fmt.Fprintf(&b, " (%s)", ic.StepID)
	}
	b.WriteString(" has finished. Its output follows.\n\n---\n")
	b.WriteString(strings.TrimSpace(ic.Output))
	b.WriteString("\n---\n\n")

	if remaining := len(ic.Queue) - ic.QueueIndex; remaining > 0 {
		b.WriteString("Queued prompts remaining for this step:\n")
		for i := ic.QueueIndex; i < len(ic.Queue); i++ {
			fmt.Fprintf(&b, "- %s\n", ic.Queue[i].Label)
		}
		b.WriteString("\n")
	}

	b.WriteString("Decide how to proceed. Either call approve_step_transition " +
		"(approve advances, reject stops, revise stays in the step), or reply " +
		"with one of: ACTION: NEXT, ACTION: SKIP, ACTION: STOP.\n")
	return b.String()
}
