package modes

import (
	"context"
	"log/slog"

	"github.com/codemachine-ai/codemachine/internal/input"
	"github.com/codemachine-ai/codemachine/internal/signals"
)

// Ops is the slice of runner operations the handlers drive. The runner
// loop implements it; handlers never touch the FSM directly.
type Ops interface {
	// InputContext describes the just-finished step for providers.
	InputContext() input.Context

	// UserProvider and ControllerProvider return the two getInput sources.
	UserProvider() input.Provider
	ControllerProvider() input.Provider

	// ResumeWithInput re-invokes the current step with operator text on
	// the existing session.
	ResumeWithInput(ctx context.Context, text string) error

	// SendQueuedPrompt pops and sends the next queued prompt; it reports
	// false when the queue is exhausted.
	SendQueuedPrompt(ctx context.Context) (bool, error)

	// HandleAdvanceDirective processes the step's directive and applies
	// the outcome (advance, loop, stop, pause, checkpoint).
	HandleAdvanceDirective() error

	// SkipStep resets the outgoing step's queue and sends SKIP.
	SkipStep() error

	// Stop sends STOP.
	Stop()

	// SwitchToAuto persists autonomous mode and sends DELEGATE.
	SwitchToAuto() error

	// SwitchToManual persists manual mode and sends AWAIT.
	SwitchToManual() error

	// ReturnToController runs the operator↔controller conversation loop
	// and resumes the workflow when it ends.
	ReturnToController(ctx context.Context) error
}

// Handler decides what happens on one awaiting/delegated entry.
type Handler interface {
	Handle(ctx context.Context, ops Ops) error
}

// ForMode returns the handler implementing the given strategy.
func ForMode(mode Mode, scenario Scenario, logger *slog.Logger) Handler {
	if logger == nil {
		logger = slog.Default()
	}
	switch mode {
	case ModeAutonomous:
		return &autonomousHandler{logger: logger}
	case ModeContinuous:
		return &continuousHandler{logger: logger}
	default:
		return &interactiveHandler{scenario: scenario, logger: logger}
	}
}

// interactiveHandler waits on a provider and applies its result.
type interactiveHandler struct {
	scenario Scenario
	logger   *slog.Logger
}

func (h *interactiveHandler) Handle(ctx context.Context, ops Ops) error {
	provider := ops.UserProvider()
	if h.scenario.UsesController() {
		provider = ops.ControllerProvider()
	}

	res, err := provider.GetInput(ctx, ops.InputContext())
	if err != nil {
		return err
	}

	switch res.Type {
	case input.ResultSkip:
		return ops.SkipStep()
	case input.ResultStop:
		ops.Stop()
		return nil
	case input.ResultRevise:
		// Stay in the step: the controller asked for another pass.
		h.logger.Info("controller requested revision, staying in step")
		return nil
	case input.ResultReturnToController:
		return ops.ReturnToController(ctx)
	case input.ResultInput:
		switch res.Value {
		case signals.SwitchToAuto:
			return ops.SwitchToAuto()
		case signals.SwitchToManual:
			return ops.SwitchToManual()
		case "":
			// Empty submission: the operator requests advance.
			return ops.HandleAdvanceDirective()
		default:
			return ops.ResumeWithInput(ctx, res.Value)
		}
	}
	return nil
}

// autonomousHandler drains the queue, then processes directives.
type autonomousHandler struct {
	logger *slog.Logger
}

func (h *autonomousHandler) Handle(ctx context.Context, ops Ops) error {
	sent, err := ops.SendQueuedPrompt(ctx)
	if err != nil {
		return err
	}
	if sent {
		return nil
	}
	return ops.HandleAdvanceDirective()
}

// continuousHandler never shows an input box.
type continuousHandler struct {
	logger *slog.Logger
}

func (h *continuousHandler) Handle(_ context.Context, ops Ops) error {
	return ops.HandleAdvanceDirective()
}
