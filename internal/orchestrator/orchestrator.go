// Package orchestrator is the top-level workflow runner: it owns the FSM,
// the active step's abort controller, the signal dispatch, and the loop
// that consumes machine states until a final one.
package orchestrator

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync"

	"github.com/google/uuid"

	"github.com/codemachine-ai/codemachine/internal/engine"
	"github.com/codemachine-ai/codemachine/internal/input"
	"github.com/codemachine-ai/codemachine/internal/modes"
	"github.com/codemachine-ai/codemachine/internal/monitor"
	"github.com/codemachine-ai/codemachine/internal/runner"
	"github.com/codemachine-ai/codemachine/internal/signals"
	"github.com/codemachine-ai/codemachine/internal/state"
	"github.com/codemachine-ai/codemachine/internal/workflow"
	"github.com/codemachine-ai/codemachine/internal/workflow/fsm"
)

// Config wires a Runner.
type Config struct {
	Template    *workflow.Template
	Steps       []workflow.Step // selected steps, in execution order
	Agents      *workflow.AgentSet
	Registry    *engine.Registry
	Cwd         string
	StateRoot   string
	WorkflowDir string // base for prompt path resolution
	Bus         *signals.Bus
	Logger      *slog.Logger

	// UISink receives rendered lines for the terminal UI collaborator.
	UISink func(line string)
}

// Runner drives one workflow run.
type Runner struct {
	template    *workflow.Template
	steps       []workflow.Step
	agents      *workflow.AgentSet
	registry    *engine.Registry
	proc        *runner.Runner
	machine     *fsm.Machine
	stepStore   *state.StepStore
	ctrlStore   *state.ControllerStore
	activeSrv   *state.ActiveServersStore
	sigStore    *state.SignalsStore
	monitor     *monitor.Monitor
	bus         *signals.Bus
	logger      *slog.Logger
	uiSink      func(line string)
	cwd         string
	stateRoot   string
	workflowDir string

	userProv input.Provider
	ctrlProv *input.ControllerProvider

	mu         sync.Mutex
	stepCancel context.CancelFunc // active step's abort controller
	ctrlCancel context.CancelFunc // controller-scoped abort controller

	// pending is a signal captured while a child was running, applied
	// synchronously once the child returns.
	pending *signals.Signal

	// loops maps step index to taken loop iterations.
	loops map[int]int

	// currentSession and currentMonitor track the in-flight child.
	currentSession string
	currentMonitor int64
}

// New wires a Runner from config.
func New(cfg Config) *Runner {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	bus := cfg.Bus
	if bus == nil {
		bus = signals.NewBus()
	}
	uiSink := cfg.UISink
	if uiSink == nil {
		uiSink = func(string) {}
	}

	hints := make([]fsm.StepHint, len(cfg.Steps))
	for i, s := range cfg.Steps {
		hints[i] = fsm.StepHint{Interactive: s.IsInteractive()}
	}

	r := &Runner{
		template:    cfg.Template,
		steps:       cfg.Steps,
		agents:      cfg.Agents,
		registry:    cfg.Registry,
		proc:        runner.New(logger),
		stepStore:   state.NewStepStore(cfg.StateRoot),
		ctrlStore:   state.NewControllerStore(cfg.StateRoot),
		activeSrv:   state.NewActiveServersStore(cfg.StateRoot),
		sigStore:    state.NewSignalsStore(cfg.StateRoot),
		monitor:     monitor.New(cfg.StateRoot, logger),
		bus:         bus,
		logger:      logger,
		uiSink:      uiSink,
		cwd:         cfg.Cwd,
		stateRoot:   cfg.StateRoot,
		workflowDir: cfg.WorkflowDir,
		loops:       make(map[int]int),
	}
	r.machine = fsm.New(fsm.Context{
		TotalSteps: len(cfg.Steps),
		Steps:      hints,
		Cwd:        cfg.Cwd,
		StateRoot:  cfg.StateRoot,
	}, logger)

	r.userProv = input.NewUserProvider(bus)
	r.ctrlProv = input.NewControllerProvider(
		r.proc, cfg.Registry, r.ctrlStore, r.sigStore, r.monitor,
		r.userProv, cfg.Cwd, logger,
	)
	r.ctrlProv.RunContext = r.controllerRunContext
	return r
}

// Machine exposes the FSM for inspection (tests, UI state line).
func (r *Runner) Machine() *fsm.Machine { return r.machine }

// Monitor exposes the monitoring records.
func (r *Runner) Monitor() *monitor.Monitor { return r.monitor }

// Run executes the workflow to a final state and returns the exit code:
// 0 on completed, 130 on operator stop, 1 on error.
func (r *Runner) Run(ctx context.Context) (int, error) {
	if err := r.initControllerConfig(); err != nil {
		return 1, err
	}

	// Agent memory blobs are prompt-owned; the engine only guarantees the
	// directory exists.
	if err := os.MkdirAll(filepath.Join(r.stateRoot, "memory"), 0o755); err != nil {
		return 1, err
	}

	// Persisted autonomous mode carries across restarts; seed the machine
	// context from it.
	if st, err := r.ctrlStore.Load(); err == nil && st.AutonomousMode == state.AutonomousOn {
		mctx := r.machine.Context()
		mctx.AutoMode = true
		r.machine.SetContext(mctx)
	}

	runID := uuid.NewString()
	r.logger.Info("workflow starting",
		"run_id", runID,
		"workflow", r.template.Name,
		"total_steps", len(r.steps),
	)

	r.machine.Send(fsm.Event{Kind: fsm.EventStart})

	for !r.machine.IsFinal() {
		if ctx.Err() != nil {
			r.machine.Send(fsm.Event{Kind: fsm.EventStop})
			break
		}
		r.drainSignals(ctx)
		if r.machine.IsFinal() {
			break
		}

		switch r.machine.State() {
		case fsm.StateRunning:
			r.runStepFresh(ctx)
		case fsm.StateAwaiting, fsm.StateDelegated:
			if err := r.handleWait(ctx); err != nil {
				if ctx.Err() != nil {
					r.machine.Send(fsm.Event{Kind: fsm.EventStop})
					break
				}
				r.machine.Send(fsm.Event{Kind: fsm.EventStepError, Err: err})
			}
		}
	}

	switch r.machine.State() {
	case fsm.StateCompleted:
		r.logger.Info("workflow completed", "run_id", runID)
		return 0, nil
	case fsm.StateStopped:
		r.logger.Info("workflow stopped by operator", "run_id", runID)
		return 130, nil
	default:
		reason := r.machine.Context().LastError
		r.logger.Error("workflow error", "run_id", runID, "reason", reason)
		r.uiSink(fmt.Sprintf("workflow error: %s", reason))
		return 1, fmt.Errorf("workflow error: %s", reason)
	}
}

// initControllerConfig seeds controller.json from the template when the
// template names a controller and nothing is persisted yet.
func (r *Runner) initControllerConfig() error {
	st, err := r.ctrlStore.Load()
	if err != nil {
		return err
	}
	if st.Controller != nil || r.template == nil || r.template.Controller == nil {
		return nil
	}
	ref := r.template.Controller
	engineID := ref.Engine
	if engineID == "" {
		engineID = r.registry.Default().Metadata().ID
	}
	st.Controller = &state.ControllerConfig{
		AgentID: ref.AgentID,
		Engine:  engineID,
		Model:   ref.Model,
	}
	return r.ctrlStore.Save(st)
}

// handleWait classifies the scenario and dispatches its mode handler.
func (r *Runner) handleWait(ctx context.Context) error {
	mctx := r.machine.Context()
	idx := mctx.CurrentStepIndex
	session, err := r.stepStore.LoadStep(idx)
	if err != nil {
		return err
	}
	ctrl, err := r.ctrlStore.Load()
	if err != nil {
		return err
	}

	interactive := true
	if idx >= 0 && idx < len(r.steps) {
		interactive = r.steps[idx].IsInteractive()
	}

	scenario, mode := modes.Classify(modes.Flags{
		AutoMode:       mctx.AutoMode,
		Paused:         mctx.Paused,
		Interactive:    interactive,
		HasController:  ctrl.Controller != nil && ctrl.AutonomousMode != state.AutonomousNever,
		QueueRemaining: !session.QueueExhausted(),
	})
	r.logger.Debug("scenario classified",
		"scenario", int(scenario), "mode", string(mode),
		"step_index", idx,
	)

	return modes.ForMode(mode, scenario, r.logger).Handle(ctx, r)
}

// drainSignals applies queued signals without blocking. Signals arriving
// while a child runs are captured by watchSignals instead. Input signals
// belong to the provider that will run next, not to the loop: they are
// put back on the bus untouched.
func (r *Runner) drainSignals(ctx context.Context) {
	var deferred []signals.Signal
	for {
		select {
		case sig := <-r.bus.C():
			if sig.Kind == signals.KindInput || sig.Kind == signals.KindControllerContinue {
				deferred = append(deferred, sig)
				continue
			}
			r.applySignal(ctx, sig)
		default:
			for _, sig := range deferred {
				r.bus.Publish(sig)
			}
			return
		}
	}
}

// applySignal maps one bus signal to its FSM effect. Handlers are
// idempotent: the machine drops redundant events.
func (r *Runner) applySignal(ctx context.Context, sig signals.Signal) {
	st := r.machine.State()
	switch sig.Kind {
	case signals.KindPause:
		if st != fsm.StateRunning && st != fsm.StateDelegated {
			return
		}
		r.captureSession()
		r.abortStep()
		if st == fsm.StateDelegated {
			if err := r.ctrlStore.SetAutonomousMode(state.AutonomousOff); err != nil {
				r.logger.Warn("persist mode failed", "error", err)
			}
		}
		r.machine.Send(fsm.Event{Kind: fsm.EventPause})

	case signals.KindSkip:
		idx := r.machine.Context().CurrentStepIndex
		r.abortStep()
		if err := r.stepStore.ResetQueue(idx); err != nil {
			r.logger.Warn("reset queue failed", "step_index", idx, "error", err)
		}
		r.machine.Send(fsm.Event{Kind: fsm.EventSkip})

	case signals.KindStop:
		r.abortStep()
		r.machine.Send(fsm.Event{Kind: fsm.EventStop})

	case signals.KindReturnToController:
		if st != fsm.StateRunning && st != fsm.StateAwaiting && st != fsm.StateDelegated {
			return
		}
		r.abortStep()
		if err := r.ReturnToController(ctx); err != nil {
			r.logger.Warn("controller conversation failed", "error", err)
		}

	case signals.KindModeChange:
		mode := state.AutonomousMode(sig.AutonomousMode)
		if err := r.ctrlStore.SetAutonomousMode(mode); err != nil {
			r.logger.Warn("persist mode failed", "error", err)
		}
		if mode != state.AutonomousOn {
			// Abort only the controller's child, never the step's.
			r.abortController()
		}
	}
}

// watchSignals runs while a child is in flight: decisive signals are
// recorded and the step aborted; the FSM transition happens synchronously
// after the child returns.
func (r *Runner) watchSignals(ctx context.Context) (stop func()) {
	watchCtx, cancel := context.WithCancel(ctx)
	done := make(chan struct{})
	go func() {
		defer close(done)
		for {
			select {
			case <-watchCtx.Done():
				return
			case sig := <-r.bus.C():
				switch sig.Kind {
				case signals.KindPause, signals.KindSkip, signals.KindStop, signals.KindReturnToController:
					r.mu.Lock()
					if r.pending == nil {
						s := sig
						r.pending = &s
					}
					r.mu.Unlock()
					r.abortStep()
				case signals.KindModeChange:
					mode := state.AutonomousMode(sig.AutonomousMode)
					if err := r.ctrlStore.SetAutonomousMode(mode); err != nil {
						r.logger.Warn("persist mode failed", "error", err)
					}
					if mode != state.AutonomousOn {
						r.abortController()
					}
				}
			}
		}
	}()
	return func() {
		cancel()
		<-done
	}
}

// takePending returns and clears the signal captured during a child run.
func (r *Runner) takePending() *signals.Signal {
	r.mu.Lock()
	defer r.mu.Unlock()
	p := r.pending
	r.pending = nil
	return p
}

func (r *Runner) abortStep() {
	r.mu.Lock()
	cancel := r.stepCancel
	r.mu.Unlock()
	if cancel != nil {
		cancel()
	}
}

func (r *Runner) abortController() {
	r.mu.Lock()
	cancel := r.ctrlCancel
	r.mu.Unlock()
	if cancel != nil {
		cancel()
	}
}

// controllerRunContext builds the controller-scoped abort controller used
// by the controller provider's subprocess.
func (r *Runner) controllerRunContext(parent context.Context) (context.Context, context.CancelFunc) {
	ctx, cancel := context.WithCancel(parent)
	r.mu.Lock()
	r.ctrlCancel = cancel
	r.mu.Unlock()
	return ctx, func() {
		r.mu.Lock()
		if r.ctrlCancel != nil {
			r.ctrlCancel = nil
		}
		r.mu.Unlock()
		cancel()
	}
}

// captureSession snapshots the in-flight step's session into its record
// so a later resume reuses it.
func (r *Runner) captureSession() {
	idx := r.machine.Context().CurrentStepIndex
	r.mu.Lock()
	sessionID := r.currentSession
	monitoringID := r.currentMonitor
	r.mu.Unlock()
	if err := r.stepStore.CaptureSession(idx, sessionID, monitoringID); err != nil {
		r.logger.Warn("capture session failed", "step_index", idx, "error", err)
	}
}

// ForceAbort marks running agents aborted and closes log streams. Called
// on the second interrupt.
func (r *Runner) ForceAbort() {
	r.abortStep()
	r.abortController()
	r.monitor.AbortAll()
}
