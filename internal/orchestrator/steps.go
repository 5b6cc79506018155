package orchestrator

import (
	"context"
	stderrors "errors"
	"fmt"
	"sort"
	"strings"

	"github.com/charmbracelet/huh"

	"github.com/codemachine-ai/codemachine/internal/engine"
	"github.com/codemachine-ai/codemachine/internal/input"
	"github.com/codemachine-ai/codemachine/internal/mcprouter"
	"github.com/codemachine-ai/codemachine/internal/metrics"
	"github.com/codemachine-ai/codemachine/internal/modes"
	"github.com/codemachine-ai/codemachine/internal/monitor"
	"github.com/codemachine-ai/codemachine/internal/runner"
	"github.com/codemachine-ai/codemachine/internal/signals"
	"github.com/codemachine-ai/codemachine/internal/state"
	"github.com/codemachine-ai/codemachine/internal/workflow"
	"github.com/codemachine-ai/codemachine/internal/workflow/fsm"
)

// continuationPrompt is sent when a paused step's session is resumed with
// no operator text.
const continuationPrompt = "Continue where you left off."

// runStepFresh executes the current step's primary prompt. It is the only
// place the primary prompt is sent; queued and resume prompts go through
// SendQueuedPrompt and ResumeWithInput.
func (r *Runner) runStepFresh(ctx context.Context) {
	idx := r.machine.Context().CurrentStepIndex
	step := r.steps[idx]

	if step.Type == workflow.StepTypeUI {
		r.uiSink(step.Text)
		r.machine.Send(fsm.Event{Kind: fsm.EventSkip})
		return
	}

	session, err := r.stepStore.LoadStep(idx)
	if err != nil {
		r.machine.Send(fsm.Event{Kind: fsm.EventStepError, Err: err})
		return
	}

	if step.ExecuteOnce && session.Completed {
		r.logger.Info("execute-once step already completed, skipping",
			"step_index", idx, "agent", step.AgentID)
		r.machine.Send(fsm.Event{Kind: fsm.EventSkip})
		return
	}

	agent, err := r.agents.Get(step.AgentID)
	if err != nil {
		r.machine.Send(fsm.Event{Kind: fsm.EventStepError, Err: err})
		return
	}

	// First visit populates the chained-prompt queue; the primary prompt
	// is never enqueued.
	if len(session.Queue) == 0 && session.SessionID == "" && len(agent.ChainedPromptsPath) > 0 {
		if err := r.enqueueChainedPrompts(idx, agent); err != nil {
			r.machine.Send(fsm.Event{Kind: fsm.EventStepError, Err: err})
			return
		}
	}

	if err := r.writeActiveServers(); err != nil {
		r.machine.Send(fsm.Event{Kind: fsm.EventStepError, Err: err})
		return
	}

	prompt := ""
	resumePrompt := ""
	if session.SessionID == "" {
		// A stale proposal or decision from an earlier step must not leak
		// into this one.
		if err := r.sigStore.Clear(); err != nil {
			r.machine.Send(fsm.Event{Kind: fsm.EventStepError, Err: err})
			return
		}
		prompt, err = r.composePrimaryPrompt(&step, agent)
		if err != nil {
			r.machine.Send(fsm.Event{Kind: fsm.EventStepError, Err: err})
			return
		}
	} else {
		// Post-pause resume continues the captured session.
		resumePrompt = continuationPrompt
	}

	metrics.StepsStarted.Inc()
	output, aborted, err := r.runChild(ctx, childSpec{
		stepIndex:    idx,
		agent:        agent,
		step:         &step,
		prompt:       prompt,
		resumeID:     session.SessionID,
		resumePrompt: resumePrompt,
		bindSession:  session.SessionID == "",
	})
	if aborted {
		if p := r.takePending(); p != nil {
			r.applySignal(ctx, *p)
		}
		return
	}
	if err != nil {
		metrics.StepsFailed.Inc()
		r.machine.Send(fsm.Event{Kind: fsm.EventStepError, Err: err})
		return
	}

	r.machine.Send(fsm.Event{Kind: fsm.EventStepComplete, Output: &fsm.StepOutput{
		Text:         output,
		MonitoringID: r.currentMonitor,
		SessionID:    r.currentSession,
	}})
}

// childSpec parameterizes one child run for the current step.
type childSpec struct {
	stepIndex    int
	agent        *workflow.Agent
	step         *workflow.Step
	prompt       string
	resumeID     string
	resumePrompt string
	bindSession  bool
}

// runChild spawns one engine child under the step's abort controller.
// aborted is true when an operator signal cancelled the run.
func (r *Runner) runChild(ctx context.Context, spec childSpec) (output string, aborted bool, err error) {
	engineID := spec.step.Engine
	if engineID == "" {
		engineID = spec.agent.Engine
	}
	adapter, aerr := r.resolveEngine(engineID)
	if aerr != nil {
		return "", false, aerr
	}

	model := spec.step.Model
	if model == "" {
		model = spec.agent.Model
	}

	rec, merr := r.monitor.Start(spec.agent.ID, adapter.Metadata().ID)
	if merr != nil {
		return "", false, merr
	}

	stepCtx, cancel := context.WithCancel(ctx)
	r.mu.Lock()
	r.stepCancel = cancel
	r.currentMonitor = rec.ID
	if spec.resumeID == "" {
		r.currentSession = ""
	} else {
		r.currentSession = spec.resumeID
	}
	r.mu.Unlock()
	defer func() {
		cancel()
		r.mu.Lock()
		r.stepCancel = nil
		r.mu.Unlock()
	}()

	stopWatch := r.watchSignals(ctx)
	defer stopWatch()

	var collected strings.Builder
	opts := runner.Options{
		Engine:               adapter,
		Model:                model,
		ModelReasoningEffort: spec.step.ModelReasoningEffort,
		ResumeSessionID:      spec.resumeID,
		ResumePrompt:         spec.resumePrompt,
		OnData: func(line string) {
			collected.WriteString(line)
			collected.WriteByte('\n')
			rec.Append(line)
			r.uiSink(line)
		},
		OnErrorData: func(chunk string) {
			rec.Append(chunk)
		},
		OnTelemetry: func(t engine.Telemetry) {
			r.monitor.SetTelemetry(rec.ID, t)
		},
		OnSessionID: func(id string) {
			r.mu.Lock()
			r.currentSession = id
			r.mu.Unlock()
			if spec.bindSession {
				if err := r.stepStore.StepSessionInitialized(spec.stepIndex, id, rec.ID); err != nil {
					r.logger.Warn("bind session failed", "step_index", spec.stepIndex, "error", err)
				}
			}
		},
	}

	_, runErr := r.proc.Run(stepCtx, spec.prompt, r.cwd, opts)
	if runErr != nil {
		if stderrors.Is(runErr, context.Canceled) && ctx.Err() == nil {
			// Operator abort: the signal handler owns the transition.
			r.monitor.Finish(rec.ID, monitor.StatusAborted)
			return collected.String(), true, nil
		}
		r.monitor.Finish(rec.ID, monitor.StatusFailed)
		return collected.String(), false, runErr
	}

	r.monitor.Finish(rec.ID, monitor.StatusCompleted)
	return collected.String(), false, nil
}

func (r *Runner) resolveEngine(id string) (engine.Adapter, error) {
	if id == "" {
		return r.registry.Default(), nil
	}
	return r.registry.Get(id)
}

// composePrimaryPrompt merges the step's prompt files with the agent's
// base prompt files, step files last so they refine the agent's charter.
func (r *Runner) composePrimaryPrompt(step *workflow.Step, agent *workflow.Agent) (string, error) {
	var paths []string
	paths = append(paths, agent.PromptPath...)
	paths = append(paths, step.PromptPath...)
	return workflow.ComposePrompt(r.workflowDir, paths)
}

// enqueueChainedPrompts builds the step's queue from the agent config.
func (r *Runner) enqueueChainedPrompts(idx int, agent *workflow.Agent) error {
	env := workflow.ConditionEnv{Tracks: r.template.Tracks}
	selected, err := workflow.SelectChainedPrompts(agent.ChainedPromptsPath, env)
	if err != nil {
		return err
	}

	var prompts []state.QueuedPrompt
	for _, cp := range selected {
		content, err := workflow.ComposePrompt(r.workflowDir, []string{cp.Path})
		if err != nil {
			return err
		}
		prompts = append(prompts, state.QueuedPrompt{
			Name:    cp.Path,
			Label:   promptLabel(cp.Path),
			Content: content,
		})
	}
	return r.stepStore.EnqueuePrompts(idx, prompts)
}

func promptLabel(path string) string {
	base := path
	if i := strings.LastIndexByte(base, '/'); i >= 0 {
		base = base[i+1:]
	}
	return strings.TrimSuffix(base, ".md")
}

// writeActiveServers publishes the step's legal MCP surface: both
// built-in backends, coordination restricted to the template's sub-agent
// ids when declared, plus every user-defined backend.
func (r *Runner) writeActiveServers() error {
	entries := []state.ActiveServer{
		{Server: "workflow-signals"},
		{Server: "agent-coordination", Targets: r.template.SubAgentIDs},
	}
	users, err := mcprouter.LoadUserServers(r.stateRoot)
	if err != nil {
		r.logger.Warn("servers.yaml unreadable, listing built-in backends only", "error", err)
	}
	names := make([]string, 0, len(users))
	for name := range users {
		names = append(names, name)
	}
	sort.Strings(names)
	for _, name := range names {
		entries = append(entries, state.ActiveServer{Server: name})
	}
	return r.activeSrv.Write(entries)
}

// --- modes.Ops ---

// InputContext describes the just-finished step for providers.
func (r *Runner) InputContext() input.Context {
	mctx := r.machine.Context()
	idx := mctx.CurrentStepIndex

	ic := input.Context{StepIndex: idx}
	if idx >= 0 && idx < len(r.steps) {
		ic.StepID = r.steps[idx].AgentID
	}
	if mctx.CurrentOutput != nil {
		ic.Output = mctx.CurrentOutput.Text
	}
	if session, err := r.stepStore.LoadStep(idx); err == nil {
		ic.Queue = session.Queue
		ic.QueueIndex = session.QueueIndex
	}
	return ic
}

// UserProvider returns the user getInput source.
func (r *Runner) UserProvider() input.Provider { return r.userProv }

// ControllerProvider returns the controller getInput source.
func (r *Runner) ControllerProvider() input.Provider { return r.ctrlProv }

// ResumeWithInput re-invokes the current step with operator text on the
// existing session. From awaiting the machine passes through running via
// RESUME and the result arrives as STEP_COMPLETE; from delegated neither
// event is listed in the transition table, so the output is stored on
// the context directly and the next wait re-classifies with it.
func (r *Runner) ResumeWithInput(ctx context.Context, text string) error {
	idx := r.machine.Context().CurrentStepIndex
	step := r.steps[idx]
	session, err := r.stepStore.LoadStep(idx)
	if err != nil {
		return err
	}
	agent, err := r.agents.Get(step.AgentID)
	if err != nil {
		return err
	}

	resumed := false
	if r.machine.State() == fsm.StateAwaiting {
		r.machine.Send(fsm.Event{Kind: fsm.EventResume})
		resumed = true
	}

	output, aborted, err := r.runChild(ctx, childSpec{
		stepIndex:    idx,
		agent:        agent,
		step:         &step,
		resumeID:     session.SessionID,
		resumePrompt: text,
		bindSession:  session.SessionID == "",
	})
	if aborted {
		if p := r.takePending(); p != nil {
			r.applySignal(ctx, *p)
		}
		return nil
	}
	if err != nil {
		metrics.StepsFailed.Inc()
		if resumed {
			r.machine.Send(fsm.Event{Kind: fsm.EventStepError, Err: err})
			return nil
		}
		return err
	}

	out := &fsm.StepOutput{
		Text:         output,
		MonitoringID: r.currentMonitor,
		SessionID:    r.currentSession,
	}
	if resumed {
		r.machine.Send(fsm.Event{Kind: fsm.EventStepComplete, Output: out})
		return nil
	}
	mctx := r.machine.Context()
	mctx.CurrentOutput = out
	r.machine.SetContext(mctx)
	return nil
}

// SendQueuedPrompt pops and sends the next queued prompt on the step's
// session; false means the queue is exhausted.
func (r *Runner) SendQueuedPrompt(ctx context.Context) (bool, error) {
	idx := r.machine.Context().CurrentStepIndex
	session, err := r.stepStore.LoadStep(idx)
	if err != nil {
		return false, err
	}
	queued := session.CurrentQueuedPrompt()
	if queued == nil {
		return false, nil
	}
	step := r.steps[idx]
	agent, err := r.agents.Get(step.AgentID)
	if err != nil {
		return false, err
	}

	r.uiSink(fmt.Sprintf("sending queued prompt: %s", queued.Label))
	output, aborted, err := r.runChild(ctx, childSpec{
		stepIndex:    idx,
		agent:        agent,
		step:         &step,
		resumeID:     session.SessionID,
		resumePrompt: queued.Content,
		bindSession:  session.SessionID == "",
	})
	if aborted {
		if p := r.takePending(); p != nil {
			r.applySignal(ctx, *p)
		}
		return true, nil
	}
	if err != nil {
		return false, err
	}
	if err := r.stepStore.AdvanceQueue(idx); err != nil {
		return false, err
	}

	mctx := r.machine.Context()
	mctx.CurrentOutput = &fsm.StepOutput{
		Text:         output,
		MonitoringID: r.currentMonitor,
		SessionID:    r.currentSession,
	}
	r.machine.SetContext(mctx)
	return true, nil
}

// HandleAdvanceDirective processes the step's persisted directive and
// applies the outcome.
func (r *Runner) HandleAdvanceDirective() error {
	idx := r.machine.Context().CurrentStepIndex
	step := r.steps[idx]
	session, err := r.stepStore.LoadStep(idx)
	if err != nil {
		return err
	}

	outcome := modes.ProcessDirective(session.Directive, &step, r.steps, idx, r.loops[idx])
	switch outcome.Kind {
	case modes.OutcomeStop:
		r.logger.Info("directive requested stop", "reason", outcome.Reason)
		r.Stop()
		return nil

	case modes.OutcomePause:
		if err := r.ctrlStore.SetAutonomousMode(state.AutonomousOff); err != nil {
			return err
		}
		r.machine.Send(fsm.Event{Kind: fsm.EventPause})
		r.machine.Send(fsm.Event{Kind: fsm.EventAwait})
		if outcome.Reason != "" {
			r.uiSink(fmt.Sprintf("paused: %s", outcome.Reason))
		}
		return nil

	case modes.OutcomeCheckpoint:
		// A checkpoint hands control to the operator before advancing.
		if err := r.ctrlStore.SetAutonomousMode(state.AutonomousOff); err != nil {
			return err
		}
		r.machine.Send(fsm.Event{Kind: fsm.EventAwait})
		r.uiSink("checkpoint reached, review before continuing")
		return nil

	case modes.OutcomeLoop:
		return r.loopBack(idx, outcome)

	default:
		return r.advanceStep(idx)
	}
}

// advanceStep completes the current step and moves on.
func (r *Runner) advanceStep(idx int) error {
	if err := r.stepStore.StepCompleted(idx); err != nil {
		return err
	}
	metrics.StepsCompleted.Inc()
	r.machine.Send(fsm.Event{Kind: fsm.EventInputReceived})
	return nil
}

// loopBack rewinds to the outcome's target step. The jump re-enters the
// machine through a normal advance from target−1, so auto mode and the
// running state are preserved without a dedicated loop event.
func (r *Runner) loopBack(idx int, outcome modes.Outcome) error {
	r.loops[idx] = outcome.Iteration
	if err := r.stepStore.SetLoopIterations(idx, outcome.Iteration); err != nil {
		return err
	}
	if err := r.stepStore.StepCompleted(idx); err != nil {
		return err
	}
	if err := r.stepStore.ResetStep(outcome.TargetIndex); err != nil {
		return err
	}

	r.logger.Info("looping back",
		"from", idx, "to", outcome.TargetIndex, "iteration", outcome.Iteration)

	mctx := r.machine.Context()
	mctx.CurrentStepIndex = outcome.TargetIndex - 1
	r.machine.SetContext(mctx)
	r.machine.Send(fsm.Event{Kind: fsm.EventInputReceived})
	return nil
}

// SkipStep resets the outgoing queue and sends SKIP.
func (r *Runner) SkipStep() error {
	idx := r.machine.Context().CurrentStepIndex
	if err := r.stepStore.ResetQueue(idx); err != nil {
		return err
	}
	r.machine.Send(fsm.Event{Kind: fsm.EventSkip})
	return nil
}

// Stop sends STOP.
func (r *Runner) Stop() {
	r.machine.Send(fsm.Event{Kind: fsm.EventStop})
}

// SwitchToAuto persists autonomous mode and delegates.
func (r *Runner) SwitchToAuto() error {
	if err := r.ctrlStore.SetAutonomousMode(state.AutonomousOn); err != nil {
		return err
	}
	r.machine.Send(fsm.Event{Kind: fsm.EventDelegate})
	return nil
}

// SwitchToManual persists manual mode and awaits the operator.
func (r *Runner) SwitchToManual() error {
	if err := r.ctrlStore.SetAutonomousMode(state.AutonomousOff); err != nil {
		return err
	}
	r.machine.Send(fsm.Event{Kind: fsm.EventAwait})
	return nil
}

// ReturnToController hands the operator an in-line conversation with the
// controller agent. Autonomous mode is pinned to "never" for the duration
// so nothing re-delegates mid-conversation; an empty submission ends it,
// restores autonomous mode, and resumes the workflow.
func (r *Runner) ReturnToController(ctx context.Context) error {
	st, err := r.ctrlStore.Load()
	if err != nil {
		return err
	}
	if st.Controller == nil {
		r.uiSink("no controller configured")
		return nil
	}
	if err := r.ctrlStore.SetAutonomousMode(state.AutonomousNever); err != nil {
		return err
	}
	r.uiSink("controller conversation — empty message returns to the workflow")

	for {
		// An operator pause wins over the conversation.
		if paused := r.pauseRequested(); paused {
			break
		}

		var message string
		form := huh.NewForm(huh.NewGroup(
			huh.NewInput().Title("message to controller").Value(&message),
		))
		if err := form.RunWithContext(ctx); err != nil {
			break
		}
		if strings.TrimSpace(message) == "" {
			break
		}

		if err := r.converseWithController(ctx, st.Controller, message); err != nil {
			r.uiSink(fmt.Sprintf("controller error: %v", err))
			break
		}
	}

	if err := r.ctrlStore.SetAutonomousMode(state.AutonomousOn); err != nil {
		return err
	}
	r.machine.Send(fsm.Event{Kind: fsm.EventResume})
	return nil
}

// pauseRequested drains the bus and reports whether a pause, stop or
// controller-continue signal was among the drained signals. Every other
// drained signal is discarded.
func (r *Runner) pauseRequested() bool {
	for {
		select {
		case sig := <-r.bus.C():
			switch sig.Kind {
			case signals.KindPause, signals.KindStop:
				return true
			case signals.KindControllerContinue:
				return true
			}
		default:
			return false
		}
	}
}

// converseWithController resumes the controller session with one message.
func (r *Runner) converseWithController(ctx context.Context, cfg *state.ControllerConfig, message string) error {
	adapter, err := r.registry.Get(cfg.Engine)
	if err != nil {
		return err
	}
	rec, err := r.monitor.Start(cfg.AgentID, cfg.Engine)
	if err != nil {
		return err
	}

	opts := runner.Options{
		Engine:          adapter,
		Model:           cfg.Model,
		ResumeSessionID: cfg.SessionID,
		ResumePrompt:    message,
		OnData: func(line string) {
			rec.Append(line)
			r.uiSink(line)
		},
		OnErrorData: func(chunk string) { rec.Append(chunk) },
		OnTelemetry: func(t engine.Telemetry) { r.monitor.SetTelemetry(rec.ID, t) },
		OnSessionID: func(id string) {
			if err := r.ctrlStore.SetControllerSession(id, rec.ID); err != nil {
				r.logger.Warn("persist controller session failed", "error", err)
			}
		},
	}
	_, err = r.proc.Run(ctx, message, r.cwd, opts)
	if err != nil {
		r.monitor.Finish(rec.ID, monitor.StatusFailed)
		return err
	}
	r.monitor.Finish(rec.ID, monitor.StatusCompleted)
	return nil
}

