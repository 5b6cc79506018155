// Package fsm implements the workflow finite-state machine as a pure
// transition function over a small context struct. Side effects live in
// callers; the machine only sequences.
package fsm

import (
	"context"
	"log/slog"

	"github.com/codemachine-ai/codemachine/internal/log"
)

// State is one of the workflow machine's states.
type State string

const (
	StateIdle      State = "idle"
	StateRunning   State = "running"
	StateAwaiting  State = "awaiting"
	StateDelegated State = "delegated"
	StateCompleted State = "completed"
	StateStopped   State = "stopped"
	StateError     State = "error"
)

// IsFinal reports whether s silently drops all further events.
func (s State) IsFinal() bool {
	return s == StateCompleted || s == StateStopped || s == StateError
}

// EventKind names the events that drive transitions.
type EventKind string

const (
	EventStart         EventKind = "START"
	EventStepComplete  EventKind = "STEP_COMPLETE"
	EventStepError     EventKind = "STEP_ERROR"
	EventInputReceived EventKind = "INPUT_RECEIVED"
	EventResume        EventKind = "RESUME"
	EventSkip          EventKind = "SKIP"
	EventPause         EventKind = "PAUSE"
	EventStop          EventKind = "STOP"
	EventDelegate      EventKind = "DELEGATE"
	EventAwait         EventKind = "AWAIT"
)

// StepOutput is the completed step's result carried into the context.
type StepOutput struct {
	Text         string
	MonitoringID int64
	SessionID    string
}

// StepHint is the per-step slice of template data the machine guards on.
type StepHint struct {
	// Interactive mirrors the template step's interactive flag.
	Interactive bool
}

// Context is the mutable workflow context carried through execution.
type Context struct {
	CurrentStepIndex       int
	TotalSteps             int
	Steps                  []StepHint
	CurrentOutput          *StepOutput
	AutoMode               bool
	Paused                 bool
	ContinuationPromptSent bool
	LastError              string
	Cwd                    string
	StateRoot              string
}

// Event is one machine input.
type Event struct {
	Kind   EventKind
	Output *StepOutput
	Err    error
}

// currentInteractive reports the interactive hint for the current step.
func (c *Context) currentInteractive() bool {
	if c.CurrentStepIndex < 0 || c.CurrentStepIndex >= len(c.Steps) {
		return true
	}
	return c.Steps[c.CurrentStepIndex].Interactive
}

// lastStep reports whether the current step is the final one.
func (c *Context) lastStep() bool {
	return c.CurrentStepIndex >= c.TotalSteps-1
}

// Transition is the pure transition function. Unlisted (state, event)
// pairs return the inputs unchanged; final states absorb everything.
func Transition(state State, ctx Context, ev Event) (State, Context) {
	if state.IsFinal() {
		return state, ctx
	}

	switch state {
	case StateIdle:
		if ev.Kind == EventStart {
			return StateRunning, ctx
		}

	case StateRunning:
		switch ev.Kind {
		case EventStepComplete:
			ctx.CurrentOutput = ev.Output
			if ctx.AutoMode && !ctx.Paused && ctx.currentInteractive() {
				ctx.ContinuationPromptSent = true
				return StateDelegated, ctx
			}
			return StateAwaiting, ctx
		case EventStepError:
			if ev.Err != nil {
				ctx.LastError = ev.Err.Error()
			}
			return StateError, ctx
		case EventSkip:
			return advance(ctx)
		case EventPause:
			ctx.AutoMode = false
			ctx.Paused = true
			return StateAwaiting, ctx
		case EventStop:
			return StateStopped, ctx
		}

	case StateAwaiting:
		switch ev.Kind {
		case EventDelegate:
			ctx.AutoMode = true
			return StateDelegated, ctx
		case EventResume:
			ctx.Paused = false
			return StateRunning, ctx
		case EventInputReceived:
			return advance(ctx)
		case EventSkip:
			return advance(ctx)
		case EventStop:
			return StateStopped, ctx
		}

	case StateDelegated:
		switch ev.Kind {
		case EventAwait:
			ctx.AutoMode = false
			ctx.ContinuationPromptSent = false
			return StateAwaiting, ctx
		case EventInputReceived:
			ctx.ContinuationPromptSent = false
			return advance(ctx)
		case EventPause:
			ctx.AutoMode = false
			ctx.Paused = true
			ctx.ContinuationPromptSent = false
			return StateAwaiting, ctx
		case EventSkip:
			ctx.ContinuationPromptSent = false
			return advance(ctx)
		case EventStop:
			return StateStopped, ctx
		}
	}

	return state, ctx
}

// advance moves to the next step, or completes on the last one. Advancing
// always clears the pause latch: the operator's decision is the resume.
func advance(ctx Context) (State, Context) {
	if ctx.lastStep() {
		return StateCompleted, ctx
	}
	ctx.CurrentStepIndex++
	ctx.ContinuationPromptSent = false
	ctx.Paused = false
	return StateRunning, ctx
}

// Machine wraps the pure function with current state, a context, and
// transition logging. Not safe for concurrent use: all events must pass
// through the runner loop's event queue.
type Machine struct {
	state  State
	ctx    Context
	logger *slog.Logger
}

// New creates a machine in the idle state.
func New(ctx Context, logger *slog.Logger) *Machine {
	if logger == nil {
		logger = slog.Default()
	}
	return &Machine{state: StateIdle, ctx: ctx, logger: logger}
}

// State returns the current state.
func (m *Machine) State() State { return m.state }

// Context returns a copy of the current context.
func (m *Machine) Context() Context { return m.ctx }

// SetContext replaces the context wholesale. Used by the runner to sync
// hints from persisted state; never called concurrently with Send.
func (m *Machine) SetContext(ctx Context) { m.ctx = ctx }

// IsFinal reports whether the machine reached a final state.
func (m *Machine) IsFinal() bool { return m.state.IsFinal() }

// Send applies one event. Returns the new state and whether it changed.
func (m *Machine) Send(ev Event) (State, bool) {
	from := m.state
	next, ctx := Transition(m.state, m.ctx, ev)
	m.state = next
	m.ctx = ctx

	if next == from {
		m.logger.Debug("fsm event ignored",
			log.EventKey, string(ev.Kind),
			log.StateKey, string(from),
		)
		return next, false
	}
	m.logger.Log(context.Background(), slog.LevelInfo, "fsm transition",
		log.EventKey, string(ev.Kind),
		"from", string(from),
		"to", string(next),
		log.StepIndexKey, ctx.CurrentStepIndex,
	)
	return next, true
}
