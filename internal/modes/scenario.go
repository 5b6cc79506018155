// Package modes classifies each awaiting/delegated entry into a numbered
// scenario and dispatches the matching handler strategy.
package modes

// Mode is a handler strategy.
type Mode string

const (
	// ModeInteractive waits on a provider (user or controller).
	ModeInteractive Mode = "interactive"
	// ModeAutonomous drains the queue without asking anyone.
	ModeAutonomous Mode = "autonomous"
	// ModeContinuous processes directives and auto-advances.
	ModeContinuous Mode = "continuous"
)

// Scenario is the numbered classification of step flags × mode flags.
type Scenario int

// Flags is the classification input.
type Flags struct {
	// AutoMode mirrors the FSM context's auto flag.
	AutoMode bool

	// Paused mirrors the FSM context's paused flag.
	Paused bool

	// Interactive mirrors the template step's interactive flag.
	Interactive bool

	// HasController reports whether a controller config is persisted.
	HasController bool

	// QueueRemaining reports whether the step has unsent queued prompts.
	QueueRemaining bool
}

// Classify maps flags to a scenario and its handler mode.
//
//	1 manual, interactive step            → interactive (user)
//	2 manual, paused                      → interactive (user)
//	3 auto, paused (pause always wins)    → interactive (user)
//	4 auto, no controller configured      → interactive (user)
//	5 auto, controller, queue remaining   → autonomous
//	6 non-interactive step                → continuous
//	7 auto, controller, queue exhausted   → interactive (controller)
//	8 manual, controller, queue remaining → interactive (user)
func Classify(f Flags) (Scenario, Mode) {
	if !f.Interactive {
		return 6, ModeContinuous
	}
	if f.Paused {
		if f.AutoMode {
			return 3, ModeInteractive
		}
		return 2, ModeInteractive
	}
	if f.AutoMode {
		if !f.HasController {
			return 4, ModeInteractive
		}
		if f.QueueRemaining {
			return 5, ModeAutonomous
		}
		return 7, ModeInteractive
	}
	if f.HasController && f.QueueRemaining {
		return 8, ModeInteractive
	}
	return 1, ModeInteractive
}

// UsesController reports whether the scenario's interactive handler asks
// the controller provider rather than the user.
func (s Scenario) UsesController() bool {
	return s == 7
}
