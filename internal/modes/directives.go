package modes

import (
	"github.com/codemachine-ai/codemachine/internal/state"
	"github.com/codemachine-ai/codemachine/internal/workflow"
)

// OutcomeKind is the result of directive processing.
type OutcomeKind string

const (
	OutcomeAdvance    OutcomeKind = "advance"
	OutcomeStop       OutcomeKind = "stop"
	OutcomePause      OutcomeKind = "pause"
	OutcomeCheckpoint OutcomeKind = "checkpoint"
	OutcomeLoop       OutcomeKind = "loop"
)

// Outcome tells the runner what to do after a step's queue is exhausted.
type Outcome struct {
	Kind   OutcomeKind
	Reason string

	// TargetIndex is the loop-back destination for OutcomeLoop.
	TargetIndex int

	// Iteration is the loop count after this pass, for bookkeeping.
	Iteration int
}

// ProcessDirective combines the step's persisted directive with its
// template behavior. loopCount is the iterations already taken for this
// step key; steps is the full selected step list, used to honor the loop
// skip filter when computing the target.
func ProcessDirective(
	d state.Directive,
	step *workflow.Step,
	steps []workflow.Step,
	currentIndex int,
	loopCount int,
) Outcome {
	switch d.Action {
	case state.DirectiveStop:
		return Outcome{Kind: OutcomeStop, Reason: d.Reason}

	case state.DirectivePause:
		return Outcome{Kind: OutcomePause, Reason: d.Reason}

	case state.DirectiveLoop:
		behavior := step.Behavior
		if behavior == nil || behavior.Kind != workflow.BehaviorLoop || behavior.Loop == nil {
			// A loop directive with no loop behavior falls through.
			return Outcome{Kind: OutcomeAdvance}
		}
		next := loopCount + 1
		if max := behavior.Loop.MaxIterations; max > 0 && next > max {
			return Outcome{Kind: OutcomeAdvance, Iteration: loopCount}
		}
		target := loopTarget(behavior.Loop, steps, currentIndex)
		return Outcome{Kind: OutcomeLoop, TargetIndex: target, Iteration: next, Reason: d.Reason}

	default:
		if step.Behavior != nil && step.Behavior.Kind == workflow.BehaviorCheckpoint {
			return Outcome{Kind: OutcomeCheckpoint}
		}
		return Outcome{Kind: OutcomeAdvance}
	}
}

// loopTarget computes currentIndex − steps, then walks past entries whose
// agent id is in the skip list. The filter applies when choosing the next
// step inside a loop; a fully skipped window lands back on the origin.
func loopTarget(loop *workflow.LoopBehavior, steps []workflow.Step, currentIndex int) int {
	target := currentIndex - loop.Steps
	if target < 0 {
		target = 0
	}
	if len(loop.Skip) == 0 {
		return target
	}

	skipped := make(map[string]bool, len(loop.Skip))
	for _, id := range loop.Skip {
		skipped[id] = true
	}
	for target < currentIndex {
		if target >= 0 && target < len(steps) && skipped[steps[target].AgentID] {
			target++
			continue
		}
		break
	}
	return target
}
