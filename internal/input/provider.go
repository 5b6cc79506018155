// Package input implements the two getInput providers: the user provider
// waits on operator events, the controller provider runs the controller
// agent and parses its output for an action.
package input

import (
	"context"

	"github.com/codemachine-ai/codemachine/internal/state"
)

// ResultType classifies a provider's answer.
type ResultType string

const (
	// ResultInput carries text; an empty value means "advance".
	ResultInput ResultType = "input"
	// ResultSkip requests skipping the current step.
	ResultSkip ResultType = "skip"
	// ResultStop requests stopping the workflow.
	ResultStop ResultType = "stop"
	// ResultRevise keeps the workflow in the current step (controller
	// revise decisions).
	ResultRevise ResultType = "revise"
	// ResultReturnToController hands the operator the controller
	// conversation before resuming.
	ResultReturnToController ResultType = "return-to-controller"
)

// Result is one getInput outcome.
type Result struct {
	Type   ResultType
	Value  string
	Source string // "user" or "controller"
}

// Context is what a provider may show or feed to its decider.
type Context struct {
	// StepIndex and StepID identify the just-finished step.
	StepIndex int
	StepID    string

	// Output is the step's collected output text.
	Output string

	// Queue and QueueIndex describe the step's remaining chained prompts.
	Queue      []state.QueuedPrompt
	QueueIndex int
}

// Provider is the getInput contract.
type Provider interface {
	GetInput(ctx context.Context, ic Context) (Result, error)
}
