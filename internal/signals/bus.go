// Package signals carries operator intent into the runner loop: a typed
// signal bus, a raw-mode key reader, and the two-stage interrupt guard.
// The bus is the only channel external input code talks to; the runner
// loop is its only consumer.
package signals

// Kind names the operator signals.
type Kind string

const (
	KindPause              Kind = "pause"
	KindSkip               Kind = "skip"
	KindStop               Kind = "stop"
	KindReturnToController Kind = "return-to-controller"
	KindModeChange         Kind = "mode-change"
	KindInput              Kind = "input"
	KindControllerContinue Kind = "controller-continue"
)

// Sentinel strings the user provider may return from getInput to request
// a mode flip instead of submitting text.
const (
	SwitchToManual = "__SWITCH_TO_MANUAL__"
	SwitchToAuto   = "__SWITCH_TO_AUTO__"
)

// Signal is one tagged bus message.
type Signal struct {
	Kind Kind

	// AutonomousMode carries the new mode for mode-change signals
	// ("true", "false", or "never").
	AutonomousMode string

	// Input carries submitted text for input signals.
	Input string

	// InputSkip marks an input signal as a skip request.
	InputSkip bool
}

// Bus is a single-producer-side, single-consumer signal channel. Buffered
// so publishers never block the terminal reader.
type Bus struct {
	ch chan Signal
}

// NewBus creates a bus.
func NewBus() *Bus {
	return &Bus{ch: make(chan Signal, 16)}
}

// Publish enqueues a signal; a full bus drops the signal rather than
// blocking the publisher (the consumer is wedged anyway if 16 back up).
func (b *Bus) Publish(s Signal) {
	select {
	case b.ch <- s:
	default:
	}
}

// C returns the consumer side.
func (b *Bus) C() <-chan Signal {
	return b.ch
}
