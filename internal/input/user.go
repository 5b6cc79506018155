package input

import (
	"context"
	"fmt"
	"os"
	"strings"

	"github.com/charmbracelet/huh"
	"golang.org/x/term"

	"github.com/codemachine-ai/codemachine/internal/signals"
)

// UserProvider waits for the operator. On a TTY it presents an inline
// form; otherwise it consumes the signal bus until a decisive signal
// arrives.
type UserProvider struct {
	bus *signals.Bus
}

// NewUserProvider creates a user provider over the bus.
func NewUserProvider(bus *signals.Bus) *UserProvider {
	return &UserProvider{bus: bus}
}

// GetInput waits for exactly one operator decision. An empty submission
// means "advance". Slash commands map to the non-text results; the mode
// sentinels pass through as input values for the mode handlers.
func (u *UserProvider) GetInput(ctx context.Context, ic Context) (Result, error) {
	if term.IsTerminal(int(os.Stdin.Fd())) {
		return u.promptForm(ctx, ic)
	}
	return u.awaitBus(ctx)
}

func (u *UserProvider) promptForm(ctx context.Context, ic Context) (Result, error) {
	title := fmt.Sprintf("Step %d finished", ic.StepIndex)
	if ic.StepID != "" {
		title = fmt.Sprintf("Step %d (%s) finished", ic.StepIndex, ic.StepID)
	}

	var desc strings.Builder
	if remaining := len(ic.Queue) - ic.QueueIndex; remaining > 0 {
		fmt.Fprintf(&desc, "%d queued prompt(s) remaining:\n", remaining)
		for i := ic.QueueIndex; i < len(ic.Queue); i++ {
			fmt.Fprintf(&desc, "  %d. %s\n", i+1, ic.Queue[i].Label)
		}
	}
	desc.WriteString("Enter to advance · text to resume with input · /skip · /stop · /auto")

	var value string
	form := huh.NewForm(huh.NewGroup(
		huh.NewInput().
			Title(title).
			Description(desc.String()).
			Value(&value),
	))
	if err := form.RunWithContext(ctx); err != nil {
		if ctx.Err() != nil {
			return Result{}, ctx.Err()
		}
		return Result{}, fmt.Errorf("input form: %w", err)
	}

	switch strings.TrimSpace(value) {
	case "/skip":
		return Result{Type: ResultSkip, Source: "user"}, nil
	case "/stop":
		return Result{Type: ResultStop, Source: "user"}, nil
	case "/auto":
		return Result{Type: ResultInput, Value: signals.SwitchToAuto, Source: "user"}, nil
	case "/controller":
		return Result{Type: ResultReturnToController, Source: "user"}, nil
	default:
		return Result{Type: ResultInput, Value: strings.TrimSpace(value), Source: "user"}, nil
	}
}

func (u *UserProvider) awaitBus(ctx context.Context) (Result, error) {
	for {
		select {
		case <-ctx.Done():
			return Result{}, ctx.Err()
		case sig := <-u.bus.C():
			switch sig.Kind {
			case signals.KindInput:
				if sig.InputSkip {
					return Result{Type: ResultSkip, Source: "user"}, nil
				}
				return Result{Type: ResultInput, Value: sig.Input, Source: "user"}, nil
			case signals.KindSkip:
				return Result{Type: ResultSkip, Source: "user"}, nil
			case signals.KindStop:
				return Result{Type: ResultStop, Source: "user"}, nil
			case signals.KindReturnToController:
				return Result{Type: ResultReturnToController, Source: "user"}, nil
			case signals.KindModeChange:
				if sig.AutonomousMode == "true" {
					return Result{Type: ResultInput, Value: signals.SwitchToAuto, Source: "user"}, nil
				}
				return Result{Type: ResultInput, Value: signals.SwitchToManual, Source: "user"}, nil
			default:
				// pause is a no-op while already awaiting
			}
		}
	}
}
