package signals

import (
	"context"
	"os"

	"golang.org/x/term"
)

// KeyReader turns raw terminal keystrokes into signals:
//
//	p  pause       s  skip        q  stop
//	c  return-to-controller       m  toggle autonomous mode
//
// It owns the terminal's raw mode for its lifetime and restores it on
// exit. The reader publishes only; consuming happens in the runner loop.
type KeyReader struct {
	bus *Bus

	// autonomous reports the current persisted mode so the m key can
	// publish the flipped value.
	autonomous func() bool
}

// NewKeyReader creates a key reader over the bus.
func NewKeyReader(bus *Bus, autonomous func() bool) *KeyReader {
	return &KeyReader{bus: bus, autonomous: autonomous}
}

// Run blocks reading keys until ctx is done or stdin closes. A non-TTY
// stdin returns immediately: signals then arrive only via the UI.
func (k *KeyReader) Run(ctx context.Context) error {
	fd := int(os.Stdin.Fd())
	if !term.IsTerminal(fd) {
		return nil
	}
	oldState, err := term.MakeRaw(fd)
	if err != nil {
		return err
	}
	defer term.Restore(fd, oldState)

	buf := make([]byte, 1)
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
		}

		n, err := os.Stdin.Read(buf)
		if err != nil {
			return err
		}
		if n == 0 {
			continue
		}

		switch buf[0] {
		case 'p':
			k.bus.Publish(Signal{Kind: KindPause})
		case 's':
			k.bus.Publish(Signal{Kind: KindSkip})
		case 'q':
			k.bus.Publish(Signal{Kind: KindStop})
		case 'c':
			k.bus.Publish(Signal{Kind: KindReturnToController})
		case 'm':
			mode := "true"
			if k.autonomous() {
				mode = "false"
			}
			k.bus.Publish(Signal{Kind: KindModeChange, AutonomousMode: mode})
		case 0x03: // Ctrl-C reaches us raw; route through the stop path.
			k.bus.Publish(Signal{Kind: KindStop})
		}
	}
}
