package signals

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestBus_PublishAndConsume(t *testing.T) {
	bus := NewBus()
	bus.Publish(Signal{Kind: KindPause})
	bus.Publish(Signal{Kind: KindModeChange, AutonomousMode: "never"})

	sig := <-bus.C()
	assert.Equal(t, KindPause, sig.Kind)
	sig = <-bus.C()
	assert.Equal(t, KindModeChange, sig.Kind)
	assert.Equal(t, "never", sig.AutonomousMode)
}

func TestBus_FullBusDropsInsteadOfBlocking(t *testing.T) {
	bus := NewBus()
	done := make(chan struct{})
	go func() {
		for i := 0; i < 100; i++ {
			bus.Publish(Signal{Kind: KindSkip})
		}
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("publisher blocked on full bus")
	}
}

func TestInterruptGuard_FirstPressIsGraceful(t *testing.T) {
	g := NewInterruptGuard()
	now := time.Now()
	assert.False(t, g.Press(now))
}

func TestInterruptGuard_SecondPressWithinWindowForces(t *testing.T) {
	g := NewInterruptGuard()
	now := time.Now()
	g.Press(now)
	assert.True(t, g.Press(now.Add(500*time.Millisecond)))
}

func TestInterruptGuard_SecondPressAfterWindowIsGracefulAgain(t *testing.T) {
	g := NewInterruptGuard()
	now := time.Now()
	g.Press(now)
	assert.False(t, g.Press(now.Add(3*time.Second)))
	// The late press re-arms the window.
	assert.True(t, g.Press(now.Add(3*time.Second+time.Second)))
}
