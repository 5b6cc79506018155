package modes

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestClassify_Table(t *testing.T) {
	cases := []struct {
		name     string
		flags    Flags
		scenario Scenario
		mode     Mode
	}{
		{
			name:     "manual interactive",
			flags:    Flags{Interactive: true},
			scenario: 1, mode: ModeInteractive,
		},
		{
			name:     "manual paused",
			flags:    Flags{Interactive: true, Paused: true},
			scenario: 2, mode: ModeInteractive,
		},
		{
			name:     "auto but paused, pause wins",
			flags:    Flags{Interactive: true, AutoMode: true, Paused: true, HasController: true},
			scenario: 3, mode: ModeInteractive,
		},
		{
			name:     "auto without controller",
			flags:    Flags{Interactive: true, AutoMode: true},
			scenario: 4, mode: ModeInteractive,
		},
		{
			name:     "auto with controller and queue",
			flags:    Flags{Interactive: true, AutoMode: true, HasController: true, QueueRemaining: true},
			scenario: 5, mode: ModeAutonomous,
		},
		{
			name:     "non-interactive step",
			flags:    Flags{AutoMode: true, HasController: true},
			scenario: 6, mode: ModeContinuous,
		},
		{
			name:     "auto with controller, queue exhausted",
			flags:    Flags{Interactive: true, AutoMode: true, HasController: true},
			scenario: 7, mode: ModeInteractive,
		},
		{
			name:     "manual with controller and queue",
			flags:    Flags{Interactive: true, HasController: true, QueueRemaining: true},
			scenario: 8, mode: ModeInteractive,
		},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			scenario, mode := Classify(tc.flags)
			assert.Equal(t, tc.scenario, scenario)
			assert.Equal(t, tc.mode, mode)
		})
	}
}

func TestScenario_OnlySevenUsesController(t *testing.T) {
	for s := Scenario(1); s <= 8; s++ {
		assert.Equal(t, s == 7, s.UsesController(), "scenario %d", s)
	}
}
