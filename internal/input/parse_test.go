package input

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestParseTextAction_Markers(t *testing.T) {
	assert.Equal(t, ActionNext, parseTextAction("blah blah\nACTION: NEXT\n"))
	assert.Equal(t, ActionSkip, parseTextAction("reasoning... ACTION: SKIP because redundant"))
	assert.Equal(t, ActionStop, parseTextAction("ACTION: STOP"))
}

func TestParseTextAction_MarkerBeatsJSON(t *testing.T) {
	out := `{"decision":"reject"} but actually ACTION: NEXT`
	assert.Equal(t, ActionNext, parseTextAction(out))
}

func TestParseTextAction_JSONFallback(t *testing.T) {
	assert.Equal(t, ActionNext, parseTextAction(`result: {"decision":"approve"}`))
	assert.Equal(t, ActionStop, parseTextAction(`{"decision":"reject","notes":"broken"}`))
	assert.Equal(t, ActionRevise, parseTextAction(`{"decision":"revise"}`))
}

func TestParseTextAction_ToolMentionDefaultsToNext(t *testing.T) {
	out := "I invoked approve_step_transition with my verdict."
	assert.Equal(t, ActionNext, parseTextAction(out))
}

func TestParseTextAction_NothingParseable(t *testing.T) {
	assert.Equal(t, ActionUnknown, parseTextAction("just some musings"))
}
