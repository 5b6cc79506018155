package engine

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSessionFileTelemetry_SumsTurns(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "session.json")
	require.NoError(t, os.WriteFile(path, []byte(`{
  "turns": [
    {"usage": {"prompt_tokens": 100, "completion_tokens": 20}},
    {"usage": {"prompt_tokens": 50, "completion_tokens": 30}}
  ]
}`), 0o644))

	s := newSessionFileTelemetry(`.turns[]? | {input: .usage.prompt_tokens, output: .usage.completion_tokens}`)
	got, err := s.extract(path)
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.Equal(t, int64(150), got.InputTokens)
	assert.Equal(t, int64(50), got.OutputTokens)
}

func TestSessionFileTelemetry_MissingFileIsNil(t *testing.T) {
	s := newSessionFileTelemetry(`.turns[]?`)
	got, err := s.extract(filepath.Join(t.TempDir(), "absent.json"))
	require.NoError(t, err)
	assert.Nil(t, got)
}

func TestSessionFileTelemetry_NoUsageIsNil(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "session.json")
	require.NoError(t, os.WriteFile(path, []byte(`{"turns": []}`), 0o644))

	s := newSessionFileTelemetry(`.turns[]? | {input: .usage.prompt_tokens, output: .usage.completion_tokens}`)
	got, err := s.extract(path)
	require.NoError(t, err)
	assert.Nil(t, got)
}
