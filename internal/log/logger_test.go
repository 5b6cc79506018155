// Copyright 2025 Tom Barlow
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package log

import (
	"bytes"
	"context"
	"encoding/json"
	"log/slog"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestFromEnv_Defaults(t *testing.T) {
	cfg := FromEnv()
	assert.Equal(t, "info", cfg.Level)
	assert.Equal(t, FormatJSON, cfg.Format)
}

func TestFromEnv_DebugOverride(t *testing.T) {
	t.Setenv("CODEMACHINE_DEBUG", "1")
	t.Setenv("LOG_LEVEL", "error")
	cfg := FromEnv()
	assert.Equal(t, "debug", cfg.Level)
	assert.True(t, cfg.AddSource)
}

func TestFromEnv_LogLevel(t *testing.T) {
	t.Setenv("LOG_LEVEL", "TRACE")
	cfg := FromEnv()
	assert.Equal(t, "trace", cfg.Level)
}

func TestNew_JSONOutput(t *testing.T) {
	var buf bytes.Buffer
	logger := New(&Config{Level: "debug", Format: FormatJSON, Output: &buf})
	logger.Debug("hello", StepIndexKey, 3)

	var record map[string]interface{}
	require.NoError(t, json.Unmarshal(buf.Bytes(), &record))
	assert.Equal(t, "hello", record["msg"])
	assert.Equal(t, float64(3), record[StepIndexKey])
}

func TestNew_TraceLevelGate(t *testing.T) {
	var buf bytes.Buffer
	logger := New(&Config{Level: "debug", Format: FormatText, Output: &buf})
	assert.False(t, logger.Enabled(context.Background(), LevelTrace))

	logger = New(&Config{Level: "trace", Format: FormatText, Output: &buf})
	assert.True(t, logger.Enabled(context.Background(), LevelTrace))
	assert.True(t, logger.Enabled(context.Background(), slog.LevelDebug))
}
