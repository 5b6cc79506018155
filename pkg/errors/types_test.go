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

package errors

import (
	stderrors "errors"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestSpawnError_IncludesInstallCommand(t *testing.T) {
	err := &SpawnError{Engine: "codex", Binary: "codex", InstallCommand: "npm install -g @openai/codex"}
	assert.Contains(t, err.Error(), "npm install -g @openai/codex")
}

func TestTimeoutError_Message(t *testing.T) {
	err := &TimeoutError{Operation: "engine codex run", Timeout: 30 * time.Minute}
	assert.Contains(t, err.Error(), "30m")
}

func TestHelpers_MatchThroughWrapping(t *testing.T) {
	base := &ValidationError{Field: "steps", Message: "empty"}
	wrapped := fmt.Errorf("load template: %w", base)

	assert.True(t, IsValidation(wrapped))
	assert.False(t, IsNotFound(wrapped))

	var ve *ValidationError
	assert.True(t, stderrors.As(wrapped, &ve))
	assert.Equal(t, "steps", ve.Field)
}

func TestUnwrapChain(t *testing.T) {
	cause := stderrors.New("disk full")
	err := &PersistenceError{Path: "steps/0.json", Op: "write", Cause: cause}
	assert.True(t, stderrors.Is(err, cause))
	assert.True(t, IsPersistence(fmt.Errorf("save: %w", err)))
}
