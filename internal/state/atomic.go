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

// Package state persists the workflow's small JSON state files under the
// state root (<cwd>/.codemachine). Every file is owned by exactly one
// component; writes are atomic (write temp file, rename).
package state

import (
	"encoding/json"
	stderrors "errors"
	"os"
	"path/filepath"

	"github.com/codemachine-ai/codemachine/pkg/errors"
)

// writeJSON atomically writes v as indented JSON to path.
func writeJSON(path string, v interface{}) error {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return &errors.PersistenceError{Path: path, Op: "write", Cause: err}
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return &errors.PersistenceError{Path: path, Op: "write", Cause: err}
	}

	tmp, err := os.CreateTemp(filepath.Dir(path), "."+filepath.Base(path)+".*")
	if err != nil {
		return &errors.PersistenceError{Path: path, Op: "write", Cause: err}
	}
	tmpName := tmp.Name()
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return &errors.PersistenceError{Path: path, Op: "write", Cause: err}
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpName)
		return &errors.PersistenceError{Path: path, Op: "write", Cause: err}
	}
	if err := os.Rename(tmpName, path); err != nil {
		os.Remove(tmpName)
		return &errors.PersistenceError{Path: path, Op: "rename", Cause: err}
	}
	return nil
}

// readJSON reads path into v. Returns os.ErrNotExist via the cause when
// the file is missing so callers can treat absence as "fresh".
func readJSON(path string, v interface{}) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return &errors.PersistenceError{Path: path, Op: "read", Cause: err}
	}
	if err := json.Unmarshal(data, v); err != nil {
		return &errors.PersistenceError{Path: path, Op: "read", Cause: err}
	}
	return nil
}

// isNotExist reports whether err wraps a missing-file condition.
func isNotExist(err error) bool {
	var pe *errors.PersistenceError
	if stderrors.As(err, &pe) {
		return os.IsNotExist(pe.Cause)
	}
	return false
}
