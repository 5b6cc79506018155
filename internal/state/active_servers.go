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

package state

import (
	"path/filepath"
)

// ActiveServer is one entry of the active-servers record. A nil Tools
// slice means every tool of the server is allowed; a nil Targets slice
// means no target restriction.
type ActiveServer struct {
	Server  string   `json:"server"`
	Tools   []string `json:"tools,omitempty"`
	Targets []string `json:"targets,omitempty"`
}

// ActiveServersStore owns mcp/context.json: written by the runner loop
// before each step, read by the router on every tool call. Readers
// tolerate transient absence (empty record = nothing active).
type ActiveServersStore struct {
	path string
}

// NewActiveServersStore creates a store rooted at stateRoot.
func NewActiveServersStore(stateRoot string) *ActiveServersStore {
	return &ActiveServersStore{path: filepath.Join(stateRoot, "mcp", "context.json")}
}

// Write replaces the record.
func (a *ActiveServersStore) Write(servers []ActiveServer) error {
	return writeJSON(a.path, servers)
}

// Read returns the current record; a missing file is an empty record.
func (a *ActiveServersStore) Read() ([]ActiveServer, error) {
	var servers []ActiveServer
	err := readJSON(a.path, &servers)
	if err != nil {
		if isNotExist(err) {
			return nil, nil
		}
		return nil, err
	}
	return servers, nil
}

// Lookup returns the entry for server, or nil when it is not active.
func Lookup(servers []ActiveServer, name string) *ActiveServer {
	for i := range servers {
		if servers[i].Server == name {
			return &servers[i]
		}
	}
	return nil
}

// ToolAllowed reports whether the entry permits the named tool.
func (s *ActiveServer) ToolAllowed(tool string) bool {
	if s.Tools == nil {
		return true
	}
	for _, t := range s.Tools {
		if t == tool {
			return true
		}
	}
	return false
}
