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
	"sync"
)

// AutonomousMode is the persisted tri-state controlling delegation.
// "never" is transient: it blocks automatic re-entry into autonomous mode
// while a returned-to-controller conversation is in flight.
type AutonomousMode string

const (
	AutonomousOn    AutonomousMode = "true"
	AutonomousOff   AutonomousMode = "false"
	AutonomousNever AutonomousMode = "never"
)

// ControllerConfig identifies the controller agent and its live session.
type ControllerConfig struct {
	AgentID      string `json:"agentId"`
	Engine       string `json:"engine"`
	Model        string `json:"model,omitempty"`
	SessionID    string `json:"sessionId,omitempty"`
	MonitoringID int64  `json:"monitoringId,omitempty"`
}

// ControllerState is the persisted controller.json record.
type ControllerState struct {
	Controller     *ControllerConfig `json:"controllerConfig,omitempty"`
	AutonomousMode AutonomousMode    `json:"autonomousMode"`
}

// ControllerStore owns controller.json.
type ControllerStore struct {
	mu   sync.Mutex
	path string
}

// NewControllerStore creates a store rooted at stateRoot.
func NewControllerStore(stateRoot string) *ControllerStore {
	return &ControllerStore{path: filepath.Join(stateRoot, "controller.json")}
}

// Load returns the persisted record, defaulting to autonomous off.
func (c *ControllerStore) Load() (*ControllerState, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.loadLocked()
}

func (c *ControllerStore) loadLocked() (*ControllerState, error) {
	st := &ControllerState{AutonomousMode: AutonomousOff}
	err := readJSON(c.path, st)
	if err != nil && !isNotExist(err) {
		return nil, err
	}
	if st.AutonomousMode == "" {
		st.AutonomousMode = AutonomousOff
	}
	return st, nil
}

// Save persists the record.
func (c *ControllerStore) Save(st *ControllerState) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return writeJSON(c.path, st)
}

// SetAutonomousMode updates only the mode flag.
func (c *ControllerStore) SetAutonomousMode(mode AutonomousMode) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	st, err := c.loadLocked()
	if err != nil {
		return err
	}
	st.AutonomousMode = mode
	return writeJSON(c.path, st)
}

// SetControllerSession updates the controller's live session binding.
func (c *ControllerStore) SetControllerSession(sessionID string, monitoringID int64) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	st, err := c.loadLocked()
	if err != nil {
		return err
	}
	if st.Controller == nil {
		return nil
	}
	if sessionID != "" {
		st.Controller.SessionID = sessionID
	}
	if monitoringID != 0 {
		st.Controller.MonitoringID = monitoringID
	}
	return writeJSON(c.path, st)
}
