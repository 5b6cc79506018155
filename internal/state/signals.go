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

// Proposal is a pending step-completion proposal from workflow-signals.
type Proposal struct {
	StepID        string   `json:"stepId"`
	ArtifactPath  string   `json:"artifactPath"`
	Checklist     []string `json:"checklist"`
	OpenQuestions []string `json:"openQuestions,omitempty"`
	Confidence    string   `json:"confidence"`
}

// DecisionKind is the outcome of approve_step_transition.
type DecisionKind string

const (
	DecisionApprove DecisionKind = "approve"
	DecisionReject  DecisionKind = "reject"
	DecisionRevise  DecisionKind = "revise"
)

// Decision is the persisted approve_step_transition outcome. The
// controller provider reads it after the controller run; the router
// writes it from whichever process hosts the signals backend.
type Decision struct {
	StepID   string       `json:"stepId"`
	Decision DecisionKind `json:"decision"`
	Blockers []string     `json:"blockers,omitempty"`
	Notes    string       `json:"notes,omitempty"`
}

// SignalsStore owns mcp/signals.json: the pending proposal and the last
// decision for the current step.
type SignalsStore struct {
	mu   sync.Mutex
	path string
}

type signalsRecord struct {
	Pending  *Proposal `json:"pending,omitempty"`
	Decision *Decision `json:"decision,omitempty"`
}

// NewSignalsStore creates a store rooted at stateRoot.
func NewSignalsStore(stateRoot string) *SignalsStore {
	return &SignalsStore{path: filepath.Join(stateRoot, "mcp", "signals.json")}
}

func (s *SignalsStore) load() (*signalsRecord, error) {
	rec := &signalsRecord{}
	err := readJSON(s.path, rec)
	if err != nil && !isNotExist(err) {
		return nil, err
	}
	return rec, nil
}

// SetPending stores a new pending proposal, clearing any stale decision.
func (s *SignalsStore) SetPending(p *Proposal) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	rec, err := s.load()
	if err != nil {
		return err
	}
	rec.Pending = p
	rec.Decision = nil
	return writeJSON(s.path, rec)
}

// Pending returns the pending proposal, or nil.
func (s *SignalsStore) Pending() (*Proposal, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	rec, err := s.load()
	if err != nil {
		return nil, err
	}
	return rec.Pending, nil
}

// SetDecision records a decision and clears the pending proposal.
func (s *SignalsStore) SetDecision(d *Decision) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	rec, err := s.load()
	if err != nil {
		return err
	}
	rec.Pending = nil
	rec.Decision = d
	return writeJSON(s.path, rec)
}

// TakeDecision returns and clears the last decision, or nil when none.
func (s *SignalsStore) TakeDecision() (*Decision, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	rec, err := s.load()
	if err != nil {
		return nil, err
	}
	d := rec.Decision
	if d == nil {
		return nil, nil
	}
	rec.Decision = nil
	if err := writeJSON(s.path, rec); err != nil {
		return nil, err
	}
	return d, nil
}

// Clear removes both the pending proposal and any decision.
func (s *SignalsStore) Clear() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return writeJSON(s.path, &signalsRecord{})
}
