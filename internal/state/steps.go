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
	"fmt"
	"path/filepath"
	"sync"

	"github.com/codemachine-ai/codemachine/pkg/errors"
)

// DirectiveAction is the persisted instruction attached to a step.
type DirectiveAction string

const (
	DirectiveContinue DirectiveAction = "continue"
	DirectivePause    DirectiveAction = "pause"
	DirectiveLoop     DirectiveAction = "loop"
	DirectiveStop     DirectiveAction = "stop"
)

// Directive tells the next-step logic what to do once the step's queue is
// exhausted.
type Directive struct {
	Action       DirectiveAction `json:"action"`
	Reason       string          `json:"reason,omitempty"`
	TargetStepID string          `json:"targetStepId,omitempty"`
}

// QueuedPrompt is one chained prompt queued for a step.
type QueuedPrompt struct {
	Name    string `json:"name"`
	Label   string `json:"label"`
	Content string `json:"content"`
}

// StepSession is the persisted per-step record under steps/<index>.json.
type StepSession struct {
	Queue              []QueuedPrompt `json:"queue"`
	QueueIndex         int            `json:"queueIndex"`
	SessionID          string         `json:"sessionId,omitempty"`
	MonitoringID       int64          `json:"monitoringId,omitempty"`
	Directive          Directive      `json:"directive"`
	LoopIterationCount int            `json:"loopIterationCount,omitempty"`
	Completed          bool           `json:"completed"`
}

// QueueExhausted reports whether every queued prompt has been sent.
func (s *StepSession) QueueExhausted() bool {
	return s.QueueIndex >= len(s.Queue)
}

// CurrentQueuedPrompt returns the prompt at the queue index, or nil.
func (s *StepSession) CurrentQueuedPrompt() *QueuedPrompt {
	if s.QueueExhausted() {
		return nil
	}
	p := s.Queue[s.QueueIndex]
	return &p
}

// StepStore owns steps/<index>.json records: exactly one StepSession per
// step index, on disk and in cache. Only the runner loop writes, so the
// mutex guards against nothing but careless reuse.
type StepStore struct {
	mu    sync.Mutex
	dir   string
	cache map[int]*StepSession
}

// NewStepStore creates a store rooted at stateRoot/steps.
func NewStepStore(stateRoot string) *StepStore {
	return &StepStore{
		dir:   filepath.Join(stateRoot, "steps"),
		cache: make(map[int]*StepSession),
	}
}

func (s *StepStore) path(index int) string {
	return filepath.Join(s.dir, fmt.Sprintf("%d.json", index))
}

// LoadStep returns the session for index, creating a fresh one if missing.
func (s *StepStore) LoadStep(index int) (*StepSession, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.loadLocked(index)
}

func (s *StepStore) loadLocked(index int) (*StepSession, error) {
	if cached, ok := s.cache[index]; ok {
		return cached, nil
	}

	session := &StepSession{Directive: Directive{Action: DirectiveContinue}}
	err := readJSON(s.path(index), session)
	if err != nil && !isNotExist(err) {
		return nil, err
	}
	if err != nil {
		// Fresh record; persist so exactly one file exists per visited step.
		if werr := writeJSON(s.path(index), session); werr != nil {
			return nil, werr
		}
	}
	s.cache[index] = session
	return session, nil
}

func (s *StepStore) saveLocked(index int, session *StepSession) error {
	if session.QueueIndex > len(session.Queue) {
		return &errors.ValidationError{
			Field:   "queueIndex",
			Message: fmt.Sprintf("queue index %d past queue length %d", session.QueueIndex, len(session.Queue)),
		}
	}
	s.cache[index] = session
	return writeJSON(s.path(index), session)
}

// EnqueuePrompts replaces the step's queue. Called when the step first
// runs; the primary prompt is never enqueued.
func (s *StepStore) EnqueuePrompts(index int, prompts []QueuedPrompt) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	session, err := s.loadLocked(index)
	if err != nil {
		return err
	}
	session.Queue = prompts
	session.QueueIndex = 0
	return s.saveLocked(index, session)
}

// AdvanceQueue increments the queue index; advancing past the end fails.
func (s *StepStore) AdvanceQueue(index int) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	session, err := s.loadLocked(index)
	if err != nil {
		return err
	}
	if session.QueueExhausted() {
		return &errors.ValidationError{
			Field:   "queueIndex",
			Message: fmt.Sprintf("step %d queue already exhausted", index),
		}
	}
	session.QueueIndex++
	return s.saveLocked(index, session)
}

// StepSessionInitialized persists the session and monitoring ids once.
// Repeat calls with identical values are idempotent; mismatches error.
func (s *StepStore) StepSessionInitialized(index int, sessionID string, monitoringID int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	session, err := s.loadLocked(index)
	if err != nil {
		return err
	}
	if session.SessionID != "" && session.SessionID != sessionID {
		return &errors.ValidationError{
			Field:   "sessionId",
			Message: fmt.Sprintf("step %d already bound to session %s", index, session.SessionID),
		}
	}
	if session.MonitoringID != 0 && session.MonitoringID != monitoringID {
		return &errors.ValidationError{
			Field:   "monitoringId",
			Message: fmt.Sprintf("step %d already bound to monitoring record %d", index, session.MonitoringID),
		}
	}
	session.SessionID = sessionID
	session.MonitoringID = monitoringID
	return s.saveLocked(index, session)
}

// StepCompleted marks the step done and resets its directive.
func (s *StepStore) StepCompleted(index int) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	session, err := s.loadLocked(index)
	if err != nil {
		return err
	}
	session.Completed = true
	session.Directive = Directive{Action: DirectiveContinue}
	return s.saveLocked(index, session)
}

// ResetQueue rewinds the queue index (skip and loop paths).
func (s *StepStore) ResetQueue(index int) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	session, err := s.loadLocked(index)
	if err != nil {
		return err
	}
	session.QueueIndex = 0
	return s.saveLocked(index, session)
}

// ResetStep clears the step's session binding for a fresh re-execution.
func (s *StepStore) ResetStep(index int) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	session, err := s.loadLocked(index)
	if err != nil {
		return err
	}
	session.SessionID = ""
	session.MonitoringID = 0
	session.QueueIndex = 0
	session.Completed = false
	session.Directive = Directive{Action: DirectiveContinue}
	return s.saveLocked(index, session)
}

// SetDirective overwrites the step's directive.
func (s *StepStore) SetDirective(index int, d Directive) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	session, err := s.loadLocked(index)
	if err != nil {
		return err
	}
	session.Directive = d
	return s.saveLocked(index, session)
}

// SetLoopIterations persists the step's loop counter.
func (s *StepStore) SetLoopIterations(index, count int) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	session, err := s.loadLocked(index)
	if err != nil {
		return err
	}
	session.LoopIterationCount = count
	return s.saveLocked(index, session)
}

// CaptureSession stores the session/monitoring ids observed at pause time.
func (s *StepStore) CaptureSession(index int, sessionID string, monitoringID int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	session, err := s.loadLocked(index)
	if err != nil {
		return err
	}
	if sessionID != "" {
		session.SessionID = sessionID
	}
	if monitoringID != 0 {
		session.MonitoringID = monitoringID
	}
	return s.saveLocked(index, session)
}
