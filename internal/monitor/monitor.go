// Package monitor owns the per-agent monitoring records and their
// append-only log files under the state root.
package monitor

import (
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync"

	"github.com/codemachine-ai/codemachine/internal/engine"
	"github.com/codemachine-ai/codemachine/internal/metrics"
)

// Status is a monitoring record's lifecycle state.
type Status string

const (
	StatusRunning   Status = "running"
	StatusCompleted Status = "completed"
	StatusFailed    Status = "failed"
	StatusAborted   Status = "aborted"
)

// Record tracks one spawned agent.
type Record struct {
	ID        int64
	AgentID   string
	Engine    string
	Status    Status
	Telemetry engine.Telemetry

	mu   sync.Mutex
	file *os.File
}

// Append writes one line to the record's log file.
func (r *Record) Append(line string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.file == nil {
		return
	}
	fmt.Fprintln(r.file, line)
}

func (r *Record) close() {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.file != nil {
		r.file.Close()
		r.file = nil
	}
}

// Monitor allocates monitoring ids and owns the log directory.
type Monitor struct {
	dir    string
	logger *slog.Logger

	mu      sync.Mutex
	nextID  int64
	records map[int64]*Record
}

// New creates a monitor rooted at stateRoot/logs.
func New(stateRoot string, logger *slog.Logger) *Monitor {
	if logger == nil {
		logger = slog.Default()
	}
	return &Monitor{
		dir:     filepath.Join(stateRoot, "logs"),
		logger:  logger,
		records: make(map[int64]*Record),
	}
}

// Start opens a new record and its append-only log file.
func (m *Monitor) Start(agentID, engineID string) (*Record, error) {
	if err := os.MkdirAll(m.dir, 0o755); err != nil {
		return nil, fmt.Errorf("create log directory: %w", err)
	}

	m.mu.Lock()
	m.nextID++
	id := m.nextID
	m.mu.Unlock()

	path := filepath.Join(m.dir, fmt.Sprintf("%d.log", id))
	file, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return nil, fmt.Errorf("open log file: %w", err)
	}

	rec := &Record{
		ID:      id,
		AgentID: agentID,
		Engine:  engineID,
		Status:  StatusRunning,
		file:    file,
	}
	m.mu.Lock()
	m.records[id] = rec
	m.mu.Unlock()
	return rec, nil
}

// Get returns a record by id, or nil.
func (m *Monitor) Get(id int64) *Record {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.records[id]
}

// SetTelemetry updates a record's accumulated usage.
func (m *Monitor) SetTelemetry(id int64, t engine.Telemetry) {
	rec := m.Get(id)
	if rec == nil {
		return
	}
	delta := t.OutputTokens - rec.Telemetry.OutputTokens
	rec.Telemetry = t
	if delta > 0 {
		metrics.OutputTokens.Add(float64(delta))
	}
}

// Finish closes a record with the given terminal status.
func (m *Monitor) Finish(id int64, status Status) {
	rec := m.Get(id)
	if rec == nil {
		return
	}
	rec.Status = status
	rec.close()
	m.logger.Debug("monitoring record closed",
		"monitoring_id", id, "status", string(status))
}

// AbortAll marks every running record aborted and closes its log stream.
// Used on forced exit.
func (m *Monitor) AbortAll() {
	m.mu.Lock()
	ids := make([]int64, 0, len(m.records))
	for id, rec := range m.records {
		if rec.Status == StatusRunning {
			ids = append(ids, id)
		}
	}
	m.mu.Unlock()
	for _, id := range ids {
		m.Finish(id, StatusAborted)
	}
}
