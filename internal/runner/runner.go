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

// Package runner spawns engine CLI processes and streams their structured
// output. One Run is one child: the runner never retries and never
// interprets prompts.
package runner

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/exec"
	"strings"
	"sync"
	"syscall"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/codemachine-ai/codemachine/internal/engine"
	"github.com/codemachine-ai/codemachine/internal/log"
	cmerrors "github.com/codemachine-ai/codemachine/pkg/errors"
)

// DefaultTimeout bounds a single child run.
const DefaultTimeout = 30 * time.Minute

// killGrace is how long a SIGTERM'd child may linger before SIGKILL.
const killGrace = 5 * time.Second

// stderrHeadLines bounds the stderr excerpt used for error messages.
const stderrHeadLines = 10

// Options configures one Run.
type Options struct {
	// Engine selects the adapter whose command builder is used.
	Engine engine.Adapter

	// Model and ModelReasoningEffort are passed through to the adapter.
	Model                string
	ModelReasoningEffort string

	// ResumeSessionID, when set, produces resume-flavored argv; ResumePrompt
	// is then sent in place of the primary prompt.
	ResumeSessionID string
	ResumePrompt    string

	// OnData receives already-rendered UI lines from stdout.
	OnData func(line string)

	// OnErrorData receives normalized stderr chunks untransformed.
	OnErrorData func(chunk string)

	// OnTelemetry receives accumulated token usage as it grows.
	OnTelemetry func(t engine.Telemetry)

	// OnSessionID is called exactly once with the engine-assigned session id.
	OnSessionID func(id string)

	// Timeout bounds the run; DefaultTimeout when zero.
	Timeout time.Duration

	// Env entries are merged over the inherited environment.
	Env []string
}

// Result carries the child's accumulated output.
type Result struct {
	Stdout string
	Stderr string
}

// Runner spawns engine children. Safe for sequential reuse; a Runner runs
// one child at a time per Run call.
type Runner struct {
	logger *slog.Logger
}

// New creates a Runner.
func New(logger *slog.Logger) *Runner {
	if logger == nil {
		logger = slog.Default()
	}
	return &Runner{logger: logger}
}

// Run spawns the engine child, streams its output, and waits for exit.
// Cancellation of ctx SIGTERMs the child, escalating to SIGKILL after a
// grace window; the returned error then wraps context.Canceled so callers
// can treat operator aborts as a non-error path.
func (r *Runner) Run(ctx context.Context, prompt, cwd string, opts Options) (*Result, error) {
	if opts.Engine == nil {
		return nil, &cmerrors.ConfigError{Key: "engine", Reason: "no engine adapter supplied"}
	}
	meta := opts.Engine.Metadata()

	spec := engine.RunSpec{
		Model:                opts.Model,
		ModelReasoningEffort: opts.ModelReasoningEffort,
		ResumeSessionID:      opts.ResumeSessionID,
		WorkingDir:           cwd,
	}
	command, err := opts.Engine.BuildCommand(spec)
	if err != nil {
		return nil, fmt.Errorf("build %s command: %w", meta.ID, err)
	}

	if _, err := exec.LookPath(command.Binary); err != nil {
		return nil, &cmerrors.SpawnError{
			Engine:         meta.ID,
			Binary:         command.Binary,
			InstallCommand: meta.InstallCommand,
			Cause:          err,
		}
	}

	timeout := opts.Timeout
	if timeout == 0 {
		timeout = DefaultTimeout
	}
	runCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	cmd := exec.Command(command.Binary, command.Args...)
	cmd.Dir = cwd
	cmd.Env = append(os.Environ(), append(command.Env, opts.Env...)...)
	// Own process group so the kill escalation reaches grandchildren.
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}

	stdin, err := cmd.StdinPipe()
	if err != nil {
		return nil, fmt.Errorf("open stdin pipe: %w", err)
	}
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return nil, fmt.Errorf("open stdout pipe: %w", err)
	}
	stderr, err := cmd.StderrPipe()
	if err != nil {
		return nil, fmt.Errorf("open stderr pipe: %w", err)
	}

	if err := cmd.Start(); err != nil {
		return nil, &cmerrors.SpawnError{
			Engine:         meta.ID,
			Binary:         command.Binary,
			InstallCommand: meta.InstallCommand,
			Cause:          err,
		}
	}

	r.logger.Debug("engine child started",
		log.EngineKey, meta.ID,
		"pid", cmd.Process.Pid,
		"resume", opts.ResumeSessionID != "",
	)

	// The prompt goes on stdin; resume runs send the resume prompt instead.
	// Adapters that embed the prompt in argv get a closed stdin.
	effectivePrompt := prompt
	if opts.ResumeSessionID != "" && opts.ResumePrompt != "" {
		effectivePrompt = opts.ResumePrompt
	}
	go func() {
		defer stdin.Close()
		if command.PromptViaStdin {
			io.WriteString(stdin, effectivePrompt)
		}
	}()

	// Kill escalation: SIGTERM on cancel or timeout, SIGKILL after grace.
	done := make(chan struct{})
	go func() {
		select {
		case <-runCtx.Done():
			pgid := -cmd.Process.Pid
			syscall.Kill(pgid, syscall.SIGTERM)
			select {
			case <-done:
			case <-time.After(killGrace):
				syscall.Kill(pgid, syscall.SIGKILL)
			}
		case <-done:
		}
	}()

	stream := newStreamState(opts, meta.ID, r.logger)

	var g errgroup.Group
	g.Go(func() error { return stream.consumeStdout(stdout) })
	g.Go(func() error { return stream.consumeStderr(stderr) })

	// Readers drain to EOF before the runner returns.
	readErr := g.Wait()
	waitErr := cmd.Wait()
	close(done)

	stream.flush()

	if runCtx.Err() != nil {
		if ctx.Err() != nil {
			// Operator abort: not an error from the run's point of view.
			return stream.result(), fmt.Errorf("engine %s run aborted: %w", meta.ID, context.Canceled)
		}
		return stream.result(), &cmerrors.TimeoutError{
			Operation: fmt.Sprintf("engine %s run", meta.ID),
			Timeout:   timeout,
		}
	}
	if readErr != nil {
		return stream.result(), fmt.Errorf("read engine %s output: %w", meta.ID, readErr)
	}

	// Trailing telemetry for engines that only persist usage on disk.
	if stream.telemetry.InputTokens == 0 && stream.telemetry.OutputTokens == 0 && stream.sessionID != "" {
		if t, err := opts.Engine.SessionTelemetry(stream.sessionID); err == nil && t != nil {
			stream.telemetry = *t
			if opts.OnTelemetry != nil {
				opts.OnTelemetry(stream.telemetry)
			}
		}
	}

	return stream.result(), stream.exitError(meta.ID, waitErr)
}

// streamState holds the per-run stdout/stderr accumulation.
type streamState struct {
	opts     Options
	engineID string
	logger   *slog.Logger

	mu            sync.Mutex
	stdout        strings.Builder
	stderr        strings.Builder
	stdoutBuf     LineBuffer
	sessionID     string
	telemetry     engine.Telemetry
	firstEventErr string
}

func newStreamState(opts Options, engineID string, logger *slog.Logger) *streamState {
	return &streamState{opts: opts, engineID: engineID, logger: logger}
}

func (s *streamState) consumeStdout(rd io.Reader) error {
	buf := make([]byte, 32*1024)
	for {
		n, err := rd.Read(buf)
		if n > 0 {
			chunk := NormalizeChunk(string(buf[:n]))
			s.mu.Lock()
			s.stdout.WriteString(chunk)
			lines := s.stdoutBuf.Append(chunk)
			s.mu.Unlock()
			for _, line := range lines {
				s.handleLine(line)
			}
		}
		if err == io.EOF {
			return nil
		}
		if err != nil {
			return err
		}
	}
}

func (s *streamState) consumeStderr(rd io.Reader) error {
	buf := make([]byte, 32*1024)
	for {
		n, err := rd.Read(buf)
		if n > 0 {
			chunk := NormalizeChunk(string(buf[:n]))
			s.mu.Lock()
			s.stderr.WriteString(chunk)
			s.mu.Unlock()
			if s.opts.OnErrorData != nil {
				s.opts.OnErrorData(chunk)
			}
		}
		if err == io.EOF {
			return nil
		}
		if err != nil {
			return err
		}
	}
}

func (s *streamState) handleLine(line string) {
	if strings.TrimSpace(line) == "" {
		return
	}
	s.logger.Log(context.Background(), log.LevelTrace, "engine line",
		log.EngineKey, s.engineID, "line", line)

	ev, ok := s.opts.Engine.ParseLine(line)
	if !ok {
		return
	}

	switch ev.Kind {
	case engine.EventSession:
		s.mu.Lock()
		first := s.sessionID == ""
		if first {
			s.sessionID = ev.SessionID
		}
		s.mu.Unlock()
		if first && s.opts.OnSessionID != nil && ev.SessionID != "" {
			s.opts.OnSessionID(ev.SessionID)
		}
		return
	case engine.EventTelemetry:
		if ev.Telemetry != nil {
			s.mu.Lock()
			s.telemetry.Add(*ev.Telemetry)
			snapshot := s.telemetry
			s.mu.Unlock()
			if s.opts.OnTelemetry != nil {
				s.opts.OnTelemetry(snapshot)
			}
		}
		return
	case engine.EventError:
		s.mu.Lock()
		if s.firstEventErr == "" {
			s.firstEventErr = ev.Text
		}
		s.mu.Unlock()
	}

	if s.opts.OnData != nil {
		if rendered := engine.FormatEvent(ev); rendered != "" {
			s.opts.OnData(rendered)
		}
	}
}

// flush processes the residual partial stdout line after EOF.
func (s *streamState) flush() {
	s.mu.Lock()
	residual := s.stdoutBuf.Flush()
	s.mu.Unlock()
	if residual != "" {
		s.handleLine(residual)
	}
}

func (s *streamState) result() *Result {
	s.mu.Lock()
	defer s.mu.Unlock()
	return &Result{Stdout: s.stdout.String(), Stderr: s.stderr.String()}
}

// exitError constructs the run error per the precedence: first captured JSON
// error, then stderr head, then exit code. A clean exit with empty stdout
// but nonempty stderr is also a failure.
func (s *streamState) exitError(engineID string, waitErr error) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	exitCode := 0
	if waitErr != nil {
		exitCode = -1
		if ee, ok := waitErr.(*exec.ExitError); ok {
			exitCode = ee.ExitCode()
		}
	}

	failed := exitCode != 0 ||
		s.firstEventErr != "" ||
		(strings.TrimSpace(s.stdout.String()) == "" && strings.TrimSpace(s.stderr.String()) != "")
	if !failed {
		return nil
	}

	message := s.firstEventErr
	if message == "" {
		message = stderrHead(s.stderr.String())
	}
	return &cmerrors.RunError{
		Engine:   engineID,
		ExitCode: exitCode,
		Message:  message,
		Cause:    waitErr,
	}
}

func stderrHead(stderr string) string {
	lines := strings.Split(strings.TrimSpace(stderr), "\n")
	if len(lines) > stderrHeadLines {
		lines = lines[:stderrHeadLines]
	}
	return strings.TrimSpace(strings.Join(lines, "\n"))
}
