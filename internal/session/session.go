package session

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"strings"
	"sync"
	"time"
)

// Status represents the lifecycle state of a session's worker.
type Status string

const (
	StatusCreated Status = "created"
	StatusRunning Status = "running"
	StatusStopped Status = "stopped"
	StatusError   Status = "error"
)

// Session binds one login to one external worker process and its model selection.
type Session struct {
	id              string
	apiKey          string
	createdAt       time.Time
	availableModels []string

	launcher    Launcher
	responder   Responder
	stopTimeout time.Duration
	now         func() time.Time
	onChange    func(*Session)

	// lifecycle serialises start/stop so a process handle is never
	// terminated twice.
	lifecycle sync.Mutex

	mu           sync.RWMutex
	status       Status
	process      Process
	stopping     Process // reported by stopLocked, not watchExit
	lastActivity time.Time
	currentModel string
	closed       bool

	output *RingBuffer
}

// Summary is the externally visible view of a session.
type Summary struct {
	ID           string    `json:"session_id"`
	Status       Status    `json:"status"`
	CreatedAt    time.Time `json:"created_at"`
	LastActivity time.Time `json:"last_activity"`
	Uptime       float64   `json:"uptime"`
	CurrentModel string    `json:"current_model"`
	PID          int       `json:"pid"`
}

// ModelInfo lists the current model and the models a session may switch to.
type ModelInfo struct {
	CurrentModel    string   `json:"current_model"`
	AvailableModels []string `json:"available_models"`
}

// Reply is the result of a chat exchange.
type Reply struct {
	Message   string    `json:"message"`
	Response  string    `json:"response"`
	Timestamp time.Time `json:"timestamp"`
}

func (s *Session) ID() string { return s.id }

// Status returns the current status, reconciling it with the process handle first.
func (s *Session) Status() Status {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.reconcileLocked()
	return s.status
}

func (s *Session) LastActivity() time.Time {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.lastActivity
}

// Summary returns a consistent snapshot of the session.
func (s *Session) Summary() Summary {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.reconcileLocked()

	pid := 0
	if s.process != nil {
		pid = s.process.PID()
	}
	return Summary{
		ID:           s.id,
		Status:       s.status,
		CreatedAt:    s.createdAt,
		LastActivity: s.lastActivity,
		Uptime:       s.now().Sub(s.createdAt).Seconds(),
		CurrentModel: s.currentModel,
		PID:          pid,
	}
}

// Models returns the current model and the fixed list of available models.
func (s *Session) Models() ModelInfo {
	s.mu.RLock()
	defer s.mu.RUnlock()
	models := make([]string, len(s.availableModels))
	copy(models, s.availableModels)
	return ModelInfo{CurrentModel: s.currentModel, AvailableModels: models}
}

// OutputTail returns the newest n output events of the worker, oldest first.
// n <= 0 returns everything buffered.
func (s *Session) OutputTail(n int) []OutputEvent {
	return s.output.Tail(n)
}

// ChangeModel switches the model used by the worker. The worker need not be running.
func (s *Session) ChangeModel(candidate string) error {
	s.mu.Lock()
	if !slices.Contains(s.availableModels, candidate) {
		available := strings.Join(s.availableModels, ", ")
		s.mu.Unlock()
		return fmt.Errorf("%w: model '%s' not available. Available models: %s", ErrUnsupportedModel, candidate, available)
	}
	s.currentModel = candidate
	s.lastActivity = s.now()
	s.mu.Unlock()

	slog.Info("model changed", "sessionId", s.id, "model", candidate)
	s.notify()
	return nil
}

// Chat hands a message to the responder for the running worker.
func (s *Session) Chat(ctx context.Context, message string) (Reply, error) {
	if strings.TrimSpace(message) == "" {
		return Reply{}, ErrEmptyMessage
	}

	s.mu.Lock()
	s.reconcileLocked()
	if s.status != StatusRunning {
		s.mu.Unlock()
		return Reply{}, ErrNotRunning
	}
	req := ChatRequest{
		SessionID: s.id,
		Model:     s.currentModel,
		Message:   message,
		Process:   s.process,
	}
	s.lastActivity = s.now()
	s.mu.Unlock()

	response, err := s.responder.Respond(ctx, req)
	if err != nil {
		return Reply{}, fmt.Errorf("chat: %w", err)
	}

	s.mu.Lock()
	now := s.now()
	s.lastActivity = now
	s.mu.Unlock()

	return Reply{
		Message:   "Message received",
		Response:  response,
		Timestamp: now,
	}, nil
}

// Start launches the worker. If it is already running, Start reports
// alreadyRunning and does nothing else.
func (s *Session) Start(ctx context.Context) (alreadyRunning bool, err error) {
	s.lifecycle.Lock()
	defer s.lifecycle.Unlock()

	s.mu.Lock()
	s.reconcileLocked()
	switch {
	case s.closed:
		s.mu.Unlock()
		return false, ErrNotAuthenticated
	case s.status == StatusRunning:
		s.mu.Unlock()
		return true, nil
	case s.status == StatusError:
		s.mu.Unlock()
		return false, ErrSessionFailed
	}
	spec := LaunchSpec{
		SessionID: s.id,
		APIKey:    s.apiKey,
		Model:     s.currentModel,
		Output:    s.output,
	}
	s.mu.Unlock()

	proc, err := s.launcher.Launch(ctx, spec)
	if err != nil {
		s.mu.Lock()
		s.status = StatusError
		s.mu.Unlock()
		slog.Error("failed to start worker", "sessionId", s.id, "error", err)
		s.notify()
		return false, fmt.Errorf("%w: %v", ErrSpawnFailure, err)
	}

	s.mu.Lock()
	s.process = proc
	s.status = StatusRunning
	s.lastActivity = s.now()
	s.mu.Unlock()

	go s.watchExit(proc)

	slog.Info("worker started", "sessionId", s.id, "pid", proc.PID())
	s.notify()
	return false, nil
}

// Stop terminates the worker, escalating to a kill after the stop timeout.
// It is a no-op reporting wasRunning false when no worker exists, and safe to
// call concurrently.
func (s *Session) Stop() (wasRunning bool, err error) {
	s.lifecycle.Lock()
	defer s.lifecycle.Unlock()
	return s.stopLocked()
}

// close stops the worker and marks the session as gone so no later Start
// can spawn a process nobody owns.
func (s *Session) close() error {
	s.lifecycle.Lock()
	defer s.lifecycle.Unlock()

	s.mu.Lock()
	s.closed = true
	s.mu.Unlock()

	_, err := s.stopLocked()
	return err
}

// stopLocked must be called with the lifecycle lock held.
func (s *Session) stopLocked() (bool, error) {
	s.mu.Lock()
	proc := s.process
	s.stopping = proc
	s.mu.Unlock()

	if proc == nil {
		return false, nil
	}

	err := terminate(proc, s.stopTimeout)
	if err != nil {
		slog.Error("failed to kill worker", "sessionId", s.id, "pid", proc.PID(), "error", err)
	}

	s.mu.Lock()
	if s.process == proc {
		s.process = nil
	}
	s.stopping = nil
	s.status = StatusStopped
	s.lastActivity = s.now()
	s.mu.Unlock()

	slog.Info("worker stopped", "sessionId", s.id, "pid", proc.PID())
	s.notify()
	return true, err
}

// terminate asks the process to exit and kills it if it has not exited
// within timeout.
func terminate(proc Process, timeout time.Duration) error {
	if err := proc.Terminate(); err != nil && !errors.Is(err, ErrProcessDone) {
		slog.Warn("terminate signal failed", "pid", proc.PID(), "error", err)
	}

	timer := time.NewTimer(timeout)
	defer timer.Stop()

	select {
	case <-proc.Done():
		return nil
	case <-timer.C:
	}

	if err := proc.Kill(); err != nil && !errors.Is(err, ErrProcessDone) {
		return fmt.Errorf("kill pid %d: %w", proc.PID(), err)
	}

	select {
	case <-proc.Done():
		return nil
	case <-time.After(timeout):
		return fmt.Errorf("pid %d did not exit after kill", proc.PID())
	}
}

// watchExit moves a running session to stopped when its worker exits on its own.
func (s *Session) watchExit(proc Process) {
	<-proc.Done()

	s.mu.Lock()
	if s.stopping == proc {
		s.mu.Unlock()
		return
	}
	changed := s.reconcileLocked()
	s.mu.Unlock()

	if changed {
		slog.Warn("worker exited", "sessionId", s.id, "pid", proc.PID())
		s.notify()
	}
}

// reconcileLocked enforces that a running session holds a live process.
func (s *Session) reconcileLocked() bool {
	if s.process == nil {
		if s.status == StatusRunning {
			s.status = StatusStopped
			return true
		}
		return false
	}
	if s.process.Alive() {
		return false
	}
	s.process = nil
	if s.status == StatusRunning {
		s.status = StatusStopped
	}
	return true
}

func (s *Session) idleSince(now time.Time) time.Duration {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return now.Sub(s.lastActivity)
}

func (s *Session) notify() {
	if s.onChange != nil {
		s.onChange(s)
	}
}
