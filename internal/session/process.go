package session

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/exec"
	"sync"
	"syscall"
	"time"
)

const defaultScannerBufSize = 1024 * 1024 // 1 MB

// LaunchSpec describes the worker to spawn for a session.
type LaunchSpec struct {
	SessionID string
	APIKey    string
	Model     string
	// Output receives the worker's stdout/stderr lines and its exit event.
	Output *RingBuffer
}

// Launcher spawns worker processes.
type Launcher interface {
	Launch(ctx context.Context, spec LaunchSpec) (Process, error)
}

// Process is a handle to a running worker.
type Process interface {
	PID() int
	// Terminate requests a graceful exit.
	Terminate() error
	// Kill forces the process to exit.
	Kill() error
	// Done is closed once the process has exited and been reaped.
	Done() <-chan struct{}
	Alive() bool
}

// ExecLauncher starts the worker as an OS subprocess.
type ExecLauncher struct {
	Command string
	Args    []string
	// APIKeyEnv is the environment variable carrying the session's API key.
	APIKeyEnv string
	// ModelEnv, when set, carries the session's current model.
	ModelEnv string
	Dir      string
}

// Launch spawns the worker. The API key is passed through the environment,
// never on the command line.
func (l *ExecLauncher) Launch(ctx context.Context, spec LaunchSpec) (Process, error) {
	binaryPath, err := exec.LookPath(l.Command)
	if err != nil {
		return nil, fmt.Errorf("%s not found in PATH: %w", l.Command, err)
	}

	// The worker outlives the request that started it, so ctx is not
	// attached to the command.
	cmd := exec.Command(binaryPath, l.Args...)
	cmd.Dir = l.Dir
	cmd.Env = append(os.Environ(), l.APIKeyEnv+"="+spec.APIKey)
	if l.ModelEnv != "" && spec.Model != "" {
		cmd.Env = append(cmd.Env, l.ModelEnv+"="+spec.Model)
	}

	stdoutPipe, err := cmd.StdoutPipe()
	if err != nil {
		return nil, fmt.Errorf("create stdout pipe: %w", err)
	}
	stderrPipe, err := cmd.StderrPipe()
	if err != nil {
		return nil, fmt.Errorf("create stderr pipe: %w", err)
	}

	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("start %s: %w", l.Command, err)
	}

	p := &execProcess{
		cmd:  cmd,
		done: make(chan struct{}),
	}

	var scanners sync.WaitGroup
	scanners.Add(2)
	go func() {
		defer scanners.Done()
		scanOutput(spec, stdoutPipe, OutputStdout)
	}()
	go func() {
		defer scanners.Done()
		scanOutput(spec, stderrPipe, OutputStderr)
	}()

	go p.waitForExit(spec, &scanners)

	return p, nil
}

type execProcess struct {
	cmd  *exec.Cmd
	done chan struct{}

	mu     sync.Mutex
	exited bool
}

func (p *execProcess) PID() int { return p.cmd.Process.Pid }

func (p *execProcess) Terminate() error {
	return p.signal(syscall.SIGTERM)
}

func (p *execProcess) Kill() error {
	return p.signal(syscall.SIGKILL)
}

func (p *execProcess) signal(sig os.Signal) error {
	if !p.Alive() {
		return ErrProcessDone
	}
	err := p.cmd.Process.Signal(sig)
	if errors.Is(err, os.ErrProcessDone) {
		return ErrProcessDone
	}
	return err
}

func (p *execProcess) Done() <-chan struct{} { return p.done }

func (p *execProcess) Alive() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return !p.exited
}

// waitForExit reaps the process once both output pipes are drained.
func (p *execProcess) waitForExit(spec LaunchSpec, scanners *sync.WaitGroup) {
	scanners.Wait()
	err := p.cmd.Wait()

	exitCode := 0
	if err != nil {
		var exitErr *exec.ExitError
		if errors.As(err, &exitErr) {
			exitCode = exitErr.ExitCode()
		}
	}

	p.mu.Lock()
	p.exited = true
	p.mu.Unlock()

	if spec.Output != nil {
		spec.Output.Write(OutputEvent{
			SessionID: spec.SessionID,
			Type:      OutputExit,
			Data:      fmt.Sprintf("exit_code:%d", exitCode),
			Timestamp: time.Now().UTC(),
		})
	}
	close(p.done)
}

// scanOutput reads lines from a pipe into the session's output buffer.
func scanOutput(spec LaunchSpec, pipe io.Reader, stream OutputEventType) {
	scanner := bufio.NewScanner(pipe)
	scanner.Buffer(make([]byte, 64*1024), defaultScannerBufSize)

	for scanner.Scan() {
		if spec.Output == nil {
			continue
		}
		spec.Output.Write(OutputEvent{
			SessionID: spec.SessionID,
			Type:      stream,
			Data:      scanner.Text(),
			Timestamp: time.Now().UTC(),
		})
	}

	if err := scanner.Err(); err != nil {
		slog.Warn("worker output scanner error", "sessionId", spec.SessionID, "stream", stream, "error", err)
		// Keep draining so the worker never blocks on a full pipe.
		_, _ = io.Copy(io.Discard, pipe)
	}
}
