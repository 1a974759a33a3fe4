package session

import (
	"context"
	"errors"
	"strings"
	"sync"
	"time"
)

var testAPIKey = strings.Repeat("k", 32)

type fakeProcess struct {
	pid  int
	done chan struct{}

	// ignoreTerm keeps the process alive after Terminate.
	ignoreTerm bool
	killErr    error

	mu             sync.Mutex
	exited         bool
	terminateCalls int
	killCalls      int
}

func newFakeProcess(pid int) *fakeProcess {
	return &fakeProcess{pid: pid, done: make(chan struct{})}
}

func (p *fakeProcess) PID() int { return p.pid }

func (p *fakeProcess) Terminate() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.terminateCalls++
	if p.exited {
		return ErrProcessDone
	}
	if !p.ignoreTerm {
		p.exitLocked()
	}
	return nil
}

func (p *fakeProcess) Kill() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.killCalls++
	if p.killErr != nil {
		return p.killErr
	}
	if p.exited {
		return ErrProcessDone
	}
	p.exitLocked()
	return nil
}

func (p *fakeProcess) Done() <-chan struct{} { return p.done }

func (p *fakeProcess) Alive() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return !p.exited
}

// exit simulates the worker exiting on its own.
func (p *fakeProcess) exit() {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.exitLocked()
}

func (p *fakeProcess) exitLocked() {
	if !p.exited {
		p.exited = true
		close(p.done)
	}
}

func (p *fakeProcess) calls() (terminate, kill int) {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.terminateCalls, p.killCalls
}

type fakeLauncher struct {
	mu      sync.Mutex
	err     error
	specs   []LaunchSpec
	procs   []*fakeProcess
	newProc func(pid int) *fakeProcess
}

func (l *fakeLauncher) Launch(_ context.Context, spec LaunchSpec) (Process, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.specs = append(l.specs, spec)
	if l.err != nil {
		return nil, l.err
	}
	pid := 1000 + len(l.procs)
	var p *fakeProcess
	if l.newProc != nil {
		p = l.newProc(pid)
	} else {
		p = newFakeProcess(pid)
	}
	l.procs = append(l.procs, p)
	return p, nil
}

func (l *fakeLauncher) launches() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.specs)
}

func (l *fakeLauncher) last() *fakeProcess {
	l.mu.Lock()
	defer l.mu.Unlock()
	if len(l.procs) == 0 {
		return nil
	}
	return l.procs[len(l.procs)-1]
}

// fakeClock advances one second every time it is read.
type fakeClock struct {
	mu sync.Mutex
	t  time.Time
}

func newFakeClock() *fakeClock {
	return &fakeClock{t: time.Date(2025, 1, 1, 12, 0, 0, 0, time.UTC)}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.t = c.t.Add(time.Second)
	return c.t
}

type failingResponder struct{}

func (failingResponder) Respond(context.Context, ChatRequest) (string, error) {
	return "", errors.New("worker unreachable")
}

func newTestRegistry(l Launcher) *Registry {
	return NewRegistry(Options{
		Launcher:    l,
		StopTimeout: 50 * time.Millisecond,
		Now:         newFakeClock().Now,
	})
}
