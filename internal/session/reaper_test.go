package session

import (
	"context"
	"errors"
	"testing"
	"time"
)

func TestReaper_TickRemovesIdleSession(t *testing.T) {
	launcher := &fakeLauncher{}
	reg := newTestRegistry(launcher)

	idle, _ := reg.Create(testAPIKey)
	idle.Start(context.Background())
	proc := launcher.last()
	fresh, _ := reg.Create(testAPIKey)

	now := time.Now()
	idle.mu.Lock()
	idle.lastActivity = now.Add(-3601 * time.Second)
	idle.mu.Unlock()
	fresh.mu.Lock()
	fresh.lastActivity = now.Add(-10 * time.Minute)
	fresh.mu.Unlock()

	rp := NewReaper(reg, time.Hour, time.Minute)
	rp.now = func() time.Time { return now }

	reaped := rp.Tick()
	if len(reaped) != 1 || reaped[0] != idle.ID() {
		t.Fatalf("expected only %s to be reaped, got %v", idle.ID(), reaped)
	}
	if _, err := reg.Get(idle.ID()); !errors.Is(err, ErrNotAuthenticated) {
		t.Errorf("expected idle session removed, got %v", err)
	}
	if proc.Alive() {
		t.Error("expected idle session's worker to be stopped")
	}
	if _, err := reg.Get(fresh.ID()); err != nil {
		t.Errorf("expected fresh session to survive, got %v", err)
	}
}

func TestReaper_ExactlyOneHourIsNotIdle(t *testing.T) {
	reg := newTestRegistry(&fakeLauncher{})
	sess, _ := reg.Create(testAPIKey)

	now := time.Now()
	sess.mu.Lock()
	sess.lastActivity = now.Add(-time.Hour)
	sess.mu.Unlock()

	rp := NewReaper(reg, time.Hour, time.Minute)
	rp.now = func() time.Time { return now }

	if reaped := rp.Tick(); len(reaped) != 0 {
		t.Errorf("expected nothing reaped, got %v", reaped)
	}
}

func TestReaper_KillFailureStillRemoves(t *testing.T) {
	launcher := &fakeLauncher{newProc: func(pid int) *fakeProcess {
		p := newFakeProcess(pid)
		p.ignoreTerm = true
		p.killErr = errors.New("operation not permitted")
		return p
	}}
	reg := newTestRegistry(launcher)
	sess, _ := reg.Create(testAPIKey)
	sess.Start(context.Background())

	now := time.Now()
	sess.mu.Lock()
	sess.lastActivity = now.Add(-2 * time.Hour)
	sess.mu.Unlock()

	rp := NewReaper(reg, time.Hour, time.Minute)
	rp.now = func() time.Time { return now }
	rp.Tick()

	if n := reg.Count(); n != 0 {
		t.Errorf("expected session removed despite kill failure, got %d sessions", n)
	}
	if _, kill := launcher.last().calls(); kill != 1 {
		t.Errorf("expected a forced kill attempt, got %d", kill)
	}
}

func TestReaper_RunStopsOnCancel(t *testing.T) {
	reg := newTestRegistry(&fakeLauncher{})
	rp := NewReaper(reg, time.Hour, 5*time.Millisecond)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		rp.Run(ctx)
		close(done)
	}()

	time.Sleep(20 * time.Millisecond)
	cancel()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("reaper did not stop after cancel")
	}
}

func TestNewReaper_Defaults(t *testing.T) {
	rp := NewReaper(newTestRegistry(&fakeLauncher{}), 0, -1)
	if rp.idle != DefaultIdleTimeout {
		t.Errorf("expected idle %v, got %v", DefaultIdleTimeout, rp.idle)
	}
	if rp.interval != DefaultReapInterval {
		t.Errorf("expected interval %v, got %v", DefaultReapInterval, rp.interval)
	}
}
