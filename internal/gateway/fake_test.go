package gateway

import (
	"context"
	"errors"
	"net/http"
	"net/http/cookiejar"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"cli-gateway/internal/config"
	"cli-gateway/internal/session"
)

const testAPIKey = "sk-test-0123456789abcdefghijklmn"

type fakeProcess struct {
	pid      int
	done     chan struct{}
	stopOnce sync.Once
}

func newFakeProcess(pid int) *fakeProcess {
	return &fakeProcess{pid: pid, done: make(chan struct{})}
}

func (p *fakeProcess) PID() int { return p.pid }

func (p *fakeProcess) Terminate() error {
	p.stopOnce.Do(func() { close(p.done) })
	return nil
}

func (p *fakeProcess) Kill() error { return p.Terminate() }

func (p *fakeProcess) Done() <-chan struct{} { return p.done }

func (p *fakeProcess) Alive() bool {
	select {
	case <-p.done:
		return false
	default:
		return true
	}
}

type fakeLauncher struct {
	mu    sync.Mutex
	err   error
	specs []session.LaunchSpec
}

func (l *fakeLauncher) Launch(_ context.Context, spec session.LaunchSpec) (session.Process, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.err != nil {
		return nil, l.err
	}
	l.specs = append(l.specs, spec)
	return newFakeProcess(1000 + len(l.specs)), nil
}

func (l *fakeLauncher) fail(err error) {
	l.mu.Lock()
	l.err = err
	l.mu.Unlock()
}

func (l *fakeLauncher) launches() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.specs)
}

var errNoBinary = errors.New("executable file not found in $PATH")

type testEnv struct {
	srv      *Server
	http     *httptest.Server
	registry *session.Registry
	launcher *fakeLauncher
}

func newTestEnv(t *testing.T, mutate func(*config.Config)) *testEnv {
	t.Helper()

	cfg := config.Default()
	cfg.SecretKey = "test-secret-key-0123456789"
	if mutate != nil {
		mutate(&cfg)
	}

	launcher := &fakeLauncher{}
	registry := session.NewRegistry(session.Options{
		Launcher:    launcher,
		StopTimeout: 50 * time.Millisecond,
		MaxSessions: cfg.MaxSessions,
	})
	srv := New(cfg, registry)
	ts := httptest.NewServer(srv.Handler())

	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), time.Second)
		defer cancel()
		_ = srv.Shutdown(ctx)
		ts.Close()
		registry.Shutdown()
	})

	return &testEnv{srv: srv, http: ts, registry: registry, launcher: launcher}
}

// client returns an HTTP client with its own cookie jar.
func (e *testEnv) client(t *testing.T) *http.Client {
	t.Helper()
	jar, err := cookiejar.New(nil)
	if err != nil {
		t.Fatal(err)
	}
	return &http.Client{Jar: jar, Timeout: 5 * time.Second}
}
