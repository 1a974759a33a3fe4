package session

import "errors"

var (
	ErrInvalidCredential = errors.New("invalid API key format")
	ErrNotAuthenticated  = errors.New("not authenticated")
	ErrUnsupportedModel  = errors.New("unsupported model")
	ErrNotRunning        = errors.New("CLI not running")
	ErrSpawnFailure      = errors.New("failed to start CLI")
	ErrEmptyMessage      = errors.New("message required")

	// ErrSessionFailed is returned when starting a session whose previous
	// start failed. The caller has to log in again.
	ErrSessionFailed = errors.New("session is in error state")
	ErrSessionLimit  = errors.New("maximum session limit reached")

	// ErrProcessDone is returned by Process implementations when signalling
	// a process that has already exited.
	ErrProcessDone = errors.New("process already finished")
)
