package session

import (
	"context"
	"log/slog"
	"time"

	"cli-gateway/internal/logger"
)

const (
	DefaultIdleTimeout  = time.Hour
	DefaultReapInterval = 5 * time.Minute
)

// Reaper periodically evicts sessions that have been idle too long.
type Reaper struct {
	registry *Registry
	idle     time.Duration
	interval time.Duration
	now      func() time.Time
}

// NewReaper creates a reaper over registry. Non-positive durations fall back
// to the defaults.
func NewReaper(registry *Registry, idle, interval time.Duration) *Reaper {
	if idle <= 0 {
		idle = DefaultIdleTimeout
	}
	if interval <= 0 {
		interval = DefaultReapInterval
	}
	return &Reaper{
		registry: registry,
		idle:     idle,
		interval: interval,
		now:      time.Now,
	}
}

// Tick runs a single sweep and returns the IDs of the reaped sessions.
func (rp *Reaper) Tick() []string {
	reaped := rp.registry.Sweep(rp.now(), rp.idle)
	if len(reaped) > 0 {
		slog.Info("reaper sweep", "reaped", len(reaped), "remaining", rp.registry.Count())
	}
	return reaped
}

// Run sweeps every interval until ctx is cancelled.
func (rp *Reaper) Run(ctx context.Context) {
	ticker := time.NewTicker(rp.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			rp.safeTick()
		case <-ctx.Done():
			return
		}
	}
}

func (rp *Reaper) safeTick() {
	defer func() {
		if r := recover(); r != nil {
			logger.LogPanic(r, "reaper sweep panicked")
		}
	}()
	rp.Tick()
}
