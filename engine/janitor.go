package engine

import (
	"context"
	"log/slog"
	"sync"
	"time"
)

// Janitor runs the engine's Cleanup on an interval so expired images and
// budget overruns are reclaimed even when no hydration calls happen.
type Janitor struct {
	engine   *Engine
	interval time.Duration
	logger   *slog.Logger

	mu      sync.Mutex
	running bool
	stopped bool
	stopCh  chan struct{}
	doneCh  chan struct{}
}

const DefaultJanitorInterval = 1 * time.Hour

// NewJanitor creates a janitor for the given engine. A zero interval
// uses DefaultJanitorInterval.
func NewJanitor(e *Engine, interval time.Duration) *Janitor {
	if interval <= 0 {
		interval = DefaultJanitorInterval
	}
	return &Janitor{
		engine:   e,
		interval: interval,
		logger:   e.logger,
		stopCh:   make(chan struct{}),
		doneCh:   make(chan struct{}),
	}
}

// Start begins background sweeps. The first sweep runs immediately.
// Calling Start again, or after Stop, is a no-op.
func (j *Janitor) Start(ctx context.Context) {
	j.mu.Lock()
	if j.running || j.stopped {
		j.mu.Unlock()
		return
	}
	j.running = true
	j.mu.Unlock()

	go j.run(ctx)
}

// Stop halts background sweeps and waits for any in-flight sweep.
func (j *Janitor) Stop() {
	j.mu.Lock()
	if !j.running || j.stopped {
		j.stopped = true
		j.mu.Unlock()
		return
	}
	j.stopped = true
	j.mu.Unlock()

	close(j.stopCh)
	<-j.doneCh
}

func (j *Janitor) run(ctx context.Context) {
	defer close(j.doneCh)

	ticker := time.NewTicker(j.interval)
	defer ticker.Stop()

	j.sweep(ctx)

	for {
		select {
		case <-ctx.Done():
			return
		case <-j.stopCh:
			return
		case <-ticker.C:
			j.sweep(ctx)
		}
	}
}

func (j *Janitor) sweep(ctx context.Context) {
	removed := j.engine.Cleanup(ctx)
	if removed > 0 {
		j.logger.Info("scheduled sweep reclaimed images", slog.Int("removed", removed))
	}
}
