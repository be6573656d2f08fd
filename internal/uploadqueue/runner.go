package uploadqueue

import (
	"context"
	"sync"
	"time"

	"github.com/tphakala/wow-sync/internal/logger"
)

const (
	defaultInterval = 5 * time.Minute
	stopTimeout     = 30 * time.Second
)

type runnerState struct {
	mu      sync.Mutex
	cancel  context.CancelFunc
	done    chan struct{}
	trigger chan struct{}
}

// Start runs a local processing pass and a queue pass every Interval and
// whenever Trigger is called, until Stop or parent cancellation.
func (p *Processor) Start(parent context.Context) {
	p.runner.mu.Lock()
	defer p.runner.mu.Unlock()
	if p.runner.cancel != nil {
		return
	}

	interval := p.cfg.Interval
	if interval <= 0 {
		interval = defaultInterval
	}

	ctx, cancel := context.WithCancel(parent)
	p.runner.cancel = cancel
	p.runner.done = make(chan struct{})
	p.runner.trigger = make(chan struct{}, 1)

	p.log.Info("Starting upload queue runner", logger.Duration("interval", interval))
	go p.run(ctx, interval, p.runner.trigger, p.runner.done)
}

// Trigger requests a pass as soon as possible, e.g. when connectivity is
// restored. Requests made while a pass is pending are coalesced.
func (p *Processor) Trigger() {
	p.runner.mu.Lock()
	trigger := p.runner.trigger
	p.runner.mu.Unlock()
	if trigger == nil {
		return
	}
	select {
	case trigger <- struct{}{}:
	default:
	}
}

// Stop ends the runner and waits for the current pass to finish
func (p *Processor) Stop() {
	p.runner.mu.Lock()
	cancel, done := p.runner.cancel, p.runner.done
	p.runner.cancel = nil
	p.runner.trigger = nil
	p.runner.mu.Unlock()
	if cancel == nil {
		return
	}

	cancel()
	select {
	case <-done:
		p.log.Info("Upload queue runner stopped")
	case <-time.After(stopTimeout):
		p.log.Warn("Upload queue runner did not stop in time", logger.Duration("timeout", stopTimeout))
	}
}

func (p *Processor) run(ctx context.Context, interval time.Duration, trigger <-chan struct{}, done chan<- struct{}) {
	defer close(done)

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	p.runOnce(ctx)
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			p.runOnce(ctx)
		case <-trigger:
			p.runOnce(ctx)
		}
	}
}

func (p *Processor) runOnce(ctx context.Context) {
	if _, err := p.ProcessLocal(ctx); err != nil {
		p.log.Error("Local processing pass failed", logger.Error(err))
	}
	if ctx.Err() != nil {
		return
	}
	if _, err := p.ProcessQueue(ctx); err != nil {
		p.log.Error("Queue pass failed", logger.Error(err))
	}
}
