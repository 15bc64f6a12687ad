package correlator

import (
	"context"
	"log/slog"
	"sync"
	"time"
)

const (
	DefaultInitialDelay = 5 * time.Second
	DefaultInterval     = 60 * time.Second
)

type Cycler interface {
	Cycle(ctx context.Context) (Report, error)
}

// Poller runs a cycle after InitialDelay and then every Interval.
type Poller struct {
	Cycler       Cycler
	InitialDelay time.Duration
	Interval     time.Duration
	Logger       *slog.Logger

	mu      sync.Mutex
	timer   *time.Timer
	stopped bool
}

// Start schedules the first cycle. Cycles receive ctx; cancelling it stops
// the poller after the current cycle.
func (p *Poller) Start(ctx context.Context) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.timer != nil && !p.stopped {
		return
	}
	if p.Logger == nil {
		p.Logger = slog.Default()
	}
	if p.Interval <= 0 {
		p.Interval = DefaultInterval
	}
	if p.InitialDelay < 0 {
		p.InitialDelay = DefaultInitialDelay
	}
	p.stopped = false
	p.timer = time.AfterFunc(p.InitialDelay, func() { p.tick(ctx) })
}

// Stop clears the pending timer. A cycle already running is left to finish.
func (p *Poller) Stop() {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.stopped = true
	if p.timer != nil {
		p.timer.Stop()
	}
}

// Run starts the poller and blocks until ctx is done.
func (p *Poller) Run(ctx context.Context) {
	p.Start(ctx)
	<-ctx.Done()
	p.Stop()
}

func (p *Poller) tick(ctx context.Context) {
	if ctx.Err() != nil || p.isStopped() {
		return
	}
	rep, err := p.Cycler.Cycle(ctx)
	if err != nil {
		p.Logger.Warn("poll cycle failed", "error", err)
	} else if !rep.Skipped {
		p.Logger.Debug("poll cycle done", "messages", rep.Messages, "matched", len(rep.Matched), "expired", len(rep.Expired))
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.stopped || ctx.Err() != nil {
		return
	}
	p.timer = time.AfterFunc(p.Interval, func() { p.tick(ctx) })
}

func (p *Poller) isStopped() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.stopped
}
