package detect

import (
	"context"
	"sync"
	"time"

	"github.com/storylinehq/storyline/internal/config"
	"github.com/storylinehq/storyline/internal/consolidate"
	"github.com/storylinehq/storyline/internal/extract"
	"github.com/storylinehq/storyline/internal/feeds"
	"github.com/storylinehq/storyline/internal/logging"
)

// Daemon schedules the background jobs: feed polling, extraction runs,
// detection cycles and the consolidation pass.
// Uses context cancellation as the ONLY stop mechanism.
type Daemon struct {
	poller       *feeds.Poller
	runner       *extract.Runner
	detector     *Detector
	consolidator *consolidate.Pass
	cfg          config.DetectionConfig
	wg           sync.WaitGroup
}

// NewDaemon wires the scheduler.
func NewDaemon(p *feeds.Poller, r *extract.Runner, d *Detector, c *consolidate.Pass, cfg config.DetectionConfig) *Daemon {
	return &Daemon{
		poller:       p,
		runner:       r,
		detector:     d,
		consolidator: c,
		cfg:          cfg,
	}
}

// Start launches the loops. Call with a cancellable context; an initial
// poll-extract-detect pass runs immediately.
func (d *Daemon) Start(ctx context.Context) {
	d.loop(ctx, 0, d.cfg.PollInterval, d.poll)
	d.loop(ctx, d.cfg.DetectInterval, d.cfg.DetectInterval, d.detect)
	d.loop(ctx, d.cfg.ConsolidateInterval, d.cfg.ConsolidateInterval, d.consolidate)
}

// Wait blocks until all loops exit. Call after cancelling the context
// passed to Start.
func (d *Daemon) Wait() {
	d.wg.Wait()
}

// loop runs fn after an initial delay, then on every tick.
func (d *Daemon) loop(ctx context.Context, initial, interval time.Duration, fn func(context.Context)) {
	d.wg.Add(1)
	go func() {
		defer d.wg.Done()

		if initial == 0 {
			fn(ctx)
		} else {
			select {
			case <-ctx.Done():
				return
			case <-time.After(initial):
				fn(ctx)
			}
		}

		ticker := time.NewTicker(interval)
		defer ticker.Stop()

		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				fn(ctx)
			}
		}
	}()
}

func (d *Daemon) poll(ctx context.Context) {
	if _, err := d.poller.PollAll(ctx); err != nil && ctx.Err() == nil {
		logging.Error("poll failed", "error", err)
	}
	if _, err := d.runner.Run(ctx); err != nil && ctx.Err() == nil {
		logging.Error("extraction run failed", "error", err)
	}
}

func (d *Daemon) detect(ctx context.Context) {
	if _, err := d.detector.RunCycle(ctx); err != nil && ctx.Err() == nil {
		logging.Error("detection cycle failed", "error", err)
	}
}

func (d *Daemon) consolidate(ctx context.Context) {
	if ctx.Err() != nil {
		return
	}
	if _, err := d.consolidator.Run(); err != nil {
		logging.Error("consolidation pass failed", "error", err)
	}
}
