package app

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"
)

const defaultWatchdogInterval = 60 * time.Second

// Watchdog keeps daily capacity honest. Each tick it:
//   - rolls caller counts over once the capacity day changes
//   - retries auto-assignment for leads that found no caller earlier
type Watchdog struct {
	svc      *CRMService
	logger   *zap.Logger
	interval time.Duration
	backlog  bool
	stopOnce sync.Once
	stopCh   chan struct{}
	doneCh   chan struct{}
}

// WatchdogOption configures the watchdog.
type WatchdogOption func(*Watchdog)

// WithWatchdogInterval sets the check interval.
func WithWatchdogInterval(d time.Duration) WatchdogOption {
	return func(w *Watchdog) {
		if d > 0 {
			w.interval = d
		}
	}
}

// WithBacklogAssignment enables or disables the backlog retry (default on).
func WithBacklogAssignment(on bool) WatchdogOption {
	return func(w *Watchdog) { w.backlog = on }
}

// NewWatchdog creates a new Watchdog.
func NewWatchdog(svc *CRMService, logger *zap.Logger, opts ...WatchdogOption) *Watchdog {
	if logger == nil {
		logger = zap.NewNop()
	}
	w := &Watchdog{
		svc:      svc,
		logger:   logger,
		interval: defaultWatchdogInterval,
		backlog:  true,
		stopCh:   make(chan struct{}),
		doneCh:   make(chan struct{}),
	}
	for _, o := range opts {
		o(w)
	}
	return w
}

// Start runs the watchdog loop until ctx is cancelled or Stop is called.
func (w *Watchdog) Start(ctx context.Context) {
	defer close(w.doneCh)
	w.logger.Info("watchdog started", zap.Duration("interval", w.interval), zap.Bool("backlog", w.backlog))

	ticker := time.NewTicker(w.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			w.logger.Info("watchdog stopped", zap.String("reason", "context cancelled"))
			return
		case <-w.stopCh:
			w.logger.Info("watchdog stopped")
			return
		case <-ticker.C:
			w.check(ctx)
		}
	}
}

// Stop signals the watchdog to stop and waits for Start to return.
func (w *Watchdog) Stop() {
	w.stopOnce.Do(func() { close(w.stopCh) })
	<-w.doneCh
}

// CheckOnce runs one watchdog cycle.
func (w *Watchdog) CheckOnce(ctx context.Context) {
	w.check(ctx)
}

func (w *Watchdog) check(ctx context.Context) {
	rolled, err := w.svc.RolloverCounts(ctx)
	if err != nil {
		w.logger.Error("watchdog: rollover failed", zap.Error(err))
		return
	}
	assigned := 0
	if w.backlog && w.svc.Policy().AutoAssign() {
		assigned, err = w.svc.AssignBacklog(ctx, ActorSystem)
		if err != nil {
			w.logger.Error("watchdog: backlog assignment failed", zap.Error(err))
			return
		}
	}
	if rolled > 0 || assigned > 0 {
		w.logger.Info("watchdog recovered capacity", zap.Int("callers_rolled", rolled), zap.Int("leads_assigned", assigned))
	}
}
