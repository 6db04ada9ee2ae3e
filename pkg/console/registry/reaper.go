package registry

import (
	"log/slog"
	"sync"
	"time"
)

// Reaper periodically evicts registry entries whose last activity predates
// the staleness window. It is the only path that removes entries without an
// explicit terminal event, which covers silently dropped end notifications.
//
// The tick interval is intentionally coarser than the window: worst-case
// staleness is window + interval, in exchange for fewer wakeups.
type Reaper struct {
	registry *Registry
	interval time.Duration
	window   time.Duration
	logger   *slog.Logger

	// onExpire receives the IDs evicted by each tick.
	onExpire func(ids []string)

	// now is replaceable for tests; nil means time.Now.
	now func() time.Time

	mu     sync.Mutex
	ticker *time.Ticker
	done   chan struct{}
}

// NewReaper builds a reaper over reg. onExpire may be nil.
func NewReaper(reg *Registry, interval, window time.Duration, logger *slog.Logger, onExpire func(ids []string)) *Reaper {
	if logger == nil {
		logger = slog.Default()
	}
	return &Reaper{
		registry: reg,
		interval: interval,
		window:   window,
		logger:   logger,
		onExpire: onExpire,
	}
}

// Start launches the tick loop. Starting a running reaper is a no-op.
func (r *Reaper) Start() {
	if r == nil {
		return
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.done != nil {
		return
	}
	r.ticker = time.NewTicker(r.interval)
	r.done = make(chan struct{})
	go r.loop(r.ticker, r.done)
}

// Stop halts the tick loop. Stopping a stopped reaper is a no-op.
func (r *Reaper) Stop() {
	if r == nil {
		return
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.done == nil {
		return
	}
	r.ticker.Stop()
	close(r.done)
	r.ticker = nil
	r.done = nil
}

func (r *Reaper) loop(ticker *time.Ticker, done chan struct{}) {
	for {
		select {
		case <-done:
			return
		case <-ticker.C:
			r.Tick()
		}
	}
}

// Tick runs one reap pass. Exposed so tests and the coordinator can drive
// eviction without waiting on the wall clock.
func (r *Reaper) Tick() {
	if r == nil || r.registry == nil {
		return
	}
	now := time.Now()
	if r.now != nil {
		now = r.now()
	}
	cutoff := now.Add(-r.window)
	expired := r.registry.ExpireBefore(cutoff)
	r.registry.PurgeTombstones(cutoff)
	if len(expired) == 0 {
		return
	}
	r.logger.Debug("reaped stale sessions", "count", len(expired), "window", r.window)
	if r.onExpire != nil {
		r.onExpire(expired)
	}
}
