// Package poller is the polling fallback: when the live stream is
// unavailable it re-fetches intraday candles on a fixed cadence and feeds
// the same downstream consumer, stopping itself once the market closes.
package poller

import (
	"context"
	"sync"
	"time"

	"marketpipe/internal/interfaces"
	"marketpipe/internal/logger"
	"marketpipe/internal/markethours"
	"marketpipe/internal/types"
)

// Driver runs at most one active poll at a time.
type Driver struct {
	fetcher  interfaces.Fetcher
	cal      markethours.Calendar
	interval time.Duration
	now      func() time.Time

	mu     sync.Mutex
	cancel context.CancelFunc
}

var _ interfaces.Poller = (*Driver)(nil)

// New creates a polling driver. interval should be shorter than the REST
// cache TTL; each tick forces a refresh to bypass staleness.
func New(fetcher interfaces.Fetcher, cal markethours.Calendar, interval time.Duration) *Driver {
	return &Driver{
		fetcher:  fetcher,
		cal:      cal,
		interval: interval,
		now:      time.Now,
	}
}

// Start begins polling for one instrument, replacing any existing poll. It
// is a no-op returning false when the market is closed. The first fetch
// happens immediately, then on the fixed cadence.
func (d *Driver) Start(ctx context.Context, instrumentKey string, resolution types.Resolution, onUpdate func(types.FetchResult)) bool {
	if !d.cal.IsSessionOpen(d.now()) {
		logger.Info(ctx, "Market closed, polling not started", "instrument_key", instrumentKey)
		return false
	}

	d.mu.Lock()
	if d.cancel != nil {
		d.cancel()
	}
	pollCtx, cancel := context.WithCancel(ctx)
	d.cancel = cancel
	d.mu.Unlock()

	logger.Info(ctx, "Polling fallback started",
		"instrument_key", instrumentKey,
		"resolution", resolution.String(),
		"interval", d.interval.String(),
	)

	go d.run(pollCtx, instrumentKey, resolution, onUpdate)
	return true
}

func (d *Driver) run(ctx context.Context, instrumentKey string, resolution types.Resolution, onUpdate func(types.FetchResult)) {
	onUpdate(d.fetcher.FetchIntraday(ctx, instrumentKey, resolution, true, 0))

	ticker := time.NewTicker(d.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			// Self-terminate once the session ends instead of waiting
			// for an explicit Stop.
			if !d.cal.IsSessionOpen(d.now()) {
				logger.Info(ctx, "Market closed, polling stopped", "instrument_key", instrumentKey)
				d.Stop()
				return
			}
			onUpdate(d.fetcher.FetchIntraday(ctx, instrumentKey, resolution, true, 0))
		}
	}
}

// Stop halts the active poll, if any.
func (d *Driver) Stop() {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.cancel != nil {
		d.cancel()
		d.cancel = nil
	}
}

// SetClock overrides the driver's time source. Tests only.
func (d *Driver) SetClock(now func() time.Time) {
	d.now = now
}
