/*
scheduler.go - Pending queue monitor

PURPOSE:
  Periodically counts events awaiting manager review, publishes the count
  as a gauge and warns about events that have waited too long.

DESIGN:
  - Runs a background goroutine with configurable check interval
  - Read-only: never changes event status
  - Store errors are logged and the next tick tries again

CONFIGURATION:
  - CheckInterval: How often to check (default: 1 minute)
  - StaleAfter:    Age at which a pending event is reported (default: 7 days)
  - Enabled:       Whether scheduler is active (default: true)

USAGE:
  scheduler := NewPendingScheduler(store, m, logger)
  scheduler.Start()
  // ... later
  scheduler.Stop()
*/
package api

import (
	"context"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/warp/toil-ledger/toil"
)

// PendingGauge receives the size of the review queue.
type PendingGauge interface {
	SetPending(n int)
}

// PendingScheduler refreshes the pending queue gauge.
type PendingScheduler struct {
	Store         toil.EventStore
	Gauge         PendingGauge
	Log           logrus.FieldLogger
	CheckInterval time.Duration
	StaleAfter    time.Duration
	Enabled       bool

	now    func() time.Time
	ticker *time.Ticker
	stop   chan struct{}
	wg     sync.WaitGroup
	mu     sync.Mutex
}

// NewPendingScheduler creates a new scheduler.
func NewPendingScheduler(store toil.EventStore, gauge PendingGauge, logger logrus.FieldLogger) *PendingScheduler {
	if logger == nil {
		logger = logrus.StandardLogger()
	}
	return &PendingScheduler{
		Store:         store,
		Gauge:         gauge,
		Log:           logger.WithField("component", "scheduler"),
		CheckInterval: time.Minute,
		StaleAfter:    7 * 24 * time.Hour,
		Enabled:       true,
		now:           time.Now,
	}
}

// Start begins the scheduler.
func (ps *PendingScheduler) Start() {
	ps.mu.Lock()
	defer ps.mu.Unlock()

	if !ps.Enabled {
		ps.Log.Info("Scheduler disabled, not starting")
		return
	}
	if ps.ticker != nil {
		return
	}

	ps.ticker = time.NewTicker(ps.CheckInterval)
	ps.stop = make(chan struct{})
	ps.wg.Add(1)

	go ps.run(ps.ticker, ps.stop)

	ps.Log.WithField("interval", ps.CheckInterval).Info("Scheduler started")
}

// Stop stops the scheduler and waits for an in-flight check to finish.
func (ps *PendingScheduler) Stop() {
	ps.mu.Lock()
	defer ps.mu.Unlock()

	if ps.ticker != nil {
		ps.ticker.Stop()
		close(ps.stop)
		ps.wg.Wait()
		ps.ticker = nil
		ps.Log.Info("Scheduler stopped")
	}
}

func (ps *PendingScheduler) run(ticker *time.Ticker, stop <-chan struct{}) {
	defer ps.wg.Done()

	// Run immediately on start
	ps.RunNow(context.Background())

	for {
		select {
		case <-ticker.C:
			ps.RunNow(context.Background())
		case <-stop:
			return
		}
	}
}

// RunNow performs one check and returns the number of pending events.
func (ps *PendingScheduler) RunNow(ctx context.Context) int {
	pending, err := ps.Store.ListPendingEvents(ctx)
	if err != nil {
		ps.Log.WithError(err).Error("Failed to list pending events")
		return -1
	}

	if ps.Gauge != nil {
		ps.Gauge.SetPending(len(pending))
	}

	now := ps.now()
	stale := 0
	for _, pe := range pending {
		if now.Sub(pe.CreatedAt) > ps.StaleAfter {
			stale++
		}
	}
	if stale > 0 {
		ps.Log.WithFields(logrus.Fields{
			"pending": len(pending),
			"stale":   stale,
		}).Warn("Pending TOIL events awaiting review for too long")
	}
	return len(pending)
}
