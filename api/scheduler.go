/*
scheduler.go - Stale balance scheduler

PURPOSE:
  Periodically lists accounts whose cached balance is marked stale and
  raises an alert for them. Stale entries normally clear within the request
  that created them; one that survives a tick means a refresh failed.

DESIGN:
  - Runs a background goroutine with configurable check interval
  - Logs a warning per stale account and updates the stale gauge
  - Recomputes stale balances only when AutoRepair is on

CONFIGURATION:
  - CheckInterval: How often to check (default: 1 minute)
  - AutoRepair:    Recompute stale balances (default: false)
  - Enabled:       Whether scheduler is active (default: true)

USAGE:
  scheduler := NewStaleBalanceScheduler(svc, logger)
  scheduler.Start()
  // ... later
  scheduler.Stop()

SEE ALSO:
  - handlers.go: GetStaleAccounts, RecalculateAll (manual repair)
  - ledger/cache.go: Staleness Cache
*/
package api

import (
	"context"
	"sync"
	"time"

	"github.com/rodmar/ledger-engine/ledger"
	"github.com/sirupsen/logrus"
)

// StaleBalanceScheduler watches for stale cached balances.
type StaleBalanceScheduler struct {
	Service       *ledger.Service
	Logger        logrus.FieldLogger
	CheckInterval time.Duration
	AutoRepair    bool
	Enabled       bool

	ticker  *time.Ticker
	stop    chan struct{}
	wg      sync.WaitGroup
	mu      sync.Mutex
	lastRun time.Time
}

// CheckResult summarizes one pass of the scheduler.
type CheckResult struct {
	Stale    int
	Repaired int
	Failed   int
}

// NewStaleBalanceScheduler creates a new scheduler.
func NewStaleBalanceScheduler(svc *ledger.Service, logger logrus.FieldLogger) *StaleBalanceScheduler {
	return &StaleBalanceScheduler{
		Service:       svc,
		Logger:        logger.WithField("module", "scheduler"),
		CheckInterval: time.Minute,
		Enabled:       true,
		stop:          make(chan struct{}),
	}
}

// Start begins the scheduler.
func (ss *StaleBalanceScheduler) Start() {
	ss.mu.Lock()
	defer ss.mu.Unlock()

	if !ss.Enabled || ss.CheckInterval <= 0 {
		ss.Logger.Info("stale balance scheduler disabled")
		return
	}

	ss.ticker = time.NewTicker(ss.CheckInterval)
	ss.wg.Add(1)

	go ss.run(ss.ticker.C)

	ss.Logger.WithFields(logrus.Fields{
		"interval":    ss.CheckInterval.String(),
		"auto_repair": ss.AutoRepair,
	}).Info("stale balance scheduler started")
}

// Stop stops the scheduler and waits for a running check to finish.
func (ss *StaleBalanceScheduler) Stop() {
	ss.mu.Lock()
	ticker := ss.ticker
	ss.ticker = nil
	ss.mu.Unlock()

	if ticker == nil {
		return
	}
	ticker.Stop()
	close(ss.stop)
	ss.wg.Wait()
	ss.Logger.Info("stale balance scheduler stopped")
}

func (ss *StaleBalanceScheduler) run(tick <-chan time.Time) {
	defer ss.wg.Done()

	for {
		select {
		case <-tick:
			ss.RunNow(context.Background())
		case <-ss.stop:
			return
		}
	}
}

// RunNow performs one check synchronously.
func (ss *StaleBalanceScheduler) RunNow(ctx context.Context) CheckResult {
	var result CheckResult

	stale, err := ss.Service.StaleAccounts(ctx)
	if err != nil {
		ss.Logger.WithError(err).Error("failed to list stale balances")
		return result
	}
	ss.mu.Lock()
	ss.lastRun = time.Now()
	ss.mu.Unlock()

	result.Stale = len(stale)
	for _, entry := range stale {
		log := ss.Logger.WithFields(logrus.Fields{
			"account":       entry.Ref.String(),
			"cached":        entry.Balance.String(),
			"recomputed_at": entry.RecomputedAt,
		})
		if !ss.AutoRepair {
			log.Warn("stale balance detected")
			continue
		}
		if _, err := ss.Service.Cache.Recompute(ctx, entry.Ref); err != nil {
			result.Failed++
			log.WithError(err).Error("stale balance not repaired")
			continue
		}
		result.Repaired++
		log.Info("stale balance repaired")
	}

	if result.Repaired > 0 {
		// Keep the gauge in line with what is left.
		if _, err := ss.Service.StaleAccounts(ctx); err != nil {
			ss.Logger.WithError(err).Warn("failed to refresh stale gauge")
		}
	}
	return result
}

// GetNextRunTime returns when the next check is due.
func (ss *StaleBalanceScheduler) GetNextRunTime() time.Time {
	ss.mu.Lock()
	defer ss.mu.Unlock()
	if ss.lastRun.IsZero() {
		return time.Now().Add(ss.CheckInterval)
	}
	return ss.lastRun.Add(ss.CheckInterval)
}
