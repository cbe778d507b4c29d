package aggregator

import (
	"context"
	"sync"
	"time"

	"github.com/benbjohnson/clock"
	"go.uber.org/atomic"

	"go.viam.com/pcfusion/logging"
	"go.viam.com/pcfusion/metrics"
	"go.viam.com/pcfusion/synchronizer"
	"go.viam.com/pcfusion/utils"
)

const exactSyncHint = "exact sync only matches records with identical stamps; " +
	"if the inputs are not hardware synchronized set approx_sync to true"

// Watchdog warns when no tuple was produced during a whole period.
type Watchdog struct {
	period  time.Duration
	topics  []string
	policy  synchronizer.Policy
	clk     clock.Clock
	logger  logging.Logger
	metrics *metrics.Pipeline

	produced atomic.Bool

	mu      sync.Mutex
	workers *utils.StoppableWorkers
}

// NewWatchdog returns a stopped watchdog checking every period. A nil clock means the real one.
func NewWatchdog(
	period time.Duration,
	topics []string,
	policy synchronizer.Policy,
	clk clock.Clock,
	logger logging.Logger,
	m *metrics.Pipeline,
) *Watchdog {
	if clk == nil {
		clk = clock.New()
	}
	return &Watchdog{
		period:  period,
		topics:  topics,
		policy:  policy,
		clk:     clk,
		logger:  logger,
		metrics: m,
	}
}

// Notify records that a tuple was produced.
func (w *Watchdog) Notify() {
	w.produced.Store(true)
}

// Start begins the periodic check. It does nothing if the watchdog is running or the period
// is not positive.
func (w *Watchdog) Start() {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.workers != nil || w.period <= 0 {
		return
	}
	ticker := w.clk.Ticker(w.period)
	w.workers = utils.NewStoppableWorkers(func(ctx context.Context) {
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				w.check(ctx)
			}
		}
	})
}

// Stop ends the periodic check and waits for it to return.
func (w *Watchdog) Stop() {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.workers == nil {
		return
	}
	w.workers.Stop()
	w.workers = nil
}

// check resets the produced flag and warns if it was not set.
func (w *Watchdog) check(ctx context.Context) bool {
	if w.produced.Swap(false) {
		return true
	}
	keysAndValues := []interface{}{
		"period", w.period,
		"topics", w.topics,
		"policy", w.policy.String(),
	}
	if _, exact := w.policy.(synchronizer.ExactPolicy); exact {
		keysAndValues = append(keysAndValues, "hint", exactSyncHint)
	}
	w.logger.Warnw("no synchronized records received", keysAndValues...)
	w.metrics.RecordWatchdogWarning(ctx)
	return false
}
