// Copyright (c) 2026 EnergyMe Project Contributors
// Licensed under the MIT License

package engine

import (
	"sync"
	"time"

	"github.com/topogigio/energyme-home-core/pkg/ifaces"
	"github.com/topogigio/energyme-home-core/pkg/meterrors"
)

// failureCounter implements the Supervision component (SPEC_FULL.md §4.6):
// a counter with a reset window, progressive warning thresholds, and
// escalation to a Restarter once the budget is exceeded within the window.
type failureCounter struct {
	mu           sync.Mutex
	count        int
	windowStart  time.Time
	budget       int
	window       time.Duration
	warnedHalf   bool
	warnedBefore bool
}

func newFailureCounter(budget int, window time.Duration) *failureCounter {
	return &failureCounter{budget: budget, window: window}
}

// record increments the counter, resetting the window if it has elapsed.
// It returns (warnHalf, warnNearBudget, overBudget).
func (f *failureCounter) record(now time.Time) (warnHalf, warnNear, over bool) {
	f.mu.Lock()
	defer f.mu.Unlock()

	if f.windowStart.IsZero() || now.Sub(f.windowStart) > f.window {
		f.windowStart = now
		f.count = 0
		f.warnedHalf = false
		f.warnedBefore = false
	}

	f.count++

	if f.count >= f.budget/2 && !f.warnedHalf {
		f.warnedHalf = true
		warnHalf = true
	}
	if f.count >= f.budget-defaultCriticalWarnMarginHigh && !f.warnedBefore {
		f.warnedBefore = true
		warnNear = true
	}
	if f.count > f.budget {
		over = true
	}
	return
}

// recordSoft records a soft failure (SPI mismatch, validation discard,
// mutex timeout) and, if over budget, requests a restart.
func (e *Engine) recordSoft(now time.Time, cause error) {
	if e.stats != nil {
		e.stats.IncSoftFailure()
	}
	e.stats_.mu.Lock()
	e.stats_.readingCountFailure++
	e.stats_.mu.Unlock()

	_, _, over := e.soft.record(now)
	if over && e.restarter != nil {
		e.restarter.Request(ifaces.RestartReasonSoftBudget)
	}
	if e.log != nil && cause != nil {
		e.log.Warnf("soft failure: %v", cause)
	}
}

// recordCritical records a missed-interrupt critical failure, emitting
// progressive warnings and escalating to restart when the budget is
// exceeded.
func (e *Engine) recordCritical(now time.Time) {
	if e.stats != nil {
		e.stats.IncCriticalFailure()
	}

	warnHalf, warnNear, over := e.critical.record(now)
	if warnHalf && e.log != nil {
		e.log.Warnf("critical failure budget at half: missed CYCEND interrupts accumulating")
	}
	if warnNear && e.log != nil {
		e.log.Warnf("critical failure budget nearly exhausted")
	}
	if over && e.restarter != nil {
		e.restarter.Request(ifaces.RestartReasonCriticalBudget)
	}
}

// engineLockTimeout and errLockTimeout are not used by any engine lock:
// configLock, meterValuesLock, channelDataLock, stateMu and sampleMu are
// acquired with plain Lock/RLock calls, without a timeout. Bounded lock
// acquisition happens only in the SPI transport (SPEC_FULL.md §4.2.5).
const engineLockTimeout = 100 * time.Millisecond

var errLockTimeout = meterrors.ErrMutexTimeout
