// Copyright (c) 2026 EnergyMe Project Contributors
// Licensed under the MIT License

package engine

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"

	"github.com/topogigio/energyme-home-core/pkg/ifaces"
)

func TestFailureCounterWarnsAtHalfAndNearBudgetThenEscalates(t *testing.T) {
	fc := newFailureCounter(10, time.Hour)
	now := time.Unix(1_700_000_000, 0)

	var sawHalf, sawNear, sawOver bool
	for i := 0; i < 11; i++ {
		half, near, over := fc.record(now)
		sawHalf = sawHalf || half
		sawNear = sawNear || near
		sawOver = sawOver || over
	}

	assert.True(t, sawHalf, "should warn once the count reaches half the budget")
	assert.True(t, sawNear, "should warn once the count nears the budget")
	assert.True(t, sawOver, "should signal over-budget once the count exceeds the budget")
}

func TestFailureCounterWarnsOnlyOncePerWindow(t *testing.T) {
	fc := newFailureCounter(10, time.Hour)
	now := time.Unix(1_700_000_000, 0)

	halfCount := 0
	for i := 0; i < 5; i++ {
		half, _, _ := fc.record(now)
		if half {
			halfCount++
		}
	}
	assert.Equal(t, 1, halfCount, "the half-budget warning must fire at most once per window")
}

func TestFailureCounterResetsAfterWindowElapses(t *testing.T) {
	fc := newFailureCounter(10, time.Minute)
	start := time.Unix(1_700_000_000, 0)

	for i := 0; i < 10; i++ {
		fc.record(start)
	}

	later := start.Add(2 * time.Minute)
	half, near, over := fc.record(later)
	assert.False(t, near)
	assert.False(t, over)
	assert.False(t, half, "a single failure in a fresh window should not already be at half budget")
}

func TestRecordSoftIncrementsStatsAndEscalatesAtBudget(t *testing.T) {
	h := newTestHarness(t)
	h.begin(t)

	for i := 0; i < 20; i++ {
		h.engine.recordSoft(time.Now(), nil)
	}
	assert.Empty(t, h.restarter.requested(), "should not escalate before the budget is exceeded")

	h.engine.recordSoft(time.Now(), nil)
	assert.Contains(t, h.restarter.requested(), ifaces.RestartReasonSoftBudget)
	assert.Equal(t, 21, h.stats.softFailures)
}

func TestRecordCriticalEscalatesAtBudgetAndLogsWarnings(t *testing.T) {
	h := newTestHarness(t)
	h.begin(t)

	for i := 0; i < 11; i++ {
		h.engine.recordCritical(time.Now())
	}
	assert.Contains(t, h.restarter.requested(), ifaces.RestartReasonCriticalBudget)
	assert.Equal(t, 11, h.stats.criticalFailures)
	assert.Greater(t, h.log.warningCount(), 0, "approaching the critical budget should log progressive warnings")
}
