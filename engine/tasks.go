// Copyright (c) 2026 EnergyMe Project Contributors
// Licensed under the MIT License

package engine

import (
	"context"
	"time"

	"github.com/topogigio/energyme-home-core/pkg/ifaces"
)

// startTasks launches the three long-lived goroutines described in
// SPEC_FULL.md §5: MeterReader (blocks on the IRQ line), EnergyCheckpoint
// (periodic KV persistence), and HourlyCsv (per-hour CSV row plus daily
// gzip compaction at the hour-00 boundary). Each respects e.ctx and is
// tracked in e.wg so Stop/PauseTasks can wait for an orderly exit.
func (e *Engine) startTasks() {
	e.wg.Add(3)
	go e.meterReaderTask()
	go e.energyCheckpointTask()
	go e.hourlyCsvTask()
}

// meterReaderTask blocks on the SPI bus's interrupt line and dispatches
// every edge through handleInterrupt. A missed or timed-out wait counts as
// a critical failure, since the device should assert CYCEND at a bounded
// cadence derived from the configured sample time.
func (e *Engine) meterReaderTask() {
	defer e.wg.Done()

	// Each wait is bounded by the sample time plus this margin.
	const interruptWaitMargin = time.Second

	for {
		if e.ctx.Err() != nil {
			return
		}

		waitCtx, cancel := context.WithTimeout(e.ctx, time.Duration(e.GetSampleTime())*time.Millisecond+interruptWaitMargin)
		wallMs, ok := e.transport.WaitForInterrupt(waitCtx)
		cancel()
		if !ok {
			if e.ctx.Err() != nil {
				return
			}
			e.recordCritical(time.Now())
			continue
		}

		select {
		case e.cycendSignal <- struct{}{}:
		default:
		}

		e.handleInterrupt(wallMs)
	}
}

// energyCheckpointTask wakes every persist.CheckpointInterval and
// checkpoints every channel's current energy accumulators (delta-gated,
// never forced, so an unchanging channel does not generate KV writes).
func (e *Engine) energyCheckpointTask() {
	defer e.wg.Done()

	interval := e.persist.CheckpointInterval()
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-e.ctx.Done():
			return
		case <-ticker.C:
			for i := 0; i < logicalChannelCount; i++ {
				snapshot := e.snapshotMeterValues(i)
				if err := e.persist.Checkpoint(i, snapshot, false); err != nil && e.log != nil {
					e.log.Warnf("checkpoint failed for channel %d: %v", i, err)
				}
			}
		}
	}
}

// hourlyCsvTask sleeps until the next UTC hour boundary, flushes the hourly
// CSV rows (flushHourlyCsv), and --- only when the boundary crossed is hour 00 ---
// compacts yesterday's CSV file to gzip (SPEC_FULL.md §4.4).
func (e *Engine) hourlyCsvTask() {
	defer e.wg.Done()

	for {
		now := time.UnixMilli(e.clock.UnixMilli()).UTC()
		next := now.Truncate(time.Hour).Add(time.Hour)
		wait := next.Sub(now)

		timer := time.NewTimer(wait)
		select {
		case <-e.ctx.Done():
			timer.Stop()
			return
		case <-timer.C:
		}

		e.flushHourlyCsv()

		if next.Hour() == 0 {
			if err := e.persist.CompactYesterday(next); err != nil && e.log != nil {
				e.log.Warnf("daily csv compaction failed: %v", err)
			}
		}
	}
}

// flushHourlyCsv takes a snapshot of every channel's MeterValues and hands
// them to AppendHourlyRow for the current hour, which writes one row per
// channel above the CSV save threshold.
func (e *Engine) flushHourlyCsv() {
	hour := time.UnixMilli(e.clock.UnixMilli()).UTC().Truncate(time.Hour)

	var rows [logicalChannelCount]ifaces.MeterValues
	for i := 0; i < logicalChannelCount; i++ {
		rows[i] = e.snapshotMeterValues(i)
	}

	if err := e.persist.AppendHourlyRow(hour, rows); err != nil && e.log != nil {
		e.log.Warnf("hourly csv append failed: %v", err)
	}
}
