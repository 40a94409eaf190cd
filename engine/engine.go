// Copyright (c) 2026 EnergyMe Project Contributors
// Licensed under the MIT License

// Package engine implements the Metering Engine, Waveform Capture, and
// Supervision components (SPEC_FULL.md §4.2, §4.3, §4.6): the
// CYCEND-interrupt-driven linecycle state machine, the multiplexer rotation
// protocol, per-channel derived-quantity computation, the energy
// accumulator, and the failure-budget supervisor.
//
// A single Engine instance exclusively owns the hardware pins, the SPI
// peripheral (via transport.Transport), the multiplexer, and the three
// long-lived goroutines (MeterReader, EnergyCheckpoint, HourlyCsv). External
// callers obtain read-only snapshots of MeterValues and ChannelData by
// value, taken under a short critical section.
package engine

import (
	"context"
	"fmt"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"github.com/topogigio/energyme-home-core/pkg/ifaces"
	"github.com/topogigio/energyme-home-core/persistence"
	"github.com/topogigio/energyme-home-core/transport"
)

// invalidChannel marks "no physical channel selected yet."
const invalidChannel = -1

// Deps bundles every collaborator the Engine is constructed with, following
// the reference repository's dependency-injection-by-struct pattern
// (pkg/interfaces consumers built via explicit constructor args).
type Deps struct {
	Bus       ifaces.SPIBus
	Mux       ifaces.Multiplexer
	Kv        ifaces.KvStore
	Fs        ifaces.Filesystem
	Clock     ifaces.WallClock
	Log       ifaces.Logger
	Restarter ifaces.Restarter
	Led       ifaces.LedController
	Stats     ifaces.StatsSink
	Persist   *persistence.Manager
}

// Engine is the metering engine's single owning struct; it re-architects
// the original firmware's globally-addressable static state as one value
// constructed at Begin and passed by reference to every task and ISR
// callback (SPEC_FULL.md §9).
type Engine struct {
	transport *transport.Transport
	mux       ifaces.Multiplexer
	kv        ifaces.KvStore
	fs        ifaces.Filesystem
	clock     ifaces.WallClock
	log       ifaces.Logger
	restarter ifaces.Restarter
	led       ifaces.LedController
	stats     ifaces.StatsSink
	persist   *persistence.Manager

	configLock sync.Mutex
	config     ifaces.Ade7953Configuration

	channelDataLock sync.RWMutex
	channelData     [logicalChannelCount]ifaces.ChannelData

	meterValuesLock sync.RWMutex
	meterValues     [logicalChannelCount]ifaces.MeterValues
	lastUpdateUs    [logicalChannelCount]int64

	sampleMu     sync.Mutex
	sampleTimeMs int
	gridFreqHz   float64

	stateMu                sync.Mutex
	currentPhysicalChannel int
	skipNext               bool
	latchA, latchB         bool

	capture captureState

	soft     *failureCounter
	critical *failureCounter

	captureLimiter *rate.Limiter

	cycendSignal chan struct{}

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	stats_ statistics
}

// statistics mirrors structs.h's Statistics struct (SPEC_FULL.md §3.1).
type statistics struct {
	mu                     sync.Mutex
	totalInterrupts        uint64
	totalHandledInterrupts uint64
	readingCount           uint64
	readingCountFailure    uint64
}

// New constructs an Engine with its collaborators injected. It does not
// touch hardware; call Begin to initialize the device.
func New(deps Deps, defaultSampleTimeMs int, nominalGridFreqHz float64, softBudget, criticalBudget int, softWindow, criticalWindow time.Duration) *Engine {
	tr := transport.New(deps.Bus, deps.Stats, deps.Log)

	e := &Engine{
		transport:              tr,
		mux:                    deps.Mux,
		kv:                     deps.Kv,
		fs:                     deps.Fs,
		clock:                  deps.Clock,
		log:                    deps.Log,
		restarter:              deps.Restarter,
		led:                    deps.Led,
		stats:                  deps.Stats,
		persist:                deps.Persist,
		sampleTimeMs:           defaultSampleTimeMs,
		gridFreqHz:             nominalGridFreqHz,
		currentPhysicalChannel: invalidChannel,
		soft:                   newFailureCounter(softBudget, softWindow),
		critical:               newFailureCounter(criticalBudget, criticalWindow),
		captureLimiter:         rate.NewLimiter(rate.Every(time.Second), 2),
		cycendSignal:           make(chan struct{}, 1),
	}
	e.channelData[0] = ifaces.ChannelData{Index: 0, Active: true, Label: "reference"}
	for i := 1; i < logicalChannelCount; i++ {
		e.channelData[i] = ifaces.ChannelData{Index: i}
	}
	return e
}

// Begin initializes the device registers, loads persisted state, and
// starts the three long-lived tasks. Mirrors the original firmware's
// `begin(pins)`.
func (e *Engine) Begin(ctx context.Context) error {
	e.ctx, e.cancel = context.WithCancel(ctx)
	e.capture.allocate()

	if err := e.initializeDevice(); err != nil {
		return fmt.Errorf("device initialization failed: %w", err)
	}

	for i := 0; i < logicalChannelCount; i++ {
		mv, _ := e.persist.LoadEnergy(i)
		e.meterValuesLock.Lock()
		e.meterValues[i].ActiveEnergyImported = mv.ActiveEnergyImported
		e.meterValues[i].ActiveEnergyExported = mv.ActiveEnergyExported
		e.meterValues[i].ReactiveEnergyImported = mv.ReactiveEnergyImported
		e.meterValues[i].ReactiveEnergyExported = mv.ReactiveEnergyExported
		e.meterValues[i].ApparentEnergy = mv.ApparentEnergy
		e.meterValues[i].LastWallClockMs = ifaces.InvalidWallClockMs
		snapshot := e.meterValues[i]
		e.meterValuesLock.Unlock()
		_ = e.persist.Checkpoint(i, snapshot, true)
	}

	if err := e.persist.MigratePastCsvs(time.UnixMilli(e.clock.UnixMilli()).UTC()); err != nil && e.log != nil {
		e.log.Warnf("csv migration pass failed: %v", err)
	}

	// Select the initial physical channel and arm skipNext before the
	// first CYCEND fires, so handleCycend's state machine never has to
	// special-case an unselected mux position.
	e.rotateMux()

	e.startTasks()
	return nil
}

// initializeDevice performs the register sequence described in
// SPEC_FULL.md §4.2.1: reset, communication check, unlock + optimum
// settings, no-load thresholds, LCYCMODE, initial linecycle count.
func (e *Engine) initializeDevice() error {
	if err := e.transport.Reset(10 * time.Millisecond); err != nil {
		return fmt.Errorf("reset line toggle failed: %w", err)
	}

	const commAttempts = 10
	ok := false
	for i := 0; i < commAttempts; i++ {
		v := e.transport.ReadRegister(regAP_NOLOAD, 24, false, false)
		if v != transport.INVALID {
			ok = true
			break
		}
		time.Sleep(5 * time.Millisecond)
	}
	if !ok {
		return fmt.Errorf("communication check failed after %d attempts", commAttempts)
	}

	e.transport.WriteRegister(regUnlock, 8, optimumSettingsUnlockKey, false)
	e.transport.WriteRegister(regOptimumSettings, 16, optimumSettingsValue, false)

	noLoadThreshold := uint32(65536.0 - dynamicRange/1.4)
	e.transport.WriteRegister(regAP_NOLOAD, 24, noLoadThreshold, true)
	e.transport.WriteRegister(regVAR_NOLOAD, 24, noLoadThreshold, true)
	e.transport.WriteRegister(regVA_NOLOAD, 24, noLoadThreshold, true)

	e.transport.WriteRegister(regLCYCMODE, 8, 0xFF, true)

	e.setSampleTimeLocked(e.sampleTimeMs, e.gridFreqHz)

	return nil
}

// PauseTasks detaches the ISR-equivalent wait and suspends the three tasks
// atomically; ResumeTasks restarts them. Used for configuration windows
// that must not race a concurrent read (SPEC_FULL.md §6).
func (e *Engine) PauseTasks() {
	if e.cancel != nil {
		e.cancel()
	}
	e.wg.Wait()
}

// ResumeTasks restarts the three tasks after PauseTasks.
func (e *Engine) ResumeTasks(ctx context.Context) {
	e.ctx, e.cancel = context.WithCancel(ctx)
	e.startTasks()
}

// Stop performs an orderly shutdown: cancels all tasks, waits (bounded) for
// them to exit, force-saves energy, and frees capture buffers.
func (e *Engine) Stop() {
	if e.cancel != nil {
		e.cancel()
	}

	done := make(chan struct{})
	go func() {
		e.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(5 * time.Second):
		if e.log != nil {
			e.log.Warnf("engine stop: tasks did not exit within timeout, abandoning")
		}
	}

	for i := 0; i < logicalChannelCount; i++ {
		snapshot := e.snapshotMeterValues(i)
		_ = e.persist.Checkpoint(i, snapshot, true)
	}
	if nowWithinHourTolerance(time.UnixMilli(e.clock.UnixMilli()).UTC(), e.persist.HourTolerance()) {
		e.flushHourlyCsv()
	}

	e.capture.free()
}

func nowWithinHourTolerance(now time.Time, tolerance time.Duration) bool {
	return now.Sub(now.Truncate(time.Hour)) <= tolerance
}

// snapshotMeterValues returns a copy of MeterValues[channel] under a short
// read lock.
func (e *Engine) snapshotMeterValues(channel int) ifaces.MeterValues {
	e.meterValuesLock.RLock()
	defer e.meterValuesLock.RUnlock()
	return e.meterValues[channel]
}

// GetMeterValues returns a read-only snapshot for one logical channel.
func (e *Engine) GetMeterValues(channel int) (ifaces.MeterValues, error) {
	if channel < 0 || channel >= logicalChannelCount {
		return ifaces.MeterValues{}, fmt.Errorf("invalid channel %d", channel)
	}
	return e.snapshotMeterValues(channel), nil
}

// GetChannelData returns a read-only snapshot of one channel's metadata.
func (e *Engine) GetChannelData(channel int) (ifaces.ChannelData, error) {
	if channel < 0 || channel >= logicalChannelCount {
		return ifaces.ChannelData{}, fmt.Errorf("invalid channel %d", channel)
	}
	e.channelDataLock.RLock()
	defer e.channelDataLock.RUnlock()
	return e.channelData[channel], nil
}

// IsChannelActive reports whether the logical channel is enabled.
func (e *Engine) IsChannelActive(channel int) bool {
	if channel < 0 || channel >= logicalChannelCount {
		return false
	}
	e.channelDataLock.RLock()
	defer e.channelDataLock.RUnlock()
	return e.channelData[channel].Active
}

// HasChannelValidMeasurements reports whether the channel has completed at
// least one successful read since Begin.
func (e *Engine) HasChannelValidMeasurements(channel int) bool {
	mv, err := e.GetMeterValues(channel)
	if err != nil {
		return false
	}
	return mv.LastMonotonicMs != 0
}

// Stats returns a snapshot of the §3.1 process-lifetime counters.
func (e *Engine) Stats() (totalInterrupts, totalHandled, readingCount, readingFailures uint64) {
	e.stats_.mu.Lock()
	defer e.stats_.mu.Unlock()
	return e.stats_.totalInterrupts, e.stats_.totalHandledInterrupts, e.stats_.readingCount, e.stats_.readingCountFailure
}
