// Copyright (c) 2026 EnergyMe Project Contributors
// Licensed under the MIT License

package engine

import "time"

// IRQSTATA bit masks, per the ADE7953 datasheet. Priority order for
// dispatch is CYCEND, then RESET, then CRC-change, then anything else
// (SPEC_FULL.md §4.2.2).
const (
	irqBitCycend    uint32 = 1 << 18
	irqBitResetDone uint32 = 1 << 15
	irqBitCrcChange uint32 = 1 << 17
)

// handleInterrupt is the ISR-to-task dispatch point: it reads IRQSTATA
// (which clears the latched flags on read) and processes the highest
// priority cause present, per SPEC_FULL.md §4.2.2.
func (e *Engine) handleInterrupt(wallMs int64) {
	e.stats_.mu.Lock()
	e.stats_.totalInterrupts++
	e.stats_.mu.Unlock()

	status := uint32(e.transport.ReadRegister(regIRQSTATA, 32, false, false))

	switch {
	case status&irqBitCycend != 0:
		e.handleCycend(wallMs)
	case status&irqBitResetDone != 0:
		e.handleReset()
	case status&irqBitCrcChange != 0:
		e.handleCrcChange()
	case status != 0:
		e.handleOther(status)
	default:
		// Spurious wake with no recognized flag; counts as a soft failure
		// rather than silently returning, since it indicates a missed or
		// misread IRQSTATA.
		e.recordSoft(time.Now(), nil)
		return
	}

	e.stats_.mu.Lock()
	e.stats_.totalHandledInterrupts++
	e.stats_.mu.Unlock()
}

// handleCycend implements the linecycle state machine (SPEC_FULL.md
// §4.2.3): channel 0 (the reference) is processed every cycle
// unconditionally; the currently mux-selected channel is processed only
// when the mux has had a full linecycle to settle since its last switch,
// tracked by skipNext. Capture bursts run before any energy register read
// for the channel they are armed against, per the freezing guarantee.
//
// Begin selects the initial physical channel (and arms skipNext) before
// the first CYCEND ever reaches here, so currentPhysicalChannel is always
// valid by this point; the first real cycle purges that initial selection
// exactly like every other skipNext cycle.
func (e *Engine) handleCycend(wallMs int64) {
	e.clearLatches()

	e.runCaptureIfArmed(0, wallMs)
	e.readMeterValues(0, wallMs)

	e.stateMu.Lock()
	physical := e.currentPhysicalChannel
	skip := e.skipNext
	e.stateMu.Unlock()

	if skip {
		e.stateMu.Lock()
		e.skipNext = false
		e.stateMu.Unlock()
		e.purgeChannelEnergyRegisters(physical)
		return
	}

	e.runCaptureIfArmed(physical, wallMs)
	e.readMeterValues(physical, wallMs)
	e.rotateMux()
}

// purgeChannelEnergyRegisters issues a read-with-reset against the
// mux-attached channel's energy registers without using the result,
// discarding the charge accumulated while the analog mux was still
// settling so it cannot leak into the first real read after skipNext
// clears (SPEC_FULL.md §4.2.3).
func (e *Engine) purgeChannelEnergyRegisters(logicalChannel int) {
	activeReg, reactiveReg, apparentReg := e.energyRegisters(deviceChannelFor(logicalChannel))
	e.transport.ReadRegister(activeReg, 32, true, true)
	e.transport.ReadRegister(reactiveReg, 32, true, true)
	e.transport.ReadRegister(apparentReg, 32, false, true)
}

// clearLatches resets the per-device-channel "already handled this
// linecycle" flags; in the original firmware this happens inside the ISR
// before the task wakes, here it happens at the top of the CYCEND handler
// since Go has no true ISR context to do it in earlier.
func (e *Engine) clearLatches() {
	e.stateMu.Lock()
	e.latchA = false
	e.latchB = false
	e.stateMu.Unlock()
}

// rotateMux advances the multiplexer to the next active logical channel
// and arms skipNext, since the just-selected channel's B-ADC readings are
// invalid for one linecycle while the analog mux settles.
func (e *Engine) rotateMux() {
	e.stateMu.Lock()
	next := e.findNextActiveChannel(e.currentPhysicalChannel)
	e.currentPhysicalChannel = next
	e.skipNext = true
	e.stateMu.Unlock()

	if e.mux != nil {
		_ = e.mux.SetChannel(muxPositionForLogicalChannel(next))
	}
}

// handleReset handles the device's own RESET interrupt: the ADE7953 lost
// its register state (brown-out, ESD event), so the only correct recovery
// is a full supervised restart (SPEC_FULL.md §4.2.2).
func (e *Engine) handleReset() {
	if e.log != nil {
		e.log.Warnf("ADE7953 RESET interrupt observed, requesting restart")
	}
	if e.restarter != nil {
		e.restarter.Request("device_reset_interrupt")
	}
}

// handleCrcChange handles an unexpected change to the configuration
// registers' CRC, which the ADE7953 raises whenever calibration/config
// registers drift from what was last written (radiation event, brown-out
// that didn't trip RESET). It is logged as a soft failure; the transport's
// ConsumeConfigChanged latch distinguishes our own writes (logged at debug)
// from this.
func (e *Engine) handleCrcChange() {
	if e.transport.ConsumeConfigChanged() {
		if e.log != nil {
			e.log.Debugf("ADE7953 configuration CRC changed after our own register write")
		}
		return
	}
	if e.log != nil {
		e.log.Warnf("ADE7953 configuration CRC changed unexpectedly")
	}
	e.recordSoft(time.Now(), nil)
}

// handleOther logs any IRQSTATA bit not explicitly handled, at debug
// level, so unexpected device behavior is visible without treating it as
// a failure.
func (e *Engine) handleOther(status uint32) {
	if e.log != nil {
		e.log.Debugf("unhandled IRQSTATA bits: 0x%08x", status)
	}
}
