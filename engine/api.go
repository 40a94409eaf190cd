// Copyright (c) 2026 EnergyMe Project Contributors
// Licensed under the MIT License

package engine

import (
	"encoding/json"
	"math"
	"strconv"

	"github.com/topogigio/energyme-home-core/config"
	"github.com/topogigio/energyme-home-core/pkg/ifaces"
	"github.com/topogigio/energyme-home-core/pkg/meterrors"
)

// This file implements the external API surface (SPEC_FULL.md §6):
// configuration get/set/reset, sample-time get/set, channel-data
// get/set/reset, energy reset, aggregated power accessors, the waveform
// capture JSON accessor, and the process-lifetime task-info snapshot.

// --- Calibration configuration -------------------------------------------

// configRegister pairs a calibration field's register address with its
// bit width, so GetConfiguration/SetConfiguration/ResetConfiguration can
// drive the whole 20-register set from one table.
type configRegister struct {
	address uint16
	width   int
	get     func(*ifaces.Ade7953Configuration) *float64
}

func configRegisters() []configRegister {
	return []configRegister{
		{regAVGAIN, 24, func(c *ifaces.Ade7953Configuration) *float64 { return &c.VGain }},
		{regVRMSOS, 24, func(c *ifaces.Ade7953Configuration) *float64 { return &c.VOffset }},
		{regAIGAIN, 24, func(c *ifaces.Ade7953Configuration) *float64 { return &c.AIGain }},
		{regAIRMSOS, 24, func(c *ifaces.Ade7953Configuration) *float64 { return &c.AIOffset }},
		{regBIGAIN, 24, func(c *ifaces.Ade7953Configuration) *float64 { return &c.BIGain }},
		{regBIRMSOS, 24, func(c *ifaces.Ade7953Configuration) *float64 { return &c.BIOffset }},
		{regAWGAIN, 24, func(c *ifaces.Ade7953Configuration) *float64 { return &c.AWGain }},
		{regAWATTOS, 24, func(c *ifaces.Ade7953Configuration) *float64 { return &c.AWOffset }},
		{regBWGAIN, 24, func(c *ifaces.Ade7953Configuration) *float64 { return &c.BWGain }},
		{regBWATTOS, 24, func(c *ifaces.Ade7953Configuration) *float64 { return &c.BWOffset }},
		{regAVARGAIN, 24, func(c *ifaces.Ade7953Configuration) *float64 { return &c.AVarGain }},
		{regAVAROS, 24, func(c *ifaces.Ade7953Configuration) *float64 { return &c.AVarOffset }},
		{regBVARGAIN, 24, func(c *ifaces.Ade7953Configuration) *float64 { return &c.BVarGain }},
		{regBVAROS, 24, func(c *ifaces.Ade7953Configuration) *float64 { return &c.BVarOffset }},
		{regAVAGAIN, 24, func(c *ifaces.Ade7953Configuration) *float64 { return &c.AVaGain }},
		{regAVAOS, 24, func(c *ifaces.Ade7953Configuration) *float64 { return &c.AVaOffset }},
		{regBVAGAIN, 24, func(c *ifaces.Ade7953Configuration) *float64 { return &c.BVaGain }},
		{regBVAOS, 24, func(c *ifaces.Ade7953Configuration) *float64 { return &c.BVaOffset }},
		// The ADE7953 datasheet describes PHCAL as a 10-bit field, but it is
		// transmitted as a 16-bit word like every other calibration register
		// (the SPI transport only supports 8/16/24/32-bit transfers); the
		// upper bits are simply unused by the device.
		{regAPHCAL, 16, func(c *ifaces.Ade7953Configuration) *float64 { return &c.APhaseCal }},
		{regBPHCAL, 16, func(c *ifaces.Ade7953Configuration) *float64 { return &c.BPhaseCal }},
	}
}

// GetConfiguration returns a snapshot of the calibration registers as last
// written; it does not re-read the device, since calibration registers are
// write-only from the engine's perspective (SPEC_FULL.md §6).
func (e *Engine) GetConfiguration() ifaces.Ade7953Configuration {
	e.configLock.Lock()
	defer e.configLock.Unlock()
	return e.config
}

// SetConfiguration writes every calibration register from cfg, verified,
// under the config lock, and only updates the cached snapshot if every
// register write verifies.
func (e *Engine) SetConfiguration(cfg ifaces.Ade7953Configuration) error {
	e.configLock.Lock()
	defer e.configLock.Unlock()

	for _, reg := range configRegisters() {
		value := *reg.get(&cfg)
		if !e.transport.WriteRegister(reg.address, reg.width, uint32(int32(value)), true) {
			return meterrors.NewTransportError("SetConfiguration", reg.address, meterrors.ErrVerificationMismatch)
		}
	}
	e.config = cfg
	return nil
}

// ResetConfiguration writes the zero-value calibration set (every gain,
// offset and phase-cal register written as 0).
func (e *Engine) ResetConfiguration() error {
	return e.SetConfiguration(ifaces.Ade7953Configuration{})
}

// GetConfigurationJSON marshals the current calibration snapshot.
func (e *Engine) GetConfigurationJSON() ([]byte, error) {
	return json.Marshal(e.GetConfiguration())
}

// SetConfigurationJSON validates a decoded calibration payload against the
// JSON schema, then applies it.
func (e *Engine) SetConfigurationJSON(payload map[string]interface{}) error {
	if err := config.ValidateAde7953ConfigurationSchema(payload); err != nil {
		return err
	}
	raw, err := json.Marshal(payload)
	if err != nil {
		return err
	}
	var cfg ifaces.Ade7953Configuration
	if err := json.Unmarshal(raw, &cfg); err != nil {
		return err
	}
	return e.SetConfiguration(cfg)
}

// --- Sample time / grid frequency ----------------------------------------

// setSampleTimeLocked computes the LINECYC register value from a sample
// period and grid frequency and writes it, verified. Callers must already
// hold sampleMu (or, during initializeDevice, run before any task can
// race it).
func (e *Engine) setSampleTimeLocked(ms int, gridFreqHz float64) error {
	if ms < minSampleTimeMs {
		return meterrors.NewValidationError("sampleTimeMs", ms, "below minimum sample time")
	}

	halfCycles := int(math.Round(float64(ms) / 1000.0 * gridFreqHz * 2))
	if halfCycles%2 != 0 {
		halfCycles++
	}
	if halfCycles < 2 {
		halfCycles = 2
	}
	if halfCycles > maxLinecycles {
		halfCycles = maxLinecycles
	}

	if !e.transport.WriteRegister(regLINECYC, 16, uint32(halfCycles), true) {
		return meterrors.NewTransportError("setSampleTime", regLINECYC, meterrors.ErrVerificationMismatch)
	}

	e.sampleTimeMs = ms
	e.gridFreqHz = gridFreqHz
	return nil
}

// SetSampleTime updates the device's linecycle accumulation period.
func (e *Engine) SetSampleTime(ms int) error {
	e.sampleMu.Lock()
	defer e.sampleMu.Unlock()
	return e.setSampleTimeLocked(ms, e.gridFreqHz)
}

// GetSampleTime returns the configured sample period in milliseconds.
func (e *Engine) GetSampleTime() int {
	e.sampleMu.Lock()
	defer e.sampleMu.Unlock()
	return e.sampleTimeMs
}

// GetGridFrequency returns the grid frequency used for linecycle
// arithmetic: the configured nominal value until the first reference-channel
// read, then the snapped reading (exactly 60, or the constant 50 fallback;
// SPEC_FULL.md §3.1).
func (e *Engine) GetGridFrequency() float64 {
	e.sampleMu.Lock()
	defer e.sampleMu.Unlock()
	return e.gridFreqHz
}

// --- Channel data ----------------------------------------------------------

// SetChannelData replaces one logical channel's metadata. Channel 0 (the
// reference) cannot be deactivated or reassigned a phase, since it is
// hard-wired (SPEC_FULL.md §2).
func (e *Engine) SetChannelData(channel int, data ifaces.ChannelData) error {
	if channel < 0 || channel >= logicalChannelCount {
		return meterrors.ErrInvalidChannel
	}
	if channel == 0 {
		data.Active = true
		data.Phase = ifaces.Phase1
	}
	data.Index = channel

	e.channelDataLock.Lock()
	e.channelData[channel] = data
	e.channelDataLock.Unlock()
	return nil
}

// ResetChannelData restores one channel to its zero-value metadata
// (inactive, phase 1, no CT calibration).
func (e *Engine) ResetChannelData(channel int) error {
	if channel < 0 || channel >= logicalChannelCount {
		return meterrors.ErrInvalidChannel
	}
	return e.SetChannelData(channel, ifaces.ChannelData{Index: channel})
}

// GetChannelDataJSON marshals one channel's metadata.
func (e *Engine) GetChannelDataJSON(channel int) ([]byte, error) {
	ch, err := e.GetChannelData(channel)
	if err != nil {
		return nil, err
	}
	return json.Marshal(ch)
}

// SetChannelDataJSON validates a decoded channel-data payload against the
// JSON schema, rejects a payload with no recognized field, and applies the
// recognized fields on top of the channel's current metadata.
func (e *Engine) SetChannelDataJSON(channel int, payload map[string]interface{}) error {
	if err := config.ValidateChannelDataSchema(payload); err != nil {
		return err
	}
	if len(payload) == 0 {
		return meterrors.ErrNoRecognizedField
	}

	current, err := e.GetChannelData(channel)
	if err != nil {
		return err
	}

	raw, err := json.Marshal(current)
	if err != nil {
		return err
	}
	var merged map[string]interface{}
	if err := json.Unmarshal(raw, &merged); err != nil {
		return err
	}
	for k, v := range payload {
		merged[k] = v
	}

	mergedRaw, err := json.Marshal(merged)
	if err != nil {
		return err
	}
	var updated ifaces.ChannelData
	if err := json.Unmarshal(mergedRaw, &updated); err != nil {
		return err
	}

	return e.SetChannelData(channel, updated)
}

// --- Energy reset ----------------------------------------------------------

// ResetEnergyValues zeroes every channel's in-RAM energy accumulators,
// wipes the persisted KV checkpoint and deletes the CSV history (every
// .csv and .csv.gz file; SPEC_FULL.md §6's full-wipe operation).
func (e *Engine) ResetEnergyValues() error {
	e.meterValuesLock.Lock()
	for i := range e.meterValues {
		e.meterValues[i].ActiveEnergyImported = 0
		e.meterValues[i].ActiveEnergyExported = 0
		e.meterValues[i].ReactiveEnergyImported = 0
		e.meterValues[i].ReactiveEnergyExported = 0
		e.meterValues[i].ApparentEnergy = 0
	}
	e.meterValuesLock.Unlock()

	return e.persist.ResetEnergyValues()
}

// SetEnergyValues overwrites one channel's energy accumulators directly
// (used to seed a meter's known starting reading).
func (e *Engine) SetEnergyValues(channel int, mv ifaces.MeterValues) error {
	if channel < 0 || channel >= logicalChannelCount {
		return meterrors.ErrInvalidChannel
	}
	e.meterValuesLock.Lock()
	e.meterValues[channel].ActiveEnergyImported = mv.ActiveEnergyImported
	e.meterValues[channel].ActiveEnergyExported = mv.ActiveEnergyExported
	e.meterValues[channel].ReactiveEnergyImported = mv.ReactiveEnergyImported
	e.meterValues[channel].ReactiveEnergyExported = mv.ReactiveEnergyExported
	e.meterValues[channel].ApparentEnergy = mv.ApparentEnergy
	e.meterValuesLock.Unlock()

	return e.persist.Checkpoint(channel, mv, true)
}

// --- Meter values JSON -----------------------------------------------------

// SingleMeterValuesJSON marshals one channel's MeterValues snapshot.
func (e *Engine) SingleMeterValuesJSON(channel int) ([]byte, error) {
	mv, err := e.GetMeterValues(channel)
	if err != nil {
		return nil, err
	}
	return json.Marshal(mv)
}

// FullMeterValuesJSON marshals every channel's MeterValues snapshot,
// keyed by "channel_<index>" (for example "channel_0").
func (e *Engine) FullMeterValuesJSON() ([]byte, error) {
	out := make(map[string]ifaces.MeterValues, logicalChannelCount)
	for i := 0; i < logicalChannelCount; i++ {
		out[channelJSONKey(i)] = e.snapshotMeterValues(i)
	}
	return json.Marshal(out)
}

func channelJSONKey(channel int) string {
	return "channel_" + strconv.Itoa(channel)
}

// --- Aggregated power --------------------------------------------------

// aggregate sums a per-channel field across every active non-reference
// channel (1..16); channel 0 is the incoming-feed reference and is
// excluded from the household's aggregated totals.
func (e *Engine) aggregate(field func(ifaces.MeterValues) float64) float64 {
	var total float64
	for i := 1; i < logicalChannelCount; i++ {
		if !e.IsChannelActive(i) {
			continue
		}
		total += field(e.snapshotMeterValues(i))
	}
	return total
}

// GetAggregatedActivePower sums active power across active channels.
func (e *Engine) GetAggregatedActivePower() float64 {
	return e.aggregate(func(mv ifaces.MeterValues) float64 { return mv.ActivePower })
}

// GetAggregatedReactivePower sums reactive power across active channels.
func (e *Engine) GetAggregatedReactivePower() float64 {
	return e.aggregate(func(mv ifaces.MeterValues) float64 { return mv.ReactivePower })
}

// GetAggregatedApparentPower sums apparent power across active channels.
func (e *Engine) GetAggregatedApparentPower() float64 {
	return e.aggregate(func(mv ifaces.MeterValues) float64 { return mv.ApparentPower })
}

// GetAggregatedPowerFactor derives an aggregated power factor from the
// aggregated active and apparent power, rather than averaging individual
// channels' power factors (which would not be power-weighted correctly).
func (e *Engine) GetAggregatedPowerFactor() float64 {
	apparent := e.GetAggregatedApparentPower()
	if apparent == 0 {
		return 0
	}
	return e.GetAggregatedActivePower() / apparent
}

// --- Waveform capture JSON --------------------------------------------------

// WaveformSample is one voltage/current pair in engineering units, for the
// JSON waveform capture accessor.
type WaveformSample struct {
	Volts       float64 `json:"volts"`
	Amps        float64 `json:"amps"`
	MicrosFromStart int64 `json:"microsFromStart"`
}

// GetWaveformCaptureJSON drains a Complete capture and marshals it as
// engineering-unit samples (SPEC_FULL.md §4.3).
func (e *Engine) GetWaveformCaptureJSON() ([]byte, error) {
	if e.CaptureStatus() != ifaces.CaptureComplete {
		return nil, meterrors.NewCaptureError("read", meterrors.ErrCaptureInFlight)
	}

	channel := e.CaptureChannel()
	ch, err := e.GetChannelData(channel)
	if err != nil {
		return nil, err
	}

	vRaw := make([]int32, waveformMaxSamples)
	iRaw := make([]int32, waveformMaxSamples)
	tRaw := make([]int64, waveformMaxSamples)
	n := e.CaptureData(vRaw, iRaw, tRaw)

	samples := make([]WaveformSample, n)
	for i := 0; i < n; i++ {
		samples[i] = WaveformSample{
			Volts:           float64(vRaw[i]) * voltageLsb,
			Amps:            instantaneousCurrentToAmps(iRaw[i], ch.CtSpecification.ALsb),
			MicrosFromStart: tRaw[i],
		}
	}
	return json.Marshal(samples)
}

// --- Task info ---------------------------------------------------------

// TaskInfo is a process-lifetime view of the supervision counters (the
// same four counters Stats returns), exposed for diagnostics endpoints. It
// carries no per-task stack or goroutine health data.
type TaskInfo struct {
	TotalInterrupts        uint64 `json:"totalInterrupts"`
	TotalHandledInterrupts uint64 `json:"totalHandledInterrupts"`
	ReadingCount           uint64 `json:"readingCount"`
	ReadingCountFailure    uint64 `json:"readingCountFailure"`
}

// GetTaskInfo returns a snapshot of the process-lifetime counters.
func (e *Engine) GetTaskInfo() TaskInfo {
	totalInterrupts, totalHandled, readingCount, readingFailures := e.Stats()
	return TaskInfo{
		TotalInterrupts:        totalInterrupts,
		TotalHandledInterrupts: totalHandled,
		ReadingCount:           readingCount,
		ReadingCountFailure:    readingFailures,
	}
}
