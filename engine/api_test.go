// Copyright (c) 2026 EnergyMe Project Contributors
// Licensed under the MIT License

package engine

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/topogigio/energyme-home-core/pkg/ifaces"
	"github.com/topogigio/energyme-home-core/pkg/meterrors"
)

func fullCalibration() ifaces.Ade7953Configuration {
	return ifaces.Ade7953Configuration{
		VGain: 1000, VOffset: -100,
		AIGain: 2000, AIOffset: -200,
		BIGain: 3000, BIOffset: -300,
		AWGain: 4000, AWOffset: -400,
		BWGain: 5000, BWOffset: -500,
		AVarGain: 6000, AVarOffset: -600,
		BVarGain: 7000, BVarOffset: -700,
		AVaGain: 8000, AVaOffset: -800,
		BVaGain: 9000, BVaOffset: -900,
		APhaseCal: 10, BPhaseCal: -10,
	}
}

func TestSetConfigurationRoundTripsThroughGetConfiguration(t *testing.T) {
	h := newTestHarness(t)
	h.begin(t)

	cfg := fullCalibration()
	require.NoError(t, h.engine.SetConfiguration(cfg))
	assert.Equal(t, cfg, h.engine.GetConfiguration())
}

func TestResetConfigurationWritesZeroValue(t *testing.T) {
	h := newTestHarness(t)
	h.begin(t)

	require.NoError(t, h.engine.SetConfiguration(fullCalibration()))
	require.NoError(t, h.engine.ResetConfiguration())
	assert.Equal(t, ifaces.Ade7953Configuration{}, h.engine.GetConfiguration())
}

func TestGetConfigurationJSONRoundTrips(t *testing.T) {
	h := newTestHarness(t)
	h.begin(t)

	cfg := fullCalibration()
	require.NoError(t, h.engine.SetConfiguration(cfg))

	raw, err := h.engine.GetConfigurationJSON()
	require.NoError(t, err)

	var decoded ifaces.Ade7953Configuration
	require.NoError(t, json.Unmarshal(raw, &decoded))
	assert.Equal(t, cfg, decoded)
}

func TestSetConfigurationJSONValidatesAgainstSchema(t *testing.T) {
	h := newTestHarness(t)
	h.begin(t)

	err := h.engine.SetConfigurationJSON(map[string]interface{}{"vGain": "not a number"})
	assert.Error(t, err)
}

func TestSetSampleTimeGetSampleTimeRoundTrip(t *testing.T) {
	h := newTestHarness(t)
	h.begin(t)

	require.NoError(t, h.engine.SetSampleTime(2000))
	assert.Equal(t, 2000, h.engine.GetSampleTime())
}

func TestSetSampleTimeRejectsBelowMinimum(t *testing.T) {
	h := newTestHarness(t)
	h.begin(t)

	err := h.engine.SetSampleTime(minSampleTimeMs - 1)
	assert.Error(t, err)
}

func TestSetChannelDataChannelZeroCannotBeDeactivatedOrRephased(t *testing.T) {
	h := newTestHarness(t)
	h.begin(t)

	err := h.engine.SetChannelData(0, ifaces.ChannelData{Active: false, Phase: ifaces.Phase3})
	require.NoError(t, err)

	ch, err := h.engine.GetChannelData(0)
	require.NoError(t, err)
	assert.True(t, ch.Active)
	assert.Equal(t, ifaces.Phase1, ch.Phase)
}

func TestSetChannelDataRejectsOutOfRangeChannel(t *testing.T) {
	h := newTestHarness(t)
	h.begin(t)
	assert.ErrorIs(t, h.engine.SetChannelData(99, ifaces.ChannelData{}), meterrors.ErrInvalidChannel)
	assert.ErrorIs(t, h.engine.ResetChannelData(99), meterrors.ErrInvalidChannel)
}

func TestSetChannelDataJSONMergesOntoExistingMetadata(t *testing.T) {
	h := newTestHarness(t)
	h.begin(t)

	require.NoError(t, h.engine.SetChannelData(4, activeChannel(4, ifaces.Phase2)))

	require.NoError(t, h.engine.SetChannelDataJSON(4, map[string]interface{}{"label": "oven"}))

	ch, err := h.engine.GetChannelData(4)
	require.NoError(t, err)
	assert.Equal(t, "oven", ch.Label)
	assert.True(t, ch.Active, "fields not present in the payload must survive the merge")
	assert.Equal(t, ifaces.Phase2, ch.Phase)
}

func TestSetChannelDataJSONRejectsEmptyPayload(t *testing.T) {
	h := newTestHarness(t)
	h.begin(t)
	err := h.engine.SetChannelDataJSON(4, map[string]interface{}{})
	assert.ErrorIs(t, err, meterrors.ErrNoRecognizedField)
}

func TestGetChannelDataJSONRoundTrips(t *testing.T) {
	h := newTestHarness(t)
	h.begin(t)

	require.NoError(t, h.engine.SetChannelData(7, activeChannel(7, ifaces.Phase3)))
	raw, err := h.engine.GetChannelDataJSON(7)
	require.NoError(t, err)

	var decoded ifaces.ChannelData
	require.NoError(t, json.Unmarshal(raw, &decoded))
	assert.Equal(t, 7, decoded.Index)
	assert.Equal(t, ifaces.Phase3, decoded.Phase)
}

func TestResetEnergyValuesWipesEveryChannel(t *testing.T) {
	h := newTestHarness(t)
	h.begin(t)

	require.NoError(t, h.engine.SetEnergyValues(1, ifaces.MeterValues{
		ActiveEnergyImported: 10, ReactiveEnergyExported: 5, ApparentEnergy: 3,
	}))

	mv, _ := h.engine.GetMeterValues(1)
	require.Greater(t, mv.ActiveEnergyImported, 0.0)

	require.NoError(t, h.engine.ResetEnergyValues())

	mv, _ = h.engine.GetMeterValues(1)
	assert.Zero(t, mv.ActiveEnergyImported)
	assert.Zero(t, mv.ReactiveEnergyExported)
	assert.Zero(t, mv.ApparentEnergy)
}

func TestAggregatedPowerSumsOnlyActiveNonReferenceChannels(t *testing.T) {
	h := newTestHarness(t)
	h.begin(t)

	require.NoError(t, h.engine.SetChannelData(1, activeChannel(1, ifaces.Phase1)))
	require.NoError(t, h.engine.ResetChannelData(2)) // inactive

	h.engine.meterValuesLock.Lock()
	h.engine.meterValues[1].ActivePower = 100
	h.engine.meterValues[1].ReactivePower = 20
	h.engine.meterValues[1].ApparentPower = 102
	h.engine.meterValues[2].ActivePower = 999 // must not be counted: channel 2 is inactive
	h.engine.meterValuesLock.Unlock()

	assert.Equal(t, 100.0, h.engine.GetAggregatedActivePower())
	assert.Equal(t, 20.0, h.engine.GetAggregatedReactivePower())
	assert.Equal(t, 102.0, h.engine.GetAggregatedApparentPower())
	assert.InDelta(t, 100.0/102.0, h.engine.GetAggregatedPowerFactor(), 1e-9)
}

func TestAggregatedPowerFactorIsZeroWhenApparentPowerIsZero(t *testing.T) {
	h := newTestHarness(t)
	h.begin(t)
	assert.Zero(t, h.engine.GetAggregatedPowerFactor())
}

func TestFullMeterValuesJSONKeysByChannelIndex(t *testing.T) {
	h := newTestHarness(t)
	h.begin(t)

	raw, err := h.engine.FullMeterValuesJSON()
	require.NoError(t, err)

	var decoded map[string]ifaces.MeterValues
	require.NoError(t, json.Unmarshal(raw, &decoded))
	assert.Len(t, decoded, logicalChannelCount)
	assert.Contains(t, decoded, "channel_0")
	assert.Contains(t, decoded, "channel_16")
}

func TestSingleMeterValuesJSONRejectsOutOfRangeChannel(t *testing.T) {
	h := newTestHarness(t)
	h.begin(t)
	_, err := h.engine.SingleMeterValuesJSON(-1)
	assert.Error(t, err)
}

func TestGetWaveformCaptureJSONErrorsWhenNoCompleteCapture(t *testing.T) {
	h := newTestHarness(t)
	h.begin(t)
	_, err := h.engine.GetWaveformCaptureJSON()
	assert.Error(t, err)
}

func TestGetWaveformCaptureJSONReturnsEngineeringUnitsAfterCompletion(t *testing.T) {
	h := newTestHarness(t)
	h.begin(t)

	require.NoError(t, h.engine.SetChannelData(2, activeChannel(2, ifaces.Phase1)))
	require.NoError(t, h.engine.StartWaveformCapture(2))
	h.engine.runCaptureIfArmed(2, 1000)

	raw, err := h.engine.GetWaveformCaptureJSON()
	require.NoError(t, err)

	var samples []WaveformSample
	require.NoError(t, json.Unmarshal(raw, &samples))
	assert.NotEmpty(t, samples)
}

func TestGetTaskInfoReflectsStats(t *testing.T) {
	h := newTestHarness(t)
	h.begin(t)

	h.bus.setRegister(regIRQSTATA, irqBitCycend)
	h.engine.handleInterrupt(1)

	info := h.engine.GetTaskInfo()
	assert.Equal(t, uint64(1), info.TotalInterrupts)
	assert.Equal(t, uint64(1), info.TotalHandledInterrupts)
}
