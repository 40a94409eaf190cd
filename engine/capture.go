// Copyright (c) 2026 EnergyMe Project Contributors
// Licensed under the MIT License

package engine

import (
	"sync"
	"time"

	"github.com/topogigio/energyme-home-core/pkg/ifaces"
	"github.com/topogigio/energyme-home-core/pkg/meterrors"
)

// captureState implements the Waveform Capture component (SPEC_FULL.md
// §4.3): an arm/capture/complete state machine whose active phase runs
// inline inside the CYCEND handler, bounded by sample count, wall-clock
// duration, and a loop-iteration safety cap.
type captureState struct {
	mu      sync.Mutex
	status  ifaces.CaptureStatus
	channel int

	startWallMs    int64
	startMonoUs    int64
	samples        []ifaces.CaptureSample
	allocated      bool
}

// allocate reserves the capture buffers once at Begin.
func (c *captureState) allocate() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.samples = make([]ifaces.CaptureSample, 0, waveformMaxSamples)
	c.allocated = true
	c.status = ifaces.CaptureIdle
}

// free releases the capture buffers at Stop.
func (c *captureState) free() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.samples = nil
	c.allocated = false
}

// StartWaveformCapture arms a capture for the given logical channel. Rate
// limited (golang.org/x/time/rate) so a flood of capture requests is
// throttled rather than silently dropped.
func (e *Engine) StartWaveformCapture(channel int) error {
	if channel < 0 || channel >= logicalChannelCount {
		return meterrors.ErrInvalidChannel
	}
	if !e.captureLimiter.Allow() {
		return meterrors.NewCaptureError("arm", meterrors.ErrCaptureInFlight)
	}

	e.capture.mu.Lock()
	defer e.capture.mu.Unlock()

	if !e.capture.allocated {
		return meterrors.ErrBufferNotAllocated
	}
	if e.capture.status == ifaces.CaptureArmed || e.capture.status == ifaces.CaptureCapturing {
		return meterrors.NewCaptureError("arm", meterrors.ErrCaptureInFlight)
	}

	e.capture.status = ifaces.CaptureArmed
	e.capture.channel = channel
	e.capture.samples = e.capture.samples[:0]
	return nil
}

// CaptureStatus returns the current state of the capture state machine.
func (e *Engine) CaptureStatus() ifaces.CaptureStatus {
	e.capture.mu.Lock()
	defer e.capture.mu.Unlock()
	return e.capture.status
}

// CaptureChannel returns the channel a capture is armed/capturing/complete
// for.
func (e *Engine) CaptureChannel() int {
	e.capture.mu.Lock()
	defer e.capture.mu.Unlock()
	return e.capture.channel
}

// CaptureData copies up to len(vOut) samples out of a Complete capture and
// resets the state machine to Idle.
func (e *Engine) CaptureData(vOut, iOut []int32, tOut []int64) int {
	e.capture.mu.Lock()
	defer e.capture.mu.Unlock()

	if e.capture.status != ifaces.CaptureComplete {
		return 0
	}

	n := len(e.capture.samples)
	cap := len(vOut)
	if cap < n {
		n = cap
	}
	for i := 0; i < n; i++ {
		vOut[i] = e.capture.samples[i].VoltageLsb
		iOut[i] = e.capture.samples[i].CurrentLsb
		tOut[i] = e.capture.samples[i].MicrosFromStart
	}

	e.capture.status = ifaces.CaptureIdle
	e.capture.samples = e.capture.samples[:0]
	return n
}

// runCaptureIfArmed transitions an Armed capture for the matching channel
// into Capturing and runs the tight inline polling loop. It must run
// before the per-channel energy read in the same CYCEND, because the
// device's accumulated values stay frozen only until the next CYCEND
// (SPEC_FULL.md §4.3's freezing guarantee).
func (e *Engine) runCaptureIfArmed(logicalChannel int, startWallMs int64) {
	e.capture.mu.Lock()
	armed := e.capture.status == ifaces.CaptureArmed && e.capture.channel == logicalChannel
	if armed {
		e.capture.status = ifaces.CaptureCapturing
		e.capture.startWallMs = startWallMs
		e.capture.startMonoUs = e.clock.MonotonicMicros()
	}
	e.capture.mu.Unlock()

	if !armed {
		return
	}

	isChannelB := logicalChannel != 0
	vReg, iReg := uint16(regVWV), uint16(regIWV)
	if isChannelB {
		iReg = regIWVB
	}

	start := time.Now()
	startMonoUs := e.capture.startMonoUs
	var samples []ifaces.CaptureSample

	for i := 0; i < waveformMaxLoopIterations; i++ {
		if len(samples) >= waveformMaxSamples {
			break
		}
		if time.Since(start) >= waveformMaxDuration {
			break
		}

		vLsb := e.transport.ReadRegister(vReg, 24, true, false)
		iLsb := e.transport.ReadRegister(iReg, 24, true, false)

		samples = append(samples, ifaces.CaptureSample{
			VoltageLsb:      vLsb,
			CurrentLsb:      iLsb,
			MicrosFromStart: e.clock.MonotonicMicros() - startMonoUs,
		})
	}

	if e.stats != nil {
		e.stats.ObserveCaptureDuration(time.Since(start).Seconds())
	}

	e.capture.mu.Lock()
	e.capture.samples = samples
	e.capture.status = ifaces.CaptureComplete
	e.capture.mu.Unlock()
}

// instantaneousCurrentToAmps converts a raw instantaneous current LSB to
// amps using the channel's aLsb and the documented scale ratio, resolving
// SPEC_FULL.md §9's second open question instead of copying the original's
// unexplained "×2" constant forward.
func instantaneousCurrentToAmps(raw int32, aLsb float64) float64 {
	return float64(raw) * aLsb * instantaneousToRMSFullScaleRatio
}
