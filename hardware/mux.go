// Copyright (c) 2026 EnergyMe Project Contributors
// Licensed under the MIT License

package hardware

import (
	"fmt"

	"periph.io/x/periph/conn/gpio"

	"github.com/topogigio/energyme-home-core/pkg/ifaces"
)

// MuxGPIO drives the 16:1 analog multiplexer's four binary select lines
// (S0-S3, LSB first) directly from real GPIO pins, per SPEC_FULL.md
// §6's multiplexer control.
type MuxGPIO struct {
	sel [4]gpio.PinOut
}

// NewMuxGPIO wires four already-configured output pins as S0..S3.
func NewMuxGPIO(s0, s1, s2, s3 gpio.PinOut) *MuxGPIO {
	return &MuxGPIO{sel: [4]gpio.PinOut{s0, s1, s2, s3}}
}

// SetChannel drives the select lines to the 4-bit binary pattern of k.
// k must be in [0,15]; anything outside that range is a caller bug.
func (m *MuxGPIO) SetChannel(k uint8) error {
	if k > 15 {
		return fmt.Errorf("hardware: mux position %d out of range [0,15]", k)
	}
	for i := 0; i < 4; i++ {
		level := gpio.Low
		if k&(1<<uint(i)) != 0 {
			level = gpio.High
		}
		if err := m.sel[i].Out(level); err != nil {
			return fmt.Errorf("hardware: mux select line S%d: %w", i, err)
		}
	}
	return nil
}

var _ ifaces.Multiplexer = (*MuxGPIO)(nil)
