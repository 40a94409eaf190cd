// Copyright (c) 2026 EnergyMe Project Contributors
// Licensed under the MIT License

package hardware

import (
	"periph.io/x/periph/conn/gpio"

	"github.com/topogigio/energyme-home-core/pkg/ifaces"
)

// LedGPIO drives a single fault-indicator LED from a real GPIO output
// pin, active-high.
type LedGPIO struct {
	pin gpio.PinOut
}

// NewLedGPIO wires an already-configured output pin as the fault LED.
func NewLedGPIO(pin gpio.PinOut) *LedGPIO {
	return &LedGPIO{pin: pin}
}

// SetFaultState drives the LED on when active, off otherwise. Errors
// from the underlying pin are swallowed: a failing LED must never take
// down the metering core, which is the one thing it exists to signal
// trouble about.
func (l *LedGPIO) SetFaultState(active bool) {
	level := gpio.Low
	if active {
		level = gpio.High
	}
	_ = l.pin.Out(level)
}

var _ ifaces.LedController = (*LedGPIO)(nil)
