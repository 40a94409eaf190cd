// Copyright (c) 2026 EnergyMe Project Contributors
// Licensed under the MIT License

package hardware

import (
	"fmt"

	"periph.io/x/periph/conn/gpio/gpioreg"
	"periph.io/x/periph/conn/spi/spireg"
	"periph.io/x/periph/host"
)

// PinConfig names the GPIO pins the core's physical interface uses,
// keyed by the names periph.io's gpioreg registry recognizes on the
// target board (e.g. "GPIO5", "P1_29"; board-specific, supplied via
// config.EngineConfig).
type PinConfig struct {
	SPIPort  string
	ResetPin string
	IrqPin   string
	MuxS0Pin string
	MuxS1Pin string
	MuxS2Pin string
	MuxS3Pin string
	FaultPin string
}

// Bundle groups the three hardware adapters main.go wires into
// engine.Deps, plus the spi.PortCloser so the caller can Close it on
// shutdown.
type Bundle struct {
	SPI *PeriphSPIBus
	Mux *MuxGPIO
	Led *LedGPIO

	close func() error
}

// Close releases the underlying SPI port handle.
func (b *Bundle) Close() error {
	if b.close == nil {
		return nil
	}
	return b.close()
}

// Open registers all periph.io host drivers, resolves the named pins
// and SPI port, and builds the three ifaces adapters in one step. This
// is the only place in the module that calls host.Init(); everything
// downstream talks to ifaces.SPIBus/Multiplexer/LedController.
func Open(pins PinConfig, busCfg SPIBusConfig) (*Bundle, error) {
	if _, err := host.Init(); err != nil {
		return nil, fmt.Errorf("hardware: host init: %w", err)
	}

	port, err := spireg.Open(pins.SPIPort)
	if err != nil {
		return nil, fmt.Errorf("hardware: open spi port %q: %w", pins.SPIPort, err)
	}

	resetPin := gpioreg.ByName(pins.ResetPin)
	if resetPin == nil {
		return nil, fmt.Errorf("hardware: reset pin %q not found", pins.ResetPin)
	}
	irqPin := gpioreg.ByName(pins.IrqPin)
	if irqPin == nil {
		return nil, fmt.Errorf("hardware: irq pin %q not found", pins.IrqPin)
	}

	spiBus, err := NewPeriphSPIBus(port, busCfg, resetPin, irqPin)
	if err != nil {
		_ = port.Close()
		return nil, err
	}

	s0 := gpioreg.ByName(pins.MuxS0Pin)
	s1 := gpioreg.ByName(pins.MuxS1Pin)
	s2 := gpioreg.ByName(pins.MuxS2Pin)
	s3 := gpioreg.ByName(pins.MuxS3Pin)
	names := [4]string{pins.MuxS0Pin, pins.MuxS1Pin, pins.MuxS2Pin, pins.MuxS3Pin}
	for i, pin := range [4]interface{ Name() string }{s0, s1, s2, s3} {
		if pin == nil {
			return nil, fmt.Errorf("hardware: mux select pin %q (S%d) not found", names[i], i)
		}
	}
	mux := NewMuxGPIO(s0, s1, s2, s3)

	faultPin := gpioreg.ByName(pins.FaultPin)
	if faultPin == nil {
		return nil, fmt.Errorf("hardware: fault led pin %q not found", pins.FaultPin)
	}
	led := NewLedGPIO(faultPin)

	return &Bundle{SPI: spiBus, Mux: mux, Led: led, close: port.Close}, nil
}
