// Copyright (c) 2026 EnergyMe Project Contributors
// Licensed under the MIT License

// Package hardware adapts the real periph.io GPIO/SPI primitives to the
// pkg/ifaces collaborator interfaces the engine depends on. Nothing in
// engine, transport, or persistence imports this package directly; it is
// wired in exclusively from main.go, keeping the core testable against
// fakes and this package testable against nothing but real hardware.
package hardware

import (
	"fmt"
	"time"

	"periph.io/x/periph/conn/gpio"
	"periph.io/x/periph/conn/spi"

	"github.com/topogigio/energyme-home-core/pkg/ifaces"
)

// SPIBusConfig holds the SPI bus parameters used to reach the ADE7953 (the
// maximum clock speed); the port and the reset and interrupt GPIO lines
// are passed separately.
type SPIBusConfig struct {
	MaxHz int64
}

// PeriphSPIBus implements ifaces.SPIBus over a real periph.io SPI port
// plus two discrete GPIO lines (reset, interrupt). Connect() is called
// once, at construction time.
type PeriphSPIBus struct {
	conn    spi.Conn
	resetPin gpio.PinOut
	irqPin   gpio.PinIn
}

// NewPeriphSPIBus connects port at the given speed in SPI mode 0
// (CPOL=0, CPHA=0, per the ADE7953 datasheet), 8 bits per word, and
// configures the interrupt line as a pulled-up falling-edge input and the
// reset line as an output driven high.
func NewPeriphSPIBus(port spi.Port, cfg SPIBusConfig, resetPin gpio.PinOut, irqPin gpio.PinIn) (*PeriphSPIBus, error) {
	conn, err := port.Connect(cfg.MaxHz, spi.Mode0, 8)
	if err != nil {
		return nil, fmt.Errorf("hardware: spi connect: %w", err)
	}
	if err := irqPin.In(gpio.PullUp, gpio.FallingEdge); err != nil {
		return nil, fmt.Errorf("hardware: irq pin configure: %w", err)
	}
	if err := resetPin.Out(gpio.High); err != nil {
		return nil, fmt.Errorf("hardware: reset pin configure: %w", err)
	}
	return &PeriphSPIBus{conn: conn, resetPin: resetPin, irqPin: irqPin}, nil
}

// Transfer performs one full-duplex exchange. periph.io's spi.Conn.Tx
// requires equal-length read/write buffers; the ADE7953 transport frames
// already size tx to exactly the bytes it expects back.
func (b *PeriphSPIBus) Transfer(tx []byte) ([]byte, error) {
	rx := make([]byte, len(tx))
	if err := b.conn.Tx(tx, rx); err != nil {
		return nil, fmt.Errorf("hardware: spi transfer: %w", err)
	}
	return rx, nil
}

// Reset drives the reset line low for d, then releases it high, per the
// ADE7953's active-low hardware reset pin.
func (b *PeriphSPIBus) Reset(d time.Duration) error {
	if err := b.resetPin.Out(gpio.Low); err != nil {
		return fmt.Errorf("hardware: reset assert: %w", err)
	}
	time.Sleep(d)
	if err := b.resetPin.Out(gpio.High); err != nil {
		return fmt.Errorf("hardware: reset release: %w", err)
	}
	return nil
}

// WaitForInterrupt blocks on the IRQ pin's falling edge or ctx
// cancellation, whichever comes first. periph.io's WaitForEdge has no
// context awareness, so this polls it in short slices to stay
// responsive to cancellation without busy-spinning the CPU.
func (b *PeriphSPIBus) WaitForInterrupt(ctx interface {
	Done() <-chan struct{}
}) (int64, bool) {
	const pollSlice = 50 * time.Millisecond
	for {
		select {
		case <-ctx.Done():
			return 0, false
		default:
		}
		if b.irqPin.WaitForEdge(pollSlice) {
			return time.Now().UnixMilli(), true
		}
	}
}

var _ ifaces.SPIBus = (*PeriphSPIBus)(nil)
