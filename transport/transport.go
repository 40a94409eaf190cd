// Copyright (c) 2026 EnergyMe Project Contributors
// Licensed under the MIT License

// Package transport implements the ADE7953 SPI register protocol: address/
// direction framing, signed decoding, and optional hardware-assisted
// verification of the last register access.
//
// # Wire format
//
// Each transaction is a 16-bit register address (MSB first), a one-byte
// read/write direction marker, and N/8 data bytes (MSB first), where N is
// the register width in {8,16,24,32}. Chip-select is asserted for the
// duration of one transaction.
//
// # Locking
//
// Two mutually exclusive locks cover every transfer: a line lock serializes
// raw byte exchanges, and an operation lock wraps the line lock to serialize
// a verified transfer (primary transfer + verification readback) as a
// single atomic unit. Both acquire with a bounded timeout; a timeout counts
// as a failure.
package transport

import (
	"context"
	"sync"
	"time"

	"github.com/sony/gobreaker"

	"github.com/topogigio/energyme-home-core/pkg/ifaces"
	"github.com/topogigio/energyme-home-core/pkg/meterrors"
)

// Register width/direction markers, per the ADE7953 SPI protocol.
const (
	dirRead  byte = 0x01
	dirWrite byte = 0x00
)

// Auxiliary "last operation" registers used for verification.
const (
	regLastAddress uint16 = 0x0021
	regLastOp      uint16 = 0x001E
	regLastRwData8 uint16 = 0x001F
	regLastRwData16 uint16 = 0x0020
	regLastRwData24 uint16 = 0x0022
	regLastRwData32 uint16 = 0x0023
)

// INVALID is returned by ReadRegister on any failure.
const INVALID int32 = -1

// lockTimeout bounds every mutex acquisition; a timeout is a failure, never
// a deadlock.
const lockTimeout = 250 * time.Millisecond

// Transport implements the SPI Transport component (SPEC_FULL.md §4.1).
type Transport struct {
	bus ifaces.SPIBus

	lineMu sync.Mutex
	opMu   sync.Mutex

	breaker *gobreaker.CircuitBreaker

	stats ifaces.StatsSink
	log   ifaces.Logger

	configChangedMu sync.Mutex
	configChanged   bool
}

// New constructs a Transport around the given SPI bus.
func New(bus ifaces.SPIBus, stats ifaces.StatsSink, log ifaces.Logger) *Transport {
	cb := gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:        "ade7953-verified-transfer",
		MaxRequests: 1,
		Interval:    0,
		Timeout:     5 * time.Second,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= 5
		},
	})

	return &Transport{
		bus:     bus,
		breaker: cb,
		stats:   stats,
		log:     log,
	}
}

// lockLine acquires the line lock with a bounded timeout.
func (t *Transport) lockLine() bool {
	return tryLock(&t.lineMu, lockTimeout)
}

// lockOp acquires the operation lock with a bounded timeout.
func (t *Transport) lockOp() bool {
	return tryLock(&t.opMu, lockTimeout)
}

// tryLock acquires mu within d, returning false on timeout. sync.Mutex has
// no native TryLock-with-timeout, so this polls with a short backoff; the
// budget is small enough that this never meaningfully delays a non-contended
// acquisition.
func tryLock(mu *sync.Mutex, d time.Duration) bool {
	deadline := time.Now().Add(d)
	for {
		if mu.TryLock() {
			return true
		}
		if !time.Now().Before(deadline) {
			return false
		}
		time.Sleep(time.Millisecond)
	}
}

func frame(address uint16, dir byte, width int, data []byte) []byte {
	buf := make([]byte, 0, 3+width/8)
	buf = append(buf, byte(address>>8), byte(address))
	buf = append(buf, dir)
	buf = append(buf, data...)
	return buf
}

func widthBytes(width int) int { return width / 8 }

func validWidth(width int) bool {
	switch width {
	case 8, 16, 24, 32:
		return true
	default:
		return false
	}
}

func lastRwDataRegister(width int) uint16 {
	switch width {
	case 8:
		return regLastRwData8
	case 16:
		return regLastRwData16
	case 24:
		return regLastRwData24
	default:
		return regLastRwData32
	}
}

// rawRead performs one framed read under the line lock, without
// verification or circuit-breaker wrapping.
func (t *Transport) rawRead(address uint16, width int) (uint32, error) {
	if !validWidth(width) {
		return 0, meterrors.ErrInvalidRegisterWidth
	}
	if !t.lockLine() {
		return 0, meterrors.ErrMutexTimeout
	}
	defer t.lineMu.Unlock()

	tx := frame(address, dirRead, width, make([]byte, widthBytes(width)))
	rx, err := t.bus.Transfer(tx)
	if err != nil {
		return 0, meterrors.NewTransportError("read", address, err)
	}
	data := rx[len(rx)-widthBytes(width):]

	var value uint32
	for _, b := range data {
		value = value<<8 | uint32(b)
	}
	return value, nil
}

// rawWrite performs one framed write under the line lock.
func (t *Transport) rawWrite(address uint16, width int, value uint32) error {
	if !validWidth(width) {
		return meterrors.ErrInvalidRegisterWidth
	}
	if !t.lockLine() {
		return meterrors.ErrMutexTimeout
	}
	defer t.lineMu.Unlock()

	n := widthBytes(width)
	data := make([]byte, n)
	for i := 0; i < n; i++ {
		data[n-1-i] = byte(value >> (8 * uint(i)))
	}

	tx := frame(address, dirWrite, width, data)
	if _, err := t.bus.Transfer(tx); err != nil {
		return meterrors.NewTransportError("write", address, err)
	}

	t.configChangedMu.Lock()
	t.configChanged = true
	t.configChangedMu.Unlock()

	return nil
}

func signExtend(value uint32, width int) int32 {
	if value&(1<<(width-1)) == 0 {
		return int32(value)
	}
	return int32(value) - int32(uint64(1)<<width)
}

// ReadRegister performs a framed read and, when verify is set, confirms the
// device's LAST_ADDRESS/LAST_OP/LAST_RWDATA registers agree with what was
// just exchanged.
func (t *Transport) ReadRegister(address uint16, width int, signed bool, verify bool) int32 {
	if !validWidth(width) {
		return INVALID
	}

	if !verify {
		value, err := t.rawRead(address, width)
		if err != nil {
			return INVALID
		}
		return t.decode(value, width, signed)
	}

	result, err := t.breaker.Execute(func() (interface{}, error) {
		if !t.lockOp() {
			return nil, meterrors.ErrMutexTimeout
		}
		defer t.opMu.Unlock()

		value, err := t.rawRead(address, width)
		if err != nil {
			return nil, err
		}
		if err := t.verifyLastOperation(address, dirRead, width, value); err != nil {
			return nil, err
		}
		return value, nil
	})
	if err != nil {
		if t.stats != nil {
			t.stats.IncReadingFailure()
		}
		return INVALID
	}
	return t.decode(result.(uint32), width, signed)
}

// WriteRegister performs a framed write and, when verify is set, confirms
// the device recorded the same address/direction/data.
func (t *Transport) WriteRegister(address uint16, width int, data uint32, verify bool) bool {
	if !validWidth(width) {
		return false
	}

	if !verify {
		return t.rawWrite(address, width, data) == nil
	}

	_, err := t.breaker.Execute(func() (interface{}, error) {
		if !t.lockOp() {
			return nil, meterrors.ErrMutexTimeout
		}
		defer t.opMu.Unlock()

		if err := t.rawWrite(address, width, data); err != nil {
			return nil, err
		}
		if err := t.verifyLastOperation(address, dirWrite, width, data); err != nil {
			return nil, err
		}
		return nil, nil
	})
	if err != nil {
		if t.stats != nil {
			t.stats.IncReadingFailure()
		}
		return false
	}
	return true
}

func (t *Transport) decode(value uint32, width int, signed bool) int32 {
	if signed {
		return signExtend(value, width)
	}
	return int32(value)
}

// verifyLastOperation re-reads the device's last-access bookkeeping
// registers (unverified, to avoid recursion) and confirms they agree with
// what was just exchanged.
func (t *Transport) verifyLastOperation(address uint16, dir byte, width int, data uint32) error {
	lastAddr, err := t.rawRead(regLastAddress, 16)
	if err != nil {
		return err
	}
	lastOp, err := t.rawRead(regLastOp, 8)
	if err != nil {
		return err
	}
	lastData, err := t.rawRead(lastRwDataRegister(width), width)
	if err != nil {
		return err
	}

	wantOp := uint32(dirRead)
	if dir == dirWrite {
		wantOp = uint32(dirWrite)
	}

	// The device records only the low `width` bits of the data exchanged.
	if width < 32 {
		data &= (uint32(1) << uint(width)) - 1
	}

	if uint32(lastAddr) != uint32(address) || lastOp != wantOp || lastData != data {
		if t.log != nil {
			t.log.Warnf("spi verification mismatch: address=0x%04X op=%d wantAddr=0x%04X wantOp=%d", lastAddr, lastOp, address, wantOp)
		}
		return meterrors.ErrVerificationMismatch
	}
	return nil
}

// ConsumeConfigChanged reports and clears the write latch used to
// distinguish an expected CRC-change interrupt from an unexpected one.
func (t *Transport) ConsumeConfigChanged() bool {
	t.configChangedMu.Lock()
	defer t.configChangedMu.Unlock()
	changed := t.configChanged
	t.configChanged = false
	return changed
}

// Reset toggles the hardware reset line.
func (t *Transport) Reset(d time.Duration) error {
	return t.bus.Reset(d)
}

// WaitForInterrupt blocks on the IRQ line via the injected bus until the
// context is cancelled, returning the observed wall-clock timestamp.
func (t *Transport) WaitForInterrupt(ctx context.Context) (int64, bool) {
	return t.bus.WaitForInterrupt(ctx)
}
