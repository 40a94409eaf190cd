// Copyright (c) 2026 EnergyMe Project Contributors
// Licensed under the MIT License

package engine

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/topogigio/energyme-home-core/persistence"
	"github.com/topogigio/energyme-home-core/pkg/ifaces"
	"github.com/topogigio/energyme-home-core/storage"
)

// Bookkeeping register addresses mirrored from transport.go: the fake SPI
// bus must model the ADE7953's LAST_ADDRESS/LAST_OP/LAST_RWDATA registers
// for transport.Transport's verified reads/writes to succeed by default.
const (
	bkRegLastAddress uint16 = 0x0021
	bkRegLastOp      uint16 = 0x001E
	bkRegLastRwData8  uint16 = 0x001F
	bkRegLastRwData16 uint16 = 0x0020
	bkRegLastRwData24 uint16 = 0x0022
	bkRegLastRwData32 uint16 = 0x0023

	bkDirRead  byte = 0x01
	bkDirWrite byte = 0x00
)

func isBookkeepingRegister(address uint16) bool {
	switch address {
	case bkRegLastAddress, bkRegLastOp, bkRegLastRwData8, bkRegLastRwData16, bkRegLastRwData24, bkRegLastRwData32:
		return true
	default:
		return false
	}
}

func maskToWidth(v uint32, width int) uint32 {
	if width >= 32 {
		return v
	}
	return v & ((1 << uint(width)) - 1)
}

// fakeSPIBus emulates the ADE7953's register map over the wire protocol
// transport.go frames: a 16-bit address, a direction byte, then N/8 data
// bytes MSB-first. Every access to a non-bookkeeping register updates the
// simulated LAST_ADDRESS/LAST_OP/LAST_RWDATA registers, exactly as the real
// device does, so transport.Transport's verify path succeeds without any
// special-casing in the code under test. Accessing the bookkeeping
// registers themselves never updates them, or verification would be
// impossible to implement on real hardware either.
type fakeSPIBus struct {
	mu   sync.Mutex
	regs map[uint16]uint32

	lastAddr uint16
	lastOp   byte
	lastData uint32

	transferErr error
	resetCount  int

	irq chan int64
}

func newFakeSPIBus() *fakeSPIBus {
	return &fakeSPIBus{
		regs: make(map[uint16]uint32),
		irq:  make(chan int64, 8),
	}
}

func (b *fakeSPIBus) setRegister(address uint16, value uint32) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.regs[address] = value
}

func (b *fakeSPIBus) register(address uint16) uint32 {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.regs[address]
}

func (b *fakeSPIBus) triggerInterrupt(wallMs int64) {
	b.irq <- wallMs
}

func (b *fakeSPIBus) Transfer(tx []byte) ([]byte, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.transferErr != nil {
		return nil, b.transferErr
	}
	if len(tx) < 3 {
		return nil, errShortFrame
	}

	address := uint16(tx[0])<<8 | uint16(tx[1])
	dir := tx[2]
	data := tx[3:]
	width := len(data) * 8
	bookkeeping := isBookkeepingRegister(address)

	rx := make([]byte, len(tx))

	if dir == bkDirRead {
		var value uint32
		if bookkeeping {
			value = maskToWidth(b.bookkeepingValue(address), width)
		} else {
			value = b.regs[address]
		}
		n := len(data)
		for i := 0; i < n; i++ {
			rx[len(rx)-1-i] = byte(value >> (8 * uint(i)))
		}
		if !bookkeeping {
			b.lastAddr = address
			b.lastOp = bkDirRead
			b.lastData = value
		}
		return rx, nil
	}

	var value uint32
	for _, bt := range data {
		value = value<<8 | uint32(bt)
	}
	if !bookkeeping {
		b.regs[address] = value
		b.lastAddr = address
		b.lastOp = bkDirWrite
		b.lastData = value
	}
	return rx, nil
}

func (b *fakeSPIBus) bookkeepingValue(address uint16) uint32 {
	switch address {
	case bkRegLastAddress:
		return uint32(b.lastAddr)
	case bkRegLastOp:
		return uint32(b.lastOp)
	default:
		return b.lastData
	}
}

func (b *fakeSPIBus) Reset(d time.Duration) error {
	b.mu.Lock()
	b.resetCount++
	b.mu.Unlock()
	return nil
}

func (b *fakeSPIBus) WaitForInterrupt(ctx interface {
	Done() <-chan struct{}
}) (int64, bool) {
	select {
	case ms := <-b.irq:
		return ms, true
	case <-ctx.Done():
		return 0, false
	}
}

type fakeFrameError struct{ msg string }

func (e *fakeFrameError) Error() string { return e.msg }

var errShortFrame = &fakeFrameError{msg: "fake spi: frame shorter than header"}

// fakeMultiplexer records every SetChannel call.
type fakeMultiplexer struct {
	mu  sync.Mutex
	set []uint8
	err error
}

func (m *fakeMultiplexer) SetChannel(k uint8) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.err != nil {
		return m.err
	}
	m.set = append(m.set, k)
	return nil
}

func (m *fakeMultiplexer) calls() []uint8 {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]uint8, len(m.set))
	copy(out, m.set)
	return out
}

// fakeClock is a controllable ifaces.WallClock.
type fakeClock struct {
	mu       sync.Mutex
	unixMs   int64
	monoUs   int64
	in_sync  bool
}

func newFakeClock() *fakeClock {
	return &fakeClock{unixMs: 1_700_000_000_000, monoUs: 1_000_000, in_sync: true}
}

func (c *fakeClock) UnixMilli() int64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.unixMs
}

func (c *fakeClock) MonotonicMicros() int64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.monoUs++
	return c.monoUs
}

func (c *fakeClock) Synchronized() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.in_sync
}

func (c *fakeClock) advance(ms int64) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.unixMs += ms
	c.monoUs += ms * 1000
}

// fakeLogger records the format string of every Warnf call (read back with
// warningCount) and discards Debugf, Infof and Errorf calls.
type fakeLogger struct {
	mu       sync.Mutex
	warnings []string
}

func (l *fakeLogger) Debugf(format string, args ...any) {}
func (l *fakeLogger) Infof(format string, args ...any)  {}
func (l *fakeLogger) Warnf(format string, args ...any) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.warnings = append(l.warnings, format)
}
func (l *fakeLogger) Errorf(format string, args ...any) {}

func (l *fakeLogger) warningCount() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.warnings)
}

// fakeRestarter records every restart request instead of exiting.
type fakeRestarter struct {
	mu      sync.Mutex
	reasons []ifaces.RestartReason
}

func (r *fakeRestarter) Request(reason ifaces.RestartReason) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.reasons = append(r.reasons, reason)
}

func (r *fakeRestarter) requested() []ifaces.RestartReason {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]ifaces.RestartReason, len(r.reasons))
	copy(out, r.reasons)
	return out
}

// fakeLed records the last fault state driven.
type fakeLed struct {
	mu     sync.Mutex
	active bool
	calls  int
}

func (l *fakeLed) SetFaultState(active bool) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.active = active
	l.calls++
}

// fakeStats is a no-op ifaces.StatsSink that counts invocations, so tests
// can assert a reading/failure was observed without depending on
// Prometheus.
type fakeStats struct {
	mu              sync.Mutex
	readingCount    int
	readingFailures int
	softFailures    int
	criticalFailures int
}

func (s *fakeStats) IncReadingCount() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.readingCount++
}
func (s *fakeStats) IncReadingFailure() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.readingFailures++
}
func (s *fakeStats) IncSoftFailure() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.softFailures++
}
func (s *fakeStats) IncCriticalFailure() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.criticalFailures++
}
func (s *fakeStats) ObserveCaptureDuration(seconds float64)             {}
func (s *fakeStats) SetChannelGauges(channel int, mv ifaces.MeterValues) {}

// testHarness bundles an Engine with its fakes for direct field/method
// access from test bodies.
type testHarness struct {
	engine    *Engine
	bus       *fakeSPIBus
	mux       *fakeMultiplexer
	clock     *fakeClock
	log       *fakeLogger
	restarter *fakeRestarter
	led       *fakeLed
	stats     *fakeStats
}

// newTestHarness constructs an Engine wired to fakes plus a real
// persistence.Manager backed by a temp-dir JSON KV store and filesystem
// (storage.JvKvStore/OsFilesystem), so persistence semantics are exercised
// rather than faked away.
func newTestHarness(t *testing.T) *testHarness {
	t.Helper()

	dir := t.TempDir()
	kv, err := storage.NewJvKvStore(dir)
	if err != nil {
		t.Fatalf("NewJvKvStore: %v", err)
	}
	fs := storage.NewOsFilesystem()

	bus := newFakeSPIBus()
	mux := &fakeMultiplexer{}
	clock := newFakeClock()
	log := &fakeLogger{}
	restarter := &fakeRestarter{}
	led := &fakeLed{}
	stats := &fakeStats{}

	persist := persistence.New(persistence.Config{
		CsvDirectory:       dir,
		CheckpointInterval: time.Hour,
		CheckpointDeltaWh:  0.001,
		CsvSaveThresholdWh: 0.001,
		HourTolerance:      90 * time.Second,
	}, kv, fs, clock, log)

	eng := New(Deps{
		Bus:       bus,
		Mux:       mux,
		Kv:        kv,
		Fs:        fs,
		Clock:     clock,
		Log:       log,
		Restarter: restarter,
		Led:       led,
		Stats:     stats,
		Persist:   persist,
	}, 1000, 50.0, 20, 10, time.Minute, time.Minute)

	return &testHarness{engine: eng, bus: bus, mux: mux, clock: clock, log: log, restarter: restarter, led: led, stats: stats}
}

// begin calls Engine.Begin with a cancellable context and registers a
// cleanup that stops the engine's tasks at test end.
func (h *testHarness) begin(t *testing.T) context.Context {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	if err := h.engine.Begin(ctx); err != nil {
		cancel()
		t.Fatalf("Begin: %v", err)
	}
	t.Cleanup(func() {
		h.engine.Stop()
		cancel()
	})
	return ctx
}

// activeChannel installs an active channel with a simple CT calibration so
// register-driven reads produce non-zero engineering-unit values.
func activeChannel(index int, phase ifaces.Phase) ifaces.ChannelData {
	return ifaces.ChannelData{
		Index:  index,
		Active: true,
		Phase:  phase,
		Label:  "test channel",
		CtSpecification: ifaces.CtSpecification{
			ALsb:    0.001,
			WhLsb:   0.01,
			VarhLsb: 0.01,
			VahLsb:  0.01,
		},
	}
}
