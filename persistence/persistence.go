// Copyright (c) 2026 EnergyMe Project Contributors
// Licensed under the MIT License

// Package persistence implements the Energy Persistence component
// (SPEC_FULL.md §4.4): a three-tier durability ladder for per-channel
// energy accumulators --- RAM (owned by the engine), a delta-gated KV/NVS
// checkpoint, and an hourly CSV row per UTC date, compacted to gzip once a
// day. It depends only on pkg/ifaces and pkg/meterrors, never on package
// engine, so the engine can call into it without an import cycle.
//
// Grounded on the reference repository's storage.CachingStorage: the same
// "writes go to an authoritative sink, with a circuit breaker guarding the
// slow/unreliable path and a local fallback underneath" shape, here
// applied to a KV store instead of InfluxDB.
package persistence

import (
	"compress/gzip"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/sony/gobreaker"

	"github.com/topogigio/energyme-home-core/pkg/ifaces"
	"github.com/topogigio/energyme-home-core/pkg/meterrors"
)

const (
	kvNamespace = "energy"

	csvFileExt = ".csv"
	csvHeader  = "timestamp_iso,channel_index,active_energy_imported,active_energy_exported"
)

// Config bundles the tunables the Manager needs (SPEC_FULL.md §4.4 and the
// config package's PersistenceConfig).
type Config struct {
	CsvDirectory       string
	CheckpointInterval time.Duration
	CheckpointDeltaWh  float64
	CsvSaveThresholdWh float64
	HourTolerance      time.Duration
}

// Manager owns the KV checkpoint and CSV/gzip tiers. One Manager is
// constructed per process and shared read-write by every channel's
// goroutine-free call path (all its methods are safe for concurrent use).
type Manager struct {
	cfg   Config
	kv    ifaces.KvStore
	fs    ifaces.Filesystem
	clock ifaces.WallClock
	log   ifaces.Logger

	breaker *gobreaker.CircuitBreaker

	mu            sync.Mutex
	lastCheckpointWh [channelSlots]float64
	lastCsvWh        [channelSlots]float64
}

// channelSlots mirrors engine.logicalChannelCount without importing
// package engine (which would create the cycle this package exists to
// avoid); 17 is part of the spec's fixed topology (SPEC_FULL.md §2).
const channelSlots = 17

// New constructs a Manager. The KV checkpoint write path is wrapped in a
// circuit breaker so a failing/slow KV backend degrades to "checkpoints
// stop happening" rather than blocking the metering engine's hot path.
func New(cfg Config, kv ifaces.KvStore, fs ifaces.Filesystem, clock ifaces.WallClock, log ifaces.Logger) *Manager {
	if cfg.CheckpointInterval <= 0 {
		cfg.CheckpointInterval = 600 * time.Second
	}
	if cfg.HourTolerance <= 0 {
		cfg.HourTolerance = 90 * time.Second
	}

	breaker := gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:        "persistence-kv-checkpoint",
		MaxRequests: 1,
		Interval:    0,
		Timeout:     30 * time.Second,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= 3
		},
	})

	return &Manager{
		cfg:     cfg,
		kv:      kv,
		fs:      fs,
		clock:   clock,
		log:     log,
		breaker: breaker,
	}
}

// CheckpointInterval returns the configured period between background
// KV checkpoint sweeps.
func (m *Manager) CheckpointInterval() time.Duration {
	return m.cfg.CheckpointInterval
}

// HourTolerance returns the configured window around an hour boundary
// inside which Stop() treats a shutdown as "close enough" to flush the
// hourly CSV row immediately instead of losing it.
func (m *Manager) HourTolerance() time.Duration {
	return m.cfg.HourTolerance
}

func channelKey(channel int, field string) string {
	return fmt.Sprintf("ch%02d_%s", channel, field)
}

// LoadEnergy reads a channel's five energy accumulators back from the KV
// store at startup. The bool return reports whether any value existed
// (false on first-ever boot, in which case the caller starts from zero).
func (m *Manager) LoadEnergy(channel int) (ifaces.MeterValues, bool) {
	var mv ifaces.MeterValues
	found := false

	if v, ok, err := m.kv.GetFloat64(kvNamespace, channelKey(channel, "active_imp")); err == nil && ok {
		mv.ActiveEnergyImported = v
		found = true
	}
	if v, ok, err := m.kv.GetFloat64(kvNamespace, channelKey(channel, "active_exp")); err == nil && ok {
		mv.ActiveEnergyExported = v
		found = true
	}
	if v, ok, err := m.kv.GetFloat64(kvNamespace, channelKey(channel, "reactive_imp")); err == nil && ok {
		mv.ReactiveEnergyImported = v
		found = true
	}
	if v, ok, err := m.kv.GetFloat64(kvNamespace, channelKey(channel, "reactive_exp")); err == nil && ok {
		mv.ReactiveEnergyExported = v
		found = true
	}
	if v, ok, err := m.kv.GetFloat64(kvNamespace, channelKey(channel, "apparent")); err == nil && ok {
		mv.ApparentEnergy = v
		found = true
	}

	if channel >= 0 && channel < channelSlots {
		m.mu.Lock()
		m.lastCheckpointWh[channel] = totalWh(mv)
		m.mu.Unlock()
	}

	return mv, found
}

func totalWh(mv ifaces.MeterValues) float64 {
	return mv.ActiveEnergyImported + mv.ActiveEnergyExported + mv.ReactiveEnergyImported + mv.ReactiveEnergyExported + mv.ApparentEnergy
}

// Checkpoint persists a channel's current energy accumulators to the KV
// store, gated by CheckpointDeltaWh unless force is true (SPEC_FULL.md
// §4.4's delta-threshold rule). It writes no CSV rows; those are appended
// only by AppendHourlyRow.
func (m *Manager) Checkpoint(channel int, mv ifaces.MeterValues, force bool) error {
	if channel < 0 || channel >= channelSlots {
		return meterrors.ErrInvalidChannel
	}

	total := totalWh(mv)

	m.mu.Lock()
	delta := total - m.lastCheckpointWh[channel]
	if delta < 0 {
		delta = -delta
	}
	shouldWrite := force || delta >= m.cfg.CheckpointDeltaWh
	m.mu.Unlock()

	if !shouldWrite {
		return nil
	}

	_, err := m.breaker.Execute(func() (interface{}, error) {
		return nil, m.writeCheckpoint(channel, mv)
	})
	if err != nil {
		if m.log != nil {
			m.log.Warnf("energy checkpoint write failed for channel %d: %v", channel, err)
		}
		return err
	}

	m.mu.Lock()
	m.lastCheckpointWh[channel] = total
	m.mu.Unlock()
	return nil
}

func (m *Manager) writeCheckpoint(channel int, mv ifaces.MeterValues) error {
	if err := m.kv.PutFloat64(kvNamespace, channelKey(channel, "active_imp"), mv.ActiveEnergyImported); err != nil {
		return err
	}
	if err := m.kv.PutFloat64(kvNamespace, channelKey(channel, "active_exp"), mv.ActiveEnergyExported); err != nil {
		return err
	}
	if err := m.kv.PutFloat64(kvNamespace, channelKey(channel, "reactive_imp"), mv.ReactiveEnergyImported); err != nil {
		return err
	}
	if err := m.kv.PutFloat64(kvNamespace, channelKey(channel, "reactive_exp"), mv.ReactiveEnergyExported); err != nil {
		return err
	}
	return m.kv.PutFloat64(kvNamespace, channelKey(channel, "apparent"), mv.ApparentEnergy)
}

// ResetEnergyValues wipes every channel's persisted energy accumulators
// (KV namespace and checkpoint baselines) and deletes every .csv and
// .csv.gz file in the CSV directory, used by the resetEnergy API operation
// (SPEC_FULL.md §6).
func (m *Manager) ResetEnergyValues() error {
	m.mu.Lock()
	for i := range m.lastCheckpointWh {
		m.lastCheckpointWh[i] = 0
		m.lastCsvWh[i] = 0
	}
	m.mu.Unlock()
	if err := m.kv.Clear(kvNamespace); err != nil {
		return err
	}
	if m.cfg.CsvDirectory == "" {
		return nil
	}
	entries, err := m.fs.ListDir(m.cfg.CsvDirectory)
	if err != nil {
		return fmt.Errorf("persistence: list csv directory: %w", err)
	}
	for _, name := range entries {
		if strings.HasSuffix(name, csvFileExt) || strings.HasSuffix(name, csvFileExt+".gz") {
			if err := m.fs.Remove(name); err != nil {
				return fmt.Errorf("persistence: remove %s: %w", name, err)
			}
		}
	}
	return nil
}

// csvPath returns the path of the CSV file for a given UTC date
// (SPEC_FULL.md §4.4: `YYYY-MM-DD.csv`).
func (m *Manager) csvPath(date time.Time) string {
	return filepath.Join(m.cfg.CsvDirectory, date.Format("2006-01-02")+csvFileExt)
}

// AppendHourlyRow appends one CSV row per channel for the given hour,
// skipping channels whose imported and exported active energy are both
// below CsvSaveThresholdWh, and creates the file (writing the header) if
// it does not exist yet for that UTC date (SPEC_FULL.md §4.4).
func (m *Manager) AppendHourlyRow(hour time.Time, snapshots [channelSlots]ifaces.MeterValues) error {
	if m.cfg.CsvDirectory == "" {
		return nil
	}
	if err := m.fs.MkdirAll(m.cfg.CsvDirectory); err != nil {
		return fmt.Errorf("persistence: create csv directory: %w", err)
	}

	path := m.csvPath(hour)
	if !m.fs.Exists(path) {
		if err := m.fs.AppendLine(path, csvHeader); err != nil {
			return fmt.Errorf("persistence: write csv header: %w", err)
		}
	}

	ts := hour.UTC().Format(time.RFC3339)
	for ch := 0; ch < channelSlots; ch++ {
		mv := snapshots[ch]
		if mv.ActiveEnergyImported < m.cfg.CsvSaveThresholdWh && mv.ActiveEnergyExported < m.cfg.CsvSaveThresholdWh {
			continue
		}
		line := fmt.Sprintf("%s,%d,%.4f,%.4f",
			ts, ch, mv.ActiveEnergyImported, mv.ActiveEnergyExported)
		if err := m.fs.AppendLine(path, line); err != nil {
			return fmt.Errorf("persistence: append csv row channel %d: %w", ch, err)
		}
	}
	return nil
}

// CompactYesterday gzip-compresses yesterday's CSV file (relative to
// `today`), once, and removes the uncompressed original. It is a no-op if
// the file doesn't exist or is already compacted (SPEC_FULL.md §4.4's
// daily compaction, run at the hour-00 boundary).
func (m *Manager) CompactYesterday(today time.Time) error {
	yesterday := today.UTC().AddDate(0, 0, -1)
	return m.compactDate(yesterday)
}

func (m *Manager) compactDate(date time.Time) error {
	path := m.csvPath(date)
	if !m.fs.Exists(path) {
		return nil
	}

	data, err := m.fs.OpenForCompaction(path)
	if err != nil {
		return fmt.Errorf("persistence: read csv for compaction: %w", err)
	}

	var buf strings.Builder
	gz := gzip.NewWriter(&buf)
	if _, err := gz.Write(data); err != nil {
		return fmt.Errorf("persistence: gzip write: %w", err)
	}
	if err := gz.Close(); err != nil {
		return fmt.Errorf("persistence: gzip close: %w", err)
	}

	if err := m.fs.WriteFile(path+".gz", []byte(buf.String())); err != nil {
		return fmt.Errorf("persistence: write compacted file: %w", err)
	}
	if err := m.fs.Remove(path); err != nil {
		return fmt.Errorf("persistence: remove uncompacted csv: %w", err)
	}
	if m.log != nil {
		m.log.Infof("compacted %s", path)
	}
	return nil
}

// MigratePastCsvs runs at startup and compacts every CSV file older than
// today that was left uncompacted, e.g. because the process restarted
// before the previous day's hour-00 boundary ran (SPEC_FULL.md §4.4's
// startup migration pass).
func (m *Manager) MigratePastCsvs(today time.Time) error {
	if m.cfg.CsvDirectory == "" {
		return nil
	}
	entries, err := m.fs.ListDir(m.cfg.CsvDirectory)
	if err != nil {
		return fmt.Errorf("persistence: list csv directory: %w", err)
	}

	todayDate := today.UTC().Format("2006-01-02")
	var dates []string
	for _, name := range entries {
		base := filepath.Base(name)
		if !strings.HasSuffix(base, csvFileExt) {
			continue
		}
		date := strings.TrimSuffix(base, csvFileExt)
		if date == todayDate {
			continue
		}
		dates = append(dates, date)
	}
	sort.Strings(dates)

	for _, date := range dates {
		parsed, err := time.Parse("2006-01-02", date)
		if err != nil {
			continue
		}
		if err := m.compactDate(parsed); err != nil && m.log != nil {
			m.log.Warnf("migration compaction failed for %s: %v", date, err)
		}
	}
	return nil
}

// gzipReadAll returns the decompressed contents of a gzip file; nothing in
// the module calls it.
func gzipReadAll(path string) ([]byte, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	gz, err := gzip.NewReader(f)
	if err != nil {
		return nil, err
	}
	defer gz.Close()

	return io.ReadAll(gz)
}
