// Copyright (c) 2026 EnergyMe Project Contributors
// Licensed under the MIT License

// Package metrics provides the Prometheus instrumentation for the metering
// core: reading counters, soft/critical failure counters, waveform capture
// duration, and per-channel instantaneous gauges. All metrics are
// registered with Prometheus via promauto; the core package itself never
// imports Prometheus directly, it talks to a Sink that satisfies
// ifaces.StatsSink.
//
// # Cardinality
//
// SetChannelGauges creates one time series per (channel, field) pair.
// With the maximum 17 logical channels and 6 instantaneous fields that is
// at most 102 series — well within a single-device deployment's budget, so
// no label-reduction guidance is needed here the way the reference
// repository's per-device gauges require.
package metrics

import (
	"strconv"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/topogigio/energyme-home-core/pkg/ifaces"
)

var (
	readingCount = promauto.NewCounter(prometheus.CounterOpts{
		Name: "energyme_meter_readings_total",
		Help: "Total number of successful per-channel linecycle reads (count, monotonically increasing).",
	})

	readingFailures = promauto.NewCounter(prometheus.CounterOpts{
		Name: "energyme_meter_reading_failures_total",
		Help: "Total number of failed verified register transfers: SPI verification mismatches, transfer errors, mutex timeouts (count).",
	})

	softFailures = promauto.NewCounter(prometheus.CounterOpts{
		Name: "energyme_soft_failures_total",
		Help: "Total soft-failure-budget increments (count); see energyme_critical_failures_total for the other class.",
	})

	criticalFailures = promauto.NewCounter(prometheus.CounterOpts{
		Name: "energyme_critical_failures_total",
		Help: "Total critical-failure-budget increments, i.e. missed CYCEND interrupts (count).",
	})

	captureDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "energyme_waveform_capture_duration_seconds",
		Help:    "Duration of a waveform capture burst in seconds (histogram, bounded by the capture's max-duration safety cap).",
		Buckets: prometheus.DefBuckets,
	})

	channelVoltage = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "energyme_channel_voltage_volts",
		Help: "Last-read RMS voltage per logical channel (V). Labels: channel. Up to 17 series.",
	}, []string{"channel"})

	channelCurrent = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "energyme_channel_current_amps",
		Help: "Last-read RMS current per logical channel (A). Labels: channel. Up to 17 series.",
	}, []string{"channel"})

	channelActivePower = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "energyme_channel_active_power_watts",
		Help: "Last-read active power per logical channel (W, signed). Labels: channel. Up to 17 series.",
	}, []string{"channel"})

	channelReactivePower = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "energyme_channel_reactive_power_var",
		Help: "Last-read reactive power per logical channel (var, signed). Labels: channel. Up to 17 series.",
	}, []string{"channel"})

	channelApparentPower = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "energyme_channel_apparent_power_va",
		Help: "Last-read apparent power per logical channel (VA). Labels: channel. Up to 17 series.",
	}, []string{"channel"})

	channelPowerFactor = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "energyme_channel_power_factor",
		Help: "Last-read power factor per logical channel, unitless in [-1, 1]. Labels: channel. Up to 17 series.",
	}, []string{"channel"})
)

// Sink is the concrete ifaces.StatsSink backed by the package-level
// Prometheus collectors above.
type Sink struct{}

// NewSink returns a Sink. Collectors are package-level so a process never
// registers the same metric twice even if multiple engines are constructed
// in tests.
func NewSink() *Sink { return &Sink{} }

func (Sink) IncReadingCount()   { readingCount.Inc() }
func (Sink) IncReadingFailure() { readingFailures.Inc() }
func (Sink) IncSoftFailure()    { softFailures.Inc() }
func (Sink) IncCriticalFailure() { criticalFailures.Inc() }

func (Sink) ObserveCaptureDuration(seconds float64) { captureDuration.Observe(seconds) }

func (Sink) SetChannelGauges(channel int, mv ifaces.MeterValues) {
	label := strconv.Itoa(channel)
	channelVoltage.WithLabelValues(label).Set(mv.Voltage)
	channelCurrent.WithLabelValues(label).Set(mv.Current)
	channelActivePower.WithLabelValues(label).Set(mv.ActivePower)
	channelReactivePower.WithLabelValues(label).Set(mv.ReactivePower)
	channelApparentPower.WithLabelValues(label).Set(mv.ApparentPower)
	channelPowerFactor.WithLabelValues(label).Set(mv.PowerFactor)
}
