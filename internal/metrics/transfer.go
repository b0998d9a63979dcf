// Package metrics exposes OTA transfer statistics as Prometheus collectors.
package metrics

import (
	"strings"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/chaz8081/otaflash/internal/ble/protocol"
)

const (
	defaultNamespace = "otaflash"
	subsystemOTA     = "ota"
)

// TransferCollector keeps track of one upload and exposes it via Prometheus
// compatible collectors. It implements ota.Recorder.
type TransferCollector struct {
	mu        sync.RWMutex
	namespace string
	registry  *prometheus.Registry
	latency   prometheus.Histogram

	startTime     time.Time
	lastChunk     time.Time
	chunksSent    uint64
	bytesSent     uint64
	writeFailures uint64
	notifications uint64
	malformed     uint64
	phase         protocol.Phase
	progress      uint8
}

// TransferSnapshot is a point-in-time view of the collected metrics.
type TransferSnapshot struct {
	Elapsed       time.Duration
	ChunksSent    uint64
	BytesSent     uint64
	WriteFailures uint64
	Notifications uint64
	Malformed     uint64
	Phase         protocol.Phase
	ThroughputBps float64
}

// NewTransferCollector creates a collector with its own registry.
func NewTransferCollector(namespace string) *TransferCollector {
	if strings.TrimSpace(namespace) == "" {
		namespace = defaultNamespace
	}
	tc := &TransferCollector{
		namespace: namespace,
		registry:  prometheus.NewRegistry(),
		latency: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: subsystemOTA,
			Name:      "chunk_write_seconds",
			Help:      "Time for the BLE stack to accept one chunk frame.",
			Buckets:   prometheus.ExponentialBuckets(0.001, 2, 12),
		}),
	}
	tc.registerMetrics()
	return tc
}

// Registry returns the prometheus registry managed by this collector.
func (c *TransferCollector) Registry() *prometheus.Registry {
	return c.registry
}

// ObserveChunk records one accepted chunk write.
func (c *TransferCollector) ObserveChunk(bytes int, latency time.Duration) {
	c.latency.Observe(latency.Seconds())

	c.mu.Lock()
	defer c.mu.Unlock()
	c.ensureStartTimeLocked()
	c.lastChunk = time.Now()
	c.chunksSent++
	if bytes > 0 {
		c.bytesSent += uint64(bytes)
	}
}

// ObserveWriteFailure records a chunk write the stack rejected.
func (c *TransferCollector) ObserveWriteFailure() {
	c.mu.Lock()
	c.ensureStartTimeLocked()
	c.writeFailures++
	c.mu.Unlock()
}

// ObservePhase records a well-formed status notification.
func (c *TransferCollector) ObservePhase(phase protocol.Phase) {
	c.mu.Lock()
	c.notifications++
	c.phase = phase
	c.mu.Unlock()
}

// ObserveMalformedNotification records a dropped status notification.
func (c *TransferCollector) ObserveMalformedNotification() {
	c.mu.Lock()
	c.malformed++
	c.mu.Unlock()
}

// Snapshot creates a read-only view of the collected metrics.
func (c *TransferCollector) Snapshot() TransferSnapshot {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.buildSnapshotLocked()
}

func (c *TransferCollector) buildSnapshotLocked() TransferSnapshot {
	var elapsed time.Duration
	if !c.startTime.IsZero() {
		elapsed = c.lastChunk.Sub(c.startTime)
	}
	return TransferSnapshot{
		Elapsed:       elapsed,
		ChunksSent:    c.chunksSent,
		BytesSent:     c.bytesSent,
		WriteFailures: c.writeFailures,
		Notifications: c.notifications,
		Malformed:     c.malformed,
		Phase:         c.phase,
		ThroughputBps: rateFromBytes(c.bytesSent, elapsed),
	}
}

func (c *TransferCollector) registerMetrics() {
	makeGauge := func(name, help string, valueFn func(TransferSnapshot) float64) prometheus.Collector {
		return prometheus.NewGaugeFunc(prometheus.GaugeOpts{
			Namespace: c.namespace,
			Subsystem: subsystemOTA,
			Name:      name,
			Help:      help,
		}, func() float64 {
			c.mu.RLock()
			defer c.mu.RUnlock()
			return valueFn(c.buildSnapshotLocked())
		})
	}

	makeCounter := func(name, help string, valueFn func(TransferSnapshot) uint64) prometheus.Collector {
		return prometheus.NewCounterFunc(prometheus.CounterOpts{
			Namespace: c.namespace,
			Subsystem: subsystemOTA,
			Name:      name,
			Help:      help,
		}, func() float64 {
			c.mu.RLock()
			defer c.mu.RUnlock()
			return float64(valueFn(c.buildSnapshotLocked()))
		})
	}

	c.registry.MustRegister(c.latency)
	c.registry.MustRegister(makeGauge(
		"phase",
		"Last OTA phase reported by the peripheral (0 idle .. 5 error).",
		func(s TransferSnapshot) float64 { return float64(s.Phase) },
	))
	c.registry.MustRegister(makeGauge(
		"throughput_bytes_per_second",
		"Payload bytes per second between the first and the last chunk.",
		func(s TransferSnapshot) float64 { return s.ThroughputBps },
	))
	c.registry.MustRegister(makeCounter(
		"chunks_sent_total",
		"Chunk frames accepted by the BLE stack.",
		func(s TransferSnapshot) uint64 { return s.ChunksSent },
	))
	c.registry.MustRegister(makeCounter(
		"bytes_sent_total",
		"Firmware payload bytes sent, excluding chunk headers.",
		func(s TransferSnapshot) uint64 { return s.BytesSent },
	))
	c.registry.MustRegister(makeCounter(
		"write_failures_total",
		"Chunk writes that failed.",
		func(s TransferSnapshot) uint64 { return s.WriteFailures },
	))
	c.registry.MustRegister(makeCounter(
		"notifications_total",
		"Well-formed status notifications received.",
		func(s TransferSnapshot) uint64 { return s.Notifications },
	))
	c.registry.MustRegister(makeCounter(
		"malformed_notifications_total",
		"Status notifications dropped as malformed.",
		func(s TransferSnapshot) uint64 { return s.Malformed },
	))
}

func (c *TransferCollector) ensureStartTimeLocked() {
	if c.startTime.IsZero() {
		c.startTime = time.Now()
	}
}

func rateFromBytes(bytes uint64, elapsed time.Duration) float64 {
	if bytes == 0 || elapsed <= 0 {
		return 0
	}
	return float64(bytes) / elapsed.Seconds()
}
