// Package metrics exposes Prometheus collectors for the ingest engine and
// a periodic human-readable summary log, mirroring the two-tier approach
// (machine-scraped counters plus an operator-facing log line) the rest of
// the fleet uses.
package metrics

import (
	"context"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"go.uber.org/zap"

	"github.com/paddockstream/telemetry/internal/ports"
	"github.com/paddockstream/telemetry/internal/registry"
)

// Collectors bundles every Prometheus metric the ingest engine updates.
// Registered once against a prometheus.Registerer at startup.
type Collectors struct {
	PacketsReceived  *prometheus.CounterVec
	PacketsDropped   *prometheus.CounterVec
	PacketsMalformed prometheus.Counter
	ActiveServices   prometheus.Gauge
	LeasedPorts      prometheus.Gauge
	BatchFrameBytes  prometheus.Histogram
}

// NewCollectors registers every collector against reg and returns the
// bundle. reg is typically prometheus.DefaultRegisterer.
func NewCollectors(reg prometheus.Registerer) *Collectors {
	factory := promauto.With(reg)
	return &Collectors{
		PacketsReceived: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: "telemetry",
			Name:      "packets_received_total",
			Help:      "Inbound UDP packets received, by packet kind.",
		}, []string{"kind"}),
		PacketsDropped: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: "telemetry",
			Name:      "packets_dropped_total",
			Help:      "Inbound packets dropped by a rate gate, by packet kind.",
		}, []string{"kind"}),
		PacketsMalformed: factory.NewCounter(prometheus.CounterOpts{
			Namespace: "telemetry",
			Name:      "packets_malformed_total",
			Help:      "Inbound packets rejected as malformed: too short for a header, or a body that fails to decode.",
		}),
		ActiveServices: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: "telemetry",
			Name:      "active_services",
			Help:      "Number of championships with a currently running ingest service.",
		}),
		LeasedPorts: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: "telemetry",
			Name:      "leased_ports",
			Help:      "Number of UDP ports currently leased.",
		}),
		BatchFrameBytes: factory.NewHistogram(prometheus.HistogramOpts{
			Namespace: "telemetry",
			Name:      "batch_frame_bytes",
			Help:      "Size in bytes of compressed batch frames published to subscribers.",
			Buckets:   prometheus.ExponentialBuckets(64, 2, 12),
		}),
	}
}

// IncReceived implements ingest.Metrics.
func (c *Collectors) IncReceived(kind string) { c.PacketsReceived.WithLabelValues(kind).Inc() }

// IncDropped implements ingest.Metrics.
func (c *Collectors) IncDropped(kind string) { c.PacketsDropped.WithLabelValues(kind).Inc() }

// IncMalformed implements ingest.Metrics.
func (c *Collectors) IncMalformed() { c.PacketsMalformed.Inc() }

// ObserveFrameBytes implements batcher.FrameObserver (and, transitively,
// ingest.Metrics).
func (c *Collectors) ObserveFrameBytes(n int) { c.BatchFrameBytes.Observe(float64(n)) }

// RunGaugeUpdates keeps the active-services and leased-ports gauges current
// until ctx is canceled.
func RunGaugeUpdates(ctx context.Context, reg *registry.Registry, leaser *ports.Leaser, c *Collectors, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			c.ActiveServices.Set(float64(len(reg.Active())))
			c.LeasedPorts.Set(float64(leaser.LeasedCount()))
		}
	}
}

// RunSummaryLog logs a human-readable one-line summary of registry activity
// every interval until ctx is canceled. It never blocks on anything but the
// ticker and a registry snapshot, so it is safe to run for the lifetime of
// the process.
func RunSummaryLog(ctx context.Context, reg *registry.Registry, interval time.Duration, log *zap.Logger) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	var lastBytes uint64

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			active := reg.Active()
			if len(active) == 0 {
				continue
			}

			var connections int
			var frameBytes uint64
			for _, id := range active {
				status := reg.Status(id)
				connections += status.Connections
				if snap, err := reg.Snapshot(id); err == nil {
					frameBytes += uint64(len(snap))
				}
			}

			delta := frameBytes - lastBytes
			lastBytes = frameBytes

			log.Info("ingest summary",
				zap.Int("active_championships", len(active)),
				zap.Int("subscribers", connections),
				zap.String("snapshot_bytes", humanize.Bytes(frameBytes)),
				zap.String("snapshot_delta", humanize.Bytes(delta)),
			)
		}
	}
}
