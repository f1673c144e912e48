// Command telemetryd is the per-championship UDP telemetry ingest and HTTP
// fan-out engine: it owns the service registry, the control-plane/streaming
// HTTP surface, and the supporting ambient stack (config, logging, metrics,
// persistence).
package main

import (
	"context"
	"os"
	"os/signal"

	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/zap"

	"github.com/paddockstream/telemetry/internal/config"
	"github.com/paddockstream/telemetry/internal/firewall"
	"github.com/paddockstream/telemetry/internal/httpapi"
	"github.com/paddockstream/telemetry/internal/ingest"
	"github.com/paddockstream/telemetry/internal/logging"
	"github.com/paddockstream/telemetry/internal/metrics"
	"github.com/paddockstream/telemetry/internal/ports"
	"github.com/paddockstream/telemetry/internal/registry"
	"github.com/paddockstream/telemetry/internal/store"
)

// Version is the running build's version string, set at build time via
// -ldflags.
var Version = "0.1.0-dev"

func main() {
	if len(os.Args) > 1 {
		if RunCLI(os.Args[1:]) {
			return
		}
	}

	cfg, err := config.Load(config.DefaultConfigPath(), os.Args[1:])
	if err != nil {
		panic(err)
	}

	log, err := logging.New(false)
	if err != nil {
		panic(err)
	}
	defer log.Sync() //nolint:errcheck
	httpapi.Version = Version

	st, err := store.New(cfg.DBPath, log)
	if err != nil {
		log.Fatal("open store", zap.Error(err))
	}
	defer st.Close()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	portsInUse, err := st.PortsInUse(ctx)
	if err != nil {
		log.Fatal("load ports in use", zap.Error(err))
	}
	leaser := ports.New(ports.Range{Start: cfg.PortRange.Start, End: cfg.PortRange.End}, portsInUse)

	fw := firewall.New(cfg.FirewallEnabled, log)

	ingestCfg := ingest.Config{
		SocketTimeout:     cfg.SocketTimeout,
		MotionInterval:    cfg.MotionInterval,
		SessionInterval:   cfg.SessionInterval,
		HistoryInterval:   cfg.HistoryInterval,
		BatchInterval:     cfg.BatchInterval,
		BatchCapacity:     cfg.BatchCapacity,
		BroadcastCapacity: cfg.BroadcastCapacity,
		SupportedFormat:   ingest.DefaultConfig().SupportedFormat,
	}

	collectors := metrics.NewCollectors(prometheus.DefaultRegisterer)
	reg := registry.New(leaser, fw, collectors, st, ingestCfg, log)

	go metrics.RunSummaryLog(ctx, reg, cfg.MetricsInterval, log)
	go metrics.RunGaugeUpdates(ctx, reg, leaser, collectors, cfg.MetricsInterval)

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt)
	go func() {
		<-sigCh
		log.Info("shutting down")
		reg.StopAll(context.Background())
		cancel()
	}()

	api := httpapi.New(reg, st, st, ingestCfg, log)
	log.Info("telemetryd listening", zap.String("addr", cfg.HTTPAddr))
	api.Run(ctx, cfg.HTTPAddr, cfg.TLSCert, cfg.TLSKey)
}
