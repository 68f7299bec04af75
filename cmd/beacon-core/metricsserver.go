package main

import (
	"context"
	"fmt"
	"net/http"
	"os"

	"github.com/ethdn/beaconcore/beaconmetrics"
	"github.com/ethdn/beaconcore/metrics"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// metricsServer is a noderuntime.Service that serves two metrics endpoints:
// /metrics for the hand-rolled ambient registry (chain head slot, store
// size, P2P gauges), and /metrics/domain for the Prometheus-native peer
// validation and fork-choice counters in beaconmetrics.
type metricsServer struct {
	addr string
	srv  *http.Server
}

func newMetricsServer(port int) *metricsServer {
	return &metricsServer{addr: fmt.Sprintf(":%d", port)}
}

func (m *metricsServer) Name() string { return "metrics-server" }

func (m *metricsServer) Start() error {
	exporter := metrics.NewPrometheusExporter(metrics.DefaultRegistry, metrics.DefaultPrometheusConfig())

	mux := http.NewServeMux()
	mux.Handle("/metrics", exporter.Handler())
	mux.Handle("/metrics/domain", promhttp.HandlerFor(beaconmetrics.Registry, promhttp.HandlerOpts{}))

	m.srv = &http.Server{Addr: m.addr, Handler: mux}

	go func() {
		if err := m.srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			fmt.Fprintf(os.Stderr, "metrics server: %v\n", err)
		}
	}()
	return nil
}

func (m *metricsServer) Stop() error {
	if m.srv == nil {
		return nil
	}
	return m.srv.Shutdown(context.Background())
}
