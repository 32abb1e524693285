// Package metrics provides Prometheus metrics for observability of the
// GC core.
//
// This package exposes metrics for:
//   - Epoch duration and STW pause time (seconds, histograms)
//   - Objects reclaimed and objects surviving per sweep
//   - Finalizers queued by the latest sweep, and finalizer failures
//   - Allocated bytes reported to the scheduler at onGCFinish
//
// Metrics are exposed via a dedicated HTTP server on /metrics in
// Prometheus format.
//
// Usage:
//
//	gcMetrics := metrics.NewGCMetrics()
//	orch := gc.New(cfg, gc.WithMetrics(gcMetrics), ...)
//
//	metricsServer := metrics.NewServer(":9090")
//	metricsServer.Start()
package metrics
