/*
Package monitoring provides performance monitoring and metrics collection.

# Overview

This package implements Prometheus-based metrics collection for the daemon,
tracking HTTP requests, session lifecycle events, heartbeat probes, document
runs, image launches, and relay traffic.

# Features

- HTTP request metrics (latency, throughput)
- Session lifecycle metrics (starts, replacements, recoveries)
- Heartbeat metrics (probe outcomes, round-trip times)
- Run metrics (duration, suppressed overlapping requests)
- Provisioning metrics (launch outcomes, build-to-ready time)
- Durable cache metrics (reads by result, writes)
- Relay connection metrics
- A bounded latency tracker for the JSON status API

# Usage

	// Create metrics collector
	metrics := monitoring.NewMetrics()

	// Add middleware to Gin router
	router.Use(monitoring.Middleware(metrics))

	// Record lifecycle events
	metrics.RecordSessionStart("fresh")
	metrics.RecordHeartbeat("alive", rtt)

	// Summarize recent heartbeat round trips
	tracker := monitoring.NewLatencyTracker(256)
	tracker.Observe(rtt)
	summary := tracker.Summary()

# Metrics Endpoint

Expose metrics via the standard Prometheus endpoint:

	import "github.com/prometheus/client_golang/prometheus/promhttp"
	router.GET("/metrics", gin.WrapH(promhttp.Handler()))
*/
package monitoring
