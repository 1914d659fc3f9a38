/*
Package monitoring provides Prometheus metrics for the emulator.

# Overview

Each Metrics value owns a private registry, so recycling the orchestrator or
running tests in parallel never collides on metric registration.

# Features

- Inbound HTTP request metrics (count, latency)
- RPC channel metrics (round trips by method and outcome, pending gauge)
- Durable object storage operations by engine
- Socket and WebSocket relay gauges
- Sandbox generation and dispatch counters

# Usage

	metrics := monitoring.NewMetrics()
	router.Use(monitoring.Middleware(metrics))

	timer := monitoring.NewTimer(metrics, "do-storage")
	// ... round trip ...
	timer.Stop("ok")

# Metrics Endpoint

	router.GET("/metrics", gin.WrapH(promhttp.HandlerFor(metrics.Registry(), promhttp.HandlerOpts{})))
*/
package monitoring
