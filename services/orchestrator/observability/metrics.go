// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package observability provides request metrics and the tracing bootstrap
// for the orchestrator.
//
// Kernel-internal metrics (flow runs, tool invocations, strategy counters)
// live next to the code that emits them; this package only covers the HTTP
// edge and process-level concerns. Everything is exposed on /metrics.
package observability

import (
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// RequestMetrics holds the Prometheus metrics for the ask surface.
//
// # Thread Safety
//
// All operations are thread-safe via Prometheus's internal locking.
type RequestMetrics struct {
	// RequestsTotal counts requests by route and status code.
	RequestsTotal *prometheus.CounterVec

	// DurationSeconds measures end-to-end request latency by route.
	DurationSeconds *prometheus.HistogramVec

	// InFlight gauges concurrently served requests.
	InFlight prometheus.Gauge
}

// NewRequestMetrics registers the request metrics on the default registry.
// Call once at startup.
func NewRequestMetrics() *RequestMetrics {
	return &RequestMetrics{
		RequestsTotal: promauto.NewCounterVec(prometheus.CounterOpts{
			Namespace: "cire",
			Subsystem: "http",
			Name:      "requests_total",
			Help:      "HTTP requests by route and status",
		}, []string{"route", "status"}),
		DurationSeconds: promauto.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "cire",
			Subsystem: "http",
			Name:      "request_duration_seconds",
			Help:      "End-to-end request latency",
			Buckets:   prometheus.ExponentialBuckets(0.05, 2, 12),
		}, []string{"route"}),
		InFlight: promauto.NewGauge(prometheus.GaugeOpts{
			Namespace: "cire",
			Subsystem: "http",
			Name:      "requests_in_flight",
			Help:      "Currently served requests",
		}),
	}
}

// Middleware instruments every request passing through the router.
func (m *RequestMetrics) Middleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		started := time.Now()
		m.InFlight.Inc()
		defer m.InFlight.Dec()

		c.Next()

		route := c.FullPath()
		if route == "" {
			route = "unmatched"
		}
		m.RequestsTotal.WithLabelValues(route, strconv.Itoa(c.Writer.Status())).Inc()
		m.DurationSeconds.WithLabelValues(route).Observe(time.Since(started).Seconds())
	}
}
