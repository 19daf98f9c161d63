// Copyright 2025 Suprema
// SPDX-License-Identifier: Apache-2.0

package api

import (
	"net/http"
	"runtime"
	"strconv"
	"sync/atomic"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

var (
	promRequestsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "gateway_http_requests_total",
			Help: "Total number of HTTP requests by path and status code",
		},
		[]string{"path", "status"},
	)
	promRequestDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "gateway_http_request_duration_seconds",
			Help:    "HTTP request duration in seconds by path",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"path"},
	)
)

func init() {
	prometheus.MustRegister(promRequestsTotal)
	prometheus.MustRegister(promRequestDuration)
}

// RuntimeMetrics tracks in-process counters exposed on /metrics.
type RuntimeMetrics struct {
	startTime time.Time

	requests   uint64
	successes  uint64
	failures   uint64
	durationNS uint64
}

func NewRuntimeMetrics() *RuntimeMetrics {
	return &RuntimeMetrics{startTime: time.Now()}
}

func (m *RuntimeMetrics) RecordRequest() {
	atomic.AddUint64(&m.requests, 1)
}

func (m *RuntimeMetrics) RecordSuccess(d time.Duration) {
	atomic.AddUint64(&m.successes, 1)
	atomic.AddUint64(&m.durationNS, uint64(d.Nanoseconds()))
}

func (m *RuntimeMetrics) RecordFailure() {
	atomic.AddUint64(&m.failures, 1)
}

// Snapshot returns the counters as a JSON-friendly map.
func (m *RuntimeMetrics) Snapshot() map[string]interface{} {
	requests := atomic.LoadUint64(&m.requests)
	successes := atomic.LoadUint64(&m.successes)
	failures := atomic.LoadUint64(&m.failures)

	var avgMS float64
	if successes > 0 {
		avgMS = float64(atomic.LoadUint64(&m.durationNS)) / float64(successes) / 1e6
	}
	return map[string]interface{}{
		"uptime_seconds":    time.Since(m.startTime).Seconds(),
		"requests_total":    requests,
		"queries_succeeded": successes,
		"queries_failed":    failures,
		"avg_query_ms":      avgMS,
		"goroutines":        runtime.NumGoroutine(),
	}
}

// statusRecorder captures the status code written by a handler.
type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(code int) {
	r.status = code
	r.ResponseWriter.WriteHeader(code)
}

// instrument records per-request Prometheus metrics.
func (s *Server) instrument(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		s.metrics.RecordRequest()
		next.ServeHTTP(rec, r)
		promRequestsTotal.WithLabelValues(r.URL.Path, strconv.Itoa(rec.status)).Inc()
		promRequestDuration.WithLabelValues(r.URL.Path).Observe(time.Since(start).Seconds())
	})
}

// SetAuditStats registers the audit queue's counter snapshot for the
// /metrics payload.
func (s *Server) SetAuditStats(fn func() map[string]interface{}) {
	s.auditStats = fn
}

func (s *Server) metricsHandler(w http.ResponseWriter, r *http.Request) {
	payload := map[string]interface{}{
		"service":   "suprema-gateway",
		"version":   serviceVersion,
		"timestamp": time.Now().UTC().Format(time.RFC3339),
		"runtime":   s.metrics.Snapshot(),
	}
	if s.auditStats != nil {
		payload["audit_queue"] = s.auditStats()
	}
	writeJSON(w, http.StatusOK, payload)
}
