// Reef is an embedded Redfish web service for baseboard management controllers.
// Copyright (C) 2025  Matthew Burns
//
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
//
// This program is distributed in the hope that it will be useful,
// but WITHOUT ANY WARRANTY; without even the implied warranty of
// MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE.  See the
// GNU Affero General Public License for more details.
//
// You should have received a copy of the GNU Affero General Public License
// along with this program.  If not, see <https://www.gnu.org/licenses/>.

// Package metrics exposes the connection and request counters in
// prometheus format.
package metrics

import (
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	mu  sync.RWMutex
	reg *prometheus.Registry

	connectionsTotal  *prometheus.CounterVec
	activeConnections prometheus.Gauge
	requestsTotal     *prometheus.CounterVec
	requestDuration   *prometheus.HistogramVec
	deadlineCloses    prometheus.Counter
	activeSessions    prometheus.Gauge
)

func init() {
	resetLocked()
}

// Reset clears and reinitializes all collectors. Tests use it to start
// from a clean registry.
func Reset() {
	mu.Lock()
	defer mu.Unlock()
	resetLocked()
}

func resetLocked() {
	reg = prometheus.NewRegistry()

	connectionsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "reef_connections_total",
		Help: "Accepted connections by scheme.",
	}, []string{"scheme"})
	activeConnections = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "reef_active_connections",
		Help: "Connections currently open.",
	})
	requestsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "reef_requests_total",
		Help: "Completed requests by method and status code.",
	}, []string{"method", "code"})
	requestDuration = prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "reef_request_duration_seconds",
		Help:    "Request handling latency.",
		Buckets: prometheus.DefBuckets,
	}, []string{"method"})
	deadlineCloses = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "reef_deadline_closes_total",
		Help: "Connections closed by the slow-client deadline.",
	})
	activeSessions = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "reef_active_sessions",
		Help: "Live sessions in the store.",
	})

	reg.MustRegister(connectionsTotal, activeConnections, requestsTotal,
		requestDuration, deadlineCloses, activeSessions)
}

// Handler returns the /metrics HTTP handler.
func Handler() http.Handler {
	mu.RLock()
	registry := reg
	mu.RUnlock()
	return promhttp.HandlerFor(registry, promhttp.HandlerOpts{})
}

// ObserveConnection records an accepted connection.
func ObserveConnection(secure bool) {
	mu.RLock()
	defer mu.RUnlock()
	scheme := "http"
	if secure {
		scheme = "https"
	}
	connectionsTotal.WithLabelValues(scheme).Inc()
	activeConnections.Inc()
}

// ObserveConnectionClosed records a closed connection.
func ObserveConnectionClosed() {
	mu.RLock()
	defer mu.RUnlock()
	activeConnections.Dec()
}

// ObserveRequest records a completed request.
func ObserveRequest(method string, code int, duration time.Duration) {
	mu.RLock()
	defer mu.RUnlock()
	requestsTotal.WithLabelValues(method, strconv.Itoa(code)).Inc()
	requestDuration.WithLabelValues(method).Observe(duration.Seconds())
}

// ObserveDeadlineClose records a slow-client eviction.
func ObserveDeadlineClose() {
	mu.RLock()
	defer mu.RUnlock()
	deadlineCloses.Inc()
}

// SetActiveSessions publishes the current session count.
func SetActiveSessions(n int) {
	mu.RLock()
	defer mu.RUnlock()
	activeSessions.Set(float64(n))
}
