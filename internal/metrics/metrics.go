// Copyright 2024 DeskVFS Authors
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Package metrics provides Prometheus metrics for deskvfs.
package metrics

import (
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// VFS verb metrics
	vfsOperationsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "deskvfs_vfs_operations_total",
			Help: "Total number of VFS verbs by transport and outcome",
		},
		[]string{"verb", "transport", "status"},
	)

	vfsOperationDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "deskvfs_vfs_operation_duration_seconds",
			Help:    "VFS verb duration in seconds",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"verb"},
	)

	// Event bus metrics
	eventsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "deskvfs_events_total",
			Help: "Total number of events published on the bus",
		},
		[]string{"event"},
	)

	eventsDropped = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "deskvfs_events_dropped_total",
			Help: "Events dropped because a channel subscriber was full",
		},
	)

	// Cache metrics
	cacheLookupsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "deskvfs_cache_lookups_total",
			Help: "Metadata cache lookups by cache and result",
		},
		[]string{"cache", "result"},
	)

	// Transfer metrics
	transportBytesTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "deskvfs_transport_bytes_total",
			Help: "Payload bytes moved through transports",
		},
		[]string{"transport", "direction"},
	)

	// RPC server metrics
	httpRequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "deskvfs_http_requests_total",
			Help: "Total number of HTTP requests",
		},
		[]string{"method", "path", "status"},
	)

	mountsActive = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "deskvfs_mounts_active",
			Help: "Number of mountpoints in the mounted state",
		},
	)
)

// Handler returns the Prometheus metrics HTTP handler.
func Handler() http.Handler {
	return promhttp.Handler()
}

// RecordOperation records one facade verb.
func RecordOperation(verb, transport string, err error, duration time.Duration) {
	status := "ok"
	if err != nil {
		status = "error"
	}
	vfsOperationsTotal.WithLabelValues(verb, transport, status).Inc()
	vfsOperationDuration.WithLabelValues(verb).Observe(duration.Seconds())
}

// RecordEvent counts a published event.
func RecordEvent(name string) {
	eventsTotal.WithLabelValues(name).Inc()
}

// RecordEventDropped counts an event a slow subscriber missed.
func RecordEventDropped() {
	eventsDropped.Inc()
}

// RecordCacheLookup records a cache hit or miss.
func RecordCacheLookup(cache string, hit bool) {
	result := "miss"
	if hit {
		result = "hit"
	}
	cacheLookupsTotal.WithLabelValues(cache, result).Inc()
}

// RecordTransfer records bytes read ("in") or written ("out") by a transport.
func RecordTransfer(transport, direction string, n int) {
	if n <= 0 {
		return
	}
	transportBytesTotal.WithLabelValues(transport, direction).Add(float64(n))
}

// SetMountsActive sets the mounted-mountpoint gauge.
func SetMountsActive(n int) {
	mountsActive.Set(float64(n))
}

type responseWriter struct {
	http.ResponseWriter
	statusCode int
}

func (rw *responseWriter) WriteHeader(code int) {
	rw.statusCode = code
	rw.ResponseWriter.WriteHeader(code)
}

func (rw *responseWriter) Unwrap() http.ResponseWriter {
	return rw.ResponseWriter
}

// Middleware counts requests by method, route and status.
func Middleware(route string, next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		rw := &responseWriter{ResponseWriter: w, statusCode: http.StatusOK}
		next.ServeHTTP(rw, r)
		httpRequestsTotal.WithLabelValues(r.Method, route, strconv.Itoa(rw.statusCode)).Inc()
	})
}
