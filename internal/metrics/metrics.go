// Low Tide is a self-hosted URL download job service.
// Copyright (C) 2025 Low Tide contributors
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

package metrics

import (
	"net/http"
	"strings"
	"sync"
	"time"
	"unicode"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	mu  sync.RWMutex
	reg *prometheus.Registry

	jobsStarted      prometheus.Counter
	jobsFinished     *prometheus.CounterVec
	jobDuration      prometheus.Histogram
	logLines         prometheus.Counter
	brokerDropped    prometheus.Counter
	websocketClients prometheus.Gauge
)

func init() {
	resetLocked()
}

// Reset clears and reinitializes all metrics collectors.
// Primarily used by tests to ensure clean state.
func Reset() {
	mu.Lock()
	defer mu.Unlock()
	resetLocked()
}

// Handler returns an HTTP handler that exposes metrics in Prometheus format.
func Handler() http.Handler {
	mu.RLock()
	registry := reg
	mu.RUnlock()
	return promhttp.HandlerFor(registry, promhttp.HandlerOpts{})
}

// IncJobStarted records a job transitioning to running.
func IncJobStarted() {
	mu.RLock()
	defer mu.RUnlock()
	if jobsStarted != nil {
		jobsStarted.Inc()
	}
}

// ObserveJobFinished records a job reaching a terminal status and its
// wall-clock duration from start to finish.
func ObserveJobFinished(status string, duration time.Duration) {
	label := sanitizeLabel(status, "unknown")

	mu.RLock()
	defer mu.RUnlock()
	if jobsFinished != nil {
		jobsFinished.WithLabelValues(label).Inc()
	}
	if jobDuration != nil {
		jobDuration.Observe(durationSeconds(duration))
	}
}

// IncLogLines adds n captured child log lines.
func IncLogLines(n int) {
	if n <= 0 {
		return
	}
	mu.RLock()
	defer mu.RUnlock()
	if logLines != nil {
		logLines.Add(float64(n))
	}
}

// IncBrokerDropped records a message dropped from a slow subscriber.
func IncBrokerDropped() {
	mu.RLock()
	defer mu.RUnlock()
	if brokerDropped != nil {
		brokerDropped.Inc()
	}
}

// AddWebSocketClients adjusts the connected client gauge by delta.
func AddWebSocketClients(delta int) {
	mu.RLock()
	defer mu.RUnlock()
	if websocketClients != nil {
		websocketClients.Add(float64(delta))
	}
}

func resetLocked() {
	registry := prometheus.NewRegistry()

	started := prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "lowtide",
		Name:      "jobs_started_total",
		Help:      "Total jobs transitioned to running.",
	})

	finished := prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "lowtide",
		Name:      "jobs_finished_total",
		Help:      "Total jobs reaching a terminal status, by status.",
	}, []string{"status"})

	duration := prometheus.NewHistogram(prometheus.HistogramOpts{
		Namespace: "lowtide",
		Name:      "job_duration_seconds",
		Help:      "Wall-clock duration of finished jobs.",
		Buckets:   []float64{1, 5, 15, 30, 60, 120, 300, 600, 1800, 3600},
	})

	lines := prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "lowtide",
		Name:      "log_lines_total",
		Help:      "Total child process log lines captured.",
	})

	dropped := prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "lowtide",
		Name:      "broker_dropped_total",
		Help:      "Total broker messages dropped from slow subscribers.",
	})

	wsClients := prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: "lowtide",
		Name:      "websocket_clients",
		Help:      "Currently connected WebSocket clients.",
	})

	registry.MustRegister(started, finished, duration, lines, dropped, wsClients)

	reg = registry
	jobsStarted = started
	jobsFinished = finished
	jobDuration = duration
	logLines = lines
	brokerDropped = dropped
	websocketClients = wsClients
}

func sanitizeLabel(v string, fallback string) string {
	v = strings.TrimSpace(v)
	if v == "" {
		return fallback
	}
	var b strings.Builder
	for _, r := range v {
		if unicode.IsLetter(r) || unicode.IsDigit(r) || r == ':' || r == '.' || r == '-' || r == '_' {
			b.WriteRune(r)
		} else {
			b.WriteRune('_')
		}
	}
	return b.String()
}

func durationSeconds(d time.Duration) float64 {
	if d <= 0 {
		return 0
	}
	return d.Seconds()
}
