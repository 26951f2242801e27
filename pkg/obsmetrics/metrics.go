/*
Copyright 2025 the dstack-verifier authors.

Licensed under the Apache License, Version 2.0 (the "License");
you may not use this file except in compliance with the License.
You may obtain a copy of the License at

    http://www.apache.org/licenses/LICENSE-2.0

Unless required by applicable law or agreed to in writing, software
distributed under the License is distributed on an "AS IS" BASIS,
WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
See the License for the specific language governing permissions and
limitations under the License.
*/

// Package obsmetrics exposes Prometheus metrics for the verifier service.
package obsmetrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics holds every collector the service updates.
type Metrics struct {
	registry *prometheus.Registry

	TasksCreated         prometheus.Counter
	TaskRuns             *prometheus.CounterVec
	VerificationDuration prometheus.Histogram
	QueueDepth           *prometheus.GaugeVec
	SyncRuns             *prometheus.CounterVec
	HTTPRequests         *prometheus.CounterVec
}

// New creates and registers the service collectors on a fresh registry.
func New() *Metrics {
	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)

	m := &Metrics{
		registry: reg,
		TasksCreated: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "verifier_tasks_created_total",
			Help: "Verification tasks accepted through the API or auto-enqueued by sync.",
		}),
		TaskRuns: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "verifier_task_runs_total",
			Help: "Finished verification runs by outcome.",
		}, []string{"outcome"}),
		VerificationDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "verifier_verification_duration_seconds",
			Help:    "Wall time of a full verification run.",
			Buckets: []float64{1, 5, 15, 30, 60, 120, 300, 600},
		}),
		QueueDepth: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "verifier_queue_depth",
			Help: "Jobs in the queue by state.",
		}, []string{"state"}),
		SyncRuns: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "verifier_sync_runs_total",
			Help: "Upstream sync runs by dataset and result.",
		}, []string{"dataset", "result"}),
		HTTPRequests: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "verifier_http_requests_total",
			Help: "HTTP requests by route and status class.",
		}, []string{"route", "status"}),
	}
	reg.MustRegister(
		m.TasksCreated,
		m.TaskRuns,
		m.VerificationDuration,
		m.QueueDepth,
		m.SyncRuns,
		m.HTTPRequests,
	)
	return m
}

// Handler serves the registry in the Prometheus exposition format.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

// ObserveQueue records the current queue depth per state.
func (m *Metrics) ObserveQueue(wait, active, delayed int64) {
	m.QueueDepth.WithLabelValues("wait").Set(float64(wait))
	m.QueueDepth.WithLabelValues("active").Set(float64(active))
	m.QueueDepth.WithLabelValues("delayed").Set(float64(delayed))
}
