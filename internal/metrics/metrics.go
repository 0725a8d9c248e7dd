// Package metrics exposes Prometheus instrumentation for the factory
// core: queue depth, task outcomes, tenant counts, and spend.
package metrics

import (
	"net/http"
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	TasksProcessed = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "factory_tasks_processed_total",
			Help: "Total tasks that reached a terminal status",
		},
		[]string{"status", "provider"},
	)

	QueueDepth = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "factory_queue_depth",
			Help: "Tasks currently pending in the priority queue",
		},
	)

	TasksInFlight = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "factory_tasks_in_flight",
			Help: "Tasks currently executing against providers",
		},
	)

	ActiveTenants = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "factory_active_tenants",
			Help: "Tenants currently in INITIALIZING or ACTIVE state",
		},
	)

	SpendTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "factory_spend_usd_total",
			Help: "Cumulative successful provider spend in USD",
		},
		[]string{"provider"},
	)
)

var registerOnce sync.Once

// Init registers all collectors with the default registry. Safe to call
// more than once.
func Init() {
	registerOnce.Do(func() {
		prometheus.MustRegister(TasksProcessed, QueueDepth, TasksInFlight, ActiveTenants, SpendTotal)
	})
}

// Handler returns the Prometheus scrape handler.
func Handler() http.Handler {
	return promhttp.Handler()
}
