package observability

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"catimage/internal/core"
)

var (
	requestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "catimage_requests_total",
			Help: "Total number of display requests by kind and memory cache result",
		},
		[]string{"kind", "memory"},
	)

	tasksTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "catimage_tasks_total",
			Help: "Total number of background load tasks by kind, image source and error type",
		},
		[]string{"kind", "source", "error"},
	)

	taskDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "catimage_task_duration_seconds",
			Help:    "Time spent resolving an image in a background task",
			Buckets: []float64{0.005, 0.025, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30, 60},
		},
		[]string{"kind", "source"},
	)

	deliveriesTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "catimage_deliveries_total",
			Help: "Total number of deliveries on the display consumer by outcome",
		},
		[]string{"kind", "outcome"},
	)

	memoryEvictionsTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "catimage_memory_evictions_total",
			Help: "Total number of images evicted from the memory cache",
		},
	)

	memoryEvictedBytes = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "catimage_memory_evicted_bytes_total",
			Help: "Total decoded bytes evicted from the memory cache",
		},
	)
)

// NewPrometheusHooks returns hooks that record pipeline activity as Prometheus metrics.
func NewPrometheusHooks() Hooks {
	return Hooks{
		OnRequest: func(kind core.Kind, memoryHit bool) {
			memory := "miss"
			if memoryHit {
				memory = "hit"
			}
			requestsTotal.WithLabelValues(kind.String(), memory).Inc()
		},
		OnTaskEnd: func(info TaskInfo) {
			errType := "none"
			if info.Err != nil {
				errType = string(core.TypeOf(info.Err))
			}
			tasksTotal.WithLabelValues(info.Kind.String(), info.Source, errType).Inc()
			taskDuration.WithLabelValues(info.Kind.String(), info.Source).Observe(info.Duration.Seconds())
		},
		OnDelivery: func(kind core.Kind, outcome string) {
			deliveriesTotal.WithLabelValues(kind.String(), outcome).Inc()
		},
		OnMemoryEvict: func(count int, weight int64) {
			memoryEvictionsTotal.Add(float64(count))
			memoryEvictedBytes.Add(float64(weight))
		},
	}
}
