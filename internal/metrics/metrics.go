// Package metrics exposes the run's counters and gauges over an optional
// Prometheus HTTP endpoint, mirroring the teacher's metrics registration
// idiom with devloop-specific series.
package metrics

import (
	"context"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/cuemby/devloop/internal/dlog"
)

// Registry holds every metric this tool emits.
type Registry struct {
	TasksTotal     *prometheus.CounterVec
	TaskDuration   *prometheus.HistogramVec
	ActiveWorkers  prometheus.Gauge
	DockerAPICalls *prometheus.CounterVec

	registry *prometheus.Registry
	server   *http.Server
}

// NewRegistry builds and registers every devloop metric on a fresh
// registry, isolated from the default global one so tests can spin up
// independent instances.
func NewRegistry() *Registry {
	reg := prometheus.NewRegistry()

	r := &Registry{
		TasksTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "devloop_tasks_total",
			Help: "Total tasks executed, labeled by result.",
		}, []string{"result"}),
		TaskDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "devloop_task_duration_seconds",
			Help:    "Task execution duration in seconds.",
			Buckets: prometheus.DefBuckets,
		}, []string{"task"}),
		ActiveWorkers: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "devloop_active_workers",
			Help: "Number of workers currently executing a task.",
		}),
		DockerAPICalls: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "devloop_docker_api_calls_total",
			Help: "Docker Engine API calls, labeled by endpoint and status.",
		}, []string{"endpoint", "status"}),
		registry: reg,
	}

	reg.MustRegister(r.TasksTotal, r.TaskDuration, r.ActiveWorkers, r.DockerAPICalls)
	return r
}

// ObserveTask records one task's outcome and duration.
func (r *Registry) ObserveTask(taskName string, exitCode int, d time.Duration) {
	result := "success"
	if exitCode != 0 {
		result = "failure"
	}
	r.TasksTotal.WithLabelValues(result).Inc()
	r.TaskDuration.WithLabelValues(taskName).Observe(d.Seconds())
}

// ObserveDockerAPICall records one Docker Engine round trip; plugged into
// dockerapi.Client.OnAPICall by the CLI layer.
func (r *Registry) ObserveDockerAPICall(endpoint string, status int) {
	r.DockerAPICalls.WithLabelValues(endpoint, strconv.Itoa(status)).Inc()
}

// Serve starts the metrics HTTP listener on addr (e.g. "127.0.0.1:9090")
// and blocks until ctx is cancelled or the listener fails.
func (r *Registry) Serve(ctx context.Context, addr string) error {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(r.registry, promhttp.HandlerOpts{}))

	r.server = &http.Server{Addr: addr, Handler: mux}

	errCh := make(chan error, 1)
	go func() {
		errCh <- r.server.ListenAndServe()
	}()

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := r.server.Shutdown(shutdownCtx); err != nil {
			dlog.WithComponent("metrics").Warn().Err(err).Msg("metrics server did not shut down cleanly")
		}
		return nil
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	}
}
