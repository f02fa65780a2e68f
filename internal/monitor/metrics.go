package monitor

import (
	"errors"
	"net/http"
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/turtacn/vboxhalt/pkg/logger"
)

var (
	// ExecutorCalls counts marshalled calls, partitioned by result (ok, failed).
	ExecutorCalls = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "vboxhalt_executor_calls_total",
		Help: "Calls marshalled onto the executor worker",
	}, []string{"result"})
	// ContextLifecycle counts management contexts created and released by the worker.
	ContextLifecycle = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "vboxhalt_context_lifecycle_total",
		Help: "Management API contexts created and released",
	}, []string{"event"})
	// StopAttempts counts per-machine stop phases (shutdown, save) by result.
	StopAttempts = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "vboxhalt_stop_attempts_total",
		Help: "Per-machine stop attempts",
	}, []string{"phase", "result"})
	// StopAllDuration tracks how long a full stop-all run takes in seconds.
	StopAllDuration = prometheus.NewHistogram(prometheus.HistogramOpts{
		Name:    "vboxhalt_stop_all_duration_seconds",
		Help:    "Time taken to stop all running machines",
		Buckets: []float64{1, 5, 15, 30, 60, 120, 300},
	})
	// VetoActive is 1 while the OS shutdown veto is registered.
	VetoActive = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "vboxhalt_veto_active",
		Help: "Whether a shutdown veto is currently held",
	})
)

var registerOnce sync.Once

// Register adds the collectors to the default registry. Safe to call repeatedly.
func Register() {
	registerOnce.Do(func() {
		prometheus.MustRegister(ExecutorCalls, ContextLifecycle, StopAttempts, StopAllDuration, VetoActive)
	})
}

// InitMetrics registers Prometheus metrics and starts an HTTP server to expose them.
// It takes an address string (e.g., ":9090") on which to listen for requests.
// The returned server can be shut down by the caller.
func InitMetrics(addr string) *http.Server {
	Register()

	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	srv := &http.Server{Addr: addr, Handler: mux}

	go func() {
		logger.Log.Info("Metrics server starting", "addr", addr)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Log.Error("Metrics server failed", "err", err)
		}
	}()
	return srv
}

// Personal.AI order the ending
