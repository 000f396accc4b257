package metrics

import "github.com/prometheus/client_golang/prometheus"

var (
	// AttemptCounter tracks remote acquisition attempts by outcome.
	AttemptCounter = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "latch_lock_attempts_total",
		Help: "Total number of remote lock acquisition attempts",
	}, []string{"namespace", "result"})
	// AttemptsGauge reports how many attempts the last acquisition took.
	AttemptsGauge = prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Name: "latch_lock_acquire_attempts",
		Help: "Attempts needed by the most recent successful acquisition",
	}, []string{"namespace"})
	// GetFailedCounter tracks acquisitions that timed out.
	GetFailedCounter = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "latch_lock_get_failed_total",
		Help: "Total number of lock acquisitions that timed out",
	}, []string{"namespace"})
	// ExceededLeaseCounter tracks critical sections that outlived their lease.
	ExceededLeaseCounter = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "latch_lock_exceeded_lease_total",
		Help: "Total number of executions still running when the lease expired",
	}, []string{"namespace"})
	// NotOwnerCounter tracks releases that found another token at the key.
	NotOwnerCounter = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "latch_lock_release_not_owner_total",
		Help: "Total number of releases rejected because the lock was not owned",
	}, []string{"namespace"})
	// SlowExecutionCounter tracks executions above the slow threshold.
	SlowExecutionCounter = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "latch_lock_slow_executions_total",
		Help: "Total number of locked executions slower than the threshold",
	}, []string{"namespace"})
	// RunDuration observes the time spent in Run, acquisition included.
	RunDuration = prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "latch_lock_run_duration_seconds",
		Help:    "Duration of locked runs including acquisition",
		Buckets: prometheus.DefBuckets,
	}, []string{"namespace", "status"})
)

// NewRegistry creates a new Prometheus registry.
func NewRegistry() *prometheus.Registry {
	return prometheus.NewRegistry()
}

// RegisterLockMetrics registers the lock manager metrics on the provided
// registry.
func RegisterLockMetrics(reg prometheus.Registerer) {
	reg.MustRegister(
		AttemptCounter,
		AttemptsGauge,
		GetFailedCounter,
		ExceededLeaseCounter,
		NotOwnerCounter,
		SlowExecutionCounter,
		RunDuration,
	)
}
