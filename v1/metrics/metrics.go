// Package metrics exposes Prometheus collectors for lock operations and
// session liveness.
package metrics

import "github.com/prometheus/client_golang/prometheus"

var (
	// AcquireCounter counts acquire attempts by outcome: acquired, conflict,
	// timeout or error.
	AcquireCounter = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "latch_acquire_total",
		Help: "Total number of lock acquire attempts",
	}, []string{"result"})
	// ReleaseCounter counts release calls by outcome: released, noop or error.
	ReleaseCounter = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "latch_release_total",
		Help: "Total number of lock release calls",
	}, []string{"result"})
	// AcquireLatency observes the time spent in blocking acquires.
	AcquireLatency = prometheus.NewHistogram(prometheus.HistogramOpts{
		Name:    "latch_acquire_wait_seconds",
		Help:    "Time spent waiting in blocking acquires",
		Buckets: prometheus.DefBuckets,
	})
	// ProbeCounter counts liveness probes by outcome: ok, connection_loss or
	// session_expired.
	ProbeCounter = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "latch_probe_total",
		Help: "Total number of liveness probes",
	}, []string{"result"})
	// SessionStateGauge reports the current state of each monitored session:
	// 0 connected, 1 suspect, 2 expired.
	SessionStateGauge = prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Name: "latch_session_state",
		Help: "Current session state (0 connected, 1 suspect, 2 expired)",
	}, []string{"session"})
)

// Result labels shared by the lock client and the liveness monitor.
const (
	ResultAcquired       = "acquired"
	ResultConflict       = "conflict"
	ResultTimeout        = "timeout"
	ResultError          = "error"
	ResultReleased       = "released"
	ResultNoop           = "noop"
	ResultOK             = "ok"
	ResultConnectionLoss = "connection_loss"
	ResultSessionExpired = "session_expired"
)

// NewRegistry creates a new Prometheus registry.
func NewRegistry() *prometheus.Registry {
	return prometheus.NewRegistry()
}

// RegisterCoreMetrics registers latch metrics on the provided registry.
func RegisterCoreMetrics(reg prometheus.Registerer) {
	reg.MustRegister(AcquireCounter, ReleaseCounter, AcquireLatency, ProbeCounter, SessionStateGauge)
}
