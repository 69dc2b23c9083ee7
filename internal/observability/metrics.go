package observability

import (
	"net/http"
	"sync/atomic"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics holds the driver's Prometheus metrics. A nil *Metrics is valid and
// records nothing, so components can be built without observability.
type Metrics struct {
	registry *prometheus.Registry

	EpochsFinished   *prometheus.CounterVec
	EpochDuration    prometheus.Histogram
	Transitions      *prometheus.CounterVec
	SolverCalls      *prometheus.CounterVec
	SolverDuration   prometheus.Histogram
	Rejections       *prometheus.CounterVec
	Submissions      *prometheus.CounterVec
	Resubmits        prometheus.Counter
	CurrentEpoch     prometheus.Gauge
	LastSettledEpoch prometheus.Gauge
	IndexedEvents    *prometheus.CounterVec

	lastTick atomic.Int64
}

// NewMetrics creates the metrics on a private registry.
func NewMetrics() *Metrics {
	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	f := promauto.With(reg)

	solverBuckets := []float64{0.05, 0.1, 0.25, 0.5, 1, 2, 5, 10, 30, 60}

	return &Metrics{
		registry: reg,

		EpochsFinished: f.NewCounterVec(prometheus.CounterOpts{
			Name: "settler_epochs_finished_total",
			Help: "Epochs that reached a terminal state",
		}, []string{"state", "reason"}),

		EpochDuration: f.NewHistogram(prometheus.HistogramOpts{
			Name:    "settler_epoch_duration_seconds",
			Help:    "Time from first assembly to terminal state",
			Buckets: prometheus.ExponentialBuckets(0.5, 2, 10),
		}),

		Transitions: f.NewCounterVec(prometheus.CounterOpts{
			Name: "settler_state_transitions_total",
			Help: "Driver state machine transitions",
		}, []string{"from", "to"}),

		SolverCalls: f.NewCounterVec(prometheus.CounterOpts{
			Name: "settler_solver_calls_total",
			Help: "Solver invocations by result",
		}, []string{"result"}),

		SolverDuration: f.NewHistogram(prometheus.HistogramOpts{
			Name:    "settler_solver_duration_seconds",
			Help:    "Solver wall time",
			Buckets: solverBuckets,
		}),

		Rejections: f.NewCounterVec(prometheus.CounterOpts{
			Name: "settler_solution_rejections_total",
			Help: "Solutions rejected by the validator",
		}, []string{"reason"}),

		Submissions: f.NewCounterVec(prometheus.CounterOpts{
			Name: "settler_submissions_total",
			Help: "Submission attempts by outcome",
		}, []string{"outcome"}),

		Resubmits: f.NewCounter(prometheus.CounterOpts{
			Name: "settler_resubmits_total",
			Help: "Transactions re-sent after missing finality",
		}),

		CurrentEpoch: f.NewGauge(prometheus.GaugeOpts{
			Name: "settler_current_epoch",
			Help: "Epoch currently being settled",
		}),

		LastSettledEpoch: f.NewGauge(prometheus.GaugeOpts{
			Name: "settler_last_settled_epoch",
			Help: "Last epoch this driver saw confirmed",
		}),

		IndexedEvents: f.NewCounterVec(prometheus.CounterOpts{
			Name: "settler_indexed_events_total",
			Help: "Events written to the event log by the NATS indexer",
		}, []string{"kind"}),
	}
}

func (m *Metrics) EpochFinished(state, reason string, d time.Duration) {
	if m == nil {
		return
	}
	m.EpochsFinished.WithLabelValues(state, reason).Inc()
	m.EpochDuration.Observe(d.Seconds())
}

func (m *Metrics) Transition(from, to string) {
	if m == nil {
		return
	}
	m.Transitions.WithLabelValues(from, to).Inc()
	m.lastTick.Store(time.Now().UnixNano())
}

func (m *Metrics) SolverCall(result string, d time.Duration) {
	if m == nil {
		return
	}
	m.SolverCalls.WithLabelValues(result).Inc()
	m.SolverDuration.Observe(d.Seconds())
}

func (m *Metrics) Rejected(reason string) {
	if m == nil {
		return
	}
	m.Rejections.WithLabelValues(reason).Inc()
}

func (m *Metrics) Submitted(outcome string, resubmits int) {
	if m == nil {
		return
	}
	m.Submissions.WithLabelValues(outcome).Inc()
	m.Resubmits.Add(float64(resubmits))
}

func (m *Metrics) Epoch(id uint64) {
	if m == nil {
		return
	}
	m.CurrentEpoch.Set(float64(id))
	m.lastTick.Store(time.Now().UnixNano())
}

func (m *Metrics) Settled(id uint64) {
	if m == nil {
		return
	}
	m.LastSettledEpoch.Set(float64(id))
}

func (m *Metrics) Indexed(kind string) {
	if m == nil {
		return
	}
	m.IndexedEvents.WithLabelValues(kind).Inc()
}

// Handler serves /metrics and /healthz. Health fails when the driver loop has
// not ticked within staleAfter.
func (m *Metrics) Handler(staleAfter time.Duration) http.Handler {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{Registry: m.registry}))
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		last := m.lastTick.Load()
		if last == 0 || time.Since(time.Unix(0, last)) > staleAfter {
			http.Error(w, "driver loop stalled", http.StatusServiceUnavailable)
			return
		}
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})
	return mux
}
