package monitoring

import (
	"github.com/prometheus/client_golang/prometheus"
)

// Registry holds every faultwatch collector. Serve it with promhttp.HandlerFor.
var Registry = prometheus.NewRegistry()

var (
	Cycles = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "faultwatch",
			Subsystem: "detect",
			Name:      "cycles_total",
			Help:      "Completed detection cycles by verdict",
		},
		[]string{"verdict"},
	)

	SkippedCycles = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "faultwatch",
			Subsystem: "detect",
			Name:      "skipped_cycles_total",
			Help:      "Detection cycles skipped before publishing a result",
		},
		[]string{"reason"},
	)

	Boosts = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "faultwatch",
			Subsystem: "heatmap",
			Name:      "boost_total",
			Help:      "Heatmap boosts that flipped an OK verdict, by path",
		},
		[]string{"path"},
	)

	CycleDuration = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Namespace: "faultwatch",
			Subsystem: "detect",
			Name:      "cycle_duration_seconds",
			Help:      "Wall time from frame receipt to published result",
			Buckets:   []float64{0.1, 0.25, 0.5, 1, 2, 4, 8},
		},
	)

	Status = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: "faultwatch",
			Subsystem: "detect",
			Name:      "status",
			Help:      "1 for the scheduler's current status, 0 otherwise",
		},
		[]string{"status"},
	)

	PrototypeRuns = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "faultwatch",
			Subsystem: "prototype",
			Name:      "runs_total",
			Help:      "Prototype computations by outcome",
		},
		[]string{"outcome"},
	)
)

func init() {
	Registry.MustRegister(Cycles, SkippedCycles, Boosts, CycleDuration, Status, PrototypeRuns)
}

// SetStatus marks status as the only active value of the Status gauge.
func SetStatus(status string, all []string) {
	for _, s := range all {
		v := 0.0
		if s == status {
			v = 1
		}
		Status.WithLabelValues(s).Set(v)
	}
}
