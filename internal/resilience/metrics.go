package resilience

import "github.com/prometheus/client_golang/prometheus"

var (
	// CircuitState gauges the current position per target: 0 closed, 1 open,
	// 2 half-open.
	CircuitState = prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Name: "circuit_breaker_state",
		Help: "Breaker position per target: 0=closed, 1=open, 2=half-open.",
	}, []string{"target"})

	// CircuitTransitions counts every state change.
	CircuitTransitions = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "circuit_breaker_transition_total",
		Help: "Breaker state transitions by target and edge.",
	}, []string{"target", "from", "to"})

	// CircuitOpenTotal counts trips into the open state.
	CircuitOpenTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "circuit_breaker_open_total",
		Help: "Times a breaker tripped open.",
	}, []string{"target"})
)

func init() {
	prometheus.MustRegister(CircuitState, CircuitTransitions, CircuitOpenTotal)
}
