package queue

import "github.com/prometheus/client_golang/prometheus"

// Collectors are package globals on the default registry so worker and admin
// code can stamp them without plumbing a registry through every constructor.
var (
	// QueueDepth tracks ready tasks per kind. Workers never touch it;
	// admin reads refresh it on demand.
	QueueDepth = prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Name: "queue_depth",
		Help: "Ready tasks waiting per kind",
	}, []string{"kind"})

	// QueueProcessedTotal counts settled tasks: success, retry, dlq.
	QueueProcessedTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "queue_processed_total",
		Help: "Settled tasks per kind and outcome",
	}, []string{"kind", "outcome"})

	// QueueDLQSize tracks dead-lettered tasks per kind.
	QueueDLQSize = prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Name: "queue_dlq_size",
		Help: "Dead-lettered tasks per kind",
	}, []string{"kind"})
)

func init() {
	prometheus.MustRegister(QueueDepth, QueueDLQSize, QueueProcessedTotal)
}
