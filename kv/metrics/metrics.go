package metrics

import "github.com/prometheus/client_golang/prometheus"

var (
	// StoreOps counts store operations by store name and operation.
	StoreOps = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "memstore",
			Subsystem: "store",
			Name:      "ops_total",
			Help:      "Counter of store operations.",
		}, []string{"store", "op"})

	// LockFaults counts lock waits that ended in a timeout or cancellation,
	// by the side of the operation that was waiting.
	LockFaults = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "memstore",
			Subsystem: "lock",
			Name:      "faults_total",
			Help:      "Counter of lock waits ended by timeout or cancellation.",
		}, []string{"side", "kind"})

	// TxnFinished counts transactions by outcome.
	TxnFinished = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "memstore",
			Subsystem: "txn",
			Name:      "finished_total",
			Help:      "Counter of finished transactions.",
		}, []string{"result"})

	// TxnActive tracks the number of live transactions.
	TxnActive = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Namespace: "memstore",
			Subsystem: "txn",
			Name:      "active",
			Help:      "Number of active transactions.",
		})
)

func init() {
	prometheus.MustRegister(StoreOps)
	prometheus.MustRegister(LockFaults)
	prometheus.MustRegister(TxnFinished)
	prometheus.MustRegister(TxnActive)
}
