package recfile

import "github.com/prometheus/client_golang/prometheus"

var (
	seekSec = prometheus.NewHistogram(prometheus.HistogramOpts{
		Namespace: "recfile",
		Subsystem: "stream",
		Name:      "seek_seconds",
		Help:      "The latency distributions of seeks, including forward scans.",
		// from 10us to ~10s
		Buckets: prometheus.ExponentialBuckets(0.00001, 4, 11),
	})

	recordsCounter = prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: "recfile",
			Subsystem: "stream",
			Name:      "records_read_total",
			Help:      "Total number of records read, including records discarded by scans.",
		})

	scannedCounter = prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: "recfile",
			Subsystem: "stream",
			Name:      "records_scanned_total",
			Help:      "Total number of records discarded while scanning for a position.",
		})

	indexHitCounter = prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: "recfile",
			Subsystem: "index",
			Name:      "hits_total",
			Help:      "Total number of seeks served directly from the offset index.",
		})

	indexMissCounter = prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: "recfile",
			Subsystem: "index",
			Name:      "misses_total",
			Help:      "Total number of seeks that required a forward scan.",
		})

	interruptCounter = prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: "recfile",
			Subsystem: "stream",
			Name:      "scans_interrupted_total",
			Help:      "Total number of scans stopped by the interrupt predicate.",
		})

	ioFailureCounter = prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: "recfile",
			Subsystem: "stream",
			Name:      "io_failures_total",
			Help:      "Total number of streams stalled by an i/o failure.",
		})
)

func init() {
	prometheus.MustRegister(seekSec)
	prometheus.MustRegister(recordsCounter)
	prometheus.MustRegister(scannedCounter)
	prometheus.MustRegister(indexHitCounter)
	prometheus.MustRegister(indexMissCounter)
	prometheus.MustRegister(interruptCounter)
	prometheus.MustRegister(ioFailureCounter)
}
