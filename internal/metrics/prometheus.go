package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics holds the Prometheus metric families of the write path. Families
// are vectors labeled by partition (and opcode where it applies); the
// concrete series are instantiated lazily the first time a partition asks
// for its view.
type Metrics struct {
	requestsTotal   *prometheus.CounterVec
	requestLatency  *prometheus.HistogramVec
	requestBytes    *prometheus.CounterVec
	dupTimeLagMs    *prometheus.HistogramVec
	dupLaggingTotal *prometheus.CounterVec
	expiredReads    *prometheus.CounterVec
	readCU          *prometheus.CounterVec
	writeCU         *prometheus.CounterVec
}

// New creates and registers the metric families on reg. Tests pass a fresh
// prometheus.NewRegistry(); production passes the default registerer.
func New(reg prometheus.Registerer) *Metrics {
	factory := promauto.With(reg)

	return &Metrics{
		requestsTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: "driftkv",
			Subsystem: "replica",
			Name:      "write_requests_total",
			Help:      "Total write operations applied, by opcode",
		}, []string{"partition", "op"}),
		requestLatency: factory.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "driftkv",
			Subsystem: "replica",
			Name:      "write_request_duration_seconds",
			Help:      "Histogram of write operation latencies, by opcode",
			Buckets:   prometheus.ExponentialBuckets(0.0001, 2, 16), // 100µs to ~3.3s
		}, []string{"partition", "op"}),
		requestBytes: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: "driftkv",
			Subsystem: "replica",
			Name:      "write_request_bytes_total",
			Help:      "Total bytes carried by applied operations, by opcode",
		}, []string{"partition", "op"}),
		dupTimeLagMs: factory.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "driftkv",
			Subsystem: "replica",
			Name:      "dup_time_lag_ms",
			Help:      "Milliseconds between a write on the master cluster and its replay here",
			Buckets:   prometheus.ExponentialBuckets(1, 2, 20), // 1ms to ~8.7min
		}, []string{"partition"}),
		dupLaggingTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: "driftkv",
			Subsystem: "replica",
			Name:      "dup_lagging_writes_total",
			Help:      "Replayed writes whose time lag exceeded the lagging-write threshold",
		}, []string{"partition"}),
		expiredReads: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: "driftkv",
			Subsystem: "replica",
			Name:      "expired_reads_total",
			Help:      "Reads that found a logically expired record",
		}, []string{"partition"}),
		readCU: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: "driftkv",
			Subsystem: "replica",
			Name:      "read_capacity_units_total",
			Help:      "Read capacity units charged on the primary",
		}, []string{"partition"}),
		writeCU: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: "driftkv",
			Subsystem: "replica",
			Name:      "write_capacity_units_total",
			Help:      "Write capacity units charged on the primary",
		}, []string{"partition"}),
	}
}

// PartitionMetrics is one partition's materialized view of the write-path
// metric families.
type PartitionMetrics struct {
	PutQPS            prometheus.Counter
	RemoveQPS         prometheus.Counter
	MultiPutQPS       prometheus.Counter
	MultiRemoveQPS    prometheus.Counter
	IncrQPS           prometheus.Counter
	CheckAndSetQPS    prometheus.Counter
	CheckAndMutateQPS prometheus.Counter
	DuplicateQPS      prometheus.Counter

	PutLatency            prometheus.Observer
	RemoveLatency         prometheus.Observer
	MultiPutLatency       prometheus.Observer
	MultiRemoveLatency    prometheus.Observer
	IncrLatency           prometheus.Observer
	CheckAndSetLatency    prometheus.Observer
	CheckAndMutateLatency prometheus.Observer

	GetBytes            prometheus.Counter
	MultiGetBytes       prometheus.Counter
	ScanBytes           prometheus.Counter
	PutBytes            prometheus.Counter
	MultiPutBytes       prometheus.Counter
	CheckAndSetBytes    prometheus.Counter
	CheckAndMutateBytes prometheus.Counter

	DupTimeLagMs     prometheus.Observer
	DupLaggingWrites prometheus.Counter
	ExpiredReads     prometheus.Counter

	ReadCapacityUnits  prometheus.Counter
	WriteCapacityUnits prometheus.Counter
}

// ForPartition instantiates (or fetches) the series of one partition.
func (m *Metrics) ForPartition(gpid string) *PartitionMetrics {
	return &PartitionMetrics{
		PutQPS:            m.requestsTotal.WithLabelValues(gpid, "put"),
		RemoveQPS:         m.requestsTotal.WithLabelValues(gpid, "remove"),
		MultiPutQPS:       m.requestsTotal.WithLabelValues(gpid, "multi_put"),
		MultiRemoveQPS:    m.requestsTotal.WithLabelValues(gpid, "multi_remove"),
		IncrQPS:           m.requestsTotal.WithLabelValues(gpid, "incr"),
		CheckAndSetQPS:    m.requestsTotal.WithLabelValues(gpid, "check_and_set"),
		CheckAndMutateQPS: m.requestsTotal.WithLabelValues(gpid, "check_and_mutate"),
		DuplicateQPS:      m.requestsTotal.WithLabelValues(gpid, "duplicate"),

		PutLatency:            m.requestLatency.WithLabelValues(gpid, "put"),
		RemoveLatency:         m.requestLatency.WithLabelValues(gpid, "remove"),
		MultiPutLatency:       m.requestLatency.WithLabelValues(gpid, "multi_put"),
		MultiRemoveLatency:    m.requestLatency.WithLabelValues(gpid, "multi_remove"),
		IncrLatency:           m.requestLatency.WithLabelValues(gpid, "incr"),
		CheckAndSetLatency:    m.requestLatency.WithLabelValues(gpid, "check_and_set"),
		CheckAndMutateLatency: m.requestLatency.WithLabelValues(gpid, "check_and_mutate"),

		GetBytes:            m.requestBytes.WithLabelValues(gpid, "get"),
		MultiGetBytes:       m.requestBytes.WithLabelValues(gpid, "multi_get"),
		ScanBytes:           m.requestBytes.WithLabelValues(gpid, "scan"),
		PutBytes:            m.requestBytes.WithLabelValues(gpid, "put"),
		MultiPutBytes:       m.requestBytes.WithLabelValues(gpid, "multi_put"),
		CheckAndSetBytes:    m.requestBytes.WithLabelValues(gpid, "check_and_set"),
		CheckAndMutateBytes: m.requestBytes.WithLabelValues(gpid, "check_and_mutate"),

		DupTimeLagMs:     m.dupTimeLagMs.WithLabelValues(gpid),
		DupLaggingWrites: m.dupLaggingTotal.WithLabelValues(gpid),
		ExpiredReads:     m.expiredReads.WithLabelValues(gpid),

		ReadCapacityUnits:  m.readCU.WithLabelValues(gpid),
		WriteCapacityUnits: m.writeCU.WithLabelValues(gpid),
	}
}
