package bag

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const (
	storeMain   = "main"
	storeBuffer = "buffer"
)

var (
	putInCounter = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "bag_put_in_total",
		Help: "Total number of items put into a bag, including put backs.",
	}, []string{"bag"})
	mergeCounter = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "bag_merges_total",
		Help: "Total number of inserts merged into an item with the same key.",
	}, []string{"bag", "store" /* main | buffer */})
	evictionCounter = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "bag_evictions_total",
		Help: "Total number of items dropped by a bag to respect its capacity.",
	}, []string{"bag", "store" /* main | buffer */, "reason" /* buffer_overflow | rejected | level_full */})
	migrationCounter = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "bag_migrations_total",
		Help: "Total number of items moved from the write buffer to the main store.",
	}, []string{"bag"})
	takeOutCounter = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "bag_take_outs_total",
		Help: "Total number of sampling calls on a bag.",
	}, []string{"bag", "status" /* hit | empty */})
	readmissionCounter = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "bag_readmissions_total",
		Help: "Total number of inserted keys the forgotten-key filter reported as previously evicted.",
	}, []string{"bag"})
	itemsGauge = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "bag_items",
		Help: "Number of items currently held by a bag.",
	}, []string{"bag", "store" /* main | buffer */})
)

// bagMetrics resolves the label values of a bag once so hot paths don't hash label sets.
type bagMetrics struct {
	putIn, migrations, takeOutHit, takeOutEmpty, readmissions prometheus.Counter
	merges                                                    map[string]prometheus.Counter
	evictions                                                 map[EvictReason]prometheus.Counter
	mainItems, bufferItems                                    prometheus.Gauge
}

func newBagMetrics(name string) *bagMetrics {
	m := &bagMetrics{
		putIn:        putInCounter.WithLabelValues(name),
		migrations:   migrationCounter.WithLabelValues(name),
		takeOutHit:   takeOutCounter.WithLabelValues(name, "hit"),
		takeOutEmpty: takeOutCounter.WithLabelValues(name, "empty"),
		readmissions: readmissionCounter.WithLabelValues(name),
		merges: map[string]prometheus.Counter{
			storeMain:   mergeCounter.WithLabelValues(name, storeMain),
			storeBuffer: mergeCounter.WithLabelValues(name, storeBuffer),
		},
		evictions:   make(map[EvictReason]prometheus.Counter),
		mainItems:   itemsGauge.WithLabelValues(name, storeMain),
		bufferItems: itemsGauge.WithLabelValues(name, storeBuffer),
	}
	for _, reason := range []EvictReason{ReasonBufferOverflow, ReasonRejected, ReasonLevelFull} {
		m.evictions[reason] = evictionCounter.WithLabelValues(name, reason.store(), reason.String())
	}
	return m
}
