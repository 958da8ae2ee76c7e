package broadcaster

import (
	"github.com/prometheus/client_golang/prometheus"
)

var (
	incompleteWritesDesc = prometheus.NewDesc(
		"shardkv_broadcaster_incomplete_writes",
		"Number of writes not yet acknowledged by every listener",
		nil, nil,
	)
	listenersDesc = prometheus.NewDesc(
		"shardkv_broadcaster_listeners",
		"Number of registered listeners by state",
		[]string{"state"}, nil,
	)
	timestampDesc = prometheus.NewDesc(
		"shardkv_broadcaster_timestamp",
		"Timestamps of the broadcaster's branch",
		[]string{"kind"}, nil,
	)
)

type metrics struct {
	writes       *prometheus.CounterVec
	reads        *prometheus.CounterVec
	writeLatency prometheus.Histogram
	disconnects  prometheus.Counter
}

func newMetrics(buckets []float64) *metrics {
	if len(buckets) == 0 {
		buckets = prometheus.DefBuckets
	}

	return &metrics{
		writes: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "shardkv_broadcaster_writes_total",
				Help: "Total number of writes waited for by result",
			},
			[]string{"result"},
		),
		reads: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "shardkv_broadcaster_reads_total",
				Help: "Total number of reads by result",
			},
			[]string{"result"},
		),
		writeLatency: prometheus.NewHistogram(
			prometheus.HistogramOpts{
				Name:    "shardkv_broadcaster_write_latency_seconds",
				Help:    "Latency between admitting a write and meeting its ack policy",
				Buckets: buckets,
			},
		),
		disconnects: prometheus.NewCounter(
			prometheus.CounterOpts{
				Name: "shardkv_broadcaster_listener_disconnects_total",
				Help: "Total number of listeners disconnected because of dispatch failures",
			},
		),
	}
}

// Describe implements prometheus.Collector.
func (b *Broadcaster) Describe(descs chan<- *prometheus.Desc) {
	b.metrics.writes.Describe(descs)
	b.metrics.reads.Describe(descs)
	b.metrics.writeLatency.Describe(descs)
	b.metrics.disconnects.Describe(descs)
	descs <- incompleteWritesDesc
	descs <- listenersDesc
	descs <- timestampDesc
}

// Collect implements prometheus.Collector.
func (b *Broadcaster) Collect(ch chan<- prometheus.Metric) {
	b.metrics.writes.Collect(ch)
	b.metrics.reads.Collect(ch)
	b.metrics.writeLatency.Collect(ch)
	b.metrics.disconnects.Collect(ch)

	b.mu.Lock()
	defer b.mu.Unlock()

	ch <- prometheus.MustNewConstMetric(incompleteWritesDesc, prometheus.GaugeValue, float64(b.incomplete.Len()))

	states := map[dispatcheeState]int{stateJoining: 0, stateReadable: 0}
	for _, d := range b.dispatchees {
		states[d.state]++
	}
	for state, count := range states {
		ch <- prometheus.MustNewConstMetric(listenersDesc, prometheus.GaugeValue, float64(count), state.String())
	}

	for kind, ts := range map[string]uint64{
		"current":           uint64(b.currentTimestamp),
		"newest_complete":   uint64(b.newestComplete),
		"most_recent_acked": uint64(b.mostRecentAcked),
	} {
		ch <- prometheus.MustNewConstMetric(timestampDesc, prometheus.GaugeValue, float64(ts), kind)
	}
}
