package listener

import (
	"github.com/prometheus/client_golang/prometheus"
)

var (
	stateDesc = prometheus.NewDesc(
		"shardkv_listener_state",
		"Current lifecycle state of the listener",
		[]string{"state"}, nil,
	)
	queueLengthDesc = prometheus.NewDesc(
		"shardkv_listener_write_queue_length",
		"Number of writes queued while backfilling",
		nil, nil,
	)
	queueBytesDesc = prometheus.NewDesc(
		"shardkv_listener_write_queue_bytes",
		"Size of the writes queued while backfilling",
		nil, nil,
	)
	progressDesc = prometheus.NewDesc(
		"shardkv_listener_backfill_progress",
		"Estimated completed fraction of the listener's backfill",
		nil, nil,
	)
)

// Describe implements prometheus.Collector.
func (l *Listener) Describe(descs chan<- *prometheus.Desc) {
	descs <- stateDesc
	descs <- queueLengthDesc
	descs <- queueBytesDesc
	descs <- progressDesc
}

// Collect implements prometheus.Collector.
func (l *Listener) Collect(ch chan<- prometheus.Metric) {
	current := l.State()
	for state, name := range stateNames {
		value := 0.0
		if state == current {
			value = 1
		}
		ch <- prometheus.MustNewConstMetric(stateDesc, prometheus.GaugeValue, value, name)
	}

	if l.queue != nil {
		ch <- prometheus.MustNewConstMetric(queueLengthDesc, prometheus.GaugeValue, float64(l.queue.Len()))
		ch <- prometheus.MustNewConstMetric(queueBytesDesc, prometheus.GaugeValue, float64(l.queue.Bytes()))
	}

	if fraction, ok := l.progress.Guess(); ok {
		ch <- prometheus.MustNewConstMetric(progressDesc, prometheus.GaugeValue, fraction)
	}
}
