package obs

import (
	"github.com/prometheus/client_golang/prometheus"
)

const namespace = "chimera"

// Collector exports Metrics to Prometheus. Values are read on scrape, so the
// hot path keeps its plain atomics.
type Collector struct {
	metrics *Metrics
	equity  func() float64

	events      *prometheus.Desc
	rejects     *prometheus.Desc
	drifts      *prometheus.Desc
	appendBytes *prometheus.Desc
	rotations   *prometheus.Desc
	halts       *prometheus.Desc
	resyncs     *prometheus.Desc
	deadSymbols *prometheus.Desc
	staleDeltas *prometheus.Desc
	throttles   *prometheus.Desc
	queueDrops  *prometheus.Desc
	queueClosed *prometheus.Desc
	snapshotAvg *prometheus.Desc
	syncAvg     *prometheus.Desc
	totalEquity *prometheus.Desc
}

// NewCollector wraps m. equity, when set, is exported as a gauge.
func NewCollector(m *Metrics, equity func() float64) *Collector {
	desc := func(name, help string, labels ...string) *prometheus.Desc {
		return prometheus.NewDesc(prometheus.BuildFQName(namespace, "", name), help, labels, nil)
	}
	return &Collector{
		metrics:     m,
		equity:      equity,
		events:      desc("events_appended_total", "Records appended to the log by event type.", "type"),
		rejects:     desc("rejects_total", "Shadow intents rejected by reason.", "reason"),
		drifts:      desc("drifts_total", "Depth continuity losses by reason.", "reason"),
		appendBytes: desc("append_bytes_total", "Bytes appended to the log including headers and padding."),
		rotations:   desc("log_rotations_total", "Log file rotations."),
		halts:       desc("log_halts_total", "Writer halts."),
		resyncs:     desc("resyncs_total", "Successful book reconciliations."),
		deadSymbols: desc("dead_symbols_total", "Symbols that exhausted their sync attempts."),
		staleDeltas: desc("stale_deltas_total", "Deltas dropped as already applied."),
		throttles:   desc("throttles_total", "Snapshot requests refused by venue rate limits."),
		queueDrops:  desc("queue_drops_total", "Ingress events dropped on a full queue."),
		queueClosed: desc("queue_closed_total", "Ingress events published to a closed queue."),
		snapshotAvg: desc("snapshot_fetch_seconds_avg", "Average snapshot fetch latency."),
		syncAvg:     desc("resync_seconds_avg", "Average time from continuity loss to live book."),
		totalEquity: desc("total_equity", "Realized P&L minus fees over all symbols."),
	}
}

func (c *Collector) Describe(ch chan<- *prometheus.Desc) {
	for _, d := range []*prometheus.Desc{
		c.events, c.rejects, c.drifts, c.appendBytes, c.rotations, c.halts,
		c.resyncs, c.deadSymbols, c.staleDeltas, c.throttles, c.queueDrops,
		c.queueClosed, c.snapshotAvg, c.syncAvg, c.totalEquity,
	} {
		ch <- d
	}
}

func (c *Collector) Collect(ch chan<- prometheus.Metric) {
	s := c.metrics.Snapshot()

	counter := func(d *prometheus.Desc, v uint64, labels ...string) {
		ch <- prometheus.MustNewConstMetric(d, prometheus.CounterValue, float64(v), labels...)
	}
	for t, v := range s.EventCounts {
		counter(c.events, v, t.String())
	}
	for r, v := range s.RejectCounts {
		counter(c.rejects, v, r.String())
	}
	for r, v := range s.DriftCounts {
		counter(c.drifts, v, r.String())
	}
	counter(c.appendBytes, s.AppendBytes)
	counter(c.rotations, s.Rotations)
	counter(c.halts, s.Halts)
	counter(c.resyncs, s.Resyncs)
	counter(c.deadSymbols, s.DeadSymbols)
	counter(c.staleDeltas, s.StaleDeltas)
	counter(c.throttles, s.Throttles)
	counter(c.queueDrops, s.QueueDrops)
	counter(c.queueClosed, s.QueueClosed)

	ch <- prometheus.MustNewConstMetric(c.snapshotAvg, prometheus.GaugeValue, s.SnapshotLatency.Avg.Seconds())
	ch <- prometheus.MustNewConstMetric(c.syncAvg, prometheus.GaugeValue, s.SyncLatency.Avg.Seconds())
	if c.equity != nil {
		ch <- prometheus.MustNewConstMetric(c.totalEquity, prometheus.GaugeValue, c.equity())
	}
}
