package lane

import (
	"sync/atomic"
	"time"
)

// latencyBuckets are upper bounds in milliseconds for the lock-free latency
// histogram. The final bucket is unbounded.
var latencyBuckets = [...]int64{1, 2, 5, 10, 25, 50, 100, 250, 500, 1000, 2500, 5000, 10000, 30000, 60000, 300000}

// latencyHistogram is a fixed-bucket histogram updated with atomics only.
type latencyHistogram struct {
	counts [len(latencyBuckets) + 1]atomic.Uint64
}

func (h *latencyHistogram) observe(d time.Duration) {
	ms := d.Milliseconds()
	for i, bound := range latencyBuckets {
		if ms <= bound {
			h.counts[i].Add(1)
			return
		}
	}
	h.counts[len(latencyBuckets)].Add(1)
}

// percentile returns the upper bound of the bucket containing the p-th
// percentile observation, or 0 with no observations.
func (h *latencyHistogram) percentile(p float64) time.Duration {
	var counts [len(latencyBuckets) + 1]uint64
	var total uint64
	for i := range h.counts {
		counts[i] = h.counts[i].Load()
		total += counts[i]
	}
	if total == 0 {
		return 0
	}
	target := uint64(p * float64(total))
	if target == 0 {
		target = 1
	}
	var cum uint64
	for i, c := range counts {
		cum += c
		if cum >= target {
			if i < len(latencyBuckets) {
				return time.Duration(latencyBuckets[i]) * time.Millisecond
			}
			// Unbounded bucket: report the largest finite bound.
			return time.Duration(latencyBuckets[len(latencyBuckets)-1]) * time.Millisecond
		}
	}
	return time.Duration(latencyBuckets[len(latencyBuckets)-1]) * time.Millisecond
}

// laneCounters is the per-lane slice of the MetricsSink. All fields are
// atomics; reads are idempotent snapshots.
type laneCounters struct {
	submitted  atomic.Uint64
	completed  atomic.Uint64
	failed     atomic.Uint64
	retries    atomic.Uint64
	cancelled  atomic.Uint64
	dlqSize    atomic.Int64
	queueDepth atomic.Int64
	running    atomic.Int64
	latency    latencyHistogram
}

// MetricsSink aggregates lock-free counters and latency histograms per lane
// plus a global rollup.
type MetricsSink struct {
	lanes  map[string]*laneCounters
	global laneCounters
}

// NewMetricsSink builds a sink for the given table's lanes.
func NewMetricsSink(table *LaneTable) *MetricsSink {
	lanes := make(map[string]*laneCounters, table.Len())
	for _, name := range table.Names() {
		lanes[name] = &laneCounters{}
	}
	return &MetricsSink{lanes: lanes}
}

func (m *MetricsSink) lane(name string) *laneCounters {
	return m.lanes[name]
}

func (m *MetricsSink) recordSubmitted(laneName string, n int) {
	m.lane(laneName).submitted.Add(uint64(n))
	m.global.submitted.Add(uint64(n))
	m.lane(laneName).queueDepth.Add(int64(n))
	m.global.queueDepth.Add(int64(n))
}

func (m *MetricsSink) recordAdmitted(laneName string) {
	m.lane(laneName).queueDepth.Add(-1)
	m.global.queueDepth.Add(-1)
	m.lane(laneName).running.Add(1)
	m.global.running.Add(1)
}

func (m *MetricsSink) recordRequeued(laneName string) {
	m.lane(laneName).retries.Add(1)
	m.global.retries.Add(1)
	m.lane(laneName).queueDepth.Add(1)
	m.global.queueDepth.Add(1)
}

func (m *MetricsSink) recordReleased(laneName string) {
	m.lane(laneName).running.Add(-1)
	m.global.running.Add(-1)
}

func (m *MetricsSink) recordAttemptLatency(laneName string, latency time.Duration) {
	m.lane(laneName).latency.observe(latency)
	m.global.latency.observe(latency)
}

func (m *MetricsSink) recordCompleted(laneName string) {
	m.lane(laneName).completed.Add(1)
	m.global.completed.Add(1)
}

// recordFailed counts one terminal failure, regardless of how many attempts
// preceded it.
func (m *MetricsSink) recordFailed(laneName string) {
	m.lane(laneName).failed.Add(1)
	m.global.failed.Add(1)
}

func (m *MetricsSink) recordCancelled(laneName string, wasPending bool) {
	m.lane(laneName).cancelled.Add(1)
	m.global.cancelled.Add(1)
	if wasPending {
		m.lane(laneName).queueDepth.Add(-1)
		m.global.queueDepth.Add(-1)
	}
}

func (m *MetricsSink) recordDeadLetter(laneName string, delta int64) {
	m.lane(laneName).dlqSize.Add(delta)
	m.global.dlqSize.Add(delta)
}

// LaneStats is an idempotent snapshot of one lane's counters.
type LaneStats struct {
	Lane       string        `json:"lane"`
	Submitted  uint64        `json:"submitted"`
	Completed  uint64        `json:"completed"`
	Failed     uint64        `json:"failed"`
	Retries    uint64        `json:"retries"`
	Cancelled  uint64        `json:"cancelled"`
	DLQSize    int64         `json:"dlq_size"`
	QueueDepth int64         `json:"queue_depth"`
	Running    int64         `json:"running"`
	LatencyP50 time.Duration `json:"latency_p50"`
	LatencyP90 time.Duration `json:"latency_p90"`
	LatencyP95 time.Duration `json:"latency_p95"`
	LatencyP99 time.Duration `json:"latency_p99"`
}

// QueueStats is a snapshot across all lanes plus the global rollup.
type QueueStats struct {
	Global LaneStats            `json:"global"`
	Lanes  map[string]LaneStats `json:"lanes"`
}

func snapshotCounters(name string, c *laneCounters) LaneStats {
	return LaneStats{
		Lane:       name,
		Submitted:  c.submitted.Load(),
		Completed:  c.completed.Load(),
		Failed:     c.failed.Load(),
		Retries:    c.retries.Load(),
		Cancelled:  c.cancelled.Load(),
		DLQSize:    c.dlqSize.Load(),
		QueueDepth: c.queueDepth.Load(),
		Running:    c.running.Load(),
		LatencyP50: c.latency.percentile(0.50),
		LatencyP90: c.latency.percentile(0.90),
		LatencyP95: c.latency.percentile(0.95),
		LatencyP99: c.latency.percentile(0.99),
	}
}

// LaneSnapshot returns stats for one lane.
func (m *MetricsSink) LaneSnapshot(laneName string) (LaneStats, bool) {
	c, ok := m.lanes[laneName]
	if !ok {
		return LaneStats{}, false
	}
	return snapshotCounters(laneName, c), true
}

// Snapshot returns per-lane and global stats.
func (m *MetricsSink) Snapshot() QueueStats {
	out := QueueStats{
		Global: snapshotCounters("global", &m.global),
		Lanes:  make(map[string]LaneStats, len(m.lanes)),
	}
	for name, c := range m.lanes {
		out.Lanes[name] = snapshotCounters(name, c)
	}
	return out
}
