// Package metrics は Prometheus 向けのメトリクス定義を提供します。
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

const (
	docstream = "docstream"

	jobsSubmittedTotal   = "jobs_submitted_total"
	jobsFinishedTotal    = "jobs_finished_total"
	chunkDurationSeconds = "chunk_duration_seconds"
	poolQueueDepth       = "pool_queue_depth"
	poolBusyWorkers      = "pool_busy_workers"

	// Labels
	statusLabel = "status"
	resultLabel = "result"
)

var jobsSubmittedTotalMetric = prometheus.NewCounter(
	prometheus.CounterOpts{
		Subsystem: docstream,
		Name:      jobsSubmittedTotal,
		Help:      "number of submitted documents",
	},
)

var jobsFinishedTotalMetric = prometheus.NewCounterVec(
	prometheus.CounterOpts{
		Subsystem: docstream,
		Name:      jobsFinishedTotal,
		Help:      "number of jobs that reached a terminal status",
	},
	[]string{statusLabel},
)

var chunkDurationMetric = prometheus.NewHistogramVec(
	prometheus.HistogramOpts{
		Subsystem: docstream,
		Name:      chunkDurationSeconds,
		Help:      "time spent extracting a single chunk",
		Buckets:   prometheus.ExponentialBuckets(0.05, 2, 12),
	},
	[]string{resultLabel},
)

var poolQueueDepthMetric = prometheus.NewGauge(
	prometheus.GaugeOpts{
		Subsystem: docstream,
		Name:      poolQueueDepth,
		Help:      "number of chunk tasks waiting for a worker",
	},
)

var poolBusyWorkersMetric = prometheus.NewGauge(
	prometheus.GaugeOpts{
		Subsystem: docstream,
		Name:      poolBusyWorkers,
		Help:      "number of workers currently running a task",
	},
)

// IncJobsSubmitted は受け付けたジョブ数を加算します。
func IncJobsSubmitted() {
	jobsSubmittedTotalMetric.Inc()
}

// IncJobsFinished は終了状態に達したジョブ数を加算します。
func IncJobsFinished(status string) {
	jobsFinishedTotalMetric.With(prometheus.Labels{statusLabel: status}).Inc()
}

// ObserveChunkDuration はチャンク処理時間を記録します。
func ObserveChunkDuration(result string, d time.Duration) {
	chunkDurationMetric.With(prometheus.Labels{resultLabel: result}).Observe(d.Seconds())
}

// SetPoolQueueDepth は待ち行列の長さを記録します。
func SetPoolQueueDepth(n int) {
	poolQueueDepthMetric.Set(float64(n))
}

// AddPoolBusyWorkers は稼働中ワーカー数を増減します。
func AddPoolBusyWorkers(delta int) {
	poolBusyWorkersMetric.Add(float64(delta))
}

func init() {
	registerMetrics()
}

func registerMetrics() {
	prometheus.MustRegister(jobsSubmittedTotalMetric)
	prometheus.MustRegister(jobsFinishedTotalMetric)
	prometheus.MustRegister(chunkDurationMetric)
	prometheus.MustRegister(poolQueueDepthMetric)
	prometheus.MustRegister(poolBusyWorkersMetric)
}
