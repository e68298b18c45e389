package scheduler

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var assignmentsCounter = promauto.NewCounterVec(
	prometheus.CounterOpts{
		Name: "flotilla_assignments_total",
		Help: "Number of first-time job assignments per partition",
	},
	[]string{"partition"},
)

var reassignmentsCounter = promauto.NewCounterVec(
	prometheus.CounterOpts{
		Name: "flotilla_reassignments_total",
		Help: "Number of cancel-and-resubmit moves per destination partition",
	},
	[]string{"partition"},
)

var jobFailuresCounter = promauto.NewCounterVec(
	prometheus.CounterOpts{
		Name: "flotilla_job_failures_total",
		Help: "Number of jobs marked failed per partition",
	},
	[]string{"partition"},
)

var (
	scoreDesc = prometheus.NewDesc(
		"flotilla_partition_score",
		"Commands the partition completed within the trailing 24h window",
		[]string{"partition"},
		nil,
	)
	loadDesc = prometheus.NewDesc(
		"flotilla_partition_load",
		"Jobs currently assigned, queued or running on the partition",
		[]string{"partition"},
		nil,
	)
	capacityDesc = prometheus.NewDesc(
		"flotilla_partition_capacity",
		"Configured maximum number of concurrent jobs on the partition",
		[]string{"partition"},
		nil,
	)
	finishedCommandsDesc = prometheus.NewDesc(
		"flotilla_finished_commands",
		"Commands that have completed successfully",
		nil,
		nil,
	)
	totalCommandsDesc = prometheus.NewDesc(
		"flotilla_total_commands",
		"Commands the metascheduler was started with",
		nil,
		nil,
	)
)

// MetricsCollector is a prometheus Collector exposing the scheduler's view of
// each partition. It reads the snapshot the scheduler publishes at the end of
// every tick, so collection never contends with scheduling.
type MetricsCollector struct {
	scheduler *Scheduler
}

func NewMetricsCollector(scheduler *Scheduler) *MetricsCollector {
	return &MetricsCollector{scheduler: scheduler}
}

func (c *MetricsCollector) Describe(ch chan<- *prometheus.Desc) {
	ch <- scoreDesc
	ch <- loadDesc
	ch <- capacityDesc
	ch <- finishedCommandsDesc
	ch <- totalCommandsDesc
}

func (c *MetricsCollector) Collect(ch chan<- prometheus.Metric) {
	snapshot := c.scheduler.Snapshot()
	if snapshot == nil {
		return
	}
	for _, partition := range snapshot.Partitions {
		ch <- prometheus.MustNewConstMetric(scoreDesc, prometheus.GaugeValue, float64(partition.Score), partition.Name)
		ch <- prometheus.MustNewConstMetric(loadDesc, prometheus.GaugeValue, float64(partition.Load), partition.Name)
		ch <- prometheus.MustNewConstMetric(capacityDesc, prometheus.GaugeValue, float64(partition.Capacity), partition.Name)
	}
	ch <- prometheus.MustNewConstMetric(finishedCommandsDesc, prometheus.GaugeValue, float64(snapshot.FinishedCommands))
	ch <- prometheus.MustNewConstMetric(totalCommandsDesc, prometheus.GaugeValue, float64(snapshot.TotalCommands))
}
