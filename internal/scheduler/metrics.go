package scheduler

import (
	"github.com/prometheus/client_golang/prometheus"
)

var (
	submissionsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "inferq",
			Subsystem: "scheduler",
			Name:      "submissions_total",
			Help:      "Jobs accepted into the scheduler",
		},
		[]string{"priority"},
	)

	rejectionsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "inferq",
			Subsystem: "scheduler",
			Name:      "rejections_total",
			Help:      "Jobs refused at admission",
		},
		[]string{"reason"},
	)

	jobsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "inferq",
			Subsystem: "scheduler",
			Name:      "jobs_total",
			Help:      "Jobs that reached a terminal result",
		},
		[]string{"outcome"},
	)

	queueWaitSeconds = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Namespace: "inferq",
			Subsystem: "scheduler",
			Name:      "queue_wait_seconds",
			Help:      "Time jobs spent queued before dispatch",
			Buckets:   prometheus.ExponentialBuckets(0.001, 4, 10),
		},
	)

	executionSeconds = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Namespace: "inferq",
			Subsystem: "scheduler",
			Name:      "execution_seconds",
			Help:      "Executor run time per job",
			Buckets:   prometheus.DefBuckets,
		},
	)
)

func init() {
	prometheus.MustRegister(submissionsTotal, rejectionsTotal, jobsTotal, queueWaitSeconds, executionSeconds)
}

// StatsSource is anything that can produce a PoolStats snapshot.
type StatsSource interface {
	Stats() PoolStats
}

// StatsCollector exports PoolStats as gauges. Each scrape takes one snapshot,
// so the four values are always mutually consistent.
type StatsCollector struct {
	src       StatsSource
	active    *prometheus.Desc
	queued    *prometheus.Desc
	available *prometheus.Desc
	total     *prometheus.Desc
}

// NewStatsCollector returns a collector for src. Register it once per scheduler.
func NewStatsCollector(src StatsSource) *StatsCollector {
	name := func(n string) string { return prometheus.BuildFQName("inferq", "pool", n) }
	return &StatsCollector{
		src:       src,
		active:    prometheus.NewDesc(name("active_workers"), "Workers currently executing a job", nil, nil),
		queued:    prometheus.NewDesc(name("queued_tasks"), "Jobs waiting for dispatch", nil, nil),
		available: prometheus.NewDesc(name("available_capacity"), "Resource units not reserved by running jobs", nil, nil),
		total:     prometheus.NewDesc(name("total_capacity"), "Total resource units", nil, nil),
	}
}

func (c *StatsCollector) Describe(ch chan<- *prometheus.Desc) {
	ch <- c.active
	ch <- c.queued
	ch <- c.available
	ch <- c.total
}

func (c *StatsCollector) Collect(ch chan<- prometheus.Metric) {
	s := c.src.Stats()
	ch <- prometheus.MustNewConstMetric(c.active, prometheus.GaugeValue, float64(s.ActiveWorkers))
	ch <- prometheus.MustNewConstMetric(c.queued, prometheus.GaugeValue, float64(s.QueuedTasks))
	ch <- prometheus.MustNewConstMetric(c.available, prometheus.GaugeValue, float64(s.AvailableCapacity))
	ch <- prometheus.MustNewConstMetric(c.total, prometheus.GaugeValue, float64(s.TotalCapacity))
}
