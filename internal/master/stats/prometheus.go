package stats

import (
	"github.com/prometheus/client_golang/prometheus"

	"forge/pkg/model"
)

const (
	metricsPrefix = "forge_"
	stateLabel    = "state"
	actionLabel   = "action"
)

var (
	taskDesc = prometheus.NewDesc(
		metricsPrefix+"tasks_total",
		"Number of provisioner tasks by outcome and task type",
		[]string{stateLabel, actionLabel}, nil,
	)
	jobDesc = prometheus.NewDesc(
		metricsPrefix+"jobs_total",
		"Number of cluster jobs by outcome and cluster action",
		[]string{stateLabel, actionLabel}, nil,
	)
	queueLengthDesc = prometheus.NewDesc(
		metricsPrefix+"queue_length",
		"Number of tasks waiting in the dispatch queue",
		nil, nil,
	)
)

// Describe 实现 prometheus.Collector
func (s *Stats) Describe(ch chan<- *prometheus.Desc) {
	ch <- taskDesc
	ch <- jobDesc
	ch <- queueLengthDesc
}

// Collect 每次抓取时直接读原子计数器
func (s *Stats) Collect(ch chan<- prometheus.Metric) {
	ch <- prometheus.MustNewConstMetric(queueLengthDesc, prometheus.GaugeValue, float64(s.QueueLength()))

	for state, c := range map[string]*Counter[model.ProvisionerAction]{
		"submitted": s.submittedTasks,
		"failed":    s.failedTasks,
		"succeeded": s.succeededTasks,
		"dropped":   s.droppedTasks,
	} {
		for action, n := range c.Counts() {
			ch <- prometheus.MustNewConstMetric(taskDesc, prometheus.CounterValue, float64(n), state, string(action))
		}
	}

	for state, c := range map[string]*Counter[model.ClusterAction]{
		"running":   s.runningJobs,
		"failed":    s.failedJobs,
		"succeeded": s.succeededJobs,
	} {
		for action, n := range c.Counts() {
			ch <- prometheus.MustNewConstMetric(jobDesc, prometheus.CounterValue, float64(n), state, string(action))
		}
	}
}

var _ prometheus.Collector = (*Stats)(nil)
