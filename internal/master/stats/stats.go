// Package stats 统计任务与 Job 的执行结果。
// 计数器只增不减 (进程重启清零)，热路径上只用原子操作。
package stats

import (
	"sync/atomic"

	"forge/pkg/model"
)

// Sink 状态机上报结果的入口，通过构造函数注入
type Sink interface {
	TaskSubmitted(p model.ProvisionerAction)
	TaskSucceeded(p model.ProvisionerAction)
	TaskFailed(p model.ProvisionerAction)
	TaskDropped(p model.ProvisionerAction)

	JobRunning(a model.ClusterAction)
	JobSucceeded(a model.ClusterAction)
	JobFailed(a model.ClusterAction)

	SetQueueLength(n int)
}

// Counter 按 key 分类的一组原子计数器。
// map 在构造后不再修改，并发读安全。
type Counter[K ~string] struct {
	counts map[K]*atomic.Int64
	other  atomic.Int64 // 未知 key，只计入总数
}

func NewCounter[K ~string](keys []K) *Counter[K] {
	c := &Counter[K]{counts: make(map[K]*atomic.Int64, len(keys))}
	for _, k := range keys {
		c.counts[k] = new(atomic.Int64)
	}
	return c
}

func (c *Counter[K]) Increment(k K) {
	if v, ok := c.counts[k]; ok {
		v.Add(1)
		return
	}
	c.other.Add(1)
}

func (c *Counter[K]) Get(k K) int64 {
	if v, ok := c.counts[k]; ok {
		return v.Load()
	}
	return 0
}

func (c *Counter[K]) Total() int64 {
	total := c.other.Load()
	for _, v := range c.counts {
		total += v.Load()
	}
	return total
}

func (c *Counter[K]) Counts() map[K]int64 {
	out := make(map[K]int64, len(c.counts))
	for k, v := range c.counts {
		out[k] = v.Load()
	}
	return out
}

type Stats struct {
	queueLength atomic.Int64

	submittedTasks *Counter[model.ProvisionerAction]
	failedTasks    *Counter[model.ProvisionerAction]
	succeededTasks *Counter[model.ProvisionerAction]
	droppedTasks   *Counter[model.ProvisionerAction]

	runningJobs   *Counter[model.ClusterAction]
	failedJobs    *Counter[model.ClusterAction]
	succeededJobs *Counter[model.ClusterAction]
}

var _ Sink = (*Stats)(nil)

func New() *Stats {
	return &Stats{
		submittedTasks: NewCounter(model.ProvisionerActions),
		failedTasks:    NewCounter(model.ProvisionerActions),
		succeededTasks: NewCounter(model.ProvisionerActions),
		droppedTasks:   NewCounter(model.ProvisionerActions),
		runningJobs:    NewCounter(model.ClusterActions),
		failedJobs:     NewCounter(model.ClusterActions),
		succeededJobs:  NewCounter(model.ClusterActions),
	}
}

func (s *Stats) TaskSubmitted(p model.ProvisionerAction) { s.submittedTasks.Increment(p) }
func (s *Stats) TaskSucceeded(p model.ProvisionerAction) { s.succeededTasks.Increment(p) }
func (s *Stats) TaskFailed(p model.ProvisionerAction)    { s.failedTasks.Increment(p) }
func (s *Stats) TaskDropped(p model.ProvisionerAction)   { s.droppedTasks.Increment(p) }

func (s *Stats) JobRunning(a model.ClusterAction)   { s.runningJobs.Increment(a) }
func (s *Stats) JobSucceeded(a model.ClusterAction) { s.succeededJobs.Increment(a) }
func (s *Stats) JobFailed(a model.ClusterAction)    { s.failedJobs.Increment(a) }

func (s *Stats) SetQueueLength(n int) { s.queueLength.Store(int64(n)) }

// ---------------------------------------------------------
// 读接口
// ---------------------------------------------------------

func (s *Stats) QueueLength() int64 { return s.queueLength.Load() }

func (s *Stats) SubmittedTasks() *Counter[model.ProvisionerAction] { return s.submittedTasks }
func (s *Stats) FailedTasks() *Counter[model.ProvisionerAction]    { return s.failedTasks }
func (s *Stats) SucceededTasks() *Counter[model.ProvisionerAction] { return s.succeededTasks }
func (s *Stats) DroppedTasks() *Counter[model.ProvisionerAction]   { return s.droppedTasks }

func (s *Stats) RunningJobs() *Counter[model.ClusterAction]   { return s.runningJobs }
func (s *Stats) FailedJobs() *Counter[model.ClusterAction]    { return s.failedJobs }
func (s *Stats) SucceededJobs() *Counter[model.ClusterAction] { return s.succeededJobs }

// Snapshot 某一时刻的全部计数 (各计数器分别读取，不保证彼此一致)
type Snapshot struct {
	QueueLength int64 `json:"queue_length"`

	SubmittedTasks map[model.ProvisionerAction]int64 `json:"submitted_tasks"`
	FailedTasks    map[model.ProvisionerAction]int64 `json:"failed_tasks"`
	SucceededTasks map[model.ProvisionerAction]int64 `json:"succeeded_tasks"`
	DroppedTasks   map[model.ProvisionerAction]int64 `json:"dropped_tasks"`

	RunningJobs   map[model.ClusterAction]int64 `json:"running_jobs"`
	FailedJobs    map[model.ClusterAction]int64 `json:"failed_jobs"`
	SucceededJobs map[model.ClusterAction]int64 `json:"succeeded_jobs"`
}

func (s *Stats) Snapshot() Snapshot {
	return Snapshot{
		QueueLength:    s.QueueLength(),
		SubmittedTasks: s.submittedTasks.Counts(),
		FailedTasks:    s.failedTasks.Counts(),
		SucceededTasks: s.succeededTasks.Counts(),
		DroppedTasks:   s.droppedTasks.Counts(),
		RunningJobs:    s.runningJobs.Counts(),
		FailedJobs:     s.failedJobs.Counts(),
		SucceededJobs:  s.succeededJobs.Counts(),
	}
}
