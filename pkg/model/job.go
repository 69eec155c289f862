package model

import "time"

type JobStatus string

const (
	JobCreated  JobStatus = "CREATED"
	JobQueued   JobStatus = "QUEUED"
	JobRunning  JobStatus = "RUNNING"
	JobComplete JobStatus = "COMPLETE"
	JobFailed   JobStatus = "FAILED"
)

// Terminal Job 已结束，不会再变化
func (s JobStatus) Terminal() bool {
	return s == JobComplete || s == JobFailed
}

// ClusterJob 对一个集群执行一次 ClusterAction
type ClusterJob struct {
	ID            string        `json:"id"`
	ClusterID     string        `json:"cluster_id"`
	ClusterAction ClusterAction `json:"cluster_action"`

	Status        JobStatus `json:"status"`
	StatusMessage string    `json:"status_message,omitempty"`

	// 按阶段排列的 Task ID，同一阶段内的任务可以跨节点并行
	// 失败重试时会在当前阶段之后插入新的阶段
	Stages       [][]string `json:"stages"`
	CurrentStage int        `json:"current_stage"`

	CreateTime time.Time `json:"create_time"`
}

// TaskIDs 所有阶段的 Task ID，按阶段顺序
func (j *ClusterJob) TaskIDs() []string {
	ids := make([]string, 0)
	for _, stage := range j.Stages {
		ids = append(ids, stage...)
	}
	return ids
}

// RemoveTask 从指定阶段中移除一个 Task
func (j *ClusterJob) RemoveTask(stage int, taskID string) {
	if stage < 0 || stage >= len(j.Stages) {
		return
	}
	kept := make([]string, 0, len(j.Stages[stage]))
	for _, id := range j.Stages[stage] {
		if id != taskID {
			kept = append(kept, id)
		}
	}
	j.Stages[stage] = kept
}

// InsertStagesAfter 在 stage 之后插入若干新阶段
func (j *ClusterJob) InsertStagesAfter(stage int, stages [][]string) {
	if len(stages) == 0 {
		return
	}
	pos := stage + 1
	if pos > len(j.Stages) {
		pos = len(j.Stages)
	}
	merged := make([][]string, 0, len(j.Stages)+len(stages))
	merged = append(merged, j.Stages[:pos]...)
	merged = append(merged, stages...)
	merged = append(merged, j.Stages[pos:]...)
	j.Stages = merged
}
