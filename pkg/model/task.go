package model

import "time"

type TaskStatus string

const (
	TaskCreated    TaskStatus = "CREATED"
	TaskInProgress TaskStatus = "IN_PROGRESS"
	TaskComplete   TaskStatus = "COMPLETE"
	TaskFailed     TaskStatus = "FAILED"
	TaskDropped    TaskStatus = "DROPPED"
)

func (s TaskStatus) Terminal() bool {
	return s == TaskComplete || s == TaskFailed || s == TaskDropped
}

// ClusterTask 节点上的一个最小工作单元，只属于创建它的 Job
type ClusterTask struct {
	ID        string `json:"id"`
	JobID     string `json:"job_id"`
	ClusterID string `json:"cluster_id"`
	NodeID    string `json:"node_id"`
	Service   string `json:"service,omitempty"`

	Action        ProvisionerAction `json:"action"`
	ClusterAction ClusterAction     `json:"cluster_action"`

	Status     TaskStatus `json:"status"`
	StatusCode int        `json:"status_code"`
	Attempts   int        `json:"attempts"` // 已重试次数

	SubmitTime time.Time `json:"submit_time"`
	StatusTime time.Time `json:"status_time"`
}

// NewClusterTask 构造一个 CREATED 状态的任务
func NewClusterTask(id, jobID, clusterID, nodeID, service string,
	action ProvisionerAction, clusterAction ClusterAction) *ClusterTask {
	return &ClusterTask{
		ID:            id,
		JobID:         jobID,
		ClusterID:     clusterID,
		NodeID:        nodeID,
		Service:       service,
		Action:        action,
		ClusterAction: clusterAction,
		Status:        TaskCreated,
	}
}

// TaskReport Worker 上报的执行结果
type TaskReport struct {
	ClusterID string `json:"cluster_id"`
	JobID     string `json:"job_id"`
	TaskID    string `json:"task_id"`
	Success   bool   `json:"success"`
	Code      int    `json:"code"`
	Message   string `json:"message,omitempty"`

	// IPAddresses 任务所在节点的地址 (CONFIRM 成功时返回)，按类型区分
	IPAddresses map[string]string `json:"ip_addresses,omitempty"`
}
