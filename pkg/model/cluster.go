package model

// ClusterStatus 集群状态，由 Job 状态机在任务结束时改写
type ClusterStatus string

const (
	ClusterPending      ClusterStatus = "PENDING"
	ClusterActive       ClusterStatus = "ACTIVE"
	ClusterIncomplete   ClusterStatus = "INCOMPLETE"
	ClusterInconsistent ClusterStatus = "INCONSISTENT"
	ClusterTerminated   ClusterStatus = "TERMINATED"
)

type Cluster struct {
	ID       string        `json:"id"`
	Name     string        `json:"name"`
	TenantID string        `json:"tenant_id"`
	Status   ClusterStatus `json:"status"`
	Nodes    []*Node       `json:"nodes"`

	// 最近一次 Job，方便 CLI 直接查看
	LatestJobID string `json:"latest_job_id,omitempty"`
}

// Node 查找集群内的节点
func (c *Cluster) Node(id string) *Node {
	for _, n := range c.Nodes {
		if n.ID == id {
			return n
		}
	}
	return nil
}
