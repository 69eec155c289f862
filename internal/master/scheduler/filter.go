package scheduler

import (
	"context"

	"github.com/pkg/errors"

	"forge/pkg/model"
)

// filterTasks 遍历任务，返回满足条件的子集
func filterTasks(tasks []*model.ClusterTask, keep func(t *model.ClusterTask) bool) []*model.ClusterTask {
	out := make([]*model.ClusterTask, 0, len(tasks))
	for _, t := range tasks {
		if keep(t) {
			out = append(out, t)
		}
	}
	return out
}

func created(t *model.ClusterTask) bool  { return t.Status == model.TaskCreated }
func complete(t *model.ClusterTask) bool { return t.Status == model.TaskComplete }
func isFailed(t *model.ClusterTask) bool { return t.Status == model.TaskFailed }

// AddressPreparer 服务级任务的配置会引用集群内所有节点的内网地址，
// 任一节点地址缺失时返回 ErrIncompleteCluster。节点级任务不检查。
type AddressPreparer struct{}

func (AddressPreparer) Prepare(_ context.Context, cluster *model.Cluster, t *model.ClusterTask) error {
	// 1. 任务所在节点必须属于集群
	if cluster.Node(t.NodeID) == nil {
		return errors.Errorf("node %s is not part of cluster %s", t.NodeID, cluster.ID)
	}
	if !t.Action.ServiceLevel() {
		return nil
	}

	// 2. 所有节点都已上报内网地址
	for _, node := range cluster.Nodes {
		if node.IP(model.IPInternal) == "" {
			return errors.Wrapf(ErrIncompleteCluster, "node %s has no %s address", node.ID, model.IPInternal)
		}
	}
	return nil
}
