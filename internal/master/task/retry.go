package task

import (
	"context"

	"github.com/pkg/errors"

	"forge/pkg/catalog"
	"forge/pkg/model"
)

// RetryTasks 计算重试一个失败任务所需的最小任务序列。
//
// 例如重试一次服务安装，只需要重跑这个任务；
// 但 CONFIRM 失败时，要先删除节点 (回滚)，再从 CREATE 开始，最后重新 CONFIRM。
// 返回的最后一个元素总是原任务本身 (ID 不变)，其余都是新 ID。
func (s *Service) RetryTasks(ctx context.Context, task *model.ClusterTask) ([]*model.ClusterTask, error) {
	origin, ok := s.catalog.RetryOriginFor(task.Action)
	if !ok {
		return []*model.ClusterTask{task}, nil
	}

	order := s.catalog.StagesFor(task.ClusterAction)
	originIdx := indexOf(order, origin)
	currentIdx := indexOf(order, task.Action)
	if originIdx < 0 || currentIdx < 0 || originIdx > currentIdx {
		return nil, errors.Wrapf(catalog.ErrInconsistent,
			"retry origin %s of %s not ordered before it in %s", origin, task.Action, task.ClusterAction)
	}

	plan := make([]*model.ClusterTask, 0, currentIdx-originIdx+2)
	if rollback, ok := s.catalog.RollbackFor(task.Action); ok {
		rb, err := s.derive(ctx, task, rollback)
		if err != nil {
			return nil, err
		}
		plan = append(plan, rb)
	}
	for i := originIdx; i < currentIdx; i++ {
		retry, err := s.derive(ctx, task, order[i])
		if err != nil {
			return nil, err
		}
		plan = append(plan, retry)
	}
	return append(plan, task), nil
}

// derive 为同一节点/服务/Job 生成一个新 ID 的任务
func (s *Service) derive(ctx context.Context, task *model.ClusterTask, action model.ProvisionerAction) (*model.ClusterTask, error) {
	id, err := s.ids.NewTaskID(ctx, task.JobID)
	if err != nil {
		return nil, errors.Wrapf(err, "issuing task id for job %s", task.JobID)
	}
	return model.NewClusterTask(id, task.JobID, task.ClusterID, task.NodeID, task.Service,
		action, task.ClusterAction), nil
}

func indexOf(order []model.ProvisionerAction, p model.ProvisionerAction) int {
	for i, a := range order {
		if a == p {
			return i
		}
	}
	return -1
}
