package task

import (
	"context"

	"github.com/pkg/errors"

	"forge/pkg/model"
)

// PlanJob 把集群操作拆成按阶段排列的任务。
// 每个目录阶段对应一个 Job 阶段；节点级任务每个节点一个，
// 服务级任务每个 (节点, 服务) 一个。没有任务的阶段也保留。
// 返回的 Job 与任务都还没有持久化。
func (s *Service) PlanJob(ctx context.Context, cluster *model.Cluster, action model.ClusterAction) (*model.ClusterJob, []*model.ClusterTask, error) {
	if !action.Valid() {
		return nil, nil, errors.Errorf("unknown cluster action %q", action)
	}

	jobID, err := s.ids.NewJobID(ctx, cluster.ID)
	if err != nil {
		return nil, nil, errors.Wrapf(err, "issuing job id for cluster %s", cluster.ID)
	}
	job := &model.ClusterJob{
		ID:            jobID,
		ClusterID:     cluster.ID,
		ClusterAction: action,
		Status:        model.JobCreated,
		Stages:        make([][]string, 0),
		CreateTime:    s.now(),
	}

	tasks := make([]*model.ClusterTask, 0)
	for _, p := range s.catalog.StagesFor(action) {
		stage := make([]string, 0, len(cluster.Nodes))
		for _, node := range cluster.Nodes {
			services := []string{""}
			if p.ServiceLevel() {
				services = node.Services
			}
			for _, service := range services {
				id, err := s.ids.NewTaskID(ctx, jobID)
				if err != nil {
					return nil, nil, errors.Wrapf(err, "issuing task id for job %s", jobID)
				}
				tasks = append(tasks, model.NewClusterTask(id, jobID, cluster.ID, node.ID, service, p, action))
				stage = append(stage, id)
			}
		}
		job.Stages = append(job.Stages, stage)
	}
	return job, tasks, nil
}
