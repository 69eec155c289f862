package task

import (
	"context"

	"github.com/hashicorp/go-multierror"
	"github.com/pkg/errors"

	"forge/internal/master/callback"
	"forge/pkg/model"
)

// writeJob 同 transition: 副本上修改，持久化成功后写回
func (s *Service) writeJob(ctx context.Context, job *model.ClusterJob, mutate func(j *model.ClusterJob)) error {
	updated := *job
	mutate(&updated)
	if err := s.store.WriteClusterJob(ctx, &updated); err != nil {
		return errors.Wrapf(err, "persisting job %s", job.ID)
	}
	*job = updated
	return nil
}

func (s *Service) writeCluster(ctx context.Context, cluster *model.Cluster, status model.ClusterStatus) error {
	updated := *cluster
	updated.Status = status
	if err := s.store.WriteCluster(ctx, &updated); err != nil {
		return errors.Wrapf(err, "persisting cluster %s", cluster.ID)
	}
	*cluster = updated
	return nil
}

func (s *Service) emit(ctx context.Context, typ callback.EventType, cluster *model.Cluster, job *model.ClusterJob) error {
	if err := s.emitter.Emit(ctx, cluster.TenantID, typ, cluster, job); err != nil {
		return &CallbackError{JobID: job.ID, Event: typ, Err: err}
	}
	return nil
}

// StartJob 置为 RUNNING 并发出 START 回调。
// RUNNING 不会锁住集群记录，集群级别的串行化由外部调度负责。
func (s *Service) StartJob(ctx context.Context, job *model.ClusterJob, cluster *model.Cluster) error {
	unlock, err := s.lock(jobLockKey(job.ID))
	if err != nil {
		return err
	}
	defer unlock()

	s.log.Debugw("starting job", "job", job.ID, "cluster", cluster.ID)
	if err := s.writeJob(ctx, job, func(j *model.ClusterJob) {
		j.Status = model.JobRunning
	}); err != nil {
		return err
	}
	s.stats.JobRunning(job.ClusterAction)

	return s.emit(ctx, callback.EventStart, cluster, job)
}

// CompleteJob 置为 COMPLETE，集群变为 ACTIVE (删除操作则为 TERMINATED)。
// 删除操作完成后清理集群的敏感数据。集群状态先落盘，再发 SUCCESS 回调。
func (s *Service) CompleteJob(ctx context.Context, job *model.ClusterJob, cluster *model.Cluster) error {
	unlock, err := s.lock(jobLockKey(job.ID))
	if err != nil {
		return err
	}
	defer unlock()

	if err := s.writeJob(ctx, job, func(j *model.ClusterJob) {
		j.Status = model.JobComplete
	}); err != nil {
		return err
	}
	s.log.Debugw("job is complete", "job", job.ID)

	deleting := job.ClusterAction == model.ClusterDelete
	status := model.ClusterActive
	if deleting {
		status = model.ClusterTerminated
	}
	if err := s.writeCluster(ctx, cluster, status); err != nil {
		return err
	}
	s.stats.JobSucceeded(job.ClusterAction)

	// 以下错误都发生在状态落盘之后，合并返回
	var result *multierror.Error
	if deleting {
		if err := s.scrubber.Scrub(ctx, cluster); err != nil {
			result = multierror.Append(result, err)
		}
	}
	if err := s.emit(ctx, callback.EventSuccess, cluster, job); err != nil {
		result = multierror.Append(result, err)
	}
	return result.ErrorOrNil()
}

// FailJob 置为 FAILED，集群状态改为 status，发出 FAILURE 回调。
// status 为空时使用集群操作声明的失败状态。
func (s *Service) FailJob(ctx context.Context, job *model.ClusterJob, cluster *model.Cluster,
	status model.ClusterStatus, message string) error {
	if status == "" {
		status = job.ClusterAction.FailureStatus()
	}
	unlock, err := s.lock(jobLockKey(job.ID))
	if err != nil {
		return err
	}
	defer unlock()

	if err := s.writeJob(ctx, job, func(j *model.ClusterJob) {
		j.Status = model.JobFailed
		if message != "" {
			j.StatusMessage = message
		}
	}); err != nil {
		return err
	}
	if err := s.writeCluster(ctx, cluster, status); err != nil {
		return err
	}
	s.stats.JobFailed(job.ClusterAction)

	return s.emit(ctx, callback.EventFailure, cluster, job)
}

// FailJobDefault 集群状态使用该操作声明的失败状态
func (s *Service) FailJobDefault(ctx context.Context, job *model.ClusterJob, cluster *model.Cluster, message string) error {
	return s.FailJob(ctx, job, cluster, job.ClusterAction.FailureStatus(), message)
}

// FailJobAndTerminateCluster 失败并把集群置为 TERMINATED
func (s *Service) FailJobAndTerminateCluster(ctx context.Context, job *model.ClusterJob, cluster *model.Cluster, message string) error {
	return s.FailJob(ctx, job, cluster, model.ClusterTerminated, message)
}

// FailJobOnly 只把 Job 置为 FAILED，不碰集群记录 (例如还没开始任何影响集群的工作)
func (s *Service) FailJobOnly(ctx context.Context, job *model.ClusterJob) error {
	unlock, err := s.lock(jobLockKey(job.ID))
	if err != nil {
		return err
	}
	defer unlock()

	return s.writeJob(ctx, job, func(j *model.ClusterJob) {
		j.Status = model.JobFailed
	})
}
