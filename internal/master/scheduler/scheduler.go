// Package scheduler 驱动 Job 逐阶段执行: 下发任务、处理 Worker 上报、失败重试与收尾。
package scheduler

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/EagleChen/mapmutex"
	"github.com/hashicorp/go-multierror"
	"github.com/pkg/errors"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"forge/internal/master/stats"
	"forge/internal/master/task"
	"forge/pkg/catalog"
	"forge/pkg/model"
	"forge/pkg/store"
)

// ErrIncompleteCluster 集群数据还不完整 (例如依赖节点的地址尚未上报)，任务暂不能下发
var ErrIncompleteCluster = errors.New("cluster data incomplete")

// Preparer 下发前的准备检查 (配置占位符能否解析)。
// 返回 ErrIncompleteCluster 表示稍后再试，其它错误视为下发失败。
type Preparer interface {
	Prepare(ctx context.Context, cluster *model.Cluster, t *model.ClusterTask) error
}

// NopPreparer 总是通过
type NopPreparer struct{}

func (NopPreparer) Prepare(context.Context, *model.Cluster, *model.ClusterTask) error { return nil }

type Config struct {
	// MaxRetries 单个任务最多重试次数
	MaxRetries int
	// PendingInterval 重新推进滞留 Job 的间隔
	PendingInterval time.Duration
	// WatchBackoff 上报 Watch 中断后重建前的等待时间
	WatchBackoff time.Duration
}

// Scheduler 核心调度器结构体
type Scheduler struct {
	store    store.Store
	svc      *task.Service
	stats    stats.Sink
	preparer Preparer
	cfg      Config

	locks *mapmutex.Mutex
	// pending 需要由定时器重新推进的 Job (jobID -> clusterID):
	// 准备未完成、下发失败或推进过程中存储出错
	pending sync.Map
	// undelivered 已经 IN_PROGRESS 但没有写进下发队列的任务 (taskID)
	undelivered sync.Map
	// unreset 重试阶段已经落盘但重置失败、仍是 FAILED 的原任务 (taskID)
	unreset sync.Map
	log     *zap.SugaredLogger
}

func NewScheduler(s store.Store, svc *task.Service, sink stats.Sink, preparer Preparer, cfg Config) *Scheduler {
	if preparer == nil {
		preparer = NopPreparer{}
	}
	if cfg.PendingInterval <= 0 {
		cfg.PendingInterval = 5 * time.Second
	}
	if cfg.WatchBackoff <= 0 {
		cfg.WatchBackoff = time.Second
	}
	return &Scheduler{
		store:    s,
		svc:      svc,
		stats:    sink,
		preparer: preparer,
		cfg:      cfg,
		locks:    mapmutex.NewCustomizedMapMutex(800, 100000000, 10, 1.1, 0.2),
		log:      zap.S().Named("scheduler"),
	}
}

// Run 启动调度主循环 (后台常驻 Goroutine)，ctx 结束后返回。
// 上报 Watch 中断时等待 WatchBackoff 后重建；存储会重放尚未确认的上报。
func (s *Scheduler) Run(ctx context.Context) {
	// 1. Watch 机制：监听 Worker 上报
	reports := s.store.WatchTaskReports(ctx)
	ticker := time.NewTicker(s.cfg.PendingInterval)
	defer ticker.Stop()

	s.log.Info("started, watching task reports")

	var wg sync.WaitGroup
	defer wg.Wait()
	for {
		select {
		case report, ok := <-reports:
			if !ok {
				reports = s.rewatch(ctx)
				if reports == nil {
					s.log.Info("stopped")
					return
				}
				continue
			}
			// 异步处理，防止阻塞主 Watch 循环；同一 Job 由锁串行化
			wg.Add(1)
			go func() {
				defer wg.Done()
				if err := s.HandleReport(ctx, report); err != nil {
					s.log.Errorw("handling report failed", "task", report.TaskID, "job", report.JobID, "error", err)
				}
			}()
		case <-ticker.C:
			s.RetryPending(ctx)
		case <-ctx.Done():
			s.log.Info("stopped")
			return
		}
	}
}

// rewatch 重建上报 Watch，ctx 结束时返回 nil
func (s *Scheduler) rewatch(ctx context.Context) <-chan *model.TaskReport {
	if ctx.Err() != nil {
		return nil
	}
	s.log.Warnw("report watch closed, re-establishing", "backoff", s.cfg.WatchBackoff)
	select {
	case <-time.After(s.cfg.WatchBackoff):
	case <-ctx.Done():
		return nil
	}
	return s.store.WatchTaskReports(ctx)
}

// Submit 为集群规划一个新的 Job 并下发第一个非空阶段。
// Job 已经持久化但下发出错时同时返回 Job 和错误，Job 会由定时器继续推进。
func (s *Scheduler) Submit(ctx context.Context, clusterID string, action model.ClusterAction) (*model.ClusterJob, error) {
	cluster, err := s.store.GetCluster(ctx, clusterID)
	if err != nil {
		return nil, errors.Wrapf(err, "loading cluster %s", clusterID)
	}

	// 1. 拆分
	job, tasks, err := s.svc.PlanJob(ctx, cluster, action)
	if err != nil {
		return nil, err
	}

	unlock, err := s.lock(job.ID)
	if err != nil {
		return nil, err
	}
	defer unlock()

	// 2. 先写任务再写 Job，Job 可见时它引用的任务一定存在
	for _, t := range tasks {
		if err := s.store.WriteClusterTask(ctx, t); err != nil {
			return nil, errors.Wrapf(err, "persisting task %s", t.ID)
		}
	}
	if err := s.store.WriteClusterJob(ctx, job); err != nil {
		return nil, errors.Wrapf(err, "persisting job %s", job.ID)
	}
	cluster.LatestJobID = job.ID
	if err := s.store.WriteCluster(ctx, cluster); err != nil {
		return nil, errors.Wrapf(err, "persisting cluster %s", cluster.ID)
	}

	// 3. 启动并下发
	if err := s.svc.StartJob(ctx, job, cluster); err != nil {
		if !isCallbackError(err) {
			return nil, err
		}
		s.log.Warnw("job started without callback", "job", job.ID, "error", err)
	}
	s.log.Infow("job submitted", "job", job.ID, "cluster", cluster.ID, "action", action, "stages", len(job.Stages))

	if err := s.advance(ctx, job, cluster); err != nil {
		return job, err
	}
	return job, nil
}

// HandleReport 处理一条 Worker 上报。同一 Job 的上报串行处理。
// 处理中途出错时 Job 进入 pending，由定时器从持久化的状态继续推进。
func (s *Scheduler) HandleReport(ctx context.Context, report *model.TaskReport) (err error) {
	unlock, err := s.lock(report.JobID)
	if err != nil {
		return err
	}
	defer unlock()

	job, err := s.store.GetClusterJob(ctx, report.ClusterID, report.JobID)
	if err != nil {
		return errors.Wrapf(err, "loading job %s", report.JobID)
	}
	t, err := s.store.GetClusterTask(ctx, report.ClusterID, report.JobID, report.TaskID)
	if err != nil {
		return errors.Wrapf(err, "loading task %s", report.TaskID)
	}

	// 1. 已结束的 Job / 非执行中的任务: 过期上报，直接确认
	if job.Status.Terminal() || t.Status != model.TaskInProgress {
		s.log.Debugw("ignoring stale report", "task", t.ID, "task_status", t.Status, "job_status", job.Status)
		return s.ack(ctx, t)
	}

	defer func() {
		if err != nil {
			s.hold(job)
		}
	}()

	cluster, err := s.store.GetCluster(ctx, report.ClusterID)
	if err != nil {
		return errors.Wrapf(err, "loading cluster %s", report.ClusterID)
	}

	// 2. 成功: 记录节点地址，完成任务并推进
	if report.Success {
		if err := s.recordAddresses(ctx, cluster, t, report); err != nil {
			return err
		}
		if err := s.svc.CompleteTask(ctx, t, report.Code); err != nil {
			return err
		}
		if err := s.ack(ctx, t); err != nil {
			return err
		}
		return s.advance(ctx, job, cluster)
	}

	// 3. 失败: 在预算内重试，否则整个 Job 失败
	if err := s.svc.FailTask(ctx, t, report.Code); err != nil {
		return err
	}
	if err := s.ack(ctx, t); err != nil {
		return err
	}
	s.log.Infow("task failed", "task", t.ID, "action", t.Action, "code", report.Code, "attempts", t.Attempts, "message", report.Message)

	finished, err := s.recoverTask(ctx, job, cluster, t, fmt.Sprintf("task %s (%s) failed: %s", t.ID, t.Action, report.Message))
	if err != nil || finished {
		return err
	}
	return s.advance(ctx, job, cluster)
}

// recordAddresses 把上报中的节点地址合并进集群记录 (CONFIRM 返回机器的 IP)
func (s *Scheduler) recordAddresses(ctx context.Context, cluster *model.Cluster, t *model.ClusterTask, report *model.TaskReport) error {
	if len(report.IPAddresses) == 0 {
		return nil
	}
	node := cluster.Node(t.NodeID)
	if node == nil {
		return errors.Errorf("task %s reported addresses for unknown node %s", t.ID, t.NodeID)
	}

	updated := *cluster
	updated.Nodes = make([]*model.Node, 0, len(cluster.Nodes))
	for _, n := range cluster.Nodes {
		if n.ID != node.ID {
			updated.Nodes = append(updated.Nodes, n)
			continue
		}
		merged := *n
		merged.IPAddresses = make(map[string]string, len(n.IPAddresses)+len(report.IPAddresses))
		for k, v := range n.IPAddresses {
			merged.IPAddresses[k] = v
		}
		for k, v := range report.IPAddresses {
			merged.IPAddresses[k] = v
		}
		updated.Nodes = append(updated.Nodes, &merged)
	}
	if err := s.store.WriteCluster(ctx, &updated); err != nil {
		return errors.Wrapf(err, "persisting addresses of node %s", node.ID)
	}
	*cluster = updated
	s.log.Debugw("node addresses recorded", "node", node.ID, "addresses", report.IPAddresses)
	return nil
}

// RetryPending 重新推进滞留的 Job
func (s *Scheduler) RetryPending(ctx context.Context) {
	s.pending.Range(func(key, value interface{}) bool {
		jobID, clusterID := key.(string), value.(string)
		if err := s.resume(ctx, clusterID, jobID); err != nil {
			s.log.Warnw("resuming pending job failed", "job", jobID, "error", err)
		}
		return ctx.Err() == nil
	})
}

func (s *Scheduler) resume(ctx context.Context, clusterID, jobID string) error {
	unlock, err := s.lock(jobID)
	if err != nil {
		return err
	}
	defer unlock()

	job, err := s.store.GetClusterJob(ctx, clusterID, jobID)
	if err != nil {
		return errors.Wrapf(err, "loading job %s", jobID)
	}
	s.pending.Delete(jobID)
	if job.Status.Terminal() {
		return nil
	}
	cluster, err := s.store.GetCluster(ctx, clusterID)
	if err != nil {
		s.hold(job)
		return errors.Wrapf(err, "loading cluster %s", clusterID)
	}
	return s.advance(ctx, job, cluster)
}

func (s *Scheduler) hold(job *model.ClusterJob) {
	s.pending.Store(job.ID, job.ClusterID)
}

// recoverTask 处理一个 FAILED 任务: 预算内规划重试，否则结束 Job。
// finished 表示 Job 已经结束。
func (s *Scheduler) recoverTask(ctx context.Context, job *model.ClusterJob, cluster *model.Cluster,
	failed *model.ClusterTask, message string) (finished bool, err error) {
	if failed.Attempts >= s.cfg.MaxRetries {
		return true, s.failJob(ctx, job, cluster, message)
	}
	if err := s.retry(ctx, job, failed); err != nil {
		if !errors.Is(err, catalog.ErrInconsistent) {
			return false, err
		}
		// 目录配置错误，重试永远不会成功
		s.log.Errorw("retry planning failed", "task", failed.ID, "error", err)
		return true, s.failJob(ctx, job, cluster, fmt.Sprintf("cannot retry task %s: %v", failed.ID, err))
	}
	return false, nil
}

// retry 把失败任务从当前阶段移出，每个重试任务单独成为一个新阶段，按顺序插在当前阶段之后，
// 最后一个阶段是原任务。
//
// 写入顺序: 新任务 -> Job (提交点) -> 重置原任务。
// Job 写入失败时原任务仍是 FAILED 且留在当前阶段，advance 会重新规划；
// 重置失败时原任务记入 unreset，advance 推进到它所在的阶段时只补做重置。
func (s *Scheduler) retry(ctx context.Context, job *model.ClusterJob, failed *model.ClusterTask) error {
	plan, err := s.svc.RetryTasks(ctx, failed)
	if err != nil {
		return err
	}

	stages := make([][]string, 0, len(plan))
	for _, t := range plan {
		if t.ID != failed.ID {
			if err := s.store.WriteClusterTask(ctx, t); err != nil {
				return errors.Wrapf(err, "persisting task %s", t.ID)
			}
		}
		stages = append(stages, []string{t.ID})
	}

	updated := *job
	updated.Stages = make([][]string, len(job.Stages))
	for i, stage := range job.Stages {
		updated.Stages[i] = append([]string(nil), stage...)
	}
	updated.RemoveTask(updated.CurrentStage, failed.ID)
	updated.InsertStagesAfter(updated.CurrentStage, stages)
	if err := s.store.WriteClusterJob(ctx, &updated); err != nil {
		return errors.Wrapf(err, "persisting job %s", job.ID)
	}
	*job = updated

	if err := s.svc.ResetTask(ctx, failed); err != nil {
		s.unreset.Store(failed.ID, struct{}{})
		return err
	}
	s.log.Infow("retry planned", "task", failed.ID, "job", job.ID, "tasks", len(plan), "attempt", failed.Attempts)
	return nil
}

// failJob 丢弃所有尚未执行的任务，再按集群操作声明的失败状态结束 Job
func (s *Scheduler) failJob(ctx context.Context, job *model.ClusterJob, cluster *model.Cluster, message string) error {
	tasks, err := s.stageTasks(ctx, job, job.TaskIDs())
	if err != nil {
		return err
	}

	var result *multierror.Error
	for _, t := range filterTasks(tasks, created) {
		if err := s.svc.DropTask(ctx, t); err != nil {
			result = multierror.Append(result, err)
		}
	}
	if err := result.ErrorOrNil(); err != nil {
		return errors.Wrapf(err, "dropping tasks of job %s", job.ID)
	}

	if err := s.svc.FailJobDefault(ctx, job, cluster, message); err != nil {
		if job.Status != model.JobFailed {
			return err
		}
		s.log.Warnw("job failed with errors", "job", job.ID, "error", err)
	}
	s.pending.Delete(job.ID)
	s.log.Infow("job failed", "job", job.ID, "cluster", cluster.ID, "cluster_status", cluster.Status, "message", message)
	s.refreshQueueLength(ctx)
	return nil
}

// advance 当前阶段全部完成后进入下一个阶段；没有阶段了就结束 Job。
// 当前阶段中仍是 CREATED 或没有送达队列的任务会被下发；
// 仍是 FAILED 的任务说明上次的重试没有做完，补做或重新规划。
// 出错时 Job 进入 pending。
func (s *Scheduler) advance(ctx context.Context, job *model.ClusterJob, cluster *model.Cluster) (err error) {
	defer func() {
		if err != nil {
			s.hold(job)
		}
	}()

	start := job.CurrentStage
	for job.CurrentStage < len(job.Stages) {
		tasks, err := s.stageTasks(ctx, job, job.Stages[job.CurrentStage])
		if err != nil {
			return err
		}

		if failed := filterTasks(tasks, isFailed); len(failed) > 0 {
			t := failed[0]
			if _, ok := s.unreset.Load(t.ID); ok {
				if err := s.svc.ResetTask(ctx, t); err != nil {
					return err
				}
				s.unreset.Delete(t.ID)
				continue
			}
			finished, err := s.recoverTask(ctx, job, cluster, t,
				fmt.Sprintf("task %s (%s) failed with code %d", t.ID, t.Action, t.StatusCode))
			if err != nil || finished {
				return err
			}
			continue
		}

		if len(filterTasks(tasks, complete)) == len(tasks) {
			job.CurrentStage++
			continue
		}

		if job.CurrentStage != start {
			if err := s.store.WriteClusterJob(ctx, job); err != nil {
				return errors.Wrapf(err, "persisting job %s", job.ID)
			}
		}
		return s.dispatch(ctx, job, cluster, filterTasks(tasks, s.dispatchable))
	}

	if err := s.store.WriteClusterJob(ctx, job); err != nil {
		return errors.Wrapf(err, "persisting job %s", job.ID)
	}
	if err := s.svc.CompleteJob(ctx, job, cluster); err != nil {
		// 状态已落盘，剩下的是回调/清理错误
		if job.Status != model.JobComplete {
			return err
		}
		s.log.Warnw("job completed with errors", "job", job.ID, "error", err)
	}
	s.pending.Delete(job.ID)
	s.log.Infow("job complete", "job", job.ID, "cluster", cluster.ID, "cluster_status", cluster.Status)
	return nil
}

// dispatchable CREATED 的任务，或已经启动但没有写进队列的任务
func (s *Scheduler) dispatchable(t *model.ClusterTask) bool {
	if created(t) {
		return true
	}
	_, ok := s.undelivered.Load(t.ID)
	return ok && t.Status == model.TaskInProgress
}

// dispatch 并发下发同一阶段的任务。单个任务出错不影响其它任务，
// 出错的任务保持可重新下发的状态，Job 进入 pending。
func (s *Scheduler) dispatch(ctx context.Context, job *model.ClusterJob, cluster *model.Cluster, tasks []*model.ClusterTask) error {
	if len(tasks) == 0 {
		return nil
	}

	var (
		mu     sync.Mutex
		result *multierror.Error
		g      errgroup.Group
	)
	for _, t := range tasks {
		g.Go(func() error {
			if err := s.deliver(ctx, job, cluster, t); err != nil {
				mu.Lock()
				result = multierror.Append(result, err)
				mu.Unlock()
			}
			return nil
		})
	}
	_ = g.Wait()
	s.refreshQueueLength(ctx)
	return result.ErrorOrNil()
}

// deliver 准备、启动并写入下发队列。
//  1. 准备未完成或失败: 任务保持 CREATED
//  2. 队列写入失败: 任务已是 IN_PROGRESS，记入 undelivered，下次只重写队列
func (s *Scheduler) deliver(ctx context.Context, job *model.ClusterJob, cluster *model.Cluster, t *model.ClusterTask) error {
	if t.Status == model.TaskCreated {
		if err := s.preparer.Prepare(ctx, cluster, t); err != nil {
			s.hold(job)
			if errors.Is(err, ErrIncompleteCluster) {
				s.log.Debugw("task held back", "task", t.ID, "reason", err)
				return nil
			}
			return errors.Wrapf(err, "preparing task %s", t.ID)
		}
		if err := s.svc.StartTask(ctx, t); err != nil {
			s.hold(job)
			return err
		}
	}

	if err := s.store.DispatchTask(ctx, t); err != nil {
		s.undelivered.Store(t.ID, struct{}{})
		s.hold(job)
		return errors.Wrapf(err, "dispatching task %s", t.ID)
	}
	s.undelivered.Delete(t.ID)
	return nil
}

func (s *Scheduler) stageTasks(ctx context.Context, job *model.ClusterJob, ids []string) ([]*model.ClusterTask, error) {
	tasks := make([]*model.ClusterTask, 0, len(ids))
	for _, id := range ids {
		t, err := s.store.GetClusterTask(ctx, job.ClusterID, job.ID, id)
		if err != nil {
			return nil, errors.Wrapf(err, "loading task %s", id)
		}
		tasks = append(tasks, t)
	}
	return tasks, nil
}

func (s *Scheduler) ack(ctx context.Context, t *model.ClusterTask) error {
	if err := s.store.AckTask(ctx, t); err != nil {
		return errors.Wrapf(err, "acking task %s", t.ID)
	}
	s.refreshQueueLength(ctx)
	return nil
}

func (s *Scheduler) refreshQueueLength(ctx context.Context) {
	n, err := s.store.QueueLength(ctx)
	if err != nil {
		s.log.Warnw("reading queue length failed", "error", err)
		return
	}
	s.stats.SetQueueLength(n)
}

func (s *Scheduler) lock(jobID string) (func(), error) {
	if !s.locks.TryLock(jobID) {
		return nil, errors.Wrap(task.ErrEntityBusy, "job/"+jobID)
	}
	return func() { s.locks.Unlock(jobID) }, nil
}

func isCallbackError(err error) bool {
	var cbErr *task.CallbackError
	return errors.As(err, &cbErr)
}
