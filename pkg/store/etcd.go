package store

import (
	"context"
	"encoding/json"
	"time"

	"github.com/pkg/errors"
	clientv3 "go.etcd.io/etcd/client/v3"
	"go.uber.org/zap"

	"forge/pkg/model"
)

type EtcdManager struct {
	client *clientv3.Client
	keys   Keys
	log    *zap.SugaredLogger
}

// NewEtcdManager 初始化 Etcd 连接
func NewEtcdManager(endpoints []string, dialTimeout time.Duration, prefix string, logger *zap.Logger) (*EtcdManager, error) {
	if logger == nil {
		logger = zap.L()
	}
	cli, err := clientv3.New(clientv3.Config{
		Endpoints:   endpoints,
		DialTimeout: dialTimeout,
		Logger:      logger.Named("etcd-client"),
	})
	if err != nil {
		return nil, errors.Wrap(err, "connecting to etcd")
	}
	return NewEtcdManagerWithClient(cli, prefix, logger), nil
}

// NewEtcdManagerWithClient 复用已有的连接
func NewEtcdManagerWithClient(cli *clientv3.Client, prefix string, logger *zap.Logger) *EtcdManager {
	if logger == nil {
		logger = zap.L()
	}
	return &EtcdManager{
		client: cli,
		keys:   NewKeys(prefix),
		log:    logger.Sugar().Named("store"),
	}
}

// Client 给 idgen / callback / credential 共用同一个连接
func (e *EtcdManager) Client() *clientv3.Client {
	return e.client
}

func (e *EtcdManager) Keys() Keys {
	return e.keys
}

func (e *EtcdManager) Close() error {
	return e.client.Close()
}

// ---------------------------------------------------------
// Cluster / Job / Task
// ---------------------------------------------------------

func (e *EtcdManager) WriteCluster(ctx context.Context, cluster *model.Cluster) error {
	return e.putValue(ctx, e.keys.Cluster(cluster.ID), cluster)
}

func (e *EtcdManager) GetCluster(ctx context.Context, clusterID string) (*model.Cluster, error) {
	var cluster model.Cluster
	if err := e.getValue(ctx, e.keys.Cluster(clusterID), &cluster); err != nil {
		return nil, err
	}
	return &cluster, nil
}

func (e *EtcdManager) WriteClusterJob(ctx context.Context, job *model.ClusterJob) error {
	return e.putValue(ctx, e.keys.Job(job.ClusterID, job.ID), job)
}

func (e *EtcdManager) GetClusterJob(ctx context.Context, clusterID, jobID string) (*model.ClusterJob, error) {
	var job model.ClusterJob
	if err := e.getValue(ctx, e.keys.Job(clusterID, jobID), &job); err != nil {
		return nil, err
	}
	return &job, nil
}

func (e *EtcdManager) WriteClusterTask(ctx context.Context, task *model.ClusterTask) error {
	return e.putValue(ctx, e.keys.Task(task.ClusterID, task.JobID, task.ID), task)
}

func (e *EtcdManager) GetClusterTask(ctx context.Context, clusterID, jobID, taskID string) (*model.ClusterTask, error) {
	var task model.ClusterTask
	if err := e.getValue(ctx, e.keys.Task(clusterID, jobID, taskID), &task); err != nil {
		return nil, err
	}
	return &task, nil
}

func (e *EtcdManager) ListJobTasks(ctx context.Context, clusterID, jobID string) ([]*model.ClusterTask, error) {
	resp, err := e.client.Get(ctx, e.keys.JobTasks(clusterID, jobID), clientv3.WithPrefix())
	if err != nil {
		return nil, errors.Wrapf(err, "listing tasks of job %s", jobID)
	}

	tasks := make([]*model.ClusterTask, 0, len(resp.Kvs))
	for _, kv := range resp.Kvs {
		var task model.ClusterTask
		if err := json.Unmarshal(kv.Value, &task); err != nil {
			e.log.Warnw("skipping undecodable task", "key", string(kv.Key), "error", err)
			continue
		}
		tasks = append(tasks, &task)
	}
	return tasks, nil
}

// ---------------------------------------------------------
// 下发队列
// ---------------------------------------------------------

func (e *EtcdManager) DispatchTask(ctx context.Context, task *model.ClusterTask) error {
	return e.putValue(ctx, e.keys.QueuedTask(task.ID), task)
}

func (e *EtcdManager) AckTask(ctx context.Context, task *model.ClusterTask) error {
	_, err := e.client.Txn(ctx).Then(
		clientv3.OpDelete(e.keys.QueuedTask(task.ID)),
		clientv3.OpDelete(e.keys.Report(task.ID)),
	).Commit()
	return errors.Wrapf(err, "acking task %s", task.ID)
}

func (e *EtcdManager) QueueLength(ctx context.Context) (int, error) {
	resp, err := e.client.Get(ctx, e.keys.Queue(), clientv3.WithPrefix(), clientv3.WithCountOnly())
	if err != nil {
		return 0, errors.Wrap(err, "counting queued tasks")
	}
	return int(resp.Count), nil
}

// ---------------------------------------------------------
// Worker 上报
// ---------------------------------------------------------

func (e *EtcdManager) ReportTask(ctx context.Context, report *model.TaskReport) error {
	return e.putValue(ctx, e.keys.Report(report.TaskID), report)
}

// WatchTaskReports 将 Etcd 的 Watch 转换为业务 Channel。
// 先把已经存在的上报发出去 (master 重启期间写入的)，再从下一个 revision 开始 Watch。
func (e *EtcdManager) WatchTaskReports(ctx context.Context) <-chan *model.TaskReport {
	out := make(chan *model.TaskReport)

	go func() {
		defer close(out)

		prefix := e.keys.Reports()
		resp, err := e.client.Get(ctx, prefix, clientv3.WithPrefix())
		if err != nil {
			e.log.Errorw("failed to read pending reports", "error", err)
			return
		}
		for _, kv := range resp.Kvs {
			if !e.emitReport(ctx, out, kv.Value) {
				return
			}
		}

		watchChan := e.client.Watch(ctx, prefix, clientv3.WithPrefix(), clientv3.WithRev(resp.Header.Revision+1))
		for watchResp := range watchChan {
			if err := watchResp.Err(); err != nil {
				e.log.Errorw("report watch failed", "error", err)
				return
			}
			for _, ev := range watchResp.Events {
				// 删除事件来自 AckTask，忽略
				if ev.Type != clientv3.EventTypePut {
					continue
				}
				if !e.emitReport(ctx, out, ev.Kv.Value) {
					return
				}
			}
		}
	}()

	return out
}

func (e *EtcdManager) emitReport(ctx context.Context, out chan<- *model.TaskReport, raw []byte) bool {
	var report model.TaskReport
	if err := json.Unmarshal(raw, &report); err != nil {
		e.log.Warnw("failed to unmarshal task report", "error", err)
		return true
	}
	select {
	case out <- &report:
		return true
	case <-ctx.Done():
		return false
	}
}

// ---------------------------------------------------------
// 辅助方法 (Helpers)
// ---------------------------------------------------------

// putValue 封装通用的 JSON 序列化 + Put 操作
func (e *EtcdManager) putValue(ctx context.Context, key string, val interface{}) error {
	bytes, err := json.Marshal(val)
	if err != nil {
		return errors.Wrapf(err, "encoding %s", key)
	}
	if _, err = e.client.Put(ctx, key, string(bytes)); err != nil {
		return errors.Wrapf(err, "writing %s", key)
	}
	return nil
}

func (e *EtcdManager) getValue(ctx context.Context, key string, val interface{}) error {
	resp, err := e.client.Get(ctx, key)
	if err != nil {
		return errors.Wrapf(err, "reading %s", key)
	}
	if len(resp.Kvs) == 0 {
		return errors.Wrap(ErrNotFound, key)
	}
	return errors.Wrapf(json.Unmarshal(resp.Kvs[0].Value, val), "decoding %s", key)
}
