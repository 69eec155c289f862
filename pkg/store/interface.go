package store

import (
	"context"

	"github.com/pkg/errors"

	"forge/pkg/model"
)

var (
	// ErrNotFound 记录不存在
	ErrNotFound = errors.New("not found")
	// ErrPermissionDenied 当前视图无权写入
	ErrPermissionDenied = errors.New("permission denied")
)

// Store 接口定义了编排核心对存储层的所有需求
// EtcdManager (生产) 与 MemoryStore (测试/单机) 都实现了它
type Store interface {
	// --- Cluster ---
	WriteCluster(ctx context.Context, cluster *model.Cluster) error
	GetCluster(ctx context.Context, clusterID string) (*model.Cluster, error)

	// --- Job ---
	WriteClusterJob(ctx context.Context, job *model.ClusterJob) error
	GetClusterJob(ctx context.Context, clusterID, jobID string) (*model.ClusterJob, error)

	// --- Task ---
	WriteClusterTask(ctx context.Context, task *model.ClusterTask) error
	GetClusterTask(ctx context.Context, clusterID, jobID, taskID string) (*model.ClusterTask, error)
	ListJobTasks(ctx context.Context, clusterID, jobID string) ([]*model.ClusterTask, error)

	// --- 下发队列 (Worker 从这里领取任务) ---
	DispatchTask(ctx context.Context, task *model.ClusterTask) error
	// AckTask 任务结果已处理，从下发队列和上报区中移除
	AckTask(ctx context.Context, task *model.ClusterTask) error
	QueueLength(ctx context.Context) (int, error)

	// --- Worker 上报 ---
	ReportTask(ctx context.Context, report *model.TaskReport) error
	// WatchTaskReports 监听上报 (返回一个只读通道，ctx 结束后关闭)
	WatchTaskReports(ctx context.Context) <-chan *model.TaskReport
}

// ReadOnly 包装一个 Store，所有写操作返回 ErrPermissionDenied
func ReadOnly(s Store) Store {
	return readOnly{s}
}

type readOnly struct {
	Store
}

func (readOnly) WriteCluster(context.Context, *model.Cluster) error {
	return errors.Wrap(ErrPermissionDenied, "write cluster")
}

func (readOnly) WriteClusterJob(context.Context, *model.ClusterJob) error {
	return errors.Wrap(ErrPermissionDenied, "write job")
}

func (readOnly) WriteClusterTask(context.Context, *model.ClusterTask) error {
	return errors.Wrap(ErrPermissionDenied, "write task")
}

func (readOnly) DispatchTask(context.Context, *model.ClusterTask) error {
	return errors.Wrap(ErrPermissionDenied, "dispatch task")
}

func (readOnly) AckTask(context.Context, *model.ClusterTask) error {
	return errors.Wrap(ErrPermissionDenied, "ack task")
}
