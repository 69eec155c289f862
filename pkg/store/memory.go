package store

import (
	"context"
	"encoding/json"
	"sort"
	"strings"
	"sync"

	"github.com/pkg/errors"

	"forge/pkg/model"
)

// MemoryStore 进程内实现，用于测试和单机模式。
// 和 Etcd 一样存 JSON，避免调用方与存储共享指针。
type MemoryStore struct {
	mu       sync.RWMutex
	keys     Keys
	data     map[string][]byte
	watchers []*reportWatcher
}

type reportWatcher struct {
	ctx context.Context
	ch  chan *model.TaskReport
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		keys: NewKeys(DefaultPrefix),
		data: make(map[string][]byte),
	}
}

func (m *MemoryStore) WriteCluster(_ context.Context, cluster *model.Cluster) error {
	return m.put(m.keys.Cluster(cluster.ID), cluster)
}

func (m *MemoryStore) GetCluster(_ context.Context, clusterID string) (*model.Cluster, error) {
	var cluster model.Cluster
	if err := m.get(m.keys.Cluster(clusterID), &cluster); err != nil {
		return nil, err
	}
	return &cluster, nil
}

func (m *MemoryStore) WriteClusterJob(_ context.Context, job *model.ClusterJob) error {
	return m.put(m.keys.Job(job.ClusterID, job.ID), job)
}

func (m *MemoryStore) GetClusterJob(_ context.Context, clusterID, jobID string) (*model.ClusterJob, error) {
	var job model.ClusterJob
	if err := m.get(m.keys.Job(clusterID, jobID), &job); err != nil {
		return nil, err
	}
	return &job, nil
}

func (m *MemoryStore) WriteClusterTask(_ context.Context, task *model.ClusterTask) error {
	return m.put(m.keys.Task(task.ClusterID, task.JobID, task.ID), task)
}

func (m *MemoryStore) GetClusterTask(_ context.Context, clusterID, jobID, taskID string) (*model.ClusterTask, error) {
	var task model.ClusterTask
	if err := m.get(m.keys.Task(clusterID, jobID, taskID), &task); err != nil {
		return nil, err
	}
	return &task, nil
}

func (m *MemoryStore) ListJobTasks(_ context.Context, clusterID, jobID string) ([]*model.ClusterTask, error) {
	tasks := make([]*model.ClusterTask, 0)
	for _, raw := range m.scan(m.keys.JobTasks(clusterID, jobID)) {
		var task model.ClusterTask
		if err := json.Unmarshal(raw, &task); err != nil {
			return nil, errors.Wrap(err, "decoding task")
		}
		tasks = append(tasks, &task)
	}
	return tasks, nil
}

func (m *MemoryStore) DispatchTask(_ context.Context, task *model.ClusterTask) error {
	return m.put(m.keys.QueuedTask(task.ID), task)
}

func (m *MemoryStore) AckTask(_ context.Context, task *model.ClusterTask) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.data, m.keys.QueuedTask(task.ID))
	delete(m.data, m.keys.Report(task.ID))
	return nil
}

func (m *MemoryStore) QueueLength(context.Context) (int, error) {
	return len(m.scan(m.keys.Queue())), nil
}

// QueuedTasks 当前下发队列中的任务，按 Key 排序
func (m *MemoryStore) QueuedTasks() []*model.ClusterTask {
	tasks := make([]*model.ClusterTask, 0)
	for _, raw := range m.scan(m.keys.Queue()) {
		var task model.ClusterTask
		if json.Unmarshal(raw, &task) == nil {
			tasks = append(tasks, &task)
		}
	}
	return tasks
}

func (m *MemoryStore) ReportTask(_ context.Context, report *model.TaskReport) error {
	if err := m.put(m.keys.Report(report.TaskID), report); err != nil {
		return err
	}

	m.mu.RLock()
	watchers := append([]*reportWatcher(nil), m.watchers...)
	m.mu.RUnlock()

	for _, w := range watchers {
		copied := *report
		go func(w *reportWatcher) {
			select {
			case w.ch <- &copied:
			case <-w.ctx.Done():
			}
		}(w)
	}
	return nil
}

// WatchTaskReports 先重放尚未确认的上报，再推送新的上报。
// 与 Etcd 实现一致，重建 Watch 不会丢失中断期间写入的上报。
func (m *MemoryStore) WatchTaskReports(ctx context.Context) <-chan *model.TaskReport {
	w := &reportWatcher{ctx: ctx, ch: make(chan *model.TaskReport)}

	m.mu.Lock()
	m.watchers = append(m.watchers, w)
	stored := m.scanLocked(m.keys.Reports())
	m.mu.Unlock()

	out := make(chan *model.TaskReport)
	go func() {
		defer close(out)
		defer m.removeWatcher(w)
		for _, raw := range stored {
			var r model.TaskReport
			if json.Unmarshal(raw, &r) != nil {
				continue
			}
			select {
			case out <- &r:
			case <-ctx.Done():
				return
			}
		}
		for {
			select {
			case r := <-w.ch:
				select {
				case out <- r:
				case <-ctx.Done():
					return
				}
			case <-ctx.Done():
				return
			}
		}
	}()
	return out
}

func (m *MemoryStore) removeWatcher(w *reportWatcher) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for i, existing := range m.watchers {
		if existing == w {
			m.watchers = append(m.watchers[:i], m.watchers[i+1:]...)
			return
		}
	}
}

// ---------------------------------------------------------
// 辅助方法
// ---------------------------------------------------------

func (m *MemoryStore) put(key string, val interface{}) error {
	raw, err := json.Marshal(val)
	if err != nil {
		return errors.Wrapf(err, "encoding %s", key)
	}
	m.mu.Lock()
	m.data[key] = raw
	m.mu.Unlock()
	return nil
}

func (m *MemoryStore) get(key string, val interface{}) error {
	m.mu.RLock()
	raw, ok := m.data[key]
	m.mu.RUnlock()
	if !ok {
		return errors.Wrap(ErrNotFound, key)
	}
	return errors.Wrapf(json.Unmarshal(raw, val), "decoding %s", key)
}

func (m *MemoryStore) scan(prefix string) [][]byte {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.scanLocked(prefix)
}

func (m *MemoryStore) scanLocked(prefix string) [][]byte {
	keys := make([]string, 0)
	for k := range m.data {
		if strings.HasPrefix(k, prefix) {
			keys = append(keys, k)
		}
	}
	sort.Strings(keys)

	out := make([][]byte, 0, len(keys))
	for _, k := range keys {
		out = append(out, m.data[k])
	}
	return out
}
