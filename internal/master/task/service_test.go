package task

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/pkg/errors"

	"forge/internal/master/callback"
	"forge/internal/master/credential"
	"forge/internal/master/idgen"
	"forge/internal/master/stats"
	"forge/pkg/catalog"
	"forge/pkg/model"
	"forge/pkg/store"
)

type emitted struct {
	tenant        string
	typ           callback.EventType
	jobStatus     model.JobStatus
	storedCluster model.ClusterStatus // 发回调时存储里的集群状态
}

// recordingEmitter 记录事件，并在发出时读取存储中的集群，用来验证落盘先于回调
type recordingEmitter struct {
	mu     sync.Mutex
	store  store.Store
	events []emitted
	err    error
}

func (e *recordingEmitter) Emit(ctx context.Context, tenantID string, typ callback.EventType, cluster *model.Cluster, job *model.ClusterJob) error {
	if e.err != nil {
		return e.err
	}
	ev := emitted{tenant: tenantID, typ: typ, jobStatus: job.Status}
	if stored, err := e.store.GetCluster(ctx, cluster.ID); err == nil {
		ev.storedCluster = stored.Status
	}
	e.mu.Lock()
	e.events = append(e.events, ev)
	e.mu.Unlock()
	return nil
}

// flakyStore 在指定的写操作上失败
type flakyStore struct {
	store.Store
	failTask    bool
	failJob     bool
	failCluster bool
}

var errDisk = errors.New("disk full")

func (f *flakyStore) WriteClusterTask(ctx context.Context, t *model.ClusterTask) error {
	if f.failTask {
		return errDisk
	}
	return f.Store.WriteClusterTask(ctx, t)
}

func (f *flakyStore) WriteClusterJob(ctx context.Context, j *model.ClusterJob) error {
	if f.failJob {
		return errDisk
	}
	return f.Store.WriteClusterJob(ctx, j)
}

func (f *flakyStore) WriteCluster(ctx context.Context, c *model.Cluster) error {
	if f.failCluster {
		return errDisk
	}
	return f.Store.WriteCluster(ctx, c)
}

type fixture struct {
	svc     *Service
	store   *flakyStore
	mem     *store.MemoryStore
	stats   *stats.Stats
	emitter *recordingEmitter
	creds   *credential.MemoryStore
	ids     *idgen.MemoryIssuer
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	mem := store.NewMemoryStore()
	fs := &flakyStore{Store: mem}
	st := stats.New()
	em := &recordingEmitter{store: mem}
	creds := credential.NewMemoryStore()
	ids := idgen.NewMemoryIssuer()

	svc := NewService(fs, catalog.Default(), ids, st, em, credential.NewScrubber(creds))
	svc.now = func() time.Time { return time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC) }
	return &fixture{svc: svc, store: fs, mem: mem, stats: st, emitter: em, creds: creds, ids: ids}
}

func newTask(id string, action model.ProvisionerAction) *model.ClusterTask {
	return model.NewClusterTask(id, "c1-1", "c1", "node-1", "", action, model.ClusterCreate)
}

func newCluster() *model.Cluster {
	return &model.Cluster{
		ID:       "c1",
		Name:     "hadoop",
		TenantID: "t1",
		Status:   model.ClusterPending,
		Nodes: []*model.Node{
			{ID: "node-1", Services: []string{"hdfs", "yarn"}},
			{ID: "node-2", Services: []string{"hdfs"}},
		},
	}
}

func newJob(action model.ClusterAction) *model.ClusterJob {
	return &model.ClusterJob{ID: "c1-1", ClusterID: "c1", ClusterAction: action, Status: model.JobCreated}
}
