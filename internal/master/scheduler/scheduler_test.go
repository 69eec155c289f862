package scheduler

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis"
	"github.com/go-redis/redis"
	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"forge/internal/master/callback"
	"forge/internal/master/credential"
	"forge/internal/master/idgen"
	"forge/internal/master/stats"
	"forge/internal/master/task"
	"forge/pkg/catalog"
	"forge/pkg/model"
	"forge/pkg/store"
)

type fixture struct {
	sched *Scheduler
	mem   *store.MemoryStore
	stats *stats.Stats
	creds *credential.MemoryStore
	queue *callback.RedisQueue

	// addresses 非空时 CONFIRM 成功的上报带上对应节点的内网地址
	addresses map[string]string
}

func newFixture(t *testing.T, preparer Preparer, maxRetries int) *fixture {
	t.Helper()
	db, err := miniredis.Run()
	require.NoError(t, err)
	t.Cleanup(db.Close)
	client := redis.NewClient(&redis.Options{Addr: db.Addr()})
	t.Cleanup(func() { _ = client.Close() })

	mem := store.NewMemoryStore()
	st := stats.New()
	creds := credential.NewMemoryStore()
	queue := callback.NewRedisQueue(client)

	svc := task.NewService(mem, catalog.Default(), idgen.NewMemoryIssuer(), st,
		callback.NewEmitter(queue), credential.NewScrubber(creds))
	sched := NewScheduler(mem, svc, st, preparer, Config{MaxRetries: maxRetries, PendingInterval: 10 * time.Millisecond})

	require.NoError(t, mem.WriteCluster(context.Background(), &model.Cluster{
		ID:       "c1",
		Name:     "hadoop",
		TenantID: "t1",
		Status:   model.ClusterPending,
		Nodes: []*model.Node{
			{ID: "node-1", Services: []string{"hdfs", "yarn"}},
			{ID: "node-2", Services: []string{"hdfs"}},
		},
	}))
	return &fixture{sched: sched, mem: mem, stats: st, creds: creds, queue: queue}
}

// round 对队列里当前的每个任务上报一次结果，fail 决定哪些任务失败
func (f *fixture) round(t *testing.T, fail func(*model.ClusterTask) bool) {
	t.Helper()
	for _, q := range f.mem.QueuedTasks() {
		report := &model.TaskReport{ClusterID: q.ClusterID, JobID: q.JobID, TaskID: q.ID, Success: true}
		if fail != nil && fail(q) {
			report.Success = false
			report.Code = 1
			report.Message = "boom"
		} else if ip, ok := f.addresses[q.NodeID]; ok && q.Action == model.ActionConfirm {
			report.IPAddresses = map[string]string{model.IPInternal: ip}
		}
		require.NoError(t, f.sched.HandleReport(context.Background(), report))
	}
}

// drive 反复上报直到 Job 结束
func (f *fixture) drive(t *testing.T, job *model.ClusterJob, fail func(*model.ClusterTask) bool) *model.ClusterJob {
	t.Helper()
	for i := 0; i < 50; i++ {
		current := f.job(t, job)
		if current.Status.Terminal() {
			return current
		}
		require.NotEmpty(t, f.mem.QueuedTasks(), "job %s stalled at stage %d", job.ID, current.CurrentStage)
		f.round(t, fail)
	}
	t.Fatalf("job %s did not finish", job.ID)
	return nil
}

// use 让调度器改用 st 访问存储，任务状态仍直接写入内存存储
func (f *fixture) use(st store.Store) {
	f.sched = NewScheduler(st, f.sched.svc, f.stats, f.sched.preparer, f.sched.cfg)
}

var errDisk = errors.New("disk full")

// faultyStore 按计数让指定操作失败
type faultyStore struct {
	store.Store

	mu               sync.Mutex
	dispatchFailures int
	jobWriteFailures int
	closedWatches    int
}

func (s *faultyStore) take(n *int) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if *n == 0 {
		return false
	}
	*n--
	return true
}

func (s *faultyStore) DispatchTask(ctx context.Context, t *model.ClusterTask) error {
	if s.take(&s.dispatchFailures) {
		return errDisk
	}
	return s.Store.DispatchTask(ctx, t)
}

func (s *faultyStore) WriteClusterJob(ctx context.Context, job *model.ClusterJob) error {
	if s.take(&s.jobWriteFailures) {
		return errDisk
	}
	return s.Store.WriteClusterJob(ctx, job)
}

func (s *faultyStore) WatchTaskReports(ctx context.Context) <-chan *model.TaskReport {
	if s.take(&s.closedWatches) {
		ch := make(chan *model.TaskReport)
		close(ch)
		return ch
	}
	return s.Store.WatchTaskReports(ctx)
}

func (f *fixture) job(t *testing.T, job *model.ClusterJob) *model.ClusterJob {
	t.Helper()
	stored, err := f.mem.GetClusterJob(context.Background(), job.ClusterID, job.ID)
	require.NoError(t, err)
	return stored
}

func (f *fixture) cluster(t *testing.T) *model.Cluster {
	t.Helper()
	c, err := f.mem.GetCluster(context.Background(), "c1")
	require.NoError(t, err)
	return c
}

func (f *fixture) events(t *testing.T) []callback.EventType {
	t.Helper()
	items, err := f.queue.List(context.Background(), "t1")
	require.NoError(t, err)
	types := make([]callback.EventType, 0, len(items))
	for _, raw := range items {
		ev, err := callback.Decode(raw)
		require.NoError(t, err)
		types = append(types, ev.Type)
	}
	return types
}

func TestSubmitDispatchesFirstStage(t *testing.T) {
	f := newFixture(t, nil, 3)

	job, err := f.sched.Submit(context.Background(), "c1", model.ClusterCreate)
	require.NoError(t, err)

	assert.Equal(t, model.JobRunning, f.job(t, job).Status)
	assert.Equal(t, job.ID, f.cluster(t).LatestJobID)

	queued := f.mem.QueuedTasks()
	require.Len(t, queued, 2)
	for _, q := range queued {
		assert.Equal(t, model.ActionCreate, q.Action)
		assert.Equal(t, model.TaskInProgress, q.Status)
	}
	assert.EqualValues(t, 2, f.stats.QueueLength())
	assert.EqualValues(t, 1, f.stats.RunningJobs().Get(model.ClusterCreate))
	assert.Equal(t, []callback.EventType{callback.EventStart}, f.events(t))
}

func TestSubmitUnknownCluster(t *testing.T) {
	f := newFixture(t, nil, 3)
	_, err := f.sched.Submit(context.Background(), "missing", model.ClusterCreate)
	assert.True(t, errors.Is(err, store.ErrNotFound))
}

func TestCreateRunsToCompletion(t *testing.T) {
	f := newFixture(t, nil, 3)
	job, err := f.sched.Submit(context.Background(), "c1", model.ClusterCreate)
	require.NoError(t, err)

	done := f.drive(t, job, nil)
	assert.Equal(t, model.JobComplete, done.Status)
	assert.Equal(t, model.ClusterActive, f.cluster(t).Status)
	assert.Equal(t, len(done.Stages), done.CurrentStage)

	assert.EqualValues(t, 3*2+4*3, f.stats.SucceededTasks().Total())
	assert.EqualValues(t, 1, f.stats.SucceededJobs().Get(model.ClusterCreate))
	assert.EqualValues(t, 0, f.stats.QueueLength())
	assert.Empty(t, f.mem.QueuedTasks())
	assert.Equal(t, []callback.EventType{callback.EventStart, callback.EventSuccess}, f.events(t))
}

func TestDeleteTerminatesAndScrubs(t *testing.T) {
	f := newFixture(t, nil, 3)
	ctx := context.Background()
	require.NoError(t, f.creds.Put(ctx, "t1", "c1", "ssh", "secret"))

	job, err := f.sched.Submit(ctx, "c1", model.ClusterDelete)
	require.NoError(t, err)
	done := f.drive(t, job, nil)

	assert.Equal(t, model.JobComplete, done.Status)
	assert.Equal(t, model.ClusterTerminated, f.cluster(t).Status)
	_, err = f.creds.Get(ctx, "t1", "c1", "ssh")
	assert.True(t, errors.Is(err, credential.ErrNotFound))
}

func TestConfirmFailureSplicesRollbackAndRetry(t *testing.T) {
	f := newFixture(t, nil, 3)
	job, err := f.sched.Submit(context.Background(), "c1", model.ClusterCreate)
	require.NoError(t, err)

	// 1. CREATE 全部成功，进入 CONFIRM
	f.round(t, nil)
	var failedID string
	f.round(t, func(q *model.ClusterTask) bool {
		if q.Action == model.ActionConfirm && q.NodeID == "node-1" {
			failedID = q.ID
			return true
		}
		return false
	})
	require.NotEmpty(t, failedID)

	// 2. 失败任务移出当前阶段，其后依次是 DELETE、CREATE、原 CONFIRM
	stored := f.job(t, job)
	require.Len(t, stored.Stages, 7+3)
	assert.NotContains(t, stored.Stages[1], failedID)
	assert.Equal(t, []string{failedID}, stored.Stages[4])

	actions := make([]model.ProvisionerAction, 0, 3)
	for _, stage := range stored.Stages[2:5] {
		require.Len(t, stage, 1)
		tk, err := f.mem.GetClusterTask(context.Background(), "c1", job.ID, stage[0])
		require.NoError(t, err)
		assert.Equal(t, "node-1", tk.NodeID)
		actions = append(actions, tk.Action)
	}
	assert.Equal(t, []model.ProvisionerAction{model.ActionDelete, model.ActionCreate, model.ActionConfirm}, actions)

	original, err := f.mem.GetClusterTask(context.Background(), "c1", job.ID, failedID)
	require.NoError(t, err)
	assert.Equal(t, model.TaskCreated, original.Status)
	assert.Equal(t, 1, original.Attempts)

	// 3. 之后全部成功
	done := f.drive(t, job, nil)
	assert.Equal(t, model.JobComplete, done.Status)
	assert.Equal(t, model.ClusterActive, f.cluster(t).Status)
	assert.EqualValues(t, 3, f.stats.SubmittedTasks().Get(model.ActionCreate))
	assert.EqualValues(t, 3, f.stats.SubmittedTasks().Get(model.ActionConfirm))
	assert.EqualValues(t, 1, f.stats.SubmittedTasks().Get(model.ActionDelete))
	assert.EqualValues(t, 1, f.stats.FailedTasks().Get(model.ActionConfirm))
}

func TestFailureAfterRetriesDropsRemainingTasks(t *testing.T) {
	f := newFixture(t, nil, 1)
	job, err := f.sched.Submit(context.Background(), "c1", model.AddServices)
	require.NoError(t, err)

	var failing string
	done := f.drive(t, job, func(q *model.ClusterTask) bool {
		if failing == "" {
			failing = q.ID
		}
		return q.ID == failing
	})

	assert.Equal(t, model.JobFailed, done.Status)
	assert.Contains(t, done.StatusMessage, failing)
	assert.Equal(t, model.ClusterInconsistent, f.cluster(t).Status)

	assert.EqualValues(t, 2, f.stats.FailedTasks().Get(model.ActionInstall))
	assert.EqualValues(t, 2, f.stats.SucceededTasks().Get(model.ActionInstall))
	// CONFIGURE / INITIALIZE / START 各 3 个任务从未执行
	assert.EqualValues(t, 9, f.stats.DroppedTasks().Total())
	assert.EqualValues(t, 1, f.stats.FailedJobs().Get(model.AddServices))

	tasks, err := f.mem.ListJobTasks(context.Background(), "c1", job.ID)
	require.NoError(t, err)
	for _, tk := range tasks {
		assert.NotEqual(t, model.TaskCreated, tk.Status, tk.ID)
	}
	assert.Equal(t, []callback.EventType{callback.EventStart, callback.EventFailure}, f.events(t))
}

func TestStaleReportIsIgnored(t *testing.T) {
	f := newFixture(t, nil, 3)
	job, err := f.sched.Submit(context.Background(), "c1", model.ClusterDelete)
	require.NoError(t, err)
	queued := f.mem.QueuedTasks()
	require.Len(t, queued, 2)

	f.drive(t, job, nil)
	succeeded := f.stats.SucceededTasks().Total()

	report := &model.TaskReport{ClusterID: "c1", JobID: job.ID, TaskID: queued[0].ID, Success: false}
	require.NoError(t, f.sched.HandleReport(context.Background(), report))
	assert.Equal(t, succeeded, f.stats.SucceededTasks().Total())
	assert.EqualValues(t, 0, f.stats.FailedTasks().Total())
	assert.Equal(t, model.JobComplete, f.job(t, job).Status)
}

func TestIncompleteClusterHoldsTasksUntilReady(t *testing.T) {
	f := newFixture(t, AddressPreparer{}, 3)
	ctx := context.Background()

	job, err := f.sched.Submit(ctx, "c1", model.AddServices)
	require.NoError(t, err)
	assert.Empty(t, f.mem.QueuedTasks())
	assert.Equal(t, model.JobRunning, f.job(t, job).Status)

	f.sched.RetryPending(ctx)
	assert.Empty(t, f.mem.QueuedTasks())

	// 节点地址上报后重新下发
	cluster := f.cluster(t)
	for i, node := range cluster.Nodes {
		node.IPAddresses = map[string]string{model.IPInternal: "10.0.0." + string(rune('1'+i))}
	}
	require.NoError(t, f.mem.WriteCluster(ctx, cluster))

	f.sched.RetryPending(ctx)
	assert.Len(t, f.mem.QueuedTasks(), 3)

	done := f.drive(t, job, nil)
	assert.Equal(t, model.JobComplete, done.Status)
}

func TestAddressPreparer(t *testing.T) {
	cluster := &model.Cluster{ID: "c1", Nodes: []*model.Node{
		{ID: "node-1", IPAddresses: map[string]string{model.IPInternal: "10.0.0.1"}},
		{ID: "node-2"},
	}}
	p := AddressPreparer{}
	ctx := context.Background()

	create := model.NewClusterTask("c1-1-1", "c1-1", "c1", "node-2", "", model.ActionCreate, model.ClusterCreate)
	assert.NoError(t, p.Prepare(ctx, cluster, create))

	install := model.NewClusterTask("c1-1-2", "c1-1", "c1", "node-1", "hdfs", model.ActionInstall, model.ClusterCreate)
	assert.True(t, errors.Is(p.Prepare(ctx, cluster, install), ErrIncompleteCluster))

	orphan := model.NewClusterTask("c1-1-3", "c1-1", "c1", "node-9", "", model.ActionCreate, model.ClusterCreate)
	err := p.Prepare(ctx, cluster, orphan)
	assert.Error(t, err)
	assert.False(t, errors.Is(err, ErrIncompleteCluster))
}

func TestRunConsumesReports(t *testing.T) {
	f := newFixture(t, nil, 3)
	ctx, cancel := context.WithCancel(context.Background())
	stopped := make(chan struct{})
	go func() {
		f.sched.Run(ctx)
		close(stopped)
	}()

	job, err := f.sched.Submit(ctx, "c1", model.ClusterDelete)
	require.NoError(t, err)

	// 重复上报直到 Job 结束 (重复的上报会被忽略)
	assert.Eventually(t, func() bool {
		for _, q := range f.mem.QueuedTasks() {
			_ = f.mem.ReportTask(ctx, &model.TaskReport{ClusterID: q.ClusterID, JobID: q.JobID, TaskID: q.ID, Success: true})
		}
		return f.job(t, job).Status == model.JobComplete
	}, 5*time.Second, 20*time.Millisecond)

	cancel()
	select {
	case <-stopped:
	case <-time.After(5 * time.Second):
		t.Fatal("scheduler did not stop")
	}
	assert.Equal(t, model.ClusterTerminated, f.cluster(t).Status)
}

func TestUndeliveredTaskIsRedispatched(t *testing.T) {
	f := newFixture(t, nil, 3)
	fs := &faultyStore{Store: f.mem, dispatchFailures: 1}
	f.use(fs)
	ctx := context.Background()

	job, err := f.sched.Submit(ctx, "c1", model.ClusterDelete)
	require.True(t, errors.Is(err, errDisk))
	require.NotNil(t, job)

	// 1. 另一个任务照常下发，失败的任务已启动但不在队列里
	queued := f.mem.QueuedTasks()
	require.Len(t, queued, 1)
	tasks, err := f.mem.ListJobTasks(ctx, "c1", job.ID)
	require.NoError(t, err)
	for _, tk := range tasks {
		assert.Equal(t, model.TaskInProgress, tk.Status, tk.ID)
	}

	// 2. 定时器只重写队列，不会重复启动
	f.sched.RetryPending(ctx)
	require.Len(t, f.mem.QueuedTasks(), 2)
	assert.EqualValues(t, 2, f.stats.SubmittedTasks().Get(model.ActionDelete))

	done := f.drive(t, job, nil)
	assert.Equal(t, model.JobComplete, done.Status)
	assert.Equal(t, model.ClusterTerminated, f.cluster(t).Status)
}

func TestRetryReplansWhenJobWriteFails(t *testing.T) {
	f := newFixture(t, nil, 3)
	fs := &faultyStore{Store: f.mem}
	f.use(fs)
	ctx := context.Background()

	job, err := f.sched.Submit(ctx, "c1", model.ClusterCreate)
	require.NoError(t, err)
	f.round(t, nil)

	// 1. node-1 的 CONFIRM 失败，写入重试阶段时 Job 落盘失败
	var failed *model.ClusterTask
	for _, q := range f.mem.QueuedTasks() {
		if q.Action == model.ActionConfirm && q.NodeID == "node-1" {
			failed = q
		}
	}
	require.NotNil(t, failed)
	fs.jobWriteFailures = 1
	report := &model.TaskReport{ClusterID: "c1", JobID: job.ID, TaskID: failed.ID, Code: 1, Message: "boom"}
	require.True(t, errors.Is(f.sched.HandleReport(ctx, report), errDisk))

	stored := f.job(t, job)
	assert.Len(t, stored.Stages, 7)
	assert.Contains(t, stored.Stages[1], failed.ID)
	original, err := f.mem.GetClusterTask(ctx, "c1", job.ID, failed.ID)
	require.NoError(t, err)
	assert.Equal(t, model.TaskFailed, original.Status)

	// 2. 定时器重新规划: DELETE、CREATE 仍排在原 CONFIRM 之前
	f.sched.RetryPending(ctx)
	stored = f.job(t, job)
	require.Len(t, stored.Stages, 7+3)
	assert.NotContains(t, stored.Stages[1], failed.ID)
	assert.Equal(t, []string{failed.ID}, stored.Stages[4])

	actions := make([]model.ProvisionerAction, 0, 3)
	for _, stage := range stored.Stages[2:5] {
		require.Len(t, stage, 1)
		tk, err := f.mem.GetClusterTask(ctx, "c1", job.ID, stage[0])
		require.NoError(t, err)
		actions = append(actions, tk.Action)
	}
	assert.Equal(t, []model.ProvisionerAction{model.ActionDelete, model.ActionCreate, model.ActionConfirm}, actions)

	original, err = f.mem.GetClusterTask(ctx, "c1", job.ID, failed.ID)
	require.NoError(t, err)
	assert.Equal(t, model.TaskCreated, original.Status)
	assert.Equal(t, 1, original.Attempts)

	done := f.drive(t, job, nil)
	assert.Equal(t, model.JobComplete, done.Status)
	assert.Equal(t, model.ClusterActive, f.cluster(t).Status)
}

func TestRunRewatchesAfterWatchCloses(t *testing.T) {
	f := newFixture(t, nil, 3)
	fs := &faultyStore{Store: f.mem, closedWatches: 1}
	f.use(fs)
	f.sched.cfg.WatchBackoff = 10 * time.Millisecond

	ctx, cancel := context.WithCancel(context.Background())
	stopped := make(chan struct{})
	go func() {
		f.sched.Run(ctx)
		close(stopped)
	}()

	job, err := f.sched.Submit(ctx, "c1", model.ClusterDelete)
	require.NoError(t, err)
	for _, q := range f.mem.QueuedTasks() {
		require.NoError(t, f.mem.ReportTask(ctx, &model.TaskReport{ClusterID: q.ClusterID, JobID: q.JobID, TaskID: q.ID, Success: true}))
	}

	assert.Eventually(t, func() bool {
		return f.job(t, job).Status == model.JobComplete
	}, 5*time.Second, 20*time.Millisecond)

	cancel()
	select {
	case <-stopped:
	case <-time.After(5 * time.Second):
		t.Fatal("scheduler did not stop")
	}
}

func TestConfirmReportFillsNodeAddresses(t *testing.T) {
	f := newFixture(t, AddressPreparer{}, 3)
	f.addresses = map[string]string{"node-1": "10.0.0.1", "node-2": "10.0.0.2"}

	job, err := f.sched.Submit(context.Background(), "c1", model.ClusterCreate)
	require.NoError(t, err)

	done := f.drive(t, job, nil)
	assert.Equal(t, model.JobComplete, done.Status)

	cluster := f.cluster(t)
	assert.Equal(t, "10.0.0.1", cluster.Node("node-1").IP(model.IPInternal))
	assert.Equal(t, "10.0.0.2", cluster.Node("node-2").IP(model.IPInternal))
	assert.Equal(t, model.ClusterActive, cluster.Status)
}
