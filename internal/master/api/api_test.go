package api

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/gin-gonic/gin"
	"github.com/pkg/errors"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"forge/internal/master/stats"
	"forge/pkg/model"
	"forge/pkg/store"
)

type fakeSubmitter struct {
	store store.Store
	calls []model.ClusterAction
}

func (f *fakeSubmitter) Submit(ctx context.Context, clusterID string, action model.ClusterAction) (*model.ClusterJob, error) {
	if _, err := f.store.GetCluster(ctx, clusterID); err != nil {
		return nil, err
	}
	f.calls = append(f.calls, action)
	job := &model.ClusterJob{ID: model.FormatJobID(clusterID, int64(len(f.calls))), ClusterID: clusterID,
		ClusterAction: action, Status: model.JobRunning}
	return job, f.store.WriteClusterJob(ctx, job)
}

func newServer(t *testing.T) (http.Handler, *store.MemoryStore, *fakeSubmitter) {
	t.Helper()
	gin.SetMode(gin.TestMode)
	mem := store.NewMemoryStore()
	st := stats.New()
	reg := prometheus.NewPedanticRegistry()
	require.NoError(t, reg.Register(st))
	sub := &fakeSubmitter{store: mem}
	return NewServer(mem, sub, st, reg).Handler(), mem, sub
}

func do(h http.Handler, method, path string, body interface{}) *httptest.ResponseRecorder {
	var buf bytes.Buffer
	if body != nil {
		_ = json.NewEncoder(&buf).Encode(body)
	}
	req := httptest.NewRequest(method, path, &buf)
	req.Header.Set("Content-Type", "application/json")
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	return rec
}

func TestCreateCluster(t *testing.T) {
	h, mem, _ := newServer(t)

	rec := do(h, http.MethodPost, "/v1/clusters", model.Cluster{ID: "c1", TenantID: "t1", Status: model.ClusterActive})
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())

	stored, err := mem.GetCluster(context.Background(), "c1")
	require.NoError(t, err)
	assert.Equal(t, model.ClusterPending, stored.Status)

	rec = do(h, http.MethodPost, "/v1/clusters", model.Cluster{ID: "c1", TenantID: "t1"})
	assert.Equal(t, http.StatusConflict, rec.Code)

	rec = do(h, http.MethodPost, "/v1/clusters", model.Cluster{ID: "c2"})
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestSubmitJob(t *testing.T) {
	h, mem, sub := newServer(t)
	require.NoError(t, mem.WriteCluster(context.Background(), &model.Cluster{ID: "c1", TenantID: "t1"}))

	rec := do(h, http.MethodPost, "/v1/clusters/c1/jobs", SubmitRequest{Action: model.ClusterCreate})
	require.Equal(t, http.StatusAccepted, rec.Code, rec.Body.String())
	var job model.ClusterJob
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &job))
	assert.Equal(t, "c1-1", job.ID)
	assert.Equal(t, []model.ClusterAction{model.ClusterCreate}, sub.calls)

	rec = do(h, http.MethodPost, "/v1/clusters/c1/jobs", SubmitRequest{Action: "EXPLODE"})
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = do(h, http.MethodPost, "/v1/clusters/missing/jobs", SubmitRequest{Action: model.ClusterDelete})
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestGetJobWithTasks(t *testing.T) {
	h, mem, _ := newServer(t)
	ctx := context.Background()
	require.NoError(t, mem.WriteClusterJob(ctx, &model.ClusterJob{ID: "c1-1", ClusterID: "c1", Status: model.JobRunning}))
	require.NoError(t, mem.WriteClusterTask(ctx,
		model.NewClusterTask("c1-1-1", "c1-1", "c1", "node-1", "", model.ActionCreate, model.ClusterCreate)))

	rec := do(h, http.MethodGet, "/v1/clusters/c1/jobs/c1-1", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	var resp JobResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.Equal(t, model.JobRunning, resp.Job.Status)
	require.Len(t, resp.Tasks, 1)
	assert.Equal(t, model.ActionCreate, resp.Tasks[0].Action)

	rec = do(h, http.MethodGet, "/v1/clusters/c1/jobs/c1-9", nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestMetricsAndStats(t *testing.T) {
	h, _, _ := newServer(t)

	rec := do(h, http.MethodGet, "/metrics", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "forge_queue_length")

	rec = do(h, http.MethodGet, "/v1/stats", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "submitted_tasks")
}

func TestStatusOf(t *testing.T) {
	assert.Equal(t, http.StatusNotFound, statusOf(errors.Wrap(store.ErrNotFound, "x")))
	assert.Equal(t, http.StatusForbidden, statusOf(errors.Wrap(store.ErrPermissionDenied, "x")))
	assert.Equal(t, http.StatusInternalServerError, statusOf(errors.New("x")))
}
