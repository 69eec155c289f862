// Package api master 的 HTTP 接口: 登记集群、提交集群操作、查询 Job 进度、统计与 /metrics
package api

import (
	"context"
	"net/http"
	"time"

	ginzap "github.com/gin-contrib/zap"
	"github.com/gin-gonic/gin"
	"github.com/pkg/errors"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"forge/internal/master/stats"
	"forge/pkg/model"
	"forge/pkg/store"
)

// Submitter 由 scheduler.Scheduler 实现
type Submitter interface {
	Submit(ctx context.Context, clusterID string, action model.ClusterAction) (*model.ClusterJob, error)
}

type Server struct {
	store    store.Store
	sched    Submitter
	stats    *stats.Stats
	gatherer prometheus.Gatherer
}

func NewServer(s store.Store, sched Submitter, st *stats.Stats, gatherer prometheus.Gatherer) *Server {
	return &Server{store: s, sched: sched, stats: st, gatherer: gatherer}
}

type SubmitRequest struct {
	Action model.ClusterAction `json:"action" binding:"required"`
}

type JobResponse struct {
	Job   *model.ClusterJob    `json:"job"`
	Tasks []*model.ClusterTask `json:"tasks"`
}

// Handler 构造路由
func (s *Server) Handler() http.Handler {
	router := gin.New()
	router.Use(ginzap.Ginzap(zap.L(), time.RFC3339, true))
	router.Use(ginzap.RecoveryWithZap(zap.L(), true))

	router.GET("/metrics", gin.WrapH(promhttp.HandlerFor(s.gatherer, promhttp.HandlerOpts{})))
	router.GET("/healthz", func(c *gin.Context) { c.String(http.StatusOK, "ok") })

	v1 := router.Group("/v1")
	v1.GET("/stats", s.getStats)
	v1.POST("/clusters", s.createCluster)
	v1.GET("/clusters/:cluster", s.getCluster)
	v1.POST("/clusters/:cluster/jobs", s.submitJob)
	v1.GET("/clusters/:cluster/jobs/:job", s.getJob)
	return router
}

func (s *Server) getStats(c *gin.Context) {
	c.JSON(http.StatusOK, s.stats.Snapshot())
}

// createCluster 登记一个新集群 (PENDING)，之后通过 CLUSTER_CREATE 真正创建
func (s *Server) createCluster(c *gin.Context) {
	var cluster model.Cluster
	if err := c.ShouldBindJSON(&cluster); err != nil {
		abort(c, http.StatusBadRequest, err)
		return
	}
	if cluster.ID == "" || cluster.TenantID == "" {
		abort(c, http.StatusBadRequest, errors.New("cluster id and tenant id are required"))
		return
	}

	_, err := s.store.GetCluster(c.Request.Context(), cluster.ID)
	switch {
	case err == nil:
		abort(c, http.StatusConflict, errors.Errorf("cluster %s already exists", cluster.ID))
		return
	case !errors.Is(err, store.ErrNotFound):
		abort(c, http.StatusInternalServerError, err)
		return
	}

	cluster.Status = model.ClusterPending
	cluster.LatestJobID = ""
	if err := s.store.WriteCluster(c.Request.Context(), &cluster); err != nil {
		abort(c, http.StatusInternalServerError, err)
		return
	}
	c.JSON(http.StatusCreated, &cluster)
}

func (s *Server) getCluster(c *gin.Context) {
	cluster, err := s.store.GetCluster(c.Request.Context(), c.Param("cluster"))
	if err != nil {
		abort(c, statusOf(err), err)
		return
	}
	c.JSON(http.StatusOK, cluster)
}

func (s *Server) submitJob(c *gin.Context) {
	var req SubmitRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		abort(c, http.StatusBadRequest, err)
		return
	}
	if !req.Action.Valid() {
		abort(c, http.StatusBadRequest, errors.Errorf("unknown cluster action %q", req.Action))
		return
	}

	job, err := s.sched.Submit(c.Request.Context(), c.Param("cluster"), req.Action)
	if err != nil && job == nil {
		abort(c, statusOf(err), err)
		return
	}
	if err != nil {
		// Job 已经创建，只是第一阶段下发出错
		zap.S().Named("api").Warnw("job submitted with dispatch error", "job", job.ID, "error", err)
	}
	c.JSON(http.StatusAccepted, job)
}

func (s *Server) getJob(c *gin.Context) {
	clusterID, jobID := c.Param("cluster"), c.Param("job")
	job, err := s.store.GetClusterJob(c.Request.Context(), clusterID, jobID)
	if err != nil {
		abort(c, statusOf(err), err)
		return
	}
	tasks, err := s.store.ListJobTasks(c.Request.Context(), clusterID, jobID)
	if err != nil {
		abort(c, http.StatusInternalServerError, err)
		return
	}
	c.JSON(http.StatusOK, JobResponse{Job: job, Tasks: tasks})
}

func statusOf(err error) int {
	switch {
	case errors.Is(err, store.ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, store.ErrPermissionDenied):
		return http.StatusForbidden
	default:
		return http.StatusInternalServerError
	}
}

func abort(c *gin.Context, status int, err error) {
	c.AbortWithStatusJSON(status, gin.H{"error": err.Error()})
}
