// Package task 是编排核心: Task/Job 状态机、失败后的回滚与重试规划、Job 拆分。
//
// 所有状态变更都是 "读-改-持久化"，没有乐观版本号，
// 因此同一个 Task ID / Job ID 上的操作由 keyed lock 串行化，不同 ID 之间完全并行。
package task

import (
	"context"
	"fmt"
	"time"

	"github.com/EagleChen/mapmutex"
	"github.com/pkg/errors"
	"go.uber.org/zap"

	"forge/internal/master/callback"
	"forge/internal/master/idgen"
	"forge/internal/master/stats"
	"forge/pkg/catalog"
	"forge/pkg/model"
	"forge/pkg/store"
)

var (
	// ErrInvalidTransition 当前状态不允许该操作
	ErrInvalidTransition = errors.New("invalid state transition")
	// ErrEntityBusy 同一实体上的锁在重试预算内没有拿到
	ErrEntityBusy = errors.New("entity is busy")
)

// Emitter 回调事件出口
type Emitter interface {
	Emit(ctx context.Context, tenantID string, typ callback.EventType, cluster *model.Cluster, job *model.ClusterJob) error
}

// Scrubber 集群删除后清理敏感数据
type Scrubber interface {
	Scrub(ctx context.Context, cluster *model.Cluster) error
}

// CallbackError 状态已经持久化，但回调事件没有写入队列。
// 调用方不应重做整个状态变更，否则集群/Job 状态会被重复修改。
type CallbackError struct {
	JobID string
	Event callback.EventType
	Err   error
}

func (e *CallbackError) Error() string {
	return fmt.Sprintf("job %s: %s callback not delivered: %v", e.JobID, e.Event, e.Err)
}

func (e *CallbackError) Unwrap() error {
	return e.Err
}

type Service struct {
	store    store.Store
	catalog  *catalog.Catalog
	ids      idgen.Issuer
	stats    stats.Sink
	emitter  Emitter
	scrubber Scrubber

	locks *mapmutex.Mutex
	now   func() time.Time
	log   *zap.SugaredLogger
}

func NewService(s store.Store, cat *catalog.Catalog, ids idgen.Issuer, sink stats.Sink,
	emitter Emitter, scrubber Scrubber) *Service {
	return &Service{
		store:    s,
		catalog:  cat,
		ids:      ids,
		stats:    sink,
		emitter:  emitter,
		scrubber: scrubber,
		// 最多重试 800 次，单次最长等待 0.1s
		locks: mapmutex.NewCustomizedMapMutex(800, 100000000, 10, 1.1, 0.2),
		now:   time.Now,
		log:   zap.S().Named("task"),
	}
}

func (s *Service) lock(key string) (func(), error) {
	if !s.locks.TryLock(key) {
		return nil, errors.Wrap(ErrEntityBusy, key)
	}
	return func() { s.locks.Unlock(key) }, nil
}

func taskLockKey(id string) string { return "task/" + id }
func jobLockKey(id string) string  { return "job/" + id }
