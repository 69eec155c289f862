// Package callback 把 Job 生命周期事件写入按租户划分的持久队列，
// 由外部消费者异步通知用户。本包只负责写入，不消费。
package callback

import (
	"context"
	"encoding/json"
	"time"

	"github.com/google/uuid"
	"github.com/pkg/errors"

	"forge/pkg/model"
)

type EventType string

const (
	EventStart   EventType = "START"
	EventSuccess EventType = "SUCCESS"
	EventFailure EventType = "FAILURE"
)

// Queue 按租户有序的持久队列
type Queue interface {
	Append(ctx context.Context, tenantID string, payload []byte) error
}

type ClusterSnapshot struct {
	ID     string              `json:"id"`
	Name   string              `json:"name"`
	Status model.ClusterStatus `json:"status"`
}

type JobSnapshot struct {
	ID            string              `json:"id"`
	ClusterAction model.ClusterAction `json:"cluster_action"`
	Status        model.JobStatus     `json:"status"`
	StatusMessage string              `json:"status_message,omitempty"`
}

// Event 一条回调记录。ID 用于消费方去重 (队列是 at-least-once)。
type Event struct {
	ID       string          `json:"id"`
	Type     EventType       `json:"type"`
	TenantID string          `json:"tenant_id"`
	Time     time.Time       `json:"time"`
	Cluster  ClusterSnapshot `json:"cluster"`
	Job      JobSnapshot     `json:"job"`
}

type Emitter struct {
	queue Queue
	now   func() time.Time
}

func NewEmitter(q Queue) *Emitter {
	return &Emitter{queue: q, now: time.Now}
}

// Emit 序列化事件并追加到租户队列
func (e *Emitter) Emit(ctx context.Context, tenantID string, typ EventType, cluster *model.Cluster, job *model.ClusterJob) error {
	event := Event{
		ID:       uuid.NewString(),
		Type:     typ,
		TenantID: tenantID,
		Time:     e.now(),
		Cluster: ClusterSnapshot{
			ID:     cluster.ID,
			Name:   cluster.Name,
			Status: cluster.Status,
		},
		Job: JobSnapshot{
			ID:            job.ID,
			ClusterAction: job.ClusterAction,
			Status:        job.Status,
			StatusMessage: job.StatusMessage,
		},
	}

	payload, err := json.Marshal(event)
	if err != nil {
		return errors.Wrap(err, "encoding callback event")
	}
	if err := e.queue.Append(ctx, tenantID, payload); err != nil {
		return errors.Wrapf(err, "appending %s callback for job %s", typ, job.ID)
	}
	return nil
}

// Decode 消费方/测试使用
func Decode(payload []byte) (*Event, error) {
	var event Event
	if err := json.Unmarshal(payload, &event); err != nil {
		return nil, errors.Wrap(err, "decoding callback event")
	}
	return &event, nil
}
