package task

import (
	"context"

	"github.com/pkg/errors"

	"forge/pkg/model"
)

// transition 在 task 的副本上修改并持久化，成功后才写回调用方的对象。
// 持久化失败时调用方看到的 task 保持原状。
func (s *Service) transition(ctx context.Context, task *model.ClusterTask, mutate func(t *model.ClusterTask) error) error {
	unlock, err := s.lock(taskLockKey(task.ID))
	if err != nil {
		return err
	}
	defer unlock()

	updated := *task
	if err := mutate(&updated); err != nil {
		return err
	}
	if err := s.store.WriteClusterTask(ctx, &updated); err != nil {
		return errors.Wrapf(err, "persisting task %s", task.ID)
	}
	*task = updated
	return nil
}

// StartTask CREATED -> IN_PROGRESS，记录提交时间
func (s *Service) StartTask(ctx context.Context, task *model.ClusterTask) error {
	err := s.transition(ctx, task, func(t *model.ClusterTask) error {
		if t.Status != model.TaskCreated {
			return errors.Wrapf(ErrInvalidTransition, "cannot start task %s in status %s", t.ID, t.Status)
		}
		t.Status = model.TaskInProgress
		t.SubmitTime = s.now()
		return nil
	})
	if err != nil {
		return err
	}
	s.stats.TaskSubmitted(task.Action)
	return nil
}

// CompleteTask 标记成功并记录 Worker 返回的状态码
func (s *Service) CompleteTask(ctx context.Context, task *model.ClusterTask, code int) error {
	err := s.transition(ctx, task, func(t *model.ClusterTask) error {
		t.Status = model.TaskComplete
		t.StatusCode = code
		t.StatusTime = s.now()
		return nil
	})
	if err != nil {
		return err
	}
	s.stats.TaskSucceeded(task.Action)
	return nil
}

// FailTask 标记失败并记录 Worker 返回的状态码
func (s *Service) FailTask(ctx context.Context, task *model.ClusterTask, code int) error {
	err := s.transition(ctx, task, func(t *model.ClusterTask) error {
		t.Status = model.TaskFailed
		t.StatusCode = code
		t.StatusTime = s.now()
		return nil
	})
	if err != nil {
		return err
	}
	s.stats.TaskFailed(task.Action)
	return nil
}

// DropTask 同阶段已有任务失败、Job 不可能成功时，丢弃尚未执行的任务。
// 不检查当前状态: 对同一任务调用两次会计数两次，调用方负责只丢弃 CREATED 的任务。
func (s *Service) DropTask(ctx context.Context, task *model.ClusterTask) error {
	err := s.transition(ctx, task, func(t *model.ClusterTask) error {
		t.Status = model.TaskDropped
		t.StatusTime = s.now()
		return nil
	})
	if err != nil {
		return err
	}
	s.stats.TaskDropped(task.Action)
	return nil
}

// ResetTask 把失败的任务放回 CREATED 以便用原 ID 重新提交
func (s *Service) ResetTask(ctx context.Context, task *model.ClusterTask) error {
	return s.transition(ctx, task, func(t *model.ClusterTask) error {
		if t.Status != model.TaskFailed {
			return errors.Wrapf(ErrInvalidTransition, "cannot reset task %s in status %s", t.ID, t.Status)
		}
		t.Status = model.TaskCreated
		t.StatusCode = 0
		t.Attempts++
		t.StatusTime = s.now()
		return nil
	})
}
