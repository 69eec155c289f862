// Package idgen 生成 Job / Task ID。
// 同一 Job 内的 Task ID 唯一且递增；多 master 实例时由 Etcd 保证全局唯一。
package idgen

import (
	"context"
	"strconv"
	"sync"
	"sync/atomic"

	"github.com/pkg/errors"
	clientv3 "go.etcd.io/etcd/client/v3"

	"forge/pkg/model"
)

type Issuer interface {
	NewJobID(ctx context.Context, clusterID string) (string, error)
	NewTaskID(ctx context.Context, jobID string) (string, error)
}

// ---------------------------------------------------------
// Etcd 实现
// ---------------------------------------------------------

// EtcdCounter 基于 Txn(CAS) 的计数器，多个进程并发调用也不会重复
type EtcdCounter struct {
	client *clientv3.Client
}

func NewEtcdCounter(cli *clientv3.Client) *EtcdCounter {
	return &EtcdCounter{client: cli}
}

// Next 对 key 上的计数加一并返回新值 (从 1 开始)
func (c *EtcdCounter) Next(ctx context.Context, key string) (int64, error) {
	return c.NextWith(ctx, key, nil)
}

// NextWith 同 Next，但 extra 生成的写操作和计数在同一个事务里提交:
// 拿到序号的写入一定已经落盘，序号和写入之间不会被别人插队。
func (c *EtcdCounter) NextWith(ctx context.Context, key string, extra func(next int64) []clientv3.Op) (int64, error) {
	for {
		resp, err := c.client.Get(ctx, key)
		if err != nil {
			return 0, errors.Wrapf(err, "reading counter %s", key)
		}

		var cur, rev int64
		if len(resp.Kvs) > 0 {
			rev = resp.Kvs[0].ModRevision
			cur, err = strconv.ParseInt(string(resp.Kvs[0].Value), 10, 64)
			if err != nil {
				return 0, errors.Wrapf(err, "corrupt counter %s", key)
			}
		}

		next := cur + 1
		ops := []clientv3.Op{clientv3.OpPut(key, strconv.FormatInt(next, 10))}
		if extra != nil {
			ops = append(ops, extra(next)...)
		}
		// key 不存在时 ModRevision 为 0
		txn, err := c.client.Txn(ctx).
			If(clientv3.Compare(clientv3.ModRevision(key), "=", rev)).
			Then(ops...).
			Commit()
		if err != nil {
			return 0, errors.Wrapf(err, "incrementing counter %s", key)
		}
		if txn.Succeeded {
			return next, nil
		}
		// 被别人抢先了，重读再试
	}
}

type EtcdIssuer struct {
	counter *EtcdCounter
	prefix  string
}

func NewEtcdIssuer(cli *clientv3.Client, prefix string) *EtcdIssuer {
	return &EtcdIssuer{counter: NewEtcdCounter(cli), prefix: prefix + "/ids/"}
}

func (i *EtcdIssuer) NewJobID(ctx context.Context, clusterID string) (string, error) {
	n, err := i.counter.Next(ctx, i.prefix+"jobs/"+clusterID)
	if err != nil {
		return "", err
	}
	return model.FormatJobID(clusterID, n), nil
}

func (i *EtcdIssuer) NewTaskID(ctx context.Context, jobID string) (string, error) {
	n, err := i.counter.Next(ctx, i.prefix+"tasks/"+jobID)
	if err != nil {
		return "", err
	}
	return model.FormatTaskID(jobID, n), nil
}

// ---------------------------------------------------------
// 进程内实现
// ---------------------------------------------------------

type MemoryIssuer struct {
	counters sync.Map // scope -> *atomic.Int64
}

func NewMemoryIssuer() *MemoryIssuer {
	return &MemoryIssuer{}
}

func (i *MemoryIssuer) next(scope string) int64 {
	v, _ := i.counters.LoadOrStore(scope, new(atomic.Int64))
	return v.(*atomic.Int64).Add(1)
}

func (i *MemoryIssuer) NewJobID(_ context.Context, clusterID string) (string, error) {
	return model.FormatJobID(clusterID, i.next("jobs/"+clusterID)), nil
}

func (i *MemoryIssuer) NewTaskID(_ context.Context, jobID string) (string, error) {
	return model.FormatTaskID(jobID, i.next("tasks/"+jobID)), nil
}
