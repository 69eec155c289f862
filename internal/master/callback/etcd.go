package callback

import (
	"context"
	"fmt"

	"github.com/pkg/errors"
	clientv3 "go.etcd.io/etcd/client/v3"

	"forge/internal/master/idgen"
)

// EtcdQueue 事件写在 <prefix>/callbacks/<tenant>/<序号>，
// 序号来自 CAS 计数器并与事件在同一事务中写入，同一租户内 Key 的出现顺序等于序号顺序。
type EtcdQueue struct {
	client  *clientv3.Client
	counter *idgen.EtcdCounter
	prefix  string
}

func NewEtcdQueue(cli *clientv3.Client, prefix string) *EtcdQueue {
	return &EtcdQueue{
		client:  cli,
		counter: idgen.NewEtcdCounter(cli),
		prefix:  prefix + "/callbacks/",
	}
}

func (q *EtcdQueue) tenantPrefix(tenantID string) string {
	return q.prefix + tenantID + "/"
}

func (q *EtcdQueue) Append(ctx context.Context, tenantID string, payload []byte) error {
	_, err := q.counter.NextWith(ctx, q.prefix+"seq/"+tenantID, func(seq int64) []clientv3.Op {
		return []clientv3.Op{clientv3.OpPut(q.eventKey(tenantID, seq), string(payload))}
	})
	return errors.Wrapf(err, "writing callback of tenant %s", tenantID)
}

// eventKey 固定宽度，保证 Key 的字典序等于写入顺序
func (q *EtcdQueue) eventKey(tenantID string, seq int64) string {
	return fmt.Sprintf("%s%020d", q.tenantPrefix(tenantID), seq)
}

// List 按写入顺序返回租户队列中的所有事件
func (q *EtcdQueue) List(ctx context.Context, tenantID string) ([][]byte, error) {
	resp, err := q.client.Get(ctx, q.tenantPrefix(tenantID), clientv3.WithPrefix(),
		clientv3.WithSort(clientv3.SortByKey, clientv3.SortAscend))
	if err != nil {
		return nil, errors.Wrapf(err, "listing callbacks of tenant %s", tenantID)
	}
	out := make([][]byte, 0, len(resp.Kvs))
	for _, kv := range resp.Kvs {
		out = append(out, kv.Value)
	}
	return out, nil
}
