package callback

import (
	"context"

	"github.com/go-redis/redis"
	"github.com/pkg/errors"
)

const redisKeyPrefix = "callbacks:"

// RedisQueue 每个租户一个 List，RPUSH 追加
type RedisQueue struct {
	db redis.UniversalClient
}

func NewRedisQueue(db redis.UniversalClient) *RedisQueue {
	return &RedisQueue{db: db}
}

func (q *RedisQueue) Append(_ context.Context, tenantID string, payload []byte) error {
	if err := q.db.RPush(redisKeyPrefix+tenantID, payload).Err(); err != nil {
		return errors.Wrapf(err, "pushing callback for tenant %s", tenantID)
	}
	return nil
}

func (q *RedisQueue) List(_ context.Context, tenantID string) ([][]byte, error) {
	values, err := q.db.LRange(redisKeyPrefix+tenantID, 0, -1).Result()
	if err != nil {
		return nil, errors.Wrapf(err, "listing callbacks of tenant %s", tenantID)
	}
	out := make([][]byte, 0, len(values))
	for _, v := range values {
		out = append(out, []byte(v))
	}
	return out, nil
}
