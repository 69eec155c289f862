// Package credential 保存集群相关的敏感信息 (provider 密钥等)，
// 集群彻底删除后由 Scrubber 清除。
package credential

import (
	"context"
	"sync"

	"github.com/pkg/errors"
	clientv3 "go.etcd.io/etcd/client/v3"
	"go.uber.org/zap"

	"forge/pkg/model"
)

var ErrNotFound = errors.New("credential not found")

type Store interface {
	Put(ctx context.Context, tenantID, clusterID, name, value string) error
	Get(ctx context.Context, tenantID, clusterID, name string) (string, error)
	// Wipe 删除某集群的全部敏感字段
	Wipe(ctx context.Context, tenantID, clusterID string) error
}

// Scrubber 集群删除完成后调用一次
type Scrubber struct {
	store Store
	log   *zap.SugaredLogger
}

func NewScrubber(s Store) *Scrubber {
	return &Scrubber{store: s, log: zap.S().Named("scrubber")}
}

func (s *Scrubber) Scrub(ctx context.Context, cluster *model.Cluster) error {
	s.log.Debugw("wiping credentials", "cluster", cluster.ID, "tenant", cluster.TenantID)
	if err := s.store.Wipe(ctx, cluster.TenantID, cluster.ID); err != nil {
		return errors.Wrapf(err, "wiping credentials of cluster %s", cluster.ID)
	}
	return nil
}

// ---------------------------------------------------------
// Etcd 实现: <prefix>/credentials/<tenant>/<cluster>/<name>
// ---------------------------------------------------------

type EtcdStore struct {
	client *clientv3.Client
	prefix string
}

func NewEtcdStore(cli *clientv3.Client, prefix string) *EtcdStore {
	return &EtcdStore{client: cli, prefix: prefix + "/credentials/"}
}

func (s *EtcdStore) clusterPrefix(tenantID, clusterID string) string {
	return s.prefix + tenantID + "/" + clusterID + "/"
}

func (s *EtcdStore) Put(ctx context.Context, tenantID, clusterID, name, value string) error {
	_, err := s.client.Put(ctx, s.clusterPrefix(tenantID, clusterID)+name, value)
	return errors.Wrapf(err, "writing credential %s of cluster %s", name, clusterID)
}

func (s *EtcdStore) Get(ctx context.Context, tenantID, clusterID, name string) (string, error) {
	resp, err := s.client.Get(ctx, s.clusterPrefix(tenantID, clusterID)+name)
	if err != nil {
		return "", errors.Wrapf(err, "reading credential %s of cluster %s", name, clusterID)
	}
	if len(resp.Kvs) == 0 {
		return "", ErrNotFound
	}
	return string(resp.Kvs[0].Value), nil
}

func (s *EtcdStore) Wipe(ctx context.Context, tenantID, clusterID string) error {
	_, err := s.client.Delete(ctx, s.clusterPrefix(tenantID, clusterID), clientv3.WithPrefix())
	return errors.Wrapf(err, "deleting credentials of cluster %s", clusterID)
}

// ---------------------------------------------------------
// 进程内实现
// ---------------------------------------------------------

type MemoryStore struct {
	mu     sync.Mutex
	values map[string]map[string]string // tenant/cluster -> name -> value
	wipes  int
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{values: make(map[string]map[string]string)}
}

func (s *MemoryStore) Put(_ context.Context, tenantID, clusterID, name, value string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	key := tenantID + "/" + clusterID
	if s.values[key] == nil {
		s.values[key] = make(map[string]string)
	}
	s.values[key][name] = value
	return nil
}

func (s *MemoryStore) Get(_ context.Context, tenantID, clusterID, name string) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	v, ok := s.values[tenantID+"/"+clusterID][name]
	if !ok {
		return "", ErrNotFound
	}
	return v, nil
}

func (s *MemoryStore) Wipe(_ context.Context, tenantID, clusterID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.values, tenantID+"/"+clusterID)
	s.wipes++
	return nil
}

// Wipes Wipe 被调用的次数
func (s *MemoryStore) Wipes() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.wipes
}
