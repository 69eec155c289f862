package credential

import (
	"context"
	"os"
	"strings"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	clientv3 "go.etcd.io/etcd/client/v3"

	"forge/pkg/model"
)

type failingStore struct{ MemoryStore }

func (*failingStore) Wipe(context.Context, string, string) error {
	return errors.New("store down")
}

func TestScrubWipesOnlyThatCluster(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStore()
	require.NoError(t, s.Put(ctx, "t1", "c1", "api_key", "secret"))
	require.NoError(t, s.Put(ctx, "t1", "c2", "api_key", "other"))

	require.NoError(t, NewScrubber(s).Scrub(ctx, &model.Cluster{ID: "c1", TenantID: "t1"}))

	_, err := s.Get(ctx, "t1", "c1", "api_key")
	assert.Equal(t, ErrNotFound, err)
	v, err := s.Get(ctx, "t1", "c2", "api_key")
	require.NoError(t, err)
	assert.Equal(t, "other", v)
	assert.Equal(t, 1, s.Wipes())
}

func TestScrubPropagatesError(t *testing.T) {
	err := NewScrubber(&failingStore{}).Scrub(context.Background(), &model.Cluster{ID: "c1"})
	assert.Error(t, err)
}

func TestEtcdStoreWipe(t *testing.T) {
	endpoints := os.Getenv("FORGE_TEST_ETCD")
	if endpoints == "" {
		t.Skip("FORGE_TEST_ETCD not set")
	}
	cli, err := clientv3.New(clientv3.Config{Endpoints: strings.Split(endpoints, ","), DialTimeout: 5 * time.Second})
	require.NoError(t, err)
	defer cli.Close()

	prefix := "/forge-test/" + uuid.NewString()
	defer cli.Delete(context.Background(), prefix, clientv3.WithPrefix())

	ctx := context.Background()
	s := NewEtcdStore(cli, prefix)
	require.NoError(t, s.Put(ctx, "t1", "c1", "api_key", "secret"))
	v, err := s.Get(ctx, "t1", "c1", "api_key")
	require.NoError(t, err)
	assert.Equal(t, "secret", v)

	require.NoError(t, s.Wipe(ctx, "t1", "c1"))
	_, err = s.Get(ctx, "t1", "c1", "api_key")
	assert.Equal(t, ErrNotFound, err)
}
