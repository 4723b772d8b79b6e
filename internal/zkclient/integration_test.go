package zkclient_test

import (
	"context"
	"testing"

	"github.com/go-zookeeper/zk"
	"github.com/stretchr/testify/require"
	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/wait"

	"github.com/CZERTAINLY/Herald/internal/zkclient"
)

func TestZooKeeper(t *testing.T) {
	if testing.Short() {
		t.Skip("skipped in short mode, needs docker")
	}
	testcontainers.SkipIfProviderIsNotHealthy(t)

	ctx := t.Context()
	ctr, err := testcontainers.GenericContainer(ctx, testcontainers.GenericContainerRequest{
		ContainerRequest: testcontainers.ContainerRequest{
			Image:        "zookeeper:3.9",
			ExposedPorts: []string{"2181/tcp"},
			WaitingFor:   wait.ForListeningPort("2181/tcp"),
		},
		Started: true,
	})
	testcontainers.CleanupContainer(t, ctr)
	require.NoError(t, err)

	endpoint, err := ctr.PortEndpoint(ctx, "2181/tcp", "")
	require.NoError(t, err)

	c := zkclient.New(endpoint + "/herald-it")
	_, err = get(t, c.Start())
	require.NoError(t, err)
	t.Cleanup(func() {
		_, _ = c.StopAndWait(context.Background())
	})

	name, err := get(t, c.Create("/a/b/c", []byte("x"), zkclient.Persistent, true))
	require.NoError(t, err)
	require.Equal(t, "/a/b/c", name)

	stat, err := get(t, c.Exists("/a/missing", nil))
	require.NoError(t, err)
	require.Nil(t, stat)

	seq, err := get(t, c.Create("/a/msg", nil, zkclient.PersistentSequential, false))
	require.NoError(t, err)
	require.Equal(t, "/a/msg0000000001", seq)

	_, err = get(t, c.Create("/a/b/c", nil, zkclient.Persistent, true))
	require.ErrorIs(t, err, zk.ErrNodeExists)

	deleted := zkclient.WatchDeleted(c, "/a/b/c")
	_, err = get(t, c.Delete("/a/b/c", zkclient.AnyVersion))
	require.NoError(t, err)
	path, err := get(t, deleted)
	require.NoError(t, err)
	require.Equal(t, "/a/b/c", path)
}
