package zktest

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/CZERTAINLY/Herald/internal/zkclient"
)

// StartTimeout bounds starting and stopping clients of the fake server.
const StartTimeout = 5 * time.Second

// Client returns a started client connected to s. It is stopped when the
// test ends.
func (s *Server) Client(t testing.TB, connect string, opts ...zkclient.Option) *zkclient.Client {
	t.Helper()
	opts = append([]zkclient.Option{zkclient.WithDialer(s.Dial)}, opts...)
	c := zkclient.New(connect, opts...)
	ctx, cancel := context.WithTimeout(t.Context(), StartTimeout)
	defer cancel()
	_, err := c.StartAndWait(ctx)
	require.NoError(t, err)
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), StartTimeout)
		defer cancel()
		_, _ = c.StopAndWait(ctx)
	})
	return c
}
