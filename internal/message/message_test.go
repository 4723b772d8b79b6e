package message_test

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/CZERTAINLY/Herald/internal/message"
	"github.com/CZERTAINLY/Herald/internal/zkclient"
	"github.com/CZERTAINLY/Herald/internal/zkclient/zktest"
)

func TestCodec(t *testing.T) {
	var testCases = []struct {
		scenario string
		given    message.Message
		then     string
	}{
		{
			scenario: "stop",
			given:    message.StopApplication(),
			then:     `{"type":"SYSTEM","scope":"APPLICATION","command":{"command":"stop","options":{}}}`,
		},
		{
			scenario: "for all",
			given:    message.ForAll(message.NewCommand("reload", map[string]string{"level": "debug"})),
			then:     `{"type":"USER","scope":"ALL_RUNNABLE","command":{"command":"reload","options":{"level":"debug"}}}`,
		},
		{
			scenario: "for runnable",
			given:    message.ForRunnable("echo", message.NewCommand("ping", nil)),
			then:     `{"type":"USER","scope":"RUNNABLE","runnableName":"echo","command":{"command":"ping","options":{}}}`,
		},
	}

	for _, tc := range testCases {
		t.Run(tc.scenario, func(t *testing.T) {
			data, err := message.Encode(tc.given)
			require.NoError(t, err)
			require.JSONEq(t, tc.then, string(data))

			decoded, err := message.Decode(data)
			require.NoError(t, err)
			require.Equal(t, tc.given, decoded)
		})
	}

	t.Run("missing scope", func(t *testing.T) {
		_, err := message.Decode([]byte(`{"type":"USER","command":{"command":"x"}}`))
		require.Error(t, err)
	})
}

func TestTargets(t *testing.T) {
	cmd := message.NewCommand("ping", nil)
	require.True(t, message.ForAll(cmd).Targets("a"))
	require.True(t, message.ForRunnable("a", cmd).Targets("a"))
	require.False(t, message.ForRunnable("a", cmd).Targets("b"))
	require.True(t, message.StopApplication().IsStop())
	require.False(t, message.ForAll(message.NewCommand("stop", nil)).IsStop())
	require.Equal(t, "ping a=1 b=2", message.NewCommand("ping", map[string]string{"b": "2", "a": "1"}).String())
}

func TestPaths(t *testing.T) {
	require.Equal(t, "/r1/state", message.StatePath("r1"))
	require.Equal(t, "/r1/messages/msg", message.MessagePrefix("r1"))
	require.Equal(t, "/instances/r1", message.InstancePath("r1"))
}

func TestSend(t *testing.T) {
	srv := zktest.NewServer()
	c := zkclient.New("zk:2181", zkclient.WithDialer(srv.Dial))
	ctx, cancel := context.WithTimeout(t.Context(), 5*time.Second)
	defer cancel()
	_, err := c.StartAndWait(ctx)
	require.NoError(t, err)
	t.Cleanup(func() { _, _ = c.StopAndWait(context.Background()) })

	msg := message.ForRunnable("echo", message.NewCommand("ping", nil))
	sent := message.Send(c, message.MessagePrefix("r1"), msg, "pong")

	// play the receiving run: wait for the node, check it, consume it
	var names []string
	require.Eventually(t, func() bool {
		names = srv.Children(message.MessagesPath("r1"))
		return len(names) == 1
	}, 5*time.Second, 10*time.Millisecond)
	require.Equal(t, "msg0000000000", names[0])

	_, ok, _ := sent.Peek()
	require.False(t, ok, "resolved before the message was consumed")

	data, _, found := srv.Get(message.MessagesPath("r1") + "/" + names[0])
	require.True(t, found)
	got, err := message.Decode(data)
	require.NoError(t, err)
	require.Equal(t, msg, got)
	srv.Remove(message.MessagesPath("r1") + "/" + names[0])

	reply, err := sent.Get(ctx)
	require.NoError(t, err)
	require.Equal(t, "pong", reply)
}
