package agent_test

import (
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/CZERTAINLY/Herald/internal/agent"
	"github.com/CZERTAINLY/Herald/internal/model"
)

func TestParseEnv(t *testing.T) {
	want := agent.Config{
		RunID:          model.NewRunID(),
		Connect:        "zk1:2181,zk2:2181/herald",
		Runnable:       "echo",
		SessionTimeout: 15 * time.Second,
		Timeout:        time.Hour,
	}
	for _, kv := range want.Env() {
		k, v, _ := strings.Cut(kv, "=")
		t.Setenv(k, v)
	}

	got, err := agent.ParseEnv()
	require.NoError(t, err)
	require.Equal(t, want, got)
}

func TestParseEnvDefaults(t *testing.T) {
	runID := model.NewRunID()
	t.Setenv("HERALD_RUN_ID", strings.ToUpper(runID))
	t.Setenv("HERALD_RUNNABLE", "echo")
	t.Setenv("HERALD_ZK_CONNECT", "")

	got, err := agent.ParseEnv()
	require.NoError(t, err)
	require.Equal(t, runID, got.RunID)
	require.Equal(t, model.DefaultSessionTimeout, got.SessionTimeout)
	require.Zero(t, got.Timeout)
}

func TestParseEnv_Fail(t *testing.T) {
	t.Setenv("HERALD_RUN_ID", "nope")
	t.Setenv("HERALD_RUNNABLE", "")

	_, err := agent.ParseEnv()
	require.ErrorIs(t, err, model.ErrRunID)
	require.ErrorContains(t, err, "HERALD_RUNNABLE is empty")
}
