package service_test

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/CZERTAINLY/Herald/internal/model"
	"github.com/CZERTAINLY/Herald/internal/service"
)

func TestCommandFor(t *testing.T) {
	t.Setenv("HERALD_TEST_HOME", "/home/herald")
	timeout := "15s"
	r := model.Runnable{
		Name: "alpha",
		Path: "/usr/bin/alpha",
		Args: []string{"--verbose", "scan"},
		Env: map[string]string{
			"HOME":    "$HERALD_TEST_HOME",
			"GODEBUG": "x509negativeserial=1",
		},
		Timeout: &timeout,
	}

	cmd := service.CommandFor(r, []string{"LC_ALL=C"})
	require.Equal(t, "/usr/bin/alpha", cmd.Path)
	require.Equal(t, []string{"--verbose", "scan"}, cmd.Args)
	require.Equal(t, []string{"LC_ALL=C", "GODEBUG=x509negativeserial=1", "HOME=/home/herald"}, cmd.Env)
	require.Equal(t, 15*time.Second, cmd.Timeout)
	require.False(t, cmd.Stdin)
}
