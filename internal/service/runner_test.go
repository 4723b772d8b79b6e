package service_test

import (
	"context"
	"os"
	"os/exec"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/CZERTAINLY/Herald/internal/service"
)

func TestRunner(t *testing.T) {
	t.Parallel()
	yes, err := exec.LookPath("yes")
	if err != nil {
		t.Skipf("skipped, binary yes not available: %v", err)
	}

	runner := service.NewRunner()
	t.Cleanup(runner.Close)
	t.Run("not yet started", func(t *testing.T) {
		res := runner.LastResult()
		require.ErrorIs(t, res.Err, service.ErrRunNotStarted)
	})

	cmd := service.Command{
		Path:    yes,
		Args:    []string{"golang"},
		Env:     []string{"LC_ALL=C"},
		Timeout: 100 * time.Millisecond,
	}
	ctx := t.Context()

	t.Run("start", func(t *testing.T) {
		err = runner.Start(ctx, cmd, nil)
		require.NoError(t, err)
		res := runner.LastResult()
		require.NoError(t, res.Err)
	})
	t.Run("in progress", func(t *testing.T) {
		err = runner.Start(ctx, cmd, nil)
		require.Error(t, err)
		require.ErrorIs(t, err, service.ErrRunInProgress)
	})
	t.Run("wait", func(t *testing.T) {
		res := <-runner.ResultsChan()
		require.Equal(t, yes, res.Path)
		require.Equal(t, []string{"golang"}, res.Args)
		require.NotZero(t, res.Started)
		require.NotZero(t, res.Stopped)
		require.GreaterOrEqual(t, res.Stopped.Sub(res.Started), 100*time.Millisecond)
		require.Error(t, res.Err)
		var exitErr *exec.ExitError
		require.ErrorAs(t, res.Err, &exitErr)

		require.Greater(t, res.Stdout.Len(), 1024)
		require.True(t, strings.HasPrefix(
			string(res.Stdout.Bytes()[:256]),
			"golang\ngolang\n",
		))
	})
	t.Run("exec error", func(t *testing.T) {
		noCmd := service.Command{
			Path: "does not exist",
		}
		err := runner.Start(ctx, noCmd, nil)
		require.Error(t, err)
		var execErr *exec.Error
		require.ErrorAs(t, err, &execErr)
		require.Equal(t, noCmd.Path, execErr.Name)
		require.EqualError(t, execErr.Err, "executable file not found in $PATH")
	})
}

func TestStderr(t *testing.T) {
	t.Parallel()
	sh, err := exec.LookPath("sh")
	if err != nil {
		t.Skipf("skipped, binary sh not available: %v", err)
	}

	cmd := service.Command{
		Path: sh,
		Args: []string{"-c", "echo stdout; printf 'stderr\\nstderr\\n' 1>&2"},
	}

	var stderr []string
	handle := func(_ context.Context, line string) {
		stderr = append(stderr, line)
	}

	runner := service.NewRunner()
	t.Cleanup(runner.Close)
	err = runner.Start(t.Context(), cmd, handle)
	require.NoError(t, err)
	res := <-runner.ResultsChan()
	require.Equal(t, "stdout\n", res.Stdout.String())
	require.Equal(t, []string{"stderr", "stderr"}, stderr)
}

func TestStdinAndSignal(t *testing.T) {
	t.Parallel()
	sh, err := exec.LookPath("sh")
	if err != nil {
		t.Skipf("skipped, binary sh not available: %v", err)
	}

	runner := service.NewRunner()
	t.Cleanup(runner.Close)
	require.ErrorIs(t, runner.WriteStdin([]byte("x")), service.ErrRunNotStarted)
	require.ErrorIs(t, runner.Signal(os.Kill), service.ErrRunNotStarted)

	t.Run("stdin", func(t *testing.T) {
		cmd := service.Command{
			Path:    sh,
			Args:    []string{"-c", "read l; echo got $l"},
			Timeout: 5 * time.Second,
			Stdin:   true,
		}
		require.NoError(t, runner.Start(t.Context(), cmd, nil))
		require.NoError(t, runner.WriteStdin([]byte("hello\n")))
		res := <-runner.ResultsChan()
		require.NoError(t, res.Err)
		require.Equal(t, "got hello\n", res.Stdout.String())
	})

	t.Run("signal", func(t *testing.T) {
		cmd := service.Command{
			Path:    sh,
			Args:    []string{"-c", "exec sleep 10"},
			Timeout: 5 * time.Second,
		}
		require.NoError(t, runner.Start(t.Context(), cmd, nil))
		require.NoError(t, runner.Signal(os.Kill))
		res := <-runner.ResultsChan()
		var exitErr *exec.ExitError
		require.ErrorAs(t, res.Err, &exitErr)
		require.Less(t, res.Stopped.Sub(res.Started), 5*time.Second)
	})
}

func TestClose(t *testing.T) {
	t.Parallel()
	runner := service.NewRunner()
	runner.Close()
	runner.Close()
	_, ok := <-runner.ResultsChan()
	require.False(t, ok)
	require.ErrorIs(t, runner.Start(t.Context(), service.Command{Path: "true"}, nil), service.ErrRunnerClosed)
}
