package agent_test

import (
	"bytes"
	"context"
	"os/exec"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/CZERTAINLY/Herald/internal/agent"
	"github.com/CZERTAINLY/Herald/internal/message"
	"github.com/CZERTAINLY/Herald/internal/model"
)

func shell(t *testing.T, script string) model.Runnable {
	t.Helper()
	sh, err := exec.LookPath("sh")
	if err != nil {
		t.Skipf("skipped, binary sh not available: %v", err)
	}
	timeout := "5s"
	return model.Runnable{Name: "sh", Path: sh, Args: []string{"-c", script}, Timeout: &timeout}
}

// running starts w and waits until it accepts commands.
func running(t *testing.T, ctx context.Context, w *agent.ProcessWorker) <-chan error {
	t.Helper()
	done := make(chan error, 1)
	var wg sync.WaitGroup
	wg.Go(func() { done <- w.Run(ctx) })
	t.Cleanup(wg.Wait)
	// commands are refused until the process runs
	require.Eventually(t, func() bool {
		return w.Command(ctx, message.NewCommand("ping", nil)) == nil
	}, waitFor, 10*time.Millisecond)
	require.ErrorContains(t, w.Command(ctx, message.NewCommand(agent.SignalCommand, map[string]string{"name": "bogus"})), "unsupported signal")
	return done
}

func TestProcessWorkerCommand(t *testing.T) {
	var stdout bytes.Buffer
	w := agent.NewProcessWorker(shell(t, "read l; echo \"$l\""), &stdout)

	done := make(chan error, 1)
	var wg sync.WaitGroup
	wg.Go(func() { done <- w.Run(t.Context()) })
	t.Cleanup(wg.Wait)

	cmd := message.NewCommand("rotate", map[string]string{"keep": "3"})
	require.Eventually(t, func() bool {
		return w.Command(t.Context(), cmd) == nil
	}, waitFor, 10*time.Millisecond)

	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(waitFor):
		t.Fatal("worker did not finish")
	}
	require.JSONEq(t, `{"command":"rotate","options":{"keep":"3"}}`, stdout.String())
}

func TestProcessWorkerSignal(t *testing.T) {
	w := agent.NewProcessWorker(shell(t, "exec sleep 10"), nil)
	done := running(t, t.Context(), w)

	require.NoError(t, w.Command(t.Context(), message.NewCommand(agent.SignalCommand, map[string]string{"name": "sigterm"})))
	select {
	case err := <-done:
		var exitErr *exec.ExitError
		require.ErrorAs(t, err, &exitErr)
	case <-time.After(waitFor):
		t.Fatal("worker did not finish")
	}
}

func TestProcessWorkerCancel(t *testing.T) {
	ctx, cancel := context.WithCancel(t.Context())
	w := agent.NewProcessWorker(shell(t, "exec sleep 10"), nil)
	done := running(t, ctx, w)

	cancel()
	select {
	case err := <-done:
		require.ErrorIs(t, err, context.Canceled)
	case <-time.After(waitFor):
		t.Fatal("worker did not finish")
	}
}
