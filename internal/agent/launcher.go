package agent

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"time"

	"github.com/CZERTAINLY/Herald/internal/log"
	"github.com/CZERTAINLY/Herald/internal/model"
	"github.com/CZERTAINLY/Herald/internal/service"
)

// AgentCommand is the hidden subcommand of the herald binary running an
// agent.
const AgentCommand = "_agent"

// exitGrace is how long closing a handle waits for the agent to exit on
// its own before killing it.
const exitGrace = 5 * time.Second

// Launcher starts every run as a local "herald _agent" subprocess.
type Launcher struct {
	// Executable is the herald binary, os.Executable when empty.
	Executable     string
	Connect        string
	SessionTimeout time.Duration
	Verbose        bool
}

var _ service.Launcher = Launcher{}

func (l Launcher) Launch(ctx context.Context, runID string, r model.Runnable) (service.Handle, error) {
	exe := l.Executable
	if exe == "" {
		var err error
		exe, err = os.Executable()
		if err != nil {
			return nil, fmt.Errorf("locating herald binary: %w", err)
		}
	}

	cfg := Config{
		RunID:          runID,
		Connect:        l.Connect,
		Runnable:       r.Name,
		SessionTimeout: l.SessionTimeout,
		Timeout:        r.MaxDuration(),
	}
	cmd := service.CommandFor(r, append(os.Environ(), cfg.Env()...))
	cmd.Path = exe
	cmd.Args = []string{AgentCommand}
	if l.Verbose {
		cmd.Args = append(cmd.Args, "--verbose")
	}
	cmd.Args = append(cmd.Args, "--", r.Path)
	cmd.Args = append(cmd.Args, r.Args...)
	// the agent enforces the runnable timeout and reports it
	cmd.Timeout = 0

	ctx = log.ContextAttrs(ctx, slog.String("run_id", runID), slog.String("runnable", r.Name))
	runner := service.NewRunner()
	// the agent outlives ctx, it is stopped through its message queue
	err := runner.Start(context.WithoutCancel(ctx), cmd, func(ctx context.Context, line string) {
		slog.InfoContext(ctx, line, "stream", "agent")
	})
	if err != nil {
		runner.Close()
		return nil, err
	}

	h := &handle{runner: runner, exited: make(chan struct{})}
	go h.wait(ctx)
	return h, nil
}

type handle struct {
	runner *service.Runner
	exited chan struct{}
}

func (h *handle) wait(ctx context.Context) {
	defer close(h.exited)
	res, ok := <-h.runner.ResultsChan()
	if !ok {
		return
	}
	if res.Err != nil {
		slog.WarnContext(ctx, "agent exited", "error", res.Err)
		return
	}
	slog.DebugContext(ctx, "agent exited", "duration", res.Stopped.Sub(res.Started))
}

// Close waits a moment for the agent to exit, then kills it.
func (h *handle) Close() error {
	select {
	case <-h.exited:
	case <-time.After(exitGrace):
	}
	h.runner.Close()
	<-h.exited
	return nil
}
