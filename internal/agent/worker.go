package agent

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"os"
	"strings"
	"syscall"

	"github.com/CZERTAINLY/Herald/internal/message"
	"github.com/CZERTAINLY/Herald/internal/model"
	"github.com/CZERTAINLY/Herald/internal/service"
)

// SignalCommand delivers the signal named by its "name" option, e.g.
// {"command": "signal", "options": {"name": "HUP"}}.
const SignalCommand = "signal"

var signals = map[string]os.Signal{
	"HUP":  syscall.SIGHUP,
	"INT":  syscall.SIGINT,
	"QUIT": syscall.SIGQUIT,
	"TERM": syscall.SIGTERM,
	"KILL": syscall.SIGKILL,
}

// ProcessWorker runs a runnable as an OS process. Commands other than
// SignalCommand are written to its standard input as one JSON document per
// line.
type ProcessWorker struct {
	runnable model.Runnable
	runner   *service.Runner
	stdout   io.Writer
}

func NewProcessWorker(runnable model.Runnable, stdout io.Writer) *ProcessWorker {
	if stdout == nil {
		stdout = os.Stdout
	}
	return &ProcessWorker{
		runnable: runnable,
		runner:   service.NewRunner(),
		stdout:   stdout,
	}
}

func (w *ProcessWorker) Run(ctx context.Context) error {
	defer w.runner.Close()
	cmd := service.CommandFor(w.runnable, os.Environ())
	cmd.Stdin = true
	err := w.runner.Start(ctx, cmd, func(ctx context.Context, line string) {
		slog.InfoContext(ctx, line, "stream", "stderr")
	})
	if err != nil {
		return fmt.Errorf("starting %s: %w", w.runnable.Path, err)
	}

	res := <-w.runner.ResultsChan()
	if res.Stdout != nil {
		if _, err := io.Copy(w.stdout, res.Stdout); err != nil {
			slog.WarnContext(ctx, "copying stdout", "error", err)
		}
	}
	if res.Err != nil {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		return fmt.Errorf("running %s: %w", w.runnable.Path, res.Err)
	}
	return nil
}

func (w *ProcessWorker) Command(_ context.Context, cmd message.Command) error {
	if cmd.Command == SignalCommand {
		name := strings.TrimPrefix(strings.ToUpper(cmd.Options["name"]), "SIG")
		sig, ok := signals[name]
		if !ok {
			return fmt.Errorf("unsupported signal %q", cmd.Options["name"])
		}
		return w.runner.Signal(sig)
	}

	line, err := json.Marshal(cmd)
	if err != nil {
		return err
	}
	return w.runner.WriteStdin(append(line, '\n'))
}
