// Package agent is the remote side of a run: it announces the run's
// liveness, publishes its lifecycle state and consumes the commands posted
// to its message queue.
package agent

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"slices"
	"sync"
	"time"

	"github.com/go-zookeeper/zk"

	"github.com/CZERTAINLY/Herald/internal/log"
	"github.com/CZERTAINLY/Herald/internal/message"
	"github.com/CZERTAINLY/Herald/internal/state"
	"github.com/CZERTAINLY/Herald/internal/zkclient"
)

var (
	ErrStopRequested = errors.New("stop requested")
	ErrSessionLost   = errors.New("coordination session lost")
)

// publishTimeout bounds the final state update and the instance removal,
// which happen even when the context of Run was cancelled.
const publishTimeout = 10 * time.Second

// Worker is the work a run performs.
type Worker interface {
	// Run blocks until the work is done or ctx is cancelled.
	Run(ctx context.Context) error
	// Command handles a user command addressed to the run.
	Command(ctx context.Context, cmd message.Command) error
}

// Instance is the payload of the liveness node.
type Instance struct {
	Runnable string `json:"runnable"`
	PID      int    `json:"pid"`
	Host     string `json:"host,omitempty"`
}

type Agent struct {
	client   *zkclient.Client
	runID    string
	runnable string
	worker   Worker
}

func New(client *zkclient.Client, runID, runnable string, worker Worker) *Agent {
	return &Agent{
		client:   client,
		runID:    runID,
		runnable: runnable,
		worker:   worker,
	}
}

// Run registers the run, runs the worker and publishes its outcome. The
// liveness node is removed last, after the terminal state was written.
// Cancelling ctx stops the worker and ends the run as TERMINATED.
func (a *Agent) Run(ctx context.Context) error {
	ctx = log.ContextAttrs(ctx,
		slog.String("run_id", a.runID),
		slog.String("runnable", a.runnable),
	)
	if err := a.register(ctx); err != nil {
		return fmt.Errorf("registering run: %w", err)
	}
	defer a.deregister(ctx)

	if err := a.publish(ctx, state.StateNode{State: state.Starting}); err != nil {
		return fmt.Errorf("publishing state: %w", err)
	}

	wctx, cancel := context.WithCancelCause(ctx)
	defer cancel(nil)
	a.client.AddConnectionWatcher(func(ev zk.Event) {
		if ev.Type == zk.EventSession && ev.State == zk.StateExpired {
			cancel(ErrSessionLost)
		}
	})

	notify := make(chan struct{}, 1)
	stopWatch := zkclient.WatchChildren(a.client, message.MessagesPath(a.runID), func(zkclient.NodeChildren) {
		select {
		case notify <- struct{}{}:
		default:
		}
	})
	pctx, stopProcessing := context.WithCancel(ctx)
	var wg sync.WaitGroup
	wg.Go(func() {
		a.process(pctx, wctx, notify, func() { cancel(ErrStopRequested) })
	})
	defer func() {
		stopWatch()
		stopProcessing()
		wg.Wait()
	}()

	var final state.StateNode
	if err := a.publish(ctx, state.StateNode{State: state.Running}); err != nil {
		slog.ErrorContext(ctx, "publishing running state", "error", err)
		final = state.StateNode{State: state.Failed, StackTrace: state.Capture(0)}
	} else {
		final = a.outcome(wctx, a.runWorker(wctx))
	}

	if err := a.publish(ctx, final); err != nil {
		slog.ErrorContext(ctx, "publishing final state", "state", final.State, "error", err)
	}
	slog.InfoContext(ctx, "run finished", "state", final.State)
	if final.State == state.Failed {
		return fmt.Errorf("run %s failed: %w", a.runID, errFailed(wctx))
	}
	return nil
}

type panicError struct {
	value any
	trace []state.StackTraceElement
}

func (e *panicError) Error() string {
	return fmt.Sprintf("worker panicked: %v", e.value)
}

func (a *Agent) runWorker(ctx context.Context) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = &panicError{value: r, trace: state.Capture(1)}
		}
	}()
	return a.worker.Run(ctx)
}

// outcome maps what the worker returned to the terminal state of the run.
func (a *Agent) outcome(ctx context.Context, err error) state.StateNode {
	var perr *panicError
	switch {
	case errors.As(err, &perr):
		slog.ErrorContext(ctx, "worker panicked", "panic", perr.value)
		return state.StateNode{State: state.Failed, StackTrace: perr.trace}
	case errors.Is(context.Cause(ctx), ErrSessionLost):
		slog.ErrorContext(ctx, "session expired while running")
		return state.StateNode{State: state.Failed, StackTrace: state.Capture(0)}
	case ctx.Err() != nil:
		// stopped on request or by the caller
		return state.StateNode{State: state.Terminated}
	case err != nil:
		slog.ErrorContext(ctx, "worker failed", "error", err)
		return state.StateNode{State: state.Failed, StackTrace: state.Capture(0)}
	default:
		return state.StateNode{State: state.Terminated}
	}
}

func errFailed(ctx context.Context) error {
	if cause := context.Cause(ctx); errors.Is(cause, ErrSessionLost) {
		return cause
	}
	return errors.New("worker failed")
}

func (a *Agent) register(ctx context.Context) error {
	host, _ := os.Hostname()
	data, err := json.Marshal(Instance{Runnable: a.runnable, PID: os.Getpid(), Host: host})
	if err != nil {
		return err
	}
	_, err = a.client.Create(message.InstancePath(a.runID), data, zkclient.Ephemeral, true).Get(ctx)
	return err
}

func (a *Agent) deregister(ctx context.Context) {
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), publishTimeout)
	defer cancel()
	_, err := a.client.Delete(message.InstancePath(a.runID), zkclient.AnyVersion).Get(ctx)
	if err != nil && !errors.Is(err, zk.ErrNoNode) {
		slog.WarnContext(ctx, "removing liveness node", "error", err)
	}
}

// publish writes node to the state path, creating it on first use. It waits
// for a session when the client is reconnecting.
func (a *Agent) publish(ctx context.Context, node state.StateNode) error {
	data, err := state.Encode(node)
	if err != nil {
		return err
	}
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), publishTimeout)
	defer cancel()

	path := message.StatePath(a.runID)
	for {
		if _, err := a.client.Connected().Get(ctx); err != nil {
			return err
		}
		_, err = a.client.SetData(path, data, zkclient.AnyVersion).Get(ctx)
		if errors.Is(err, zk.ErrNoNode) {
			_, err = a.client.Create(path, data, zkclient.Persistent, true).Get(ctx)
			if errors.Is(err, zk.ErrNodeExists) {
				continue
			}
		}
		if err != nil && zkclient.IsSessionError(err) && ctx.Err() == nil {
			continue
		}
		if err == nil {
			slog.DebugContext(ctx, "state published", "state", node.State)
		}
		return err
	}
}

// process consumes the message queue whenever notify fires. Messages are
// handled in sequence order and deleted afterwards, which tells the sender
// they were consumed.
func (a *Agent) process(ctx, wctx context.Context, notify <-chan struct{}, stop func()) {
	for {
		select {
		case <-ctx.Done():
			return
		case <-notify:
		}
		children, err := a.client.GetChildren(message.MessagesPath(a.runID), nil).Get(ctx)
		if err != nil {
			if !errors.Is(err, zk.ErrNoNode) && ctx.Err() == nil {
				slog.WarnContext(ctx, "listing messages", "error", err)
			}
			continue
		}
		names := slices.Clone(children.Children)
		slices.Sort(names)
		for _, name := range names {
			if ctx.Err() != nil {
				return
			}
			a.consume(ctx, wctx, zkclient.Join(message.MessagesPath(a.runID), name), stop)
		}
	}
}

func (a *Agent) consume(ctx, wctx context.Context, path string, stop func()) {
	data, err := a.client.GetData(path, nil).Get(ctx)
	if errors.Is(err, zk.ErrNoNode) {
		return
	}
	if err != nil {
		slog.WarnContext(ctx, "reading message", "path", path, "error", err)
		return
	}

	msg, err := message.Decode(data.Data)
	switch {
	case err != nil:
		slog.WarnContext(ctx, "dropping malformed message", "path", path, "error", err)
	case msg.IsStop():
		slog.InfoContext(ctx, "stop requested")
		stop()
	case msg.Type == message.TypeSystem:
		slog.WarnContext(ctx, "unsupported system command", "command", msg.Command.Command)
	case !msg.Targets(a.runnable):
		slog.DebugContext(ctx, "message for another runnable", "target", msg.RunnableName)
	default:
		slog.DebugContext(ctx, "handling command", "command", msg.Command)
		if err := a.worker.Command(wctx, msg.Command); err != nil {
			slog.WarnContext(ctx, "command failed", "command", msg.Command.Command, "error", err)
		}
	}

	_, err = a.client.Delete(path, data.Stat.Version).Get(ctx)
	if err != nil && !errors.Is(err, zk.ErrNoNode) {
		slog.WarnContext(ctx, "deleting message", "path", path, "error", err)
	}
}
