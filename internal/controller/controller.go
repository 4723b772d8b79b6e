// Package controller observes and commands one remote run through the
// coordination service.
package controller

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"sync/atomic"

	"github.com/go-zookeeper/zk"

	"github.com/CZERTAINLY/Herald/internal/future"
	"github.com/CZERTAINLY/Herald/internal/message"
	"github.com/CZERTAINLY/Herald/internal/state"
	"github.com/CZERTAINLY/Herald/internal/zkclient"
)

// Controller follows the state node of a run and dispatches its lifecycle
// to listeners. Commands and stop requests are posted to the run's message
// queue.
//
// Once TERMINATED or FAILED was observed the controller cancels its watches
// and dispatches nothing more.
type Controller struct {
	client *zkclient.Client
	runID  string

	state    atomic.Int32
	liveNode atomic.Pointer[[]byte]
	liveSeen atomic.Bool

	mx       sync.Mutex
	started  bool
	cancel   []zkclient.Cancel
	stopping *future.Future[state.State]
	dispatch dispatcher
}

func New(client *zkclient.Client, runID string) *Controller {
	return &Controller{
		client: client,
		runID:  runID,
		dispatch: dispatcher{
			runID:     runID,
			delivered: map[state.State]bool{},
		},
	}
}

func (c *Controller) RunID() string {
	return c.runID
}

func (c *Controller) State() state.State {
	return state.State(c.state.Load())
}

// LiveNodeData returns the last seen payload of the run's liveness node.
func (c *Controller) LiveNodeData() []byte {
	if p := c.liveNode.Load(); p != nil {
		return *p
	}
	return nil
}

// Start installs the watches on the run's state and liveness nodes. It is
// a no-op when called again.
func (c *Controller) Start() {
	c.mx.Lock()
	defer c.mx.Unlock()
	if c.started {
		return
	}
	c.started = true
	if c.stopping != nil || c.State().Terminal() {
		return
	}
	c.cancel = append(c.cancel,
		zkclient.WatchData(c.client, message.StatePath(c.runID), c.onState),
		zkclient.WatchData(c.client, message.InstancePath(c.runID), c.onLiveNode),
	)
}

// AddListener registers l; its callbacks run on exec, nil means on the
// coordination client's event goroutine.
func (c *Controller) AddListener(l Listener, exec future.Executor) {
	if exec == nil {
		exec = future.Inline
	}
	c.mx.Lock()
	c.dispatch.listeners = append(c.dispatch.listeners, registration{listener: l, exec: exec})
	c.mx.Unlock()
}

// SendCommand posts cmd to every runnable of the run. The future resolves
// to cmd once the run consumed the message.
func (c *Controller) SendCommand(cmd message.Command) *future.Future[message.Command] {
	return message.Send(c.client, message.MessagePrefix(c.runID), message.ForAll(cmd), cmd)
}

// SendCommandTo posts cmd to the runnable called name.
func (c *Controller) SendCommandTo(name string, cmd message.Command) *future.Future[message.Command] {
	return message.Send(c.client, message.MessagePrefix(c.runID), message.ForRunnable(name, cmd), cmd)
}

// Stop asks the run to stop. The future resolves to TERMINATED once the
// liveness node of the run is gone. Calling Stop again returns the same
// future; on a run already stopping or terminated it resolves immediately
// to the current state.
func (c *Controller) Stop() *future.Future[state.State] {
	c.mx.Lock()
	defer c.mx.Unlock()
	if c.stopping != nil {
		return c.stopping
	}

	for {
		old := c.State()
		if old == state.Stopping || old.Terminal() {
			return future.Immediate(message.RunPath(c.runID), old)
		}
		if c.state.CompareAndSwap(int32(old), int32(state.Stopping)) {
			break
		}
	}
	c.cancelWatchesLocked()

	slog.Info("stopping remote run", "run_id", c.runID)
	sent := message.Send(c.client, message.MessagePrefix(c.runID), message.StopApplication(), state.Terminated)
	gone := future.Then(sent, future.Inline, func(state.State) *future.Future[string] {
		return zkclient.WatchDeleted(c.client, message.InstancePath(c.runID))
	})
	c.stopping = future.Map(gone, future.Inline, func(string) (state.State, error) {
		slog.Info("remote run stopped", "run_id", c.runID)
		c.state.Store(int32(state.Terminated))
		c.fire(state.StateNode{State: state.Terminated})
		return state.Terminated, nil
	})
	return c.stopping
}

func (c *Controller) StopAndWait(ctx context.Context) (state.State, error) {
	return c.Stop().Get(ctx)
}

func (c *Controller) onState(data zkclient.NodeData) {
	node, err := state.Decode(data.Data)
	if err != nil {
		slog.Warn("ignoring state node", "run_id", c.runID, "error", err)
		return
	}
	c.transition(node)
}

// transition moves to the decoded state unless the controller is terminal,
// stopping on request, or already in that state.
func (c *Controller) transition(node state.StateNode) {
	for {
		old := c.State()
		if old.Terminal() || old == node.State || c.stopRequested() {
			return
		}
		if c.state.CompareAndSwap(int32(old), int32(node.State)) {
			break
		}
	}
	slog.Debug("run state changed", "run_id", c.runID, "state", node.State)
	if node.State.Terminal() {
		c.mx.Lock()
		c.cancelWatchesLocked()
		c.mx.Unlock()
	}
	c.fire(node)
}

func (c *Controller) stopRequested() bool {
	c.mx.Lock()
	defer c.mx.Unlock()
	return c.stopping != nil
}

// onLiveNode tracks the liveness node. A run that loses it without a
// terminal state has crashed; the state node is read once more to tell a
// clean exit from a crash.
func (c *Controller) onLiveNode(data zkclient.NodeData) {
	if data.Stat != nil {
		payload := data.Data
		c.liveNode.Store(&payload)
		c.liveSeen.Store(true)
		return
	}
	if !c.liveSeen.Load() || c.State().Terminal() {
		return
	}
	c.client.GetData(message.StatePath(c.runID), nil).OnComplete(future.Inline, func(data zkclient.NodeData, err error) {
		var node state.StateNode
		switch {
		case errors.Is(err, zk.ErrNoNode):
			node.State = state.Terminated
		case err != nil:
			slog.Warn("reading state of a run without liveness node", "run_id", c.runID, "error", err)
			return
		default:
			var derr error
			node, derr = state.Decode(data.Data)
			if derr != nil || !node.State.Terminal() {
				slog.Warn("run lost its liveness node", "run_id", c.runID, "state", node.State)
				node = state.StateNode{State: state.Failed}
			}
		}
		c.transition(node)
	})
}

func (c *Controller) cancelWatchesLocked() {
	for _, cancel := range c.cancel {
		cancel()
	}
	c.cancel = nil
}

func (c *Controller) fire(node state.StateNode) {
	c.mx.Lock()
	if !c.dispatch.claim(node.State) {
		c.mx.Unlock()
		return
	}
	regs := append([]registration(nil), c.dispatch.listeners...)
	c.mx.Unlock()

	switch node.State {
	case state.Starting:
		c.dispatch.call(regs, node.State, Listener.Starting)
	case state.Running:
		c.dispatch.call(regs, node.State, Listener.Running)
	case state.Stopping:
		c.dispatch.call(regs, node.State, Listener.Stopping)
	case state.Terminated:
		c.dispatch.call(regs, node.State, Listener.Terminated)
	case state.Failed:
		trace := node.StackTrace
		c.dispatch.call(regs, node.State, func(l Listener) { l.Failed(trace) })
	}
}
