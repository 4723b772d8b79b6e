package zkclient

import (
	"errors"
	"log/slog"
	"sync/atomic"

	"github.com/go-zookeeper/zk"

	"github.com/CZERTAINLY/Herald/internal/future"
)

// Cancel stops a continuous watch. It is best effort: one notification
// already in flight may still be delivered.
type Cancel func()

// WatchData calls cb with the content of path now and after every change.
// While the node does not exist the watch waits for its creation. Deletion of
// a node seen before is reported as an empty NodeData. The watch survives
// session expiry by reissuing its read once the client reconnects.
func WatchData(c *Client, path string, cb func(NodeData)) Cancel {
	w := &dataWatch{c: c, path: path, cb: cb}
	w.get()
	return func() { w.cancelled.Store(true) }
}

type dataWatch struct {
	c         *Client
	path      string
	cb        func(NodeData)
	cancelled atomic.Bool
	seen      atomic.Bool
}

func (w *dataWatch) get() {
	if w.cancelled.Load() {
		return
	}
	w.c.GetData(w.path, w.process).OnComplete(future.Inline, func(data NodeData, err error) {
		if w.cancelled.Load() {
			return
		}
		switch {
		case err == nil:
			w.seen.Store(true)
			w.cb(data)
		case errors.Is(err, zk.ErrNoNode):
			w.exists()
		default:
			rearm(w.c, w.path, err, w.get)
		}
	})
}

func (w *dataWatch) exists() {
	w.c.Exists(w.path, w.process).OnComplete(future.Inline, func(stat *zk.Stat, err error) {
		if w.cancelled.Load() {
			return
		}
		if err != nil {
			rearm(w.c, w.path, err, w.get)
			return
		}
		if stat != nil {
			// created between getData and exists
			w.get()
		}
	})
}

func (w *dataWatch) process(ev zk.Event) {
	if w.cancelled.Load() {
		return
	}
	switch ev.Type {
	case zk.EventNodeDeleted:
		if w.seen.Swap(false) {
			w.cb(NodeData{})
		}
		w.get()
	case zk.EventNotWatching:
		rearm(w.c, w.path, ev.Err, w.get)
	default:
		w.get()
	}
}

// WatchChildren calls cb with the children of path now and after every
// change of the children list. A missing node is waited for.
func WatchChildren(c *Client, path string, cb func(NodeChildren)) Cancel {
	w := &childrenWatch{c: c, path: path, cb: cb}
	w.get()
	return func() { w.cancelled.Store(true) }
}

type childrenWatch struct {
	c         *Client
	path      string
	cb        func(NodeChildren)
	cancelled atomic.Bool
}

func (w *childrenWatch) get() {
	if w.cancelled.Load() {
		return
	}
	w.c.GetChildren(w.path, w.process).OnComplete(future.Inline, func(children NodeChildren, err error) {
		if w.cancelled.Load() {
			return
		}
		switch {
		case err == nil:
			w.cb(children)
		case errors.Is(err, zk.ErrNoNode):
			w.c.Exists(w.path, w.process).OnComplete(future.Inline, func(stat *zk.Stat, err error) {
				if err != nil {
					rearm(w.c, w.path, err, w.get)
					return
				}
				if stat != nil {
					w.get()
				}
			})
		default:
			rearm(w.c, w.path, err, w.get)
		}
	})
}

func (w *childrenWatch) process(ev zk.Event) {
	if w.cancelled.Load() {
		return
	}
	if ev.Type == zk.EventNotWatching {
		rearm(w.c, w.path, ev.Err, w.get)
		return
	}
	w.get()
}

// WatchDeleted resolves once path does not exist. It resolves immediately
// when the node is already absent.
func WatchDeleted(c *Client, path string) *future.Future[string] {
	result := future.New[string](path)
	var check func()
	check = func() {
		c.Exists(path, func(ev zk.Event) {
			switch ev.Type {
			case zk.EventNodeDeleted:
				result.Set(path)
			case zk.EventNotWatching:
				rearm(c, path, ev.Err, check)
			default:
				check()
			}
		}).OnComplete(future.Inline, func(stat *zk.Stat, err error) {
			switch {
			case err != nil && IsSessionError(err):
				rearm(c, path, err, check)
			case err != nil:
				result.Fail(err)
			case stat == nil:
				result.Set(path)
			}
		})
	}
	check()
	return result
}

// rearm reissues a watched read once the client holds a session again. Errors
// unrelated to the session are logged and end the watch.
func rearm(c *Client, path string, cause error, reissue func()) {
	if cause != nil && !IsSessionError(cause) {
		slog.Warn("watch stopped", "path", path, "error", cause)
		return
	}
	c.Connected().OnComplete(future.Inline, func(_ struct{}, err error) {
		if err != nil {
			return
		}
		reissue()
	})
}
