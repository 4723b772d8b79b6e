package zkclient

import (
	"github.com/go-zookeeper/zk"

	"github.com/CZERTAINLY/Herald/internal/future"
)

const (
	opCreate   = "create"
	opExists   = "exists"
	opChildren = "getChildren"
	opData     = "getData"
	opSetData  = "setData"
	opDelete   = "delete"
)

// call queues fn against the current session and resolves the returned
// future on the event goroutine. Requests reach the session one at a time in
// the order call was invoked, so the server sees them in issue order. A watch
// channel returned by fn is forwarded to w after the result was delivered.
func call[T any](c *Client, op, path string, w Watcher, fn func(Session) (T, <-chan zk.Event, error)) *future.Future[T] {
	result := future.New[T](path)
	sess := c.current()
	if sess == nil {
		result.Fail(&OpError{Op: op, Path: path, Err: ErrNotConnected})
		return result
	}
	c.requests.Execute(func() {
		v, ch, err := fn(sess)
		c.events.Execute(func() {
			if err != nil {
				result.Fail(&OpError{Op: op, Path: path, Err: err})
				return
			}
			result.Set(v)
		})
		if w != nil && ch != nil {
			go c.forward(ch, w)
		}
	})
	return result
}

// Create creates path. With createParent, missing ancestors are created as
// empty persistent nodes first. The future resolves to the name of the
// created node, which differs from path for sequential modes.
func (c *Client) Create(path string, data []byte, mode CreateMode, createParent bool) *future.Future[string] {
	abs := c.abs(path)
	created := startCreate(c, abs, data, mode, createParent, false)
	return future.Map(created, future.Inline, func(name string) (string, error) {
		return c.rel(name), nil
	})
}

// createAbs issues a single create of an absolute path, ignoring the namespace.
func (c *Client) createAbs(abs string, data []byte, mode CreateMode) *future.Future[string] {
	return call(c, opCreate, abs, nil, func(s Session) (string, <-chan zk.Event, error) {
		name, err := s.Create(abs, data, mode.flags(), c.acl)
		if err != nil {
			return "", nil, err
		}
		if name == "" {
			name = abs
		}
		return name, nil, nil
	})
}

// Exists resolves to the stat of path, or to nil if the node does not exist.
// Absence is not an error. A non nil watcher is called on the next creation,
// deletion or data change of path.
func (c *Client) Exists(path string, watcher Watcher) *future.Future[*zk.Stat] {
	return call(c, opExists, path, watcher, func(s Session) (*zk.Stat, <-chan zk.Event, error) {
		var (
			ok   bool
			stat *zk.Stat
			ch   <-chan zk.Event
			err  error
		)
		if watcher != nil {
			ok, stat, ch, err = s.ExistsW(c.abs(path))
		} else {
			ok, stat, err = s.Exists(c.abs(path))
		}
		if err != nil {
			return nil, nil, err
		}
		if !ok {
			stat = nil
		}
		return stat, ch, nil
	})
}

func (c *Client) GetChildren(path string, watcher Watcher) *future.Future[NodeChildren] {
	return call(c, opChildren, path, watcher, func(s Session) (NodeChildren, <-chan zk.Event, error) {
		var (
			children []string
			stat     *zk.Stat
			ch       <-chan zk.Event
			err      error
		)
		if watcher != nil {
			children, stat, ch, err = s.ChildrenW(c.abs(path))
		} else {
			children, stat, err = s.Children(c.abs(path))
		}
		return NodeChildren{Children: children, Stat: stat}, ch, err
	})
}

func (c *Client) GetData(path string, watcher Watcher) *future.Future[NodeData] {
	return call(c, opData, path, watcher, func(s Session) (NodeData, <-chan zk.Event, error) {
		var (
			data []byte
			stat *zk.Stat
			ch   <-chan zk.Event
			err  error
		)
		if watcher != nil {
			data, stat, ch, err = s.GetW(c.abs(path))
		} else {
			data, stat, err = s.Get(c.abs(path))
		}
		return NodeData{Data: data, Stat: stat}, ch, err
	})
}

// SetData writes data if the node version matches, AnyVersion matches all.
func (c *Client) SetData(path string, data []byte, version int32) *future.Future[*zk.Stat] {
	return call(c, opSetData, path, nil, func(s Session) (*zk.Stat, <-chan zk.Event, error) {
		stat, err := s.Set(c.abs(path), data, version)
		return stat, nil, err
	})
}

// Delete removes path and resolves to it.
func (c *Client) Delete(path string, version int32) *future.Future[string] {
	return call(c, opDelete, path, nil, func(s Session) (string, <-chan zk.Event, error) {
		return path, nil, s.Delete(c.abs(path), version)
	})
}
