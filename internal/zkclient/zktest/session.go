package zktest

import (
	"slices"

	"github.com/go-zookeeper/zk"
)

// Session is one client session of a Server. It implements zkclient.Session.
type Session struct {
	id     int64
	server *Server
	events chan zk.Event

	// guarded by server.mx
	closed  bool
	expired bool
}

func (s *Session) ID() int64 {
	return s.id
}

// check runs under server.mx.
func (s *Session) check(op, path string) error {
	switch {
	case s.expired:
		return zk.ErrSessionExpired
	case s.closed:
		return zk.ErrClosing
	}
	return s.server.takeFaultLocked(op, path)
}

func (s *Session) Create(path string, data []byte, flags int32, _ []zk.ACL) (string, error) {
	srv := s.server
	srv.mx.Lock()
	defer srv.mx.Unlock()
	if err := s.check("create", path); err != nil {
		return "", err
	}
	return srv.createLocked(path, data, flags, s)
}

func (s *Session) Exists(path string) (bool, *zk.Stat, error) {
	ok, stat, _, err := s.exists(path, false)
	return ok, stat, err
}

func (s *Session) ExistsW(path string) (bool, *zk.Stat, <-chan zk.Event, error) {
	return s.exists(path, true)
}

func (s *Session) exists(path string, watch bool) (bool, *zk.Stat, <-chan zk.Event, error) {
	srv := s.server
	srv.mx.Lock()
	defer srv.mx.Unlock()
	if err := s.check("exists", path); err != nil {
		return false, nil, nil, err
	}
	var ch <-chan zk.Event
	if watch {
		ch = srv.addWatchLocked(srv.dataW, path, s)
	}
	n, ok := srv.nodes[path]
	if !ok {
		// the zk library reports absence with an empty stat
		return false, &zk.Stat{}, ch, nil
	}
	stat := n.stat
	return true, &stat, ch, nil
}

func (s *Session) Get(path string) ([]byte, *zk.Stat, error) {
	data, stat, _, err := s.get(path, false)
	return data, stat, err
}

func (s *Session) GetW(path string) ([]byte, *zk.Stat, <-chan zk.Event, error) {
	return s.get(path, true)
}

func (s *Session) get(path string, watch bool) ([]byte, *zk.Stat, <-chan zk.Event, error) {
	srv := s.server
	srv.mx.Lock()
	defer srv.mx.Unlock()
	if err := s.check("get", path); err != nil {
		return nil, nil, nil, err
	}
	n, ok := srv.nodes[path]
	if !ok {
		return nil, nil, nil, zk.ErrNoNode
	}
	var ch <-chan zk.Event
	if watch {
		ch = srv.addWatchLocked(srv.dataW, path, s)
	}
	stat := n.stat
	return slices.Clone(n.data), &stat, ch, nil
}

func (s *Session) Children(path string) ([]string, *zk.Stat, error) {
	children, stat, _, err := s.children(path, false)
	return children, stat, err
}

func (s *Session) ChildrenW(path string) ([]string, *zk.Stat, <-chan zk.Event, error) {
	return s.children(path, true)
}

func (s *Session) children(path string, watch bool) ([]string, *zk.Stat, <-chan zk.Event, error) {
	srv := s.server
	srv.mx.Lock()
	defer srv.mx.Unlock()
	if err := s.check("children", path); err != nil {
		return nil, nil, nil, err
	}
	n, ok := srv.nodes[path]
	if !ok {
		return nil, nil, nil, zk.ErrNoNode
	}
	var ch <-chan zk.Event
	if watch {
		ch = srv.addWatchLocked(srv.childW, path, s)
	}
	stat := n.stat
	return sortedChildren(n), &stat, ch, nil
}

func (s *Session) Set(path string, data []byte, version int32) (*zk.Stat, error) {
	srv := s.server
	srv.mx.Lock()
	defer srv.mx.Unlock()
	if err := s.check("set", path); err != nil {
		return nil, err
	}
	n, ok := srv.nodes[path]
	if !ok {
		return nil, zk.ErrNoNode
	}
	if version != -1 && version != n.stat.Version {
		return nil, zk.ErrBadVersion
	}
	srv.setLocked(path, n, data)
	stat := n.stat
	return &stat, nil
}

func (s *Session) Delete(path string, version int32) error {
	srv := s.server
	srv.mx.Lock()
	defer srv.mx.Unlock()
	if err := s.check("delete", path); err != nil {
		return err
	}
	n, ok := srv.nodes[path]
	if !ok {
		return zk.ErrNoNode
	}
	if version != -1 && version != n.stat.Version {
		return zk.ErrBadVersion
	}
	if len(n.children) > 0 {
		return zk.ErrNotEmpty
	}
	srv.deleteLocked(path)
	return nil
}

// Close ends the session. Ephemeral nodes go away, pending watches receive
// EventNotWatching and the event channel is closed.
func (s *Session) Close() {
	srv := s.server
	srv.mx.Lock()
	defer srv.mx.Unlock()
	if s.closed {
		return
	}
	s.closed = true
	if !s.expired {
		srv.dropSessionLocked(s, zk.ErrClosing)
	}
	close(s.events)
}
