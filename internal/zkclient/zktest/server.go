// Package zktest provides an in-memory coordination service with ZooKeeper
// semantics: persistent, ephemeral and sequential nodes, versioned data,
// one-shot watches and session expiry. Server.Dial plugs it into
// zkclient.WithDialer.
package zktest

import (
	"fmt"
	"slices"
	"strings"
	"sync"
	"time"

	"github.com/go-zookeeper/zk"

	"github.com/CZERTAINLY/Herald/internal/zkclient"
)

type node struct {
	data     []byte
	stat     zk.Stat
	children map[string]struct{}
	sequence int32
}

type fault struct {
	op   string
	path string
	err  error
}

// Server is the shared namespace. The zero value is not usable, use NewServer.
type Server struct {
	mx          sync.Mutex
	nodes       map[string]*node
	sessions    []*Session
	nextSession int64
	zxid        int64
	dialErr     error
	faults      []fault
	dataW       map[string][]watch
	childW      map[string][]watch
}

type watch struct {
	owner *Session
	ch    chan zk.Event
}

func NewServer() *Server {
	return &Server{
		nodes: map[string]*node{
			"/": {children: map[string]struct{}{}},
		},
		dataW:  map[string][]watch{},
		childW: map[string][]watch{},
	}
}

// Dial opens a new session, it satisfies zkclient.Dialer.
func (s *Server) Dial(_ []string, _ time.Duration) (zkclient.Session, <-chan zk.Event, error) {
	s.mx.Lock()
	defer s.mx.Unlock()
	if s.dialErr != nil {
		return nil, nil, s.dialErr
	}
	s.nextSession++
	sess := &Session{
		id:     s.nextSession,
		server: s,
		events: make(chan zk.Event, 16),
	}
	s.sessions = append(s.sessions, sess)
	sess.events <- zk.Event{Type: zk.EventSession, State: zk.StateConnecting}
	sess.events <- zk.Event{Type: zk.EventSession, State: zk.StateConnected}
	sess.events <- zk.Event{Type: zk.EventSession, State: zk.StateHasSession}
	return sess, sess.events, nil
}

// FailDial makes every following Dial fail with err, nil restores dialing.
func (s *Server) FailDial(err error) {
	s.mx.Lock()
	s.dialErr = err
	s.mx.Unlock()
}

// FailNext makes the next op ("create", "get", "exists", "children", "set",
// "delete") on path fail with err.
func (s *Server) FailNext(op, path string, err error) {
	s.mx.Lock()
	s.faults = append(s.faults, fault{op: op, path: path, err: err})
	s.mx.Unlock()
}

// Sessions returns the sessions opened so far, in dial order.
func (s *Server) Sessions() []*Session {
	s.mx.Lock()
	defer s.mx.Unlock()
	return slices.Clone(s.sessions)
}

// Expire expires sess: its ephemeral nodes are removed, its watches are
// invalidated and it receives a StateExpired event.
func (s *Server) Expire(sess *Session) {
	s.mx.Lock()
	defer s.mx.Unlock()
	if sess.closed || sess.expired {
		return
	}
	sess.expired = true
	s.dropSessionLocked(sess, zk.ErrSessionExpired)
	sess.events <- zk.Event{Type: zk.EventSession, State: zk.StateExpired, Err: zk.ErrSessionExpired}
}

// Get returns the data of path as seen by the server.
func (s *Server) Get(path string) ([]byte, *zk.Stat, bool) {
	s.mx.Lock()
	defer s.mx.Unlock()
	n, ok := s.nodes[path]
	if !ok {
		return nil, nil, false
	}
	stat := n.stat
	return slices.Clone(n.data), &stat, true
}

// Children returns the sorted children names of path.
func (s *Server) Children(path string) []string {
	s.mx.Lock()
	defer s.mx.Unlock()
	n, ok := s.nodes[path]
	if !ok {
		return nil
	}
	return sortedChildren(n)
}

// Put creates path with its missing parents or replaces its data. It acts
// as a client without a session.
func (s *Server) Put(path string, data []byte) {
	s.mx.Lock()
	defer s.mx.Unlock()
	if n, ok := s.nodes[path]; ok {
		s.setLocked(path, n, data)
		return
	}
	parent := parentOf(path)
	for _, p := range ancestors(parent) {
		if _, ok := s.nodes[p]; !ok {
			s.createLocked(p, nil, 0, nil)
		}
	}
	s.createLocked(path, data, 0, nil)
}

// Remove deletes path and everything below it.
func (s *Server) Remove(path string) {
	s.mx.Lock()
	defer s.mx.Unlock()
	s.removeTreeLocked(path)
}

func (s *Server) removeTreeLocked(path string) {
	n, ok := s.nodes[path]
	if !ok {
		return
	}
	for _, c := range sortedChildren(n) {
		s.removeTreeLocked(joinChild(path, c))
	}
	s.deleteLocked(path)
}

func (s *Server) takeFaultLocked(op, path string) error {
	for i, f := range s.faults {
		if f.op == op && f.path == path {
			s.faults = slices.Delete(s.faults, i, i+1)
			return f.err
		}
	}
	return nil
}

func (s *Server) createLocked(path string, data []byte, flags int32, owner *Session) (string, error) {
	if path == "" || path[0] != '/' || (len(path) > 1 && strings.HasSuffix(path, "/")) {
		return "", zk.ErrBadArguments
	}
	parentPath := parentOf(path)
	parent, ok := s.nodes[parentPath]
	if !ok {
		return "", zk.ErrNoNode
	}
	if parent.stat.EphemeralOwner != 0 {
		return "", zk.ErrNoChildrenForEphemerals
	}
	if flags&zk.FlagSequence != 0 {
		path = fmt.Sprintf("%s%010d", path, parent.sequence)
		parent.sequence++
	}
	if _, ok := s.nodes[path]; ok {
		return "", zk.ErrNodeExists
	}

	s.zxid++
	now := time.Now().UnixMilli()
	n := &node{
		data:     slices.Clone(data),
		children: map[string]struct{}{},
		stat: zk.Stat{
			Czxid:      s.zxid,
			Mzxid:      s.zxid,
			Pzxid:      s.zxid,
			Ctime:      now,
			Mtime:      now,
			DataLength: int32(len(data)),
		},
	}
	if flags&zk.FlagEphemeral != 0 && owner != nil {
		n.stat.EphemeralOwner = owner.id
	}
	s.nodes[path] = n
	parent.children[path[strings.LastIndexByte(path, '/')+1:]] = struct{}{}
	parent.stat.Cversion++
	parent.stat.NumChildren = int32(len(parent.children))
	parent.stat.Pzxid = s.zxid

	s.fireLocked(s.dataW, path, zk.EventNodeCreated)
	s.fireLocked(s.childW, parentPath, zk.EventNodeChildrenChanged)
	return path, nil
}

func (s *Server) setLocked(path string, n *node, data []byte) {
	s.zxid++
	n.data = slices.Clone(data)
	n.stat.Version++
	n.stat.Mzxid = s.zxid
	n.stat.Mtime = time.Now().UnixMilli()
	n.stat.DataLength = int32(len(data))
	s.fireLocked(s.dataW, path, zk.EventNodeDataChanged)
}

func (s *Server) deleteLocked(path string) {
	parentPath := parentOf(path)
	delete(s.nodes, path)
	if parent, ok := s.nodes[parentPath]; ok {
		delete(parent.children, path[strings.LastIndexByte(path, '/')+1:])
		parent.stat.Cversion++
		parent.stat.NumChildren = int32(len(parent.children))
	}
	s.zxid++
	s.fireLocked(s.dataW, path, zk.EventNodeDeleted)
	s.fireLocked(s.childW, path, zk.EventNodeDeleted)
	s.fireLocked(s.childW, parentPath, zk.EventNodeChildrenChanged)
}

func (s *Server) fireLocked(watches map[string][]watch, path string, typ zk.EventType) {
	for _, w := range watches[path] {
		w.ch <- zk.Event{Type: typ, State: zk.StateHasSession, Path: path}
		close(w.ch)
	}
	delete(watches, path)
}

func (s *Server) addWatchLocked(watches map[string][]watch, path string, owner *Session) <-chan zk.Event {
	ch := make(chan zk.Event, 1)
	watches[path] = append(watches[path], watch{owner: owner, ch: ch})
	return ch
}

// dropSessionLocked removes ephemerals of sess and invalidates its watches.
func (s *Server) dropSessionLocked(sess *Session, cause error) {
	var ephemerals []string
	for path, n := range s.nodes {
		if n.stat.EphemeralOwner == sess.id {
			ephemerals = append(ephemerals, path)
		}
	}
	slices.Sort(ephemerals)
	for _, path := range ephemerals {
		s.deleteLocked(path)
	}
	for _, watches := range []map[string][]watch{s.dataW, s.childW} {
		for path, ws := range watches {
			kept := ws[:0]
			for _, w := range ws {
				if w.owner != sess {
					kept = append(kept, w)
					continue
				}
				w.ch <- zk.Event{Type: zk.EventNotWatching, State: zk.StateDisconnected, Path: path, Err: cause}
				close(w.ch)
			}
			if len(kept) == 0 {
				delete(watches, path)
			} else {
				watches[path] = kept
			}
		}
	}
}

func sortedChildren(n *node) []string {
	names := make([]string, 0, len(n.children))
	for c := range n.children {
		names = append(names, c)
	}
	slices.Sort(names)
	return names
}

func parentOf(path string) string {
	i := strings.LastIndexByte(path, '/')
	if i <= 0 {
		return "/"
	}
	return path[:i]
}

func joinChild(parent, child string) string {
	if parent == "/" {
		return "/" + child
	}
	return parent + "/" + child
}

// ancestors lists "/a", "/a/b", ... up to and including path.
func ancestors(path string) []string {
	var out []string
	for i := 1; i < len(path); i++ {
		if path[i] == '/' {
			out = append(out, path[:i])
		}
	}
	if path != "/" {
		out = append(out, path)
	}
	return out
}
