package zkclient

import (
	"time"

	"github.com/go-zookeeper/zk"

	"github.com/CZERTAINLY/Herald/internal/log"
)

// Session is the live connection to the coordination service. *zk.Conn
// implements it; zktest.Server provides an in-memory one.
type Session interface {
	Create(path string, data []byte, flags int32, acl []zk.ACL) (string, error)
	Exists(path string) (bool, *zk.Stat, error)
	ExistsW(path string) (bool, *zk.Stat, <-chan zk.Event, error)
	Get(path string) ([]byte, *zk.Stat, error)
	GetW(path string) ([]byte, *zk.Stat, <-chan zk.Event, error)
	Children(path string) ([]string, *zk.Stat, error)
	ChildrenW(path string) ([]string, *zk.Stat, <-chan zk.Event, error)
	Set(path string, data []byte, version int32) (*zk.Stat, error)
	Delete(path string, version int32) error
	Close()
}

// Dialer opens a new session. The returned channel carries session events and
// is closed when the session is closed.
type Dialer func(servers []string, sessionTimeout time.Duration) (Session, <-chan zk.Event, error)

// ZKDialer connects to a real ZooKeeper ensemble.
func ZKDialer(servers []string, sessionTimeout time.Duration) (Session, <-chan zk.Event, error) {
	conn, events, err := zk.Connect(servers, sessionTimeout, zk.WithLogger(log.ZK{}))
	if err != nil {
		return nil, nil, err
	}
	return conn, events, nil
}

// AnyVersion matches every node version in SetData and Delete.
const AnyVersion int32 = -1

type CreateMode int

const (
	Persistent CreateMode = iota
	Ephemeral
	PersistentSequential
	EphemeralSequential
)

func (m CreateMode) flags() int32 {
	switch m {
	case Ephemeral:
		return zk.FlagEphemeral
	case PersistentSequential:
		return zk.FlagSequence
	case EphemeralSequential:
		return zk.FlagEphemeral | zk.FlagSequence
	default:
		return 0
	}
}

func (m CreateMode) String() string {
	switch m {
	case Persistent:
		return "persistent"
	case Ephemeral:
		return "ephemeral"
	case PersistentSequential:
		return "persistent_sequential"
	case EphemeralSequential:
		return "ephemeral_sequential"
	default:
		return "unknown"
	}
}

// NodeData is the payload of a node together with its stat.
type NodeData struct {
	Data []byte
	Stat *zk.Stat
}

type NodeChildren struct {
	Children []string
	Stat     *zk.Stat
}

// Watcher receives a path or connection event. Watchers are always called
// on the client's event goroutine.
type Watcher func(zk.Event)
