package zkclient

import (
	"errors"

	"github.com/go-zookeeper/zk"
)

var (
	ErrNotConnected = errors.New("not connected to zookeeper")
	ErrStopped      = errors.New("zookeeper client stopped")
)

// OpError records a failed coordination call and the path it was issued for.
type OpError struct {
	Op   string
	Path string
	Err  error
}

func (e *OpError) Error() string {
	return e.Op + " " + e.Path + ": " + e.Err.Error()
}

func (e *OpError) Unwrap() error {
	return e.Err
}

// IsSessionError reports errors caused by a lost or closed session rather than
// by the request itself. Such requests can be reissued once Connected resolves.
func IsSessionError(err error) bool {
	return errors.Is(err, zk.ErrSessionExpired) ||
		errors.Is(err, zk.ErrConnectionClosed) ||
		errors.Is(err, zk.ErrClosing) ||
		errors.Is(err, zk.ErrNoServer) ||
		errors.Is(err, ErrNotConnected)
}
