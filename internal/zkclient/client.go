package zkclient

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/go-zookeeper/zk"

	"github.com/CZERTAINLY/Herald/internal/future"
)

// State is the lifecycle of a Client.
type State int32

const (
	StateNew State = iota
	StateStarting
	StateRunning
	StateReconnecting
	StateStopped
	StateFailed
)

func (s State) String() string {
	switch s {
	case StateNew:
		return "NEW"
	case StateStarting:
		return "STARTING"
	case StateRunning:
		return "RUNNING"
	case StateReconnecting:
		return "RECONNECTING"
	case StateStopped:
		return "STOPPED"
	case StateFailed:
		return "FAILED"
	default:
		return "UNKNOWN"
	}
}

const DefaultSessionTimeout = 10 * time.Second

type Option func(*Client)

func WithSessionTimeout(d time.Duration) Option {
	return func(c *Client) {
		if d > 0 {
			c.sessionTimeout = d
		}
	}
}

// WithDialer replaces the default ZKDialer, typically by zktest.Server.Dial.
func WithDialer(d Dialer) Option {
	return func(c *Client) {
		c.dial = d
	}
}

func WithConnectionWatcher(w Watcher) Option {
	return func(c *Client) {
		c.AddConnectionWatcher(w)
	}
}

func WithACL(acl []zk.ACL) Option {
	return func(c *Client) {
		c.acl = acl
	}
}

// Client is an asynchronous ZooKeeper client. Every operation returns a
// future immediately; futures are resolved and watchers are called on one
// event goroutine owned by the client, so all notifications of a client are
// totally ordered.
//
// The client reconnects with a brand new session when its session expires.
// Path watches installed with the expired session are not re-armed: the
// watcher receives an EventNotWatching event (or its pending read fails with a
// session error) and whoever registered it must reissue the watched read once
// Connected resolves. WatchData, WatchChildren and WatchDeleted do so.
//
// Operations issued against a session that expires may fail with a session
// error or never resolve. Callers bound their waits with a context.
type Client struct {
	connect        string
	servers        []string
	namespace      string
	sessionTimeout time.Duration
	dial           Dialer
	acl            []zk.ACL
	events         *serialExecutor
	requests       *serialExecutor

	mx        sync.Mutex
	state     State
	session   Session
	connected *future.Future[struct{}]
	watchers  []Watcher

	started *future.Future[State]
	stopped *future.Future[State]
}

// New creates a client for a connect string "host:port[,host:port...][/namespace]".
func New(connect string, opts ...Option) *Client {
	servers, namespace := parseConnect(connect)
	c := &Client{
		connect:        connect,
		servers:        servers,
		namespace:      namespace,
		sessionTimeout: DefaultSessionTimeout,
		dial:           ZKDialer,
		acl:            zk.WorldACL(zk.PermAll),
		events:         newSerialExecutor("zk-client-events"),
		requests:       newSerialExecutor("zk-client-requests"),
		connected:      future.New[struct{}](connect),
		started:        future.New[State](connect),
		stopped:        future.New[State](connect),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

func (c *Client) ConnectString() string {
	return c.connect
}

// AddConnectionWatcher registers w for every session event. The registry is
// append only.
func (c *Client) AddConnectionWatcher(w Watcher) {
	if w == nil {
		return
	}
	c.mx.Lock()
	c.watchers = append(c.watchers, w)
	c.mx.Unlock()
}

func (c *Client) State() State {
	c.mx.Lock()
	defer c.mx.Unlock()
	return c.state
}

func (c *Client) IsRunning() bool {
	return c.State() == StateRunning
}

// Start opens the session. The returned future resolves to StateRunning once
// the session is established, or fails if no session could be opened.
func (c *Client) Start() *future.Future[State] {
	c.mx.Lock()
	if c.state != StateNew {
		c.mx.Unlock()
		return c.started
	}
	c.state = StateStarting
	c.mx.Unlock()

	go c.events.loop()
	go c.requests.loop()

	sess, events, err := c.dial(c.servers, c.sessionTimeout)
	if err != nil {
		c.fail(fmt.Errorf("connecting to %s: %w", c.connect, err))
		return c.started
	}

	c.mx.Lock()
	if c.state != StateStarting {
		c.mx.Unlock()
		sess.Close()
		return c.started
	}
	c.session = sess
	c.mx.Unlock()

	go c.pump(sess, events)
	return c.started
}

func (c *Client) StartAndWait(ctx context.Context) (State, error) {
	return c.Start().Get(ctx)
}

// Stop closes the session and drains the event goroutine. Futures that
// never got an answer are left unresolved.
func (c *Client) Stop() *future.Future[State] {
	c.mx.Lock()
	switch c.state {
	case StateStopped, StateFailed:
		c.mx.Unlock()
		return c.stopped
	case StateNew:
		c.state = StateStopped
		c.mx.Unlock()
		c.started.Fail(ErrStopped)
		c.connected.Fail(ErrStopped)
		c.stopped.Set(StateStopped)
		return c.stopped
	}
	c.state = StateStopped
	sess := c.session
	c.session = nil
	connected := c.connected
	c.mx.Unlock()

	go func() {
		if sess != nil {
			sess.Close()
		}
		c.requests.shutdown()
		<-c.requests.done
		c.events.shutdown()
		<-c.events.done
		c.started.Fail(ErrStopped)
		connected.Fail(ErrStopped)
		slog.Info("zookeeper client stopped", "connect", c.connect)
		c.stopped.Set(StateStopped)
	}()
	return c.stopped
}

func (c *Client) StopAndWait(ctx context.Context) (State, error) {
	return c.Stop().Get(ctx)
}

// Connected resolves while the client holds a live session. After the
// session expired it resolves once the replacement session is established.
// It fails once the client is stopped or failed.
func (c *Client) Connected() *future.Future[struct{}] {
	c.mx.Lock()
	defer c.mx.Unlock()
	switch c.state {
	case StateStopped, StateFailed:
		return future.Failed[struct{}](c.connect, ErrStopped)
	}
	return c.connected
}

func (c *Client) current() Session {
	c.mx.Lock()
	defer c.mx.Unlock()
	return c.session
}

func (c *Client) fail(err error) {
	c.mx.Lock()
	c.state = StateFailed
	sess := c.session
	c.session = nil
	connected := c.connected
	c.mx.Unlock()

	slog.Error("zookeeper client failed", "connect", c.connect, "error", err)
	if sess != nil {
		sess.Close()
	}
	c.started.Fail(err)
	connected.Fail(err)
	go func() {
		c.requests.shutdown()
		<-c.requests.done
		c.events.shutdown()
		<-c.events.done
		c.stopped.Set(StateFailed)
	}()
}

// pump moves session events of sess onto the event goroutine.
func (c *Client) pump(sess Session, events <-chan zk.Event) {
	for ev := range events {
		c.events.Execute(func() {
			c.process(sess, ev)
		})
	}
}

func (c *Client) process(sess Session, ev zk.Event) {
	c.mx.Lock()
	current := c.session == sess
	c.mx.Unlock()
	if !current || ev.Type != zk.EventSession {
		return
	}

	switch ev.State {
	case zk.StateHasSession:
		c.onSession()
	case zk.StateExpired:
		c.onExpired(sess)
	case zk.StateAuthFailed:
		slog.Error("zookeeper authentication failed", "connect", c.connect)
	}

	c.mx.Lock()
	watchers := c.watchers
	c.mx.Unlock()
	ev.Path = c.rel(ev.Path)
	for _, w := range watchers {
		c.callWatcher(w, ev)
	}
}

func (c *Client) onSession() {
	c.mx.Lock()
	prev := c.state
	if prev == StateStarting || prev == StateReconnecting {
		c.state = StateRunning
	}
	connected := c.connected
	c.mx.Unlock()

	switch prev {
	case StateStarting:
		slog.Info("connected to zookeeper", "connect", c.connect)
		c.started.Set(StateRunning)
		connected.Set(struct{}{})
	case StateReconnecting:
		slog.Info("reconnected to zookeeper", "connect", c.connect)
		// the first session may have expired before it was established
		c.started.Set(StateRunning)
		connected.Set(struct{}{})
	}
}

func (c *Client) onExpired(sess Session) {
	c.mx.Lock()
	if c.state != StateRunning && c.state != StateStarting {
		c.mx.Unlock()
		return
	}
	if c.state == StateRunning {
		c.connected = future.New[struct{}](c.connect)
	}
	c.state = StateReconnecting
	c.mx.Unlock()

	slog.Info("zookeeper session expired", "connect", c.connect)
	// dialing waits for the zk library, it must not run on the event goroutine
	go c.reconnect(sess)
}

func (c *Client) reconnect(old Session) {
	old.Close()
	sess, events, err := c.dial(c.servers, c.sessionTimeout)
	if err != nil {
		c.fail(fmt.Errorf("reconnecting to %s: %w", c.connect, err))
		return
	}

	c.mx.Lock()
	if c.state != StateReconnecting {
		c.mx.Unlock()
		sess.Close()
		return
	}
	c.session = sess
	c.mx.Unlock()

	go c.pump(sess, events)
}

func (c *Client) callWatcher(w Watcher, ev zk.Event) {
	defer func() {
		if r := recover(); r != nil {
			slog.Error("watcher panicked", "path", ev.Path, "panic", r)
		}
	}()
	w(ev)
}

// forward delivers the single event of a one-shot watch to w.
func (c *Client) forward(ch <-chan zk.Event, w Watcher) {
	ev, ok := <-ch
	if !ok {
		return
	}
	ev.Path = c.rel(ev.Path)
	c.events.Execute(func() {
		c.callWatcher(w, ev)
	})
}
