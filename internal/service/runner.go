package service

import (
	"bufio"
	"bytes"
	"context"
	"errors"
	"io"
	"log/slog"
	"os"
	"os/exec"
	"sync"
	"time"
)

var (
	ErrRunNotStarted = errors.New("run not started")
	ErrRunInProgress = errors.New("run in progress")
	ErrRunnerClosed  = errors.New("runner closed")
)

type StderrFunc func(ctx context.Context, line string)

// Runner supervises a single OS process at a time.
type Runner struct {
	mx         sync.RWMutex
	cmd        *exec.Cmd
	cancelFunc context.CancelFunc
	stdin      io.WriteCloser
	result     Result
	results    chan Result
	closed     bool
}

func NewRunner() *Runner {
	return &Runner{
		result:  Result{Err: ErrRunNotStarted},
		results: make(chan Result, 1),
	}
}

type Command struct {
	Path    string
	Args    []string
	Env     []string
	Timeout time.Duration
	// Stdin opens a pipe to the process, see WriteStdin.
	Stdin bool
}

type Result struct {
	Path    string
	Args    []string
	Env     []string
	Started time.Time
	Stopped time.Time
	State   *os.ProcessState
	Stdout  *bytes.Buffer
	Err     error
}

// Start runs the process described by proto. Only one process runs at a
// time, ErrRunInProgress is returned otherwise. It does not wait for the
// process, read ResultsChan for that. Stderr lines are passed to stderrFunc
// from a separate goroutine.
func (r *Runner) Start(ctx context.Context, proto Command, stderrFunc StderrFunc) error {
	r.mx.Lock()
	defer r.mx.Unlock()
	if r.closed {
		return ErrRunnerClosed
	}
	if r.cmd != nil {
		return ErrRunInProgress
	}

	r.result = Result{
		Path: proto.Path,
		Args: append([]string(nil), proto.Args...),
		Env:  append([]string(nil), proto.Env...),
	}

	var cancel context.CancelFunc
	if proto.Timeout == 0 {
		slog.DebugContext(ctx, "command has no timeout", "path", proto.Path)
		ctx, cancel = context.WithCancel(ctx)
	} else {
		ctx, cancel = context.WithTimeout(ctx, proto.Timeout)
	}

	cmd := exec.CommandContext(ctx, r.result.Path, r.result.Args...)
	cmd.Env = r.result.Env
	var stderr io.ReadCloser
	if stderrFunc != nil {
		var err error
		stderr, err = cmd.StderrPipe()
		if err != nil {
			cancel()
			return err
		}
	}
	var stdin io.WriteCloser
	if proto.Stdin {
		var err error
		stdin, err = cmd.StdinPipe()
		if err != nil {
			cancel()
			return err
		}
	}
	var buf bytes.Buffer
	r.result.Stdout = &buf
	cmd.Stdout = &buf

	r.result.Started = time.Now().UTC()
	if err := cmd.Start(); err != nil {
		cancel()
		r.result.Stopped = time.Now().UTC()
		r.result.Err = err
		return err
	}
	r.cmd = cmd
	r.cancelFunc = cancel
	r.stdin = stdin

	var stderrDone chan struct{}
	if stderr != nil {
		stderrDone = make(chan struct{})
		go func() {
			defer close(stderrDone)
			r.processStderr(ctx, stderr, stderrFunc)
		}()
	}
	go r.wait(cmd, cancel, stderrDone)
	return nil
}

func (r *Runner) processStderr(ctx context.Context, stderr io.Reader, stderrFunc StderrFunc) {
	scanner := bufio.NewScanner(stderr)
	for scanner.Scan() {
		stderrFunc(ctx, scanner.Text())
	}
	err := scanner.Err()
	if err != nil && !errors.Is(err, io.EOF) && !errors.Is(err, os.ErrClosed) {
		slog.ErrorContext(ctx, "processing stderr", "error", err)
	}
}

func (r *Runner) wait(cmd *exec.Cmd, cancel context.CancelFunc, stderrDone <-chan struct{}) {
	// stderr must be drained before Wait closes the pipe
	if stderrDone != nil {
		<-stderrDone
	}
	err := cmd.Wait()
	cancel()
	stopped := time.Now().UTC()

	r.mx.Lock()
	defer r.mx.Unlock()
	r.result.Stopped = stopped
	r.result.State = cmd.ProcessState
	r.result.Err = err
	r.cmd = nil
	r.cancelFunc = nil
	r.stdin = nil
	if r.closed {
		return
	}
	select {
	case r.results <- r.result:
	default:
		slog.Warn("result not consumed: dropping", "path", r.result.Path)
	}
}

// ResultsChan returns the channel receiving the result of every finished
// process. It is closed by Close.
func (r *Runner) ResultsChan() <-chan Result {
	return r.results
}

// LastResult returns the result of the last process, or a result with
// ErrRunNotStarted when nothing ran yet. While a process runs its Err is nil.
func (r *Runner) LastResult() Result {
	r.mx.RLock()
	defer r.mx.RUnlock()
	return r.result
}

// Signal delivers sig to the running process.
func (r *Runner) Signal(sig os.Signal) error {
	r.mx.RLock()
	defer r.mx.RUnlock()
	if r.cmd == nil {
		return ErrRunNotStarted
	}
	return r.cmd.Process.Signal(sig)
}

// WriteStdin writes b to the standard input of the running process, which
// must have been started with Command.Stdin.
func (r *Runner) WriteStdin(b []byte) error {
	r.mx.RLock()
	defer r.mx.RUnlock()
	if r.cmd == nil {
		return ErrRunNotStarted
	}
	if r.stdin == nil {
		return errors.New("stdin not connected")
	}
	_, err := r.stdin.Write(b)
	return err
}

// Close kills a running process and closes ResultsChan. Safe to call more
// than once.
func (r *Runner) Close() {
	r.mx.Lock()
	defer r.mx.Unlock()
	if r.closed {
		return
	}
	r.closed = true
	if r.cancelFunc != nil {
		r.cancelFunc()
	}
	close(r.results)
}
