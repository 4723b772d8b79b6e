package future

import (
	"context"
	"errors"
	"sync"
)

// ErrAlreadyResolved is returned by Resolve when the future already holds a value or a failure.
var ErrAlreadyResolved = errors.New("future already resolved")

// Future is a single assignment result of one asynchronous operation. It is
// bound to a request path, which is reported in diagnostics only.
//
// A Future is resolved exactly once by Set or Fail. Callbacks registered with
// OnComplete are scheduled on their Executor once the value is known; they never
// block the resolving goroutine beyond the Executor's own Execute call.
type Future[T any] struct {
	path      string
	mx        sync.Mutex
	done      chan struct{}
	value     T
	err       error
	callbacks []func()
}

func New[T any](path string) *Future[T] {
	return &Future[T]{
		path: path,
		done: make(chan struct{}),
	}
}

// Immediate returns a future already resolved to v.
func Immediate[T any](path string, v T) *Future[T] {
	f := New[T](path)
	f.Set(v)
	return f
}

// Failed returns a future already resolved to err.
func Failed[T any](path string, err error) *Future[T] {
	f := New[T](path)
	f.Fail(err)
	return f
}

func (f *Future[T]) Path() string {
	return f.path
}

// Set resolves the future with a value. It returns false if it was resolved before.
func (f *Future[T]) Set(v T) bool {
	return f.resolve(v, nil) == nil
}

// Fail resolves the future with an error. It returns false if it was resolved before.
func (f *Future[T]) Fail(err error) bool {
	var zero T
	return f.resolve(zero, err) == nil
}

func (f *Future[T]) resolve(v T, err error) error {
	f.mx.Lock()
	select {
	case <-f.done:
		f.mx.Unlock()
		return ErrAlreadyResolved
	default:
	}
	f.value = v
	f.err = err
	close(f.done)
	callbacks := f.callbacks
	f.callbacks = nil
	f.mx.Unlock()

	for _, cb := range callbacks {
		cb()
	}
	return nil
}

// Done is closed once the future is resolved.
func (f *Future[T]) Done() <-chan struct{} {
	return f.done
}

// Peek returns the outcome without blocking. ok is false while unresolved.
func (f *Future[T]) Peek() (v T, ok bool, err error) {
	select {
	case <-f.done:
		return f.value, true, f.err
	default:
		var zero T
		return zero, false, nil
	}
}

// Get blocks until the future is resolved or ctx is done. Futures of
// coordination calls issued against an expired session may never resolve, so
// callers must pass a context with a deadline.
func (f *Future[T]) Get(ctx context.Context) (T, error) {
	select {
	case <-f.done:
		return f.value, f.err
	case <-ctx.Done():
		var zero T
		return zero, ctx.Err()
	}
}

// OnComplete schedules fn on exec once the future is resolved.
func (f *Future[T]) OnComplete(exec Executor, fn func(T, error)) {
	run := func() {
		exec.Execute(func() {
			fn(f.value, f.err)
		})
	}
	f.mx.Lock()
	select {
	case <-f.done:
		f.mx.Unlock()
		run()
		return
	default:
	}
	f.callbacks = append(f.callbacks, run)
	f.mx.Unlock()
}

// Then chains an asynchronous continuation onto f. A failure of f skips fn and
// is propagated to the returned future.
func Then[T, U any](f *Future[T], exec Executor, fn func(T) *Future[U]) *Future[U] {
	result := New[U](f.Path())
	f.OnComplete(exec, func(v T, err error) {
		if err != nil {
			result.Fail(err)
			return
		}
		next := fn(v)
		if next == nil {
			var zero U
			result.Set(zero)
			return
		}
		next.OnComplete(Inline, func(u U, err error) {
			result.resolve(u, err)
		})
	})
	return result
}

// Map transforms the value of f.
func Map[T, U any](f *Future[T], exec Executor, fn func(T) (U, error)) *Future[U] {
	result := New[U](f.Path())
	f.OnComplete(exec, func(v T, err error) {
		if err != nil {
			result.Fail(err)
			return
		}
		result.resolve(fn(v))
	})
	return result
}

// Recover replaces a failure of f by the outcome of fn. A nil future from fn
// recovers to the zero value.
func Recover[T any](f *Future[T], exec Executor, fn func(error) *Future[T]) *Future[T] {
	result := New[T](f.Path())
	f.OnComplete(exec, func(v T, err error) {
		if err == nil {
			result.Set(v)
			return
		}
		next := fn(err)
		if next == nil {
			var zero T
			result.Set(zero)
			return
		}
		next.OnComplete(Inline, func(v T, err error) {
			result.resolve(v, err)
		})
	})
	return result
}
