package future

// Executor runs tasks. Implementations decide on which goroutine.
type Executor interface {
	Execute(task func())
}

// ExecutorFunc adapts a function to an Executor.
type ExecutorFunc func(task func())

func (f ExecutorFunc) Execute(task func()) {
	f(task)
}

var (
	// Inline runs the task on the calling goroutine.
	Inline Executor = ExecutorFunc(func(task func()) { task() })
	// Async runs every task on a new goroutine.
	Async Executor = ExecutorFunc(func(task func()) { go task() })
)
