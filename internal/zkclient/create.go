package zkclient

import (
	"errors"

	"github.com/go-zookeeper/zk"

	"github.com/CZERTAINLY/Herald/internal/future"
)

type createStep int

const (
	stepAttemptLeaf createStep = iota
	stepCreateParent
	stepRetryLeaf
)

func (s createStep) String() string {
	switch s {
	case stepAttemptLeaf:
		return "attempt_leaf"
	case stepCreateParent:
		return "create_parent"
	case stepRetryLeaf:
		return "retry_leaf"
	default:
		return "unknown"
	}
}

// createOp is one create call with parent creation: attempt the leaf, on a
// missing parent create the parent recursively, then retry the leaf once.
// Every step is a continuation of the previous future, nothing blocks.
//
// ignoreExists is set for ancestors only. A concurrent creator of the same
// ancestor makes the ancestor exist, which is all this call needs.
type createOp struct {
	c            *Client
	path         string
	data         []byte
	mode         CreateMode
	createParent bool
	ignoreExists bool
	result       *future.Future[string]
}

func startCreate(c *Client, abs string, data []byte, mode CreateMode, createParent, ignoreExists bool) *future.Future[string] {
	op := &createOp{
		c:            c,
		path:         abs,
		data:         data,
		mode:         mode,
		createParent: createParent,
		ignoreExists: ignoreExists,
		result:       future.New[string](abs),
	}
	op.step(stepAttemptLeaf, nil)
	return op.result
}

func (op *createOp) step(step createStep, cause error) {
	switch step {
	case stepAttemptLeaf, stepRetryLeaf:
		op.c.createAbs(op.path, op.data, op.mode).OnComplete(future.Inline, func(name string, err error) {
			if err == nil {
				op.result.Set(name)
				return
			}
			op.failed(step, err)
		})
	case stepCreateParent:
		parent := startCreate(op.c, parentOf(op.path), nil, Persistent, true, true)
		parent.OnComplete(future.Inline, func(_ string, err error) {
			if err != nil {
				op.result.Fail(err)
				return
			}
			op.step(stepRetryLeaf, nil)
		})
	default:
		op.result.Fail(cause)
	}
}

func (op *createOp) failed(step createStep, err error) {
	if op.ignoreExists && errors.Is(err, zk.ErrNodeExists) {
		op.result.Set(op.path)
		return
	}
	if !errors.Is(err, zk.ErrNoNode) || !op.createParent || step == stepRetryLeaf {
		op.result.Fail(err)
		return
	}
	if parent := parentOf(op.path); parent == "/" || parent == "" {
		op.result.Fail(err)
		return
	}
	op.step(stepCreateParent, err)
}
