// Package state defines the lifecycle of a run as published in its state node.
package state

import (
	"encoding/json"
	"fmt"
	"runtime"
	"strings"
)

type State int32

const (
	// Unknown means no state was observed yet.
	Unknown State = iota
	Starting
	Running
	Stopping
	Terminated
	Failed
)

var names = [...]string{
	Unknown:    "UNKNOWN",
	Starting:   "STARTING",
	Running:    "RUNNING",
	Stopping:   "STOPPING",
	Terminated: "TERMINATED",
	Failed:     "FAILED",
}

func (s State) String() string {
	if s < 0 || int(s) >= len(names) {
		return fmt.Sprintf("State(%d)", int32(s))
	}
	return names[s]
}

// Terminal reports states after which a run never changes again.
func (s State) Terminal() bool {
	return s == Terminated || s == Failed
}

func Parse(s string) (State, error) {
	for i, n := range names {
		if strings.EqualFold(n, s) {
			return State(i), nil
		}
	}
	return Unknown, fmt.Errorf("unknown state %q", s)
}

func (s State) MarshalText() ([]byte, error) {
	if s <= Unknown || int(s) >= len(names) {
		return nil, fmt.Errorf("state %s can't be published", s)
	}
	return []byte(s.String()), nil
}

func (s *State) UnmarshalText(b []byte) error {
	v, err := Parse(string(b))
	if err != nil {
		return err
	}
	*s = v
	return nil
}

// StackTraceElement is one frame of the stack of a failed run.
type StackTraceElement struct {
	DeclaringClass string `json:"declaringClass"`
	MethodName     string `json:"methodName"`
	FileName       string `json:"fileName,omitempty"`
	LineNumber     int    `json:"lineNumber"`
}

func (e StackTraceElement) String() string {
	return fmt.Sprintf("%s.%s(%s:%d)", e.DeclaringClass, e.MethodName, e.FileName, e.LineNumber)
}

// StateNode is the payload of /<run>/state.
type StateNode struct {
	State      State               `json:"state"`
	StackTrace []StackTraceElement `json:"stackTrace,omitempty"`
}

func Encode(n StateNode) ([]byte, error) {
	return json.Marshal(n)
}

// Decode parses a state node payload. A missing or empty payload means the
// run is gone and decodes as Terminated.
func Decode(data []byte) (StateNode, error) {
	if len(strings.TrimSpace(string(data))) == 0 {
		return StateNode{State: Terminated}, nil
	}
	var n StateNode
	if err := json.Unmarshal(data, &n); err != nil {
		return StateNode{}, fmt.Errorf("decoding state node: %w", err)
	}
	return n, nil
}

// Capture returns the stack of the calling goroutine. skip 0 starts at the
// caller of Capture.
func Capture(skip int) []StackTraceElement {
	pc := make([]uintptr, 64)
	n := runtime.Callers(skip+2, pc)
	frames := runtime.CallersFrames(pc[:n])

	var out []StackTraceElement
	for {
		f, more := frames.Next()
		if f.Function != "" {
			class, method := splitFunction(f.Function)
			out = append(out, StackTraceElement{
				DeclaringClass: class,
				MethodName:     method,
				FileName:       f.File,
				LineNumber:     f.Line,
			})
		}
		if !more {
			return out
		}
	}
}

// splitFunction splits "github.com/x/pkg.(*T).M" into "github.com/x/pkg.(*T)" and "M".
func splitFunction(fn string) (string, string) {
	slash := strings.LastIndexByte(fn, '/')
	i := strings.LastIndexByte(fn[slash+1:], '.')
	if i < 0 {
		return "", fn
	}
	i += slash + 1
	return fn[:i], fn[i+1:]
}
