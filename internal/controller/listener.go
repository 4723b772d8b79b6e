package controller

import (
	"log/slog"

	"github.com/CZERTAINLY/Herald/internal/future"
	"github.com/CZERTAINLY/Herald/internal/state"
)

// Listener receives lifecycle stages of a run, each at most once.
type Listener interface {
	Starting()
	Running()
	Stopping()
	Terminated()
	Failed(trace []state.StackTraceElement)
}

// ListenerAdapter implements Listener with no-ops, embed it to override a subset.
type ListenerAdapter struct{}

func (ListenerAdapter) Starting()                          {}
func (ListenerAdapter) Running()                           {}
func (ListenerAdapter) Stopping()                          {}
func (ListenerAdapter) Terminated()                        {}
func (ListenerAdapter) Failed(_ []state.StackTraceElement) {}

type registration struct {
	listener Listener
	exec     future.Executor
}

// dispatcher fans stages out to registered listeners. A stage is delivered
// once per controller; a listener added later does not see earlier stages.
type dispatcher struct {
	runID     string
	listeners []registration
	delivered map[state.State]bool
}

// claim marks s as delivered. It fails for a stage already delivered and for
// any terminal stage once one terminal stage was delivered.
func (d *dispatcher) claim(s state.State) bool {
	if d.delivered[s] {
		return false
	}
	if s.Terminal() && (d.delivered[state.Terminated] || d.delivered[state.Failed]) {
		return false
	}
	d.delivered[s] = true
	return true
}

func (d *dispatcher) call(regs []registration, s state.State, fn func(Listener)) {
	for _, r := range regs {
		r.exec.Execute(func() {
			defer func() {
				if p := recover(); p != nil {
					slog.Warn("listener panicked", "run_id", d.runID, "state", s, "panic", p)
				}
			}()
			fn(r.listener)
		})
	}
}
