// Package service launches and supervises runs of configured runnables.
//
// Overview
// The Supervisor owns an event loop and the set of active runs. A launch
// request creates a run id, asks the Launcher to start the remote side and
// attaches a controller.Controller to the run. The controller reports the
// lifecycle of the run back to the loop, which records it in the store and
// reports finished runs.
//
// Runner is a thin, opinionated wrapper around os/exec:
//   - starts the process
//   - optionally connects stdin for commands
//   - captures stdout
//   - optionally captures stderr (extra goroutine)
//   - exposes a channel of Result values
//
// Data flow:
//
//	Supervisor              Launcher               agent (remote)
//	    |                      |                       |
//	Start(name) -> launch ---->| Launch(runID) ------->| /instances/R, /R/state
//	    |                      |                       |
//	    |<--- Controller: state changes of /R/state ---|
//	    |---- Command -> /R/messages/msg* ------------>|
//	    |---- shutdown: Stop -> stop message --------->| exits, removes /instances/R
//
// Invariants:
//   - Every run has exactly one controller for its lifetime.
//   - A run leaves the active set once its controller observed a terminal state.
//   - On shutdown, active runs are stopped in parallel and each stop is bounded.
//   - Each finished run produces one Report.
//
// internal/service/service_test.go is the best source about how to properly use
// the Supervisor struct.
package service
