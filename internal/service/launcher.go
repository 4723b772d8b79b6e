package service

import (
	"context"

	"github.com/CZERTAINLY/Herald/internal/model"
)

// Launcher starts the remote side of a run. The launched process is
// expected to register /instances/<runID> and publish its state under
// /<runID>/state.
type Launcher interface {
	Launch(ctx context.Context, runID string, r model.Runnable) (Handle, error)
}

// Handle releases what a launcher holds for one run. Closing a handle of a
// run still alive terminates it without a chance to report its state.
type Handle interface {
	Close() error
}

// LauncherFunc adapts a function to Launcher.
type LauncherFunc func(ctx context.Context, runID string, r model.Runnable) (Handle, error)

func (f LauncherFunc) Launch(ctx context.Context, runID string, r model.Runnable) (Handle, error) {
	return f(ctx, runID, r)
}
