package orchestrator

import (
	"context"
	"sync"
	"time"

	"github.com/anumate/control-plane/pkg/errs"
)

// runActor serializes control signals for one run. The lifecycle
// goroutine observes the flags at suspension points between steps; the
// HTTP surface only flips them.
type runActor struct {
	mu        sync.Mutex
	cancelled bool
	paused    bool
	wake      chan struct{}
}

func newRunActor() *runActor {
	return &runActor{wake: make(chan struct{}, 1)}
}

func (a *runActor) signal() {
	select {
	case a.wake <- struct{}{}:
	default:
	}
}

func (a *runActor) requestCancel() {
	a.mu.Lock()
	a.cancelled = true
	a.mu.Unlock()
	a.signal()
}

func (a *runActor) requestPause() {
	a.mu.Lock()
	a.paused = true
	a.mu.Unlock()
	a.signal()
}

func (a *runActor) requestResume() {
	a.mu.Lock()
	a.paused = false
	a.mu.Unlock()
	a.signal()
}

func (a *runActor) state() (cancelled, paused bool) {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.cancelled, a.paused
}

// errRunCancelled is the internal signal that a checkpoint observed a
// cancel request. The lifecycle maps it to the Cancelled state.
var errRunCancelled = errs.New(errs.KindConflict, "RUN_CANCELLED", "run was cancelled")

// checkpoint is a suspension point. It returns errRunCancelled on a
// pending cancel, parks the run in Paused while a pause is requested, and
// returns nil once execution may proceed.
func (o *Orchestrator) checkpoint(ctx context.Context, actor *runActor, run *Run) error {
	for {
		cancelled, paused := actor.state()
		if cancelled {
			return errRunCancelled
		}
		if !paused {
			if run.Status == StatusPaused {
				if err := o.transition(ctx, run, StatusRunning); err != nil {
					return err
				}
			}
			return nil
		}
		if run.Status == StatusRunning {
			if err := o.transition(ctx, run, StatusPaused); err != nil {
				return err
			}
		}
		select {
		case <-ctx.Done():
			return errRunCancelled
		case <-actor.wake:
		case <-time.After(o.cfg.SignalPollInterval):
		}
	}
}
