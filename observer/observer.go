// Package observer restores the TrialObserver hook interface spec.md's
// distillation dropped from original_source/src/kleio/observer/base.py: a
// set of lifecycle hooks worker.Consumer calls as a trial moves through its
// states, so a separate process (a dashboard, a live "tail" of a running
// trial) can watch it without polling the store.
package observer

import (
	"context"
	"time"

	"chronicle.dev/chronicle/trial"
)

// Observer is notified of a trial's lifecycle transitions. Every method is
// best-effort: an Observer should not block or fail the trial it is
// observing, so worker.Consumer logs but does not propagate Observer errors.
type Observer interface {
	// Started is called once a worker begins running the trial's process.
	Started(ctx context.Context, id trial.ID, at time.Time) error
	// Heartbeat is called each time the worker's heartbeat loop confirms
	// the trial is still running.
	Heartbeat(ctx context.Context, id trial.ID, at time.Time) error
	// Completed is called when the trial's process exits successfully.
	Completed(ctx context.Context, id trial.ID, at time.Time) error
	// Interrupted is called when the trial is suspended or interrupted.
	Interrupted(ctx context.Context, id trial.ID, at time.Time) error
	// Failed is called when the trial's process exits with an error, or the
	// worker itself errors while running it.
	Failed(ctx context.Context, id trial.ID, at time.Time, cause error) error
}
