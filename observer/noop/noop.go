// Package noop provides the default, no-op Observer.
package noop

import (
	"context"
	"time"

	"chronicle.dev/chronicle/observer"
	"chronicle.dev/chronicle/trial"
)

type noop struct{}

// New returns an Observer whose every method is a no-op.
func New() observer.Observer { return noop{} }

func (noop) Started(context.Context, trial.ID, time.Time) error     { return nil }
func (noop) Heartbeat(context.Context, trial.ID, time.Time) error   { return nil }
func (noop) Completed(context.Context, trial.ID, time.Time) error   { return nil }
func (noop) Interrupted(context.Context, trial.ID, time.Time) error { return nil }
func (noop) Failed(context.Context, trial.ID, time.Time, error) error { return nil }
