package attribute

import (
	"context"
	"time"

	"chronicle.dev/chronicle/store"
)

// Item is an event-sourced attribute whose value is replaced wholesale on
// each write (spec.md's "item" kind, e.g. status). Get returns the most
// recent Set event's payload.
type Item struct {
	base
}

// NewItem constructs an Item attribute over collection, scoped to trialID
// and bounded by interval.
func NewItem(st store.Store, collection, trialID string, interval Interval) *Item {
	b := newBase(st, collection, trialID, interval)
	return &Item{base: b}
}

// Load replays this attribute's event history.
func (i *Item) Load(ctx context.Context) error { return i.base.Load(ctx) }

// Get returns the most recently set value, and whether any Set event has
// ever been recorded.
func (i *Item) Get(ctx context.Context) (any, bool, error) {
	events, err := i.visible(ctx)
	if err != nil {
		return nil, false, err
	}
	if len(events) == 0 {
		return nil, false, nil
	}
	last := events[len(events)-1]
	return last.Item, true, nil
}

// History returns every Set event recorded for this attribute, in sequence
// order.
func (i *Item) History(ctx context.Context) ([]Event, error) {
	return i.visible(ctx)
}

// Set appends a new value. runtimeTimestamp may be zero to use the current
// time. Unlike List/File, a sequence-number race on Set is not retried: it
// is surfaced as store.ErrDuplicateKey so a state-machine transition (the
// only caller of Item.Set in this module) can translate it into
// ErrRaceCondition instead of silently reapplying to the next sequence.
func (i *Item) Set(ctx context.Context, item any, runtimeTimestamp time.Time, creator string) (Event, error) {
	return i.appendExclusive(ctx, EventSet, item, runtimeTimestamp, creator)
}
