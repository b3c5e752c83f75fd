package attribute

import (
	"context"
	"fmt"
	"time"

	"chronicle.dev/chronicle/store"
)

// List is an event-sourced attribute whose value accumulates via Add/Remove
// events (spec.md's "list" kind, e.g. tags). Get replays the full history
// into the current set of members.
type List struct {
	base
}

// NewList constructs a List attribute over collection, scoped to trialID
// and bounded by interval.
func NewList(st store.Store, collection, trialID string, interval Interval) *List {
	return &List{base: newBase(st, collection, trialID, interval)}
}

// Load replays this attribute's event history.
func (l *List) Load(ctx context.Context) error { return l.base.Load(ctx) }

// Get replays Add/Remove events into the current member list, in the order
// members were added; a later Remove drops a member regardless of when it
// was added.
func (l *List) Get(ctx context.Context) ([]any, error) {
	events, err := l.visible(ctx)
	if err != nil {
		return nil, err
	}
	var order []string
	present := make(map[string]any)
	for _, e := range events {
		key := fmt.Sprint(e.Item)
		switch e.Type {
		case EventAdd:
			if _, ok := present[key]; !ok {
				order = append(order, key)
			}
			present[key] = e.Item
		case EventRemove:
			delete(present, key)
			for i, k := range order {
				if k == key {
					order = append(order[:i], order[i+1:]...)
					break
				}
			}
		}
	}
	out := make([]any, 0, len(order))
	for _, k := range order {
		if v, ok := present[k]; ok {
			out = append(out, v)
		}
	}
	return out, nil
}

// Append records an Add event for item.
func (l *List) Append(ctx context.Context, item any, runtimeTimestamp time.Time, creator string) (Event, error) {
	return l.append(ctx, EventAdd, item, runtimeTimestamp, creator)
}

// Remove records a Remove event for item.
func (l *List) Remove(ctx context.Context, item any, runtimeTimestamp time.Time, creator string) (Event, error) {
	return l.append(ctx, EventRemove, item, runtimeTimestamp, creator)
}
