package trial

import (
	"context"
	"errors"
	"fmt"
	"time"

	"chronicle.dev/chronicle/cmdline"
	"chronicle.dev/chronicle/store"
	"chronicle.dev/chronicle/trial/attribute"
)

// Branch creates a new trial that continues from parentID, following
// spec.md §4.3.4's four-step algorithm:
//
//  1. Load the parent trial as a view bounded at (nil, timestamp) — if
//     timestamp is zero, it is resolved to the parent's own current
//     end_time, read back from the store after the parent's status has
//     been refreshed, never the caller's wall-clock time (a stored value
//     sub-millisecond-rounds differently than a freshly captured one, which
//     would make the branch's hash unreproducible).
//  2. Merge the parent's configuration with overrides via a
//     parse-format-parse round trip through cmdline, so the child's
//     commandline and configuration stay consistent with each other.
//  3. Use localVersion as the child's version (VCS inference is out of
//     scope for this module; callers resolve it externally).
//  4. Save the child with refers pointing at the parent at the resolved
//     timestamp. A duplicate-key on save means a sibling already branched
//     with an identical header, surfaced as ErrRaceCondition.
func Branch(ctx context.Context, st store.Store, parentID ID, overrides Configuration, timestamp time.Time, localHost Host, localVersion Version) (*Trial, error) {
	parent, err := Load(ctx, st, parentID, attribute.Interval{Hi: timestamp})
	if err != nil {
		return nil, fmt.Errorf("trial: branch: load parent %s: %w", ShortID(parentID), err)
	}

	resolvedTimestamp := timestamp
	if resolvedTimestamp.IsZero() {
		resolvedTimestamp, err = parent.EndTime(ctx)
		if err != nil {
			return nil, fmt.Errorf("trial: branch: parent %s end time: %w", parent.ShortID(), err)
		}
		// Reload the parent bounded at the stored end_time, not the value
		// just computed in-process, so later branches of the same parent
		// at the "current" timestamp all resolve to the identical bound.
		parent, err = Load(ctx, st, parentID, attribute.Interval{Hi: resolvedTimestamp})
		if err != nil {
			return nil, fmt.Errorf("trial: branch: reload parent %s: %w", ShortID(parentID), err)
		}
	}

	tmpl, parentConfig, err := cmdline.Parse(parent.Commandline)
	if err != nil {
		return nil, fmt.Errorf("trial: branch: parse parent commandline: %w", err)
	}
	merged := cmdline.Merge(parentConfig, overrides)
	argv, err := cmdline.Format(tmpl, merged)
	if err != nil {
		return nil, fmt.Errorf("trial: branch: format merged configuration: %w", err)
	}
	_, configuration, err := cmdline.Parse(argv)
	if err != nil {
		return nil, fmt.Errorf("trial: branch: reparse merged commandline: %w", err)
	}

	refers := Refers{ParentID: parentID, RuntimeTimestamp: resolvedTimestamp}
	child := New(st, refers, localHost, localVersion, Commandline(argv), configuration)
	if err := child.Save(ctx); err != nil {
		if errors.Is(err, ErrRaceCondition) {
			return nil, fmt.Errorf("trial: branch already exists with id %q: %w", child.ShortID(), ErrRaceCondition)
		}
		return nil, fmt.Errorf("trial: branch: save child: %w", err)
	}
	return child, nil
}
