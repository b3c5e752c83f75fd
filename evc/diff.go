package evc

import (
	"context"
	"fmt"
	"time"
)

// TimestampedValue is one entry of a Diff's Sequence: the value that was in
// effect from Timestamp onward.
type TimestampedValue struct {
	Timestamp time.Time
	Value     any
}

// Diff is the composed view of a field that may change across an EVC
// lineage: a bare Scalar when the value has never changed across the chain
// of ancestors visible to this node, or an ordered Sequence of
// (timestamp, value) pairs otherwise — spec.md §4.4's "scalar if unchanged,
// else ordered sequence" composition for configuration, host and version.
type Diff struct {
	Changed  bool
	Scalar   any
	Sequence []TimestampedValue
}

// ConfigurationDiff composes this node's configuration with its ancestors',
// keyed by configuration field name. A field that has never been
// overridden anywhere in the lineage reports as an unchanged Scalar; one
// that was, reports the ordered sequence of values it held, each stamped
// at the ancestor's end_time (for a value it inherited further up) or this
// node's own start_time (for the value it introduced).
func (n *Node) ConfigurationDiff(ctx context.Context) (map[string]Diff, error) {
	own := map[string]any{}
	for k, v := range n.Trial.Configuration {
		own[k] = v.Canon()
	}

	parent, err := n.Parent(ctx)
	if err != nil {
		return nil, err
	}
	if parent == nil {
		result := make(map[string]Diff, len(own))
		for k, v := range own {
			result[k] = Diff{Scalar: v}
		}
		return result, nil
	}

	parentDiff, err := parent.ConfigurationDiff(ctx)
	if err != nil {
		return nil, err
	}
	childStart, err := n.Trial.StartTime(ctx)
	if err != nil {
		return nil, fmt.Errorf("evc: configuration diff: %s start time: %w", n.Trial.ShortID(), err)
	}
	parentEnd, err := parent.Trial.EndTime(ctx)
	if err != nil {
		return nil, fmt.Errorf("evc: configuration diff: parent %s end time: %w", parent.Trial.ShortID(), err)
	}

	keys := make(map[string]struct{}, len(own)+len(parentDiff))
	for k := range own {
		keys[k] = struct{}{}
	}
	for k := range parentDiff {
		keys[k] = struct{}{}
	}

	result := make(map[string]Diff, len(keys))
	for k := range keys {
		childVal, childHas := own[k]
		pd := parentDiff[k]
		if childHas && !pd.Changed && fmt.Sprint(pd.Scalar) == fmt.Sprint(childVal) {
			result[k] = Diff{Scalar: childVal}
			continue
		}
		if !childHas {
			result[k] = pd
			continue
		}
		var seq []TimestampedValue
		if pd.Changed {
			seq = append(seq, pd.Sequence...)
		} else {
			seq = append(seq, TimestampedValue{Timestamp: parentEnd, Value: pd.Scalar})
		}
		seq = append(seq, TimestampedValue{Timestamp: childStart, Value: childVal})
		result[k] = Diff{Changed: true, Sequence: seq}
	}
	return result, nil
}

// HostDiff composes this node's host with its ancestors' into a single
// Diff, comparing whole Host values (a host is not itself keyed).
func (n *Node) HostDiff(ctx context.Context) (Diff, error) {
	return n.scalarDiff(ctx, func(node *Node) any { return node.Trial.Host.Canon() })
}

// VersionDiff composes this node's version with its ancestors' into a
// single Diff.
func (n *Node) VersionDiff(ctx context.Context) (Diff, error) {
	return n.scalarDiff(ctx, func(node *Node) any { return node.Trial.Version.Canon() })
}

func (n *Node) scalarDiff(ctx context.Context, extract func(*Node) any) (Diff, error) {
	own := extract(n)
	parent, err := n.Parent(ctx)
	if err != nil {
		return Diff{}, err
	}
	if parent == nil {
		return Diff{Scalar: own}, nil
	}
	pd, err := parent.scalarDiff(ctx, extract)
	if err != nil {
		return Diff{}, err
	}
	if !pd.Changed && fmt.Sprint(pd.Scalar) == fmt.Sprint(own) {
		return Diff{Scalar: own}, nil
	}
	childStart, err := n.Trial.StartTime(ctx)
	if err != nil {
		return Diff{}, fmt.Errorf("evc: diff: %s start time: %w", n.Trial.ShortID(), err)
	}
	parentEnd, err := parent.Trial.EndTime(ctx)
	if err != nil {
		return Diff{}, fmt.Errorf("evc: diff: parent %s end time: %w", parent.Trial.ShortID(), err)
	}
	var seq []TimestampedValue
	if pd.Changed {
		seq = append(seq, pd.Sequence...)
	} else {
		seq = append(seq, TimestampedValue{Timestamp: parentEnd, Value: pd.Scalar})
	}
	seq = append(seq, TimestampedValue{Timestamp: childStart, Value: own})
	return Diff{Changed: true, Sequence: seq}, nil
}
