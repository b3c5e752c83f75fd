package evc

import (
	"context"
	"fmt"

	"chronicle.dev/chronicle/trial/attribute"
)

// Stdout returns this node's stdout lines preceded by its parent's, per
// spec.md §4.4's parent-concat-child composition. The parent's contribution
// is itself already bounded at this node's refers.timestamp by Parent.
func (n *Node) Stdout(ctx context.Context) ([]any, error) { return n.composedList(ctx, "stdout") }

// Stderr returns this node's stderr lines preceded by its parent's.
func (n *Node) Stderr(ctx context.Context) ([]any, error) { return n.composedList(ctx, "stderr") }

// Statistics returns this node's recorded statistics preceded by its
// parent's.
func (n *Node) Statistics(ctx context.Context) ([]any, error) { return n.composedList(ctx, "statistics") }

func (n *Node) composedList(ctx context.Context, which string) ([]any, error) {
	parent, err := n.Parent(ctx)
	if err != nil {
		return nil, err
	}
	var out []any
	if parent != nil {
		parentValues, err := parent.composedList(ctx, which)
		if err != nil {
			return nil, err
		}
		out = append(out, parentValues...)
	}
	var own *attribute.List
	switch which {
	case "stdout":
		own = n.Trial.Stdout
	case "stderr":
		own = n.Trial.Stderr
	case "statistics":
		own = n.Trial.Statistics
	default:
		return nil, fmt.Errorf("evc: unknown list attribute %q", which)
	}
	values, err := own.Get(ctx)
	if err != nil {
		return nil, err
	}
	return append(out, values...), nil
}

// Artifacts returns a lazily-chained view of this node's artifacts preceded
// by its parent's, exactly spec.md §4.4's "get_artifacts returns a lazy
// chained iterator" — realized here as a slice built on demand rather than
// a Python-style generator, since Go has no equivalent lazy primitive that
// would be idiomatic for a bounded, in-memory result set.
func (n *Node) Artifacts(ctx context.Context) ([]attribute.FileRef, error) {
	parent, err := n.Parent(ctx)
	if err != nil {
		return nil, err
	}
	var out []attribute.FileRef
	if parent != nil {
		parentArtifacts, err := parent.Artifacts(ctx)
		if err != nil {
			return nil, err
		}
		out = append(out, parentArtifacts...)
	}
	own, err := n.Trial.Artifacts.Handles(ctx)
	if err != nil {
		return nil, err
	}
	return append(out, own...), nil
}
