// Package evc implements the EVC (evolutionary version control) tree node
// (C4): lazy parent/child resolution and the composed parent+child views
// spec.md §4.4 describes, over the trial package's Trial entity.
package evc

import (
	"context"
	"fmt"

	"chronicle.dev/chronicle/store"
	"chronicle.dev/chronicle/trial"
	"chronicle.dev/chronicle/trial/attribute"
)

// Node wraps a trial.Trial with lazy access to its parent and children in
// the EVC tree. A Node resolves its parent on the first Parent call and
// loads its direct children as Nodes on the first Children call; neither
// walks further up or down the tree.
type Node struct {
	Trial *trial.Trial

	st store.Store

	parentResolved bool
	parent         *Node

	childrenResolved bool
	children         []*Node
}

// Load returns the Node for id, with its own trial view bounded by interval.
func Load(ctx context.Context, st store.Store, id trial.ID, interval attribute.Interval) (*Node, error) {
	t, err := trial.Load(ctx, st, id, interval)
	if err != nil {
		return nil, err
	}
	return &Node{Trial: t, st: st}, nil
}

// Wrap builds a Node around an already-loaded trial.
func Wrap(st store.Store, t *trial.Trial) *Node {
	return &Node{Trial: t, st: st}
}

// Parent lazily loads and caches this node's parent, bounded by the child's
// own refers.timestamp — the branch-visibility invariant of spec.md §3/§4.4:
// a child never sees parent events recorded after the instant it branched.
// Returns (nil, nil) if this trial has no parent.
func (n *Node) Parent(ctx context.Context) (*Node, error) {
	if n.parentResolved {
		return n.parent, nil
	}
	if n.Trial.Refers.ParentID == "" {
		n.parentResolved = true
		return nil, nil
	}
	p, err := Load(ctx, n.st, n.Trial.Refers.ParentID, attribute.Interval{Hi: n.Trial.Refers.RuntimeTimestamp})
	if err != nil {
		return nil, fmt.Errorf("evc: parent of %s: %w", n.Trial.ShortID(), err)
	}
	n.parent = p
	n.parentResolved = true
	return p, nil
}

// Children queries the header collection for trials whose refers.parent_id
// is this node's id, caching the result as lightweight unbounded Nodes.
func (n *Node) Children(ctx context.Context) ([]*Node, error) {
	if n.childrenResolved {
		return n.children, nil
	}
	docs, err := n.st.Read(ctx, trial.CollectionImmutables, store.Query{"refers.parent_id": n.Trial.ID}, store.WithProject("_id"))
	if err != nil {
		return nil, fmt.Errorf("evc: children of %s: %w", n.Trial.ShortID(), err)
	}
	children := make([]*Node, 0, len(docs))
	for _, d := range docs {
		id, _ := d["_id"].(string)
		if id == "" {
			continue
		}
		child, err := Load(ctx, n.st, id, attribute.Interval{})
		if err != nil {
			return nil, err
		}
		children = append(children, child)
	}
	n.children = children
	n.childrenResolved = true
	return children, nil
}
