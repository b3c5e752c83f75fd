// Package attribute implements the event-sourced attribute (C2): the three
// attribute kinds (item, list, file) spec.md §4.2 describes, each backed by
// a store.Store collection and constructed with (trialID, name, interval).
package attribute

import (
	"context"
	"errors"
	"fmt"
	"io"
	"sort"
	"strconv"
	"strings"
	"time"

	"chronicle.dev/chronicle/store"
)

// EventType is the kind of mutation an event records.
type EventType string

const (
	EventSet    EventType = "set"
	EventAdd    EventType = "add"
	EventRemove EventType = "remove"
)

// Event is one entry in an attribute's append-only log.
type Event struct {
	ID                string
	TrialID           string
	CreatorID         string
	CreationTimestamp time.Time
	RuntimeTimestamp  time.Time
	Type              EventType
	Item              any
}

// Interval bounds which events a Load sees by RuntimeTimestamp. A zero Lo or
// Hi means unbounded on that side; (zero, zero) means "all events". A
// non-zero Hi makes the attribute a read-only view: Register/Append/Set
// reject a call against a bounded attribute, per spec.md §4.2.
type Interval struct {
	Lo time.Time
	Hi time.Time
}

// ErrReadOnly is returned by a mutating call against an attribute loaded
// with a bounded interval.
var ErrReadOnly = errors.New("attribute: bounded interval is read-only")

// base is embedded by Item, List and File; it owns the store round-trips
// and sequence-number bookkeeping every event kind shares.
type base struct {
	st         store.Store
	collection string
	trialID    string
	interval   Interval

	events []Event
	loaded bool
}

func newBase(st store.Store, collection, trialID string, interval Interval) base {
	return base{st: st, collection: collection, trialID: trialID, interval: interval}
}

// Load replays the full event history for this attribute from the store.
// It must be called (directly, or implicitly via Get/Append/Set) before any
// read; repeated calls re-fetch and so pick up events appended concurrently
// by another process.
func (b *base) Load(ctx context.Context) error {
	docs, err := b.st.Read(ctx, b.collection, store.Query{"trial_id": b.trialID}, store.WithSort("_id"))
	if err != nil {
		return fmt.Errorf("attribute: load %s: %w", b.collection, err)
	}
	events := make([]Event, 0, len(docs))
	for _, d := range docs {
		events = append(events, docToEvent(d))
	}
	sort.Slice(events, func(i, j int) bool { return seqOf(events[i].ID) < seqOf(events[j].ID) })
	b.events = events
	b.loaded = true
	return nil
}

// visible returns the events within this attribute's interval bound,
// loading first if necessary.
func (b *base) visible(ctx context.Context) ([]Event, error) {
	if !b.loaded {
		if err := b.Load(ctx); err != nil {
			return nil, err
		}
	}
	if b.interval.Lo.IsZero() && b.interval.Hi.IsZero() {
		return b.events, nil
	}
	out := make([]Event, 0, len(b.events))
	for _, e := range b.events {
		if !b.interval.Lo.IsZero() && e.RuntimeTimestamp.Before(b.interval.Lo) {
			continue
		}
		if !b.interval.Hi.IsZero() && e.RuntimeTimestamp.After(b.interval.Hi) {
			continue
		}
		out = append(out, e)
	}
	return out, nil
}

// bounded reports whether this attribute's interval restricts visibility,
// making it read-only.
func (b *base) bounded() bool {
	return !b.interval.Hi.IsZero()
}

// append inserts a new event with the next sequence number for this trial's
// attribute. Sequence allocation is optimistic: two writers racing for the
// same seq produce one winner and one ErrDuplicateKey. The loser never sees
// that error; it reloads the history and retries with the next free number,
// as often as needed, so both writers' events end up recorded.
// This is for idempotent attributes only (heartbeat, tags, stdout, stderr,
// statistics); state-machine attributes use appendExclusive instead.
func (b *base) append(ctx context.Context, typ EventType, item any, runtimeTimestamp time.Time, creator string) (Event, error) {
	if b.bounded() {
		return Event{}, ErrReadOnly
	}
	if !b.loaded {
		if err := b.Load(ctx); err != nil {
			return Event{}, err
		}
	}
	if runtimeTimestamp.IsZero() {
		runtimeTimestamp = time.Now().UTC()
	}
	for {
		ev, err := b.insertNext(ctx, typ, item, runtimeTimestamp, creator)
		if errors.Is(err, store.ErrDuplicateKey) {
			if err := b.Load(ctx); err != nil {
				return Event{}, err
			}
			continue
		}
		if err != nil {
			return Event{}, fmt.Errorf("attribute: append %s: %w", b.collection, err)
		}
		return ev, nil
	}
}

// appendExclusive inserts a new event like append, but surfaces a
// duplicate-key race on the sequence number directly instead of retrying
// it. State-machine attributes (trial status) must abort a losing
// concurrent write as a race rather than silently reapply it at the next
// sequence number, per spec.md's reservation-exclusivity requirement.
func (b *base) appendExclusive(ctx context.Context, typ EventType, item any, runtimeTimestamp time.Time, creator string) (Event, error) {
	if b.bounded() {
		return Event{}, ErrReadOnly
	}
	if !b.loaded {
		if err := b.Load(ctx); err != nil {
			return Event{}, err
		}
	}
	if runtimeTimestamp.IsZero() {
		runtimeTimestamp = time.Now().UTC()
	}
	ev, err := b.insertNext(ctx, typ, item, runtimeTimestamp, creator)
	if err != nil {
		return Event{}, fmt.Errorf("attribute: append %s: %w", b.collection, err)
	}
	return ev, nil
}

// insertNext inserts one event at the next sequence number, returning
// store.ErrDuplicateKey unwrapped on a race so callers can choose whether
// to retry or surface it.
func (b *base) insertNext(ctx context.Context, typ EventType, item any, runtimeTimestamp time.Time, creator string) (Event, error) {
	seq := len(b.events) + 1
	ev := Event{
		ID:                fmt.Sprintf("%s.%d", b.trialID, seq),
		TrialID:           b.trialID,
		CreatorID:         creator,
		CreationTimestamp: time.Now().UTC(),
		RuntimeTimestamp:  runtimeTimestamp,
		Type:              typ,
		Item:              item,
	}
	if err := b.st.Insert(ctx, b.collection, eventToDoc(ev)); err != nil {
		return Event{}, err
	}
	b.events = append(b.events, ev)
	return ev, nil
}

func seqOf(id string) int {
	i := strings.LastIndex(id, ".")
	if i < 0 {
		return 0
	}
	n, _ := strconv.Atoi(id[i+1:])
	return n
}

func eventToDoc(e Event) store.Document {
	return store.Document{
		"_id":                e.ID,
		"trial_id":           e.TrialID,
		"creator_id":         e.CreatorID,
		"creation_timestamp": e.CreationTimestamp,
		"runtime_timestamp":  e.RuntimeTimestamp,
		"type":               string(e.Type),
		"item":               e.Item,
	}
}

func docToEvent(d store.Document) Event {
	e := Event{
		ID:      asString(d["_id"]),
		TrialID: asString(d["trial_id"]),
		Type:    EventType(asString(d["type"])),
		Item:    d["item"],
	}
	if v, ok := d["creator_id"]; ok {
		e.CreatorID = asString(v)
	}
	if v, ok := d["creation_timestamp"]; ok {
		e.CreationTimestamp = asTime(v)
	}
	if v, ok := d["runtime_timestamp"]; ok {
		e.RuntimeTimestamp = asTime(v)
	}
	return e
}

func asString(v any) string {
	s, _ := v.(string)
	return s
}

func asTime(v any) time.Time {
	if t, ok := v.(time.Time); ok {
		return t
	}
	return time.Time{}
}

// drainReader is used by File.Register to buffer a blob's content before
// handing it to the store's WriteFile call.
func drainReader(r io.Reader) ([]byte, error) {
	return io.ReadAll(r)
}
