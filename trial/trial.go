package trial

import (
	"context"
	"errors"
	"fmt"
	"time"

	"chronicle.dev/chronicle/store"
	"chronicle.dev/chronicle/trial/attribute"
)

// Collection names, exactly spec.md §6's schema table.
const (
	CollectionImmutables = "trials.immutables"
	CollectionReports    = "trials.reports"
	CollectionStatus     = "status"
	CollectionTags       = "tags"
	CollectionStdout     = "stdout"
	CollectionStderr     = "stderr"
	CollectionStatistics = "statistics"
	CollectionArtifacts  = "artifacts"
)

// Sentinel errors, spec.md §7's error handling table.
var (
	// ErrInvalidState is returned when a caller requests a status
	// transition the state machine does not allow from the trial's
	// current status.
	ErrInvalidState = errors.New("trial: invalid state transition")
	// ErrRaceCondition is returned when two workers raced to perform the
	// same mutually-exclusive operation (reserve, branch) and this caller
	// lost.
	ErrRaceCondition = errors.New("trial: race condition")
	// ErrNotFound is returned by Load when no trial exists with the given id.
	ErrNotFound = store.ErrNotFound
)

// Trial is the C3 trial entity: five immutable header fields plus the
// attribute set an experiment accumulates over its lifetime. Construction is
// eager about computing ID; all store I/O is lazy until Save or an
// attribute method is called.
type Trial struct {
	Header

	st       store.Store
	interval attribute.Interval
	saved    bool

	Status     *attribute.Item
	Tags       *attribute.List
	Stdout     *attribute.List
	Stderr     *attribute.List
	Statistics *attribute.List
	Artifacts  *attribute.File
}

// New constructs a Trial from its immutable header fields, computing its ID.
// The trial is not persisted until Save is called.
func New(st store.Store, refers Refers, host Host, version Version, commandline Commandline, configuration Configuration) *Trial {
	h := Header{
		Refers:        refers,
		Host:          host,
		Version:       version,
		Commandline:   commandline,
		Configuration: configuration,
	}
	h.ID = Hash(refers, host, version, commandline, configuration)
	return build(st, h, attribute.Interval{})
}

func build(st store.Store, h Header, interval attribute.Interval) *Trial {
	return &Trial{
		Header:     h,
		st:         st,
		interval:   interval,
		Status:     attribute.NewItem(st, CollectionStatus, h.ID, interval),
		Tags:       attribute.NewList(st, CollectionTags, h.ID, interval),
		Stdout:     attribute.NewList(st, CollectionStdout, h.ID, interval),
		Stderr:     attribute.NewList(st, CollectionStderr, h.ID, interval),
		Statistics: attribute.NewList(st, CollectionStatistics, h.ID, interval),
		Artifacts:  attribute.NewFile(st, CollectionArtifacts, h.ID, interval),
	}
}

// Load fetches a trial's header by id and returns it with attributes bound
// to interval. If interval is non-zero on its Hi bound, the returned Trial
// is a read-only view restricted to events up to that bound (spec.md
// §4.2/§4.3's "view" construction).
func Load(ctx context.Context, st store.Store, id ID, interval attribute.Interval) (*Trial, error) {
	docs, err := st.Read(ctx, CollectionImmutables, store.Query{"_id": id})
	if err != nil {
		return nil, fmt.Errorf("trial: load %s: %w", ShortID(id), err)
	}
	if len(docs) == 0 {
		return nil, fmt.Errorf("trial: load %s: %w", ShortID(id), ErrNotFound)
	}
	h := headerFromDoc(docs[0])
	return build(st, h, interval), nil
}

// Save persists the trial's immutable header and its initial `new` status
// event. Calling Save a second time on the same in-process Trial value is a
// no-op (spec.md §8's round-trip property), but a header insert that
// collides with a trial this process did not itself create — two workers
// independently computing the same content-addressed ID, as in a branch
// race — is not swallowed: it is returned as ErrRaceCondition, since the
// caller needs to know it lost the race rather than assume its write stuck.
func (t *Trial) Save(ctx context.Context) error {
	if t.saved {
		return nil
	}
	err := t.st.Insert(ctx, CollectionImmutables, headerToDoc(t.Header))
	if errors.Is(err, store.ErrDuplicateKey) {
		return fmt.Errorf("trial: save %s: already exists: %w", t.ShortID(), ErrRaceCondition)
	}
	if err != nil {
		return fmt.Errorf("trial: save %s: %w", t.ShortID(), err)
	}
	if _, err := t.Status.Set(ctx, StatusNew, time.Time{}, ""); err != nil {
		return fmt.Errorf("trial: save initial status for %s: %w", t.ShortID(), err)
	}
	if err := t.writeReport(ctx, StatusNew); err != nil {
		return err
	}
	t.saved = true
	return nil
}

// ShortID returns the first 7 hex characters of this trial's ID.
func (t *Trial) ShortID() string { return ShortID(t.ID) }

// CurrentStatus returns the trial's current status. The status history is
// loaded from the store on first use; later calls read the cached history
// and do not see events written since (call t.Status.Load to refresh).
func (t *Trial) CurrentStatus(ctx context.Context) (Status, error) {
	v, ok, err := t.Status.Get(ctx)
	if err != nil {
		return "", err
	}
	if !ok {
		return "", fmt.Errorf("trial: %s: %w", t.ShortID(), ErrNotFound)
	}
	s, _ := v.(Status)
	if s == "" {
		s = Status(fmt.Sprint(v))
	}
	return s, nil
}

// transition validates and records a status change, then rewrites the
// report document. It is the single place duplicate-key errors from the
// underlying status event are distinguished from an illegal transition, per
// the Design Note in spec.md §9 centralizing that translation.
func (t *Trial) transition(ctx context.Context, to Status) error {
	current, err := t.CurrentStatus(ctx)
	if err != nil {
		return err
	}
	if !canTransition(current, to) {
		return fmt.Errorf("trial: %s: %s -> %s: %w", t.ShortID(), current, to, ErrInvalidState)
	}
	if _, err := t.Status.Set(ctx, to, time.Time{}, ""); err != nil {
		return fmt.Errorf("trial: %s: transition to %s: %w", t.ShortID(), to, err)
	}
	return t.writeReport(ctx, to)
}

// Reserve moves the trial from a reservable status to reserved. It is the
// sole mechanism enforcing "at most one worker observes running at a time":
// the underlying Status.Set call's sequence allocation is a store-level
// insert, so two workers racing to reserve the same trial produce one
// success and one duplicate-key failure surfaced as ErrRaceCondition.
func (t *Trial) Reserve(ctx context.Context) error {
	current, err := t.CurrentStatus(ctx)
	if err != nil {
		return err
	}
	if !IsReservable(current) {
		return fmt.Errorf("trial: %s: not reservable from %s: %w", t.ShortID(), current, ErrInvalidState)
	}
	if err := t.transition(ctx, StatusReserved); err != nil {
		if errors.Is(err, store.ErrDuplicateKey) {
			return fmt.Errorf("trial: %s: reserve: %w", t.ShortID(), ErrRaceCondition)
		}
		return err
	}
	return nil
}

// Run moves the trial from reserved to running.
func (t *Trial) Run(ctx context.Context) error { return t.transition(ctx, StatusRunning) }

// Heartbeat re-records running. The new status event's timestamp becomes
// the trial's EndTime, which Cure compares against its staleness threshold.
func (t *Trial) Heartbeat(ctx context.Context) error { return t.transition(ctx, StatusRunning) }

// Complete moves the trial from running to completed.
func (t *Trial) Complete(ctx context.Context) error { return t.transition(ctx, StatusCompleted) }

// Broken moves the trial from running to broken.
func (t *Trial) Broken(ctx context.Context) error { return t.transition(ctx, StatusBroken) }

// Interrupt moves the trial from running to interrupted.
func (t *Trial) Interrupt(ctx context.Context) error { return t.transition(ctx, StatusInterrupted) }

// Suspend moves the trial from running to suspended.
func (t *Trial) Suspend(ctx context.Context) error { return t.transition(ctx, StatusSuspended) }

// Switchover moves the trial from reserved or broken to switchover, a manual
// revival that makes the trial reservable again.
func (t *Trial) Switchover(ctx context.Context) error { return t.transition(ctx, StatusSwitchover) }

// Failover moves the trial to failover, making it reservable again. Called
// only by Cure.
func (t *Trial) Failover(ctx context.Context) error {
	current, err := t.CurrentStatus(ctx)
	if err != nil {
		return err
	}
	if current != StatusRunning {
		return fmt.Errorf("trial: %s: failover from %s: %w", t.ShortID(), current, ErrInvalidState)
	}
	if _, err := t.Status.Set(ctx, StatusFailover, time.Time{}, ""); err != nil {
		return fmt.Errorf("trial: %s: failover: %w", t.ShortID(), err)
	}
	return t.writeReport(ctx, StatusFailover)
}

// Branched moves the trial to the branched terminal state, recording that
// this trial has handed off to a child. Branch does not call it; the worker
// calls it on the parent before calling Branch.
func (t *Trial) Branched(ctx context.Context) error { return t.transition(ctx, StatusBranched) }

// StartTime returns the RuntimeTimestamp of the first status event.
func (t *Trial) StartTime(ctx context.Context) (time.Time, error) {
	history, err := t.Status.History(ctx)
	if err != nil {
		return time.Time{}, err
	}
	if len(history) == 0 {
		return time.Time{}, fmt.Errorf("trial: %s: %w", t.ShortID(), ErrNotFound)
	}
	return history[0].RuntimeTimestamp, nil
}

// EndTime returns the RuntimeTimestamp of the most recent status event.
func (t *Trial) EndTime(ctx context.Context) (time.Time, error) {
	history, err := t.Status.History(ctx)
	if err != nil {
		return time.Time{}, err
	}
	if len(history) == 0 {
		return time.Time{}, fmt.Errorf("trial: %s: %w", t.ShortID(), ErrNotFound)
	}
	return history[len(history)-1].RuntimeTimestamp, nil
}

// writeReport rewrites this trial's report document: the query-convenience
// projection of its current status, start time, tags, and duplicated
// header fields, per spec.md §6's schema table (status/start_time nested
// under registry, the rest flat alongside _id).
func (t *Trial) writeReport(ctx context.Context, status Status) error {
	tags, err := t.Tags.Get(ctx)
	if err != nil {
		return err
	}
	startTime, err := t.StartTime(ctx)
	if err != nil {
		return err
	}
	doc := headerToDoc(t.Header)
	doc["tags"] = tags
	doc["registry"] = store.Document{
		"status":     string(status),
		"start_time": startTime,
	}
	err = t.st.ReadAndWrite(ctx, CollectionReports, store.Query{"_id": t.ID}, doc)
	if errors.Is(err, store.ErrNotFound) {
		return t.st.Insert(ctx, CollectionReports, doc)
	}
	return err
}

func headerToDoc(h Header) store.Document {
	return store.Document{
		"_id":           h.ID,
		"refers":        refersToDoc(h.Refers),
		"host":          h.Host,
		"version":       h.Version,
		"commandline":   []string(h.Commandline),
		"configuration": h.Configuration,
	}
}

func refersToDoc(r Refers) store.Document {
	return store.Document{"parent_id": r.ParentID, "timestamp": r.RuntimeTimestamp}
}

// headerFromDoc reconstructs a Header from a stored document. It accepts
// both the native Go values store/memory hands back unchanged and the
// generic maps store/mongo decodes a wire-encoded document into, so a
// Trial loads identically regardless of backend.
func headerFromDoc(d store.Document) Header {
	h := Header{ID: asString(d["_id"])}
	if rd, ok := asMap(d["refers"]); ok {
		h.Refers = Refers{ParentID: asString(rd["parent_id"])}
		if ts, ok := rd["timestamp"].(time.Time); ok {
			h.Refers.RuntimeTimestamp = ts
		}
	}
	if host, ok := d["host"].(Host); ok {
		h.Host = host
	} else if hm, ok := asMap(d["host"]); ok {
		h.Host = hostFromMap(hm)
	}
	if v, ok := d["version"].(Version); ok {
		h.Version = v
	} else if vm, ok := asMap(d["version"]); ok {
		h.Version = versionFromMap(vm)
	}
	switch cl := d["commandline"].(type) {
	case []string:
		h.Commandline = cl
	case Commandline:
		h.Commandline = cl
	case []any:
		out := make(Commandline, len(cl))
		for i, v := range cl {
			out[i] = asString(v)
		}
		h.Commandline = out
	}
	if cfg, ok := d["configuration"].(Configuration); ok {
		h.Configuration = cfg
	} else if cm, ok := asMap(d["configuration"]); ok {
		h.Configuration = configurationFromMap(cm)
	}
	return h
}

func asString(v any) string {
	s, _ := v.(string)
	return s
}
