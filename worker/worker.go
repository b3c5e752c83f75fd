// Package worker implements the worker and consumer (C5): the outer
// reservation loop, branch-on-divergence handling, subprocess supervision,
// and the Cure operator scan, as spec.md §4.5 describes.
package worker

import (
	"context"
	"errors"
	"fmt"
	"time"

	"golang.org/x/time/rate"

	"chronicle.dev/chronicle/observer"
	"chronicle.dev/chronicle/observer/noop"
	"chronicle.dev/chronicle/store"
	"chronicle.dev/chronicle/telemetry"
	"chronicle.dev/chronicle/trial"
	"chronicle.dev/chronicle/trial/attribute"
)

// Params configures a Worker's reservation policy, exactly spec.md §4.5's
// worker parameters.
type Params struct {
	// Tags restricts reservation to trials whose report carries every one
	// of these tags.
	Tags []string
	// LocalHost and LocalVersion describe the machine and code state this
	// worker runs with. A candidate trial whose header disagrees is
	// skipped, unless the matching AllowHostChange/AllowVersionChange flag
	// is set, in which case it runs in place without branching; only
	// AllowAnyChange makes a divergent candidate branch.
	LocalHost    trial.Host
	LocalVersion trial.Version

	AllowHostChange    bool
	AllowVersionChange bool
	AllowAnyChange     bool
}

// Worker runs the outer reservation loop: it repeatedly queries for
// reservable trials matching Params.Tags, attempts each, and keeps going
// until a full pass turns up no new candidate — spec.md §4.5's termination
// condition, since new trials can appear mid-loop (a branch created by this
// same worker, or another worker finishing a run).
type Worker struct {
	st       store.Store
	params   Params
	consumer *Consumer
	observer observer.Observer
	logger   telemetry.Logger
	tracer   telemetry.Tracer
	metrics  telemetry.Metrics

	// idleLimiter spaces successive passes of the outer loop; Run returns
	// once a pass finds no new candidate.
	idleLimiter *rate.Limiter
}

// Option configures optional Worker dependencies.
type Option func(*Worker)

// WithObserver sets the Observer notified of lifecycle transitions.
func WithObserver(o observer.Observer) Option { return func(w *Worker) { w.observer = o } }

// WithLogger sets the structured logger.
func WithLogger(l telemetry.Logger) Option { return func(w *Worker) { w.logger = l } }

// WithTracer sets the tracer.
func WithTracer(t telemetry.Tracer) Option { return func(w *Worker) { w.tracer = t } }

// WithMetrics sets the metrics recorder.
func WithMetrics(m telemetry.Metrics) Option { return func(w *Worker) { w.metrics = m } }

// New constructs a Worker over st with the given reservation params and
// consumer.
func New(st store.Store, params Params, consumer *Consumer, opts ...Option) *Worker {
	w := &Worker{
		st:          st,
		params:      params,
		consumer:    consumer,
		observer:    noop.New(),
		logger:      telemetry.NewNoopLogger(),
		tracer:      telemetry.NewNoopTracer(),
		metrics:     telemetry.NewNoopMetrics(),
		idleLimiter: rate.NewLimiter(rate.Every(time.Second), 1),
	}
	for _, o := range opts {
		o(w)
	}
	return w
}

// reservableStatuses lists the status values a report query selects on.
var reservableStatuses = []any{
	string(trial.StatusNew),
	string(trial.StatusSuspended),
	string(trial.StatusInterrupted),
	string(trial.StatusFailover),
	string(trial.StatusSwitchover),
}

// Run drives the outer loop until ctx is canceled or a full pass finds no
// new candidate.
func (w *Worker) Run(ctx context.Context) error {
	attempted := make(map[trial.ID]bool)
	for {
		if err := ctx.Err(); err != nil {
			return err
		}
		candidates, err := w.fetchCandidates(ctx)
		if err != nil {
			return fmt.Errorf("worker: fetch candidates: %w", err)
		}
		var fresh []string
		for _, id := range candidates {
			if !attempted[id] {
				fresh = append(fresh, id)
			}
		}
		if len(fresh) == 0 {
			return nil
		}
		for _, id := range fresh {
			attempted[id] = true
			if err := w.attempt(ctx, id); err != nil {
				w.logger.Warn(ctx, "worker: attempt failed", "trial", trial.ShortID(id), "error", err.Error())
			}
		}
		if err := w.idleLimiter.Wait(ctx); err != nil {
			return err
		}
	}
}

func (w *Worker) fetchCandidates(ctx context.Context) ([]string, error) {
	query := store.Query{"registry.status": store.Query{"$in": reservableStatuses}}
	if len(w.params.Tags) > 0 {
		tags := make([]any, len(w.params.Tags))
		for i, t := range w.params.Tags {
			tags[i] = t
		}
		query["tags"] = store.Query{"$all": tags}
	}
	docs, err := w.st.Read(ctx, trial.CollectionReports, query, store.WithProject("_id"))
	if err != nil {
		return nil, err
	}
	ids := make([]string, 0, len(docs))
	for _, d := range docs {
		if id, ok := d["_id"].(string); ok {
			ids = append(ids, id)
		}
	}
	return ids, nil
}

// attempt corresponds to spec.md §4.5's process_trial followed by
// execute_trial for a single candidate.
func (w *Worker) attempt(ctx context.Context, id trial.ID) error {
	ctx, span := w.tracer.Start(ctx, "worker.attempt")
	defer span.End()

	t, err := w.processTrial(ctx, id)
	if err != nil {
		if errors.Is(err, errSkip) {
			return nil
		}
		if errors.Is(err, trial.ErrRaceCondition) {
			return nil
		}
		return err
	}
	if t == nil {
		return nil
	}
	return w.executeTrial(ctx, t)
}

var errSkip = errors.New("worker: skip candidate")

// processTrial decides whether to run the candidate as-is or branch it,
// exactly spec.md §4.5's skip/branch decision tree:
//   - no longer reservable: skip (someone else got there first)
//   - host or version diverges and the corresponding change is not
//     allowed: skip, unless AllowAnyChange, in which case branch
//   - otherwise: reload for writing (host/version match, or the change is
//     allowed without branching) and return it to run directly
func (w *Worker) processTrial(ctx context.Context, id trial.ID) (*trial.Trial, error) {
	t, err := trial.Load(ctx, w.st, id, attribute.Interval{})
	if err != nil {
		return nil, fmt.Errorf("worker: load candidate %s: %w", trial.ShortID(id), err)
	}
	status, err := t.CurrentStatus(ctx)
	if err != nil {
		return nil, fmt.Errorf("worker: status of %s: %w", t.ShortID(), err)
	}
	if !trial.IsReservable(status) {
		return nil, errSkip
	}

	hostDiverges := fmt.Sprint(t.Host.Canon()) != fmt.Sprint(w.params.LocalHost.Canon())
	versionDiverges := t.Version != w.params.LocalVersion

	needsBranch := false
	if hostDiverges && !w.params.AllowHostChange {
		if !w.params.AllowAnyChange {
			return nil, errSkip
		}
		needsBranch = true
	}
	if versionDiverges && !w.params.AllowVersionChange {
		if !w.params.AllowAnyChange {
			return nil, errSkip
		}
		needsBranch = true
	}

	if !needsBranch {
		return t, nil
	}

	if err := t.Branched(ctx); err != nil {
		return nil, fmt.Errorf("worker: mark %s branched: %w", t.ShortID(), err)
	}
	child, err := trial.Branch(ctx, w.st, id, nil, time.Time{}, w.params.LocalHost, w.params.LocalVersion)
	if err != nil {
		if errors.Is(err, trial.ErrRaceCondition) {
			return nil, errSkip
		}
		return nil, fmt.Errorf("worker: branch %s: %w", t.ShortID(), err)
	}
	return child, nil
}

func (w *Worker) executeTrial(ctx context.Context, t *trial.Trial) error {
	if err := t.Reserve(ctx); err != nil {
		if errors.Is(err, trial.ErrRaceCondition) || errors.Is(err, trial.ErrInvalidState) {
			return nil
		}
		return fmt.Errorf("worker: reserve %s: %w", t.ShortID(), err)
	}
	w.metrics.IncCounter("chronicle.worker.reserved", 1, "trial", t.ShortID())
	return w.consumer.Consume(ctx, t)
}
