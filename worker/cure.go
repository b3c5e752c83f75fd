package worker

import (
	"context"
	"fmt"
	"time"

	"chronicle.dev/chronicle/store"
	"chronicle.dev/chronicle/telemetry"
	"chronicle.dev/chronicle/trial"
	"chronicle.dev/chronicle/trial/attribute"
)

// DefaultThresholdCoefficient is the multiplier applied to a heartbeat rate
// to decide a running trial has gone stale, matching spec.md §4.5's
// default (10 * 10s = 100s).
const DefaultThresholdCoefficient = 10

// Cure is the operator scan spec.md §4.5 describes: it looks for trials
// reported running whose last heartbeat is older than
// heartbeatRate*thresholdCoefficient, and moves each to failover, making it
// reservable again. Unlike everything else in this module, Cure is meant to
// run out-of-band (an operator's cron job, not a worker's own loop), since a
// worker cannot know its own heartbeat has stopped.
func Cure(ctx context.Context, st store.Store, heartbeatRate time.Duration, thresholdCoefficient int, logger telemetry.Logger) (int, error) {
	if heartbeatRate <= 0 {
		heartbeatRate = DefaultHeartbeatRate
	}
	if thresholdCoefficient <= 0 {
		thresholdCoefficient = DefaultThresholdCoefficient
	}
	threshold := heartbeatRate * time.Duration(thresholdCoefficient)
	if logger == nil {
		logger = telemetry.NewNoopLogger()
	}

	docs, err := st.Read(ctx, trial.CollectionReports, store.Query{"registry.status": string(trial.StatusRunning)}, store.WithProject("_id"))
	if err != nil {
		return 0, fmt.Errorf("worker: cure: list running trials: %w", err)
	}

	now := time.Now().UTC()
	cured := 0
	for _, d := range docs {
		id, _ := d["_id"].(string)
		if id == "" {
			continue
		}
		t, err := trial.Load(ctx, st, id, attribute.Interval{})
		if err != nil {
			logger.Warn(ctx, "worker: cure: load trial failed", "trial", trial.ShortID(id), "error", err.Error())
			continue
		}
		endTime, err := t.EndTime(ctx)
		if err != nil {
			logger.Warn(ctx, "worker: cure: end time failed", "trial", t.ShortID(), "error", err.Error())
			continue
		}
		if now.Sub(endTime) <= threshold {
			continue
		}
		if err := t.Failover(ctx); err != nil {
			logger.Warn(ctx, "worker: cure: failover failed", "trial", t.ShortID(), "error", err.Error())
			continue
		}
		logger.Info(ctx, "worker: cure: revived stale trial", "trial", t.ShortID())
		cured++
	}
	return cured, nil
}
