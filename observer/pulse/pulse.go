// Package pulse fans out trial lifecycle events over a goa.design/pulse
// stream backed by Redis, so a separate process (a dashboard, a live
// "kleio tail -f") can watch a trial run without polling the store. It
// mirrors the layering of the teacher's features/stream/pulse package:
// callers build a Redis client, hand it to a pulse.Node, and construct a
// Sink from that.
package pulse

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
	"goa.design/pulse/pool"
	"goa.design/pulse/streaming"

	"chronicle.dev/chronicle/observer"
	"chronicle.dev/chronicle/trial"
)

// Envelope is the JSON payload published to the stream for every lifecycle
// event.
type Envelope struct {
	Type      string    `json:"type"`
	TrialID   string    `json:"trial_id"`
	Timestamp time.Time `json:"timestamp"`
	Cause     string    `json:"cause,omitempty"`
}

// Sink is an Observer that publishes every lifecycle event to a Pulse
// stream named "trial/<id>".
type Sink struct {
	node *pool.Node
}

var _ observer.Observer = (*Sink)(nil)

// NewSink constructs a Sink from a Redis client and a Pulse node name.
// Multiple processes sharing the same name and Redis instance observe the
// same set of streams.
func NewSink(ctx context.Context, rdb *redis.Client, nodeName string) (*Sink, error) {
	node, err := pool.AddNode(ctx, nodeName, rdb)
	if err != nil {
		return nil, fmt.Errorf("observer/pulse: add node: %w", err)
	}
	return &Sink{node: node}, nil
}

func (s *Sink) streamFor(ctx context.Context, id trial.ID) (*streaming.Stream, error) {
	return s.node.Stream(ctx, streamName(id))
}

func streamName(id trial.ID) string { return fmt.Sprintf("trial/%s", id) }

func (s *Sink) publish(ctx context.Context, id trial.ID, env Envelope) error {
	stream, err := s.streamFor(ctx, id)
	if err != nil {
		return fmt.Errorf("observer/pulse: stream for %s: %w", trial.ShortID(id), err)
	}
	payload, err := json.Marshal(env)
	if err != nil {
		return fmt.Errorf("observer/pulse: marshal envelope: %w", err)
	}
	if _, err := stream.Add(ctx, env.Type, payload); err != nil {
		return fmt.Errorf("observer/pulse: publish %s event for %s: %w", env.Type, trial.ShortID(id), err)
	}
	return nil
}

func (s *Sink) Started(ctx context.Context, id trial.ID, at time.Time) error {
	return s.publish(ctx, id, Envelope{Type: "started", TrialID: id, Timestamp: at})
}

func (s *Sink) Heartbeat(ctx context.Context, id trial.ID, at time.Time) error {
	return s.publish(ctx, id, Envelope{Type: "heartbeat", TrialID: id, Timestamp: at})
}

func (s *Sink) Completed(ctx context.Context, id trial.ID, at time.Time) error {
	return s.publish(ctx, id, Envelope{Type: "completed", TrialID: id, Timestamp: at})
}

func (s *Sink) Interrupted(ctx context.Context, id trial.ID, at time.Time) error {
	return s.publish(ctx, id, Envelope{Type: "interrupted", TrialID: id, Timestamp: at})
}

func (s *Sink) Failed(ctx context.Context, id trial.ID, at time.Time, cause error) error {
	env := Envelope{Type: "failed", TrialID: id, Timestamp: at}
	if cause != nil {
		env.Cause = cause.Error()
	}
	return s.publish(ctx, id, env)
}

// Close releases the Pulse node's resources.
func (s *Sink) Close(ctx context.Context) error {
	if s.node == nil {
		return errors.New("observer/pulse: sink not initialized")
	}
	return s.node.Close(ctx)
}
