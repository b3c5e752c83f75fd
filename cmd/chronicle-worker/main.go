// Command chronicle-worker runs a single worker loop against a store,
// reserving and executing trials tagged per its configuration.
//
// # Configuration
//
// Environment variables:
//
//	DB_TYPE                 - store backend, "memory" or "mongo" (default: "memory")
//	DB_NAME                 - database name passed to launched trial processes
//	DB_ADDRESS              - store connection address (mongo only)
//	WORKER_TAGS             - comma-separated tag filter (default: none)
//	WORKER_ROOT             - root directory for trial working directories (default: ".")
//	WORKER_ALLOW_HOST       - allow running trials whose host diverges, without branching (default: false)
//	WORKER_ALLOW_VERSION    - allow running trials whose version diverges, without branching (default: false)
//	WORKER_ALLOW_ANY_CHANGE - branch instead of skipping on any divergence (default: true)
//	HEARTBEAT_RATE          - heartbeat interval (default: "10s")
//	VERBOSITY               - forwarded to the launched trial process
package main

import (
	"context"
	"fmt"
	"log"
	"os"
	"strconv"
	"strings"
	"time"

	mongodriver "go.mongodb.org/mongo-driver/v2/mongo"
	"go.mongodb.org/mongo-driver/v2/mongo/options"

	"chronicle.dev/chronicle/store"
	"chronicle.dev/chronicle/store/memory"
	chroniclemongo "chronicle.dev/chronicle/store/mongo"
	"chronicle.dev/chronicle/telemetry"
	"chronicle.dev/chronicle/trial"
	"chronicle.dev/chronicle/worker"
)

func main() {
	if err := run(); err != nil {
		log.Fatal(err)
	}
}

func run() error {
	ctx := context.Background()

	st, err := newStore()
	if err != nil {
		return fmt.Errorf("connect store: %w", err)
	}

	for _, coll := range []string{trial.CollectionImmutables, trial.CollectionReports, trial.CollectionStatus, trial.CollectionTags, trial.CollectionStdout, trial.CollectionStderr, trial.CollectionStatistics, trial.CollectionArtifacts} {
		if err := st.EnsureIndex(ctx, coll, []string{"_id"}, true); err != nil {
			return fmt.Errorf("ensure index on %s: %w", coll, err)
		}
	}
	if err := st.EnsureIndex(ctx, trial.CollectionImmutables, []string{"refers.parent_id"}, false); err != nil {
		return fmt.Errorf("ensure secondary index: %w", err)
	}

	consumer := worker.NewConsumer(envOr("WORKER_ROOT", "."))
	consumer.DBName = os.Getenv("DB_NAME")
	consumer.DBType = envOr("DB_TYPE", "memory")
	consumer.DBAddress = os.Getenv("DB_ADDRESS")
	consumer.Verbosity = os.Getenv("VERBOSITY")
	consumer.HeartbeatRate = envDurationOr("HEARTBEAT_RATE", worker.DefaultHeartbeatRate)
	consumer.Logger = telemetry.NewClueLogger()

	params := worker.Params{
		Tags:               splitTags(os.Getenv("WORKER_TAGS")),
		AllowHostChange:    envBoolOr("WORKER_ALLOW_HOST", false),
		AllowVersionChange: envBoolOr("WORKER_ALLOW_VERSION", false),
		AllowAnyChange:     envBoolOr("WORKER_ALLOW_ANY_CHANGE", true),
	}

	w := worker.New(st, params, consumer, worker.WithLogger(telemetry.NewClueLogger()), worker.WithTracer(telemetry.NewClueTracer()), worker.WithMetrics(telemetry.NewClueMetrics()))

	log.Printf("starting chronicle-worker tags=%v", params.Tags)
	return w.Run(ctx)
}

func newStore() (store.Store, error) {
	switch dbType := envOr("DB_TYPE", "memory"); dbType {
	case "memory":
		return memory.New(), nil
	case "mongo":
		return newMongoStore()
	default:
		return nil, fmt.Errorf("unsupported DB_TYPE %q (want \"memory\" or \"mongo\")", dbType)
	}
}

func newMongoStore() (store.Store, error) {
	addr := os.Getenv("DB_ADDRESS")
	if addr == "" {
		return nil, fmt.Errorf("DB_ADDRESS is required when DB_TYPE=mongo")
	}
	name := os.Getenv("DB_NAME")
	if name == "" {
		return nil, fmt.Errorf("DB_NAME is required when DB_TYPE=mongo")
	}
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	client, err := mongodriver.Connect(options.Client().ApplyURI(addr))
	if err != nil {
		return nil, fmt.Errorf("connect mongo at %s: %w", addr, err)
	}
	if err := client.Ping(ctx, nil); err != nil {
		return nil, fmt.Errorf("ping mongo at %s: %w", addr, err)
	}
	return chroniclemongo.New(chroniclemongo.Options{Client: client, Database: name})
}

func splitTags(s string) []string {
	if s == "" {
		return nil
	}
	parts := strings.Split(s, ",")
	tags := make([]string, 0, len(parts))
	for _, p := range parts {
		if p = strings.TrimSpace(p); p != "" {
			tags = append(tags, p)
		}
	}
	return tags
}

func envOr(key, defaultVal string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return defaultVal
}

func envBoolOr(key string, defaultVal bool) bool {
	if v := os.Getenv(key); v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			return b
		}
	}
	return defaultVal
}

func envDurationOr(key string, defaultVal time.Duration) time.Duration {
	if v := os.Getenv(key); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			return d
		}
	}
	return defaultVal
}
