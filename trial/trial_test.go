package trial_test

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"chronicle.dev/chronicle/store"
	"chronicle.dev/chronicle/store/memory"
	"chronicle.dev/chronicle/trial"
	"chronicle.dev/chronicle/trial/attribute"
)

func newStore(t *testing.T) store.Store {
	t.Helper()
	st := memory.New()
	ctx := context.Background()
	for _, coll := range []string{
		trial.CollectionImmutables, trial.CollectionReports, trial.CollectionStatus,
		trial.CollectionTags, trial.CollectionStdout, trial.CollectionStderr,
		trial.CollectionStatistics, trial.CollectionArtifacts,
	} {
		require.NoError(t, st.EnsureIndex(ctx, coll, []string{"_id"}, true))
	}
	return st
}

func testHost() trial.Host    { return trial.Host{Hostname: "box1", Username: "alice", OS: "linux"} }
func testVersion() trial.Version {
	return trial.Version{Type: "git", HeadSHA: "abc123"}
}
func testConfig() trial.Configuration {
	return trial.Configuration{"lr": trial.ConfigValue{Scalar: 0.1}, "epochs": trial.ConfigValue{Scalar: 10.0}}
}

func TestHashDeterministicAndOrderIndependent(t *testing.T) {
	id1 := trial.Hash(trial.Refers{}, testHost(), testVersion(), trial.Commandline{"train.py"}, testConfig())
	id2 := trial.Hash(trial.Refers{}, testHost(), testVersion(), trial.Commandline{"train.py"}, testConfig())
	assert.Equal(t, id1, id2, "identical headers must hash identically")

	other := testConfig()
	other["epochs"] = trial.ConfigValue{Scalar: 20.0}
	id3 := trial.Hash(trial.Refers{}, testHost(), testVersion(), trial.Commandline{"train.py"}, other)
	assert.NotEqual(t, id1, id3, "differing configuration must hash differently")
}

func TestHashSensitiveToEveryField(t *testing.T) {
	base := trial.Hash(trial.Refers{}, testHost(), testVersion(), trial.Commandline{"a"}, testConfig())

	h2 := testHost()
	h2.Hostname = "box2"
	assert.NotEqual(t, base, trial.Hash(trial.Refers{}, h2, testVersion(), trial.Commandline{"a"}, testConfig()))

	v2 := testVersion()
	v2.HeadSHA = "def456"
	assert.NotEqual(t, base, trial.Hash(trial.Refers{}, testHost(), v2, trial.Commandline{"a"}, testConfig()))

	assert.NotEqual(t, base, trial.Hash(trial.Refers{}, testHost(), testVersion(), trial.Commandline{"b"}, testConfig()))

	r2 := trial.Refers{ParentID: "parent1"}
	assert.NotEqual(t, base, trial.Hash(r2, testHost(), testVersion(), trial.Commandline{"a"}, testConfig()))
}

func TestShortID(t *testing.T) {
	assert.Equal(t, "abc", trial.ShortID("abc"))
	assert.Equal(t, "abcdefg", trial.ShortID("abcdefghijk"))
}

func TestNewSaveLoadRoundTrip(t *testing.T) {
	ctx := context.Background()
	st := newStore(t)

	tr := trial.New(st, trial.Refers{}, testHost(), testVersion(), trial.Commandline{"train.py"}, testConfig())
	require.NoError(t, tr.Save(ctx))

	loaded, err := trial.Load(ctx, st, tr.ID, attribute.Interval{})
	require.NoError(t, err)
	assert.Equal(t, tr.ID, loaded.ID)
	assert.Equal(t, tr.Host.Hostname, loaded.Host.Hostname)
	assert.Equal(t, tr.Version.HeadSHA, loaded.Version.HeadSHA)

	status, err := loaded.CurrentStatus(ctx)
	require.NoError(t, err)
	assert.Equal(t, trial.StatusNew, status)
}

func TestSaveIsIdempotentOnSameValue(t *testing.T) {
	ctx := context.Background()
	st := newStore(t)
	tr := trial.New(st, trial.Refers{}, testHost(), testVersion(), trial.Commandline{"x"}, testConfig())

	require.NoError(t, tr.Save(ctx))
	require.NoError(t, tr.Save(ctx), "second Save on the same value must be a no-op")
}

func TestSaveRaceConditionOnIndependentCollision(t *testing.T) {
	ctx := context.Background()
	st := newStore(t)

	a := trial.New(st, trial.Refers{}, testHost(), testVersion(), trial.Commandline{"x"}, testConfig())
	b := trial.New(st, trial.Refers{}, testHost(), testVersion(), trial.Commandline{"x"}, testConfig())
	require.Equal(t, a.ID, b.ID, "identical headers produce identical content-addressed ids")

	require.NoError(t, a.Save(ctx))
	err := b.Save(ctx)
	assert.ErrorIs(t, err, trial.ErrRaceCondition)
}

func TestLoadNotFound(t *testing.T) {
	ctx := context.Background()
	st := newStore(t)
	_, err := trial.Load(ctx, st, "nonexistent", attribute.Interval{})
	assert.ErrorIs(t, err, trial.ErrNotFound)
}

func TestStatusLifecycle(t *testing.T) {
	ctx := context.Background()
	st := newStore(t)
	tr := trial.New(st, trial.Refers{}, testHost(), testVersion(), trial.Commandline{"x"}, testConfig())
	require.NoError(t, tr.Save(ctx))

	require.NoError(t, tr.Reserve(ctx))
	s, err := tr.CurrentStatus(ctx)
	require.NoError(t, err)
	assert.Equal(t, trial.StatusReserved, s)

	require.NoError(t, tr.Run(ctx))
	require.NoError(t, tr.Heartbeat(ctx))
	require.NoError(t, tr.Complete(ctx))

	s, err = tr.CurrentStatus(ctx)
	require.NoError(t, err)
	assert.Equal(t, trial.StatusCompleted, s)

	// completed is terminal
	assert.ErrorIs(t, tr.Run(ctx), trial.ErrInvalidState)
}

func TestReserveRaceCondition(t *testing.T) {
	ctx := context.Background()
	st := newStore(t)
	tr := trial.New(st, trial.Refers{}, testHost(), testVersion(), trial.Commandline{"x"}, testConfig())
	require.NoError(t, tr.Save(ctx))

	other, err := trial.Load(ctx, st, tr.ID, attribute.Interval{})
	require.NoError(t, err)

	require.NoError(t, tr.Reserve(ctx))
	err = other.Reserve(ctx)
	assert.ErrorIs(t, err, trial.ErrInvalidState, "loser observes the already-applied transition as invalid, not a duplicate key")
}

// TestReserveRaceConditionStaleCachedStatus covers the genuine concurrent
// case TestReserveRaceCondition does not: two *Trial values that both
// cached the trial's status as "new" before either one reserves. Both
// transition methods see the same cached "new" and attempt the same next
// sequence number on the underlying status event; exactly one insert must
// win and the loser must fail with ErrRaceCondition, not silently retry
// onto the next sequence number.
func TestReserveRaceConditionStaleCachedStatus(t *testing.T) {
	ctx := context.Background()
	st := newStore(t)
	tr := trial.New(st, trial.Refers{}, testHost(), testVersion(), trial.Commandline{"x"}, testConfig())
	require.NoError(t, tr.Save(ctx))

	a, err := trial.Load(ctx, st, tr.ID, attribute.Interval{})
	require.NoError(t, err)
	b, err := trial.Load(ctx, st, tr.ID, attribute.Interval{})
	require.NoError(t, err)

	// Both load and cache the "new" status before either reserves.
	_, err = a.CurrentStatus(ctx)
	require.NoError(t, err)
	_, err = b.CurrentStatus(ctx)
	require.NoError(t, err)

	errA := a.Reserve(ctx)
	errB := b.Reserve(ctx)

	successes := 0
	if errA == nil {
		successes++
	} else {
		assert.ErrorIs(t, errA, trial.ErrRaceCondition)
	}
	if errB == nil {
		successes++
	} else {
		assert.ErrorIs(t, errB, trial.ErrRaceCondition)
	}
	assert.Equal(t, 1, successes, "exactly one of two concurrent reserves on the same cached status must win")
}

func TestSuspendedIsReservableAgain(t *testing.T) {
	ctx := context.Background()
	st := newStore(t)
	tr := trial.New(st, trial.Refers{}, testHost(), testVersion(), trial.Commandline{"x"}, testConfig())
	require.NoError(t, tr.Save(ctx))
	require.NoError(t, tr.Reserve(ctx))
	require.NoError(t, tr.Run(ctx))
	require.NoError(t, tr.Suspend(ctx))

	s, err := tr.CurrentStatus(ctx)
	require.NoError(t, err)
	assert.True(t, trial.IsReservable(s))
	require.NoError(t, tr.Reserve(ctx))
}

func TestFailoverOnlyFromRunning(t *testing.T) {
	ctx := context.Background()
	st := newStore(t)
	tr := trial.New(st, trial.Refers{}, testHost(), testVersion(), trial.Commandline{"x"}, testConfig())
	require.NoError(t, tr.Save(ctx))

	assert.ErrorIs(t, tr.Failover(ctx), trial.ErrInvalidState)

	require.NoError(t, tr.Reserve(ctx))
	require.NoError(t, tr.Run(ctx))
	require.NoError(t, tr.Failover(ctx))
	s, err := tr.CurrentStatus(ctx)
	require.NoError(t, err)
	assert.Equal(t, trial.StatusFailover, s)
}

func TestStartEndTime(t *testing.T) {
	ctx := context.Background()
	st := newStore(t)
	tr := trial.New(st, trial.Refers{}, testHost(), testVersion(), trial.Commandline{"x"}, testConfig())
	require.NoError(t, tr.Save(ctx))
	require.NoError(t, tr.Reserve(ctx))
	require.NoError(t, tr.Run(ctx))

	start, err := tr.StartTime(ctx)
	require.NoError(t, err)
	end, err := tr.EndTime(ctx)
	require.NoError(t, err)
	assert.False(t, start.After(end))
}

func TestBranchCreatesChildWithMergedConfiguration(t *testing.T) {
	ctx := context.Background()
	st := newStore(t)
	parent := trial.New(st, trial.Refers{}, testHost(), testVersion(), trial.Commandline{"train.py", "--lr", "0.1"}, trial.Configuration{"lr": trial.ConfigValue{Scalar: 0.1}})
	require.NoError(t, parent.Save(ctx))
	require.NoError(t, parent.Reserve(ctx))
	require.NoError(t, parent.Run(ctx))
	require.NoError(t, parent.Complete(ctx))

	child, err := trial.Branch(ctx, st, parent.ID, trial.Configuration{"lr": trial.ConfigValue{Scalar: 0.2}}, time.Time{}, testHost(), testVersion())
	require.NoError(t, err)
	assert.Equal(t, parent.ID, child.Refers.ParentID)
	assert.Equal(t, 0.2, child.Configuration["lr"].Scalar)
	assert.NotEqual(t, parent.ID, child.ID)

	status, err := child.CurrentStatus(ctx)
	require.NoError(t, err)
	assert.Equal(t, trial.StatusNew, status)
}

func TestBranchRaceConditionExactlyOneWins(t *testing.T) {
	ctx := context.Background()
	st := newStore(t)
	parent := trial.New(st, trial.Refers{}, testHost(), testVersion(), trial.Commandline{"train.py", "--lr", "0.1"}, trial.Configuration{"lr": trial.ConfigValue{Scalar: 0.1}})
	require.NoError(t, parent.Save(ctx))
	require.NoError(t, parent.Reserve(ctx))
	require.NoError(t, parent.Run(ctx))
	require.NoError(t, parent.Complete(ctx))

	overrides := trial.Configuration{"lr": trial.ConfigValue{Scalar: 0.2}}

	child1, err1 := trial.Branch(ctx, st, parent.ID, overrides, time.Time{}, testHost(), testVersion())
	child2, err2 := trial.Branch(ctx, st, parent.ID, overrides, time.Time{}, testHost(), testVersion())

	successes := 0
	if err1 == nil {
		successes++
	}
	if err2 == nil {
		successes++
	}
	assert.Equal(t, 1, successes, "exactly one of two identical concurrent branches should succeed")

	var loserErr error
	if err1 != nil {
		loserErr = err1
	} else {
		loserErr = err2
	}
	assert.ErrorIs(t, loserErr, trial.ErrRaceCondition)
	_ = child1
	_ = child2
}
