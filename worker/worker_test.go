package worker

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

func localHost(name string) trial.Host      { return trial.Host{Hostname: name, Username: "alice", OS: "linux"} }
func localVersion(sha string) trial.Version { return trial.Version{Type: "git", HeadSHA: sha} }

// newTrial creates a trial and drives it to a reservable, non-new status
// (suspended) so that fetchCandidates tests exercise more than the trivial
// "new" case, tagging it along the way.
func newTrial(ctx context.Context, t *testing.T, st store.Store, h trial.Host, v trial.Version, tags ...string) *trial.Trial {
	t.Helper()
	tr := trial.New(st, trial.Refers{}, h, v, trial.Commandline{"x"}, trial.Configuration{})
	require.NoError(t, tr.Save(ctx))
	for _, tag := range tags {
		_, err := tr.Tags.Append(ctx, tag, time.Time{}, "")
		require.NoError(t, err)
	}
	require.NoError(t, tr.Reserve(ctx))
	require.NoError(t, tr.Run(ctx))
	require.NoError(t, tr.Suspend(ctx))
	return tr
}

func TestFetchCandidatesFiltersByStatusAndTags(t *testing.T) {
	ctx := context.Background()
	st := newStore(t)

	matching := newTrial(ctx, t, st, localHost("h1"), localVersion("v1"), "gpu")
	_ = newTrial(ctx, t, st, localHost("h1"), localVersion("v1"), "cpu")

	completed := trial.New(st, trial.Refers{}, localHost("h1"), localVersion("v1"), trial.Commandline{"x"}, trial.Configuration{})
	require.NoError(t, completed.Save(ctx))
	require.NoError(t, completed.Reserve(ctx))
	require.NoError(t, completed.Run(ctx))
	require.NoError(t, completed.Complete(ctx))

	w := New(st, Params{Tags: []string{"gpu"}}, NewConsumer(t.TempDir()))
	ids, err := w.fetchCandidates(ctx)
	require.NoError(t, err)
	assert.Equal(t, []string{matching.ID}, ids)
}

func TestFetchCandidatesNoTagFilter(t *testing.T) {
	ctx := context.Background()
	st := newStore(t)
	a := newTrial(ctx, t, st, localHost("h1"), localVersion("v1"))
	b := newTrial(ctx, t, st, localHost("h1"), localVersion("v1"))

	w := New(st, Params{}, NewConsumer(t.TempDir()))
	ids, err := w.fetchCandidates(ctx)
	require.NoError(t, err)
	assert.ElementsMatch(t, []string{a.ID, b.ID}, ids)
}

func TestProcessTrialSkipsWhenNotReservable(t *testing.T) {
	ctx := context.Background()
	st := newStore(t)
	tr := trial.New(st, trial.Refers{}, localHost("h1"), localVersion("v1"), trial.Commandline{"x"}, trial.Configuration{})
	require.NoError(t, tr.Save(ctx))
	require.NoError(t, tr.Reserve(ctx))
	require.NoError(t, tr.Run(ctx))

	w := New(st, Params{LocalHost: localHost("h1"), LocalVersion: localVersion("v1")}, NewConsumer(t.TempDir()))
	_, err := w.processTrial(ctx, tr.ID)
	assert.ErrorIs(t, err, errSkip)
}

func TestProcessTrialReturnsDirectlyWhenHostAndVersionMatch(t *testing.T) {
	ctx := context.Background()
	st := newStore(t)
	tr := trial.New(st, trial.Refers{}, localHost("h1"), localVersion("v1"), trial.Commandline{"x"}, trial.Configuration{})
	require.NoError(t, tr.Save(ctx))

	w := New(st, Params{LocalHost: localHost("h1"), LocalVersion: localVersion("v1")}, NewConsumer(t.TempDir()))
	got, err := w.processTrial(ctx, tr.ID)
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.Equal(t, tr.ID, got.ID)
}

func TestProcessTrialSkipsOnHostDivergenceWithoutAllowFlags(t *testing.T) {
	ctx := context.Background()
	st := newStore(t)
	tr := trial.New(st, trial.Refers{}, localHost("h1"), localVersion("v1"), trial.Commandline{"x"}, trial.Configuration{})
	require.NoError(t, tr.Save(ctx))

	w := New(st, Params{LocalHost: localHost("h2"), LocalVersion: localVersion("v1")}, NewConsumer(t.TempDir()))
	_, err := w.processTrial(ctx, tr.ID)
	assert.ErrorIs(t, err, errSkip)
}

// TestProcessTrialSkipsOnNonKeyFieldDivergence covers a trial whose
// Hostname and HeadSHA happen to match the local worker but some other
// Host/Version field does not: the candidate must still be treated as
// divergent, not run in place.
func TestProcessTrialSkipsOnNonKeyFieldDivergence(t *testing.T) {
	ctx := context.Background()
	st := newStore(t)
	tr := trial.New(st, trial.Refers{}, localHost("h1"), localVersion("v1"), trial.Commandline{"x"}, trial.Configuration{})
	require.NoError(t, tr.Save(ctx))

	other := localHost("h1")
	other.OS = "windows"
	w := New(st, Params{LocalHost: other, LocalVersion: localVersion("v1")}, NewConsumer(t.TempDir()))
	_, err := w.processTrial(ctx, tr.ID)
	assert.ErrorIs(t, err, errSkip)
}

func TestProcessTrialBranchesOnHostDivergenceWhenAllowed(t *testing.T) {
	ctx := context.Background()
	st := newStore(t)
	tr := trial.New(st, trial.Refers{}, localHost("h1"), localVersion("v1"), trial.Commandline{"x"}, trial.Configuration{})
	require.NoError(t, tr.Save(ctx))

	w := New(st, Params{LocalHost: localHost("h2"), LocalVersion: localVersion("v1"), AllowAnyChange: true}, NewConsumer(t.TempDir()))
	child, err := w.processTrial(ctx, tr.ID)
	require.NoError(t, err)
	require.NotNil(t, child)
	assert.Equal(t, tr.ID, child.Refers.ParentID)
	assert.NotEqual(t, tr.ID, child.ID)
	assert.Equal(t, "h2", child.Host.Hostname)

	require.NoError(t, tr.Status.Load(ctx))
	status, err := tr.CurrentStatus(ctx)
	require.NoError(t, err)
	assert.Equal(t, trial.StatusBranched, status, "the parent candidate must be marked branched so it is not re-selected")
}

func TestProcessTrialAllowHostChangeSkipsBranching(t *testing.T) {
	ctx := context.Background()
	st := newStore(t)
	tr := trial.New(st, trial.Refers{}, localHost("h1"), localVersion("v1"), trial.Commandline{"x"}, trial.Configuration{})
	require.NoError(t, tr.Save(ctx))

	w := New(st, Params{LocalHost: localHost("h2"), LocalVersion: localVersion("v1"), AllowHostChange: true}, NewConsumer(t.TempDir()))
	got, err := w.processTrial(ctx, tr.ID)
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.Equal(t, tr.ID, got.ID, "an explicitly allowed divergence runs the candidate directly, no branch")
}

func TestProcessTrialSkipsWhenAlreadyBranchedByAnotherWorker(t *testing.T) {
	ctx := context.Background()
	st := newStore(t)
	tr := trial.New(st, trial.Refers{}, localHost("h1"), localVersion("v1"), trial.Commandline{"x"}, trial.Configuration{})
	require.NoError(t, tr.Save(ctx))

	// Simulate another worker that already branched this candidate: once
	// reserved and marked branched, it is no longer reservable by anyone.
	pre, err := trial.Load(ctx, st, tr.ID, attribute.Interval{})
	require.NoError(t, err)
	require.NoError(t, pre.Reserve(ctx))
	require.NoError(t, pre.Branched(ctx))

	w := New(st, Params{LocalHost: localHost("h2"), LocalVersion: localVersion("v1"), AllowAnyChange: true}, NewConsumer(t.TempDir()))
	_, err = w.processTrial(ctx, tr.ID)
	assert.ErrorIs(t, err, errSkip)
}

func TestExecuteTrialSwallowsLostReserveRace(t *testing.T) {
	ctx := context.Background()
	st := newStore(t)
	tr := trial.New(st, trial.Refers{}, localHost("h1"), localVersion("v1"), trial.Commandline{"x"}, trial.Configuration{})
	require.NoError(t, tr.Save(ctx))
	require.NoError(t, tr.Reserve(ctx))

	other, err := trial.Load(ctx, st, tr.ID, attribute.Interval{})
	require.NoError(t, err)

	w := New(st, Params{}, NewConsumer(t.TempDir()))
	err = w.executeTrial(ctx, other)
	assert.NoError(t, err, "a lost reserve race must not surface as an error to the outer loop")
}

func TestRunStopsAfterFullPassFindsNothingNew(t *testing.T) {
	ctx := context.Background()
	st := newStore(t)
	tr := trial.New(st, trial.Refers{}, localHost("h1"), localVersion("v1"), trial.Commandline{"true"}, trial.Configuration{})
	require.NoError(t, tr.Save(ctx))

	consumer := NewConsumer(t.TempDir())
	w := New(st, Params{LocalHost: localHost("h1"), LocalVersion: localVersion("v1")}, consumer)

	err := w.Run(ctx)
	require.NoError(t, err)

	loaded, err := trial.Load(ctx, st, tr.ID, attribute.Interval{})
	require.NoError(t, err)
	s, err := loaded.CurrentStatus(ctx)
	require.NoError(t, err)
	assert.Contains(t, []trial.Status{trial.StatusCompleted, trial.StatusBroken}, s, "Run must drive the one candidate through Consume")
}

func TestRunRespectsContextCancellation(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	st := newStore(t)
	w := New(st, Params{}, NewConsumer(t.TempDir()))
	err := w.Run(ctx)
	assert.ErrorIs(t, err, context.Canceled)
}
