package memory_test

import (
	"bytes"
	"context"
	"errors"
	"io"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"chronicle.dev/chronicle/store"
	"chronicle.dev/chronicle/store/memory"
)

func TestInsertEnforcesUniqueIndex(t *testing.T) {
	ctx := context.Background()
	st := memory.New()
	require.NoError(t, st.EnsureIndex(ctx, "widgets", []string{"_id"}, true))

	require.NoError(t, st.Insert(ctx, "widgets", store.Document{"_id": "a", "n": 1}))
	err := st.Insert(ctx, "widgets", store.Document{"_id": "a", "n": 2})
	assert.ErrorIs(t, err, store.ErrDuplicateKey)
}

func TestInsertAllowsDistinctKeys(t *testing.T) {
	ctx := context.Background()
	st := memory.New()
	require.NoError(t, st.EnsureIndex(ctx, "widgets", []string{"_id"}, true))
	require.NoError(t, st.Insert(ctx, "widgets", store.Document{"_id": "a"}))
	require.NoError(t, st.Insert(ctx, "widgets", store.Document{"_id": "b"}))
}

func TestReadQueryOperators(t *testing.T) {
	ctx := context.Background()
	st := memory.New()
	require.NoError(t, st.Insert(ctx, "events", store.Document{"_id": "1", "seq": 1, "tags": []any{"a", "b"}}))
	require.NoError(t, st.Insert(ctx, "events", store.Document{"_id": "2", "seq": 2, "tags": []any{"a"}}))
	require.NoError(t, st.Insert(ctx, "events", store.Document{"_id": "3", "seq": 3, "tags": []any{"b"}}))

	gt, err := st.Read(ctx, "events", store.Query{"seq": store.Query{"$gt": 1}})
	require.NoError(t, err)
	assert.Len(t, gt, 2)

	in, err := st.Read(ctx, "events", store.Query{"seq": store.Query{"$in": []any{1, 3}}})
	require.NoError(t, err)
	assert.Len(t, in, 2)

	all, err := st.Read(ctx, "events", store.Query{"tags": store.Query{"$all": []any{"a", "b"}}})
	require.NoError(t, err)
	require.Len(t, all, 1)
	assert.Equal(t, "1", all[0]["_id"])
}

func TestReadSortLimitProject(t *testing.T) {
	ctx := context.Background()
	st := memory.New()
	require.NoError(t, st.Insert(ctx, "events", store.Document{"_id": "b", "seq": 2}))
	require.NoError(t, st.Insert(ctx, "events", store.Document{"_id": "a", "seq": 1}))
	require.NoError(t, st.Insert(ctx, "events", store.Document{"_id": "c", "seq": 3}))

	docs, err := st.Read(ctx, "events", store.Query{}, store.WithSort("_id"), store.WithLimit(2), store.WithProject("_id"))
	require.NoError(t, err)
	require.Len(t, docs, 2)
	assert.Equal(t, "a", docs[0]["_id"])
	assert.Equal(t, "b", docs[1]["_id"])
	_, hasSeq := docs[0]["seq"]
	assert.False(t, hasSeq, "projection should drop unselected fields")
}

func TestReadAndWriteMergesAndDetectsNotFound(t *testing.T) {
	ctx := context.Background()
	st := memory.New()
	require.NoError(t, st.Insert(ctx, "reports", store.Document{"_id": "x", "status": "new", "tags": []any{}}))

	err := st.ReadAndWrite(ctx, "reports", store.Query{"_id": "x"}, store.Document{"status": "running"})
	require.NoError(t, err)

	docs, err := st.Read(ctx, "reports", store.Query{"_id": "x"})
	require.NoError(t, err)
	require.Len(t, docs, 1)
	assert.Equal(t, "running", docs[0]["status"])
	assert.Equal(t, []any{}, docs[0]["tags"], "unrelated fields must survive a merge")

	err = st.ReadAndWrite(ctx, "reports", store.Query{"_id": "missing"}, store.Document{"status": "running"})
	assert.ErrorIs(t, err, store.ErrNotFound)
}

func TestReadAndWriteDetectsUniqueCollision(t *testing.T) {
	ctx := context.Background()
	st := memory.New()
	require.NoError(t, st.EnsureIndex(ctx, "widgets", []string{"name"}, true))
	require.NoError(t, st.Insert(ctx, "widgets", store.Document{"_id": "1", "name": "alice"}))
	require.NoError(t, st.Insert(ctx, "widgets", store.Document{"_id": "2", "name": "bob"}))

	err := st.ReadAndWrite(ctx, "widgets", store.Query{"_id": "2"}, store.Document{"name": "alice"})
	assert.ErrorIs(t, err, store.ErrDuplicateKey)
}

func TestWriteFileReadFileRoundTrip(t *testing.T) {
	ctx := context.Background()
	st := memory.New()

	id, err := st.WriteFile(ctx, "artifacts.metadata", bytes.NewReader([]byte("hello world")), store.Document{
		"filename": "result.txt",
		"trial_id": "t1",
	})
	require.NoError(t, err)
	require.NotEmpty(t, id)

	handles, err := st.ReadFile(ctx, "artifacts.metadata", store.Query{"_id": id})
	require.NoError(t, err)
	require.Len(t, handles, 1)
	assert.Equal(t, "result.txt", handles[0].Metadata()["filename"])

	rc, err := handles[0].Open(ctx)
	require.NoError(t, err)
	defer rc.Close()
	data, err := io.ReadAll(rc)
	require.NoError(t, err)
	assert.Equal(t, "hello world", string(data))
}

func TestReadFileQueryByMetadata(t *testing.T) {
	ctx := context.Background()
	st := memory.New()
	_, err := st.WriteFile(ctx, "artifacts.metadata", bytes.NewReader([]byte("a")), store.Document{"trial_id": "t1", "filename": "a.txt"})
	require.NoError(t, err)
	_, err = st.WriteFile(ctx, "artifacts.metadata", bytes.NewReader([]byte("b")), store.Document{"trial_id": "t2", "filename": "b.txt"})
	require.NoError(t, err)

	handles, err := st.ReadFile(ctx, "artifacts.metadata", store.Query{"trial_id": "t1"})
	require.NoError(t, err)
	require.Len(t, handles, 1)
	assert.Equal(t, "a.txt", handles[0].Metadata()["filename"])
}

func TestContextCancellation(t *testing.T) {
	st := memory.New()
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	assert.ErrorIs(t, st.Insert(ctx, "c", store.Document{"_id": "1"}), context.Canceled)
	_, err := st.Read(ctx, "c", store.Query{})
	assert.ErrorIs(t, err, context.Canceled)
	assert.ErrorIs(t, st.ReadAndWrite(ctx, "c", store.Query{}, store.Document{}), context.Canceled)
	_, err = st.WriteFile(ctx, "c", bytes.NewReader(nil), store.Document{})
	assert.ErrorIs(t, err, context.Canceled)
	_, err = st.ReadFile(ctx, "c", store.Query{})
	assert.ErrorIs(t, err, context.Canceled)
}

func TestPing(t *testing.T) {
	st := memory.New()
	assert.NoError(t, st.Ping(context.Background()))

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	assert.True(t, errors.Is(st.Ping(ctx), context.Canceled))
}
