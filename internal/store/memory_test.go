package store

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/nais/hahaha/internal/resource"
)

func widget(name string) *resource.Snapshot {
	return &resource.Snapshot{
		Key:  resource.NewKey("default", name),
		Spec: []byte(`{"size":1}`),
	}
}

func nextEvent(t *testing.T, w Watch) Event {
	t.Helper()

	select {
	case event, ok := <-w.Events():
		require.True(t, ok, "watch closed unexpectedly")

		return event
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for watch event")

		return Event{}
	}
}

func TestMemory_CreateAndGet(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	mem := NewMemory()

	created, err := mem.Create(ctx, widget("widget-1"))
	require.NoError(t, err)
	assert.Equal(t, "1", created.ResourceVersion)
	assert.Equal(t, int64(1), created.Generation)
	assert.NotEmpty(t, created.UID)

	got, err := mem.Get(ctx, created.Key)
	require.NoError(t, err)
	assert.Equal(t, created, got)

	_, err = mem.Create(ctx, widget("widget-1"))
	require.Error(t, err)
	assert.True(t, IsConflict(err))

	_, err = mem.Get(ctx, resource.NewKey("default", "missing"))
	assert.True(t, IsNotFound(err))
}

func TestMemory_UpdatePreconditionAndGeneration(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	mem := NewMemory()

	created, err := mem.Create(ctx, widget("widget-1"))
	require.NoError(t, err)

	labelled := created.DeepCopy()
	labelled.Labels = map[string]string{"team": "nais"}

	updated, err := mem.Update(ctx, labelled)
	require.NoError(t, err)
	assert.Equal(t, int64(1), updated.Generation, "metadata change must not bump generation")
	assert.Equal(t, "2", updated.ResourceVersion)

	_, err = mem.Update(ctx, labelled)
	require.Error(t, err)
	assert.True(t, IsConflict(err), "stale version must conflict")

	resized := updated.DeepCopy()
	resized.Spec = []byte(`{"size":2}`)

	resized, err = mem.Update(ctx, resized)
	require.NoError(t, err)
	assert.Equal(t, int64(2), resized.Generation)

	withStatus := resized.DeepCopy()
	withStatus.Status = []byte(`{"ready":true}`)
	withStatus.Spec = []byte(`{"size":99}`)

	statusWritten, err := mem.UpdateStatus(ctx, withStatus)
	require.NoError(t, err)
	assert.JSONEq(t, `{"ready":true}`, string(statusWritten.Status))
	assert.JSONEq(t, `{"size":2}`, string(statusWritten.Spec), "status path must not touch spec")
	assert.Equal(t, int64(2), statusWritten.Generation)
}

func TestMemory_DeleteHonoursFinalizers(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	mem := NewMemory()

	snap := widget("widget-1")
	snap.Finalizers = []string{"hahaha.nais.io/cleanup"}

	created, err := mem.Create(ctx, snap)
	require.NoError(t, err)

	require.NoError(t, mem.Delete(ctx, created.Key))

	terminating, err := mem.Get(ctx, created.Key)
	require.NoError(t, err)
	assert.True(t, terminating.IsTerminating())

	require.NoError(t, mem.Delete(ctx, created.Key), "repeated delete is a no-op")

	_, err = mem.Update(ctx, terminating.WithoutFinalizer("hahaha.nais.io/cleanup"))
	require.NoError(t, err)

	_, err = mem.Get(ctx, created.Key)
	assert.True(t, IsNotFound(err), "clearing the last finalizer removes the resource")

	assert.NoError(t, mem.Delete(ctx, created.Key), "deleting a missing resource succeeds")
}

func TestMemory_WatchReplayAndLiveEvents(t *testing.T) {
	t.Parallel()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	mem := NewMemory()

	first, err := mem.Create(ctx, widget("widget-1"))
	require.NoError(t, err)

	_, err = mem.Create(ctx, widget("widget-2"))
	require.NoError(t, err)

	w, err := mem.Watch(ctx, first.ResourceVersion)
	require.NoError(t, err)

	defer w.Stop()

	replayed := nextEvent(t, w)
	assert.Equal(t, Added, replayed.Type)
	assert.Equal(t, "widget-2", replayed.Snapshot.Key.Name)

	require.NoError(t, mem.Delete(ctx, first.Key))

	deleted := nextEvent(t, w)
	assert.Equal(t, Deleted, deleted.Type)
	assert.Equal(t, "widget-1", deleted.Snapshot.Key.Name)

	mem.SendBookmark()

	bookmark := nextEvent(t, w)
	assert.Equal(t, Bookmark, bookmark.Type)
	assert.Equal(t, mem.Version(), bookmark.Snapshot.ResourceVersion)
}

func TestMemory_CompactionAndExpiry(t *testing.T) {
	t.Parallel()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	mem := NewMemory()

	for _, name := range []string{"a", "b", "c"} {
		_, err := mem.Create(ctx, widget(name))
		require.NoError(t, err)
	}

	mem.Compact("2")

	_, err := mem.Watch(ctx, "1")
	require.Error(t, err)
	assert.True(t, IsVersionTooOld(err))

	w, err := mem.Watch(ctx, "2")
	require.NoError(t, err)

	assert.Equal(t, "c", nextEvent(t, w).Snapshot.Key.Name)

	mem.ExpireWatches()

	expired := nextEvent(t, w)
	assert.Equal(t, Error, expired.Type)
	assert.True(t, IsVersionTooOld(expired.Err))

	select {
	case _, ok := <-w.Events():
		assert.False(t, ok, "stream must close after an error event")
	case <-time.After(2 * time.Second):
		t.Fatal("watch did not close")
	}
}

func TestMemory_HistoryLimitCompacts(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	mem := NewMemory(WithHistoryLimit(2))

	for _, name := range []string{"a", "b", "c", "d"} {
		_, err := mem.Create(ctx, widget(name))
		require.NoError(t, err)
	}

	_, err := mem.Watch(ctx, "1")
	assert.True(t, IsVersionTooOld(err))
}

func TestMemory_FailNext(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	mem := NewMemory()

	mem.FailNext(OpList, ErrUnavailable)

	_, err := mem.List(ctx)
	require.ErrorIs(t, err, ErrUnavailable)

	list, err := mem.List(ctx)
	require.NoError(t, err)
	assert.Empty(t, list.Items)
	assert.Equal(t, 2, mem.Calls(OpList))
}
