package syncqueue

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/localfirst/syncengine/internal/localstore"
	"github.com/localfirst/syncengine/internal/types"
)

type fakeStatusWriter struct {
	calls []types.SyncStatus
}

func (f *fakeStatusWriter) UpdateSyncStatus(ctx context.Context, modelType, modelID string, status types.SyncStatus) error {
	f.calls = append(f.calls, status)
	return nil
}

func newTestQueue(t *testing.T) (*SyncQueue, *fakeStatusWriter) {
	t.Helper()
	store, err := localstore.Open(context.Background(), "file::memory:?cache=shared")
	require.NoError(t, err)
	t.Cleanup(func() { _ = store.Close() })
	sw := &fakeStatusWriter{}
	return New(store, sw), sw
}

func TestHandleModelSaveCollapsesPendingCreate(t *testing.T) {
	q, sw := newTestQueue(t)
	ctx := context.Background()

	id1, err := q.HandleModelSave(ctx, "Task", "t1", `{"title":"a"}`, types.OpCreate, "idem-1", "", "")
	require.NoError(t, err)

	id2, err := q.HandleModelSave(ctx, "Task", "t1", `{"title":"b"}`, types.OpUpdate, "idem-2", "", "")
	require.NoError(t, err)
	require.Equal(t, id1, id2, "a pending create must absorb a subsequent save into the same row")

	items, err := q.GetByModel(ctx, "Task", "t1")
	require.NoError(t, err)
	require.Len(t, items, 1)
	require.Equal(t, types.OpCreate, items[0].Op)
	require.Equal(t, `{"title":"b"}`, items[0].Payload)
	require.Equal(t, 0, items[0].AttemptCount)
	require.NotEmpty(t, sw.calls)
	require.Equal(t, types.SyncStatusPending, sw.calls[len(sw.calls)-1])
}

func TestHandleModelSaveCollapsesPendingUpdate(t *testing.T) {
	q, _ := newTestQueue(t)
	ctx := context.Background()

	_, err := q.HandleModelSave(ctx, "Task", "t2", `{"title":"a"}`, types.OpUpdate, "idem-1", "", "")
	require.NoError(t, err)
	_, err = q.HandleModelSave(ctx, "Task", "t2", `{"title":"b"}`, types.OpUpdate, "idem-2", "", "")
	require.NoError(t, err)

	items, err := q.GetByModel(ctx, "Task", "t2")
	require.NoError(t, err)
	require.Len(t, items, 1)
	require.Equal(t, `{"title":"b"}`, items[0].Payload)
}

func TestHandleModelSaveDoesNotCollapseCreateIntoSeparateUpdateRow(t *testing.T) {
	q, _ := newTestQueue(t)
	ctx := context.Background()

	// No pending create and op is update: nothing to merge with yet, so a
	// fresh row is inserted.
	_, err := q.HandleModelSave(ctx, "Task", "t3", `{"title":"a"}`, types.OpUpdate, "idem-1", "", "")
	require.NoError(t, err)

	items, err := q.GetByModel(ctx, "Task", "t3")
	require.NoError(t, err)
	require.Len(t, items, 1)
	require.Equal(t, types.OpUpdate, items[0].Op)
}

func TestHandleModelDeletionRemovesPendingCreate(t *testing.T) {
	q, _ := newTestQueue(t)
	ctx := context.Background()

	_, err := q.HandleModelSave(ctx, "Task", "t4", `{}`, types.OpCreate, "idem-1", "", "")
	require.NoError(t, err)

	action, err := q.HandleModelDeletion(ctx, "Task", "t4", `{}`, true, "", "")
	require.NoError(t, err)
	require.Equal(t, ActionRemovedCreate, action)

	items, err := q.GetByModel(ctx, "Task", "t4")
	require.NoError(t, err)
	require.Empty(t, items, "create+delete must never coexist (I2)")
}

func TestHandleModelDeletionReplacesUpdateWithDelete(t *testing.T) {
	q, _ := newTestQueue(t)
	ctx := context.Background()

	_, err := q.HandleModelSave(ctx, "Task", "t5", `{}`, types.OpUpdate, "idem-1", "", "")
	require.NoError(t, err)

	action, err := q.HandleModelDeletion(ctx, "Task", "t5", `{}`, true, "", "")
	require.NoError(t, err)
	require.Equal(t, ActionReplacedUpdateWithDelete, action)

	items, err := q.GetByModel(ctx, "Task", "t5")
	require.NoError(t, err)
	require.Len(t, items, 1)
	require.Equal(t, types.OpDelete, items[0].Op)
}

func TestHandleModelDeletionClearsUpdateWithoutScheduling(t *testing.T) {
	q, _ := newTestQueue(t)
	ctx := context.Background()

	_, err := q.HandleModelSave(ctx, "Task", "t6", `{}`, types.OpUpdate, "idem-1", "", "")
	require.NoError(t, err)

	action, err := q.HandleModelDeletion(ctx, "Task", "t6", `{}`, false, "", "")
	require.NoError(t, err)
	require.Equal(t, ActionClearedUpdate, action)

	items, err := q.GetByModel(ctx, "Task", "t6")
	require.NoError(t, err)
	require.Empty(t, items)
}

func TestHandleModelDeletionCreatesDeleteWhenNoPendingOps(t *testing.T) {
	q, _ := newTestQueue(t)
	ctx := context.Background()

	action, err := q.HandleModelDeletion(ctx, "Task", "t7", `{}`, true, "", "")
	require.NoError(t, err)
	require.Equal(t, ActionCreatedDelete, action)

	items, err := q.GetByModel(ctx, "Task", "t7")
	require.NoError(t, err)
	require.Len(t, items, 1)
	require.Equal(t, types.OpDelete, items[0].Op)
}

func TestHandleModelDeletionClearedWhenNothingToDo(t *testing.T) {
	q, _ := newTestQueue(t)
	ctx := context.Background()

	action, err := q.HandleModelDeletion(ctx, "Task", "t8", `{}`, false, "", "")
	require.NoError(t, err)
	require.Equal(t, ActionClearedNoOperations, action)
}

// TestHandleModelDeletionIsIdempotent: applying the smart
// delete twice in a row is a no-op the second time, and both calls agree
// on having left a single terminal delete row behind.
func TestHandleModelDeletionIsIdempotent(t *testing.T) {
	q, _ := newTestQueue(t)
	ctx := context.Background()

	_, err := q.HandleModelSave(ctx, "Task", "t9", `{}`, types.OpUpdate, "idem-1", "", "")
	require.NoError(t, err)

	action1, err := q.HandleModelDeletion(ctx, "Task", "t9", `{}`, true, "", "")
	require.NoError(t, err)
	require.Equal(t, ActionReplacedUpdateWithDelete, action1)

	action2, err := q.HandleModelDeletion(ctx, "Task", "t9", `{}`, true, "", "")
	require.NoError(t, err)
	require.Equal(t, ActionDeleteAlreadyExists, action2)

	items, err := q.GetByModel(ctx, "Task", "t9")
	require.NoError(t, err)
	require.Len(t, items, 1)
	require.Equal(t, types.OpDelete, items[0].Op)
}

func TestMarkDeadAndUpdateRetry(t *testing.T) {
	q, _ := newTestQueue(t)
	ctx := context.Background()

	id, err := q.HandleModelSave(ctx, "Task", "t10", `{}`, types.OpCreate, "idem-1", "", "")
	require.NoError(t, err)

	require.NoError(t, q.UpdateRetry(ctx, id, nil, 1, "network blip"))
	item, err := q.GetByID(ctx, id)
	require.NoError(t, err)
	require.Equal(t, types.QueueStatusPending, item.Status)
	require.Equal(t, 1, item.AttemptCount)
	require.NotNil(t, item.LastError)

	require.NoError(t, q.MarkDead(ctx, id, "exceeded max retry attempts"))
	dead, err := q.GetByID(ctx, id)
	require.NoError(t, err)
	require.Equal(t, types.QueueStatusDead, dead.Status)

	items, err := q.GetByModel(ctx, "Task", "t10")
	require.NoError(t, err)
	require.Empty(t, items, "GetByModel excludes dead rows")
}

func TestDeleteRecomputesSyncStatusToSynced(t *testing.T) {
	q, sw := newTestQueue(t)
	ctx := context.Background()

	id, err := q.HandleModelSave(ctx, "Task", "t11", `{}`, types.OpCreate, "idem-1", "", "")
	require.NoError(t, err)

	require.NoError(t, q.Delete(ctx, id))
	require.NotEmpty(t, sw.calls)
	require.Equal(t, types.SyncStatusSynced, sw.calls[len(sw.calls)-1])
}
