package idnegotiation

import (
	"context"
	"database/sql"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/localfirst/syncengine/internal/localstore"
	"github.com/localfirst/syncengine/internal/syncqueue"
	"github.com/localfirst/syncengine/internal/types"
)

func TestFieldsEqual(t *testing.T) {
	a := map[string]any{"title": "x", "count": 3}
	b := map[string]any{"title": "x", "count": 3}
	require.True(t, fieldsEqual(a, b))

	c := map[string]any{"title": "y", "count": 3}
	require.False(t, fieldsEqual(a, c))

	require.False(t, fieldsEqual(a, map[string]any{"title": "x"}))
}

func TestFieldsEqualIgnoresSystemFieldsAndEmptyValues(t *testing.T) {
	a := map[string]any{"id": "tmp1", "created_at": "2026-01-01", "title": "x", "note": nil}
	b := map[string]any{"id": "srv1", "updated_at": "2026-02-02", "title": "x", "note": ""}
	require.True(t, fieldsEqual(a, b))
}

func TestMergeByTimestampPrefersNewerIncoming(t *testing.T) {
	older := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	newer := older.Add(time.Hour)

	existing := &ModelRecord{ID: "p1", CreatedAt: older, Fields: map[string]any{"title": "old", "body": "keep"}}
	incoming := &ModelRecord{ID: "p1", CreatedAt: newer, Fields: map[string]any{"title": "new"}}

	merged, err := mergeByTimestamp(incoming, existing)
	require.NoError(t, err)
	require.Equal(t, "new", merged["title"])
	require.Equal(t, "keep", merged["body"])
	require.NotEmpty(t, merged["updated_at"])
}

func TestMergeByTimestampRefusesOlderIncoming(t *testing.T) {
	newer := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	older := newer.Add(-time.Hour)

	existing := &ModelRecord{ID: "p1", CreatedAt: newer, Fields: map[string]any{"title": "current"}}
	incoming := &ModelRecord{ID: "p1", CreatedAt: older, Fields: map[string]any{"title": "stale"}}

	_, err := mergeByTimestamp(incoming, existing)
	require.Error(t, err)
}

func TestMergeByTimestampRefusesMissingTimestamps(t *testing.T) {
	existing := &ModelRecord{ID: "p1", Fields: map[string]any{"title": "a"}}
	incoming := &ModelRecord{ID: "p1", CreatedAt: time.Now(), Fields: map[string]any{"title": "b"}}

	_, err := mergeByTimestamp(incoming, existing)
	require.Error(t, err)
}

type fakeModelStore struct {
	records map[string]*ModelRecord
	merged  map[string]map[string]any
	conflicted map[string]bool
}

func newFakeModelStore() *fakeModelStore {
	return &fakeModelStore{
		records:    make(map[string]*ModelRecord),
		merged:     make(map[string]map[string]any),
		conflicted: make(map[string]bool),
	}
}

func (f *fakeModelStore) Get(ctx context.Context, modelType, id string) (*ModelRecord, error) {
	rec, ok := f.records[id]
	if !ok {
		return nil, types.ErrNotFound
	}
	return rec, nil
}

func (f *fakeModelStore) ReplaceID(ctx context.Context, tx *sql.Tx, modelType, oldID, newID string) error {
	rec, ok := f.records[oldID]
	if !ok {
		return types.ErrNotFound
	}
	delete(f.records, oldID)
	rec.ID = newID
	f.records[newID] = rec
	return nil
}

func (f *fakeModelStore) MergeFields(ctx context.Context, tx *sql.Tx, modelType, id string, fields map[string]any) error {
	f.merged[id] = fields
	return nil
}

func (f *fakeModelStore) MarkConflicted(ctx context.Context, modelType, id string) error {
	f.conflicted[id] = true
	return nil
}

func (f *fakeModelStore) Delete(ctx context.Context, modelType, id string) error {
	delete(f.records, id)
	return nil
}

func TestResolveByteIdenticalDropsTemporary(t *testing.T) {
	store := newFakeModelStore()
	r := NewIdConflictResolver(store)

	incoming := &ModelRecord{ID: "tmp1", Fields: map[string]any{"title": "same"}}
	existing := &ModelRecord{ID: "srv1", Fields: map[string]any{"title": "same"}}

	res, err := r.Resolve(context.Background(), "Task", incoming, existing)
	require.NoError(t, err)
	require.Equal(t, ResolutionByteIdentical, res)
}

func TestResolveMergesByTimestampWhenDifferent(t *testing.T) {
	store := newFakeModelStore()
	r := NewIdConflictResolver(store)

	older := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	incoming := &ModelRecord{ID: "tmp1", CreatedAt: older.Add(time.Hour), Fields: map[string]any{"title": "new"}}
	existing := &ModelRecord{ID: "srv1", CreatedAt: older, Fields: map[string]any{"title": "old"}}

	res, err := r.Resolve(context.Background(), "Task", incoming, existing)
	require.NoError(t, err)
	require.Equal(t, ResolutionMerged, res)
	require.Equal(t, "new", store.merged["srv1"]["title"])
}

func TestResolveConflictMarksRecordWhenMergeImpossible(t *testing.T) {
	store := newFakeModelStore()
	r := NewIdConflictResolver(store)

	newer := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	incoming := &ModelRecord{ID: "tmp1", CreatedAt: newer.Add(-time.Hour), Fields: map[string]any{"title": "stale"}}
	existing := &ModelRecord{ID: "srv1", CreatedAt: newer, Fields: map[string]any{"title": "current"}}

	res, err := r.Resolve(context.Background(), "Task", incoming, existing)
	require.ErrorIs(t, err, types.ErrIDConflict)
	require.Equal(t, ResolutionConflicted, res)
	require.True(t, store.conflicted["srv1"])
}

func newServiceHarness(t *testing.T) (*Service, *fakeModelStore, *syncqueue.SyncQueue) {
	t.Helper()
	store, err := localstore.Open(context.Background(), "file::memory:?cache=shared")
	require.NoError(t, err)
	t.Cleanup(func() { _ = store.Close() })

	q := syncqueue.New(store, nil)
	ms := newFakeModelStore()
	fk := NewForeignKeyUpdateService(store, nil)
	svc := NewService(store, q, ms, fk, NewIdConflictResolver(ms))
	return svc, ms, q
}

func TestReplaceIDByteIdenticalCollisionDropsTemporaryRecord(t *testing.T) {
	svc, ms, _ := newServiceHarness(t)
	ctx := context.Background()

	ms.records["tmp1"] = &ModelRecord{ID: "tmp1", Fields: map[string]any{"id": "tmp1", "title": "same"}}
	ms.records["srv1"] = &ModelRecord{ID: "srv1", Fields: map[string]any{"id": "srv1", "title": "same"}}

	res, err := svc.ReplaceID(ctx, "Task", "tmp1", "srv1")
	require.NoError(t, err)
	require.Equal(t, ResolutionByteIdentical, res)
	require.NotContains(t, ms.records, "tmp1")
	require.Contains(t, ms.records, "srv1")
}

func TestReplaceIDConflictMarksQueueRows(t *testing.T) {
	svc, ms, q := newServiceHarness(t)
	ctx := context.Background()

	newer := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	ms.records["tmp1"] = &ModelRecord{ID: "tmp1", CreatedAt: newer.Add(-time.Hour), Fields: map[string]any{"title": "stale"}}
	ms.records["srv1"] = &ModelRecord{ID: "srv1", CreatedAt: newer, Fields: map[string]any{"title": "current"}}

	rowID, err := q.Insert(ctx, &types.SyncQueueItem{
		ModelType: "Task", ModelID: "tmp1", Op: types.OpCreate, Payload: `{}`,
		IdempotencyKey: "idem-1", Status: types.QueueStatusPending, CreatedAt: time.Now().UTC(),
	})
	require.NoError(t, err)

	_, err = svc.ReplaceID(ctx, "Task", "tmp1", "srv1")
	require.ErrorIs(t, err, types.ErrIDConflict)

	row, err := q.GetByID(ctx, rowID)
	require.NoError(t, err)
	require.NotNil(t, row.IDNegotiationStatus)
	require.Equal(t, types.NegotiationConflict, *row.IDNegotiationStatus)
	require.NotNil(t, row.LastError)
}

func TestDeadlockPotentialThreshold(t *testing.T) {
	svc := &Service{DeadlockPendingThreshold: 5}
	require.False(t, svc.DeadlockPotential(5))
	require.True(t, svc.DeadlockPotential(6))
}

func TestForeignKeyUpdateServiceValidateBeforeRejectsCollision(t *testing.T) {
	store, err := localstore.Open(context.Background(), "file::memory:?cache=shared")
	require.NoError(t, err)
	defer func() { _ = store.Close() }()

	require.NoError(t, store.RegisterModelTable(context.Background(), "Comment", "comments", `
		CREATE TABLE comments (id TEXT PRIMARY KEY, post_id TEXT)
	`))
	_, err = store.Exec(context.Background(), `INSERT INTO comments (id, post_id) VALUES (?, ?)`, "c1", "p-new")
	require.NoError(t, err)

	svc := NewForeignKeyUpdateService(store, map[string][]types.ForeignKeyRelation{
		"Post": {{SourceTable: "comments", FKColumn: "post_id", SourceType: "Comment"}},
	})
	require.Error(t, svc.ValidateBefore(context.Background(), "Post", "p-new"))
	require.NoError(t, svc.ValidateBefore(context.Background(), "Post", "p-other"))
}

func TestForeignKeyUpdateServiceValidateAfterDetectsStaleReference(t *testing.T) {
	store, err := localstore.Open(context.Background(), "file::memory:?cache=shared")
	require.NoError(t, err)
	defer func() { _ = store.Close() }()

	require.NoError(t, store.RegisterModelTable(context.Background(), "Comment", "comments2", `
		CREATE TABLE comments2 (id TEXT PRIMARY KEY, post_id TEXT)
	`))
	_, err = store.Exec(context.Background(), `INSERT INTO comments2 (id, post_id) VALUES (?, ?)`, "c1", "p-old")
	require.NoError(t, err)

	svc := NewForeignKeyUpdateService(store, map[string][]types.ForeignKeyRelation{
		"Post": {{SourceTable: "comments2", FKColumn: "post_id", SourceType: "Comment"}},
	})
	require.Error(t, svc.ValidateAfter(context.Background(), "Post", "p-old"))
}
