package modeldao

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/localfirst/syncengine/internal/idnegotiation"
	"github.com/localfirst/syncengine/internal/types"
)

// RecordStore is the per-model-type slice of idnegotiation.ModelStore
// that a single DAO[T] can implement without knowing about any other
// model type. ModelStoreRouter fans a real idnegotiation.ModelStore out
// across every modelType registered with it, the same type-erasure shape
// internal/repository.Registry uses for cascade delete.
type RecordStore interface {
	GetRecord(ctx context.Context, modelType, id string) (*idnegotiation.ModelRecord, error)
	ReplaceIDRecord(ctx context.Context, tx *sql.Tx, modelType, oldID, newID string) error
	MergeFieldsRecord(ctx context.Context, tx *sql.Tx, modelType, id string, fields map[string]any) error
	MarkConflictedRecord(ctx context.Context, modelType, id string) error
	DeleteRecord(ctx context.Context, modelType, id string) error
}

// ModelStoreRouter implements idnegotiation.ModelStore by dispatching
// each call to the DAO registered for the given modelType.
type ModelStoreRouter struct {
	stores map[string]RecordStore
}

// NewModelStoreRouter constructs an empty router; call Register for each
// model type before handing it to idnegotiation.NewService.
func NewModelStoreRouter() *ModelStoreRouter {
	return &ModelStoreRouter{stores: make(map[string]RecordStore)}
}

// Register associates modelType with the DAO that serves it.
func (m *ModelStoreRouter) Register(modelType string, store RecordStore) {
	m.stores[modelType] = store
}

func (m *ModelStoreRouter) lookup(modelType string) (RecordStore, error) {
	s, ok := m.stores[modelType]
	if !ok {
		return nil, fmt.Errorf("modeldao: no store registered for model type %q", modelType)
	}
	return s, nil
}

// Get implements idnegotiation.ModelStore.
func (m *ModelStoreRouter) Get(ctx context.Context, modelType, id string) (*idnegotiation.ModelRecord, error) {
	s, err := m.lookup(modelType)
	if err != nil {
		return nil, err
	}
	return s.GetRecord(ctx, modelType, id)
}

// ReplaceID implements idnegotiation.ModelStore.
func (m *ModelStoreRouter) ReplaceID(ctx context.Context, tx *sql.Tx, modelType, oldID, newID string) error {
	s, err := m.lookup(modelType)
	if err != nil {
		return err
	}
	return s.ReplaceIDRecord(ctx, tx, modelType, oldID, newID)
}

// MergeFields implements idnegotiation.ModelStore.
func (m *ModelStoreRouter) MergeFields(ctx context.Context, tx *sql.Tx, modelType, id string, fields map[string]any) error {
	s, err := m.lookup(modelType)
	if err != nil {
		return err
	}
	return s.MergeFieldsRecord(ctx, tx, modelType, id, fields)
}

// MarkConflicted implements idnegotiation.ModelStore.
func (m *ModelStoreRouter) MarkConflicted(ctx context.Context, modelType, id string) error {
	s, err := m.lookup(modelType)
	if err != nil {
		return err
	}
	return s.MarkConflictedRecord(ctx, modelType, id)
}

// Exists implements the retry executor's local-row guard: a queued
// create/update whose model row vanished locally is dropped instead of
// replayed. A model type with no registered store reports true — never
// drop a durable mutation on a routing gap.
func (m *ModelStoreRouter) Exists(ctx context.Context, modelType, id string) (bool, error) {
	s, ok := m.stores[modelType]
	if !ok {
		return true, nil
	}
	_, err := s.GetRecord(ctx, modelType, id)
	if err != nil {
		if errors.Is(err, types.ErrNotFound) {
			return false, nil
		}
		return false, err
	}
	return true, nil
}

// Delete implements idnegotiation.ModelStore.
func (m *ModelStoreRouter) Delete(ctx context.Context, modelType, id string) error {
	s, err := m.lookup(modelType)
	if err != nil {
		return err
	}
	return s.DeleteRecord(ctx, modelType, id)
}
