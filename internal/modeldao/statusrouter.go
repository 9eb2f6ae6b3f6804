package modeldao

import (
	"context"
	"fmt"

	"github.com/localfirst/syncengine/internal/syncqueue"
	"github.com/localfirst/syncengine/internal/types"
)

// StatusRouter implements syncqueue.StatusWriter by dispatching to the
// DAO registered for item.ModelType, the same shape ModelStoreRouter
// uses for idnegotiation.ModelStore.
type StatusRouter struct {
	writers map[string]syncqueue.StatusWriter
}

// NewStatusRouter constructs an empty router.
func NewStatusRouter() *StatusRouter {
	return &StatusRouter{writers: make(map[string]syncqueue.StatusWriter)}
}

// Register associates modelType with the DAO that owns its table.
func (s *StatusRouter) Register(modelType string, writer syncqueue.StatusWriter) {
	s.writers[modelType] = writer
}

// UpdateSyncStatus implements syncqueue.StatusWriter.
func (s *StatusRouter) UpdateSyncStatus(ctx context.Context, modelType, modelID string, status types.SyncStatus) error {
	w, ok := s.writers[modelType]
	if !ok {
		return fmt.Errorf("modeldao: no status writer registered for model type %q", modelType)
	}
	return w.UpdateSyncStatus(ctx, modelType, modelID, status)
}
