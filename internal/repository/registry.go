package repository

import (
	"context"
	"sync"

	"github.com/localfirst/syncengine/internal/types"
)

// AnyRepository is the type-erased view of a Repository[T] used for
// cascade-delete dispatch by model-type name; every lookup goes through
// an explicit registry rather than reflection.
type AnyRepository interface {
	ModelType() string
	// ChildIDsForParent returns the local ids of every row whose
	// mappedBy field equals parentID.
	ChildIDsForParent(ctx context.Context, mappedBy, parentID string) ([]string, error)
	// DeleteWithContext deletes id under policy, threading dctx through
	// for cycle detection.
	DeleteWithContext(ctx context.Context, id string, policy types.SavePolicy, dctx *DeletionContext) error
	// TruncateLocal is invoked by Engine.ObliterateLocalStorage.
	TruncateLocal(ctx context.Context) error
}

// Registry is the process-wide map of model type name -> repository,
// used only for cascade-delete dispatch and obliterate.
type Registry struct {
	mu    sync.RWMutex
	repos map[string]AnyRepository
}

// NewRegistry constructs an empty Registry.
func NewRegistry() *Registry {
	return &Registry{repos: make(map[string]AnyRepository)}
}

// Register records repo under its own ModelType(). Must be called once
// per repository, after construction (Repository.New takes the
// Registry but cannot self-register before it exists).
func (reg *Registry) Register(repo AnyRepository) {
	reg.mu.Lock()
	defer reg.mu.Unlock()
	reg.repos[repo.ModelType()] = repo
}

// Lookup returns the repository registered for modelType, if any.
func (reg *Registry) Lookup(modelType string) (AnyRepository, bool) {
	reg.mu.RLock()
	defer reg.mu.RUnlock()
	repo, ok := reg.repos[modelType]
	return repo, ok
}

// All returns every registered repository, used by obliterate to
// truncate every model's table without reflection.
func (reg *Registry) All() []AnyRepository {
	reg.mu.RLock()
	defer reg.mu.RUnlock()
	out := make([]AnyRepository, 0, len(reg.repos))
	for _, repo := range reg.repos {
		out = append(out, repo)
	}
	return out
}

// ClearInstances drops cached repository instances while keeping
// whatever factories the caller used to construct them (Reset, by
// contrast, discards both). Since this Registry only ever stores constructed instances
// (factories live in the engine), clearing it is simply emptying the
// map; the engine's own factory closures remain intact and can
// re-populate it.
func (reg *Registry) ClearInstances() {
	reg.mu.Lock()
	defer reg.mu.Unlock()
	reg.repos = make(map[string]AnyRepository)
}
