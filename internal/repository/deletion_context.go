package repository

import "sync"

// DeletionContext is the cascade-delete cycle guard: the set of
// (modelType, id) pairs already being deleted
// in the current cascade. A model reached twice in one cascade — a
// genuine reference cycle in the data, not a defect in the traversal —
// is skipped on the second visit instead of recursing forever.
//
// Kept as a small mutex-guarded set rather than a plain map since
// cascadeDeleteChildren fans its relations out concurrently via
// errgroup.
type DeletionContext struct {
	mu   sync.Mutex
	seen map[string]struct{}
}

// NewDeletionContext returns an empty DeletionContext.
func NewDeletionContext() *DeletionContext {
	return &DeletionContext{seen: make(map[string]struct{})}
}

func deletionKey(modelType, id string) string {
	return modelType + "/" + id
}

// contains reports whether (modelType, id) is already in the set.
func (d *DeletionContext) contains(modelType, id string) bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	_, ok := d.seen[deletionKey(modelType, id)]
	return ok
}

// add records (modelType, id) as in flight.
func (d *DeletionContext) add(modelType, id string) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.seen[deletionKey(modelType, id)] = struct{}{}
}

// withChild returns a DeletionContext that additionally contains
// (modelType, id), used when recursing into cascade-delete children.
// The original context is
// left untouched so sibling branches of the cascade don't see ids from
// unrelated subtrees.
func (d *DeletionContext) withChild(modelType, id string) *DeletionContext {
	d.mu.Lock()
	defer d.mu.Unlock()
	next := &DeletionContext{seen: make(map[string]struct{}, len(d.seen)+1)}
	for k := range d.seen {
		next.seen[k] = struct{}{}
	}
	next.seen[deletionKey(modelType, id)] = struct{}{}
	return next
}

// Contains reports whether (modelType, id) is already part of this
// deletion cascade (exported for cross-repository cascade dispatch).
func (d *DeletionContext) Contains(modelType, id string) bool {
	return d.contains(modelType, id)
}
