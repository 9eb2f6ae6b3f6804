// Package depresolver implements the dependency resolver: a
// registry of child->parent relations plus the level assignment and
// topological sort the retry executor needs to replay tasks in an order
// that never sends a child before the parent it depends on.
//
// The resolver holds no state beyond its registered relations; level
// assignment and sorting operate purely on the task batch handed in.
package depresolver

import (
	"fmt"
	"sort"
	"time"
)

// Task is the minimal shape the resolver needs from a queued sync task:
// an identity, its model's identity (for parent lookups) and a creation
// time used as the sort tiebreaker.
type Task struct {
	ID         int64
	ModelType  string
	ModelID    string
	CreatedAt  time.Time
}

// modelKey identifies a model instance across types, since dependency
// relations are declared between model *types* (e.g. "Comment" depends
// on "Post") but level assignment operates on model *instances*.
type modelKey struct {
	modelType string
	modelID   string
}

// Resolver holds the child->parent type registry and resolves task
// ordering against it.
type Resolver struct {
	// parentTypes maps a child model type to the parent model types it
	// must be created after.
	parentTypes map[string][]string
	maxIterations int
}

// New constructs a Resolver with the default iteration cap.
func New() *Resolver {
	return &Resolver{
		parentTypes:   make(map[string][]string),
		maxIterations: 100,
	}
}

// RegisterDependency declares that childType instances depend on
// parentType instances existing first (e.g. RegisterDependency("Comment", "Post")).
func (r *Resolver) RegisterDependency(childType, parentType string) {
	for _, existing := range r.parentTypes[childType] {
		if existing == parentType {
			return
		}
	}
	r.parentTypes[childType] = append(r.parentTypes[childType], parentType)
}

// ParentTypesOf returns the registered parent types for childType.
func (r *Resolver) ParentTypesOf(childType string) []string {
	return append([]string(nil), r.parentTypes[childType]...)
}

// HasCircularDependencies reports whether the *type-level* registry
// contains a cycle, via depth-first search with a recursion stack. A
// cyclic registry is a configuration error the engine should refuse to
// start with, not something discovered lazily mid-sync.
func (r *Resolver) HasCircularDependencies() (bool, []string) {
	const (
		white = 0
		gray  = 1
		black = 2
	)
	color := make(map[string]int)

	var path []string
	var visit func(t string) []string
	visit = func(t string) []string {
		color[t] = gray
		path = append(path, t)
		for _, parent := range r.parentTypes[t] {
			switch color[parent] {
			case gray:
				// Found the back-edge; return the cycle starting at parent.
				cycle := []string{parent}
				for i := len(path) - 1; i >= 0; i-- {
					cycle = append(cycle, path[i])
					if path[i] == parent {
						break
					}
				}
				return cycle
			case white:
				if cyc := visit(parent); cyc != nil {
					return cyc
				}
			}
		}
		path = path[:len(path)-1]
		color[t] = black
		return nil
	}

	types := make([]string, 0, len(r.parentTypes))
	for t := range r.parentTypes {
		types = append(types, t)
	}
	sort.Strings(types)

	for _, t := range types {
		if color[t] == white {
			if cyc := visit(t); cyc != nil {
				return true, cyc
			}
		}
	}
	return false, nil
}

// AssignLevels computes, for a concrete set of in-flight tasks, the
// dependency level of each task's model instance: 0 if it has no
// pending-task parent in the same batch, otherwise 1 + the max level of
// its parents. Levels are assigned iteratively rather than
// via naive recursion, capped at maxIterations; a registry whose type
// graph has a cycle would otherwise loop forever, so HasCircularDependencies
// should be checked at startup and this cap is the runtime backstop.
func (r *Resolver) AssignLevels(tasks []Task) (map[int64]int, error) {
	// presentByType indexes which model instances of each parent type
	// have a pending task in this batch, since only those actually
	// impose an ordering constraint.
	presentByType := make(map[string]map[string]bool)
	taskKey := make(map[int64]modelKey)
	for _, t := range tasks {
		taskKey[t.ID] = modelKey{t.ModelType, t.ModelID}
		if presentByType[t.ModelType] == nil {
			presentByType[t.ModelType] = make(map[string]bool)
		}
		presentByType[t.ModelType][t.ModelID] = true
	}

	levels := make(map[int64]int, len(tasks))
	for _, t := range tasks {
		levels[t.ID] = 0
	}

	changed := true
	for iter := 0; changed; iter++ {
		if iter >= r.maxIterations {
			return levels, fmt.Errorf("level assignment did not converge after %d iterations (possible cycle in dependency registry)", r.maxIterations)
		}
		changed = false
		for _, t := range tasks {
			parentTypes := r.parentTypes[t.ModelType]
			if len(parentTypes) == 0 {
				continue
			}
			maxParentLevel := -1
			for _, other := range tasks {
				if other.ID == t.ID {
					continue
				}
				if !isParentType(parentTypes, other.ModelType) {
					continue
				}
				if other.ModelID == t.ModelID && other.ModelType == t.ModelType {
					continue
				}
				if levels[other.ID] > maxParentLevel {
					maxParentLevel = levels[other.ID]
				}
			}
			if maxParentLevel >= 0 {
				want := maxParentLevel + 1
				if levels[t.ID] != want {
					levels[t.ID] = want
					changed = true
				}
			}
		}
	}
	return levels, nil
}

func isParentType(parentTypes []string, candidate string) bool {
	for _, p := range parentTypes {
		if p == candidate {
			return true
		}
	}
	return false
}

// SortTasksByDependencyOrder orders tasks by ascending dependency level,
// then ascending createdAt as the tiebreaker, so parents are
// always replayed before their dependents within a single retry pass.
func (r *Resolver) SortTasksByDependencyOrder(tasks []Task) ([]Task, error) {
	levels, err := r.AssignLevels(tasks)
	if err != nil {
		return nil, err
	}
	sorted := append([]Task(nil), tasks...)
	sort.SliceStable(sorted, func(i, j int) bool {
		li, lj := levels[sorted[i].ID], levels[sorted[j].ID]
		if li != lj {
			return li < lj
		}
		return sorted[i].CreatedAt.Before(sorted[j].CreatedAt)
	})
	return sorted, nil
}
